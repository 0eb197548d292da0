// Command inspect prints the collections of the configured document store
// with an example document and the field names seen in a sample of each.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"companion.chat/relay/internal/config"
	"companion.chat/relay/internal/store"
)

const maxValueChars = 50

func main() {
	var limit int
	var timeout time.Duration
	flag.IntVar(&limit, "limit", 10, "documents to sample per collection")
	flag.DurationVar(&timeout, "timeout", 30*time.Second, "overall deadline")
	flag.Parse()

	_ = godotenv.Load()
	cfg, err := config.LoadStore()
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(2)
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	// The memory backend has nothing to inspect across processes.
	if cfg.StoreBackend == config.BackendMemory {
		fmt.Fprintln(os.Stderr, "the memory backend cannot be inspected")
		os.Exit(2)
	}

	db, err := store.Open(ctx, cfg.StoreOptions())
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open %s store: %v\n", cfg.StoreBackend, err)
		os.Exit(1)
	}
	defer db.Close()

	if err := inspect(ctx, db, os.Stdout, limit); err != nil {
		fmt.Fprintf(os.Stderr, "inspect failed: %v\n", err)
		os.Exit(1)
	}
}

func inspect(ctx context.Context, db store.DocumentStore, out io.Writer, limit int) error {
	rule := strings.Repeat("=", 80)
	fmt.Fprintln(out, rule)
	fmt.Fprintln(out, "DOCUMENT STORE STRUCTURE")
	fmt.Fprintln(out, rule)

	collections, err := db.ListCollections(ctx)
	if err != nil {
		return fmt.Errorf("failed to list collections: %w", err)
	}
	if len(collections) == 0 {
		fmt.Fprintln(out, "\nNo collections found.")
		return nil
	}

	subs, _ := db.(store.SubcollectionLister)
	for _, name := range collections {
		if err := inspectCollection(ctx, db, subs, out, name, limit); err != nil {
			return err
		}
	}
	return nil
}

func inspectCollection(ctx context.Context, db store.DocumentStore, subs store.SubcollectionLister, out io.Writer, name string, limit int) error {
	fmt.Fprintf(out, "\nCollection: %s\n", name)
	fmt.Fprintln(out, strings.Repeat("-", 80))

	docs, err := db.SampleDocuments(ctx, name, limit)
	if err != nil {
		return fmt.Errorf("failed to sample %s: %w", name, err)
	}

	seen := make(map[string]struct{})
	for i, doc := range docs {
		keys := sortedKeys(doc.Data)
		for _, k := range keys {
			seen[k] = struct{}{}
		}

		if i == 0 {
			fmt.Fprintf(out, "\n  Example document ID: %s\n", doc.ID)
			fmt.Fprintln(out, "  Fields in this document:")
			for _, k := range keys {
				v := doc.Data[k]
				fmt.Fprintf(out, "    - %s: %T = %s\n", k, v, truncate(fmt.Sprint(v), maxValueChars))
			}
		}

		if subs != nil {
			nested, err := subs.ListSubcollections(ctx, name, doc.ID)
			if err != nil {
				return fmt.Errorf("failed to list subcollections of %s/%s: %w", name, doc.ID, err)
			}
			for _, sub := range nested {
				fmt.Fprintf(out, "\n    Subcollection: %s/%s/%s\n", name, doc.ID, sub)
			}
		}
	}

	fields := make([]string, 0, len(seen))
	for k := range seen {
		fields = append(fields, k)
	}
	sort.Strings(fields)

	fmt.Fprintln(out, "\n  Summary:")
	fmt.Fprintf(out, "    - Total documents sampled: %d\n", len(docs))
	fmt.Fprintf(out, "    - Unique fields found: %s\n", strings.Join(fields, ", "))
	return nil
}

func sortedKeys(doc store.Document) []string {
	keys := make([]string, 0, len(doc))
	for k := range doc {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func truncate(s string, maxChars int) string {
	r := []rune(s)
	if len(r) <= maxChars {
		return s
	}
	return string(r[:maxChars]) + "..."
}
