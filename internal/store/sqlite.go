package store

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// timestampKey tags time values inside the JSON fields column so they decode
// back to time.Time.
const timestampKey = "$timestamp"

// SQLiteStore keeps every collection in a single documents table with the
// fields serialized as JSON.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

func NewSQLiteStore(dataSourceName string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dataSourceName)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err = db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	// A single connection avoids SQLITE_BUSY between concurrent writers.
	db.SetMaxOpenConns(1)

	store := &SQLiteStore{db: db, now: time.Now}
	if err = store.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) initSchema() error {
	schema := `
    CREATE TABLE IF NOT EXISTS documents (
        collection TEXT NOT NULL,
        id TEXT NOT NULL,
        fields TEXT NOT NULL,
        created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
        PRIMARY KEY (collection, id)
    );

    CREATE INDEX IF NOT EXISTS idx_documents_collection ON documents (collection);
    `
	_, err := s.db.Exec(schema)
	return err
}

func (s *SQLiteStore) CreateDocument(ctx context.Context, collection, id string, fields Document) (string, error) {
	if id == "" {
		id = uuid.NewString()
	}
	encoded, err := encodeFields(resolveTimestamps(fields, s.now()))
	if err != nil {
		return "", err
	}

	_, err = s.db.ExecContext(ctx, `
        INSERT INTO documents (collection, id, fields) VALUES (?, ?, ?)
        ON CONFLICT (collection, id) DO UPDATE SET fields = excluded.fields`,
		collection, id, encoded)
	if err != nil {
		return "", fmt.Errorf("failed to insert document %s/%s: %w", collection, id, err)
	}
	return id, nil
}

func (s *SQLiteStore) GetDocument(ctx context.Context, collection, id string) (Document, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, "SELECT fields FROM documents WHERE collection = ? AND id = ?", collection, id).Scan(&raw)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to query document %s/%s: %w", collection, id, err)
	}
	return decodeFields(raw)
}

func (s *SQLiteStore) UpdateDocument(ctx context.Context, collection, id string, fields Document) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin update of %s/%s: %w", collection, id, err)
	}
	defer tx.Rollback()

	var raw string
	err = tx.QueryRowContext(ctx, "SELECT fields FROM documents WHERE collection = ? AND id = ?", collection, id).Scan(&raw)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("failed to load document %s/%s: %w", collection, id, err)
	}

	doc, err := decodeFields(raw)
	if err != nil {
		return err
	}
	for k, v := range resolveTimestamps(fields, s.now()) {
		doc[k] = v
	}
	encoded, err := encodeFields(doc)
	if err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, "UPDATE documents SET fields = ? WHERE collection = ? AND id = ?", encoded, collection, id); err != nil {
		return fmt.Errorf("failed to execute document update: %w", err)
	}
	return tx.Commit()
}

func (s *SQLiteStore) QueryByField(ctx context.Context, collection, field string, value any) ([]Snapshot, error) {
	path := `$."` + strings.ReplaceAll(field, `"`, `\"`) + `"`
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, fields FROM documents WHERE collection = ? AND json_extract(fields, ?) = ?",
		collection, path, value)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s by %s: %w", collection, field, err)
	}
	defer rows.Close()
	return scanSnapshots(rows)
}

func (s *SQLiteStore) ListCollections(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT DISTINCT collection FROM documents ORDER BY collection")
	if err != nil {
		return nil, fmt.Errorf("failed to list collections: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("failed to scan collection row: %w", err)
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func (s *SQLiteStore) SampleDocuments(ctx context.Context, collection string, limit int) ([]Snapshot, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT id, fields FROM documents WHERE collection = ? ORDER BY id LIMIT ?", collection, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to sample %s: %w", collection, err)
	}
	defer rows.Close()
	return scanSnapshots(rows)
}

func scanSnapshots(rows *sql.Rows) ([]Snapshot, error) {
	var out []Snapshot
	for rows.Next() {
		var id, raw string
		if err := rows.Scan(&id, &raw); err != nil {
			return nil, fmt.Errorf("failed to scan document row: %w", err)
		}
		doc, err := decodeFields(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, Snapshot{ID: id, Data: doc})
	}
	return out, rows.Err()
}

func encodeFields(doc Document) (string, error) {
	b, err := json.Marshal(tagTimes(map[string]any(doc)))
	if err != nil {
		return "", fmt.Errorf("failed to marshal document fields: %w", err)
	}
	return string(b), nil
}

func decodeFields(raw string) (Document, error) {
	dec := json.NewDecoder(bytes.NewReader([]byte(raw)))
	dec.UseNumber()
	var m map[string]any
	if err := dec.Decode(&m); err != nil {
		return nil, fmt.Errorf("failed to unmarshal document fields: %w", err)
	}
	doc := make(Document, len(m))
	for k, v := range m {
		doc[k] = untagValue(v)
	}
	return doc, nil
}

func tagTimes(v any) any {
	switch t := v.(type) {
	case time.Time:
		return map[string]any{timestampKey: t.UTC().Format(time.RFC3339Nano)}
	case *time.Time:
		if t == nil {
			return nil
		}
		return tagTimes(*t)
	case map[string]any:
		m := make(map[string]any, len(t))
		for k, val := range t {
			m[k] = tagTimes(val)
		}
		return m
	case Document:
		return tagTimes(map[string]any(t))
	case []any:
		s := make([]any, len(t))
		for i, val := range t {
			s[i] = tagTimes(val)
		}
		return s
	default:
		return v
	}
}

func untagValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		if raw, ok := t[timestampKey].(string); ok && len(t) == 1 {
			if ts, err := time.Parse(time.RFC3339Nano, raw); err == nil {
				return ts
			}
		}
		m := make(map[string]any, len(t))
		for k, val := range t {
			m[k] = untagValue(val)
		}
		return m
	case []any:
		s := make([]any, len(t))
		for i, val := range t {
			s[i] = untagValue(val)
		}
		return s
	case json.Number:
		if n, err := t.Int64(); err == nil {
			return n
		}
		if f, err := t.Float64(); err == nil {
			return f
		}
		return t.String()
	default:
		return v
	}
}
