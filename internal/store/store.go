package store

import (
	"context"
	"errors"
	"time"
)

const (
	UsersCollection    = "users"
	MessagesCollection = "messages"
)

// ErrNotFound is returned when a document does not exist.
var ErrNotFound = errors.New("document not found")

// Document is a schemaless set of top-level fields.
type Document map[string]any

// Snapshot is a document together with its id.
type Snapshot struct {
	ID   string
	Data Document
}

type serverTimestamp struct{}

// ServerTimestamp may be used as a top-level field value on create or update;
// the backend replaces it with its own write time.
var ServerTimestamp any = serverTimestamp{}

// DocumentStore is the document database consumed by the user directory and
// the conversation pipeline. Implementations must be safe for concurrent use.
type DocumentStore interface {
	// CreateDocument writes fields under id, replacing any existing document.
	// An empty id allocates a fresh one. The id used is returned.
	CreateDocument(ctx context.Context, collection, id string, fields Document) (string, error)
	GetDocument(ctx context.Context, collection, id string) (Document, error)
	// UpdateDocument merges top-level fields into an existing document and
	// returns ErrNotFound if there is none.
	UpdateDocument(ctx context.Context, collection, id string, fields Document) error
	// QueryByField returns every document whose field equals value, in no
	// particular order.
	QueryByField(ctx context.Context, collection, field string, value any) ([]Snapshot, error)

	ListCollections(ctx context.Context) ([]string, error)
	SampleDocuments(ctx context.Context, collection string, limit int) ([]Snapshot, error)

	Ping(ctx context.Context) error
	Close() error
}

// SubcollectionLister is implemented by backends with nested collections.
type SubcollectionLister interface {
	ListSubcollections(ctx context.Context, collection, id string) ([]string, error)
}

// resolveTimestamps returns a copy of fields with every ServerTimestamp
// replaced by now.
func resolveTimestamps(fields Document, now time.Time) Document {
	out := make(Document, len(fields))
	for k, v := range fields {
		if v == ServerTimestamp {
			out[k] = now
			continue
		}
		out[k] = v
	}
	return out
}
