package store

import (
	"context"
	"fmt"
)

const (
	BackendSQLite    = "sqlite"
	BackendMongo     = "mongo"
	BackendFirestore = "firestore"
	BackendMemory    = "memory"
)

// Options selects and configures one backend.
type Options struct {
	Backend string

	SQLitePath string

	MongoURI      string
	MongoDatabase string

	Firestore FirestoreOptions
}

// Open connects to the backend named by opts.Backend.
func Open(ctx context.Context, opts Options) (DocumentStore, error) {
	switch opts.Backend {
	case BackendSQLite:
		s, err := NewSQLiteStore(opts.SQLitePath)
		if err != nil {
			return nil, err
		}
		return s, nil
	case BackendMongo:
		s, err := NewMongoStore(ctx, opts.MongoURI, opts.MongoDatabase)
		if err != nil {
			return nil, err
		}
		return s, nil
	case BackendFirestore:
		clientOpts, err := opts.Firestore.clientOptions()
		if err != nil {
			return nil, err
		}
		s, err := NewFirestoreStore(ctx, opts.Firestore.ProjectID, clientOpts...)
		if err != nil {
			return nil, err
		}
		return s, nil
	case BackendMemory:
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", opts.Backend)
	}
}
