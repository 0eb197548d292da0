package store

import (
	"context"
	"reflect"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore keeps documents in process memory. Query results come back in
// map iteration order.
type MemoryStore struct {
	mu          sync.RWMutex
	collections map[string]map[string]Document
	now         func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		collections: make(map[string]map[string]Document),
		now:         time.Now,
	}
}

// SetClock replaces the clock used to resolve ServerTimestamp.
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func (s *MemoryStore) CreateDocument(ctx context.Context, collection, id string, fields Document) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if id == "" {
		id = uuid.NewString()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	docs, ok := s.collections[collection]
	if !ok {
		docs = make(map[string]Document)
		s.collections[collection] = docs
	}
	docs[id] = copyDocument(resolveTimestamps(fields, s.now()))
	return id, nil
}

func (s *MemoryStore) GetDocument(ctx context.Context, collection, id string) (Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	doc, ok := s.collections[collection][id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyDocument(doc), nil
}

func (s *MemoryStore) UpdateDocument(ctx context.Context, collection, id string, fields Document) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.collections[collection][id]
	if !ok {
		return ErrNotFound
	}
	for k, v := range copyDocument(resolveTimestamps(fields, s.now())) {
		doc[k] = v
	}
	return nil
}

func (s *MemoryStore) QueryByField(ctx context.Context, collection, field string, value any) ([]Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Snapshot
	for id, doc := range s.collections[collection] {
		if v, ok := doc[field]; ok && reflect.DeepEqual(v, value) {
			out = append(out, Snapshot{ID: id, Data: copyDocument(doc)})
		}
	}
	return out, nil
}

func (s *MemoryStore) ListCollections(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.collections))
	for name := range s.collections {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (s *MemoryStore) SampleDocuments(ctx context.Context, collection string, limit int) ([]Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.collections[collection]))
	for id := range s.collections[collection] {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	out := make([]Snapshot, 0, len(ids))
	for _, id := range ids {
		out = append(out, Snapshot{ID: id, Data: copyDocument(s.collections[collection][id])})
	}
	return out, nil
}

func (s *MemoryStore) Ping(ctx context.Context) error {
	return ctx.Err()
}

func (s *MemoryStore) Close() error {
	return nil
}

func copyDocument(doc Document) Document {
	out := make(Document, len(doc))
	for k, v := range doc {
		out[k] = copyValue(v)
	}
	return out
}

func copyValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		m := make(map[string]any, len(t))
		for k, val := range t {
			m[k] = copyValue(val)
		}
		return m
	case map[string]string:
		m := make(map[string]any, len(t))
		for k, val := range t {
			m[k] = val
		}
		return m
	case []any:
		s := make([]any, len(t))
		for i, val := range t {
			s[i] = copyValue(val)
		}
		return s
	default:
		return v
	}
}
