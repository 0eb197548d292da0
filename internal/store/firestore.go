package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// FirestoreStore is backed by Cloud Firestore. ServerTimestamp maps onto
// firestore.ServerTimestamp and is resolved by the server.
type FirestoreStore struct {
	client *firestore.Client
}

// ServiceAccount is a Google service-account key in its JSON layout.
type ServiceAccount struct {
	Type                    string `json:"type"`
	ProjectID               string `json:"project_id"`
	PrivateKeyID            string `json:"private_key_id"`
	PrivateKey              string `json:"private_key"`
	ClientEmail             string `json:"client_email"`
	ClientID                string `json:"client_id"`
	AuthURI                 string `json:"auth_uri"`
	TokenURI                string `json:"token_uri"`
	AuthProviderX509CertURL string `json:"auth_provider_x509_cert_url"`
	ClientX509CertURL       string `json:"client_x509_cert_url"`
}

// FirestoreOptions selects the project and credentials of the Firestore
// backend. CredentialsFile wins over Account; with neither the client falls
// back to application default credentials or the emulator.
type FirestoreOptions struct {
	ProjectID       string
	CredentialsFile string
	Account         ServiceAccount
}

func (o FirestoreOptions) clientOptions() ([]option.ClientOption, error) {
	if o.CredentialsFile != "" {
		return []option.ClientOption{option.WithCredentialsFile(o.CredentialsFile)}, nil
	}
	if o.Account.PrivateKey == "" {
		return nil, nil
	}
	b, err := json.Marshal(o.Account)
	if err != nil {
		return nil, fmt.Errorf("failed to encode firebase credentials: %w", err)
	}
	return []option.ClientOption{option.WithCredentialsJSON(b)}, nil
}

// NewFirestoreStore opens a client for projectID. An empty projectID lets
// the client detect it from the credentials.
func NewFirestoreStore(ctx context.Context, projectID string, opts ...option.ClientOption) (*FirestoreStore, error) {
	if projectID == "" {
		projectID = firestore.DetectProjectID
	}
	client, err := firestore.NewClient(ctx, projectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create firestore client: %w", err)
	}
	return &FirestoreStore{client: client}, nil
}

func (s *FirestoreStore) CreateDocument(ctx context.Context, collection, id string, fields Document) (string, error) {
	data := toFirestore(fields)
	if id == "" {
		ref, _, err := s.client.Collection(collection).Add(ctx, data)
		if err != nil {
			return "", fmt.Errorf("failed to add document to %s: %w", collection, err)
		}
		return ref.ID, nil
	}
	if _, err := s.client.Collection(collection).Doc(id).Set(ctx, data); err != nil {
		return "", fmt.Errorf("failed to set document %s/%s: %w", collection, id, err)
	}
	return id, nil
}

func (s *FirestoreStore) GetDocument(ctx context.Context, collection, id string) (Document, error) {
	snap, err := s.client.Collection(collection).Doc(id).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get document %s/%s: %w", collection, id, err)
	}
	return Document(snap.Data()), nil
}

func (s *FirestoreStore) UpdateDocument(ctx context.Context, collection, id string, fields Document) error {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	data := toFirestore(fields)
	updates := make([]firestore.Update, 0, len(keys))
	for _, k := range keys {
		updates = append(updates, firestore.Update{FieldPath: firestore.FieldPath{k}, Value: data[k]})
	}

	if _, err := s.client.Collection(collection).Doc(id).Update(ctx, updates); err != nil {
		if status.Code(err) == codes.NotFound {
			return ErrNotFound
		}
		return fmt.Errorf("failed to update document %s/%s: %w", collection, id, err)
	}
	return nil
}

func (s *FirestoreStore) QueryByField(ctx context.Context, collection, field string, value any) ([]Snapshot, error) {
	q := s.client.Collection(collection).WhereEntity(firestore.PropertyFilter{Path: field, Operator: "==", Value: value})
	return collectDocuments(q.Documents(ctx))
}

func (s *FirestoreStore) ListCollections(ctx context.Context) ([]string, error) {
	return collectCollections(s.client.Collections(ctx))
}

func (s *FirestoreStore) ListSubcollections(ctx context.Context, collection, id string) ([]string, error) {
	return collectCollections(s.client.Collection(collection).Doc(id).Collections(ctx))
}

func (s *FirestoreStore) SampleDocuments(ctx context.Context, collection string, limit int) ([]Snapshot, error) {
	return collectDocuments(s.client.Collection(collection).Limit(limit).Documents(ctx))
}

// Ping reads a document that normally does not exist; NotFound proves the
// round trip worked.
func (s *FirestoreStore) Ping(ctx context.Context) error {
	_, err := s.client.Collection("_health").Doc("ping").Get(ctx)
	if err != nil && status.Code(err) != codes.NotFound {
		return err
	}
	return nil
}

func (s *FirestoreStore) Close() error {
	return s.client.Close()
}

func collectDocuments(it *firestore.DocumentIterator) ([]Snapshot, error) {
	defer it.Stop()
	var out []Snapshot
	for {
		snap, err := it.Next()
		if errors.Is(err, iterator.Done) {
			return out, nil
		}
		if err != nil {
			return nil, fmt.Errorf("failed to iterate documents: %w", err)
		}
		out = append(out, Snapshot{ID: snap.Ref.ID, Data: Document(snap.Data())})
	}
}

func collectCollections(it *firestore.CollectionIterator) ([]string, error) {
	var names []string
	for {
		ref, err := it.Next()
		if errors.Is(err, iterator.Done) {
			return names, nil
		}
		if err != nil {
			return nil, fmt.Errorf("failed to iterate collections: %w", err)
		}
		names = append(names, ref.ID)
	}
}

func toFirestore(fields Document) map[string]any {
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		if v == ServerTimestamp {
			out[k] = firestore.ServerTimestamp
			continue
		}
		out[k] = v
	}
	return out
}
