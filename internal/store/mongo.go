package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoStore maps each logical collection onto a MongoDB collection with
// string _id values.
type MongoStore struct {
	client *mongo.Client
	db     *mongo.Database
	now    func() time.Time
}

// NewMongoStore connects and pings within a 10 second budget.
func NewMongoStore(ctx context.Context, uri, database string) (*MongoStore, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to verify connection with MongoDB: %w", err)
	}

	return &MongoStore{
		client: client,
		db:     client.Database(database),
		now:    time.Now,
	}, nil
}

func (s *MongoStore) CreateDocument(ctx context.Context, collection, id string, fields Document) (string, error) {
	if id == "" {
		id = uuid.NewString()
	}
	doc := bson.M{}
	for k, v := range resolveTimestamps(fields, s.now().UTC()) {
		doc[k] = v
	}
	doc["_id"] = id

	_, err := s.db.Collection(collection).ReplaceOne(ctx, bson.M{"_id": id}, doc, options.Replace().SetUpsert(true))
	if err != nil {
		return "", fmt.Errorf("failed to write document %s/%s: %w", collection, id, err)
	}
	return id, nil
}

func (s *MongoStore) GetDocument(ctx context.Context, collection, id string) (Document, error) {
	var raw bson.M
	err := s.db.Collection(collection).FindOne(ctx, bson.M{"_id": id}).Decode(&raw)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to find document %s/%s: %w", collection, id, err)
	}
	_, doc := splitID(raw)
	return doc, nil
}

func (s *MongoStore) UpdateDocument(ctx context.Context, collection, id string, fields Document) error {
	set := bson.M{}
	for k, v := range resolveTimestamps(fields, s.now().UTC()) {
		set[k] = v
	}

	res, err := s.db.Collection(collection).UpdateOne(ctx, bson.M{"_id": id}, bson.M{"$set": set})
	if err != nil {
		return fmt.Errorf("failed to update document %s/%s: %w", collection, id, err)
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *MongoStore) QueryByField(ctx context.Context, collection, field string, value any) ([]Snapshot, error) {
	return s.find(ctx, collection, bson.M{field: value}, options.Find())
}

func (s *MongoStore) ListCollections(ctx context.Context) ([]string, error) {
	names, err := s.db.ListCollectionNames(ctx, bson.D{})
	if err != nil {
		return nil, fmt.Errorf("failed to list collections: %w", err)
	}
	return names, nil
}

func (s *MongoStore) SampleDocuments(ctx context.Context, collection string, limit int) ([]Snapshot, error) {
	return s.find(ctx, collection, bson.D{}, options.Find().SetLimit(int64(limit)))
}

func (s *MongoStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, nil)
}

func (s *MongoStore) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}

func (s *MongoStore) find(ctx context.Context, collection string, filter any, opts *options.FindOptions) ([]Snapshot, error) {
	cursor, err := s.db.Collection(collection).Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", collection, err)
	}
	defer cursor.Close(ctx)

	var out []Snapshot
	for cursor.Next(ctx) {
		var raw bson.M
		if err := cursor.Decode(&raw); err != nil {
			return nil, fmt.Errorf("failed to decode %s document: %w", collection, err)
		}
		id, doc := splitID(raw)
		out = append(out, Snapshot{ID: id, Data: doc})
	}
	return out, cursor.Err()
}

func splitID(raw bson.M) (string, Document) {
	id := asString(normalizeBSON(raw["_id"]))
	doc := make(Document, len(raw))
	for k, v := range raw {
		if k == "_id" {
			continue
		}
		doc[k] = normalizeBSON(v)
	}
	return id, doc
}

// normalizeBSON converts driver types into the plain values the rest of the
// code expects.
func normalizeBSON(v any) any {
	switch t := v.(type) {
	case primitive.M:
		m := make(map[string]any, len(t))
		for k, val := range t {
			m[k] = normalizeBSON(val)
		}
		return m
	case primitive.D:
		m := make(map[string]any, len(t))
		for _, e := range t {
			m[e.Key] = normalizeBSON(e.Value)
		}
		return m
	case primitive.A:
		s := make([]any, len(t))
		for i, val := range t {
			s[i] = normalizeBSON(val)
		}
		return s
	case primitive.DateTime:
		return t.Time().UTC()
	case primitive.ObjectID:
		return t.Hex()
	case int32:
		return int64(t)
	default:
		return v
	}
}
