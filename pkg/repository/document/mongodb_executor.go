package document

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	mongostore "github.com/nimburion/docrepo/pkg/store/mongodb"
)

// MongoCursor is the subset of *mongo.Cursor used while reading results.
type MongoCursor interface {
	Next(ctx context.Context) bool
	Decode(val interface{}) error
	Err() error
	Close(ctx context.Context) error
}

// MongoExecutor defines the document execution contract of the MongoDB provider.
type MongoExecutor interface {
	FindOne(ctx context.Context, collection string, filter bson.M) (bson.M, error)
	Find(ctx context.Context, collection string, filter bson.M, opts *options.FindOptions) (MongoCursor, error)
	CountDocuments(ctx context.Context, collection string, filter bson.M) (int64, error)
	InsertOne(ctx context.Context, collection string, document bson.M) error
	ReplaceOne(ctx context.Context, collection string, filter, document bson.M, upsert bool) (int64, error)
	DeleteOne(ctx context.Context, collection string, filter bson.M) (int64, error)
	CreateIndexes(ctx context.Context, collection string, models []mongo.IndexModel) error
	WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error
}

// MongoDBExecutor adapts the store/mongodb adapter to MongoExecutor.
type MongoDBExecutor struct {
	adapter *mongostore.Adapter
}

// NewMongoDBExecutor creates a new MongoDBExecutor instance.
func NewMongoDBExecutor(adapter *mongostore.Adapter) (*MongoDBExecutor, error) {
	if adapter == nil {
		return nil, fmt.Errorf("mongodb adapter is required")
	}
	return &MongoDBExecutor{adapter: adapter}, nil
}

// FindOne returns the single document matching the filter, or mongo.ErrNoDocuments.
func (e *MongoDBExecutor) FindOne(ctx context.Context, collection string, filter bson.M) (bson.M, error) {
	out := bson.M{}
	if err := e.adapter.FindOne(ctx, collection, filter, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Find opens a cursor over the matching documents.
func (e *MongoDBExecutor) Find(ctx context.Context, collection string, filter bson.M, opts *options.FindOptions) (MongoCursor, error) {
	cur, err := e.adapter.Find(ctx, collection, filter, opts)
	if err != nil {
		return nil, err
	}
	return cur, nil
}

// CountDocuments counts the matching documents.
func (e *MongoDBExecutor) CountDocuments(ctx context.Context, collection string, filter bson.M) (int64, error) {
	return e.adapter.CountDocuments(ctx, collection, filter)
}

// InsertOne inserts a document into the collection.
func (e *MongoDBExecutor) InsertOne(ctx context.Context, collection string, document bson.M) error {
	_, err := e.adapter.InsertOne(ctx, collection, document)
	return err
}

// ReplaceOne replaces the document matching the filter and reports how many matched,
// counting an upserted document as a match.
func (e *MongoDBExecutor) ReplaceOne(ctx context.Context, collection string, filter, document bson.M, upsert bool) (int64, error) {
	result, err := e.adapter.ReplaceOne(ctx, collection, filter, document, upsert)
	if err != nil {
		return 0, err
	}
	return result.MatchedCount + result.UpsertedCount, nil
}

// DeleteOne deletes a single document matching the filter.
func (e *MongoDBExecutor) DeleteOne(ctx context.Context, collection string, filter bson.M) (int64, error) {
	result, err := e.adapter.DeleteOne(ctx, collection, filter)
	if err != nil {
		return 0, err
	}
	return result.DeletedCount, nil
}

// CreateIndexes creates the collection indexes.
func (e *MongoDBExecutor) CreateIndexes(ctx context.Context, collection string, models []mongo.IndexModel) error {
	return e.adapter.CreateIndexes(ctx, collection, models)
}

// WithTransaction runs fn in a session transaction.
func (e *MongoDBExecutor) WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	return e.adapter.WithTransaction(ctx, fn)
}
