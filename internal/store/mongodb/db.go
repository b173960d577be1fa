// Package mongodb stores the chat model in MongoDB. Participants are embedded
// in conversation documents; read cursors live in their own collection.
// Multi-document transactions require a replica set.
package mongodb

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"zchat/internal/domain"
)

const (
	colUsers         = "users"
	colConversations = "conversations"
	colMessages      = "messages"
	colReadCursors   = "read_cursors"
	colCounters      = "counters"
)

// Open connects to uri and returns the named database.
func Open(ctx context.Context, uri, dbName string) (*mongo.Database, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("ping mongo: %w", err)
	}
	return client.Database(dbName), nil
}

// Migrate creates the collections' indexes. It is idempotent.
func Migrate(ctx context.Context, db *mongo.Database) error {
	hasClientID := bson.M{"client_msg_id": bson.M{"$exists": true}}
	hasKey := bson.M{"unique_key": bson.M{"$exists": true}}

	collections := map[string][]mongo.IndexModel{
		colUsers: {
			{Keys: bson.D{{Key: "email", Value: 1}}, Options: options.Index().SetUnique(true)},
		},
		colConversations: {
			{Keys: bson.D{{Key: "unique_key", Value: 1}}, Options: options.Index().SetUnique(true).SetPartialFilterExpression(hasKey)},
			{Keys: bson.D{{Key: "participants", Value: 1}, {Key: "updated_at", Value: -1}}},
		},
		colMessages: {
			{Keys: bson.D{{Key: "conversation_id", Value: 1}, {Key: "seq", Value: 1}}, Options: options.Index().SetUnique(true)},
			{
				Keys:    bson.D{{Key: "conversation_id", Value: 1}, {Key: "sender_id", Value: 1}, {Key: "client_msg_id", Value: 1}},
				Options: options.Index().SetUnique(true).SetPartialFilterExpression(hasClientID),
			},
		},
		colReadCursors: {
			{Keys: bson.D{{Key: "conversation_id", Value: 1}, {Key: "user_id", Value: 1}}, Options: options.Index().SetUnique(true)},
		},
	}

	for name, indexes := range collections {
		if _, err := db.Collection(name).Indexes().CreateMany(ctx, indexes); err != nil {
			return fmt.Errorf("mongo migrate %s: %w", name, err)
		}
	}
	return nil
}

// nextID hands out int64 identifiers from the counters collection.
func nextID(ctx context.Context, db *mongo.Database, name string) (int64, error) {
	var doc struct {
		Value int64 `bson:"value"`
	}
	err := db.Collection(colCounters).FindOneAndUpdate(ctx,
		bson.M{"_id": name},
		bson.M{"$inc": bson.M{"value": 1}},
		options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After),
	).Decode(&doc)
	if err != nil {
		return 0, fmt.Errorf("next %s id: %w", name, domain.Transient(err))
	}
	return doc.Value, nil
}

// withTx runs fn in a multi-document transaction. fn may be invoked more than
// once when the server reports a transient transaction error.
func withTx(ctx context.Context, db *mongo.Database, fn func(sc mongo.SessionContext) error) error {
	sess, err := db.Client().StartSession()
	if err != nil {
		return fmt.Errorf("start session: %w", domain.Transient(err))
	}
	defer sess.EndSession(ctx)

	_, err = sess.WithTransaction(ctx, func(sc mongo.SessionContext) (any, error) {
		return nil, fn(sc)
	})
	return err
}

// storeErr wraps driver errors as transient and leaves domain errors alone.
func storeErr(op string, err error) error {
	if err == nil {
		return nil
	}
	for _, target := range []error{
		domain.ErrNotFound, domain.ErrUnauthorized, domain.ErrInvalidInput, domain.ErrConflict,
	} {
		if errors.Is(err, target) {
			return err
		}
	}
	return fmt.Errorf("%s: %w", op, domain.Transient(err))
}
