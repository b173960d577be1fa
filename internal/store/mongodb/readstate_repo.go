package mongodb

import (
	"context"
	"errors"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"zchat/internal/domain"
)

type ReadStateRepo struct {
	db *mongo.Database
}

func NewReadStateRepo(db *mongo.Database) *ReadStateRepo {
	return &ReadStateRepo{db: db}
}

var _ domain.ReadStateRepository = (*ReadStateRepo)(nil)

func (r *ReadStateRepo) coll() *mongo.Collection { return r.db.Collection(colReadCursors) }

func (r *ReadStateRepo) AdvanceCursor(ctx context.Context, conversationID, userID int64) (int64, bool, error) {
	var conv struct {
		LastSeq int64 `bson:"last_seq"`
	}
	err := r.db.Collection(colConversations).FindOne(ctx,
		bson.M{"_id": conversationID},
		options.FindOne().SetProjection(bson.M{"last_seq": 1}),
	).Decode(&conv)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return 0, false, domain.ErrConversationNotFound
	}
	if err != nil {
		return 0, false, storeErr("read conversation", err)
	}

	// $max keeps the cursor monotonic under concurrent calls.
	res, err := r.coll().UpdateOne(ctx,
		bson.M{"conversation_id": conversationID, "user_id": userID},
		bson.M{"$max": bson.M{"last_read_seq": conv.LastSeq}},
	)
	if err != nil {
		return 0, false, storeErr("advance cursor", err)
	}
	if res.MatchedCount == 0 {
		return 0, false, domain.ErrNotAParticipant
	}
	if res.ModifiedCount > 0 {
		return conv.LastSeq, true, nil
	}
	seq, err := r.GetCursor(ctx, conversationID, userID)
	return seq, false, err
}

func (r *ReadStateRepo) GetCursor(ctx context.Context, conversationID, userID int64) (int64, error) {
	var doc cursorDoc
	err := r.coll().FindOne(ctx, bson.M{"conversation_id": conversationID, "user_id": userID}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return 0, domain.ErrNotAParticipant
	}
	if err != nil {
		return 0, storeErr("get cursor", err)
	}
	return doc.LastReadSeq, nil
}

func (r *ReadStateRepo) ListCursors(ctx context.Context, conversationID int64) (map[int64]int64, error) {
	cur, err := r.coll().Find(ctx, bson.M{"conversation_id": conversationID})
	if err != nil {
		return nil, storeErr("list cursors", err)
	}
	var docs []cursorDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, storeErr("decode cursors", err)
	}
	out := make(map[int64]int64, len(docs))
	for _, d := range docs {
		out[d.UserID] = d.LastReadSeq
	}
	return out, nil
}

func (r *ReadStateRepo) UnreadCount(ctx context.Context, conversationID, userID int64) (int, error) {
	cursor, err := r.GetCursor(ctx, conversationID, userID)
	if err != nil {
		return 0, err
	}
	n, err := r.db.Collection(colMessages).CountDocuments(ctx, bson.M{
		"conversation_id": conversationID,
		"seq":             bson.M{"$gt": cursor},
		"sender_id":       bson.M{"$ne": userID},
	})
	if err != nil {
		return 0, storeErr("count unread", err)
	}
	return int(n), nil
}
