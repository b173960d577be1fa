package mongodb

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"zchat/internal/domain"
)

type messageDoc struct {
	ID             int64     `bson:"_id"`
	ConversationID int64     `bson:"conversation_id"`
	Seq            int64     `bson:"seq"`
	SenderID       int64     `bson:"sender_id"`
	Kind           string    `bson:"kind"`
	Body           string    `bson:"body"`
	ClientMsgID    *string   `bson:"client_msg_id,omitempty"`
	CreatedAt      time.Time `bson:"created_at"`
}

func (d *messageDoc) toDomain() *domain.Message {
	return &domain.Message{
		ID:             d.ID,
		ConversationID: d.ConversationID,
		Seq:            d.Seq,
		SenderID:       d.SenderID,
		Payload:        domain.PayloadFromStorage(d.Kind, d.Body),
		ClientMsgID:    d.ClientMsgID,
		CreatedAt:      d.CreatedAt,
	}
}

// errReplay aborts an append transaction whose client message id was
// already stored.
var errReplay = errors.New("client message id already stored")

type MessageRepo struct {
	db *mongo.Database
}

func NewMessageRepo(db *mongo.Database) *MessageRepo {
	return &MessageRepo{db: db}
}

var _ domain.MessageRepository = (*MessageRepo)(nil)

func (r *MessageRepo) coll() *mongo.Collection { return r.db.Collection(colMessages) }

func (r *MessageRepo) Append(ctx context.Context, m *domain.Message) (bool, error) {
	var (
		stored   messageDoc
		existing messageDoc
	)
	err := withTx(ctx, r.db, func(sc mongo.SessionContext) error {
		// Incrementing first takes the document's write lock; a concurrent
		// append hits a write conflict and the transaction is retried.
		var conv conversationDoc
		err := r.db.Collection(colConversations).FindOneAndUpdate(sc,
			bson.M{"_id": m.ConversationID},
			bson.M{"$inc": bson.M{"last_seq": 1}},
			options.FindOneAndUpdate().SetReturnDocument(options.After),
		).Decode(&conv)
		if errors.Is(err, mongo.ErrNoDocuments) {
			return domain.ErrConversationNotFound
		}
		if err != nil {
			return err
		}

		if m.ClientMsgID != nil {
			err := r.coll().FindOne(sc, bson.M{
				"conversation_id": m.ConversationID,
				"sender_id":       m.SenderID,
				"client_msg_id":   *m.ClientMsgID,
			}).Decode(&existing)
			if err == nil {
				return errReplay
			}
			if !errors.Is(err, mongo.ErrNoDocuments) {
				return err
			}
		}

		id, err := nextID(sc, r.db, colMessages)
		if err != nil {
			return err
		}
		now := time.Now().UTC().Truncate(time.Millisecond)
		if now.Before(conv.UpdatedAt) {
			now = conv.UpdatedAt
		}
		stored = messageDoc{
			ID:             id,
			ConversationID: m.ConversationID,
			Seq:            conv.LastSeq,
			SenderID:       m.SenderID,
			Kind:           string(m.Payload.Kind),
			Body:           m.Payload.Body(),
			ClientMsgID:    m.ClientMsgID,
			CreatedAt:      now,
		}
		if _, err := r.coll().InsertOne(sc, stored); err != nil {
			return err
		}
		_, err = r.db.Collection(colConversations).UpdateOne(sc,
			bson.M{"_id": m.ConversationID},
			bson.M{"$set": bson.M{"last_message_id": id, "updated_at": now}},
		)
		return err
	})
	if errors.Is(err, errReplay) {
		*m = *existing.toDomain()
		return false, nil
	}
	if err != nil {
		return false, storeErr("append message", err)
	}

	m.ID = stored.ID
	m.Seq = stored.Seq
	m.CreatedAt = stored.CreatedAt
	return true, nil
}

func (r *MessageRepo) ListSince(ctx context.Context, conversationID, afterSeq int64, limit int) ([]*domain.Message, error) {
	cur, err := r.coll().Find(ctx,
		bson.M{"conversation_id": conversationID, "seq": bson.M{"$gt": afterSeq}},
		options.Find().SetSort(bson.D{{Key: "seq", Value: 1}}).SetLimit(int64(limit)),
	)
	if err != nil {
		return nil, storeErr("list messages", err)
	}
	var docs []messageDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, storeErr("decode messages", err)
	}
	msgs := make([]*domain.Message, len(docs))
	for i := range docs {
		msgs[i] = docs[i].toDomain()
	}
	return msgs, nil
}

func (r *MessageRepo) GetByID(ctx context.Context, id int64) (*domain.Message, error) {
	var doc messageDoc
	err := r.coll().FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, storeErr("get message", err)
	}
	return doc.toDomain(), nil
}
