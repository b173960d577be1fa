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

type conversationDoc struct {
	ID            int64     `bson:"_id"`
	Name          *string   `bson:"name,omitempty"`
	IsGroup       bool      `bson:"is_group"`
	UniqueKey     *string   `bson:"unique_key,omitempty"`
	LastSeq       int64     `bson:"last_seq"`
	LastMessageID *int64    `bson:"last_message_id,omitempty"`
	Participants  []int64   `bson:"participants"`
	CreatedAt     time.Time `bson:"created_at"`
	UpdatedAt     time.Time `bson:"updated_at"`
}

func (d *conversationDoc) toDomain() *domain.Conversation {
	return &domain.Conversation{
		ID:            d.ID,
		Name:          d.Name,
		IsGroup:       d.IsGroup,
		UniqueKey:     d.UniqueKey,
		LastSeq:       d.LastSeq,
		LastMessageID: d.LastMessageID,
		Participants:  append([]int64(nil), d.Participants...),
		CreatedAt:     d.CreatedAt,
		UpdatedAt:     d.UpdatedAt,
	}
}

type cursorDoc struct {
	ConversationID int64 `bson:"conversation_id"`
	UserID         int64 `bson:"user_id"`
	LastReadSeq    int64 `bson:"last_read_seq"`
}

type ConversationRepo struct {
	db *mongo.Database
}

func NewConversationRepo(db *mongo.Database) *ConversationRepo {
	return &ConversationRepo{db: db}
}

var _ domain.ConversationRepository = (*ConversationRepo)(nil)

func (r *ConversationRepo) coll() *mongo.Collection { return r.db.Collection(colConversations) }

func (r *ConversationRepo) Create(ctx context.Context, c *domain.Conversation, participantIDs []int64) error {
	return r.insert(ctx, c, participantIDs)
}

func (r *ConversationRepo) CreateUnique(ctx context.Context, c *domain.Conversation, participantIDs []int64) (bool, error) {
	if c.UniqueKey == nil {
		return false, fmt.Errorf("create unique conversation: missing key")
	}
	err := r.insert(ctx, c, participantIDs)
	if err == nil {
		return true, nil
	}
	if !mongo.IsDuplicateKeyError(err) {
		return false, err
	}
	existing, err := r.GetByKey(ctx, *c.UniqueKey)
	if err != nil {
		return false, err
	}
	if existing == nil {
		return false, fmt.Errorf("conversation %q vanished after conflict: %w", *c.UniqueKey, domain.ErrTransient)
	}
	*c = *existing
	return false, nil
}

func (r *ConversationRepo) insert(ctx context.Context, c *domain.Conversation, participantIDs []int64) error {
	id, err := nextID(ctx, r.db, colConversations)
	if err != nil {
		return err
	}
	now := time.Now().UTC().Truncate(time.Millisecond)
	doc := &conversationDoc{
		ID:           id,
		Name:         c.Name,
		IsGroup:      c.IsGroup,
		UniqueKey:    c.UniqueKey,
		Participants: dedupIDs(participantIDs),
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	err = withTx(ctx, r.db, func(sc mongo.SessionContext) error {
		if _, err := r.coll().InsertOne(sc, doc); err != nil {
			return err
		}
		return insertCursors(sc, r.db, id, doc.Participants)
	})
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return err
		}
		return storeErr("insert conversation", err)
	}

	c.ID = id
	c.CreatedAt = now
	c.UpdatedAt = now
	c.Participants = append([]int64(nil), doc.Participants...)
	return nil
}

func insertCursors(ctx context.Context, db *mongo.Database, conversationID int64, userIDs []int64) error {
	if len(userIDs) == 0 {
		return nil
	}
	docs := make([]any, len(userIDs))
	for i, uid := range userIDs {
		docs[i] = cursorDoc{ConversationID: conversationID, UserID: uid}
	}
	_, err := db.Collection(colReadCursors).InsertMany(ctx, docs)
	return err
}

func (r *ConversationRepo) GetByID(ctx context.Context, id int64) (*domain.Conversation, error) {
	return r.findOne(ctx, bson.M{"_id": id})
}

func (r *ConversationRepo) GetByKey(ctx context.Context, key string) (*domain.Conversation, error) {
	return r.findOne(ctx, bson.M{"unique_key": key})
}

func (r *ConversationRepo) findOne(ctx context.Context, filter bson.M) (*domain.Conversation, error) {
	var doc conversationDoc
	err := r.coll().FindOne(ctx, filter).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, storeErr("get conversation", err)
	}
	return doc.toDomain(), nil
}

func (r *ConversationRepo) IsParticipant(ctx context.Context, conversationID, userID int64) (bool, error) {
	n, err := r.coll().CountDocuments(ctx, bson.M{"_id": conversationID, "participants": userID})
	if err != nil {
		return false, storeErr("is participant", err)
	}
	return n > 0, nil
}

func (r *ConversationRepo) ListParticipantIDs(ctx context.Context, conversationID int64) ([]int64, error) {
	c, err := r.GetByID(ctx, conversationID)
	if err != nil || c == nil {
		return nil, err
	}
	return c.Participants, nil
}

func (r *ConversationRepo) AddParticipants(ctx context.Context, conversationID int64, userIDs []int64) ([]int64, error) {
	var added []int64
	err := withTx(ctx, r.db, func(sc mongo.SessionContext) error {
		added = nil
		var doc conversationDoc
		err := r.coll().FindOne(sc, bson.M{"_id": conversationID}).Decode(&doc)
		if errors.Is(err, mongo.ErrNoDocuments) {
			return domain.ErrConversationNotFound
		}
		if err != nil {
			return err
		}

		have := make(map[int64]struct{}, len(doc.Participants))
		for _, id := range doc.Participants {
			have[id] = struct{}{}
		}
		for _, id := range dedupIDs(userIDs) {
			if _, ok := have[id]; !ok {
				added = append(added, id)
			}
		}
		if len(added) == 0 {
			return nil
		}

		if _, err := r.coll().UpdateOne(sc,
			bson.M{"_id": conversationID},
			bson.M{"$addToSet": bson.M{"participants": bson.M{"$each": added}}},
		); err != nil {
			return err
		}
		return insertCursors(sc, r.db, conversationID, added)
	})
	if err != nil {
		return nil, storeErr("add participants", err)
	}
	return added, nil
}

func (r *ConversationRepo) Rename(ctx context.Context, conversationID int64, name string) error {
	res, err := r.coll().UpdateOne(ctx, bson.M{"_id": conversationID}, bson.M{"$set": bson.M{"name": name}})
	if err != nil {
		return storeErr("rename conversation", err)
	}
	if res.MatchedCount == 0 {
		return domain.ErrConversationNotFound
	}
	return nil
}

func (r *ConversationRepo) Delete(ctx context.Context, conversationID int64) error {
	err := withTx(ctx, r.db, func(sc mongo.SessionContext) error {
		res, err := r.coll().DeleteOne(sc, bson.M{"_id": conversationID})
		if err != nil {
			return err
		}
		if res.DeletedCount == 0 {
			return domain.ErrConversationNotFound
		}
		filter := bson.M{"conversation_id": conversationID}
		if _, err := r.db.Collection(colMessages).DeleteMany(sc, filter); err != nil {
			return err
		}
		_, err = r.db.Collection(colReadCursors).DeleteMany(sc, filter)
		return err
	})
	return storeErr("delete conversation", err)
}

func (r *ConversationRepo) ListForUser(ctx context.Context, userID int64) ([]*domain.ConversationSummary, error) {
	cur, err := r.coll().Find(ctx,
		bson.M{"participants": userID},
		options.Find().SetSort(bson.D{{Key: "updated_at", Value: -1}, {Key: "_id", Value: -1}}),
	)
	if err != nil {
		return nil, storeErr("list conversations", err)
	}
	var docs []conversationDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, storeErr("decode conversations", err)
	}
	if len(docs) == 0 {
		return nil, nil
	}

	var (
		convIDs = make([]int64, 0, len(docs))
		lastIDs []int64
	)
	for _, d := range docs {
		convIDs = append(convIDs, d.ID)
		if d.LastMessageID != nil {
			lastIDs = append(lastIDs, *d.LastMessageID)
		}
	}

	cursors, err := r.userCursors(ctx, userID, convIDs)
	if err != nil {
		return nil, err
	}
	last, err := r.messagesByID(ctx, lastIDs)
	if err != nil {
		return nil, err
	}

	res := make([]*domain.ConversationSummary, 0, len(docs))
	for _, d := range docs {
		s := &domain.ConversationSummary{Conversation: *d.toDomain(), ReadSeq: cursors[d.ID]}
		if d.LastMessageID != nil {
			if m, ok := last[*d.LastMessageID]; ok {
				s.LastMessage = &domain.MessageSummary{
					ID:        m.ID,
					Seq:       m.Seq,
					SenderID:  m.SenderID,
					Kind:      domain.PayloadKind(m.Kind),
					Text:      m.Body,
					CreatedAt: m.CreatedAt,
				}
			}
		}
		if d.LastSeq > s.ReadSeq {
			n, err := r.db.Collection(colMessages).CountDocuments(ctx, bson.M{
				"conversation_id": d.ID,
				"seq":             bson.M{"$gt": s.ReadSeq},
				"sender_id":       bson.M{"$ne": userID},
			})
			if err != nil {
				return nil, storeErr("count unread", err)
			}
			s.UnreadCount = int(n)
		}
		res = append(res, s)
	}
	return res, nil
}

func (r *ConversationRepo) userCursors(ctx context.Context, userID int64, convIDs []int64) (map[int64]int64, error) {
	cur, err := r.db.Collection(colReadCursors).Find(ctx, bson.M{
		"user_id":         userID,
		"conversation_id": bson.M{"$in": convIDs},
	})
	if err != nil {
		return nil, storeErr("list cursors", err)
	}
	var docs []cursorDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, storeErr("decode cursors", err)
	}
	out := make(map[int64]int64, len(docs))
	for _, d := range docs {
		out[d.ConversationID] = d.LastReadSeq
	}
	return out, nil
}

func (r *ConversationRepo) messagesByID(ctx context.Context, ids []int64) (map[int64]messageDoc, error) {
	out := make(map[int64]messageDoc, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	cur, err := r.db.Collection(colMessages).Find(ctx, bson.M{"_id": bson.M{"$in": ids}})
	if err != nil {
		return nil, storeErr("list last messages", err)
	}
	var docs []messageDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, storeErr("decode last messages", err)
	}
	for _, d := range docs {
		out[d.ID] = d
	}
	return out, nil
}

func dedupIDs(ids []int64) []int64 {
	seen := make(map[int64]struct{}, len(ids))
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
