package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgtype"

	"zchat/internal/domain"
)

type ConversationRepo struct {
	db *sql.DB
}

func NewConversationRepo(db *sql.DB) *ConversationRepo {
	return &ConversationRepo{db: db}
}

var _ domain.ConversationRepository = (*ConversationRepo)(nil)

const conversationColumns = `c.id, c.name, c.is_group, c.unique_key, c.last_seq, c.last_message_id, c.created_at, c.updated_at`

func scanConversation(row interface{ Scan(...any) error }, extra ...any) (*domain.Conversation, error) {
	c := &domain.Conversation{}
	dest := []any{&c.ID, &c.Name, &c.IsGroup, &c.UniqueKey, &c.LastSeq, &c.LastMessageID, &c.CreatedAt, &c.UpdatedAt}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return nil, err
	}
	return c, nil
}

func (r *ConversationRepo) Create(ctx context.Context, c *domain.Conversation, participantIDs []int64) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", domain.Transient(err))
	}
	defer tx.Rollback()

	if err := tx.QueryRowContext(ctx, `
		INSERT INTO conversations (name, is_group, unique_key, created_at, updated_at)
		VALUES ($1, $2, $3, NOW(), NOW())
		RETURNING id, created_at, updated_at
	`, c.Name, c.IsGroup, c.UniqueKey).Scan(&c.ID, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return fmt.Errorf("insert conversation: %w", domain.Transient(err))
	}
	if err := insertParticipants(ctx, tx, c.ID, participantIDs); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", domain.Transient(err))
	}
	c.Participants = append([]int64(nil), participantIDs...)
	return nil
}

func (r *ConversationRepo) CreateUnique(ctx context.Context, c *domain.Conversation, participantIDs []int64) (bool, error) {
	if c.UniqueKey == nil {
		return false, fmt.Errorf("create unique conversation: missing key")
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", domain.Transient(err))
	}
	defer tx.Rollback()

	err = tx.QueryRowContext(ctx, `
		INSERT INTO conversations (name, is_group, unique_key, created_at, updated_at)
		VALUES ($1, $2, $3, NOW(), NOW())
		ON CONFLICT (unique_key) DO NOTHING
		RETURNING id, created_at, updated_at
	`, c.Name, c.IsGroup, c.UniqueKey).Scan(&c.ID, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		// The key exists; the conflicting insert has committed by now.
		tx.Rollback()
		existing, err := getByKey(ctx, r.db, *c.UniqueKey)
		if err != nil {
			return false, err
		}
		if existing == nil {
			return false, fmt.Errorf("conversation %q vanished after conflict: %w", *c.UniqueKey, domain.ErrTransient)
		}
		*c = *existing
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("insert conversation: %w", domain.Transient(err))
	}
	if err := insertParticipants(ctx, tx, c.ID, participantIDs); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit: %w", domain.Transient(err))
	}
	c.Participants = append([]int64(nil), participantIDs...)
	return true, nil
}

func insertParticipants(ctx context.Context, q queryer, conversationID int64, userIDs []int64) error {
	for _, uid := range userIDs {
		if _, err := q.ExecContext(ctx, `
			INSERT INTO conversation_participants (user_id, conversation_id, last_read_seq, joined_at)
			VALUES ($1, $2, 0, NOW())
			ON CONFLICT DO NOTHING
		`, uid, conversationID); err != nil {
			return fmt.Errorf("insert participant %d: %w", uid, domain.Transient(err))
		}
	}
	return nil
}

func (r *ConversationRepo) GetByID(ctx context.Context, id int64) (*domain.Conversation, error) {
	c, err := scanConversation(r.db.QueryRowContext(ctx, `SELECT `+conversationColumns+` FROM conversations c WHERE c.id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get conversation: %w", domain.Transient(err))
	}
	if c.Participants, err = listParticipantIDs(ctx, r.db, id); err != nil {
		return nil, err
	}
	return c, nil
}

func (r *ConversationRepo) GetByKey(ctx context.Context, key string) (*domain.Conversation, error) {
	return getByKey(ctx, r.db, key)
}

func getByKey(ctx context.Context, q queryer, key string) (*domain.Conversation, error) {
	c, err := scanConversation(q.QueryRowContext(ctx, `SELECT `+conversationColumns+` FROM conversations c WHERE c.unique_key = $1`, key))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get conversation by key: %w", domain.Transient(err))
	}
	if c.Participants, err = listParticipantIDs(ctx, q, c.ID); err != nil {
		return nil, err
	}
	return c, nil
}

func (r *ConversationRepo) IsParticipant(ctx context.Context, conversationID, userID int64) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM conversation_participants
			WHERE conversation_id = $1 AND user_id = $2
		)
	`, conversationID, userID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("is participant: %w", domain.Transient(err))
	}
	return exists, nil
}

func (r *ConversationRepo) ListParticipantIDs(ctx context.Context, conversationID int64) ([]int64, error) {
	return listParticipantIDs(ctx, r.db, conversationID)
}

func listParticipantIDs(ctx context.Context, q queryer, conversationID int64) ([]int64, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT user_id FROM conversation_participants
		WHERE conversation_id = $1
		ORDER BY joined_at, user_id
	`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("list participants: %w", domain.Transient(err))
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan participant: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r *ConversationRepo) AddParticipants(ctx context.Context, conversationID int64, userIDs []int64) ([]int64, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", domain.Transient(err))
	}
	defer tx.Rollback()

	var id int64
	err = tx.QueryRowContext(ctx, `SELECT id FROM conversations WHERE id = $1 FOR SHARE`, conversationID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrConversationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("check conversation: %w", domain.Transient(err))
	}

	var added []int64
	for _, uid := range userIDs {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO conversation_participants (user_id, conversation_id, last_read_seq, joined_at)
			VALUES ($1, $2, 0, NOW())
			ON CONFLICT DO NOTHING
		`, uid, conversationID)
		if err != nil {
			return nil, fmt.Errorf("insert participant %d: %w", uid, domain.Transient(err))
		}
		if n, _ := res.RowsAffected(); n > 0 {
			added = append(added, uid)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", domain.Transient(err))
	}
	return added, nil
}

func (r *ConversationRepo) Rename(ctx context.Context, conversationID int64, name string) error {
	res, err := r.db.ExecContext(ctx, `UPDATE conversations SET name = $1 WHERE id = $2`, name, conversationID)
	if err != nil {
		return fmt.Errorf("rename conversation: %w", domain.Transient(err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrConversationNotFound
	}
	return nil
}

// Delete relies on ON DELETE CASCADE for messages and memberships.
func (r *ConversationRepo) Delete(ctx context.Context, conversationID int64) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM conversations WHERE id = $1`, conversationID)
	if err != nil {
		return fmt.Errorf("delete conversation: %w", domain.Transient(err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrConversationNotFound
	}
	return nil
}

func (r *ConversationRepo) ListForUser(ctx context.Context, userID int64) ([]*domain.ConversationSummary, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+conversationColumns+`,
		       cp.last_read_seq,
		       (SELECT COUNT(*) FROM messages m
		         WHERE m.conversation_id = c.id AND m.seq > cp.last_read_seq AND m.sender_id <> cp.user_id),
		       ARRAY(SELECT p.user_id FROM conversation_participants p
		              WHERE p.conversation_id = c.id ORDER BY p.joined_at, p.user_id),
		       lm.id, lm.seq, lm.sender_id, lm.kind, lm.body, lm.created_at
		FROM conversations c
		JOIN conversation_participants cp ON cp.conversation_id = c.id AND cp.user_id = $1
		LEFT JOIN messages lm ON lm.id = c.last_message_id
		ORDER BY c.updated_at DESC, c.id DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", domain.Transient(err))
	}
	defer rows.Close()

	var (
		res   []*domain.ConversationSummary
		types = pgtype.NewMap()
	)
	for rows.Next() {
		var (
			s            domain.ConversationSummary
			participants []int64
			lmID   sql.NullInt64
			lmSeq  sql.NullInt64
			lmFrom sql.NullInt64
			lmKind sql.NullString
			lmBody sql.NullString
			lmAt   sql.NullTime
		)
		c, err := scanConversation(rows, &s.ReadSeq, &s.UnreadCount, types.SQLScanner(&participants), &lmID, &lmSeq, &lmFrom, &lmKind, &lmBody, &lmAt)
		if err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		s.Conversation = *c
		s.Participants = participants
		if lmID.Valid {
			s.LastMessage = &domain.MessageSummary{
				ID:        lmID.Int64,
				Seq:       lmSeq.Int64,
				SenderID:  lmFrom.Int64,
				Kind:      domain.PayloadKind(lmKind.String),
				Text:      lmBody.String,
				CreatedAt: lmAt.Time,
			}
		}
		res = append(res, &s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate conversations: %w", domain.Transient(err))
	}
	return res, nil
}
