package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"zchat/internal/domain"
)

// ReadStateRepo keeps read cursors on conversation_participants rows.
type ReadStateRepo struct {
	db *sql.DB
}

func NewReadStateRepo(db *sql.DB) *ReadStateRepo {
	return &ReadStateRepo{db: db}
}

var _ domain.ReadStateRepository = (*ReadStateRepo)(nil)

func (r *ReadStateRepo) AdvanceCursor(ctx context.Context, conversationID, userID int64) (int64, bool, error) {
	var seq int64
	err := r.db.QueryRowContext(ctx, `
		UPDATE conversation_participants cp
		SET last_read_seq = c.last_seq
		FROM conversations c
		WHERE c.id = cp.conversation_id
		  AND cp.conversation_id = $1 AND cp.user_id = $2
		  AND cp.last_read_seq < c.last_seq
		RETURNING cp.last_read_seq
	`, conversationID, userID).Scan(&seq)
	if err == nil {
		return seq, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, false, fmt.Errorf("advance cursor: %w", domain.Transient(err))
	}
	// Nothing moved: either already caught up or not a member.
	seq, err = r.GetCursor(ctx, conversationID, userID)
	if err != nil {
		return 0, false, err
	}
	return seq, false, nil
}

func (r *ReadStateRepo) GetCursor(ctx context.Context, conversationID, userID int64) (int64, error) {
	var cursor int64
	err := r.db.QueryRowContext(ctx, `
		SELECT last_read_seq FROM conversation_participants
		WHERE conversation_id = $1 AND user_id = $2
	`, conversationID, userID).Scan(&cursor)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, domain.ErrNotAParticipant
	}
	if err != nil {
		return 0, fmt.Errorf("get cursor: %w", domain.Transient(err))
	}
	return cursor, nil
}

func (r *ReadStateRepo) ListCursors(ctx context.Context, conversationID int64) (map[int64]int64, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT user_id, last_read_seq FROM conversation_participants
		WHERE conversation_id = $1
	`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("list cursors: %w", domain.Transient(err))
	}
	defer rows.Close()

	cursors := make(map[int64]int64)
	for rows.Next() {
		var uid, seq int64
		if err := rows.Scan(&uid, &seq); err != nil {
			return nil, fmt.Errorf("scan cursor: %w", err)
		}
		cursors[uid] = seq
	}
	return cursors, rows.Err()
}

func (r *ReadStateRepo) UnreadCount(ctx context.Context, conversationID, userID int64) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `
		SELECT (
			SELECT COUNT(*) FROM messages m
			WHERE m.conversation_id = cp.conversation_id
			  AND m.seq > cp.last_read_seq
			  AND m.sender_id <> cp.user_id
		)
		FROM conversation_participants cp
		WHERE cp.conversation_id = $1 AND cp.user_id = $2
	`, conversationID, userID).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, domain.ErrNotAParticipant
	}
	if err != nil {
		return 0, fmt.Errorf("unread count: %w", domain.Transient(err))
	}
	return n, nil
}
