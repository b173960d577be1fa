package sqlite

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
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, false, fmt.Errorf("begin tx: %w", domain.Transient(err))
	}
	defer tx.Rollback()

	var cursor, lastSeq int64
	err = tx.QueryRowContext(ctx, `
		SELECT cp.last_read_seq, c.last_seq
		FROM conversation_participants cp
		JOIN conversations c ON c.id = cp.conversation_id
		WHERE cp.conversation_id = ? AND cp.user_id = ?
	`, conversationID, userID).Scan(&cursor, &lastSeq)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, domain.ErrNotAParticipant
	}
	if err != nil {
		return 0, false, fmt.Errorf("read cursor: %w", domain.Transient(err))
	}
	if lastSeq <= cursor {
		return cursor, false, nil
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE conversation_participants
		SET last_read_seq = ?
		WHERE conversation_id = ? AND user_id = ? AND last_read_seq < ?
	`, lastSeq, conversationID, userID, lastSeq); err != nil {
		return 0, false, fmt.Errorf("advance cursor: %w", domain.Transient(err))
	}
	if err := tx.Commit(); err != nil {
		return 0, false, fmt.Errorf("commit: %w", domain.Transient(err))
	}
	return lastSeq, true, nil
}

func (r *ReadStateRepo) GetCursor(ctx context.Context, conversationID, userID int64) (int64, error) {
	var cursor int64
	err := r.db.QueryRowContext(ctx, `
		SELECT last_read_seq FROM conversation_participants
		WHERE conversation_id = ? AND user_id = ?
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
		WHERE conversation_id = ?
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
		SELECT COUNT(m.id)
		FROM conversation_participants cp
		LEFT JOIN messages m
		  ON m.conversation_id = cp.conversation_id
		 AND m.seq > cp.last_read_seq
		 AND m.sender_id <> cp.user_id
		WHERE cp.conversation_id = ? AND cp.user_id = ?
		GROUP BY cp.user_id
	`, conversationID, userID).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, domain.ErrNotAParticipant
	}
	if err != nil {
		return 0, fmt.Errorf("unread count: %w", domain.Transient(err))
	}
	return n, nil
}
