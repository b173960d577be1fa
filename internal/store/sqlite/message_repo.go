package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"zchat/internal/domain"
)

type MessageRepo struct {
	db *sql.DB
}

func NewMessageRepo(db *sql.DB) *MessageRepo {
	return &MessageRepo{db: db}
}

var _ domain.MessageRepository = (*MessageRepo)(nil)

const messageColumns = `id, conversation_id, seq, sender_id, kind, body, client_msg_id, created_at`

func scanMessage(row interface{ Scan(...any) error }) (*domain.Message, error) {
	var (
		m          = &domain.Message{}
		kind, body string
	)
	if err := row.Scan(
		&m.ID,
		&m.ConversationID,
		&m.Seq,
		&m.SenderID,
		&kind,
		&body,
		&m.ClientMsgID,
		&m.CreatedAt,
	); err != nil {
		return nil, err
	}
	m.Payload = domain.PayloadFromStorage(kind, body)
	return m, nil
}

func (r *MessageRepo) Append(ctx context.Context, m *domain.Message) (bool, error) {
	// _txlock=immediate: the write lock is held from the first statement,
	// so the sequence read below cannot race another append.
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", domain.Transient(err))
	}
	defer tx.Rollback()

	var (
		lastSeq   int64
		updatedAt time.Time
	)
	err = tx.QueryRowContext(ctx,
		`SELECT last_seq, updated_at FROM conversations WHERE id = ?`, m.ConversationID,
	).Scan(&lastSeq, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return false, domain.ErrConversationNotFound
	}
	if err != nil {
		return false, fmt.Errorf("read conversation: %w", domain.Transient(err))
	}

	if m.ClientMsgID != nil {
		existing, err := scanMessage(tx.QueryRowContext(ctx, `
			SELECT `+messageColumns+` FROM messages
			WHERE conversation_id = ? AND sender_id = ? AND client_msg_id = ?
		`, m.ConversationID, m.SenderID, *m.ClientMsgID))
		switch {
		case err == nil:
			*m = *existing
			return false, nil
		case !errors.Is(err, sql.ErrNoRows):
			return false, fmt.Errorf("lookup client message id: %w", domain.Transient(err))
		}
	}

	now := time.Now().UTC()
	if now.Before(updatedAt) {
		now = updatedAt
	}
	seq := lastSeq + 1

	res, err := tx.ExecContext(ctx, `
		INSERT INTO messages (conversation_id, seq, sender_id, kind, body, client_msg_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, m.ConversationID, seq, m.SenderID, string(m.Payload.Kind), m.Payload.Body(), m.ClientMsgID, now)
	if err != nil {
		return false, fmt.Errorf("insert message: %w", domain.Transient(err))
	}
	id, err := res.LastInsertId()
	if err != nil {
		return false, fmt.Errorf("last insert id: %w", domain.Transient(err))
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE conversations
		SET last_seq = ?, last_message_id = ?, updated_at = ?
		WHERE id = ?
	`, seq, id, now, m.ConversationID); err != nil {
		return false, fmt.Errorf("update conversation: %w", domain.Transient(err))
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit: %w", domain.Transient(err))
	}

	m.ID = id
	m.Seq = seq
	m.CreatedAt = now
	return true, nil
}

func (r *MessageRepo) ListSince(ctx context.Context, conversationID, afterSeq int64, limit int) ([]*domain.Message, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+messageColumns+`
		FROM messages
		WHERE conversation_id = ? AND seq > ?
		ORDER BY seq ASC
		LIMIT ?
	`, conversationID, afterSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", domain.Transient(err))
	}
	defer rows.Close()

	var msgs []*domain.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", domain.Transient(err))
	}
	return msgs, nil
}

func (r *MessageRepo) GetByID(ctx context.Context, id int64) (*domain.Message, error) {
	m, err := scanMessage(r.db.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get message: %w", domain.Transient(err))
	}
	return m, nil
}
