package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

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
	if err := row.Scan(&m.ID, &m.ConversationID, &m.Seq, &m.SenderID, &kind, &body, &m.ClientMsgID, &m.CreatedAt); err != nil {
		return nil, err
	}
	m.Payload = domain.PayloadFromStorage(kind, body)
	return m, nil
}

func (r *MessageRepo) Append(ctx context.Context, m *domain.Message) (bool, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", domain.Transient(err))
	}
	defer tx.Rollback()

	// Row lock on the conversation serializes appends to it.
	var lastSeq int64
	err = tx.QueryRowContext(ctx,
		`SELECT last_seq FROM conversations WHERE id = $1 FOR UPDATE`, m.ConversationID,
	).Scan(&lastSeq)
	if errors.Is(err, sql.ErrNoRows) {
		return false, domain.ErrConversationNotFound
	}
	if err != nil {
		return false, fmt.Errorf("lock conversation: %w", domain.Transient(err))
	}

	if m.ClientMsgID != nil {
		existing, err := scanMessage(tx.QueryRowContext(ctx, `
			SELECT `+messageColumns+` FROM messages
			WHERE conversation_id = $1 AND sender_id = $2 AND client_msg_id = $3
		`, m.ConversationID, m.SenderID, *m.ClientMsgID))
		switch {
		case err == nil:
			*m = *existing
			return false, nil
		case !errors.Is(err, sql.ErrNoRows):
			return false, fmt.Errorf("lookup client message id: %w", domain.Transient(err))
		}
	}

	seq := lastSeq + 1
	if err := tx.QueryRowContext(ctx, `
		INSERT INTO messages (conversation_id, seq, sender_id, kind, body, client_msg_id, created_at)
		SELECT $1, $2, $3, $4, $5, $6, GREATEST(clock_timestamp(), c.updated_at)
		FROM conversations c WHERE c.id = $1
		RETURNING id, created_at
	`, m.ConversationID, seq, m.SenderID, string(m.Payload.Kind), m.Payload.Body(), m.ClientMsgID,
	).Scan(&m.ID, &m.CreatedAt); err != nil {
		return false, fmt.Errorf("insert message: %w", domain.Transient(err))
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE conversations
		SET last_seq = $1, last_message_id = $2, updated_at = $3
		WHERE id = $4
	`, seq, m.ID, m.CreatedAt, m.ConversationID); err != nil {
		return false, fmt.Errorf("update conversation: %w", domain.Transient(err))
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit: %w", domain.Transient(err))
	}
	m.Seq = seq
	return true, nil
}

func (r *MessageRepo) ListSince(ctx context.Context, conversationID, afterSeq int64, limit int) ([]*domain.Message, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+messageColumns+`
		FROM messages
		WHERE conversation_id = $1 AND seq > $2
		ORDER BY seq ASC
		LIMIT $3
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
	m, err := scanMessage(r.db.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get message: %w", domain.Transient(err))
	}
	return m, nil
}
