package postgres

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// Open opens a PostgreSQL database using the pgx stdlib driver.
func Open(dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return db, nil
}

// Migrate runs idempotent DDL migrations for the chat schema on PostgreSQL.
func Migrate(db *sql.DB) error {
	stmts := []string{
		// Users
		`CREATE TABLE IF NOT EXISTS users (
			id               BIGSERIAL    PRIMARY KEY,
			email            VARCHAR(255) UNIQUE NOT NULL,
			first_name       VARCHAR(100) NOT NULL DEFAULT '',
			last_name        VARCHAR(100) NOT NULL DEFAULT '',
			hashed_password  VARCHAR(255) NOT NULL,
			created_at       TIMESTAMPTZ  NOT NULL DEFAULT NOW(),
			last_seen        TIMESTAMPTZ  NOT NULL DEFAULT NOW()
		)`,

		// Conversations; unique_key serializes direct pairs and the channel
		`CREATE TABLE IF NOT EXISTS conversations (
			id              BIGSERIAL    PRIMARY KEY,
			name            VARCHAR(100),
			is_group        BOOLEAN      NOT NULL DEFAULT FALSE,
			unique_key      VARCHAR(255) UNIQUE,
			last_seq        BIGINT       NOT NULL DEFAULT 0,
			last_message_id BIGINT,
			created_at      TIMESTAMPTZ  NOT NULL DEFAULT NOW(),
			updated_at      TIMESTAMPTZ  NOT NULL DEFAULT NOW()
		)`,

		// Membership and read cursor
		`CREATE TABLE IF NOT EXISTS conversation_participants (
			user_id         BIGINT       NOT NULL REFERENCES users(id),
			conversation_id BIGINT       NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
			last_read_seq   BIGINT       NOT NULL DEFAULT 0,
			joined_at       TIMESTAMPTZ  NOT NULL DEFAULT NOW(),
			PRIMARY KEY (user_id, conversation_id)
		)`,

		// Messages
		`CREATE TABLE IF NOT EXISTS messages (
			id              BIGSERIAL    PRIMARY KEY,
			conversation_id BIGINT       NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
			seq             BIGINT       NOT NULL,
			sender_id       BIGINT       NOT NULL REFERENCES users(id),
			kind            VARCHAR(10)  NOT NULL,
			body            TEXT         NOT NULL,
			client_msg_id   VARCHAR(64),
			created_at      TIMESTAMPTZ  NOT NULL DEFAULT NOW(),
			UNIQUE (conversation_id, seq),
			UNIQUE (conversation_id, sender_id, client_msg_id)
		)`,

		// Indexes
		`CREATE INDEX IF NOT EXISTS idx_conversations_updated_at ON conversations(updated_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_conv_participants_user ON conversation_participants(user_id)`,
		`CREATE INDEX IF NOT EXISTS idx_conv_participants_conv ON conversation_participants(conversation_id)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_sender ON messages(sender_id)`,
	}

	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate: %w\nSQL: %s", err, stmt)
		}
	}
	return nil
}

// queryer is satisfied by *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}
