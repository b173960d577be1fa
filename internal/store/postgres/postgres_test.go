package postgres_test

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"zchat/internal/store/postgres"
	"zchat/internal/store/storetest"
	"zchat/internal/testenv"
)

func TestRepositories(t *testing.T) {
	testenv.RequireIntegration(t)

	_, addr := testenv.Start(t, testcontainers.ContainerRequest{
		Image: "postgres:16-alpine",
		Env: map[string]string{
			"POSTGRES_USER":     "test",
			"POSTGRES_PASSWORD": "test",
			"POSTGRES_DB":       "zchat",
		},
		ExposedPorts: []string{"5432/tcp"},
		// The server restarts once after initdb.
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(time.Minute),
	})

	db, err := postgres.Open(fmt.Sprintf("postgres://test:test@%s/zchat?sslmode=disable", addr))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, postgres.Migrate(db))
	require.NoError(t, postgres.Migrate(db))

	storetest.Run(t, func(t *testing.T) storetest.Repos {
		_, err := db.Exec(`TRUNCATE messages, conversation_participants, conversations, users RESTART IDENTITY CASCADE`)
		require.NoError(t, err)

		return storetest.Repos{
			Users:         postgres.NewUserRepo(db),
			Conversations: postgres.NewConversationRepo(db),
			Messages:      postgres.NewMessageRepo(db),
			ReadStates:    postgres.NewReadStateRepo(db),
		}
	})
}
