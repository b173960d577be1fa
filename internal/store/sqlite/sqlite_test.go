package sqlite_test

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"zchat/internal/store/sqlite"
	"zchat/internal/store/storetest"
)

func TestRepositories(t *testing.T) {
	storetest.Run(t, func(t *testing.T) storetest.Repos {
		db, err := sqlite.Open(filepath.Join(t.TempDir(), "store.db"))
		require.NoError(t, err)
		t.Cleanup(func() { db.Close() })
		require.NoError(t, sqlite.Migrate(db))

		return storetest.Repos{
			Users:         sqlite.NewUserRepo(db),
			Conversations: sqlite.NewConversationRepo(db),
			Messages:      sqlite.NewMessageRepo(db),
			ReadStates:    sqlite.NewReadStateRepo(db),
		}
	})
}

func TestMigrateIsIdempotent(t *testing.T) {
	db, err := sqlite.Open(filepath.Join(t.TempDir(), "twice.db"))
	require.NoError(t, err)
	defer db.Close()

	require.NoError(t, sqlite.Migrate(db))
	require.NoError(t, sqlite.Migrate(db))
}
