// Package storetest holds the behaviour every storage backend must share.
// Each backend's tests call Run with a factory for fresh, empty repositories.
package storetest

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"zchat/internal/domain"
)

type Repos struct {
	Users         domain.UserRepository
	Conversations domain.ConversationRepository
	Messages      domain.MessageRepository
	ReadStates    domain.ReadStateRepository
}

// Factory returns repositories over an empty database.
type Factory func(t *testing.T) Repos

func Run(t *testing.T, newRepos Factory) {
	t.Run("Users", func(t *testing.T) { testUsers(t, newRepos(t)) })
	t.Run("CreateUniqueConverges", func(t *testing.T) { testCreateUnique(t, newRepos(t)) })
	t.Run("Membership", func(t *testing.T) { testMembership(t, newRepos(t)) })
	t.Run("AppendAssignsSequence", func(t *testing.T) { testAppend(t, newRepos(t)) })
	t.Run("AppendDeduplicates", func(t *testing.T) { testDedup(t, newRepos(t)) })
	t.Run("ReadCursor", func(t *testing.T) { testReadCursor(t, newRepos(t)) })
	t.Run("ListForUser", func(t *testing.T) { testListForUser(t, newRepos(t)) })
	t.Run("RenameAndDelete", func(t *testing.T) { testRenameDelete(t, newRepos(t)) })
}

func createUsers(t *testing.T, r Repos, names ...string) []int64 {
	t.Helper()
	ids := make([]int64, 0, len(names))
	for _, n := range names {
		u := &domain.User{Email: n + "@example.com", FirstName: n, HashedPassword: "x"}
		require.NoError(t, r.Users.Create(context.Background(), u))
		require.NotZero(t, u.ID)
		ids = append(ids, u.ID)
	}
	return ids
}

func direct(t *testing.T, r Repos, a, b int64) *domain.Conversation {
	t.Helper()
	key := domain.DirectKey(a, b)
	c := &domain.Conversation{UniqueKey: &key}
	created, err := r.Conversations.CreateUnique(context.Background(), c, []int64{a, b})
	require.NoError(t, err)
	require.True(t, created)
	return c
}

func text(conv, sender int64, body string) *domain.Message {
	return &domain.Message{ConversationID: conv, SenderID: sender, Payload: domain.TextPayload(body)}
}

func testUsers(t *testing.T, r Repos) {
	ctx := context.Background()
	ids := createUsers(t, r, "ann", "ben", "cat")

	got, err := r.Users.GetByEmail(ctx, "ben@example.com")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, ids[1], got.ID)
	assert.Equal(t, "x", got.HashedPassword)

	missing, err := r.Users.GetByEmail(ctx, "nobody@example.com")
	require.NoError(t, err)
	assert.Nil(t, missing)
	missing, err = r.Users.GetByID(ctx, ids[2]+1000)
	require.NoError(t, err)
	assert.Nil(t, missing)

	dup := &domain.User{Email: "ann@example.com", HashedPassword: "y"}
	assert.ErrorIs(t, r.Users.Create(ctx, dup), domain.ErrConflict)

	some, err := r.Users.ListByIDs(ctx, []int64{ids[0], ids[2]})
	require.NoError(t, err)
	assert.Len(t, some, 2)

	page, err := r.Users.List(ctx, 1, 1)
	require.NoError(t, err)
	require.Len(t, page, 1)

	all, err := r.Users.ListIDs(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, ids, all)

	require.NoError(t, r.Users.TouchLastSeen(ctx, ids[0]))
}

func testCreateUnique(t *testing.T, r Repos) {
	ids := createUsers(t, r, "ann", "ben")
	key := domain.DirectKey(ids[0], ids[1])

	const callers = 8
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		created int
		convIDs = map[int64]struct{}{}
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c := &domain.Conversation{UniqueKey: &key}
			ok, err := r.Conversations.CreateUnique(context.Background(), c, ids)
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			defer mu.Unlock()
			if ok {
				created++
			}
			convIDs[c.ID] = struct{}{}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, created)
	assert.Len(t, convIDs, 1)

	byKey, err := r.Conversations.GetByKey(context.Background(), key)
	require.NoError(t, err)
	require.NotNil(t, byKey)
	assert.ElementsMatch(t, ids, byKey.Participants)
}

func testMembership(t *testing.T, r Repos) {
	ctx := context.Background()
	ids := createUsers(t, r, "ann", "ben", "cat", "dan")
	name := "crew"
	c := &domain.Conversation{Name: &name, IsGroup: true}
	require.NoError(t, r.Conversations.Create(ctx, c, ids[:3]))

	ok, err := r.Conversations.IsParticipant(ctx, c.ID, ids[3])
	require.NoError(t, err)
	assert.False(t, ok)

	added, err := r.Conversations.AddParticipants(ctx, c.ID, []int64{ids[2], ids[3]})
	require.NoError(t, err)
	assert.Equal(t, []int64{ids[3]}, added)

	added, err = r.Conversations.AddParticipants(ctx, c.ID, []int64{ids[3]})
	require.NoError(t, err)
	assert.Empty(t, added)

	members, err := r.Conversations.ListParticipantIDs(ctx, c.ID)
	require.NoError(t, err)
	assert.ElementsMatch(t, ids, members)
}

func testAppend(t *testing.T, r Repos) {
	ctx := context.Background()
	ids := createUsers(t, r, "ann", "ben")
	c := direct(t, r, ids[0], ids[1])

	const n = 12
	var wg sync.WaitGroup
	seqs := make(chan int64, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			m := text(c.ID, ids[i%2], fmt.Sprintf("m%d", i))
			created, err := r.Messages.Append(ctx, m)
			if assert.NoError(t, err) && assert.True(t, created) {
				seqs <- m.Seq
			}
		}(i)
	}
	wg.Wait()
	close(seqs)

	var got []int64
	for s := range seqs {
		got = append(got, s)
	}
	sort.Slice(got, func(i, j int) bool { return got[i] < got[j] })
	want := make([]int64, n)
	for i := range want {
		want[i] = int64(i + 1)
	}
	assert.Equal(t, want, got)

	conv, err := r.Conversations.GetByID(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(n), conv.LastSeq)

	all, err := r.Messages.ListSince(ctx, c.ID, 0, 100)
	require.NoError(t, err)
	require.Len(t, all, n)
	for i := 1; i < len(all); i++ {
		assert.Equal(t, all[i-1].Seq+1, all[i].Seq)
		assert.False(t, all[i].CreatedAt.Before(all[i-1].CreatedAt))
	}

	page, err := r.Messages.ListSince(ctx, c.ID, 5, 3)
	require.NoError(t, err)
	require.Len(t, page, 3)
	assert.Equal(t, int64(6), page[0].Seq)

	one, err := r.Messages.GetByID(ctx, page[0].ID)
	require.NoError(t, err)
	require.NotNil(t, one)
	assert.Equal(t, page[0].Payload, one.Payload)

	_, err = r.Messages.Append(ctx, text(c.ID+1000, ids[0], "lost"))
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func testDedup(t *testing.T, r Repos) {
	ctx := context.Background()
	ids := createUsers(t, r, "ann", "ben")
	c := direct(t, r, ids[0], ids[1])
	token := uuid.NewString()

	first := text(c.ID, ids[0], "once")
	first.ClientMsgID = &token
	created, err := r.Messages.Append(ctx, first)
	require.NoError(t, err)
	require.True(t, created)

	replay := text(c.ID, ids[0], "once")
	replay.ClientMsgID = &token
	created, err = r.Messages.Append(ctx, replay)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, replay.ID)
	assert.Equal(t, first.Seq, replay.Seq)

	other := text(c.ID, ids[1], "same token, other sender")
	other.ClientMsgID = &token
	created, err = r.Messages.Append(ctx, other)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, int64(2), other.Seq)
}

func testReadCursor(t *testing.T, r Repos) {
	ctx := context.Background()
	ids := createUsers(t, r, "ann", "ben", "eve")
	c := direct(t, r, ids[0], ids[1])

	for i := 0; i < 3; i++ {
		_, err := r.Messages.Append(ctx, text(c.ID, ids[0], "hi"))
		require.NoError(t, err)
	}

	n, err := r.ReadStates.UnreadCount(ctx, c.ID, ids[1])
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	n, err = r.ReadStates.UnreadCount(ctx, c.ID, ids[0])
	require.NoError(t, err)
	assert.Zero(t, n, "own messages are never unread")

	seq, moved, err := r.ReadStates.AdvanceCursor(ctx, c.ID, ids[1])
	require.NoError(t, err)
	assert.True(t, moved)
	assert.Equal(t, int64(3), seq)

	seq, moved, err = r.ReadStates.AdvanceCursor(ctx, c.ID, ids[1])
	require.NoError(t, err)
	assert.False(t, moved)
	assert.Equal(t, int64(3), seq)

	_, err = r.Messages.Append(ctx, text(c.ID, ids[0], "more"))
	require.NoError(t, err)
	n, err = r.ReadStates.UnreadCount(ctx, c.ID, ids[1])
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	cursors, err := r.ReadStates.ListCursors(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, map[int64]int64{ids[0]: 0, ids[1]: 3}, cursors)

	got, err := r.ReadStates.GetCursor(ctx, c.ID, ids[1])
	require.NoError(t, err)
	assert.Equal(t, int64(3), got)

	_, _, err = r.ReadStates.AdvanceCursor(ctx, c.ID, ids[2])
	assert.ErrorIs(t, err, domain.ErrNotAParticipant)
	_, err = r.ReadStates.UnreadCount(ctx, c.ID, ids[2])
	assert.ErrorIs(t, err, domain.ErrNotAParticipant)
}

func testListForUser(t *testing.T, r Repos) {
	ctx := context.Background()
	ids := createUsers(t, r, "ann", "ben", "cat")
	older := direct(t, r, ids[0], ids[1])
	newer := direct(t, r, ids[0], ids[2])

	_, err := r.Messages.Append(ctx, text(newer.ID, ids[2], "latest"))
	require.NoError(t, err)

	list, err := r.Conversations.ListForUser(ctx, ids[0])
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, newer.ID, list[0].ID)
	assert.Equal(t, older.ID, list[1].ID)

	require.NotNil(t, list[0].LastMessage)
	assert.Equal(t, "latest", list[0].LastMessage.Text)
	assert.Equal(t, domain.PayloadText, list[0].LastMessage.Kind)
	assert.Equal(t, 1, list[0].UnreadCount)
	assert.ElementsMatch(t, []int64{ids[0], ids[2]}, list[0].Participants)
	assert.Nil(t, list[1].LastMessage)

	none, err := r.Conversations.ListForUser(ctx, ids[1]+1000)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func testRenameDelete(t *testing.T, r Repos) {
	ctx := context.Background()
	ids := createUsers(t, r, "ann", "ben", "cat")
	name := "before"
	c := &domain.Conversation{Name: &name, IsGroup: true}
	require.NoError(t, r.Conversations.Create(ctx, c, ids))
	_, err := r.Messages.Append(ctx, text(c.ID, ids[0], "bye"))
	require.NoError(t, err)

	require.NoError(t, r.Conversations.Rename(ctx, c.ID, "after"))
	got, err := r.Conversations.GetByID(ctx, c.ID)
	require.NoError(t, err)
	require.NotNil(t, got.Name)
	assert.Equal(t, "after", *got.Name)

	require.NoError(t, r.Conversations.Delete(ctx, c.ID))
	got, err = r.Conversations.GetByID(ctx, c.ID)
	require.NoError(t, err)
	assert.Nil(t, got)

	msgs, err := r.Messages.ListSince(ctx, c.ID, 0, 10)
	require.NoError(t, err)
	assert.Empty(t, msgs)

	assert.ErrorIs(t, r.Conversations.Delete(ctx, c.ID), domain.ErrNotFound)
}
