package reconcile

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"zchat/internal/bus"
	"zchat/internal/domain"
)

func msg(id, seq, sender int64) *domain.Message {
	return &domain.Message{
		ID:             id,
		ConversationID: 1,
		Seq:            seq,
		SenderID:       sender,
		Payload:        domain.TextPayload("m"),
		CreatedAt:      time.Unix(seq, 0),
	}
}

func seqs(msgs []*domain.Message) []int64 {
	out := make([]int64, len(msgs))
	for i, m := range msgs {
		out[i] = m.Seq
	}
	return out
}

func TestViewMergesPushAndPull(t *testing.T) {
	v := NewView(1)

	assert.True(t, v.ApplyPush(msg(12, 2, 7)))
	assert.False(t, v.ApplyPush(msg(12, 2, 7)), "duplicate push")
	assert.Equal(t, int64(0), v.PullCursor(), "push never moves the pull cursor")

	added := v.ApplyPull([]*domain.Message{msg(11, 1, 7), msg(12, 2, 7), msg(13, 3, 8)})
	assert.Equal(t, 2, added)
	assert.Equal(t, []int64{1, 2, 3}, seqs(v.Messages()))
	assert.Equal(t, int64(3), v.PullCursor())

	// Push arriving late for an already pulled message is ignored.
	assert.False(t, v.ApplyPush(msg(13, 3, 8)))
	assert.Equal(t, 3, v.Len())
}

func TestViewIgnoresOtherConversations(t *testing.T) {
	v := NewView(1)
	other := msg(1, 1, 1)
	other.ConversationID = 2
	assert.False(t, v.ApplyPush(other))
	assert.Zero(t, v.ApplyPull([]*domain.Message{other}))
}

func TestViewApplyReadState(t *testing.T) {
	v := NewView(1)
	v.ApplyPull([]*domain.Message{msg(1, 1, 7), msg(2, 2, 9), msg(3, 3, 7)})

	v.ApplyReadState(9, 2)
	got := v.Messages()
	assert.Equal(t, []int64{9}, got[0].ReadBy)
	assert.Empty(t, got[1].ReadBy, "own message")
	assert.Empty(t, got[2].ReadBy, "beyond cursor")

	v.ApplyReadState(9, 3)
	got = v.Messages()
	assert.Equal(t, []int64{9}, got[0].ReadBy)
	assert.Equal(t, []int64{9}, got[2].ReadBy)
}

func summary(id int64, unread int, updated time.Time) *domain.ConversationSummary {
	return &domain.ConversationSummary{
		Conversation: domain.Conversation{ID: id, UpdatedAt: updated, LastSeq: 5, Participants: []int64{1, 2}},
		UnreadCount:  unread,
		ReadSeq:      5 - int64(unread),
	}
}

func TestInboxNewestSnapshotWins(t *testing.T) {
	in := NewInbox(1)
	t0 := time.Now()

	require.True(t, in.ApplySnapshot(t0.Add(time.Second), []*domain.ConversationSummary{summary(1, 0, t0)}))
	// An older request answered late must not resurrect the stale count.
	assert.False(t, in.ApplySnapshot(t0, []*domain.ConversationSummary{summary(1, 4, t0)}))
	assert.Equal(t, 0, in.Unread(1))
}

func TestInboxPushIsAdvisory(t *testing.T) {
	in := NewInbox(1)
	t0 := time.Now()
	in.ApplySnapshot(t0, []*domain.ConversationSummary{summary(1, 0, t0)})

	m := msg(20, 6, 2)
	in.ApplyEvent(bus.Event{Type: bus.MessageCreated, ConversationID: 1, ActorID: 2, Message: m})
	in.ApplyEvent(bus.Event{Type: bus.MessageCreated, ConversationID: 1, ActorID: 2, Message: m})
	assert.Equal(t, 1, in.Unread(1), "duplicate push counted once")

	own := msg(21, 7, 1)
	in.ApplyEvent(bus.Event{Type: bus.MessageCreated, ConversationID: 1, ActorID: 1, Message: own})
	assert.Equal(t, 1, in.Unread(1), "own messages are never unread")

	zero := 0
	in.ApplyEvent(bus.Event{Type: bus.ReadStateChanged, ConversationID: 1, ActorID: 2, ReadSeq: 7, UnreadCount: &zero})
	assert.Equal(t, 1, in.Unread(1), "someone else's read state")
	in.ApplyEvent(bus.Event{Type: bus.ReadStateChanged, ConversationID: 1, ActorID: 1, ReadSeq: 7, UnreadCount: &zero})
	assert.Equal(t, 0, in.Unread(1))

	// The next snapshot overrides whatever push produced.
	in.ApplySnapshot(t0.Add(time.Second), []*domain.ConversationSummary{summary(1, 3, t0)})
	assert.Equal(t, 3, in.Unread(1))
}

func TestInboxStaleReadKeepsNewerUnread(t *testing.T) {
	in := NewInbox(1)
	t0 := time.Now()
	in.ApplySnapshot(t0, []*domain.ConversationSummary{summary(1, 0, t0)})

	in.ApplyEvent(bus.Event{Type: bus.MessageCreated, ConversationID: 1, ActorID: 2, Message: msg(30, 6, 2)})
	require.Equal(t, 1, in.Unread(1))

	// Another device read up to seq 5 before seq 6 was appended.
	zero := 0
	in.ApplyEvent(bus.Event{Type: bus.ReadStateChanged, ConversationID: 1, ActorID: 1, ReadSeq: 5, UnreadCount: &zero})
	assert.Equal(t, 1, in.Unread(1))

	in.ApplyEvent(bus.Event{Type: bus.ReadStateChanged, ConversationID: 1, ActorID: 1, ReadSeq: 6, UnreadCount: &zero})
	assert.Equal(t, 0, in.Unread(1))
}

func TestInboxConversationLifecycle(t *testing.T) {
	in := NewInbox(1)
	t0 := time.Now()
	in.ApplySnapshot(t0, []*domain.ConversationSummary{summary(1, 0, t0), summary(2, 2, t0.Add(time.Minute))})

	name := "Team"
	in.ApplyEvent(bus.Event{Type: bus.ConversationCreated, ConversationID: 3,
		Conversation: &domain.Conversation{ID: 3, Name: &name, IsGroup: true, UpdatedAt: t0.Add(2 * time.Minute)}})
	in.ApplyEvent(bus.Event{Type: bus.ConversationDeleted, ConversationID: 1})

	list := in.Conversations()
	require.Len(t, list, 2)
	assert.Equal(t, int64(3), list[0].ID)
	assert.Equal(t, int64(2), list[1].ID)
	assert.Equal(t, 2, in.TotalUnread())
}

// fakeSource serves a growing log and counts pulls.
type fakeSource struct {
	mu    sync.Mutex
	log   []*domain.Message
	pulls int
	list  []*domain.ConversationSummary
	// pageCap limits pages like MAX_MESSAGES_PER_PAGE does; zero means none.
	pageCap int
}

func (f *fakeSource) Conversations(context.Context) ([]*domain.ConversationSummary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pulls++
	return f.list, nil
}

func (f *fakeSource) Messages(_ context.Context, _ int64, since int64, limit int) ([]*domain.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pageCap > 0 && limit > f.pageCap {
		limit = f.pageCap
	}
	var out []*domain.Message
	for _, m := range f.log {
		if m.Seq > since && len(out) < limit {
			out = append(out, m)
		}
	}
	return out, nil
}

func (f *fakeSource) append(m *domain.Message) {
	f.mu.Lock()
	f.log = append(f.log, m)
	f.mu.Unlock()
}

func (f *fakeSource) pullCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pulls
}

func TestSyncerPullPagesThroughLog(t *testing.T) {
	src := &fakeSource{}
	for i := int64(1); i <= 5; i++ {
		src.append(msg(100+i, i, 2))
	}
	s := NewSyncer(src, 1, WithPageSize(2))
	v := s.Watch(1)

	require.NoError(t, s.Pull(context.Background()))
	assert.Equal(t, []int64{1, 2, 3, 4, 5}, seqs(v.Messages()))
}

func TestSyncerPullIgnoresServerPageCap(t *testing.T) {
	src := &fakeSource{pageCap: 100}
	for i := int64(1); i <= 250; i++ {
		src.append(msg(1000+i, i, 2))
	}
	s := NewSyncer(src, 1)
	v := s.Watch(1)

	require.NoError(t, s.Pull(context.Background()))
	assert.Equal(t, 250, v.Len())
	assert.Equal(t, int64(250), v.PullCursor())
}

func TestSyncerRecoversMissedPushByPolling(t *testing.T) {
	src := &fakeSource{}
	s := NewSyncer(src, 1, WithPollInterval(20*time.Millisecond))
	v := s.Watch(1)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	push := make(chan bus.Event)
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx, push) }()

	src.append(msg(1, 1, 2))
	src.append(msg(2, 2, 2))
	// Only the second message is pushed; the first is picked up by polling.
	push <- bus.Event{Type: bus.MessageCreated, ConversationID: 1, Message: msg(2, 2, 2)}

	assert.Eventually(t, func() bool { return v.Len() == 2 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, []int64{1, 2}, seqs(v.Messages()))

	cancel()
	assert.NoError(t, <-done)
}

func TestSyncerClosedPushTriggersPull(t *testing.T) {
	src := &fakeSource{}
	s := NewSyncer(src, 1, WithPollInterval(time.Hour))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	push := make(chan bus.Event)
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx, push) }()

	assert.Eventually(t, func() bool { return src.pullCount() == 1 }, time.Second, 5*time.Millisecond)
	close(push)
	assert.Eventually(t, func() bool { return src.pullCount() == 2 }, time.Second, 5*time.Millisecond)

	s.Reconnected()
	assert.Eventually(t, func() bool { return src.pullCount() == 3 }, time.Second, 5*time.Millisecond)

	cancel()
	assert.NoError(t, <-done)
}
