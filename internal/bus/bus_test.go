package bus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"zchat/internal/domain"
)

func recv(t *testing.T, s *Subscription) Event {
	t.Helper()
	select {
	case ev, ok := <-s.Events():
		require.True(t, ok, "subscription closed")
		return ev
	case <-time.After(time.Second):
		t.Fatal("no event received")
		return Event{}
	}
}

func assertNoEvent(t *testing.T, s *Subscription) {
	t.Helper()
	select {
	case ev, ok := <-s.Events():
		if ok {
			t.Fatalf("unexpected event %q", ev.Type)
		}
	default:
	}
}

func TestPublishReachesEveryConnectionOfRecipients(t *testing.T) {
	b := New()
	a1 := b.Subscribe(1)
	a2 := b.Subscribe(1)
	other := b.Subscribe(3)

	b.Publish(context.Background(), Event{
		Type:           MessageCreated,
		ConversationID: 7,
		ActorID:        2,
		Recipients:     []int64{1, 2},
		Message:        &domain.Message{ID: 10, Seq: 1},
	})

	for _, s := range []*Subscription{a1, a2} {
		ev := recv(t, s)
		assert.Equal(t, MessageCreated, ev.Type)
		assert.Equal(t, int64(7), ev.ConversationID)
		assert.Equal(t, b.Instance(), ev.Origin)
		assert.False(t, ev.OccurredAt.IsZero())
	}
	assertNoEvent(t, other)
	assert.Equal(t, 2, b.Connected(1))
}

func TestFullBufferDropsInsteadOfBlocking(t *testing.T) {
	b := New(WithBuffer(2))
	s := b.Subscribe(1)

	for i := 0; i < 5; i++ {
		b.Publish(context.Background(), Event{Type: Typing, Recipients: []int64{1}})
	}

	assert.Equal(t, uint64(3), b.Dropped())
	recv(t, s)
	recv(t, s)
	assertNoEvent(t, s)
}

func TestClosedSubscriptionReceivesNothing(t *testing.T) {
	b := New()
	s := b.Subscribe(1)
	s.Close()
	s.Close()

	b.Publish(context.Background(), Event{Type: Typing, Recipients: []int64{1}})

	_, ok := <-s.Events()
	assert.False(t, ok)
	assert.Equal(t, 0, b.Connected(1))
}

func TestConcurrentPublishAndClose(t *testing.T) {
	b := New(WithBuffer(1))
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		s := b.Subscribe(1)
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				b.Publish(context.Background(), Event{Type: Typing, Recipients: []int64{1}})
			}
		}()
		go func() {
			defer wg.Done()
			s.Close()
		}()
	}
	wg.Wait()
	assert.Equal(t, 0, b.Connected(1))
}

// memNetwork connects buses in the same process.
type memNetwork struct {
	mu    sync.Mutex
	sinks []chan Event
}

type memRelay struct {
	net *memNetwork
	ch  chan Event
}

func (n *memNetwork) attach() *memRelay {
	r := &memRelay{net: n, ch: make(chan Event, 16)}
	n.mu.Lock()
	n.sinks = append(n.sinks, r.ch)
	n.mu.Unlock()
	return r
}

func (r *memRelay) Publish(_ context.Context, ev Event) error {
	r.net.mu.Lock()
	defer r.net.mu.Unlock()
	for _, s := range r.net.sinks {
		s <- ev
	}
	return nil
}

func (r *memRelay) Run(ctx context.Context, deliver func(Event)) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-r.ch:
			deliver(ev)
		}
	}
}

func (r *memRelay) Close() error { return nil }

func TestRelayDeliversAcrossInstancesWithoutEcho(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	net := &memNetwork{}
	b1 := New(WithRelay(net.attach()))
	b2 := New(WithRelay(net.attach()))

	errs := make(chan error, 2)
	go func() { errs <- b1.Run(ctx) }()
	go func() { errs <- b2.Run(ctx) }()

	local := b1.Subscribe(1)
	remote := b2.Subscribe(1)

	b1.Publish(ctx, Event{Type: ConversationRenamed, ConversationID: 4, Recipients: []int64{1}})

	assert.Equal(t, ConversationRenamed, recv(t, local).Type)
	ev := recv(t, remote)
	assert.Equal(t, int64(4), ev.ConversationID)
	assert.Equal(t, b1.Instance(), ev.Origin)

	// b1 ignores its own relayed copy.
	time.Sleep(50 * time.Millisecond)
	assertNoEvent(t, local)

	cancel()
	assert.NoError(t, <-errs)
	assert.NoError(t, <-errs)
}

// stalledRelay never completes a publish before its context ends.
type stalledRelay struct {
	errs chan error
}

func (r *stalledRelay) Publish(ctx context.Context, _ Event) error {
	<-ctx.Done()
	r.errs <- ctx.Err()
	return ctx.Err()
}

func (r *stalledRelay) Run(ctx context.Context, _ func(Event)) error {
	<-ctx.Done()
	return nil
}

func (r *stalledRelay) Close() error { return nil }

func TestStalledRelayDoesNotHoldPublish(t *testing.T) {
	relay := &stalledRelay{errs: make(chan error, 1)}
	b := New(WithRelay(relay), WithRelayTimeout(50*time.Millisecond))
	sub := b.Subscribe(1)

	done := make(chan struct{})
	go func() {
		b.Publish(context.Background(), Event{Type: Typing, ConversationID: 3, Recipients: []int64{1}})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on the relay")
	}
	assert.ErrorIs(t, <-relay.errs, context.DeadlineExceeded)
	assert.Equal(t, Typing, recv(t, sub).Type)
}

func TestRelayOutlivesCancelledRequest(t *testing.T) {
	relay := &stalledRelay{errs: make(chan error, 1)}
	b := New(WithRelay(relay), WithRelayTimeout(50*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	b.Publish(ctx, Event{Type: Typing, ConversationID: 3, Recipients: []int64{1}})

	// The relay still gets its own deadline rather than the caller's cancellation.
	assert.ErrorIs(t, <-relay.errs, context.DeadlineExceeded)
}

func TestForClientStripsRouting(t *testing.T) {
	ev := Event{Type: Typing, Recipients: []int64{1, 2}, Origin: "x"}.ForClient()
	assert.Nil(t, ev.Recipients)
	assert.Empty(t, ev.Origin)
}
