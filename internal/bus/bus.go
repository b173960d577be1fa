// Package bus fans out events to live subscriptions. Delivery is
// at-most-once and best-effort: a subscriber whose buffer is full misses the
// event and catches up through the next pull.
package bus

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const DefaultBuffer = 64

// DefaultRelayTimeout bounds how long Publish waits on the relay.
const DefaultRelayTimeout = 2 * time.Second

// Relay carries events between server instances.
type Relay interface {
	Publish(ctx context.Context, ev Event) error
	// Run delivers events published by any instance until ctx is done.
	Run(ctx context.Context, deliver func(Event)) error
	Close() error
}

type Bus struct {
	mu   sync.RWMutex
	subs map[int64]map[string]*Subscription

	buffer       int
	instance     string
	relay        Relay
	relayTimeout time.Duration
	log          *zap.Logger

	dropped atomic.Uint64
}

type Option func(*Bus)

func WithBuffer(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.buffer = n
		}
	}
}

func WithRelay(r Relay) Option {
	return func(b *Bus) { b.relay = r }
}

func WithRelayTimeout(d time.Duration) Option {
	return func(b *Bus) {
		if d > 0 {
			b.relayTimeout = d
		}
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(b *Bus) { b.log = l }
}

func New(opts ...Option) *Bus {
	b := &Bus{
		subs:     make(map[int64]map[string]*Subscription),
		buffer:       DefaultBuffer,
		instance:     uuid.NewString(),
		relayTimeout: DefaultRelayTimeout,
		log:          zap.NewNop(),
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Instance is the id stamped on events published here.
func (b *Bus) Instance() string { return b.instance }

// Dropped counts events discarded because a subscriber's buffer was full.
func (b *Bus) Dropped() uint64 { return b.dropped.Load() }

// Publish delivers ev to local subscribers of its recipients and hands it to
// the relay. It never blocks on a slow subscriber, and waits on the relay for
// at most the relay timeout whether or not ctx is cancelled.
func (b *Bus) Publish(ctx context.Context, ev Event) {
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now().UTC()
	}
	ev.Origin = b.instance
	b.deliver(ev)

	if b.relay != nil {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), b.relayTimeout)
		defer cancel()
		if err := b.relay.Publish(rctx, ev); err != nil {
			b.log.Warn("relay publish failed",
				zap.String("type", string(ev.Type)),
				zap.Int64("conversation_id", ev.ConversationID),
				zap.Error(err),
			)
		}
	}
}

func (b *Bus) deliver(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, uid := range ev.Recipients {
		for _, s := range b.subs[uid] {
			select {
			case s.ch <- ev:
			default:
				b.dropped.Add(1)
				b.log.Debug("subscriber buffer full, event dropped",
					zap.String("subscription", s.id),
					zap.Int64("user_id", uid),
					zap.String("type", string(ev.Type)),
				)
			}
		}
	}
}

// Run forwards relayed events from other instances to local subscribers
// until ctx is done. Without a relay it just waits.
func (b *Bus) Run(ctx context.Context) error {
	if b.relay == nil {
		<-ctx.Done()
		return nil
	}
	err := b.relay.Run(ctx, func(ev Event) {
		if ev.Origin == b.instance {
			return
		}
		b.deliver(ev)
	})
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// Subscribe opens a subscription for one connection of userID.
func (b *Bus) Subscribe(userID int64) *Subscription {
	s := &Subscription{
		id:     uuid.NewString(),
		userID: userID,
		ch:     make(chan Event, b.buffer),
		bus:    b,
	}

	b.mu.Lock()
	if b.subs[userID] == nil {
		b.subs[userID] = make(map[string]*Subscription)
	}
	b.subs[userID][s.id] = s
	b.mu.Unlock()
	return s
}

// Connected reports how many subscriptions userID currently holds.
func (b *Bus) Connected(userID int64) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[userID])
}

// Close ends every subscription and closes the relay.
func (b *Bus) Close() error {
	b.mu.Lock()
	for uid, set := range b.subs {
		for _, s := range set {
			s.once.Do(func() { close(s.ch) })
		}
		delete(b.subs, uid)
	}
	b.mu.Unlock()

	if b.relay != nil {
		return b.relay.Close()
	}
	return nil
}

func (b *Bus) remove(s *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if set, ok := b.subs[s.userID]; ok {
		delete(set, s.id)
		if len(set) == 0 {
			delete(b.subs, s.userID)
		}
	}
	s.once.Do(func() { close(s.ch) })
}

// Subscription is scoped to one client connection.
type Subscription struct {
	id     string
	userID int64
	ch     chan Event
	bus    *Bus
	once   sync.Once
}

func (s *Subscription) ID() string { return s.id }
func (s *Subscription) UserID() int64 { return s.userID }

// Events is closed when the subscription ends.
func (s *Subscription) Events() <-chan Event { return s.ch }

// Close is idempotent; nothing is delivered after it returns.
func (s *Subscription) Close() { s.bus.remove(s) }
