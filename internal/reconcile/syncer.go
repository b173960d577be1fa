package reconcile

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"zchat/internal/bus"
	"zchat/internal/domain"
)

// DefaultPollInterval matches the server's advertised interval.
const DefaultPollInterval = 5 * time.Second

const defaultPageSize = 200

// Source is the pull side of the API.
type Source interface {
	Conversations(ctx context.Context) ([]*domain.ConversationSummary, error)
	Messages(ctx context.Context, conversationID, since int64, limit int) ([]*domain.Message, error)
}

// Syncer keeps an Inbox and the watched Views current by polling and by
// folding in push events.
type Syncer struct {
	src      Source
	inbox    *Inbox
	interval time.Duration
	pageSize int
	log      *zap.Logger
	now      func() time.Time

	mu    sync.Mutex
	views map[int64]*View

	kick chan struct{}
}

type SyncerOption func(*Syncer)

func WithPollInterval(d time.Duration) SyncerOption {
	return func(s *Syncer) {
		if d > 0 {
			s.interval = d
		}
	}
}

func WithPageSize(n int) SyncerOption {
	return func(s *Syncer) {
		if n > 0 {
			s.pageSize = n
		}
	}
}

func WithSyncLogger(l *zap.Logger) SyncerOption {
	return func(s *Syncer) { s.log = l }
}

func NewSyncer(src Source, self int64, opts ...SyncerOption) *Syncer {
	s := &Syncer{
		src:      src,
		inbox:    NewInbox(self),
		interval: DefaultPollInterval,
		pageSize: defaultPageSize,
		log:      zap.NewNop(),
		now:      time.Now,
		views:    make(map[int64]*View),
		kick:     make(chan struct{}, 1),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Syncer) Inbox() *Inbox { return s.inbox }

func (s *Syncer) Interval() time.Duration { return s.interval }

// Watch starts pulling messages of a conversation and returns its view.
func (s *Syncer) Watch(conversationID int64) *View {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.views[conversationID]
	if !ok {
		v = NewView(conversationID)
		s.views[conversationID] = v
	}
	return v
}

func (s *Syncer) view(conversationID int64) *View {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.views[conversationID]
}

// Reconnected requests an immediate pull, e.g. after the push channel was
// re-established and may have missed events.
func (s *Syncer) Reconnected() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

// Pull fetches the conversation list and new messages of every watched view.
func (s *Syncer) Pull(ctx context.Context) error {
	started := s.now()
	list, err := s.src.Conversations(ctx)
	if err != nil {
		return fmt.Errorf("pull conversations: %w", err)
	}
	if !s.inbox.ApplySnapshot(started, list) {
		s.log.Debug("stale snapshot ignored", zap.Time("started", started))
	}

	s.mu.Lock()
	views := make([]*View, 0, len(s.views))
	for _, v := range s.views {
		views = append(views, v)
	}
	s.mu.Unlock()

	for _, v := range views {
		if err := s.pullView(ctx, v); err != nil {
			return err
		}
	}
	return nil
}

// pullView pages until the log is exhausted. The server may cap pages below
// pageSize, so only an empty page or a cursor that stops moving ends it.
func (s *Syncer) pullView(ctx context.Context, v *View) error {
	for {
		cursor := v.PullCursor()
		msgs, err := s.src.Messages(ctx, v.ConversationID(), cursor, s.pageSize)
		if err != nil {
			return fmt.Errorf("pull messages of %d: %w", v.ConversationID(), err)
		}
		v.ApplyPull(msgs)
		if len(msgs) == 0 || v.PullCursor() <= cursor {
			return nil
		}
	}
}

// Apply folds one push event into the inbox and the watched views.
func (s *Syncer) Apply(ev bus.Event) {
	s.inbox.ApplyEvent(ev)

	v := s.view(ev.ConversationID)
	if v == nil {
		return
	}
	switch ev.Type {
	case bus.MessageCreated:
		v.ApplyPush(ev.Message)
	case bus.ReadStateChanged:
		v.ApplyReadState(ev.ActorID, ev.ReadSeq)
	}
}

// Run pulls immediately and then every interval, applying push events as
// they arrive. A closed push channel falls back to polling alone after one
// immediate pull. Run returns when ctx is done.
func (s *Syncer) Run(ctx context.Context, push <-chan bus.Event) error {
	s.pullLogged(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.pullLogged(ctx)
		case <-s.kick:
			s.pullLogged(ctx)
		case ev, ok := <-push:
			if !ok {
				push = nil
				s.log.Info("push channel closed, polling only")
				s.pullLogged(ctx)
				continue
			}
			s.Apply(ev)
		}
	}
}

func (s *Syncer) pullLogged(ctx context.Context) {
	if err := s.Pull(ctx); err != nil && ctx.Err() == nil {
		s.log.Warn("pull failed", zap.Error(err))
	}
}
