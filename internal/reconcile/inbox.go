package reconcile

import (
	"sort"
	"sync"
	"time"

	"zchat/internal/bus"
	"zchat/internal/domain"
)

// Inbox holds the conversation list of one user. Unread counts come from the
// newest pull snapshot; push events adjust them until the next snapshot.
type Inbox struct {
	mu         sync.Mutex
	self       int64
	convs      map[int64]*domain.ConversationSummary
	snapshotAt time.Time
}

func NewInbox(self int64) *Inbox {
	return &Inbox{
		self:  self,
		convs: make(map[int64]*domain.ConversationSummary),
	}
}

// ApplySnapshot replaces the list with a pull result. startedAt is when the
// request was issued; a response to an older request than the one already
// applied is ignored and false is returned.
func (in *Inbox) ApplySnapshot(startedAt time.Time, list []*domain.ConversationSummary) bool {
	in.mu.Lock()
	defer in.mu.Unlock()

	if startedAt.Before(in.snapshotAt) {
		return false
	}
	in.snapshotAt = startedAt
	in.convs = make(map[int64]*domain.ConversationSummary, len(list))
	for _, s := range list {
		cp := *s
		in.convs[s.ID] = &cp
	}
	return true
}

// ApplyEvent folds a push event into the list.
func (in *Inbox) ApplyEvent(ev bus.Event) {
	in.mu.Lock()
	defer in.mu.Unlock()

	switch ev.Type {
	case bus.MessageCreated:
		s, ok := in.convs[ev.ConversationID]
		if !ok || ev.Message == nil {
			return
		}
		m := ev.Message
		if m.Seq <= s.LastSeq {
			return
		}
		s.LastSeq = m.Seq
		s.LastMessageID = &m.ID
		s.UpdatedAt = m.CreatedAt
		s.LastMessage = &domain.MessageSummary{
			ID:        m.ID,
			Seq:       m.Seq,
			SenderID:  m.SenderID,
			Kind:      m.Payload.Kind,
			Text:      m.Payload.Preview(),
			CreatedAt: m.CreatedAt,
		}
		if m.SenderID != in.self && m.Seq > s.ReadSeq {
			s.UnreadCount++
		}

	case bus.ReadStateChanged:
		s, ok := in.convs[ev.ConversationID]
		if !ok || ev.ActorID != in.self {
			return
		}
		if ev.ReadSeq > s.ReadSeq {
			s.ReadSeq = ev.ReadSeq
		}
		// A read that predates messages already pushed leaves those unread.
		if ev.UnreadCount != nil && ev.ReadSeq >= s.LastSeq {
			s.UnreadCount = *ev.UnreadCount
		}

	case bus.ConversationCreated, bus.ConversationUpdated, bus.ConversationRenamed:
		if ev.Conversation == nil {
			return
		}
		if s, ok := in.convs[ev.ConversationID]; ok {
			s.Name = ev.Conversation.Name
			s.Participants = append([]int64(nil), ev.Conversation.Participants...)
			return
		}
		in.convs[ev.ConversationID] = &domain.ConversationSummary{Conversation: *ev.Conversation}

	case bus.ConversationDeleted:
		delete(in.convs, ev.ConversationID)
	}
}

func (in *Inbox) Get(conversationID int64) (domain.ConversationSummary, bool) {
	in.mu.Lock()
	defer in.mu.Unlock()
	s, ok := in.convs[conversationID]
	if !ok {
		return domain.ConversationSummary{}, false
	}
	return *s, true
}

func (in *Inbox) Unread(conversationID int64) int {
	s, _ := in.Get(conversationID)
	return s.UnreadCount
}

func (in *Inbox) TotalUnread() int {
	in.mu.Lock()
	defer in.mu.Unlock()
	n := 0
	for _, s := range in.convs {
		n += s.UnreadCount
	}
	return n
}

// Conversations lists by last activity, newest first.
func (in *Inbox) Conversations() []domain.ConversationSummary {
	in.mu.Lock()
	out := make([]domain.ConversationSummary, 0, len(in.convs))
	for _, s := range in.convs {
		out = append(out, *s)
	}
	in.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		}
		return out[i].ID > out[j].ID
	})
	return out
}
