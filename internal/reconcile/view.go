// Package reconcile merges push events with periodic pulls on the client
// side. Pull results are authoritative; push only makes the view fresher
// between pulls.
package reconcile

import (
	"sort"
	"sync"

	"zchat/internal/domain"
)

// View is the client's copy of one conversation's message log.
type View struct {
	mu             sync.Mutex
	conversationID int64
	byID           map[int64]*domain.Message
	ordered        []*domain.Message
	pullCursor     int64
}

func NewView(conversationID int64) *View {
	return &View{
		conversationID: conversationID,
		byID:           make(map[int64]*domain.Message),
	}
}

func (v *View) ConversationID() int64 { return v.conversationID }

// PullCursor is the highest sequence received through pull. Push may skip
// messages, so only pulled sequences are safe to resume from.
func (v *View) PullCursor() int64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.pullCursor
}

// ApplyPull merges a page from the server and returns how many messages
// were new. Known messages are replaced so server-side fields win.
func (v *View) ApplyPull(msgs []*domain.Message) int {
	v.mu.Lock()
	defer v.mu.Unlock()

	added := 0
	for _, m := range msgs {
		if m.ConversationID != v.conversationID {
			continue
		}
		if v.upsert(m) {
			added++
		}
		if m.Seq > v.pullCursor {
			v.pullCursor = m.Seq
		}
	}
	return added
}

// ApplyPush merges a pushed message. It reports false for duplicates.
func (v *View) ApplyPush(m *domain.Message) bool {
	if m == nil || m.ConversationID != v.conversationID {
		return false
	}
	v.mu.Lock()
	defer v.mu.Unlock()

	if _, ok := v.byID[m.ID]; ok {
		return false
	}
	return v.upsert(m)
}

// ApplyReadState records that userID has read everything up to readSeq.
func (v *View) ApplyReadState(userID, readSeq int64) {
	v.mu.Lock()
	defer v.mu.Unlock()

	for _, m := range v.ordered {
		if m.Seq > readSeq {
			break
		}
		if m.SenderID == userID || containsID(m.ReadBy, userID) {
			continue
		}
		cp := *m
		cp.ReadBy = append(append([]int64(nil), m.ReadBy...), userID)
		v.byID[m.ID] = &cp
		v.replace(&cp)
	}
}

// Messages returns the log ordered by sequence.
func (v *View) Messages() []*domain.Message {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]*domain.Message(nil), v.ordered...)
}

func (v *View) Len() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.ordered)
}

func (v *View) upsert(m *domain.Message) bool {
	_, known := v.byID[m.ID]
	v.byID[m.ID] = m
	if known {
		v.replace(m)
		return false
	}
	i := sort.Search(len(v.ordered), func(i int) bool { return v.ordered[i].Seq >= m.Seq })
	v.ordered = append(v.ordered, nil)
	copy(v.ordered[i+1:], v.ordered[i:])
	v.ordered[i] = m
	return true
}

func (v *View) replace(m *domain.Message) {
	i := sort.Search(len(v.ordered), func(i int) bool { return v.ordered[i].Seq >= m.Seq })
	if i < len(v.ordered) && v.ordered[i].ID == m.ID {
		v.ordered[i] = m
	}
}

func containsID(ids []int64, id int64) bool {
	for _, x := range ids {
		if x == id {
			return true
		}
	}
	return false
}
