package bus

import (
	"time"

	"zchat/internal/domain"
)

type EventType string

const (
	MessageCreated      EventType = "message_created"
	ConversationCreated EventType = "conversation_created"
	ConversationUpdated EventType = "conversation_updated"
	ConversationRenamed EventType = "conversation_renamed"
	ConversationDeleted EventType = "conversation_deleted"
	ReadStateChanged    EventType = "read_state_changed"
	Typing              EventType = "typing"
)

// Event is a push notification about a state change. Recipients are user
// ids; ActorID is the user who caused the change. Push is advisory: clients
// treat the pull snapshot as authoritative.
type Event struct {
	Type           EventType            `json:"type"`
	ConversationID int64                `json:"conversation_id"`
	ActorID        int64                `json:"actor_id"`
	Recipients     []int64              `json:"recipients,omitempty"`
	Message        *domain.Message      `json:"message,omitempty"`
	Conversation   *domain.Conversation `json:"conversation,omitempty"`
	ReadSeq        int64                `json:"read_seq,omitempty"`
	UnreadCount    *int                 `json:"unread_count,omitempty"`
	OccurredAt     time.Time            `json:"occurred_at"`
	// Origin identifies the publishing instance when events are relayed.
	Origin string `json:"origin,omitempty"`
}

// ForClient strips routing fields before the event is written to a client.
func (e Event) ForClient() Event {
	e.Recipients = nil
	e.Origin = ""
	return e
}
