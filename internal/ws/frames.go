package ws

import (
	"zchat/internal/domain"
)

// Client frame types.
const (
	frameMessage  = "message"
	frameMarkRead = "mark_read"
	frameTyping   = "typing"
)

// Server frame types other than bus events.
const (
	frameSnapshot = "snapshot"
	frameAck      = "ack"
	frameError    = "error"
)

// clientFrame is anything a client may send. RequestID is echoed in the
// matching ack or error frame.
type clientFrame struct {
	Type           string  `json:"type"`
	RequestID      string  `json:"request_id,omitempty"`
	ConversationID int64   `json:"conversation_id"`
	Text           string  `json:"text,omitempty"`
	Image          string  `json:"image,omitempty"`
	Video          string  `json:"video,omitempty"`
	File           string  `json:"file,omitempty"`
	ClientMsgID    *string `json:"client_msg_id,omitempty"`
}

// SnapshotFrame is the first frame of every connection. Clients replace
// their conversation list with it.
type SnapshotFrame struct {
	Type                string                        `json:"type"`
	ConnectionID        string                        `json:"connection_id"`
	PollIntervalSeconds int                           `json:"poll_interval_seconds"`
	Conversations       []*domain.ConversationSummary `json:"conversations"`
}

// AckFrame confirms a client frame.
type AckFrame struct {
	Type        string          `json:"type"`
	RequestID   string          `json:"request_id,omitempty"`
	Message     *domain.Message `json:"message,omitempty"`
	Created     *bool           `json:"created,omitempty"`
	UnreadCount *int            `json:"unread_count,omitempty"`
}

// ErrorFrame reports a rejected client frame.
type ErrorFrame struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id,omitempty"`
	Status    int    `json:"status"`
	Error     string `json:"error"`
}
