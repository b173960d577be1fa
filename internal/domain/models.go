package domain

import (
	"fmt"
	"strings"
	"time"
)

// User represents an application user.
type User struct {
	ID             int64     `db:"id" json:"id"`
	Email          string    `db:"email" json:"email"`
	FirstName      string    `db:"first_name" json:"first_name"`
	LastName       string    `db:"last_name" json:"last_name"`
	HashedPassword string    `db:"hashed_password" json:"-"`
	CreatedAt      time.Time `db:"created_at" json:"created_at"`
	LastSeen       time.Time `db:"last_seen" json:"last_seen"`
}

// DisplayName is the name shown to other users.
func (u *User) DisplayName() string {
	name := strings.TrimSpace(u.FirstName + " " + u.LastName)
	if name != "" {
		return name
	}
	if at := strings.IndexByte(u.Email, '@'); at > 0 {
		return u.Email[:at]
	}
	return u.Email
}

// Conversation is a direct (two-party) or group chat.
//
// UniqueKey serializes creation of conversations that must exist at most
// once: direct conversations per unordered user pair and the broadcast
// channel. It is nil for ordinary groups.
type Conversation struct {
	ID            int64     `db:"id" json:"id"`
	Name          *string   `db:"name" json:"name,omitempty"`
	IsGroup       bool      `db:"is_group" json:"is_group"`
	UniqueKey     *string   `db:"unique_key" json:"-"`
	LastSeq       int64     `db:"last_seq" json:"last_seq"`
	LastMessageID *int64    `db:"last_message_id" json:"last_message_id,omitempty"`
	Participants  []int64   `json:"participants"`
	CreatedAt     time.Time `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time `db:"updated_at" json:"updated_at"`
}

// HasParticipant reports whether userID is a member.
func (c *Conversation) HasParticipant(userID int64) bool {
	for _, id := range c.Participants {
		if id == userID {
			return true
		}
	}
	return false
}

// Message is a single entry of a conversation log. Seq is the position in
// the conversation's total order; ReadBy is derived from read cursors.
type Message struct {
	ID             int64     `db:"id" json:"id"`
	ConversationID int64     `db:"conversation_id" json:"conversation_id"`
	Seq            int64     `db:"seq" json:"seq"`
	SenderID       int64     `db:"sender_id" json:"sender_id"`
	Payload        Payload   `json:"payload"`
	ClientMsgID    *string   `db:"client_msg_id" json:"client_msg_id,omitempty"`
	CreatedAt      time.Time `db:"created_at" json:"created_at"`
	ReadBy         []int64   `json:"read_by"`
}

// MessageSummary is the last-message preview shown in conversation lists.
type MessageSummary struct {
	ID        int64       `json:"id"`
	Seq       int64       `json:"seq"`
	SenderID  int64       `json:"sender_id"`
	Kind      PayloadKind `json:"kind"`
	Text      string      `json:"text"`
	CreatedAt time.Time   `json:"created_at"`
}

// ConversationSummary is one row of a user's conversation list.
type ConversationSummary struct {
	Conversation
	LastMessage *MessageSummary `json:"last_message"`
	UnreadCount int             `json:"unread_count"`
	ReadSeq     int64           `json:"read_seq"`
}

// DirectKey is the unique key of the direct conversation between a and b.
func DirectKey(a, b int64) string {
	if a > b {
		a, b = b, a
	}
	return fmt.Sprintf("direct:%d:%d", a, b)
}

// ChannelKey is the unique key of the broadcast channel with the given name.
func ChannelKey(name string) string {
	return "channel:" + strings.ToLower(name)
}
