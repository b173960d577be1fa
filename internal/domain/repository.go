package domain

import (
	"context"
)

// UserRepository defines persistence operations for users.
// Get methods return (nil, nil) when the user does not exist.
type UserRepository interface {
	Create(ctx context.Context, u *User) error
	GetByID(ctx context.Context, id int64) (*User, error)
	GetByEmail(ctx context.Context, email string) (*User, error)
	ListByIDs(ctx context.Context, ids []int64) ([]*User, error)
	List(ctx context.Context, offset, limit int) ([]*User, error)
	ListIDs(ctx context.Context) ([]int64, error)
	TouchLastSeen(ctx context.Context, id int64) error
}

// ConversationRepository defines persistence operations for conversations
// and their membership. Get methods return (nil, nil) when absent.
type ConversationRepository interface {
	// Create inserts a conversation without a unique key.
	Create(ctx context.Context, c *Conversation, participantIDs []int64) error
	// CreateUnique inserts c unless a conversation with the same UniqueKey
	// exists, in which case c is filled from the existing row and created is
	// false. It never fails because of a concurrent insert of the same key.
	CreateUnique(ctx context.Context, c *Conversation, participantIDs []int64) (created bool, err error)
	GetByID(ctx context.Context, id int64) (*Conversation, error)
	GetByKey(ctx context.Context, key string) (*Conversation, error)
	IsParticipant(ctx context.Context, conversationID, userID int64) (bool, error)
	ListParticipantIDs(ctx context.Context, conversationID int64) ([]int64, error)
	// AddParticipants adds members and returns the ones that were new.
	AddParticipants(ctx context.Context, conversationID int64, userIDs []int64) ([]int64, error)
	Rename(ctx context.Context, conversationID int64, name string) error
	// Delete removes the conversation together with its messages and memberships.
	Delete(ctx context.Context, conversationID int64) error
	ListForUser(ctx context.Context, userID int64) ([]*ConversationSummary, error)
}

// MessageRepository defines persistence operations for the message log.
type MessageRepository interface {
	// Append assigns ID, Seq and CreatedAt and moves the conversation's last
	// message pointer in the same transaction. If m.ClientMsgID matches an
	// existing message of the same sender in the conversation, m is filled
	// from it and created is false.
	Append(ctx context.Context, m *Message) (created bool, err error)
	ListSince(ctx context.Context, conversationID, afterSeq int64, limit int) ([]*Message, error)
	GetByID(ctx context.Context, id int64) (*Message, error)
}

// ReadStateRepository stores per-user read cursors.
type ReadStateRepository interface {
	// AdvanceCursor moves the user's cursor to the conversation's latest
	// sequence. It never moves backwards; the resulting value is returned
	// together with whether it changed.
	AdvanceCursor(ctx context.Context, conversationID, userID int64) (readSeq int64, moved bool, err error)
	GetCursor(ctx context.Context, conversationID, userID int64) (int64, error)
	ListCursors(ctx context.Context, conversationID int64) (map[int64]int64, error)
	UnreadCount(ctx context.Context, conversationID, userID int64) (int, error)
}
