package service

import (
	"context"

	"go.uber.org/zap"

	"zchat/internal/bus"
	"zchat/internal/domain"
)

// ReadStateService tracks how far each participant has read.
type ReadStateService struct {
	conversations domain.ConversationRepository
	reads         domain.ReadStateRepository
	pub           Publisher
	log           *zap.Logger
}

func NewReadStateService(
	conversations domain.ConversationRepository,
	reads domain.ReadStateRepository,
	pub Publisher,
	log *zap.Logger,
) *ReadStateService {
	if pub == nil {
		pub = nopPublisher{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &ReadStateService{conversations: conversations, reads: reads, pub: pub, log: log}
}

// MarkRead moves the user's cursor to the latest message and returns the
// resulting unread count, which is always 0. Participants are notified only
// when the cursor actually moved.
func (s *ReadStateService) MarkRead(ctx context.Context, conversationID, userID int64) (int, error) {
	conv, err := requireParticipant(ctx, s.conversations, conversationID, userID)
	if err != nil {
		return 0, err
	}

	readSeq, moved, err := s.reads.AdvanceCursor(ctx, conversationID, userID)
	if err != nil {
		return 0, err
	}
	if !moved {
		return 0, nil
	}

	zero := 0
	s.pub.Publish(ctx, bus.Event{
		Type:           bus.ReadStateChanged,
		ConversationID: conversationID,
		ActorID:        userID,
		Recipients:     conv.Participants,
		ReadSeq:        readSeq,
		UnreadCount:    &zero,
	})
	return 0, nil
}

// UnreadCount counts messages from others after the user's cursor.
func (s *ReadStateService) UnreadCount(ctx context.Context, conversationID, userID int64) (int, error) {
	if _, err := requireParticipant(ctx, s.conversations, conversationID, userID); err != nil {
		return 0, err
	}
	return retryRead(ctx, func() (int, error) {
		return s.reads.UnreadCount(ctx, conversationID, userID)
	})
}
