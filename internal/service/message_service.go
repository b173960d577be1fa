package service

import (
	"context"
	"fmt"
	"sort"
	"unicode/utf8"

	"go.uber.org/zap"

	"zchat/internal/bus"
	"zchat/internal/domain"
)

// DefaultMaxMessagesPerPage caps ListMessages when no limit is configured.
const DefaultMaxMessagesPerPage = 1000

// MessageService owns the conversation log: appends, paging and the
// read-by projection.
type MessageService struct {
	conversations domain.ConversationRepository
	messages      domain.MessageRepository
	reads         domain.ReadStateRepository
	cipher        TextCipher
	pub           Publisher
	log           *zap.Logger

	MaxMessagesPerPage int
}

func NewMessageService(
	conversations domain.ConversationRepository,
	messages domain.MessageRepository,
	reads domain.ReadStateRepository,
	cipher TextCipher,
	pub Publisher,
	log *zap.Logger,
	maxPerPage int,
) *MessageService {
	if pub == nil {
		pub = nopPublisher{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	if maxPerPage <= 0 {
		maxPerPage = DefaultMaxMessagesPerPage
	}
	return &MessageService{
		conversations:      conversations,
		messages:           messages,
		reads:              reads,
		cipher:             cipher,
		pub:                pub,
		log:                log,
		MaxMessagesPerPage: maxPerPage,
	}
}

type SendMessageInput struct {
	ConversationID int64
	Payload        domain.Payload
	// ClientMsgID makes retries idempotent per (conversation, sender).
	ClientMsgID *string
}

// maxClientMsgIDLen matches the VARCHAR(64) column, which counts characters.
const maxClientMsgIDLen = 64

// SendMessage appends a message and notifies the conversation's participants.
// A retry carrying an already stored ClientMsgID returns the stored message
// with created=false and publishes nothing.
func (s *MessageService) SendMessage(ctx context.Context, in SendMessageInput, senderID int64) (*domain.Message, bool, error) {
	if err := in.Payload.Validate(); err != nil {
		return nil, false, err
	}
	if in.ClientMsgID != nil && (*in.ClientMsgID == "" || utf8.RuneCountInString(*in.ClientMsgID) > maxClientMsgIDLen) {
		return nil, false, fmt.Errorf("%w: client_msg_id must be 1-64 characters", domain.ErrInvalidInput)
	}

	conv, err := requireParticipant(ctx, s.conversations, in.ConversationID, senderID)
	if err != nil {
		return nil, false, err
	}

	stored := in.Payload
	if stored.Kind == domain.PayloadText {
		enc, err := s.cipher.Encrypt(stored.Text)
		if err != nil {
			return nil, false, fmt.Errorf("encrypt text: %w", err)
		}
		stored.Text = enc
	}

	msg := &domain.Message{
		ConversationID: in.ConversationID,
		SenderID:       senderID,
		Payload:        stored,
		ClientMsgID:    in.ClientMsgID,
	}
	created, err := s.messages.Append(ctx, msg)
	if err != nil {
		return nil, false, err
	}
	msg.Payload = s.decryptPayload(msg.ID, msg.Payload)
	msg.ReadBy = []int64{}

	if !created {
		s.log.Debug("duplicate client message id",
			zap.Int64("conversation_id", msg.ConversationID),
			zap.Int64("message_id", msg.ID))
		return msg, false, nil
	}

	pushed := *msg
	s.pub.Publish(ctx, bus.Event{
		Type:           bus.MessageCreated,
		ConversationID: msg.ConversationID,
		ActorID:        senderID,
		Recipients:     conv.Participants,
		Message:        &pushed,
	})
	return msg, true, nil
}

// ListMessages returns up to limit messages with Seq > since in ascending
// order, decrypted and with ReadBy filled in.
func (s *MessageService) ListMessages(ctx context.Context, conversationID, userID, since int64, limit int) ([]*domain.Message, error) {
	if since < 0 {
		return nil, fmt.Errorf("%w: since must not be negative", domain.ErrInvalidInput)
	}
	conv, err := requireParticipant(ctx, s.conversations, conversationID, userID)
	if err != nil {
		return nil, err
	}

	if limit <= 0 || limit > s.MaxMessagesPerPage {
		limit = s.MaxMessagesPerPage
	}

	msgs, err := retryRead(ctx, func() ([]*domain.Message, error) {
		return s.messages.ListSince(ctx, conversationID, since, limit)
	})
	if err != nil {
		return nil, err
	}
	if len(msgs) == 0 {
		return []*domain.Message{}, nil
	}

	cursors, err := retryRead(ctx, func() (map[int64]int64, error) {
		return s.reads.ListCursors(ctx, conversationID)
	})
	if err != nil {
		return nil, err
	}

	for _, m := range msgs {
		m.Payload = s.decryptPayload(m.ID, m.Payload)
		m.ReadBy = readBy(m, conv.Participants, cursors)
	}
	return msgs, nil
}

// readBy lists the participants other than the sender whose cursor has
// reached m.
func readBy(m *domain.Message, participants []int64, cursors map[int64]int64) []int64 {
	out := []int64{}
	for _, p := range participants {
		if p == m.SenderID {
			continue
		}
		if cursors[p] >= m.Seq {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (s *MessageService) decryptPayload(messageID int64, p domain.Payload) domain.Payload {
	if p.Kind != domain.PayloadText {
		return p
	}
	plain, err := s.cipher.Decrypt(p.Text)
	if err != nil {
		// Rows written before encryption was enabled are returned as stored.
		s.log.Warn("decrypt message text", zap.Int64("message_id", messageID), zap.Error(err))
		return p
	}
	p.Text = plain
	return p
}
