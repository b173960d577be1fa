package service

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"

	"zchat/internal/bus"
	"zchat/internal/domain"
)

// MaxGroupNameRunes caps group names.
const MaxGroupNameRunes = 100

// derivedNameShown is how many member names a derived group name lists.
const derivedNameShown = 3

type ConversationService struct {
	users         domain.UserRepository
	conversations domain.ConversationRepository
	cipher        TextCipher
	pub           Publisher
	log           *zap.Logger

	channelName string
	reserved    []string
}

func NewConversationService(
	users domain.UserRepository,
	conversations domain.ConversationRepository,
	cipher TextCipher,
	pub Publisher,
	log *zap.Logger,
	channelName string,
	reservedNames []string,
) *ConversationService {
	if pub == nil {
		pub = nopPublisher{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	if channelName == "" {
		channelName = "Channel"
	}
	reserved := []string{channelName}
	for _, n := range reservedNames {
		if !strings.EqualFold(n, channelName) {
			reserved = append(reserved, n)
		}
	}
	return &ConversationService{
		users:         users,
		conversations: conversations,
		cipher:        cipher,
		pub:           pub,
		log:           log,
		channelName:   channelName,
		reserved:      reserved,
	}
}

// ChannelName is the name of the broadcast group every user joins.
func (s *ConversationService) ChannelName() string { return s.channelName }

// FindOrCreateDirect returns the direct conversation between requester and
// peer, creating it when absent. Concurrent calls for the same pair converge
// on one conversation.
func (s *ConversationService) FindOrCreateDirect(ctx context.Context, requesterID, peerID int64) (*domain.Conversation, bool, error) {
	if requesterID == peerID {
		return nil, false, domain.ErrSelfConversation
	}
	key := domain.DirectKey(requesterID, peerID)

	existing, err := retryRead(ctx, func() (*domain.Conversation, error) {
		return s.conversations.GetByKey(ctx, key)
	})
	if err != nil {
		return nil, false, err
	}
	if existing != nil {
		return existing, false, nil
	}

	peer, err := retryRead(ctx, func() (*domain.User, error) {
		return s.users.GetByID(ctx, peerID)
	})
	if err != nil {
		return nil, false, err
	}
	if peer == nil {
		return nil, false, domain.ErrUserNotFound
	}

	conv := &domain.Conversation{UniqueKey: &key}
	created, err := s.conversations.CreateUnique(ctx, conv, []int64{requesterID, peerID})
	if err != nil {
		return nil, false, err
	}
	if created {
		s.publishConversation(ctx, bus.ConversationCreated, conv, requesterID, conv.Participants)
	}
	return conv, created, nil
}

// CreateGroup creates a group of creator plus participantIDs. An empty name
// is derived from the members' display names.
func (s *ConversationService) CreateGroup(ctx context.Context, creatorID int64, participantIDs []int64, name string) (*domain.Conversation, error) {
	members := []int64{creatorID}
	seen := map[int64]struct{}{creatorID: {}}
	for _, id := range participantIDs {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		members = append(members, id)
	}
	if len(members) < 3 {
		return nil, domain.ErrInsufficientParticipants
	}

	users, err := retryRead(ctx, func() ([]*domain.User, error) {
		return s.users.ListByIDs(ctx, members)
	})
	if err != nil {
		return nil, err
	}
	if len(users) != len(members) {
		return nil, domain.ErrUserNotFound
	}

	name = strings.TrimSpace(name)
	if name == "" {
		name = derivedGroupName(creatorID, members, users)
	} else if err := s.checkName(name); err != nil {
		return nil, err
	}

	conv := &domain.Conversation{Name: &name, IsGroup: true}
	if err := s.conversations.Create(ctx, conv, members); err != nil {
		return nil, err
	}
	s.publishConversation(ctx, bus.ConversationCreated, conv, creatorID, conv.Participants)
	return conv, nil
}

// derivedGroupName lists up to three members other than the creator, in
// the order they were given, then " +N" for the rest.
func derivedGroupName(creatorID int64, members []int64, users []*domain.User) string {
	byID := make(map[int64]*domain.User, len(users))
	for _, u := range users {
		byID[u.ID] = u
	}
	var names []string
	for _, id := range members {
		if id == creatorID {
			continue
		}
		if u, ok := byID[id]; ok {
			names = append(names, u.DisplayName())
		}
	}

	shown := names
	if len(shown) > derivedNameShown {
		shown = shown[:derivedNameShown]
	}
	name := strings.Join(shown, ", ")
	if rest := len(names) - len(shown); rest > 0 {
		name += fmt.Sprintf(" +%d", rest)
	}
	return truncateRunes(name, MaxGroupNameRunes)
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}

func (s *ConversationService) checkName(name string) error {
	if name == "" || utf8.RuneCountInString(name) > MaxGroupNameRunes {
		return domain.ErrInvalidName
	}
	for _, r := range s.reserved {
		if strings.EqualFold(name, r) {
			return domain.ErrReservedName
		}
	}
	return nil
}

// Get returns a conversation the user participates in.
func (s *ConversationService) Get(ctx context.Context, conversationID, userID int64) (*domain.Conversation, error) {
	return requireParticipant(ctx, s.conversations, conversationID, userID)
}

func (s *ConversationService) requireGroup(ctx context.Context, conversationID, requesterID int64) (*domain.Conversation, error) {
	conv, err := requireParticipant(ctx, s.conversations, conversationID, requesterID)
	if err != nil {
		return nil, err
	}
	if !conv.IsGroup {
		return nil, domain.ErrNotAGroup
	}
	return conv, nil
}

func (s *ConversationService) isChannel(conv *domain.Conversation) bool {
	return conv.UniqueKey != nil && *conv.UniqueKey == domain.ChannelKey(s.channelName)
}

// Rename changes a group's name. Direct conversations cannot be renamed.
func (s *ConversationService) Rename(ctx context.Context, conversationID, requesterID int64, name string) (*domain.Conversation, error) {
	conv, err := s.requireGroup(ctx, conversationID, requesterID)
	if err != nil {
		return nil, err
	}
	if s.isChannel(conv) {
		return nil, domain.ErrReservedName
	}
	name = strings.TrimSpace(name)
	if err := s.checkName(name); err != nil {
		return nil, err
	}
	if err := s.conversations.Rename(ctx, conversationID, name); err != nil {
		return nil, err
	}
	conv.Name = &name
	s.publishConversation(ctx, bus.ConversationRenamed, conv, requesterID, conv.Participants)
	return conv, nil
}

// Delete removes a group together with its messages.
func (s *ConversationService) Delete(ctx context.Context, conversationID, requesterID int64) error {
	conv, err := s.requireGroup(ctx, conversationID, requesterID)
	if err != nil {
		return err
	}
	if s.isChannel(conv) {
		return domain.ErrReservedName
	}
	if err := s.conversations.Delete(ctx, conversationID); err != nil {
		return err
	}
	s.pub.Publish(ctx, bus.Event{
		Type:           bus.ConversationDeleted,
		ConversationID: conversationID,
		ActorID:        requesterID,
		Recipients:     conv.Participants,
	})
	return nil
}

// AddParticipant adds userID to a group. Adding an existing member is a no-op.
func (s *ConversationService) AddParticipant(ctx context.Context, conversationID, requesterID, userID int64) (*domain.Conversation, error) {
	conv, err := s.requireGroup(ctx, conversationID, requesterID)
	if err != nil {
		return nil, err
	}
	if conv.HasParticipant(userID) {
		return conv, nil
	}

	u, err := retryRead(ctx, func() (*domain.User, error) {
		return s.users.GetByID(ctx, userID)
	})
	if err != nil {
		return nil, err
	}
	if u == nil {
		return nil, domain.ErrUserNotFound
	}

	added, err := s.conversations.AddParticipants(ctx, conversationID, []int64{userID})
	if err != nil {
		return nil, err
	}
	updated, err := s.conversations.GetByID(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if updated == nil {
		return nil, domain.ErrConversationNotFound
	}
	s.announceMembers(ctx, updated, requesterID, added)
	return updated, nil
}

// announceMembers tells new members about the conversation and everyone
// else about its new membership.
func (s *ConversationService) announceMembers(ctx context.Context, conv *domain.Conversation, actorID int64, added []int64) {
	if len(added) == 0 {
		return
	}
	s.publishConversation(ctx, bus.ConversationCreated, conv, actorID, added)

	others := conv.Participants
	for _, id := range added {
		others = without(others, id)
	}
	if len(others) > 0 {
		s.publishConversation(ctx, bus.ConversationUpdated, conv, actorID, others)
	}
}

// JoinChannel adds userID to the broadcast channel, creating the channel on
// first use.
func (s *ConversationService) JoinChannel(ctx context.Context, userID int64) (*domain.Conversation, error) {
	return s.addToChannel(ctx, []int64{userID})
}

// SyncChannel adds every registered user to the broadcast channel and
// returns how many were new.
func (s *ConversationService) SyncChannel(ctx context.Context) (int, error) {
	ids, err := retryRead(ctx, func() ([]int64, error) {
		return s.users.ListIDs(ctx)
	})
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}
	before, err := s.channel(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	if before != nil {
		n = len(before.Participants)
	}
	conv, err := s.addToChannel(ctx, ids)
	if err != nil {
		return 0, err
	}
	s.log.Info("channel synced",
		zap.Int64("conversation_id", conv.ID),
		zap.Int("members", len(conv.Participants)))
	return len(conv.Participants) - n, nil
}

func (s *ConversationService) channel(ctx context.Context) (*domain.Conversation, error) {
	return retryRead(ctx, func() (*domain.Conversation, error) {
		return s.conversations.GetByKey(ctx, domain.ChannelKey(s.channelName))
	})
}

func (s *ConversationService) addToChannel(ctx context.Context, userIDs []int64) (*domain.Conversation, error) {
	key := domain.ChannelKey(s.channelName)
	name := s.channelName
	conv := &domain.Conversation{Name: &name, IsGroup: true, UniqueKey: &key}

	created, err := s.conversations.CreateUnique(ctx, conv, userIDs)
	if err != nil {
		return nil, fmt.Errorf("create channel: %w", err)
	}
	if created {
		s.log.Info("channel created", zap.Int64("conversation_id", conv.ID))
		s.publishConversation(ctx, bus.ConversationCreated, conv, 0, conv.Participants)
		return conv, nil
	}

	added, err := s.conversations.AddParticipants(ctx, conv.ID, userIDs)
	if err != nil {
		return nil, fmt.Errorf("join channel: %w", err)
	}
	if len(added) == 0 {
		return conv, nil
	}
	updated, err := s.conversations.GetByID(ctx, conv.ID)
	if err != nil {
		return nil, err
	}
	if updated == nil {
		return nil, domain.ErrConversationNotFound
	}
	s.announceMembers(ctx, updated, 0, added)
	return updated, nil
}

// Snapshot lists the user's conversations, most recently active first, with
// last-message previews and unread counts.
func (s *ConversationService) Snapshot(ctx context.Context, userID int64) ([]*domain.ConversationSummary, error) {
	list, err := retryRead(ctx, func() ([]*domain.ConversationSummary, error) {
		return s.conversations.ListForUser(ctx, userID)
	})
	if err != nil {
		return nil, err
	}
	for _, c := range list {
		if c.LastMessage == nil {
			continue
		}
		if c.LastMessage.Kind != domain.PayloadText {
			c.LastMessage.Text = domain.Payload{Kind: c.LastMessage.Kind}.Preview()
			continue
		}
		plain, err := s.cipher.Decrypt(c.LastMessage.Text)
		if err != nil {
			s.log.Warn("decrypt last message",
				zap.Int64("message_id", c.LastMessage.ID), zap.Error(err))
			continue
		}
		c.LastMessage.Text = plain
	}
	if list == nil {
		list = []*domain.ConversationSummary{}
	}
	return list, nil
}

// Typing forwards an ephemeral typing indicator to the other participants.
func (s *ConversationService) Typing(ctx context.Context, conversationID, userID int64) error {
	conv, err := requireParticipant(ctx, s.conversations, conversationID, userID)
	if err != nil {
		return err
	}
	others := without(conv.Participants, userID)
	if len(others) == 0 {
		return nil
	}
	s.pub.Publish(ctx, bus.Event{
		Type:           bus.Typing,
		ConversationID: conversationID,
		ActorID:        userID,
		Recipients:     others,
	})
	return nil
}

func (s *ConversationService) publishConversation(ctx context.Context, t bus.EventType, conv *domain.Conversation, actorID int64, to []int64) {
	c := *conv
	c.Participants = append([]int64(nil), conv.Participants...)
	s.pub.Publish(ctx, bus.Event{
		Type:           t,
		ConversationID: conv.ID,
		ActorID:        actorID,
		Recipients:     to,
		Conversation:   &c,
	})
}
