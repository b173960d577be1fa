package service

import (
	"context"
	"errors"
	"time"

	"zchat/internal/bus"
	"zchat/internal/domain"
)

// Publisher delivers push events. *bus.Bus satisfies it.
type Publisher interface {
	Publish(ctx context.Context, ev bus.Event)
}

// TextCipher encrypts message text at rest. *security.TextCipher satisfies it.
type TextCipher interface {
	Encrypt(plain string) (string, error)
	Decrypt(enc string) (string, error)
}

type nopPublisher struct{}

func (nopPublisher) Publish(context.Context, bus.Event) {}

const (
	readAttempts = 3
	readBackoff  = 50 * time.Millisecond
)

// retryRead runs a read-only store call, retrying transient failures with a
// doubling backoff. Writes must not go through here.
func retryRead[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	var (
		res   T
		err   error
		delay = readBackoff
	)
	for attempt := 1; ; attempt++ {
		res, err = fn()
		if err == nil || !errors.Is(err, domain.ErrTransient) || attempt == readAttempts {
			return res, err
		}
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return res, ctx.Err()
		case <-t.C:
		}
		delay *= 2
	}
}

// requireParticipant loads a conversation and checks membership.
func requireParticipant(ctx context.Context, convs domain.ConversationRepository, conversationID, userID int64) (*domain.Conversation, error) {
	conv, err := retryRead(ctx, func() (*domain.Conversation, error) {
		return convs.GetByID(ctx, conversationID)
	})
	if err != nil {
		return nil, err
	}
	if conv == nil {
		return nil, domain.ErrConversationNotFound
	}
	if !conv.HasParticipant(userID) {
		return nil, domain.ErrNotAParticipant
	}
	return conv, nil
}

func without(ids []int64, drop int64) []int64 {
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if id != drop {
			out = append(out, id)
		}
	}
	return out
}
