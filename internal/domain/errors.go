package domain

import (
	"context"
	"errors"
	"fmt"
)

// Error categories. Every error returned by the services wraps exactly one of
// these so that transports can map it to a status code with errors.Is.
var (
	ErrUnauthenticated = errors.New("unauthenticated")
	ErrUnauthorized    = errors.New("unauthorized access")
	ErrNotFound        = errors.New("resource not found")
	ErrInvalidInput    = errors.New("invalid input")
	ErrConflict        = errors.New("resource already exists")
	ErrTransient       = errors.New("temporary storage failure")
)

// Specific errors.
var (
	ErrConversationNotFound     = fmt.Errorf("%w: conversation not found", ErrNotFound)
	ErrUserNotFound             = fmt.Errorf("%w: user not found", ErrNotFound)
	ErrNotAParticipant          = fmt.Errorf("%w: not a participant in this conversation", ErrUnauthorized)
	ErrNotAGroup                = fmt.Errorf("%w: conversation is not a group", ErrInvalidInput)
	ErrInvalidName              = fmt.Errorf("%w: group name must be 1-100 characters", ErrInvalidInput)
	ErrReservedName             = fmt.Errorf("%w: group name is reserved", ErrInvalidInput)
	ErrInsufficientParticipants = fmt.Errorf("%w: a group needs at least 2 members besides the creator", ErrInvalidInput)
	ErrInvalidPayload           = fmt.Errorf("%w: message must carry exactly one of text, image, video or file", ErrInvalidInput)
	ErrSelfConversation         = fmt.Errorf("%w: cannot start a conversation with yourself", ErrInvalidInput)
	ErrEmailTaken               = fmt.Errorf("%w: email already registered", ErrConflict)
)

// Transient marks a storage or network failure as safe to retry for
// read-only operations. Context cancellation is passed through unchanged.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrTransient) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrTransient, err)
}
