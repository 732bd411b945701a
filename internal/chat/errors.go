package chat

import (
	"context"
	"errors"
	"fmt"

	"project-collab-chat/internal/fanout"
	"project-collab-chat/internal/storage"
)

var (
	ErrNotFound         = errors.New("not found")
	ErrSelfJoinDenied   = errors.New("owner cannot join own project")
	ErrEmptyBody        = errors.New("message body is empty")
	ErrEmptyTitle       = errors.New("project title is empty")
	ErrUnauthenticated  = errors.New("user is not signed in")
	ErrTransientIO      = errors.New("storage is temporarily unavailable")
	ErrSubscriptionLost = fanout.ErrSubscriptionLost
)

// OpError names the action that failed.
type OpError struct {
	Op  string
	Err error
}

func (e *OpError) Error() string { return e.Op + ": " + e.Err.Error() }

func (e *OpError) Unwrap() error { return e.Err }

// IsTransient reports whether err may succeed on retry.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransientIO)
}

// wrap attaches op to err and folds storage errors into the kinds callers act on
func wrap(op string, err error) error {
	if err == nil {
		return nil
	}

	var kind error
	switch {
	case errors.Is(err, ErrNotFound),
		errors.Is(err, ErrSelfJoinDenied),
		errors.Is(err, ErrEmptyBody),
		errors.Is(err, ErrEmptyTitle),
		errors.Is(err, ErrUnauthenticated),
		errors.Is(err, ErrTransientIO):
		return &OpError{Op: op, Err: err}
	case errors.Is(err, storage.ErrProjectNotExist), errors.Is(err, storage.ErrUserNotExist):
		kind = ErrNotFound
	case errors.Is(err, storage.ErrSelfInterest):
		kind = ErrSelfJoinDenied
	case errors.Is(err, storage.ErrEmptyContent):
		kind = ErrEmptyBody
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return &OpError{Op: op, Err: err}
	default:
		kind = ErrTransientIO
	}

	return &OpError{Op: op, Err: fmt.Errorf("%w: %v", kind, err)}
}
