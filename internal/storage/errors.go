package storage

import (
	"errors"
	"fmt"
)

var (
	ErrQueueDoesNotExist   = errors.New("queue does not exist")
	ErrMessageDoesNotExist = errors.New("message does not exist")
	ErrClaimDoesNotExist   = errors.New("claim does not exist")
	ErrMessageConflict     = errors.New("message conflict")
	ErrMessageIsClaimed    = errors.New("message is claimed")
	ErrNotPermitted        = errors.New("claim does not own message")
	ErrQueueIsEmpty        = errors.New("queue is empty")
	ErrNoPoolFound         = errors.New("no pool found")
	ErrConnection          = errors.New("storage connection error")
	ErrPatternNotFound     = errors.New("conflict marker not found in storage error")
	ErrPoolDoesNotExist    = errors.New("pool does not exist")
	ErrQueueNotMapped      = errors.New("queue not mapped to a pool")
)

// MessageConflictError is returned by Post when the retry budget runs out.
// SucceededIDs lists the messages that were stored before giving up.
type MessageConflictError struct {
	Queue        string
	Project      string
	SucceededIDs []string
}

func (e *MessageConflictError) Error() string {
	return fmt.Sprintf("message conflict on queue %q (project %q): %d message(s) stored before retries ran out",
		e.Queue, e.Project, len(e.SucceededIDs))
}

func (e *MessageConflictError) Is(target error) bool {
	return target == ErrMessageConflict
}

// PartialPostError is returned by Post when a non-retryable error stops a
// batch after some messages were stored. It unwraps to the cause.
type PartialPostError struct {
	SucceededIDs []string
	Err          error
}

func (e *PartialPostError) Error() string {
	return fmt.Sprintf("%d message(s) stored before failure: %v", len(e.SucceededIDs), e.Err)
}

func (e *PartialPostError) Unwrap() error {
	return e.Err
}

// ConnectionError wraps a backend-specific connectivity failure.
type ConnectionError struct {
	Backend string
	Err     error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("%s: %v: %v", e.Backend, ErrConnection, e.Err)
}

func (e *ConnectionError) Is(target error) bool {
	return target == ErrConnection
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// IsNotFound reports whether err is one of the "does not exist" kinds.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrQueueDoesNotExist) ||
		errors.Is(err, ErrMessageDoesNotExist) ||
		errors.Is(err, ErrClaimDoesNotExist) ||
		errors.Is(err, ErrPoolDoesNotExist) ||
		errors.Is(err, ErrQueueNotMapped) ||
		errors.Is(err, ErrQueueIsEmpty)
}

// IsPermission reports whether err is a claim ownership failure.
func IsPermission(err error) bool {
	return errors.Is(err, ErrMessageIsClaimed) || errors.Is(err, ErrNotPermitted)
}

// IsConnection reports whether err is a wrapped backend connectivity failure.
func IsConnection(err error) bool {
	return errors.Is(err, ErrConnection)
}
