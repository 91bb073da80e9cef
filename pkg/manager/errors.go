package manager

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/3leaps/goflume/pkg/store"
	"github.com/3leaps/goflume/pkg/workflow"
)

// Kind classifies a failed command.
type Kind string

const (
	KindNotFound        Kind = "not_found"
	KindInvalidArgument Kind = "invalid_argument"
	KindConflict        Kind = "conflict"
	KindUnavailable     Kind = "unavailable"
	KindInternal        Kind = "internal"
)

// Sentinels for errors.Is against an *Error's kind.
var (
	ErrNotFound        = errors.New("not found")
	ErrInvalidArgument = errors.New("invalid argument")
	ErrConflict        = errors.New("conflict")
	ErrUnavailable     = errors.New("manager unavailable")
	ErrInternal        = errors.New("internal error")
)

// Error is returned by every Manager command that fails.
type Error struct {
	Kind  Kind
	Op    string
	RunID string
	Err   error
}

func (e *Error) Error() string {
	if e.RunID != "" {
		return fmt.Sprintf("%s %s: %v", e.Op, e.RunID, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches the sentinel for e.Kind.
func (e *Error) Is(target error) bool {
	return target == e.Kind.sentinel()
}

func (k Kind) sentinel() error {
	switch k {
	case KindNotFound:
		return ErrNotFound
	case KindInvalidArgument:
		return ErrInvalidArgument
	case KindConflict:
		return ErrConflict
	case KindUnavailable:
		return ErrUnavailable
	default:
		return ErrInternal
	}
}

// KindOf returns the kind of err, KindInternal for foreign errors.
func KindOf(err error) Kind {
	var me *Error
	if errors.As(err, &me) {
		return me.Kind
	}
	return KindInternal
}

func newError(kind Kind, op, runID string, err error) *Error {
	return &Error{Kind: kind, Op: op, RunID: runID, Err: err}
}

// classify wraps err with the kind implied by its cause.
func classify(op, runID string, err error) error {
	if err == nil {
		return nil
	}
	var me *Error
	if errors.As(err, &me) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var te *store.TransitionError
	switch {
	case errors.Is(err, store.ErrNotFound):
		return newError(KindNotFound, op, runID, err)
	case errors.As(err, &te):
		return newError(KindConflict, op, runID, err)
	case errors.Is(err, workflow.ErrValidationFailed), errors.Is(err, os.ErrNotExist):
		return newError(KindInvalidArgument, op, runID, err)
	default:
		return newError(KindInternal, op, runID, err)
	}
}
