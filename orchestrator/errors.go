package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/aluiziolira/qc-copilot/modal"
)

// ErrNotFound indicates the alert button of a track could not be located,
// even after a cleanup and retry.
type ErrNotFound struct {
	Track int
}

func (e ErrNotFound) Error() string {
	return fmt.Sprintf("not_found: alert button for track %d", e.Track)
}

// ErrAborted indicates the run was cancelled while a track was in flight.
type ErrAborted struct {
	Err error
}

func (e ErrAborted) Error() string {
	return fmt.Errorf("aborted: %w", e.Err).Error()
}

func (e ErrAborted) Unwrap() error {
	return e.Err
}

// ErrUnexpected wraps any other failure inside a track's cycle.
type ErrUnexpected struct {
	Err error
}

func (e ErrUnexpected) Error() string {
	return fmt.Errorf("unexpected: %w", e.Err).Error()
}

func (e ErrUnexpected) Unwrap() error {
	return e.Err
}

// ErrImportantModal is the cancellation cause when an important dialog opens.
type ErrImportantModal struct {
	ID string
}

func (e ErrImportantModal) Error() string {
	return fmt.Sprintf("important modal open: %s", e.ID)
}

// ErrDisabled is the cancellation cause when analysis gets disabled.
var ErrDisabled = errors.New("analysis disabled")

func errorTypeLabel(err error) string {
	if err == nil {
		return "unknown"
	}
	var aborted ErrAborted
	if errors.As(err, &aborted) || errors.Is(err, context.Canceled) {
		return "aborted"
	}
	var timeout modal.ErrTimeout
	if errors.As(err, &timeout) || errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	var notFound ErrNotFound
	if errors.As(err, &notFound) {
		return "not_found"
	}
	var unexpected ErrUnexpected
	if errors.As(err, &unexpected) {
		return "unexpected"
	}
	return "other"
}

func causeLabel(err error) string {
	var important ErrImportantModal
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrDisabled):
		return "disabled"
	case errors.As(err, &important):
		return "important_modal"
	default:
		return "cancelled"
	}
}
