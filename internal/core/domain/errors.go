package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrInvalidInput = errors.New("invalid input")
	ErrUnauthorized = errors.New("unauthorized")
	ErrForbidden    = errors.New("forbidden")
	ErrTemporary    = errors.New("temporary failure")

	ErrRetrievalUnavailable = errors.New("retrieval unavailable")
	ErrMalformedResponse    = errors.New("malformed backend response")

	ErrLLMUnavailable     = errors.New("llm unavailable")
	ErrLLMTimeout         = errors.New("llm timeout")
	ErrLLMMalformedOutput = errors.New("llm malformed output")

	ErrTrackerClosed       = errors.New("usage tracker closed")
	ErrTrackerBackpressure = errors.New("usage tracker queue full")
)

// WrapError preserves typed semantic errors with operation context.
func WrapError(kind error, operation string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w: %w", operation, kind, err)
}

func IsKind(err error, kind error) bool {
	return errors.Is(err, kind)
}

// RetrievalError reports a single channel failure. The sibling channel is
// unaffected.
type RetrievalError struct {
	Channel Channel
	Err     error
}

func (e *RetrievalError) Error() string {
	if e == nil {
		return "retrieval error"
	}
	return fmt.Sprintf("%s retrieval: %v", e.Channel, e.Err)
}

func (e *RetrievalError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func NewRetrievalError(channel Channel, err error) error {
	if err == nil {
		return nil
	}
	var existing *RetrievalError
	if errors.As(err, &existing) && existing.Channel == channel {
		return err
	}
	return &RetrievalError{Channel: channel, Err: err}
}
