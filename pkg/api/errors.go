package api

import (
	"errors"
	"fmt"
	"time"
)

// Error classes surfaced by the engine. Callers branch with errors.Is.
var (
	ErrConfiguration     = errors.New("generator not configured")
	ErrUpstream          = errors.New("upstream generation failed")
	ErrMalformedResponse = errors.New("malformed generator response")
	ErrStore             = errors.New("store operation failed")
	ErrRateLimited       = errors.New("flag rate limit exceeded")
	ErrNotFound          = errors.New("not found")
	ErrNotFlaggable      = errors.New("transaction cannot be flagged")
	ErrDuplicateRule     = errors.New("active rule already exists")
)

// UpstreamError describes a failed call to the generation service.
type UpstreamError struct {
	// StatusCode is zero for transport failures and timeouts.
	StatusCode int
	// Body is an excerpt of the response body for diagnostics.
	Body string
	Err  error
}

func (e *UpstreamError) Error() string {
	switch {
	case e.StatusCode != 0:
		return fmt.Sprintf("upstream status %d: %s", e.StatusCode, e.Body)
	case e.Err != nil:
		return fmt.Sprintf("upstream request: %v", e.Err)
	default:
		return ErrUpstream.Error()
	}
}

func (e *UpstreamError) Unwrap() error { return e.Err }

func (e *UpstreamError) Is(target error) bool { return target == ErrUpstream }

// StoreError wraps a persistence failure with the operation that failed.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

func (e *StoreError) Is(target error) bool { return target == ErrStore }

// NewStoreError wraps err as a StoreError unless it is nil or already one.
// ErrNotFound and ErrDuplicateRule pass through untouched so callers can
// still branch on them.
func NewStoreError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrDuplicateRule) || errors.Is(err, ErrStore) {
		return err
	}
	return &StoreError{Op: op, Err: err}
}

// RateLimitError reports which sliding window rejected a flag.
type RateLimitError struct {
	Span  time.Duration
	Limit int
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("%s: %d per %s", ErrRateLimited, e.Limit, e.Span)
}

func (e *RateLimitError) Is(target error) bool { return target == ErrRateLimited }

// UserMessage maps an error from the flag workflow to text suitable for the
// person who pressed the flag button.
func UserMessage(err error) string {
	switch {
	case err == nil:
		return "Thanks! We'll improve how we detect this bank's transactions."
	case errors.Is(err, ErrRateLimited):
		var rl *RateLimitError
		if errors.As(err, &rl) && rl.Span <= 24*time.Hour {
			return "You've already reported a problem today. Please try again tomorrow."
		}
		return "You've reached the weekly limit for reporting problems. Please try again later."
	case errors.Is(err, ErrNotFlaggable), errors.Is(err, ErrNotFound):
		return "Sorry, this transaction cannot be flagged for correction."
	case errors.Is(err, ErrConfiguration):
		return "Automatic detection is not configured."
	default:
		return "Something went wrong while improving detection. Please try again later."
	}
}
