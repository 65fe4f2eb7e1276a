package platform

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrTransient marks network/5xx-class failures that are safe to retry.
var ErrTransient = errors.New("transient platform error")

// RateLimitedError reports the provider refused the call under rate
// pressure. Reset, when known, is the instant the window reopens.
type RateLimitedError struct {
	Reset time.Time
}

func (e *RateLimitedError) Error() string {
	if e.Reset.IsZero() {
		return "rate limited"
	}
	return fmt.Sprintf("rate limited until %s", e.Reset.Format(time.RFC3339))
}

// ValidationError is a non-retryable rejection of this particular request:
// the payload or the referenced external identifier is bad. Items failing
// this way are parked for review, not retried.
type ValidationError struct {
	Code    string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Code == "" {
		return "validation: " + e.Message
	}
	return fmt.Sprintf("validation (%s): %s", e.Code, e.Message)
}

// IsTransient reports whether err should be retried with backoff.
// Timeouts count as transient.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient) || errors.Is(err, context.DeadlineExceeded)
}

func IsRateLimited(err error) (*RateLimitedError, bool) {
	var rle *RateLimitedError
	if errors.As(err, &rle) {
		return rle, true
	}
	return nil, false
}

func IsValidation(err error) (*ValidationError, bool) {
	var ve *ValidationError
	if errors.As(err, &ve) {
		return ve, true
	}
	return nil, false
}
