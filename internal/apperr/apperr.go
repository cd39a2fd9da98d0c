// Package apperr defines the error taxonomy shared by the messaging core.
// Callers branch on these with errors.Is / errors.As; everything else is a
// transient store failure.
package apperr

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotFound  = errors.New("not found")
	ErrForbidden = errors.New("forbidden")
)

// NotFound wraps ErrNotFound with the resource that was missing.
func NotFound(resource string) error {
	return fmt.Errorf("%s: %w", resource, ErrNotFound)
}

// Forbidden wraps ErrForbidden with the rule that was violated.
func Forbidden(reason string) error {
	return fmt.Errorf("%s: %w", reason, ErrForbidden)
}

// RateLimitError reports a throttled action and when to retry.
type RateLimitError struct {
	Action     string
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded for %s, retry after %s", e.Action, e.RetryAfter)
}
