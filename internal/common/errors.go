// Package common provides shared utilities and types used across the application.
package common

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Common application errors.
var (
	// Credential errors.
	ErrNoCredentials        = errors.New("no credentials configured")
	ErrCredentialsExhausted = errors.New("all credentials exhausted")

	// Source API errors.
	ErrNotFound     = errors.New("not found")
	ErrRateLimit    = errors.New("rate limit exceeded")
	ErrBadResponse  = errors.New("malformed source response")
	ErrSourceServer = errors.New("source server error")

	// Persistence errors.
	ErrCacheCorrupted = errors.New("cache file corrupted")
	ErrGroupNotFound  = errors.New("group not found")

	// Classification errors.
	ErrClassificationFailed = errors.New("classification failed")

	// Configuration errors.
	ErrMissingConfig = errors.New("missing configuration")
	ErrInvalidConfig = errors.New("invalid configuration")
)

// ExhaustedError reports that every credential ran out of quota. Work done
// before the condition was hit has already been returned or checkpointed.
type ExhaustedError struct {
	ResetAt   time.Time
	Completed int
}

func (e *ExhaustedError) Error() string {
	if e.ResetAt.IsZero() {
		return fmt.Sprintf("%s after %d items", ErrCredentialsExhausted, e.Completed)
	}
	return fmt.Sprintf("%s after %d items, try again after %s",
		ErrCredentialsExhausted, e.Completed, e.ResetAt.Format(time.RFC3339))
}

// Is makes errors.Is(err, ErrCredentialsExhausted) match.
func (e *ExhaustedError) Is(target error) bool {
	return target == ErrCredentialsExhausted
}

// UserError represents an error that should be shown to the user.
type UserError struct {
	Err         error
	UserMessage string
}

func (e *UserError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.UserMessage, e.Err)
	}
	return e.UserMessage
}

func (e *UserError) Unwrap() error {
	return e.Err
}

// NewUserError creates a new user-friendly error.
func NewUserError(userMessage string, err error) error {
	return &UserError{
		UserMessage: userMessage,
		Err:         err,
	}
}

// IsRetryable determines if an error should trigger a retry.
func IsRetryable(err error) bool {
	if errors.Is(err, ErrCredentialsExhausted) || errors.Is(err, context.Canceled) {
		return false
	}

	var retryableErr *RetryableError
	if errors.As(err, &retryableErr) {
		return retryableErr.Retryable
	}

	return errors.Is(err, ErrRateLimit) ||
		errors.Is(err, ErrSourceServer) ||
		errors.Is(err, context.DeadlineExceeded)
}
