package provider

import (
	"errors"
	"fmt"
	"strings"
)

// Error wraps an upstream provider failure with enough classification for
// the gateway to decide on retry and failover.
type Error struct {
	Provider   string
	StatusCode int
	Message    string
	Cause      error
}

func (e *Error) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s: %s (status %d)", e.Provider, e.Message, e.StatusCode)
	}
	return fmt.Sprintf("%s: %s", e.Provider, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a provider error.
func NewError(provider, message string, cause error) *Error {
	return &Error{Provider: provider, Message: message, Cause: cause}
}

// WithStatus attaches the upstream HTTP status.
func (e *Error) WithStatus(code int) *Error {
	e.StatusCode = code
	return e
}

// Retryable reports whether the failure is transient: rate limits, server
// errors, and connection-level faults. Auth and validation failures are not.
func (e *Error) Retryable() bool {
	if e.StatusCode == 429 || e.StatusCode >= 500 {
		return true
	}
	if e.StatusCode >= 400 {
		return false
	}
	return transientMessage(e.Message) || (e.Cause != nil && transientMessage(e.Cause.Error()))
}

func transientMessage(msg string) bool {
	lower := strings.ToLower(msg)
	for _, marker := range []string{
		"connection reset", "connection refused", "timeout", "timed out",
		"temporarily", "rate limit", "overloaded", "eof",
	} {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

// IsRetryable classifies any error for the gateway retry loop.
func IsRetryable(err error) bool {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Retryable()
	}
	return transientMessage(err.Error())
}
