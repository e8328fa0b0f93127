// Package relayerr defines the closed error taxonomy surfaced by the
// orchestrator, the chat API, and the tool bridge. Every terminal failure maps
// to exactly one Kind; transports translate Kinds to status codes.
package relayerr

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Kind categorizes a terminal error.
type Kind string

const (
	// KindInvalidRequest indicates malformed input or missing required fields.
	KindInvalidRequest Kind = "invalid_request"

	// KindUnauthorized indicates missing/invalid auth or a row-ownership violation.
	KindUnauthorized Kind = "unauthorized"

	// KindForbidden indicates a role check failure on the admin surface.
	KindForbidden Kind = "forbidden"

	// KindNotFound indicates a missing conversation, message, tool, or template.
	KindNotFound Kind = "not_found"

	// KindConflict indicates a unique or idempotency violation.
	KindConflict Kind = "conflict"

	// KindBudgetExceeded indicates no eligible provider after budget/sensitivity policy.
	KindBudgetExceeded Kind = "budget_exceeded"

	// KindUnavailable indicates an upstream provider or the store is unreachable.
	KindUnavailable Kind = "unavailable"

	// KindTimeout indicates the per-request wall clock was exceeded.
	KindTimeout Kind = "timeout"

	// KindAborted indicates cooperative cancellation.
	KindAborted Kind = "aborted"

	// KindInternal indicates an unexpected fault.
	KindInternal Kind = "internal"
)

// Retryable reports whether a single retry with jitter may succeed.
// Streaming calls are never retried mid-stream regardless of kind.
func (k Kind) Retryable() bool {
	switch k {
	case KindUnavailable, KindTimeout:
		return true
	default:
		return false
	}
}

// HTTPStatus maps the kind to a transport status code.
func (k Kind) HTTPStatus() int {
	switch k {
	case KindInvalidRequest:
		return http.StatusBadRequest
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindBudgetExceeded:
		return http.StatusPaymentRequired
	case KindUnavailable:
		return http.StatusServiceUnavailable
	case KindTimeout:
		return http.StatusGatewayTimeout
	case KindAborted:
		return 499 // client closed request
	default:
		return http.StatusInternalServerError
	}
}

// Error is a structured terminal error carrying its taxonomy kind plus
// optional request correlation context.
type Error struct {
	Kind      Kind
	Message   string
	RequestID string
	Cause     error
}

// Error implements the error interface.
func (e *Error) Error() string {
	var parts []string
	parts = append(parts, fmt.Sprintf("[%s]", e.Kind))
	if e.Message != "" {
		parts = append(parts, e.Message)
	} else if e.Cause != nil {
		parts = append(parts, e.Cause.Error())
	}
	if e.RequestID != "" {
		parts = append(parts, fmt.Sprintf("request_id=%s", e.RequestID))
	}
	return strings.Join(parts, " ")
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Cause
}

// New creates an Error of the given kind.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Message: msg}
}

// Wrap creates an Error of the given kind around a cause.
func Wrap(kind Kind, cause error) *Error {
	if cause == nil {
		return nil
	}
	return &Error{Kind: kind, Cause: cause}
}

// WithRequestID attaches the request id for correlation.
func (e *Error) WithRequestID(id string) *Error {
	e.RequestID = id
	return e
}

// KindOf extracts the Kind from an error chain. Context cancellation and
// deadline errors classify to Aborted and Timeout; anything else without a
// relayerr in the chain is Internal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var re *Error
	if errors.As(err, &re) {
		return re.Kind
	}
	if errors.Is(err, context.Canceled) {
		return KindAborted
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	return KindInternal
}

// Is reports whether the error chain contains the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}
