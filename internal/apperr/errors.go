// Package apperr defines the error taxonomy shared by the gateway,
// supervisor, orchestrator and request layer.
package apperr

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for retry and reporting decisions.
type Kind string

const (
	KindValidation         Kind = "VALIDATION"          // 400, never retried
	KindPermissionDenied   Kind = "PERMISSION_DENIED"   // 403, path outside workspace
	KindDenied             Kind = "DENIED"              // 403, command not allow-listed
	KindTimeout            Kind = "TIMEOUT"             // 504, retried for idempotent tools
	KindResourceExhausted  Kind = "RESOURCE_EXHAUSTED"  // 429
	KindPreviewUnavailable Kind = "PREVIEW_UNAVAILABLE" // 503
	KindNotFound           Kind = "NOT_FOUND"           // 404
	KindConflict           Kind = "CONFLICT"            // 409, illegal state transition
	KindCancelled          Kind = "CANCELLED"           // 499
	KindInternal           Kind = "INTERNAL"            // 500
)

// Error is a classified error with an optional cause and details.
type Error struct {
	Kind    Kind
	Op      string
	Message string
	Details map[string]any
	Err     error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := string(e.Kind) + ": " + e.Message
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// New creates an error of the given kind.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies err under kind. A nil err yields nil.
func Wrap(err error, kind Kind, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// WithOp returns a copy of e tagged with the failing operation.
func (e *Error) WithOp(op string) *Error {
	c := *e
	c.Op = op
	return &c
}

// WithDetail returns a copy of e with one more detail entry.
func (e *Error) WithDetail(key string, value any) *Error {
	c := *e
	c.Details = make(map[string]any, len(e.Details)+1)
	for k, v := range e.Details {
		c.Details[k] = v
	}
	c.Details[key] = value
	return &c
}

// Validation creates a KindValidation error.
func Validation(format string, args ...any) *Error {
	return New(KindValidation, format, args...)
}

// PermissionDenied creates a KindPermissionDenied error for a rejected path.
func PermissionDenied(path string) *Error {
	return New(KindPermissionDenied, "path %q is outside the workspace", path).WithDetail("path", path)
}

// Denied creates a KindDenied error for a command that is not allow-listed.
func Denied(command string) *Error {
	return New(KindDenied, "command %q is not allowed", command).WithDetail("command", command)
}

// NotFound creates a KindNotFound error.
func NotFound(what, id string) *Error {
	return New(KindNotFound, "%s %q not found", what, id).WithDetail("id", id)
}

// KindOf reports the Kind of err. Context errors map to Timeout and Cancelled,
// unclassified errors to Internal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, context.Canceled):
		return KindCancelled
	}
	return KindInternal
}

// Is reports whether err is classified as kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Retryable reports whether an operation failing with err may be retried.
// Only timeouts and transient exhaustion qualify; callers still decide
// whether the operation itself is idempotent.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindTimeout, KindResourceExhausted:
		return true
	}
	return false
}

// HTTPStatus maps a Kind to the response status used by the API.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindPermissionDenied, KindDenied:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindResourceExhausted:
		return http.StatusTooManyRequests
	case KindTimeout:
		return http.StatusGatewayTimeout
	case KindPreviewUnavailable:
		return http.StatusServiceUnavailable
	case KindCancelled:
		return 499
	}
	return http.StatusInternalServerError
}
