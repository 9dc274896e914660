// Package errs provides structured error types and helpers for FanRide services.
package errs

import (
	"errors"
	"strconv"
	"strings"
)

// Code identifies a store or service error category.
type Code string

const (
	// CodeNotFound indicates a missing document or resource.
	CodeNotFound Code = "not_found"
	// CodePrecondition indicates an ETag guard failed because the document moved.
	CodePrecondition Code = "precondition_failed"
	// CodeConflict indicates a create collided with an existing document id.
	CodeConflict Code = "conflict"
	// CodeThrottled indicates the store rejected the request due to rate limiting.
	CodeThrottled Code = "throttled"
	// CodeTransient indicates a temporary infrastructure failure worth retrying.
	CodeTransient Code = "transient"
	// CodeInvalid indicates invalid input provided by the caller.
	CodeInvalid Code = "invalid_request"
	// CodeFatal indicates a non-retryable failure.
	CodeFatal Code = "fatal"
)

// E captures structured error information produced across the FanRide stack.
type E struct {
	Component string
	Code      Code
	HTTP      int
	StoreCode string
	Message   string

	cause error
}

// Option configures an error envelope.
type Option func(*E)

// New constructs an error envelope for the component and error code.
func New(component string, code Code, opts ...Option) *E {
	e := &E{
		Component: strings.TrimSpace(component),
		Code:      code,
		HTTP:      0,
		StoreCode: "",
		Message:   "",
		cause:     nil,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// WithMessage attaches a human-readable message to the error.
func WithMessage(message string) Option {
	trimmed := strings.TrimSpace(message)
	return func(e *E) {
		e.Message = trimmed
	}
}

// WithHTTP records the associated HTTP status code.
func WithHTTP(status int) Option {
	return func(e *E) {
		e.HTTP = status
	}
}

// WithStoreCode captures the raw backend error code (e.g. a SQLSTATE).
func WithStoreCode(code string) Option {
	trimmed := strings.TrimSpace(code)
	return func(e *E) {
		e.StoreCode = trimmed
	}
}

// WithCause sets the underlying cause error.
func WithCause(err error) Option {
	return func(e *E) {
		e.cause = err
	}
}

func (e *E) Error() string {
	if e == nil {
		return "<nil>"
	}
	var parts []string

	component := strings.TrimSpace(e.Component)
	if component == "" {
		component = "unknown"
	}
	parts = append(parts, "component="+component)

	code := strings.TrimSpace(string(e.Code))
	if code == "" {
		code = "unknown"
	}
	parts = append(parts, "code="+code)

	if e.HTTP > 0 {
		parts = append(parts, "http="+strconv.Itoa(e.HTTP))
	}
	if e.Message != "" {
		parts = append(parts, "message="+strconv.Quote(e.Message))
	}
	if e.StoreCode != "" {
		parts = append(parts, "store_code="+strconv.Quote(e.StoreCode))
	}
	if e.cause != nil {
		parts = append(parts, "cause="+strconv.Quote(e.cause.Error()))
	}

	return strings.Join(parts, " ")
}

func (e *E) Unwrap() error { return e.cause }

// CodeOf extracts the error code from err, unwrapping as needed.
// Errors outside the envelope report CodeFatal.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var e *E
	if errors.As(err, &e) && e != nil {
		return e.Code
	}
	return CodeFatal
}

// IsNotFound reports whether err represents a missing document.
func IsNotFound(err error) bool {
	return CodeOf(err) == CodeNotFound
}

// IsConcurrency reports whether err represents an optimistic-concurrency
// failure: either a stale ETag guard or a duplicate-id create.
func IsConcurrency(err error) bool {
	switch CodeOf(err) {
	case CodePrecondition, CodeConflict:
		return true
	default:
		return false
	}
}

// IsRetryable reports whether err may succeed on retry after backoff.
func IsRetryable(err error) bool {
	switch CodeOf(err) {
	case CodeThrottled, CodeTransient:
		return true
	default:
		return false
	}
}
