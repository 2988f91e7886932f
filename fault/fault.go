// Package fault defines the closed set of failure kinds surfaced by hookrelay.
//
// Every error that crosses a component boundary is either a storage sentinel
// or a *Error carrying one of the Kind values below. Callers branch on the
// kind, never on message text.
package fault

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies a failure.
type Kind uint8

const (
	// KindUnknown is returned by KindOf for errors outside the taxonomy.
	KindUnknown Kind = iota

	// KindValidation marks malformed payloads or headers. Never retried.
	KindValidation

	// KindAuthentication marks a bad or expired signature. Never retried and
	// never counted as a delivery attempt.
	KindAuthentication

	// KindServiceUnavailable marks a call rejected by an open circuit before
	// any network traffic.
	KindServiceUnavailable

	// KindTransport marks a network failure, timeout or non-2xx response.
	// Retried per the backoff policy.
	KindTransport

	// KindExhaustedRetries is terminal and routes the payload to the dead
	// letter queue.
	KindExhaustedRetries
)

// String returns the snake_case name of the kind.
func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation_error"
	case KindAuthentication:
		return "authentication_error"
	case KindServiceUnavailable:
		return "service_unavailable"
	case KindTransport:
		return "transport_error"
	case KindExhaustedRetries:
		return "exhausted_retries"
	default:
		return "unknown"
	}
}

// Error is a classified failure.
type Error struct {
	Kind    Kind
	Message string

	// StatusCode is the HTTP status returned by the remote side, when there was one.
	StatusCode int

	Err error
}

func (e *Error) Error() string {
	if e.Err != nil {
		if e.Message == "" {
			return e.Err.Error()
		}
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error of the same kind with an empty message, so that
// errors.Is(err, fault.ErrTransport) works as a kind check.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Message == "" && t.Err == nil && t.Kind == e.Kind
}

// Kind sentinels for use with errors.Is.
var (
	ErrValidation         = &Error{Kind: KindValidation}
	ErrAuthentication     = &Error{Kind: KindAuthentication}
	ErrServiceUnavailable = &Error{Kind: KindServiceUnavailable}
	ErrTransport          = &Error{Kind: KindTransport}
	ErrExhaustedRetries   = &Error{Kind: KindExhaustedRetries}
)

// Validation returns a KindValidation error.
func Validation(format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Message: fmt.Sprintf(format, args...)}
}

// Authentication returns a KindAuthentication error.
func Authentication(msg string) *Error {
	return &Error{Kind: KindAuthentication, Message: msg}
}

// Unavailable returns a KindServiceUnavailable error for the given circuit key.
func Unavailable(key string) *Error {
	return &Error{Kind: KindServiceUnavailable, Message: fmt.Sprintf("circuit open for %s", key)}
}

// Transport wraps a network level failure. statusCode is 0 when no response
// was received.
func Transport(statusCode int, err error) *Error {
	msg := "transport failure"
	if statusCode > 0 {
		msg = fmt.Sprintf("unexpected status %d", statusCode)
	}
	return &Error{Kind: KindTransport, Message: msg, StatusCode: statusCode, Err: err}
}

// Exhausted returns a terminal KindExhaustedRetries error wrapping the last cause.
func Exhausted(attempts int, cause error) *Error {
	e := &Error{
		Kind:    KindExhaustedRetries,
		Message: fmt.Sprintf("exhausted after %d attempts", attempts),
		Err:     cause,
	}
	var fe *Error
	if errors.As(cause, &fe) {
		e.StatusCode = fe.StatusCode
	}
	return e
}

// KindOf returns the kind of err, or KindUnknown.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindUnknown
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Retryable reports whether a failure should be retried with backoff.
// Open circuits are retryable too: the call never happened.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindTransport, KindServiceUnavailable:
		return true
	default:
		return false
	}
}

// HTTPStatus maps a failure to the status code an HTTP adapter should answer with.
func HTTPStatus(err error) int {
	if err == nil {
		return http.StatusOK
	}
	switch KindOf(err) {
	case KindValidation:
		return http.StatusBadRequest
	case KindAuthentication:
		return http.StatusUnauthorized
	case KindServiceUnavailable:
		return http.StatusServiceUnavailable
	case KindTransport:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
