// Package apperr defines the gateway's closed error taxonomy.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Kind classifies an error for propagation and HTTP mapping.
type Kind string

const (
	SessionNotFound      Kind = "SESSION_NOT_FOUND"
	SessionAlreadyExists Kind = "SESSION_ALREADY_EXISTS"
	SessionExpired       Kind = "SESSION_EXPIRED"
	InvalidState         Kind = "INVALID_STATE"
	ProviderUnavailable  Kind = "PROVIDER_UNAVAILABLE"
	ConnectionError      Kind = "CONNECTION_ERROR"
	ValidationError      Kind = "VALIDATION_ERROR"
	RateLimitExceeded    Kind = "RATE_LIMIT_EXCEEDED"
	Unauthorized         Kind = "UNAUTHORIZED"
	MediaError           Kind = "MEDIA_ERROR"
	Internal             Kind = "INTERNAL"
)

// Provider-reported codes that mark an error as session-class.
const (
	CodeSessionError    = "SESSION_ERROR"
	CodeConnectionError = "CONNECTION_ERROR"
)

// Error is a classified error. Code carries a provider-supplied code when one
// was present in the response body.
type Error struct {
	Kind       Kind
	Code       string
	Message    string
	StatusCode int
	Err        error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same Kind, so errors.Is(err, apperr.New(k, ""))
// works as a kind check.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// New returns an *Error of the given kind.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies err under kind with a message.
func Wrap(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// KindOf returns the Kind of the first *Error in err's chain, or Internal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}

// IsKind reports whether err's chain holds an *Error of kind.
func IsKind(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// CodeOf returns the provider code carried in err's chain, if any.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

var sessionErrorMarkers = []string{
	"session not connected",
	"not connected",
	"session expired",
	"session closed",
	"expired",
	"closed",
}

// IsSessionError reports whether err indicates the relay session itself is not
// usable (as opposed to a malformed request). Only these errors are retried by
// the provider's send path.
func IsSessionError(err error) bool {
	if err == nil {
		return false
	}
	switch CodeOf(err) {
	case CodeSessionError, CodeConnectionError:
		return true
	}
	if IsKind(err, SessionExpired) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, m := range sessionErrorMarkers {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}

// HTTPStatus maps a Kind to the status code used by the admin API.
func HTTPStatus(kind Kind) int {
	switch kind {
	case SessionNotFound:
		return http.StatusNotFound
	case SessionAlreadyExists, InvalidState:
		return http.StatusConflict
	case SessionExpired:
		return http.StatusGone
	case ValidationError, MediaError:
		return http.StatusBadRequest
	case RateLimitExceeded:
		return http.StatusTooManyRequests
	case Unauthorized:
		return http.StatusUnauthorized
	case ProviderUnavailable, ConnectionError:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
