package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindMatching(t *testing.T) {
	err := fmt.Errorf("create: %w", New(SessionAlreadyExists, "user %s already has a session", "u1"))

	assert.True(t, errors.Is(err, New(SessionAlreadyExists, "")))
	assert.False(t, errors.Is(err, New(SessionNotFound, "")))
	assert.Equal(t, SessionAlreadyExists, KindOf(err))
	assert.True(t, IsKind(err, SessionAlreadyExists))
	assert.Equal(t, Internal, KindOf(errors.New("plain")))
}

func TestWrapUnwraps(t *testing.T) {
	cause := errors.New("dial tcp: connection refused")
	err := Wrap(ProviderUnavailable, cause, "relay unreachable")

	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "relay unreachable: dial tcp: connection refused", err.Error())
}

func TestIsSessionError(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"message marker", errors.New("Session not connected"), true},
		{"expired", errors.New("the session has expired"), true},
		{"closed", errors.New("socket closed by peer"), true},
		{"session code", &Error{Kind: ProviderUnavailable, Code: CodeSessionError, Message: "boom"}, true},
		{"connection code", &Error{Kind: ProviderUnavailable, Code: CodeConnectionError, Message: "boom"}, true},
		{"validation", New(ValidationError, "invalid phone number"), false},
		{"rate limit", New(RateLimitExceeded, "slow down"), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, IsSessionError(tc.err))
		})
	}
}

func TestHTTPStatus(t *testing.T) {
	assert.Equal(t, http.StatusNotFound, HTTPStatus(SessionNotFound))
	assert.Equal(t, http.StatusConflict, HTTPStatus(SessionAlreadyExists))
	assert.Equal(t, http.StatusTooManyRequests, HTTPStatus(RateLimitExceeded))
	assert.Equal(t, http.StatusUnauthorized, HTTPStatus(Unauthorized))
	assert.Equal(t, http.StatusBadGateway, HTTPStatus(ProviderUnavailable))
	assert.Equal(t, http.StatusInternalServerError, HTTPStatus(Internal))
}
