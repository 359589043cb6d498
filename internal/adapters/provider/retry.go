package provider

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"wuzapi-ai-gateway/internal/apperr"
)

const (
	DefaultSendAttempts  = 3
	DefaultSendBaseDelay = 5 * time.Second
)

// sessionControl is the slice of Provider the send retry loop drives.
type sessionControl interface {
	GetSessionStatus(ctx context.Context, sessionID string) (*SessionState, error)
	ReconnectSession(ctx context.Context, sessionID string) error
}

// SendRetrier wraps sends with a status check, an optional reconnect and
// exponential waits. Only session-class errors are retried. Reconnects per
// session are capped at the attempt count until the session is seen
// connected or a send succeeds.
type SendRetrier struct {
	provider  string
	attempts  int
	baseDelay time.Duration

	mu       sync.Mutex
	counters map[string]int

	// sleep waits d or until ctx is done. Tests replace it.
	sleep func(ctx context.Context, d time.Duration) error
}

func NewSendRetrier(provider string, attempts int, baseDelay time.Duration) *SendRetrier {
	if attempts <= 0 {
		attempts = DefaultSendAttempts
	}
	if baseDelay <= 0 {
		baseDelay = DefaultSendBaseDelay
	}
	return &SendRetrier{
		provider:  provider,
		attempts:  attempts,
		baseDelay: baseDelay,
		counters:  make(map[string]int),
		sleep:     sleepContext,
	}
}

// SetSleep replaces the wait function.
func (r *SendRetrier) SetSleep(fn func(ctx context.Context, d time.Duration) error) {
	r.sleep = fn
}

// Delay is the wait after a reconnect before attempt n (1-based).
func (r *SendRetrier) Delay(attempt int) time.Duration {
	return r.baseDelay * time.Duration(1<<(attempt-1))
}

// Do runs send up to the configured number of attempts.
func (r *SendRetrier) Do(ctx context.Context, ctl sessionControl, sessionID string, send func(ctx context.Context) (*SendResult, error)) (*SendResult, error) {
	var lastErr error
	for attempt := 1; attempt <= r.attempts; attempt++ {
		state, err := ctl.GetSessionStatus(ctx, sessionID)
		switch {
		case err != nil:
			log.Warn().Err(err).Str("provider", r.provider).Str("sessionID", sessionID).Int("attempt", attempt).Msg("Status check before send failed, sending anyway")
		case state.IsConnected:
			r.Reset(sessionID)
		default:
			n, ok := r.bump(sessionID)
			if !ok {
				log.Warn().Str("provider", r.provider).Str("sessionID", sessionID).Int("reconnects", n).Str("status", state.Status).Msg("Reconnect limit reached, sending without reconnect")
				break
			}
			log.Info().Str("provider", r.provider).Str("sessionID", sessionID).Int("attempt", attempt).Int("reconnects", n).Str("status", state.Status).Msg("Session not connected before send, reconnecting")
			if rerr := ctl.ReconnectSession(ctx, sessionID); rerr != nil {
				log.Warn().Err(rerr).Str("provider", r.provider).Str("sessionID", sessionID).Msg("Reconnect before send failed")
			}
			if werr := r.sleep(ctx, r.Delay(attempt)); werr != nil {
				return nil, apperr.Wrap(apperr.ConnectionError, werr, "send to session %s cancelled", sessionID)
			}
		}

		res, err := send(ctx)
		if err == nil {
			r.Reset(sessionID)
			return res, nil
		}
		lastErr = err
		if !apperr.IsSessionError(err) {
			return nil, err
		}
		log.Warn().Err(err).Str("provider", r.provider).Str("sessionID", sessionID).Int("attempt", attempt).Int("maxAttempts", r.attempts).Msg("Send failed with session error")
	}
	return nil, lastErr
}

// Attempts returns the reconnect counter for sessionID.
func (r *SendRetrier) Attempts(sessionID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counters[sessionID]
}

// Reset clears the counter for sessionID.
func (r *SendRetrier) Reset(sessionID string) {
	r.mu.Lock()
	delete(r.counters, sessionID)
	r.mu.Unlock()
}

// bump counts a reconnect for sessionID. It reports false, without counting,
// once the cap is reached.
func (r *SendRetrier) bump(sessionID string) (int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := r.counters[sessionID]
	if n >= r.attempts {
		return n, false
	}
	r.counters[sessionID] = n + 1
	return n + 1, true
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
