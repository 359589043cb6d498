package services

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"gorm.io/datatypes"

	"wuzapi-ai-gateway/internal/adapters/provider"
	"wuzapi-ai-gateway/internal/apperr"
	"wuzapi-ai-gateway/internal/events"
	"wuzapi-ai-gateway/internal/metrics"
	"wuzapi-ai-gateway/internal/models"
	"wuzapi-ai-gateway/internal/store"
)

// Session manager defaults.
const (
	DefaultMaxSessionsPerUser   = 1
	DefaultMaxReconnectAttempts = 5
	DefaultReconnectBaseDelay   = time.Second
	DefaultReconnectMaxDelay    = 30 * time.Second

	providerCallTimeout = 30 * time.Second
)

// SessionManagerConfig tunes the lifecycle policy.
type SessionManagerConfig struct {
	MaxSessionsPerUser   int
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	// WebhookURL is registered with the provider for every new session.
	// Empty skips registration.
	WebhookURL string
}

func (c *SessionManagerConfig) applyDefaults() {
	if c.MaxSessionsPerUser <= 0 {
		c.MaxSessionsPerUser = DefaultMaxSessionsPerUser
	}
	if c.MaxReconnectAttempts <= 0 {
		c.MaxReconnectAttempts = DefaultMaxReconnectAttempts
	}
	if c.ReconnectBaseDelay <= 0 {
		c.ReconnectBaseDelay = DefaultReconnectBaseDelay
	}
	if c.ReconnectMaxDelay < c.ReconnectBaseDelay {
		c.ReconnectMaxDelay = DefaultReconnectMaxDelay
	}
}

// stopper is the part of *time.Timer the manager needs.
type stopper interface {
	Stop() bool
}

// SessionManager owns the session lifecycle: creation, the status graph,
// reconnection with exponential backoff and explicit logout. Every mutation
// of one session runs under that session's lock.
type SessionManager struct {
	sessions *store.SessionStore
	provider provider.Provider
	events   events.Publisher
	metrics  *metrics.Metrics
	cfg      SessionManagerConfig

	afterFunc func(d time.Duration, f func()) stopper

	locks sync.Map // session id -> *sync.Mutex

	mu       sync.Mutex
	attempts map[string]int
	timers   map[string]stopper
	closed   bool
}

// NewSessionManager wires the manager. pub and m may be nil.
func NewSessionManager(sessions *store.SessionStore, p provider.Provider, pub events.Publisher, m *metrics.Metrics, cfg SessionManagerConfig) (*SessionManager, error) {
	if sessions == nil {
		return nil, fmt.Errorf("session store cannot be nil for SessionManager")
	}
	if p == nil {
		return nil, fmt.Errorf("provider cannot be nil for SessionManager")
	}
	if pub == nil {
		pub = events.Noop{}
	}
	cfg.applyDefaults()
	return &SessionManager{
		sessions: sessions,
		provider: p,
		events:   pub,
		metrics:  m,
		cfg:      cfg,
		afterFunc: func(d time.Duration, f func()) stopper {
			return time.AfterFunc(d, f)
		},
		attempts: make(map[string]int),
		timers:   make(map[string]stopper),
	}, nil
}

// SetAfterFunc replaces the timer factory used to schedule reconnects.
func (m *SessionManager) SetAfterFunc(fn func(d time.Duration, f func()) stopper) {
	m.afterFunc = fn
}

func (m *SessionManager) lock(id string) func() {
	v, _ := m.locks.LoadOrStore(id, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// Provider returns the relay backend the manager drives.
func (m *SessionManager) Provider() provider.Provider { return m.provider }

func (m *SessionManager) GetSession(ctx context.Context, id string) (*models.Session, error) {
	return m.sessions.Get(ctx, id)
}

// ResolveSession finds a session by its id or its provider id.
func (m *SessionManager) ResolveSession(ctx context.Context, id string) (*models.Session, error) {
	return m.sessions.Resolve(ctx, id)
}

func (m *SessionManager) ListUserSessions(ctx context.Context, userID string) ([]models.Session, error) {
	return m.sessions.ListByUser(ctx, userID)
}

// CreateSession provisions a session on the relay and stores it as
// qr_pending. A user with a connected session gets SessionAlreadyExists; a
// user at the non-terminal session limit gets RateLimitExceeded.
func (m *SessionManager) CreateSession(ctx context.Context, userID string) (*models.Session, error) {
	if userID == "" {
		return nil, apperr.New(apperr.ValidationError, "userId is required")
	}

	// Check and insert run under the user's lock so concurrent requests
	// cannot both pass the limit.
	unlockUser := m.lock("user:" + userID)
	defer unlockUser()

	connected, err := m.sessions.FindByUser(ctx, userID, models.StatusConnected)
	if err != nil {
		return nil, err
	}
	if connected != nil {
		return nil, apperr.New(apperr.SessionAlreadyExists, "user %s already has connected session %s", userID, connected.ID)
	}
	active, err := m.sessions.CountActiveByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if active >= int64(m.cfg.MaxSessionsPerUser) {
		return nil, apperr.New(apperr.RateLimitExceeded, "user %s has reached the limit of %d sessions", userID, m.cfg.MaxSessionsPerUser)
	}

	id := uuid.NewString()
	res, err := m.provider.CreateSession(ctx, userID, map[string]any{"sessionId": id})
	if err != nil {
		log.Error().Err(err).Str("userID", userID).Msg("Provider failed to create session")
		return nil, err
	}

	raw, err := json.Marshal(res.Raw)
	if err != nil {
		log.Warn().Err(err).Str("sessionID", id).Msg("Provider metadata is not serializable, storing none")
		raw = nil
	}
	session := &models.Session{
		ID:                id,
		UserID:            userID,
		PhoneNumber:       models.PlaceholderPhoneNumber,
		ExternalSessionID: res.ExternalSessionID,
		Status:            models.StatusConnecting,
		ProviderMetadata:  datatypes.JSON(raw),
	}
	if err := m.sessions.Create(ctx, session); err != nil {
		return nil, err
	}

	unlock := m.lock(id)
	defer unlock()

	if provider.IsConnectedState(res.Status) {
		if err := m.transition(ctx, session, models.StatusConnected, nil); err != nil {
			return nil, err
		}
	} else {
		fields := map[string]any{"qr_code": res.QRCode, "qr_expires_at": res.ExpiresAt}
		if err := m.transition(ctx, session, models.StatusQRPending, fields); err != nil {
			return nil, err
		}
		session.QRCode = res.QRCode
		session.QRExpiresAt = res.ExpiresAt
	}

	if m.cfg.WebhookURL != "" {
		if err := m.provider.RegisterWebhook(ctx, session.ExternalSessionID, m.cfg.WebhookURL); err != nil {
			// The session exists but will not receive pushed events until a
			// webhook is registered.
			log.Warn().Err(err).Str("sessionID", id).Str("webhookURL", m.cfg.WebhookURL).Msg("Webhook registration failed")
		}
	}

	log.Info().Str("sessionID", id).Str("userID", userID).Str("externalSessionID", res.ExternalSessionID).Str("status", string(session.Status)).Msg("Session created")
	return session, nil
}

// transition moves s to `to` along a lifecycle edge and persists extra
// fields in the same update.
func (m *SessionManager) transition(ctx context.Context, s *models.Session, to models.SessionStatus, fields map[string]any) error {
	from := s.Status
	if !models.CanTransition(from, to) {
		return apperr.New(apperr.InvalidState, "session %s cannot move from %s to %s", s.ID, from, to)
	}
	if fields == nil {
		fields = map[string]any{}
	}
	fields["status"] = to
	if err := m.sessions.Update(ctx, s.ID, fields); err != nil {
		return err
	}
	s.Status = to

	m.metrics.SessionTransition(from, to)
	m.events.Publish(ctx, events.Event{
		Type:      events.TypeSessionStatus,
		SessionID: s.ID,
		UserID:    s.UserID,
		Payload:   map[string]any{"from": from, "to": to},
	})
	log.Info().Str("sessionID", s.ID).Str("from", string(from)).Str("to", string(to)).Msg("Session status changed")
	return nil
}

// MarkConnected records that the relay reports the session as paired. From
// qr_pending it walks through connecting. A confirmed phone number replaces
// the placeholder and evicts the user's other sessions on the same number.
func (m *SessionManager) MarkConnected(ctx context.Context, id, phone string) error {
	unlock := m.lock(id)
	defer unlock()

	s, err := m.sessions.Get(ctx, id)
	if err != nil {
		return err
	}
	return m.markConnectedLocked(ctx, s, phone)
}

func (m *SessionManager) markConnectedLocked(ctx context.Context, s *models.Session, phone string) error {
	fields := map[string]any{"last_error": "", "qr_code": "", "qr_expires_at": nil}
	if phone != "" {
		fields["phone_number"] = phone
	}

	switch s.Status {
	case models.StatusConnected:
		if phone == "" || phone == s.PhoneNumber {
			return m.sessions.Touch(ctx, s.ID)
		}
		if err := m.sessions.Update(ctx, s.ID, map[string]any{"phone_number": phone}); err != nil {
			return err
		}
	case models.StatusQRPending:
		if err := m.transition(ctx, s, models.StatusConnecting, nil); err != nil {
			return err
		}
		if err := m.transition(ctx, s, models.StatusConnected, fields); err != nil {
			return err
		}
	case models.StatusConnecting, models.StatusReconnecting:
		if err := m.transition(ctx, s, models.StatusConnected, fields); err != nil {
			return err
		}
	default:
		return apperr.New(apperr.InvalidState, "session %s is %s and cannot become connected", s.ID, s.Status)
	}

	m.clearReconnect(s.ID)
	if rr, ok := m.provider.(provider.RetryResetter); ok {
		rr.ResetRetryState(s.ExternalSessionID)
	}

	if phone != "" {
		s.PhoneNumber = phone
	}
	if phone != "" && s.HasConfirmedPhone() {
		n, err := m.sessions.DeleteDuplicatePhone(ctx, s.UserID, phone, s.ID)
		if err != nil {
			log.Warn().Err(err).Str("sessionID", s.ID).Msg("Failed to remove duplicate sessions")
		} else if n > 0 {
			log.Info().Str("sessionID", s.ID).Str("phone", phone).Int64("removed", n).Msg("Removed duplicate sessions for phone number")
		}
	}
	return nil
}

// MarkQRIssued stores a fresh QR code. A connecting session moves back to
// qr_pending.
func (m *SessionManager) MarkQRIssued(ctx context.Context, id, code string, expiresAt *time.Time) error {
	unlock := m.lock(id)
	defer unlock()

	s, err := m.sessions.Get(ctx, id)
	if err != nil {
		return err
	}
	fields := map[string]any{"qr_code": code, "qr_expires_at": expiresAt}
	switch s.Status {
	case models.StatusQRPending:
		return m.sessions.Update(ctx, id, fields)
	case models.StatusConnecting:
		return m.transition(ctx, s, models.StatusQRPending, fields)
	default:
		log.Debug().Str("sessionID", id).Str("status", string(s.Status)).Msg("Ignoring QR code for session not awaiting pairing")
		return nil
	}
}

// MarkQRScanned moves a qr_pending session to connecting.
func (m *SessionManager) MarkQRScanned(ctx context.Context, id string) error {
	unlock := m.lock(id)
	defer unlock()

	s, err := m.sessions.Get(ctx, id)
	if err != nil {
		return err
	}
	if s.Status != models.StatusQRPending {
		return nil
	}
	return m.transition(ctx, s, models.StatusConnecting, nil)
}

// GetQRCode returns the session's current QR code, fetching a new one when
// none is stored or the stored one expired.
func (m *SessionManager) GetQRCode(ctx context.Context, id string) (*provider.QRCode, error) {
	s, err := m.sessions.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if s.Status != models.StatusQRPending {
		return nil, apperr.New(apperr.InvalidState, "session %s is %s, not awaiting a QR scan", id, s.Status)
	}
	if s.QRCode != "" && (s.QRExpiresAt == nil || s.QRExpiresAt.After(time.Now())) {
		return &provider.QRCode{Code: s.QRCode, ExpiresAt: s.QRExpiresAt}, nil
	}
	return m.RefreshQRCode(ctx, id)
}

// RefreshQRCode asks the relay for a new QR code. Only valid in qr_pending.
func (m *SessionManager) RefreshQRCode(ctx context.Context, id string) (*provider.QRCode, error) {
	unlock := m.lock(id)
	defer unlock()

	s, err := m.sessions.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if s.Status != models.StatusQRPending {
		return nil, apperr.New(apperr.InvalidState, "session %s is %s, not awaiting a QR scan", id, s.Status)
	}
	qr, err := m.provider.GetQRCode(ctx, s.ExternalSessionID)
	if err != nil {
		return nil, err
	}
	if err := m.sessions.Update(ctx, id, map[string]any{"qr_code": qr.Code, "qr_expires_at": qr.ExpiresAt}); err != nil {
		return nil, err
	}
	return qr, nil
}

// ExpireQR fails a qr_pending session whose QR code ran out.
func (m *SessionManager) ExpireQR(ctx context.Context, id string) error {
	unlock := m.lock(id)
	defer unlock()

	s, err := m.sessions.Get(ctx, id)
	if err != nil {
		return err
	}
	if s.Status != models.StatusQRPending {
		return nil
	}
	return m.transition(ctx, s, models.StatusFailed, map[string]any{
		"last_error": "QR code expired before it was scanned",
		"qr_code":    "",
	})
}

// CheckHealth polls the relay for the session's status and reconciles it.
func (m *SessionManager) CheckHealth(ctx context.Context, id string) error {
	unlock := m.lock(id)
	defer unlock()

	s, err := m.sessions.Get(ctx, id)
	if err != nil {
		return err
	}
	state, err := m.provider.GetSessionStatus(ctx, s.ExternalSessionID)
	if err != nil {
		if apperr.IsKind(err, apperr.SessionNotFound) && s.Status == models.StatusConnected {
			// The relay forgot the session.
			return m.handleDisconnectionLocked(ctx, s, provider.ReasonHealthCheck)
		}
		return fmt.Errorf("health check for session %s: %w", id, err)
	}
	return m.reconcileLocked(ctx, s, state, provider.ReasonHealthCheck)
}

// ReconcileStatus applies a relay-reported state to the session.
func (m *SessionManager) ReconcileStatus(ctx context.Context, id string, state *provider.SessionState, reason string) error {
	unlock := m.lock(id)
	defer unlock()

	s, err := m.sessions.Get(ctx, id)
	if err != nil {
		return err
	}
	return m.reconcileLocked(ctx, s, state, reason)
}

func (m *SessionManager) reconcileLocked(ctx context.Context, s *models.Session, state *provider.SessionState, reason string) error {
	if state.IsConnected {
		if s.Status.IsTerminal() {
			log.Warn().Str("sessionID", s.ID).Str("status", string(s.Status)).Msg("Relay reports a terminal session as connected, ignoring")
			return nil
		}
		return m.markConnectedLocked(ctx, s, state.PhoneNumber)
	}
	if s.Status == models.StatusConnected {
		return m.handleDisconnectionLocked(ctx, s, reason)
	}
	// Waiting for a scan or already reconnecting.
	return nil
}

// HandleDisconnection reacts to a lost connection. A logout ends the
// session; anything else schedules a reconnect with exponential backoff
// until the attempt budget is spent, then the session fails.
func (m *SessionManager) HandleDisconnection(ctx context.Context, id, reason string) error {
	unlock := m.lock(id)
	defer unlock()

	s, err := m.sessions.Get(ctx, id)
	if err != nil {
		return err
	}
	return m.handleDisconnectionLocked(ctx, s, reason)
}

func (m *SessionManager) handleDisconnectionLocked(ctx context.Context, s *models.Session, reason string) error {
	if provider.IsLogoutReason(reason) {
		return m.endSessionLocked(ctx, s, reason)
	}

	switch s.Status {
	case models.StatusConnected:
		// A fresh outage gets the full attempt budget.
		m.clearReconnect(s.ID)
	case models.StatusReconnecting:
	default:
		log.Debug().Str("sessionID", s.ID).Str("status", string(s.Status)).Str("reason", reason).Msg("Ignoring disconnection for session that is not connected")
		return nil
	}

	m.mu.Lock()
	attempts := m.attempts[s.ID]
	m.mu.Unlock()

	if attempts >= m.cfg.MaxReconnectAttempts {
		m.clearReconnect(s.ID)
		msg := fmt.Sprintf("reconnection failed after %d attempts (last reason: %s)", attempts, reason)
		log.Error().Str("sessionID", s.ID).Int("attempts", attempts).Str("reason", reason).Msg("Giving up on reconnecting session")
		return m.transition(ctx, s, models.StatusFailed, map[string]any{"last_error": msg})
	}

	if err := m.transition(ctx, s, models.StatusReconnecting, map[string]any{"last_error": reason}); err != nil {
		return err
	}
	m.scheduleReconnect(s.ID)
	return nil
}

// endSessionLocked handles a logout. A connected session is kept as
// disconnected; a session that never finished pairing or was mid-reconnect
// is removed.
func (m *SessionManager) endSessionLocked(ctx context.Context, s *models.Session, reason string) error {
	m.clearReconnect(s.ID)
	switch {
	case s.Status == models.StatusConnected:
		return m.transition(ctx, s, models.StatusDisconnected, map[string]any{"last_error": reason})
	case s.Status.IsTerminal():
		return nil
	default:
		log.Info().Str("sessionID", s.ID).Str("status", string(s.Status)).Str("reason", reason).Msg("Removing session logged out before it connected")
		return m.sessions.Delete(ctx, s.ID)
	}
}

// ReconnectDelay is min(base × 2^attempts, cap).
func (m *SessionManager) ReconnectDelay(attempts int) time.Duration {
	d := m.cfg.ReconnectBaseDelay
	for i := 0; i < attempts; i++ {
		d *= 2
		if d >= m.cfg.ReconnectMaxDelay {
			return m.cfg.ReconnectMaxDelay
		}
	}
	if d > m.cfg.ReconnectMaxDelay {
		return m.cfg.ReconnectMaxDelay
	}
	return d
}

func (m *SessionManager) scheduleReconnect(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	if t, ok := m.timers[id]; ok {
		t.Stop()
	}
	attempts := m.attempts[id]
	delay := m.ReconnectDelay(attempts)
	m.attempts[id] = attempts + 1
	m.timers[id] = m.afterFunc(delay, func() { m.attemptReconnect(id) })

	log.Info().Str("sessionID", id).Int("attempt", attempts+1).Int("maxAttempts", m.cfg.MaxReconnectAttempts).Dur("delay", delay).Msg("Reconnect scheduled")
}

func (m *SessionManager) attemptReconnect(id string) {
	m.mu.Lock()
	delete(m.timers, id)
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), providerCallTimeout)
	defer cancel()

	unlock := m.lock(id)
	defer unlock()

	s, err := m.sessions.Get(ctx, id)
	if err != nil {
		log.Warn().Err(err).Str("sessionID", id).Msg("Session vanished before reconnect attempt")
		m.clearReconnect(id)
		return
	}
	if s.Status != models.StatusReconnecting {
		return
	}

	if err := m.provider.ReconnectSession(ctx, s.ExternalSessionID); err != nil {
		log.Warn().Err(err).Str("sessionID", id).Msg("Reconnect request failed")
	}
	state, err := m.provider.GetSessionStatus(ctx, s.ExternalSessionID)
	if err == nil && state.IsConnected {
		if err := m.markConnectedLocked(ctx, s, state.PhoneNumber); err != nil {
			log.Error().Err(err).Str("sessionID", id).Msg("Failed to record reconnected session")
			return
		}
		log.Info().Str("sessionID", id).Msg("Session reconnected")
		return
	}
	if err != nil {
		log.Warn().Err(err).Str("sessionID", id).Msg("Status check after reconnect failed")
	}
	if err := m.handleDisconnectionLocked(ctx, s, provider.ReasonReconnectFailed); err != nil {
		log.Error().Err(err).Str("sessionID", id).Msg("Failed to handle failed reconnect")
	}
}

// ReconnectAttempts returns the in-memory attempt counter for id.
func (m *SessionManager) ReconnectAttempts(id string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts[id]
}

func (m *SessionManager) clearReconnect(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.timers[id]; ok {
		t.Stop()
		delete(m.timers, id)
	}
	delete(m.attempts, id)
}

// Disconnect logs the session out on the relay. A connected session ends
// as disconnected; any other non-terminal session is deleted.
func (m *SessionManager) Disconnect(ctx context.Context, id string) error {
	unlock := m.lock(id)
	defer unlock()

	s, err := m.sessions.Get(ctx, id)
	if err != nil {
		return err
	}
	if s.Status.IsTerminal() {
		return nil
	}
	if err := m.provider.DisconnectSession(ctx, s.ExternalSessionID); err != nil && !apperr.IsKind(err, apperr.SessionNotFound) {
		log.Warn().Err(err).Str("sessionID", id).Msg("Provider disconnect failed, ending session locally")
	}
	return m.endSessionLocked(ctx, s, provider.ReasonLogout)
}

// ResumeReconnecting reschedules sessions persisted as reconnecting, whose
// timers died with the previous process.
func (m *SessionManager) ResumeReconnecting(ctx context.Context) (int, error) {
	sessions, err := m.sessions.ListByStatus(ctx, models.StatusReconnecting)
	if err != nil {
		return 0, err
	}
	for _, s := range sessions {
		m.scheduleReconnect(s.ID)
	}
	if len(sessions) > 0 {
		log.Info().Int("sessions", len(sessions)).Msg("Resumed reconnecting sessions")
	}
	return len(sessions), nil
}

// Shutdown cancels every pending reconnect timer. No timer fires afterwards.
func (m *SessionManager) Shutdown() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	for id, t := range m.timers {
		t.Stop()
		delete(m.timers, id)
	}
	log.Info().Msg("Session manager stopped")
}
