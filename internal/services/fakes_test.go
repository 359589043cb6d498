package services

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"wuzapi-ai-gateway/internal/adapters/completion"
	"wuzapi-ai-gateway/internal/adapters/provider"
	"wuzapi-ai-gateway/internal/db"
	"wuzapi-ai-gateway/internal/models"
	"wuzapi-ai-gateway/internal/store"
)

type sentText struct {
	SessionID string
	To        string
	Text      string
}

// fakeProvider is an in-memory relay. It implements KeepAliver and
// RetryResetter so the optional paths are exercised.
type fakeProvider struct {
	mu sync.Mutex

	createStatus string
	createQR     string
	createErr    error
	// createDelay holds CreateSession open to widen races.
	createDelay time.Duration
	createRaw   map[string]any
	creates     int

	connected bool
	phone     string
	statusErr error

	// failSendAt makes the n-th SendText call (1-based) fail.
	failSendAt map[int]error

	sent        []sentText
	media       []provider.MediaMessage
	uploads     int
	webhooks    []string
	reconnects  int
	disconnects []string
	keepStarts  int
	keepStops   int
	resets      int
	qrFetches   int
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{createQR: "qr-initial", failSendAt: map[int]error{}}
}

func (f *fakeProvider) Name() string { return "fake" }

func (f *fakeProvider) CreateSession(_ context.Context, userID string, _ map[string]any) (*provider.CreateSessionResult, error) {
	f.mu.Lock()
	f.creates++
	n, delay, err := f.creates, f.createDelay, f.createErr
	status, qr, raw := f.createStatus, f.createQR, f.createRaw
	f.mu.Unlock()
	if raw == nil {
		raw = map[string]any{"ok": true}
	}

	if delay > 0 {
		time.Sleep(delay)
	}
	if err != nil {
		return nil, err
	}
	exp := time.Now().Add(time.Minute).UTC()
	return &provider.CreateSessionResult{
		ExternalSessionID: fmt.Sprintf("ext-%s-%d", userID, n),
		Status:            status,
		QRCode:            qr,
		ExpiresAt:         &exp,
		Raw:               raw,
	}, nil
}

func (f *fakeProvider) GetQRCode(_ context.Context, _ string) (*provider.QRCode, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.qrFetches++
	exp := time.Now().Add(time.Minute).UTC()
	return &provider.QRCode{Code: fmt.Sprintf("qr-%d", f.qrFetches), ExpiresAt: &exp}, nil
}

func (f *fakeProvider) GetSessionStatus(_ context.Context, _ string) (*provider.SessionState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.statusErr != nil {
		return nil, f.statusErr
	}
	status := "disconnected"
	if f.connected {
		status = "connected"
	}
	return &provider.SessionState{Status: status, IsConnected: f.connected, PhoneNumber: f.phone}, nil
}

func (f *fakeProvider) DisconnectSession(_ context.Context, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnects = append(f.disconnects, sessionID)
	return nil
}

func (f *fakeProvider) ReconnectSession(_ context.Context, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reconnects++
	return nil
}

func (f *fakeProvider) RegisterWebhook(_ context.Context, _ string, url string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.webhooks = append(f.webhooks, url)
	return nil
}

func (f *fakeProvider) SendMessage(ctx context.Context, sessionID, to string, body provider.MessageBody) (*provider.SendResult, error) {
	return f.SendText(ctx, sessionID, to, body.Text)
}

func (f *fakeProvider) SendText(_ context.Context, sessionID, to, text string) (*provider.SendResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := len(f.sent) + 1
	f.sent = append(f.sent, sentText{SessionID: sessionID, To: to, Text: text})
	if err, ok := f.failSendAt[n]; ok {
		return nil, err
	}
	return &provider.SendResult{ExternalMessageID: fmt.Sprintf("out-%d", n), Status: "sent"}, nil
}

func (f *fakeProvider) SendMedia(_ context.Context, _ string, _ string, m provider.MediaMessage) (*provider.SendResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.media = append(f.media, m)
	return &provider.SendResult{ExternalMessageID: fmt.Sprintf("media-%d", len(f.media)), Status: "sent"}, nil
}

func (f *fakeProvider) UploadMedia(_ context.Context, _ string, _ []byte, _ string, fileName string) (*provider.UploadResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.uploads++
	return &provider.UploadResult{URL: "https://relay.example/media/" + fileName, MediaID: "m1"}, nil
}

func (f *fakeProvider) ValidateWebhookSignature(string, []byte) bool { return true }
func (f *fakeProvider) HealthCheck(context.Context) bool             { return true }

func (f *fakeProvider) StartKeepAlive(string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keepStarts++
}

func (f *fakeProvider) StopKeepAlive(string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keepStops++
}

func (f *fakeProvider) ResetRetryState(string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resets++
}

func (f *fakeProvider) setConnected(c bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = c
}

func (f *fakeProvider) sentTexts() []sentText {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentText(nil), f.sent...)
}

func (f *fakeProvider) keepAliveCounts() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.keepStarts, f.keepStops
}

type fakeCompleter struct {
	mu       sync.Mutex
	answer   string
	err      error
	requests []completion.Request
	// onComplete runs inside Complete, before the answer is returned.
	onComplete func()
}

func (c *fakeCompleter) Complete(_ context.Context, req completion.Request) (string, error) {
	c.mu.Lock()
	c.requests = append(c.requests, req)
	answer, err, hook := c.answer, c.err, c.onComplete
	c.mu.Unlock()
	if hook != nil {
		hook()
	}
	return answer, err
}

func (c *fakeCompleter) calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.requests)
}

type fakeTimer struct{}

func (fakeTimer) Stop() bool { return true }

// delayRecorder replaces time.AfterFunc. When run is set, scheduled
// callbacks execute immediately on their own goroutine.
type delayRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
	run    bool
}

func (r *delayRecorder) afterFunc(d time.Duration, f func()) stopper {
	r.mu.Lock()
	r.delays = append(r.delays, d)
	r.mu.Unlock()
	if r.run {
		go f()
	}
	return fakeTimer{}
}

func (r *delayRecorder) recorded() []time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]time.Duration(nil), r.delays...)
}

type harness struct {
	ctx           context.Context
	db            *gorm.DB
	sessions      *store.SessionStore
	conversations *store.ConversationStore
	messages      *store.MessageStore
	chats         *store.ChatStore
	provider      *fakeProvider
	timers        *delayRecorder
	manager       *SessionManager
}

func newHarness(t *testing.T, cfg SessionManagerConfig) *harness {
	t.Helper()
	gdb, err := db.Open(db.Options{DSN: filepath.Join(t.TempDir(), "services.db")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close(gdb) })

	h := &harness{
		ctx:           context.Background(),
		db:            gdb,
		sessions:      store.NewSessionStore(gdb),
		conversations: store.NewConversationStore(gdb),
		messages:      store.NewMessageStore(gdb),
		chats:         store.NewChatStore(gdb),
		provider:      newFakeProvider(),
		timers:        &delayRecorder{},
	}
	h.manager, err = NewSessionManager(h.sessions, h.provider, nil, nil, cfg)
	require.NoError(t, err)
	h.manager.SetAfterFunc(h.timers.afterFunc)
	t.Cleanup(h.manager.Shutdown)
	return h
}

func (h *harness) seed(t *testing.T, id, userID string, status models.SessionStatus) *models.Session {
	t.Helper()
	s := &models.Session{
		ID:                id,
		UserID:            userID,
		ExternalSessionID: "ext-" + id,
		Status:            status,
		PhoneNumber:       models.PlaceholderPhoneNumber,
	}
	require.NoError(t, h.sessions.Create(h.ctx, s))
	return s
}

func (h *harness) status(t *testing.T, id string) models.SessionStatus {
	t.Helper()
	s, err := h.sessions.Get(h.ctx, id)
	require.NoError(t, err)
	return s.Status
}

// age rewrites updated_at without going through the store's auto timestamps.
func (h *harness) age(t *testing.T, id string, d time.Duration) {
	t.Helper()
	err := h.db.Model(&models.Session{}).Where("id = ?", id).UpdateColumn("updated_at", time.Now().Add(-d).UTC()).Error
	require.NoError(t, err)
}
