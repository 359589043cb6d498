package wuzapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wuzapi-ai-gateway/internal/adapters/provider"
	"wuzapi-ai-gateway/internal/apperr"
)

// fakeRelay is a minimal wuzapi server.
type fakeRelay struct {
	mu         sync.Mutex
	connected  bool
	sendErrors int // number of sends to fail with a session error
	sent       []sendRequest
	reconnects int
	webhooks   []webhookRequest
}

func (f *fakeRelay) handler(t *testing.T) http.Handler {
	r := mux.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if req.Header.Get("Token") != "key" {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, req)
		})
	})
	write := func(w http.ResponseWriter, status int, v any) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(v)
	}

	r.HandleFunc("/api/sessions/create", func(w http.ResponseWriter, req *http.Request) {
		var body createSessionRequest
		assert.NoError(t, json.NewDecoder(req.Body).Decode(&body))
		write(w, 200, map[string]any{"code": 200, "success": true, "data": map[string]any{
			"sessionId": "ext-" + body.UserID, "status": "qr_pending", "qrCode": "2@qr", "expiresAt": "2030-01-01T00:00:00Z",
		}})
	}).Methods(http.MethodPost)
	r.HandleFunc("/api/sessions/{id}/status", func(w http.ResponseWriter, req *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		write(w, 200, map[string]any{"code": 200, "success": true, "data": map[string]any{
			"connected": f.connected, "loggedIn": f.connected, "jid": "15551234567:3@s.whatsapp.net",
		}})
	}).Methods(http.MethodGet)
	r.HandleFunc("/api/sessions/{id}/qr", func(w http.ResponseWriter, req *http.Request) {
		write(w, 200, map[string]any{"code": 200, "success": true, "data": map[string]any{"qrCode": "2@fresh"}})
	}).Methods(http.MethodGet)
	r.HandleFunc("/api/sessions/{id}/reconnect", func(w http.ResponseWriter, req *http.Request) {
		f.mu.Lock()
		f.reconnects++
		f.connected = true
		f.mu.Unlock()
		write(w, 200, map[string]any{"code": 200, "success": true})
	}).Methods(http.MethodPost)
	r.HandleFunc("/api/sessions/{id}", func(w http.ResponseWriter, req *http.Request) {
		if mux.Vars(req)["id"] == "missing" {
			write(w, 404, map[string]any{"code": 404, "error": "no session"})
			return
		}
		write(w, 200, map[string]any{"code": 200, "success": true})
	}).Methods(http.MethodDelete)
	r.HandleFunc("/api/webhook/register", func(w http.ResponseWriter, req *http.Request) {
		var body webhookRequest
		assert.NoError(t, json.NewDecoder(req.Body).Decode(&body))
		f.mu.Lock()
		f.webhooks = append(f.webhooks, body)
		f.mu.Unlock()
		write(w, 200, map[string]any{"code": 200, "success": true})
	}).Methods(http.MethodPost)
	r.HandleFunc("/api/messages/send", func(w http.ResponseWriter, req *http.Request) {
		var body sendRequest
		assert.NoError(t, json.NewDecoder(req.Body).Decode(&body))
		f.mu.Lock()
		defer f.mu.Unlock()
		if f.sendErrors > 0 {
			f.sendErrors--
			f.connected = false
			write(w, 500, map[string]any{"code": "SESSION_ERROR", "error": "session not connected"})
			return
		}
		f.sent = append(f.sent, body)
		write(w, 200, map[string]any{"code": 200, "success": true, "data": map[string]any{"messageId": "wamid-1"}})
	}).Methods(http.MethodPost)
	r.HandleFunc("/api/media/upload", func(w http.ResponseWriter, req *http.Request) {
		write(w, 200, map[string]any{"code": 200, "success": true, "data": map[string]any{"url": "https://media/x", "mediaId": "m1"}})
	}).Methods(http.MethodPost)
	r.HandleFunc("/health", func(w http.ResponseWriter, req *http.Request) {
		write(w, 200, map[string]any{"status": "ok"})
	})
	return r
}

func newTestClient(t *testing.T, relay *fakeRelay) *Client {
	srv := httptest.NewServer(relay.handler(t))
	t.Cleanup(srv.Close)
	c, err := NewClient(provider.Options{BaseURL: srv.URL, APIKey: "key", WebhookSecret: "s3cret", Timeout: 2 * time.Second})
	require.NoError(t, err)
	c.Retrier().SetSleep(func(ctx context.Context, d time.Duration) error { return nil })
	return c
}

func TestNewClientValidates(t *testing.T) {
	_, err := NewClient(provider.Options{BaseURL: "http://x", WebhookSecret: "s"})
	assert.Error(t, err)
	_, err = NewClient(provider.Options{APIKey: "k", WebhookSecret: "s"})
	assert.Error(t, err)
}

func TestSessionLifecycleCalls(t *testing.T) {
	relay := &fakeRelay{}
	c := newTestClient(t, relay)
	ctx := context.Background()

	res, err := c.CreateSession(ctx, "u1", nil)
	require.NoError(t, err)
	assert.Equal(t, "ext-u1", res.ExternalSessionID)
	assert.Equal(t, "2@qr", res.QRCode)
	require.NotNil(t, res.ExpiresAt)

	qr, err := c.GetQRCode(ctx, "ext-u1")
	require.NoError(t, err)
	assert.Equal(t, "2@fresh", qr.Code)

	state, err := c.GetSessionStatus(ctx, "ext-u1")
	require.NoError(t, err)
	assert.False(t, state.IsConnected)
	assert.Equal(t, "15551234567", state.PhoneNumber)

	assert.Error(t, c.RegisterWebhook(ctx, "ext-u1", ""))
	require.NoError(t, c.RegisterWebhook(ctx, "ext-u1", "https://gw/webhooks/relay"))
	require.Len(t, relay.webhooks, 1)
	assert.Contains(t, relay.webhooks[0].Events, "Message")

	require.NoError(t, c.DisconnectSession(ctx, "ext-u1"))
	err = c.DisconnectSession(ctx, "missing")
	assert.True(t, apperr.IsKind(err, apperr.SessionNotFound))

	assert.True(t, c.HealthCheck(ctx))
}

func TestSendReconnectsDisconnectedSession(t *testing.T) {
	relay := &fakeRelay{connected: false}
	c := newTestClient(t, relay)

	res, err := c.SendText(context.Background(), "ext-u1", "15550001111@s.whatsapp.net", "hi")
	require.NoError(t, err)
	assert.Equal(t, "wamid-1", res.ExternalMessageID)
	assert.Equal(t, 1, relay.reconnects)
	require.Len(t, relay.sent, 1)
	assert.Equal(t, "15550001111", relay.sent[0].To)
	assert.Equal(t, "text", relay.sent[0].Type)
}

func TestSendRetriesSessionErrors(t *testing.T) {
	relay := &fakeRelay{connected: true, sendErrors: 2}
	c := newTestClient(t, relay)

	_, err := c.SendText(context.Background(), "ext-u1", "15550001111", "hi")
	require.NoError(t, err)
	assert.Equal(t, 2, relay.reconnects)
	assert.Zero(t, c.Retrier().Attempts("ext-u1"))
}

func TestSendGivesUpAfterThreeAttempts(t *testing.T) {
	relay := &fakeRelay{connected: true, sendErrors: 5}
	c := newTestClient(t, relay)

	_, err := c.SendText(context.Background(), "ext-u1", "15550001111", "hi")
	require.Error(t, err)
	assert.True(t, apperr.IsSessionError(err))
	assert.Equal(t, 2, relay.sendErrors)
}

func TestSendMediaAndUpload(t *testing.T) {
	relay := &fakeRelay{connected: true}
	c := newTestClient(t, relay)
	ctx := context.Background()

	_, err := c.SendMedia(ctx, "ext-u1", "1555", provider.MediaMessage{Type: provider.BodyImage})
	assert.True(t, apperr.IsKind(err, apperr.MediaError))

	_, err = c.SendMedia(ctx, "ext-u1", "1555", provider.MediaMessage{
		Type: provider.BodyImage, URL: "https://media/x.jpg", Caption: "look", Thumbnail: []byte{0xff, 0xd8},
	})
	require.NoError(t, err)
	require.Len(t, relay.sent, 1)
	assert.Equal(t, "image", relay.sent[0].Type)
	assert.Equal(t, "/9g=", relay.sent[0].Thumbnail)

	up, err := c.UploadMedia(ctx, "ext-u1", []byte("bytes"), "image/png", "x.png")
	require.NoError(t, err)
	assert.Equal(t, "https://media/x", up.URL)
}

func TestValidateWebhookSignature(t *testing.T) {
	c := newTestClient(t, &fakeRelay{})
	body := []byte(`{"sessionId":"ext-u1"}`)
	assert.True(t, c.ValidateWebhookSignature(provider.Sign("s3cret", body), body))
	assert.False(t, c.ValidateWebhookSignature(provider.Sign("other", body), body))
}
