package evolution

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wuzapi-ai-gateway/internal/adapters/provider"
	"wuzapi-ai-gateway/internal/apperr"
)

type fakeEvolution struct {
	state       atomic.Value // string
	pings       atomic.Int32
	statusCalls atomic.Int32
	pingMissing bool
	lastSend    atomic.Value // sendRequest
	instances   sync.Map     // instance name -> user id
}

func newFakeEvolution(state string) *fakeEvolution {
	f := &fakeEvolution{}
	f.state.Store(state)
	return f
}

func (f *fakeEvolution) handler(t *testing.T) http.Handler {
	r := mux.NewRouter()
	write := func(w http.ResponseWriter, status int, v any) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(v)
	}
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if req.Header.Get("apikey") != "key" {
				write(w, http.StatusForbidden, map[string]any{"response": map[string]any{"message": "forbidden"}})
				return
			}
			next.ServeHTTP(w, req)
		})
	})

	r.HandleFunc("/api/sessions/create", func(w http.ResponseWriter, req *http.Request) {
		var body createSessionRequest
		assert.NoError(t, json.NewDecoder(req.Body).Decode(&body))
		if _, taken := f.instances.LoadOrStore(body.InstanceName, body.UserID); taken {
			write(w, http.StatusForbidden, map[string]any{"response": map[string]any{"message": []string{"This name is already in use."}}})
			return
		}
		write(w, http.StatusCreated, map[string]any{
			"instance": map[string]any{"instanceName": body.InstanceName, "instanceId": "uuid-" + body.InstanceName, "status": "created"},
			"qrcode":   map[string]any{"code": "2@evo", "base64": "data:image/png;base64,AAAA"},
		})
	}).Methods(http.MethodPost)
	r.HandleFunc("/api/sessions/{id}/status", func(w http.ResponseWriter, req *http.Request) {
		f.statusCalls.Add(1)
		write(w, 200, map[string]any{"instance": map[string]any{"state": f.state.Load().(string), "owner": "15551234567@s.whatsapp.net"}})
	}).Methods(http.MethodGet)
	r.HandleFunc("/api/sessions/{id}/qr", func(w http.ResponseWriter, req *http.Request) {
		write(w, 200, map[string]any{"base64": "data:image/png;base64,BBBB"})
	}).Methods(http.MethodGet)
	r.HandleFunc("/api/sessions/{id}/reconnect", func(w http.ResponseWriter, req *http.Request) {
		f.state.Store("open")
		write(w, 200, map[string]any{})
	}).Methods(http.MethodPost)
	r.HandleFunc("/api/sessions/{id}/ping", func(w http.ResponseWriter, req *http.Request) {
		if f.pingMissing {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		f.pings.Add(1)
		write(w, 200, map[string]any{"pong": true})
	}).Methods(http.MethodPost)
	r.HandleFunc("/api/messages/send", func(w http.ResponseWriter, req *http.Request) {
		var body sendRequest
		assert.NoError(t, json.NewDecoder(req.Body).Decode(&body))
		f.lastSend.Store(body)
		write(w, 201, map[string]any{"key": map[string]any{"id": "BAE5", "remoteJid": body.Number + "@s.whatsapp.net"}, "status": "PENDING"})
	}).Methods(http.MethodPost)
	r.HandleFunc("/api/media/upload", func(w http.ResponseWriter, req *http.Request) {
		write(w, 200, map[string]any{"media": map[string]any{"url": "https://evo/m.png", "id": "m9"}})
	}).Methods(http.MethodPost)
	r.HandleFunc("/api/webhook/register", func(w http.ResponseWriter, req *http.Request) {
		write(w, 200, map[string]any{})
	}).Methods(http.MethodPost)
	return r
}

func newTestClient(t *testing.T, f *fakeEvolution, interval time.Duration) *Client {
	srv := httptest.NewServer(f.handler(t))
	t.Cleanup(srv.Close)
	c, err := NewClient(provider.Options{
		BaseURL: srv.URL, APIKey: "key", WebhookSecret: "s3cret",
		Timeout: 2 * time.Second, KeepAliveInterval: interval,
	})
	require.NoError(t, err)
	c.Retrier().SetSleep(func(ctx context.Context, d time.Duration) error { return nil })
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestNestedShapes(t *testing.T) {
	f := newFakeEvolution("close")
	c := newTestClient(t, f, time.Hour)
	ctx := context.Background()

	res, err := c.CreateSession(ctx, "u1", map[string]any{"plan": "pro", "sessionId": "inst-1"})
	require.NoError(t, err)
	assert.Equal(t, "inst-1", res.ExternalSessionID)
	assert.Equal(t, "2@evo", res.QRCode)

	qr, err := c.GetQRCode(ctx, "inst-1")
	require.NoError(t, err)
	assert.Equal(t, "data:image/png;base64,BBBB", qr.Code)

	state, err := c.GetSessionStatus(ctx, "inst-1")
	require.NoError(t, err)
	assert.Equal(t, "disconnected", state.Status)
	assert.False(t, state.IsConnected)
	assert.Equal(t, "15551234567", state.PhoneNumber)

	f.state.Store("open")
	state, err = c.GetSessionStatus(ctx, "inst-1")
	require.NoError(t, err)
	assert.True(t, state.IsConnected)

	up, err := c.UploadMedia(ctx, "inst-1", []byte{1, 2, 3}, "image/png", "a.png")
	require.NoError(t, err)
	assert.Equal(t, "https://evo/m.png", up.URL)
	assert.Equal(t, "m9", up.MediaID)

	require.NoError(t, c.RegisterWebhook(ctx, "inst-1", "https://gw/hook"))
}

func TestCreateSessionNamesInstanceAfterGatewaySession(t *testing.T) {
	f := newFakeEvolution("close")
	c := newTestClient(t, f, time.Hour)
	ctx := context.Background()

	first, err := c.CreateSession(ctx, "u1", map[string]any{"sessionId": "gw-1"})
	require.NoError(t, err)
	assert.Equal(t, "gw-1", first.ExternalSessionID)

	// The first session failed; its instance still exists on the relay.
	second, err := c.CreateSession(ctx, "u1", map[string]any{"sessionId": "gw-2"})
	require.NoError(t, err)
	assert.Equal(t, "gw-2", second.ExternalSessionID)

	owner, ok := f.instances.Load("gw-2")
	require.True(t, ok)
	assert.Equal(t, "u1", owner)

	_, err = c.CreateSession(ctx, "u1", map[string]any{"sessionId": "gw-2"})
	assert.Error(t, err)

	anon, err := c.CreateSession(ctx, "u1", nil)
	require.NoError(t, err)
	assert.NotEqual(t, "u1", anon.ExternalSessionID)
	assert.NotEmpty(t, anon.ExternalSessionID)
}

func TestSendShapes(t *testing.T) {
	f := newFakeEvolution("open")
	c := newTestClient(t, f, time.Hour)
	ctx := context.Background()

	res, err := c.SendText(ctx, "inst-1", "15550001111@s.whatsapp.net", "hello")
	require.NoError(t, err)
	assert.Equal(t, "BAE5", res.ExternalMessageID)
	assert.Equal(t, "sent", res.Status)
	sent := f.lastSend.Load().(sendRequest)
	require.NotNil(t, sent.TextMessage)
	assert.Equal(t, "hello", sent.TextMessage.Text)
	assert.Equal(t, "15550001111", sent.Number)

	_, err = c.SendMedia(ctx, "inst-1", "15550001111", provider.MediaMessage{Type: provider.BodyDocument, URL: "https://x/y.pdf", FileName: "y.pdf"})
	require.NoError(t, err)
	sent = f.lastSend.Load().(sendRequest)
	require.NotNil(t, sent.MediaMessage)
	assert.Equal(t, "document", sent.MediaMessage.MediaType)
	assert.Equal(t, "y.pdf", sent.MediaMessage.FileName)
}

func TestSendReconnectsClosedInstance(t *testing.T) {
	f := newFakeEvolution("close")
	c := newTestClient(t, f, time.Hour)

	_, err := c.SendText(context.Background(), "inst-1", "15550001111", "hello")
	require.NoError(t, err)
	assert.Equal(t, "open", f.state.Load().(string))
}

func TestKeepAlivePingsUntilStopped(t *testing.T) {
	f := newFakeEvolution("open")
	c := newTestClient(t, f, 10*time.Millisecond)

	c.StartKeepAlive("inst-1")
	c.StartKeepAlive("inst-1")
	assert.True(t, c.KeepAliveRunning("inst-1"))

	require.Eventually(t, func() bool { return f.pings.Load() >= 2 }, time.Second, 5*time.Millisecond)

	c.StopKeepAlive("inst-1")
	c.StopKeepAlive("inst-1")
	assert.False(t, c.KeepAliveRunning("inst-1"))

	time.Sleep(30 * time.Millisecond)
	settled := f.pings.Load()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, settled, f.pings.Load())
}

func TestKeepAliveFallsBackToStatus(t *testing.T) {
	f := newFakeEvolution("open")
	f.pingMissing = true
	c := newTestClient(t, f, 10*time.Millisecond)

	c.StartKeepAlive("inst-1")
	require.Eventually(t, func() bool { return f.statusCalls.Load() >= 2 }, time.Second, 5*time.Millisecond)
	require.NoError(t, c.Close())
	assert.False(t, c.KeepAliveRunning("inst-1"))
	assert.Zero(t, f.pings.Load())
}

func TestWrongAPIKeyIsUnauthorized(t *testing.T) {
	f := newFakeEvolution("open")
	srv := httptest.NewServer(f.handler(t))
	defer srv.Close()
	c, err := NewClient(provider.Options{BaseURL: srv.URL, APIKey: "wrong", WebhookSecret: "s"})
	require.NoError(t, err)

	_, err = c.GetSessionStatus(context.Background(), "inst-1")
	assert.True(t, apperr.IsKind(err, apperr.Unauthorized))
	assert.Contains(t, err.Error(), "forbidden")
}
