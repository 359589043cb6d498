// Package evolution is the relay backend for Evolution-style servers:
// nested instance/qrcode/key bodies, an apikey header and keep-alive pings.
package evolution

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"wuzapi-ai-gateway/internal/adapters/provider"
	"wuzapi-ai-gateway/internal/apperr"
)

const (
	Name                     = "evolution"
	DefaultKeepAliveInterval = 10 * time.Second
)

var subscribedEvents = []string{"MESSAGES_UPSERT", "MESSAGES_UPDATE", "CONNECTION_UPDATE", "QRCODE_UPDATED", "LOGOUT_INSTANCE"}

// Client talks to an Evolution relay.
type Client struct {
	transport *provider.Transport
	retrier   *provider.SendRetrier
	secret    string

	keepAliveInterval time.Duration
	kaMu              sync.Mutex
	keepAlives        map[string]context.CancelFunc
	kaWG              sync.WaitGroup
}

var (
	_ provider.Provider      = (*Client)(nil)
	_ provider.KeepAliver    = (*Client)(nil)
	_ provider.RetryResetter = (*Client)(nil)
)

// NewClient creates an Evolution client.
func NewClient(opts provider.Options) (*Client, error) {
	if opts.APIKey == "" {
		return nil, fmt.Errorf("evolution API key cannot be empty")
	}
	if opts.WebhookSecret == "" {
		return nil, fmt.Errorf("evolution webhook secret cannot be empty")
	}
	tr, err := provider.NewTransport(Name, opts, map[string]string{"apikey": opts.APIKey})
	if err != nil {
		return nil, err
	}
	interval := opts.KeepAliveInterval
	if interval <= 0 {
		interval = DefaultKeepAliveInterval
	}

	log.Info().Str("baseURL", opts.BaseURL).Dur("keepAlive", interval).Msg("Evolution client configured")

	return &Client{
		transport:         tr,
		retrier:           provider.NewSendRetrier(Name, opts.RetryAttempts, opts.RetryBaseDelay),
		secret:            opts.WebhookSecret,
		keepAliveInterval: interval,
		keepAlives:        make(map[string]context.CancelFunc),
	}, nil
}

func (c *Client) Name() string { return Name }

// Retrier exposes the send retry loop so tests can replace its sleep.
func (c *Client) Retrier() *provider.SendRetrier { return c.retrier }

// CreateSession creates an instance named after the gateway session id
// (metadata "sessionId"). Instance names are unique on the relay, and a
// user may create a new session while an old failed instance still exists.
func (c *Client) CreateSession(ctx context.Context, userID string, metadata map[string]any) (*provider.CreateSessionResult, error) {
	name, _ := metadata["sessionId"].(string)
	if name == "" {
		name = uuid.NewString()
	}

	var out createSessionResponse
	err := c.transport.Do(ctx, "create_session", http.MethodPost, "/api/sessions/create", createSessionRequest{
		InstanceName: name,
		UserID:       userID,
		QRCode:       true,
		Integration:  "WHATSAPP-BAILEYS",
		Metadata:     metadata,
	}, &out)
	if err != nil {
		return nil, err
	}

	id := out.Instance.InstanceName
	if id == "" {
		id = name
	}
	if id == "" {
		return nil, apperr.New(apperr.ProviderUnavailable, "evolution create_session: response carried no instance")
	}

	log.Info().Str("userID", userID).Str("sessionID", id).Str("status", out.Instance.Status).Msg("Evolution instance created")

	return &provider.CreateSessionResult{
		ExternalSessionID: id,
		Status:            out.Instance.Status,
		QRCode:            qrCode(&out.QRCode),
		ExpiresAt:         parseExpiry(out.QRCode.ExpiresAt),
		Raw: map[string]any{
			"provider":   Name,
			"instanceId": out.Instance.InstanceID,
			"status":     out.Instance.Status,
		},
	}, nil
}

func (c *Client) GetQRCode(ctx context.Context, sessionID string) (*provider.QRCode, error) {
	var out qrResponse
	if err := c.transport.Do(ctx, "get_qr", http.MethodGet, sessionPath(sessionID, "qr"), nil, &out); err != nil {
		return nil, err
	}
	p := &out.qrPayload
	if out.QRCode != nil {
		p = out.QRCode
	}
	code := qrCode(p)
	if code == "" {
		return nil, apperr.New(apperr.InvalidState, "evolution get_qr: no QR code available for instance %s", sessionID)
	}
	return &provider.QRCode{Code: code, ExpiresAt: parseExpiry(p.ExpiresAt)}, nil
}

// GetSessionStatus maps instance.state: open is connected, close is
// disconnected, anything else is passed through.
func (c *Client) GetSessionStatus(ctx context.Context, sessionID string) (*provider.SessionState, error) {
	var out statusResponse
	if err := c.transport.Do(ctx, "get_status", http.MethodGet, sessionPath(sessionID, "status"), nil, &out); err != nil {
		return nil, err
	}
	state := strings.ToLower(out.Instance.State)
	if state == "" {
		state = strings.ToLower(out.Instance.Status)
	}
	var status string
	switch state {
	case "open":
		status = "connected"
	case "close", "closed":
		status = "disconnected"
	default:
		status = state
	}
	connected := status == "connected"
	if connected {
		c.retrier.Reset(sessionID)
	}
	return &provider.SessionState{
		Status:      status,
		IsConnected: connected,
		PhoneNumber: provider.PhoneFromJID(out.Instance.Owner),
	}, nil
}

func (c *Client) DisconnectSession(ctx context.Context, sessionID string) error {
	c.StopKeepAlive(sessionID)
	if err := c.transport.Do(ctx, "disconnect", http.MethodDelete, "/api/sessions/"+url.PathEscape(sessionID), nil, nil); err != nil {
		return err
	}
	c.retrier.Reset(sessionID)
	log.Info().Str("sessionID", sessionID).Msg("Evolution instance logged out")
	return nil
}

func (c *Client) ReconnectSession(ctx context.Context, sessionID string) error {
	return c.transport.Do(ctx, "reconnect", http.MethodPost, sessionPath(sessionID, "reconnect"), nil, nil)
}

func (c *Client) RegisterWebhook(ctx context.Context, sessionID, webhookURL string) error {
	if webhookURL == "" {
		return apperr.New(apperr.ValidationError, "webhook url cannot be empty")
	}
	err := c.transport.Do(ctx, "register_webhook", http.MethodPost, "/api/webhook/register", webhookRequest{
		SessionID: sessionID,
		URL:       webhookURL,
		Enabled:   true,
		Base64:    true,
		Events:    subscribedEvents,
	}, nil)
	if err != nil {
		return err
	}
	log.Info().Str("sessionID", sessionID).Str("url", webhookURL).Msg("Evolution webhook registered")
	return nil
}

// SendMessage sends body to `to` through the send-with-retry loop.
func (c *Client) SendMessage(ctx context.Context, sessionID, to string, body provider.MessageBody) (*provider.SendResult, error) {
	if to == "" {
		return nil, apperr.New(apperr.ValidationError, "recipient cannot be empty")
	}
	req := sendRequest{InstanceName: sessionID, Number: provider.Recipient(to)}
	switch body.Type {
	case "", provider.BodyText:
		req.TextMessage = &struct {
			Text string `json:"text"`
		}{Text: body.Text}
	default:
		req.MediaMessage = &mediaBody{
			MediaType: body.Type,
			MimeType:  body.MimeType,
			Media:     body.MediaURL,
			FileName:  body.FileName,
			Caption:   body.Caption,
		}
		if len(body.Thumbnail) > 0 {
			req.MediaMessage.JPEGThumbnail = base64.StdEncoding.EncodeToString(body.Thumbnail)
		}
	}

	return c.retrier.Do(ctx, c, sessionID, func(ctx context.Context) (*provider.SendResult, error) {
		var out sendResponse
		if err := c.transport.Do(ctx, "send", http.MethodPost, "/api/messages/send", req, &out); err != nil {
			return nil, err
		}
		status := strings.ToLower(out.Status)
		if status == "" || status == "pending" {
			status = "sent"
		}
		return &provider.SendResult{ExternalMessageID: out.Key.ID, Status: status}, nil
	})
}

func (c *Client) SendText(ctx context.Context, sessionID, to, text string) (*provider.SendResult, error) {
	return c.SendMessage(ctx, sessionID, to, provider.MessageBody{Type: provider.BodyText, Text: text})
}

func (c *Client) SendMedia(ctx context.Context, sessionID, to string, media provider.MediaMessage) (*provider.SendResult, error) {
	if media.URL == "" {
		return nil, apperr.New(apperr.MediaError, "media url cannot be empty")
	}
	return c.SendMessage(ctx, sessionID, to, media.Body())
}

func (c *Client) UploadMedia(ctx context.Context, sessionID string, data []byte, mimeType, fileName string) (*provider.UploadResult, error) {
	if len(data) == 0 {
		return nil, apperr.New(apperr.MediaError, "media payload is empty")
	}
	var out uploadResponse
	err := c.transport.Do(ctx, "upload_media", http.MethodPost, "/api/media/upload", uploadRequest{
		InstanceName: sessionID,
		Media:        base64.StdEncoding.EncodeToString(data),
		MimeType:     mimeType,
		FileName:     fileName,
	}, &out)
	if err != nil {
		return nil, apperr.Wrap(apperr.MediaError, err, "evolution upload failed")
	}
	res := &provider.UploadResult{URL: out.URL, MediaID: out.ID}
	if out.Media != nil {
		if res.URL == "" {
			res.URL = out.Media.URL
		}
		if res.MediaID == "" {
			res.MediaID = out.Media.ID
		}
	}
	return res, nil
}

func (c *Client) ValidateWebhookSignature(signature string, raw []byte) bool {
	return provider.VerifySignature(c.secret, signature, raw)
}

func (c *Client) HealthCheck(ctx context.Context) bool {
	return c.transport.Ping(ctx, "/health")
}

func (c *Client) ResetRetryState(sessionID string) {
	c.retrier.Reset(sessionID)
}

func sessionPath(sessionID, suffix string) string {
	return "/api/sessions/" + url.PathEscape(sessionID) + "/" + suffix
}

func qrCode(p *qrPayload) string {
	if p.Code != "" {
		return p.Code
	}
	return p.Base64
}

func parseExpiry(s string) *time.Time {
	if s == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return nil
	}
	return &t
}
