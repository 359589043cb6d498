// Package wuzapi is the relay backend for wuzapi-style servers: flat JSON
// bodies wrapped in {code, success, data} and a Token header.
package wuzapi

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/url"

	"github.com/rs/zerolog/log"

	"wuzapi-ai-gateway/internal/adapters/provider"
	"wuzapi-ai-gateway/internal/apperr"
)

const Name = "wuzapi"

// subscribedEvents are the relay events registered with every webhook.
var subscribedEvents = []string{"Message", "ReadReceipt", "Connected", "Disconnected", "LoggedOut", "QR", "PairSuccess"}

// Client talks to a wuzapi relay.
type Client struct {
	transport *provider.Transport
	retrier   *provider.SendRetrier
	secret    string
}

var (
	_ provider.Provider      = (*Client)(nil)
	_ provider.RetryResetter = (*Client)(nil)
)

// NewClient creates a wuzapi client.
func NewClient(opts provider.Options) (*Client, error) {
	if opts.APIKey == "" {
		return nil, fmt.Errorf("wuzapi API key cannot be empty")
	}
	if opts.WebhookSecret == "" {
		return nil, fmt.Errorf("wuzapi webhook secret cannot be empty")
	}
	tr, err := provider.NewTransport(Name, opts, map[string]string{"Token": opts.APIKey})
	if err != nil {
		return nil, err
	}

	log.Info().Str("baseURL", opts.BaseURL).Msg("Wuzapi client configured")

	return &Client{
		transport: tr,
		retrier:   provider.NewSendRetrier(Name, opts.RetryAttempts, opts.RetryBaseDelay),
		secret:    opts.WebhookSecret,
	}, nil
}

func (c *Client) Name() string { return Name }

// Retrier exposes the send retry loop so tests can replace its sleep.
func (c *Client) Retrier() *provider.SendRetrier { return c.retrier }

func (c *Client) CreateSession(ctx context.Context, userID string, metadata map[string]any) (*provider.CreateSessionResult, error) {
	var out envelope[createSessionData]
	err := c.transport.Do(ctx, "create_session", http.MethodPost, "/api/sessions/create",
		createSessionRequest{UserID: userID, Metadata: metadata}, &out)
	if err != nil {
		return nil, err
	}
	if out.Data.SessionID == "" {
		return nil, apperr.New(apperr.ProviderUnavailable, "wuzapi create_session: response carried no session id")
	}

	log.Info().Str("userID", userID).Str("sessionID", out.Data.SessionID).Str("status", out.Data.Status).Msg("Wuzapi session created")

	return &provider.CreateSessionResult{
		ExternalSessionID: out.Data.SessionID,
		Status:            out.Data.Status,
		QRCode:            out.Data.QRCode,
		ExpiresAt:         out.Data.ExpiresAt,
		Raw: map[string]any{
			"provider": Name,
			"status":   out.Data.Status,
		},
	}, nil
}

func (c *Client) GetQRCode(ctx context.Context, sessionID string) (*provider.QRCode, error) {
	var out envelope[qrData]
	if err := c.transport.Do(ctx, "get_qr", http.MethodGet, sessionPath(sessionID, "qr"), nil, &out); err != nil {
		return nil, err
	}
	if out.Data.QRCode == "" {
		return nil, apperr.New(apperr.InvalidState, "wuzapi get_qr: no QR code available for session %s", sessionID)
	}
	return &provider.QRCode{Code: out.Data.QRCode, ExpiresAt: out.Data.ExpiresAt}, nil
}

func (c *Client) GetSessionStatus(ctx context.Context, sessionID string) (*provider.SessionState, error) {
	var out envelope[statusData]
	if err := c.transport.Do(ctx, "get_status", http.MethodGet, sessionPath(sessionID, "status"), nil, &out); err != nil {
		return nil, err
	}
	connected := out.Data.Connected || provider.IsConnectedState(out.Data.Status)
	if out.Data.LoggedIn != nil && !*out.Data.LoggedIn {
		connected = false
	}
	if connected {
		c.retrier.Reset(sessionID)
	}
	phone := out.Data.PhoneNumber
	if phone == "" {
		phone = provider.PhoneFromJID(out.Data.Jid)
	}
	return &provider.SessionState{Status: out.Data.Status, IsConnected: connected, PhoneNumber: phone}, nil
}

func (c *Client) DisconnectSession(ctx context.Context, sessionID string) error {
	if err := c.transport.Do(ctx, "disconnect", http.MethodDelete, "/api/sessions/"+url.PathEscape(sessionID), nil, nil); err != nil {
		return err
	}
	c.retrier.Reset(sessionID)
	log.Info().Str("sessionID", sessionID).Msg("Wuzapi session disconnected")
	return nil
}

func (c *Client) ReconnectSession(ctx context.Context, sessionID string) error {
	return c.transport.Do(ctx, "reconnect", http.MethodPost, sessionPath(sessionID, "reconnect"), nil, nil)
}

func (c *Client) RegisterWebhook(ctx context.Context, sessionID, webhookURL string) error {
	if webhookURL == "" {
		return apperr.New(apperr.ValidationError, "webhook url cannot be empty")
	}
	err := c.transport.Do(ctx, "register_webhook", http.MethodPost, "/api/webhook/register",
		webhookRequest{SessionID: sessionID, URL: webhookURL, Events: subscribedEvents}, nil)
	if err != nil {
		return err
	}
	log.Info().Str("sessionID", sessionID).Str("url", webhookURL).Msg("Wuzapi webhook registered")
	return nil
}

// SendMessage sends body to `to` through the send-with-retry loop.
func (c *Client) SendMessage(ctx context.Context, sessionID, to string, body provider.MessageBody) (*provider.SendResult, error) {
	if to == "" {
		return nil, apperr.New(apperr.ValidationError, "recipient cannot be empty")
	}
	req := sendRequest{
		SessionID: sessionID,
		To:        provider.Recipient(to),
		Type:      body.Type,
		Text:      body.Text,
		MediaURL:  body.MediaURL,
		MimeType:  body.MimeType,
		FileName:  body.FileName,
		Caption:   body.Caption,
	}
	if req.Type == "" {
		req.Type = provider.BodyText
	}
	if len(body.Thumbnail) > 0 {
		req.Thumbnail = base64.StdEncoding.EncodeToString(body.Thumbnail)
	}

	return c.retrier.Do(ctx, c, sessionID, func(ctx context.Context) (*provider.SendResult, error) {
		var out envelope[sendData]
		if err := c.transport.Do(ctx, "send", http.MethodPost, "/api/messages/send", req, &out); err != nil {
			return nil, err
		}
		id := out.Data.MessageID
		if id == "" {
			id = out.Data.ID
		}
		status := out.Data.Status
		if status == "" {
			status = "sent"
		}
		return &provider.SendResult{ExternalMessageID: id, Status: status}, nil
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
	var out envelope[uploadData]
	err := c.transport.Do(ctx, "upload_media", http.MethodPost, "/api/media/upload", uploadRequest{
		SessionID: sessionID,
		Data:      base64.StdEncoding.EncodeToString(data),
		MimeType:  mimeType,
		FileName:  fileName,
	}, &out)
	if err != nil {
		return nil, apperr.Wrap(apperr.MediaError, err, "wuzapi upload failed")
	}
	return &provider.UploadResult{URL: out.Data.URL, MediaID: out.Data.MediaID}, nil
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
