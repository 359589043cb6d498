// Package provider defines the contract every WhatsApp relay backend
// implements, plus the transport, retry and payload helpers they share.
package provider

import (
	"context"
	"strings"
	"time"
)

// Provider is a hosted WhatsApp relay. Every sessionID argument is the
// provider's external session id.
type Provider interface {
	Name() string

	CreateSession(ctx context.Context, userID string, metadata map[string]any) (*CreateSessionResult, error)
	GetQRCode(ctx context.Context, sessionID string) (*QRCode, error)
	GetSessionStatus(ctx context.Context, sessionID string) (*SessionState, error)
	DisconnectSession(ctx context.Context, sessionID string) error
	ReconnectSession(ctx context.Context, sessionID string) error
	RegisterWebhook(ctx context.Context, sessionID, url string) error

	SendMessage(ctx context.Context, sessionID, to string, body MessageBody) (*SendResult, error)
	SendText(ctx context.Context, sessionID, to, text string) (*SendResult, error)
	SendMedia(ctx context.Context, sessionID, to string, media MediaMessage) (*SendResult, error)
	UploadMedia(ctx context.Context, sessionID string, data []byte, mimeType, fileName string) (*UploadResult, error)

	ValidateWebhookSignature(signature string, raw []byte) bool
	HealthCheck(ctx context.Context) bool
}

// KeepAliver is implemented by backends that need periodic pings while a
// long operation runs against a session.
type KeepAliver interface {
	StartKeepAlive(sessionID string)
	StopKeepAlive(sessionID string)
}

// RetryResetter clears the backend's send-retry bookkeeping for a session.
type RetryResetter interface {
	ResetRetryState(sessionID string)
}

type CreateSessionResult struct {
	ExternalSessionID string
	Status            string
	QRCode            string
	ExpiresAt         *time.Time
	Raw               map[string]any
}

type QRCode struct {
	Code      string
	ExpiresAt *time.Time
}

// SessionState is what the relay reports for a session right now.
type SessionState struct {
	Status      string
	IsConnected bool
	PhoneNumber string
}

// Message body types.
const (
	BodyText     = "text"
	BodyImage    = "image"
	BodyDocument = "document"
	BodyVideo    = "video"
	BodyAudio    = "audio"
)

// MessageBody is the backend-agnostic outbound message.
type MessageBody struct {
	Type      string
	Text      string
	MediaURL  string
	MimeType  string
	FileName  string
	Caption   string
	Thumbnail []byte // JPEG, images only
}

// MediaMessage is the SendMedia shape.
type MediaMessage struct {
	Type      string
	URL       string
	MimeType  string
	FileName  string
	Caption   string
	Thumbnail []byte
}

func (m MediaMessage) Body() MessageBody {
	return MessageBody{
		Type:      m.Type,
		MediaURL:  m.URL,
		MimeType:  m.MimeType,
		FileName:  m.FileName,
		Caption:   m.Caption,
		Thumbnail: m.Thumbnail,
	}
}

type SendResult struct {
	ExternalMessageID string
	Status            string
}

type UploadResult struct {
	URL     string
	MediaID string
}

// Options configures a backend client.
type Options struct {
	BaseURL        string
	APIKey         string
	WebhookSecret  string
	Timeout        time.Duration
	RetryAttempts  int
	RetryBaseDelay time.Duration
	// KeepAliveInterval is only used by backends implementing KeepAliver.
	KeepAliveInterval time.Duration
	Observer          RequestObserver
}

// RequestObserver receives one call per relay request.
type RequestObserver interface {
	ObserveProviderRequest(provider, op string, err error, elapsed time.Duration)
}

// Recipient turns a contact JID into the address the relay send endpoints
// take: a bare phone number for users, the full JID for groups.
func Recipient(to string) string {
	if strings.HasSuffix(to, "@g.us") {
		return to
	}
	return PhoneFromJID(to)
}
