package wuzapi

import "time"

// envelope wraps every wuzapi response body.
type envelope[T any] struct {
	Code    int    `json:"code"`
	Success bool   `json:"success"`
	Data    T      `json:"data"`
	Error   string `json:"error,omitempty"`
}

type createSessionRequest struct {
	UserID   string         `json:"userId"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

type createSessionData struct {
	SessionID string     `json:"sessionId"`
	Status    string     `json:"status"`
	QRCode    string     `json:"qrCode"`
	ExpiresAt *time.Time `json:"expiresAt"`
}

type qrData struct {
	QRCode    string     `json:"qrCode"`
	ExpiresAt *time.Time `json:"expiresAt"`
}

type statusData struct {
	Status      string `json:"status"`
	Connected   bool   `json:"connected"`
	LoggedIn    *bool  `json:"loggedIn"`
	PhoneNumber string `json:"phoneNumber"`
	Jid         string `json:"jid"`
}

type webhookRequest struct {
	SessionID string   `json:"sessionId"`
	URL       string   `json:"url"`
	Events    []string `json:"events"`
}

type sendRequest struct {
	SessionID string `json:"sessionId"`
	To        string `json:"to"`
	Type      string `json:"type"`
	Text      string `json:"text,omitempty"`
	MediaURL  string `json:"mediaUrl,omitempty"`
	MimeType  string `json:"mimeType,omitempty"`
	FileName  string `json:"fileName,omitempty"`
	Caption   string `json:"caption,omitempty"`
	Thumbnail string `json:"jpegThumbnail,omitempty"`
}

type sendData struct {
	MessageID string `json:"messageId"`
	ID        string `json:"id"`
	Status    string `json:"status"`
}

type uploadRequest struct {
	SessionID string `json:"sessionId"`
	Data      string `json:"data"`
	MimeType  string `json:"mimeType"`
	FileName  string `json:"fileName,omitempty"`
}

type uploadData struct {
	URL     string `json:"url"`
	MediaID string `json:"mediaId"`
}
