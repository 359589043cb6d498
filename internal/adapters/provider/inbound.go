package provider

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Envelope is the outer webhook body every backend posts.
type Envelope struct {
	SessionID string          `json:"sessionId"`
	Event     string          `json:"event"`
	Data      json.RawMessage `json:"data"`
	Timestamp json.RawMessage `json:"timestamp"`
}

// Time parses the envelope timestamp as unix seconds, unix millis or RFC3339.
// It returns the zero time when absent or unparseable.
func (e *Envelope) Time() time.Time {
	return parseTimestamp(e.Timestamp)
}

// InboundMedia is an attachment carried by an inbound message. Either URL or
// Base64 is set depending on how the relay was configured.
type InboundMedia struct {
	Type     string
	URL      string
	Base64   string
	MimeType string
	FileName string
	Caption  string
}

// InboundMessage is a message payload normalized across both payload shapes.
type InboundMessage struct {
	ID        string
	From      string // contact JID
	PushName  string
	FromMe    bool
	IsGroup   bool
	Timestamp time.Time
	Text      string
	Media     []InboundMedia
}

// Phone returns the contact's phone number.
func (m *InboundMessage) Phone() string { return PhoneFromJID(m.From) }

type mediaPayload struct {
	URL      string `json:"url"`
	MediaURL string `json:"mediaUrl"`
	Base64   string `json:"base64"`
	Mimetype string `json:"mimetype"`
	MimeType string `json:"mimeType"`
	FileName string `json:"fileName"`
	Caption  string `json:"caption"`
}

type messageContent struct {
	Conversation        string `json:"conversation"`
	Text                string `json:"text"`
	Base64              string `json:"base64"`
	ExtendedTextMessage *struct {
		Text string `json:"text"`
	} `json:"extendedTextMessage"`
	ImageMessage    *mediaPayload `json:"imageMessage"`
	DocumentMessage *mediaPayload `json:"documentMessage"`
	VideoMessage    *mediaPayload `json:"videoMessage"`
	AudioMessage    *mediaPayload `json:"audioMessage"`
}

type messageKey struct {
	RemoteJid string `json:"remoteJid"`
	ID        string `json:"id"`
	FromMe    bool   `json:"fromMe"`
}

type messageInfo struct {
	ID       string `json:"id"`
	Chat     string `json:"chat"`
	Sender   string `json:"sender"`
	PushName string `json:"pushName"`
	IsFromMe bool   `json:"isFromMe"`
	IsGroup  bool   `json:"isGroup"`
}

type rawMessage struct {
	// flat shape
	From string `json:"from"`
	ID   string `json:"id"`
	Body string `json:"body"`
	// nested shape
	Key *messageKey `json:"key"`
	// info shape
	Info *messageInfo `json:"info"`

	PushName         string          `json:"pushName"`
	FromMe           bool            `json:"fromMe"`
	Message          json.RawMessage `json:"message"`
	Timestamp        json.RawMessage `json:"timestamp"`
	MessageTimestamp json.RawMessage `json:"messageTimestamp"`
}

// NormalizeMessage decodes a message event's data into an InboundMessage.
// It accepts the flat {from, id, message} shape, the nested
// {key.remoteJid, key.id, message.extendedTextMessage.text} shape and the
// {info, message} shape.
func NormalizeMessage(data json.RawMessage) (*InboundMessage, error) {
	var raw rawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decode message payload: %w", err)
	}

	msg := &InboundMessage{
		ID:       raw.ID,
		From:     raw.From,
		PushName: raw.PushName,
		FromMe:   raw.FromMe,
	}
	if raw.Key != nil {
		if msg.ID == "" {
			msg.ID = raw.Key.ID
		}
		if msg.From == "" {
			msg.From = raw.Key.RemoteJid
		}
		msg.FromMe = msg.FromMe || raw.Key.FromMe
	}
	if raw.Info != nil {
		if msg.ID == "" {
			msg.ID = raw.Info.ID
		}
		if msg.From == "" {
			msg.From = raw.Info.Chat
			if msg.From == "" {
				msg.From = raw.Info.Sender
			}
		}
		if msg.PushName == "" {
			msg.PushName = raw.Info.PushName
		}
		msg.FromMe = msg.FromMe || raw.Info.IsFromMe
		msg.IsGroup = raw.Info.IsGroup
	}
	if msg.From == "" {
		return nil, fmt.Errorf("message payload has no sender")
	}
	msg.IsGroup = msg.IsGroup || strings.HasSuffix(msg.From, "@g.us")

	msg.Timestamp = parseTimestamp(raw.MessageTimestamp)
	if msg.Timestamp.IsZero() {
		msg.Timestamp = parseTimestamp(raw.Timestamp)
	}

	msg.Text = raw.Body
	if len(raw.Message) > 0 {
		// The flat shape may carry the text directly as a string.
		var s string
		if err := json.Unmarshal(raw.Message, &s); err == nil {
			if msg.Text == "" {
				msg.Text = s
			}
		} else {
			var content messageContent
			if err := json.Unmarshal(raw.Message, &content); err != nil {
				return nil, fmt.Errorf("decode message content: %w", err)
			}
			applyContent(msg, &content)
		}
	}
	return msg, nil
}

func applyContent(msg *InboundMessage, c *messageContent) {
	if msg.Text == "" {
		switch {
		case c.Conversation != "":
			msg.Text = c.Conversation
		case c.ExtendedTextMessage != nil && c.ExtendedTextMessage.Text != "":
			msg.Text = c.ExtendedTextMessage.Text
		case c.Text != "":
			msg.Text = c.Text
		}
	}
	add := func(kind string, p *mediaPayload) {
		if p == nil {
			return
		}
		m := InboundMedia{
			Type:     kind,
			URL:      firstNonEmpty(p.URL, p.MediaURL),
			Base64:   firstNonEmpty(p.Base64, c.Base64),
			MimeType: firstNonEmpty(p.Mimetype, p.MimeType),
			FileName: p.FileName,
			Caption:  p.Caption,
		}
		if m.URL == "" && m.Base64 == "" {
			return
		}
		msg.Media = append(msg.Media, m)
	}
	add(BodyImage, c.ImageMessage)
	add(BodyDocument, c.DocumentMessage)
	add(BodyVideo, c.VideoMessage)
	add(BodyAudio, c.AudioMessage)
}

// StatusUpdate is a normalized status, connected or disconnected payload.
type StatusUpdate struct {
	State       string
	Connected   bool
	PhoneNumber string
	Reason      string
	// MessageID and Delivery are set for delivery receipts.
	MessageID string
	Delivery  string
}

type rawStatus struct {
	Status       string `json:"status"`
	State        string `json:"state"`
	Connected    *bool  `json:"connected"`
	LoggedIn     *bool  `json:"loggedIn"`
	PhoneNumber  string `json:"phoneNumber"`
	Jid          string `json:"jid"`
	Wuid         string `json:"wuid"`
	Reason       any    `json:"reason"`
	StatusReason any    `json:"statusReason"`
	MessageID    string `json:"messageId"`
	KeyID        string `json:"keyId"`
	Type         string `json:"type"`
	Instance     *struct {
		State string `json:"state"`
		Owner string `json:"owner"`
	} `json:"instance"`
}

// NormalizeStatus decodes status, connected and disconnected payloads.
func NormalizeStatus(data json.RawMessage) (*StatusUpdate, error) {
	var raw rawStatus
	if len(data) > 0 && string(data) != "null" {
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("decode status payload: %w", err)
		}
	}
	u := &StatusUpdate{
		State:       firstNonEmpty(raw.State, raw.Status),
		PhoneNumber: PhoneFromJID(firstNonEmpty(raw.PhoneNumber, raw.Jid, raw.Wuid)),
		Reason:      stringify(raw.Reason),
		MessageID:   firstNonEmpty(raw.MessageID, raw.KeyID),
	}
	if u.Reason == "" {
		u.Reason = stringify(raw.StatusReason)
	}
	if raw.Instance != nil {
		u.State = firstNonEmpty(raw.Instance.State, u.State)
		if u.PhoneNumber == "" {
			u.PhoneNumber = PhoneFromJID(raw.Instance.Owner)
		}
	}
	if u.MessageID != "" {
		u.Delivery = strings.ToLower(firstNonEmpty(raw.Status, raw.Type, raw.State))
	}
	switch {
	case raw.Connected != nil:
		u.Connected = *raw.Connected && (raw.LoggedIn == nil || *raw.LoggedIn)
	default:
		u.Connected = IsConnectedState(u.State)
	}
	return u, nil
}

// QRUpdate is a normalized qr payload.
type QRUpdate struct {
	Code      string
	Scanned   bool
	ExpiresAt *time.Time
}

// NormalizeQR decodes a qr event payload.
func NormalizeQR(data json.RawMessage) (*QRUpdate, error) {
	var raw struct {
		QRCode    json.RawMessage `json:"qrcode"`
		QR        string          `json:"qr"`
		Code      string          `json:"code"`
		Base64    string          `json:"base64"`
		Status    string          `json:"status"`
		ExpiresAt json.RawMessage `json:"expiresAt"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decode qr payload: %w", err)
	}
	u := &QRUpdate{Code: firstNonEmpty(raw.QR, raw.Code, raw.Base64)}
	if len(raw.QRCode) > 0 {
		var s string
		if err := json.Unmarshal(raw.QRCode, &s); err == nil {
			u.Code = firstNonEmpty(s, u.Code)
		} else {
			var nested struct {
				Code   string `json:"code"`
				Base64 string `json:"base64"`
			}
			if err := json.Unmarshal(raw.QRCode, &nested); err == nil {
				u.Code = firstNonEmpty(nested.Code, nested.Base64, u.Code)
			}
		}
	}
	switch strings.ToLower(raw.Status) {
	case "scanned", "success", "paired":
		u.Scanned = true
	}
	if t := parseTimestamp(raw.ExpiresAt); !t.IsZero() {
		u.ExpiresAt = &t
	}
	return u, nil
}

// IsConnectedState reports whether a relay status string means connected.
func IsConnectedState(state string) bool {
	switch strings.ToLower(strings.TrimSpace(state)) {
	case "connected", "open", "online", "loggedin", "logged_in":
		return true
	}
	return false
}

// PhoneFromJID strips the server and device parts of a WhatsApp JID.
func PhoneFromJID(jid string) string {
	if i := strings.IndexByte(jid, '@'); i >= 0 {
		jid = jid[:i]
	}
	if i := strings.IndexByte(jid, ':'); i >= 0 {
		jid = jid[:i]
	}
	return strings.TrimPrefix(jid, "+")
}

func parseTimestamp(raw json.RawMessage) time.Time {
	if len(raw) == 0 || string(raw) == "null" {
		return time.Time{}
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if t, err := time.Parse(time.RFC3339, s); err == nil {
			return t
		}
		raw = json.RawMessage(s)
	}
	n, err := strconv.ParseInt(strings.TrimSpace(string(raw)), 10, 64)
	if err != nil || n <= 0 {
		return time.Time{}
	}
	if n > 1e12 {
		return time.UnixMilli(n).UTC()
	}
	return time.Unix(n, 0).UTC()
}

func stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return fmt.Sprint(t)
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
