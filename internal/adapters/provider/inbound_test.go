package provider

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeMessageShapes(t *testing.T) {
	cases := []struct {
		name string
		data string
	}{
		{"flat", `{"from":"15551234567@s.whatsapp.net","id":"ABC","pushName":"Ana","message":{"conversation":"hello"}}`},
		{"flat string", `{"from":"15551234567@s.whatsapp.net","id":"ABC","pushName":"Ana","message":"hello"}`},
		{"nested", `{"key":{"remoteJid":"15551234567@s.whatsapp.net","id":"ABC","fromMe":false},"pushName":"Ana","message":{"extendedTextMessage":{"text":"hello"}},"messageTimestamp":1700000000}`},
		{"info", `{"Info":{"ID":"ABC","Chat":"15551234567@s.whatsapp.net","PushName":"Ana","IsFromMe":false},"Message":{"conversation":"hello"}}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			msg, err := NormalizeMessage(json.RawMessage(tc.data))
			require.NoError(t, err)
			assert.Equal(t, "ABC", msg.ID)
			assert.Equal(t, "15551234567@s.whatsapp.net", msg.From)
			assert.Equal(t, "15551234567", msg.Phone())
			assert.Equal(t, "Ana", msg.PushName)
			assert.Equal(t, "hello", msg.Text)
			assert.False(t, msg.FromMe)
		})
	}
}

func TestNormalizeMessageMedia(t *testing.T) {
	data := `{"key":{"remoteJid":"1@s.whatsapp.net","id":"X"},"message":{"imageMessage":{"url":"https://cdn/x.jpg","mimetype":"image/jpeg","caption":"look"}}}`
	msg, err := NormalizeMessage(json.RawMessage(data))
	require.NoError(t, err)
	require.Len(t, msg.Media, 1)
	assert.Equal(t, BodyImage, msg.Media[0].Type)
	assert.Equal(t, "look", msg.Media[0].Caption)
	assert.Empty(t, msg.Text)
}

func TestNormalizeMessageRejectsMissingSender(t *testing.T) {
	_, err := NormalizeMessage(json.RawMessage(`{"id":"X","message":"hi"}`))
	assert.Error(t, err)
}

func TestNormalizeStatus(t *testing.T) {
	u, err := NormalizeStatus(json.RawMessage(`{"instance":{"state":"open","owner":"15551234567@s.whatsapp.net"}}`))
	require.NoError(t, err)
	assert.True(t, u.Connected)
	assert.Equal(t, "15551234567", u.PhoneNumber)

	u, err = NormalizeStatus(json.RawMessage(`{"status":"disconnected","reason":"logout"}`))
	require.NoError(t, err)
	assert.False(t, u.Connected)
	assert.Equal(t, "logout", u.Reason)

	u, err = NormalizeStatus(json.RawMessage(`{"messageId":"M1","status":"READ"}`))
	require.NoError(t, err)
	assert.Equal(t, "M1", u.MessageID)
	assert.Equal(t, "read", u.Delivery)

	u, err = NormalizeStatus(nil)
	require.NoError(t, err)
	assert.False(t, u.Connected)
}

func TestNormalizeQR(t *testing.T) {
	u, err := NormalizeQR(json.RawMessage(`{"qrcode":{"code":"2@abc","base64":"data:image/png;base64,xx"}}`))
	require.NoError(t, err)
	assert.Equal(t, "2@abc", u.Code)
	assert.False(t, u.Scanned)

	u, err = NormalizeQR(json.RawMessage(`{"status":"scanned"}`))
	require.NoError(t, err)
	assert.True(t, u.Scanned)

	u, err = NormalizeQR(json.RawMessage(`{"qr":"2@def","expiresAt":"2030-01-01T00:00:00Z"}`))
	require.NoError(t, err)
	assert.Equal(t, "2@def", u.Code)
	require.NotNil(t, u.ExpiresAt)
	assert.Equal(t, 2030, u.ExpiresAt.Year())
}

func TestEventKinds(t *testing.T) {
	for raw, want := range map[string]EventKind{
		"message":         EventMessage,
		"MESSAGES.UPSERT": EventMessage,
		"QRCode":          EventQR,
		"LoggedOut":       EventDisconnected,
		"Connected":       EventConnected,
		"ReadReceipt":     EventStatus,
	} {
		got, ok := NormalizeEventKind(raw)
		assert.True(t, ok, raw)
		assert.Equal(t, want, got, raw)
	}
	_, ok := NormalizeEventKind("CallOffer")
	assert.False(t, ok)
	assert.True(t, IsLogoutEvent("LoggedOut"))
	assert.True(t, IsLogoutReason("LOGOUT"))
	assert.False(t, IsLogoutReason(ReasonReconnectFailed))
}

func TestPhoneFromJID(t *testing.T) {
	assert.Equal(t, "15551234567", PhoneFromJID("15551234567:12@s.whatsapp.net"))
	assert.Equal(t, "15551234567", PhoneFromJID("+15551234567"))
}
