package services

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"image"
	"image/color"
	"image/png"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wuzapi-ai-gateway/internal/adapters/completion"
	"wuzapi-ai-gateway/internal/adapters/provider"
	"wuzapi-ai-gateway/internal/apperr"
	"wuzapi-ai-gateway/internal/models"
)

const contact = "5511999990000@s.whatsapp.net"

type procHarness struct {
	*harness
	completer *fakeCompleter
	convs     *ConversationService
	proc      *MessageProcessor
}

func newProcHarness(t *testing.T) *procHarness {
	t.Helper()
	h := newHarness(t, SessionManagerConfig{})
	convs, err := NewConversationService(h.conversations, h.chats)
	require.NoError(t, err)
	c := &fakeCompleter{answer: "Hi!"}
	proc, err := NewMessageProcessor(MessageProcessorDeps{
		Manager:       h.manager,
		Conversations: convs,
		Chats:         h.chats,
		Messages:      h.messages,
		Completer:     c,
	}, ProcessorConfig{Model: "gpt-test", WebSearch: true})
	require.NoError(t, err)
	h.seed(t, "s1", "u1", models.StatusConnected)
	h.provider.setConnected(true)
	return &procHarness{harness: h, completer: c, convs: convs, proc: proc}
}

func envelope(t *testing.T, sessionID, event string, data any) *provider.Envelope {
	t.Helper()
	raw, err := json.Marshal(data)
	require.NoError(t, err)
	return &provider.Envelope{SessionID: sessionID, Event: event, Data: raw}
}

func textMessage(t *testing.T, id, text string) *provider.Envelope {
	return envelope(t, "s1", "message", map[string]any{
		"from":     contact,
		"id":       id,
		"pushName": "Ana",
		"message":  text,
	})
}

func TestProcessMessageRepliesWithCompletion(t *testing.T) {
	h := newProcHarness(t)
	h.completer.answer = "**Hello** there"

	require.NoError(t, h.proc.ProcessEvent(h.ctx, textMessage(t, "m1", "hi")))

	sent := h.provider.sentTexts()
	require.Len(t, sent, 1)
	assert.Equal(t, sentText{SessionID: "ext-s1", To: contact, Text: "Hello there"}, sent[0])

	require.Len(t, h.completer.requests, 1)
	req := h.completer.requests[0]
	assert.Equal(t, completion.SourceWhatsApp, req.Source)
	assert.Equal(t, "gpt-test", req.Model)
	assert.True(t, req.WebSearch)
	require.Len(t, req.Messages, 1)
	assert.Equal(t, "hi", req.Messages[0].Text())

	conv, err := h.conversations.FindByContact(h.ctx, "u1", contact)
	require.NoError(t, err)
	require.NotNil(t, conv)
	assert.Equal(t, "Ana", conv.ContactName)
	assert.Equal(t, conv.ChatID, req.ChatID)

	n, err := h.chats.CountMessages(h.ctx, conv.ChatID)
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	tracked, err := h.messages.ListByConversation(h.ctx, conv.ID)
	require.NoError(t, err)
	require.Len(t, tracked, 2)
	assert.Equal(t, models.DirectionIncoming, tracked[0].Direction)
	assert.Equal(t, models.DirectionOutgoing, tracked[1].Direction)
	assert.Equal(t, models.DeliverySent, tracked[1].Status)
}

func TestProcessMessageSkipsRedeliveryOwnAndGroupMessages(t *testing.T) {
	h := newProcHarness(t)

	require.NoError(t, h.proc.ProcessEvent(h.ctx, textMessage(t, "m1", "hi")))
	require.NoError(t, h.proc.ProcessEvent(h.ctx, textMessage(t, "m1", "hi")))
	require.NoError(t, h.proc.ProcessEvent(h.ctx, envelope(t, "s1", "message", map[string]any{
		"from": contact, "id": "m2", "fromMe": true, "message": "echo",
	})))
	require.NoError(t, h.proc.ProcessEvent(h.ctx, envelope(t, "s1", "message", map[string]any{
		"from": "120363000000@g.us", "id": "m3", "message": "group chatter",
	})))

	assert.Equal(t, 1, h.completer.calls())
	assert.Len(t, h.provider.sentTexts(), 1)
}

func TestResetCommandClearsHistoryWithoutCompletion(t *testing.T) {
	h := newProcHarness(t)
	conv, err := h.convs.ResolveOrCreate(h.ctx, "u1", contact, "5511999990000", "Ana")
	require.NoError(t, err)
	for i := 0; i < 40; i++ {
		require.NoError(t, h.chats.Append(h.ctx, conv.ChatID, &models.CanonicalMessage{
			Role:  models.RoleUser,
			Parts: []models.ContentPart{{Type: models.PartText, Text: "old"}},
		}))
	}

	require.NoError(t, h.proc.ProcessEvent(h.ctx, textMessage(t, "m1", "  New Chat ")))

	assert.Equal(t, 0, h.completer.calls())
	sent := h.provider.sentTexts()
	require.Len(t, sent, 1)
	assert.Equal(t, ResetConfirmation, sent[0].Text)
	n, err := h.chats.CountMessages(h.ctx, conv.ChatID)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestIsResetCommand(t *testing.T) {
	for _, s := range []string{"reset", "RESET", "/reset", "new chat", " New Chat\n"} {
		assert.True(t, IsResetCommand(s), s)
	}
	for _, s := range []string{"reset please", "new", "", "/resets"} {
		assert.False(t, IsResetCommand(s), s)
	}
}

func TestCompletionFailureSendsGenericReply(t *testing.T) {
	h := newProcHarness(t)
	h.completer.err = errors.New("upstream 502: internal stack trace")

	err := h.proc.ProcessEvent(h.ctx, textMessage(t, "m1", "hi"))
	require.Error(t, err)

	sent := h.provider.sentTexts()
	require.Len(t, sent, 1)
	assert.Equal(t, GenericErrorReply, sent[0].Text)
	assert.NotContains(t, sent[0].Text, "502")
}

func TestLongAnswerIsSplitIntoTwoParts(t *testing.T) {
	h := newProcHarness(t)

	// Headings and bold markers are stripped before splitting.
	lines := make([]string, 152)
	for i := range lines {
		lines[i] = "### **" + strings.Repeat("a", 50) + "**"
	}
	lines[151] = "### **" + strings.Repeat("a", 83) + "**"
	answer := strings.Join(lines, "\n")
	require.Equal(t, 9000, len(answer))
	h.completer.answer = answer

	require.NoError(t, h.proc.ProcessEvent(h.ctx, textMessage(t, "m1", "write a lot")))

	sent := h.provider.sentTexts()
	require.Len(t, sent, 2)
	var joined []string
	for _, s := range sent {
		assert.LessOrEqual(t, utf8.RuneCountInString(s.Text), 4096)
		assert.NotContains(t, s.Text, "#")
		assert.NotContains(t, s.Text, "*")
		joined = append(joined, s.Text)
	}
	assert.Equal(t, 152, strings.Count(strings.Join(joined, "\n"), "\n")+1)

	starts, stops := h.provider.keepAliveCounts()
	assert.Equal(t, 1, starts)
	assert.Equal(t, 1, stops)
}

func TestKeepAliveStoppedWhenSendFails(t *testing.T) {
	h := newProcHarness(t)
	h.completer.answer = strings.Repeat("b", 4000) + "\n" + strings.Repeat("c", 4000)
	h.provider.failSendAt[2] = apperr.New(apperr.ConnectionError, "socket closed")

	err := h.proc.ProcessEvent(h.ctx, textMessage(t, "m1", "hi"))
	require.Error(t, err)
	assert.True(t, apperr.IsKind(err, apperr.ConnectionError))

	starts, stops := h.provider.keepAliveCounts()
	assert.Equal(t, 1, starts)
	assert.Equal(t, 1, stops)

	conv, err := h.conversations.FindByContact(h.ctx, "u1", contact)
	require.NoError(t, err)
	tracked, err := h.messages.ListByConversation(h.ctx, conv.ID)
	require.NoError(t, err)
	require.Len(t, tracked, 3)
	assert.Equal(t, models.DeliverySent, tracked[1].Status)
	assert.Equal(t, models.DeliveryFailed, tracked[2].Status)
	assert.Contains(t, tracked[2].ErrorMessage, "socket closed")
}

func TestInboundMessageReconcilesSessionWithRelay(t *testing.T) {
	t.Run("pending session the relay reports connected", func(t *testing.T) {
		h := newProcHarness(t)
		h.seed(t, "s2", "u2", models.StatusQRPending)

		env := textMessage(t, "m1", "hi")
		env.SessionID = "ext-s2"
		require.NoError(t, h.proc.ProcessEvent(h.ctx, env))

		assert.Equal(t, models.StatusConnected, h.status(t, "s2"))
	})

	t.Run("pending session the relay reports disconnected", func(t *testing.T) {
		h := newProcHarness(t)
		h.seed(t, "s2", "u2", models.StatusQRPending)
		h.provider.setConnected(false)

		env := textMessage(t, "m1", "hi")
		env.SessionID = "ext-s2"
		require.NoError(t, h.proc.ProcessEvent(h.ctx, env))

		assert.Equal(t, models.StatusQRPending, h.status(t, "s2"))
	})

	t.Run("connected session the relay lost", func(t *testing.T) {
		h := newProcHarness(t)
		h.provider.setConnected(false)

		_ = h.proc.ProcessEvent(h.ctx, textMessage(t, "m1", "hi"))

		assert.Equal(t, models.StatusReconnecting, h.status(t, "s1"))
		assert.Len(t, h.timers.recorded(), 1)
	})

	t.Run("status check failure keeps the stored status", func(t *testing.T) {
		h := newProcHarness(t)
		h.provider.mu.Lock()
		h.provider.statusErr = apperr.New(apperr.ConnectionError, "timeout")
		h.provider.mu.Unlock()

		require.NoError(t, h.proc.ProcessEvent(h.ctx, textMessage(t, "m1", "hi")))

		assert.Equal(t, models.StatusConnected, h.status(t, "s1"))
		assert.Len(t, h.provider.sentTexts(), 1)
	})
}

func TestKeepAliveCoversCompletionWait(t *testing.T) {
	h := newProcHarness(t)
	h.completer.onComplete = func() {
		starts, stops := h.provider.keepAliveCounts()
		assert.Equal(t, 1, starts)
		assert.Equal(t, 0, stops)
	}

	require.NoError(t, h.proc.ProcessEvent(h.ctx, textMessage(t, "m1", "hi")))

	starts, stops := h.provider.keepAliveCounts()
	assert.Equal(t, 1, starts)
	assert.Equal(t, 1, stops)
}

func TestDeliveryReceiptUpdatesTrackedMessage(t *testing.T) {
	h := newProcHarness(t)
	require.NoError(t, h.proc.ProcessEvent(h.ctx, textMessage(t, "m1", "hi")))

	require.NoError(t, h.proc.ProcessEvent(h.ctx, envelope(t, "s1", "ReadReceipt", map[string]any{
		"messageId": "out-1", "status": "read",
	})))

	conv, err := h.conversations.FindByContact(h.ctx, "u1", contact)
	require.NoError(t, err)
	tracked, err := h.messages.ListByConversation(h.ctx, conv.ID)
	require.NoError(t, err)
	require.Len(t, tracked, 2)
	assert.Equal(t, models.DeliveryRead, tracked[1].Status)
}

func TestLifecycleEvents(t *testing.T) {
	t.Run("qr then scan then connected", func(t *testing.T) {
		h := newProcHarness(t)
		h.seed(t, "s2", "u2", models.StatusConnecting)

		require.NoError(t, h.proc.ProcessEvent(h.ctx, envelope(t, "s2", "QRCode.Updated", map[string]any{"qrcode": map[string]any{"code": "2@abc"}})))
		s, err := h.sessions.Get(h.ctx, "s2")
		require.NoError(t, err)
		assert.Equal(t, models.StatusQRPending, s.Status)
		assert.Equal(t, "2@abc", s.QRCode)

		require.NoError(t, h.proc.ProcessEvent(h.ctx, envelope(t, "s2", "qr", map[string]any{"status": "scanned"})))
		assert.Equal(t, models.StatusConnecting, h.status(t, "s2"))

		require.NoError(t, h.proc.ProcessEvent(h.ctx, envelope(t, "s2", "Connected", map[string]any{"jid": "5511888887777@s.whatsapp.net"})))
		s, err = h.sessions.Get(h.ctx, "s2")
		require.NoError(t, err)
		assert.Equal(t, models.StatusConnected, s.Status)
		assert.Equal(t, "5511888887777", s.PhoneNumber)
	})

	t.Run("logged out ends session", func(t *testing.T) {
		h := newProcHarness(t)
		require.NoError(t, h.proc.ProcessEvent(h.ctx, envelope(t, "s1", "LoggedOut", map[string]any{})))
		assert.Equal(t, models.StatusDisconnected, h.status(t, "s1"))
	})

	t.Run("connection lost schedules reconnect", func(t *testing.T) {
		h := newProcHarness(t)
		require.NoError(t, h.proc.ProcessEvent(h.ctx, envelope(t, "s1", "disconnected", map[string]any{})))
		assert.Equal(t, models.StatusReconnecting, h.status(t, "s1"))
		assert.Len(t, h.timers.recorded(), 1)
	})

	t.Run("unknown session", func(t *testing.T) {
		h := newProcHarness(t)
		err := h.proc.ProcessEvent(h.ctx, envelope(t, "nope", "connected", map[string]any{}))
		assert.True(t, apperr.IsKind(err, apperr.SessionNotFound))
	})

	t.Run("unsupported event", func(t *testing.T) {
		h := newProcHarness(t)
		assert.NoError(t, h.proc.ProcessEvent(h.ctx, envelope(t, "nope", "chat_presence_typing", map[string]any{})))
	})
}

func TestSendDirectText(t *testing.T) {
	h := newProcHarness(t)

	res, err := h.proc.SendDirect(h.ctx, "s1", DirectMessage{To: "5511777776666", Text: "hello **raw**"})
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.Equal(t, "out-1", res[0].ExternalMessageID)

	sent := h.provider.sentTexts()
	require.Len(t, sent, 1)
	assert.Equal(t, "5511777776666@s.whatsapp.net", sent[0].To)
	assert.Equal(t, "hello **raw**", sent[0].Text)
}

func TestSendDirectImageUsesRelayUpload(t *testing.T) {
	h := newProcHarness(t)

	img := image.NewRGBA(image.Rect(0, 0, 200, 100))
	img.Set(10, 10, color.RGBA{R: 255, A: 255})
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	dataURL := "data:image/png;base64," + base64.StdEncoding.EncodeToString(buf.Bytes())

	res, err := h.proc.SendDirect(h.ctx, "s1", DirectMessage{To: contact, Media: dataURL, Caption: "look"})
	require.NoError(t, err)
	require.Len(t, res, 1)

	require.Len(t, h.provider.media, 1)
	m := h.provider.media[0]
	assert.Equal(t, provider.BodyImage, m.Type)
	assert.Equal(t, "image/png", m.MimeType)
	assert.Equal(t, "look", m.Caption)
	assert.Equal(t, "https://relay.example/media/file.png", m.URL)
	assert.NotEmpty(t, m.Thumbnail)
	assert.Equal(t, 1, h.provider.uploads)
}

func TestSendDirectValidation(t *testing.T) {
	h := newProcHarness(t)
	h.seed(t, "s2", "u2", models.StatusQRPending)

	_, err := h.proc.SendDirect(h.ctx, "s1", DirectMessage{Text: "x"})
	assert.True(t, apperr.IsKind(err, apperr.ValidationError))

	_, err = h.proc.SendDirect(h.ctx, "s1", DirectMessage{To: contact})
	assert.True(t, apperr.IsKind(err, apperr.ValidationError))

	_, err = h.proc.SendDirect(h.ctx, "s2", DirectMessage{To: contact, Text: "x"})
	assert.True(t, apperr.IsKind(err, apperr.InvalidState))

	_, err = h.proc.SendDirect(h.ctx, "missing", DirectMessage{To: contact, Text: "x"})
	assert.True(t, apperr.IsKind(err, apperr.SessionNotFound))
}
