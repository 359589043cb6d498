package services

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"
	"github.com/rs/zerolog/log"

	"wuzapi-ai-gateway/internal/adapters/completion"
	"wuzapi-ai-gateway/internal/adapters/provider"
	"wuzapi-ai-gateway/internal/apperr"
	"wuzapi-ai-gateway/internal/converter"
	"wuzapi-ai-gateway/internal/events"
	"wuzapi-ai-gateway/internal/media"
	"wuzapi-ai-gateway/internal/metrics"
	"wuzapi-ai-gateway/internal/models"
	"wuzapi-ai-gateway/internal/store"
)

// Fixed replies sent to end users. Internal error text never reaches them.
const (
	ResetConfirmation = "Conversation reset. Send me a message to start a new chat."
	GenericErrorReply = "Sorry, something went wrong while processing your message. Please try again in a moment."
)

const defaultDedupTTL = 10 * time.Minute

var resetCommands = map[string]bool{
	"reset":    true,
	"new chat": true,
	"/reset":   true,
}

// IsResetCommand reports whether text is exactly one of the reset commands,
// ignoring case and surrounding whitespace.
func IsResetCommand(text string) bool {
	return resetCommands[strings.ToLower(strings.TrimSpace(text))]
}

// Completer produces the assistant's answer for one message.
type Completer interface {
	Complete(ctx context.Context, req completion.Request) (string, error)
}

// ProcessorConfig holds the routing flags sent with every completion.
type ProcessorConfig struct {
	Model            string
	WebSearch        bool
	Tools            bool
	MaxMessageLength int
	DedupTTL         time.Duration
}

// MessageProcessorDeps groups the processor's collaborators. Archive,
// Events and Metrics are optional.
type MessageProcessorDeps struct {
	Manager       *SessionManager
	Conversations *ConversationService
	Chats         *store.ChatStore
	Messages      *store.MessageStore
	Completer     Completer
	Archive       media.Archive
	Events        events.Publisher
	Metrics       *metrics.Metrics
}

// MessageProcessor handles normalized webhook events: lifecycle signals go
// to the session manager, inbound messages run through the reply pipeline.
type MessageProcessor struct {
	MessageProcessorDeps
	provider provider.Provider
	cfg      ProcessorConfig
	seen     *cache.Cache
}

func NewMessageProcessor(deps MessageProcessorDeps, cfg ProcessorConfig) (*MessageProcessor, error) {
	switch {
	case deps.Manager == nil:
		return nil, fmt.Errorf("session manager cannot be nil for MessageProcessor")
	case deps.Conversations == nil:
		return nil, fmt.Errorf("conversation service cannot be nil for MessageProcessor")
	case deps.Chats == nil || deps.Messages == nil:
		return nil, fmt.Errorf("stores cannot be nil for MessageProcessor")
	case deps.Completer == nil:
		return nil, fmt.Errorf("completer cannot be nil for MessageProcessor")
	}
	if deps.Events == nil {
		deps.Events = events.Noop{}
	}
	if cfg.MaxMessageLength <= 0 {
		cfg.MaxMessageLength = converter.DefaultMaxLength
	}
	if cfg.DedupTTL <= 0 {
		cfg.DedupTTL = defaultDedupTTL
	}
	return &MessageProcessor{
		MessageProcessorDeps: deps,
		provider:             deps.Manager.Provider(),
		cfg:                  cfg,
		seen:                 cache.New(cfg.DedupTTL, 2*cfg.DedupTTL),
	}, nil
}

// ProcessEvent dispatches one webhook envelope.
func (p *MessageProcessor) ProcessEvent(ctx context.Context, env *provider.Envelope) error {
	kind, ok := provider.NormalizeEventKind(env.Event)
	if !ok {
		log.Debug().Str("event", env.Event).Str("sessionID", env.SessionID).Msg("Ignoring unsupported webhook event")
		return nil
	}
	p.Metrics.WebhookEvent(string(kind))

	session, err := p.Manager.ResolveSession(ctx, env.SessionID)
	if err != nil {
		log.Warn().Err(err).Str("sessionID", env.SessionID).Str("event", env.Event).Msg("Webhook for unknown session")
		return err
	}

	switch kind {
	case provider.EventMessage:
		return p.handleMessage(ctx, session, env)
	case provider.EventStatus:
		return p.handleStatus(ctx, session, env)
	case provider.EventConnected:
		u, err := provider.NormalizeStatus(env.Data)
		if err != nil {
			return apperr.Wrap(apperr.ValidationError, err, "invalid connected payload")
		}
		return p.Manager.MarkConnected(ctx, session.ID, u.PhoneNumber)
	case provider.EventDisconnected:
		u, err := provider.NormalizeStatus(env.Data)
		if err != nil {
			return apperr.Wrap(apperr.ValidationError, err, "invalid disconnected payload")
		}
		reason := u.Reason
		if provider.IsLogoutEvent(env.Event) {
			reason = provider.ReasonLogout
		}
		if reason == "" {
			reason = provider.ReasonConnectionLost
		}
		return p.Manager.HandleDisconnection(ctx, session.ID, reason)
	case provider.EventQR:
		u, err := provider.NormalizeQR(env.Data)
		if err != nil {
			return apperr.Wrap(apperr.ValidationError, err, "invalid qr payload")
		}
		if u.Scanned {
			return p.Manager.MarkQRScanned(ctx, session.ID)
		}
		if u.Code != "" {
			return p.Manager.MarkQRIssued(ctx, session.ID, u.Code, u.ExpiresAt)
		}
		return nil
	}
	return nil
}

func (p *MessageProcessor) handleStatus(ctx context.Context, session *models.Session, env *provider.Envelope) error {
	u, err := provider.NormalizeStatus(env.Data)
	if err != nil {
		return apperr.Wrap(apperr.ValidationError, err, "invalid status payload")
	}

	if u.MessageID != "" {
		status, ok := deliveryStatus(u.Delivery)
		if !ok {
			return nil
		}
		n, err := p.Messages.UpdateStatus(ctx, u.MessageID, status)
		if err != nil {
			return err
		}
		log.Debug().Str("messageID", u.MessageID).Str("status", string(status)).Int64("rows", n).Msg("Delivery receipt applied")
		return nil
	}

	if u.State == "" {
		return nil
	}
	reason := u.Reason
	if reason == "" {
		reason = provider.ReasonConnectionLost
	}
	return p.Manager.ReconcileStatus(ctx, session.ID, &provider.SessionState{
		Status:      u.State,
		IsConnected: u.Connected,
		PhoneNumber: u.PhoneNumber,
	}, reason)
}

func deliveryStatus(raw string) (models.DeliveryStatus, bool) {
	switch strings.ToLower(raw) {
	case "sent", "server_ack", "server":
		return models.DeliverySent, true
	case "delivered", "delivery_ack", "delivery":
		return models.DeliveryDelivered, true
	case "read", "read_ack", "played", "readself":
		return models.DeliveryRead, true
	case "failed", "error":
		return models.DeliveryFailed, true
	}
	return "", false
}

func (p *MessageProcessor) handleMessage(ctx context.Context, session *models.Session, env *provider.Envelope) error {
	msg, err := provider.NormalizeMessage(env.Data)
	if err != nil {
		log.Warn().Err(err).Str("sessionID", session.ID).Msg("Discarding malformed message payload")
		return apperr.Wrap(apperr.ValidationError, err, "invalid message payload")
	}
	if msg.FromMe {
		return nil
	}
	if msg.IsGroup {
		log.Debug().Str("sessionID", session.ID).Str("from", msg.From).Msg("Ignoring group message")
		return nil
	}
	if msg.ID != "" {
		if err := p.seen.Add(session.ID+":"+msg.ID, struct{}{}, cache.DefaultExpiration); err != nil {
			log.Debug().Str("sessionID", session.ID).Str("messageID", msg.ID).Msg("Ignoring redelivered message")
			return nil
		}
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = env.Time()
	}

	session = p.reconcileSession(ctx, session)

	p.Metrics.MessageReceived()
	p.Events.Publish(ctx, events.Event{
		Type:      events.TypeMessageReceived,
		SessionID: session.ID,
		UserID:    session.UserID,
		Payload:   map[string]any{"messageId": msg.ID, "from": msg.From},
	})

	conv, err := p.Conversations.ResolveOrCreate(ctx, session.UserID, msg.From, msg.Phone(), msg.PushName)
	if err != nil {
		return fmt.Errorf("resolve conversation: %w", err)
	}
	p.track(ctx, conv.ID, msg.ID, models.DirectionIncoming, models.DeliveryDelivered, "")

	canonical := converter.ToCanonical(msg, session.UserID)
	if canonical == nil {
		log.Info().Str("sessionID", session.ID).Str("messageID", msg.ID).Msg("Message has no supported content")
		return nil
	}

	if len(msg.Media) == 0 && IsResetCommand(msg.Text) {
		return p.resetChat(ctx, session, conv)
	}

	// The relay may drop an idle session while the completion runs, so the
	// keep-alive covers the wait and the reply.
	stopKeepAlive := p.startKeepAlive(session)
	defer stopKeepAlive()

	p.archiveMedia(ctx, session, conv, canonical)
	if err := p.Chats.Append(ctx, conv.ChatID, canonical); err != nil {
		log.Error().Err(err).Str("chatID", conv.ChatID).Msg("Failed to persist inbound message")
	}

	start := time.Now()
	answer, err := p.Completer.Complete(ctx, completion.Request{
		Messages:  []models.CanonicalMessage{*canonical},
		ChatID:    conv.ChatID,
		Source:    completion.SourceWhatsApp,
		Model:     p.cfg.Model,
		WebSearch: p.cfg.WebSearch,
		Tools:     p.cfg.Tools,
	})
	p.Metrics.ObserveCompletion(time.Since(start), err)
	if err != nil {
		log.Error().Err(err).Str("sessionID", session.ID).Str("chatID", conv.ChatID).Msg("Completion failed, sending generic reply")
		if sendErr := p.sendParts(ctx, session, conv, GenericErrorReply); sendErr != nil {
			p.logSendFailure(session, sendErr)
		}
		return err
	}

	reply := &models.CanonicalMessage{
		ID:        uuid.NewString(),
		Role:      models.RoleAssistant,
		Parts:     []models.ContentPart{{Type: models.PartText, Text: answer}},
		CreatedAt: time.Now().UTC(),
	}
	if err := p.Chats.Append(ctx, conv.ChatID, reply); err != nil {
		log.Error().Err(err).Str("chatID", conv.ChatID).Msg("Failed to persist assistant reply")
	}

	if err := p.sendParts(ctx, session, conv, answer); err != nil {
		p.logSendFailure(session, err)
		return err
	}
	return nil
}

// reconcileSession compares the stored status with the relay's view and
// corrects it. A failed check keeps the stored record.
func (p *MessageProcessor) reconcileSession(ctx context.Context, session *models.Session) *models.Session {
	if session.Status.IsTerminal() {
		return session
	}
	if err := p.Manager.CheckHealth(ctx, session.ID); err != nil {
		log.Warn().Err(err).Str("sessionID", session.ID).Msg("Live status check on inbound message failed")
		return session
	}
	fresh, err := p.Manager.GetSession(ctx, session.ID)
	if err != nil {
		log.Warn().Err(err).Str("sessionID", session.ID).Msg("Failed to reload session after status check")
		return session
	}
	return fresh
}

func (p *MessageProcessor) resetChat(ctx context.Context, session *models.Session, conv *models.Conversation) error {
	n, err := p.Chats.ClearMessages(ctx, conv.ChatID)
	if err != nil {
		return err
	}
	log.Info().Str("sessionID", session.ID).Str("chatID", conv.ChatID).Int64("cleared", n).Msg("Chat history reset by user")
	if err := p.SendResponse(ctx, session, conv, ResetConfirmation); err != nil {
		p.logSendFailure(session, err)
		return err
	}
	return nil
}

// archiveMedia swaps inline data URLs for archive URLs so the completion
// service receives fetchable links. Failures keep the inline data.
func (p *MessageProcessor) archiveMedia(ctx context.Context, session *models.Session, conv *models.Conversation, msg *models.CanonicalMessage) {
	if p.Archive == nil {
		return
	}
	for i := range msg.Parts {
		part := &msg.Parts[i]
		if part.Type == models.PartText || !media.IsDataURL(part.URL) {
			continue
		}
		decoded, err := media.DecodeDataURL(part.URL, part.MimeType)
		if err != nil {
			log.Warn().Err(err).Str("sessionID", session.ID).Msg("Could not decode inbound media")
			continue
		}
		url, err := p.Archive.Store(ctx, media.Object{
			UserID:    session.UserID,
			ContactID: conv.ExternalContactID,
			MessageID: fmt.Sprintf("%s_%d", msg.Metadata["externalMessageId"], i),
			MimeType:  decoded.MimeType,
			Data:      decoded.Data,
			Incoming:  true,
		})
		if err != nil {
			log.Warn().Err(err).Str("sessionID", session.ID).Msg("Could not archive inbound media")
			continue
		}
		part.URL = url
	}
}

// SendResponse formats text for WhatsApp, splits it at the length limit and
// sends the parts in order. Backends that need it are kept alive for the
// whole send.
func (p *MessageProcessor) SendResponse(ctx context.Context, session *models.Session, conv *models.Conversation, text string) error {
	stopKeepAlive := p.startKeepAlive(session)
	defer stopKeepAlive()
	return p.sendParts(ctx, session, conv, text)
}

// startKeepAlive pings the session on backends that need it and returns
// the matching stop.
func (p *MessageProcessor) startKeepAlive(session *models.Session) func() {
	ka, ok := p.provider.(provider.KeepAliver)
	if !ok {
		return func() {}
	}
	ka.StartKeepAlive(session.ExternalSessionID)
	return func() { ka.StopKeepAlive(session.ExternalSessionID) }
}

func (p *MessageProcessor) sendParts(ctx context.Context, session *models.Session, conv *models.Conversation, text string) error {
	formatted := converter.FormatPlainText(text)
	if formatted == "" {
		formatted = completion.FallbackText
	}
	parts := converter.SplitLongMessage(formatted, p.cfg.MaxMessageLength)

	for i, part := range parts {
		res, err := p.provider.SendText(ctx, session.ExternalSessionID, conv.ExternalContactID, part)
		p.Metrics.MessageSent(err)
		if err != nil {
			p.track(ctx, conv.ID, "", models.DirectionOutgoing, models.DeliveryFailed, err.Error())
			return fmt.Errorf("send part %d/%d: %w", i+1, len(parts), err)
		}
		p.track(ctx, conv.ID, res.ExternalMessageID, models.DirectionOutgoing, models.DeliverySent, "")
		p.Events.Publish(ctx, events.Event{
			Type:      events.TypeMessageSent,
			SessionID: session.ID,
			UserID:    session.UserID,
			Payload:   map[string]any{"messageId": res.ExternalMessageID, "to": conv.ExternalContactID, "part": i + 1, "parts": len(parts)},
		})
	}
	log.Info().Str("sessionID", session.ID).Str("conversationID", conv.ID).Int("parts", len(parts)).Msg("Response sent")
	return nil
}

func (p *MessageProcessor) track(ctx context.Context, conversationID, externalID string, dir models.MessageDirection, status models.DeliveryStatus, errMsg string) {
	err := p.Messages.Track(ctx, &models.TrackedMessage{
		ConversationID:    conversationID,
		ExternalMessageID: externalID,
		Direction:         dir,
		Status:            status,
		ErrorMessage:      errMsg,
	})
	if err != nil {
		log.Warn().Err(err).Str("conversationID", conversationID).Msg("Failed to track message")
	}
}

func (p *MessageProcessor) logSendFailure(session *models.Session, err error) {
	if apperr.IsSessionError(err) {
		log.Error().Err(err).
			Str("sessionID", session.ID).
			Str("userID", session.UserID).
			Msg("Session cannot deliver messages; check its status via GET /api/sessions/{id} and re-pair with POST /api/sessions if it stays disconnected")
		return
	}
	log.Error().Err(err).Str("sessionID", session.ID).Msg("Failed to send response")
}

// DirectMessage is an operator-initiated send.
type DirectMessage struct {
	To       string
	Text     string
	Media    string // data URL or bare base64
	MimeType string
	FileName string
	Caption  string
}

// SendDirect delivers msg from a connected session without involving the
// completion service.
func (p *MessageProcessor) SendDirect(ctx context.Context, sessionID string, msg DirectMessage) ([]provider.SendResult, error) {
	if msg.To == "" {
		return nil, apperr.New(apperr.ValidationError, "recipient is required")
	}
	if msg.Text == "" && msg.Media == "" {
		return nil, apperr.New(apperr.ValidationError, "text or media is required")
	}
	session, err := p.Manager.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session.Status != models.StatusConnected {
		return nil, apperr.New(apperr.InvalidState, "session %s is %s, not connected", sessionID, session.Status)
	}

	contact := msg.To
	if !strings.Contains(contact, "@") {
		contact += "@s.whatsapp.net"
	}
	conv, err := p.Conversations.ResolveOrCreate(ctx, session.UserID, contact, provider.PhoneFromJID(contact), "")
	if err != nil {
		return nil, err
	}

	if msg.Media == "" {
		var sent []provider.SendResult
		for _, part := range converter.SplitLongMessage(msg.Text, p.cfg.MaxMessageLength) {
			res, err := p.provider.SendText(ctx, session.ExternalSessionID, contact, part)
			p.Metrics.MessageSent(err)
			if err != nil {
				p.track(ctx, conv.ID, "", models.DirectionOutgoing, models.DeliveryFailed, err.Error())
				return sent, err
			}
			p.track(ctx, conv.ID, res.ExternalMessageID, models.DirectionOutgoing, models.DeliverySent, "")
			sent = append(sent, *res)
		}
		return sent, nil
	}

	res, err := p.sendMedia(ctx, session, conv, msg)
	p.Metrics.MessageSent(err)
	if err != nil {
		p.track(ctx, conv.ID, "", models.DirectionOutgoing, models.DeliveryFailed, err.Error())
		return nil, err
	}
	p.track(ctx, conv.ID, res.ExternalMessageID, models.DirectionOutgoing, models.DeliverySent, "")
	return []provider.SendResult{*res}, nil
}

func (p *MessageProcessor) sendMedia(ctx context.Context, session *models.Session, conv *models.Conversation, msg DirectMessage) (*provider.SendResult, error) {
	decoded, err := media.DecodeDataURL(msg.Media, msg.MimeType)
	if err != nil {
		return nil, err
	}
	if decoded.MimeType == "" {
		return nil, apperr.New(apperr.ValidationError, "mimeType is required for bare base64 media")
	}
	kind := mediaKind(decoded.MimeType)

	var thumb []byte
	if kind == provider.BodyImage {
		if thumb, err = media.Thumbnail(decoded.Data); err != nil {
			log.Warn().Err(err).Str("sessionID", session.ID).Msg("Could not build thumbnail, sending without it")
			thumb = nil
		}
	}

	url, err := p.publishMedia(ctx, session, conv, decoded, msg.FileName)
	if err != nil {
		return nil, err
	}
	caption := msg.Caption
	if caption == "" {
		caption = msg.Text
	}
	return p.provider.SendMedia(ctx, session.ExternalSessionID, conv.ExternalContactID, provider.MediaMessage{
		Type:      kind,
		URL:       url,
		MimeType:  decoded.MimeType,
		FileName:  msg.FileName,
		Caption:   caption,
		Thumbnail: thumb,
	})
}

// publishMedia makes outbound media reachable by the relay: through the
// archive when configured, otherwise through the relay's own upload.
func (p *MessageProcessor) publishMedia(ctx context.Context, session *models.Session, conv *models.Conversation, decoded *media.Decoded, fileName string) (string, error) {
	if p.Archive != nil {
		url, err := p.Archive.Store(ctx, media.Object{
			UserID:    session.UserID,
			ContactID: conv.ExternalContactID,
			MessageID: uuid.NewString(),
			MimeType:  decoded.MimeType,
			Data:      decoded.Data,
		})
		if err == nil {
			return url, nil
		}
		log.Warn().Err(err).Str("sessionID", session.ID).Msg("Archive upload failed, falling back to relay upload")
	}
	if fileName == "" {
		fileName = "file" + media.Extension(decoded.MimeType)
	}
	up, err := p.provider.UploadMedia(ctx, session.ExternalSessionID, decoded.Data, decoded.MimeType, fileName)
	if err != nil {
		return "", err
	}
	if up.URL == "" {
		return "", apperr.New(apperr.MediaError, "relay upload returned no URL")
	}
	return up.URL, nil
}

func mediaKind(mimeType string) string {
	switch {
	case strings.HasPrefix(mimeType, "image/"):
		return provider.BodyImage
	case strings.HasPrefix(mimeType, "video/"):
		return provider.BodyVideo
	case strings.HasPrefix(mimeType, "audio/"):
		return provider.BodyAudio
	default:
		return provider.BodyDocument
	}
}
