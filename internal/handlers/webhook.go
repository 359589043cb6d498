package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/rs/zerolog/log"

	"wuzapi-ai-gateway/internal/adapters/provider"
	"wuzapi-ai-gateway/internal/apperr"
	"wuzapi-ai-gateway/internal/services"
)

// Signature headers, in lookup order.
const (
	SignatureHeader    = "X-Webhook-Signature"
	AltSignatureHeader = "X-Signature-256"
)

// maxWebhookBody bounds a webhook body. Inline base64 media makes these large.
const maxWebhookBody = 32 << 20

// EventProcessor consumes verified webhook envelopes.
type EventProcessor interface {
	ProcessEvent(ctx context.Context, env *provider.Envelope) error
}

// Enqueuer runs a job in per-session order.
type Enqueuer interface {
	Enqueue(sessionID string, job services.Job) error
}

// SignatureVerifier checks a webhook body against its signature header.
type SignatureVerifier interface {
	ValidateWebhookSignature(signature string, raw []byte) bool
}

// WebhookHandler accepts relay callbacks. It verifies the signature before
// looking at the body, then hands the envelope to the session's queue and
// acknowledges right away.
type WebhookHandler struct {
	verifier  SignatureVerifier
	processor EventProcessor
	queue     Enqueuer
}

func NewWebhookHandler(verifier SignatureVerifier, processor EventProcessor, queue Enqueuer) (*WebhookHandler, error) {
	if verifier == nil {
		return nil, fmt.Errorf("signature verifier cannot be nil for WebhookHandler")
	}
	if processor == nil {
		return nil, fmt.Errorf("event processor cannot be nil for WebhookHandler")
	}
	if queue == nil {
		return nil, fmt.Errorf("queue cannot be nil for WebhookHandler")
	}
	return &WebhookHandler{verifier: verifier, processor: processor, queue: queue}, nil
}

// Handle serves POST {WEBHOOK_PATH}.
func (h *WebhookHandler) Handle(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		log.Warn().Err(err).Msg("Failed to read webhook body")
		respondError(w, r, apperr.Wrap(apperr.ValidationError, err, "unreadable body"))
		return
	}

	signature := r.Header.Get(SignatureHeader)
	if signature == "" {
		signature = r.Header.Get(AltSignatureHeader)
	}
	if !h.verifier.ValidateWebhookSignature(signature, body) {
		log.Warn().Str("remote", r.RemoteAddr).Bool("hasSignature", signature != "").Msg("Invalid webhook signature")
		respondError(w, r, apperr.New(apperr.Unauthorized, "invalid signature"))
		return
	}

	var env provider.Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		log.Warn().Err(err).Msg("Failed to decode webhook envelope")
		respondError(w, r, apperr.Wrap(apperr.ValidationError, err, "invalid JSON payload"))
		return
	}
	if env.SessionID == "" || env.Event == "" {
		respondError(w, r, apperr.New(apperr.ValidationError, "sessionId and event are required"))
		return
	}

	log.Debug().Str("sessionID", env.SessionID).Str("event", env.Event).Int("bytes", len(body)).Msg("Webhook received")

	err = h.queue.Enqueue(env.SessionID, func(ctx context.Context) {
		if err := h.processor.ProcessEvent(ctx, &env); err != nil {
			log.Warn().Err(err).Str("sessionID", env.SessionID).Str("event", env.Event).Msg("Webhook event processing failed")
		}
	})
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "accepted"})
}
