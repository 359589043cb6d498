// Package completion is the client for the external AI completion service.
// It submits one canonical message with routing metadata and reassembles the
// streamed answer.
package completion

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog/log"

	"wuzapi-ai-gateway/internal/apperr"
	"wuzapi-ai-gateway/internal/models"
	"wuzapi-ai-gateway/pkg/httputil"
)

// SourceWhatsApp tags requests that originate from the relay channel.
const SourceWhatsApp = "whatsapp"

// DefaultTimeout bounds a full streamed completion.
const DefaultTimeout = 2 * time.Minute

// Request is the completion payload. Messages holds only the current message;
// the service loads history by ChatID itself.
type Request struct {
	Messages  []models.CanonicalMessage `json:"messages"`
	ChatID    string                    `json:"chatId"`
	Source    string                    `json:"source"`
	Model     string                    `json:"model"`
	WebSearch bool                      `json:"webSearch"`
	Tools     bool                      `json:"tools"`
}

// Client calls the completion endpoint.
type Client struct {
	http    *resty.Client
	url     string
	timeout time.Duration
}

// NewClient creates a completion client posting to endpoint.
func NewClient(endpoint, apiKey string, timeout time.Duration) (*Client, error) {
	if endpoint == "" {
		return nil, fmt.Errorf("completion URL cannot be empty")
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	headers := map[string]string{"Accept": "text/event-stream, application/x-ndjson, text/plain"}
	if apiKey != "" {
		headers["Authorization"] = "Bearer " + apiKey
	}
	return &Client{
		http:    httputil.NewRestyClient(httputil.ClientOptions{Timeout: timeout, Headers: headers}),
		url:     endpoint,
		timeout: timeout,
	}, nil
}

// Complete posts req and returns the reassembled answer.
func (c *Client) Complete(ctx context.Context, req Request) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(req).
		SetDoNotParseResponse(true).
		Post(c.url)
	if err != nil {
		log.Error().Err(err).Str("chatID", req.ChatID).Msg("Completion request failed")
		return "", apperr.Wrap(apperr.ProviderUnavailable, err, "completion request failed")
	}
	body := resp.RawBody()
	defer body.Close()

	if resp.StatusCode() >= 400 {
		snippet, _ := io.ReadAll(io.LimitReader(body, 512))
		log.Error().Int("statusCode", resp.StatusCode()).Str("responseBody", string(snippet)).Str("chatID", req.ChatID).Msg("Completion service returned an error")
		return "", apperr.New(apperr.ProviderUnavailable, "completion service returned status %d", resp.StatusCode())
	}

	r := NewReassembler()
	if _, err := io.Copy(r, body); err != nil && !errors.Is(err, io.EOF) {
		// Keep whatever arrived before the stream broke.
		log.Warn().Err(err).Str("chatID", req.ChatID).Msg("Completion stream interrupted")
		if ctx.Err() != nil {
			return "", apperr.Wrap(apperr.ConnectionError, err, "completion stream timed out")
		}
	}
	text := r.Finish()
	log.Debug().Str("chatID", req.ChatID).Int("chars", len(text)).Int("skippedFrames", r.Skipped()).Msg("Completion reassembled")
	return text, nil
}
