// Package httputil provides shared HTTP client construction for the
// relay provider and completion adapters.
package httputil

import (
	"time"

	"github.com/go-resty/resty/v2"
)

// DefaultTimeout bounds every outbound request unless a caller overrides it.
const DefaultTimeout = 30 * time.Second

// ClientOptions configures NewRestyClient.
type ClientOptions struct {
	BaseURL   string
	Timeout   time.Duration
	Headers   map[string]string
	UserAgent string
}

// NewRestyClient returns a resty client with the common gateway settings.
// Retries are left to the callers: provider sends have their own
// session-aware retry policy and must not be multiplied by transport retries.
func NewRestyClient(opts ClientOptions) *resty.Client {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ua := opts.UserAgent
	if ua == "" {
		ua = "wuzapi-ai-gateway/1.0"
	}

	client := resty.New().
		SetBaseURL(opts.BaseURL).
		SetTimeout(timeout).
		SetHeader("User-Agent", ua).
		SetHeader("Accept", "application/json")

	for k, v := range opts.Headers {
		client.SetHeader(k, v)
	}
	return client
}
