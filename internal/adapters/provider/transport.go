package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"syscall"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog/log"

	"wuzapi-ai-gateway/internal/apperr"
	"wuzapi-ai-gateway/pkg/httputil"
)

// Transport performs relay HTTP calls with a bounded timeout and maps
// failures onto the apperr taxonomy.
type Transport struct {
	provider string
	client   *resty.Client
	timeout  time.Duration
	observer RequestObserver
}

// NewTransport builds the resty client for a backend. headers carry the
// backend's auth scheme.
func NewTransport(provider string, opts Options, headers map[string]string) (*Transport, error) {
	if opts.BaseURL == "" {
		return nil, fmt.Errorf("%s base URL cannot be empty", provider)
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = httputil.DefaultTimeout
	}
	client := httputil.NewRestyClient(httputil.ClientOptions{
		BaseURL: strings.TrimRight(opts.BaseURL, "/"),
		Timeout: timeout,
		Headers: headers,
	})
	return &Transport{provider: provider, client: client, timeout: timeout, observer: opts.Observer}, nil
}

// Do sends one request. body and result may be nil. op names the call for
// logs and metrics.
func (t *Transport) Do(ctx context.Context, op, method, path string, body, result any) error {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	req := t.client.R().SetContext(ctx)
	if body != nil {
		req.SetHeader("Content-Type", "application/json").SetBody(body)
	}

	start := time.Now()
	resp, err := req.Execute(method, path)
	if err != nil {
		err = MapTransportError(t.provider, op, err)
		t.observe(op, err, start)
		log.Error().Err(err).Str("provider", t.provider).Str("op", op).Str("path", path).Msg("Relay request failed")
		return err
	}

	if resp.IsError() {
		err = MapHTTPError(t.provider, op, resp.StatusCode(), resp.Body())
		t.observe(op, err, start)
		log.Warn().Str("provider", t.provider).Str("op", op).Str("path", path).Int("statusCode", resp.StatusCode()).Str("responseBody", truncate(resp.String(), 512)).Msg("Relay returned an error")
		return err
	}

	if result != nil && len(resp.Body()) > 0 {
		if err := json.Unmarshal(resp.Body(), result); err != nil {
			err = apperr.Wrap(apperr.Internal, err, "%s %s: decode response", t.provider, op)
			t.observe(op, err, start)
			return err
		}
	}

	t.observe(op, nil, start)
	return nil
}

// Ping reports whether a GET on path answers 2xx.
func (t *Transport) Ping(ctx context.Context, path string) bool {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	resp, err := t.client.R().SetContext(ctx).Get(path)
	if err != nil {
		log.Debug().Err(err).Str("provider", t.provider).Msg("Relay health check failed")
		return false
	}
	return resp.IsSuccess()
}

func (t *Transport) observe(op string, err error, start time.Time) {
	if t.observer != nil {
		t.observer.ObserveProviderRequest(t.provider, op, err, time.Since(start))
	}
}

// MapTransportError classifies an error that produced no HTTP response.
func MapTransportError(provider, op string, err error) error {
	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.As(err, &netErr) && netErr.Timeout():
		return &apperr.Error{Kind: apperr.ConnectionError, Message: fmt.Sprintf("%s %s timed out", provider, op), Err: err}
	case errors.Is(err, syscall.ECONNREFUSED), strings.Contains(err.Error(), "connection refused"):
		return &apperr.Error{Kind: apperr.ProviderUnavailable, Message: fmt.Sprintf("%s unreachable during %s", provider, op), Err: err}
	case errors.Is(err, context.Canceled):
		return &apperr.Error{Kind: apperr.ConnectionError, Message: fmt.Sprintf("%s %s cancelled", provider, op), Err: err}
	default:
		return &apperr.Error{Kind: apperr.ProviderUnavailable, Message: fmt.Sprintf("%s %s failed", provider, op), Err: err}
	}
}

type errorBody struct {
	Code    json.RawMessage `json:"code"`
	Error   string          `json:"error"`
	Message string          `json:"message"`
	// evolution nests details under response.message
	Response struct {
		Message any `json:"message"`
	} `json:"response"`
}

// MapHTTPError classifies a non-2xx relay response. A string "code" field
// in the body is preserved on the returned error.
func MapHTTPError(provider, op string, status int, body []byte) error {
	var eb errorBody
	_ = json.Unmarshal(body, &eb)

	var code string
	if len(eb.Code) > 0 && eb.Code[0] == '"' {
		_ = json.Unmarshal(eb.Code, &code)
	}

	detail := eb.Message
	if detail == "" {
		detail = eb.Error
	}
	if detail == "" && eb.Response.Message != nil {
		detail = fmt.Sprint(eb.Response.Message)
	}
	if detail == "" {
		detail = http.StatusText(status)
	}

	var kind apperr.Kind
	switch {
	case status == http.StatusNotFound:
		kind = apperr.SessionNotFound
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		kind = apperr.Unauthorized
	case status == http.StatusTooManyRequests:
		kind = apperr.RateLimitExceeded
	case status == http.StatusBadRequest, status == http.StatusUnprocessableEntity:
		kind = apperr.ValidationError
	case status >= 500:
		kind = apperr.ProviderUnavailable
	default:
		kind = apperr.Internal
	}

	return &apperr.Error{
		Kind:       kind,
		Code:       code,
		StatusCode: status,
		Message:    fmt.Sprintf("%s %s: %s", provider, op, detail),
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
