// Package server assembles the gateway's HTTP surface.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/justinas/alice"
	"github.com/rs/zerolog/log"

	"wuzapi-ai-gateway/internal/handlers"
)

// Options configures the router.
type Options struct {
	WebhookPath string
	AdminToken  string
	// Metrics serves GET /metrics when set.
	Metrics http.Handler
}

// Handlers groups the HTTP handlers the router mounts.
type Handlers struct {
	Webhook  *handlers.WebhookHandler
	Sessions *handlers.SessionHandler
	Admin    *handlers.AdminHandler
}

// NewRouter mounts the webhook, admin API, health and metrics routes. The
// webhook authenticates by signature; everything under /api and /admin
// needs the admin token.
func NewRouter(opts Options, h Handlers) http.Handler {
	if opts.WebhookPath == "" {
		opts.WebhookPath = "/webhooks/relay"
	}
	if opts.AdminToken == "" {
		log.Warn().Msg("ADMIN_TOKEN is not set; the admin API will reject every request")
	}

	r := mux.NewRouter()
	base := alice.New(recoverer, accessLog)
	admin := base.Append(requireToken(opts.AdminToken))

	r.Handle(opts.WebhookPath, base.ThenFunc(h.Webhook.Handle)).Methods(http.MethodPost)
	r.Handle("/health", base.ThenFunc(h.Admin.Health)).Methods(http.MethodGet)
	if opts.Metrics != nil {
		r.Handle("/metrics", base.Then(opts.Metrics)).Methods(http.MethodGet)
	}

	api := r.PathPrefix("/api").Subrouter()
	api.Handle("/sessions", admin.ThenFunc(h.Sessions.Create)).Methods(http.MethodPost)
	api.Handle("/sessions/{id}", admin.ThenFunc(h.Sessions.Get)).Methods(http.MethodGet)
	api.Handle("/sessions/{id}", admin.ThenFunc(h.Sessions.Delete)).Methods(http.MethodDelete)
	api.Handle("/sessions/{id}/qr", admin.ThenFunc(h.Sessions.QR)).Methods(http.MethodGet)
	api.Handle("/sessions/{id}/qr.png", admin.ThenFunc(h.Sessions.QRImage)).Methods(http.MethodGet)
	api.Handle("/sessions/{id}/qr/refresh", admin.ThenFunc(h.Sessions.RefreshQR)).Methods(http.MethodPost)
	api.Handle("/sessions/{id}/messages", admin.ThenFunc(h.Sessions.SendMessage)).Methods(http.MethodPost)
	api.Handle("/users/{userId}/sessions", admin.ThenFunc(h.Sessions.ListByUser)).Methods(http.MethodGet)

	r.Handle("/admin/events/status", admin.ThenFunc(h.Admin.EventsStatus)).Methods(http.MethodGet)

	return r
}

// Server wraps http.Server with context-driven shutdown.
type Server struct {
	srv *http.Server
}

func New(addr string, handler http.Handler) *Server {
	return &Server{srv: &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      120 * time.Second,
		IdleTimeout:       120 * time.Second,
	}}
}

// Run serves until ctx is done, then shuts down gracefully within grace.
func (s *Server) Run(ctx context.Context, grace time.Duration) error {
	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", s.srv.Addr).Msg("HTTP server listening")
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	log.Info().Msg("HTTP server shutting down")
	return s.srv.Shutdown(shutdownCtx)
}
