package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"wuzapi-ai-gateway/internal/metrics"
	"wuzapi-ai-gateway/internal/models"
	"wuzapi-ai-gateway/internal/store"
)

// Connection monitor defaults.
const (
	DefaultMonitorInterval = 10 * time.Second
	DefaultCleanupInterval = time.Hour

	healthyWindow      = 5 * time.Minute
	terminalRetention  = 24 * time.Hour
	checkTimeout       = 15 * time.Second
	checkConcurrency   = 8
	cleanupCallTimeout = 10 * time.Second
)

// MonitorConfig tunes the monitor loop.
type MonitorConfig struct {
	Interval        time.Duration
	CleanupInterval time.Duration
}

// ConnectionMonitor periodically health-checks sessions and garbage
// collects stale records. Only one loop runs per monitor.
type ConnectionMonitor struct {
	manager       *SessionManager
	sessions      *store.SessionStore
	conversations *store.ConversationStore
	metrics       *metrics.Metrics
	cfg           MonitorConfig
	now           func() time.Time

	once sync.Once
}

// CleanupReport counts what one cleanup pass removed or failed.
type CleanupReport struct {
	Placeholders  int64
	StaleSessions int
	Conversations int64
	ExpiredQR     int
}

func NewConnectionMonitor(manager *SessionManager, sessions *store.SessionStore, conversations *store.ConversationStore, m *metrics.Metrics, cfg MonitorConfig) (*ConnectionMonitor, error) {
	if manager == nil {
		return nil, fmt.Errorf("session manager cannot be nil for ConnectionMonitor")
	}
	if sessions == nil || conversations == nil {
		return nil, fmt.Errorf("stores cannot be nil for ConnectionMonitor")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultMonitorInterval
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = DefaultCleanupInterval
	}
	return &ConnectionMonitor{
		manager:       manager,
		sessions:      sessions,
		conversations: conversations,
		metrics:       m,
		cfg:           cfg,
		now:           time.Now,
	}, nil
}

// Run blocks until ctx is done. Calling it again, even concurrently, is a
// no-op that returns immediately.
func (c *ConnectionMonitor) Run(ctx context.Context) error {
	started := false
	c.once.Do(func() { started = true })
	if !started {
		log.Warn().Msg("Connection monitor already running")
		return nil
	}

	log.Info().Dur("interval", c.cfg.Interval).Dur("cleanupInterval", c.cfg.CleanupInterval).Msg("Connection monitor started")
	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()
	cleanup := time.NewTicker(c.cfg.CleanupInterval)
	defer cleanup.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Connection monitor stopped")
			return nil
		case <-ticker.C:
			c.CheckAll(ctx)
		case <-cleanup.C:
			if _, err := c.Cleanup(ctx); err != nil {
				log.Error().Err(err).Msg("Session cleanup failed")
			}
		}
	}
}

// CheckAll health-checks every monitored session. Connected sessions seen
// within the healthy window are skipped. A failing check is logged and
// does not affect the others.
func (c *ConnectionMonitor) CheckAll(ctx context.Context) int {
	sessions, err := c.sessions.ListByStatus(ctx, models.MonitoredStatuses...)
	if err != nil {
		log.Error().Err(err).Msg("Failed to list sessions for health check")
		return 0
	}

	now := c.now()
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(checkConcurrency)
	checked := 0
	for _, s := range sessions {
		if s.Status == models.StatusConnected && now.Sub(s.UpdatedAt) < healthyWindow {
			continue
		}
		checked++
		id := s.ID
		g.Go(func() error {
			cctx, cancel := context.WithTimeout(gctx, checkTimeout)
			defer cancel()
			if err := c.manager.CheckHealth(cctx, id); err != nil {
				log.Warn().Err(err).Str("sessionID", id).Msg("Session health check failed")
			}
			// Never fail the group, so one session cannot cancel the others.
			return nil
		})
	}
	_ = g.Wait()

	if counts, err := c.sessions.CountByStatus(ctx); err == nil {
		c.metrics.SetSessionCounts(counts)
	}
	if checked > 0 {
		log.Debug().Int("checked", checked).Int("monitored", len(sessions)).Msg("Health check pass complete")
	}
	return checked
}

// Cleanup removes placeholder rows, terminal sessions older than the
// retention window, conversations of users with no sessions, and fails
// qr_pending sessions whose QR expired.
func (c *ConnectionMonitor) Cleanup(ctx context.Context) (*CleanupReport, error) {
	report := &CleanupReport{}
	now := c.now()

	n, err := c.sessions.DeletePlaceholders(ctx)
	if err != nil {
		return report, err
	}
	report.Placeholders = n

	stale, err := c.sessions.ListTerminalBefore(ctx, now.Add(-terminalRetention))
	if err != nil {
		return report, err
	}
	for _, s := range stale {
		c.disconnectQuietly(ctx, s)
		if err := c.sessions.Delete(ctx, s.ID); err != nil {
			log.Warn().Err(err).Str("sessionID", s.ID).Msg("Failed to delete stale session")
			continue
		}
		report.StaleSessions++
	}

	orphans, err := c.conversations.DeleteOrphans(ctx)
	if err != nil {
		return report, err
	}
	report.Conversations = orphans

	expired, err := c.sessions.ListQRExpired(ctx, now)
	if err != nil {
		return report, err
	}
	for _, s := range expired {
		if err := c.manager.ExpireQR(ctx, s.ID); err != nil {
			log.Warn().Err(err).Str("sessionID", s.ID).Msg("Failed to expire QR session")
			continue
		}
		report.ExpiredQR++
	}

	log.Info().
		Int64("placeholders", report.Placeholders).
		Int("staleSessions", report.StaleSessions).
		Int64("orphanConversations", report.Conversations).
		Int("expiredQR", report.ExpiredQR).
		Msg("Session cleanup complete")
	return report, nil
}

// disconnectQuietly tells the relay to drop a session we are about to
// delete. Failures are expected for sessions the relay already forgot.
func (c *ConnectionMonitor) disconnectQuietly(ctx context.Context, s models.Session) {
	if s.ExternalSessionID == "" {
		return
	}
	cctx, cancel := context.WithTimeout(ctx, cleanupCallTimeout)
	defer cancel()
	if err := c.manager.Provider().DisconnectSession(cctx, s.ExternalSessionID); err != nil {
		log.Debug().Err(err).Str("sessionID", s.ID).Msg("Provider disconnect during cleanup failed")
	}
}
