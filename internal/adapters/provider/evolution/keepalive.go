package evolution

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"wuzapi-ai-gateway/internal/apperr"
)

// StartKeepAlive pings the instance every interval until StopKeepAlive.
// A second start for the same session is a no-op.
func (c *Client) StartKeepAlive(sessionID string) {
	c.kaMu.Lock()
	defer c.kaMu.Unlock()
	if _, running := c.keepAlives[sessionID]; running {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.keepAlives[sessionID] = cancel
	c.kaWG.Add(1)
	go c.keepAliveLoop(ctx, sessionID)

	log.Debug().Str("sessionID", sessionID).Dur("interval", c.keepAliveInterval).Msg("Keep-alive started")
}

// StopKeepAlive is idempotent.
func (c *Client) StopKeepAlive(sessionID string) {
	c.kaMu.Lock()
	cancel, running := c.keepAlives[sessionID]
	delete(c.keepAlives, sessionID)
	c.kaMu.Unlock()
	if running {
		cancel()
		log.Debug().Str("sessionID", sessionID).Msg("Keep-alive stopped")
	}
}

// KeepAliveRunning reports whether a keep-alive loop exists for sessionID.
func (c *Client) KeepAliveRunning(sessionID string) bool {
	c.kaMu.Lock()
	defer c.kaMu.Unlock()
	_, ok := c.keepAlives[sessionID]
	return ok
}

// Close stops every keep-alive loop and waits for them to exit.
func (c *Client) Close() error {
	c.kaMu.Lock()
	for id, cancel := range c.keepAlives {
		cancel()
		delete(c.keepAlives, id)
	}
	c.kaMu.Unlock()
	c.kaWG.Wait()
	return nil
}

func (c *Client) keepAliveLoop(ctx context.Context, sessionID string) {
	defer c.kaWG.Done()
	ticker := time.NewTicker(c.keepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.ping(ctx, sessionID)
		}
	}
}

// ping hits the ping endpoint. Relays that lack it (404/405) get a status
// query instead, which keeps the instance warm just as well.
func (c *Client) ping(ctx context.Context, sessionID string) {
	err := c.transport.Do(ctx, "ping", http.MethodPost, sessionPath(sessionID, "ping"), nil, nil)
	if err == nil {
		return
	}
	var ae *apperr.Error
	if errors.As(err, &ae) && (ae.StatusCode == http.StatusNotFound || ae.StatusCode == http.StatusMethodNotAllowed) {
		if _, serr := c.GetSessionStatus(ctx, sessionID); serr != nil && ctx.Err() == nil {
			log.Warn().Err(serr).Str("sessionID", sessionID).Msg("Keep-alive status fallback failed")
		}
		return
	}
	if ctx.Err() == nil {
		log.Warn().Err(err).Str("sessionID", sessionID).Msg("Keep-alive ping failed")
	}
}
