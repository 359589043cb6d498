package main

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/mdp/qrterminal/v3"
	"github.com/rs/zerolog/log"

	"wuzapi-ai-gateway/internal/adapters/provider"
	"wuzapi-ai-gateway/internal/handlers"
	"wuzapi-ai-gateway/internal/media"
	"wuzapi-ai-gateway/internal/models"
)

// terminalQR prints every QR code the admin API hands out to the console, so
// a session can be paired from the machine running the gateway.
type terminalQR struct {
	handlers.SessionService

	mu  sync.Mutex
	out io.Writer
}

func newTerminalQR(inner handlers.SessionService, out io.Writer) *terminalQR {
	return &terminalQR{SessionService: inner, out: out}
}

func (t *terminalQR) CreateSession(ctx context.Context, userID string) (*models.Session, error) {
	s, err := t.SessionService.CreateSession(ctx, userID)
	if err == nil && s.Status == models.StatusQRPending {
		t.print(s.ID, s.QRCode)
	}
	return s, err
}

func (t *terminalQR) GetQRCode(ctx context.Context, id string) (*provider.QRCode, error) {
	qr, err := t.SessionService.GetQRCode(ctx, id)
	if err == nil {
		t.print(id, qr.Code)
	}
	return qr, err
}

func (t *terminalQR) RefreshQRCode(ctx context.Context, id string) (*provider.QRCode, error) {
	qr, err := t.SessionService.RefreshQRCode(ctx, id)
	if err == nil {
		t.print(id, qr.Code)
	}
	return qr, err
}

// print renders raw pairing payloads. Codes the relay already rendered as
// images cannot be re-encoded and are skipped.
func (t *terminalQR) print(sessionID, code string) {
	if code == "" || media.IsDataURL(code) {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	fmt.Fprintf(t.out, "\nScan to pair session %s:\n", sessionID)
	qrterminal.GenerateHalfBlock(code, qrterminal.L, t.out)
	log.Debug().Str("sessionId", sessionID).Msg("Printed QR code to terminal")
}
