package handlers

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"
	"github.com/skip2/go-qrcode"

	"wuzapi-ai-gateway/internal/adapters/provider"
	"wuzapi-ai-gateway/internal/apperr"
	"wuzapi-ai-gateway/internal/media"
	"wuzapi-ai-gateway/internal/models"
	"wuzapi-ai-gateway/internal/services"
)

const (
	defaultQRSize = 256
	maxQRSize     = 1024
)

// SessionService is the lifecycle surface the admin API drives.
type SessionService interface {
	CreateSession(ctx context.Context, userID string) (*models.Session, error)
	GetSession(ctx context.Context, id string) (*models.Session, error)
	ListUserSessions(ctx context.Context, userID string) ([]models.Session, error)
	GetQRCode(ctx context.Context, id string) (*provider.QRCode, error)
	RefreshQRCode(ctx context.Context, id string) (*provider.QRCode, error)
	Disconnect(ctx context.Context, id string) error
}

// DirectSender sends operator messages.
type DirectSender interface {
	SendDirect(ctx context.Context, sessionID string, msg services.DirectMessage) ([]provider.SendResult, error)
}

// SessionHandler serves the session admin API.
type SessionHandler struct {
	sessions SessionService
	sender   DirectSender
}

func NewSessionHandler(sessions SessionService, sender DirectSender) (*SessionHandler, error) {
	if sessions == nil {
		return nil, fmt.Errorf("session service cannot be nil for SessionHandler")
	}
	if sender == nil {
		return nil, fmt.Errorf("sender cannot be nil for SessionHandler")
	}
	return &SessionHandler{sessions: sessions, sender: sender}, nil
}

// sessionView is the API shape of a session. The QR payload is only served
// by the qr endpoints.
type sessionView struct {
	ID                string               `json:"id"`
	UserID            string               `json:"userId"`
	PhoneNumber       string               `json:"phoneNumber"`
	ExternalSessionID string               `json:"externalSessionId"`
	Status            models.SessionStatus `json:"status"`
	QRExpiresAt       *time.Time           `json:"qrExpiresAt,omitempty"`
	LastError         string               `json:"lastError,omitempty"`
	CreatedAt         time.Time            `json:"createdAt"`
	UpdatedAt         time.Time            `json:"updatedAt"`
}

func toView(s *models.Session) sessionView {
	return sessionView{
		ID:                s.ID,
		UserID:            s.UserID,
		PhoneNumber:       s.PhoneNumber,
		ExternalSessionID: s.ExternalSessionID,
		Status:            s.Status,
		QRExpiresAt:       s.QRExpiresAt,
		LastError:         s.LastError,
		CreatedAt:         s.CreatedAt,
		UpdatedAt:         s.UpdatedAt,
	}
}

type qrView struct {
	Code      string     `json:"code"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
}

// Create serves POST /api/sessions.
func (h *SessionHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID string `json:"userId"`
	}
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, r, err)
		return
	}
	s, err := h.sessions.CreateSession(r.Context(), req.UserID)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, struct {
		sessionView
		QRCode string `json:"qrCode,omitempty"`
	}{toView(s), s.QRCode})
}

// Get serves GET /api/sessions/{id}.
func (h *SessionHandler) Get(w http.ResponseWriter, r *http.Request) {
	s, err := h.sessions.GetSession(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, toView(s))
}

// ListByUser serves GET /api/users/{userId}/sessions.
func (h *SessionHandler) ListByUser(w http.ResponseWriter, r *http.Request) {
	list, err := h.sessions.ListUserSessions(r.Context(), mux.Vars(r)["userId"])
	if err != nil {
		respondError(w, r, err)
		return
	}
	views := make([]sessionView, 0, len(list))
	for i := range list {
		views = append(views, toView(&list[i]))
	}
	respondJSON(w, http.StatusOK, map[string]any{"sessions": views})
}

// QR serves GET /api/sessions/{id}/qr.
func (h *SessionHandler) QR(w http.ResponseWriter, r *http.Request) {
	qr, err := h.sessions.GetQRCode(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, qrView{Code: qr.Code, ExpiresAt: qr.ExpiresAt})
}

// RefreshQR serves POST /api/sessions/{id}/qr/refresh.
func (h *SessionHandler) RefreshQR(w http.ResponseWriter, r *http.Request) {
	qr, err := h.sessions.RefreshQRCode(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, qrView{Code: qr.Code, ExpiresAt: qr.ExpiresAt})
}

// QRImage serves GET /api/sessions/{id}/qr.png. Relays that already return a
// rendered image as a data URL have it passed through; raw pairing codes are
// rendered here.
func (h *SessionHandler) QRImage(w http.ResponseWriter, r *http.Request) {
	qr, err := h.sessions.GetQRCode(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		respondError(w, r, err)
		return
	}

	var png []byte
	if media.IsDataURL(qr.Code) {
		decoded, err := media.DecodeDataURL(qr.Code, "image/png")
		if err != nil {
			respondError(w, r, err)
			return
		}
		png = decoded.Data
	} else {
		size := defaultQRSize
		if v := r.URL.Query().Get("size"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 64 || n > maxQRSize {
				respondError(w, r, apperr.New(apperr.ValidationError, "size must be between 64 and %d", maxQRSize))
				return
			}
			size = n
		}
		png, err = qrcode.Encode(qr.Code, qrcode.Medium, size)
		if err != nil {
			respondError(w, r, fmt.Errorf("render qr: %w", err))
			return
		}
	}

	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(png); err != nil {
		log.Debug().Err(err).Msg("Failed to write QR image")
	}
}

// Delete serves DELETE /api/sessions/{id}.
func (h *SessionHandler) Delete(w http.ResponseWriter, r *http.Request) {
	if err := h.sessions.Disconnect(r.Context(), mux.Vars(r)["id"]); err != nil {
		respondError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// SendMessage serves POST /api/sessions/{id}/messages.
func (h *SessionHandler) SendMessage(w http.ResponseWriter, r *http.Request) {
	var req struct {
		To       string `json:"to"`
		Text     string `json:"text"`
		Media    string `json:"media"`
		MimeType string `json:"mimeType"`
		FileName string `json:"fileName"`
		Caption  string `json:"caption"`
	}
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, r, err)
		return
	}
	results, err := h.sender.SendDirect(r.Context(), mux.Vars(r)["id"], services.DirectMessage{
		To:       req.To,
		Text:     req.Text,
		Media:    req.Media,
		MimeType: req.MimeType,
		FileName: req.FileName,
		Caption:  req.Caption,
	})
	if err != nil {
		respondError(w, r, err)
		return
	}
	type sent struct {
		MessageID string `json:"messageId"`
		Status    string `json:"status"`
	}
	out := make([]sent, 0, len(results))
	for _, res := range results {
		out = append(out, sent{MessageID: res.ExternalMessageID, Status: res.Status})
	}
	respondJSON(w, http.StatusOK, map[string]any{"messages": out})
}
