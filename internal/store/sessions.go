// Package store holds the gorm-backed repositories for sessions,
// conversations, tracked messages and chats.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"wuzapi-ai-gateway/internal/apperr"
	"wuzapi-ai-gateway/internal/models"
)

// SessionStore persists provider sessions.
type SessionStore struct {
	db *gorm.DB
}

func NewSessionStore(db *gorm.DB) *SessionStore {
	return &SessionStore{db: db}
}

func (s *SessionStore) Create(ctx context.Context, session *models.Session) error {
	if err := s.db.WithContext(ctx).Create(session).Error; err != nil {
		return fmt.Errorf("create session %s: %w", session.ID, err)
	}
	return nil
}

// Get returns the session or a SessionNotFound error.
func (s *SessionStore) Get(ctx context.Context, id string) (*models.Session, error) {
	var session models.Session
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&session).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperr.New(apperr.SessionNotFound, "session %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("load session %s: %w", id, err)
	}
	return &session, nil
}

// Resolve looks a session up by internal id, then by external session id.
// Webhook envelopes carry whichever id the provider was registered with.
func (s *SessionStore) Resolve(ctx context.Context, id string) (*models.Session, error) {
	var session models.Session
	err := s.db.WithContext(ctx).
		Where("id = ? OR external_session_id = ?", id, id).
		Order("created_at DESC").
		First(&session).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperr.New(apperr.SessionNotFound, "session %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("resolve session %s: %w", id, err)
	}
	return &session, nil
}

// FindByUser returns the user's newest session in one of statuses, or nil
// when none exists.
func (s *SessionStore) FindByUser(ctx context.Context, userID string, statuses ...models.SessionStatus) (*models.Session, error) {
	var session models.Session
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND status IN ?", userID, statuses).
		Order("created_at DESC").
		First(&session).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find session for user %s: %w", userID, err)
	}
	return &session, nil
}

// CountActiveByUser counts the user's non-terminal sessions.
func (s *SessionStore) CountActiveByUser(ctx context.Context, userID string) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&models.Session{}).
		Where("user_id = ? AND status IN ?", userID, models.ActiveStatuses).
		Count(&n).Error
	if err != nil {
		return 0, fmt.Errorf("count sessions for user %s: %w", userID, err)
	}
	return n, nil
}

func (s *SessionStore) ListByUser(ctx context.Context, userID string) ([]models.Session, error) {
	var sessions []models.Session
	err := s.db.WithContext(ctx).Where("user_id = ?", userID).Order("created_at DESC").Find(&sessions).Error
	if err != nil {
		return nil, fmt.Errorf("list sessions for user %s: %w", userID, err)
	}
	return sessions, nil
}

func (s *SessionStore) ListByStatus(ctx context.Context, statuses ...models.SessionStatus) ([]models.Session, error) {
	var sessions []models.Session
	err := s.db.WithContext(ctx).Where("status IN ?", statuses).Order("updated_at ASC").Find(&sessions).Error
	if err != nil {
		return nil, fmt.Errorf("list sessions by status: %w", err)
	}
	return sessions, nil
}

// ListTerminalBefore returns disconnected and failed sessions last touched before cutoff.
func (s *SessionStore) ListTerminalBefore(ctx context.Context, cutoff time.Time) ([]models.Session, error) {
	var sessions []models.Session
	err := s.db.WithContext(ctx).
		Where("status IN ? AND updated_at < ?", models.TerminalStatuses, cutoff.UTC()).
		Find(&sessions).Error
	if err != nil {
		return nil, fmt.Errorf("list stale sessions: %w", err)
	}
	return sessions, nil
}

// ListQRExpired returns qr_pending sessions whose QR expired before now.
func (s *SessionStore) ListQRExpired(ctx context.Context, now time.Time) ([]models.Session, error) {
	var sessions []models.Session
	err := s.db.WithContext(ctx).
		Where("status = ? AND qr_expires_at IS NOT NULL AND qr_expires_at < ?", models.StatusQRPending, now.UTC()).
		Find(&sessions).Error
	if err != nil {
		return nil, fmt.Errorf("list expired qr sessions: %w", err)
	}
	return sessions, nil
}

// Update applies column changes and bumps updated_at.
func (s *SessionStore) Update(ctx context.Context, id string, fields map[string]any) error {
	fields["updated_at"] = time.Now().UTC()
	res := s.db.WithContext(ctx).Model(&models.Session{}).Where("id = ?", id).Updates(fields)
	if res.Error != nil {
		return fmt.Errorf("update session %s: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return apperr.New(apperr.SessionNotFound, "session %s not found", id)
	}
	return nil
}

// Touch bumps updated_at without changing anything else.
func (s *SessionStore) Touch(ctx context.Context, id string) error {
	return s.Update(ctx, id, map[string]any{})
}

func (s *SessionStore) Delete(ctx context.Context, id string) error {
	if err := s.db.WithContext(ctx).Where("id = ?", id).Delete(&models.Session{}).Error; err != nil {
		return fmt.Errorf("delete session %s: %w", id, err)
	}
	return nil
}

// DeleteDuplicatePhone removes the user's other sessions bound to phone.
func (s *SessionStore) DeleteDuplicatePhone(ctx context.Context, userID, phone, keepID string) (int64, error) {
	res := s.db.WithContext(ctx).
		Where("user_id = ? AND phone_number = ? AND id <> ?", userID, phone, keepID).
		Delete(&models.Session{})
	if res.Error != nil {
		return 0, fmt.Errorf("delete duplicate sessions for %s: %w", phone, res.Error)
	}
	return res.RowsAffected, nil
}

// DeletePlaceholders removes rows carrying the reserved placeholder id.
func (s *SessionStore) DeletePlaceholders(ctx context.Context) (int64, error) {
	res := s.db.WithContext(ctx).Where("id = ?", models.PlaceholderSessionID).Delete(&models.Session{})
	if res.Error != nil {
		return 0, fmt.Errorf("delete placeholder sessions: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// CountByStatus returns the number of sessions per status.
func (s *SessionStore) CountByStatus(ctx context.Context) (map[models.SessionStatus]int64, error) {
	var rows []struct {
		Status models.SessionStatus
		N      int64
	}
	err := s.db.WithContext(ctx).Model(&models.Session{}).
		Select("status, count(*) as n").Group("status").Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("count sessions by status: %w", err)
	}
	out := make(map[models.SessionStatus]int64, len(rows))
	for _, r := range rows {
		out[r.Status] = r.N
	}
	return out, nil
}
