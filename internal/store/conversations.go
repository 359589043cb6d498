package store

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"wuzapi-ai-gateway/internal/models"
)

// ConversationStore maps external contacts to chats.
type ConversationStore struct {
	db *gorm.DB
}

func NewConversationStore(db *gorm.DB) *ConversationStore {
	return &ConversationStore{db: db}
}

// FindByContact returns the conversation for (userID, contactID), or nil.
func (s *ConversationStore) FindByContact(ctx context.Context, userID, contactID string) (*models.Conversation, error) {
	var conv models.Conversation
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND external_contact_id = ?", userID, contactID).
		First(&conv).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find conversation for %s: %w", contactID, err)
	}
	return &conv, nil
}

// CreateIfAbsent inserts conv unless (userID, externalContactID) already
// exists, and returns the stored row either way.
func (s *ConversationStore) CreateIfAbsent(ctx context.Context, conv *models.Conversation) (*models.Conversation, bool, error) {
	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(conv)
	if res.Error != nil {
		return nil, false, fmt.Errorf("create conversation for %s: %w", conv.ExternalContactID, res.Error)
	}
	if res.RowsAffected == 1 {
		return conv, true, nil
	}
	existing, err := s.FindByContact(ctx, conv.UserID, conv.ExternalContactID)
	if err != nil {
		return nil, false, err
	}
	if existing == nil {
		return nil, false, fmt.Errorf("conversation for %s vanished after conflict", conv.ExternalContactID)
	}
	return existing, false, nil
}

func (s *ConversationStore) UpdateContactName(ctx context.Context, id, name string) error {
	err := s.db.WithContext(ctx).Model(&models.Conversation{}).Where("id = ?", id).Update("contact_name", name).Error
	if err != nil {
		return fmt.Errorf("update contact name for conversation %s: %w", id, err)
	}
	return nil
}

func (s *ConversationStore) ListByUser(ctx context.Context, userID string) ([]models.Conversation, error) {
	var convs []models.Conversation
	if err := s.db.WithContext(ctx).Where("user_id = ?", userID).Find(&convs).Error; err != nil {
		return nil, fmt.Errorf("list conversations for %s: %w", userID, err)
	}
	return convs, nil
}

// DeleteOrphans removes conversations whose user has no session at all.
func (s *ConversationStore) DeleteOrphans(ctx context.Context) (int64, error) {
	owners := s.db.Model(&models.Session{}).Select("user_id")
	res := s.db.WithContext(ctx).Where("user_id NOT IN (?)", owners).Delete(&models.Conversation{})
	if res.Error != nil {
		return 0, fmt.Errorf("delete orphan conversations: %w", res.Error)
	}
	return res.RowsAffected, nil
}
