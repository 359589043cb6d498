package store

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	"wuzapi-ai-gateway/internal/models"
)

// MessageStore records tracked channel messages.
type MessageStore struct {
	db *gorm.DB
}

func NewMessageStore(db *gorm.DB) *MessageStore {
	return &MessageStore{db: db}
}

// Track inserts a tracking row. Duplicates are allowed.
func (s *MessageStore) Track(ctx context.Context, msg *models.TrackedMessage) error {
	if err := s.db.WithContext(ctx).Create(msg).Error; err != nil {
		return fmt.Errorf("track message %s: %w", msg.ExternalMessageID, err)
	}
	return nil
}

// UpdateStatus sets the delivery status of every row with externalID.
func (s *MessageStore) UpdateStatus(ctx context.Context, externalID string, status models.DeliveryStatus) (int64, error) {
	res := s.db.WithContext(ctx).Model(&models.TrackedMessage{}).
		Where("external_message_id = ?", externalID).
		Update("status", status)
	if res.Error != nil {
		return 0, fmt.Errorf("update status of message %s: %w", externalID, res.Error)
	}
	return res.RowsAffected, nil
}

func (s *MessageStore) ListByConversation(ctx context.Context, conversationID string) ([]models.TrackedMessage, error) {
	var msgs []models.TrackedMessage
	err := s.db.WithContext(ctx).Where("conversation_id = ?", conversationID).Order("id ASC").Find(&msgs).Error
	if err != nil {
		return nil, fmt.Errorf("list messages of conversation %s: %w", conversationID, err)
	}
	return msgs, nil
}
