package store

import (
	"context"
	"encoding/json"
	"fmt"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"wuzapi-ai-gateway/internal/models"
)

// ChatStore persists chat threads and their canonical messages.
type ChatStore struct {
	db *gorm.DB
}

func NewChatStore(db *gorm.DB) *ChatStore {
	return &ChatStore{db: db}
}

func (s *ChatStore) Create(ctx context.Context, chat *models.Chat) error {
	if err := s.db.WithContext(ctx).Create(chat).Error; err != nil {
		return fmt.Errorf("create chat %s: %w", chat.ID, err)
	}
	return nil
}

// Append stores msg in chatID.
func (s *ChatStore) Append(ctx context.Context, chatID string, msg *models.CanonicalMessage) error {
	parts, err := json.Marshal(msg.Parts)
	if err != nil {
		return fmt.Errorf("encode message parts: %w", err)
	}
	row := models.ChatMessage{
		ChatID:            chatID,
		Role:              msg.Role,
		Parts:             datatypes.JSON(parts),
		ExternalMessageID: msg.Metadata["externalMessageId"],
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("append message to chat %s: %w", chatID, err)
	}
	return nil
}

// ClearMessages deletes the chat's history and returns how many rows went.
func (s *ChatStore) ClearMessages(ctx context.Context, chatID string) (int64, error) {
	res := s.db.WithContext(ctx).Where("chat_id = ?", chatID).Delete(&models.ChatMessage{})
	if res.Error != nil {
		return 0, fmt.Errorf("clear chat %s: %w", chatID, res.Error)
	}
	return res.RowsAffected, nil
}

func (s *ChatStore) CountMessages(ctx context.Context, chatID string) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&models.ChatMessage{}).Where("chat_id = ?", chatID).Count(&n).Error
	if err != nil {
		return 0, fmt.Errorf("count messages of chat %s: %w", chatID, err)
	}
	return n, nil
}

// Messages returns the chat history oldest first.
func (s *ChatStore) Messages(ctx context.Context, chatID string) ([]models.ChatMessage, error) {
	var rows []models.ChatMessage
	if err := s.db.WithContext(ctx).Where("chat_id = ?", chatID).Order("id ASC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("load messages of chat %s: %w", chatID, err)
	}
	return rows, nil
}
