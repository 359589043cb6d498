package services

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"wuzapi-ai-gateway/internal/adapters/completion"
	"wuzapi-ai-gateway/internal/models"
	"wuzapi-ai-gateway/internal/store"
)

// ConversationService maps external contacts to internal chats.
type ConversationService struct {
	conversations *store.ConversationStore
	chats         *store.ChatStore
}

// NewConversationService creates a new ConversationService.
func NewConversationService(conversations *store.ConversationStore, chats *store.ChatStore) (*ConversationService, error) {
	if conversations == nil {
		return nil, fmt.Errorf("conversation store cannot be nil for ConversationService")
	}
	if chats == nil {
		return nil, fmt.Errorf("chat store cannot be nil for ConversationService")
	}
	return &ConversationService{conversations: conversations, chats: chats}, nil
}

// ResolveOrCreate returns the conversation for (userID, contactID), creating
// it and its chat on first contact. A changed contact name is stored.
func (s *ConversationService) ResolveOrCreate(ctx context.Context, userID, contactID, phone, contactName string) (*models.Conversation, error) {
	conv, err := s.conversations.FindByContact(ctx, userID, contactID)
	if err != nil {
		return nil, err
	}
	if conv != nil {
		if contactName != "" && contactName != conv.ContactName {
			if err := s.conversations.UpdateContactName(ctx, conv.ID, contactName); err != nil {
				log.Warn().Err(err).Str("conversationID", conv.ID).Msg("Failed to update contact name")
			} else {
				conv.ContactName = contactName
			}
		}
		return conv, nil
	}

	title := contactName
	if title == "" {
		title = phone
	}
	chat := &models.Chat{
		ID:     uuid.NewString(),
		UserID: userID,
		Title:  "WhatsApp: " + title,
		Source: completion.SourceWhatsApp,
	}
	if err := s.chats.Create(ctx, chat); err != nil {
		return nil, err
	}

	conv, created, err := s.conversations.CreateIfAbsent(ctx, &models.Conversation{
		ID:                uuid.NewString(),
		ChatID:            chat.ID,
		ExternalContactID: contactID,
		PhoneNumber:       phone,
		ContactName:       contactName,
		UserID:            userID,
	})
	if err != nil {
		return nil, err
	}
	if created {
		log.Info().Str("conversationID", conv.ID).Str("chatID", chat.ID).Str("userID", userID).Str("contact", contactID).Msg("Conversation created")
	} else {
		log.Debug().Str("conversationID", conv.ID).Str("unusedChatID", chat.ID).Msg("Conversation created concurrently, reusing it")
	}
	return conv, nil
}
