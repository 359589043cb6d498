package models

import (
	"time"

	"gorm.io/datatypes"
)

// PlaceholderPhoneNumber is stored until the provider confirms the paired number.
const PlaceholderPhoneNumber = "pending"

// PlaceholderSessionID is a reserved id written by older provisioning flows
// before a real id was allocated. Rows carrying it are garbage.
const PlaceholderSessionID = "placeholder"

// Session is one user's authenticated connection to the relay provider.
type Session struct {
	ID                string         `gorm:"primaryKey;size:64"`
	UserID            string         `gorm:"index;size:128;not null"`
	PhoneNumber       string         `gorm:"index;size:32;comment:Placeholder until the provider confirms the number"`
	ExternalSessionID string         `gorm:"index;size:128;comment:Session id on the relay provider"`
	Status            SessionStatus  `gorm:"index;size:32;not null"`
	QRCode            string         `gorm:"type:text"`
	QRExpiresAt       *time.Time     `gorm:"comment:When the current QR code stops being scannable"`
	ProviderMetadata  datatypes.JSON `gorm:"comment:Raw provider data returned on creation"`
	LastError         string         `gorm:"type:text"`
	CreatedAt         time.Time      `gorm:"autoCreateTime"`
	UpdatedAt         time.Time      `gorm:"autoUpdateTime"`
}

// HasConfirmedPhone reports whether the provider has confirmed the paired number.
func (s *Session) HasConfirmedPhone() bool {
	return s.PhoneNumber != "" && s.PhoneNumber != PlaceholderPhoneNumber
}

// Conversation maps one external contact to one internal chat thread.
type Conversation struct {
	ID                string    `gorm:"primaryKey;size:64"`
	ChatID            string    `gorm:"index;size:64;not null"`
	ExternalContactID string    `gorm:"uniqueIndex:idx_conversation_user_contact;size:128;not null;comment:Channel address of the contact, e.g. 15551234567@s.whatsapp.net"`
	PhoneNumber       string    `gorm:"size:32"`
	ContactName       string    `gorm:"size:255"`
	UserID            string    `gorm:"uniqueIndex:idx_conversation_user_contact;size:128;not null"`
	CreatedAt         time.Time `gorm:"autoCreateTime"`
	UpdatedAt         time.Time `gorm:"autoUpdateTime"`
}

// MessageDirection of a tracked message.
type MessageDirection string

const (
	DirectionIncoming MessageDirection = "incoming"
	DirectionOutgoing MessageDirection = "outgoing"
)

// DeliveryStatus of an outgoing tracked message.
type DeliveryStatus string

const (
	DeliveryPending   DeliveryStatus = "pending"
	DeliverySent      DeliveryStatus = "sent"
	DeliveryDelivered DeliveryStatus = "delivered"
	DeliveryRead      DeliveryStatus = "read"
	DeliveryFailed    DeliveryStatus = "failed"
)

// TrackedMessage records a channel message for delivery observability only.
// Nothing reads it for control flow, so duplicate rows are harmless.
type TrackedMessage struct {
	ID                uint             `gorm:"primaryKey"`
	ConversationID    string           `gorm:"index;size:64"`
	ExternalMessageID string           `gorm:"index;size:128"`
	Direction         MessageDirection `gorm:"size:16;not null"`
	Status            DeliveryStatus   `gorm:"index;size:16"`
	ErrorMessage      string           `gorm:"type:text"`
	CreatedAt         time.Time        `gorm:"autoCreateTime"`
}

// Chat is the internal thread a conversation feeds.
type Chat struct {
	ID        string    `gorm:"primaryKey;size:64"`
	UserID    string    `gorm:"index;size:128;not null"`
	Title     string    `gorm:"size:255"`
	Source    string    `gorm:"size:32"`
	CreatedAt time.Time `gorm:"autoCreateTime"`
	UpdatedAt time.Time `gorm:"autoUpdateTime"`
}

// ChatMessage is one canonical message persisted in a chat.
type ChatMessage struct {
	ID                uint           `gorm:"primaryKey"`
	ChatID            string         `gorm:"index;size:64;not null"`
	Role              string         `gorm:"size:16;not null"`
	Parts             datatypes.JSON `gorm:"not null"`
	ExternalMessageID string         `gorm:"size:128"`
	CreatedAt         time.Time      `gorm:"autoCreateTime"`
}
