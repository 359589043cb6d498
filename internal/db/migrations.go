package db

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"gorm.io/gorm"

	"wuzapi-ai-gateway/internal/models"
)

// Migrate applies every schema migration not yet recorded.
func Migrate(gdb *gorm.DB) error {
	m := gormigrate.New(gdb, gormigrate.DefaultOptions, []*gormigrate.Migration{
		{
			ID: "001_sessions",
			Migrate: func(tx *gorm.DB) error {
				return tx.AutoMigrate(&models.Session{})
			},
			Rollback: func(tx *gorm.DB) error {
				return tx.Migrator().DropTable("sessions")
			},
		},
		{
			ID: "002_conversations_and_tracking",
			Migrate: func(tx *gorm.DB) error {
				if err := tx.AutoMigrate(&models.Conversation{}); err != nil {
					return err
				}
				return tx.AutoMigrate(&models.TrackedMessage{})
			},
			Rollback: func(tx *gorm.DB) error {
				return tx.Migrator().DropTable("tracked_messages", "conversations")
			},
		},
		{
			ID: "003_chats",
			Migrate: func(tx *gorm.DB) error {
				if err := tx.AutoMigrate(&models.Chat{}); err != nil {
					return err
				}
				return tx.AutoMigrate(&models.ChatMessage{})
			},
			Rollback: func(tx *gorm.DB) error {
				return tx.Migrator().DropTable("chat_messages", "chats")
			},
		},
	})
	return m.Migrate()
}
