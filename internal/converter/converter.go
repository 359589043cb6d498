// Package converter maps relay messages to canonical chat messages and
// turns completion markdown into sendable WhatsApp text.
package converter

import (
	"time"

	"github.com/google/uuid"

	"wuzapi-ai-gateway/internal/adapters/provider"
	"wuzapi-ai-gateway/internal/models"
)

// ToCanonical converts an inbound relay message into a canonical user
// message. It returns nil when the message carries nothing usable.
func ToCanonical(in *provider.InboundMessage, userID string) *models.CanonicalMessage {
	if in == nil {
		return nil
	}

	var parts []models.ContentPart
	if in.Text != "" {
		parts = append(parts, models.ContentPart{Type: models.PartText, Text: in.Text})
	}
	for _, m := range in.Media {
		part, ok := mediaPart(m)
		if ok {
			parts = append(parts, part)
		}
	}
	if len(parts) == 0 {
		return nil
	}

	created := in.Timestamp
	if created.IsZero() {
		created = time.Now().UTC()
	}
	return &models.CanonicalMessage{
		ID:        uuid.NewString(),
		Role:      models.RoleUser,
		Parts:     parts,
		CreatedAt: created,
		Metadata: map[string]string{
			"userId":            userID,
			"externalMessageId": in.ID,
			"from":              in.From,
			"pushName":          in.PushName,
		},
	}
}

func mediaPart(m provider.InboundMedia) (models.ContentPart, bool) {
	var typ models.PartType
	switch m.Type {
	case provider.BodyImage:
		typ = models.PartImage
	case provider.BodyDocument:
		typ = models.PartDocument
	case provider.BodyVideo:
		typ = models.PartVideo
	case provider.BodyAudio:
		typ = models.PartAudio
	default:
		return models.ContentPart{}, false
	}

	url := m.URL
	if url == "" && m.Base64 != "" {
		url = dataURL(m.MimeType, m.Base64)
	}
	if url == "" {
		return models.ContentPart{}, false
	}
	return models.ContentPart{
		Type:     typ,
		URL:      url,
		MimeType: m.MimeType,
		FileName: m.FileName,
		Caption:  m.Caption,
	}, true
}

func dataURL(mimeType, b64 string) string {
	if len(b64) > 5 && b64[:5] == "data:" {
		return b64
	}
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	return "data:" + mimeType + ";base64," + b64
}
