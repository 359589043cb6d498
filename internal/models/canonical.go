package models

import "time"

// PartType of a canonical content part.
type PartType string

const (
	PartText     PartType = "text"
	PartImage    PartType = "image"
	PartDocument PartType = "document"
	PartVideo    PartType = "video"
	PartAudio    PartType = "audio"
)

// ContentPart is one typed piece of a canonical message.
type ContentPart struct {
	Type     PartType `json:"type"`
	Text     string   `json:"text,omitempty"`
	URL      string   `json:"url,omitempty"`
	MimeType string   `json:"mimeType,omitempty"`
	FileName string   `json:"fileName,omitempty"`
	Caption  string   `json:"caption,omitempty"`
}

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// CanonicalMessage is the channel-agnostic chat message.
type CanonicalMessage struct {
	ID        string            `json:"id"`
	Role      string            `json:"role"`
	Parts     []ContentPart     `json:"parts"`
	CreatedAt time.Time         `json:"createdAt"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Text joins the text parts and media captions of the message.
func (m *CanonicalMessage) Text() string {
	var out string
	for _, p := range m.Parts {
		t := p.Text
		if t == "" {
			t = p.Caption
		}
		if t == "" {
			continue
		}
		if out != "" {
			out += "\n"
		}
		out += t
	}
	return out
}
