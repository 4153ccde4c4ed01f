package protocol

import "encoding/json"

// Envelope is a control frame on the wire. Audio travels as raw binary
// frames and never goes through this type.
//
// RequestID correlates a request with its response: the client generates it,
// the server echoes it back on the matching response or db_error frame.
type Envelope struct {
	Type      MessageKind     `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	Error     string          `json:"error,omitempty"`
	RequestID string          `json:"request_id,omitempty"`
}

type Character struct {
	ID           string   `gorm:"primaryKey" json:"id"`
	Name         string   `gorm:"not null" json:"name"`
	Voice        string   `json:"voice"`
	SystemPrompt string   `json:"system_prompt"`
	ImageURL     string   `json:"image_url"`
	Images       []string `gorm:"serializer:json" json:"images"`
	IsActive     bool     `gorm:"index;default:false" json:"is_active"`
	LastMessage  string   `json:"last_message"`
	CreatedAt    string   `json:"created_at,omitempty"`
	UpdatedAt    string   `json:"updated_at,omitempty"`
}

// Voice is keyed by its name rather than a surrogate id.
type Voice struct {
	Name        string `gorm:"column:voice;primaryKey" json:"voice"`
	Method      string `json:"method"`
	SpeakerDesc string `json:"speaker_desc"`
	ScenePrompt string `json:"scene_prompt"`
	CreatedAt   string `json:"created_at,omitempty"`
	UpdatedAt   string `json:"updated_at,omitempty"`
}

type Conversation struct {
	ID               string   `gorm:"column:conversation_id;primaryKey" json:"conversation_id"`
	Title            string   `json:"title"`
	ActiveCharacters []string `gorm:"serializer:json" json:"active_characters"`
	CreatedAt        string   `json:"created_at,omitempty"`
	UpdatedAt        string   `json:"updated_at,omitempty"`
}

type Message struct {
	ID             string `gorm:"column:message_id;primaryKey" json:"message_id"`
	ConversationID string `gorm:"index;not null" json:"conversation_id"`
	Role           string `gorm:"not null" json:"role"`
	Name           string `json:"name,omitempty"`
	Content        string `gorm:"not null" json:"content"`
	CharacterID    string `json:"character_id,omitempty"`
	CreatedAt      string `json:"created_at,omitempty"`
}

// CharacterPatch carries partial character updates; nil fields are untouched.
type CharacterPatch struct {
	Name         *string   `json:"name,omitempty"`
	Voice        *string   `json:"voice,omitempty"`
	SystemPrompt *string   `json:"system_prompt,omitempty"`
	ImageURL     *string   `json:"image_url,omitempty"`
	Images       *[]string `json:"images,omitempty"`
	IsActive     *bool     `json:"is_active,omitempty"`
	LastMessage  *string   `json:"last_message,omitempty"`
}

// VoicePatch carries partial voice updates. NewName renames the voice,
// which cascades to every character referencing it.
type VoicePatch struct {
	NewName     *string `json:"new_voice,omitempty"`
	Method      *string `json:"method,omitempty"`
	SpeakerDesc *string `json:"speaker_desc,omitempty"`
	ScenePrompt *string `json:"scene_prompt,omitempty"`
}

type ModelSettings struct {
	Temperature    float64 `json:"temperature,omitempty"`
	TopP           float64 `json:"top_p,omitempty"`
	MaxTokens      int     `json:"max_tokens,omitempty"`
	RepetitionGain float64 `json:"repetition_penalty,omitempty"`
}
