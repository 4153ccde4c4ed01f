package protocol

// Request payloads shared by the client runtime and the dev server.

type CreateCharacterRequest struct {
	Name         string   `json:"name"`
	Voice        string   `json:"voice,omitempty"`
	SystemPrompt string   `json:"system_prompt,omitempty"`
	ImageURL     string   `json:"image_url,omitempty"`
	Images       []string `json:"images,omitempty"`
	IsActive     bool     `json:"is_active,omitempty"`
}

type UpdateCharacterRequest struct {
	ID string `json:"id"`
	CharacterPatch
}

type DeleteCharacterRequest struct {
	ID string `json:"id"`
}

type SetCharacterActiveRequest struct {
	ID       string `json:"id"`
	IsActive bool   `json:"is_active"`
}

type CreateVoiceRequest struct {
	Name        string `json:"voice"`
	Method      string `json:"method,omitempty"`
	SpeakerDesc string `json:"speaker_desc,omitempty"`
	ScenePrompt string `json:"scene_prompt,omitempty"`
}

type UpdateVoiceRequest struct {
	Name string `json:"voice"`
	VoicePatch
}

type DeleteVoiceRequest struct {
	Name string `json:"voice"`
}

type CreateConversationRequest struct {
	Title            string   `json:"title,omitempty"`
	ActiveCharacters []string `json:"active_characters,omitempty"`
}

type GetConversationRequest struct {
	ID string `json:"conversation_id"`
}

type UpdateConversationRequest struct {
	ID               string    `json:"conversation_id"`
	Title            *string   `json:"title,omitempty"`
	ActiveCharacters *[]string `json:"active_characters,omitempty"`
}

type DeleteConversationRequest struct {
	ID string `json:"conversation_id"`
}

type GetMessagesRequest struct {
	ConversationID string `json:"conversation_id"`
	Limit          int    `json:"limit,omitempty"`
}

type CreateMessageRequest struct {
	ConversationID string `json:"conversation_id"`
	Role           string `json:"role"`
	Name           string `json:"name,omitempty"`
	Content        string `json:"content"`
	CharacterID    string `json:"character_id,omitempty"`
}

type DeleteMessageRequest struct {
	ID string `json:"message_id"`
}

type SendTextRequest struct {
	ConversationID string `json:"conversation_id,omitempty"`
	Text           string `json:"text"`
}

type DeletedResponse struct {
	ID      string `json:"id"`
	Deleted bool   `json:"deleted"`
}
