package protocol

// MessageKind is the type discriminator on a control frame. The set below is
// closed for dispatch purposes; unknown kinds are delivered to subscribers
// but matched by nothing.
type MessageKind string

// Outbound requests.
const (
	KindGetCharacters      MessageKind = "get_characters"
	KindCreateCharacter    MessageKind = "create_character"
	KindUpdateCharacter    MessageKind = "update_character"
	KindDeleteCharacter    MessageKind = "delete_character"
	KindSetCharacterActive MessageKind = "set_character_active"

	KindGetVoices   MessageKind = "get_voices"
	KindCreateVoice MessageKind = "create_voice"
	KindUpdateVoice MessageKind = "update_voice"
	KindDeleteVoice MessageKind = "delete_voice"

	KindGetConversations   MessageKind = "get_conversations"
	KindGetConversation    MessageKind = "get_conversation"
	KindCreateConversation MessageKind = "create_conversation"
	KindUpdateConversation MessageKind = "update_conversation"
	KindDeleteConversation MessageKind = "delete_conversation"

	KindGetMessages   MessageKind = "get_messages"
	KindCreateMessage MessageKind = "create_message"
	KindDeleteMessage MessageKind = "delete_message"
)

// Session controls.
const (
	KindStartListening      MessageKind = "start_listening"
	KindStopListening       MessageKind = "stop_listening"
	KindSendText            MessageKind = "send_text"
	KindClearHistory        MessageKind = "clear_history"
	KindInterrupt           MessageKind = "interrupt"
	KindUpdateModelSettings MessageKind = "update_model_settings"
)

// Inbound responses.
const (
	KindCharactersData   MessageKind = "characters_data"
	KindCharacterCreated MessageKind = "character_created"
	KindCharacterUpdated MessageKind = "character_updated"
	KindCharacterDeleted MessageKind = "character_deleted"

	KindVoicesData   MessageKind = "voices_data"
	KindVoiceCreated MessageKind = "voice_created"
	KindVoiceUpdated MessageKind = "voice_updated"
	KindVoiceDeleted MessageKind = "voice_deleted"

	KindConversationsData   MessageKind = "conversations_data"
	KindConversationData    MessageKind = "conversation_data"
	KindConversationCreated MessageKind = "conversation_created"
	KindConversationUpdated MessageKind = "conversation_updated"
	KindConversationDeleted MessageKind = "conversation_deleted"

	KindMessagesData   MessageKind = "messages_data"
	KindMessageCreated MessageKind = "message_created"
	KindMessageDeleted MessageKind = "message_deleted"

	KindDBError MessageKind = "db_error"
)

// Server pushes, consumed by UI collaborators.
const (
	KindResponseChunk MessageKind = "response_chunk"
	KindSTTPreview    MessageKind = "stt_preview"
	KindHistoryClear  MessageKind = "history_cleared"
)

func (k MessageKind) String() string {
	return string(k)
}
