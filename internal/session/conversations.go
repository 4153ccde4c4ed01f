package session

import (
	"context"

	"github.com/eleven-am/voicechat/internal/protocol"
)

// Conversation and message operations are correlated requests issued
// directly; unlike characters and voices they are not cached, a chat view
// loads them on demand.

func (s *Session) CreateConversation(ctx context.Context, req protocol.CreateConversationRequest) (protocol.Conversation, error) {
	raw, err := s.rc.Send(ctx, protocol.KindCreateConversation, protocol.KindConversationCreated, req)
	if err != nil {
		return protocol.Conversation{}, err
	}
	return decodeAs[protocol.Conversation](raw, "conversation")
}

func (s *Session) Conversations(ctx context.Context) ([]protocol.Conversation, error) {
	raw, err := s.rc.Send(ctx, protocol.KindGetConversations, protocol.KindConversationsData, nil)
	if err != nil {
		return nil, err
	}
	return decodeAs[[]protocol.Conversation](raw, "conversations")
}

func (s *Session) Conversation(ctx context.Context, id string) (protocol.Conversation, error) {
	raw, err := s.rc.Send(ctx, protocol.KindGetConversation, protocol.KindConversationData, protocol.GetConversationRequest{ID: id})
	if err != nil {
		return protocol.Conversation{}, err
	}
	return decodeAs[protocol.Conversation](raw, "conversation")
}

func (s *Session) UpdateConversationTitle(ctx context.Context, id, title string) (protocol.Conversation, error) {
	raw, err := s.rc.Send(ctx, protocol.KindUpdateConversation, protocol.KindConversationUpdated, protocol.UpdateConversationRequest{ID: id, Title: &title})
	if err != nil {
		return protocol.Conversation{}, err
	}
	return decodeAs[protocol.Conversation](raw, "conversation")
}

func (s *Session) SetConversationCharacters(ctx context.Context, id string, characterIDs []string) (protocol.Conversation, error) {
	raw, err := s.rc.Send(ctx, protocol.KindUpdateConversation, protocol.KindConversationUpdated, protocol.UpdateConversationRequest{ID: id, ActiveCharacters: &characterIDs})
	if err != nil {
		return protocol.Conversation{}, err
	}
	return decodeAs[protocol.Conversation](raw, "conversation")
}

func (s *Session) DeleteConversation(ctx context.Context, id string) error {
	_, err := s.rc.Send(ctx, protocol.KindDeleteConversation, protocol.KindConversationDeleted, protocol.DeleteConversationRequest{ID: id})
	return err
}

func (s *Session) CreateMessage(ctx context.Context, req protocol.CreateMessageRequest) (protocol.Message, error) {
	raw, err := s.rc.Send(ctx, protocol.KindCreateMessage, protocol.KindMessageCreated, req)
	if err != nil {
		return protocol.Message{}, err
	}
	return decodeAs[protocol.Message](raw, "message")
}

func (s *Session) Messages(ctx context.Context, conversationID string, limit int) ([]protocol.Message, error) {
	raw, err := s.rc.Send(ctx, protocol.KindGetMessages, protocol.KindMessagesData, protocol.GetMessagesRequest{ConversationID: conversationID, Limit: limit})
	if err != nil {
		return nil, err
	}
	return decodeAs[[]protocol.Message](raw, "messages")
}

func (s *Session) DeleteMessage(ctx context.Context, id string) error {
	_, err := s.rc.Send(ctx, protocol.KindDeleteMessage, protocol.KindMessageDeleted, protocol.DeleteMessageRequest{ID: id})
	return err
}
