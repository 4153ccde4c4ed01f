package devserver

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/eleven-am/voicechat/internal/protocol"
)

// handleControl routes one control frame. CRUD requests produce a response
// frame of the matching kind with the request id echoed back; failures
// produce a db_error frame carrying the same id.
func (c *clientConn) handleControl(ctx context.Context, env protocol.Envelope) {
	switch env.Type {
	case protocol.KindStartListening:
		c.utteranceGen.Add(1)
		c.mu.Lock()
		c.utterance = nil
		c.mu.Unlock()
		c.listening.Store(true)
		return

	case protocol.KindStopListening:
		c.listening.Store(false)
		c.mu.Lock()
		frames := c.utterance
		c.utterance = nil
		c.mu.Unlock()

		preview, _ := json.Marshal(map[string]any{
			"text": fmt.Sprintf("(%d audio frames received)", len(frames)),
		})
		c.push(protocol.Envelope{Type: protocol.KindSTTPreview, Data: preview})
		go c.echoUtterance(ctx, frames, c.utteranceGen.Load())
		return

	case protocol.KindInterrupt:
		c.utteranceGen.Add(1)
		return

	case protocol.KindSendText:
		var req protocol.SendTextRequest
		if err := json.Unmarshal(env.Data, &req); err != nil {
			c.pushError(env, fmt.Errorf("decode send_text: %w", err))
			return
		}
		c.mu.Lock()
		maxTokens := c.settings.MaxTokens
		c.mu.Unlock()
		text := req.Text
		if maxTokens > 0 {
			if words := strings.Fields(text); len(words) > maxTokens {
				text = strings.Join(words[:maxTokens], " ")
			}
		}
		// Stream the echo back in chunks the way a generating model would.
		for _, chunk := range splitChunks(text, 3) {
			data, _ := json.Marshal(map[string]string{"text": chunk})
			c.push(protocol.Envelope{Type: protocol.KindResponseChunk, Data: data})
		}
		return

	case protocol.KindUpdateModelSettings:
		var settings protocol.ModelSettings
		if err := json.Unmarshal(env.Data, &settings); err != nil {
			c.pushError(env, fmt.Errorf("decode model settings: %w", err))
			return
		}
		c.mu.Lock()
		c.settings = settings
		c.mu.Unlock()
		return

	case protocol.KindClearHistory:
		c.push(protocol.Envelope{Type: protocol.KindHistoryClear, RequestID: env.RequestID})
		return
	}

	kind, payload, err := c.dispatchCRUD(ctx, env)
	if err != nil {
		c.pushError(env, err)
		return
	}
	if kind == "" {
		c.log.Warn("unhandled message kind", "type", env.Type)
		return
	}

	data, err := json.Marshal(payload)
	if err != nil {
		c.pushError(env, err)
		return
	}
	c.push(protocol.Envelope{Type: kind, Data: data, RequestID: env.RequestID})
}

func (c *clientConn) dispatchCRUD(ctx context.Context, env protocol.Envelope) (protocol.MessageKind, any, error) {
	switch env.Type {
	case protocol.KindGetCharacters:
		out, err := c.store.Characters(ctx)
		return protocol.KindCharactersData, out, err

	case protocol.KindCreateCharacter:
		req, err := decode[protocol.CreateCharacterRequest](env)
		if err != nil {
			return "", nil, err
		}
		out, err := c.store.CreateCharacter(ctx, req)
		return protocol.KindCharacterCreated, out, err

	case protocol.KindUpdateCharacter:
		req, err := decode[protocol.UpdateCharacterRequest](env)
		if err != nil {
			return "", nil, err
		}
		out, err := c.store.UpdateCharacter(ctx, req)
		return protocol.KindCharacterUpdated, out, err

	case protocol.KindSetCharacterActive:
		req, err := decode[protocol.SetCharacterActiveRequest](env)
		if err != nil {
			return "", nil, err
		}
		out, err := c.store.SetCharacterActive(ctx, req.ID, req.IsActive)
		return protocol.KindCharacterUpdated, out, err

	case protocol.KindDeleteCharacter:
		req, err := decode[protocol.DeleteCharacterRequest](env)
		if err != nil {
			return "", nil, err
		}
		if err := c.store.DeleteCharacter(ctx, req.ID); err != nil {
			return "", nil, err
		}
		return protocol.KindCharacterDeleted, protocol.DeletedResponse{ID: req.ID, Deleted: true}, nil

	case protocol.KindGetVoices:
		out, err := c.store.Voices(ctx)
		return protocol.KindVoicesData, out, err

	case protocol.KindCreateVoice:
		req, err := decode[protocol.CreateVoiceRequest](env)
		if err != nil {
			return "", nil, err
		}
		out, err := c.store.CreateVoice(ctx, req)
		return protocol.KindVoiceCreated, out, err

	case protocol.KindUpdateVoice:
		req, err := decode[protocol.UpdateVoiceRequest](env)
		if err != nil {
			return "", nil, err
		}
		out, err := c.store.UpdateVoice(ctx, req)
		return protocol.KindVoiceUpdated, out, err

	case protocol.KindDeleteVoice:
		req, err := decode[protocol.DeleteVoiceRequest](env)
		if err != nil {
			return "", nil, err
		}
		if err := c.store.DeleteVoice(ctx, req.Name); err != nil {
			return "", nil, err
		}
		return protocol.KindVoiceDeleted, protocol.DeletedResponse{ID: req.Name, Deleted: true}, nil

	case protocol.KindGetConversations:
		out, err := c.store.Conversations(ctx)
		return protocol.KindConversationsData, out, err

	case protocol.KindGetConversation:
		req, err := decode[protocol.GetConversationRequest](env)
		if err != nil {
			return "", nil, err
		}
		out, err := c.store.Conversation(ctx, req.ID)
		return protocol.KindConversationData, out, err

	case protocol.KindCreateConversation:
		req, err := decode[protocol.CreateConversationRequest](env)
		if err != nil {
			return "", nil, err
		}
		out, err := c.store.CreateConversation(ctx, req)
		return protocol.KindConversationCreated, out, err

	case protocol.KindUpdateConversation:
		req, err := decode[protocol.UpdateConversationRequest](env)
		if err != nil {
			return "", nil, err
		}
		out, err := c.store.UpdateConversation(ctx, req)
		return protocol.KindConversationUpdated, out, err

	case protocol.KindDeleteConversation:
		req, err := decode[protocol.DeleteConversationRequest](env)
		if err != nil {
			return "", nil, err
		}
		if err := c.store.DeleteConversation(ctx, req.ID); err != nil {
			return "", nil, err
		}
		return protocol.KindConversationDeleted, protocol.DeletedResponse{ID: req.ID, Deleted: true}, nil

	case protocol.KindGetMessages:
		req, err := decode[protocol.GetMessagesRequest](env)
		if err != nil {
			return "", nil, err
		}
		out, err := c.store.Messages(ctx, req.ConversationID, req.Limit)
		return protocol.KindMessagesData, out, err

	case protocol.KindCreateMessage:
		req, err := decode[protocol.CreateMessageRequest](env)
		if err != nil {
			return "", nil, err
		}
		out, err := c.store.CreateMessage(ctx, req)
		return protocol.KindMessageCreated, out, err

	case protocol.KindDeleteMessage:
		req, err := decode[protocol.DeleteMessageRequest](env)
		if err != nil {
			return "", nil, err
		}
		if err := c.store.DeleteMessage(ctx, req.ID); err != nil {
			return "", nil, err
		}
		return protocol.KindMessageDeleted, protocol.DeletedResponse{ID: req.ID, Deleted: true}, nil
	}

	return "", nil, nil
}

func (c *clientConn) pushError(env protocol.Envelope, err error) {
	c.log.Warn("request failed", "type", env.Type, "error", err)
	c.push(protocol.Envelope{
		Type:      protocol.KindDBError,
		Error:     err.Error(),
		RequestID: env.RequestID,
	})
}

func decode[T any](env protocol.Envelope) (T, error) {
	var v T
	if len(env.Data) == 0 {
		return v, fmt.Errorf("%s: missing payload", env.Type)
	}
	if err := json.Unmarshal(env.Data, &v); err != nil {
		return v, fmt.Errorf("decode %s: %w", env.Type, err)
	}
	return v, nil
}

func splitChunks(text string, parts int) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	words := strings.Fields(text)
	if len(words) <= parts {
		return []string{text}
	}
	per := (len(words) + parts - 1) / parts
	var out []string
	for i := 0; i < len(words); i += per {
		end := i + per
		if end > len(words) {
			end = len(words)
		}
		out = append(out, strings.Join(words[i:end], " "))
	}
	return out
}
