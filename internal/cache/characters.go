package cache

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/eleven-am/voicechat/internal/protocol"
	"github.com/eleven-am/voicechat/internal/shared"
	"github.com/google/uuid"
)

const (
	EventCharacterCreated = "character:created"
	EventCharacterUpdated = "character:updated"
	EventCharacterDeleted = "character:deleted"
)

// CreateCharacter inserts an optimistic placeholder under a provisional id,
// then replaces it with the server-confirmed record. On rejection the
// placeholder is removed again.
func (c *EntityCache) CreateCharacter(ctx context.Context, req protocol.CreateCharacterRequest) (protocol.Character, error) {
	placeholder := protocol.Character{
		ID:           "tmp_" + uuid.NewString(),
		Name:         req.Name,
		Voice:        req.Voice,
		SystemPrompt: req.SystemPrompt,
		ImageURL:     req.ImageURL,
		Images:       req.Images,
		IsActive:     req.IsActive,
	}

	c.mu.Lock()
	c.characters[placeholder.ID] = cachedCharacter{Character: placeholder, optimistic: true}
	c.mu.Unlock()
	c.emitter.Emit(EventCharacterCreated, placeholder)

	raw, err := c.rc.Send(ctx, protocol.KindCreateCharacter, protocol.KindCharacterCreated, req)
	if err != nil {
		c.mu.Lock()
		delete(c.characters, placeholder.ID)
		c.mu.Unlock()
		c.emitter.Emit(EventCharacterCreated+suffixReverted, placeholder)
		return protocol.Character{}, err
	}

	var confirmed protocol.Character
	if err := json.Unmarshal(raw, &confirmed); err != nil {
		c.mu.Lock()
		delete(c.characters, placeholder.ID)
		c.mu.Unlock()
		c.emitter.Emit(EventCharacterCreated+suffixReverted, placeholder)
		return protocol.Character{}, fmt.Errorf("decode character: %w", err)
	}

	// Confirmation replaces the provisional value, never merges into it.
	c.mu.Lock()
	delete(c.characters, placeholder.ID)
	c.characters[confirmed.ID] = cachedCharacter{Character: confirmed}
	c.mu.Unlock()
	c.emitter.Emit(EventCharacterCreated+suffixConfirmed, confirmed)
	return confirmed, nil
}

// UpdateCharacter applies the patch locally, then reconciles with the
// server's view of the record.
func (c *EntityCache) UpdateCharacter(ctx context.Context, id string, patch protocol.CharacterPatch) (protocol.Character, error) {
	c.mu.Lock()
	prev, ok := c.characters[id]
	if !ok {
		c.mu.Unlock()
		return protocol.Character{}, fmt.Errorf("character %s: %w", id, shared.ErrNotFound)
	}
	local := applyCharacterPatch(prev.Character, patch)
	c.characters[id] = cachedCharacter{Character: local, optimistic: true}
	c.mu.Unlock()
	c.emitter.Emit(EventCharacterUpdated, local)

	raw, err := c.rc.Send(ctx, protocol.KindUpdateCharacter, protocol.KindCharacterUpdated, protocol.UpdateCharacterRequest{ID: id, CharacterPatch: patch})
	if err != nil {
		c.mu.Lock()
		c.characters[id] = prev
		c.mu.Unlock()
		c.emitter.Emit(EventCharacterUpdated+suffixReverted, prev.Character)
		return protocol.Character{}, err
	}

	confirmed, err := c.confirmCharacter(raw)
	if err != nil {
		c.mu.Lock()
		c.characters[id] = prev
		c.mu.Unlock()
		c.emitter.Emit(EventCharacterUpdated+suffixReverted, prev.Character)
		return protocol.Character{}, err
	}
	return confirmed, nil
}

// SetCharacterActive toggles a character's active flag optimistically.
func (c *EntityCache) SetCharacterActive(ctx context.Context, id string, active bool) (protocol.Character, error) {
	c.mu.Lock()
	prev, ok := c.characters[id]
	if !ok {
		c.mu.Unlock()
		return protocol.Character{}, fmt.Errorf("character %s: %w", id, shared.ErrNotFound)
	}
	local := prev.Character
	local.IsActive = active
	c.characters[id] = cachedCharacter{Character: local, optimistic: true}
	c.mu.Unlock()
	c.emitter.Emit(EventCharacterUpdated, local)

	raw, err := c.rc.Send(ctx, protocol.KindSetCharacterActive, protocol.KindCharacterUpdated, protocol.SetCharacterActiveRequest{ID: id, IsActive: active})
	if err != nil {
		c.mu.Lock()
		c.characters[id] = prev
		c.mu.Unlock()
		c.emitter.Emit(EventCharacterUpdated+suffixReverted, prev.Character)
		return protocol.Character{}, err
	}

	confirmed, err := c.confirmCharacter(raw)
	if err != nil {
		c.mu.Lock()
		c.characters[id] = prev
		c.mu.Unlock()
		c.emitter.Emit(EventCharacterUpdated+suffixReverted, prev.Character)
		return protocol.Character{}, err
	}
	return confirmed, nil
}

// DeleteCharacter removes the record locally, restoring it if the server
// rejects the deletion.
func (c *EntityCache) DeleteCharacter(ctx context.Context, id string) error {
	c.mu.Lock()
	prev, ok := c.characters[id]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("character %s: %w", id, shared.ErrNotFound)
	}
	delete(c.characters, id)
	c.mu.Unlock()
	c.emitter.Emit(EventCharacterDeleted, prev.Character)

	_, err := c.rc.Send(ctx, protocol.KindDeleteCharacter, protocol.KindCharacterDeleted, protocol.DeleteCharacterRequest{ID: id})
	if err != nil {
		c.mu.Lock()
		c.characters[id] = prev
		c.mu.Unlock()
		c.emitter.Emit(EventCharacterDeleted+suffixReverted, prev.Character)
		return err
	}

	c.emitter.Emit(EventCharacterDeleted+suffixConfirmed, prev.Character)
	return nil
}

func (c *EntityCache) confirmCharacter(raw json.RawMessage) (protocol.Character, error) {
	var confirmed protocol.Character
	if err := json.Unmarshal(raw, &confirmed); err != nil {
		return protocol.Character{}, fmt.Errorf("decode character: %w", err)
	}
	c.mu.Lock()
	c.characters[confirmed.ID] = cachedCharacter{Character: confirmed}
	c.mu.Unlock()
	c.emitter.Emit(EventCharacterUpdated+suffixConfirmed, confirmed)
	return confirmed, nil
}

func applyCharacterPatch(ch protocol.Character, p protocol.CharacterPatch) protocol.Character {
	if p.Name != nil {
		ch.Name = *p.Name
	}
	if p.Voice != nil {
		ch.Voice = *p.Voice
	}
	if p.SystemPrompt != nil {
		ch.SystemPrompt = *p.SystemPrompt
	}
	if p.ImageURL != nil {
		ch.ImageURL = *p.ImageURL
	}
	if p.Images != nil {
		ch.Images = append([]string(nil), (*p.Images)...)
	}
	if p.IsActive != nil {
		ch.IsActive = *p.IsActive
	}
	if p.LastMessage != nil {
		ch.LastMessage = *p.LastMessage
	}
	return ch
}
