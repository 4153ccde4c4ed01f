package cache

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/eleven-am/voicechat/internal/protocol"
	"github.com/eleven-am/voicechat/internal/shared"
)

const (
	EventVoiceCreated = "voice:created"
	EventVoiceUpdated = "voice:updated"
	EventVoiceDeleted = "voice:deleted"
)

// CreateVoice inserts the voice optimistically under its own name. Voices
// are identity-keyed by name, so a local duplicate is rejected before the
// server sees it.
func (c *EntityCache) CreateVoice(ctx context.Context, req protocol.CreateVoiceRequest) (protocol.Voice, error) {
	optimistic := protocol.Voice{
		Name:        req.Name,
		Method:      req.Method,
		SpeakerDesc: req.SpeakerDesc,
		ScenePrompt: req.ScenePrompt,
	}

	c.mu.Lock()
	if _, exists := c.voices[req.Name]; exists {
		c.mu.Unlock()
		return protocol.Voice{}, fmt.Errorf("voice %s: %w", req.Name, shared.ErrDuplicate)
	}
	c.voices[req.Name] = cachedVoice{Voice: optimistic, optimistic: true}
	c.mu.Unlock()
	c.emitter.Emit(EventVoiceCreated, optimistic)

	raw, err := c.rc.Send(ctx, protocol.KindCreateVoice, protocol.KindVoiceCreated, req)
	if err != nil {
		c.mu.Lock()
		delete(c.voices, req.Name)
		c.mu.Unlock()
		c.emitter.Emit(EventVoiceCreated+suffixReverted, optimistic)
		return protocol.Voice{}, err
	}

	var confirmed protocol.Voice
	if err := json.Unmarshal(raw, &confirmed); err != nil {
		c.mu.Lock()
		delete(c.voices, req.Name)
		c.mu.Unlock()
		c.emitter.Emit(EventVoiceCreated+suffixReverted, optimistic)
		return protocol.Voice{}, fmt.Errorf("decode voice: %w", err)
	}

	c.mu.Lock()
	delete(c.voices, req.Name)
	c.voices[confirmed.Name] = cachedVoice{Voice: confirmed}
	c.mu.Unlock()
	c.emitter.Emit(EventVoiceCreated+suffixConfirmed, confirmed)
	return confirmed, nil
}

// UpdateVoice patches a voice. A rename cascades to every character
// referencing the old name so no character keeps a dangling reference.
func (c *EntityCache) UpdateVoice(ctx context.Context, name string, patch protocol.VoicePatch) (protocol.Voice, error) {
	renamed := patch.NewName != nil && *patch.NewName != "" && *patch.NewName != name

	c.mu.Lock()
	prev, ok := c.voices[name]
	if !ok {
		c.mu.Unlock()
		return protocol.Voice{}, fmt.Errorf("voice %s: %w", name, shared.ErrNotFound)
	}
	if renamed {
		if _, exists := c.voices[*patch.NewName]; exists {
			c.mu.Unlock()
			return protocol.Voice{}, fmt.Errorf("voice %s: %w", *patch.NewName, shared.ErrDuplicate)
		}
	}

	local := applyVoicePatch(prev.Voice, patch)
	var touched []protocol.Character
	if renamed {
		delete(c.voices, name)
		touched = c.renameVoiceRefsLocked(name, local.Name)
	}
	c.voices[local.Name] = cachedVoice{Voice: local, optimistic: true}
	c.mu.Unlock()

	c.emitter.Emit(EventVoiceUpdated, local)
	for _, ch := range touched {
		c.emitter.Emit(EventCharacterUpdated, ch)
	}

	raw, err := c.rc.Send(ctx, protocol.KindUpdateVoice, protocol.KindVoiceUpdated, protocol.UpdateVoiceRequest{Name: name, VoicePatch: patch})
	if err != nil {
		reverted := c.rollbackVoice(name, local.Name, prev, renamed)
		c.emitter.Emit(EventVoiceUpdated+suffixReverted, prev.Voice)
		for _, ch := range reverted {
			c.emitter.Emit(EventCharacterUpdated, ch)
		}
		return protocol.Voice{}, err
	}

	var confirmed protocol.Voice
	if err := json.Unmarshal(raw, &confirmed); err != nil {
		reverted := c.rollbackVoice(name, local.Name, prev, renamed)
		c.emitter.Emit(EventVoiceUpdated+suffixReverted, prev.Voice)
		for _, ch := range reverted {
			c.emitter.Emit(EventCharacterUpdated, ch)
		}
		return protocol.Voice{}, fmt.Errorf("decode voice: %w", err)
	}

	c.mu.Lock()
	delete(c.voices, local.Name)
	c.voices[confirmed.Name] = cachedVoice{Voice: confirmed}
	c.mu.Unlock()
	c.emitter.Emit(EventVoiceUpdated+suffixConfirmed, confirmed)
	return confirmed, nil
}

// DeleteVoice removes a voice and clears the voice field of every character
// that referenced it.
func (c *EntityCache) DeleteVoice(ctx context.Context, name string) error {
	c.mu.Lock()
	prev, ok := c.voices[name]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("voice %s: %w", name, shared.ErrNotFound)
	}
	delete(c.voices, name)
	touched := c.renameVoiceRefsLocked(name, "")
	c.mu.Unlock()

	c.emitter.Emit(EventVoiceDeleted, prev.Voice)
	for _, ch := range touched {
		c.emitter.Emit(EventCharacterUpdated, ch)
	}

	_, err := c.rc.Send(ctx, protocol.KindDeleteVoice, protocol.KindVoiceDeleted, protocol.DeleteVoiceRequest{Name: name})
	if err != nil {
		c.mu.Lock()
		c.voices[name] = prev
		restored := c.restoreVoiceRefsLocked(touched, name)
		c.mu.Unlock()
		c.emitter.Emit(EventVoiceDeleted+suffixReverted, prev.Voice)
		for _, ch := range restored {
			c.emitter.Emit(EventCharacterUpdated, ch)
		}
		return err
	}

	c.emitter.Emit(EventVoiceDeleted+suffixConfirmed, prev.Voice)
	return nil
}

// renameVoiceRefsLocked rewrites every character referencing from to refer
// to to instead, returning the updated characters. Requires c.mu held.
func (c *EntityCache) renameVoiceRefsLocked(from, to string) []protocol.Character {
	var touched []protocol.Character
	for id, ch := range c.characters {
		if ch.Voice == from {
			ch.Character.Voice = to
			c.characters[id] = ch
			touched = append(touched, ch.Character)
		}
	}
	return touched
}

// restoreVoiceRefsLocked puts the original voice name back on the
// characters a failed delete's cascade touched. Requires c.mu held.
func (c *EntityCache) restoreVoiceRefsLocked(touched []protocol.Character, name string) []protocol.Character {
	var restored []protocol.Character
	for _, snapshot := range touched {
		ch, ok := c.characters[snapshot.ID]
		if !ok {
			continue
		}
		ch.Character.Voice = name
		c.characters[snapshot.ID] = ch
		restored = append(restored, ch.Character)
	}
	return restored
}

// rollbackVoice restores the pre-mutation voice entry and, for renames, the
// characters the cascade rewrote.
func (c *EntityCache) rollbackVoice(oldName, newName string, prev cachedVoice, renamed bool) []protocol.Character {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.voices, newName)
	c.voices[oldName] = prev
	if renamed {
		return c.renameVoiceRefsLocked(newName, oldName)
	}
	return nil
}

func applyVoicePatch(v protocol.Voice, p protocol.VoicePatch) protocol.Voice {
	if p.NewName != nil && *p.NewName != "" {
		v.Name = *p.NewName
	}
	if p.Method != nil {
		v.Method = *p.Method
	}
	if p.SpeakerDesc != nil {
		v.SpeakerDesc = *p.SpeakerDesc
	}
	if p.ScenePrompt != nil {
		v.ScenePrompt = *p.ScenePrompt
	}
	return v
}
