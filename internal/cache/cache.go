package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/eleven-am/voicechat/internal/events"
	"github.com/eleven-am/voicechat/internal/protocol"
	"golang.org/x/sync/errgroup"
)

// Event names follow "<entity>:<op>" for the optimistic emission, with
// ":confirmed" and ":reverted" suffixes for the outcome emission.
const (
	EventInitialized = "cache:initialized"
)

const (
	suffixConfirmed = ":confirmed"
	suffixReverted  = ":reverted"
)

// Requester is the correlator surface the cache issues mutations through.
type Requester interface {
	Send(ctx context.Context, requestKind, responseKind protocol.MessageKind, payload any) (json.RawMessage, error)
}

type cachedCharacter struct {
	protocol.Character
	optimistic bool
}

type cachedVoice struct {
	protocol.Voice
	optimistic bool
}

// EntityCache mirrors server-side characters and voices for synchronous
// reads. Writes apply locally first and roll back if the server rejects
// them; every change is announced on the emitter.
type EntityCache struct {
	rc  Requester
	log *slog.Logger

	emitter *events.Emitter

	mu          sync.RWMutex
	characters  map[string]cachedCharacter
	voices      map[string]cachedVoice
	initialized bool
}

func NewEntityCache(rc Requester, log *slog.Logger) *EntityCache {
	if log == nil {
		log = slog.Default()
	}
	return &EntityCache{
		rc:         rc,
		log:        log.With("component", "cache"),
		emitter:    events.NewEmitter(log),
		characters: make(map[string]cachedCharacter),
		voices:     make(map[string]cachedVoice),
	}
}

// On subscribes to cache events; the returned func unsubscribes.
func (c *EntityCache) On(event string, fn events.Handler) func() {
	return c.emitter.On(event, fn)
}

// Initialize fetches the full character and voice lists concurrently and
// populates the mappings. Subsequent reads are served from memory.
func (c *EntityCache) Initialize(ctx context.Context) error {
	c.mu.RLock()
	done := c.initialized
	c.mu.RUnlock()
	if done {
		return nil
	}

	var characters []protocol.Character
	var voices []protocol.Voice

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		raw, err := c.rc.Send(gctx, protocol.KindGetCharacters, protocol.KindCharactersData, nil)
		if err != nil {
			return fmt.Errorf("fetch characters: %w", err)
		}
		return json.Unmarshal(raw, &characters)
	})
	g.Go(func() error {
		raw, err := c.rc.Send(gctx, protocol.KindGetVoices, protocol.KindVoicesData, nil)
		if err != nil {
			return fmt.Errorf("fetch voices: %w", err)
		}
		return json.Unmarshal(raw, &voices)
	})
	if err := g.Wait(); err != nil {
		return err
	}

	c.mu.Lock()
	c.characters = make(map[string]cachedCharacter, len(characters))
	for _, ch := range characters {
		c.characters[ch.ID] = cachedCharacter{Character: ch}
	}
	c.voices = make(map[string]cachedVoice, len(voices))
	for _, v := range voices {
		c.voices[v.Name] = cachedVoice{Voice: v}
	}
	c.initialized = true
	c.mu.Unlock()

	c.log.Info("cache initialized", "characters", len(characters), "voices", len(voices))
	c.emitter.Emit(EventInitialized, nil)
	return nil
}

// Refresh discards the mappings and repeats initialization.
func (c *EntityCache) Refresh(ctx context.Context) error {
	c.mu.Lock()
	c.characters = make(map[string]cachedCharacter)
	c.voices = make(map[string]cachedVoice)
	c.initialized = false
	c.mu.Unlock()
	return c.Initialize(ctx)
}

// Initialized reports whether the initial load completed.
func (c *EntityCache) Initialized() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.initialized
}

// Characters returns a snapshot of all cached characters, sorted by name.
func (c *EntityCache) Characters() []protocol.Character {
	c.mu.RLock()
	out := make([]protocol.Character, 0, len(c.characters))
	for _, ch := range c.characters {
		out = append(out, ch.Character)
	}
	c.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// GetCharacter returns the cached character with the given id.
func (c *EntityCache) GetCharacter(id string) (protocol.Character, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ch, ok := c.characters[id]
	return ch.Character, ok
}

// Voices returns a snapshot of all cached voices, sorted by name.
func (c *EntityCache) Voices() []protocol.Voice {
	c.mu.RLock()
	out := make([]protocol.Voice, 0, len(c.voices))
	for _, v := range c.voices {
		out = append(out, v.Voice)
	}
	c.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// GetVoice returns the cached voice with the given name.
func (c *EntityCache) GetVoice(name string) (protocol.Voice, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.voices[name]
	return v.Voice, ok
}
