package devserver

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/eleven-am/voicechat/internal/protocol"
	"github.com/eleven-am/voicechat/internal/shared"
	"gorm.io/gorm"
)

// Store persists characters, voices, conversations and messages. It backs
// the development server with the same semantics the production backend
// exposes: slugged character ids, voice-rename cascade, cascade delete of
// a conversation's messages.
type Store struct {
	db *gorm.DB
}

func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

func (s *Store) Migrate() error {
	return s.db.AutoMigrate(
		&protocol.Character{},
		&protocol.Voice{},
		&protocol.Conversation{},
		&protocol.Message{},
	)
}

func now() string {
	return time.Now().UTC().Format(time.RFC3339)
}

var characterIDSuffix = regexp.MustCompile(`-(\d{3})$`)

// nextCharacterID slugs the display name and appends the next free
// three-digit suffix, e.g. "Nova" -> "nova-001".
func (s *Store) nextCharacterID(ctx context.Context, name string) (string, error) {
	base := shared.Slugify(name)

	var ids []string
	if err := s.db.WithContext(ctx).Model(&protocol.Character{}).
		Where("id LIKE ?", base+"-%").Pluck("id", &ids).Error; err != nil {
		return "", err
	}

	highest := 0
	for _, id := range ids {
		m := characterIDSuffix.FindStringSubmatch(id)
		if m == nil || id != fmt.Sprintf("%s-%s", base, m[1]) {
			continue
		}
		n := int(m[1][0]-'0')*100 + int(m[1][1]-'0')*10 + int(m[1][2]-'0')
		if n > highest {
			highest = n
		}
	}
	return fmt.Sprintf("%s-%03d", base, highest+1), nil
}

func (s *Store) Characters(ctx context.Context) ([]protocol.Character, error) {
	var out []protocol.Character
	err := s.db.WithContext(ctx).Order("created_at").Find(&out).Error
	return out, err
}

func (s *Store) Character(ctx context.Context, id string) (protocol.Character, error) {
	var ch protocol.Character
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&ch).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ch, fmt.Errorf("character %s: %w", id, shared.ErrNotFound)
	}
	return ch, err
}

func (s *Store) CreateCharacter(ctx context.Context, req protocol.CreateCharacterRequest) (protocol.Character, error) {
	id, err := s.nextCharacterID(ctx, req.Name)
	if err != nil {
		return protocol.Character{}, err
	}

	ch := protocol.Character{
		ID:           id,
		Name:         req.Name,
		Voice:        req.Voice,
		SystemPrompt: req.SystemPrompt,
		ImageURL:     req.ImageURL,
		Images:       req.Images,
		IsActive:     req.IsActive,
		CreatedAt:    now(),
		UpdatedAt:    now(),
	}
	if err := s.db.WithContext(ctx).Create(&ch).Error; err != nil {
		return protocol.Character{}, err
	}
	return ch, nil
}

func (s *Store) UpdateCharacter(ctx context.Context, req protocol.UpdateCharacterRequest) (protocol.Character, error) {
	ch, err := s.Character(ctx, req.ID)
	if err != nil {
		return protocol.Character{}, err
	}

	if req.Name != nil {
		ch.Name = *req.Name
	}
	if req.Voice != nil {
		ch.Voice = *req.Voice
	}
	if req.SystemPrompt != nil {
		ch.SystemPrompt = *req.SystemPrompt
	}
	if req.ImageURL != nil {
		ch.ImageURL = *req.ImageURL
	}
	if req.Images != nil {
		ch.Images = *req.Images
	}
	if req.IsActive != nil {
		ch.IsActive = *req.IsActive
	}
	if req.LastMessage != nil {
		ch.LastMessage = *req.LastMessage
	}
	ch.UpdatedAt = now()

	if err := s.db.WithContext(ctx).Save(&ch).Error; err != nil {
		return protocol.Character{}, err
	}
	return ch, nil
}

func (s *Store) SetCharacterActive(ctx context.Context, id string, active bool) (protocol.Character, error) {
	return s.UpdateCharacter(ctx, protocol.UpdateCharacterRequest{
		ID:             id,
		CharacterPatch: protocol.CharacterPatch{IsActive: &active},
	})
}

func (s *Store) DeleteCharacter(ctx context.Context, id string) error {
	result := s.db.WithContext(ctx).Where("id = ?", id).Delete(&protocol.Character{})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("character %s: %w", id, shared.ErrNotFound)
	}
	return nil
}

func (s *Store) Voices(ctx context.Context) ([]protocol.Voice, error) {
	var out []protocol.Voice
	err := s.db.WithContext(ctx).Order("voice").Find(&out).Error
	return out, err
}

func (s *Store) Voice(ctx context.Context, name string) (protocol.Voice, error) {
	var v protocol.Voice
	err := s.db.WithContext(ctx).Where("voice = ?", name).First(&v).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return v, fmt.Errorf("voice %s: %w", name, shared.ErrNotFound)
	}
	return v, err
}

func (s *Store) CreateVoice(ctx context.Context, req protocol.CreateVoiceRequest) (protocol.Voice, error) {
	if _, err := s.Voice(ctx, req.Name); err == nil {
		return protocol.Voice{}, fmt.Errorf("voice %s: %w", req.Name, shared.ErrDuplicate)
	} else if !errors.Is(err, shared.ErrNotFound) {
		return protocol.Voice{}, err
	}

	v := protocol.Voice{
		Name:        req.Name,
		Method:      req.Method,
		SpeakerDesc: req.SpeakerDesc,
		ScenePrompt: req.ScenePrompt,
		CreatedAt:   now(),
		UpdatedAt:   now(),
	}
	if err := s.db.WithContext(ctx).Create(&v).Error; err != nil {
		return protocol.Voice{}, err
	}
	return v, nil
}

// UpdateVoice patches a voice. Renames run in a transaction together with
// the cascade over characters referencing the old name.
func (s *Store) UpdateVoice(ctx context.Context, req protocol.UpdateVoiceRequest) (protocol.Voice, error) {
	v, err := s.Voice(ctx, req.Name)
	if err != nil {
		return protocol.Voice{}, err
	}

	renamed := req.NewName != nil && *req.NewName != "" && *req.NewName != req.Name
	if renamed {
		if _, err := s.Voice(ctx, *req.NewName); err == nil {
			return protocol.Voice{}, fmt.Errorf("voice %s: %w", *req.NewName, shared.ErrDuplicate)
		} else if !errors.Is(err, shared.ErrNotFound) {
			return protocol.Voice{}, err
		}
	}

	updated := v
	if renamed {
		updated.Name = *req.NewName
	}
	if req.Method != nil {
		updated.Method = *req.Method
	}
	if req.SpeakerDesc != nil {
		updated.SpeakerDesc = *req.SpeakerDesc
	}
	if req.ScenePrompt != nil {
		updated.ScenePrompt = *req.ScenePrompt
	}
	updated.UpdatedAt = now()

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if renamed {
			if err := tx.Where("voice = ?", req.Name).Delete(&protocol.Voice{}).Error; err != nil {
				return err
			}
			if err := tx.Create(&updated).Error; err != nil {
				return err
			}
			return tx.Model(&protocol.Character{}).Where("voice = ?", req.Name).
				Updates(map[string]any{"voice": updated.Name, "updated_at": now()}).Error
		}
		return tx.Save(&updated).Error
	})
	if err != nil {
		return protocol.Voice{}, err
	}
	return updated, nil
}

// DeleteVoice removes the voice and clears it from every character that
// referenced it.
func (s *Store) DeleteVoice(ctx context.Context, name string) error {
	if _, err := s.Voice(ctx, name); err != nil {
		return err
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("voice = ?", name).Delete(&protocol.Voice{}).Error; err != nil {
			return err
		}
		return tx.Model(&protocol.Character{}).Where("voice = ?", name).
			Updates(map[string]any{"voice": "", "updated_at": now()}).Error
	})
}

func (s *Store) Conversations(ctx context.Context) ([]protocol.Conversation, error) {
	var out []protocol.Conversation
	err := s.db.WithContext(ctx).Order("updated_at DESC").Find(&out).Error
	return out, err
}

func (s *Store) Conversation(ctx context.Context, id string) (protocol.Conversation, error) {
	var conv protocol.Conversation
	err := s.db.WithContext(ctx).Where("conversation_id = ?", id).First(&conv).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return conv, fmt.Errorf("conversation %s: %w", id, shared.ErrNotFound)
	}
	return conv, err
}

func (s *Store) CreateConversation(ctx context.Context, req protocol.CreateConversationRequest) (protocol.Conversation, error) {
	title := req.Title
	if title == "" {
		title = "Chat " + time.Now().Format("Jan 2, 2006 15:04")
	}
	conv := protocol.Conversation{
		ID:               shared.NewID("conv_"),
		Title:            title,
		ActiveCharacters: req.ActiveCharacters,
		CreatedAt:        now(),
		UpdatedAt:        now(),
	}
	if err := s.db.WithContext(ctx).Create(&conv).Error; err != nil {
		return protocol.Conversation{}, err
	}
	return conv, nil
}

func (s *Store) UpdateConversation(ctx context.Context, req protocol.UpdateConversationRequest) (protocol.Conversation, error) {
	conv, err := s.Conversation(ctx, req.ID)
	if err != nil {
		return protocol.Conversation{}, err
	}
	if req.Title != nil {
		conv.Title = *req.Title
	}
	if req.ActiveCharacters != nil {
		conv.ActiveCharacters = *req.ActiveCharacters
	}
	conv.UpdatedAt = now()
	if err := s.db.WithContext(ctx).Save(&conv).Error; err != nil {
		return protocol.Conversation{}, err
	}
	return conv, nil
}

// DeleteConversation removes the conversation and all of its messages.
func (s *Store) DeleteConversation(ctx context.Context, id string) error {
	if _, err := s.Conversation(ctx, id); err != nil {
		return err
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("conversation_id = ?", id).Delete(&protocol.Message{}).Error; err != nil {
			return err
		}
		return tx.Where("conversation_id = ?", id).Delete(&protocol.Conversation{}).Error
	})
}

func (s *Store) CreateMessage(ctx context.Context, req protocol.CreateMessageRequest) (protocol.Message, error) {
	if _, err := s.Conversation(ctx, req.ConversationID); err != nil {
		return protocol.Message{}, err
	}
	msg := protocol.Message{
		ID:             shared.NewID("msg_"),
		ConversationID: req.ConversationID,
		Role:           req.Role,
		Name:           req.Name,
		Content:        req.Content,
		CharacterID:    req.CharacterID,
		CreatedAt:      now(),
	}
	if err := s.db.WithContext(ctx).Create(&msg).Error; err != nil {
		return protocol.Message{}, err
	}
	return msg, nil
}

func (s *Store) Messages(ctx context.Context, conversationID string, limit int) ([]protocol.Message, error) {
	q := s.db.WithContext(ctx).Where("conversation_id = ?", conversationID).Order("created_at")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var out []protocol.Message
	err := q.Find(&out).Error
	return out, err
}

func (s *Store) DeleteMessage(ctx context.Context, id string) error {
	result := s.db.WithContext(ctx).Where("message_id = ?", id).Delete(&protocol.Message{})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("message %s: %w", id, shared.ErrNotFound)
	}
	return nil
}
