package repo

import (
	"context"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/mirachat/mira/internal/server/model"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ConversationRepo stores conversation records, including the embedded
// watermark mapping.
type ConversationRepo struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewConversationRepo creates a conversation repository.
func NewConversationRepo(db *gorm.DB, logger *zap.Logger) *ConversationRepo {
	return &ConversationRepo{db: db, logger: logger}
}

// Get returns a conversation by id, or nil if absent.
func (r *ConversationRepo) Get(ctx context.Context, id string) (*model.Conversation, error) {
	var c model.Conversation
	err := r.db.WithContext(ctx).First(&c, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get conversation: %w", err)
	}
	return &c, nil
}

// GetOrCreate returns the conversation, creating an empty record if needed.
func (r *ConversationRepo) GetOrCreate(ctx context.Context, id string) (*model.Conversation, error) {
	c, err := r.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if c != nil {
		return c, nil
	}

	c = &model.Conversation{ID: id}
	err = r.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(c).Error
	if err != nil {
		return nil, fmt.Errorf("create conversation: %w", err)
	}
	// Re-read in case a concurrent create won.
	return r.Get(ctx, id)
}

// SaveVersioned writes the conversation only if its version column still
// matches the value it was read at, then bumps the version. Returns false
// when a concurrent writer got there first; the caller re-reads and retries.
func (r *ConversationRepo) SaveVersioned(ctx context.Context, c *model.Conversation) (bool, error) {
	result := r.db.WithContext(ctx).Model(&model.Conversation{}).
		Where("id = ? AND version = ?", c.ID, c.Version).
		Updates(map[string]any{
			"watermarks": c.Watermarks,
			"version":    c.Version + 1,
			"updated_at": time.Now(),
		})
	if result.Error != nil {
		return false, fmt.Errorf("save conversation: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return false, nil
	}
	c.Version++
	return true, nil
}

// BumpLastMessage denormalizes the newest message onto the conversation for
// list views. Older messages never overwrite a newer preview.
func (r *ConversationRepo) BumpLastMessage(ctx context.Context, id, preview string, at time.Time) error {
	if _, err := r.GetOrCreate(ctx, id); err != nil {
		return err
	}
	err := r.db.WithContext(ctx).Model(&model.Conversation{}).
		Where("id = ? AND last_message_at < ?", id, at).
		Updates(map[string]any{
			"last_message_preview": truncate(preview, 100),
			"last_message_at":      at,
		}).Error
	if err != nil {
		return fmt.Errorf("bump last message: %w", err)
	}
	return nil
}

// truncate cuts s to at most maxLen bytes, backing up so a multi-byte rune
// is never split.
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	for maxLen > 0 && !utf8.RuneStart(s[maxLen]) {
		maxLen--
	}
	return s[:maxLen]
}
