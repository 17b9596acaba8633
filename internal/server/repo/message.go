// Package repo implements gorm repositories over the server schema.
package repo

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mirachat/mira/internal/server/model"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// MessageRepo stores and queries canonical messages.
type MessageRepo struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewMessageRepo creates a message repository.
func NewMessageRepo(db *gorm.DB, logger *zap.Logger) *MessageRepo {
	return &MessageRepo{db: db, logger: logger}
}

// Create inserts a canonical message, idempotent on (conversation, sender,
// local id). A replayed send does not insert a second row; the previously
// stored canonical comes back with created=false. Messages arriving without
// a local id get a server-assigned one.
func (r *MessageRepo) Create(ctx context.Context, m *model.Message) (created bool, stored *model.Message, err error) {
	if m.ConversationID == "" {
		return false, nil, fmt.Errorf("message has no conversation id")
	}
	if m.SenderID == "" {
		return false, nil, fmt.Errorf("message has no sender id")
	}
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.LocalID == "" {
		m.LocalID = uuid.NewString()
	}
	if m.MsgType == "" {
		m.MsgType = "text"
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	// The feed cursor must be server time: a delivery replayed after a long
	// offline period carries an old client CreatedAt but still has to land
	// ahead of every peer's checkpoint.
	m.UpdatedAt = time.Now()

	result := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "conversation_id"}, {Name: "sender_id"}, {Name: "local_id"},
		},
		DoNothing: true,
	}).Create(m)
	if result.Error != nil {
		return false, nil, fmt.Errorf("create message: %w", result.Error)
	}
	if result.RowsAffected > 0 {
		return true, m, nil
	}

	// Conflict: the idempotency key already has a row. Return it unchanged.
	var existing model.Message
	err = r.db.WithContext(ctx).
		Where("conversation_id = ? AND sender_id = ? AND local_id = ?",
			m.ConversationID, m.SenderID, m.LocalID).
		First(&existing).Error
	if err != nil {
		return false, nil, fmt.Errorf("load existing message: %w", err)
	}
	return false, &existing, nil
}

// ListNewestWithin returns up to limit live messages in a conversation
// created at or after since, newest first. Callers wanting chronological
// order reverse the slice.
func (r *MessageRepo) ListNewestWithin(ctx context.Context, convID string, since time.Time, limit int) ([]model.Message, error) {
	var msgs []model.Message
	err := r.db.WithContext(ctx).
		Where("conversation_id = ? AND created_at >= ?", convID, since).
		Order("created_at DESC").
		Limit(limit).
		Find(&msgs).Error
	if err != nil {
		return nil, fmt.Errorf("list messages within horizon: %w", err)
	}
	return msgs, nil
}

// ListAfter returns up to limit live messages strictly newer than after,
// ascending.
func (r *MessageRepo) ListAfter(ctx context.Context, convID string, after time.Time, limit int) ([]model.Message, error) {
	var msgs []model.Message
	err := r.db.WithContext(ctx).
		Where("conversation_id = ? AND created_at > ?", convID, after).
		Order("created_at ASC").
		Limit(limit).
		Find(&msgs).Error
	if err != nil {
		return nil, fmt.Errorf("list messages after watermark: %w", err)
	}
	return msgs, nil
}

// ListBefore returns up to limit live messages strictly older than before,
// descending (nearest first).
func (r *MessageRepo) ListBefore(ctx context.Context, convID string, before time.Time, limit int) ([]model.Message, error) {
	var msgs []model.Message
	err := r.db.WithContext(ctx).
		Where("conversation_id = ? AND created_at < ?", convID, before).
		Order("created_at DESC").
		Limit(limit).
		Find(&msgs).Error
	if err != nil {
		return nil, fmt.Errorf("list context messages: %w", err)
	}
	return msgs, nil
}

// ListFeed returns messages across all conversations changed after the
// given instant, ordered by server update time. The cursor is updated_at,
// not created_at: inserts and soft deletes both bump it, so tombstones and
// late deliveries with old client timestamps still reach every checkpoint.
func (r *MessageRepo) ListFeed(ctx context.Context, after time.Time, limit int) ([]model.Message, error) {
	var msgs []model.Message
	err := r.db.WithContext(ctx).Unscoped().
		Where("updated_at > ?", after).
		Order("updated_at ASC").
		Limit(limit).
		Find(&msgs).Error
	if err != nil {
		return nil, fmt.Errorf("list message feed: %w", err)
	}
	return msgs, nil
}

// ListConversationFeed is ListFeed scoped to one conversation.
func (r *MessageRepo) ListConversationFeed(ctx context.Context, convID string, after time.Time, limit int) ([]model.Message, error) {
	var msgs []model.Message
	err := r.db.WithContext(ctx).Unscoped().
		Where("conversation_id = ? AND updated_at > ?", convID, after).
		Order("updated_at ASC").
		Limit(limit).
		Find(&msgs).Error
	if err != nil {
		return nil, fmt.Errorf("list conversation feed: %w", err)
	}
	return msgs, nil
}

// StampAnalyzed marks messages as consumed by an AI feature. UpdateColumn
// keeps updated_at untouched: the stamp is server bookkeeping, and bumping
// the feed cursor here would re-serve every analyzed message to all clients.
func (r *MessageRepo) StampAnalyzed(ctx context.Context, ids []string, ts time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	err := r.db.WithContext(ctx).Model(&model.Message{}).
		Where("id IN ?", ids).
		UpdateColumn("analyzed_at", ts).Error
	if err != nil {
		return fmt.Errorf("stamp analyzed: %w", err)
	}
	return nil
}

// SoftDelete tombstones a message. The row stays, and updated_at moves with
// it, so pull feeds re-serve the message as a tombstone even to clients that
// already pulled the live version.
func (r *MessageRepo) SoftDelete(ctx context.Context, id string) error {
	now := time.Now()
	result := r.db.WithContext(ctx).Model(&model.Message{}).
		Where("id = ?", id).
		Updates(map[string]any{"deleted_at": now, "updated_at": now})
	if result.Error != nil {
		return fmt.Errorf("soft delete message: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}
