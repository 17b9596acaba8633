package repo

import (
	"context"
	"fmt"

	"github.com/mirachat/mira/internal/server/model"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ItemRepo stores AI extraction results.
type ItemRepo struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewItemRepo creates an extracted-item repository.
func NewItemRepo(db *gorm.DB, logger *zap.Logger) *ItemRepo {
	return &ItemRepo{db: db, logger: logger}
}

// SaveAll persists a batch of extracted items in one transaction. The
// watermark is advanced only after this succeeds.
func (r *ItemRepo) SaveAll(ctx context.Context, items []model.ExtractedItem) error {
	if len(items) == 0 {
		return nil
	}
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.Create(&items).Error
	})
	if err != nil {
		return fmt.Errorf("save extracted items: %w", err)
	}
	return nil
}

// ListByConversation returns a feature's extraction results for a
// conversation, newest first.
func (r *ItemRepo) ListByConversation(ctx context.Context, convID, feature string, limit int) ([]model.ExtractedItem, error) {
	if limit <= 0 {
		limit = 100
	}
	var items []model.ExtractedItem
	err := r.db.WithContext(ctx).
		Where("conversation_id = ? AND feature = ?", convID, feature).
		Order("created_at DESC").
		Limit(limit).
		Find(&items).Error
	if err != nil {
		return nil, fmt.Errorf("list extracted items: %w", err)
	}
	return items, nil
}
