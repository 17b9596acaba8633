// Package usage logs AI feature invocations and enforces a per-user daily
// limit. Bookkeeping writes are best-effort: their failure never blocks the
// primary response path.
package usage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mirachat/mira/internal/server/model"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ErrRateLimited is returned when a user has exhausted their daily AI
// feature budget. Terminal for the request; the system never retries it.
var ErrRateLimited = errors.New("daily usage limit exceeded")

// Recorder tracks per-user AI feature usage.
type Recorder struct {
	db         *gorm.DB
	dailyLimit int
	logger     *zap.Logger
}

// NewRecorder creates a usage recorder. dailyLimit <= 0 disables limiting.
func NewRecorder(db *gorm.DB, dailyLimit int, logger *zap.Logger) *Recorder {
	return &Recorder{db: db, dailyLimit: dailyLimit, logger: logger}
}

// CheckLimit returns ErrRateLimited when the user is over budget for the
// current UTC day. A failed count query allows the request: the limit check
// is best-effort and must not take the feature down with it.
func (r *Recorder) CheckLimit(ctx context.Context, userID string) error {
	if r.dailyLimit <= 0 {
		return nil
	}

	dayStart := time.Now().UTC().Truncate(24 * time.Hour)
	var count int64
	err := r.db.WithContext(ctx).Model(&model.UsageRecord{}).
		Where("user_id = ? AND created_at >= ?", userID, dayStart).
		Count(&count).Error
	if err != nil {
		r.logger.Warn("usage limit check failed, allowing request",
			zap.Error(err), zap.String("user_id", userID))
		return nil
	}
	if count >= int64(r.dailyLimit) {
		return fmt.Errorf("%w: %d/%d today", ErrRateLimited, count, r.dailyLimit)
	}
	return nil
}

// Record logs one feature invocation.
func (r *Recorder) Record(ctx context.Context, userID, feature string, messageCount int) error {
	rec := model.UsageRecord{
		UserID:       userID,
		Feature:      feature,
		MessageCount: messageCount,
	}
	if err := r.db.WithContext(ctx).Create(&rec).Error; err != nil {
		return fmt.Errorf("record usage: %w", err)
	}
	return nil
}
