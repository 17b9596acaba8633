// Package watermark tracks, per conversation and per AI feature, the
// timestamp of the last successfully processed message batch.
package watermark

import (
	"context"
	"fmt"
	"time"

	"github.com/mirachat/mira/internal/server/repo"
	"go.uber.org/zap"
)

// advanceRetries bounds the optimistic-concurrency retry loop. Losing all
// retries costs redundant reprocessing on the next run, never data.
const advanceRetries = 3

// Tracker reads and advances per-feature analysis watermarks. The watermark
// lives in the conversation row; concurrent advances for the same
// (conversation, feature) are serialized by a conditional write on the
// row's version, so a slow writer can never overwrite a newer watermark
// with a stale one.
type Tracker struct {
	convs  *repo.ConversationRepo
	msgs   *repo.MessageRepo
	logger *zap.Logger
}

// NewTracker creates a watermark tracker.
func NewTracker(convs *repo.ConversationRepo, msgs *repo.MessageRepo, logger *zap.Logger) *Tracker {
	return &Tracker{convs: convs, msgs: msgs, logger: logger}
}

// Read returns the feature's watermark for a conversation. ok is false when
// the feature has never processed this conversation.
func (t *Tracker) Read(ctx context.Context, convID, feature string) (time.Time, bool, error) {
	c, err := t.convs.Get(ctx, convID)
	if err != nil {
		return time.Time{}, false, err
	}
	if c == nil {
		return time.Time{}, false, nil
	}
	marks, err := c.WatermarkMap()
	if err != nil {
		return time.Time{}, false, fmt.Errorf("decode watermarks: %w", err)
	}
	ts, ok := marks[feature]
	return ts, ok, nil
}

// Advance moves the feature's watermark to ts and stamps the processed
// messages. Call only after the feature's output has been durably
// persisted: advancing late is safe (redundant reprocessing), advancing
// early would skip messages.
//
// The watermark never regresses: an advance older than the stored value is
// a no-op, which is what makes concurrent advances lose nothing.
func (t *Tracker) Advance(ctx context.Context, convID, feature string, ts time.Time, processedIDs []string) error {
	for attempt := 0; ; attempt++ {
		c, err := t.convs.GetOrCreate(ctx, convID)
		if err != nil {
			return err
		}
		marks, err := c.WatermarkMap()
		if err != nil {
			return fmt.Errorf("decode watermarks: %w", err)
		}
		if current, ok := marks[feature]; ok && !ts.After(current) {
			break // newer-or-equal already stored
		}
		if err := c.SetWatermark(feature, ts); err != nil {
			return fmt.Errorf("encode watermarks: %w", err)
		}

		saved, err := t.convs.SaveVersioned(ctx, c)
		if err != nil {
			return err
		}
		if saved {
			break
		}
		if attempt+1 >= advanceRetries {
			return fmt.Errorf("advance watermark for %s/%s: version conflict after %d attempts", convID, feature, advanceRetries)
		}
		t.logger.Debug("watermark version conflict, retrying",
			zap.String("conversation", convID), zap.String("feature", feature))
	}

	if err := t.msgs.StampAnalyzed(ctx, processedIDs, ts); err != nil {
		// Audit metadata only; the watermark itself is already durable.
		t.logger.Warn("failed to stamp processed messages",
			zap.Error(err), zap.String("conversation", convID), zap.String("feature", feature))
	}
	return nil
}
