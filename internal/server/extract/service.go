package extract

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/mirachat/mira/internal/server/model"
	"github.com/mirachat/mira/internal/server/push"
	"github.com/mirachat/mira/internal/server/repo"
	"github.com/mirachat/mira/internal/server/usage"
	"github.com/mirachat/mira/internal/server/watermark"
	"github.com/mirachat/mira/internal/server/window"
	"go.uber.org/zap"
)

// Result is one extraction run's output plus window metadata.
type Result struct {
	Items         []model.ExtractedItem `json:"items"`
	IsIncremental bool                  `json:"is_incremental"`
	NewCount      int                   `json:"new_count"`
}

// Service orchestrates one AI feature run: window fetch, model call,
// durable persistence, then the best-effort tail (watermark advance, usage
// record, push notification). Only the items write can fail the run;
// bookkeeping failures are logged and swallowed.
type Service struct {
	windows   *window.Fetcher
	marks     *watermark.Tracker
	items     *repo.ItemRepo
	usage     *usage.Recorder
	push      *push.Client
	extractor Extractor
	logger    *zap.Logger
}

// NewService creates the extraction service.
func NewService(windows *window.Fetcher, marks *watermark.Tracker, items *repo.ItemRepo, rec *usage.Recorder, pushClient *push.Client, extractor Extractor, logger *zap.Logger) *Service {
	return &Service{
		windows:   windows,
		marks:     marks,
		items:     items,
		usage:     rec,
		push:      pushClient,
		extractor: extractor,
		logger:    logger,
	}
}

// Run executes the feature over the conversation's current window.
func (s *Service) Run(ctx context.Context, userID, convID, feature string, opts window.Options) (*Result, error) {
	if err := s.usage.CheckLimit(ctx, userID); err != nil {
		return nil, err
	}

	w, err := s.windows.Fetch(ctx, convID, feature, opts)
	if err != nil {
		return nil, fmt.Errorf("fetch window: %w", err)
	}
	if w.NewCount == 0 {
		// Nothing new since the last run; common and cheap.
		return &Result{Items: []model.ExtractedItem{}, IsIncremental: w.IsIncremental}, nil
	}

	extracted, err := s.extractor.Extract(ctx, feature, buildPrompt(w))
	if err != nil {
		return nil, fmt.Errorf("run %s extraction: %w", feature, err)
	}

	items := make([]model.ExtractedItem, 0, len(extracted))
	for _, it := range extracted {
		items = append(items, model.ExtractedItem{
			ConversationID: convID,
			Feature:        feature,
			Kind:           it.Kind,
			Content:        it.Content,
			Confidence:     it.Confidence,
			SourceCount:    w.NewCount,
		})
	}
	if err := s.items.SaveAll(ctx, items); err != nil {
		return nil, err
	}

	// Output is durable; everything past this point must not fail the
	// request. A missed advance costs redundant reprocessing next run.
	fresh := w.Messages[len(w.Messages)-w.NewCount:]
	ids := make([]string, 0, len(fresh))
	for _, m := range fresh {
		ids = append(ids, m.ID)
	}
	newest := fresh[len(fresh)-1].CreatedAt
	if err := s.marks.Advance(ctx, convID, feature, newest, ids); err != nil {
		s.logger.Warn("watermark advance failed, next run will reprocess",
			zap.Error(err), zap.String("conversation", convID), zap.String("feature", feature))
	}

	if err := s.usage.Record(ctx, userID, feature, w.NewCount); err != nil {
		s.logger.Warn("usage record failed", zap.Error(err), zap.String("user_id", userID))
	}

	if len(items) > 0 {
		err := s.push.Notify(ctx, userID, push.Payload{
			Title: fmt.Sprintf("%d new %s found", len(items), feature),
			Body:  items[0].Content,
			Data:  map[string]string{"conversation_id": convID, "feature": feature},
		})
		if err != nil {
			s.logger.Warn("push notification failed", zap.Error(err), zap.String("user_id", userID))
		}
	}

	return &Result{Items: items, IsIncremental: w.IsIncremental, NewCount: w.NewCount}, nil
}

// buildPrompt renders the window for the model, marking the context prefix
// so already-processed messages are not extracted again.
func buildPrompt(w *window.Window) string {
	var b strings.Builder
	prefixLen := len(w.Messages) - w.NewCount
	for i, m := range w.Messages {
		if i < prefixLen {
			b.WriteString("[prior context] ")
		}
		b.WriteString(m.CreatedAt.UTC().Format(time.RFC3339))
		b.WriteString(" ")
		b.WriteString(m.SenderID)
		b.WriteString(": ")
		if body := m.BodyText(); body != "" {
			b.WriteString(body)
		} else {
			b.WriteString("[" + m.MsgType + " attachment]")
		}
		b.WriteString("\n")
	}
	return b.String()
}
