// Package window computes the minimal message window an AI feature needs:
// everything in delta mode is strictly newer than the watermark, plus a
// bounded context prefix for continuity.
package window

import (
	"context"
	"slices"
	"time"

	"github.com/mirachat/mira/internal/server/model"
	"github.com/mirachat/mira/internal/server/repo"
	"github.com/mirachat/mira/internal/server/watermark"
	"go.uber.org/zap"
)

// Options bounds a window fetch. Zero values fall back to the defaults.
type Options struct {
	MaxDaysBack  int // full-mode horizon
	ContextCount int // delta-mode lookback prefix
	MaxMessages  int // cap in either mode
}

func (o Options) withDefaults() Options {
	if o.MaxDaysBack <= 0 {
		o.MaxDaysBack = 7
	}
	if o.ContextCount <= 0 {
		o.ContextCount = 5
	}
	if o.MaxMessages <= 0 {
		o.MaxMessages = 100
	}
	return o
}

// Window is an ordered (chronological) message sequence for one AI feature
// run. NewCount counts only messages past the watermark; the context prefix,
// if any, occupies Messages[:len(Messages)-NewCount].
type Window struct {
	Messages      []model.Message
	IsIncremental bool
	NewCount      int
}

// Fetcher builds message windows relative to analysis watermarks.
type Fetcher struct {
	msgs   *repo.MessageRepo
	marks  *watermark.Tracker
	logger *zap.Logger
}

// NewFetcher creates a window fetcher.
func NewFetcher(msgs *repo.MessageRepo, marks *watermark.Tracker, logger *zap.Logger) *Fetcher {
	return &Fetcher{msgs: msgs, marks: marks, logger: logger}
}

// Fetch builds the window for (conversation, feature). With no watermark it
// returns the bounded full history (full mode); with one it returns only
// strictly-newer messages plus up to ContextCount older ones for continuity
// (delta mode). An empty delta window is a normal terminal case, not an
// error. The returned sequence is always in non-decreasing creation-time
// order.
func (f *Fetcher) Fetch(ctx context.Context, convID, feature string, opts Options) (*Window, error) {
	opts = opts.withDefaults()

	mark, ok, err := f.marks.Read(ctx, convID, feature)
	if err != nil {
		return nil, err
	}
	if !ok {
		return f.full(ctx, convID, opts)
	}
	return f.delta(ctx, convID, mark, opts)
}

func (f *Fetcher) full(ctx context.Context, convID string, opts Options) (*Window, error) {
	horizon := time.Now().AddDate(0, 0, -opts.MaxDaysBack)
	msgs, err := f.msgs.ListNewestWithin(ctx, convID, horizon, opts.MaxMessages)
	if err != nil {
		return nil, err
	}
	// Fetched newest-first so the cap keeps the most recent messages;
	// reverse to chronological before returning.
	slices.Reverse(msgs)
	return &Window{
		Messages:      msgs,
		IsIncremental: false,
		NewCount:      len(msgs),
	}, nil
}

func (f *Fetcher) delta(ctx context.Context, convID string, mark time.Time, opts Options) (*Window, error) {
	fresh, err := f.msgs.ListAfter(ctx, convID, mark, opts.MaxMessages)
	if err != nil {
		return nil, err
	}
	if len(fresh) == 0 {
		return &Window{Messages: []model.Message{}, IsIncremental: true, NewCount: 0}, nil
	}

	prefix, err := f.msgs.ListBefore(ctx, convID, fresh[0].CreatedAt, opts.ContextCount)
	if err != nil {
		return nil, err
	}
	// Nearest-first from storage; chronological ahead of the new portion.
	slices.Reverse(prefix)

	return &Window{
		Messages:      append(prefix, fresh...),
		IsIncremental: true,
		NewCount:      len(fresh),
	}, nil
}
