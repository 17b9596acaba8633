package daemon

import (
	"context"
	"fmt"
	"strconv"

	"github.com/mirachat/mira/internal/outbox"
	"github.com/mirachat/mira/internal/reconcile"
	"github.com/mirachat/mira/internal/remote"
	"github.com/mirachat/mira/internal/store"
	"go.uber.org/zap"
)

const pullCheckpointKey = "pull_since"

// Syncer runs a full sync pass: drain the outbox, then pull new canonical
// messages from the server and absorb them.
type Syncer struct {
	processor  *outbox.Processor
	reconciler *reconcile.Reconciler
	client     *remote.Client
	batchSize  int
	logger     *zap.Logger
}

// NewSyncer creates a syncer.
func NewSyncer(p *outbox.Processor, r *reconcile.Reconciler, c *remote.Client, batchSize int, logger *zap.Logger) *Syncer {
	return &Syncer{
		processor:  p,
		reconciler: r,
		client:     c,
		batchSize:  batchSize,
		logger:     logger,
	}
}

// Report summarizes one sync pass.
type Report struct {
	Requeued  int64 `json:"requeued,omitempty"`
	Delivered int   `json:"delivered"`
	Retried   int   `json:"retried"`
	Parked    int   `json:"parked"`
	Pulled    int   `json:"pulled"`
	Absorbed  int   `json:"absorbed"`
}

// Sync drains due outbox entries and pulls server-side history since the
// stored checkpoint. includeParked first requeues parked entries so they get
// a fresh retry budget.
func (s *Syncer) Sync(ctx context.Context, includeParked bool) (*Report, error) {
	report := &Report{}

	if includeParked {
		n, err := s.processor.RequeueParked()
		if err != nil {
			return nil, fmt.Errorf("requeue parked: %w", err)
		}
		report.Requeued = n
	}

	for _, o := range s.processor.Drain(ctx) {
		switch {
		case o.Delivered:
			report.Delivered++
		case o.Parked:
			report.Parked++
		case o.Skipped:
		default:
			report.Retried++
		}
	}

	if err := s.pull(ctx, report); err != nil {
		return report, err
	}
	return report, nil
}

func (s *Syncer) pull(ctx context.Context, report *Report) error {
	since, err := s.checkpoint()
	if err != nil {
		return err
	}

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		page, err := s.client.PullSince(ctx, since, s.batchSize)
		if err != nil {
			return fmt.Errorf("pull since %d: %w", since, err)
		}
		if len(page.Messages) == 0 {
			return nil
		}

		batch := make([]*store.Message, 0, len(page.Messages))
		for _, c := range page.Messages {
			batch = append(batch, c.Local())
		}
		applied, err := s.reconciler.AbsorbBatch(batch)
		if err != nil {
			return fmt.Errorf("absorb pull batch: %w", err)
		}
		report.Pulled += len(page.Messages)
		report.Absorbed += applied

		// Advance the checkpoint only after the batch is durably absorbed;
		// a crash in between costs a redundant pull, never a gap.
		if err := s.reconciler.UpdateCheckpoint(pullCheckpointKey, strconv.FormatInt(page.NextSince, 10)); err != nil {
			return fmt.Errorf("update pull checkpoint: %w", err)
		}
		since = page.NextSince

		if len(page.Messages) < s.batchSize {
			return nil
		}
	}
}

func (s *Syncer) checkpoint() (int64, error) {
	raw, err := s.reconciler.GetCheckpoint(pullCheckpointKey)
	if err != nil {
		return 0, fmt.Errorf("read pull checkpoint: %w", err)
	}
	if raw == "" {
		return 0, nil
	}
	since, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		s.logger.Warn("malformed pull checkpoint, restarting from zero", zap.String("value", raw))
		return 0, nil
	}
	return since, nil
}
