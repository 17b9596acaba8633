// Package outbox drains pending outbound messages to the server, keeping
// sends durable across connectivity loss and process restarts.
package outbox

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/mirachat/mira/internal/bus"
	"github.com/mirachat/mira/internal/reconcile"
	"github.com/mirachat/mira/internal/remote"
	"github.com/mirachat/mira/internal/status"
	"github.com/mirachat/mira/internal/store"
	"go.uber.org/zap"
)

// Deliverer sends one outbox entry to the server and returns the confirmed
// canonical message.
type Deliverer interface {
	Deliver(ctx context.Context, e *store.OutboxEntry) (*store.Message, error)
}

// Policy is the delivery retry policy. The original behavior retried
// indefinitely with no backoff; both the backoff and the attempt cap are
// explicit here.
type Policy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// DefaultPolicy returns the built-in retry policy.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:    10,
		InitialBackoff: time.Second,
		MaxBackoff:     5 * time.Minute,
	}
}

// delay computes the wait before the next attempt, where attempt is the
// number of failures so far (>= 1).
func (p Policy) delay(attempt int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialBackoff
	b.MaxInterval = p.MaxBackoff
	b.MaxElapsedTime = 0
	d := b.NextBackOff()
	for i := 1; i < attempt; i++ {
		d = b.NextBackOff()
	}
	return d
}

// Draft is a user-initiated send before it has a durable record.
type Draft struct {
	LocalID        string // optional; generated when empty
	ConversationID string
	SenderID       string
	Body           string
	MsgType        string // defaults to text
	MediaRef       string
}

// Outcome reports what one drain pass did with one entry.
type Outcome struct {
	LocalID   string
	Delivered bool
	Parked    bool
	Skipped   bool // in flight from an overlapping drain
	Err       error
}

// Processor owns the outbox: enqueues drafts durably and drains due entries
// to the server. Overlapping drains skip entries already in flight instead
// of queuing duplicate sends.
type Processor struct {
	db         *store.DB
	deliverer  Deliverer
	reconciler *reconcile.Reconciler
	bus        *bus.Bus
	logger     *zap.Logger
	policy     Policy
	interval   time.Duration

	mu       sync.Mutex
	inflight map[string]struct{}

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewProcessor creates an outbox processor.
func NewProcessor(db *store.DB, d Deliverer, r *reconcile.Reconciler, b *bus.Bus, policy Policy, interval time.Duration, logger *zap.Logger) *Processor {
	return &Processor{
		db:         db,
		deliverer:  d,
		reconciler: r,
		bus:        b,
		logger:     logger,
		policy:     policy,
		interval:   interval,
		inflight:   make(map[string]struct{}),
	}
}

// Enqueue writes the optimistic cached message and the outbox entry in one
// transaction, before any network attempt. The returned message is the
// optimistic row (status pending); the caller shows it immediately.
func (p *Processor) Enqueue(d Draft) (*store.Message, error) {
	if d.LocalID == "" {
		d.LocalID = uuid.NewString()
	}
	if d.MsgType == "" {
		d.MsgType = "text"
	}
	now := time.Now().UnixMilli()

	m := &store.Message{
		LocalID:        d.LocalID,
		ConversationID: d.ConversationID,
		SenderID:       d.SenderID,
		Body:           d.Body,
		MsgType:        d.MsgType,
		MediaRef:       d.MediaRef,
		SyncStatus:     store.SyncPending,
		CreatedAt:      now,
	}
	e := &store.OutboxEntry{
		LocalID:        d.LocalID,
		ConversationID: d.ConversationID,
		SenderID:       d.SenderID,
		Body:           d.Body,
		MsgType:        d.MsgType,
		MediaRef:       d.MediaRef,
		CreatedAt:      now,
	}
	if err := p.db.Enqueue(m, e); err != nil {
		return nil, err
	}

	p.publish("message.enqueued", map[string]string{
		"local_id":        d.LocalID,
		"conversation_id": d.ConversationID,
	})
	return m, nil
}

// Drain attempts delivery of every due outbox entry, oldest first so
// recipients see messages in send order. Each entry gets exactly one attempt
// per invocation. Safe to call concurrently: entries claimed by another
// drain are skipped.
func (p *Processor) Drain(ctx context.Context) []Outcome {
	entries, err := p.db.DueOutbox(time.Now().UnixMilli())
	if err != nil {
		p.logger.Error("failed to read outbox", zap.Error(err))
		return nil
	}

	var outcomes []Outcome
	for i := range entries {
		if ctx.Err() != nil {
			break
		}
		outcomes = append(outcomes, p.attempt(ctx, &entries[i]))
	}
	return outcomes
}

func (p *Processor) attempt(ctx context.Context, e *store.OutboxEntry) Outcome {
	if !p.claim(e.LocalID) {
		return Outcome{LocalID: e.LocalID, Skipped: true}
	}
	defer p.release(e.LocalID)

	msg, err := p.deliverer.Deliver(ctx, e)
	if err == nil {
		// Absorb deletes the outbox row and flips the cached message to
		// sent in one transaction.
		if _, aerr := p.reconciler.Absorb(msg); aerr != nil {
			p.logger.Error("failed to absorb delivered message",
				zap.Error(aerr), zap.String("local_id", e.LocalID))
			return Outcome{LocalID: e.LocalID, Err: aerr}
		}
		p.logger.Info("message delivered",
			zap.String("local_id", e.LocalID), zap.String("server_id", msg.ServerID))
		p.publish("message.delivered", map[string]string{
			"local_id":  e.LocalID,
			"server_id": msg.ServerID,
		})
		return Outcome{LocalID: e.LocalID, Delivered: true}
	}

	attempt := e.RetryCount + 1
	if remote.IsTerminal(err) || attempt >= p.policy.MaxAttempts {
		p.logger.Warn("parking outbox entry",
			zap.Error(err), zap.String("local_id", e.LocalID), zap.Int("attempts", attempt))
		if perr := p.db.ParkOutbox(e.LocalID, err.Error()); perr != nil {
			p.logger.Error("failed to park entry", zap.Error(perr), zap.String("local_id", e.LocalID))
		}
		if merr := p.db.MarkSendFailed(e.LocalID, err.Error()); merr != nil {
			p.logger.Error("failed to mark message failed", zap.Error(merr), zap.String("local_id", e.LocalID))
		}
		p.publish("message.delivery_failed", map[string]string{
			"local_id": e.LocalID,
			"error":    err.Error(),
		})
		return Outcome{LocalID: e.LocalID, Parked: true, Err: err}
	}

	next := time.Now().Add(p.policy.delay(attempt)).UnixMilli()
	p.logger.Warn("delivery failed, will retry",
		zap.Error(err), zap.String("local_id", e.LocalID), zap.Int("attempt", attempt))
	if rerr := p.db.MarkOutboxRetry(e.LocalID, err.Error(), next); rerr != nil {
		p.logger.Error("failed to record retry", zap.Error(rerr), zap.String("local_id", e.LocalID))
	}
	if terr := p.db.TouchSyncAttempt(e.LocalID, err.Error()); terr != nil {
		p.logger.Error("failed to touch sync attempt", zap.Error(terr), zap.String("local_id", e.LocalID))
	}
	p.publish("message.delivery_retry", map[string]string{
		"local_id": e.LocalID,
		"error":    err.Error(),
	})
	return Outcome{LocalID: e.LocalID, Err: err}
}

// RequeueParked puts parked entries back into the drain rotation with a
// fresh retry budget. Used for deliberate manual retry.
func (p *Processor) RequeueParked() (int64, error) {
	return p.db.RequeueParked()
}

// Start runs the background drain loop: a periodic tick plus an immediate
// drain whenever connectivity comes back online.
func (p *Processor) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	p.wg.Add(1)
	go p.loop(ctx)
}

// Stop stops the background loop and waits for it to exit.
func (p *Processor) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
}

func (p *Processor) loop(ctx context.Context) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	var events <-chan bus.Event
	unsub := func() {}
	if p.bus != nil {
		events, unsub = p.bus.Subscribe("conn.status_changed", 16)
	}
	defer unsub()

	for {
		select {
		case <-ticker.C:
			p.Drain(ctx)
		case evt := <-events:
			if change, ok := evt.Payload.(status.StatusChange); ok && change.To == status.Online {
				p.Drain(ctx)
			}
		case <-ctx.Done():
			return
		}
	}
}

func (p *Processor) claim(localID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, held := p.inflight[localID]; held {
		return false
	}
	p.inflight[localID] = struct{}{}
	return true
}

func (p *Processor) release(localID string) {
	p.mu.Lock()
	delete(p.inflight, localID)
	p.mu.Unlock()
}

func (p *Processor) publish(kind string, payload any) {
	if p.bus == nil {
		return
	}
	p.bus.Publish(bus.Event{Kind: kind, Timestamp: time.Now(), Payload: payload})
}
