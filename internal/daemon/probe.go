package daemon

import (
	"context"
	"sync"
	"time"

	"github.com/mirachat/mira/internal/remote"
	"github.com/mirachat/mira/internal/status"
	"go.uber.org/zap"
)

// Prober drives the connectivity state machine by periodically pinging the
// server. Coming back online is published on the bus, which kicks an
// immediate outbox drain.
type Prober struct {
	client   *remote.Client
	machine  *status.Machine
	interval time.Duration
	logger   *zap.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewProber creates a connectivity prober.
func NewProber(c *remote.Client, m *status.Machine, interval time.Duration, logger *zap.Logger) *Prober {
	return &Prober{
		client:   c,
		machine:  m,
		interval: interval,
		logger:   logger,
	}
}

// Start begins probing. The first probe runs immediately.
func (p *Prober) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	p.wg.Add(1)
	go p.loop(ctx)
}

// Stop stops the prober and waits for the loop to exit.
func (p *Prober) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
}

func (p *Prober) loop(ctx context.Context) {
	defer p.wg.Done()

	p.probe(ctx)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.probe(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (p *Prober) probe(ctx context.Context) {
	err := p.client.Ping(ctx)
	current := p.machine.Current()
	if err == nil {
		switch current {
		case status.Offline:
			_ = p.machine.Transition(status.Connecting)
			_ = p.machine.Transition(status.Online)
		case status.Degraded:
			_ = p.machine.Transition(status.Online)
		}
		return
	}

	p.logger.Debug("server unreachable", zap.Error(err))
	switch current {
	case status.Online:
		_ = p.machine.Transition(status.Degraded)
	case status.Degraded:
		_ = p.machine.Transition(status.Offline)
	}
}
