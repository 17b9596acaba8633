// Package daemon wires the client-side components into one fx application:
// local store, outbox processor, reconciler, connectivity prober, and the
// control API on the profile's unix socket.
package daemon

import (
	"context"
	"time"

	"github.com/mirachat/mira/internal/bus"
	"github.com/mirachat/mira/internal/config"
	"github.com/mirachat/mira/internal/lock"
	"github.com/mirachat/mira/internal/logging"
	"github.com/mirachat/mira/internal/outbox"
	"github.com/mirachat/mira/internal/reconcile"
	"github.com/mirachat/mira/internal/remote"
	"github.com/mirachat/mira/internal/session"
	"github.com/mirachat/mira/internal/status"
	"github.com/mirachat/mira/internal/store"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Params holds the resolved profile configuration passed to the fx module.
type Params struct {
	Profile    string
	SocketPath string // optional override for testing; empty = use default
}

// Module returns the fx module for the daemon, composing all providers and
// lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideConfig,
			provideLogger,
			provideBus,
			provideStateMachine,
			provideLock,
			provideStore,
			provideRemote,
			provideReconciler,
			provideProcessor,
			provideSyncer,
			provideProber,
			NewServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig() (*config.Config, error) {
	return config.LoadOrDefault(session.ConfigPath())
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(session.LogPath(p.Profile), p.Profile)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideStateMachine(b *bus.Bus) *status.Machine {
	return status.NewMachine(b)
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := session.EnsureDir(p.Profile); err != nil {
		return nil, err
	}
	logger.Info("acquiring profile lock", zap.String("profile", p.Profile))
	l, err := lock.Acquire(session.Dir(p.Profile))
	if err != nil {
		return nil, err
	}
	logger.Info("profile lock acquired")
	return l, nil
}

func provideStore(p Params, logger *zap.Logger) (*store.DB, error) {
	dbPath := session.DBPath(p.Profile)
	db, err := store.Open(dbPath)
	if err != nil {
		return nil, err
	}
	result, err := db.Migrate()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if result.Changed {
		logger.Info("migrations applied", zap.Uint("version", result.Version))
	} else {
		logger.Info("migrations up to date", zap.Uint("version", result.Version))
	}
	logger.Info("store initialized", zap.String("path", dbPath))
	return db, nil
}

func provideRemote(cfg *config.Config, logger *zap.Logger) *remote.Client {
	return remote.New(cfg.Server.URL, cfg.Server.Token, cfg.Server.UserID, cfg.SendTimeout(), logger)
}

func provideReconciler(db *store.DB, b *bus.Bus, logger *zap.Logger) *reconcile.Reconciler {
	return reconcile.New(db, b, logger)
}

func provideProcessor(db *store.DB, client *remote.Client, r *reconcile.Reconciler, b *bus.Bus, cfg *config.Config, logger *zap.Logger) *outbox.Processor {
	policy := outbox.Policy{
		MaxAttempts:    cfg.Outbox.MaxAttempts,
		InitialBackoff: time.Duration(cfg.Outbox.InitialBackoffMs) * time.Millisecond,
		MaxBackoff:     time.Duration(cfg.Outbox.MaxBackoffMs) * time.Millisecond,
	}
	return outbox.NewProcessor(db, client, r, b, policy, cfg.DrainInterval(), logger)
}

func provideSyncer(p *outbox.Processor, r *reconcile.Reconciler, client *remote.Client, cfg *config.Config, logger *zap.Logger) *Syncer {
	return NewSyncer(p, r, client, cfg.Outbox.PullBatchSize, logger)
}

func provideProber(client *remote.Client, m *status.Machine, cfg *config.Config, logger *zap.Logger) *Prober {
	return NewProber(client, m, cfg.PullInterval(), logger)
}

func registerLifecycle(lc fx.Lifecycle, srv *Server, lk *lock.Lock, proc *outbox.Processor, prober *Prober, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			go func() {
				if err := srv.Start(); err != nil {
					logger.Error("control server error", zap.Error(err))
				}
			}()
			proc.Start(context.Background())
			prober.Start(context.Background())
			return nil
		},
		OnStop: func(ctx context.Context) error {
			prober.Stop()
			proc.Stop()
			srv.Stop(ctx)
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}
