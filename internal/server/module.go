// Package server wires the mirasrv components: relational store, watermark
// tracker, incremental fetcher, extraction service, and the HTTP API.
package server

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/mirachat/mira/internal/logging"
	"github.com/mirachat/mira/internal/server/extract"
	"github.com/mirachat/mira/internal/server/httpapi"
	"github.com/mirachat/mira/internal/server/model"
	"github.com/mirachat/mira/internal/server/push"
	"github.com/mirachat/mira/internal/server/repo"
	"github.com/mirachat/mira/internal/server/usage"
	"github.com/mirachat/mira/internal/server/watermark"
	"github.com/mirachat/mira/internal/server/window"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// Config comes from the environment; one configured set of connections per
// process, injected by reference everywhere.
type Config struct {
	Addr         string
	DBDSN        string
	Token        string
	ModelURL     string
	ModelKey     string
	ModelName    string
	ModelTimeout time.Duration
	PushURL      string
	PushKey      string
	DailyLimit   int
}

// ConfigFromEnv reads server configuration from MIRA_* variables.
func ConfigFromEnv() *Config {
	cfg := &Config{
		Addr:         envOr("MIRA_ADDR", ":8485"),
		DBDSN:        envOr("MIRA_DB_DSN", "mirasrv.db"),
		Token:        os.Getenv("MIRA_TOKEN"),
		ModelURL:     os.Getenv("MIRA_MODEL_URL"),
		ModelKey:     os.Getenv("MIRA_MODEL_KEY"),
		ModelName:    envOr("MIRA_MODEL_NAME", "gpt-4o-mini"),
		ModelTimeout: 60 * time.Second,
		PushURL:      os.Getenv("MIRA_PUSH_URL"),
		PushKey:      os.Getenv("MIRA_PUSH_KEY"),
		DailyLimit:   50,
	}
	if raw := os.Getenv("MIRA_DAILY_LIMIT"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			cfg.DailyLimit = n
		}
	}
	return cfg
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// Module returns the fx module for mirasrv.
func Module() fx.Option {
	return fx.Module("server",
		fx.Provide(
			ConfigFromEnv,
			provideLogger,
			provideDB,
			provideMessageRepo,
			provideConversationRepo,
			provideItemRepo,
			provideTracker,
			provideFetcher,
			provideExtractor,
			providePush,
			provideUsage,
			provideExtractService,
			provideHandler,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideLogger() *zap.Logger {
	return logging.NewConsole()
}

func provideDB(cfg *Config, logger *zap.Logger) (*gorm.DB, error) {
	gormCfg := &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Warn)}

	var db *gorm.DB
	var err error
	if strings.HasPrefix(cfg.DBDSN, "postgres://") || strings.Contains(cfg.DBDSN, "host=") {
		db, err = gorm.Open(postgres.Open(cfg.DBDSN), gormCfg)
	} else {
		db, err = gorm.Open(sqlite.Open(cfg.DBDSN), gormCfg)
	}
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.AutoMigrate(model.All()...); err != nil {
		return nil, fmt.Errorf("automigrate: %w", err)
	}
	logger.Info("database ready", zap.String("dsn", cfg.DBDSN))
	return db, nil
}

func provideMessageRepo(db *gorm.DB, logger *zap.Logger) *repo.MessageRepo {
	return repo.NewMessageRepo(db, logger)
}

func provideConversationRepo(db *gorm.DB, logger *zap.Logger) *repo.ConversationRepo {
	return repo.NewConversationRepo(db, logger)
}

func provideItemRepo(db *gorm.DB, logger *zap.Logger) *repo.ItemRepo {
	return repo.NewItemRepo(db, logger)
}

func provideTracker(convs *repo.ConversationRepo, msgs *repo.MessageRepo, logger *zap.Logger) *watermark.Tracker {
	return watermark.NewTracker(convs, msgs, logger)
}

func provideFetcher(msgs *repo.MessageRepo, marks *watermark.Tracker, logger *zap.Logger) *window.Fetcher {
	return window.NewFetcher(msgs, marks, logger)
}

func provideExtractor(cfg *Config, logger *zap.Logger) extract.Extractor {
	return extract.NewHTTPExtractor(cfg.ModelURL, cfg.ModelKey, cfg.ModelName, cfg.ModelTimeout, logger)
}

func providePush(cfg *Config, logger *zap.Logger) *push.Client {
	return push.NewClient(cfg.PushURL, cfg.PushKey, logger)
}

func provideUsage(db *gorm.DB, cfg *Config, logger *zap.Logger) *usage.Recorder {
	return usage.NewRecorder(db, cfg.DailyLimit, logger)
}

func provideExtractService(windows *window.Fetcher, marks *watermark.Tracker, items *repo.ItemRepo, rec *usage.Recorder, pushClient *push.Client, extractor extract.Extractor, logger *zap.Logger) *extract.Service {
	return extract.NewService(windows, marks, items, rec, pushClient, extractor, logger)
}

func provideHandler(msgs *repo.MessageRepo, convs *repo.ConversationRepo, windows *window.Fetcher, ext *extract.Service, cfg *Config, logger *zap.Logger) *httpapi.Handler {
	return httpapi.NewHandler(msgs, convs, windows, ext, cfg.Token, logger)
}

func registerLifecycle(lc fx.Lifecycle, h *httpapi.Handler, cfg *Config, logger *zap.Logger) {
	srv := &http.Server{
		Addr:    cfg.Addr,
		Handler: h.Router(),
	}
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			logger.Info("http server starting", zap.String("addr", cfg.Addr))
			go func() {
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					logger.Error("http server error", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			logger.Info("http server stopping")
			return srv.Shutdown(ctx)
		},
	})
}
