package cmd

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"os/user"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/3leaps/goflume/internal/config"
	"github.com/3leaps/goflume/pkg/callcache"
	"github.com/3leaps/goflume/pkg/digest"
	"github.com/3leaps/goflume/pkg/engine"
	"github.com/3leaps/goflume/pkg/index"
	"github.com/3leaps/goflume/pkg/manager"
	"github.com/3leaps/goflume/pkg/rundir"
	"github.com/3leaps/goflume/pkg/store"
)

// services is the set of components behind a Manager.
type services struct {
	db      *sql.DB
	layout  *rundir.Layout
	indexer *index.Indexer
	manager *manager.Manager
}

// openDB opens and migrates the configured database.
func openDB(ctx context.Context, cfg *config.Config) (*sql.DB, error) {
	db, err := store.OpenAndMigrate(ctx, cfg.Store())
	if err != nil {
		return nil, exitError(exitExternalServiceUnavailable, "Failed to open database", err)
	}
	return db, nil
}

// newServices wires the database, run layout, indexer, call cache and engine
// into a Manager recording its runs under a session for subcommand.
func newServices(ctx context.Context, cfg *config.Config, subcommand string, logger *zap.Logger, reg prometheus.Registerer) (*services, error) {
	for _, dir := range []string{cfg.Paths.OutputDir, cfg.Paths.RunsDir, cfg.Paths.IndexDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, exitError(exitFileWriteError, "Failed to create output directories", err)
		}
	}

	db, err := openDB(ctx, cfg)
	if err != nil {
		return nil, err
	}

	layout := rundir.New(cfg.Paths.RunsDir)
	indexer := index.New(db, cfg.Paths.IndexDir(), layout.RunDir, logger.Named("index"))

	var cache *callcache.Cache
	if cfg.Execution.CallCache {
		if err := os.MkdirAll(cfg.Paths.CacheDir, 0o755); err != nil {
			_ = db.Close()
			return nil, exitError(exitFileWriteError, "Failed to create cache directory", err)
		}
		cache = callcache.New(cfg.Paths.CacheDir, logger.Named("callcache"))
	}

	eng := engine.NewLocal(engine.LocalOptions{
		Logger:    logger.Named("engine"),
		Shell:     cfg.Execution.Shell,
		KillGrace: cfg.Execution.KillGrace,
	})

	m, err := manager.New(ctx, manager.Config{
		DB:                db,
		Engine:            eng,
		Layout:            layout,
		Indexer:           indexer,
		Cache:             cache,
		Digests:           digest.NewService(),
		Localizer:         engine.NewLocalizer(engine.DefaultOpener(cfg.S3Defaults()), logger.Named("localize")),
		MaxConcurrentRuns: cfg.Execution.MaxConcurrentRuns,
		EventBuffer:       cfg.Execution.EventBuffer,
		SessionLease:      cfg.Execution.SessionLease,
		Subcommand:        subcommand,
		CreatedBy:         currentUser(),
		Logger:            logger.Named("manager"),
		Metrics:           manager.NewMetrics(reg),
	})
	if err != nil {
		_ = db.Close()
		return nil, exitError(exitExternalServiceUnavailable, "Failed to start run manager", err)
	}
	return &services{db: db, layout: layout, indexer: indexer, manager: m}, nil
}

// Close shuts the manager down and closes the database.
func (s *services) Close(ctx context.Context) error {
	err := s.manager.Shutdown(ctx)
	if cerr := s.db.Close(); cerr != nil && err == nil {
		err = fmt.Errorf("close database: %w", cerr)
	}
	return err
}

func currentUser() string {
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username
	}
	return os.Getenv("USER")
}
