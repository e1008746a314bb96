// Package app assembles the migration orchestrator from configuration.
package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"aimigrate/pkg/db"
	"aimigrate/pkg/s3"
	"aimigrate/pkg/workpool"
	"aimigrate/services/migration"
	"aimigrate/services/migration/internal/config"
	"aimigrate/services/migration/platform"
)

// Options tune assembly.
type Options struct {
	Publisher migration.Publisher
	Logger    zerolog.Logger
	// RequireDB fails assembly when no DSN is configured.
	RequireDB bool
}

// App holds the assembled orchestrator and the resources it owns.
type App struct {
	Orchestrator *migration.Orchestrator
	Metrics      *migration.Metrics
	Ledger       migration.Ledger
	DB           *pgxpool.Pool
	ORM          *gorm.DB

	store  *db.Store
	copies *workpool.Pool
}

// New connects to the configured platforms and database and returns a ready
// orchestrator. Without a DSN the ledger lives in memory and owning projects
// fall back to the caller's project.
func New(ctx context.Context, cfg config.Config, opts Options) (*App, error) {
	if err := cfg.ValidatePlatform(); err != nil {
		return nil, err
	}

	client, err := platform.NewClient(platform.Config{
		SourceURL:  cfg.SourceAPIURL,
		TargetURL:  cfg.TargetAPIURL,
		LineageURL: cfg.LineageURL,
		Token:      cfg.APIToken,
		Timeout:    cfg.HTTPTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("platform client: %w", err)
	}
	registry := migration.NewRegistry()
	if err := platform.Bind(registry, client); err != nil {
		return nil, fmt.Errorf("bind platform: %w", err)
	}

	a := &App{Metrics: migration.NewMetrics()}

	var index migration.ProjectIndex
	switch {
	case cfg.DBDSN != "":
		store, err := db.Connect(ctx, cfg.DBDSN)
		if err != nil {
			return nil, err
		}
		a.store = store
		a.DB, a.ORM = store.Pool, store.ORM
		ledger, err := migration.NewGormLedger(store.ORM)
		if err != nil {
			a.Close(ctx)
			return nil, err
		}
		a.Ledger = ledger
		projectIndex, err := platform.NewProjectIndex(store.Pool)
		if err != nil {
			a.Close(ctx)
			return nil, err
		}
		index = projectIndex
	case opts.RequireDB:
		return nil, errors.New("DB_DSN is required")
	default:
		opts.Logger.Warn().Msg("DB_DSN not set, ledger is kept in memory for this process only")
		a.Ledger = migration.NewMemoryLedger()
	}

	copier, err := newCopier(ctx, cfg)
	if err != nil {
		a.Close(ctx)
		return nil, err
	}
	a.copies = workpool.New(context.WithoutCancel(ctx), cfg.CopyWorkers)

	orch, err := migration.New(migration.Options{
		Registry:   registry,
		Lineage:    client,
		Index:      index,
		Ledger:     a.Ledger,
		Copier:     copier,
		Pool:       a.copies,
		Publisher:  opts.Publisher,
		Metrics:    a.Metrics,
		Logger:     opts.Logger,
		BaseDir:    cfg.BaseDir,
		ProdAPIKey: cfg.ProdAPIKey,
	})
	if err != nil {
		a.Close(ctx)
		return nil, err
	}
	a.Orchestrator = orch
	return a, nil
}

func newCopier(ctx context.Context, cfg config.Config) (migration.ModelCopier, error) {
	if cfg.ModelStore != config.ModelStoreS3 {
		return migration.DirCopier{Dest: cfg.ModelDir}, nil
	}
	client, err := s3.NewClient(ctx, cfg.S3())
	if err != nil {
		return nil, fmt.Errorf("s3 client: %w", err)
	}
	copier, err := migration.NewS3ModelCopier(client, cfg.ModelBucket, cfg.ModelPrefix)
	if err != nil {
		return nil, err
	}
	return copier, nil
}

// Close waits for queued model copies and releases the database.
func (a *App) Close(ctx context.Context) error {
	if a == nil {
		return nil
	}
	var err error
	if a.copies != nil {
		err = a.copies.Close(ctx)
	}
	if closeErr := a.store.Close(); err == nil {
		err = closeErr
	}
	return err
}

// Ready reports whether the database answers.
func (a *App) Ready(ctx context.Context) error {
	return a.store.Ready(ctx)
}
