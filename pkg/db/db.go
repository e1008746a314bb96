// Package db opens the PostgreSQL database that holds the migration ledger,
// the run history and the asset-to-project index. Ledger and run rows go
// through gorm; the index is read and written with plain pgx queries.
package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/georgysavva/scany/v2/pgxscan"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	_ "aimigrate/pkg/db/migrations"
)

const (
	// DefaultTimeout is used when executing queries to avoid leaking resources on hung calls.
	DefaultTimeout = 5 * time.Second
)

// Store bundles the pgx pool and the gorm handle sharing its DSN.
type Store struct {
	Pool *pgxpool.Pool
	ORM  *gorm.DB
}

// Connect opens the pool, applies pending migrations and opens the gorm
// handle used by the ledger and run store.
func Connect(ctx context.Context, dsn string) (*Store, error) {
	pool, err := Open(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}
	orm, err := OpenORM(pool)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("open orm: %w", err)
	}
	return &Store{Pool: pool, ORM: orm}, nil
}

// Ready pings both handles.
func (s *Store) Ready(ctx context.Context) error {
	if s == nil || s.Pool == nil {
		return errors.New("database not configured")
	}
	if err := Ping(ctx, s.Pool); err != nil {
		return err
	}
	if s.ORM == nil {
		return nil
	}
	sqlDB, err := s.ORM.DB()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, DefaultTimeout)
	defer cancel()
	return sqlDB.PingContext(ctx)
}

// Close releases the gorm connections and the pool.
func (s *Store) Close() error {
	if s == nil {
		return nil
	}
	var err error
	if s.ORM != nil {
		if sqlDB, dbErr := s.ORM.DB(); dbErr == nil {
			err = sqlDB.Close()
		}
	}
	if s.Pool != nil {
		s.Pool.Close()
	}
	return err
}

// Open creates a new pgx connection pool using the provided DSN.
func Open(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}

	// Prefer simple protocol for compatibility with tools like goose.
	cfg.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return pool, nil
}

// OpenORM opens a gorm handle on the same database as pool.
func OpenORM(pool *pgxpool.Pool) (*gorm.DB, error) {
	if pool == nil {
		return nil, errors.New("nil pool provided")
	}
	return gorm.Open(postgres.New(postgres.Config{
		DSN:                  pool.Config().ConnConfig.ConnString(),
		PreferSimpleProtocol: true,
	}), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
}

// Migrate creates or upgrades the ledger, run and index tables.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if pool == nil {
		return errors.New("nil pool provided")
	}

	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}

	connString := pool.Config().ConnConfig.ConnString()
	sqlDB, err := goose.OpenDBWithDriver("pgx", connString)
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	return goose.UpContext(ctx, sqlDB, "migrations")
}

// Exec executes a statement with the default timeout applied.
func Exec(ctx context.Context, pool *pgxpool.Pool, query string, args ...any) (pgconn.CommandTag, error) {
	ctx, cancel := context.WithTimeout(ctx, DefaultTimeout)
	defer cancel()

	return pool.Exec(ctx, query, args...)
}

// Get retrieves a single row into dest with the default timeout applied.
func Get(ctx context.Context, pool *pgxpool.Pool, dest any, query string, args ...any) error {
	ctx, cancel := context.WithTimeout(ctx, DefaultTimeout)
	defer cancel()

	return pgxscan.Get(ctx, pool, dest, query, args...)
}

// Ping ensures the database is reachable with the default timeout.
func Ping(ctx context.Context, pool *pgxpool.Pool) error {
	ctx, cancel := context.WithTimeout(ctx, DefaultTimeout)
	defer cancel()
	return pool.Ping(ctx)
}
