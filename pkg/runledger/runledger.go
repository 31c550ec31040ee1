// Package runledger is the optional Postgres-backed sink for applier's
// RunLedger interface: one row per apply() invocation plus one row per
// WorkerErrorRecord surfaced during it.
package runledger

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/lib/pq"

	"github.com/rios-go/rios/pkg/applier"
	"github.com/rios-go/rios/pkg/computeworker"
)

// Config holds the connection and migration settings for the ledger.
type Config struct {
	ConnectionString string
	MaxConnections   int32
	ConnectTimeout   time.Duration
	MigrationsPath   string // defaults to "file://pkg/runledger/migrations"
}

// Store is a pgxpool-backed implementation of applier.RunLedger.
type Store struct {
	pool   *pgxpool.Pool
	config *Config

	mu        sync.Mutex
	lastRunID int64
}

// New connects to Postgres and verifies connectivity before returning.
func New(ctx context.Context, config *Config) (*Store, error) {
	if config == nil {
		return nil, fmt.Errorf("run ledger config is required")
	}
	if config.ConnectionString == "" {
		return nil, fmt.Errorf("run ledger connection string is required")
	}

	if config.MaxConnections == 0 {
		config.MaxConnections = 10
	}
	if config.ConnectTimeout == 0 {
		config.ConnectTimeout = 30 * time.Second
	}
	if config.MigrationsPath == "" {
		config.MigrationsPath = "file://pkg/runledger/migrations"
	}

	poolConfig, err := pgxpool.ParseConfig(config.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse run ledger connection string: %w", err)
	}
	poolConfig.MaxConns = config.MaxConnections
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute

	timeoutCtx, cancel := context.WithTimeout(ctx, config.ConnectTimeout)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(timeoutCtx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create run ledger connection pool: %w", err)
	}
	if err := pool.Ping(timeoutCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping run ledger database: %w", err)
	}

	return &Store{pool: pool, config: config}, nil
}

// Close releases the connection pool.
func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Ping verifies connectivity.
func (s *Store) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

// Migrate applies every pending migration under config.MigrationsPath.
func (s *Store) Migrate(ctx context.Context) error {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("failed to acquire connection for migration: %w", err)
	}
	defer conn.Release()

	migrationDB, err := sql.Open("postgres", s.config.ConnectionString)
	if err != nil {
		return fmt.Errorf("failed to open migration connection: %w", err)
	}
	defer migrationDB.Close()

	driver, err := postgres.WithInstance(migrationDB, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("failed to create migration driver: %w", err)
	}

	m, err := migrate.NewWithDatabaseInstance(s.config.MigrationsPath, "postgres", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrator: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("failed to apply run ledger migrations: %w", err)
	}
	return nil
}

// RecordRun inserts one row per apply() invocation and remembers its id
// so a RecordWorkerError call immediately following (the common case:
// applier calls both sequentially within one Apply) can attach to it.
func (s *Store) RecordRun(ctx context.Context, summary applier.RunSummary) error {
	var projection string
	var rows, cols int
	if summary.WorkingGrid != nil {
		projection = summary.WorkingGrid.Projection
		rows, cols = summary.WorkingGrid.Rows, summary.WorkingGrid.Cols
	}

	const query = `
		INSERT INTO run_records (
			projection, grid_rows, grid_cols, block_count, worker_kind,
			started_at, ended_at, num_errors
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING run_id`

	var runID int64
	err := s.pool.QueryRow(ctx, query,
		projection, rows, cols, summary.BlockCount, string(summary.WorkerKind),
		summary.Start, summary.End, summary.NumErrors,
	).Scan(&runID)
	if err != nil {
		return fmt.Errorf("failed to record run: %w", err)
	}

	s.mu.Lock()
	s.lastRunID = runID
	s.mu.Unlock()
	return nil
}

// RecordWorkerError inserts one row per WorkerErrorRecord, attached to
// the most recently recorded run if one has been recorded yet.
func (s *Store) RecordWorkerError(ctx context.Context, rec *computeworker.WorkerErrorRecord) error {
	s.mu.Lock()
	runID := s.lastRunID
	s.mu.Unlock()

	var runIDArg interface{}
	if runID != 0 {
		runIDArg = runID
	}

	const query = `
		INSERT INTO worker_error_records (
			run_id, err_type, message, traceback, worker_kind, worker_id
		) VALUES ($1, $2, $3, $4, $5, $6)`

	_, err := s.pool.Exec(ctx, query,
		runIDArg, rec.ErrType, rec.Message, rec.Traceback, rec.WorkerKind, rec.WorkerID,
	)
	if err != nil {
		return fmt.Errorf("failed to record worker error: %w", err)
	}
	return nil
}

var _ applier.RunLedger = (*Store)(nil)
