// Package postgres provides a Postgres-backed ledger store on a bounded
// pgx connection pool.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ppiankov/guardian/internal/ledger"
	"github.com/ppiankov/guardian/internal/model"
	"github.com/ppiankov/guardian/internal/storage/migrate"
	"github.com/ppiankov/guardian/internal/storage/postgres/migrations"
)

const (
	// DefaultMaxConns bounds the pool.
	DefaultMaxConns = 10
	// DefaultOpTimeout bounds every single store call, pool acquisition
	// included.
	DefaultOpTimeout = 5 * time.Second
)

// Options tunes the pool.
type Options struct {
	MaxConns  int32
	OpTimeout time.Duration
	// Schema, when set, becomes the connection search_path.
	Schema string
}

// Store persists the ledger in Postgres.
type Store struct {
	pool      *pgxpool.Pool
	opTimeout time.Duration
}

var _ ledger.Store = (*Store)(nil)

// Open connects, verifies the connection and applies migrations.
func Open(ctx context.Context, dsn string, opts Options) (*Store, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("postgres dsn is required")
	}
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if opts.MaxConns <= 0 {
		opts.MaxConns = DefaultMaxConns
	}
	if opts.OpTimeout <= 0 {
		opts.OpTimeout = DefaultOpTimeout
	}
	cfg.MaxConns = opts.MaxConns
	cfg.MinConns = 1
	cfg.MaxConnLifetime = 30 * time.Minute
	cfg.HealthCheckPeriod = 30 * time.Second
	if opts.Schema != "" {
		cfg.ConnConfig.RuntimeParams["search_path"] = opts.Schema
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, opts.OpTimeout)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if err := migrate.Apply(ctx, runner{pool: pool}, migrations.FS, "."); err != nil {
		pool.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &Store{pool: pool, opTimeout: opts.OpTimeout}, nil
}

// Close releases the pool.
func (s *Store) Close() error {
	if s != nil && s.pool != nil {
		s.pool.Close()
	}
	return nil
}

// Pool exposes the pool for maintenance commands and tests.
func (s *Store) Pool() *pgxpool.Pool { return s.pool }

func (s *Store) op(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.opTimeout)
}

// WithTx runs fn in one READ COMMITTED transaction. Row locks taken by the
// conditional updates serialize competing writers.
func (s *Store) WithTx(ctx context.Context, fn func(tx ledger.Tx) error) error {
	ctx, cancel := s.op(ctx)
	defer cancel()

	pgTx, err := s.pool.Begin(ctx)
	if err != nil {
		return classify("begin transaction", err)
	}
	if err := fn(&tx{tx: pgTx}); err != nil {
		if rbErr := pgTx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			return errors.Join(err, fmt.Errorf("rollback: %w", rbErr))
		}
		return err
	}
	if err := pgTx.Commit(ctx); err != nil {
		return classify("commit transaction", err)
	}
	return nil
}

// Postgres error codes treated as transient.
var transientCodes = map[string]bool{
	"40001": true, // serialization_failure
	"40P01": true, // deadlock_detected
	"55P03": true, // lock_not_available
	"57014": true, // query_canceled
	"53300": true, // too_many_connections
	"57P03": true, // cannot_connect_now
}

func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var me *model.Error
	if errors.As(err, &me) {
		return err
	}
	wrapped := fmt.Errorf("%s: %w", op, err)
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return model.ErrTransientStore.Wrap(wrapped)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && transientCodes[pgErr.Code] {
		return model.ErrTransientStore.Wrap(wrapped)
	}
	if pgconn.SafeToRetry(err) || pgconn.Timeout(err) {
		return model.ErrTransientStore.Wrap(wrapped)
	}
	return wrapped
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func utc(t time.Time) time.Time {
	if t.IsZero() {
		t = time.Now()
	}
	return t.UTC().Truncate(time.Microsecond)
}

type runner struct{ pool *pgxpool.Pool }

func (r runner) EnsureTable(ctx context.Context) error {
	_, err := r.pool.Exec(ctx, `CREATE TABLE IF NOT EXISTS `+migrate.Table+` (
    name TEXT PRIMARY KEY,
    applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`)
	return err
}

func (r runner) Applied(ctx context.Context, name string) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM `+migrate.Table+` WHERE name=$1)`, name).Scan(&exists)
	return exists, err
}

func (r runner) Apply(ctx context.Context, name, up string) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext('guardian_migrations'))`); err != nil {
		return err
	}
	var exists bool
	if err := tx.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM `+migrate.Table+` WHERE name=$1)`, name).Scan(&exists); err != nil {
		return err
	}
	if exists {
		return nil
	}
	if _, err := tx.Exec(ctx, up); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `INSERT INTO `+migrate.Table+`(name) VALUES($1)`, name); err != nil {
		return err
	}
	return tx.Commit(ctx)
}
