package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// PostgresBackend stores snapshots in a PostgreSQL table. It owns the
// connection pool it creates.
type PostgresBackend struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgresBackend connects to url, verifies the connection, and ensures the
// snapshot table exists.
func NewPostgresBackend(ctx context.Context, url string, logger *zap.Logger) (*PostgresBackend, error) {
	if url == "" {
		return nil, errors.New("postgres url is required")
	}
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	b := NewPostgresBackendFromPool(pool, logger)
	if err := b.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return b, nil
}

// NewPostgresBackendFromPool creates a PostgresBackend over an existing pool.
// The table is assumed to exist.
func NewPostgresBackendFromPool(pool *pgxpool.Pool, logger *zap.Logger) *PostgresBackend {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PostgresBackend{pool: pool, logger: logger}
}

func (p *PostgresBackend) migrate(ctx context.Context) error {
	if _, err := p.pool.Exec(ctx,
		`CREATE TABLE IF NOT EXISTS ledger_snapshots (
			key        TEXT PRIMARY KEY,
			data       BYTEA NOT NULL,
			size       INTEGER NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
	); err != nil {
		return fmt.Errorf("create ledger_snapshots: %w", err)
	}
	return nil
}

// Read implements Backend.
func (p *PostgresBackend) Read(ctx context.Context, key string) ([]byte, error) {
	var data []byte
	err := p.pool.QueryRow(ctx,
		"SELECT data FROM ledger_snapshots WHERE key = $1", key,
	).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("read %s: %w", key, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", key, err)
	}
	return data, nil
}

// Write implements Backend. The upsert runs in its own transaction so a
// failed write leaves the previous snapshot in place.
func (p *PostgresBackend) Write(ctx context.Context, key string, data []byte) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx,
		`INSERT INTO ledger_snapshots (key, data, size, updated_at)
		 VALUES ($1, $2, $3, now())
		 ON CONFLICT (key) DO UPDATE
		 SET data = EXCLUDED.data, size = EXCLUDED.size, updated_at = EXCLUDED.updated_at`,
		key, data, len(data),
	); err != nil {
		return fmt.Errorf("upsert snapshot %s: %w", key, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit snapshot tx: %w", err)
	}

	p.logger.Debug("snapshot written",
		zap.String("key", key),
		zap.Int("bytes", len(data)),
	)
	return nil
}

// Exists implements Backend.
func (p *PostgresBackend) Exists(ctx context.Context, key string) (bool, error) {
	var exists bool
	if err := p.pool.QueryRow(ctx,
		"SELECT EXISTS (SELECT 1 FROM ledger_snapshots WHERE key = $1)", key,
	).Scan(&exists); err != nil {
		return false, fmt.Errorf("exists %s: %w", key, err)
	}
	return exists, nil
}

// Close implements Backend.
func (p *PostgresBackend) Close() error {
	p.pool.Close()
	return nil
}
