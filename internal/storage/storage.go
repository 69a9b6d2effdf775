// Package storage provides byte-blob backends that a ledger persists its
// serialized block sequence to.
//
// A Backend stores opaque snapshots under a key. For FileBackend the key is a
// filesystem path; for the database and object-store backends it is a row or
// object name. Implementations:
//   - FileBackend: local files, written via temp file and rename.
//   - SnappyBackend: wraps another Backend with snappy compression.
//   - SQLiteBackend: a single SQLite database file.
//   - PostgresBackend: a PostgreSQL table, for shared durable storage.
//   - S3Backend: S3 or an S3-compatible object store.
package storage

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
)

// ErrNotFound is returned by Read when no snapshot exists under the key.
var ErrNotFound = errors.New("storage: not found")

// Backend is the interface implemented by all snapshot stores.
type Backend interface {
	// Read returns the snapshot stored under key, or ErrNotFound.
	Read(ctx context.Context, key string) ([]byte, error)

	// Write replaces the snapshot stored under key.
	Write(ctx context.Context, key string, data []byte) error

	// Exists reports whether a snapshot is stored under key.
	Exists(ctx context.Context, key string) (bool, error)

	// Close releases any resources held by the backend.
	Close() error
}

// Kind names a backend implementation in configuration.
type Kind string

const (
	KindFile     Kind = "file"
	KindSQLite   Kind = "sqlite"
	KindPostgres Kind = "postgres"
	KindS3       Kind = "s3"
)

// Config selects and configures a backend.
type Config struct {
	Kind        Kind
	Compress    bool
	SQLitePath  string
	PostgresURL string
	S3          S3Config
}

// Open builds the backend described by cfg. When cfg.Compress is set the
// result is wrapped in a SnappyBackend.
func Open(ctx context.Context, cfg Config, logger *zap.Logger) (Backend, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	var (
		b   Backend
		err error
	)
	switch cfg.Kind {
	case "", KindFile:
		b = NewFileBackend()
	case KindSQLite:
		b, err = NewSQLiteBackend(ctx, cfg.SQLitePath)
	case KindPostgres:
		b, err = NewPostgresBackend(ctx, cfg.PostgresURL, logger)
	case KindS3:
		b, err = NewS3Backend(ctx, cfg.S3)
	default:
		return nil, fmt.Errorf("unknown storage kind %q", cfg.Kind)
	}
	if err != nil {
		return nil, fmt.Errorf("open %s storage: %w", cfg.Kind, err)
	}

	if cfg.Compress {
		b = NewSnappyBackend(b)
	}
	logger.Debug("storage backend ready",
		zap.String("kind", string(cfg.Kind)),
		zap.Bool("compress", cfg.Compress),
	)
	return b, nil
}
