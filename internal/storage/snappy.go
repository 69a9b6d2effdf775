package storage

import (
	"context"
	"fmt"

	"github.com/golang/snappy"
)

// SnappyBackend compresses snapshots with snappy before handing them to the
// wrapped backend.
type SnappyBackend struct {
	next Backend
}

// NewSnappyBackend wraps next with snappy compression.
func NewSnappyBackend(next Backend) *SnappyBackend {
	return &SnappyBackend{next: next}
}

// Read implements Backend.
func (s *SnappyBackend) Read(ctx context.Context, key string) ([]byte, error) {
	raw, err := s.next.Read(ctx, key)
	if err != nil {
		return nil, err
	}
	data, err := snappy.Decode(nil, raw)
	if err != nil {
		return nil, fmt.Errorf("snappy decode %s: %w", key, err)
	}
	return data, nil
}

// Write implements Backend.
func (s *SnappyBackend) Write(ctx context.Context, key string, data []byte) error {
	return s.next.Write(ctx, key, snappy.Encode(nil, data))
}

// Exists implements Backend.
func (s *SnappyBackend) Exists(ctx context.Context, key string) (bool, error) {
	return s.next.Exists(ctx, key)
}

// Close implements Backend.
func (s *SnappyBackend) Close() error { return s.next.Close() }
