package ledger_test

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/jmerrifield20/blockledger/internal/ledger"
	"github.com/jmerrifield20/blockledger/internal/storage"
)

var ctx = context.Background()

var epoch = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

// stepClock returns a clock that advances one second per call, starting at epoch.
func stepClock() func() time.Time {
	var mu sync.Mutex
	next := epoch
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		t := next
		next = next.Add(time.Second)
		return t
	}
}

// newLedger returns a ledger persisting into a per-test temp directory.
func newLedger(t *testing.T, opts ...ledger.Option) *ledger.Ledger {
	t.Helper()
	base := []ledger.Option{
		ledger.WithLocation(filepath.Join(t.TempDir(), "ledger.chain")),
		ledger.WithClock(stepClock()),
	}
	return ledger.New(append(base, opts...)...)
}

func mustAppend(t *testing.T, l *ledger.Ledger, v any) int {
	t.Helper()
	p, err := l.Append(ctx, v)
	if err != nil {
		t.Fatalf("Append(%v): %v", v, err)
	}
	return p
}

// memBackend is an in-memory storage.Backend that counts writes and can be
// told to fail them.
type memBackend struct {
	mu         sync.Mutex
	data       map[string][]byte
	writes     int
	failWrites bool
}

func newMemBackend() *memBackend {
	return &memBackend{data: make(map[string][]byte)}
}

func (m *memBackend) Read(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.data[key]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return append([]byte(nil), d...), nil
}

func (m *memBackend) Write(_ context.Context, key string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWrites {
		return errors.New("disk full")
	}
	m.writes++
	m.data[key] = append([]byte(nil), data...)
	return nil
}

func (m *memBackend) Exists(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.data[key]
	return ok, nil
}

func (m *memBackend) Close() error { return nil }

func (m *memBackend) writeCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writes
}
