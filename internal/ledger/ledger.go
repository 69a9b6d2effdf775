// Package ledger implements a tamper-evident, append-only log of blocks.
//
// The chain is a flat sequence that always ends in a stub: a placeholder
// block holding only its position and the hash of the block before it.
// Append attaches a timestamp and payload to the stub, hashes the now
// committed block, and seals that hash into a fresh stub. Any later change to
// a committed block is detected by VerifyIndex and Validate.
//
// Every accessor returns deep copies, so callers can never reach internal
// state. Save and Load persist the whole sequence through a storage.Backend;
// a loaded chain is validated before it replaces the in-memory one.
package ledger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jmerrifield20/blockledger/internal/storage"
	"go.uber.org/zap"
)

// DefaultLocation is the persistence target used when none is configured.
const DefaultLocation = "ledger.chain"

type autosaveState int

const (
	autosaveDisabled autosaveState = iota
	autosaveEnabled
)

func (s autosaveState) String() string {
	if s == autosaveEnabled {
		return "enabled"
	}
	return "disabled"
}

// Ledger is a hash-chained append-only log. It is designed for a single
// logical writer; the internal lock covers the whole instance so that one
// ledger can be shared by an HTTP server and a background verifier.
type Ledger struct {
	mu       sync.RWMutex
	blocks   []Block // committed blocks followed by exactly one stub
	count    int
	location string
	backend  storage.Backend
	autosave autosaveState
	interval int
	logger   *zap.Logger
	now      func() time.Time
	record   PersistRecordFunc
}

// PersistRecordFunc observes the outcome of every persistence attempt. op is
// one of "save", "quick_save", "autosave", "close" or "load". It is called
// with the ledger locked and must not call back into it.
type PersistRecordFunc func(op string, success bool)

// Option configures a Ledger.
type Option func(*Ledger)

// WithLocation sets the initial persistence target.
func WithLocation(location string) Option {
	return func(l *Ledger) { l.location = location }
}

// WithBackend sets the storage backend used by Save, QuickSave and Load.
func WithBackend(b storage.Backend) Option {
	return func(l *Ledger) { l.backend = b }
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(l *Ledger) { l.logger = logger }
}

// WithClock overrides the commit clock.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// WithAutosave sets the initial autosave state.
func WithAutosave(enabled bool) Option {
	return func(l *Ledger) {
		l.autosave = autosaveDisabled
		if enabled {
			l.autosave = autosaveEnabled
		}
	}
}

// WithAutosaveInterval sets the initial autosave interval.
func WithAutosaveInterval(n int) Option {
	return func(l *Ledger) { l.interval = n }
}

// WithPersistRecord sets a callback that observes save and load outcomes,
// including autosaves triggered by Append.
func WithPersistRecord(fn PersistRecordFunc) Option {
	return func(l *Ledger) { l.record = fn }
}

// New creates a ledger holding only the genesis stub. Autosave is enabled
// with an interval of 1 unless overridden.
func New(opts ...Option) *Ledger {
	l := &Ledger{
		blocks:   []Block{{Position: 0, CommittedHash: GenesisHash}},
		location: DefaultLocation,
		autosave: autosaveEnabled,
		interval: 1,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.backend == nil {
		l.backend = storage.NewFileBackend()
	}
	if l.logger == nil {
		l.logger = zap.NewNop()
	}
	if l.location == "" {
		l.location = DefaultLocation
	}
	l.interval = coerceInterval(l.interval)
	return l
}

func coerceInterval(n int) int {
	if n < 1 {
		return 1
	}
	return n
}

// SetAutosave enables or disables implicit saves on Append.
func (l *Ledger) SetAutosave(enabled bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if enabled {
		l.transition(autosaveEnabled, "requested")
	} else {
		l.transition(autosaveDisabled, "requested")
	}
}

// Autosave reports whether implicit saves are enabled.
func (l *Ledger) Autosave() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.autosave == autosaveEnabled
}

// SetAutosaveInterval sets how many commits occur between implicit saves.
// Values below 1 are coerced to 1.
func (l *Ledger) SetAutosaveInterval(n int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.interval = coerceInterval(n)
}

// AutosaveInterval returns the autosave interval.
func (l *Ledger) AutosaveInterval() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.interval
}

// recordPersist reports a persistence outcome. Callers must hold l.mu.
func (l *Ledger) recordPersist(op string, err error) {
	if l.record != nil {
		l.record(op, err == nil)
	}
}

// transition moves the autosave state machine. Callers must hold l.mu.
func (l *Ledger) transition(to autosaveState, reason string) {
	if l.autosave == to {
		return
	}
	l.logger.Info("autosave state changed",
		zap.Stringer("from", l.autosave),
		zap.Stringer("to", to),
		zap.String("reason", reason),
	)
	l.autosave = to
}

// Append commits v to the current stub and returns its position. A value
// that is not a field mapping is stored as {"value": v}. Append fails, with
// ErrInvalidPayload and the ledger unchanged, only when v is not
// JSON-representable or holds a string that is not valid UTF-8.
//
// When autosave is enabled and the position is a multiple of the autosave
// interval, the ledger is saved to its current location. A failed autosave
// is logged and disables autosave; it does not fail the append.
func (l *Ledger) Append(ctx context.Context, v any) (int, error) {
	payload, err := toPayload(v)
	if err != nil {
		return -1, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	p := l.count
	ts := l.now().UTC()
	stub := &l.blocks[p]
	stub.Timestamp = &ts
	stub.Payload = payload

	hash, err := hashBlock(stub)
	if err != nil {
		stub.Timestamp, stub.Payload = nil, nil
		return -1, err
	}
	l.blocks = append(l.blocks, Block{Position: p + 1, CommittedHash: hash})
	l.count++

	l.logger.Debug("block committed",
		zap.Int("position", p),
		zap.Int("fields", len(payload)),
	)

	if l.autosave == autosaveEnabled && p%l.interval == 0 {
		err := l.quickSaveLocked(ctx)
		l.recordPersist("autosave", err)
		if err != nil {
			l.logger.Error("autosave failed", zap.Int("position", p), zap.Error(err))
		}
	}
	return p, nil
}

// Len returns the number of committed blocks.
func (l *Ledger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.count
}

// Root returns the hash sealed into the stub, i.e. the digest of the most
// recently committed block, or GenesisHash for an empty ledger.
func (l *Ledger) Root() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.blocks[l.count].CommittedHash
}

// Location returns the current persistence target.
func (l *Ledger) Location() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.location
}

// Close performs a final quick save when autosave is enabled. It does not
// close the backend, which belongs to the caller.
func (l *Ledger) Close(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.autosave != autosaveEnabled {
		return nil
	}
	err := l.quickSaveLocked(ctx)
	l.recordPersist("close", err)
	if err != nil {
		return fmt.Errorf("final save: %w", err)
	}
	return nil
}
