// Package integrity runs periodic whole-chain verification of a ledger.
package integrity

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jmerrifield20/blockledger/internal/ledger"
	"go.uber.org/zap"
)

// Config holds monitor configuration.
type Config struct {
	Interval time.Duration
}

// Validator is the subset of *ledger.Ledger the monitor needs.
type Validator interface {
	Validate() error
	Len() int
}

// Report is the outcome of one verification pass.
type Report struct {
	CheckedAt time.Time `json:"checked_at"`
	Blocks    int       `json:"blocks"`
	Valid     bool      `json:"valid"`
	Positions []int     `json:"positions,omitempty"`
	Error     string    `json:"error,omitempty"`
}

// MetricsRecordFunc is an optional callback for recording pass results.
type MetricsRecordFunc func(valid bool, failing int)

// Monitor validates a ledger on a fixed interval.
type Monitor struct {
	v         Validator
	cfg       Config
	logger    *zap.Logger
	onMetrics MetricsRecordFunc

	mu   sync.RWMutex
	last *Report
}

// New creates a Monitor. A zero Interval defaults to five minutes.
func New(v Validator, cfg Config, logger *zap.Logger) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Monitor{v: v, cfg: cfg, logger: logger}
}

// SetMetricsRecord configures the metrics recording callback.
func (m *Monitor) SetMetricsRecord(fn MetricsRecordFunc) {
	m.onMetrics = fn
}

// Start runs verification passes until ctx is cancelled.
func (m *Monitor) Start(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.CheckOnce()
		case <-ctx.Done():
			return
		}
	}
}

// CheckOnce validates the whole chain and records the result.
func (m *Monitor) CheckOnce() Report {
	r := Report{CheckedAt: time.Now().UTC(), Blocks: m.v.Len(), Valid: true}

	if err := m.v.Validate(); err != nil {
		r.Valid = false
		r.Error = err.Error()
		var ie *ledger.IntegrityError
		if errors.As(err, &ie) {
			r.Positions = append([]int(nil), ie.Positions...)
		}
		m.logger.Warn("integrity: chain verification FAILED",
			zap.Int("blocks", r.Blocks),
			zap.Ints("positions", r.Positions),
		)
	} else {
		m.logger.Debug("integrity: chain verified", zap.Int("blocks", r.Blocks))
	}

	if m.onMetrics != nil {
		m.onMetrics(r.Valid, len(r.Positions))
	}

	m.mu.Lock()
	m.last = &r
	m.mu.Unlock()
	return r
}

// Last returns the most recent report, or false if no pass has run.
func (m *Monitor) Last() (Report, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.last == nil {
		return Report{}, false
	}
	r := *m.last
	r.Positions = append([]int(nil), m.last.Positions...)
	return r, true
}
