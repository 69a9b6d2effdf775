package ledger

import (
	"fmt"
	"time"

	"go.uber.org/zap"
)

func (l *Ledger) inRange(p int) bool {
	return p >= 0 && p < l.count
}

// GetIndex returns a copy of the payload committed at position p.
func (l *Ledger) GetIndex(p int) (Payload, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if !l.inRange(p) {
		return nil, fmt.Errorf("position %d: %w", p, ErrNotFound)
	}
	return l.blocks[p].Payload.Clone(), nil
}

// GetIndexMetadata returns the position, committed hash and timestamp of
// the block at position p.
func (l *Ledger) GetIndexMetadata(p int) (Metadata, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if !l.inRange(p) {
		return Metadata{}, fmt.Errorf("position %d: %w", p, ErrNotFound)
	}
	b := &l.blocks[p]
	return Metadata{
		Position:      b.Position,
		CommittedHash: b.CommittedHash,
		Timestamp:     *b.Timestamp,
	}, nil
}

// GetIndexes returns payload copies for positions [start, end). When
// start == end the single block at start is returned. A range with
// end < start yields an empty slice and ErrInvalidRange. Bounds outside the
// committed range are clamped.
func (l *Ledger) GetIndexes(start, end int) ([]Payload, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if start == end {
		if !l.inRange(start) {
			return []Payload{}, fmt.Errorf("position %d: %w", start, ErrNotFound)
		}
		return []Payload{l.blocks[start].Payload.Clone()}, nil
	}
	if end <= start {
		l.logger.Warn("invalid range", zap.Int("start", start), zap.Int("end", end))
		return []Payload{}, fmt.Errorf("[%d, %d): %w", start, end, ErrInvalidRange)
	}

	start = max(start, 0)
	end = min(end, l.count)

	out := []Payload{}
	for p := start; p < end; p++ {
		out = append(out, l.blocks[p].Payload.Clone())
	}
	return out, nil
}

// GetDateRange returns payload copies of every committed block whose
// timestamp lies strictly between from and to, in chain order.
func (l *Ledger) GetDateRange(from, to time.Time) []Payload {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := []Payload{}
	for p := 0; p < l.count; p++ {
		ts := *l.blocks[p].Timestamp
		if ts.After(from) && ts.Before(to) {
			out = append(out, l.blocks[p].Payload.Clone())
		}
	}
	return out
}

// GetChain returns payload copies of all committed blocks in order.
func (l *Ledger) GetChain() []Payload {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]Payload, 0, l.count)
	for p := 0; p < l.count; p++ {
		out = append(out, l.blocks[p].Payload.Clone())
	}
	return out
}

// Blocks returns deep copies of every block, including the trailing stub.
func (l *Ledger) Blocks() []Block {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]Block, len(l.blocks))
	for i := range l.blocks {
		out[i] = l.blocks[i].clone()
	}
	return out
}
