package ledger

import (
	"fmt"

	"go.uber.org/zap"
)

// verifyBlock reports whether the committed block at position p hashes to
// the value sealed in the block after it. Position 0 must also carry
// GenesisHash.
func verifyBlock(blocks []Block, p int) bool {
	b := &blocks[p]
	if p == 0 && b.CommittedHash != GenesisHash {
		return false
	}
	hash, err := hashBlock(b)
	if err != nil {
		return false
	}
	return hash == blocks[p+1].CommittedHash
}

// failingPositions returns every committed position in blocks that fails
// verification. It never stops at the first failure.
func failingPositions(blocks []Block, count int) []int {
	var failed []int
	for p := 0; p < count; p++ {
		if !verifyBlock(blocks, p) {
			failed = append(failed, p)
		}
	}
	return failed
}

// VerifyBlocks returns every committed position in a snapshot, as returned
// by ReadSnapshot, that fails verification. blocks must end in a stub.
func VerifyBlocks(blocks []Block) []int {
	if len(blocks) == 0 {
		return nil
	}
	return failingPositions(blocks, len(blocks)-1)
}

// VerifyIndex recomputes the hash of the block at position p and compares
// it with the hash stored in the next block.
func (l *Ledger) VerifyIndex(p int) (bool, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if !l.inRange(p) {
		return false, fmt.Errorf("position %d: %w", p, ErrNotFound)
	}
	return verifyBlock(l.blocks, p), nil
}

// GetVerifiedIndex returns a copy of the payload at position p only if the
// block passes verification. A block that fails returns ErrCompromised.
func (l *Ledger) GetVerifiedIndex(p int) (Payload, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if !l.inRange(p) {
		return nil, fmt.Errorf("position %d: %w", p, ErrNotFound)
	}
	if !verifyBlock(l.blocks, p) {
		l.logger.Warn("block failed verification", zap.Int("position", p))
		return nil, fmt.Errorf("position %d: %w", p, ErrCompromised)
	}
	return l.blocks[p].Payload.Clone(), nil
}

// Validate verifies every committed block. It returns nil when the whole
// chain is intact, or an *IntegrityError listing every failing position.
func (l *Ledger) Validate() error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.validateLocked(l.blocks, l.count)
}

func (l *Ledger) validateLocked(blocks []Block, count int) error {
	failed := failingPositions(blocks, count)
	for _, p := range failed {
		l.logger.Warn("problem with index", zap.Int("position", p))
	}
	if len(failed) > 0 {
		return &IntegrityError{Positions: failed}
	}
	return nil
}
