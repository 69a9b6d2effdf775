package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jmerrifield20/blockledger/internal/storage"
	"go.uber.org/zap"
)

// encodeBlocks serializes the full block sequence, stub included.
func encodeBlocks(blocks []Block) ([]byte, error) {
	data, err := json.Marshal(blocks)
	if err != nil {
		return nil, fmt.Errorf("encode chain: %w", err)
	}
	return data, nil
}

// decodeBlocks parses a serialized block sequence and checks its shape:
// sequential positions, GenesisHash at position 0, committed blocks carrying
// timestamps, and exactly one trailing stub. Payload numbers decode as
// json.Number so re-hashing reproduces the stored text.
func decodeBlocks(data []byte) ([]Block, error) {
	var blocks []Block
	if err := unmarshalNumbers(data, &blocks); err != nil {
		return nil, fmt.Errorf("decode chain: %w", err)
	}
	if len(blocks) == 0 {
		return nil, errors.New("decode chain: no blocks")
	}
	if blocks[0].CommittedHash != GenesisHash {
		return nil, errors.New("decode chain: block 0 does not carry the genesis hash")
	}
	last := len(blocks) - 1
	for i := range blocks {
		b := &blocks[i]
		if b.Position != i {
			return nil, fmt.Errorf("decode chain: block %d has position %d", i, b.Position)
		}
		if i < last && !b.committed() {
			return nil, fmt.Errorf("decode chain: block %d has no timestamp", i)
		}
	}
	if stub := &blocks[last]; stub.committed() || stub.Payload != nil {
		return nil, fmt.Errorf("decode chain: trailing block %d is not a stub", last)
	}
	return blocks, nil
}

// writeLocked serializes the chain to location. Callers must hold l.mu.
func (l *Ledger) writeLocked(ctx context.Context, location string) error {
	data, err := encodeBlocks(l.blocks)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrPersistence, err)
	}
	if err := l.backend.Write(ctx, location, data); err != nil {
		return fmt.Errorf("%w: save %s: %w", ErrPersistence, location, err)
	}
	return nil
}

// Save writes the chain to location, or to the current target when
// location is empty. Success makes location the current target and enables
// autosave; failure disables autosave and leaves the target unchanged.
func (l *Ledger) Save(ctx context.Context, location string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if location == "" {
		location = l.location
	}
	err := l.writeLocked(ctx, location)
	l.recordPersist("save", err)
	if err != nil {
		l.logger.Error("save failed", zap.String("location", location), zap.Error(err))
		l.transition(autosaveDisabled, "save failed")
		return err
	}

	l.location = location
	l.transition(autosaveEnabled, "save succeeded")
	l.logger.Info("ledger saved",
		zap.String("location", location),
		zap.Int("blocks", l.count),
	)
	return nil
}

// QuickSave writes the chain to the current target. Failure disables
// autosave.
func (l *Ledger) QuickSave(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	err := l.quickSaveLocked(ctx)
	l.recordPersist("quick_save", err)
	return err
}

func (l *Ledger) quickSaveLocked(ctx context.Context) error {
	if err := l.writeLocked(ctx, l.location); err != nil {
		l.transition(autosaveDisabled, "quick save failed")
		return err
	}
	l.logger.Debug("ledger quick-saved",
		zap.String("location", l.location),
		zap.Int("blocks", l.count),
	)
	return nil
}

// Load reads a chain from location, or from the current target when
// location is empty, and validates it before replacing the in-memory chain.
//
// On any failure the in-memory chain and target are left exactly as they
// were and autosave is disabled. Read, decode and shape failures wrap
// ErrPersistence; a chain that fails hash verification returns an
// *IntegrityError.
func (l *Ledger) Load(ctx context.Context, location string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if location == "" {
		location = l.location
	}

	fail := func(err error) error {
		l.recordPersist("load", err)
		l.logger.Error("load failed", zap.String("location", location), zap.Error(err))
		l.transition(autosaveDisabled, "load failed")
		return err
	}

	data, err := l.backend.Read(ctx, location)
	if err != nil {
		return fail(fmt.Errorf("%w: load %s: %w", ErrPersistence, location, err))
	}
	blocks, err := decodeBlocks(data)
	if err != nil {
		return fail(fmt.Errorf("%w: load %s: %w", ErrPersistence, location, err))
	}
	if err := l.validateLocked(blocks, len(blocks)-1); err != nil {
		return fail(err)
	}

	l.blocks = blocks
	l.count = len(blocks) - 1
	l.location = location
	l.transition(autosaveEnabled, "load succeeded")
	l.recordPersist("load", nil)
	l.logger.Info("ledger loaded",
		zap.String("location", location),
		zap.Int("blocks", l.count),
	)
	return nil
}

// ReadSnapshot reads and shape-checks the chain stored at location without
// verifying its hashes. It serves diagnostics on snapshots that Load would
// refuse; pair it with VerifyBlocks. The result includes the trailing stub.
func ReadSnapshot(ctx context.Context, b storage.Backend, location string) ([]Block, error) {
	data, err := b.Read(ctx, location)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %w", ErrPersistence, location, err)
	}
	blocks, err := decodeBlocks(data)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %w", ErrPersistence, location, err)
	}
	return blocks, nil
}
