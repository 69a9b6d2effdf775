package ledger

import (
	"context"
	"errors"
	"reflect"
	"testing"
)

// These tests reach into internal state on purpose: they simulate an
// attacker editing history behind the API.

func tamperFixture(t *testing.T) *Ledger {
	t.Helper()
	l := New(WithAutosave(false))
	for _, amt := range []int{10, 20, 30, 40} {
		if _, err := l.Append(context.Background(), map[string]any{"amount": amt}); err != nil {
			t.Fatal(err)
		}
	}
	if err := l.Validate(); err != nil {
		t.Fatalf("fixture invalid: %v", err)
	}
	return l
}

func TestTamper_payloadDetected(t *testing.T) {
	l := tamperFixture(t)
	l.blocks[1].Payload["amount"] = float64(9999)

	ok, err := l.VerifyIndex(1)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("VerifyIndex(1) passed on a tampered block")
	}
	for _, p := range []int{0, 2, 3} {
		if ok, _ := l.VerifyIndex(p); !ok {
			t.Errorf("VerifyIndex(%d) failed on an untouched block", p)
		}
	}

	var ie *IntegrityError
	if err := l.Validate(); !errors.As(err, &ie) || !reflect.DeepEqual(ie.Positions, []int{1}) {
		t.Errorf("Validate(): got %v, want positions [1]", err)
	}

	if _, err := l.GetVerifiedIndex(1); !errors.Is(err, ErrCompromised) {
		t.Errorf("GetVerifiedIndex(1): got %v, want ErrCompromised", err)
	}
	if _, err := l.GetIndex(1); err != nil {
		t.Errorf("GetIndex(1) should still return the block: %v", err)
	}
}

func TestTamper_validateReportsEveryFailure(t *testing.T) {
	l := tamperFixture(t)
	l.blocks[0].Payload["amount"] = float64(0)
	l.blocks[2].Payload["extra"] = "x"

	var ie *IntegrityError
	if err := l.Validate(); !errors.As(err, &ie) || !reflect.DeepEqual(ie.Positions, []int{0, 2}) {
		t.Errorf("Validate(): got %v, want positions [0 2]", err)
	}
}

func TestTamper_timestampDetected(t *testing.T) {
	l := tamperFixture(t)
	ts := l.blocks[3].Timestamp.Add(1)
	l.blocks[3].Timestamp = &ts

	if ok, _ := l.VerifyIndex(3); ok {
		t.Error("VerifyIndex(3) passed after timestamp change")
	}
}

func TestTamper_stubHashDetected(t *testing.T) {
	l := tamperFixture(t)
	l.blocks[l.count].CommittedHash = GenesisHash

	if ok, _ := l.VerifyIndex(l.count - 1); ok {
		t.Error("last committed block verified against a forged stub hash")
	}
}

func TestTamper_genesisSentinelDetected(t *testing.T) {
	l := tamperFixture(t)
	// Replace the sentinel and re-seal block 1 so only the sentinel is wrong.
	l.blocks[0].CommittedHash = "ff"
	h, err := hashBlock(&l.blocks[0])
	if err != nil {
		t.Fatal(err)
	}
	l.blocks[1].CommittedHash = h

	ok, _ := l.VerifyIndex(0)
	if ok {
		t.Error("VerifyIndex(0) accepted a non-sentinel genesis hash")
	}
}

func TestHashBlock_deterministic(t *testing.T) {
	l := tamperFixture(t)
	a, _ := hashBlock(&l.blocks[2])
	b := l.blocks[2].clone()
	c, _ := hashBlock(&b)
	if a != c {
		t.Errorf("hash differs for identical blocks: %s vs %s", a, c)
	}
	if len(a) != len(GenesisHash) {
		t.Errorf("digest length: got %d, want %d", len(a), len(GenesisHash))
	}
}
