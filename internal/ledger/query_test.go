package ledger_test

import (
	"encoding/json"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/jmerrifield20/blockledger/internal/ledger"
)

func seeded(t *testing.T, n int) *ledger.Ledger {
	t.Helper()
	l := newLedger(t)
	for i := 0; i < n; i++ {
		mustAppend(t, l, map[string]any{"i": i})
	}
	return l
}

func TestGetIndex_outOfRange(t *testing.T) {
	l := seeded(t, 3)
	for _, p := range []int{-1, 3, 100} {
		if _, err := l.GetIndex(p); !errors.Is(err, ledger.ErrNotFound) {
			t.Errorf("GetIndex(%d): got %v, want ErrNotFound", p, err)
		}
	}
}

func TestGetIndexMetadata(t *testing.T) {
	l := seeded(t, 2)

	meta, err := l.GetIndexMetadata(0)
	if err != nil {
		t.Fatal(err)
	}
	if meta.Position != 0 || meta.CommittedHash != ledger.GenesisHash {
		t.Errorf("metadata(0): got %+v", meta)
	}
	if !meta.Timestamp.Equal(epoch) {
		t.Errorf("timestamp: got %v, want %v", meta.Timestamp, epoch)
	}
	if _, err := l.GetIndexMetadata(2); !errors.Is(err, ledger.ErrNotFound) {
		t.Errorf("GetIndexMetadata(2): got %v, want ErrNotFound", err)
	}
}

func TestGetIndexes_singleWhenEqual(t *testing.T) {
	l := seeded(t, 6)

	got, err := l.GetIndexes(3, 3)
	if err != nil {
		t.Fatal(err)
	}
	want, _ := l.GetIndex(3)
	if len(got) != 1 || !reflect.DeepEqual(got[0], want) {
		t.Errorf("GetIndexes(3,3): got %v, want [%v]", got, want)
	}
}

func TestGetIndexes_invalidRange(t *testing.T) {
	l := seeded(t, 6)

	got, err := l.GetIndexes(5, 2)
	if !errors.Is(err, ledger.ErrInvalidRange) {
		t.Errorf("GetIndexes(5,2): got err %v, want ErrInvalidRange", err)
	}
	if got == nil || len(got) != 0 {
		t.Errorf("GetIndexes(5,2): got %v, want empty slice", got)
	}
}

func TestGetIndexes_clamps(t *testing.T) {
	l := seeded(t, 6)

	got, err := l.GetIndexes(-1, 1000)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(got, l.GetChain()) {
		t.Errorf("GetIndexes(-1,1000): got %v, want whole chain", got)
	}
}

func TestGetIndexes_halfOpen(t *testing.T) {
	l := seeded(t, 6)

	got, err := l.GetIndexes(2, 5)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 || got[0]["i"] != json.Number("2") || got[2]["i"] != json.Number("4") {
		t.Errorf("GetIndexes(2,5): got %v", got)
	}
}

func TestGetIndexes_startBeyondEnd(t *testing.T) {
	l := seeded(t, 3)

	got, err := l.GetIndexes(10, 20)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Errorf("GetIndexes(10,20): got %v, want empty", got)
	}
}

func TestGetDateRange_exclusive(t *testing.T) {
	// Block i is committed at epoch + i seconds.
	l := seeded(t, 5)

	got := l.GetDateRange(epoch, epoch.Add(4*time.Second))
	if len(got) != 3 {
		t.Fatalf("GetDateRange: got %d blocks, want 3 (%v)", len(got), got)
	}
	for k, want := range []json.Number{"1", "2", "3"} {
		if got[k]["i"] != want {
			t.Errorf("result %d: got %v, want i=%v", k, got[k], want)
		}
	}

	if got := l.GetDateRange(epoch.Add(time.Hour), epoch.Add(2*time.Hour)); len(got) != 0 {
		t.Errorf("future window: got %v, want empty", got)
	}
}

func TestGetChain_lengthMatches(t *testing.T) {
	l := seeded(t, 4)
	if got := len(l.GetChain()); got != l.Len() {
		t.Errorf("len(GetChain()) = %d, Len() = %d", got, l.Len())
	}
	if got := newLedger(t).GetChain(); got == nil || len(got) != 0 {
		t.Errorf("GetChain() on empty ledger: got %v, want empty slice", got)
	}
}

// Mutating anything an accessor returns must not change what the next call
// returns.
func TestAccessors_returnCopies(t *testing.T) {
	l := newLedger(t)
	mustAppend(t, l, map[string]any{"sender": "karen", "amount": 10, "meta": map[string]any{"k": "v"}})
	mustAppend(t, l, map[string]any{"sender": "bob", "amount": 20})

	original, _ := l.GetIndex(0)

	vandalize := func(p ledger.Payload) {
		p["sender"] = "mallory"
		p["x"] = 1
		if m, ok := p["meta"].(map[string]any); ok {
			m["k"] = "changed"
		}
	}

	cases := []struct {
		name string
		get  func() []ledger.Payload
	}{
		{"GetIndex", func() []ledger.Payload { p, _ := l.GetIndex(0); return []ledger.Payload{p} }},
		{"GetVerifiedIndex", func() []ledger.Payload { p, _ := l.GetVerifiedIndex(0); return []ledger.Payload{p} }},
		{"GetIndexes", func() []ledger.Payload { p, _ := l.GetIndexes(0, 2); return p }},
		{"GetDateRange", func() []ledger.Payload { return l.GetDateRange(epoch.Add(-time.Second), epoch.Add(time.Hour)) }},
		{"GetChain", l.GetChain},
		{"FindKeyValue", func() []ledger.Payload { return l.FindKeyValue("sender", "karen", false) }},
		{"FindKeyValueRange", func() []ledger.Payload { p, _ := l.FindKeyValueRange("amount", 0, 15); return p }},
		{"FindKeyValueAny", func() []ledger.Payload { return l.FindKeyValueAny("karen", false) }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			first := tc.get()
			if len(first) == 0 {
				t.Fatal("accessor returned nothing")
			}
			vandalize(first[0])

			got, _ := l.GetIndex(0)
			if !reflect.DeepEqual(got, original) {
				t.Errorf("internal state changed: got %v, want %v", got, original)
			}
			again := tc.get()
			if !reflect.DeepEqual(again[0], original) {
				t.Errorf("second call: got %v, want %v", again[0], original)
			}
		})
	}

	if err := l.Validate(); err != nil {
		t.Errorf("Validate(): %v", err)
	}
}

func TestBlocks_returnsCopies(t *testing.T) {
	l := seeded(t, 2)

	blocks := l.Blocks()
	if len(blocks) != 3 {
		t.Fatalf("Blocks(): got %d, want 3 (2 committed + stub)", len(blocks))
	}
	blocks[0].Payload["i"] = 99
	*blocks[0].Timestamp = epoch.Add(time.Hour)
	blocks[1].CommittedHash = "bogus"

	if err := l.Validate(); err != nil {
		t.Errorf("Validate() after mutating Blocks() result: %v", err)
	}
}
