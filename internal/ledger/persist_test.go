package ledger_test

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/jmerrifield20/blockledger/internal/ledger"
	"github.com/jmerrifield20/blockledger/internal/storage"
)

func TestSaveLoad_roundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.chain")
	src := newLedger(t, ledger.WithAutosave(false))
	mustAppend(t, src, map[string]any{"sender": "karen", "amount": 12.5, "ok": true, "tags": []any{"a", 1}})
	mustAppend(t, src, "plain value")
	mustAppend(t, src, map[string]any{})

	if err := src.Save(ctx, path); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if got := src.Location(); got != path {
		t.Errorf("Location after Save: got %q, want %q", got, path)
	}

	dst := ledger.New(ledger.WithLocation(path), ledger.WithAutosave(false))
	if err := dst.Load(ctx, ""); err != nil {
		t.Fatalf("Load: %v", err)
	}

	if !reflect.DeepEqual(dst.GetChain(), src.GetChain()) {
		t.Errorf("chain mismatch:\n got %v\nwant %v", dst.GetChain(), src.GetChain())
	}
	if dst.Len() != src.Len() || dst.Root() != src.Root() {
		t.Errorf("len/root mismatch: got %d/%s, want %d/%s", dst.Len(), dst.Root(), src.Len(), src.Root())
	}
	if err := dst.Validate(); err != nil {
		t.Errorf("Validate after Load: %v", err)
	}
	if !dst.Autosave() {
		t.Error("expected autosave enabled after successful Load")
	}

	// The reloaded ledger keeps chaining.
	p, err := dst.Append(ctx, "next")
	if err != nil || p != 3 {
		t.Fatalf("Append after Load: got %d, %v", p, err)
	}
	if err := dst.Validate(); err != nil {
		t.Errorf("Validate after Append: %v", err)
	}
}

func TestSave_reEnablesAutosave(t *testing.T) {
	l := newLedger(t, ledger.WithAutosave(false))
	if err := l.Save(ctx, ""); err != nil {
		t.Fatal(err)
	}
	if !l.Autosave() {
		t.Error("expected autosave enabled after successful Save")
	}
}

func TestSave_missingDirectory(t *testing.T) {
	l := newLedger(t)
	before := l.Location()
	mustAppend(t, l, "x")

	err := l.Save(ctx, filepath.Join(t.TempDir(), "nope", "ledger.chain"))
	if !errors.Is(err, ledger.ErrPersistence) {
		t.Fatalf("Save: got %v, want ErrPersistence", err)
	}
	if l.Autosave() {
		t.Error("expected autosave disabled after failed Save")
	}
	if got := l.Location(); got != before {
		t.Errorf("Location changed on failed Save: got %q, want %q", got, before)
	}
	if n := l.Len(); n != 1 {
		t.Errorf("Len(): got %d, want 1", n)
	}
}

func TestQuickSave_usesCurrentTarget(t *testing.T) {
	mem := newMemBackend()
	l := newLedger(t, ledger.WithBackend(mem), ledger.WithLocation("main"), ledger.WithAutosave(false))
	mustAppend(t, l, "x")

	if err := l.QuickSave(ctx); err != nil {
		t.Fatal(err)
	}
	ok, _ := mem.Exists(ctx, "main")
	if !ok {
		t.Error("expected snapshot under current target")
	}
	if l.Autosave() {
		t.Error("QuickSave must not re-enable autosave")
	}
}

func TestQuickSave_failureDisablesAutosave(t *testing.T) {
	mem := newMemBackend()
	mem.failWrites = true
	l := newLedger(t, ledger.WithBackend(mem))

	if err := l.QuickSave(ctx); !errors.Is(err, ledger.ErrPersistence) {
		t.Errorf("QuickSave: got %v, want ErrPersistence", err)
	}
	if l.Autosave() {
		t.Error("expected autosave disabled")
	}
}

func TestLoad_missingFile(t *testing.T) {
	l := newLedger(t)
	mustAppend(t, l, map[string]any{"a": 1})
	before := l.GetChain()

	err := l.Load(ctx, filepath.Join(t.TempDir(), "absent.chain"))
	if !errors.Is(err, ledger.ErrPersistence) || !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("Load: got %v, want ErrPersistence wrapping storage.ErrNotFound", err)
	}
	if l.Autosave() {
		t.Error("expected autosave disabled after failed Load")
	}
	if !reflect.DeepEqual(l.GetChain(), before) {
		t.Error("in-memory chain changed after failed Load")
	}
}

func TestLoad_malformedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.chain")
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}
	l := newLedger(t)
	if err := l.Load(ctx, path); !errors.Is(err, ledger.ErrPersistence) {
		t.Fatalf("Load: got %v, want ErrPersistence", err)
	}
}

func TestLoad_rejectsMissingStub(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.chain")
	src := newLedger(t, ledger.WithAutosave(false))
	mustAppend(t, src, "x")
	if err := src.Save(ctx, path); err != nil {
		t.Fatal(err)
	}

	var blocks []map[string]any
	raw, _ := os.ReadFile(path)
	if err := json.Unmarshal(raw, &blocks); err != nil {
		t.Fatal(err)
	}
	raw, _ = json.Marshal(blocks[:1])
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		t.Fatal(err)
	}

	l := newLedger(t)
	if err := l.Load(ctx, path); !errors.Is(err, ledger.ErrPersistence) {
		t.Fatalf("Load: got %v, want ErrPersistence", err)
	}
}

func TestLoad_rejectsForgedGenesis(t *testing.T) {
	for name, snapshot := range map[string]string{
		"stub only": `[{"position":0,"committed_hash":"deadbeef"}]`,
		"with block": `[{"position":0,"committed_hash":"deadbeef","timestamp":"2024-03-01T12:00:00Z","payload":{"a":1}},` +
			`{"position":1,"committed_hash":"00"}]`,
	} {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "forged.chain")
			if err := os.WriteFile(path, []byte(snapshot), 0o644); err != nil {
				t.Fatal(err)
			}

			l := newLedger(t)
			err := l.Load(ctx, path)
			if !errors.Is(err, ledger.ErrPersistence) {
				t.Fatalf("Load: got %v, want ErrPersistence", err)
			}
			if l.Autosave() {
				t.Error("expected autosave disabled after rejecting a forged snapshot")
			}
			if l.Root() != ledger.GenesisHash || l.Len() != 0 {
				t.Errorf("state changed: root %q, len %d", l.Root(), l.Len())
			}

			p := mustAppend(t, l, "after")
			if p != 0 {
				t.Errorf("Append position: got %d, want 0", p)
			}
			if err := l.Validate(); err != nil {
				t.Errorf("Validate after Append: %v", err)
			}
		})
	}
}

func TestReadSnapshot_corruptedChain(t *testing.T) {
	mem := newMemBackend()
	src := newLedger(t, ledger.WithBackend(mem), ledger.WithLocation("main"), ledger.WithAutosave(false))
	for _, who := range []string{"alice", "bob", "carol"} {
		mustAppend(t, src, map[string]any{"name": who})
	}
	if err := src.Save(ctx, ""); err != nil {
		t.Fatal(err)
	}
	raw, _ := mem.Read(ctx, "main")
	if err := mem.Write(ctx, "main", bytes.Replace(raw, []byte(`"bob"`), []byte(`"eve"`), 1)); err != nil {
		t.Fatal(err)
	}

	blocks, err := ledger.ReadSnapshot(ctx, mem, "main")
	if err != nil {
		t.Fatalf("ReadSnapshot: %v", err)
	}
	if len(blocks) != 4 {
		t.Fatalf("got %d blocks, want 4 including the stub", len(blocks))
	}
	if blocks[1].Payload["name"] != "eve" {
		t.Errorf("block 1 payload: got %v", blocks[1].Payload)
	}
	if got := ledger.VerifyBlocks(blocks); !reflect.DeepEqual(got, []int{1}) {
		t.Errorf("VerifyBlocks: got %v, want [1]", got)
	}

	if _, err := ledger.ReadSnapshot(ctx, mem, "missing"); !errors.Is(err, ledger.ErrPersistence) {
		t.Errorf("ReadSnapshot(missing): got %v, want ErrPersistence", err)
	}
	if got := ledger.VerifyBlocks(nil); got != nil {
		t.Errorf("VerifyBlocks(nil): got %v", got)
	}
}

func TestLoad_rejectsCorruptedChain(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.chain")
	src := newLedger(t, ledger.WithAutosave(false))
	for _, amt := range []int{10, 20, 30} {
		mustAppend(t, src, map[string]any{"amount": amt})
	}
	if err := src.Save(ctx, path); err != nil {
		t.Fatal(err)
	}

	// Rewrite block 1's payload on disk.
	var blocks []map[string]any
	raw, _ := os.ReadFile(path)
	if err := json.Unmarshal(raw, &blocks); err != nil {
		t.Fatal(err)
	}
	blocks[1]["payload"].(map[string]any)["amount"] = 2000
	raw, _ = json.Marshal(blocks)
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		t.Fatal(err)
	}

	l := newLedger(t)
	mustAppend(t, l, "pre-load state")
	before := l.GetChain()

	err := l.Load(ctx, path)
	if !errors.Is(err, ledger.ErrCompromised) {
		t.Fatalf("Load: got %v, want ErrCompromised", err)
	}
	var ie *ledger.IntegrityError
	if !errors.As(err, &ie) || !reflect.DeepEqual(ie.Positions, []int{1}) {
		t.Errorf("IntegrityError positions: got %v, want [1]", err)
	}
	if l.Autosave() {
		t.Error("expected autosave disabled after loading a corrupted chain")
	}
	if !reflect.DeepEqual(l.GetChain(), before) {
		t.Error("corrupted chain replaced the in-memory ledger")
	}
	if l.Location() == path {
		t.Error("target moved to the corrupted file")
	}
}

func TestSaveLoad_snappyBackend(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.chain.sz")
	backend := storage.NewSnappyBackend(storage.NewFileBackend())

	src := newLedger(t, ledger.WithBackend(backend), ledger.WithLocation(path))
	mustAppend(t, src, map[string]any{"sender": "karen"})
	mustAppend(t, src, map[string]any{"sender": "bob"})

	dst := ledger.New(ledger.WithBackend(backend), ledger.WithAutosave(false))
	if err := dst.Load(ctx, path); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !reflect.DeepEqual(dst.GetChain(), src.GetChain()) {
		t.Error("chain mismatch after snappy round trip")
	}
}

func TestSaveLoad_sqliteBackend(t *testing.T) {
	backend, err := storage.NewSQLiteBackend(ctx, filepath.Join(t.TempDir(), "ledger.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer backend.Close()

	src := newLedger(t, ledger.WithBackend(backend), ledger.WithLocation("main"))
	mustAppend(t, src, map[string]any{"amount": 1})
	mustAppend(t, src, map[string]any{"amount": 2})

	dst := ledger.New(ledger.WithBackend(backend), ledger.WithLocation("main"), ledger.WithAutosave(false))
	if err := dst.Load(ctx, ""); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if dst.Root() != src.Root() {
		t.Errorf("root mismatch: got %s, want %s", dst.Root(), src.Root())
	}
}
