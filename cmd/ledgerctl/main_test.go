package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/jmerrifield20/blockledger/internal/ledger"
)

func execute(t *testing.T, args ...string) error {
	t.Helper()
	rootCmd.SetArgs(args)
	return rootCmd.Execute()
}

func TestParseValue(t *testing.T) {
	tests := []struct {
		in   string
		want any
	}{
		{`42`, json.Number("42")},
		{`9007199254740993`, json.Number("9007199254740993")},
		{`true`, true},
		{`"quoted"`, "quoted"},
		{`alice`, "alice"},
		{`{"a":1}`, map[string]any{"a": json.Number("1")}},
		{`1 2`, "1 2"},
	}
	for _, tt := range tests {
		got := parseValue(tt.in)
		if m, ok := tt.want.(map[string]any); ok {
			gm, ok := got.(map[string]any)
			if !ok || gm["a"] != m["a"] {
				t.Errorf("parseValue(%q) = %#v, want %#v", tt.in, got, tt.want)
			}
			continue
		}
		if got != tt.want {
			t.Errorf("parseValue(%q) = %#v, want %#v", tt.in, got, tt.want)
		}
	}
}

func TestAppendThenValidate(t *testing.T) {
	loc := filepath.Join(t.TempDir(), "cli.chain")

	if err := execute(t, "--location", loc, "--format", "json", "append", `{"name":"alice"}`, `bob`, `7`); err != nil {
		t.Fatalf("append: %v", err)
	}

	l := ledger.New(ledger.WithLocation(loc), ledger.WithAutosave(false))
	if err := l.Load(context.Background(), ""); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if l.Len() != 3 {
		t.Fatalf("expected 3 blocks, got %d", l.Len())
	}
	p, _ := l.GetIndex(1)
	if p["value"] != "bob" {
		t.Errorf("block 1 = %v, want value=bob", p)
	}

	if err := execute(t, "--location", loc, "--format", "json", "validate"); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestValidateReportsTampering(t *testing.T) {
	loc := filepath.Join(t.TempDir(), "cli.chain")
	if err := execute(t, "--location", loc, "--format", "json", "append", `{"name":"alice"}`, `{"name":"bob"}`); err != nil {
		t.Fatalf("append: %v", err)
	}

	data, err := os.ReadFile(loc)
	if err != nil {
		t.Fatal(err)
	}
	tampered := bytes.Replace(data, []byte(`"bob"`), []byte(`"eve"`), 1)
	if err := os.WriteFile(loc, tampered, 0o600); err != nil {
		t.Fatal(err)
	}

	err = execute(t, "--location", loc, "--format", "json", "validate")
	var ie *ledger.IntegrityError
	if !errors.As(err, &ie) {
		t.Fatalf("expected IntegrityError, got %v", err)
	}
	if len(ie.Positions) != 1 || ie.Positions[0] != 1 {
		t.Errorf("positions = %v, want [1]", ie.Positions)
	}
}

func TestInspectTamperedSnapshot(t *testing.T) {
	loc := filepath.Join(t.TempDir(), "cli.chain")
	if err := execute(t, "--location", loc, "--format", "text", "append", `{"name":"alice"}`, `{"name":"bob"}`, `{"name":"carol"}`); err != nil {
		t.Fatalf("append: %v", err)
	}
	data, err := os.ReadFile(loc)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(loc, bytes.Replace(data, []byte(`"bob"`), []byte(`"eve"`), 1), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { getUnverified = false })

	if err := execute(t, "--location", loc, "--format", "text", "verify", "0"); err != nil {
		t.Errorf("verify 0: %v", err)
	}
	if err := execute(t, "--location", loc, "--format", "text", "verify", "1"); !errors.Is(err, ledger.ErrCompromised) {
		t.Errorf("verify 1: got %v, want ErrCompromised", err)
	}
	if err := execute(t, "--location", loc, "--format", "text", "verify", "3"); !errors.Is(err, ledger.ErrNotFound) {
		t.Errorf("verify 3: got %v, want ErrNotFound", err)
	}
	if err := execute(t, "--location", loc, "--format", "text", "get", "--unverified", "1"); err != nil {
		t.Errorf("get --unverified 1: %v", err)
	}
	getUnverified = false
	if err := execute(t, "--location", loc, "--format", "text", "get", "1"); !errors.Is(err, ledger.ErrCompromised) {
		t.Errorf("get 1: got %v, want ErrCompromised", err)
	}
}

func TestUnknownFormat(t *testing.T) {
	if err := execute(t, "--format", "xml", "version"); err == nil {
		t.Fatal("expected an error for --format xml")
	}
	outputFormat = "text"
}
