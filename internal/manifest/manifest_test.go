package manifest_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/veilhedge/ledger-engine/internal/manifest"
)

func writeManifest(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "manifest.json")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad(t *testing.T) {
	path := writeManifest(t, `[
		{"hedge_id": 1, "tx_hash": "0xaaa"},
		{"hedge_id": 2, "tx_hash": "0xbbb"},
		{"hedge_id": 3, "tx_hash": ""}
	]`)

	pairs, err := manifest.Load(path)
	if err != nil {
		t.Fatal(err)
	}

	if pairs[1] != "0xaaa" || pairs[2] != "0xbbb" {
		t.Errorf("unexpected pairs: %v", pairs)
	}
	if _, ok := pairs[3]; ok {
		t.Error("entries with empty tx_hash should be dropped")
	}
}

func TestLoad_EmptyPath(t *testing.T) {
	pairs, err := manifest.Load("")
	if err != nil {
		t.Fatal(err)
	}
	if len(pairs) != 0 {
		t.Errorf("empty path should yield empty map, got %v", pairs)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	pairs, err := manifest.Load(filepath.Join(t.TempDir(), "nope.json"))
	if err != nil {
		t.Fatalf("missing manifest must not be an error: %v", err)
	}
	if len(pairs) != 0 {
		t.Errorf("missing file should yield empty map, got %v", pairs)
	}
}

func TestLoad_Malformed(t *testing.T) {
	path := writeManifest(t, `{"hedge_id": 1}`)
	if _, err := manifest.Load(path); err == nil {
		t.Error("malformed manifest should be a hard error")
	}
}
