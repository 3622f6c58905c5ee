package state

import (
	"os"
	"path/filepath"
	"testing"
)

func TestWriteJSONAtomicRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "checkpoint.json")
	in := map[string]int64{"lastProcessedTs": 42}
	if err := WriteJSONAtomic(path, in); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Fatalf("expected temp file to be renamed away, stat err=%v", err)
	}
	var out map[string]int64
	ok, err := ReadJSON(path, &out)
	if err != nil || !ok {
		t.Fatalf("read: ok=%v err=%v", ok, err)
	}
	if out["lastProcessedTs"] != 42 {
		t.Fatalf("expected 42, got %d", out["lastProcessedTs"])
	}
}

func TestReadJSONMissing(t *testing.T) {
	var out []int
	ok, err := ReadJSON(filepath.Join(t.TempDir(), "missing.json"), &out)
	if err != nil || ok {
		t.Fatalf("expected missing file to be ok=false err=nil, got ok=%v err=%v", ok, err)
	}
}

func TestReadJSONCorrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	var out map[string]any
	if _, err := ReadJSON(path, &out); err == nil {
		t.Fatalf("expected decode error")
	}
}

func TestRemoveFileMissing(t *testing.T) {
	if err := RemoveFile(filepath.Join(t.TempDir(), "nope.json")); err != nil {
		t.Fatalf("expected nil for missing file, got %v", err)
	}
}
