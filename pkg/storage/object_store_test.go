package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestManifestKey(t *testing.T) {
	if got := ManifestKey("alpha"); got != "projects/alpha/details.json" {
		t.Fatalf("unexpected key %q", got)
	}
}

func TestPutFileUploadsContents(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "details.json")
	if err := os.WriteFile(p, []byte("[]"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	s := NewMemoryObjectStore()
	if err := PutFile(context.Background(), s, "k", p, "application/json"); err != nil {
		t.Fatalf("put file: %v", err)
	}
	data, ct, ok := s.Get("k")
	if !ok || string(data) != "[]" || ct != "application/json" {
		t.Fatalf("unexpected object: %q %q %v", data, ct, ok)
	}
	if err := s.Delete(context.Background(), "k"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, _, ok := s.Get("k"); ok {
		t.Fatalf("object survived delete")
	}
}

func TestPutFileMissingSource(t *testing.T) {
	s := NewMemoryObjectStore()
	if err := PutFile(context.Background(), s, "k", filepath.Join(t.TempDir(), "nope"), ""); err == nil {
		t.Fatalf("expected error for missing file")
	}
}
