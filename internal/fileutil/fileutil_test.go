package fileutil_test

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"loom/internal/fileutil"
)

func TestWriteFileAtomic(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "blob.bin")
	payload := []byte("artifact bytes")

	if err := fileutil.WriteFileAtomic(target, payload, 0o644); err != nil {
		t.Fatalf("WriteFileAtomic failed: %v", err)
	}
	got, err := os.ReadFile(target)
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("round trip mismatch: %q", got)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	for _, entry := range entries {
		if strings.Contains(entry.Name(), ".tmp") {
			t.Fatalf("temp file left behind: %s", entry.Name())
		}
	}
}

func TestWriteStreamAtomicReportsSize(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "stream.bin")
	payload := strings.Repeat("x", 4096)

	n, err := fileutil.WriteStreamAtomic(target, strings.NewReader(payload), 0o644)
	if err != nil {
		t.Fatalf("WriteStreamAtomic failed: %v", err)
	}
	if n != int64(len(payload)) {
		t.Fatalf("expected %d bytes, wrote %d", len(payload), n)
	}
}

func TestMoveFile(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src.bin")
	dst := filepath.Join(dir, "dst.bin")
	if err := os.WriteFile(src, []byte("move me"), 0o644); err != nil {
		t.Fatalf("seed source: %v", err)
	}
	if err := fileutil.MoveFile(src, dst); err != nil {
		t.Fatalf("MoveFile failed: %v", err)
	}
	if _, err := os.Stat(src); !os.IsNotExist(err) {
		t.Fatal("source still present after move")
	}
	if _, err := os.Stat(dst); err != nil {
		t.Fatalf("destination missing: %v", err)
	}
}
