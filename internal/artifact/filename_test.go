package artifact

import (
	"strings"
	"testing"
	"time"
)

func TestNewSlugFilenameShape(t *testing.T) {
	name := NewSlugFilename("Hero Close-Up.PNG", ".png")
	m := slugNamePattern.FindStringSubmatch(name)
	if m == nil {
		t.Fatalf("filename %q does not match slug pattern", name)
	}
	if m[1] != "hero-close-up" {
		t.Fatalf("slug = %q, want hero-close-up", m[1])
	}
	if m[4] != ".png" {
		t.Fatalf("extension = %q, want .png", m[4])
	}
	created, ok := CreatedAtFromFilename(name)
	if !ok {
		t.Fatal("expected embedded timestamp")
	}
	if d := time.Since(created); d < 0 || d > time.Minute {
		t.Fatalf("embedded timestamp off by %v", d)
	}
}

func TestRenameSlugPreservesSuffix(t *testing.T) {
	original := NewSlugFilename("draft", ".jpg")
	renamed, ok := RenameSlug(original, "Final Cut")
	if !ok {
		t.Fatal("expected rename to succeed")
	}
	if !strings.HasPrefix(renamed, "final-cut-") {
		t.Fatalf("renamed = %q, want final-cut prefix", renamed)
	}
	origSuffix := strings.TrimPrefix(original, "draft-")
	newSuffix := strings.TrimPrefix(renamed, "final-cut-")
	if origSuffix != newSuffix {
		t.Fatalf("suffix changed: %q -> %q", origSuffix, newSuffix)
	}
}

func TestRenameSlugRejectsHashNames(t *testing.T) {
	hashName := strings.Repeat("ab", 32) + ".png"
	if _, ok := RenameSlug(hashName, "new-name"); ok {
		t.Fatal("hash-addressed filenames must not be renamable")
	}
}

func TestHashFromFilename(t *testing.T) {
	hash := strings.Repeat("0f", 32)
	got, ok := HashFromFilename(hash + ".mp4")
	if !ok || got != hash {
		t.Fatalf("HashFromFilename = %q, %v", got, ok)
	}
	if _, ok := HashFromFilename("clip-1700000000000-deadbeef.mp4"); ok {
		t.Fatal("slug-named file must not parse as hash")
	}
}
