package artifact

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"loom/internal/textutil"
)

// Slug-named files follow <slug>-<13-digit-ms-epoch>-<8-char-random>.<ext>.
// The suffix survives renames; only the slug changes.
var slugNamePattern = regexp.MustCompile(`^(.+)-(\d{13})-([0-9a-f]{8})(\.[A-Za-z0-9]+)$`)

var hashNamePattern = regexp.MustCompile(`^[0-9a-f]{64}$`)

// NewSlugFilename builds a fresh slug-based filename for an ingested file.
func NewSlugFilename(name, ext string) string {
	slug := textutil.Slug(strings.TrimSuffix(name, filepath.Ext(name)))
	return fmt.Sprintf("%s-%013d-%s%s", slug, time.Now().UnixMilli(), randomToken(), strings.ToLower(ext))
}

// RenameSlug swaps the slug segment of a slug-based filename, preserving the
// epoch and random suffix. Returns false when the filename does not carry the
// slug suffix (hash-named artifacts are never renamed).
func RenameSlug(filename, newSlug string) (string, bool) {
	m := slugNamePattern.FindStringSubmatch(filename)
	if m == nil {
		return "", false
	}
	return fmt.Sprintf("%s-%s-%s%s", textutil.Slug(newSlug), m[2], m[3], m[4]), true
}

// HashFromFilename extracts the content hash when the filename is
// hash-addressed (<64-hex>.<ext>).
func HashFromFilename(filename string) (string, bool) {
	base := strings.TrimSuffix(filename, filepath.Ext(filename))
	if hashNamePattern.MatchString(base) {
		return base, true
	}
	return "", false
}

// CreatedAtFromFilename recovers the embedded ms-epoch of a slug-named file.
func CreatedAtFromFilename(filename string) (time.Time, bool) {
	m := slugNamePattern.FindStringSubmatch(filename)
	if m == nil {
		return time.Time{}, false
	}
	ms, err := strconv.ParseInt(m[2], 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.UnixMilli(ms), true
}

func randomToken() string {
	var b [4]byte
	_, _ = rand.Read(b[:])
	return hex.EncodeToString(b[:])
}
