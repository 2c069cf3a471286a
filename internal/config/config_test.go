package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"loom/internal/config"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, _, exists, err := config.Load(filepath.Join(t.TempDir(), "nope.toml"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if exists {
		t.Fatal("expected missing file")
	}
	if cfg.Dispatch.MaxConcurrency != 10 {
		t.Fatalf("unexpected default concurrency %d", cfg.Dispatch.MaxConcurrency)
	}
	if cfg.Store.TrashGraceSeconds != 300 {
		t.Fatalf("unexpected default grace %d", cfg.Store.TrashGraceSeconds)
	}
}

func TestLoadParsesFileAndEnvWins(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "loom.toml")
	body := `
[paths]
storage_dir = "` + filepath.Join(dir, "store") + `"
api_bind = "127.0.0.1:9999"

[dispatch]
max_concurrency = 4
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv(config.EnvBatchMaxConcurrency, "7")
	t.Setenv(config.EnvReplicateAPIToken, "r8_test")

	cfg, resolved, exists, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if !exists || resolved != path {
		t.Fatalf("expected resolved file %s, got %s (exists=%v)", path, resolved, exists)
	}
	if cfg.Dispatch.MaxConcurrency != 7 {
		t.Fatalf("env override lost: %d", cfg.Dispatch.MaxConcurrency)
	}
	if cfg.ProviderKey("replicate") != "r8_test" {
		t.Fatal("replicate key not applied from environment")
	}
	if cfg.Paths.PublicBaseURL != "http://127.0.0.1:9999" {
		t.Fatalf("public base url not derived: %q", cfg.Paths.PublicBaseURL)
	}
}

func TestValidateRejectsBadBounds(t *testing.T) {
	cfg := config.Default()
	cfg.Dispatch.MaxConcurrency = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error for zero concurrency")
	}

	cfg = config.Default()
	cfg.Logging.Format = "xml"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error for unsupported log format")
	}
}

func TestEnsureDirectories(t *testing.T) {
	cfg := config.Default()
	base := t.TempDir()
	cfg.Paths.StorageDir = filepath.Join(base, "storage")
	cfg.Paths.LogDir = filepath.Join(base, "logs")

	if err := cfg.EnsureDirectories(); err != nil {
		t.Fatalf("EnsureDirectories failed: %v", err)
	}
	for _, dir := range []string{cfg.ImagesDir(), cfg.VideosDir(), cfg.AudioDir(), cfg.TrashDir(), cfg.CacheDir()} {
		if info, err := os.Stat(dir); err != nil || !info.IsDir() {
			t.Fatalf("directory %s missing: %v", dir, err)
		}
	}
}
