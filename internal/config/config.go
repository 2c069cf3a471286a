package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// Paths contains directory and bind address configuration.
type Paths struct {
	StorageDir    string `toml:"storage_dir"`
	LogDir        string `toml:"log_dir"`
	APIBind       string `toml:"api_bind"`
	APIToken      string `toml:"api_token"`
	PublicBaseURL string `toml:"public_base_url"`
}

// Dispatch contains admission and timing configuration for the dispatcher.
type Dispatch struct {
	MaxConcurrency   int `toml:"max_concurrency"`
	RequestTimeoutMS int `toml:"request_timeout_ms"`
}

// Store contains artifact store configuration.
type Store struct {
	TrashGraceSeconds int `toml:"trash_grace_seconds"`
}

// Providers contains upstream generation provider credentials and endpoints.
// An empty API key disables that provider. Base URLs are overridable so tests
// can point adapters at stub servers.
type Providers struct {
	ReplicateAPIKey  string `toml:"replicate_api_key"`
	ReplicateBaseURL string `toml:"replicate_base_url"`

	OpenAIAPIKey  string `toml:"openai_api_key"`
	OpenAIBaseURL string `toml:"openai_base_url"`

	ElevenLabsAPIKey  string `toml:"elevenlabs_api_key"`
	ElevenLabsBaseURL string `toml:"elevenlabs_base_url"`
}

// Pipeline contains orchestrator wait ceilings.
type Pipeline struct {
	ImageWaitSeconds int `toml:"image_wait_seconds"`
	VideoWaitSeconds int `toml:"video_wait_seconds"`
}

// Logging contains configuration for log output.
type Logging struct {
	Format string `toml:"format"`
	Level  string `toml:"level"`
}

// Config encapsulates all configuration values for the loom daemon.
//
// Sections by subsystem:
//   - Paths: storage root, log dir, API bind/token, public base URL
//   - Dispatch: global in-flight cap and per-request timeout
//   - Store: soft-delete grace window
//   - Providers: per-provider API keys and endpoint overrides
//   - Pipeline: artifact wait ceilings for staged runs
//   - Logging: log format and level
type Config struct {
	Paths     Paths     `toml:"paths"`
	Dispatch  Dispatch  `toml:"dispatch"`
	Store     Store     `toml:"store"`
	Providers Providers `toml:"providers"`
	Pipeline  Pipeline  `toml:"pipeline"`
	Logging   Logging   `toml:"logging"`
}

// DefaultConfigPath returns the default configuration file location.
func DefaultConfigPath() (string, error) {
	return expandPath("~/.config/loom/config.toml")
}

// Load locates, parses, and validates a configuration file, then applies
// environment overrides. The returned config has all path fields expanded.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	if exists {
		file, err := os.Open(resolvedPath)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := toml.NewDecoder(file)
		if err := decoder.Decode(&cfg); err != nil {
			return nil, "", false, fmt.Errorf("parse config: %w", err)
		}
	}

	cfg.applyEnvOverrides(os.Getenv)

	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}

	return &cfg, resolvedPath, exists, nil
}

func resolveConfigPath(path string) (string, bool, error) {
	if path != "" {
		expanded, err := expandPath(path)
		if err != nil {
			return "", false, err
		}
		_, err = os.Stat(expanded)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return expanded, false, nil
			}
			return "", false, fmt.Errorf("stat config: %w", err)
		}
		return expanded, true, nil
	}

	defaultPath, err := DefaultConfigPath()
	if err != nil {
		return "", false, err
	}
	projectPath, err := filepath.Abs("loom.toml")
	if err != nil {
		return "", false, err
	}

	if info, err := os.Stat(defaultPath); err == nil && !info.IsDir() {
		return defaultPath, true, nil
	}
	if info, err := os.Stat(projectPath); err == nil && !info.IsDir() {
		return projectPath, true, nil
	}
	return defaultPath, false, nil
}

// EnsureDirectories creates the directory tree required for daemon operation.
func (c *Config) EnsureDirectories() error {
	dirs := []string{
		c.Paths.LogDir,
		c.ImagesDir(),
		c.VideosDir(),
		c.AudioDir(),
		c.TrashDir(),
		c.CacheDir(),
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	return nil
}

// ImagesDir returns the image artifact directory under the storage root.
func (c *Config) ImagesDir() string { return filepath.Join(c.Paths.StorageDir, "images") }

// VideosDir returns the video artifact directory under the storage root.
func (c *Config) VideosDir() string { return filepath.Join(c.Paths.StorageDir, "videos") }

// AudioDir returns the audio artifact directory under the storage root.
func (c *Config) AudioDir() string { return filepath.Join(c.Paths.StorageDir, "audio") }

// TrashDir returns the soft-delete staging directory.
func (c *Config) TrashDir() string { return filepath.Join(c.Paths.StorageDir, ".trash") }

// CacheDir returns the directory for project snapshots and the registry DB.
func (c *Config) CacheDir() string { return filepath.Join(c.Paths.StorageDir, ".cache") }

// RegistryDBPath returns the SQLite path for the reference registry.
func (c *Config) RegistryDBPath() string { return filepath.Join(c.CacheDir(), "refs.db") }

// ProjectsPath returns the path of the opaque project graph snapshot file.
func (c *Config) ProjectsPath() string { return filepath.Join(c.CacheDir(), "projects.json") }

// LockPath returns the daemon singleton lock file path.
func (c *Config) LockPath() string { return filepath.Join(c.Paths.StorageDir, ".loomd.lock") }

func expandPath(pathValue string) (string, error) {
	if pathValue == "" {
		return pathValue, nil
	}
	if strings.HasPrefix(pathValue, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if pathValue == "~" {
			pathValue = home
		} else if len(pathValue) > 1 && (pathValue[1] == '/' || pathValue[1] == '\\') {
			pathValue = filepath.Join(home, pathValue[2:])
		}
	}
	cleaned := filepath.Clean(pathValue)
	absolute, err := filepath.Abs(cleaned)
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", cleaned, err)
	}
	return absolute, nil
}

// CreateSample writes a sample configuration file to the specified location.
func CreateSample(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}
	if err := os.WriteFile(path, []byte(sampleConfig), 0o644); err != nil {
		return fmt.Errorf("write sample config: %w", err)
	}
	return nil
}
