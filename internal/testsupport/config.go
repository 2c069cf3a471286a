package testsupport

import (
	"path/filepath"
	"testing"

	"loom/internal/config"
)

// ConfigOption allows callers to customize the generated test configuration.
type ConfigOption func(*config.Config)

// NewConfig produces a config seeded with unique temp directories per test.
// It defaults common fields and applies any provided options.
func NewConfig(t testing.TB, opts ...ConfigOption) *config.Config {
	t.Helper()

	base := t.TempDir()
	cfg := config.Default()
	cfg.Paths.StorageDir = filepath.Join(base, "storage")
	cfg.Paths.LogDir = filepath.Join(base, "logs")
	cfg.Paths.APIBind = "127.0.0.1:0"
	cfg.Paths.PublicBaseURL = "http://127.0.0.1:7711"
	cfg.Providers.ReplicateAPIKey = "test-token"
	cfg.Providers.OpenAIAPIKey = "test-token"
	cfg.Providers.ElevenLabsAPIKey = "test-token"

	for _, opt := range opts {
		opt(&cfg)
	}

	if err := cfg.EnsureDirectories(); err != nil {
		t.Fatalf("ensure directories: %v", err)
	}
	return &cfg
}

// WithConcurrency overrides the dispatcher concurrency window.
func WithConcurrency(n int) ConfigOption {
	return func(cfg *config.Config) {
		cfg.Dispatch.MaxConcurrency = n
	}
}

// WithRequestTimeout overrides the batch request timeout in milliseconds.
func WithRequestTimeout(ms int) ConfigOption {
	return func(cfg *config.Config) {
		cfg.Dispatch.RequestTimeoutMS = ms
	}
}

// WithProviderBaseURL points one provider at a test server.
func WithProviderBaseURL(provider, baseURL string) ConfigOption {
	return func(cfg *config.Config) {
		switch provider {
		case "replicate":
			cfg.Providers.ReplicateBaseURL = baseURL
		case "openai":
			cfg.Providers.OpenAIBaseURL = baseURL
		case "elevenlabs":
			cfg.Providers.ElevenLabsBaseURL = baseURL
		}
	}
}

// WithoutProvider clears a provider's API key, disabling it.
func WithoutProvider(provider string) ConfigOption {
	return func(cfg *config.Config) {
		switch provider {
		case "replicate":
			cfg.Providers.ReplicateAPIKey = ""
		case "openai":
			cfg.Providers.OpenAIAPIKey = ""
		case "elevenlabs":
			cfg.Providers.ElevenLabsAPIKey = ""
		}
	}
}
