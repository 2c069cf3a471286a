package config

import (
	"strconv"
	"strings"
)

// Environment variables recognized by the daemon. File values lose to the
// environment so containerized deployments can configure without a file.
const (
	EnvStoragePath         = "STORAGE_PATH"
	EnvBatchMaxConcurrency = "BATCH_MAX_CONCURRENCY"
	EnvBatchRequestTimeout = "BATCH_REQUEST_TIMEOUT"
	EnvReplicateAPIToken   = "REPLICATE_API_TOKEN"
	EnvOpenAIAPIKey        = "OPENAI_API_KEY"
	EnvElevenLabsAPIKey    = "ELEVENLABS_API_KEY"
)

func (c *Config) applyEnvOverrides(getenv func(string) string) {
	if v := strings.TrimSpace(getenv(EnvStoragePath)); v != "" {
		c.Paths.StorageDir = v
	}
	if v := strings.TrimSpace(getenv(EnvBatchMaxConcurrency)); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 {
			c.Dispatch.MaxConcurrency = parsed
		}
	}
	if v := strings.TrimSpace(getenv(EnvBatchRequestTimeout)); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 {
			c.Dispatch.RequestTimeoutMS = parsed
		}
	}
	if v := strings.TrimSpace(getenv(EnvReplicateAPIToken)); v != "" {
		c.Providers.ReplicateAPIKey = v
	}
	if v := strings.TrimSpace(getenv(EnvOpenAIAPIKey)); v != "" {
		c.Providers.OpenAIAPIKey = v
	}
	if v := strings.TrimSpace(getenv(EnvElevenLabsAPIKey)); v != "" {
		c.Providers.ElevenLabsAPIKey = v
	}
}

// ProviderKey returns the configured API key for a provider id, or "".
func (c *Config) ProviderKey(provider string) string {
	switch provider {
	case "replicate":
		return strings.TrimSpace(c.Providers.ReplicateAPIKey)
	case "openai":
		return strings.TrimSpace(c.Providers.OpenAIAPIKey)
	case "elevenlabs":
		return strings.TrimSpace(c.Providers.ElevenLabsAPIKey)
	default:
		return ""
	}
}

// ProviderBaseURL returns the endpoint base for a provider id, or "".
func (c *Config) ProviderBaseURL(provider string) string {
	switch provider {
	case "replicate":
		return strings.TrimRight(strings.TrimSpace(c.Providers.ReplicateBaseURL), "/")
	case "openai":
		return strings.TrimRight(strings.TrimSpace(c.Providers.OpenAIBaseURL), "/")
	case "elevenlabs":
		return strings.TrimRight(strings.TrimSpace(c.Providers.ElevenLabsBaseURL), "/")
	default:
		return ""
	}
}
