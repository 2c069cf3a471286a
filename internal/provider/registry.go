package provider

import (
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"loom/internal/config"
	"loom/internal/logging"
	"loom/internal/services"
)

// Registry holds the adapters built from the static catalog, one per
// (kind, model) whose provider has credentials configured.
type Registry struct {
	adapters map[string]Adapter
	logger   *slog.Logger
}

func registryKey(kind Kind, model string) string {
	return string(kind) + "|" + model
}

// newWireClient builds the shared HTTP client for provider calls: 5s
// connect, 30s to response headers. Downloads use their own client with a
// longer body window.
func newWireClient() *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			DialContext:           (&net.Dialer{Timeout: 5 * time.Second}).DialContext,
			ResponseHeaderTimeout: 30 * time.Second,
			MaxIdleConnsPerHost:   8,
		},
	}
}

// NewRegistry builds adapters for every catalog descriptor whose provider is
// enabled. A provider with no API key is skipped; its models return Fatal at
// lookup.
func NewRegistry(cfg *config.Config, resolve ResolveRef, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = logging.NewNop()
	}
	componentLogger := logging.NewComponentLogger(logger, "providers")
	client := newWireClient()

	reg := &Registry{adapters: make(map[string]Adapter), logger: componentLogger}
	for _, desc := range Catalog() {
		token := cfg.ProviderKey(desc.Provider)
		if token == "" {
			componentLogger.Info("provider disabled, no credentials",
				logging.String(logging.FieldProvider, desc.Provider),
				logging.String(logging.FieldModel, desc.Model),
			)
			continue
		}
		baseURL := cfg.ProviderBaseURL(desc.Provider)

		var adapter Adapter
		switch desc.Provider {
		case ProviderReplicate:
			adapter = newReplicateAdapter(desc, baseURL, token, client, resolve, logger)
		case ProviderOpenAI:
			adapter = newOpenAIAdapter(desc, baseURL, token, client, logger)
		case ProviderElevenLabs:
			adapter = newElevenLabsAdapter(desc, baseURL, token, client, logger)
		default:
			componentLogger.Warn("unknown provider in catalog",
				logging.String(logging.FieldProvider, desc.Provider))
			continue
		}
		reg.adapters[registryKey(desc.Kind, desc.Model)] = adapter
	}
	return reg
}

// AdapterFor selects the adapter for a (kind, model) pair. A missing or
// disabled model is a structural failure, not a retryable one.
func (r *Registry) AdapterFor(kind Kind, model string) (Adapter, error) {
	adapter, ok := r.adapters[registryKey(kind, model)]
	if !ok {
		return nil, services.Wrap(services.ErrFatal, "providers", "lookup",
			fmt.Sprintf("no adapter for kind %s model %q (unknown model or provider disabled)", kind, model), nil)
	}
	return adapter, nil
}

// KindFor reports the kind an enabled model generates. Catalog model ids
// are unique across kinds, so the first match wins.
func (r *Registry) KindFor(model string) (Kind, bool) {
	for _, adapter := range r.adapters {
		if desc := adapter.Descriptor(); desc.Model == model {
			return desc.Kind, true
		}
	}
	return "", false
}

// Models lists the enabled models per kind, for the status surface.
func (r *Registry) Models() map[Kind][]string {
	out := make(map[Kind][]string)
	for _, adapter := range r.adapters {
		desc := adapter.Descriptor()
		out[desc.Kind] = append(out[desc.Kind], desc.Model)
	}
	return out
}

// ConcurrencyFor returns the per-provider concurrency cap. Descriptors for
// one provider may declare different caps; the semaphore is shared, so the
// smallest declared cap wins. Falls back to defaultCap when no enabled
// descriptor sets one.
func (r *Registry) ConcurrencyFor(provider string, defaultCap int) int {
	limit := 0
	for _, adapter := range r.adapters {
		desc := adapter.Descriptor()
		if desc.Provider != provider || desc.Concurrency <= 0 {
			continue
		}
		if limit == 0 || desc.Concurrency < limit {
			limit = desc.Concurrency
		}
	}
	if limit == 0 {
		return defaultCap
	}
	return limit
}

// Providers lists the distinct enabled provider ids.
func (r *Registry) Providers() []string {
	seen := make(map[string]struct{})
	var out []string
	for _, adapter := range r.adapters {
		p := adapter.Descriptor().Provider
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	return out
}
