package provider

import (
	"fmt"
	"log/slog"

	"github.com/duropiri/novai-sub002/internal/orchestrator"
)

// Registry resolves provider identifiers to configured clients. Pipeline
// definitions name providers; the registry is built once at startup from
// config and shared across jobs (providers are stateless and safe for
// concurrent use).
type Registry struct {
	providers map[string]orchestrator.Provider
}

// NewRegistry builds a registry from provider configs.
func NewRegistry(configs []Config, logger *slog.Logger) *Registry {
	providers := make(map[string]orchestrator.Provider, len(configs))
	for _, cfg := range configs {
		providers[cfg.Name] = NewHTTPProvider(cfg, logger)
	}
	return &Registry{providers: providers}
}

// NewRegistryWith builds a registry from pre-built providers, used by tests
// to inject fakes.
func NewRegistryWith(providers ...orchestrator.Provider) *Registry {
	m := make(map[string]orchestrator.Provider, len(providers))
	for _, p := range providers {
		m[p.Name()] = p
	}
	return &Registry{providers: m}
}

// Get returns the provider registered under name.
func (r *Registry) Get(name string) (orchestrator.Provider, error) {
	p, ok := r.providers[name]
	if !ok {
		return nil, fmt.Errorf("provider %q is not configured", name)
	}
	return p, nil
}
