package llms

import (
	"fmt"

	"github.com/olegkizyma008-rgb/atlas/pkg/config"
	"github.com/olegkizyma008-rgb/atlas/pkg/registry"
)

// Registry manages LLM provider instances keyed by service name.
type Registry struct {
	*registry.BaseRegistry[Provider]
}

func NewRegistry() *Registry {
	return &Registry{
		BaseRegistry: registry.NewBaseRegistry[Provider](),
	}
}

// CreateFromConfig instantiates and registers a provider for a service.
func (r *Registry) CreateFromConfig(name string, cfg config.ServiceConfig) (Provider, error) {
	provider, err := NewProviderFromConfig(name, cfg.Provider, cfg.APIKey, cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create llm service '%s': %w", name, err)
	}
	if err := r.Register(name, provider); err != nil {
		return nil, err
	}
	return provider, nil
}

// CloseAll closes every registered provider.
func (r *Registry) CloseAll() {
	for _, p := range r.List() {
		_ = p.Close()
	}
}
