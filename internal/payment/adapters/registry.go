package adapters

import (
	"strings"

	"github.com/smallbiznis/tablepay/internal/payment/domain"
)

// Registry holds one configured webhook adapter per provider name.
type Registry struct {
	factories map[string]domain.AdapterFactory
	adapters  map[string]domain.WebhookAdapter
}

func NewRegistry(factories ...domain.AdapterFactory) *Registry {
	registry := &Registry{
		factories: map[string]domain.AdapterFactory{},
		adapters:  map[string]domain.WebhookAdapter{},
	}
	for _, factory := range factories {
		if factory == nil {
			continue
		}
		provider := normalize(factory.Provider())
		if provider == "" {
			continue
		}
		registry.factories[provider] = factory
	}
	return registry
}

// Configure builds the adapter for cfg.Provider and keeps it for Adapter lookups.
func (r *Registry) Configure(cfg domain.AdapterConfig) error {
	provider := normalize(cfg.Provider)
	factory, ok := r.factories[provider]
	if !ok {
		return domain.ErrProviderNotFound
	}
	adapter, err := factory.NewAdapter(cfg)
	if err != nil {
		return err
	}
	r.adapters[provider] = adapter
	return nil
}

func (r *Registry) ProviderExists(provider string) bool {
	if r == nil {
		return false
	}
	_, ok := r.factories[normalize(provider)]
	return ok
}

// Adapter returns the configured adapter. A known provider without a secret
// reports ErrInvalidConfig so webhooks fail closed.
func (r *Registry) Adapter(provider string) (domain.WebhookAdapter, error) {
	if r == nil {
		return nil, domain.ErrProviderNotFound
	}
	provider = normalize(provider)
	if adapter, ok := r.adapters[provider]; ok {
		return adapter, nil
	}
	if _, ok := r.factories[provider]; ok {
		return nil, domain.ErrInvalidConfig
	}
	return nil, domain.ErrProviderNotFound
}

func normalize(provider string) string {
	return strings.ToLower(strings.TrimSpace(provider))
}
