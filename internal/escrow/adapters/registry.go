package adapters

import (
	"strings"

	"github.com/smallbiznis/arbiter/internal/escrow"
)

type Registry struct {
	factories map[string]escrow.AdapterFactory
}

func NewRegistry(factories ...escrow.AdapterFactory) *Registry {
	registry := &Registry{factories: map[string]escrow.AdapterFactory{}}
	for _, factory := range factories {
		if factory == nil {
			continue
		}
		provider := strings.ToLower(strings.TrimSpace(factory.Provider()))
		if provider == "" {
			continue
		}
		registry.factories[provider] = factory
	}
	return registry
}

func (r *Registry) ProviderExists(provider string) bool {
	if r == nil {
		return false
	}
	provider = strings.ToLower(strings.TrimSpace(provider))
	_, ok := r.factories[provider]
	return ok
}

func (r *Registry) NewGateway(provider string, cfg escrow.AdapterConfig) (escrow.Gateway, error) {
	if r == nil {
		return nil, escrow.ErrProviderNotFound
	}
	provider = strings.ToLower(strings.TrimSpace(provider))
	factory, ok := r.factories[provider]
	if !ok {
		return nil, escrow.ErrProviderNotFound
	}
	return factory.NewGateway(cfg)
}
