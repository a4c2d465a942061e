package model

import (
	"fmt"
	"sync"

	"github.com/relaymesh/relay-voice-engine/internal/config"
	"github.com/relaymesh/relay-voice-engine/internal/core/model/openai"
	"github.com/relaymesh/relay-voice-engine/internal/core/model/provider"
)

// AdapterFactory builds one session adapter for one call.
type AdapterFactory func(cfg *config.EngineConfig, observer provider.SessionObserver) provider.SessionAdapter

// DefaultAdapterRegistry maps provider types to adapter factories
type DefaultAdapterRegistry struct {
	factories map[provider.ProviderType]AdapterFactory
	mutex     sync.RWMutex
}

// NewAdapterRegistry creates a registry with the default providers registered
func NewAdapterRegistry() *DefaultAdapterRegistry {
	registry := &DefaultAdapterRegistry{
		factories: make(map[provider.ProviderType]AdapterFactory),
	}

	registry.RegisterFactory(provider.ProviderTypeOpenAI, func(cfg *config.EngineConfig, observer provider.SessionObserver) provider.SessionAdapter {
		return openai.NewAdapter(cfg, observer)
	})

	return registry
}

// RegisterFactory registers an adapter factory for a provider type
func (r *DefaultAdapterRegistry) RegisterFactory(providerType provider.ProviderType, factory AdapterFactory) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.factories[providerType] = factory
}

// CreateAdapter creates a session adapter for the provider type
func (r *DefaultAdapterRegistry) CreateAdapter(providerType provider.ProviderType, cfg *config.EngineConfig, observer provider.SessionObserver) (provider.SessionAdapter, error) {
	r.mutex.RLock()
	factory, exists := r.factories[providerType]
	r.mutex.RUnlock()

	if !exists {
		return nil, fmt.Errorf("unsupported provider type: %s", providerType)
	}
	return factory(cfg, observer), nil
}

// GetSupportedProviders returns the registered provider types
func (r *DefaultAdapterRegistry) GetSupportedProviders() []provider.ProviderType {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	providers := make([]provider.ProviderType, 0, len(r.factories))
	for providerType := range r.factories {
		providers = append(providers, providerType)
	}
	return providers
}
