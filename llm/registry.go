package llm

import (
	"fmt"
	"sort"
	"sync"
)

// GatewayRegistry is a thread-safe registry of model gateways. The provider
// set is closed and known at build time, so registration happens explicitly
// at startup — there is no side-effecting plugin discovery.
type GatewayRegistry struct {
	gateways       map[string]Gateway
	defaultGateway string
	mu             sync.RWMutex
}

// NewGatewayRegistry creates an empty GatewayRegistry.
func NewGatewayRegistry() *GatewayRegistry {
	return &GatewayRegistry{
		gateways: make(map[string]Gateway),
	}
}

// Register adds a gateway to the registry under the given name.
// If a gateway with the same name already exists, it is replaced.
func (r *GatewayRegistry) Register(name string, g Gateway) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gateways[name] = g
}

// Get retrieves a gateway by name.
func (r *GatewayRegistry) Get(name string) (Gateway, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	g, ok := r.gateways[name]
	return g, ok
}

// Resolve returns the gateway for name, falling back to the default when
// name is empty.
func (r *GatewayRegistry) Resolve(name string) (Gateway, error) {
	if name == "" {
		return r.Default()
	}
	g, ok := r.Get(name)
	if !ok {
		return nil, fmt.Errorf("gateway %q not registered", name)
	}
	return g, nil
}

// Default returns the default gateway.
// Returns an error if no default has been set or the default name is not registered.
func (r *GatewayRegistry) Default() (Gateway, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.defaultGateway == "" {
		return nil, fmt.Errorf("no default gateway set")
	}
	g, ok := r.gateways[r.defaultGateway]
	if !ok {
		return nil, fmt.Errorf("default gateway %q not found in registry", r.defaultGateway)
	}
	return g, nil
}

// SetDefault designates an existing registered gateway as the default.
// Returns an error if the name is not registered.
func (r *GatewayRegistry) SetDefault(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.gateways[name]; !ok {
		return fmt.Errorf("gateway %q not registered", name)
	}
	r.defaultGateway = name
	return nil
}

// List returns the sorted names of all registered gateways.
func (r *GatewayRegistry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.gateways))
	for name := range r.gateways {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Len returns the number of registered gateways.
func (r *GatewayRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.gateways)
}
