package chain

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"hut.evalgo.org/common"
)

// DefaultNominalDuration is used for estimates when a network has no
// configured nominal duration.
const DefaultNominalDuration = 60 * time.Second

var errNoAdapter = errors.New("no adapter registered")

// Registry maps network names to their configuration and adapter.
type Registry struct {
	mu       sync.RWMutex
	networks map[string]NetworkConfig
	adapters map[string]Adapter
}

// NewRegistry creates a registry for the given networks.
func NewRegistry(networks ...NetworkConfig) *Registry {
	r := &Registry{
		networks: make(map[string]NetworkConfig, len(networks)),
		adapters: make(map[string]Adapter, len(networks)),
	}
	for _, n := range networks {
		n.Name = common.NormalizeKey(n.Name)
		r.networks[n.Name] = n
	}
	return r
}

// Register attaches an adapter to its configured network.
func (r *Registry) Register(a Adapter) error {
	name := common.NormalizeKey(a.Network())

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.networks[name]; !ok {
		return common.NewValidationError(common.CodeUnknownNetwork, "network %q is not configured", a.Network())
	}
	r.adapters[name] = a
	return nil
}

// Adapter returns the adapter for network.
func (r *Registry) Adapter(network string) (Adapter, error) {
	name := common.NormalizeKey(network)

	r.mu.RLock()
	defer r.mu.RUnlock()

	if _, ok := r.networks[name]; !ok {
		return nil, common.NewValidationError(common.CodeUnknownNetwork, "network %q is not configured", network)
	}
	a, ok := r.adapters[name]
	if !ok {
		return nil, common.NewAdapterError(name, "lookup", errNoAdapter)
	}
	return a, nil
}

// Network returns the configuration of a network.
func (r *Registry) Network(network string) (NetworkConfig, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n, ok := r.networks[common.NormalizeKey(network)]
	return n, ok
}

// Networks returns all configured networks sorted by name.
func (r *Registry) Networks() []NetworkConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]NetworkConfig, 0, len(r.networks))
	for _, n := range r.networks {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// NominalDuration returns the nominal duration of network, or
// DefaultNominalDuration when unknown or unset.
func (r *Registry) NominalDuration(network string) time.Duration {
	if n, ok := r.Network(network); ok && n.NominalDuration > 0 {
		return n.NominalDuration
	}
	return DefaultNominalDuration
}

// MaxTimeout returns the largest configured network timeout.
func (r *Registry) MaxTimeout() time.Duration {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var max time.Duration
	for _, n := range r.networks {
		if n.Timeout > max {
			max = n.Timeout
		}
	}
	return max
}

// Validate checks that every configured network has an adapter.
func (r *Registry) Validate() error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for name := range r.networks {
		if _, ok := r.adapters[name]; !ok {
			return fmt.Errorf("network %s: %w", name, errNoAdapter)
		}
	}
	return nil
}
