package circuitbreaker

import (
	"sort"
	"sync"
)

// Holds one breaker per downstream service name. Breakers are created
// lazily on first reference and live for the process lifetime.
type Registry struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker
	defaults Config
}

func NewRegistry(defaults Config) *Registry {
	return &Registry{
		breakers: make(map[string]*Breaker),
		defaults: defaults,
	}
}

// Returns the breaker for service, creating it with the registry defaults
func (r *Registry) Get(service string) *Breaker {
	return r.GetWith(service, r.defaults)
}

// Returns the breaker for service, creating it with cfg if absent. An
// existing breaker keeps its original configuration.
func (r *Registry) GetWith(service string, cfg Config) *Breaker {
	r.mu.RLock()
	b, ok := r.breakers[service]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if b, ok := r.breakers[service]; ok {
		return b
	}

	b = New(service, cfg)
	r.breakers[service] = b
	return b
}

// Forces the named breaker back to closed; no-op if it was never created
func (r *Registry) Reset(service string) bool {
	r.mu.RLock()
	b, ok := r.breakers[service]
	r.mu.RUnlock()

	if !ok {
		return false
	}

	b.Reset()
	return true
}

// Returns snapshots of every breaker, sorted by service name
func (r *Registry) Snapshots() []Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Snapshot, 0, len(r.breakers))
	for _, b := range r.breakers {
		out = append(out, b.Snapshot())
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].Service < out[j].Service
	})

	return out
}
