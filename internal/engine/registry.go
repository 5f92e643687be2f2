package engine

import (
	"sync"

	"signalmill/internal/exchange"
	"signalmill/internal/risk"
	"signalmill/internal/schema"
)

// Registry memoizes instances by key. The first request for a key resolves
// its strategy, exchange, and risk schemas and builds the instance; later
// requests return the same one. Adapters are shared per exchange so the rate
// limiter covers every instance hitting that exchange.
type Registry struct {
	schemas *schema.Registries
	deps    Deps

	mu        sync.Mutex
	instances map[string]*Instance
	adapters  map[string]*exchange.Adapter
}

// NewRegistry creates an empty registry over the given schema registries.
func NewRegistry(schemas *schema.Registries, deps Deps) *Registry {
	return &Registry{
		schemas:   schemas,
		deps:      deps,
		instances: make(map[string]*Instance),
		adapters:  make(map[string]*exchange.Adapter),
	}
}

// Get returns the instance for a key, building it on first use.
func (r *Registry) Get(key Key) (*Instance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if inst, ok := r.instances[key.String()]; ok {
		return inst, nil
	}

	strat, err := r.schemas.Strategy(key.Strategy)
	if err != nil {
		return nil, err
	}

	adapter, ok := r.adapters[key.Exchange]
	if !ok {
		ex, err := r.schemas.Exchange(key.Exchange)
		if err != nil {
			return nil, err
		}
		adapter, err = exchange.New(ex, r.deps.Store, r.deps.Logger)
		if err != nil {
			return nil, err
		}
		r.adapters[key.Exchange] = adapter
	}

	rule, err := risk.Resolve(r.schemas, strat)
	if err != nil {
		return nil, err
	}

	inst, err := newInstance(key, strat, adapter, rule, r.deps)
	if err != nil {
		return nil, err
	}
	r.instances[key.String()] = inst
	return inst, nil
}

// Lookup returns an existing instance without creating one.
func (r *Registry) Lookup(key Key) (*Instance, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	inst, ok := r.instances[key.String()]
	return inst, ok
}

// List snapshots every built instance.
func (r *Registry) List() []*Instance {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Instance, 0, len(r.instances))
	for _, inst := range r.instances {
		out = append(out, inst)
	}
	return out
}

// Clear forgets the given keys, or every instance when called with none.
// Persisted signal rows are untouched; a re-created instance rehydrates.
func (r *Registry) Clear(keys ...Key) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(keys) == 0 {
		r.instances = make(map[string]*Instance)
		return
	}
	for _, key := range keys {
		delete(r.instances, key.String())
	}
}
