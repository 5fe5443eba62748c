package circuitbreaker

import (
	"sort"
	"sync"
)

// Registry lazily creates one breaker per key.
type Registry struct {
	cfg Config

	mu       sync.Mutex
	breakers map[string]*Breaker
}

// NewRegistry creates a registry whose breakers share cfg.
func NewRegistry(cfg Config) *Registry {
	return &Registry{cfg: cfg, breakers: make(map[string]*Breaker)}
}

// Get returns the breaker for key.
func (r *Registry) Get(key string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.breakers[key]
	if !ok {
		b = New(r.cfg)
		r.breakers[key] = b
	}
	return b
}

// States returns the state of every breaker keyed by name.
func (r *Registry) States() map[string]State {
	r.mu.Lock()
	keys := make([]string, 0, len(r.breakers))
	for k := range r.breakers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	breakers := make([]*Breaker, len(keys))
	for i, k := range keys {
		breakers[i] = r.breakers[k]
	}
	r.mu.Unlock()

	out := make(map[string]State, len(keys))
	for i, k := range keys {
		out[k] = breakers[i].State()
	}
	return out
}

// OpenCount returns how many breakers are not closed.
func (r *Registry) OpenCount() int {
	n := 0
	for _, s := range r.States() {
		if s != Closed {
			n++
		}
	}
	return n
}
