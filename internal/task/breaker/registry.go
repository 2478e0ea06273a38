package breaker

import (
	"sort"
	"strings"
	"sync"
)

// Registry owns named breakers and creates them lazily on first lookup.
//
// It is an explicit object passed into components that need a breaker, so
// tests can run with isolated registries instead of process-wide state.
type Registry struct {
	cfg Config

	mu sync.Mutex
	m  map[string]*Breaker
}

func NewRegistry(cfg Config) *Registry {
	return &Registry{cfg: cfg, m: map[string]*Breaker{}}
}

// Get returns the breaker for name, creating it on first use.
func (r *Registry) Get(name string) *Breaker {
	key := strings.TrimSpace(name)
	if key == "" {
		key = "default"
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	b := r.m[key]
	if b == nil {
		b = New(key, r.cfg)
		r.m[key] = b
	}
	return b
}

// Snapshots returns diagnostics for all known breakers, sorted by name.
func (r *Registry) Snapshots() []Snapshot {
	r.mu.Lock()
	out := make([]Snapshot, 0, len(r.m))
	for _, b := range r.m {
		out = append(out, b.Snapshot())
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
