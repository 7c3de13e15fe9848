package policy

import (
	"fmt"
	"sort"
	"sync"
)

// Registry maps policy keys to their definitions. The persistence layer
// uses it to recover codecs and resolvers at load time, and the API layer
// uses it to decode request payloads.
type Registry struct {
	mu   sync.RWMutex
	defs map[string]*Definition
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{defs: make(map[string]*Definition)}
}

// Register adds def. Registering the same key twice is an error.
func (r *Registry) Register(def *Definition) error {
	if def == nil {
		return fmt.Errorf("%w: definition", ErrNilArgument)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.defs[def.Key()]; exists {
		return fmt.Errorf("%w: %q", ErrDuplicateDefinition, def.Key())
	}
	r.defs[def.Key()] = def
	return nil
}

// MustRegister registers defs and panics on error, for wiring code.
func (r *Registry) MustRegister(defs ...*Definition) {
	for _, d := range defs {
		if err := r.Register(d); err != nil {
			panic(err)
		}
	}
}

// Get returns the definition for key.
func (r *Registry) Get(key string) (*Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.defs[key]
	return d, ok
}

// Keys returns all registered keys in sorted order.
func (r *Registry) Keys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := make([]string, 0, len(r.defs))
	for k := range r.defs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
