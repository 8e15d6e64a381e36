package providers

import (
	"fmt"
	"sort"
)

// Registry resolves adapters by provider name. It is assembled once at
// construction and immutable afterwards, so lookups need no locking.
type Registry struct {
	adapters map[string]Adapter
}

// NewRegistry indexes the given adapters. Registering two adapters under the
// same name is a wiring mistake and fails.
func NewRegistry(adapters ...Adapter) (*Registry, error) {
	var r = &Registry{adapters: make(map[string]Adapter, len(adapters))}
	for _, a := range adapters {
		if a.Name() == "" {
			return nil, fmt.Errorf("adapter %T has an empty name", a)
		}
		if _, ok := r.adapters[a.Name()]; ok {
			return nil, fmt.Errorf("adapter %q registered twice", a.Name())
		}
		r.adapters[a.Name()] = a
	}
	return r, nil
}

// MustRegistry is NewRegistry which panics on a wiring mistake.
func MustRegistry(adapters ...Adapter) *Registry {
	var r, err = NewRegistry(adapters...)
	if err != nil {
		panic(err)
	}
	return r
}

// Get returns the adapter for a provider, or ErrUnknownProvider.
func (r *Registry) Get(provider string) (Adapter, error) {
	if a, ok := r.adapters[provider]; ok {
		return a, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, provider)
}

// Names returns the registered provider names, sorted.
func (r *Registry) Names() []string {
	var names = make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
