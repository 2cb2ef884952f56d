package provider

import "fmt"

// Registry is a simple name-keyed lookup of configured Adapter backends,
// mirroring the register/get pattern of the Python provider factory this
// gateway's multi-backend support is modeled on.
type Registry struct {
	adapters map[string]Adapter
	defaultName string
}

func NewRegistry() *Registry {
	return &Registry{adapters: map[string]Adapter{}}
}

func (r *Registry) Register(name string, a Adapter) {
	r.adapters[name] = a
	if r.defaultName == "" {
		r.defaultName = name
	}
}

// SetDefault changes which registered adapter Default returns.
func (r *Registry) SetDefault(name string) {
	r.defaultName = name
}

func (r *Registry) Get(name string) (Adapter, error) {
	a, ok := r.adapters[name]
	if !ok {
		return nil, fmt.Errorf("provider %q is not registered", name)
	}
	return a, nil
}

// Default returns the adapter to use when a deployment doesn't specify a
// provider hint.
func (r *Registry) Default() (Adapter, string, error) {
	if r.defaultName == "" {
		return nil, "", fmt.Errorf("no provider registered")
	}
	a, err := r.Get(r.defaultName)
	return a, r.defaultName, err
}
