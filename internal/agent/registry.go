package agent

import (
	"sort"
	"sync"

	"github.com/rogers-f/taskengine/internal/config"
	"github.com/rogers-f/taskengine/internal/domain"
)

// ResourceSpec describes how to launch the process behind one resource.
type ResourceSpec struct {
	Name           string
	Command        string
	Args           []string
	Env            map[string]string
	CostPerCallUSD float64
}

// Registry is a thread-safe registry of resource specifications.
type Registry struct {
	mu        sync.RWMutex
	resources map[string]ResourceSpec
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{resources: make(map[string]ResourceSpec)}
}

// RegistryFromConfig registers every configured resource.
func RegistryFromConfig(resources map[string]config.ResourceConfig) (*Registry, error) {
	r := NewRegistry()
	for name, rc := range resources {
		if err := r.Register(ResourceSpec{
			Name:           name,
			Command:        rc.Command,
			Args:           rc.Args,
			Env:            rc.Env,
			CostPerCallUSD: rc.CostPerCallUSD,
		}); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds a resource spec. A duplicate name is a configuration error.
func (r *Registry) Register(spec ResourceSpec) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if spec.Name == "" || spec.Command == "" {
		return domain.Errorf(domain.ErrConfigInvalid, "resource needs a name and a command")
	}
	if _, exists := r.resources[spec.Name]; exists {
		return domain.Errorf(domain.ErrConfigInvalid, "resource %s already registered", spec.Name)
	}
	r.resources[spec.Name] = spec
	return nil
}

// Get returns the spec for the named resource, or ErrResourceUnknown.
func (r *Registry) Get(name string) (ResourceSpec, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	spec, ok := r.resources[name]
	if !ok {
		return ResourceSpec{}, domain.Errorf(domain.ErrResourceUnknown, "resource %q not registered", name)
	}
	return spec, nil
}

// List returns all registered resource names in sorted order.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.resources))
	for name := range r.resources {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
