package tools

import (
	"fmt"
	"sort"
	"sync"
)

// Registry holds the declared tool specs. Thread-safe; registration normally
// happens once at startup from the default catalog.
type Registry struct {
	mu    sync.RWMutex
	specs map[string]*Spec
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{specs: make(map[string]*Spec)}
}

// Register adds a tool spec. Returns an error if the name is taken.
func (r *Registry) Register(spec *Spec) error {
	if err := spec.Validate(); err != nil {
		return fmt.Errorf("invalid tool: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.specs[spec.Name]; exists {
		return fmt.Errorf("%w: %s", ErrToolAlreadyRegistered, spec.Name)
	}
	r.specs[spec.Name] = spec
	return nil
}

// MustRegister registers a spec and panics on error. For the static catalog.
func (r *Registry) MustRegister(spec *Spec) {
	if err := r.Register(spec); err != nil {
		panic(fmt.Sprintf("failed to register tool %s: %v", spec.Name, err))
	}
}

// Get returns a spec by name, or ErrToolNotFound.
func (r *Registry) Get(name string) (*Spec, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	spec, ok := r.specs[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrToolNotFound, name)
	}
	return spec, nil
}

// Names returns all registered tool names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.specs))
	for name := range r.specs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Specs returns all registered specs sorted by name. This is the complete
// surface shown to the reasoning oracle.
func (r *Registry) Specs() []Spec {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Spec, 0, len(r.specs))
	for _, s := range r.specs {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ValidateInputs checks inputs against the tool's schema: all required
// parameters present, no parameters outside the schema.
func (r *Registry) ValidateInputs(spec *Spec, inputs map[string]any) error {
	for _, required := range spec.Schema.Required {
		if _, ok := inputs[required]; !ok {
			return fmt.Errorf("%w: %s", ErrMissingRequiredArg, required)
		}
	}
	for key := range inputs {
		if _, ok := spec.Schema.Properties[key]; !ok {
			return fmt.Errorf("%w: %s", ErrUnknownArg, key)
		}
	}
	return nil
}
