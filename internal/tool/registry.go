package tool

import (
	"fmt"
)

// Registry is an immutable name-to-spec mapping built once at startup.
type Registry struct {
	order []string
	specs map[string]Spec
}

// NewRegistry builds a registry. Names must be unique and handlers non-nil.
func NewRegistry(specs ...Spec) (*Registry, error) {
	r := &Registry{specs: make(map[string]Spec, len(specs))}
	for _, s := range specs {
		if s.Name == "" {
			return nil, fmt.Errorf("register tool: empty name")
		}
		if s.Handler == nil {
			return nil, fmt.Errorf("register tool %s: nil handler", s.Name)
		}
		if _, exists := r.specs[s.Name]; exists {
			return nil, fmt.Errorf("register tool %s: %w", s.Name, ErrDuplicateTool)
		}
		if s.Parameters == nil {
			s.Parameters = Object(map[string]any{})
		}
		r.specs[s.Name] = s
		r.order = append(r.order, s.Name)
	}
	return r, nil
}

// Lookup returns the spec registered under name.
func (r *Registry) Lookup(name string) (Spec, error) {
	s, ok := r.specs[name]
	if !ok {
		return Spec{}, fmt.Errorf("%w: %s", ErrToolNotFound, name)
	}
	return s, nil
}

// Specs returns all specs in registration order.
func (r *Registry) Specs() []Spec {
	out := make([]Spec, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.specs[name])
	}
	return out
}

// Schemas returns the model-facing schemas in registration order.
func (r *Registry) Schemas() []Schema {
	out := make([]Schema, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.specs[name].Schema())
	}
	return out
}

// Names returns the registered tool names in registration order.
func (r *Registry) Names() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Len returns the number of registered tools.
func (r *Registry) Len() int {
	return len(r.order)
}
