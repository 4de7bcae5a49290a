// Package rules defines the declarative rule specification shared by every
// configurable pipeline stage, its parameter helpers, and the registries that
// turn specifications into rule instances.
package rules

import (
	"errors"
	"fmt"
	"sort"
)

var (
	// ErrUnknownRule is returned when a spec names a type no registry knows
	ErrUnknownRule = errors.New("unknown rule type")
	// ErrMissingParam is returned when a required parameter is absent
	ErrMissingParam = errors.New("missing required parameter")
	// ErrInvalidParam is returned when a parameter has the wrong type or range
	ErrInvalidParam = errors.New("invalid parameter")
)

// Params are the free-form parameters of a rule.
type Params map[string]interface{}

// Spec names a rule type and its parameters. In YAML the parameters sit
// next to the type key:
//
//	type: top_n
//	n: 10
type Spec struct {
	Type   string `yaml:"type" json:"type"`
	Params Params `yaml:",inline" json:"params,omitempty"`
}

// NewSpec builds a spec from a type and key/value pairs.
func NewSpec(typ string, kv ...interface{}) Spec {
	params := make(Params, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		if key, ok := kv[i].(string); ok {
			params[key] = kv[i+1]
		}
	}
	return Spec{Type: typ, Params: params}
}

// IsZero reports whether the spec names no rule.
func (s Spec) IsZero() bool { return s.Type == "" }

// SpecFromValue converts a decoded parameter value into a Spec. A bare string
// names a type without parameters; a map carries "type" plus parameters.
func SpecFromValue(v interface{}) (Spec, error) {
	switch val := v.(type) {
	case Spec:
		return val, nil
	case string:
		return Spec{Type: val, Params: Params{}}, nil
	case map[string]interface{}:
		return specFromMap(val)
	case Params:
		return specFromMap(val)
	case map[interface{}]interface{}:
		m := make(map[string]interface{}, len(val))
		for k, v := range val {
			key, ok := k.(string)
			if !ok {
				return Spec{}, fmt.Errorf("%w: non-string key %v in rule spec", ErrInvalidParam, k)
			}
			m[key] = v
		}
		return specFromMap(m)
	default:
		return Spec{}, fmt.Errorf("%w: cannot read rule spec from %T", ErrInvalidParam, v)
	}
}

func specFromMap(m map[string]interface{}) (Spec, error) {
	typ, ok := m["type"].(string)
	if !ok || typ == "" {
		return Spec{}, fmt.Errorf("%w: type", ErrMissingParam)
	}
	params := make(Params, len(m))
	for k, v := range m {
		if k != "type" {
			params[k] = v
		}
	}
	return Spec{Type: typ, Params: params}, nil
}

// Factory builds a rule from its spec.
type Factory[T any] func(spec Spec) (T, error)

// Registry is a closed set of rule types of one kind. Every type is resolved
// when the pipeline is built, never inside the simulation loop.
type Registry[T any] struct {
	kind      string
	factories map[string]Factory[T]
}

// NewRegistry creates an empty registry for rules of the given kind.
func NewRegistry[T any](kind string) *Registry[T] {
	return &Registry[T]{kind: kind, factories: make(map[string]Factory[T])}
}

// Register adds a factory under name.
func (r *Registry[T]) Register(name string, f Factory[T]) {
	r.factories[name] = f
}

// Build resolves and constructs the rule named by spec.
func (r *Registry[T]) Build(spec Spec) (T, error) {
	var zero T
	f, ok := r.factories[spec.Type]
	if !ok {
		return zero, fmt.Errorf("%w: %s %q (known: %v)", ErrUnknownRule, r.kind, spec.Type, r.Names())
	}
	rule, err := f(spec)
	if err != nil {
		return zero, fmt.Errorf("%s %q: %w", r.kind, spec.Type, err)
	}
	return rule, nil
}

// BuildAll constructs every spec in order.
func (r *Registry[T]) BuildAll(specs []Spec) ([]T, error) {
	out := make([]T, 0, len(specs))
	for _, spec := range specs {
		rule, err := r.Build(spec)
		if err != nil {
			return nil, err
		}
		out = append(out, rule)
	}
	return out, nil
}

// Names returns the registered type names, sorted.
func (r *Registry[T]) Names() []string {
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
