// Package schema holds the generation-time parameter schema of a harness and
// the fixed coercion rules that turn raw parameter input into typed values.
package schema

import (
	"fmt"
	"sort"
	"strings"
)

// ParamPrefix marks a session variable as an externally overridable parameter.
const ParamPrefix = "PX_"

// Type is the declared type of a parameter.
type Type string

const (
	TypeString  Type = "string"
	TypeBoolean Type = "boolean"
	TypeInteger Type = "integer"
	TypeFloat   Type = "float"
)

// ValidTypes lists the accepted parameter types in display order.
var ValidTypes = []Type{TypeString, TypeBoolean, TypeInteger, TypeFloat}

// ParseType validates a type name.
func ParseType(s string) (Type, error) {
	t := Type(strings.ToLower(strings.TrimSpace(s)))
	for _, valid := range ValidTypes {
		if t == valid {
			return t, nil
		}
	}
	return "", fmt.Errorf("invalid parameter type %q: must be one of %v", s, ValidTypes)
}

// ParameterSpec describes one externally overridable parameter.
// DefaultValue is kept raw, as written by the generator.
type ParameterSpec struct {
	Name         string `json:"name"`
	Type         Type   `json:"type"`
	DefaultValue any    `json:"default"`
	Description  string `json:"description,omitempty"`
}

// IsOverridable reports whether name is in the parameter namespace.
func IsOverridable(name string) bool {
	return strings.HasPrefix(name, ParamPrefix)
}

// Schema is an immutable collection of ParameterSpecs keyed by name.
type Schema struct {
	specs map[string]ParameterSpec
	order []string
}

// New builds a Schema. Duplicate names, names outside the parameter
// namespace and unknown types are rejected.
func New(specs ...ParameterSpec) (*Schema, error) {
	s := &Schema{specs: make(map[string]ParameterSpec, len(specs))}
	for _, spec := range specs {
		if !IsOverridable(spec.Name) || len(spec.Name) == len(ParamPrefix) {
			return nil, fmt.Errorf("parameter %q: name must start with %s", spec.Name, ParamPrefix)
		}
		if _, err := ParseType(string(spec.Type)); err != nil {
			return nil, fmt.Errorf("parameter %q: %w", spec.Name, err)
		}
		if _, exists := s.specs[spec.Name]; exists {
			return nil, fmt.Errorf("parameter %q declared twice", spec.Name)
		}
		s.specs[spec.Name] = spec
		s.order = append(s.order, spec.Name)
	}
	sort.Strings(s.order)
	return s, nil
}

// MustNew is New for static schemas; it panics on invalid input.
func MustNew(specs ...ParameterSpec) *Schema {
	s, err := New(specs...)
	if err != nil {
		panic(err)
	}
	return s
}

// Lookup returns the spec for name.
func (s *Schema) Lookup(name string) (ParameterSpec, bool) {
	if s == nil {
		return ParameterSpec{}, false
	}
	spec, ok := s.specs[name]
	return spec, ok
}

// Specs returns all specs sorted by name.
func (s *Schema) Specs() []ParameterSpec {
	if s == nil {
		return nil
	}
	out := make([]ParameterSpec, 0, len(s.order))
	for _, name := range s.order {
		out = append(out, s.specs[name])
	}
	return out
}

// Len returns the number of declared parameters.
func (s *Schema) Len() int {
	if s == nil {
		return 0
	}
	return len(s.specs)
}
