// Package session is the Session Manager: it loads the input session of a
// run, merges it with the parameter schema into a typed State, and persists
// the final State when the run ends.
//
// Two namespaces share one State: declared parameters (PX_ prefix, typed by
// their ParameterSpec) and free-form variables set by the script. Both are
// persisted.
package session

import (
	"fmt"

	"github.com/roach88/atsh/internal/schema"
	"github.com/roach88/atsh/internal/value"
)

// State is the mutable session of one run.
//
// Thread-safety: State is owned by the script goroutine and is not safe for
// concurrent use.
type State struct {
	schema *schema.Schema
	vars   value.Map
}

// Resolve builds the initial State:
//  1. start from an empty map
//  2. apply every raw entry, coercing declared parameters to their type
//  3. insert the coerced default of every parameter still missing
//
// A raw entry that cannot be coerced fails with *schema.CoercionError.
// Overridable names missing from the schema are kept as given.
func Resolve(raw value.Map, s *schema.Schema) (*State, error) {
	st := &State{schema: s, vars: make(value.Map, len(raw)+s.Len())}

	for _, name := range raw.SortedKeys() {
		v := raw[name]
		if spec, ok := s.Lookup(name); ok {
			typed, err := schema.Coerce(name, v, spec.Type)
			if err != nil {
				return nil, err
			}
			v = typed
		}
		st.vars[name] = v
	}

	for _, spec := range s.Specs() {
		if _, ok := st.vars[spec.Name]; ok {
			continue
		}
		typed, err := schema.Coerce(spec.Name, spec.DefaultValue, spec.Type)
		if err != nil {
			return nil, fmt.Errorf("default of %s: %w", spec.Name, err)
		}
		st.vars[spec.Name] = typed
	}

	return st, nil
}

// Get returns the value of name.
func (st *State) Get(name string) (value.Value, bool) {
	v, ok := st.vars[name]
	return v, ok
}

// Set assigns name. Declared parameters are coerced to their type so the
// State never holds a parameter of the wrong type; other names accept any
// value FromNative understands.
func (st *State) Set(name string, v any) error {
	val, ok := v.(value.Value)
	if !ok {
		var err error
		if val, err = value.FromNative(v); err != nil {
			return fmt.Errorf("set %s: %w", name, err)
		}
	}
	if spec, ok := st.schema.Lookup(name); ok && !schema.Conforms(val, spec.Type) {
		typed, err := schema.Coerce(name, val, spec.Type)
		if err != nil {
			return err
		}
		val = typed
	}
	st.vars[name] = val
	return nil
}

// Delete removes a script variable. Declared parameters cannot be removed.
func (st *State) Delete(name string) error {
	if _, ok := st.schema.Lookup(name); ok {
		return fmt.Errorf("cannot delete declared parameter %s", name)
	}
	delete(st.vars, name)
	return nil
}

// Names returns every variable name in sorted order.
func (st *State) Names() []string {
	return st.vars.SortedKeys()
}

// Params returns the overridable entries, keyed by their bare name.
// It is read from the same map as Get, so the two views always agree.
func (st *State) Params() value.Map {
	out := make(value.Map)
	for name, v := range st.vars {
		if schema.IsOverridable(name) {
			out[name] = v
		}
	}
	return out
}

// Snapshot returns a copy of the whole session.
func (st *State) Snapshot() value.Map {
	out := make(value.Map, len(st.vars))
	for k, v := range st.vars {
		out[k] = v
	}
	return out
}

// String returns the value of name as text.
func (st *State) String(name string) string {
	return value.Text(st.vars[name])
}

// Int returns the integer value of name.
func (st *State) Int(name string) (int64, error) {
	v, ok := st.vars[name]
	if !ok {
		return 0, fmt.Errorf("session variable %s is not set", name)
	}
	i, ok := v.(value.Int)
	if !ok {
		return 0, fmt.Errorf("session variable %s is %s, not integer", name, value.Kind(v))
	}
	return int64(i), nil
}

// Bool returns the boolean value of name. Unset names are false.
func (st *State) Bool(name string) bool {
	b, _ := st.vars[name].(value.Bool)
	return bool(b)
}

// Float returns the numeric value of name; integers widen.
func (st *State) Float(name string) (float64, error) {
	switch v := st.vars[name].(type) {
	case value.Float:
		return float64(v), nil
	case value.Int:
		return float64(v), nil
	case nil:
		return 0, fmt.Errorf("session variable %s is not set", name)
	default:
		return 0, fmt.Errorf("session variable %s is %s, not float", name, value.Kind(v))
	}
}

// Describe lists the declared parameters with their current values, sorted
// by name.
func (st *State) Describe() []Parameter {
	specs := st.schema.Specs()
	out := make([]Parameter, 0, len(specs))
	for _, spec := range specs {
		out = append(out, Parameter{Spec: spec, Value: st.vars[spec.Name]})
	}
	return out
}

// Parameter pairs a ParameterSpec with its resolved value.
type Parameter struct {
	Spec  schema.ParameterSpec
	Value value.Value
}
