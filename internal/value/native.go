package value

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"
)

// FromNative converts a plain Go value into a Value.
//
// Accepted inputs are the shapes produced by encoding/json (with UseNumber),
// yaml.v3, fxamacker/cbor and hand-written Go literals. CBOR decodes maps with
// interface keys; those are accepted as long as every key is a string.
func FromNative(v any) (Value, error) {
	switch val := v.(type) {
	case nil:
		return Null{}, nil
	case Value:
		return val, nil
	case string:
		return String(val), nil
	case []byte:
		return String(val), nil
	case bool:
		return Bool(val), nil
	case int:
		return Int(val), nil
	case int8:
		return Int(val), nil
	case int16:
		return Int(val), nil
	case int32:
		return Int(val), nil
	case int64:
		return Int(val), nil
	case uint:
		return fromUnsigned(uint64(val))
	case uint8:
		return Int(val), nil
	case uint16:
		return Int(val), nil
	case uint32:
		return Int(val), nil
	case uint64:
		return fromUnsigned(val)
	case float32:
		return Float(val), nil
	case float64:
		return Float(val), nil
	case json.Number:
		return fromNumber(val)
	case []any:
		list := make(List, len(val))
		for i, elem := range val {
			item, err := FromNative(elem)
			if err != nil {
				return nil, fmt.Errorf("[%d]: %w", i, err)
			}
			list[i] = item
		}
		return list, nil
	case map[string]any:
		m := make(Map, len(val))
		for k, elem := range val {
			item, err := FromNative(elem)
			if err != nil {
				return nil, fmt.Errorf("[%q]: %w", k, err)
			}
			m[k] = item
		}
		return m, nil
	case map[any]any:
		m := make(Map, len(val))
		for rawKey, elem := range val {
			k, ok := rawKey.(string)
			if !ok {
				return nil, fmt.Errorf("map key %v: keys must be strings, got %T", rawKey, rawKey)
			}
			item, err := FromNative(elem)
			if err != nil {
				return nil, fmt.Errorf("[%q]: %w", k, err)
			}
			m[k] = item
		}
		return m, nil
	default:
		return nil, fmt.Errorf("unsupported session value type: %T", v)
	}
}

// ToNative converts a Value into plain Go values suitable for generic encoders.
func ToNative(v Value) any {
	switch val := v.(type) {
	case nil, Null:
		return nil
	case String:
		return string(val)
	case Int:
		return int64(val)
	case Float:
		return float64(val)
	case Bool:
		return bool(val)
	case List:
		out := make([]any, len(val))
		for i, elem := range val {
			out[i] = ToNative(elem)
		}
		return out
	case Map:
		out := make(map[string]any, len(val))
		for k, elem := range val {
			out[k] = ToNative(elem)
		}
		return out
	default:
		return nil
	}
}

func fromUnsigned(u uint64) (Value, error) {
	if u > math.MaxInt64 {
		return nil, fmt.Errorf("integer %d overflows int64", u)
	}
	return Int(int64(u)), nil
}

// fromNumber keeps integers and floats apart: a literal with a fraction or an
// exponent is a Float, anything else must parse as an Int.
func fromNumber(n json.Number) (Value, error) {
	s := n.String()
	if strings.ContainsAny(s, ".eE") {
		f, err := n.Float64()
		if err != nil {
			return nil, fmt.Errorf("invalid float %q: %w", s, err)
		}
		return Float(f), nil
	}
	i, err := n.Int64()
	if err != nil {
		return nil, fmt.Errorf("invalid integer %q: %w", s, err)
	}
	return Int(i), nil
}
