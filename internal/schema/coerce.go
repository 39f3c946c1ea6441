package schema

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/roach88/atsh/internal/value"
)

// truthy is the fixed set of tokens that coerce to true, compared
// case-insensitively after trimming.
var truthy = map[string]bool{
	"1":    true,
	"true": true,
	"t":    true,
	"yes":  true,
	"y":    true,
	"on":   true,
}

// CoercionError reports a parameter value that cannot be converted to its
// declared type.
type CoercionError struct {
	Param string
	Value string
	Type  Type
	Err   error
}

func (e *CoercionError) Error() string {
	return fmt.Sprintf("parameter %s: cannot convert %q to %s", e.Param, e.Value, e.Type)
}

func (e *CoercionError) Unwrap() error {
	return e.Err
}

// Coerce converts raw to the given type.
//
// Rules:
//   - string: the textual representation of raw; floats never use exponent form
//   - boolean: true iff the text is one of the truthy tokens
//   - integer: base-10 parse of the trimmed text; integral floats within the
//     int64 range convert exactly
//   - float: standard float parse of the trimmed text; integers widen
//
// Coercing a value that already has the target type returns it unchanged.
func Coerce(name string, raw any, t Type) (value.Value, error) {
	v, err := value.FromNative(raw)
	if err != nil {
		return nil, &CoercionError{Param: name, Value: fmt.Sprintf("%v", raw), Type: t, Err: err}
	}

	switch t {
	case TypeString:
		switch n := v.(type) {
		case value.String:
			return n, nil
		case value.Float:
			return value.String(floatText(float64(n))), nil
		}
		return value.String(value.Text(v)), nil

	case TypeBoolean:
		if b, ok := v.(value.Bool); ok {
			return b, nil
		}
		token := strings.ToLower(strings.TrimSpace(value.Text(v)))
		return value.Bool(truthy[token]), nil

	case TypeInteger:
		text := value.Text(v)
		switch n := v.(type) {
		case value.Int:
			return n, nil
		case value.Float:
			f := float64(n)
			// 2^63 itself is out of range; -2^63 is not.
			if f == math.Trunc(f) && f >= math.MinInt64 && f < math.MaxInt64 {
				return value.Int(int64(f)), nil
			}
			text = floatText(f)
		}
		i, err := strconv.ParseInt(strings.TrimSpace(text), 10, 64)
		if err != nil {
			return nil, &CoercionError{Param: name, Value: text, Type: t, Err: err}
		}
		return value.Int(i), nil

	case TypeFloat:
		switch n := v.(type) {
		case value.Float:
			return n, nil
		case value.Int:
			return value.Float(n), nil
		}
		text := value.Text(v)
		f, err := strconv.ParseFloat(strings.TrimSpace(text), 64)
		if err != nil {
			return nil, &CoercionError{Param: name, Value: text, Type: t, Err: err}
		}
		return value.Float(f), nil

	default:
		return nil, &CoercionError{
			Param: name,
			Value: value.Text(v),
			Type:  t,
			Err:   fmt.Errorf("unknown parameter type %q", t),
		}
	}
}

func floatText(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

// Conforms reports whether v already has the Go representation of type t.
func Conforms(v value.Value, t Type) bool {
	switch t {
	case TypeString:
		_, ok := v.(value.String)
		return ok
	case TypeBoolean:
		_, ok := v.(value.Bool)
		return ok
	case TypeInteger:
		_, ok := v.(value.Int)
		return ok
	case TypeFloat:
		_, ok := v.(value.Float)
		return ok
	}
	return false
}
