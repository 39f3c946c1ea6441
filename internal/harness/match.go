package harness

import "github.com/roach88/atsh/internal/value"

// Match reports whether actual satisfies expected.
//
// Maps are a subset match: every key of expected must be present in actual
// with a matching value; extra keys in actual are OK. Lists match element by
// element and must have the same length. Numbers compare by value, so an
// expected 200 matches an observed 200.0. Other scalars must be equal.
func Match(expected, actual value.Value) bool {
	switch want := expected.(type) {
	case value.Map:
		got, ok := actual.(value.Map)
		if !ok {
			return false
		}
		for key, wantVal := range want {
			gotVal, exists := got[key]
			if !exists || !Match(wantVal, gotVal) {
				return false
			}
		}
		return true

	case value.List:
		got, ok := actual.(value.List)
		if !ok || len(got) != len(want) {
			return false
		}
		for i := range want {
			if !Match(want[i], got[i]) {
				return false
			}
		}
		return true

	case value.Int, value.Float:
		w, wok := number(want)
		g, gok := number(actual)
		return wok && gok && w == g

	default:
		return value.Equal(expected, actual)
	}
}

func number(v value.Value) (float64, bool) {
	switch n := v.(type) {
	case value.Int:
		return float64(n), true
	case value.Float:
		return float64(n), true
	}
	return 0, false
}
