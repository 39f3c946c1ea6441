package harness

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/roach88/atsh/internal/value"
)

func TestMatch(t *testing.T) {
	reply := value.Map{
		"method": value.String("REGISTER"),
		"status": value.Int(200),
		"via":    value.List{value.String("a"), value.String("b")},
		"auth":   value.Map{"realm": value.String("lab"), "nonce": value.String("x1")},
	}

	tests := []struct {
		name     string
		expected value.Value
		actual   value.Value
		want     bool
	}{
		{"empty map matches any map", value.Map{}, reply, true},
		{"subset of keys", value.Map{"method": value.String("REGISTER")}, reply, true},
		{"nested subset", value.Map{"auth": value.Map{"realm": value.String("lab")}}, reply, true},
		{"missing key", value.Map{"expires": value.Int(60)}, reply, false},
		{"wrong value", value.Map{"status": value.Int(404)}, reply, false},
		{"int matches equal float", value.Map{"status": value.Float(200)}, reply, true},
		{"list equal", value.Map{"via": value.List{value.String("a"), value.String("b")}}, reply, true},
		{"list length differs", value.Map{"via": value.List{value.String("a")}}, reply, false},
		{"map against scalar", value.Map{}, value.String("x"), false},
		{"scalar strings", value.String("pong"), value.String("pong"), true},
		{"scalar mismatch", value.String("pong"), value.String("ping"), false},
		{"number against string", value.Int(1), value.String("1"), false},
		{"bool", value.Bool(true), value.Bool(true), true},
		{"null", value.Null{}, value.Null{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Match(tt.expected, tt.actual))
		})
	}
}
