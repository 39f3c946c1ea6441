// Package jsoncodec encodes session-style values as canonical JSON.
package jsoncodec

import (
	"github.com/roach88/atsh/internal/plugin"
	"github.com/roach88/atsh/internal/value"
)

// Implementation is the catalog name.
const Implementation = "json"

// Codec is stateless.
type Codec struct {
	name string
}

// New is the catalog factory.
func New(name string) (plugin.Plugin, error) {
	return &Codec{name: name}, nil
}

func (c *Codec) Name() string                   { return c.name }
func (c *Codec) Initialize(plugin.Config) error { return nil }
func (c *Codec) Finalize() error                { return nil }

// Encode produces canonical JSON: sorted keys, NFC strings, no HTML escaping.
func (c *Codec) Encode(v value.Value) ([]byte, error) {
	return value.MarshalCanonical(v)
}

// Decode parses any JSON document.
func (c *Codec) Decode(data []byte) (value.Value, error) {
	return value.UnmarshalCanonical(data)
}
