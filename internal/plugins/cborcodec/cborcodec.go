// Package cborcodec encodes values as deterministic CBOR (RFC 8949 core
// deterministic encoding).
package cborcodec

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/roach88/atsh/internal/plugin"
	"github.com/roach88/atsh/internal/value"
)

// Implementation is the catalog name.
const Implementation = "cbor"

// Codec holds its encoding and decoding modes.
type Codec struct {
	name string
	enc  cbor.EncMode
	dec  cbor.DecMode
}

// New is the catalog factory.
func New(name string) (plugin.Plugin, error) {
	return &Codec{name: name}, nil
}

func (c *Codec) Name() string { return c.name }

// Initialize builds the modes. max_nested_levels bounds decoding depth.
func (c *Codec) Initialize(cfg plugin.Config) error {
	enc, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		return fmt.Errorf("cbor encode mode: %w", err)
	}
	dec, err := cbor.DecOptions{
		MaxNestedLevels: cfg.Int("max_nested_levels", 32),
	}.DecMode()
	if err != nil {
		return fmt.Errorf("cbor decode mode: %w", err)
	}
	c.enc, c.dec = enc, dec
	return nil
}

func (c *Codec) Finalize() error { return nil }

func (c *Codec) Encode(v value.Value) ([]byte, error) {
	if c.enc == nil {
		return nil, fmt.Errorf("cbor codec %s not initialized", c.name)
	}
	return c.enc.Marshal(value.ToNative(v))
}

func (c *Codec) Decode(data []byte) (value.Value, error) {
	if c.dec == nil {
		return nil, fmt.Errorf("cbor codec %s not initialized", c.name)
	}
	var raw any
	if err := c.dec.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decode cbor: %w", err)
	}
	return value.FromNative(raw)
}
