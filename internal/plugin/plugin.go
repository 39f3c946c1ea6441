// Package plugin defines the probe and codec contracts and discovers plugin
// instances from manifest files on the configured search paths.
//
// Implementations are compiled into the harness and registered in a Catalog
// under an implementation name. A manifest found on disk names the
// implementation, the instance name and its configuration; the Loader turns
// each manifest into one Record, tolerating individual failures.
package plugin

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/atsh/internal/value"
)

// Kind distinguishes probes from codecs.
type Kind string

const (
	KindProbe Kind = "probe"
	KindCodec Kind = "codec"
)

// Config is the free-form configuration block of a manifest.
type Config map[string]any

// String returns a string setting or def.
func (c Config) String(key, def string) string {
	if s, ok := c[key].(string); ok {
		return s
	}
	return def
}

// Int returns an integer setting or def. YAML decodes integers as int.
func (c Config) Int(key string, def int) int {
	switch n := c[key].(type) {
	case int:
		return n
	case int64:
		return int(n)
	case uint64:
		return int(n)
	case float64:
		return int(n)
	}
	return def
}

// Strings returns a list-of-strings setting.
func (c Config) Strings(key string) []string {
	raw, ok := c[key].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// Plugin is the capability contract every plugin implements.
type Plugin interface {
	Name() string
	Initialize(cfg Config) error
	Finalize() error
}

// Probe simulates one side of a protocol exchange. Receive never blocks past
// timeout; it returns ErrTimeout when nothing arrived.
type Probe interface {
	Plugin
	Send(ctx context.Context, msg []byte) error
	Receive(ctx context.Context, timeout time.Duration) ([]byte, error)
}

// Codec encodes and decodes protocol messages.
type Codec interface {
	Plugin
	Encode(v value.Value) ([]byte, error)
	Decode(data []byte) (value.Value, error)
}

// ErrTimeout is returned by Probe.Receive when the timeout elapses.
var ErrTimeout = errors.New("receive timed out")

// NotLoadedError is returned when binding a plugin that has no loaded record.
type NotLoadedError struct {
	Kind   Kind
	Name   string
	Reason error
}

func (e *NotLoadedError) Error() string {
	if e.Reason != nil {
		return fmt.Sprintf("%s %q is not loaded: %v", e.Kind, e.Name, e.Reason)
	}
	return fmt.Sprintf("%s %q is not loaded: no such plugin", e.Kind, e.Name)
}

func (e *NotLoadedError) Unwrap() error {
	return e.Reason
}
