package plugin

import (
	"fmt"
	"sort"
	"sync"
)

// Factory creates a fresh plugin instance named name.
type Factory func(name string) (Plugin, error)

type catalogKey struct {
	kind Kind
	impl string
}

// Catalog maps (kind, implementation) to factories.
// Safe for concurrent use.
type Catalog struct {
	mu        sync.RWMutex
	factories map[catalogKey]Factory
}

// NewCatalog creates an empty catalog.
func NewCatalog() *Catalog {
	return &Catalog{factories: make(map[catalogKey]Factory)}
}

// Register adds a factory. Registering the same implementation twice is an error.
func (c *Catalog) Register(kind Kind, impl string, f Factory) error {
	if impl == "" {
		return fmt.Errorf("register %s: implementation name is required", kind)
	}
	if f == nil {
		return fmt.Errorf("register %s %q: factory is nil", kind, impl)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	key := catalogKey{kind: kind, impl: impl}
	if _, exists := c.factories[key]; exists {
		return fmt.Errorf("register %s %q: already registered", kind, impl)
	}
	c.factories[key] = f
	return nil
}

// MustRegister is Register for init-time wiring; it panics on error.
func (c *Catalog) MustRegister(kind Kind, impl string, f Factory) {
	if err := c.Register(kind, impl, f); err != nil {
		panic(err)
	}
}

// Lookup returns the factory for (kind, impl).
func (c *Catalog) Lookup(kind Kind, impl string) (Factory, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	f, ok := c.factories[catalogKey{kind: kind, impl: impl}]
	return f, ok
}

// Implementations lists the registered implementation names of a kind, sorted.
func (c *Catalog) Implementations(kind Kind) []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var out []string
	for key := range c.factories {
		if key.kind == kind {
			out = append(out, key.impl)
		}
	}
	sort.Strings(out)
	return out
}
