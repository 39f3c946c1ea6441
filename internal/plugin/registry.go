package plugin

import (
	"errors"
	"fmt"
)

// Record is the outcome of loading one candidate. Records are never removed.
type Record struct {
	Name           string
	Kind           Kind
	Implementation string
	SourcePath     string
	Loaded         bool
	Err            error
}

// Registry holds every discovered record and the loaded instances.
// It is written during discovery only and read-only afterwards.
type Registry struct {
	records []Record
	probes  map[string]Probe
	codecs  map[string]Codec
	order   []Plugin
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		probes: make(map[string]Probe),
		codecs: make(map[string]Codec),
	}
}

func (r *Registry) addFailed(rec Record) {
	rec.Loaded = false
	r.records = append(r.records, rec)
}

func (r *Registry) addLoaded(rec Record, p Plugin) {
	rec.Loaded = true
	rec.Err = nil
	r.records = append(r.records, rec)
	r.order = append(r.order, p)
	if pr, ok := p.(Probe); ok && rec.Kind == KindProbe {
		r.probes[rec.Name] = pr
	}
	if c, ok := p.(Codec); ok && rec.Kind == KindCodec {
		r.codecs[rec.Name] = c
	}
}

func (r *Registry) loaded(kind Kind, name string) bool {
	switch kind {
	case KindProbe:
		_, ok := r.probes[name]
		return ok
	case KindCodec:
		_, ok := r.codecs[name]
		return ok
	}
	return false
}

// Records returns every record in discovery order.
func (r *Registry) Records() []Record {
	return append([]Record(nil), r.records...)
}

// Loaded returns the records of a kind with Loaded set.
func (r *Registry) Loaded(kind Kind) []Record {
	var out []Record
	for _, rec := range r.records {
		if rec.Kind == kind && rec.Loaded {
			out = append(out, rec)
		}
	}
	return out
}

// Probe returns the loaded probe called name.
func (r *Registry) Probe(name string) (Probe, error) {
	if p, ok := r.probes[name]; ok {
		return p, nil
	}
	return nil, r.notLoaded(KindProbe, name)
}

// Codec returns the loaded codec called name.
func (r *Registry) Codec(name string) (Codec, error) {
	if c, ok := r.codecs[name]; ok {
		return c, nil
	}
	return nil, r.notLoaded(KindCodec, name)
}

// notLoaded reports the last failure recorded under name, if any.
func (r *Registry) notLoaded(kind Kind, name string) error {
	for i := len(r.records) - 1; i >= 0; i-- {
		rec := r.records[i]
		if rec.Kind == kind && rec.Name == name && rec.Err != nil {
			return &NotLoadedError{Kind: kind, Name: name, Reason: rec.Err}
		}
	}
	return &NotLoadedError{Kind: kind, Name: name}
}

// FinalizeAll finalizes loaded plugins in reverse load order. Every plugin
// is finalized even when an earlier one fails; errors are joined.
func (r *Registry) FinalizeAll() error {
	var errs []error
	for i := len(r.order) - 1; i >= 0; i-- {
		p := r.order[i]
		if err := safeCall(p.Finalize); err != nil {
			errs = append(errs, fmt.Errorf("finalize %s: %w", p.Name(), err))
		}
	}
	r.order = nil
	return errors.Join(errs...)
}

// safeCall turns a panic in plugin code into an error.
func safeCall(fn func() error) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic: %v", rec)
		}
	}()
	return fn()
}
