package plugin

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// ManifestFile is the manifest name inside a directory plugin.
const ManifestFile = "plugin.yaml"

// Loader discovers plugins on search paths and instantiates them from a Catalog.
type Loader struct {
	catalog  *Catalog
	registry *Registry
	logger   *slog.Logger
}

// NewLoader creates a loader filling registry. A nil logger discards.
func NewLoader(catalog *Catalog, registry *Registry, logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Loader{catalog: catalog, registry: registry, logger: logger}
}

// Discover scans every search path for candidates of the given kind and
// returns one record per candidate, in scan order. Unreachable paths and
// broken candidates are logged and skipped; Discover never fails as a whole.
//
// Candidates are directories holding plugin.yaml, and single *.yaml or *.yml
// files. Entries whose name starts with "." or "_" are ignored.
func (l *Loader) Discover(paths []string, kind Kind) []Record {
	var out []Record
	for _, dir := range paths {
		entries, err := os.ReadDir(dir)
		if err != nil {
			l.logger.Warn("plugin search path unreachable", "kind", string(kind), "path", dir, "error", err)
			continue
		}

		for _, entry := range entries {
			name := entry.Name()
			if strings.HasPrefix(name, ".") || strings.HasPrefix(name, "_") {
				continue
			}

			full := filepath.Join(dir, name)
			var manifestPath, defaultName string
			switch {
			case entry.IsDir():
				manifestPath = filepath.Join(full, ManifestFile)
				defaultName = name
			case isManifestFile(name):
				manifestPath = full
				defaultName = strings.TrimSuffix(name, filepath.Ext(name))
			default:
				continue
			}

			out = append(out, l.load(full, manifestPath, defaultName, kind))
		}
	}
	return out
}

func isManifestFile(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	return ext == ".yaml" || ext == ".yml"
}

func (l *Loader) load(sourcePath, manifestPath, defaultName string, kind Kind) Record {
	rec := Record{Name: defaultName, Kind: kind, SourcePath: sourcePath}

	fail := func(err error) Record {
		rec.Err = err
		l.registry.addFailed(rec)
		l.logger.Warn("plugin failed to load",
			"kind", string(kind), "name", rec.Name, "path", manifestPath, "error", err)
		return rec
	}

	data, err := os.ReadFile(manifestPath)
	if err != nil {
		return fail(fmt.Errorf("read manifest: %w", err))
	}

	m, err := ParseManifest(data, manifestPath)
	if err != nil {
		return fail(err)
	}
	if m.Name != "" {
		rec.Name = m.Name
	}
	rec.Implementation = m.Implementation

	if m.Kind != kind {
		return fail(fmt.Errorf("manifest declares kind %q, expected %q", m.Kind, kind))
	}

	if l.registry.loaded(kind, rec.Name) {
		return fail(fmt.Errorf("duplicate %s name %q", kind, rec.Name))
	}

	factory, ok := l.catalog.Lookup(kind, m.Implementation)
	if !ok {
		return fail(fmt.Errorf("unknown %s implementation %q (available: %s)",
			kind, m.Implementation, strings.Join(l.catalog.Implementations(kind), ", ")))
	}

	var instance Plugin
	err = safeCall(func() error {
		p, err := factory(rec.Name)
		if err != nil {
			return err
		}
		instance = p
		return p.Initialize(m.Config)
	})
	if err != nil {
		// A half-initialized instance may already hold resources.
		if instance != nil {
			_ = safeCall(instance.Finalize)
		}
		return fail(fmt.Errorf("initialize: %w", err))
	}

	switch kind {
	case KindProbe:
		if _, ok := instance.(Probe); !ok {
			_ = safeCall(instance.Finalize)
			return fail(fmt.Errorf("implementation %q does not provide a probe", m.Implementation))
		}
	case KindCodec:
		if _, ok := instance.(Codec); !ok {
			_ = safeCall(instance.Finalize)
			return fail(fmt.Errorf("implementation %q does not provide a codec", m.Implementation))
		}
	}

	rec.Loaded = true
	l.registry.addLoaded(rec, instance)
	l.logger.Info("plugin loaded",
		"kind", string(kind), "name", rec.Name, "implementation", m.Implementation, "path", manifestPath)
	return rec
}
