package plugin

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/xeipuuv/gojsonschema"
	"gopkg.in/yaml.v3"
)

//go:embed manifest.schema.json
var manifestSchemaJSON string

var manifestSchema = func() *gojsonschema.Schema {
	s, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(manifestSchemaJSON))
	if err != nil {
		panic(fmt.Sprintf("plugin manifest schema: %v", err))
	}
	return s
}()

// Manifest describes one plugin instance on disk.
//
//	name: sut
//	kind: probe
//	implementation: loopback
//	version: "1.0"
//	config:
//	  capacity: 16
type Manifest struct {
	Name           string `yaml:"name"`
	Kind           Kind   `yaml:"kind"`
	Implementation string `yaml:"implementation"`
	Version        string `yaml:"version"`
	Description    string `yaml:"description"`
	Config         Config `yaml:"config"`
}

// ManifestError lists schema violations of a manifest.
type ManifestError struct {
	Path     string
	Problems []string
}

func (e *ManifestError) Error() string {
	return fmt.Sprintf("invalid manifest %s: %s", e.Path, strings.Join(e.Problems, "; "))
}

// ParseManifest validates data against the manifest schema, then decodes it
// strictly. path is only used in error messages.
func ParseManifest(data []byte, path string) (*Manifest, error) {
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse YAML %s: %w", path, err)
	}
	if doc == nil {
		return nil, &ManifestError{Path: path, Problems: []string{"manifest is empty"}}
	}

	result, err := manifestSchema.Validate(gojsonschema.NewGoLoader(doc))
	if err != nil {
		return nil, fmt.Errorf("validate manifest %s: %w", path, err)
	}
	if !result.Valid() {
		problems := make([]string, 0, len(result.Errors()))
		for _, desc := range result.Errors() {
			problems = append(problems, desc.String())
		}
		return nil, &ManifestError{Path: path, Problems: problems}
	}

	var m Manifest
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&m); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse YAML %s: %w", path, err)
	}
	if m.Config == nil {
		m.Config = Config{}
	}
	return &m, nil
}
