// Package compiler turns the generation-time CUE manifest of a harness into
// a Manifest: the ATS identity, the baked runtime constants and the
// parameter schema.
//
// A manifest looks like:
//
//	ats: {
//		name:        "sip_register"
//		version:     "1.0.0"
//		description: "REGISTER flow against the SUT"
//	}
//	harness: {
//		probe_paths:          ["/opt/atsh/probes"]
//		codec_paths:          ["/opt/atsh/codecs"]
//		max_log_payload_size: 65535
//		tacs_port:            8087
//		il_port:              8085
//	}
//	parameter: PX_PORT: {
//		type:        "integer"
//		default:     "2905"
//		description: "SUT port"
//	}
package compiler

import (
	"fmt"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/token"

	"github.com/roach88/atsh/internal/schema"
)

// Defaults applied when the manifest leaves a constant out.
const (
	DefaultMaxLogPayloadSize = 65535
	DefaultTACSPort          = 8087
	DefaultILPort            = 8085
)

// Manifest is the compiled form of a harness manifest.
type Manifest struct {
	Name              string
	Version           string
	Description       string
	ProbePaths        []string
	CodecPaths        []string
	MaxLogPayloadSize int
	TACSPort          int
	ILPort            int
	Schema            *schema.Schema
}

type harnessBlock struct {
	ProbePaths        []string `json:"probe_paths"`
	CodecPaths        []string `json:"codec_paths"`
	MaxLogPayloadSize int      `json:"max_log_payload_size"`
	TACSPort          int      `json:"tacs_port"`
	ILPort            int      `json:"il_port"`
}

// CompileManifest parses and validates a CUE manifest.
// filename is only used for error positions.
func CompileManifest(data []byte, filename string) (*Manifest, error) {
	ctx := cuecontext.New()
	v := ctx.CompileBytes(data, cue.Filename(filename))
	if err := v.Err(); err != nil {
		return nil, formatCUEError(err)
	}

	m := &Manifest{
		MaxLogPayloadSize: DefaultMaxLogPayloadSize,
		TACSPort:          DefaultTACSPort,
		ILPort:            DefaultILPort,
	}

	// ats identity (name required)
	atsVal := v.LookupPath(cue.ParsePath("ats"))
	if !atsVal.Exists() {
		return nil, &CompileError{Field: "ats", Message: "ats block is required", Pos: v.Pos()}
	}
	name, err := requiredString(atsVal, "name")
	if err != nil {
		return nil, err
	}
	m.Name = name
	if m.Version, err = optionalString(atsVal, "version"); err != nil {
		return nil, err
	}
	if m.Description, err = optionalString(atsVal, "description"); err != nil {
		return nil, err
	}

	// harness constants (optional)
	harnessVal := v.LookupPath(cue.ParsePath("harness"))
	if harnessVal.Exists() {
		var hb harnessBlock
		if err := harnessVal.Decode(&hb); err != nil {
			return nil, formatCUEError(err)
		}
		m.ProbePaths = hb.ProbePaths
		m.CodecPaths = hb.CodecPaths
		if hb.MaxLogPayloadSize > 0 {
			m.MaxLogPayloadSize = hb.MaxLogPayloadSize
		}
		if hb.TACSPort > 0 {
			m.TACSPort = hb.TACSPort
		}
		if hb.ILPort > 0 {
			m.ILPort = hb.ILPort
		}
	}

	specs, err := parseParameters(v)
	if err != nil {
		return nil, err
	}
	s, err := schema.New(specs...)
	if err != nil {
		return nil, &CompileError{Field: "parameter", Message: err.Error(), Pos: v.Pos()}
	}
	m.Schema = s

	return m, nil
}

// parseParameters reads the parameter block in declaration order.
func parseParameters(v cue.Value) ([]schema.ParameterSpec, error) {
	paramsVal := v.LookupPath(cue.ParsePath("parameter"))
	if !paramsVal.Exists() {
		return nil, nil
	}

	iter, err := paramsVal.Fields()
	if err != nil {
		return nil, formatCUEError(err)
	}

	var specs []schema.ParameterSpec
	for iter.Next() {
		spec, err := parseParameter(iter.Label(), iter.Value())
		if err != nil {
			return nil, err
		}
		specs = append(specs, spec)
	}
	return specs, nil
}

func parseParameter(name string, v cue.Value) (schema.ParameterSpec, error) {
	spec := schema.ParameterSpec{Name: name, Type: schema.TypeString, DefaultValue: ""}

	typeName, err := optionalString(v, "type")
	if err != nil {
		return spec, err
	}
	if typeName != "" {
		t, err := schema.ParseType(typeName)
		if err != nil {
			return spec, &CompileError{Field: "parameter." + name + ".type", Message: err.Error(), Pos: v.Pos()}
		}
		spec.Type = t
	}

	if spec.Description, err = optionalString(v, "description"); err != nil {
		return spec, err
	}

	defVal := v.LookupPath(cue.ParsePath("default"))
	if defVal.Exists() {
		raw, err := rawScalar(defVal)
		if err != nil {
			return spec, &CompileError{Field: "parameter." + name + ".default", Message: err.Error(), Pos: defVal.Pos()}
		}
		spec.DefaultValue = raw
	}

	// The default must coerce: a broken schema is a generator bug and is
	// reported here rather than at every run.
	if _, err := schema.Coerce(name, spec.DefaultValue, spec.Type); err != nil {
		return spec, &CompileError{Field: "parameter." + name + ".default", Message: err.Error(), Pos: v.Pos()}
	}

	return spec, nil
}

// rawScalar extracts a default value as written: string, int, float or bool.
func rawScalar(v cue.Value) (any, error) {
	switch v.Kind() {
	case cue.StringKind:
		return v.String()
	case cue.IntKind:
		return v.Int64()
	case cue.FloatKind:
		return v.Float64()
	case cue.BoolKind:
		return v.Bool()
	default:
		return nil, fmt.Errorf("default must be a string, number or bool, got %v", v.Kind())
	}
}

func requiredString(v cue.Value, field string) (string, error) {
	fv := v.LookupPath(cue.ParsePath(field))
	if !fv.Exists() {
		return "", &CompileError{Field: field, Message: field + " is required", Pos: v.Pos()}
	}
	s, err := fv.String()
	if err != nil {
		return "", formatCUEError(err)
	}
	if s == "" {
		return "", &CompileError{Field: field, Message: field + " must not be empty", Pos: fv.Pos()}
	}
	return s, nil
}

func optionalString(v cue.Value, field string) (string, error) {
	fv := v.LookupPath(cue.ParsePath(field))
	if !fv.Exists() {
		return "", nil
	}
	s, err := fv.String()
	if err != nil {
		return "", formatCUEError(err)
	}
	return s, nil
}

// CompileError is a manifest error with source position when available.
type CompileError struct {
	Field   string
	Message string
	Pos     token.Pos
}

func (e *CompileError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s",
			e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(),
			e.Field, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// formatCUEError extracts position info from CUE errors.
func formatCUEError(err error) error {
	if err == nil {
		return nil
	}

	errs := errors.Errors(err)
	if len(errs) == 0 {
		return err
	}

	first := errs[0]
	positions := errors.Positions(first)
	if len(positions) > 0 {
		return &CompileError{
			Field:   "cue",
			Message: first.Error(),
			Pos:     positions[0],
		}
	}
	return err
}
