package session

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/fxamacker/cbor/v2"

	"github.com/roach88/atsh/internal/value"
)

// Format is the encoding of a session file.
type Format int

const (
	FormatJSON Format = iota
	FormatCBOR
)

// FormatFor picks the encoding from the file extension: .cbor selects CBOR,
// anything else canonical JSON.
func FormatFor(path string) Format {
	if strings.EqualFold(filepath.Ext(path), ".cbor") {
		return FormatCBOR
	}
	return FormatJSON
}

// LoadError reports an input session that exists but cannot be read.
type LoadError struct {
	Path string
	Err  error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("load session %s: %v", e.Path, e.Err)
}

func (e *LoadError) Unwrap() error {
	return e.Err
}

// Load reads an input session. An empty path or a missing file yields an
// empty map with found=false; anything else that goes wrong is a *LoadError.
func Load(path string) (raw value.Map, found bool, err error) {
	if path == "" {
		return value.Map{}, false, nil
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return value.Map{}, false, nil
	}
	if err != nil {
		return nil, false, &LoadError{Path: path, Err: err}
	}

	raw, err = Decode(data, FormatFor(path))
	if err != nil {
		return nil, false, &LoadError{Path: path, Err: err}
	}
	return raw, true, nil
}

// Decode parses a session document. The top level must be a map.
func Decode(data []byte, f Format) (value.Map, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return value.Map{}, nil
	}

	var v value.Value
	switch f {
	case FormatCBOR:
		var native any
		if err := cbor.Unmarshal(data, &native); err != nil {
			return nil, err
		}
		var err error
		if v, err = value.FromNative(native); err != nil {
			return nil, err
		}
	default:
		var err error
		if v, err = value.UnmarshalCanonical(data); err != nil {
			return nil, err
		}
	}

	m, ok := v.(value.Map)
	if !ok {
		return nil, fmt.Errorf("session document must be a map, got %s", value.Kind(v))
	}
	return m, nil
}

// Encode serializes a whole session.
func Encode(vars value.Map, f Format) ([]byte, error) {
	if f == FormatCBOR {
		em, err := cbor.CanonicalEncOptions().EncMode()
		if err != nil {
			return nil, err
		}
		return em.Marshal(value.ToNative(vars))
	}

	data, err := value.MarshalCanonical(vars)
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

// Persist writes the whole State to path, replacing it atomically.
// An empty path persists nothing.
func Persist(st *State, path string) error {
	if path == "" {
		return nil
	}

	data, err := Encode(st.vars, FormatFor(path))
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("persist session %s: %w", path, err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if err := tmp.Chmod(0o644); err != nil {
		tmp.Close()
		return fmt.Errorf("persist session %s: %w", path, err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("persist session %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("persist session %s: %w", path, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("persist session %s: %w", path, err)
	}
	return nil
}
