package plugin

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/atsh/internal/value"
)

// fakeProbe records lifecycle calls into a shared journal.
type fakeProbe struct {
	name    string
	journal *[]string
	cfg     Config
	finErr  error
}

func (p *fakeProbe) Name() string { return p.name }

func (p *fakeProbe) Initialize(cfg Config) error {
	p.cfg = cfg
	if msg := cfg.String("fail", ""); msg != "" {
		return errors.New(msg)
	}
	if cfg.String("panic", "") != "" {
		panic("probe exploded")
	}
	*p.journal = append(*p.journal, "init:"+p.name)
	return nil
}

func (p *fakeProbe) Finalize() error {
	*p.journal = append(*p.journal, "fin:"+p.name)
	return p.finErr
}

func (p *fakeProbe) Send(context.Context, []byte) error { return nil }

func (p *fakeProbe) Receive(context.Context, time.Duration) ([]byte, error) {
	return nil, ErrTimeout
}

// fakeCodec is a plugin that is only a codec.
type fakeCodec struct{ name string }

func (c *fakeCodec) Name() string                            { return c.name }
func (c *fakeCodec) Initialize(Config) error                 { return nil }
func (c *fakeCodec) Finalize() error                         { return nil }
func (c *fakeCodec) Encode(v value.Value) ([]byte, error)    { return []byte(value.Text(v)), nil }
func (c *fakeCodec) Decode(data []byte) (value.Value, error) { return value.String(data), nil }

func testCatalog(journal *[]string) *Catalog {
	c := NewCatalog()
	c.MustRegister(KindProbe, "fake", func(name string) (Plugin, error) {
		return &fakeProbe{name: name, journal: journal}, nil
	})
	c.MustRegister(KindProbe, "codec-only", func(name string) (Plugin, error) {
		return &fakeCodec{name: name}, nil
	})
	c.MustRegister(KindCodec, "fake", func(name string) (Plugin, error) {
		return &fakeCodec{name: name}, nil
	})
	return c
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestDiscover_OneBrokenTwoGood(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "alpha", ManifestFile), "kind: probe\nimplementation: fake\n")
	writeFile(t, filepath.Join(dir, "beta.yaml"), "name: beta\nkind: probe\nimplementation: fake\nconfig:\n  port: 5060\n")
	writeFile(t, filepath.Join(dir, "broken.yml"), "kind: probe\nimplementation: missing\n")

	var journal []string
	reg := NewRegistry()
	records := NewLoader(testCatalog(&journal), reg, nil).Discover([]string{dir}, KindProbe)

	require.Len(t, records, 3)
	assert.Equal(t, "alpha", records[0].Name)
	assert.True(t, records[0].Loaded)
	assert.Equal(t, filepath.Join(dir, "alpha"), records[0].SourcePath)
	assert.Equal(t, "beta", records[1].Name)
	assert.True(t, records[1].Loaded)
	assert.Equal(t, "broken", records[2].Name)
	assert.False(t, records[2].Loaded)
	require.Error(t, records[2].Err)
	assert.Contains(t, records[2].Err.Error(), `unknown probe implementation "missing"`)

	assert.Len(t, reg.Loaded(KindProbe), 2)
	assert.Equal(t, records, reg.Records())

	beta, err := reg.Probe("beta")
	require.NoError(t, err)
	assert.Equal(t, 5060, beta.(*fakeProbe).cfg.Int("port", 0))

	assert.Equal(t, []string{"init:alpha", "init:beta"}, journal)
}

func TestDiscover_SkipsHiddenAndPrivate(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, ".hidden.yaml"), "kind: probe\nimplementation: fake\n")
	writeFile(t, filepath.Join(dir, "_private", ManifestFile), "kind: probe\nimplementation: fake\n")
	writeFile(t, filepath.Join(dir, "README.md"), "not a plugin")
	writeFile(t, filepath.Join(dir, "ok.yaml"), "kind: probe\nimplementation: fake\n")

	var journal []string
	records := NewLoader(testCatalog(&journal), NewRegistry(), nil).Discover([]string{dir}, KindProbe)

	require.Len(t, records, 1)
	assert.Equal(t, "ok", records[0].Name)
}

func TestDiscover_UnreachablePathIsNotFatal(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "ok.yaml"), "kind: probe\nimplementation: fake\n")

	var journal []string
	records := NewLoader(testCatalog(&journal), NewRegistry(), nil).
		Discover([]string{filepath.Join(dir, "nope"), dir}, KindProbe)

	require.Len(t, records, 1)
	assert.True(t, records[0].Loaded)
}

func TestDiscover_FailureModes(t *testing.T) {
	tests := []struct {
		name     string
		manifest string
		want     string
	}{
		{"initialize error", "kind: probe\nimplementation: fake\nconfig:\n  fail: no socket\n", "no socket"},
		{"initialize panic", "kind: probe\nimplementation: fake\nconfig:\n  panic: yes\n", "panic: probe exploded"},
		{"wrong kind", "kind: codec\nimplementation: fake\n", `declares kind "codec"`},
		{"not a probe", "kind: probe\nimplementation: codec-only\n", "does not provide a probe"},
		{"schema violation", "kind: probe\n", "implementation"},
		{"unknown field", "kind: probe\nimplementation: fake\nportt: 1\n", "portt"},
		{"bad yaml", "kind: [probe\n", "failed to parse YAML"},
		{"empty", "", "manifest is empty"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			writeFile(t, filepath.Join(dir, "p.yaml"), tt.manifest)

			var journal []string
			reg := NewRegistry()
			records := NewLoader(testCatalog(&journal), reg, nil).Discover([]string{dir}, KindProbe)

			require.Len(t, records, 1)
			assert.False(t, records[0].Loaded)
			require.Error(t, records[0].Err)
			assert.Contains(t, records[0].Err.Error(), tt.want)
			assert.Empty(t, reg.Loaded(KindProbe))
		})
	}
}

func TestDiscover_DirectoryWithoutManifest(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "empty"), 0o755))

	var journal []string
	records := NewLoader(testCatalog(&journal), NewRegistry(), nil).Discover([]string{dir}, KindProbe)

	require.Len(t, records, 1)
	assert.False(t, records[0].Loaded)
	assert.Contains(t, records[0].Err.Error(), "read manifest")
}

func TestDiscover_DuplicateName(t *testing.T) {
	first, second := t.TempDir(), t.TempDir()
	writeFile(t, filepath.Join(first, "sut.yaml"), "kind: probe\nimplementation: fake\n")
	writeFile(t, filepath.Join(second, "sut.yaml"), "kind: probe\nimplementation: fake\n")

	var journal []string
	reg := NewRegistry()
	records := NewLoader(testCatalog(&journal), reg, nil).Discover([]string{first, second}, KindProbe)

	require.Len(t, records, 2)
	assert.True(t, records[0].Loaded)
	assert.False(t, records[1].Loaded)
	assert.Contains(t, records[1].Err.Error(), "duplicate")

	// The first instance stays bound.
	_, err := reg.Probe("sut")
	require.NoError(t, err)
}

func TestRegistry_NotLoadedError(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "sut.yaml"), "kind: probe\nimplementation: fake\nconfig:\n  fail: port busy\n")

	var journal []string
	reg := NewRegistry()
	NewLoader(testCatalog(&journal), reg, nil).Discover([]string{dir}, KindProbe)

	_, err := reg.Probe("sut")
	var nle *NotLoadedError
	require.True(t, errors.As(err, &nle))
	assert.Equal(t, KindProbe, nle.Kind)
	assert.Contains(t, err.Error(), "port busy")

	_, err = reg.Codec("ber")
	require.True(t, errors.As(err, &nle))
	assert.Contains(t, err.Error(), "no such plugin")
}

func TestRegistry_Codecs(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "text.yaml"), "kind: codec\nimplementation: fake\n")

	var journal []string
	reg := NewRegistry()
	NewLoader(testCatalog(&journal), reg, nil).Discover([]string{dir}, KindCodec)

	c, err := reg.Codec("text")
	require.NoError(t, err)
	data, err := c.Encode(value.Int(5))
	require.NoError(t, err)
	assert.Equal(t, "5", string(data))

	_, err = reg.Probe("text")
	require.Error(t, err)
}

func TestRegistry_FinalizeAllReverseOrder(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "a.yaml"), "kind: probe\nimplementation: fake\n")
	writeFile(t, filepath.Join(dir, "b.yaml"), "kind: probe\nimplementation: fake\n")

	var journal []string
	reg := NewRegistry()
	NewLoader(testCatalog(&journal), reg, nil).Discover([]string{dir}, KindProbe)

	a, err := reg.Probe("a")
	require.NoError(t, err)
	a.(*fakeProbe).finErr = errors.New("socket stuck")

	err = reg.FinalizeAll()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "finalize a: socket stuck")
	assert.Equal(t, []string{"init:a", "init:b", "fin:b", "fin:a"}, journal)

	// Second call is a no-op.
	require.NoError(t, reg.FinalizeAll())
}

func TestDiscover_InitializeFailureFinalizes(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "busy.yaml"), "kind: probe\nimplementation: fake\nconfig:\n  fail: port busy\n")
	writeFile(t, filepath.Join(dir, "boom.yaml"), "kind: probe\nimplementation: fake\nconfig:\n  panic: \"yes\"\n")

	var journal []string
	reg := NewRegistry()
	recs := NewLoader(testCatalog(&journal), reg, nil).Discover([]string{dir}, KindProbe)

	require.Len(t, recs, 2)
	for _, rec := range recs {
		assert.False(t, rec.Loaded)
	}
	assert.ElementsMatch(t, []string{"fin:busy", "fin:boom"}, journal)

	// Failed instances are not finalized a second time.
	require.NoError(t, reg.FinalizeAll())
	assert.Len(t, journal, 2)
}

func TestCatalog_RegisterTwice(t *testing.T) {
	c := NewCatalog()
	f := func(name string) (Plugin, error) { return &fakeCodec{name: name}, nil }
	require.NoError(t, c.Register(KindCodec, "x", f))
	require.Error(t, c.Register(KindCodec, "x", f))
	require.NoError(t, c.Register(KindProbe, "x", f))
	require.Error(t, c.Register(KindProbe, "", f))

	assert.Equal(t, []string{"x"}, c.Implementations(KindCodec))
}

func TestConfigAccessors(t *testing.T) {
	cfg := Config{"host": "sut", "port": 5060, "tags": []any{"a", 1, "b"}}
	assert.Equal(t, "sut", cfg.String("host", ""))
	assert.Equal(t, "def", cfg.String("missing", "def"))
	assert.Equal(t, 5060, cfg.Int("port", 0))
	assert.Equal(t, 9, cfg.Int("host", 9))
	assert.Equal(t, []string{"a", "b"}, cfg.Strings("tags"))
}
