package engine

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/roach88/atsh/internal/control"
	"github.com/roach88/atsh/internal/event"
	"github.com/roach88/atsh/internal/lifecycle"
	"github.com/roach88/atsh/internal/logsink"
	"github.com/roach88/atsh/internal/plugin"
	"github.com/roach88/atsh/internal/plugins/jsoncodec"
	"github.com/roach88/atsh/internal/plugins/loopback"
	"github.com/roach88/atsh/internal/schema"
	"github.com/roach88/atsh/internal/testutil"
)

// recordingSink keeps every event in memory.
type recordingSink struct {
	mu     sync.Mutex
	events []event.Event
}

func (s *recordingSink) Write(e event.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
	return nil
}

func (s *recordingSink) Close() error { return nil }

func (s *recordingSink) byKind(kind string) []event.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []event.Event
	for _, e := range s.events {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

func (s *recordingSink) kinds() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.events))
	for i, e := range s.events {
		out[i] = e.Kind
	}
	return out
}

// countingProbe counts calls so tests can prove a probe was never touched.
type countingProbe struct {
	name     string
	sends    atomic.Int64
	receives atomic.Int64
}

func (p *countingProbe) Name() string                   { return p.name }
func (p *countingProbe) Initialize(plugin.Config) error { return nil }
func (p *countingProbe) Finalize() error                { return nil }

func (p *countingProbe) Send(context.Context, []byte) error {
	p.sends.Add(1)
	return nil
}

func (p *countingProbe) Receive(context.Context, time.Duration) ([]byte, error) {
	p.receives.Add(1)
	return []byte("pong"), nil
}

// fixture is one controller with its collaborators.
type fixture struct {
	t        *testing.T
	sink     *recordingSink
	signals  *control.Signals
	opts     Options
	counting *countingProbe
	dir      string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		t:        t,
		sink:     &recordingSink{},
		signals:  control.New(),
		counting: &countingProbe{name: "counter"},
		dir:      t.TempDir(),
	}

	catalog := plugin.NewCatalog()
	catalog.MustRegister(plugin.KindProbe, loopback.Implementation, loopback.New)
	catalog.MustRegister(plugin.KindCodec, jsoncodec.Implementation, jsoncodec.New)
	catalog.MustRegister(plugin.KindProbe, "counting", func(string) (plugin.Plugin, error) {
		return f.counting, nil
	})

	probes := filepath.Join(f.dir, "probes")
	codecs := filepath.Join(f.dir, "codecs")
	f.write(filepath.Join(probes, "sut.yaml"), "kind: probe\nimplementation: loopback\n")
	f.write(filepath.Join(probes, "counter.yaml"), "kind: probe\nimplementation: counting\n")
	f.write(filepath.Join(codecs, "json.yaml"), "kind: codec\nimplementation: json\n")

	f.opts = Options{
		Pipeline:      logsink.New(f.sink, logsink.Options{RunID: "run-1", Now: testutil.NewDeterministicClock().Now}),
		Signals:       f.signals,
		Finalizer:     lifecycle.New(nil),
		Catalog:       catalog,
		ProbePaths:    []string{probes},
		CodecPaths:    []string{codecs},
		Schema:        schema.MustNew(schema.ParameterSpec{Name: "PX_PORT", Type: schema.TypeInteger, DefaultValue: "2905"}),
		OutputSession: filepath.Join(f.dir, "out.json"),
		DialTimeout:   500 * time.Millisecond,
		IDs:           event.UUIDv7Generator{},
	}
	return f
}

func (f *fixture) write(path, content string) {
	f.t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		f.t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		f.t.Fatal(err)
	}
}

func (f *fixture) run(script Script) (Outcome, *Controller) {
	f.t.Helper()
	c := New(f.opts)
	return c.Run(context.Background(), script), c
}
