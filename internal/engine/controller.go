package engine

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"runtime/debug"
	"strconv"
	"sync"
	"time"

	"github.com/roach88/atsh/internal/control"
	"github.com/roach88/atsh/internal/event"
	"github.com/roach88/atsh/internal/lifecycle"
	"github.com/roach88/atsh/internal/logsink"
	"github.com/roach88/atsh/internal/mode"
	"github.com/roach88/atsh/internal/plugin"
	"github.com/roach88/atsh/internal/proc"
	"github.com/roach88/atsh/internal/schema"
	"github.com/roach88/atsh/internal/session"
	"github.com/roach88/atsh/internal/tacs"
	"github.com/roach88/atsh/internal/value"
)

// Script is the body of an ATS. It runs once, on the goroutine that called
// Controller.Run.
type Script func(rt *Runtime) error

// DefaultDialTimeout bounds the TACS connection when Options leaves it unset.
const DefaultDialTimeout = 5 * time.Second

// Options wire a Controller to the rest of the run.
type Options struct {
	Pipeline  *logsink.Pipeline
	Logger    *slog.Logger
	Signals   *control.Signals
	Finalizer *lifecycle.Finalizer
	Tracker   *proc.Tracker

	Catalog    *plugin.Catalog
	ProbePaths []string
	CodecPaths []string

	Schema        *schema.Schema
	InputSession  string
	OutputSession string

	// TACS is nil when remote probes are disabled.
	TACS        *mode.Address
	DialTimeout time.Duration
	IDs         event.IDGenerator

	Groups []string

	// StopOnTestcaseFailure ends the run after the first testcase that does
	// not pass. Scripts may change it with Runtime.StopOnTestcaseFailure.
	StopOnTestcaseFailure bool
}

// Controller runs one script under the error boundary.
//
// Thread-safety: Run must be called once, from one goroutine. State may be
// called from any goroutine.
type Controller struct {
	opts   Options
	logger *slog.Logger

	mu    sync.Mutex
	state State

	registry *plugin.Registry
	client   *tacs.Client
	session  *session.State
	results  []TestcaseResult
}

// New creates a Controller. Pipeline, Signals and Finalizer are required.
func New(opts Options) *Controller {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.Catalog == nil {
		opts.Catalog = plugin.NewCatalog()
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = DefaultDialTimeout
	}
	return &Controller{opts: opts, logger: logger}
}

// State returns the current state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Controller) enter(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
	c.logger.Debug("controller state", "state", s.String())
}

// Registry returns the plugin registry built during Init.
func (c *Controller) Registry() *plugin.Registry {
	return c.registry
}

// Results returns the testcase verdicts of the finished run.
func (c *Controller) Results() []TestcaseResult {
	return append([]TestcaseResult(nil), c.results...)
}

// Session returns the session resolved during Init.
func (c *Controller) Session() *session.State {
	return c.session
}

// Run takes the run from Init to Terminal and returns its Outcome.
// Exactly one Outcome is produced; teardown failures are logged and never
// change it.
func (c *Controller) Run(ctx context.Context, script Script) Outcome {
	c.enter(StateInit)
	outcome, rt := c.init(ctx)

	if rt != nil {
		c.enter(StateRunning)
		c.logParameters()
		err := c.runScript(rt, script)
		if err == nil && rt.cancelSeen {
			err = &CancelledError{Where: rt.cancelWhere}
		}
		outcome = Classify(err)
		c.report(err, outcome)
		c.results = rt.Results()
	}

	c.enter(StateFinalizing)
	if err := c.opts.Finalizer.Run(); err != nil {
		c.logger.Warn("teardown finished with errors", "error", err)
	}

	c.enter(StateTerminal)
	return outcome
}

// init brings up the plugins, TACS and the session. Teardown for each is
// registered as soon as it exists.
func (c *Controller) init(ctx context.Context) (Outcome, *Runtime) {
	fail := func(stage string, err error) (Outcome, *Runtime) {
		ie := &InitError{Stage: stage, Err: err}
		c.opts.Pipeline.Emit(event.ClassSystem, event.KindError, ie.Error(), map[string]string{"stage": stage}, trace(ie))
		return Classify(ie), nil
	}

	if tracker := c.opts.Tracker; tracker != nil {
		c.opts.Finalizer.PushLast("reap child processes", func() error {
			if n := tracker.Running(); n > 0 {
				c.logger.Info("reaping child processes", "running", n)
			}
			return tracker.Reap()
		})
	}

	c.registry = plugin.NewRegistry()
	c.opts.Finalizer.Push("finalize plugins", c.registry.FinalizeAll)
	loader := plugin.NewLoader(c.opts.Catalog, c.registry, c.logger)
	loader.Discover(c.opts.ProbePaths, plugin.KindProbe)
	loader.Discover(c.opts.CodecPaths, plugin.KindCodec)
	for _, rec := range c.registry.Records() {
		c.reportPlugin(rec)
	}

	if c.opts.TACS != nil {
		client, err := tacs.Dial(ctx, c.opts.TACS.String(), c.opts.DialTimeout, c.opts.IDs)
		if err != nil {
			return fail("tacs", err)
		}
		c.client = client
		c.opts.Finalizer.Push("disconnect tacs", client.Close)
	}

	raw, found, err := session.Load(c.opts.InputSession)
	if err != nil {
		return fail("session", err)
	}
	if !found && c.opts.InputSession != "" {
		c.logger.Warn("input session not found, starting empty", "path", c.opts.InputSession)
	}
	st, err := session.Resolve(raw, c.opts.Schema)
	if err != nil {
		return fail("session", err)
	}
	c.session = st
	output := c.opts.OutputSession
	c.opts.Finalizer.Push("persist session", func() error {
		return session.Persist(st, output)
	})

	return Outcome{}, newRuntime(ctx, c)
}

// logParameters logs the resolved value of every declared parameter.
func (c *Controller) logParameters() {
	for _, p := range c.session.Describe() {
		c.logger.Debug("parameter",
			"name", p.Spec.Name, "type", string(p.Spec.Type), "value", value.Text(p.Value))
	}
}

func (c *Controller) reportPlugin(rec plugin.Record) {
	attrs := map[string]string{
		"name":           rec.Name,
		"kind":           string(rec.Kind),
		"implementation": rec.Implementation,
		"source":         rec.SourcePath,
	}
	if rec.Loaded {
		c.opts.Pipeline.Emit(event.ClassInternal, event.KindPluginLoaded, "plugin loaded", attrs, "")
		return
	}
	attrs["error"] = rec.Err.Error()
	c.opts.Pipeline.Emit(event.ClassSystem, event.KindPluginFailed, "plugin failed to load", attrs, "")
}

// runScript calls the script and converts a panic into a *PanicError.
func (c *Controller) runScript(rt *Runtime, script Script) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r, Stack: debug.Stack()}
		}
	}()
	return script(rt)
}

// report logs the failure behind a non-success outcome.
func (c *Controller) report(err error, o Outcome) {
	if err == nil {
		return
	}
	attrs := map[string]string{"code": strconv.Itoa(o.Code)}

	switch o.Code {
	case CodeCancelled:
		if IsCancelled(err) {
			c.opts.Pipeline.Emit(event.ClassUser, event.KindCancelled, o.Message, attrs, "")
			return
		}
	case CodeTestError:
		if te, ok := asTestError(err); ok {
			for k, v := range te.Details {
				attrs[k] = v
			}
			attrs["kind"] = te.Kind
			c.opts.Pipeline.Emit(event.ClassSystem, event.KindTestError, o.Message, attrs, te.payload(err))
			return
		}
	}

	if _, ok := asStop(err); ok {
		c.opts.Pipeline.Emit(event.ClassUser, event.KindStopRequested, o.Message, attrs, "")
		return
	}
	c.opts.Pipeline.Emit(event.ClassSystem, event.KindError, fmt.Sprintf("unhandled error: %s", o.Message), attrs, trace(err))
}
