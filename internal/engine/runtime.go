package engine

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/roach88/atsh/internal/control"
	"github.com/roach88/atsh/internal/event"
	"github.com/roach88/atsh/internal/plugin"
	"github.com/roach88/atsh/internal/session"
	"github.com/roach88/atsh/internal/tacs"
	"github.com/roach88/atsh/internal/value"
)

// ErrRemoteDisabled is returned by BindRemote when no TACS is configured.
var ErrRemoteDisabled = errors.New("remote probes are disabled: no TACS address provided")

// Runtime is the script's view of the run: session variables, plugins,
// probes and the control primitives.
//
// Thread-safety: Runtime belongs to the script goroutine.
type Runtime struct {
	ctx    context.Context
	c      *Controller
	groups map[string]bool
	remote map[string]*tacs.RemoteProbe

	cancelSeen  bool
	cancelWhere string

	stopOnFailure bool
	results       []TestcaseResult
}

func newRuntime(ctx context.Context, c *Controller) *Runtime {
	rt := &Runtime{
		ctx:           ctx,
		c:             c,
		remote:        make(map[string]*tacs.RemoteProbe),
		stopOnFailure: c.opts.StopOnTestcaseFailure,
	}
	for _, g := range c.opts.Groups {
		if g = strings.TrimSpace(g); g != "" {
			if rt.groups == nil {
				rt.groups = make(map[string]bool)
			}
			rt.groups[g] = true
		}
	}
	return rt
}

// Context returns the run context.
func (rt *Runtime) Context() context.Context {
	return rt.ctx
}

// Session returns the session. Assignments made through it are persisted.
func (rt *Runtime) Session() *session.State {
	return rt.c.session
}

// Param returns a variable of the session by name.
func (rt *Runtime) Param(name string) value.Value {
	v, _ := rt.c.session.Get(name)
	return v
}

// GroupSelected reports whether testcases of group should run. Without a
// group selection every group runs.
func (rt *Runtime) GroupSelected(group string) bool {
	return rt.groups == nil || rt.groups[group]
}

// Log emits a user event. kv are key/value pairs attached as attributes.
func (rt *Runtime) Log(message string, kv ...any) {
	rt.c.opts.Pipeline.User(message, pairs(kv))
}

func pairs(kv []any) map[string]string {
	if len(kv) == 0 {
		return nil
	}
	attrs := make(map[string]string, (len(kv)+1)/2)
	for i := 0; i < len(kv); i += 2 {
		key := fmt.Sprint(kv[i])
		if i+1 == len(kv) {
			attrs["!BADKEY"] = key
			break
		}
		attrs[key] = fmt.Sprint(kv[i+1])
	}
	return attrs
}

// Stop ends the run with code. The script returns the error as is:
//
//	return rt.Stop(7)
func (rt *Runtime) Stop(code int) error {
	return &StopError{Code: code}
}

// Fail reports a test-level violation. The script returns the error as is.
func (rt *Runtime) Fail(kind, message string, details map[string]string) error {
	return &TestError{Kind: kind, Message: message, Details: details}
}

// Mismatch reports an observed message that differs from the expected one.
// Both values go to the event payload; the attrs only name the probe.
func (rt *Runtime) Mismatch(probe string, expected, actual value.Value) error {
	return &TestError{
		Kind:     "mismatch",
		Message:  "unexpected message on " + probe,
		Details:  map[string]string{"probe": probe},
		Evidence: "expected: " + value.Text(expected) + "\nactual: " + value.Text(actual),
	}
}

// checkCancel is the suspension-point check shared by every wait primitive.
func (rt *Runtime) checkCancel(where string) error {
	if !rt.c.opts.Signals.CancelRequested() {
		return nil
	}
	rt.cancelSeen = true
	rt.cancelWhere = where
	return &CancelledError{Where: where}
}

// Wait sleeps for d. A cancel latched before or during the wait aborts it.
func (rt *Runtime) Wait(d time.Duration) error {
	if err := rt.checkCancel("wait"); err != nil {
		return err
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-rt.c.opts.Signals.Cancelled():
		return rt.checkCancel("wait")
	case <-rt.ctx.Done():
		return rt.ctx.Err()
	}
}

// Action asks the operator to perform something and waits until they
// confirm or timeout elapses; a timeout counts as performed. The request
// and its clearing are logged as action events.
func (rt *Runtime) Action(message string, timeout time.Duration) (control.ActionResult, error) {
	if err := rt.checkCancel("action"); err != nil {
		return control.ActionCancelled, err
	}

	p := rt.c.opts.Pipeline
	p.Emit(event.ClassAction, event.KindActionRequested, message, map[string]string{
		"timeout": strconv.FormatFloat(timeout.Seconds(), 'f', -1, 64),
	}, "")

	if rt.c.opts.Signals.ActionPending() {
		rt.c.logger.Debug("action already confirmed", "action", message)
	}
	res := rt.c.opts.Signals.WaitAction(rt.ctx, timeout)
	p.Emit(event.ClassAction, event.KindActionCleared, message, map[string]string{
		"reason": res.String(),
	}, "")

	if res == control.ActionCancelled {
		if err := rt.checkCancel("action"); err != nil {
			return res, err
		}
		return res, rt.ctx.Err()
	}
	return res, nil
}

// Codec returns a loaded codec.
func (rt *Runtime) Codec(name string) (plugin.Codec, error) {
	return rt.c.registry.Codec(name)
}

// Probe returns a handle on a loaded local probe or a bound remote probe.
// An unknown or failed probe is a *plugin.NotLoadedError.
func (rt *Runtime) Probe(name string) (*ProbeHandle, error) {
	if rp, ok := rt.remote[name]; ok {
		return &ProbeHandle{rt: rt, name: name, probe: rp}, nil
	}
	p, err := rt.c.registry.Probe(name)
	if err != nil {
		return nil, err
	}
	return &ProbeHandle{rt: rt, name: name, probe: p}, nil
}

// BindRemote binds name to a probe on a TACS agent (uri is
// probe:<name>@<agent>) and returns its handle. The binding is released
// during teardown.
func (rt *Runtime) BindRemote(name, uri, probeType string, params plugin.Config) (*ProbeHandle, error) {
	if rt.c.client == nil {
		return nil, ErrRemoteDisabled
	}
	if _, ok := rt.remote[name]; ok {
		return nil, fmt.Errorf("probe %q is already bound", name)
	}

	rp, err := tacs.NewRemoteProbe(rt.c.client, name, uri, probeType)
	if err != nil {
		return nil, err
	}
	if err := rp.Initialize(params); err != nil {
		return nil, fmt.Errorf("bind %s to %s: %w", name, uri, err)
	}
	rt.remote[name] = rp
	rt.c.opts.Finalizer.Push("unbind "+name, rp.Finalize)

	rt.c.opts.Pipeline.Emit(event.ClassInternal, event.KindProbeBound, "probe bound", map[string]string{
		"probe": name,
		"uri":   rp.URI(),
		"type":  probeType,
	}, "")
	return &ProbeHandle{rt: rt, name: name, probe: rp}, nil
}

// ProbeHandle is the script-facing side of a probe. Every observation is a
// suspension point that honours the cancel latch.
type ProbeHandle struct {
	rt    *Runtime
	name  string
	probe plugin.Probe
}

// Name returns the probe name.
func (h *ProbeHandle) Name() string {
	return h.name
}

// Send passes msg to the probe. A latched cancel fails with
// *CancelledError before the probe is touched.
func (h *ProbeHandle) Send(msg []byte) error {
	if err := h.rt.checkCancel("send " + h.name); err != nil {
		return err
	}
	if err := h.probe.Send(h.rt.ctx, msg); err != nil {
		return fmt.Errorf("probe %s: send: %w", h.name, err)
	}
	h.rt.c.opts.Pipeline.Emit(event.ClassEvent, event.KindProbeSent, "message sent", map[string]string{"probe": h.name}, string(msg))
	return nil
}

// Observe waits up to timeout for the next message. A latched cancel fails
// with *CancelledError before the probe is touched; a quiet probe fails
// with plugin.ErrTimeout.
func (h *ProbeHandle) Observe(timeout time.Duration) ([]byte, error) {
	if err := h.rt.checkCancel("observe " + h.name); err != nil {
		return nil, err
	}
	if timeout <= 0 {
		return nil, fmt.Errorf("probe %s: observe needs a positive timeout", h.name)
	}

	msg, err := h.probe.Receive(h.rt.ctx, timeout)
	if err != nil {
		if errors.Is(err, plugin.ErrTimeout) {
			return nil, err
		}
		return nil, fmt.Errorf("probe %s: receive: %w", h.name, err)
	}
	h.rt.c.opts.Pipeline.Emit(event.ClassEvent, event.KindProbeReceived, "message received", map[string]string{"probe": h.name}, string(msg))
	return msg, nil
}

// SendValue encodes v with codec and sends it.
func (h *ProbeHandle) SendValue(codec plugin.Codec, v value.Value) error {
	data, err := codec.Encode(v)
	if err != nil {
		return fmt.Errorf("probe %s: encode: %w", h.name, err)
	}
	return h.Send(data)
}

// ObserveValue observes a message and decodes it with codec.
func (h *ProbeHandle) ObserveValue(codec plugin.Codec, timeout time.Duration) (value.Value, error) {
	data, err := h.Observe(timeout)
	if err != nil {
		return nil, err
	}
	v, err := codec.Decode(data)
	if err != nil {
		return nil, fmt.Errorf("probe %s: decode: %w", h.name, err)
	}
	return v, nil
}
