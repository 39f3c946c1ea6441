package engine

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/atsh/internal/control"
	"github.com/roach88/atsh/internal/event"
	"github.com/roach88/atsh/internal/logsink"
	"github.com/roach88/atsh/internal/mode"
	"github.com/roach88/atsh/internal/plugin"
	"github.com/roach88/atsh/internal/testutil"
	"github.com/roach88/atsh/internal/value"
)

func TestRun_CompletesAndPersists(t *testing.T) {
	f := newFixture(t)
	c := New(f.opts)

	var seen State
	out := c.Run(context.Background(), func(rt *Runtime) error {
		seen = c.State()
		port, err := rt.Session().Int("PX_PORT")
		if err != nil {
			return err
		}
		rt.Log("port resolved", "port", port)
		return rt.Session().Set("visits", 1)
	})

	assert.Equal(t, CodeOK, out.Code)
	assert.Equal(t, StateRunning, seen)
	assert.Equal(t, StateTerminal, c.State())

	data, err := os.ReadFile(f.opts.OutputSession)
	require.NoError(t, err)
	assert.Equal(t, "{\"PX_PORT\":2905,\"visits\":1}\n", string(data))

	logs := f.sink.byKind(event.KindUser)
	require.Len(t, logs, 1)
	assert.Equal(t, "2905", logs[0].Attrs["port"])
}

func TestRun_ExplicitStopCode(t *testing.T) {
	f := newFixture(t)
	out, _ := f.run(func(rt *Runtime) error {
		return rt.Stop(7)
	})
	assert.Equal(t, 7, out.Code)
	assert.Len(t, f.sink.byKind(event.KindStopRequested), 1)

	f = newFixture(t)
	out, _ = f.run(func(rt *Runtime) error {
		return rt.Stop(0)
	})
	assert.Equal(t, CodeOK, out.Code)
}

func TestRun_WrappedStop(t *testing.T) {
	f := newFixture(t)
	out, _ := f.run(func(rt *Runtime) error {
		return errors.Join(errors.New("context"), rt.Stop(42))
	})
	assert.Equal(t, 42, out.Code)
}

func TestRun_CancelBeforeObserveSkipsProbe(t *testing.T) {
	f := newFixture(t)
	f.signals.Cancel()

	var observeErr error
	out, _ := f.run(func(rt *Runtime) error {
		h, err := rt.Probe("counter")
		if err != nil {
			return err
		}
		_, observeErr = h.Observe(time.Second)
		return observeErr
	})

	assert.Equal(t, CodeCancelled, out.Code)
	var ce *CancelledError
	require.True(t, errors.As(observeErr, &ce))
	assert.Equal(t, "observe counter", ce.Where)
	assert.Equal(t, int64(0), f.counting.receives.Load())

	cancelled := f.sink.byKind(event.KindCancelled)
	require.Len(t, cancelled, 1)
	assert.Equal(t, event.ClassUser, cancelled[0].Class)
}

func TestRun_CancelBeforeSendSkipsProbe(t *testing.T) {
	f := newFixture(t)
	f.signals.Cancel()

	var sendErr error
	out, _ := f.run(func(rt *Runtime) error {
		h, err := rt.Probe("counter")
		if err != nil {
			return err
		}
		sendErr = h.Send([]byte("ping"))
		return sendErr
	})

	assert.Equal(t, CodeCancelled, out.Code)
	var ce *CancelledError
	require.True(t, errors.As(sendErr, &ce))
	assert.Equal(t, "send counter", ce.Where)
	assert.Equal(t, int64(0), f.counting.sends.Load())
	assert.Empty(t, f.sink.byKind(event.KindProbeSent))
}

func TestRun_SwallowedCancelStillCancels(t *testing.T) {
	f := newFixture(t)
	out, _ := f.run(func(rt *Runtime) error {
		h, err := rt.Probe("counter")
		if err != nil {
			return err
		}
		if _, err := h.Observe(time.Second); err != nil {
			return err
		}
		f.signals.Cancel()
		_, _ = h.Observe(time.Second)
		return nil
	})
	assert.Equal(t, CodeCancelled, out.Code)
	assert.Equal(t, int64(1), f.counting.receives.Load())
}

func TestRun_CancelNeverObserved(t *testing.T) {
	f := newFixture(t)
	out, _ := f.run(func(rt *Runtime) error {
		f.signals.Cancel()
		return nil
	})
	assert.Equal(t, CodeOK, out.Code)
}

func TestRun_TestError(t *testing.T) {
	f := newFixture(t)
	out, _ := f.run(func(rt *Runtime) error {
		return rt.Fail("verdict", "unexpected 403", map[string]string{"step": "register"})
	})

	assert.Equal(t, CodeTestError, out.Code)
	assert.Contains(t, out.Message, "unexpected 403")

	errs := f.sink.byKind(event.KindTestError)
	require.Len(t, errs, 1)
	assert.Equal(t, "register", errs[0].Attrs["step"])
	assert.Equal(t, "verdict", errs[0].Attrs["kind"])

	// The session is persisted on failed runs too.
	_, err := os.Stat(f.opts.OutputSession)
	assert.NoError(t, err)
}

func TestRun_GenericError(t *testing.T) {
	f := newFixture(t)
	out, _ := f.run(func(rt *Runtime) error {
		return errors.New("socket reset")
	})
	assert.Equal(t, CodeGeneric, out.Code)

	errs := f.sink.byKind(event.KindError)
	require.Len(t, errs, 1)
	assert.Equal(t, event.ClassSystem, errs[0].Class)
	assert.Contains(t, errs[0].Payload, "socket reset")
}

func TestRun_PanicIsGeneric(t *testing.T) {
	f := newFixture(t)
	out, _ := f.run(func(rt *Runtime) error {
		var m map[string]int
		m["boom"] = 1
		return nil
	})
	assert.Equal(t, CodeGeneric, out.Code)
	assert.Contains(t, out.Message, "panic")

	errs := f.sink.byKind(event.KindError)
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0].Payload, "goroutine")
}

func TestRun_UnloadedProbeIsGeneric(t *testing.T) {
	f := newFixture(t)
	var probeErr error
	out, _ := f.run(func(rt *Runtime) error {
		_, probeErr = rt.Probe("ghost")
		return probeErr
	})
	assert.Equal(t, CodeGeneric, out.Code)

	var nle *plugin.NotLoadedError
	require.True(t, errors.As(probeErr, &nle))
	assert.Equal(t, "ghost", nle.Name)
}

func TestRun_UnloadedProbeHandledByScript(t *testing.T) {
	f := newFixture(t)
	out, _ := f.run(func(rt *Runtime) error {
		if _, err := rt.Probe("ghost"); err != nil {
			rt.Log("probe missing, skipping")
		}
		return nil
	})
	assert.Equal(t, CodeOK, out.Code)
}

func TestRun_BrokenPluginDoesNotBlockRun(t *testing.T) {
	f := newFixture(t)
	f.write(filepath.Join(f.dir, "probes", "broken.yaml"), "kind: probe\nimplementation: nowhere\n")

	ran := false
	out, c := f.run(func(rt *Runtime) error {
		ran = true
		_, err := rt.Probe("sut")
		return err
	})
	assert.True(t, ran)
	assert.Equal(t, CodeOK, out.Code)

	loaded := c.Registry().Loaded(plugin.KindProbe)
	assert.Len(t, loaded, 2)
	failed := f.sink.byKind(event.KindPluginFailed)
	require.Len(t, failed, 1)
	assert.Equal(t, "broken", failed[0].Attrs["name"])
	assert.Len(t, f.sink.byKind(event.KindPluginLoaded), 3)
}

func TestRun_MalformedParameterIsInitFailure(t *testing.T) {
	f := newFixture(t)
	input := filepath.Join(f.dir, "in.json")
	f.write(input, `{"PX_PORT":"29o5"}`)
	f.opts.InputSession = input

	ran := false
	out, c := f.run(func(rt *Runtime) error {
		ran = true
		return nil
	})
	assert.False(t, ran, "script must not run")
	assert.Equal(t, CodeInitFailure, out.Code)
	assert.Contains(t, out.Message, "29o5")
	assert.Equal(t, StateTerminal, c.State())

	_, err := os.Stat(f.opts.OutputSession)
	assert.True(t, os.IsNotExist(err), "nothing to persist before resolution")
}

func TestRun_MissingInputSessionWarns(t *testing.T) {
	f := newFixture(t)
	f.opts.InputSession = filepath.Join(f.dir, "absent.json")
	out, _ := f.run(func(rt *Runtime) error { return nil })
	assert.Equal(t, CodeOK, out.Code)
}

func TestRun_InputOverridesDefault(t *testing.T) {
	f := newFixture(t)
	input := filepath.Join(f.dir, "in.json")
	f.write(input, `{"PX_PORT":"5060","carried":"yes"}`)
	f.opts.InputSession = input

	var port value.Value
	out, _ := f.run(func(rt *Runtime) error {
		port = rt.Param("PX_PORT")
		return nil
	})
	assert.Equal(t, CodeOK, out.Code)
	assert.Equal(t, value.Int(5060), port)

	data, err := os.ReadFile(f.opts.OutputSession)
	require.NoError(t, err)
	assert.Equal(t, "{\"PX_PORT\":5060,\"carried\":\"yes\"}\n", string(data))
}

func TestRun_LoopbackWithCodec(t *testing.T) {
	f := newFixture(t)
	var got value.Value
	out, _ := f.run(func(rt *Runtime) error {
		h, err := rt.Probe("sut")
		if err != nil {
			return err
		}
		codec, err := rt.Codec("json")
		if err != nil {
			return err
		}
		if err := h.SendValue(codec, value.Map{"method": value.String("REGISTER")}); err != nil {
			return err
		}
		got, err = h.ObserveValue(codec, time.Second)
		return err
	})
	require.Equal(t, CodeOK, out.Code, out.Message)
	assert.Equal(t, value.Map{"method": value.String("REGISTER")}, got)

	sent := f.sink.byKind(event.KindProbeSent)
	require.Len(t, sent, 1)
	assert.Equal(t, `{"method":"REGISTER"}`, sent[0].Payload)
	assert.Len(t, f.sink.byKind(event.KindProbeReceived), 1)
}

func TestRun_ObserveTimeout(t *testing.T) {
	f := newFixture(t)
	var observeErr error
	out, _ := f.run(func(rt *Runtime) error {
		h, err := rt.Probe("sut")
		if err != nil {
			return err
		}
		_, observeErr = h.Observe(10 * time.Millisecond)
		_, err = h.Observe(0)
		return err
	})
	assert.ErrorIs(t, observeErr, plugin.ErrTimeout)
	assert.Equal(t, CodeGeneric, out.Code)
	assert.Contains(t, out.Message, "positive timeout")
}

func TestRun_Action(t *testing.T) {
	f := newFixture(t)
	f.signals.ActionPerformed()

	var first, second control.ActionResult
	out, _ := f.run(func(rt *Runtime) error {
		var err error
		if first, err = rt.Action("plug the cable", time.Second); err != nil {
			return err
		}
		second, err = rt.Action("unplug the cable", 10*time.Millisecond)
		return err
	})
	require.Equal(t, CodeOK, out.Code)
	assert.Equal(t, control.ActionPerformed, first)
	assert.Equal(t, control.ActionTimedOut, second)

	requested := f.sink.byKind(event.KindActionRequested)
	cleared := f.sink.byKind(event.KindActionCleared)
	require.Len(t, requested, 2)
	require.Len(t, cleared, 2)
	assert.Equal(t, event.ClassAction, requested[0].Class)
	assert.Equal(t, "1", requested[0].Attrs["timeout"])
	assert.Equal(t, "performed", cleared[0].Attrs["reason"])
	assert.Equal(t, "timeout", cleared[1].Attrs["reason"])
}

func TestRun_ActionCancelled(t *testing.T) {
	f := newFixture(t)
	out, _ := f.run(func(rt *Runtime) error {
		go func() {
			time.Sleep(20 * time.Millisecond)
			f.signals.Cancel()
		}()
		_, err := rt.Action("press the button", 5*time.Second)
		return err
	})
	assert.Equal(t, CodeCancelled, out.Code)
	cleared := f.sink.byKind(event.KindActionCleared)
	require.Len(t, cleared, 1)
	assert.Equal(t, "cancelled", cleared[0].Attrs["reason"])
}

func TestRun_WaitCancelled(t *testing.T) {
	f := newFixture(t)
	start := time.Now()
	out, _ := f.run(func(rt *Runtime) error {
		if err := rt.Wait(time.Millisecond); err != nil {
			return err
		}
		go func() {
			time.Sleep(20 * time.Millisecond)
			f.signals.Cancel()
		}()
		return rt.Wait(5 * time.Second)
	})
	assert.Equal(t, CodeCancelled, out.Code)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestRun_Groups(t *testing.T) {
	f := newFixture(t)
	var all bool
	f.run(func(rt *Runtime) error {
		all = rt.GroupSelected("anything")
		return nil
	})
	assert.True(t, all)

	f = newFixture(t)
	f.opts.Groups = []string{"smoke", " regression ", ""}
	var smoke, regression, load bool
	f.run(func(rt *Runtime) error {
		smoke = rt.GroupSelected("smoke")
		regression = rt.GroupSelected("regression")
		load = rt.GroupSelected("load")
		return nil
	})
	assert.True(t, smoke)
	assert.True(t, regression)
	assert.False(t, load)
}

func TestRun_RemoteProbeThroughTACS(t *testing.T) {
	srv := testutil.NewFakeTACS(t)
	f := newFixture(t)
	f.opts.TACS = &mode.Address{Host: srv.Host(), Port: srv.Port()}

	var reply []byte
	out, _ := f.run(func(rt *Runtime) error {
		h, err := rt.BindRemote("sip", "probe:sip01@agent1", "sip", plugin.Config{"transport": "udp"})
		if err != nil {
			return err
		}
		if _, err := rt.BindRemote("sip", "probe:sip01@agent1", "sip", nil); err == nil {
			return errors.New("second bind should fail")
		}
		same, err := rt.Probe("sip")
		if err != nil {
			return err
		}
		if err := h.Send([]byte("OPTIONS")); err != nil {
			return err
		}
		reply, err = same.Observe(time.Second)
		return err
	})
	require.Equal(t, CodeOK, out.Code, out.Message)
	assert.Equal(t, []byte("OPTIONS"), reply)
	assert.False(t, srv.Bound("sip"), "teardown unbinds")

	var methods []string
	for _, r := range srv.Requests() {
		methods = append(methods, r.Method)
	}
	assert.Equal(t, []string{"bind", "send", "receive", "unbind"}, methods)
	assert.Len(t, f.sink.byKind(event.KindProbeBound), 1)
}

func TestRun_RemoteDisabledWithoutTACS(t *testing.T) {
	f := newFixture(t)
	var bindErr error
	out, _ := f.run(func(rt *Runtime) error {
		_, bindErr = rt.BindRemote("sip", "probe:sip01@agent1", "sip", nil)
		return nil
	})
	assert.Equal(t, CodeOK, out.Code)
	assert.ErrorIs(t, bindErr, ErrRemoteDisabled)
}

func TestRun_TACSUnreachableIsInitFailure(t *testing.T) {
	host, port := testutil.ClosedPort(t)
	f := newFixture(t)
	f.opts.TACS = &mode.Address{Host: host, Port: port}

	ran := false
	out, _ := f.run(func(rt *Runtime) error {
		ran = true
		return nil
	})
	assert.False(t, ran)
	assert.Equal(t, CodeInitFailure, out.Code)
	assert.Contains(t, out.Message, "init tacs")
	assert.Len(t, f.sink.byKind(event.KindError), 1)
}

func TestRun_TeardownFailureKeepsOutcome(t *testing.T) {
	f := newFixture(t)
	f.opts.OutputSession = filepath.Join(f.dir, "missing-dir", "out.json")

	out, _ := f.run(func(rt *Runtime) error {
		return rt.Stop(9)
	})
	assert.Equal(t, 9, out.Code)
}

func TestRun_LogsParametersAtStart(t *testing.T) {
	f := newFixture(t)
	f.opts.Logger = slog.New(logsink.NewHandler(f.opts.Pipeline, slog.LevelDebug))

	out, _ := f.run(func(rt *Runtime) error {
		rt.Log("script body")
		return nil
	})
	require.Equal(t, CodeOK, out.Code, out.Message)

	var params []event.Event
	for _, e := range f.sink.byKind(event.KindInternal) {
		if e.Message == "parameter" {
			params = append(params, e)
		}
	}
	require.Len(t, params, 1)
	assert.Equal(t, "PX_PORT", params[0].Attrs["name"])
	assert.Equal(t, "integer", params[0].Attrs["type"])
	assert.Equal(t, "2905", params[0].Attrs["value"])

	body := f.sink.byKind(event.KindUser)
	require.Len(t, body, 1)
	assert.Less(t, params[0].Seq, body[0].Seq, "parameters are logged before the script runs")
}

func TestAction_AlreadyConfirmed(t *testing.T) {
	f := newFixture(t)
	f.opts.Logger = slog.New(logsink.NewHandler(f.opts.Pipeline, slog.LevelDebug))
	f.signals.ActionPerformed()

	var res control.ActionResult
	out, _ := f.run(func(rt *Runtime) error {
		var err error
		res, err = rt.Action("plug the cable", time.Minute)
		return err
	})

	require.Equal(t, CodeOK, out.Code, out.Message)
	assert.Equal(t, control.ActionPerformed, res)

	var seen bool
	for _, e := range f.sink.byKind(event.KindInternal) {
		if e.Message == "action already confirmed" {
			seen = true
			assert.Equal(t, "plug the cable", e.Attrs["action"])
		}
	}
	assert.True(t, seen)
}
