package engine

import (
	"fmt"
	"runtime/debug"
	"strings"

	"github.com/roach88/atsh/internal/event"
)

// Verdict is the result of one testcase. It never feeds the exit code: a run
// whose testcases failed still completes with CodeOK.
type Verdict string

const (
	VerdictNone   Verdict = "none"
	VerdictPass   Verdict = "pass"
	VerdictInconc Verdict = "inconc"
	VerdictFail   Verdict = "fail"
	VerdictError  Verdict = "error"
)

// ParseVerdict validates a verdict name.
func ParseVerdict(s string) (Verdict, error) {
	v := Verdict(strings.ToLower(strings.TrimSpace(s)))
	switch v {
	case VerdictNone, VerdictPass, VerdictInconc, VerdictFail, VerdictError:
		return v, nil
	}
	return "", fmt.Errorf("unknown verdict %q", s)
}

// rank orders verdicts for overwriting: a verdict only replaces a lower one.
// error > fail > inconc > pass > none.
func (v Verdict) rank() int {
	switch v {
	case VerdictPass:
		return 1
	case VerdictInconc:
		return 2
	case VerdictFail:
		return 3
	case VerdictError:
		return 4
	}
	return 0
}

// TestcaseResult is the final verdict of one executed testcase.
type TestcaseResult struct {
	ID      string
	Group   string
	Verdict Verdict
}

// Testcase is the script's handle on the running testcase.
type Testcase struct {
	rt      *Runtime
	id      string
	group   string
	verdict Verdict
}

// ID returns the testcase id.
func (tc *Testcase) ID() string {
	return tc.id
}

// Verdict returns the current verdict.
func (tc *Testcase) Verdict() Verdict {
	return tc.verdict
}

// SetVerdict updates the verdict. A verdict never improves: pass after fail
// is ignored. Every effective change is logged.
func (tc *Testcase) SetVerdict(v Verdict) {
	if v.rank() <= tc.verdict.rank() {
		return
	}
	tc.verdict = v
	tc.rt.c.opts.Pipeline.Emit(event.ClassEvent, event.KindVerdictUpdated, "verdict updated", map[string]string{
		"testcase": tc.id,
		"verdict":  string(v),
	}, "")
}

// StopOnTestcaseFailure makes every later testcase that ends without a pass
// verdict stop the run, with CodeOK.
func (rt *Runtime) StopOnTestcaseFailure(stop bool) {
	rt.stopOnFailure = stop
}

// Testcase runs body as testcase id of group and returns its verdict.
//
// A testcase of an unselected group is skipped and reports VerdictNone.
// Inside body, a TestError sets the verdict to fail and any other error or
// panic sets it to error; neither ends the run. Stop ends the testcase only,
// keeping its verdict. A cancel ends the testcase with an error verdict and
// is returned so the run ends Cancelled.
func (rt *Runtime) Testcase(id, group string, body func(tc *Testcase) error) (Verdict, error) {
	if !rt.GroupSelected(group) {
		rt.c.logger.Debug("testcase skipped", "testcase", id, "group", group)
		return VerdictNone, nil
	}
	if err := rt.checkCancel("testcase " + id); err != nil {
		return VerdictNone, err
	}

	p := rt.c.opts.Pipeline
	tc := &Testcase{rt: rt, id: id, group: group, verdict: VerdictNone}
	attrs := map[string]string{"testcase": id}
	if group != "" {
		attrs["group"] = group
	}
	p.Emit(event.ClassCore, event.KindTestcaseStarted, "testcase started", attrs, "")

	err := runBody(tc, body)
	var cancelled error
	switch {
	case err == nil:
	case IsCancelled(err):
		tc.SetVerdict(VerdictError)
		cancelled = err
	default:
		if _, ok := asStop(err); ok {
			p.Internal("testcase stopped explicitly", attrs)
			break
		}
		if te, ok := asTestError(err); ok {
			tc.SetVerdict(VerdictFail)
			p.Emit(event.ClassSystem, event.KindTestError, te.Error(), map[string]string{
				"testcase": id,
				"kind":     te.Kind,
			}, te.payload(err))
			break
		}
		tc.SetVerdict(VerdictError)
		p.Emit(event.ClassSystem, event.KindError, fmt.Sprintf("testcase %s stopped on error: %v", id, err), attrs, trace(err))
	}

	rt.results = append(rt.results, TestcaseResult{ID: id, Group: group, Verdict: tc.verdict})
	stopped := map[string]string{"testcase": id, "verdict": string(tc.verdict)}
	if group != "" {
		stopped["group"] = group
	}
	p.Emit(event.ClassCore, event.KindTestcaseStopped, "testcase stopped", stopped, "")

	if cancelled != nil {
		return tc.verdict, cancelled
	}
	if err := rt.checkCancel("testcase " + id); err != nil {
		return tc.verdict, err
	}
	if rt.stopOnFailure && tc.verdict != VerdictPass {
		rt.Log("stopping the run after a testcase failure", "testcase", id, "verdict", tc.verdict)
		return tc.verdict, &StopError{Code: CodeOK, Reason: "testcase " + id + " did not pass"}
	}
	return tc.verdict, nil
}

func runBody(tc *Testcase, body func(tc *Testcase) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r, Stack: debug.Stack()}
		}
	}()
	return body(tc)
}

// Results returns the verdicts of the testcases executed so far, in order.
func (rt *Runtime) Results() []TestcaseResult {
	return append([]TestcaseResult(nil), rt.results...)
}
