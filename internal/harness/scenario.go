package harness

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roach88/atsh/internal/engine"
	"github.com/roach88/atsh/internal/plugin"
	"github.com/roach88/atsh/internal/value"
)

// DefaultStepTimeout applies to observe and action steps without a timeout.
const DefaultStepTimeout = 5 * time.Second

// Scenario is a declarative ATS: a list of steps run in order against the
// probes of the harness.
//
//	name: register
//	description: "REGISTER is answered with 200"
//	probes:
//	  - name: sip
//	    uri: probe:sip01@agent1
//	    type: sip
//	steps:
//	  - log: "registering against port ${PX_PORT}"
//	  - send: { probe: sut, codec: json, message: { method: REGISTER } }
//	  - testcase:
//	      id: TC_REGISTER_OK
//	      group: smoke
//	      steps:
//	        - observe: { probe: sut, codec: json, timeout: 2s, expect: { method: REGISTER } }
//	  - stop: 0
//
// String values may reference session variables as ${NAME}.
//
// A testcase that runs all its steps ends with a pass verdict unless a
// verdict step said otherwise. A failing step inside a testcase fails the
// testcase, not the run.
type Scenario struct {
	// Name identifies the scenario in logs.
	Name string `yaml:"name"`

	// Description explains what the scenario checks.
	Description string `yaml:"description,omitempty"`

	// StopOnTestcaseFailure ends the run after the first testcase that does
	// not pass.
	StopOnTestcaseFailure bool `yaml:"stop_on_testcase_failure,omitempty"`

	// Probes are remote probes bound through TACS before the first step.
	Probes []RemoteProbe `yaml:"probes,omitempty"`

	// Steps run in declaration order.
	Steps []Step `yaml:"steps"`
}

// RemoteProbe binds a logical probe name to a probe on a TACS agent.
type RemoteProbe struct {
	Name   string         `yaml:"name"`
	URI    string         `yaml:"uri"`
	Type   string         `yaml:"type"`
	Params map[string]any `yaml:"params,omitempty"`
}

// Step is one scenario instruction. Exactly one verb field is set.
type Step struct {
	// Group limits the step to runs that select this testcase group.
	Group string `yaml:"group,omitempty"`

	Log     string         `yaml:"log,omitempty"`
	Set     map[string]any `yaml:"set,omitempty"`
	Send    *SendStep      `yaml:"send,omitempty"`
	Observe *ObserveStep   `yaml:"observe,omitempty"`
	Action  *ActionStep    `yaml:"action,omitempty"`
	Wait    string         `yaml:"wait,omitempty"`
	Stop    *int           `yaml:"stop,omitempty"`
	Fail    *FailStep      `yaml:"fail,omitempty"`

	Testcase *TestcaseStep `yaml:"testcase,omitempty"`
	Verdict  string        `yaml:"verdict,omitempty"`
}

// TestcaseStep runs its steps as one testcase with its own verdict.
// Testcases do not nest.
type TestcaseStep struct {
	ID    string `yaml:"id"`
	Group string `yaml:"group,omitempty"`
	Steps []Step `yaml:"steps"`
}

// SendStep sends a message. Without a codec the message must be a string
// and is sent as is.
type SendStep struct {
	Probe   string `yaml:"probe"`
	Codec   string `yaml:"codec,omitempty"`
	Message any    `yaml:"message"`
}

// ObserveStep waits for a message and checks it against Expect (subset
// match). Store saves the observed value into the session.
type ObserveStep struct {
	Probe   string `yaml:"probe"`
	Codec   string `yaml:"codec,omitempty"`
	Timeout string `yaml:"timeout,omitempty"`
	Expect  any    `yaml:"expect,omitempty"`
	Store   string `yaml:"store,omitempty"`

	// Optional makes a timeout a no-op instead of a test error.
	Optional bool `yaml:"optional,omitempty"`
}

// ActionStep asks the operator to do something.
type ActionStep struct {
	Message string `yaml:"message"`
	Timeout string `yaml:"timeout,omitempty"`
}

// FailStep ends the run with a test error.
type FailStep struct {
	Kind    string `yaml:"kind,omitempty"`
	Message string `yaml:"message"`
}

// LoadScenario reads and parses a scenario YAML file.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses a scenario document. Unknown fields are rejected
// (catches typos like "expects:" vs "expect:").
func ParseScenario(data []byte) (*Scenario, error) {
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}

	for i, p := range s.Probes {
		if p.Name == "" || p.URI == "" || p.Type == "" {
			return fmt.Errorf("probes[%d]: name, uri and type are required", i)
		}
	}

	for i, step := range s.Steps {
		if err := validateStep(step, false); err != nil {
			return fmt.Errorf("steps[%d]: %w", i, err)
		}
	}
	return nil
}

func validateStep(step Step, inTestcase bool) error {
	var verbs []string
	if step.Log != "" {
		verbs = append(verbs, "log")
	}
	if step.Set != nil {
		verbs = append(verbs, "set")
	}
	if step.Send != nil {
		verbs = append(verbs, "send")
		if step.Send.Probe == "" {
			return errors.New("send: probe is required")
		}
		if _, ok := step.Send.Message.(string); !ok && step.Send.Codec == "" {
			return errors.New("send: a non-string message needs a codec")
		}
	}
	if step.Observe != nil {
		verbs = append(verbs, "observe")
		if step.Observe.Probe == "" {
			return errors.New("observe: probe is required")
		}
		if _, err := parseTimeout(step.Observe.Timeout); err != nil {
			return fmt.Errorf("observe: %w", err)
		}
	}
	if step.Action != nil {
		verbs = append(verbs, "action")
		if _, err := parseTimeout(step.Action.Timeout); err != nil {
			return fmt.Errorf("action: %w", err)
		}
	}
	if step.Wait != "" {
		verbs = append(verbs, "wait")
		if _, err := parseTimeout(step.Wait); err != nil {
			return fmt.Errorf("wait: %w", err)
		}
	}
	if step.Stop != nil {
		verbs = append(verbs, "stop")
	}
	if step.Fail != nil {
		verbs = append(verbs, "fail")
		if step.Fail.Message == "" {
			return errors.New("fail: message is required")
		}
	}
	if step.Testcase != nil {
		verbs = append(verbs, "testcase")
		if inTestcase {
			return errors.New("testcase: testcases do not nest")
		}
		if step.Testcase.ID == "" {
			return errors.New("testcase: id is required")
		}
		if len(step.Testcase.Steps) == 0 {
			return errors.New("testcase: steps list is required and must be non-empty")
		}
		for i, inner := range step.Testcase.Steps {
			if err := validateStep(inner, true); err != nil {
				return fmt.Errorf("testcase %s: steps[%d]: %w", step.Testcase.ID, i, err)
			}
		}
	}
	if step.Verdict != "" {
		verbs = append(verbs, "verdict")
		if !inTestcase {
			return errors.New("verdict: only allowed inside a testcase")
		}
		if _, err := engine.ParseVerdict(step.Verdict); err != nil {
			return fmt.Errorf("verdict: %w", err)
		}
	}

	switch len(verbs) {
	case 0:
		return errors.New("no instruction")
	case 1:
		return nil
	default:
		return fmt.Errorf("more than one instruction: %s", strings.Join(verbs, ", "))
	}
}

func parseTimeout(s string) (time.Duration, error) {
	if s == "" {
		return DefaultStepTimeout, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return 0, fmt.Errorf("duration must be positive, got %s", s)
	}
	return d, nil
}

// Script compiles the scenario into a script for the Execution Controller.
func (s *Scenario) Script() engine.Script {
	return func(rt *engine.Runtime) error {
		rt.Log("scenario started", "scenario", s.Name)
		if s.StopOnTestcaseFailure {
			rt.StopOnTestcaseFailure(true)
		}

		for _, p := range s.Probes {
			if _, err := rt.BindRemote(p.Name, p.URI, p.Type, plugin.Config(p.Params)); err != nil {
				return err
			}
		}

		for i, step := range s.Steps {
			if step.Group != "" && !rt.GroupSelected(step.Group) {
				continue
			}
			if err := runStep(rt, nil, step); err != nil {
				return fmt.Errorf("step %d: %w", i+1, err)
			}
		}
		return nil
	}
}

// runStep runs one step. tc is the enclosing testcase, nil at top level.
func runStep(rt *engine.Runtime, tc *engine.Testcase, step Step) error {
	switch {
	case step.Log != "":
		rt.Log(expand(rt, step.Log))
		return nil

	case step.Set != nil:
		for _, name := range value.SortedKeys(step.Set) {
			if err := rt.Session().Set(name, expandNative(rt, step.Set[name])); err != nil {
				return err
			}
		}
		return nil

	case step.Send != nil:
		return runSend(rt, step.Send)

	case step.Observe != nil:
		return runObserve(rt, step.Observe)

	case step.Action != nil:
		timeout, _ := parseTimeout(step.Action.Timeout)
		_, err := rt.Action(expand(rt, step.Action.Message), timeout)
		return err

	case step.Wait != "":
		d, _ := parseTimeout(step.Wait)
		return rt.Wait(d)

	case step.Stop != nil:
		return rt.Stop(*step.Stop)

	case step.Fail != nil:
		kind := step.Fail.Kind
		if kind == "" {
			kind = "verdict"
		}
		return rt.Fail(kind, expand(rt, step.Fail.Message), nil)

	case step.Testcase != nil:
		_, err := rt.Testcase(step.Testcase.ID, step.Testcase.Group, func(tc *engine.Testcase) error {
			for i, inner := range step.Testcase.Steps {
				if inner.Group != "" && !rt.GroupSelected(inner.Group) {
					continue
				}
				if err := runStep(rt, tc, inner); err != nil {
					return fmt.Errorf("step %d: %w", i+1, err)
				}
			}
			tc.SetVerdict(engine.VerdictPass)
			return nil
		})
		return err

	case step.Verdict != "":
		v, err := engine.ParseVerdict(step.Verdict)
		if err != nil {
			return err
		}
		tc.SetVerdict(v)
		return nil
	}
	return errors.New("no instruction")
}

func runSend(rt *engine.Runtime, step *SendStep) error {
	h, err := rt.Probe(step.Probe)
	if err != nil {
		return err
	}
	msg := expandNative(rt, step.Message)

	if step.Codec == "" {
		return h.Send([]byte(msg.(string)))
	}
	codec, err := rt.Codec(step.Codec)
	if err != nil {
		return err
	}
	v, err := value.FromNative(msg)
	if err != nil {
		return fmt.Errorf("send: %w", err)
	}
	return h.SendValue(codec, v)
}

func runObserve(rt *engine.Runtime, step *ObserveStep) error {
	h, err := rt.Probe(step.Probe)
	if err != nil {
		return err
	}
	timeout, _ := parseTimeout(step.Timeout)

	var got value.Value
	if step.Codec == "" {
		var raw []byte
		raw, err = h.Observe(timeout)
		got = value.String(raw)
	} else {
		var codec plugin.Codec
		if codec, err = rt.Codec(step.Codec); err != nil {
			return err
		}
		got, err = h.ObserveValue(codec, timeout)
	}

	if errors.Is(err, plugin.ErrTimeout) {
		if step.Optional {
			return nil
		}
		return rt.Fail("timeout", fmt.Sprintf("no message on %s within %s", step.Probe, timeout), nil)
	}
	if err != nil {
		return err
	}

	if step.Expect != nil {
		want, err := value.FromNative(expandNative(rt, step.Expect))
		if err != nil {
			return fmt.Errorf("observe: expect: %w", err)
		}
		if !Match(want, got) {
			return rt.Mismatch(step.Probe, want, got)
		}
	}

	if step.Store != "" {
		return rt.Session().Set(step.Store, got)
	}
	return nil
}

// expand replaces ${NAME} with the text of session variable NAME.
func expand(rt *engine.Runtime, s string) string {
	return os.Expand(s, func(name string) string {
		return rt.Session().String(name)
	})
}

// expandNative applies expand to every string inside v.
func expandNative(rt *engine.Runtime, v any) any {
	switch val := v.(type) {
	case string:
		return expand(rt, val)
	case []any:
		out := make([]any, len(val))
		for i, elem := range val {
			out[i] = expandNative(rt, elem)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, elem := range val {
			out[k] = expandNative(rt, elem)
		}
		return out
	default:
		return v
	}
}
