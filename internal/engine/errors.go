package engine

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// StopError is returned by Runtime.Stop. The run ends with Code as is.
type StopError struct {
	Code   int
	Reason string
}

func (e *StopError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("stopped with code %d: %s", e.Code, e.Reason)
	}
	return fmt.Sprintf("stopped with code %d", e.Code)
}

// CancelledError is returned by a wait primitive that found the cancel
// latch set.
type CancelledError struct {
	// Where names the primitive that observed the cancel.
	Where string
}

func (e *CancelledError) Error() string {
	return fmt.Sprintf("cancelled by user at %s", e.Where)
}

// TestError is a violation detected by the test logic itself, as opposed to
// a failure of the harness.
type TestError struct {
	Kind    string
	Message string
	Details map[string]string

	// Evidence is logged as the event payload, which the pipeline bounds.
	// Keep Details short; put messages here.
	Evidence string
}

func (e *TestError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %s", e.Kind, e.Message)
	if len(e.Details) > 0 {
		keys := make([]string, 0, len(e.Details))
		for k := range e.Details {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteString(" (")
		for i, k := range keys {
			if i > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "%s=%s", k, e.Details[k])
		}
		b.WriteString(")")
	}
	return b.String()
}

// payload is the evidence when set, otherwise the trace of the wrapping err.
func (e *TestError) payload(wrapping error) string {
	if e.Evidence != "" {
		return e.Evidence
	}
	return trace(wrapping)
}

// InitError is a failure while bringing the run up.
type InitError struct {
	Stage string
	Err   error
}

func (e *InitError) Error() string {
	return fmt.Sprintf("init %s: %v", e.Stage, e.Err)
}

func (e *InitError) Unwrap() error {
	return e.Err
}

// PanicError wraps a panic recovered from the script.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", e.Value)
}

// IsCancelled reports whether err is or wraps a *CancelledError.
// Uses errors.As to handle wrapped errors.
func IsCancelled(err error) bool {
	var ce *CancelledError
	return errors.As(err, &ce)
}

// Classify maps a script result to its Outcome.
func Classify(err error) Outcome {
	if err == nil {
		return Outcome{Code: CodeOK, Message: "completed"}
	}

	var stop *StopError
	if errors.As(err, &stop) {
		return Outcome{Code: stop.Code, Message: stop.Error()}
	}
	var cancelled *CancelledError
	if errors.As(err, &cancelled) {
		return Outcome{Code: CodeCancelled, Message: cancelled.Error()}
	}
	var te *TestError
	if errors.As(err, &te) {
		return Outcome{Code: CodeTestError, Message: te.Error()}
	}
	var ie *InitError
	if errors.As(err, &ie) {
		return Outcome{Code: CodeInitFailure, Message: ie.Error()}
	}
	return Outcome{Code: CodeGeneric, Message: err.Error()}
}

// trace renders err for the log: the wrap chain, one error per line, and
// the stack of a recovered panic.
func trace(err error) string {
	var b strings.Builder
	for depth := 0; err != nil; depth++ {
		fmt.Fprintf(&b, "%s%T: %v\n", strings.Repeat("  ", depth), err, err)
		var pe *PanicError
		if errors.As(err, &pe) && pe == err {
			b.Write(pe.Stack)
			break
		}
		err = errors.Unwrap(err)
	}
	return b.String()
}

func asTestError(err error) (*TestError, bool) {
	var te *TestError
	ok := errors.As(err, &te)
	return te, ok
}

func asStop(err error) (*StopError, bool) {
	var stop *StopError
	ok := errors.As(err, &stop)
	return stop, ok
}
