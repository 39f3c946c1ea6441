// Package engine is the Execution Controller of a harness run.
//
// A Controller takes a run through four states:
//
//	Init -> Running -> Finalizing -> Terminal
//
// Init discovers plugins, connects to TACS when one is configured, and
// resolves the session. Running calls the script exactly once, on the
// calling goroutine. Finalizing always runs and drives the lifecycle
// Finalizer. Terminal fixes the Outcome.
//
// ERROR BOUNDARY:
// Every failure from Init onward is caught in Run and mapped to exactly one
// Outcome. Nothing below the boundary exits the process:
//   - *StopError: the script's own code, verbatim
//   - *CancelledError: CodeCancelled
//   - *TestError: CodeTestError
//   - anything else, recovered panics included: CodeGeneric
//
// CANCELLATION:
// Cancel and action-performed notifications are latched by
// control.Signals. Probe observations and action waits check the cancel
// latch before doing anything else; a latched cancel fails them with
// *CancelledError without touching the probe.
package engine
