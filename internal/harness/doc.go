// Package harness assembles one ATS run: it resolves the execution mode,
// opens the logging pipeline, installs signal handling and hands the script
// to the Execution Controller. Run returns the process exit code.
//
// # Scenario Format
//
// Besides Go scripts, an ATS may be written as a YAML scenario:
//
//	name: register
//	description: "REGISTER is echoed back"
//	steps:
//	  - log: "target port ${PX_PORT}"
//	  - send:
//	      probe: sut
//	      codec: json
//	      message: { method: REGISTER }
//	  - observe:
//	      probe: sut
//	      codec: json
//	      timeout: 2s
//	      expect: { method: REGISTER }
//	      store: last_reply
//	  - testcase:
//	      id: TC_REGISTER_AGAIN
//	      group: smoke
//	      steps:
//	        - send: { probe: sut, codec: json, message: { method: REGISTER } }
//	        - observe: { probe: sut, codec: json, expect: { method: REGISTER } }
//	  - action: { message: "unplug the phone", timeout: 30s }
//	    group: manual
//	  - stop: 0
//
// # Step Types
//
//   - log: writes a user event
//   - set: assigns session variables
//   - send / observe: exchange messages through a probe, optionally encoded
//     with a codec; observe fails the test on timeout or mismatch
//   - action: asks the operator and waits for confirmation
//   - wait: sleeps, interruptible by cancellation
//   - stop: ends the run with an explicit exit code
//   - fail: ends the run with a test error
//   - testcase: runs nested steps as one testcase; a testcase that completes
//     passes, a failed observe inside it sets the fail verdict and the run
//     goes on with the next step
//   - verdict: raises the verdict of the enclosing testcase
package harness
