// Package event defines the run log event shared by the logging pipeline, its
// sinks and the SQLite journal.
package event

import (
	"fmt"
	"strings"
	"time"
)

// Class groups events for operator-side filtering.
type Class string

const (
	ClassCore     Class = "core"
	ClassUser     Class = "user"
	ClassInternal Class = "internal"
	ClassAction   Class = "action"
	ClassSystem   Class = "system"
	ClassEvent    Class = "event"
)

// Classes lists every class in display order.
var Classes = []Class{ClassCore, ClassUser, ClassInternal, ClassAction, ClassSystem, ClassEvent}

// ParseClass validates a class name.
func ParseClass(s string) (Class, error) {
	c := Class(strings.ToLower(strings.TrimSpace(s)))
	for _, valid := range Classes {
		if c == valid {
			return c, nil
		}
	}
	return "", fmt.Errorf("unknown log class %q", s)
}

// Excludable reports whether the class may be filtered out. Run and testcase
// brackets and action requests always reach the operator.
func (c Class) Excludable() bool {
	return c != ClassCore && c != ClassAction
}

// Kinds of events emitted by the harness itself.
const (
	KindRunStarted      = "run-started"
	KindRunStopped      = "run-stopped"
	KindUser            = "user"
	KindInternal        = "internal"
	KindActionRequested = "action-requested"
	KindActionCleared   = "action-cleared"
	KindCancelled       = "cancelled"
	KindPluginLoaded    = "plugin-loaded"
	KindPluginFailed    = "plugin-failed"
	KindProbeSent       = "probe-sent"
	KindProbeReceived   = "probe-received"
	KindProbeBound      = "probe-bound"
	KindStopRequested   = "stop-requested"
	KindTestError       = "test-error"
	KindTestcaseStarted = "testcase-started"
	KindTestcaseStopped = "testcase-stopped"
	KindVerdictUpdated  = "verdict-updated"
	KindError           = "error"
)

// Event is one log record. Seq is strictly increasing within a run.
type Event struct {
	Seq       int64             `json:"seq" cbor:"seq"`
	Time      time.Time         `json:"time" cbor:"time"`
	RunID     string            `json:"run_id" cbor:"run_id"`
	JobID     int64             `json:"job_id,omitempty" cbor:"job_id,omitempty"`
	Class     Class             `json:"class" cbor:"class"`
	Kind      string            `json:"kind" cbor:"kind"`
	Message   string            `json:"message,omitempty" cbor:"message,omitempty"`
	Attrs     map[string]string `json:"attrs,omitempty" cbor:"attrs,omitempty"`
	Payload   string            `json:"payload,omitempty" cbor:"payload,omitempty"`
	Encoding  string            `json:"encoding,omitempty" cbor:"encoding,omitempty"`
	Truncated bool              `json:"truncated,omitempty" cbor:"truncated,omitempty"`
}

// EncodingBase64 marks a payload holding base64 of binary message bytes.
// An empty Encoding means the payload is the message text itself.
const EncodingBase64 = "base64"
