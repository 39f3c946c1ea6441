package engine

import "fmt"

// Exit codes. They are stable: a code is never reused for another meaning.
const (
	CodeOK                = 0
	CodeCancelled         = 1
	CodeLoggerUnreachable = 2
	CodeInitFailure       = 3
	CodeTestError         = 5
	CodeGeneric           = 6
	CodeConfigError       = 64
)

// Outcome is the single result of a run. It sets the process exit status
// and the run-stopped event.
type Outcome struct {
	Code    int
	Message string
}

func (o Outcome) String() string {
	if o.Message == "" {
		return fmt.Sprintf("code %d", o.Code)
	}
	return fmt.Sprintf("code %d: %s", o.Code, o.Message)
}

// State is the position of a Controller in its state machine.
type State int

const (
	StateNew State = iota
	StateInit
	StateRunning
	StateFinalizing
	StateTerminal
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateInit:
		return "init"
	case StateRunning:
		return "running"
	case StateFinalizing:
		return "finalizing"
	case StateTerminal:
		return "terminal"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}
