// Package mode decides how a harness instance runs: standalone, operated by
// a human, or server-controlled, spawned by the orchestration server.
//
// Resolution happens once, before any other component is initialized. A
// configuration error is reported on stderr only, since the logging pipeline
// does not exist yet.
package mode

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// Kind is the closed set of execution modes.
type Kind int

const (
	Standalone Kind = iota
	ServerControlled
)

func (k Kind) String() string {
	switch k {
	case Standalone:
		return "standalone"
	case ServerControlled:
		return "server-controlled"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// StdoutTarget is the reserved local log filename selecting standard output.
const StdoutTarget = "-"

// Input is the raw CLI input relevant to mode resolution.
// Zero ports fall back to the defaults passed to Resolve.
type Input struct {
	ServerControlled  bool
	JobID             string
	RemoteLogFilename string
	LocalLogFilename  string
	InputSession      string
	OutputSession     string
	TACSHost          string
	TACSPort          int
	ILHost            string
	ILPort            int
}

// Defaults are the baked ports used when the CLI leaves one out.
type Defaults struct {
	TACSPort int
	ILPort   int
}

// Address is a (host, port) pair.
type Address struct {
	Host string
	Port int
}

func (a Address) String() string {
	return net.JoinHostPort(a.Host, strconv.Itoa(a.Port))
}

// LogTarget selects the logging pipeline backend. Exactly one of Network or
// Local is meaningful: Network is set in server-controlled mode.
type LogTarget struct {
	Network        *Address
	RemoteFilename string
	LocalFilename  string
}

// IsStdout reports whether the local target is standard output.
func (t LogTarget) IsStdout() bool {
	return t.Network == nil && (t.LocalFilename == "" || t.LocalFilename == StdoutTarget)
}

// Resolved is the outcome of mode resolution. It never changes during a run.
type Resolved struct {
	Kind          Kind
	JobID         int64
	Log           LogTarget
	TACS          *Address
	InputSession  string
	OutputSession string

	// Warnings are non-fatal observations, emitted once logging is up.
	Warnings []string
}

// RemoteProbesEnabled reports whether a TACS address is available.
func (r *Resolved) RemoteProbesEnabled() bool {
	return r.TACS != nil
}

// ConfigError is a fatal configuration problem detected during resolution.
type ConfigError struct {
	Mode    Kind
	Missing []string
	Invalid []string
}

func (e *ConfigError) Error() string {
	var parts []string
	if len(e.Missing) > 0 {
		parts = append(parts, "missing required "+strings.Join(e.Missing, ", "))
	}
	if len(e.Invalid) > 0 {
		parts = append(parts, strings.Join(e.Invalid, "; "))
	}
	return fmt.Sprintf("%s mode: %s", e.Mode, strings.Join(parts, "; "))
}

// Resolve validates in for its mode and returns the resolved addresses.
// All problems are collected into a single ConfigError.
func Resolve(in Input, defaults Defaults) (*Resolved, error) {
	if in.ServerControlled {
		return resolveServer(in, defaults)
	}
	return resolveStandalone(in, defaults)
}

func resolveStandalone(in Input, defaults Defaults) (*Resolved, error) {
	cerr := &ConfigError{Mode: Standalone}
	r := &Resolved{
		Kind:          Standalone,
		Log:           LogTarget{LocalFilename: strings.TrimSpace(in.LocalLogFilename)},
		InputSession:  strings.TrimSpace(in.InputSession),
		OutputSession: strings.TrimSpace(in.OutputSession),
	}

	if r.Log.LocalFilename == "" {
		r.Log.LocalFilename = StdoutTarget
	}

	if host := strings.TrimSpace(in.TACSHost); host != "" {
		port, err := pickPort("tacs-port", in.TACSPort, defaults.TACSPort)
		if err != nil {
			cerr.Invalid = append(cerr.Invalid, err.Error())
		}
		r.TACS = &Address{Host: host, Port: port}
	} else {
		r.Warnings = append(r.Warnings, "no TACS address provided: remote probes are disabled")
	}

	if in.JobID != "" {
		id, err := parseJobID(in.JobID)
		if err != nil {
			cerr.Invalid = append(cerr.Invalid, err.Error())
		}
		r.JobID = id
	}

	if strings.TrimSpace(in.ILHost) != "" || in.RemoteLogFilename != "" {
		r.Warnings = append(r.Warnings, "log server options are ignored in standalone mode")
	}

	if len(cerr.Invalid) > 0 {
		return nil, cerr
	}
	return r, nil
}

func resolveServer(in Input, defaults Defaults) (*Resolved, error) {
	cerr := &ConfigError{Mode: ServerControlled}
	r := &Resolved{
		Kind:          ServerControlled,
		InputSession:  strings.TrimSpace(in.InputSession),
		OutputSession: strings.TrimSpace(in.OutputSession),
	}

	if strings.TrimSpace(in.JobID) == "" {
		cerr.Missing = append(cerr.Missing, "--job-id")
	} else {
		id, err := parseJobID(in.JobID)
		if err != nil {
			cerr.Invalid = append(cerr.Invalid, err.Error())
		}
		r.JobID = id
	}

	remote := strings.TrimSpace(in.RemoteLogFilename)
	if remote == "" {
		cerr.Missing = append(cerr.Missing, "--remote-log-filename")
	}

	ilHost := strings.TrimSpace(in.ILHost)
	if ilHost == "" {
		cerr.Missing = append(cerr.Missing, "--il-ip")
	} else {
		port, err := pickPort("il-port", in.ILPort, defaults.ILPort)
		if err != nil {
			cerr.Invalid = append(cerr.Invalid, err.Error())
		}
		r.Log = LogTarget{Network: &Address{Host: ilHost, Port: port}, RemoteFilename: remote}
	}

	tacsHost := strings.TrimSpace(in.TACSHost)
	if tacsHost == "" {
		cerr.Missing = append(cerr.Missing, "--tacs-ip")
	} else {
		port, err := pickPort("tacs-port", in.TACSPort, defaults.TACSPort)
		if err != nil {
			cerr.Invalid = append(cerr.Invalid, err.Error())
		}
		r.TACS = &Address{Host: tacsHost, Port: port}
	}

	if len(cerr.Missing) > 0 || len(cerr.Invalid) > 0 {
		return nil, cerr
	}
	return r, nil
}

func parseJobID(raw string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil || id < 0 {
		return 0, fmt.Errorf("invalid --job-id %q: must be a non-negative integer", raw)
	}
	return id, nil
}

func pickPort(flag string, port, fallback int) (int, error) {
	if port == 0 {
		port = fallback
	}
	if port <= 0 || port > 65535 {
		return 0, fmt.Errorf("invalid --%s %d", flag, port)
	}
	return port, nil
}
