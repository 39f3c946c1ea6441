package cli

import (
	"database/sql"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/atsh/internal/event"
	"github.com/roach88/atsh/internal/store"
)

// TraceOptions holds flags for the trace command.
type TraceOptions struct {
	*RootOptions
	Database string
	RunID    string // optional - defaults to the run started last
	Class    string // optional - filter to one event class
}

// TraceRun is the header of a trace.
type TraceRun struct {
	RunID          string     `json:"run_id"`
	JobID          int64      `json:"job_id,omitempty"`
	ATS            string     `json:"ats"`
	Version        string     `json:"version,omitempty"`
	Mode           string     `json:"mode"`
	StartedAt      time.Time  `json:"started_at"`
	Stopped        bool       `json:"stopped"`
	StoppedAt      *time.Time `json:"stopped_at,omitempty"`
	OutcomeCode    int        `json:"outcome_code"`
	OutcomeMessage string     `json:"outcome_message,omitempty"`
}

// TraceEvent is one journaled event.
type TraceEvent struct {
	Seq       int64             `json:"seq"`
	Time      time.Time         `json:"time"`
	Class     string            `json:"class"`
	Kind      string            `json:"kind"`
	Message   string            `json:"message,omitempty"`
	Attrs     map[string]string `json:"attrs,omitempty"`
	Payload   string            `json:"payload,omitempty"`
	Encoding  string            `json:"encoding,omitempty"`
	Truncated bool              `json:"truncated,omitempty"`
}

// TraceStats counts the events shown.
type TraceStats struct {
	TotalEvents int            `json:"total_events"`
	ByClass     map[string]int `json:"by_class"`
}

// TraceResult holds the complete trace output.
type TraceResult struct {
	Run    TraceRun     `json:"run"`
	Events []TraceEvent `json:"events"`
	Stats  TraceStats   `json:"stats"`
}

// NewTraceCommand creates the trace command.
func NewTraceCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TraceOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "trace",
		Short: "Show the events of a journaled run",
		Long: `Show a run recorded in a SQLite journal (--log-filename run.db).

The output includes the run header with its outcome, the events in
sequence order and a count of events per class. Payloads are shown
with --verbose.

Examples:
  atsh trace --db ./run.db
  atsh trace --db ./run.db --run 0b6c... --class user
  atsh trace --db ./run.db --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTrace(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to the SQLite journal (required)")
	_ = cmd.MarkFlagRequired("db")
	cmd.Flags().StringVar(&opts.RunID, "run", "", "run to show (default the run started last)")
	cmd.Flags().StringVar(&opts.Class, "class", "", "filter to one event class")

	return cmd
}

func runTrace(opts *TraceOptions, cmd *cobra.Command) error {
	ctx := cmd.Context()
	formatter := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}

	var class event.Class
	if opts.Class != "" {
		c, err := event.ParseClass(opts.Class)
		if err != nil {
			return WrapExitError(ExitConfigError, "invalid --class", err)
		}
		class = c
	}

	// Opening a missing path would create an empty journal.
	if _, err := os.Stat(opts.Database); errors.Is(err, fs.ErrNotExist) {
		if err := formatter.Error(ErrCodeNotFound, "journal not found: "+opts.Database, nil); err != nil {
			return err
		}
		return NewExitError(ExitConfigError, "")
	}

	st, err := store.Open(opts.Database)
	if err != nil {
		return WrapExitError(ExitConfigError, "failed to open journal", err)
	}
	defer st.Close()

	var run store.Run
	if opts.RunID == "" {
		run, err = st.LatestRun(ctx)
	} else {
		run, err = st.ReadRun(ctx, opts.RunID)
	}
	if errors.Is(err, sql.ErrNoRows) {
		msg := "no run in journal " + opts.Database
		if opts.RunID != "" {
			msg = "run not found: " + opts.RunID
		}
		if err := formatter.Error(ErrCodeNotFound, msg, nil); err != nil {
			return err
		}
		return NewExitError(ExitConfigError, "")
	}
	if err != nil {
		return WrapExitError(ExitConfigError, "failed to read run", err)
	}
	formatter.VerboseLog("Tracing run %s", run.RunID)

	var events []event.Event
	if class == "" {
		events, err = st.ReadEvents(ctx, run.RunID)
	} else {
		events, err = st.ReadEventsByClass(ctx, run.RunID, class)
	}
	if err != nil {
		return WrapExitError(ExitConfigError, "failed to read events", err)
	}

	result := buildTrace(run, events)
	return formatter.Success(result, func(w io.Writer) error {
		return outputTraceText(w, result, opts.Verbose)
	})
}

func buildTrace(run store.Run, events []event.Event) TraceResult {
	result := TraceResult{
		Run: TraceRun{
			RunID:     run.RunID,
			JobID:     run.JobID,
			ATS:       run.ATSName,
			Version:   run.ATSVersion,
			Mode:      run.Mode,
			StartedAt: run.StartedAt,
			Stopped:   run.Stopped,
		},
		Events: make([]TraceEvent, 0, len(events)),
		Stats:  TraceStats{TotalEvents: len(events), ByClass: map[string]int{}},
	}
	if run.Stopped {
		stoppedAt := run.StoppedAt
		result.Run.StoppedAt = &stoppedAt
		result.Run.OutcomeCode = run.OutcomeCode
		result.Run.OutcomeMessage = run.OutcomeMessage
	}

	for _, e := range events {
		result.Events = append(result.Events, TraceEvent{
			Seq:       e.Seq,
			Time:      e.Time,
			Class:     string(e.Class),
			Kind:      e.Kind,
			Message:   e.Message,
			Attrs:     e.Attrs,
			Payload:   e.Payload,
			Encoding:  e.Encoding,
			Truncated: e.Truncated,
		})
		result.Stats.ByClass[string(e.Class)]++
	}
	return result
}

// outputTraceText outputs the trace result as text.
func outputTraceText(w io.Writer, result TraceResult, verbose bool) error {
	run := result.Run
	fmt.Fprintf(w, "Trace for Run: %s\n", run.RunID)
	fmt.Fprintf(w, "ATS: %s %s (%s)\n", run.ATS, run.Version, run.Mode)
	if run.Stopped {
		fmt.Fprintf(w, "Outcome: %d %s\n", run.OutcomeCode, run.OutcomeMessage)
	} else {
		fmt.Fprintln(w, "Outcome: (not stopped)")
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "=== Events ===")
	if len(result.Events) == 0 {
		fmt.Fprintln(w, "  (no events)")
	}
	for _, e := range result.Events {
		formatTraceEvent(w, e, verbose)
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "=== Stats ===")
	fmt.Fprintf(w, "  Total Events: %d\n", result.Stats.TotalEvents)
	for _, c := range event.Classes {
		if n := result.Stats.ByClass[string(c)]; n > 0 {
			fmt.Fprintf(w, "  %-13s %d\n", string(c)+":", n)
		}
	}
	return nil
}

func formatTraceEvent(w io.Writer, e TraceEvent, verbose bool) {
	fmt.Fprintf(w, "  [%d] %s %s", e.Seq, e.Class, e.Kind)
	if e.Message != "" {
		fmt.Fprintf(w, ": %s", e.Message)
	}
	if len(e.Attrs) > 0 {
		fmt.Fprintf(w, " %s", formatAttrs(e.Attrs))
	}
	fmt.Fprintln(w)

	if !verbose || e.Payload == "" {
		return
	}
	label := "Payload"
	if e.Encoding != "" {
		label += " (" + e.Encoding + ")"
	}
	if e.Truncated {
		label += " (truncated)"
	}
	fmt.Fprintf(w, "       %s: %s\n", label, e.Payload)
}

// formatAttrs formats attrs with sorted keys for deterministic output.
func formatAttrs(attrs map[string]string) string {
	keys := make([]string, 0, len(attrs))
	for k := range attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = k + "=" + attrs[k]
	}
	return "{" + strings.Join(parts, ", ") + "}"
}
