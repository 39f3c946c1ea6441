// Package logsink is the logging pipeline of a harness run.
//
// A Pipeline is opened before anything else runs and brackets the run with
// exactly one run-started and one run-stopped event. It writes to one Sink:
// the IL log server in server-controlled mode, or a local JSON-lines file,
// stdout, or a SQLite journal in standalone mode.
package logsink

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/roach88/atsh/internal/event"
	"github.com/roach88/atsh/internal/mode"
	"github.com/roach88/atsh/internal/store"
	"github.com/roach88/atsh/internal/value"
)

// DefaultMaxPayloadSize bounds event payloads when Options leaves it unset.
const DefaultMaxPayloadSize = 65535

// Attribute keys set by the pipeline itself.
const (
	AttrATS     = "ats"
	AttrVersion = "version"
	AttrMode    = "mode"
	AttrCode    = "code"
	AttrTests   = "testcases"
)

// TestcaseSummary is one line of the run summary carried by run-stopped.
type TestcaseSummary struct {
	ID      string
	Group   string
	Verdict string
}

// Options configure a Pipeline.
type Options struct {
	RunID          string
	JobID          int64
	MaxPayloadSize int
	Excluded       []event.Class
	DialTimeout    time.Duration

	// Stdout receives events when the local target is standard output.
	Stdout io.Writer

	Now   func() time.Time
	Clock *event.Clock
}

// OpenError reports that the sink could not be opened. Nothing downstream
// can be observed by the operator after this.
type OpenError struct {
	Target string
	Err    error
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("open log sink %s: %v", e.Target, e.Err)
}

func (e *OpenError) Unwrap() error {
	return e.Err
}

// Open selects and opens the sink described by target.
func Open(ctx context.Context, target mode.LogTarget, opts Options) (*Pipeline, error) {
	sink, desc, err := openSink(ctx, target, opts)
	if err != nil {
		return nil, &OpenError{Target: desc, Err: err}
	}
	return New(sink, opts), nil
}

func openSink(ctx context.Context, target mode.LogTarget, opts Options) (Sink, string, error) {
	if target.Network != nil {
		addr := target.Network.String()
		timeout := opts.DialTimeout
		if timeout <= 0 {
			timeout = 5 * time.Second
		}
		sink, err := DialNetwork(ctx, addr, opts.JobID, target.RemoteFilename, timeout)
		return sink, addr, err
	}

	if target.IsStdout() {
		w := opts.Stdout
		if w == nil {
			w = os.Stdout
		}
		return NewJSONSink(w, nil), "stdout", nil
	}

	path := target.LocalFilename
	if strings.HasSuffix(path, ".db") {
		st, err := store.Open(path)
		if err != nil {
			return nil, path, err
		}
		return NewJournalSink(st), path, nil
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, path, err
	}
	return NewJSONSink(f, f), path, nil
}

// RunInfo describes the run for the run-started event.
type RunInfo struct {
	ATSName    string
	ATSVersion string
	Mode       mode.Kind
}

// Pipeline is the single writer of run events. Safe for concurrent use:
// probes and the slog bridge may emit from other goroutines.
type Pipeline struct {
	mu       sync.Mutex
	sink     Sink
	runID    string
	jobID    int64
	maxSize  int
	excluded map[event.Class]bool
	now      func() time.Time
	clock    *event.Clock

	started  bool
	stopped  bool
	closed   bool
	writeErr error
}

// New wraps an already opened sink.
func New(sink Sink, opts Options) *Pipeline {
	p := &Pipeline{
		sink:     sink,
		runID:    opts.RunID,
		jobID:    opts.JobID,
		maxSize:  opts.MaxPayloadSize,
		excluded: make(map[event.Class]bool),
		now:      opts.Now,
		clock:    opts.Clock,
	}
	if p.maxSize <= 0 {
		p.maxSize = DefaultMaxPayloadSize
	}
	if p.now == nil {
		p.now = time.Now
	}
	if p.clock == nil {
		p.clock = event.NewClock()
	}
	for _, c := range opts.Excluded {
		if c.Excludable() {
			p.excluded[c] = true
		}
	}
	return p
}

// RunID returns the id stamped on every event.
func (p *Pipeline) RunID() string {
	return p.runID
}

// Excluded reports whether events of class c are dropped.
func (p *Pipeline) Excluded(c event.Class) bool {
	return p.excluded[c]
}

// RunStarted emits the opening bracket. Only the first call has effect.
func (p *Pipeline) RunStarted(info RunInfo) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return
	}
	p.started = true
	p.emitLocked(event.ClassCore, event.KindRunStarted, "run started", map[string]string{
		AttrATS:     info.ATSName,
		AttrVersion: info.ATSVersion,
		AttrMode:    info.Mode.String(),
	}, "")
}

// RunStopped emits the closing bracket with the outcome. When testcases ran,
// their verdicts travel in the payload as a JSON list and the attrs count
// them. Only the first call has effect.
func (p *Pipeline) RunStopped(code int, message string, testcases ...TestcaseSummary) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stopped {
		return
	}
	p.stopped = true
	attrs := map[string]string{AttrCode: strconv.Itoa(code)}
	var payload string
	if len(testcases) > 0 {
		attrs[AttrTests] = strconv.Itoa(len(testcases))
		payload = summarize(testcases)
	}
	p.emitLocked(event.ClassCore, event.KindRunStopped, message, attrs, payload)
}

func summarize(testcases []TestcaseSummary) string {
	list := make(value.List, len(testcases))
	for i, tc := range testcases {
		entry := value.Map{"id": value.String(tc.ID), "verdict": value.String(tc.Verdict)}
		if tc.Group != "" {
			entry["group"] = value.String(tc.Group)
		}
		list[i] = entry
	}
	data, err := value.MarshalCanonical(list)
	if err != nil {
		return ""
	}
	return string(data)
}

// Emit writes one event. Excluded classes and events after Close are dropped.
// Printable payloads longer than the configured maximum are cut at a rune
// boundary. Anything else (binary codec output, control bytes, invalid UTF-8)
// is base64 encoded, cut so the encoded form fits the maximum.
func (p *Pipeline) Emit(class event.Class, kind, message string, attrs map[string]string, payload string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.emitLocked(class, kind, message, attrs, payload)
}

// User logs a user-class message.
func (p *Pipeline) User(message string, attrs map[string]string) {
	p.Emit(event.ClassUser, event.KindUser, message, attrs, "")
}

// Internal logs a harness diagnostic.
func (p *Pipeline) Internal(message string, attrs map[string]string) {
	p.Emit(event.ClassInternal, event.KindInternal, message, attrs, "")
}

func (p *Pipeline) emitLocked(class event.Class, kind, message string, attrs map[string]string, payload string) {
	if p.closed || p.excluded[class] {
		return
	}

	e := event.Event{
		Seq:     p.clock.Next(),
		Time:    p.now(),
		RunID:   p.runID,
		JobID:   p.jobID,
		Class:   class,
		Kind:    kind,
		Message: message,
		Attrs:   attrs,
	}
	e.Payload, e.Encoding, e.Truncated = encodePayload(payload, p.maxSize)

	if err := p.sink.Write(e); err != nil && p.writeErr == nil {
		p.writeErr = fmt.Errorf("write event seq %d: %w", e.Seq, err)
	}
}

// Close closes the sink. It reports the first write error, if any.
// Closing twice is a no-op.
func (p *Pipeline) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true
	return errors.Join(p.writeErr, p.sink.Close())
}

func encodePayload(s string, max int) (payload, encoding string, truncated bool) {
	if printable(s) {
		payload, truncated = truncate(s, max)
		return payload, "", truncated
	}
	raw := s
	if limit := max / 4 * 3; len(raw) > limit {
		raw, truncated = raw[:limit], true
	}
	return base64.StdEncoding.EncodeToString([]byte(raw)), event.EncodingBase64, truncated
}

func printable(s string) bool {
	if !utf8.ValidString(s) {
		return false
	}
	for _, r := range s {
		if !unicode.IsGraphic(r) && !unicode.IsSpace(r) {
			return false
		}
	}
	return true
}

func truncate(s string, max int) (string, bool) {
	if len(s) <= max {
		return s, false
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut], true
}
