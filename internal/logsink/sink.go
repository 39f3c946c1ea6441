package logsink

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"strconv"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/roach88/atsh/internal/event"
	"github.com/roach88/atsh/internal/store"
	"github.com/roach88/atsh/internal/wire"
)

// Sink is a log backend. Write is only called by the Pipeline, under its lock.
type Sink interface {
	Write(e event.Event) error
	Close() error
}

// JSONSink writes one JSON object per line.
type JSONSink struct {
	enc    *json.Encoder
	closer io.Closer
}

// NewJSONSink writes to w. closer may be nil when w must stay open (stdout).
func NewJSONSink(w io.Writer, closer io.Closer) *JSONSink {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	return &JSONSink{enc: enc, closer: closer}
}

func (s *JSONSink) Write(e event.Event) error {
	return s.enc.Encode(e)
}

func (s *JSONSink) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer.Close()
}

// JournalSink appends events to the SQLite journal. Run-started and
// run-stopped events also open and close the run row.
type JournalSink struct {
	st *store.Store
}

// NewJournalSink wraps an open store. Close closes the store.
func NewJournalSink(st *store.Store) *JournalSink {
	return &JournalSink{st: st}
}

func (s *JournalSink) Write(e event.Event) error {
	ctx := context.Background()

	if e.Kind == event.KindRunStarted {
		err := s.st.BeginRun(ctx, store.Run{
			RunID:      e.RunID,
			JobID:      e.JobID,
			ATSName:    e.Attrs[AttrATS],
			ATSVersion: e.Attrs[AttrVersion],
			Mode:       e.Attrs[AttrMode],
			StartedSeq: e.Seq,
			StartedAt:  e.Time,
		})
		if err != nil {
			return err
		}
	}

	if err := s.st.AppendEvent(ctx, e); err != nil {
		return err
	}

	if e.Kind == event.KindRunStopped {
		code, err := strconv.Atoi(e.Attrs[AttrCode])
		if err != nil {
			return fmt.Errorf("run-stopped event without numeric code: %w", err)
		}
		return s.st.EndRun(ctx, e.RunID, e.Seq, e.Time, code, e.Message)
	}
	return nil
}

func (s *JournalSink) Close() error {
	return s.st.Close()
}

// eventEncMode keeps sub-second timestamps; the default CBOR time mode
// truncates to whole seconds.
var eventEncMode = func() cbor.EncMode {
	em, err := cbor.EncOptions{Time: cbor.TimeRFC3339Nano}.EncMode()
	if err != nil {
		panic(err)
	}
	return em
}()

// NetworkSink streams events to the IL log server as LOG frames.
type NetworkSink struct {
	conn net.Conn
	fw   *wire.FrameWriter
}

// DialNetwork connects to the log server and performs the HELLO exchange.
// The server must answer HELLO within timeout, otherwise the logger is
// considered unreachable.
func DialNetwork(ctx context.Context, addr string, jobID int64, filename string, timeout time.Duration) (*NetworkSink, error) {
	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial log server %s: %w", addr, err)
	}

	fw := wire.NewFrameWriter(conn)
	hello := wire.NewHello(map[string]any{"job_id": jobID, "filename": filename})
	if err := fw.WriteFrame(hello); err != nil {
		conn.Close()
		return nil, fmt.Errorf("log server %s: send hello: %w", addr, err)
	}

	if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		conn.Close()
		return nil, err
	}
	ack, err := wire.NewFrameReader(conn).ReadFrame()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("log server %s: await hello: %w", addr, err)
	}
	if ack.Type == wire.FrameError {
		conn.Close()
		return nil, fmt.Errorf("log server %s refused: %s", addr, ack.ErrorMessage())
	}
	if ack.Type != wire.FrameHello {
		conn.Close()
		return nil, fmt.Errorf("log server %s: expected HELLO, got %s", addr, ack.Type)
	}
	_ = conn.SetReadDeadline(time.Time{})

	return &NetworkSink{conn: conn, fw: fw}, nil
}

func (s *NetworkSink) Write(e event.Event) error {
	body, err := eventEncMode.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	return s.fw.WriteFrame(&wire.Frame{
		Type:    wire.FrameLog,
		Meta:    map[string]any{"class": string(e.Class), "seq": e.Seq},
		Payload: body,
	})
}

// Close sends BYE and closes the connection.
func (s *NetworkSink) Close() error {
	byeErr := s.fw.WriteFrame(&wire.Frame{Type: wire.FrameBye})
	closeErr := s.conn.Close()
	if byeErr != nil {
		return byeErr
	}
	return closeErr
}

// DecodeEvent parses the payload of a LOG frame.
func DecodeEvent(f *wire.Frame) (event.Event, error) {
	var e event.Event
	if f.Type != wire.FrameLog {
		return e, fmt.Errorf("expected LOG frame, got %s", f.Type)
	}
	if err := cbor.Unmarshal(f.Payload, &e); err != nil {
		return e, fmt.Errorf("decode event: %w", err)
	}
	return e, nil
}
