package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/roach88/atsh/internal/event"
	"github.com/roach88/atsh/internal/value"
)

// Run is one row of the runs table.
type Run struct {
	RunID          string
	JobID          int64
	ATSName        string
	ATSVersion     string
	Mode           string
	StartedSeq     int64
	StartedAt      time.Time
	Stopped        bool
	StoppedSeq     int64
	StoppedAt      time.Time
	OutcomeCode    int
	OutcomeMessage string
}

// BeginRun records the start of a run.
func (s *Store) BeginRun(ctx context.Context, r Run) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runs
		(run_id, job_id, ats_name, ats_version, mode, started_seq, started_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`,
		r.RunID,
		r.JobID,
		r.ATSName,
		r.ATSVersion,
		r.Mode,
		r.StartedSeq,
		formatTime(r.StartedAt),
	)
	if err != nil {
		return fmt.Errorf("begin run: %w", err)
	}
	return nil
}

// EndRun closes a run with its outcome. Closing twice is an error: a run has
// exactly one outcome.
func (s *Store) EndRun(ctx context.Context, runID string, seq int64, at time.Time, code int, message string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE runs
		SET stopped_seq = ?, stopped_at = ?, outcome_code = ?, outcome_message = ?
		WHERE run_id = ? AND stopped_seq IS NULL
	`, seq, formatTime(at), code, message, runID)
	if err != nil {
		return fmt.Errorf("end run: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("end run: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("end run: run %q not found or already stopped", runID)
	}
	return nil
}

// ReadRun returns a run by id. Returns sql.ErrNoRows when absent.
func (s *Store) ReadRun(ctx context.Context, runID string) (Run, error) {
	var (
		r          Run
		startedAt  string
		stoppedSeq sql.NullInt64
		stoppedAt  sql.NullString
		code       sql.NullInt64
		message    sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT run_id, job_id, ats_name, ats_version, mode, started_seq, started_at,
		       stopped_seq, stopped_at, outcome_code, outcome_message
		FROM runs
		WHERE run_id = ?
	`, runID).Scan(
		&r.RunID, &r.JobID, &r.ATSName, &r.ATSVersion, &r.Mode, &r.StartedSeq, &startedAt,
		&stoppedSeq, &stoppedAt, &code, &message,
	)
	if err != nil {
		return Run{}, err
	}

	if r.StartedAt, err = parseTime(startedAt); err != nil {
		return Run{}, err
	}
	if stoppedSeq.Valid {
		r.Stopped = true
		r.StoppedSeq = stoppedSeq.Int64
		r.OutcomeCode = int(code.Int64)
		r.OutcomeMessage = message.String
		if r.StoppedAt, err = parseTime(stoppedAt.String); err != nil {
			return Run{}, err
		}
	}
	return r, nil
}

// LatestRun returns the run started last. Returns sql.ErrNoRows when the
// journal holds no run.
func (s *Store) LatestRun(ctx context.Context) (Run, error) {
	var runID string
	err := s.db.QueryRowContext(ctx, `SELECT run_id FROM runs ORDER BY rowid DESC LIMIT 1`).Scan(&runID)
	if err != nil {
		return Run{}, err
	}
	return s.ReadRun(ctx, runID)
}

// AppendEvent inserts an event. Attrs are stored as canonical JSON.
func (s *Store) AppendEvent(ctx context.Context, e event.Event) error {
	attrs, err := marshalAttrs(e.Attrs)
	if err != nil {
		return fmt.Errorf("append event: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO events
		(run_id, seq, ts, class, kind, job_id, message, attrs, payload, encoding, truncated)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		e.RunID,
		e.Seq,
		formatTime(e.Time),
		string(e.Class),
		e.Kind,
		e.JobID,
		e.Message,
		attrs,
		e.Payload,
		e.Encoding,
		e.Truncated,
	)
	if err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

// ReadEvents returns all events of a run in seq order.
// Returns an empty slice (not nil) when the run has no events.
func (s *Store) ReadEvents(ctx context.Context, runID string) ([]event.Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, seq, ts, class, kind, job_id, message, attrs, payload, encoding, truncated
		FROM events
		WHERE run_id = ?
		ORDER BY seq ASC, id ASC
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	return scanEvents(rows)
}

// ReadEventsByClass returns the events of one class in seq order.
func (s *Store) ReadEventsByClass(ctx context.Context, runID string, class event.Class) ([]event.Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, seq, ts, class, kind, job_id, message, attrs, payload, encoding, truncated
		FROM events
		WHERE run_id = ? AND class = ?
		ORDER BY seq ASC, id ASC
	`, runID, string(class))
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	return scanEvents(rows)
}

func scanEvents(rows *sql.Rows) ([]event.Event, error) {
	defer rows.Close()

	events := []event.Event{}
	for rows.Next() {
		var (
			e     event.Event
			ts    string
			class string
			attrs string
		)
		if err := rows.Scan(&e.RunID, &e.Seq, &ts, &class, &e.Kind, &e.JobID, &e.Message, &attrs, &e.Payload, &e.Encoding, &e.Truncated); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.Class = event.Class(class)

		t, err := parseTime(ts)
		if err != nil {
			return nil, err
		}
		e.Time = t

		if e.Attrs, err = unmarshalAttrs(attrs); err != nil {
			return nil, fmt.Errorf("event seq %d: %w", e.Seq, err)
		}
		events = append(events, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return events, nil
}

func marshalAttrs(attrs map[string]string) (string, error) {
	m := make(value.Map, len(attrs))
	for k, v := range attrs {
		m[k] = value.String(v)
	}
	data, err := value.MarshalCanonical(m)
	if err != nil {
		return "", fmt.Errorf("marshal attrs: %w", err)
	}
	return string(data), nil
}

func unmarshalAttrs(data string) (map[string]string, error) {
	v, err := value.UnmarshalCanonical([]byte(data))
	if err != nil {
		return nil, fmt.Errorf("unmarshal attrs: %w", err)
	}
	m, ok := v.(value.Map)
	if !ok {
		return nil, fmt.Errorf("unmarshal attrs: expected object, got %s", value.Kind(v))
	}
	if len(m) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = value.Text(v)
	}
	return out, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", s, err)
	}
	return t, nil
}
