// Package store provides the SQLite journal behind the ".db" local log sink.
//
// The journal is append-only:
//   - runs: one row per harness run, closed with the final outcome
//   - events: every emitted log event, keyed by (run_id, seq)
//
// Ordering always uses seq, the logical clock of the run, never timestamps.
// All queries include ORDER BY seq ASC, id ASC.
//
// # Database Configuration
//
//   - WAL mode: concurrent reads during writes
//   - synchronous=NORMAL
//   - busy_timeout=5000
//   - foreign_keys=ON
package store
