// Package control holds the two asynchronous run notifications, cancel and
// action-performed, as thread-safe latches.
//
// Notifications never interrupt the script. They are latched when delivered
// and observed the next time the script reaches a wait point:
//   - cancel is checked by every probe wait and by action waits
//   - action-performed only unblocks action waits
//
// Both notifications are idempotent and may arrive before any wait point.
package control

import (
	"context"
	"sync"
	"time"
)

// ActionResult tells why an action wait ended.
type ActionResult int

const (
	ActionPerformed ActionResult = iota
	ActionTimedOut
	ActionCancelled
)

func (r ActionResult) String() string {
	switch r {
	case ActionPerformed:
		return "performed"
	case ActionTimedOut:
		return "timeout"
	case ActionCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Signals is the latch pair shared by the signal watcher and the script.
//
// Thread-safety: Cancel and ActionPerformed may be called from any
// goroutine. Waits are called from the script goroutine; only one action
// wait runs at a time.
type Signals struct {
	mu        sync.Mutex
	cancelled bool
	cancelCh  chan struct{}

	// actionCh holds at most one pending "proceed" token.
	actionCh chan struct{}

	// actionMu serializes action waits.
	actionMu sync.Mutex
}

// New returns latches with nothing pending.
func New() *Signals {
	return &Signals{
		cancelCh: make(chan struct{}),
		actionCh: make(chan struct{}, 1),
	}
}

// Cancel latches a cancel request. Calling it again has no effect.
func (s *Signals) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancelled {
		return
	}
	s.cancelled = true
	close(s.cancelCh)
}

// CancelRequested reports whether Cancel has been called.
func (s *Signals) CancelRequested() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelled
}

// Cancelled is closed once Cancel has been called.
func (s *Signals) Cancelled() <-chan struct{} {
	return s.cancelCh
}

// ActionPerformed latches a "proceed now" notification. Repeated
// notifications before the next action wait collapse into one.
func (s *Signals) ActionPerformed() {
	select {
	case s.actionCh <- struct{}{}:
	default:
	}
}

// ActionPending reports whether an action notification is latched.
func (s *Signals) ActionPending() bool {
	return len(s.actionCh) > 0
}

// WaitAction blocks until an action notification, a cancel, ctx is done, or
// timeout elapses. A latched notification is consumed immediately.
// Cancel takes precedence over a pending notification.
func (s *Signals) WaitAction(ctx context.Context, timeout time.Duration) ActionResult {
	s.actionMu.Lock()
	defer s.actionMu.Unlock()

	if s.CancelRequested() {
		return ActionCancelled
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-s.actionCh:
		return ActionPerformed
	case <-s.cancelCh:
		return ActionCancelled
	case <-ctx.Done():
		return ActionCancelled
	case <-timer.C:
		return ActionTimedOut
	}
}
