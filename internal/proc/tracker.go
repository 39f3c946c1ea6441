// Package proc tracks child processes spawned by probes so the harness can
// reap them on every exit path.
package proc

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"
)

// DefaultGracePeriod is how long Reap waits after the polite stop signal.
const DefaultGracePeriod = 2 * time.Second

type child struct {
	cmd  *exec.Cmd
	done chan struct{}
	err  error
}

// Tracker owns every child process started through it.
// Safe for concurrent use.
type Tracker struct {
	mu       sync.Mutex
	children map[int]*child
	grace    time.Duration
	logger   *slog.Logger
	closed   bool
}

// NewTracker creates a tracker. A zero grace uses DefaultGracePeriod.
func NewTracker(grace time.Duration, logger *slog.Logger) *Tracker {
	if grace <= 0 {
		grace = DefaultGracePeriod
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Tracker{children: make(map[int]*child), grace: grace, logger: logger}
}

// ErrClosed is returned by Start after Reap has run.
var ErrClosed = errors.New("process tracker closed")

// Start starts cmd and tracks it until it exits or is reaped.
func (t *Tracker) Start(cmd *exec.Cmd) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return ErrClosed
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start %s: %w", cmd.Path, err)
	}

	c := &child{cmd: cmd, done: make(chan struct{})}
	pid := cmd.Process.Pid
	t.children[pid] = c

	go func() {
		c.err = cmd.Wait()
		close(c.done)
		t.mu.Lock()
		delete(t.children, pid)
		t.mu.Unlock()
	}()

	t.logger.Debug("child process started", "pid", pid, "path", cmd.Path)
	return nil
}

// Running returns the number of tracked processes still alive.
func (t *Tracker) Running() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.children)
}

// Reap stops every remaining child: a polite stop signal first, then a kill
// once the grace period expires. Further Start calls fail. It returns an
// error naming the processes that had to be killed.
func (t *Tracker) Reap() error {
	t.mu.Lock()
	t.closed = true
	remaining := make([]*child, 0, len(t.children))
	for _, c := range t.children {
		remaining = append(remaining, c)
	}
	t.mu.Unlock()

	if len(remaining) == 0 {
		return nil
	}

	for _, c := range remaining {
		if err := terminate(c.cmd.Process); err != nil && !errors.Is(err, os.ErrProcessDone) {
			t.logger.Debug("stop signal failed", "pid", c.cmd.Process.Pid, "error", err)
		}
	}

	timer := time.NewTimer(t.grace)
	defer timer.Stop()

	expired := false
	for _, c := range remaining {
		if expired {
			break
		}
		select {
		case <-c.done:
		case <-timer.C:
			expired = true
		}
	}

	var killed []int
	for _, c := range remaining {
		select {
		case <-c.done:
		default:
			if err := c.cmd.Process.Kill(); err == nil {
				killed = append(killed, c.cmd.Process.Pid)
			}
			<-c.done
		}
	}

	t.logger.Debug("child processes reaped", "count", len(remaining), "killed", len(killed))
	if len(killed) > 0 {
		return fmt.Errorf("killed %d child process(es) after %s: %v", len(killed), t.grace, killed)
	}
	return nil
}
