// Package lifecycle is the teardown stack of a run.
//
// Each component registers its teardown right after it comes up, so only
// what was actually initialized is torn down. Steps run in reverse
// registration order; steps pushed with PushLast (child process reaping)
// run after every regular step.
package lifecycle

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"runtime/debug"
	"sync"
)

type step struct {
	name string
	fn   func() error
}

// Finalizer runs registered teardown steps once.
//
// Thread-safety: All methods are safe for concurrent use.
type Finalizer struct {
	mu     sync.Mutex
	steps  []step
	last   []step
	ran    bool
	logger *slog.Logger
}

// New returns an empty Finalizer. Step failures are logged to logger.
func New(logger *slog.Logger) *Finalizer {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Finalizer{logger: logger}
}

// Push registers a teardown step. Pushing after Run has no effect.
func (f *Finalizer) Push(name string, fn func() error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ran {
		return
	}
	f.steps = append(f.steps, step{name: name, fn: fn})
}

// PushLast registers a step that runs after all Push steps.
func (f *Finalizer) PushLast(name string, fn func() error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ran {
		return
	}
	f.last = append(f.last, step{name: name, fn: fn})
}

// Len returns the number of pending steps.
func (f *Finalizer) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.steps) + len(f.last)
}

// Run executes every step, newest first, then the PushLast steps, newest
// first. A failing or panicking step is logged and does not stop the
// others. The joined errors are returned. Only the first call runs.
func (f *Finalizer) Run() error {
	f.mu.Lock()
	if f.ran {
		f.mu.Unlock()
		return nil
	}
	f.ran = true
	order := make([]step, 0, len(f.steps)+len(f.last))
	for i := len(f.steps) - 1; i >= 0; i-- {
		order = append(order, f.steps[i])
	}
	for i := len(f.last) - 1; i >= 0; i-- {
		order = append(order, f.last[i])
	}
	f.steps, f.last = nil, nil
	f.mu.Unlock()

	var errs []error
	for _, s := range order {
		if err := runStep(s); err != nil {
			f.logger.Warn("teardown step failed", "step", s.name, "error", err)
			errs = append(errs, err)
			continue
		}
		f.logger.Debug("teardown step done", "step", s.name)
	}
	return errors.Join(errs...)
}

func runStep(s step) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%s: panic: %v\n%s", s.name, r, debug.Stack())
		}
	}()
	if err := s.fn(); err != nil {
		return fmt.Errorf("%s: %w", s.name, err)
	}
	return nil
}
