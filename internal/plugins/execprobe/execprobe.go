// Package execprobe is a probe backed by a helper process. Each message sent
// is written to the helper's stdin as one line; each line the helper prints
// on stdout is one received message.
//
// The helper is started through the harness process tracker, so it is reaped
// even when Finalize is never reached.
package execprobe

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/roach88/atsh/internal/plugin"
	"github.com/roach88/atsh/internal/proc"
)

// Implementation is the catalog name.
const Implementation = "exec"

// ErrHelperExited is returned by Receive once the helper closed stdout and
// every line has been consumed.
var ErrHelperExited = errors.New("helper process exited")

// Probe drives one helper process.
type Probe struct {
	name    string
	tracker *proc.Tracker

	mu     sync.Mutex
	stdin  io.WriteCloser
	lines  chan []byte
	closed bool
}

// Factory returns a catalog factory bound to tracker.
func Factory(tracker *proc.Tracker) plugin.Factory {
	return func(name string) (plugin.Plugin, error) {
		if tracker == nil {
			return nil, errors.New("exec probe requires a process tracker")
		}
		return &Probe{name: name, tracker: tracker}, nil
	}
}

func (p *Probe) Name() string { return p.name }

// Initialize starts the helper named by the "command" list.
func (p *Probe) Initialize(cfg plugin.Config) error {
	argv := cfg.Strings("command")
	if len(argv) == 0 {
		return errors.New("config.command is required")
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	if dir := cfg.String("dir", ""); dir != "" {
		cmd.Dir = dir
	}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return err
	}
	// A plain pipe rather than StdoutPipe: the tracker's Wait must not close
	// the read side before every line is consumed.
	stdout, w, err := os.Pipe()
	if err != nil {
		return err
	}
	cmd.Stdout = w
	if err := p.tracker.Start(cmd); err != nil {
		stdout.Close()
		w.Close()
		return err
	}
	w.Close()

	p.stdin = stdin
	p.lines = make(chan []byte, cfg.Int("buffer", 256))
	go p.readLines(stdout)
	return nil
}

func (p *Probe) readLines(r io.ReadCloser) {
	defer close(p.lines)
	defer r.Close()
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		p.lines <- append([]byte(nil), sc.Bytes()...)
	}
}

// Send writes msg as one line.
func (p *Probe) Send(ctx context.Context, msg []byte) error {
	if bytes.ContainsAny(msg, "\r\n") {
		return fmt.Errorf("exec probe %s: message must be a single line", p.name)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrHelperExited
	}
	_, err := p.stdin.Write(append(append([]byte(nil), msg...), '\n'))
	return err
}

// Receive returns the next line printed by the helper.
func (p *Probe) Receive(ctx context.Context, timeout time.Duration) ([]byte, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case line, ok := <-p.lines:
		if !ok {
			return nil, ErrHelperExited
		}
		return line, nil
	case <-timer.C:
		return nil, plugin.ErrTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Finalize closes the helper's stdin so it can exit on its own. The tracker
// reaps it afterwards if it does not.
func (p *Probe) Finalize() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed || p.stdin == nil {
		p.closed = true
		return nil
	}
	p.closed = true
	return p.stdin.Close()
}
