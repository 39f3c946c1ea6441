// Package loopback is an in-process probe: every message sent to it is
// queued and handed back by the next Receive. Useful for dry runs and as the
// reference probe implementation.
package loopback

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/roach88/atsh/internal/plugin"
)

// Implementation is the catalog name.
const Implementation = "loopback"

// DefaultCapacity bounds the queue when the manifest does not set capacity.
const DefaultCapacity = 64

// Probe queues sent messages.
type Probe struct {
	name   string
	mu     sync.Mutex
	queue  chan []byte
	closed bool
}

// New is the catalog factory.
func New(name string) (plugin.Plugin, error) {
	return &Probe{name: name}, nil
}

func (p *Probe) Name() string { return p.name }

// Initialize reads capacity from the config.
func (p *Probe) Initialize(cfg plugin.Config) error {
	capacity := cfg.Int("capacity", DefaultCapacity)
	if capacity <= 0 {
		return fmt.Errorf("capacity must be positive, got %d", capacity)
	}
	p.queue = make(chan []byte, capacity)
	return nil
}

// ErrClosed is returned after Finalize.
var ErrClosed = errors.New("loopback probe finalized")

// Send queues a copy of msg. A full queue is an error rather than a block.
func (p *Probe) Send(ctx context.Context, msg []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrClosed
	}
	buf := append([]byte(nil), msg...)
	select {
	case p.queue <- buf:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		return fmt.Errorf("loopback %s: queue full (%d messages)", p.name, cap(p.queue))
	}
}

// Receive returns the oldest queued message, waiting at most timeout.
func (p *Probe) Receive(ctx context.Context, timeout time.Duration) ([]byte, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case msg, ok := <-p.queue:
		if !ok {
			return nil, ErrClosed
		}
		return msg, nil
	case <-timer.C:
		return nil, plugin.ErrTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Finalize drops queued messages. Calling it twice is harmless.
func (p *Probe) Finalize() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed || p.queue == nil {
		p.closed = true
		return nil
	}
	p.closed = true
	close(p.queue)
	return nil
}
