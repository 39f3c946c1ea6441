package testutil

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/roach88/atsh/internal/event"
	"github.com/roach88/atsh/internal/wire"
)

// FakeLogServer is an in-process IL log server. It acknowledges HELLO and
// records every LOG frame.
type FakeLogServer struct {
	*frameServer

	mu     sync.Mutex
	hellos []*wire.Frame
	events []event.Event
	byes   int
	bad    int
	refuse string
}

// NewFakeLogServer starts a log server on loopback; it stops with the test.
func NewFakeLogServer(t *testing.T) *FakeLogServer {
	t.Helper()
	s := &FakeLogServer{}
	s.frameServer = startFrameServer(t, s.handle)
	return s
}

// Refuse makes the server answer HELLO with an ERR frame.
func (s *FakeLogServer) Refuse(message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refuse = message
}

func (s *FakeLogServer) handle(_ net.Conn, r *wire.FrameReader, w *wire.FrameWriter) {
	hello, err := r.ReadFrame()
	if err != nil || hello.Type != wire.FrameHello {
		return
	}

	s.mu.Lock()
	s.hellos = append(s.hellos, hello)
	refuse := s.refuse
	s.mu.Unlock()

	if refuse != "" {
		_ = w.WriteFrame(wire.NewError("", "REFUSED", refuse))
		return
	}
	if err := w.WriteFrame(wire.NewHello(nil)); err != nil {
		return
	}

	for {
		f, err := r.ReadFrame()
		if err != nil {
			return
		}
		switch f.Type {
		case wire.FrameLog:
			var e event.Event
			if err := cbor.Unmarshal(f.Payload, &e); err != nil {
				s.mu.Lock()
				s.bad++
				s.mu.Unlock()
				continue
			}
			s.mu.Lock()
			s.events = append(s.events, e)
			s.mu.Unlock()
		case wire.FrameBye:
			s.mu.Lock()
			s.byes++
			s.mu.Unlock()
			return
		}
	}
}

// Hellos returns the HELLO frames received.
func (s *FakeLogServer) Hellos() []*wire.Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*wire.Frame(nil), s.hellos...)
}

// Events returns the events received so far.
func (s *FakeLogServer) Events() []event.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]event.Event(nil), s.events...)
}

// Undecodable returns how many LOG frames carried an event the server could
// not decode.
func (s *FakeLogServer) Undecodable() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bad
}

// Kinds returns the kinds of the events received so far, in order.
func (s *FakeLogServer) Kinds() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.events))
	for i, e := range s.events {
		out[i] = e.Kind
	}
	return out
}

// WaitForBye blocks until a client said BYE or the timeout elapses.
func (s *FakeLogServer) WaitForBye(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		s.mu.Lock()
		byes := s.byes
		s.mu.Unlock()
		if byes > 0 {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return false
}
