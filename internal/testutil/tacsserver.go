package testutil

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/roach88/atsh/internal/wire"
)

// TACSRequest is one request seen by FakeTACS.
type TACSRequest struct {
	Method string
	Probe  string
	URI    string
	Type   string
	Params map[string]any
}

// FakeTACS is an in-process TACS. Bound probes behave as loopbacks: what
// the harness sends on a probe is what it receives back.
type FakeTACS struct {
	*frameServer

	mu       sync.Mutex
	requests []TACSRequest
	bound    map[string]bool
	queues   map[string][][]byte
	fail     map[string]string
}

// NewFakeTACS starts a TACS on loopback; it stops with the test.
func NewFakeTACS(t *testing.T) *FakeTACS {
	t.Helper()
	s := &FakeTACS{
		bound:  make(map[string]bool),
		queues: make(map[string][][]byte),
		fail:   make(map[string]string),
	}
	s.frameServer = startFrameServer(t, s.handle)
	return s
}

// FailMethod makes every request of method answer ERR with message.
func (s *FakeTACS) FailMethod(method, message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fail[method] = message
}

// Requests returns every request received, in order.
func (s *FakeTACS) Requests() []TACSRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]TACSRequest(nil), s.requests...)
}

// Bound reports whether name is currently bound.
func (s *FakeTACS) Bound(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bound[name]
}

func (s *FakeTACS) handle(_ net.Conn, r *wire.FrameReader, w *wire.FrameWriter) {
	hello, err := r.ReadFrame()
	if err != nil || hello.Type != wire.FrameHello {
		return
	}
	if err := w.WriteFrame(wire.NewHello(nil)); err != nil {
		return
	}

	for {
		f, err := r.ReadFrame()
		if err != nil || f.Type == wire.FrameBye {
			return
		}
		if f.Type != wire.FrameRequest {
			continue
		}
		if err := w.WriteFrame(s.serve(f)); err != nil && isClosedErr(err) {
			return
		}
	}
}

func (s *FakeTACS) serve(f *wire.Frame) *wire.Frame {
	req := TACSRequest{
		Method: f.Method,
		Probe:  f.MetaString("probe"),
		URI:    f.MetaString("uri"),
		Type:   f.MetaString("type"),
	}
	if f.Method == "bind" && len(f.Payload) > 0 {
		_ = cbor.Unmarshal(f.Payload, &req.Params)
	}

	s.mu.Lock()
	s.requests = append(s.requests, req)
	if msg, ok := s.fail[f.Method]; ok {
		s.mu.Unlock()
		return wire.NewError(f.ID, "FAILED", msg)
	}

	switch f.Method {
	case "bind":
		s.bound[req.Probe] = true
		s.mu.Unlock()
		return wire.NewResponse(f.ID, nil)
	case "unbind":
		delete(s.bound, req.Probe)
		delete(s.queues, req.Probe)
		s.mu.Unlock()
		return wire.NewResponse(f.ID, nil)
	case "send":
		if !s.bound[req.Probe] {
			s.mu.Unlock()
			return wire.NewError(f.ID, "NOT_BOUND", "probe "+req.Probe+" is not bound")
		}
		s.queues[req.Probe] = append(s.queues[req.Probe], f.Payload)
		s.mu.Unlock()
		return wire.NewResponse(f.ID, nil)
	case "receive":
		s.mu.Unlock()
		return s.receive(f, req.Probe)
	default:
		s.mu.Unlock()
		return wire.NewError(f.ID, "UNKNOWN_METHOD", f.Method)
	}
}

func (s *FakeTACS) receive(f *wire.Frame, probe string) *wire.Frame {
	ms, _ := f.MetaInt("timeout_ms")
	deadline := time.Now().Add(time.Duration(ms) * time.Millisecond)
	for {
		s.mu.Lock()
		q := s.queues[probe]
		if len(q) > 0 {
			msg := q[0]
			s.queues[probe] = q[1:]
			s.mu.Unlock()
			return wire.NewResponse(f.ID, msg)
		}
		s.mu.Unlock()

		if !time.Now().Before(deadline) || s.isClosed() {
			return wire.NewError(f.ID, "TIMEOUT", "no message on "+probe)
		}
		time.Sleep(2 * time.Millisecond)
	}
}
