// Package tacs is the client of the Test Adapter Control Service, which binds
// logical probe names to concrete transports on remote agents and proxies
// their traffic.
//
// The client is synchronous: one request is in flight at a time, matching
// the single-threaded script that drives it.
package tacs

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/roach88/atsh/internal/event"
	"github.com/roach88/atsh/internal/plugin"
	"github.com/roach88/atsh/internal/wire"
)

// Methods understood by TACS.
const (
	MethodBind    = "bind"
	MethodUnbind  = "unbind"
	MethodSend    = "send"
	MethodReceive = "receive"
)

// CodeTimeout is the ERR code TACS uses when a receive times out.
const CodeTimeout = "TIMEOUT"

// replySlack is added to receive timeouts to cover the round trip.
const replySlack = 2 * time.Second

// RemoteError is an ERR frame returned by TACS.
type RemoteError struct {
	Method  string
	Code    string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("tacs %s: %s: %s", e.Method, e.Code, e.Message)
}

// Client is a connection to TACS.
type Client struct {
	addr    string
	conn    net.Conn
	fr      *wire.FrameReader
	fw      *wire.FrameWriter
	ids     event.IDGenerator
	timeout time.Duration

	mu     sync.Mutex
	closed bool
}

// Dial connects to TACS and performs the HELLO exchange. timeout bounds the
// dial, the handshake, and every later non-receive request.
func Dial(ctx context.Context, addr string, timeout time.Duration, ids event.IDGenerator) (*Client, error) {
	if ids == nil {
		ids = event.UUIDv7Generator{}
	}
	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial tacs %s: %w", addr, err)
	}

	c := &Client{
		addr:    addr,
		conn:    conn,
		fr:      wire.NewFrameReader(conn),
		fw:      wire.NewFrameWriter(conn),
		ids:     ids,
		timeout: timeout,
	}

	if err := c.fw.WriteFrame(wire.NewHello(map[string]any{"role": "ats"})); err != nil {
		conn.Close()
		return nil, fmt.Errorf("tacs %s: send hello: %w", addr, err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(timeout))
	ack, err := c.fr.ReadFrame()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("tacs %s: await hello: %w", addr, err)
	}
	if ack.Type != wire.FrameHello {
		conn.Close()
		return nil, fmt.Errorf("tacs %s: expected HELLO, got %s", addr, ack.Type)
	}
	_ = conn.SetReadDeadline(time.Time{})

	return c, nil
}

// Addr returns the TACS address.
func (c *Client) Addr() string {
	return c.addr
}

// Bind attaches a logical probe name to a remote probe of the given type,
// addressed by uri (probe:<name>@<agent>). params are passed to the probe.
func (c *Client) Bind(ctx context.Context, name, uri, probeType string, params map[string]any) error {
	var payload []byte
	if len(params) > 0 {
		var err error
		if payload, err = cbor.Marshal(params); err != nil {
			return fmt.Errorf("tacs bind %s: encode params: %w", name, err)
		}
	}
	_, err := c.call(ctx, MethodBind, map[string]any{"probe": name, "uri": uri, "type": probeType}, payload, c.timeout)
	return err
}

// Unbind releases a bound probe.
func (c *Client) Unbind(ctx context.Context, name string) error {
	_, err := c.call(ctx, MethodUnbind, map[string]any{"probe": name}, nil, c.timeout)
	return err
}

// Send sends msg through the bound probe.
func (c *Client) Send(ctx context.Context, name string, msg []byte) error {
	_, err := c.call(ctx, MethodSend, map[string]any{"probe": name}, msg, c.timeout)
	return err
}

// Receive waits up to timeout for a message on the bound probe. A remote
// timeout is reported as plugin.ErrTimeout.
func (c *Client) Receive(ctx context.Context, name string, timeout time.Duration) ([]byte, error) {
	meta := map[string]any{"probe": name, "timeout_ms": timeout.Milliseconds()}
	res, err := c.call(ctx, MethodReceive, meta, nil, timeout+replySlack)
	if err != nil {
		var re *RemoteError
		if errors.As(err, &re) && re.Code == CodeTimeout {
			return nil, plugin.ErrTimeout
		}
		return nil, err
	}
	return res.Payload, nil
}

// Close says BYE and closes the connection. Closing twice is a no-op.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true
	byeErr := c.fw.WriteFrame(&wire.Frame{Type: wire.FrameBye})
	return errors.Join(byeErr, c.conn.Close())
}

// ErrClosed is returned by requests after Close.
var ErrClosed = errors.New("tacs client closed")

func (c *Client) call(ctx context.Context, method string, meta map[string]any, payload []byte, wait time.Duration) (*wire.Frame, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	id := c.ids.Generate()
	if err := c.fw.WriteFrame(wire.NewRequest(id, method, meta, payload)); err != nil {
		return nil, fmt.Errorf("tacs %s: %w", method, err)
	}

	if err := c.conn.SetReadDeadline(time.Now().Add(wait)); err != nil {
		return nil, err
	}
	defer c.conn.SetReadDeadline(time.Time{})

	// Cancelling ctx unblocks the read by expiring the deadline.
	stop := context.AfterFunc(ctx, func() {
		_ = c.conn.SetReadDeadline(time.Unix(1, 0))
	})
	defer stop()

	for {
		f, err := c.fr.ReadFrame()
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			return nil, fmt.Errorf("tacs %s: %w", method, err)
		}
		if f.ID != id {
			// Reply to an earlier, abandoned request.
			continue
		}
		switch f.Type {
		case wire.FrameResponse:
			return f, nil
		case wire.FrameError:
			return nil, &RemoteError{Method: method, Code: f.ErrorCode(), Message: f.ErrorMessage()}
		default:
			return nil, fmt.Errorf("tacs %s: unexpected %s frame", method, f.Type)
		}
	}
}
