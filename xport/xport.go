// Package xport is the host side of the wire: it frames requests, reads
// back responses, and enforces the one-request-in-flight discipline the
// device's single protocol loop expects. It knows nothing about what the
// commands mean; that lives in package remote.
package xport

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync/atomic"
	"time"

	"loadstone/protocol"
)

var (
	ErrTimeout  = errors.New("transport read timed out")
	ErrInFlight = errors.New("a request is already in flight")
)

// deadline support is optional on the underlying pipe; net.Pipe and
// pollable files both provide it
type deadliner interface {
	SetReadDeadline(t time.Time) error
}

// Client multiplexes exactly one request/response pair at a time over an
// ordered reliable byte pipe. It is not safe for concurrent use; callers
// own the serialization, same as the session that owns the port.
type Client struct {
	conn       io.ReadWriter
	timeout    time.Duration
	maxPayload uint32
	busy       atomic.Bool
}

// NewClient wraps a byte pipe. A zero timeout disables deadlines (useful
// for in-process pipes in tests).
func NewClient(conn io.ReadWriter, timeout time.Duration) *Client {
	return &Client{
		conn:       conn,
		timeout:    timeout,
		maxPayload: protocol.DefaultMaxPayload,
	}
}

// SetMaxPayload adopts the ceiling the device reported in get-info.
func (c *Client) SetMaxPayload(n uint32) {
	if n > 0 {
		c.maxPayload = n
	}
}

// MaxPayload is the current response-size ceiling.
func (c *Client) MaxPayload() uint32 { return c.maxPayload }

// Exchange sends one request and blocks until its response frame has been
// fully read. On timeout the serial buffer is discarded and ErrTimeout is
// returned wrapped; the session is then in an unknown state and the caller
// decides whether to keep the connection.
func (c *Client) Exchange(cmd protocol.Command, payload []byte) (*protocol.Frame, error) {
	if !c.busy.CompareAndSwap(false, true) {
		return nil, ErrInFlight
	}
	defer c.busy.Store(false)

	if err := protocol.Write(c.conn, cmd, protocol.FlagRequest, payload); err != nil {
		return nil, fmt.Errorf("send %s: %w", cmd, err)
	}

	if d, ok := c.conn.(deadliner); ok && c.timeout > 0 {
		d.SetReadDeadline(time.Now().Add(c.timeout))
		defer d.SetReadDeadline(time.Time{})
	}

	f, err := protocol.Read(c.conn, c.maxPayload)
	if err != nil {
		if isTimeout(err) {
			c.discard()
			return nil, fmt.Errorf("%s: %w", cmd, ErrTimeout)
		}
		return nil, fmt.Errorf("receive %s response: %w", cmd, err)
	}
	if f.Cmd != cmd {
		return nil, fmt.Errorf("response command %s does not match request %s", f.Cmd, cmd)
	}
	return f, nil
}

func isTimeout(err error) bool {
	if os.IsTimeout(err) {
		return true
	}
	var to interface{ Timeout() bool }
	return errors.As(err, &to) && to.Timeout()
}

// discard drains whatever is sitting in the receive buffer so a late or
// partial response cannot be mistaken for the answer to the next request.
func (c *Client) discard() {
	d, ok := c.conn.(deadliner)
	if !ok {
		return
	}
	var scratch [512]byte
	for {
		d.SetReadDeadline(time.Now().Add(10 * time.Millisecond))
		n, err := c.conn.Read(scratch[:])
		if err != nil || n == 0 {
			break
		}
	}
	d.SetReadDeadline(time.Time{})
}
