package session

import (
	"context"
	"encoding/binary"
	"io"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/matst80/vlessedge/internal/proto"
)

// fakeChannel is an in-memory Channel. Frames pushed on in are delivered by
// ReadMessage; closing in simulates the client closing the channel.
type fakeChannel struct {
	in     chan []byte
	out    chan []byte
	closed chan struct{}
	once   sync.Once

	mu        sync.Mutex
	pings     int
	closeCode int
	closeText string
	deadline  time.Time
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{
		in:     make(chan []byte, 256),
		out:    make(chan []byte, 256),
		closed: make(chan struct{}),
	}
}

func (c *fakeChannel) ReadMessage() (int, []byte, error) {
	c.mu.Lock()
	deadline := c.deadline
	c.mu.Unlock()
	var expired <-chan time.Time
	if !deadline.IsZero() {
		timer := time.NewTimer(time.Until(deadline))
		defer timer.Stop()
		expired = timer.C
	}
	select {
	case <-expired:
		return 0, nil, os.ErrDeadlineExceeded
	case f, ok := <-c.in:
		if !ok {
			return 0, nil, &websocket.CloseError{Code: websocket.CloseNormalClosure}
		}
		return websocket.BinaryMessage, f, nil
	case <-c.closed:
		return 0, nil, net.ErrClosed
	}
}

func (c *fakeChannel) WriteMessage(_ int, data []byte) error {
	select {
	case <-c.closed:
		return net.ErrClosed
	default:
	}
	c.out <- append([]byte{}, data...)
	return nil
}

func (c *fakeChannel) WriteControl(mt int, data []byte, _ time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch mt {
	case websocket.PingMessage:
		c.pings++
	case websocket.CloseMessage:
		if len(data) >= 2 {
			c.closeCode = int(binary.BigEndian.Uint16(data))
			c.closeText = string(data[2:])
		}
	}
	return nil
}

func (c *fakeChannel) SetReadDeadline(t time.Time) error {
	c.mu.Lock()
	c.deadline = t
	c.mu.Unlock()
	return nil
}

func (c *fakeChannel) readDeadline() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.deadline
}

func (c *fakeChannel) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeChannel) pingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pings
}

func (c *fakeChannel) closeFrame() (int, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeCode, c.closeText
}

// countingConn counts Close calls on the session side of a pipe.
type countingConn struct {
	net.Conn
	closes atomic.Int32
}

func (c *countingConn) Close() error {
	c.closes.Add(1)
	return c.Conn.Close()
}

// pipeOpener hands the session one end of a net.Pipe and the test the other.
type pipeOpener struct {
	calls  atomic.Int32
	err    error
	opened chan net.Conn

	mu    sync.Mutex
	cmd   proto.Command
	dest  proto.Destination
	local *countingConn
}

func newPipeOpener() *pipeOpener {
	return &pipeOpener{opened: make(chan net.Conn, 1)}
}

func (o *pipeOpener) Open(_ context.Context, cmd proto.Command, dest proto.Destination) (io.ReadWriteCloser, error) {
	o.calls.Add(1)
	if o.err != nil {
		return nil, o.err
	}
	a, b := net.Pipe()
	o.mu.Lock()
	o.cmd, o.dest = cmd, dest
	o.local = &countingConn{Conn: a}
	o.mu.Unlock()
	o.opened <- b
	return o.local, nil
}

type fakeTracker struct {
	tracked, untracked atomic.Int32
}

func (t *fakeTracker) Track(*Session)   { t.tracked.Add(1) }
func (t *fakeTracker) Untrack(*Session) { t.untracked.Add(1) }

// orderedTracker records Track and Untrack calls in the order they complete.
type orderedTracker struct {
	onTrack func(*Session)

	mu     sync.Mutex
	events []string
}

func (t *orderedTracker) Track(s *Session) {
	if t.onTrack != nil {
		t.onTrack(s)
	}
	t.mu.Lock()
	t.events = append(t.events, "track")
	t.mu.Unlock()
}

func (t *orderedTracker) Untrack(*Session) {
	t.mu.Lock()
	t.events = append(t.events, "untrack")
	t.mu.Unlock()
}

func (t *orderedTracker) snapshot() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.events...)
}

type staticResolver struct{ answer []byte }

func (r staticResolver) Resolve(context.Context, []byte) ([]byte, error) { return r.answer, nil }
