package client

import (
	"io"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
)

// ErrTunnelClosed is returned by Read when the server ends the session with an error.
var ErrTunnelClosed = errors.New("tunnel closed by server")

const closeGrace = time.Second

// conn adapts a control channel to net.Conn. The 2-byte response header in
// front of the relayed stream is dropped.
type conn struct {
	ws     *websocket.Conn
	reader io.Reader
	skip   int

	wmu       sync.Mutex
	closeOnce sync.Once
}

func newConn(ws *websocket.Conn) *conn {
	return &conn{ws: ws, skip: 2}
}

func (c *conn) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	for {
		if c.reader == nil {
			_, r, err := c.ws.NextReader()
			if err != nil {
				return 0, readError(err)
			}
			c.reader = r
		}
		n, err := c.reader.Read(p)
		if err == io.EOF {
			c.reader = nil
			err = nil
		}
		if c.skip > 0 && n > 0 {
			drop := min(c.skip, n)
			copy(p, p[drop:n])
			n -= drop
			c.skip -= drop
		}
		if n > 0 || err != nil {
			return n, err
		}
	}
}

func readError(err error) error {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		if ce.Code == websocket.CloseNormalClosure {
			return io.EOF
		}
		return errors.Wrapf(ErrTunnelClosed, "%d %s", ce.Code, ce.Text)
	}
	return err
}

func (c *conn) Write(p []byte) (int, error) {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if err := c.ws.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (c *conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeGrace))
		err = c.ws.Close()
	})
	return err
}

func (c *conn) LocalAddr() net.Addr  { return c.ws.LocalAddr() }
func (c *conn) RemoteAddr() net.Addr { return c.ws.RemoteAddr() }

func (c *conn) SetDeadline(t time.Time) error {
	if err := c.ws.SetReadDeadline(t); err != nil {
		return err
	}
	return c.ws.SetWriteDeadline(t)
}

func (c *conn) SetReadDeadline(t time.Time) error  { return c.ws.SetReadDeadline(t) }
func (c *conn) SetWriteDeadline(t time.Time) error { return c.ws.SetWriteDeadline(t) }
