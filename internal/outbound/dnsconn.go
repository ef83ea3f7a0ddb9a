package outbound

import (
	"context"
	"io"
	"sync"

	"github.com/pkg/errors"

	"github.com/matst80/vlessedge/internal/proto"
)

// dnsConn presents a DoH resolver as a byte stream. Writes carry
// length-prefixed queries (records may span writes); every answer comes back
// out of Read as its own length-prefixed record, in query order.
type dnsConn struct {
	ctx      context.Context
	cancel   context.CancelFunc
	resolver Resolver

	pending []byte      // partial record carried between writes
	answers chan []byte // framed answers waiting for Read
	readBuf []byte      // remainder of an answer larger than the caller's buffer

	closed    chan struct{}
	closeOnce sync.Once
}

func newDNSConn(ctx context.Context, r Resolver) *dnsConn {
	ctx, cancel := context.WithCancel(ctx)
	return &dnsConn{
		ctx:      ctx,
		cancel:   cancel,
		resolver: r,
		answers:  make(chan []byte, 16),
		closed:   make(chan struct{}),
	}
}

// Write resolves every complete query in p synchronously. Writes must not be
// issued concurrently.
func (c *dnsConn) Write(p []byte) (int, error) {
	select {
	case <-c.closed:
		return 0, io.ErrClosedPipe
	default:
	}
	c.pending = append(c.pending, p...)
	for {
		query, rest, ok := proto.NextPacket(c.pending)
		if !ok {
			break
		}
		c.pending = rest
		if len(query) == 0 {
			continue
		}
		answer, err := c.resolver.Resolve(c.ctx, query)
		if err != nil {
			return 0, err
		}
		framed, err := proto.AppendPacket(nil, answer)
		if err != nil {
			return 0, errors.Wrap(ErrUnreachable, err.Error())
		}
		select {
		case c.answers <- framed:
		case <-c.closed:
			return 0, io.ErrClosedPipe
		}
	}
	if len(c.pending) == 0 {
		c.pending = nil
	}
	return len(p), nil
}

func (c *dnsConn) Read(p []byte) (int, error) {
	if len(c.readBuf) == 0 {
		select {
		case a := <-c.answers:
			c.readBuf = a
		case <-c.closed:
			return 0, io.EOF
		}
	}
	n := copy(p, c.readBuf)
	c.readBuf = c.readBuf[n:]
	return n, nil
}

func (c *dnsConn) Close() error {
	c.closeOnce.Do(func() {
		c.cancel()
		close(c.closed)
	})
	return nil
}
