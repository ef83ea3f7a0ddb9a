package outbound

import (
	"context"
	"io"

	"github.com/pkg/errors"

	"github.com/matst80/vlessedge/internal/proto"
)

// Connector opens the outbound side for a parsed handshake.
type Connector struct {
	Dialer   *Dialer
	Resolver Resolver
}

// NewConnector wires a dialer and a DoH resolver.
func NewConnector(d *Dialer, r Resolver) *Connector {
	return &Connector{Dialer: d, Resolver: r}
}

// Open returns a duplex byte connection for cmd. UDP commands are served by
// the DNS forwarding path; callers restrict them to port 53 beforehand.
func (c *Connector) Open(ctx context.Context, cmd proto.Command, dest proto.Destination) (io.ReadWriteCloser, error) {
	switch cmd {
	case proto.CommandTCP:
		d := c.Dialer
		if d == nil {
			d = &Dialer{}
		}
		return d.DialContext(ctx, dest)
	case proto.CommandUDP:
		if c.Resolver == nil {
			return nil, errors.Wrap(ErrUnreachable, "no dns resolver configured")
		}
		return newDNSConn(ctx, c.Resolver), nil
	}
	return nil, errors.Wrapf(ErrUnreachable, "unsupported %s", cmd)
}
