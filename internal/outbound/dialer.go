// Package outbound opens the destination side of a session: a direct stream
// connection for TCP commands or a DNS-over-HTTPS forwarding path for port 53
// datagrams.
package outbound

import (
	"context"
	"crypto/tls"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/matst80/vlessedge/internal/obs"
	"github.com/matst80/vlessedge/internal/proto"
)

// ErrUnreachable wraps every failure to reach the destination or resolver.
var ErrUnreachable = errors.New("outbound unreachable")

const (
	DefaultDialTimeout = 10 * time.Second
	defaultKeepAlive   = 30 * time.Second
)

// Dialer opens stream connections to destinations.
type Dialer struct {
	// ProxyIP, when set, replaces the destination host for connection
	// establishment. It may be "ip", "host", "[v6]" or carry its own port.
	ProxyIP string
	Timeout time.Duration
	// TLS wraps the connection in a client TLS session using the original
	// destination host as server name.
	TLS       bool
	TLSConfig *tls.Config
}

// Target returns the address actually dialed for dest.
func (d *Dialer) Target(dest proto.Destination) string {
	override := strings.TrimSpace(d.ProxyIP)
	if override == "" {
		return dest.String()
	}
	if host, port, err := net.SplitHostPort(override); err == nil {
		return net.JoinHostPort(host, port)
	}
	override = strings.TrimSuffix(strings.TrimPrefix(override, "["), "]")
	return net.JoinHostPort(override, strconv.Itoa(int(dest.Port)))
}

// DialContext connects to dest. Errors are wrapped in ErrUnreachable.
func (d *Dialer) DialContext(ctx context.Context, dest proto.Destination) (net.Conn, error) {
	timeout := d.Timeout
	if timeout <= 0 {
		timeout = DefaultDialTimeout
	}
	nd := &net.Dialer{Timeout: timeout, KeepAlive: defaultKeepAlive}
	target := d.Target(dest)

	var (
		conn net.Conn
		err  error
	)
	if d.TLS {
		conf := &tls.Config{}
		if d.TLSConfig != nil {
			conf = d.TLSConfig.Clone()
		}
		if conf.ServerName == "" {
			conf.ServerName = dest.Host
		}
		td := &tls.Dialer{NetDialer: nd, Config: conf}
		conn, err = td.DialContext(ctx, "tcp", target)
	} else {
		conn, err = nd.DialContext(ctx, "tcp", target)
	}
	if err != nil {
		return nil, errors.Wrapf(ErrUnreachable, "dial %s: %v", target, err)
	}
	obs.Debug("outbound.dial", obs.Fields{"dest": dest.String(), "target": target, "tls": d.TLS})
	return conn, nil
}
