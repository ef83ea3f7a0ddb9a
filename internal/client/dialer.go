// Package client dials destinations through a vlessedge server. Each
// connection is its own control channel carrying a single relayed stream.
package client

import (
	"context"
	"crypto/tls"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	"github.com/matst80/vlessedge/internal/identity"
	"github.com/matst80/vlessedge/internal/obs"
	"github.com/matst80/vlessedge/internal/proto"
)

const (
	DefaultHandshakeTimeout = 10 * time.Second
	protocolVersion         = 0
	bufferSize              = 32 * 1024
)

// Dialer opens tunneled connections. It satisfies the Dial signature
// expected by SOCKS front ends.
type Dialer struct {
	// ServerURL is the ws:// or wss:// endpoint of the server.
	ServerURL string
	Identity  identity.Identity
	// Host overrides the Host header, for fronting through a CDN address.
	Host             string
	Insecure         bool
	HandshakeTimeout time.Duration
}

// NewDialer returns a Dialer for serverURL authenticating as id.
func NewDialer(serverURL string, id identity.Identity) *Dialer {
	return &Dialer{ServerURL: serverURL, Identity: id, HandshakeTimeout: DefaultHandshakeTimeout}
}

func (d *Dialer) Dial(network, address string) (net.Conn, error) {
	return d.DialContext(context.Background(), network, address)
}

// DialContext opens a control channel and sends the handshake for address.
// UDP is only relayed by the server for port 53 in length-prefixed form.
func (d *Dialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	dest, err := parseDestination(address)
	if err != nil {
		return nil, err
	}
	cmd := proto.CommandTCP
	if strings.HasPrefix(network, "udp") {
		cmd = proto.CommandUDP
	}
	hdr, err := proto.EncodeHeader(protocolVersion, d.Identity, cmd, dest, nil)
	if err != nil {
		return nil, err
	}

	timeout := d.HandshakeTimeout
	if timeout <= 0 {
		timeout = DefaultHandshakeTimeout
	}
	wd := websocket.Dialer{
		Proxy:             http.ProxyFromEnvironment,
		HandshakeTimeout:  timeout,
		ReadBufferSize:    bufferSize,
		WriteBufferSize:   bufferSize,
		EnableCompression: true,
		TLSClientConfig:   &tls.Config{InsecureSkipVerify: d.Insecure},
	}
	header := http.Header{}
	if d.Host != "" {
		header.Set("Host", d.Host)
	}
	ws, resp, err := wd.DialContext(ctx, d.ServerURL, header)
	if err != nil {
		if resp != nil {
			return nil, errors.Wrapf(err, "dial %s: status %d", d.ServerURL, resp.StatusCode)
		}
		return nil, errors.Wrapf(err, "dial %s", d.ServerURL)
	}
	if err := ws.WriteMessage(websocket.BinaryMessage, hdr); err != nil {
		_ = ws.Close()
		return nil, errors.Wrap(err, "send handshake")
	}
	obs.Debug("client.dial", obs.Fields{"dest": dest.String(), "cmd": cmd.String()})
	return newConn(ws), nil
}

func parseDestination(address string) (proto.Destination, error) {
	host, portStr, err := net.SplitHostPort(address)
	if err != nil {
		return proto.Destination{}, errors.Wrapf(err, "address %q", address)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return proto.Destination{}, errors.Wrapf(err, "port %q", portStr)
	}
	return proto.Destination{Host: host, Port: uint16(port)}, nil
}
