// Package proto implements the binary handshake carried in the first frame
// of a tunnel session and the response framing sent back to the client.
package proto

import (
	"encoding/binary"
	"net"
	"strconv"

	"github.com/pkg/errors"
)

// IdentityLen is the size of the client identity embedded in the handshake.
const IdentityLen = 16

// DNSPort is the only destination port accepted for datagram commands.
const DNSPort = 53

// version(1) + identity(16) + addon length(1) + command(1) + port(2) + address type(1)
const minHeaderLen = 1 + IdentityLen + 1 + 1 + 2 + 1

// ErrMalformedHeader is returned for truncated or inconsistent handshakes.
var ErrMalformedHeader = errors.New("malformed header")

// Command is the transport requested by the client.
type Command byte

const (
	CommandTCP Command = 1
	CommandUDP Command = 2
)

func (c Command) String() string {
	switch c {
	case CommandTCP:
		return "tcp"
	case CommandUDP:
		return "udp"
	}
	return "command(" + strconv.Itoa(int(c)) + ")"
}

// AddrType tags the encoding of the destination address.
type AddrType byte

const (
	AddrIPv4   AddrType = 1
	AddrDomain AddrType = 2
	AddrIPv6   AddrType = 3
)

// Destination is the outward endpoint requested by the client.
type Destination struct {
	Host string
	Port uint16
}

// String returns host:port with IPv6 literals bracketed.
func (d Destination) String() string {
	return net.JoinHostPort(d.Host, strconv.Itoa(int(d.Port)))
}

// Header is the decoded handshake.
type Header struct {
	Version     byte
	Identity    [IdentityLen]byte
	Command     Command
	AddrType    AddrType
	Destination Destination
	// PayloadOffset is the index of the first byte after the address field.
	// Everything from there on belongs to the relay.
	PayloadOffset int
}

// ParseHeader decodes the handshake at the start of frame. It performs no I/O
// and never retains frame.
func ParseHeader(frame []byte) (*Header, error) {
	if len(frame) < minHeaderLen {
		return nil, errors.Wrapf(ErrMalformedHeader, "frame too short (%d bytes)", len(frame))
	}
	h := &Header{Version: frame[0]}
	copy(h.Identity[:], frame[1:1+IdentityLen])

	addonLen := int(frame[1+IdentityLen])
	off := 1 + IdentityLen + 1 + addonLen
	// command + port + address type must still fit after the addon block
	if off+4 > len(frame) {
		return nil, errors.Wrapf(ErrMalformedHeader, "addon length %d overruns frame", addonLen)
	}

	h.Command = Command(frame[off])
	if h.Command != CommandTCP && h.Command != CommandUDP {
		return nil, errors.Wrapf(ErrMalformedHeader, "unsupported %s", h.Command)
	}
	h.Destination.Port = binary.BigEndian.Uint16(frame[off+1 : off+3])
	h.AddrType = AddrType(frame[off+3])
	off += 4

	switch h.AddrType {
	case AddrIPv4:
		if off+net.IPv4len > len(frame) {
			return nil, errors.Wrap(ErrMalformedHeader, "truncated ipv4 address")
		}
		h.Destination.Host = net.IP(frame[off : off+net.IPv4len]).String()
		off += net.IPv4len
	case AddrDomain:
		if off+1 > len(frame) {
			return nil, errors.Wrap(ErrMalformedHeader, "missing domain length")
		}
		n := int(frame[off])
		off++
		if n == 0 || off+n > len(frame) {
			return nil, errors.Wrapf(ErrMalformedHeader, "bad domain length %d", n)
		}
		h.Destination.Host = string(frame[off : off+n])
		off += n
	case AddrIPv6:
		if off+net.IPv6len > len(frame) {
			return nil, errors.Wrap(ErrMalformedHeader, "truncated ipv6 address")
		}
		h.Destination.Host = net.IP(frame[off : off+net.IPv6len]).String()
		off += net.IPv6len
	default:
		return nil, errors.Wrapf(ErrMalformedHeader, "unknown address type %d", h.AddrType)
	}
	h.PayloadOffset = off
	return h, nil
}

// EncodeHeader is the inverse of ParseHeader. The address type is chosen from
// the destination host: IPv4 and IPv6 literals are sent in binary form, anything
// else as a domain. addon may be nil.
func EncodeHeader(version byte, identity [IdentityLen]byte, cmd Command, dest Destination, addon []byte) ([]byte, error) {
	if len(addon) > 255 {
		return nil, errors.New("addon block longer than 255 bytes")
	}
	b := make([]byte, 0, minHeaderLen+len(addon)+1+len(dest.Host))
	b = append(b, version)
	b = append(b, identity[:]...)
	b = append(b, byte(len(addon)))
	b = append(b, addon...)
	b = append(b, byte(cmd))
	b = binary.BigEndian.AppendUint16(b, dest.Port)

	ip := net.ParseIP(dest.Host)
	switch {
	case ip != nil && ip.To4() != nil:
		b = append(b, byte(AddrIPv4))
		b = append(b, ip.To4()...)
	case ip != nil:
		b = append(b, byte(AddrIPv6))
		b = append(b, ip.To16()...)
	default:
		if len(dest.Host) == 0 || len(dest.Host) > 255 {
			return nil, errors.Errorf("domain length %d out of range", len(dest.Host))
		}
		b = append(b, byte(AddrDomain), byte(len(dest.Host)))
		b = append(b, dest.Host...)
	}
	return b, nil
}

// ResponseHeader is the two byte prefix sent once before any relayed bytes.
// The version byte echoes the client's own handshake version.
func ResponseHeader(version byte) []byte {
	return []byte{version, 0}
}
