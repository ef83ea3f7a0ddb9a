package proto

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// MaxPacketLen is the largest datagram that fits behind a 2-byte length prefix.
const MaxPacketLen = 0xffff

// AppendPacket appends p to dst behind its big-endian 2-byte length.
func AppendPacket(dst, p []byte) ([]byte, error) {
	if len(p) > MaxPacketLen {
		return dst, errors.Errorf("packet of %d bytes exceeds %d", len(p), MaxPacketLen)
	}
	dst = binary.BigEndian.AppendUint16(dst, uint16(len(p)))
	return append(dst, p...), nil
}

// NextPacket splits one length-prefixed packet off the front of b. ok is false
// while b does not yet hold a complete packet.
func NextPacket(b []byte) (packet, rest []byte, ok bool) {
	if len(b) < 2 {
		return nil, b, false
	}
	n := int(binary.BigEndian.Uint16(b))
	if len(b) < 2+n {
		return nil, b, false
	}
	return b[2 : 2+n], b[2+n:], true
}
