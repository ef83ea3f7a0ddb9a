package session

import (
	"github.com/pkg/errors"

	"github.com/matst80/vlessedge/internal/identity"
	"github.com/matst80/vlessedge/internal/outbound"
	"github.com/matst80/vlessedge/internal/proto"
)

// ErrorType classifies err for metrics labels.
func ErrorType(err error) string {
	switch {
	case err == nil:
		return "none"
	case errors.Is(err, proto.ErrMalformedHeader):
		return "malformed_header"
	case errors.Is(err, identity.ErrRejected):
		return "identity_rejected"
	case errors.Is(err, identity.ErrInvalidToken):
		return "identity_config"
	case errors.Is(err, ErrUnsupportedDatagramPort):
		return "unsupported_datagram_port"
	case errors.Is(err, outbound.ErrUnreachable):
		return "outbound_unreachable"
	case errors.Is(err, errOutboundClosed):
		return "outbound_closed"
	case errors.Is(err, errHandshakeTimeout):
		return "handshake_timeout"
	}
	return "internal"
}
