package session

import (
	"io"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	"github.com/matst80/vlessedge/internal/obs"
	"github.com/matst80/vlessedge/internal/proto"
)

// readInbound consumes control-channel frames and queues them for the
// outbound writer. It is the only sender on s.frames and closes it when the
// control channel stops delivering.
func (s *Session) readInbound() {
	defer close(s.frames)
	defer s.guard()
	for {
		_, frame, err := s.ch.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				obs.Debug("session.inbound.read", obs.Fields{"id": s.ID, "err": err.Error()})
			}
			return
		}
		s.touch()
		select {
		case s.frames <- frame:
		case <-s.done:
			return
		}
	}
}

// writeOutbound drains the queue into the outbound connection one frame at a
// time, so a later frame never starts before an earlier one was accepted.
// Once the inbound side has closed and the queue is drained the session ends.
func (s *Session) writeOutbound() {
	defer s.wg.Done()
	defer s.guard()
	for {
		select {
		case frame, ok := <-s.frames:
			if !ok {
				s.finish(nil)
				return
			}
			if len(frame) == 0 {
				continue
			}
			if _, err := s.outbound.Write(frame); err != nil {
				s.finish(errors.WithMessage(err, "outbound write"))
				return
			}
			obs.BytesRelayed.WithLabelValues("upstream").Add(float64(len(frame)))
		case <-s.done:
			return
		}
	}
}

// readOutbound wraps every chunk read from the outbound side in one response
// frame. The first frame carries the 2-byte response header.
func (s *Session) readOutbound() {
	defer s.wg.Done()
	defer s.guard()
	buf := make([]byte, s.cfg.ReadBufferSize)
	header := proto.ResponseHeader(s.version)
	for {
		n, err := s.outbound.Read(buf)
		if n > 0 {
			frame := buf[:n]
			if header != nil {
				frame = append(header, frame...)
				header = nil
			}
			if werr := s.ch.WriteMessage(websocket.BinaryMessage, frame); werr != nil {
				s.finish(errors.WithMessage(werr, "control write"))
				return
			}
			obs.BytesRelayed.WithLabelValues("downstream").Add(float64(n))
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				s.finish(errOutboundClosed)
			} else {
				s.finish(errors.Wrap(errOutboundClosed, err.Error()))
			}
			return
		}
	}
}
