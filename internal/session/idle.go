package session

import (
	"time"

	"github.com/gorilla/websocket"

	"github.com/matst80/vlessedge/internal/obs"
)

var keepalivePayload = []byte("ping")

// monitorIdle checks for inactivity once per IdlePeriod until the session ends.
func (s *Session) monitorIdle() {
	defer s.wg.Done()
	defer s.guard()
	t := time.NewTicker(s.cfg.IdlePeriod)
	defer t.Stop()
	for {
		select {
		case <-s.done:
			return
		case now := <-t.C:
			s.checkIdle(now)
		}
	}
}

// checkIdle sends a single keepalive when the client has been quiet for longer
// than IdleThreshold. Sending does not count as activity.
func (s *Session) checkIdle(now time.Time) bool {
	if now.Sub(s.LastActivity()) <= s.cfg.IdleThreshold {
		return false
	}
	if err := s.ch.WriteControl(websocket.PingMessage, keepalivePayload, now.Add(closeGrace)); err != nil {
		obs.Debug("session.keepalive", obs.Fields{"id": s.ID, "err": err.Error()})
		return false
	}
	obs.KeepalivesTotal.Inc()
	return true
}
