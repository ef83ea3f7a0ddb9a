package main

import (
	"time"

	"github.com/matst80/vlessedge/internal/session"
)

// sessionRecord is the registry view of an established session. It is also
// the JSON form stored in Redis.
type sessionRecord struct {
	ID          string    `json:"id"`
	Remote      string    `json:"remote"`
	Destination string    `json:"destination"`
	Mode        string    `json:"mode"`
	Started     time.Time `json:"started"`
	Instance    string    `json:"instance,omitempty"`
}

func recordOf(s *session.Session) sessionRecord {
	return sessionRecord{
		ID:          s.ID,
		Remote:      s.Remote,
		Destination: s.Destination().String(),
		Mode:        s.Mode().String(),
		Started:     s.Started(),
	}
}

// counters are the lifetime totals kept by every backend.
type counters struct {
	Total int64 `json:"total"`
	TCP   int64 `json:"tcp"`
	DNS   int64 `json:"dns"`
}

func (c *counters) add(mode string) {
	c.Total++
	switch mode {
	case session.ModeTCP.String():
		c.TCP++
	case session.ModeDNS.String():
		c.DNS++
	}
}
