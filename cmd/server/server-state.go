package main

import (
	"sort"
	"sync"

	"github.com/matst80/vlessedge/internal/session"
)

type serverState struct {
	mu       sync.Mutex
	sessions map[string]sessionRecord
	totals   counters
	closing  bool
	ready    bool
}

func newServerState() *serverState {
	return &serverState{sessions: make(map[string]sessionRecord)}
}

var _ StateStore = (*serverState)(nil)

func (s *serverState) Track(sess *session.Session) {
	rec := recordOf(sess)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[rec.ID] = rec
	s.totals.add(rec.Mode)
}

func (s *serverState) Untrack(sess *session.Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sess.ID)
}

func (s *serverState) setClosing(closing bool) { s.mu.Lock(); s.closing = closing; s.mu.Unlock() }
func (s *serverState) setReady(ready bool)     { s.mu.Lock(); s.ready = ready; s.mu.Unlock() }
func (s *serverState) isClosing() bool         { s.mu.Lock(); defer s.mu.Unlock(); return s.closing }
func (s *serverState) isReady() bool           { s.mu.Lock(); defer s.mu.Unlock(); return s.ready }
func (s *serverState) backend() string         { return "memory" }
func (s *serverState) close() error            { return nil }

func (s *serverState) getStats() (int, counters) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions), s.totals
}

// listSessions returns the oldest sessions first.
func (s *serverState) listSessions() []sessionRecord {
	s.mu.Lock()
	out := make([]sessionRecord, 0, len(s.sessions))
	for _, rec := range s.sessions {
		out = append(out, rec)
	}
	s.mu.Unlock()
	sortRecords(out)
	if len(out) > maxListed {
		out = out[:maxListed]
	}
	return out
}

func sortRecords(recs []sessionRecord) {
	sort.Slice(recs, func(i, j int) bool { return recs[i].Started.Before(recs[j].Started) })
}
