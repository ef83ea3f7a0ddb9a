package main

import "github.com/matst80/vlessedge/internal/session"

// maxListed caps the sessions returned for the dashboard.
const maxListed = 100

// StateStore records established sessions so that several instances can
// report a combined view. It doubles as the session.Tracker.
type StateStore interface {
	session.Tracker
	setClosing(closing bool)
	setReady(ready bool)
	isClosing() bool
	isReady() bool
	backend() string
	// stats helpers (not exported outside package main)
	getStats() (active int, totals counters)
	listSessions() []sessionRecord
	close() error
}
