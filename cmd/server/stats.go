package main

import "time"

// Stats represents current server stats for dashboards & API.
type Stats struct {
	Active   int             `json:"active"`
	Total    int64           `json:"total"`
	TCP      int64           `json:"tcp"`
	DNS      int64           `json:"dns"`
	Backend  string          `json:"backend"`
	Sessions []sessionRecord `json:"sessions"`
	Now      string          `json:"now"`
}

func collectStats(s StateStore) Stats {
	active, totals := s.getStats()
	return Stats{
		Active:   active,
		Total:    totals.Total,
		TCP:      totals.TCP,
		DNS:      totals.DNS,
		Backend:  s.backend(),
		Sessions: s.listSessions(),
		Now:      time.Now().UTC().Format(time.RFC3339),
	}
}

// ToTemplateMap returns a map suited for html/template rendering with expected capitalized keys.
func (s Stats) ToTemplateMap() map[string]any {
	return map[string]any{
		"Title":    "vlessedge sessions",
		"Active":   s.Active,
		"Total":    s.Total,
		"TCP":      s.TCP,
		"DNS":      s.DNS,
		"Backend":  s.Backend,
		"Sessions": s.Sessions,
	}
}
