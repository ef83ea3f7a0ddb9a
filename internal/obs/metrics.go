package obs

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ActiveSessions         = promauto.NewGauge(prometheus.GaugeOpts{Name: "vlessedge_active_sessions", Help: "Sessions currently relaying"})
	SessionsTotal          = promauto.NewCounterVec(prometheus.CounterOpts{Name: "vlessedge_sessions_total", Help: "Sessions established by relay mode"}, []string{"mode"})
	ErrorsTotal            = promauto.NewCounterVec(prometheus.CounterOpts{Name: "vlessedge_session_errors_total", Help: "Session failures by type"}, []string{"type"})
	BytesRelayed           = promauto.NewCounterVec(prometheus.CounterOpts{Name: "vlessedge_bytes_relayed_total", Help: "Payload bytes relayed by direction"}, []string{"direction"})
	KeepalivesTotal        = promauto.NewCounter(prometheus.CounterOpts{Name: "vlessedge_keepalives_total", Help: "Idle keepalive frames sent"})
	DNSQueriesTotal        = promauto.NewCounterVec(prometheus.CounterOpts{Name: "vlessedge_dns_queries_total", Help: "DoH forwards by result"}, []string{"result"})
	RateLimitedTotal       = promauto.NewCounter(prometheus.CounterOpts{Name: "vlessedge_rate_limited_total", Help: "Upgrade attempts rejected by the rate limiter"})
	SessionDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{Name: "vlessedge_session_duration_seconds", Help: "Session lifetime seconds", Buckets: prometheus.ExponentialBuckets(0.01, 2, 16)})
)
