package obs

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ActiveSessions         = promauto.NewGauge(prometheus.GaugeOpts{Name: "httptun_active_sessions", Help: "Tunnel sessions currently relaying"})
	SessionsTotal          = promauto.NewCounter(prometheus.CounterOpts{Name: "httptun_sessions_total", Help: "Tunnel sessions announced"})
	RejectedConnections    = promauto.NewCounter(prometheus.CounterOpts{Name: "httptun_rejected_connections_total", Help: "Local connections dropped by the connection rate limit"})
	BytesTotal             = promauto.NewCounterVec(prometheus.CounterOpts{Name: "httptun_bytes_total", Help: "Bytes relayed by direction"}, []string{"direction"})
	RelayRequestsTotal     = promauto.NewCounterVec(prometheus.CounterOpts{Name: "httptun_relay_requests_total", Help: "Relay requests by method and status code"}, []string{"method", "code"})
	ErrorsTotal            = promauto.NewCounterVec(prometheus.CounterOpts{Name: "httptun_errors_total", Help: "Errors by type"}, []string{"type"})
	SessionDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{Name: "httptun_session_duration_seconds", Help: "Session lifetime seconds", Buckets: prometheus.ExponentialBuckets(0.01, 2, 16)})
)
