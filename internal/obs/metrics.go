package obs

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	KnocksTotal          = promauto.NewCounter(prometheus.CounterOpts{Name: "knockd_knocks_total", Help: "Knocks recorded"})
	KnocksDroppedTotal   = promauto.NewCounterVec(prometheus.CounterOpts{Name: "knockd_knocks_dropped_total", Help: "Datagrams not counted as knocks by reason"}, []string{"reason"})
	DecisionsTotal       = promauto.NewCounterVec(prometheus.CounterOpts{Name: "knockd_decisions_total", Help: "Authorization decisions on the protected port by result"}, []string{"result"})
	SessionsActive       = promauto.NewGauge(prometheus.GaugeOpts{Name: "knockd_sessions_active", Help: "Authorized sessions awaiting payload delivery"})
	PayloadBytesTotal    = promauto.NewCounter(prometheus.CounterOpts{Name: "knockd_payload_bytes_total", Help: "Payload bytes written to sessions"})
	TrackedAddresses     = promauto.NewGauge(prometheus.GaugeOpts{Name: "knockd_tracked_addresses", Help: "Source addresses with a knock record"})
	EvictionsTotal       = promauto.NewCounterVec(prometheus.CounterOpts{Name: "knockd_evictions_total", Help: "Knock records evicted by reason"}, []string{"reason"})
	RegisteredResources  = promauto.NewGauge(prometheus.GaugeOpts{Name: "knockd_registered_resources", Help: "Sockets registered with the event multiplexer"})
	PollWakeupsTotal     = promauto.NewCounter(prometheus.CounterOpts{Name: "knockd_poll_wakeups_total", Help: "Event multiplexer wake-ups"})
	EventsPerWakeup      = promauto.NewHistogram(prometheus.HistogramOpts{Name: "knockd_events_per_wakeup", Help: "Readiness events returned per wake-up", Buckets: prometheus.ExponentialBuckets(1, 2, 12)})
	ErrorsTotal          = promauto.NewCounterVec(prometheus.CounterOpts{Name: "knockd_errors_total", Help: "Errors by type"}, []string{"type"})
	AuditDroppedTotal    = promauto.NewCounter(prometheus.CounterOpts{Name: "knockd_audit_dropped_total", Help: "Audit events dropped because the sink queue was full"})
	AuditPublishedTotal  = promauto.NewCounter(prometheus.CounterOpts{Name: "knockd_audit_published_total", Help: "Audit events delivered to the sink backend"})
	SessionLifetime      = promauto.NewHistogram(prometheus.HistogramOpts{Name: "knockd_session_lifetime_seconds", Help: "Time from session promotion to teardown", Buckets: prometheus.ExponentialBuckets(0.0001, 2, 16)})
)
