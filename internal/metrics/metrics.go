package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Set holds the reconciliation engine's instruments, registered on the
// registry the caller provides.
type Set struct {
	SessionsStarted   prometheus.Counter
	ActiveSessions    prometheus.Gauge
	OutcomesPublished *prometheus.CounterVec
	SuspiciousReports prometheus.Counter
	OrphanWebhooks    prometheus.Counter
	PollErrors        prometheus.Counter
	ConflictAttaches  prometheus.Counter
}

func New(reg prometheus.Registerer) *Set {
	factory := promauto.With(reg)
	return &Set{
		SessionsStarted: factory.NewCounter(prometheus.CounterOpts{
			Name: "terminal_sessions_started_total",
			Help: "Terminal payment sessions started.",
		}),
		ActiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "terminal_sessions_active",
			Help: "Sessions currently awaiting a terminal outcome.",
		}),
		OutcomesPublished: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "terminal_outcomes_published_total",
			Help: "Terminal outcomes published to the notification sink, by final state.",
		}, []string{"state"}),
		SuspiciousReports: factory.NewCounter(prometheus.CounterOpts{
			Name: "terminal_suspicious_reports_total",
			Help: "Status reports discarded because their transaction id contradicted the bound identity.",
		}),
		OrphanWebhooks: factory.NewCounter(prometheus.CounterOpts{
			Name: "terminal_orphan_webhooks_total",
			Help: "Webhook deliveries that matched no known session reference.",
		}),
		PollErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "terminal_poll_errors_total",
			Help: "Transient status-poll transport errors (retried, never terminal).",
		}),
		ConflictAttaches: factory.NewCounter(prometheus.CounterOpts{
			Name: "terminal_conflict_attaches_total",
			Help: "Start calls answered terminal-busy and re-attached to the running session.",
		}),
	}
}
