package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Counters and gauges for the session core. Registered on the default
// registry and exposed at GET /metrics.
var (
	SessionsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "casefile_sessions_created_total",
		Help: "Number of investigation sessions created.",
	})

	SessionsFinalized = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "casefile_sessions_finalized_total",
		Help: "Number of turn finalizations by terminal status.",
	}, []string{"status"})

	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "casefile_active_sessions",
		Help: "Sessions currently pending or in progress.",
	})

	EventsPushed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "casefile_events_pushed_total",
		Help: "Events appended to session event logs.",
	})

	SubscriberDrops = promauto.NewCounter(prometheus.CounterOpts{
		Name: "casefile_subscriber_drops_total",
		Help: "Subscribers closed because their channel overflowed.",
	})

	PersistFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "casefile_persist_failures_total",
		Help: "Session snapshots that failed all persistence attempts.",
	})
)
