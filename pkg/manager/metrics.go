package manager

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/3leaps/goflume/pkg/store"
)

// Metrics are the manager's Prometheus collectors.
type Metrics struct {
	Submitted     prometheus.Counter
	Finished      *prometheus.CounterVec
	Running       prometheus.Gauge
	Queued        prometheus.Gauge
	CacheHits     prometheus.Counter
	CacheMisses   prometheus.Counter
	EventsDropped prometheus.Counter
}

// NewMetrics creates the collectors and registers them with reg when reg is
// non-nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Submitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "goflume",
			Name:      "runs_submitted_total",
			Help:      "Runs accepted by the manager.",
		}),
		Finished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "goflume",
			Name:      "runs_finished_total",
			Help:      "Runs that reached a terminal status.",
		}, []string{"status"}),
		Running: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "goflume",
			Name:      "runs_running",
			Help:      "Runs currently executing.",
		}),
		Queued: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "goflume",
			Name:      "runs_queued",
			Help:      "Runs waiting for admission.",
		}),
		CacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "goflume",
			Subsystem: "callcache",
			Name:      "hits_total",
			Help:      "Submissions answered from the call cache.",
		}),
		CacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "goflume",
			Subsystem: "callcache",
			Name:      "misses_total",
			Help:      "Submissions that had to execute.",
		}),
		EventsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "goflume",
			Subsystem: "monitor",
			Name:      "events_dropped_total",
			Help:      "Task events lost to a full monitor buffer.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.Submitted, m.Finished, m.Running, m.Queued,
			m.CacheHits, m.CacheMisses, m.EventsDropped)
	}
	return m
}

func (m *Metrics) finished(s store.RunStatus) {
	m.Finished.WithLabelValues(string(s)).Inc()
}
