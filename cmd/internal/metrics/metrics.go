// Package metrics exposes Prometheus instrumentation for the Pulse client core.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the client-core instrument set.
//
// All components accept a *Metrics; a nil value is replaced by a set backed by
// its own throwaway registry so callers never need nil checks.
type Metrics struct {
	RefreshTotal    prometheus.Counter
	RefreshFailures prometheus.Counter

	RetriesTotal        prometheus.Counter
	SessionExpiredTotal prometheus.Counter

	ConflictsTotal prometheus.Counter

	ReconnectsTotal prometheus.Counter
	EventsApplied   prometheus.Counter
	EventsStale     prometheus.Counter
	ConnState       prometheus.Gauge
}

// New constructs and registers the instrument set on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RefreshTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pulse", Subsystem: "auth", Name: "refresh_total",
			Help: "Access-credential refresh calls issued.",
		}),
		RefreshFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pulse", Subsystem: "auth", Name: "refresh_failures_total",
			Help: "Refresh calls that failed (transient or terminal).",
		}),
		RetriesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pulse", Subsystem: "gateway", Name: "retries_total",
			Help: "Requests redispatched after a refresh-and-retry cycle.",
		}),
		SessionExpiredTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pulse", Subsystem: "gateway", Name: "session_expired_total",
			Help: "Terminal unauthorized outcomes that tore the session down.",
		}),
		ConflictsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pulse", Subsystem: "tasks", Name: "version_conflicts_total",
			Help: "Task mutations rejected with a stale version.",
		}),
		ReconnectsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pulse", Subsystem: "sync", Name: "reconnects_total",
			Help: "Realtime channel reconnect attempts.",
		}),
		EventsApplied: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pulse", Subsystem: "sync", Name: "events_applied_total",
			Help: "Remote task events applied to the local cache.",
		}),
		EventsStale: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pulse", Subsystem: "sync", Name: "events_stale_total",
			Help: "Remote task events discarded as stale or already applied.",
		}),
		ConnState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "pulse", Subsystem: "sync", Name: "connected",
			Help: "1 while the realtime channel is connected, 0 otherwise.",
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.RefreshTotal, m.RefreshFailures,
			m.RetriesTotal, m.SessionExpiredTotal,
			m.ConflictsTotal,
			m.ReconnectsTotal, m.EventsApplied, m.EventsStale, m.ConnState,
		)
	}
	return m
}

// OrNop returns m, or a set on a private registry when m is nil.
func OrNop(m *Metrics) *Metrics {
	if m != nil {
		return m
	}
	return New(prometheus.NewRegistry())
}
