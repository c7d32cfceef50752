// Package metrics provides Prometheus instrumentation for the relay: live
// connection, queue and room gauges, relay and pairing counters, and the wait
// time before a pairing.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsTotal tracks the current number of live WebSocket connections.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "whisper_connections_total",
		Help: "Current number of active WebSocket connections",
	})

	// QueueSize tracks waiting connections per pairing kind.
	QueueSize = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "whisper_queue_size",
		Help: "Current number of connections waiting for a partner",
	}, []string{"kind"})

	// ActiveRooms tracks open rooms per pairing kind.
	ActiveRooms = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "whisper_active_rooms",
		Help: "Current number of paired rooms",
	}, []string{"kind"})

	// PendingReports tracks stored reports awaiting an admin decision.
	PendingReports = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "whisper_pending_reports",
		Help: "Reports stored and not yet banned or dismissed",
	})

	// RelayedTotal counts events forwarded between partners, by event type.
	RelayedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "whisper_relayed_events_total",
		Help: "Total number of events relayed to a partner",
	}, []string{"type"})

	// PairingsTotal counts rooms opened, by kind.
	PairingsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "whisper_pairings_total",
		Help: "Total number of rooms opened",
	}, []string{"kind"})

	// ReportsTotal counts report attempts by result: filed, rate_limited,
	// rejected, failed.
	ReportsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "whisper_reports_total",
		Help: "Total number of report attempts",
	}, []string{"result"})

	// AdmissionDenied counts refused WebSocket upgrades by reason.
	AdmissionDenied = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "whisper_admission_denied_total",
		Help: "Total number of connections refused before upgrade",
	}, []string{"reason"})

	// PairWait records the time between entering a queue and being paired.
	PairWait = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "whisper_pair_wait_seconds",
		Help:    "Time spent queued before pairing",
		Buckets: []float64{.01, .1, .5, 1, 2, 5, 10, 30, 60, 120},
	}, []string{"kind"})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		QueueSize,
		ActiveRooms,
		PendingReports,
		RelayedTotal,
		PairingsTotal,
		ReportsTotal,
		AdmissionDenied,
		PairWait,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
