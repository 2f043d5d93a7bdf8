// Package metrics exposes Prometheus instrumentation for the server.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the server's Prometheus collectors. Construct once and
// share; registration happens against the given registerer.
type Metrics struct {
	PixelsPlaced    prometheus.Counter
	PlacementDenied *prometheus.CounterVec
	OnlineSessions  prometheus.Gauge
	Broadcasts      prometheus.Counter
	ChunksSent      prometheus.Counter
	TransfersDone   prometheus.Counter
	WSErrors        *prometheus.CounterVec
}

// New registers the collectors with reg. Pass prometheus.DefaultRegisterer
// for the process-global registry.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		PixelsPlaced: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "pixelbattle",
			Name:      "pixels_placed_total",
			Help:      "Total accepted pixel placements",
		}),
		PlacementDenied: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pixelbattle",
			Name:      "placements_denied_total",
			Help:      "Rejected placement attempts by reason",
		}, []string{"reason"}),
		OnlineSessions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "pixelbattle",
			Name:      "online_sessions",
			Help:      "Number of connected sessions",
		}),
		Broadcasts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "pixelbattle",
			Name:      "broadcasts_total",
			Help:      "Events fanned out to connected sessions",
		}),
		ChunksSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "pixelbattle",
			Name:      "canvas_chunks_sent_total",
			Help:      "Canvas chunks delivered during transfers",
		}),
		TransfersDone: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "pixelbattle",
			Name:      "canvas_transfers_completed_total",
			Help:      "Chunked canvas transfers that ran to completion",
		}),
		WSErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pixelbattle",
			Name:      "websocket_errors_total",
			Help:      "WebSocket errors by type",
		}, []string{"type"}),
	}
}
