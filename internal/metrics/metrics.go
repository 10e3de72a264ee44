package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Transfer metrics
	TransfersTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "archivist_transfers_total",
			Help: "Transfers handled by the collector",
		},
		[]string{"kind", "outcome"}, // outcome: verified, unverified, undecrypted, error
	)

	BytesReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "archivist_bytes_received_total",
			Help: "Body bytes received",
		},
		[]string{"kind"},
	)

	TransferDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "archivist_transfer_duration_seconds",
			Help:    "Time from header to ack",
			Buckets: []float64{.01, .05, .1, .5, 1, 5, 15, 60, 300},
		},
		[]string{"kind"},
	)

	DecryptAttempts = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "archivist_decrypt_attempts",
			Help:    "Keys tried per decrypt-by-trial run",
			Buckets: []float64{1, 2, 4, 8, 16, 32, 64},
		},
	)

	// Connection metrics
	ActiveConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "archivist_active_connections",
			Help: "Connections currently owned by a worker",
		},
	)

	RejectedConnections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "archivist_rejected_connections_total",
			Help: "Connections closed before processing",
		},
		[]string{"reason"}, // rate_limit, unknown_kind, protocol
	)

	WorkerPanics = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "archivist_worker_panics_total",
			Help: "Recovered panics in connection workers",
		},
	)

	// Key ring
	KeysLoaded = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "archivist_keys_loaded",
			Help: "Keys currently in the key ring",
		},
	)
)
