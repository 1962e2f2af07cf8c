// Package metrics provides Prometheus metrics for project negotiations.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Negotiation metrics
	negotiationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "projsync_negotiations_total",
			Help: "Total number of finished negotiations",
		},
		[]string{"direction", "status"},
	)

	negotiationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "projsync_negotiation_duration_seconds",
			Help:    "Negotiation duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"direction"},
	)

	negotiationStepDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "projsync_negotiation_step_duration_seconds",
			Help:    "Duration of individual negotiation steps in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"step"},
	)

	activeNegotiations = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "projsync_active_negotiations",
			Help: "Number of negotiations currently running",
		},
	)

	// Structure sync metrics
	structureOpsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "projsync_structure_operations_total",
			Help: "Filesystem mutations applied during structure sync",
		},
		[]string{"op"},
	)

	missingFilesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "projsync_missing_files_total",
			Help: "Files requested from peers in missing-file manifests",
		},
	)

	// Transfer metrics
	transferBytesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "projsync_transfer_bytes_total",
			Help: "Total content bytes transferred",
		},
		[]string{"direction"},
	)

	transferFilesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "projsync_transfer_files_total",
			Help: "Total files transferred",
		},
		[]string{"direction", "status"},
	)

	// Connection metrics
	connectionsOpen = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "projsync_connections_open",
			Help: "Number of open peer connections",
		},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// NegotiationStarted marks a negotiation as running.
func NegotiationStarted() {
	activeNegotiations.Inc()
}

// RecordNegotiation records a finished negotiation.
func RecordNegotiation(direction, status string, duration time.Duration) {
	activeNegotiations.Dec()
	negotiationsTotal.WithLabelValues(direction, status).Inc()
	negotiationDuration.WithLabelValues(direction).Observe(duration.Seconds())
}

// RecordStep records the duration of one negotiation step.
func RecordStep(step string, duration time.Duration) {
	negotiationStepDuration.WithLabelValues(step).Observe(duration.Seconds())
}

// RecordStructureOp records one delete or create applied to a shared root.
func RecordStructureOp(op string) {
	structureOpsTotal.WithLabelValues(op).Inc()
}

// RecordMissingFiles records the size of a missing-file manifest.
func RecordMissingFiles(count int) {
	missingFilesTotal.Add(float64(count))
}

// RecordTransferredFile records one transferred file.
func RecordTransferredFile(direction string, bytes int64, success bool) {
	status := "success"
	if !success {
		status = "error"
	}
	transferFilesTotal.WithLabelValues(direction, status).Inc()
	if success {
		transferBytesTotal.WithLabelValues(direction).Add(float64(bytes))
	}
}

// RecordTransferBytes records raw transferred bytes not attributed to one file.
func RecordTransferBytes(direction string, bytes int64) {
	transferBytesTotal.WithLabelValues(direction).Add(float64(bytes))
}

// ConnectionOpened increments the open connection gauge.
func ConnectionOpened() {
	connectionsOpen.Inc()
}

// ConnectionClosed decrements the open connection gauge.
func ConnectionClosed() {
	connectionsOpen.Dec()
}
