// Package metrics exposes Prometheus counters for transfers, chunks,
// authentication and retries.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	ChunksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "backupxfer_chunks_total",
			Help: "Chunks processed, by role and result",
		},
		[]string{"role", "result"}, // role: sender|receiver, result: ok|checksum_mismatch|resent
	)

	BytesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "backupxfer_bytes_total",
			Help: "Chunk payload bytes acknowledged, by role",
		},
		[]string{"role"},
	)

	TransfersTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "backupxfer_transfers_total",
			Help: "Finished transfers, by role and outcome",
		},
		[]string{"role", "outcome"}, // outcome: completed|failed|cancelled
	)

	ActiveTransfers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "backupxfer_active_transfers",
			Help: "Transfers currently being received",
		},
	)

	AuthAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "backupxfer_auth_attempts_total",
			Help: "Authentication attempts, by outcome and failure kind",
		},
		[]string{"outcome", "kind"},
	)

	RetryAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "backupxfer_retry_attempts_total",
			Help: "Retried operations, by label and error class",
		},
		[]string{"operation", "class"},
	)

	OperationTimeoutsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "backupxfer_operation_timeouts_total",
			Help: "Operations that exceeded their timeout, by label",
		},
		[]string{"operation"},
	)

	BreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "backupxfer_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)
)

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
