package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "dailysync"

var (
	once sync.Once

	syncPasses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_passes_total",
			Help:      "Sync passes by result.",
		},
		[]string{"result"},
	)

	operations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_total",
			Help:      "Replayed pending operations by target and outcome.",
		},
		[]string{"target", "outcome"},
	)

	syncStatus = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sync_status",
			Help:      "Current orchestrator status (1 for the active status).",
		},
		[]string{"status"},
	)

	pendingOperations = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_operations",
			Help:      "Pending operations across all users after the last pass.",
		},
	)

	merges = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "merge_total",
			Help:      "Domain merges by entity and result.",
		},
		[]string{"entity", "result"},
	)

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by endpoint.",
		},
		[]string{"endpoint"},
	)
)

// Register registers Prometheus metrics. Safe to call multiple times.
func Register() {
	once.Do(func() {
		prometheus.MustRegister(syncPasses, operations, syncStatus, pendingOperations, merges, httpRequests)
	})
}

// IncPass counts a finished sync pass.
func IncPass(result string) {
	syncPasses.WithLabelValues(result).Inc()
}

// AddOperations counts replayed operations for a target.
func AddOperations(target, outcome string, n int) {
	if n <= 0 {
		return
	}
	operations.WithLabelValues(target, outcome).Add(float64(n))
}

// SetStatus marks status as the active one.
func SetStatus(status string, all ...string) {
	for _, s := range all {
		syncStatus.WithLabelValues(s).Set(0)
	}
	syncStatus.WithLabelValues(status).Set(1)
}

// SetPending records the pending operation count.
func SetPending(n int) {
	pendingOperations.Set(float64(n))
}

// IncMerge counts a domain merge.
func IncMerge(entity, result string) {
	merges.WithLabelValues(entity, result).Inc()
}

// IncHTTP increments the counter for an endpoint label.
func IncHTTP(endpoint string) {
	httpRequests.WithLabelValues(endpoint).Inc()
}
