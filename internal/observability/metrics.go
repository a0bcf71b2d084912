package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "taskmesh",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		},
		[]string{"node", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "taskmesh",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"node", "method", "path", "status"},
	)
	meshPeers = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "taskmesh",
			Subsystem: "mesh",
			Name:      "peers",
			Help:      "Connected peers in the host registry.",
		},
		[]string{"node"},
	)
	meshHandshakes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "taskmesh",
			Subsystem: "mesh",
			Name:      "handshakes_total",
			Help:      "Peer handshakes by direction and result.",
		},
		[]string{"node", "direction", "result"},
	)
	snapshotTransfers = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "taskmesh",
			Subsystem: "snapshot",
			Name:      "transfers_total",
			Help:      "Snapshot transfers by direction and result.",
		},
		[]string{"node", "direction", "result"},
	)
	snapshotBytes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "taskmesh",
			Subsystem: "snapshot",
			Name:      "bytes_total",
			Help:      "Snapshot archive bytes streamed by direction.",
		},
		[]string{"node", "direction"},
	)
	dispatchInvocations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "taskmesh",
			Subsystem: "dispatch",
			Name:      "invocations_total",
			Help:      "Task invocations by outcome.",
		},
		[]string{"node", "task", "outcome"},
	)
	dispatchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "taskmesh",
			Subsystem: "dispatch",
			Name:      "duration_seconds",
			Help:      "Task invocation duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"node", "task"},
	)
	dispatchInFlight = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "taskmesh",
			Subsystem: "dispatch",
			Name:      "in_flight",
			Help:      "Invocations awaiting a worker response.",
		},
		[]string{"node"},
	)
	supervisorInstances = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "taskmesh",
			Subsystem: "supervisor",
			Name:      "instances",
			Help:      "Supervised worker instances.",
		},
		[]string{"node"},
	)
	supervisorRestarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "taskmesh",
			Subsystem: "supervisor",
			Name:      "restarts_total",
			Help:      "Worker restarts after unexpected exits.",
		},
		[]string{"node", "task"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests, httpDuration,
			meshPeers, meshHandshakes,
			snapshotTransfers, snapshotBytes,
			dispatchInvocations, dispatchDuration, dispatchInFlight,
			supervisorInstances, supervisorRestarts,
		)
	})
}

func RecordHTTPRequest(node, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(node, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(node, method, path, statusLabel).Observe(duration.Seconds())
}

func SetMeshPeers(node string, n int) {
	RegisterMetrics()
	meshPeers.WithLabelValues(node).Set(float64(n))
}

func RecordHandshake(node, direction, result string) {
	RegisterMetrics()
	meshHandshakes.WithLabelValues(node, direction, result).Inc()
}

func RecordSnapshotTransfer(node, direction, result string, bytes int64) {
	RegisterMetrics()
	snapshotTransfers.WithLabelValues(node, direction, result).Inc()
	if bytes > 0 {
		snapshotBytes.WithLabelValues(node, direction).Add(float64(bytes))
	}
}

func RecordInvocation(node, task, outcome string, duration time.Duration) {
	RegisterMetrics()
	dispatchInvocations.WithLabelValues(node, task, outcome).Inc()
	dispatchDuration.WithLabelValues(node, task).Observe(duration.Seconds())
}

func SetInFlight(node string, n int) {
	RegisterMetrics()
	dispatchInFlight.WithLabelValues(node).Set(float64(n))
}

func SetSupervisorInstances(node string, n int) {
	RegisterMetrics()
	supervisorInstances.WithLabelValues(node).Set(float64(n))
}

func RecordRestart(node, task string) {
	RegisterMetrics()
	supervisorRestarts.WithLabelValues(node, task).Inc()
}
