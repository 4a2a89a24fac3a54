package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// AcquireCounter counts AcquireLock calls by result (acquired, rejected,
	// failed, error).
	AcquireCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "redlock_acquire_total",
		Help: "Total number of lock acquisitions by result",
	}, []string{"result"})
	// RoundCounter counts quorum write rounds, including retries.
	RoundCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "redlock_acquire_rounds_total",
		Help: "Total number of quorum write rounds",
	})
	// ReleaseCounter counts releases by whether a quorum held the lock.
	ReleaseCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "redlock_release_total",
		Help: "Total number of lock releases by quorum outcome",
	}, []string{"quorum"})
	// NodeErrorCounter counts failed node operations.
	NodeErrorCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "redlock_node_errors_total",
		Help: "Total number of failed node operations",
	}, []string{"node", "op"})
	// AcquireLatency observes how long AcquireLock takes, retries included.
	AcquireLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "redlock_acquire_latency_seconds",
		Help:    "Latency of lock acquisitions",
		Buckets: prometheus.DefBuckets,
	})
	// NodeGauge reports the number of registered nodes.
	NodeGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "redlock_nodes",
		Help: "Current number of registered nodes",
	})
)

// NewRegistry creates a new Prometheus registry.
func NewRegistry() *prometheus.Registry {
	return prometheus.NewRegistry()
}

// RegisterLockMetrics registers the redlock metrics on the provided registry.
func RegisterLockMetrics(reg prometheus.Registerer) {
	reg.MustRegister(AcquireCounter, RoundCounter, ReleaseCounter, NodeErrorCounter, AcquireLatency, NodeGauge)
}
