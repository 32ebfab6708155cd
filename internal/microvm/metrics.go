package microvm

import "github.com/prometheus/client_golang/prometheus"

// Spawn outcomes.
const (
	outcomeReady  = "ready"
	outcomeFailed = "failed"
)

var (
	bootDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sandbroker_microvm_boot_seconds",
			Help:    "Duration from VM start to guest agent connection, in seconds.",
			Buckets: prometheus.DefBuckets,
		},
	)

	activeVMs = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "sandbroker_microvm_active",
			Help: "Number of currently running executor microVMs.",
		},
	)

	cleanupDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sandbroker_microvm_cleanup_seconds",
			Help:    "Duration of VM stop and network teardown, in seconds.",
			Buckets: prometheus.DefBuckets,
		},
	)

	spawnsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sandbroker_microvm_spawns_total",
			Help: "Total number of microVM spawn attempts by outcome.",
		},
		[]string{"outcome"},
	)
)

func init() {
	prometheus.MustRegister(bootDuration)
	prometheus.MustRegister(activeVMs)
	prometheus.MustRegister(cleanupDuration)
	prometheus.MustRegister(spawnsTotal)

	spawnsTotal.WithLabelValues(outcomeReady)
	spawnsTotal.WithLabelValues(outcomeFailed)
}
