package broker

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/seantiz/sandbroker/internal/protocol"
)

// Metric label values for request outcomes.
const (
	outcomeSuccess   = "success"
	outcomeFailure   = "failure"
	outcomeBlocked   = "blocked"
	outcomeAbandoned = "abandoned"
	outcomeError     = "error"
)

var (
	requestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sandbroker_broker_requests_total",
			Help: "Total number of requests sent to the executor.",
		},
		[]string{"kind", "outcome"},
	)

	requestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sandbroker_broker_request_seconds",
			Help:    "Time from submission to settlement of a request, in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"kind"},
	)

	pendingRequests = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "sandbroker_broker_pending_requests",
			Help: "Number of registered requests not yet settled.",
		},
	)

	restartsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sandbroker_executor_restarts_total",
			Help: "Total number of executor generations terminated by the broker.",
		},
		[]string{"reason"},
	)

	activeExecutors = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "sandbroker_executor_active",
			Help: "Number of live executor instances.",
		},
	)

	spawnDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sandbroker_executor_spawn_seconds",
			Help:    "Duration of spawning a fresh executor, in seconds.",
			Buckets: prometheus.DefBuckets,
		},
	)

	strayMessages = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sandbroker_broker_stray_messages_total",
			Help: "Messages received for unknown ids or from a stale generation.",
		},
	)

	stageTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sandbroker_execute_stage_transitions_total",
			Help: "Progress messages received, by execute stage.",
		},
		[]string{"stage"},
	)
)

func init() {
	prometheus.MustRegister(requestsTotal)
	prometheus.MustRegister(requestDuration)
	prometheus.MustRegister(pendingRequests)
	prometheus.MustRegister(restartsTotal)
	prometheus.MustRegister(activeExecutors)
	prometheus.MustRegister(spawnDuration)
	prometheus.MustRegister(strayMessages)
	prometheus.MustRegister(stageTransitions)

	for _, kind := range []string{protocol.KindCompress, protocol.KindDecompress, protocol.KindExecute} {
		for _, outcome := range []string{outcomeSuccess, outcomeFailure, outcomeBlocked, outcomeAbandoned, outcomeError} {
			requestsTotal.WithLabelValues(kind, outcome)
		}
	}
	restartsTotal.WithLabelValues(ReasonDeadline)
	restartsTotal.WithLabelValues(ReasonChannel)
	restartsTotal.WithLabelValues(ReasonSpawn)
	for _, stage := range []protocol.Stage{
		protocol.StageDownloading, protocol.StageCompiling, protocol.StageLoading, protocol.StageRunning,
	} {
		stageTransitions.WithLabelValues(string(stage))
	}
}

// outcome classifies a settled request for requestsTotal.
func outcome(err error) string {
	var appErr *ApplicationError
	switch {
	case err == nil:
		return outcomeSuccess
	case errors.As(err, &appErr):
		return outcomeFailure
	case errors.Is(err, ErrBlocked):
		return outcomeBlocked
	default:
		return outcomeError
	}
}
