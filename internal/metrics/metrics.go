// Package metrics implements Prometheus metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ProbesSentTotal counts probes sent per measurement/agent.
	ProbesSentTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "iris_probes_sent_total",
			Help: "Total number of probes sent",
		},
		[]string{"measurement", "agent"},
	)

	// RepliesReceivedTotal counts replies received per measurement/agent.
	RepliesReceivedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "iris_replies_received_total",
			Help: "Total number of replies received",
		},
		[]string{"measurement", "agent"},
	)

	// RoundDurationSeconds measures the wall-clock duration of one round.
	RoundDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "iris_round_duration_seconds",
			Help:    "Duration of a single measurement round in seconds",
			Buckets: prometheus.ExponentialBuckets(1, 2, 16), // 1s .. ~9h
		},
		[]string{"measurement", "agent"},
	)

	// AgentStateGauge tracks the current AgentState per measurement/agent
	// participation (0=created, 1=ongoing, 2=finished, 3=canceled,
	// 4=agent_failure).
	AgentStateGauge = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "iris_measurement_agent_state",
			Help: "Current lifecycle state of a measurement agent (0=created,1=ongoing,2=finished,3=canceled,4=agent_failure)",
		},
		[]string{"measurement", "agent"},
	)

	// RoundsActive tracks the number of rounds currently in flight per
	// worker process.
	RoundsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "iris_worker_rounds_active",
			Help: "Number of measurement rounds currently being processed by this worker",
		},
	)

	// ResultRowsInsertedTotal counts rows inserted into a results table.
	ResultRowsInsertedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "iris_result_rows_inserted_total",
			Help: "Total number of result rows inserted into ClickHouse",
		},
		[]string{"measurement", "agent"},
	)

	// BusErrorsTotal counts errors talking to the bus, by operation.
	BusErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "iris_bus_errors_total",
			Help: "Total number of bus adapter errors",
		},
		[]string{"operation"},
	)

	// StorageErrorsTotal counts errors talking to object storage, by
	// operation.
	StorageErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "iris_storage_errors_total",
			Help: "Total number of object-store adapter errors",
		},
		[]string{"operation"},
	)

	// SubprocessExitsTotal counts prober subprocess exits, by outcome
	// (success, failure, canceled).
	SubprocessExitsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "iris_subprocess_exits_total",
			Help: "Total number of prober subprocess exits by outcome",
		},
		[]string{"outcome"},
	)
)

// AgentStateValue maps model.AgentState to the numeric value exported by
// AgentStateGauge.
const (
	AgentStateValueCreated      = 0
	AgentStateValueOngoing      = 1
	AgentStateValueFinished     = 2
	AgentStateValueCanceled     = 3
	AgentStateValueAgentFailure = 4
)
