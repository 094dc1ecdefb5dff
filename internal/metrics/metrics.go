// Package metrics provides Prometheus metrics for the engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// DagsTotal counts DAGs by final status.
	DagsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "taskmesh",
			Subsystem: "engine",
			Name:      "dags_total",
			Help:      "Total number of DAGs by final status",
		},
		[]string{"status"}, // "completed", "failed", "cancelled"
	)

	// DagsActive tracks currently running DAGs.
	DagsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "taskmesh",
			Subsystem: "engine",
			Name:      "dags_active",
			Help:      "Number of currently running DAGs",
		},
	)

	// TasksTotal counts tasks by final status.
	TasksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "taskmesh",
			Subsystem: "engine",
			Name:      "tasks_total",
			Help:      "Total number of tasks by final status",
		},
		[]string{"status"}, // "completed", "failed", "cancelled"
	)

	// TaskDuration tracks task execution duration.
	TaskDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "taskmesh",
			Subsystem: "engine",
			Name:      "task_duration_seconds",
			Help:      "Task execution duration in seconds",
			Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800},
		},
		[]string{"status"},
	)

	// TaskRetries tracks retry attempts per task.
	TaskRetries = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "taskmesh",
			Subsystem: "engine",
			Name:      "task_retries",
			Help:      "Number of retry attempts per task",
			Buckets:   []float64{0, 1, 2, 3, 4, 5},
		},
		[]string{"final_status"},
	)

	// ReadyQueueDepth tracks tasks waiting for dispatch.
	ReadyQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "taskmesh",
			Subsystem: "engine",
			Name:      "ready_queue_depth",
			Help:      "Number of tasks ready and waiting for dispatch",
		},
	)

	// DispatchesTotal counts dispatch attempts by provider and result.
	DispatchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "taskmesh",
			Subsystem: "engine",
			Name:      "dispatches_total",
			Help:      "Total number of dispatch attempts",
		},
		[]string{"provider", "result"}, // result: success, error, rejected
	)

	// BreakerState exposes each provider's circuit state (0 closed, 1 half_open, 2 open).
	BreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "taskmesh",
			Subsystem: "engine",
			Name:      "breaker_state",
			Help:      "Circuit breaker state per provider (0=closed, 1=half_open, 2=open)",
		},
		[]string{"provider"},
	)

	// BreakerTransitionsTotal counts breaker state transitions.
	BreakerTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "taskmesh",
			Subsystem: "engine",
			Name:      "breaker_transitions_total",
			Help:      "Total number of circuit breaker state transitions",
		},
		[]string{"provider", "to"},
	)

	// ContractsActive tracks active contracts.
	ContractsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "taskmesh",
			Subsystem: "engine",
			Name:      "contracts_active",
			Help:      "Number of active contracts",
		},
	)

	// ContractsTotal counts contracts by final status.
	ContractsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "taskmesh",
			Subsystem: "engine",
			Name:      "contracts_total",
			Help:      "Total number of contracts by final status",
		},
		[]string{"status"}, // "completed", "exceeded", "expired", "revoked"
	)

	// ApprovalsPending tracks pending approval requests.
	ApprovalsPending = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "taskmesh",
			Subsystem: "engine",
			Name:      "approvals_pending",
			Help:      "Number of pending approval requests",
		},
	)

	// ApprovalsTotal counts approvals by resolution.
	ApprovalsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "taskmesh",
			Subsystem: "engine",
			Name:      "approvals_total",
			Help:      "Total number of resolved approvals",
		},
		[]string{"resolution"}, // "approved", "denied", "expired"
	)

	// EventsTotal counts events appended by type.
	EventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "taskmesh",
			Subsystem: "engine",
			Name:      "events_total",
			Help:      "Total number of events appended to the log",
		},
		[]string{"type"},
	)

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "taskmesh",
			Subsystem: "engine",
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration tracks request latency.
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "taskmesh",
			Subsystem: "engine",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)
)
