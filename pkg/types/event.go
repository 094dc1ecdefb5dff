package types

import (
	"encoding/json"
	"time"
)

// AggregateType identifies which kind of entity an event belongs to.
type AggregateType string

const (
	AggregateDag      AggregateType = "dag"
	AggregateTask     AggregateType = "task"
	AggregateAgent    AggregateType = "agent"
	AggregateContract AggregateType = "contract"
	AggregateApproval AggregateType = "approval"
	AggregateBreaker  AggregateType = "breaker"
)

// EventType categorizes a state transition.
type EventType string

const (
	EventDagCreated   EventType = "dag.created"
	EventDagCompleted EventType = "dag.completed"
	EventDagFailed    EventType = "dag.failed"
	EventDagCancelled EventType = "dag.cancelled"

	EventTaskCreated   EventType = "task.created"
	EventTaskReady     EventType = "task.ready"
	EventTaskAssigned  EventType = "task.assigned"
	EventTaskStarted   EventType = "task.started"
	EventTaskCompleted EventType = "task.completed"
	EventTaskFailed    EventType = "task.failed"
	EventTaskRetried   EventType = "task.retried"
	EventTaskCancelled EventType = "task.cancelled"
	EventTaskRequeued  EventType = "task.requeued"

	EventAgentRegistered EventType = "agent.registered"

	EventContractIssued    EventType = "contract.issued"
	EventContractUsage     EventType = "contract.usage_recorded"
	EventContractExceeded  EventType = "contract.exceeded"
	EventContractExpired   EventType = "contract.expired"
	EventContractRevoked   EventType = "contract.revoked"
	EventContractCompleted EventType = "contract.completed"

	EventApprovalRequested EventType = "approval.requested"
	EventApprovalDecided   EventType = "approval.decided"
	EventApprovalApproved  EventType = "approval.approved"
	EventApprovalDenied    EventType = "approval.denied"
	EventApprovalExpired   EventType = "approval.expired"

	EventBreakerOpened   EventType = "breaker.opened"
	EventBreakerHalfOpen EventType = "breaker.half_open"
	EventBreakerClosed   EventType = "breaker.closed"
	EventBreakerReset    EventType = "breaker.reset"
	EventProviderForced  EventType = "breaker.provider_forced"
)

// Event is a single entry in the append-only audit log. Versions are
// strictly increasing per aggregate with no gaps, so an aggregate's
// history replays exactly.
type Event struct {
	ID            string          `json:"id"`
	AggregateType AggregateType   `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	Version       int64           `json:"version"`
	Type          EventType       `json:"type"`
	Data          json.RawMessage `json:"data,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}
