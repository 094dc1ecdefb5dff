package types

import (
	"time"
)

// TaskStatus represents the current state of a task.
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusReady     TaskStatus = "ready"
	TaskStatusAssigned  TaskStatus = "assigned"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusCancelled TaskStatus = "cancelled"
)

// Terminal reports whether the status is final.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled:
		return true
	default:
		return false
	}
}

// Task is the runtime record for a single node of a DAG.
type Task struct {
	ID       string     `json:"id"`
	DagID    string     `json:"dag_id"`
	NodeID   string     `json:"node_id"`
	ParentID string     `json:"parent_id,omitempty"`
	Status   TaskStatus `json:"status"`
	Priority Priority   `json:"priority"`

	AgentID    string   `json:"agent_id,omitempty"`
	Provider   Provider `json:"provider,omitempty"`
	ContractID string   `json:"contract_id,omitempty"`
	ApprovalID string   `json:"approval_id,omitempty"`

	RetryCount int `json:"retry_count"`
	MaxRetries int `json:"max_retries"`

	TokensUsed  int64   `json:"tokens_used"`
	CostDollars float64 `json:"cost_dollars"`

	// NotBefore delays re-dispatch after a retriable failure.
	NotBefore *time.Time `json:"not_before,omitempty"`

	Error       string     `json:"error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// TaskResult is reported by an agent when a task finishes executing.
type TaskResult struct {
	TaskID     string            `json:"task_id"`
	Success    bool              `json:"success"`
	Output     string            `json:"output,omitempty"`
	TokensUsed int64             `json:"tokens_used"`
	Cost       float64           `json:"cost"`
	Error      string            `json:"error,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}
