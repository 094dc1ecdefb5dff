// Package types provides shared types for the orchestration engine.
package types

import (
	"time"
)

// DagStatus represents the current state of a DAG.
type DagStatus string

const (
	DagStatusPending   DagStatus = "pending"
	DagStatusRunning   DagStatus = "running"
	DagStatusPaused    DagStatus = "paused"
	DagStatusCompleted DagStatus = "completed"
	DagStatusFailed    DagStatus = "failed"
	DagStatusCancelled DagStatus = "cancelled"
)

// Terminal reports whether the status is final.
func (s DagStatus) Terminal() bool {
	switch s {
	case DagStatusCompleted, DagStatusFailed, DagStatusCancelled:
		return true
	default:
		return false
	}
}

// FailurePolicy controls how a DAG reacts to a required task failing.
type FailurePolicy string

const (
	// FailFast marks the DAG failed as soon as a required task fails
	// and stops dispatching its remaining tasks.
	FailFast FailurePolicy = "fail_fast"

	// BestEffort keeps dispatching unblocked tasks after a required
	// failure; the DAG is still marked failed at the end.
	BestEffort FailurePolicy = "best_effort"
)

// Dag represents a submitted workflow.
type Dag struct {
	ID            string            `json:"id"`
	Name          string            `json:"name"`
	Status        DagStatus         `json:"status"`
	FailurePolicy FailurePolicy     `json:"failure_policy"`
	Nodes         []NodeSpec        `json:"nodes"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	Error         string            `json:"error,omitempty"`
	StartedAt     *time.Time        `json:"started_at,omitempty"`
	FinishedAt    *time.Time        `json:"finished_at,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
}

// Dependency is a single dependency edge of a node. Required
// dependencies block readiness; non-required ones are ordering hints
// that never block.
type Dependency struct {
	NodeID   string `json:"node_id"`
	Required bool   `json:"required"`
}

// NodeSpec describes a single node in a workflow submission.
type NodeSpec struct {
	ID        string       `json:"id"`
	Name      string       `json:"name,omitempty"`
	Model     string       `json:"model"`
	Prompt    string       `json:"prompt,omitempty"`
	DependsOn []Dependency `json:"depends_on,omitempty"`

	Priority   Priority `json:"priority,omitempty"`
	MaxRetries int      `json:"max_retries,omitempty"`

	// Contract limits applied when the node's task is assigned.
	TokenLimit   int64    `json:"token_limit,omitempty"`
	CostLimit    float64  `json:"cost_limit,omitempty"`
	AllowedTools []string `json:"allowed_tools,omitempty"`
	DeniedTools  []string `json:"denied_tools,omitempty"`
	ContractTTL  int      `json:"contract_ttl_seconds,omitempty"`

	// Risk gating. A node with RiskScore at or above the engine's
	// approval threshold requires human approval before running.
	RiskScore         float64  `json:"risk_score,omitempty"`
	Action            string   `json:"action,omitempty"`
	Approvers         []string `json:"approvers,omitempty"`
	RequiredApprovals int      `json:"required_approvals,omitempty"`
	ApprovalTTL       int      `json:"approval_ttl_seconds,omitempty"`
}

// Priority orders tasks within the ready queue. Higher dispatches first.
type Priority int

const (
	PriorityLow      Priority = 0
	PriorityNormal   Priority = 1
	PriorityHigh     Priority = 2
	PriorityCritical Priority = 3
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return "unknown"
	}
}
