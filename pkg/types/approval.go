package types

import (
	"time"
)

// ApprovalStatus represents the resolution state of an approval request.
type ApprovalStatus string

const (
	ApprovalStatusPending  ApprovalStatus = "pending"
	ApprovalStatusApproved ApprovalStatus = "approved"
	ApprovalStatusDenied   ApprovalStatus = "denied"
	ApprovalStatusExpired  ApprovalStatus = "expired"
)

// Resolved reports whether the approval no longer blocks its task.
func (s ApprovalStatus) Resolved() bool {
	return s != ApprovalStatusPending
}

// ApprovalDecision is a single approver's vote.
type ApprovalDecision struct {
	Approver string    `json:"approver"`
	Approve  bool      `json:"approve"`
	Comment  string    `json:"comment,omitempty"`
	At       time.Time `json:"at"`
}

// Approval is a human-in-the-loop gate on a risk-flagged action. A task
// holding a pending approval may not progress past the gated action.
type Approval struct {
	ID        string  `json:"id"`
	TaskID    string  `json:"task_id"`
	AgentID   string  `json:"agent_id,omitempty"`
	Action    string  `json:"action"`
	RiskScore float64 `json:"risk_score"`

	Status            ApprovalStatus     `json:"status"`
	Approvers         []string           `json:"approvers"`
	RequiredApprovals int                `json:"required_approvals"`
	Decisions         []ApprovalDecision `json:"decisions,omitempty"`

	CreatedAt time.Time  `json:"created_at"`
	ExpiresAt time.Time  `json:"expires_at"`
	DecidedAt *time.Time `json:"decided_at,omitempty"`
	DecidedBy string     `json:"decided_by,omitempty"`
}

// ApprovalsReceived counts affirmative decisions.
func (a *Approval) ApprovalsReceived() int {
	n := 0
	for _, d := range a.Decisions {
		if d.Approve {
			n++
		}
	}
	return n
}
