package types

import (
	"time"
)

// ContractStatus represents the lifecycle state of an agent contract.
type ContractStatus string

const (
	ContractStatusActive    ContractStatus = "active"
	ContractStatusCompleted ContractStatus = "completed"
	ContractStatusExpired   ContractStatus = "expired"
	ContractStatusRevoked   ContractStatus = "revoked"
	ContractStatusExceeded  ContractStatus = "exceeded"
)

// Contract is a scoped grant of resource and tool permissions issued to
// an agent for one task. Usage may never exceed the limits while active.
type Contract struct {
	ID       string         `json:"id"`
	AgentID  string         `json:"agent_id"`
	TaskID   string         `json:"task_id"`
	ParentID string         `json:"parent_id,omitempty"`
	Status   ContractStatus `json:"status"`

	TokenLimit int64 `json:"token_limit"`
	TokensUsed int64 `json:"tokens_used"`

	CostLimit float64 `json:"cost_limit"`
	CostUsed  float64 `json:"cost_used"`

	AllowedTools []string `json:"allowed_tools,omitempty"`
	DeniedTools  []string `json:"denied_tools,omitempty"`

	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// ToolAllowed reports whether the contract permits the named tool.
// Denials take precedence; an empty allow list permits everything
// not denied.
func (c *Contract) ToolAllowed(name string) bool {
	for _, t := range c.DeniedTools {
		if t == name {
			return false
		}
	}
	if len(c.AllowedTools) == 0 {
		return true
	}
	for _, t := range c.AllowedTools {
		if t == name {
			return true
		}
	}
	return false
}

// ContractLimits are the limits applied when issuing a contract.
type ContractLimits struct {
	TokenLimit   int64         `json:"token_limit"`
	CostLimit    float64       `json:"cost_limit"`
	AllowedTools []string      `json:"allowed_tools,omitempty"`
	DeniedTools  []string      `json:"denied_tools,omitempty"`
	TTL          time.Duration `json:"ttl"`
	ParentID     string        `json:"parent_id,omitempty"`
}
