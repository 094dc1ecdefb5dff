package types

import (
	"time"
)

// Provider identifies an upstream model provider. The set is closed:
// scheduling and circuit breaking key on these values.
type Provider string

const (
	ProviderAnthropic Provider = "anthropic"
	ProviderOpenAI    Provider = "openai"
	ProviderGoogle    Provider = "google"
	ProviderLocal     Provider = "local"
)

// Providers lists every known provider.
func Providers() []Provider {
	return []Provider{ProviderAnthropic, ProviderOpenAI, ProviderGoogle, ProviderLocal}
}

// ValidProvider reports whether p is a known provider.
func ValidProvider(p Provider) bool {
	switch p {
	case ProviderAnthropic, ProviderOpenAI, ProviderGoogle, ProviderLocal:
		return true
	default:
		return false
	}
}

// AgentStatus represents the availability of an agent.
type AgentStatus string

const (
	AgentStatusIdle    AgentStatus = "idle"
	AgentStatusBusy    AgentStatus = "busy"
	AgentStatusError   AgentStatus = "error"
	AgentStatusPaused  AgentStatus = "paused"
	AgentStatusOffline AgentStatus = "offline"
)

// Agent represents a registered worker that executes tasks.
type Agent struct {
	ID               string            `json:"id"`
	Name             string            `json:"name,omitempty"`
	Model            string            `json:"model"`
	Provider         Provider          `json:"provider"`
	Status           AgentStatus       `json:"status"`
	CurrentLoad      int               `json:"current_load"`
	MaxLoad          int               `json:"max_load"`
	ReputationScore  float64           `json:"reputation_score"`
	ReliabilityScore float64           `json:"reliability_score"`
	Metadata         map[string]string `json:"metadata,omitempty"`
	CreatedAt        time.Time         `json:"created_at"`
	UpdatedAt        time.Time         `json:"updated_at"`
}

// Eligible reports whether the agent may receive another task.
func (a *Agent) Eligible() bool {
	if a.Status != AgentStatusIdle && a.Status != AgentStatusBusy {
		return false
	}
	return a.CurrentLoad < a.MaxLoad
}
