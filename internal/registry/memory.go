package registry

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/taskmesh/taskmesh/pkg/types"
)

// reliabilityAlpha weights the newest outcome in the moving average.
const reliabilityAlpha = 0.1

// MemoryRegistry is an in-memory implementation of Registry.
type MemoryRegistry struct {
	mu     sync.RWMutex
	agents map[string]*types.Agent
}

// NewMemoryRegistry creates a new in-memory Registry.
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{agents: make(map[string]*types.Agent)}
}

func (r *MemoryRegistry) Register(ctx context.Context, agent *types.Agent) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.agents[agent.ID]; exists {
		return ErrAgentExists
	}

	cp := *agent
	now := time.Now().UTC()
	cp.CreatedAt = now
	cp.UpdatedAt = now
	if cp.Status == "" {
		cp.Status = types.AgentStatusIdle
	}
	if cp.MaxLoad <= 0 {
		cp.MaxLoad = 1
	}
	r.agents[agent.ID] = &cp
	return nil
}

func (r *MemoryRegistry) Get(ctx context.Context, agentID string) (*types.Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	agent, ok := r.agents[agentID]
	if !ok {
		return nil, ErrAgentNotFound
	}
	cp := *agent
	return &cp, nil
}

func (r *MemoryRegistry) List(ctx context.Context) ([]*types.Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*types.Agent, 0, len(r.agents))
	for _, agent := range r.agents {
		cp := *agent
		out = append(out, &cp)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].ID < out[b].ID })
	return out, nil
}

func (r *MemoryRegistry) Eligible(ctx context.Context, model string) ([]*types.Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*types.Agent
	for _, agent := range r.agents {
		if model != "" && agent.Model != model {
			continue
		}
		if !agent.Eligible() {
			continue
		}
		cp := *agent
		out = append(out, &cp)
	}

	sort.Slice(out, func(a, b int) bool {
		if out[a].ReputationScore != out[b].ReputationScore {
			return out[a].ReputationScore > out[b].ReputationScore
		}
		if out[a].CurrentLoad != out[b].CurrentLoad {
			return out[a].CurrentLoad < out[b].CurrentLoad
		}
		return out[a].ID < out[b].ID
	})
	return out, nil
}

func (r *MemoryRegistry) AcquireSlot(ctx context.Context, agentID string) (*types.Agent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	agent, ok := r.agents[agentID]
	if !ok {
		return nil, ErrAgentNotFound
	}
	if !agent.Eligible() {
		return nil, ErrAtCapacity
	}

	agent.CurrentLoad++
	agent.Status = types.AgentStatusBusy
	agent.UpdatedAt = time.Now().UTC()
	cp := *agent
	return &cp, nil
}

func (r *MemoryRegistry) ReleaseSlot(ctx context.Context, agentID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	agent, ok := r.agents[agentID]
	if !ok {
		return ErrAgentNotFound
	}
	if agent.CurrentLoad > 0 {
		agent.CurrentLoad--
	}
	if agent.CurrentLoad == 0 && agent.Status == types.AgentStatusBusy {
		agent.Status = types.AgentStatusIdle
	}
	agent.UpdatedAt = time.Now().UTC()
	return nil
}

func (r *MemoryRegistry) SetStatus(ctx context.Context, agentID string, status types.AgentStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	agent, ok := r.agents[agentID]
	if !ok {
		return ErrAgentNotFound
	}
	agent.Status = status
	agent.UpdatedAt = time.Now().UTC()
	return nil
}

func (r *MemoryRegistry) RecordOutcome(ctx context.Context, agentID string, success bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	agent, ok := r.agents[agentID]
	if !ok {
		return ErrAgentNotFound
	}

	sample := 0.0
	if success {
		sample = 1.0
	}
	agent.ReliabilityScore = (1-reliabilityAlpha)*agent.ReliabilityScore + reliabilityAlpha*sample
	// Reputation drifts with reliability but moves slower.
	agent.ReputationScore = 0.95*agent.ReputationScore + 0.05*agent.ReliabilityScore
	agent.UpdatedAt = time.Now().UTC()
	return nil
}

func (r *MemoryRegistry) Close() error { return nil }

// Verify interface compliance
var _ Registry = (*MemoryRegistry)(nil)
