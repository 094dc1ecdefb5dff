// Package contracts issues, tracks, and expires per-task resource and
// permission contracts for agents.
package contracts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/taskmesh/taskmesh/internal/eventlog"
	"github.com/taskmesh/taskmesh/pkg/types"
)

// Common errors returned by the Manager.
var (
	ErrContractNotFound = errors.New("contract not found")
	ErrNotActive        = errors.New("contract not active")
)

// DefaultTTL bounds contracts issued without an explicit TTL.
const DefaultTTL = 30 * time.Minute

// Manager owns the contract table. All mutations are serialized per
// manager; usage recording is atomic relative to the limit check.
type Manager struct {
	mu        sync.Mutex
	contracts map[string]*types.Contract
	log       eventlog.Log
	logger    *slog.Logger
	now       func() time.Time
}

// NewManager creates a contract manager appending transitions to log.
func NewManager(log eventlog.Log, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		contracts: make(map[string]*types.Contract),
		log:       log,
		logger:    logger,
		now:       time.Now,
	}
}

// Issue creates an active contract binding the agent to the task under
// the given limits.
func (m *Manager) Issue(ctx context.Context, agentID, taskID string, limits types.ContractLimits) (*types.Contract, error) {
	ttl := limits.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now().UTC()
	contract := &types.Contract{
		ID:           uuid.New().String(),
		AgentID:      agentID,
		TaskID:       taskID,
		ParentID:     limits.ParentID,
		Status:       types.ContractStatusActive,
		TokenLimit:   limits.TokenLimit,
		CostLimit:    limits.CostLimit,
		AllowedTools: limits.AllowedTools,
		DeniedTools:  limits.DeniedTools,
		IssuedAt:     now,
		ExpiresAt:    now.Add(ttl),
	}
	m.contracts[contract.ID] = contract

	m.append(ctx, contract.ID, types.EventContractIssued, contract)
	cp := *contract
	return &cp, nil
}

// RecordUsage adds token and cost usage to an active contract. A record
// that would push either counter over its limit is rejected in full:
// counters are left unchanged, the contract is marked exceeded, and
// ErrContractExceeded is returned.
func (m *Manager) RecordUsage(ctx context.Context, contractID string, tokens int64, cost float64) error {
	if tokens < 0 || cost < 0 {
		return fmt.Errorf("negative usage (tokens=%d cost=%f)", tokens, cost)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	contract, ok := m.contracts[contractID]
	if !ok {
		return ErrContractNotFound
	}
	if contract.Status != types.ContractStatusActive {
		return fmt.Errorf("contract %s is %s: %w", contractID, contract.Status, ErrNotActive)
	}

	overTokens := contract.TokenLimit > 0 && contract.TokensUsed+tokens > contract.TokenLimit
	overCost := contract.CostLimit > 0 && contract.CostUsed+cost > contract.CostLimit
	if overTokens || overCost {
		contract.Status = types.ContractStatusExceeded
		m.append(ctx, contractID, types.EventContractExceeded, map[string]interface{}{
			"task_id":          contract.TaskID,
			"agent_id":         contract.AgentID,
			"tokens_used":      contract.TokensUsed,
			"tokens_requested": tokens,
			"token_limit":      contract.TokenLimit,
			"cost_used":        contract.CostUsed,
			"cost_requested":   cost,
			"cost_limit":       contract.CostLimit,
		})
		return fmt.Errorf("contract %s: %w", contractID, types.ErrContractExceeded)
	}

	contract.TokensUsed += tokens
	contract.CostUsed += cost
	m.append(ctx, contractID, types.EventContractUsage, map[string]interface{}{
		"task_id":     contract.TaskID,
		"tokens":      tokens,
		"cost":        cost,
		"tokens_used": contract.TokensUsed,
		"cost_used":   contract.CostUsed,
	})
	return nil
}

// Complete marks the contract finished because its task terminated.
func (m *Manager) Complete(ctx context.Context, contractID string) error {
	return m.finish(ctx, contractID, types.ContractStatusCompleted, types.EventContractCompleted, "")
}

// Revoke withdraws the contract. Operator control; reason is audited.
func (m *Manager) Revoke(ctx context.Context, contractID, reason string) error {
	return m.finish(ctx, contractID, types.ContractStatusRevoked, types.EventContractRevoked, reason)
}

func (m *Manager) finish(ctx context.Context, contractID string, status types.ContractStatus, et types.EventType, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	contract, ok := m.contracts[contractID]
	if !ok {
		return ErrContractNotFound
	}
	if contract.Status != types.ContractStatusActive && contract.Status != types.ContractStatusExceeded {
		return fmt.Errorf("contract %s is %s: %w", contractID, contract.Status, ErrNotActive)
	}

	contract.Status = status
	data := map[string]interface{}{"task_id": contract.TaskID, "agent_id": contract.AgentID}
	if reason != "" {
		data["reason"] = reason
	}
	m.append(ctx, contractID, et, data)
	return nil
}

// Get returns the contract by id.
func (m *Manager) Get(ctx context.Context, contractID string) (*types.Contract, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	contract, ok := m.contracts[contractID]
	if !ok {
		return nil, ErrContractNotFound
	}
	cp := *contract
	return &cp, nil
}

// Active returns every active contract.
func (m *Manager) Active(ctx context.Context) []*types.Contract {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*types.Contract
	for _, contract := range m.contracts {
		if contract.Status == types.ContractStatusActive {
			cp := *contract
			out = append(out, &cp)
		}
	}
	return out
}

// ExpireSweep transitions active contracts past their expiry and
// returns them so the scheduler can fail the associated tasks.
func (m *Manager) ExpireSweep(ctx context.Context, now time.Time) []*types.Contract {
	m.mu.Lock()
	defer m.mu.Unlock()

	var expired []*types.Contract
	for _, contract := range m.contracts {
		if contract.Status != types.ContractStatusActive {
			continue
		}
		if now.Before(contract.ExpiresAt) {
			continue
		}
		contract.Status = types.ContractStatusExpired
		m.append(ctx, contract.ID, types.EventContractExpired, map[string]interface{}{
			"task_id":    contract.TaskID,
			"agent_id":   contract.AgentID,
			"expires_at": contract.ExpiresAt,
		})
		cp := *contract
		expired = append(expired, &cp)
	}
	return expired
}

func (m *Manager) append(ctx context.Context, contractID string, et types.EventType, data interface{}) {
	if _, err := m.log.Append(ctx, types.AggregateContract, contractID, et, data); err != nil {
		m.logger.Error("append contract event", "contract_id", contractID, "type", et, "error", err)
	}
}
