// Package registry provides agent registration, discovery, and load
// accounting.
package registry

import (
	"context"
	"errors"

	"github.com/taskmesh/taskmesh/pkg/types"
)

// Common errors returned by Registry implementations.
var (
	ErrAgentNotFound = errors.New("agent not found")
	ErrAgentExists   = errors.New("agent already exists")
	ErrAtCapacity    = errors.New("agent at capacity")
)

// Registry tracks the agent pool. Implementations must be safe for
// concurrent use; slot accounting must be serialized per agent so two
// dispatches finishing together cannot double-decrement a load.
type Registry interface {
	Register(ctx context.Context, agent *types.Agent) error
	Get(ctx context.Context, agentID string) (*types.Agent, error)
	List(ctx context.Context) ([]*types.Agent, error)

	// Eligible returns agents able to take a task for the model,
	// ordered by reputation descending then current load ascending.
	// Agents at capacity or outside {idle, busy} are excluded.
	Eligible(ctx context.Context, model string) ([]*types.Agent, error)

	// AcquireSlot increments the agent's load, failing with
	// ErrAtCapacity when current_load == max_load. The check and the
	// increment are one atomic step.
	AcquireSlot(ctx context.Context, agentID string) (*types.Agent, error)

	// ReleaseSlot decrements the agent's load, never below zero.
	ReleaseSlot(ctx context.Context, agentID string) error

	SetStatus(ctx context.Context, agentID string, status types.AgentStatus) error

	// RecordOutcome folds a task result into the agent's reliability
	// score (exponential moving average over success/failure).
	RecordOutcome(ctx context.Context, agentID string, success bool) error

	Close() error
}
