package types

import (
	"errors"
)

// Error taxonomy for the engine. Graph errors reject DAG creation
// outright; the rest surface on tasks during scheduling.
var (
	ErrCycleDetected       = errors.New("cycle detected")
	ErrDanglingDependency  = errors.New("dangling dependency")
	ErrNoEligibleAgent     = errors.New("no eligible agent")
	ErrProviderUnavailable = errors.New("provider unavailable")
	ErrContractExceeded    = errors.New("contract limit exceeded")
	ErrApprovalDenied      = errors.New("approval denied")
	ErrApprovalExpired     = errors.New("approval expired")
	ErrRetriesExhausted    = errors.New("retries exhausted")
)

// Retriable reports whether the error consumes a retry when it fails a
// task. Provider outages and agent contention requeue without cost.
func Retriable(err error) bool {
	return !errors.Is(err, ErrProviderUnavailable) && !errors.Is(err, ErrNoEligibleAgent)
}
