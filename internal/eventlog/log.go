// Package eventlog provides the append-only, versioned event stream
// recording every state transition for replay and audit.
package eventlog

import (
	"context"
	"errors"

	"github.com/taskmesh/taskmesh/pkg/types"
)

// ErrAggregateNotFound is returned by History for an aggregate with no
// recorded events.
var ErrAggregateNotFound = errors.New("aggregate not found")

// Log defines the append-only event store. Implementations must be safe
// for concurrent use and must assign strictly increasing, gap-free
// versions per aggregate.
type Log interface {
	// Append records one event for the aggregate and returns it with
	// its assigned version.
	Append(ctx context.Context, at types.AggregateType, aggregateID string, et types.EventType, data interface{}) (*types.Event, error)

	// History returns an aggregate's events in version order.
	History(ctx context.Context, at types.AggregateType, aggregateID string) ([]*types.Event, error)

	// Subscribe returns a channel receiving every event appended after
	// the call. The cleanup function releases the subscription.
	Subscribe(ctx context.Context) (<-chan *types.Event, func(), error)

	Close() error
}

// Config holds configuration for Log implementations.
type Config struct {
	// MaxPerAggregate bounds retained history per aggregate (0 = unbounded).
	MaxPerAggregate int64
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{MaxPerAggregate: 0}
}
