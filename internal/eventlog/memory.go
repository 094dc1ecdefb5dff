package eventlog

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/taskmesh/taskmesh/pkg/types"
)

type aggregateKey struct {
	Type types.AggregateType
	ID   string
}

// MemoryLog is an in-memory Log. Suitable for development and testing.
// Data is lost on restart.
type MemoryLog struct {
	mu          sync.Mutex
	events      map[aggregateKey][]*types.Event
	versions    map[aggregateKey]int64
	subscribers map[chan *types.Event]struct{}
	config      *Config
	closed      bool
}

// NewMemoryLog creates a new in-memory Log.
func NewMemoryLog(cfg *Config) *MemoryLog {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &MemoryLog{
		events:      make(map[aggregateKey][]*types.Event),
		versions:    make(map[aggregateKey]int64),
		subscribers: make(map[chan *types.Event]struct{}),
		config:      cfg,
	}
}

func (l *MemoryLog) Append(ctx context.Context, at types.AggregateType, aggregateID string, et types.EventType, data interface{}) (*types.Event, error) {
	payload, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("marshal event data: %w", err)
	}

	l.mu.Lock()
	key := aggregateKey{Type: at, ID: aggregateID}

	// The lock serializes version assignment, so versions are gap-free.
	l.versions[key]++
	event := &types.Event{
		ID:            uuid.New().String(),
		AggregateType: at,
		AggregateID:   aggregateID,
		Version:       l.versions[key],
		Type:          et,
		Data:          payload,
		CreatedAt:     time.Now().UTC(),
	}

	l.events[key] = append(l.events[key], event)
	if max := l.config.MaxPerAggregate; max > 0 && int64(len(l.events[key])) > max {
		l.events[key] = l.events[key][1:]
	}

	subs := make([]chan *types.Event, 0, len(l.subscribers))
	for ch := range l.subscribers {
		subs = append(subs, ch)
	}
	l.mu.Unlock()

	// Notify subscribers outside the lock, non-blocking.
	for _, ch := range subs {
		select {
		case ch <- event:
		default:
		}
	}

	return event, nil
}

func (l *MemoryLog) History(ctx context.Context, at types.AggregateType, aggregateID string) ([]*types.Event, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	key := aggregateKey{Type: at, ID: aggregateID}
	events, ok := l.events[key]
	if !ok {
		return nil, ErrAggregateNotFound
	}

	out := make([]*types.Event, len(events))
	copy(out, events)
	return out, nil
}

func (l *MemoryLog) Subscribe(ctx context.Context) (<-chan *types.Event, func(), error) {
	ch := make(chan *types.Event, 256)

	l.mu.Lock()
	l.subscribers[ch] = struct{}{}
	l.mu.Unlock()

	cleanup := func() {
		l.mu.Lock()
		delete(l.subscribers, ch)
		l.mu.Unlock()
	}
	return ch, cleanup, nil
}

func (l *MemoryLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}
	l.closed = true
	for ch := range l.subscribers {
		close(ch)
	}
	l.subscribers = make(map[chan *types.Event]struct{})
	return nil
}

// Verify interface compliance
var _ Log = (*MemoryLog)(nil)
