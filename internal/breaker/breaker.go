// Package breaker provides per-provider circuit breaking for outbound
// dispatch.
package breaker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/taskmesh/taskmesh/internal/eventlog"
	"github.com/taskmesh/taskmesh/pkg/types"
)

// State represents the state of a provider's circuit.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// Config configures breaker behavior.
type Config struct {
	// FailureThreshold is the consecutive-failure count that opens the circuit.
	FailureThreshold int

	// Cooldown is the initial open duration before a probe is allowed.
	Cooldown time.Duration

	// MaxCooldown caps the doubling applied on failed probes.
	MaxCooldown time.Duration

	// OnStateChange is invoked after every transition (optional).
	OnStateChange func(provider types.Provider, from, to State)

	// Events, when set, receives one breaker.* event per state
	// transition.
	Events eventlog.Log
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		FailureThreshold: 5,
		Cooldown:         30 * time.Second,
		MaxCooldown:      10 * time.Minute,
	}
}

// circuit holds one provider's breaker state.
type circuit struct {
	state               State
	consecutiveFailures int
	openedAt            time.Time
	cooldown            time.Duration
	probeInFlight       bool
}

// Snapshot is a read-only view of one provider's circuit.
type Snapshot struct {
	Provider            types.Provider `json:"provider"`
	State               State          `json:"state"`
	ConsecutiveFailures int            `json:"consecutive_failures"`
	OpenedAt            *time.Time     `json:"opened_at,omitempty"`
	Cooldown            time.Duration  `json:"cooldown"`
	ProbeInFlight       bool           `json:"probe_in_flight"`
}

// Manager keeps an independent circuit per provider. An outage on one
// provider never gates dispatch to another.
type Manager struct {
	mu       sync.Mutex
	circuits map[types.Provider]*circuit
	config   *Config
	now      func() time.Time
}

// NewManager creates a breaker manager with a closed circuit per provider.
func NewManager(cfg *Config) *Manager {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	m := &Manager{
		circuits: make(map[types.Provider]*circuit),
		config:   cfg,
		now:      time.Now,
	}
	for _, p := range types.Providers() {
		m.circuits[p] = &circuit{state: StateClosed, cooldown: cfg.Cooldown}
	}
	return m
}

func (m *Manager) circuitFor(p types.Provider) *circuit {
	c, ok := m.circuits[p]
	if !ok {
		c = &circuit{state: StateClosed, cooldown: m.config.Cooldown}
		m.circuits[p] = c
	}
	return c
}

// Allow reports whether a call to the provider may proceed. In open
// state it fails until the cooldown elapses, at which point exactly one
// caller wins the probe slot; every other caller keeps failing until
// the probe resolves.
func (m *Manager) Allow(p types.Provider) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c := m.circuitFor(p)
	switch c.state {
	case StateClosed:
		return nil

	case StateOpen:
		if m.now().Sub(c.openedAt) < c.cooldown {
			return fmt.Errorf("provider %s circuit open: %w", p, types.ErrProviderUnavailable)
		}
		// Cooldown elapsed: this caller becomes the probe.
		m.transition(p, c, StateHalfOpen)
		c.probeInFlight = true
		return nil

	case StateHalfOpen:
		if c.probeInFlight {
			return fmt.Errorf("provider %s probe in flight: %w", p, types.ErrProviderUnavailable)
		}
		c.probeInFlight = true
		return nil

	default:
		return fmt.Errorf("provider %s in unknown state %q: %w", p, c.state, types.ErrProviderUnavailable)
	}
}

// Admittable reports whether a call to the provider would currently be
// admitted, without mutating the circuit. Candidate filtering uses it;
// the authoritative admission is Allow, made immediately before the
// invocation, whose outcome always resolves through MarkSuccess or
// MarkFailure.
func (m *Manager) Admittable(p types.Provider) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	c := m.circuitFor(p)
	switch c.state {
	case StateClosed:
		return true
	case StateOpen:
		return m.now().Sub(c.openedAt) >= c.cooldown
	case StateHalfOpen:
		return !c.probeInFlight
	default:
		return false
	}
}

// MarkSuccess records a successful call. A successful probe closes the
// circuit and resets the failure count and cooldown.
func (m *Manager) MarkSuccess(p types.Provider) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c := m.circuitFor(p)
	switch c.state {
	case StateClosed:
		c.consecutiveFailures = 0
	case StateHalfOpen:
		c.probeInFlight = false
		c.consecutiveFailures = 0
		c.cooldown = m.config.Cooldown
		m.transition(p, c, StateClosed)
	}
}

// MarkFailure records a failed call. Reaching the threshold opens the
// circuit; a failed probe re-opens it and doubles the cooldown up to
// the configured cap.
func (m *Manager) MarkFailure(p types.Provider) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c := m.circuitFor(p)
	switch c.state {
	case StateClosed:
		c.consecutiveFailures++
		if c.consecutiveFailures >= m.config.FailureThreshold {
			c.openedAt = m.now()
			c.cooldown = m.config.Cooldown
			m.transition(p, c, StateOpen)
		}
	case StateHalfOpen:
		c.probeInFlight = false
		c.consecutiveFailures++
		c.openedAt = m.now()
		c.cooldown = c.cooldown * 2
		if c.cooldown > m.config.MaxCooldown {
			c.cooldown = m.config.MaxCooldown
		}
		m.transition(p, c, StateOpen)
	}
}

// Reset closes the provider's circuit and clears its counters. Operator
// control; the caller audits it.
func (m *Manager) Reset(p types.Provider) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c := m.circuitFor(p)
	c.consecutiveFailures = 0
	c.probeInFlight = false
	c.cooldown = m.config.Cooldown
	if c.state != StateClosed {
		m.transition(p, c, StateClosed)
	}
}

// ForceOpen opens the provider's circuit regardless of failure history.
// Operator control; the caller audits it.
func (m *Manager) ForceOpen(p types.Provider) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c := m.circuitFor(p)
	c.openedAt = m.now()
	c.cooldown = m.config.Cooldown
	c.probeInFlight = false
	if c.state != StateOpen {
		m.transition(p, c, StateOpen)
	}
}

// State returns the provider's current circuit state.
func (m *Manager) State(p types.Provider) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.circuitFor(p).state
}

// Snapshot returns a view of every provider's circuit.
func (m *Manager) Snapshot() []Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Snapshot, 0, len(m.circuits))
	for _, p := range types.Providers() {
		c := m.circuitFor(p)
		snap := Snapshot{
			Provider:            p,
			State:               c.state,
			ConsecutiveFailures: c.consecutiveFailures,
			Cooldown:            c.cooldown,
			ProbeInFlight:       c.probeInFlight,
		}
		if !c.openedAt.IsZero() {
			openedAt := c.openedAt
			snap.OpenedAt = &openedAt
		}
		out = append(out, snap)
	}
	return out
}

// transition flips the state, records the event, and fires the
// callback. Callers hold m.mu.
func (m *Manager) transition(p types.Provider, c *circuit, to State) {
	from := c.state
	c.state = to
	if m.config.Events != nil {
		m.appendTransition(p, c, from, to)
	}
	if m.config.OnStateChange != nil {
		go m.config.OnStateChange(p, from, to)
	}
}

func (m *Manager) appendTransition(p types.Provider, c *circuit, from, to State) {
	et := types.EventBreakerClosed
	switch to {
	case StateOpen:
		et = types.EventBreakerOpened
	case StateHalfOpen:
		et = types.EventBreakerHalfOpen
	}
	_, err := m.config.Events.Append(context.Background(), types.AggregateBreaker, string(p), et, map[string]interface{}{
		"from":                 from,
		"to":                   to,
		"consecutive_failures": c.consecutiveFailures,
		"cooldown":             c.cooldown.String(),
	})
	if err != nil {
		slog.Error("append breaker event", "provider", p, "type", et, "error", err)
	}
}
