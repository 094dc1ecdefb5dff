package breaker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/taskmesh/taskmesh/internal/eventlog"
	"github.com/taskmesh/taskmesh/pkg/types"
)

func newTestManager(threshold int, cooldown time.Duration) (*Manager, *time.Time) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	m := NewManager(&Config{
		FailureThreshold: threshold,
		Cooldown:         cooldown,
		MaxCooldown:      8 * cooldown,
	})
	m.now = func() time.Time { return now }
	return m, &now
}

func TestManager_OpensAtThreshold(t *testing.T) {
	m, _ := newTestManager(3, time.Minute)
	p := types.ProviderAnthropic

	for i := 0; i < 2; i++ {
		m.MarkFailure(p)
		if got := m.State(p); got != StateClosed {
			t.Fatalf("after %d failures expected closed, got %s", i+1, got)
		}
	}

	m.MarkFailure(p)
	if got := m.State(p); got != StateOpen {
		t.Fatalf("expected open at threshold, got %s", got)
	}
	if err := m.Allow(p); !errors.Is(err, types.ErrProviderUnavailable) {
		t.Errorf("expected ErrProviderUnavailable while open, got %v", err)
	}
}

func TestManager_SuccessResetsFailureCount(t *testing.T) {
	m, _ := newTestManager(3, time.Minute)
	p := types.ProviderOpenAI

	m.MarkFailure(p)
	m.MarkFailure(p)
	m.MarkSuccess(p)
	m.MarkFailure(p)
	m.MarkFailure(p)

	if got := m.State(p); got != StateClosed {
		t.Errorf("non-consecutive failures should not open circuit, got %s", got)
	}
}

func TestManager_HalfOpenSingleProbe(t *testing.T) {
	m, now := newTestManager(1, time.Minute)
	p := types.ProviderAnthropic

	m.MarkFailure(p)
	if got := m.State(p); got != StateOpen {
		t.Fatalf("expected open, got %s", got)
	}

	*now = now.Add(2 * time.Minute)

	// First caller after cooldown wins the probe.
	if err := m.Allow(p); err != nil {
		t.Fatalf("probe should be allowed: %v", err)
	}
	if got := m.State(p); got != StateHalfOpen {
		t.Fatalf("expected half_open, got %s", got)
	}

	// Everyone else is rejected while the probe is in flight.
	if err := m.Allow(p); !errors.Is(err, types.ErrProviderUnavailable) {
		t.Errorf("expected ErrProviderUnavailable during probe, got %v", err)
	}
}

func TestManager_ConcurrentProbeExclusion(t *testing.T) {
	m, now := newTestManager(1, time.Minute)
	p := types.ProviderGoogle

	m.MarkFailure(p)
	*now = now.Add(2 * time.Minute)

	var wg sync.WaitGroup
	allowed := make(chan struct{}, 32)
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := m.Allow(p); err == nil {
				allowed <- struct{}{}
			}
		}()
	}
	wg.Wait()
	close(allowed)

	n := 0
	for range allowed {
		n++
	}
	if n != 1 {
		t.Errorf("expected exactly one probe, got %d", n)
	}
}

func TestManager_AdmittableIsReadOnly(t *testing.T) {
	m, now := newTestManager(1, time.Minute)
	p := types.ProviderAnthropic

	m.MarkFailure(p)
	if m.Admittable(p) {
		t.Error("open circuit inside cooldown must not admit")
	}

	*now = now.Add(2 * time.Minute)
	for i := 0; i < 3; i++ {
		if !m.Admittable(p) {
			t.Fatalf("check %d: elapsed cooldown should admit", i)
		}
	}
	if got := m.State(p); got != StateOpen {
		t.Fatalf("Admittable must not transition state, got %s", got)
	}

	if err := m.Allow(p); err != nil {
		t.Fatalf("probe should be allowed: %v", err)
	}
	if m.Admittable(p) {
		t.Error("in-flight probe must block further admissions")
	}

	m.MarkSuccess(p)
	if !m.Admittable(p) {
		t.Error("closed circuit should admit")
	}
}

func TestManager_TransitionsAppendEvents(t *testing.T) {
	log := eventlog.NewMemoryLog(nil)
	defer log.Close()

	m := NewManager(&Config{
		FailureThreshold: 1,
		Cooldown:         time.Minute,
		MaxCooldown:      time.Hour,
		Events:           log,
	})
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }

	p := types.ProviderOpenAI
	m.MarkFailure(p)
	now = now.Add(2 * time.Minute)
	if err := m.Allow(p); err != nil {
		t.Fatalf("probe should be allowed: %v", err)
	}
	m.MarkSuccess(p)

	events, err := log.History(context.Background(), types.AggregateBreaker, string(p))
	if err != nil {
		t.Fatalf("History failed: %v", err)
	}
	want := []types.EventType{types.EventBreakerOpened, types.EventBreakerHalfOpen, types.EventBreakerClosed}
	if len(events) != len(want) {
		t.Fatalf("expected %d transition events, got %d", len(want), len(events))
	}
	for i, ev := range events {
		if ev.Type != want[i] {
			t.Errorf("event %d: expected %s, got %s", i, want[i], ev.Type)
		}
		if ev.Version != int64(i+1) {
			t.Errorf("event %d: expected version %d, got %d", i, i+1, ev.Version)
		}
	}
}

func TestManager_ProbeSuccessCloses(t *testing.T) {
	m, now := newTestManager(2, time.Minute)
	p := types.ProviderAnthropic

	m.MarkFailure(p)
	m.MarkFailure(p)
	*now = now.Add(2 * time.Minute)

	if err := m.Allow(p); err != nil {
		t.Fatalf("probe should be allowed: %v", err)
	}
	m.MarkSuccess(p)

	if got := m.State(p); got != StateClosed {
		t.Fatalf("expected closed after probe success, got %s", got)
	}
	snap := m.Snapshot()
	for _, s := range snap {
		if s.Provider == p && s.ConsecutiveFailures != 0 {
			t.Errorf("expected failure count reset, got %d", s.ConsecutiveFailures)
		}
	}
	if err := m.Allow(p); err != nil {
		t.Errorf("closed circuit should allow calls: %v", err)
	}
}

func TestManager_ProbeFailureDoublesCooldown(t *testing.T) {
	m, now := newTestManager(1, time.Minute)
	p := types.ProviderAnthropic

	m.MarkFailure(p)
	*now = now.Add(2 * time.Minute)
	if err := m.Allow(p); err != nil {
		t.Fatalf("probe should be allowed: %v", err)
	}
	m.MarkFailure(p)

	if got := m.State(p); got != StateOpen {
		t.Fatalf("expected reopened, got %s", got)
	}

	// One cooldown is no longer enough.
	*now = now.Add(time.Minute + time.Second)
	if err := m.Allow(p); !errors.Is(err, types.ErrProviderUnavailable) {
		t.Errorf("expected unavailability inside doubled cooldown, got %v", err)
	}

	*now = now.Add(time.Minute)
	if err := m.Allow(p); err != nil {
		t.Errorf("expected probe after doubled cooldown, got %v", err)
	}
}

func TestManager_CooldownCap(t *testing.T) {
	cooldown := time.Minute
	m, now := newTestManager(1, cooldown)
	p := types.ProviderLocal

	m.MarkFailure(p)
	// Fail enough probes to exceed the 8x cap.
	for i := 0; i < 6; i++ {
		*now = now.Add(time.Hour)
		if err := m.Allow(p); err != nil {
			t.Fatalf("probe %d should be allowed: %v", i, err)
		}
		m.MarkFailure(p)
	}

	for _, s := range m.Snapshot() {
		if s.Provider == p && s.Cooldown > 8*cooldown {
			t.Errorf("cooldown exceeded cap: %v", s.Cooldown)
		}
	}
}

func TestManager_ProviderIsolation(t *testing.T) {
	m, _ := newTestManager(1, time.Minute)

	m.MarkFailure(types.ProviderAnthropic)
	if err := m.Allow(types.ProviderOpenAI); err != nil {
		t.Errorf("openai should be unaffected by anthropic outage: %v", err)
	}
}

func TestManager_OperatorControls(t *testing.T) {
	m, _ := newTestManager(1, time.Hour)
	p := types.ProviderAnthropic

	t.Run("reset closes immediately", func(t *testing.T) {
		m.MarkFailure(p)
		if got := m.State(p); got != StateOpen {
			t.Fatalf("expected open, got %s", got)
		}
		m.Reset(p)
		if got := m.State(p); got != StateClosed {
			t.Fatalf("expected closed after reset, got %s", got)
		}
		if err := m.Allow(p); err != nil {
			t.Errorf("reset circuit should allow calls: %v", err)
		}
	})

	t.Run("force open blocks immediately", func(t *testing.T) {
		m.Reset(p)
		m.ForceOpen(p)
		if err := m.Allow(p); !errors.Is(err, types.ErrProviderUnavailable) {
			t.Errorf("expected ErrProviderUnavailable after force open, got %v", err)
		}
	})
}

func TestManager_StateChangeCallback(t *testing.T) {
	var mu sync.Mutex
	var transitions []State
	done := make(chan struct{}, 4)

	m := NewManager(&Config{
		FailureThreshold: 1,
		Cooldown:         time.Minute,
		MaxCooldown:      time.Hour,
		OnStateChange: func(p types.Provider, from, to State) {
			mu.Lock()
			transitions = append(transitions, to)
			mu.Unlock()
			done <- struct{}{}
		},
	})
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }

	p := types.ProviderAnthropic
	m.MarkFailure(p)
	<-done
	now = now.Add(2 * time.Minute)
	if err := m.Allow(p); err != nil {
		t.Fatalf("probe should be allowed: %v", err)
	}
	<-done
	m.MarkSuccess(p)
	<-done

	mu.Lock()
	defer mu.Unlock()
	want := []State{StateOpen, StateHalfOpen, StateClosed}
	if len(transitions) != len(want) {
		t.Fatalf("expected %d transitions, got %v", len(want), transitions)
	}
	for i, s := range want {
		if transitions[i] != s {
			t.Errorf("transition %d: expected %s, got %s", i, s, transitions[i])
		}
	}
}
