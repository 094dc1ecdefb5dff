package dispatch

import (
	"context"
	"errors"
	"testing"

	"github.com/taskmesh/taskmesh/internal/breaker"
	"github.com/taskmesh/taskmesh/pkg/types"
)

type fakeInvoker struct {
	calls  int
	err    error
	result *types.TaskResult
}

func (f *fakeInvoker) Invoke(ctx context.Context, task *types.Task, agent *types.Agent, contract *types.Contract) (*types.TaskResult, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	if f.result != nil {
		return f.result, nil
	}
	return &types.TaskResult{TaskID: task.ID, Success: true}, nil
}

func testAgent(provider types.Provider) *types.Agent {
	return &types.Agent{ID: "agent-1", Model: "claude-sonnet", Provider: provider}
}

func TestProviderForModel(t *testing.T) {
	tests := []struct {
		model string
		want  types.Provider
	}{
		{"claude-opus-4", types.ProviderAnthropic},
		{"Claude-Haiku", types.ProviderAnthropic},
		{"gpt-5", types.ProviderOpenAI},
		{"o3-mini", types.ProviderOpenAI},
		{"gemini-pro", types.ProviderGoogle},
		{"llama-70b", types.ProviderLocal},
		{"", types.ProviderLocal},
	}
	for _, tt := range tests {
		if got := ProviderForModel(tt.model); got != tt.want {
			t.Errorf("ProviderForModel(%q) = %s, want %s", tt.model, got, tt.want)
		}
	}
}

func TestDispatcher_Success(t *testing.T) {
	inv := &fakeInvoker{result: &types.TaskResult{TaskID: "t1", Success: true, TokensUsed: 42}}
	d := New(inv, breaker.NewManager(nil), nil, nil)

	result, err := d.Dispatch(context.Background(), &types.Task{ID: "t1"}, testAgent(types.ProviderAnthropic), nil)
	if err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	if result.TokensUsed != 42 {
		t.Errorf("unexpected result: %+v", result)
	}
	if inv.calls != 1 {
		t.Errorf("expected 1 invocation, got %d", inv.calls)
	}
}

func TestDispatcher_FailureFeedsBreaker(t *testing.T) {
	inv := &fakeInvoker{err: errors.New("upstream 500")}
	breakers := breaker.NewManager(&breaker.Config{FailureThreshold: 2, Cooldown: breaker.DefaultConfig().Cooldown, MaxCooldown: breaker.DefaultConfig().MaxCooldown})
	d := New(inv, breakers, nil, nil)

	task := &types.Task{ID: "t1"}
	agent := testAgent(types.ProviderOpenAI)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := d.Dispatch(ctx, task, agent, nil); err == nil {
			t.Fatal("expected invocation error")
		}
	}
	if got := breakers.State(types.ProviderOpenAI); got != breaker.StateOpen {
		t.Fatalf("expected circuit open after threshold, got %s", got)
	}

	// Open circuit short-circuits before invoking.
	_, err := d.Dispatch(ctx, task, agent, nil)
	if !errors.Is(err, types.ErrProviderUnavailable) {
		t.Errorf("expected ErrProviderUnavailable, got %v", err)
	}
	if inv.calls != 2 {
		t.Errorf("open circuit should not invoke, got %d calls", inv.calls)
	}
}

func TestDispatcher_RateLimit(t *testing.T) {
	inv := &fakeInvoker{}
	d := New(inv, breaker.NewManager(nil), &Config{RateLimitRPS: 0.001, RateLimitBurst: 1}, nil)

	ctx := context.Background()
	agent := testAgent(types.ProviderGoogle)

	if _, err := d.Dispatch(ctx, &types.Task{ID: "t1"}, agent, nil); err != nil {
		t.Fatalf("first dispatch should pass burst: %v", err)
	}
	_, err := d.Dispatch(ctx, &types.Task{ID: "t2"}, agent, nil)
	if !errors.Is(err, types.ErrProviderUnavailable) {
		t.Errorf("expected rate-limit rejection as ErrProviderUnavailable, got %v", err)
	}
	if inv.calls != 1 {
		t.Errorf("rate-limited dispatch should not invoke, got %d calls", inv.calls)
	}
}

func TestDispatcher_ProviderFromModel(t *testing.T) {
	inv := &fakeInvoker{}
	breakers := breaker.NewManager(nil)
	breakers.ForceOpen(types.ProviderAnthropic)
	d := New(inv, breakers, nil, nil)

	// Agent without an explicit provider resolves via its model.
	agent := &types.Agent{ID: "a", Model: "claude-sonnet"}
	_, err := d.Dispatch(context.Background(), &types.Task{ID: "t1"}, agent, nil)
	if !errors.Is(err, types.ErrProviderUnavailable) {
		t.Errorf("expected anthropic circuit to gate claude model, got %v", err)
	}
}
