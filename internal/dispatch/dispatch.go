// Package dispatch routes assigned tasks to provider-backed agents.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/taskmesh/taskmesh/internal/breaker"
	"github.com/taskmesh/taskmesh/pkg/types"
)

// modelProviders maps model-name prefixes to their provider. The
// provider set is closed; unknown models fall through to local.
var modelProviders = []struct {
	prefix   string
	provider types.Provider
}{
	{"claude", types.ProviderAnthropic},
	{"gpt", types.ProviderOpenAI},
	{"o3", types.ProviderOpenAI},
	{"gemini", types.ProviderGoogle},
}

// ProviderForModel resolves the provider serving a model identifier.
func ProviderForModel(model string) types.Provider {
	lower := strings.ToLower(model)
	for _, mp := range modelProviders {
		if strings.HasPrefix(lower, mp.prefix) {
			return mp.provider
		}
	}
	return types.ProviderLocal
}

// Invoker executes one task on an agent. The agent runtime (out of
// scope here) implements it; what the agent does with the task is its
// own business.
type Invoker interface {
	Invoke(ctx context.Context, task *types.Task, agent *types.Agent, contract *types.Contract) (*types.TaskResult, error)
}

// Config configures the dispatcher.
type Config struct {
	// RateLimitRPS paces calls per provider (0 = unlimited).
	RateLimitRPS float64

	// RateLimitBurst is the per-provider burst size.
	RateLimitBurst int
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{RateLimitRPS: 50, RateLimitBurst: 100}
}

// Dispatcher performs provider-bound calls behind the circuit breaker
// and per-provider rate limiters.
type Dispatcher struct {
	invoker  Invoker
	breakers *breaker.Manager
	logger   *slog.Logger
	tracer   trace.Tracer

	mu       sync.Mutex
	limiters map[types.Provider]*rate.Limiter
	config   *Config
}

// New creates a dispatcher.
func New(invoker Invoker, breakers *breaker.Manager, cfg *Config, logger *slog.Logger) *Dispatcher {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		invoker:  invoker,
		breakers: breakers,
		logger:   logger,
		tracer:   otel.Tracer("taskmesh/dispatch"),
		limiters: make(map[types.Provider]*rate.Limiter),
		config:   cfg,
	}
}

func (d *Dispatcher) limiter(p types.Provider) *rate.Limiter {
	d.mu.Lock()
	defer d.mu.Unlock()

	l, ok := d.limiters[p]
	if !ok {
		if d.config.RateLimitRPS <= 0 {
			l = rate.NewLimiter(rate.Inf, 1)
		} else {
			l = rate.NewLimiter(rate.Limit(d.config.RateLimitRPS), d.config.RateLimitBurst)
		}
		d.limiters[p] = l
	}
	return l
}

// Dispatch invokes the task on the agent, consulting the provider's
// rate limiter and circuit breaker first. Breaker and limiter rejections
// surface as ErrProviderUnavailable so the scheduler requeues without
// consuming a retry. Invocation outcomes feed the breaker.
func (d *Dispatcher) Dispatch(ctx context.Context, task *types.Task, agent *types.Agent, contract *types.Contract) (*types.TaskResult, error) {
	provider := agent.Provider
	if provider == "" {
		provider = ProviderForModel(agent.Model)
	}

	// Pacing first: a rate-limited call must not consume the breaker's
	// half-open probe slot.
	if !d.limiter(provider).Allow() {
		return nil, fmt.Errorf("provider %s rate limited: %w", provider, types.ErrProviderUnavailable)
	}

	if err := d.breakers.Allow(provider); err != nil {
		return nil, err
	}

	ctx, span := d.tracer.Start(ctx, "dispatch.invoke",
		trace.WithAttributes(
			attribute.String("task.id", task.ID),
			attribute.String("agent.id", agent.ID),
			attribute.String("provider", string(provider)),
		))
	defer span.End()

	result, err := d.invoker.Invoke(ctx, task, agent, contract)
	if err != nil {
		d.breakers.MarkFailure(provider)
		span.RecordError(err)
		return nil, fmt.Errorf("invoke task %s on agent %s: %w", task.ID, agent.ID, err)
	}

	d.breakers.MarkSuccess(provider)
	return result, nil
}
