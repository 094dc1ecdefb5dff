// Package scheduler drives DAG execution: it admits workflows, promotes
// tasks through their lifecycle, matches them to agents, and reacts to
// results, approvals, and expirations.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/taskmesh/taskmesh/internal/approval"
	"github.com/taskmesh/taskmesh/internal/breaker"
	"github.com/taskmesh/taskmesh/internal/contracts"
	"github.com/taskmesh/taskmesh/internal/dispatch"
	"github.com/taskmesh/taskmesh/internal/eventlog"
	"github.com/taskmesh/taskmesh/internal/graph"
	"github.com/taskmesh/taskmesh/internal/metrics"
	"github.com/taskmesh/taskmesh/internal/registry"
	"github.com/taskmesh/taskmesh/internal/store"
	"github.com/taskmesh/taskmesh/pkg/types"
)

// Config holds scheduler configuration.
type Config struct {
	// TickInterval paces the dispatch loop.
	TickInterval time.Duration

	// SweepInterval paces contract and approval expiry sweeps.
	SweepInterval time.Duration

	// MaxConcurrentDispatches bounds in-flight invocations (0 = 16).
	MaxConcurrentDispatches int

	// ReadyBatchSize caps tasks pulled per tick (0 = 64).
	ReadyBatchSize int

	// DefaultMaxRetries applies to nodes that do not set max_retries.
	DefaultMaxRetries int

	// RetryBackoff is the initial re-dispatch delay after a retriable
	// failure; it doubles per attempt up to MaxRetryBackoff.
	RetryBackoff    time.Duration
	MaxRetryBackoff time.Duration

	// ApprovalThreshold is the risk score at or above which a node
	// requires human approval before dispatch.
	ApprovalThreshold float64

	// DefaultApprovalTTL bounds approvals requested without an explicit TTL.
	DefaultApprovalTTL time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		TickInterval:            100 * time.Millisecond,
		SweepInterval:           time.Second,
		MaxConcurrentDispatches: 16,
		ReadyBatchSize:          64,
		DefaultMaxRetries:       3,
		RetryBackoff:            2 * time.Second,
		MaxRetryBackoff:         time.Minute,
		ApprovalThreshold:       0.7,
		DefaultApprovalTTL:      time.Hour,
	}
}

// dagContext caches the validated graph and node-to-task mapping for a
// DAG whose tasks are still in flight.
type dagContext struct {
	dag        *types.Dag
	graph      *graph.Graph
	taskByNode map[string]string // node id -> task id
	nodeByTask map[string]string // task id -> node id
	completed  map[string]bool   // node ids with completed tasks
	cancelled  bool
}

// Scheduler owns the dispatch loop.
type Scheduler struct {
	store      store.Store
	registry   registry.Registry
	contracts  *contracts.Manager
	approvals  *approval.Gate
	dispatcher *dispatch.Dispatcher
	breakers   *breaker.Manager
	log        eventlog.Log
	logger     *slog.Logger
	config     *Config
	now        func() time.Time

	mu      sync.Mutex
	dags    map[string]*dagContext
	running map[string]context.CancelFunc // task id -> in-flight invocation cancel

	wake chan struct{}
}

// New creates a scheduler. Start must be called before submissions make
// progress.
func New(st store.Store, reg registry.Registry, cm *contracts.Manager, gate *approval.Gate, d *dispatch.Dispatcher, brk *breaker.Manager, log eventlog.Log, cfg *Config, logger *slog.Logger) *Scheduler {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.MaxConcurrentDispatches <= 0 {
		cfg.MaxConcurrentDispatches = 16
	}
	if cfg.ReadyBatchSize <= 0 {
		cfg.ReadyBatchSize = 64
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		store:      st,
		registry:   reg,
		contracts:  cm,
		approvals:  gate,
		dispatcher: d,
		breakers:   brk,
		log:        log,
		logger:     logger,
		config:     cfg,
		now:        time.Now,
		dags:       make(map[string]*dagContext),
		running:    make(map[string]context.CancelFunc),
		wake:       make(chan struct{}, 1),
	}
}

// SubmitDag validates the workflow, persists it, and creates its tasks.
// Entry-point tasks start ready; everything else starts pending.
func (s *Scheduler) SubmitDag(ctx context.Context, dag *types.Dag) (*types.Dag, error) {
	g, err := graph.Build(dag.Nodes)
	if err != nil {
		return nil, fmt.Errorf("validate dag %q: %w", dag.Name, err)
	}

	if dag.ID == "" {
		dag.ID = uuid.New().String()
	}
	if dag.FailurePolicy == "" {
		dag.FailurePolicy = types.FailFast
	}
	dag.Status = types.DagStatusRunning
	dag.CreatedAt = s.now().UTC()
	dag.UpdatedAt = dag.CreatedAt

	if err := s.store.CreateDag(ctx, dag); err != nil {
		return nil, fmt.Errorf("create dag %s: %w", dag.ID, err)
	}
	s.emitDag(ctx, dag.ID, types.EventDagCreated, map[string]interface{}{
		"name": dag.Name, "nodes": len(dag.Nodes), "failure_policy": dag.FailurePolicy,
	})
	metrics.DagsActive.Inc()

	dctx := &dagContext{
		dag:        dag,
		graph:      g,
		taskByNode: make(map[string]string, len(dag.Nodes)),
		nodeByTask: make(map[string]string, len(dag.Nodes)),
		completed:  make(map[string]bool),
	}

	for _, node := range g.Nodes() {
		spec := node.Spec
		maxRetries := spec.MaxRetries
		if maxRetries == 0 {
			maxRetries = s.config.DefaultMaxRetries
		}
		task := &types.Task{
			ID:         uuid.New().String(),
			DagID:      dag.ID,
			NodeID:     spec.ID,
			Status:     types.TaskStatusPending,
			Priority:   spec.Priority,
			MaxRetries: maxRetries,
			CreatedAt:  s.now().UTC(),
		}
		// Optional dependencies order but never gate: a node is ready as
		// soon as it has no incomplete required upstream.
		initiallyReady := len(g.RequiredUpstream(spec.ID)) == 0
		if initiallyReady {
			task.Status = types.TaskStatusReady
		}
		if err := s.store.CreateTask(ctx, task); err != nil {
			return nil, fmt.Errorf("create task for node %s: %w", spec.ID, err)
		}
		dctx.taskByNode[spec.ID] = task.ID
		dctx.nodeByTask[task.ID] = spec.ID

		s.emitTask(ctx, task.ID, types.EventTaskCreated, map[string]interface{}{
			"dag_id": dag.ID, "node_id": spec.ID, "priority": spec.Priority.String(),
		})
		if initiallyReady {
			s.emitTask(ctx, task.ID, types.EventTaskReady, map[string]interface{}{
				"dag_id": dag.ID, "node_id": spec.ID,
			})
		}
	}

	s.mu.Lock()
	s.dags[dag.ID] = dctx
	s.mu.Unlock()

	s.kick()
	return dag, nil
}

// CancelDag cancels the DAG: running invocations are interrupted,
// non-terminal tasks move to cancelled, and their contracts are revoked.
func (s *Scheduler) CancelDag(ctx context.Context, dagID string) error {
	s.mu.Lock()
	dctx, ok := s.dags[dagID]
	if ok {
		dctx.cancelled = true
	}
	s.mu.Unlock()
	if !ok {
		return store.ErrDagNotFound
	}

	tasks, err := s.store.TasksForDag(ctx, dagID)
	if err != nil {
		return fmt.Errorf("load tasks for dag %s: %w", dagID, err)
	}
	for _, task := range tasks {
		s.cancelTask(ctx, task, "dag cancelled")
	}

	if err := s.store.UpdateDagStatus(ctx, dagID, types.DagStatusCancelled, "cancelled by operator"); err != nil {
		return fmt.Errorf("update dag %s: %w", dagID, err)
	}
	s.emitDag(ctx, dagID, types.EventDagCancelled, nil)
	metrics.DagsActive.Dec()
	metrics.DagsTotal.WithLabelValues(string(types.DagStatusCancelled)).Inc()

	s.mu.Lock()
	delete(s.dags, dagID)
	s.mu.Unlock()
	return nil
}

// Run executes the dispatch loop until ctx is cancelled. Pending
// approval resolutions and expiry sweeps are folded into the same loop
// so every state change funnels through one goroutine.
func (s *Scheduler) Run(ctx context.Context) error {
	tick := time.NewTicker(s.config.TickInterval)
	defer tick.Stop()
	sweep := time.NewTicker(s.config.SweepInterval)
	defer sweep.Stop()

	workers := &errgroup.Group{}
	workers.SetLimit(s.config.MaxConcurrentDispatches)

	for {
		select {
		case <-ctx.Done():
			err := workers.Wait()
			if err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil

		case resolved := <-s.approvals.Resolutions():
			s.onApprovalResolved(ctx, resolved)
			s.tick(ctx, workers)

		case <-sweep.C:
			s.sweepExpirations(ctx)
			s.tick(ctx, workers)

		case <-s.wake:
			s.tick(ctx, workers)

		case <-tick.C:
			s.tick(ctx, workers)
		}
	}
}

// kick nudges the loop without waiting for the next tick.
func (s *Scheduler) kick() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// tick pulls the ready queue and dispatches what it can. Tasks that
// cannot proceed (no agent, open circuit, pending approval) stay ready.
func (s *Scheduler) tick(ctx context.Context, workers *errgroup.Group) {
	ready, err := s.store.ReadyTasks(ctx, s.now().UTC(), s.config.ReadyBatchSize)
	if err != nil {
		s.logger.Error("ready scan", "error", err)
		return
	}
	metrics.ReadyQueueDepth.Set(float64(len(ready)))

	for _, task := range ready {
		task := task
		proceed, err := s.checkApprovalGate(ctx, task)
		if err != nil {
			s.failTask(ctx, task, err)
			continue
		}
		if !proceed {
			continue
		}

		agent, contract, err := s.assign(ctx, task)
		if err != nil {
			// Contention and outages leave the task ready at no retry cost.
			if errors.Is(err, types.ErrNoEligibleAgent) || errors.Is(err, types.ErrProviderUnavailable) {
				continue
			}
			s.failTask(ctx, task, err)
			continue
		}

		started := workers.TryGo(func() error {
			s.invoke(ctx, task, agent, contract)
			return nil
		})
		if !started {
			// Worker pool saturated: roll the assignment back.
			s.unassign(ctx, task, agent, contract)
		}
	}
}

// checkApprovalGate reports whether the task may dispatch. Risk-flagged
// tasks get an approval request on first sight and wait; a denial or
// expiry fails the task permanently.
func (s *Scheduler) checkApprovalGate(ctx context.Context, task *types.Task) (bool, error) {
	node, ok := s.nodeSpec(task)
	if !ok {
		return false, fmt.Errorf("task %s references unknown node %s", task.ID, task.NodeID)
	}
	if node.RiskScore < s.config.ApprovalThreshold {
		return true, nil
	}

	if task.ApprovalID == "" {
		ttl := s.config.DefaultApprovalTTL
		if node.ApprovalTTL > 0 {
			ttl = time.Duration(node.ApprovalTTL) * time.Second
		}
		req, err := s.approvals.Request(ctx, task.ID, "", node.Action, node.RiskScore,
			node.Approvers, node.RequiredApprovals, s.now().UTC().Add(ttl))
		if err != nil {
			return false, fmt.Errorf("request approval for task %s: %w", task.ID, err)
		}
		_, err = s.store.UpdateTask(ctx, task.ID, types.TaskStatusReady, func(t *types.Task) {
			t.ApprovalID = req.ID
		})
		if err != nil {
			return false, nil // raced with another transition, next tick decides
		}
		task.ApprovalID = req.ID
		metrics.ApprovalsPending.Inc()
		return false, nil
	}

	a, err := s.approvals.Get(ctx, task.ApprovalID)
	if err != nil {
		return false, fmt.Errorf("load approval %s: %w", task.ApprovalID, err)
	}
	switch a.Status {
	case types.ApprovalStatusApproved:
		return true, nil
	case types.ApprovalStatusPending:
		return false, nil
	case types.ApprovalStatusDenied:
		return false, fmt.Errorf("approval %s denied by %s: %w", a.ID, a.DecidedBy, types.ErrApprovalDenied)
	default:
		return false, fmt.Errorf("approval %s: %w", a.ID, types.ErrApprovalExpired)
	}
}

// assign matches the task to the best eligible agent, issues its
// contract, and transitions it ready -> assigned.
func (s *Scheduler) assign(ctx context.Context, task *types.Task) (*types.Agent, *types.Contract, error) {
	node, ok := s.nodeSpec(task)
	if !ok {
		return nil, nil, fmt.Errorf("task %s references unknown node %s", task.ID, task.NodeID)
	}

	candidates, err := s.registry.Eligible(ctx, node.Model)
	if err != nil {
		return nil, nil, fmt.Errorf("eligible agents for model %s: %w", node.Model, err)
	}

	var agent *types.Agent
	for _, candidate := range candidates {
		// Read-only filter; the authoritative breaker admission happens
		// in the dispatcher, immediately before the invocation.
		if !s.breakers.Admittable(candidate.Provider) {
			continue
		}
		acquired, err := s.registry.AcquireSlot(ctx, candidate.ID)
		if err == nil {
			agent = acquired
			break
		}
		if !errors.Is(err, registry.ErrAtCapacity) {
			return nil, nil, fmt.Errorf("acquire slot on agent %s: %w", candidate.ID, err)
		}
	}
	if agent == nil {
		if len(candidates) == 0 {
			return nil, nil, fmt.Errorf("model %s: %w", node.Model, types.ErrNoEligibleAgent)
		}
		return nil, nil, fmt.Errorf("all candidates gated or at capacity: %w", types.ErrNoEligibleAgent)
	}

	contract, err := s.contracts.Issue(ctx, agent.ID, task.ID, types.ContractLimits{
		TokenLimit:   node.TokenLimit,
		CostLimit:    node.CostLimit,
		AllowedTools: node.AllowedTools,
		DeniedTools:  node.DeniedTools,
		TTL:          time.Duration(node.ContractTTL) * time.Second,
	})
	if err != nil {
		s.releaseSlot(ctx, agent.ID)
		return nil, nil, fmt.Errorf("issue contract for task %s: %w", task.ID, err)
	}
	metrics.ContractsActive.Inc()

	updated, err := s.store.UpdateTask(ctx, task.ID, types.TaskStatusReady, func(t *types.Task) {
		t.Status = types.TaskStatusAssigned
		t.AgentID = agent.ID
		t.Provider = agent.Provider
		t.ContractID = contract.ID
	})
	if err != nil {
		// Lost the race (cancellation, concurrent transition): roll back.
		s.revokeContract(ctx, contract.ID, "assignment lost")
		s.releaseSlot(ctx, agent.ID)
		return nil, nil, fmt.Errorf("assign task %s: %w", task.ID, err)
	}
	*task = *updated

	s.emitTask(ctx, task.ID, types.EventTaskAssigned, map[string]interface{}{
		"dag_id": task.DagID, "agent_id": agent.ID, "provider": agent.Provider, "contract_id": contract.ID,
	})
	return agent, contract, nil
}

// unassign rolls an assignment back when no worker slot was available.
func (s *Scheduler) unassign(ctx context.Context, task *types.Task, agent *types.Agent, contract *types.Contract) {
	s.revokeContract(ctx, contract.ID, "worker pool saturated")
	s.releaseSlot(ctx, agent.ID)
	_, err := s.store.UpdateTask(ctx, task.ID, types.TaskStatusAssigned, func(t *types.Task) {
		t.Status = types.TaskStatusReady
		t.AgentID = ""
		t.Provider = ""
		t.ContractID = ""
	})
	if err != nil {
		s.logger.Error("unassign task", "task_id", task.ID, "error", err)
		return
	}
	s.emitTask(ctx, task.ID, types.EventTaskRequeued, map[string]interface{}{
		"dag_id": task.DagID, "reason": "worker pool saturated",
	})
}

// invoke runs the task on its agent and feeds the outcome back. Runs on
// a worker goroutine.
func (s *Scheduler) invoke(ctx context.Context, task *types.Task, agent *types.Agent, contract *types.Contract) {
	updated, err := s.store.UpdateTask(ctx, task.ID, types.TaskStatusAssigned, func(t *types.Task) {
		t.Status = types.TaskStatusRunning
		now := s.now().UTC()
		t.StartedAt = &now
	})
	if err != nil {
		// Cancelled between assignment and start.
		s.revokeContract(ctx, contract.ID, "cancelled before start")
		s.releaseSlot(ctx, agent.ID)
		return
	}
	task = updated
	s.emitTask(ctx, task.ID, types.EventTaskStarted, map[string]interface{}{
		"dag_id": task.DagID, "agent_id": agent.ID,
	})

	invokeCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.running[task.ID] = cancel
	s.mu.Unlock()

	result, invokeErr := s.dispatcher.Dispatch(invokeCtx, task, agent, contract)

	s.mu.Lock()
	delete(s.running, task.ID)
	s.mu.Unlock()
	cancel()

	s.onTaskOutcome(ctx, task, agent, contract, result, invokeErr)
	s.kick()
}

// onTaskOutcome settles one invocation: slot release, reputation,
// contract accounting, and the task's next transition.
func (s *Scheduler) onTaskOutcome(ctx context.Context, task *types.Task, agent *types.Agent, contract *types.Contract, result *types.TaskResult, invokeErr error) {
	s.releaseSlot(ctx, agent.ID)

	if invokeErr == nil && result != nil && result.Success {
		usageErr := s.contracts.RecordUsage(ctx, contract.ID, result.TokensUsed, result.Cost)
		if usageErr != nil && errors.Is(usageErr, types.ErrContractExceeded) {
			// The result is discarded; the retry runs under a fresh contract.
			metrics.ContractsActive.Dec()
			metrics.ContractsTotal.WithLabelValues(string(types.ContractStatusExceeded)).Inc()
			s.recordOutcome(ctx, agent.ID, false)
			metrics.DispatchesTotal.WithLabelValues(string(agent.Provider), "error").Inc()
			s.retryOrFail(ctx, task, usageErr)
			return
		}

		if err := s.contracts.Complete(ctx, contract.ID); err != nil {
			s.logger.Warn("complete contract", "contract_id", contract.ID, "error", err)
		}
		metrics.ContractsActive.Dec()
		metrics.ContractsTotal.WithLabelValues(string(types.ContractStatusCompleted)).Inc()
		s.recordOutcome(ctx, agent.ID, true)
		metrics.DispatchesTotal.WithLabelValues(string(agent.Provider), "success").Inc()
		s.completeTask(ctx, task, result)
		return
	}

	// Failure path. The contract for this attempt is finished either way.
	s.revokeContract(ctx, contract.ID, "attempt failed")

	err := invokeErr
	if err == nil {
		err = errors.New(result.Error)
		if result.Error == "" {
			err = errors.New("agent reported failure")
		}
	}

	if !types.Retriable(err) {
		// Outage or contention: requeue at no retry cost.
		metrics.DispatchesTotal.WithLabelValues(string(agent.Provider), "rejected").Inc()
		s.requeueTask(ctx, task, err)
		return
	}

	s.recordOutcome(ctx, agent.ID, false)
	metrics.DispatchesTotal.WithLabelValues(string(agent.Provider), "error").Inc()
	s.retryOrFail(ctx, task, err)
}

// completeTask transitions running -> completed and unblocks dependents.
func (s *Scheduler) completeTask(ctx context.Context, task *types.Task, result *types.TaskResult) {
	updated, err := s.store.UpdateTask(ctx, task.ID, types.TaskStatusRunning, func(t *types.Task) {
		t.Status = types.TaskStatusCompleted
		t.TokensUsed = result.TokensUsed
		t.CostDollars = result.Cost
		now := s.now().UTC()
		t.CompletedAt = &now
	})
	if err != nil {
		s.logger.Warn("complete task", "task_id", task.ID, "error", err)
		return
	}
	s.emitTask(ctx, task.ID, types.EventTaskCompleted, map[string]interface{}{
		"dag_id": task.DagID, "tokens_used": result.TokensUsed, "cost": result.Cost,
	})
	metrics.TasksTotal.WithLabelValues(string(types.TaskStatusCompleted)).Inc()
	metrics.TaskRetries.WithLabelValues(string(types.TaskStatusCompleted)).Observe(float64(updated.RetryCount))
	if updated.StartedAt != nil && updated.CompletedAt != nil {
		metrics.TaskDuration.WithLabelValues(string(types.TaskStatusCompleted)).
			Observe(updated.CompletedAt.Sub(*updated.StartedAt).Seconds())
	}

	s.mu.Lock()
	dctx, ok := s.dags[task.DagID]
	if ok {
		dctx.completed[task.NodeID] = true
	}
	s.mu.Unlock()
	if !ok {
		return
	}

	s.promoteDependents(ctx, dctx, task.NodeID)
	s.checkDagCompletion(ctx, task.DagID)
}

// promoteDependents moves pending dependents whose required upstream is
// now fully completed into ready.
func (s *Scheduler) promoteDependents(ctx context.Context, dctx *dagContext, nodeID string) {
	for _, depID := range dctx.graph.Dependents(nodeID) {
		s.mu.Lock()
		blocked := false
		for _, up := range dctx.graph.RequiredUpstream(depID) {
			if !dctx.completed[up] {
				blocked = true
				break
			}
		}
		taskID := dctx.taskByNode[depID]
		s.mu.Unlock()
		if blocked {
			continue
		}

		_, err := s.store.UpdateTask(ctx, taskID, types.TaskStatusPending, func(t *types.Task) {
			t.Status = types.TaskStatusReady
		})
		if err != nil {
			continue // already promoted or terminal
		}
		s.emitTask(ctx, taskID, types.EventTaskReady, map[string]interface{}{
			"dag_id": dctx.dag.ID, "node_id": depID,
		})
	}
}

// requeueTask puts the task back in the ready queue without consuming a
// retry. Used for provider outages and agent contention.
func (s *Scheduler) requeueTask(ctx context.Context, task *types.Task, cause error) {
	backoff := s.config.RetryBackoff
	_, err := s.store.UpdateTask(ctx, task.ID, types.TaskStatusRunning, func(t *types.Task) {
		t.Status = types.TaskStatusReady
		t.AgentID = ""
		t.Provider = ""
		t.ContractID = ""
		nb := s.now().UTC().Add(backoff)
		t.NotBefore = &nb
	})
	if err != nil {
		s.logger.Warn("requeue task", "task_id", task.ID, "error", err)
		return
	}
	s.emitTask(ctx, task.ID, types.EventTaskRequeued, map[string]interface{}{
		"dag_id": task.DagID, "reason": cause.Error(),
	})
}

// retryOrFail consumes one retry with exponential backoff, or fails the
// task permanently when retries are exhausted.
func (s *Scheduler) retryOrFail(ctx context.Context, task *types.Task, cause error) {
	fresh, err := s.store.GetTask(ctx, task.ID)
	if err != nil {
		s.logger.Error("load task for retry", "task_id", task.ID, "error", err)
		return
	}
	if fresh.Status.Terminal() {
		return // cancelled while the invocation was in flight
	}

	if fresh.RetryCount >= fresh.MaxRetries {
		s.failTask(ctx, fresh, fmt.Errorf("%v: %w", cause, types.ErrRetriesExhausted))
		return
	}

	backoff := s.config.RetryBackoff << uint(fresh.RetryCount)
	if backoff > s.config.MaxRetryBackoff {
		backoff = s.config.MaxRetryBackoff
	}

	updated, err := s.store.UpdateTask(ctx, task.ID, fresh.Status, func(t *types.Task) {
		t.Status = types.TaskStatusReady
		t.RetryCount++
		t.AgentID = ""
		t.Provider = ""
		t.ContractID = ""
		t.Error = cause.Error()
		nb := s.now().UTC().Add(backoff)
		t.NotBefore = &nb
	})
	if err != nil {
		s.logger.Warn("retry task", "task_id", task.ID, "error", err)
		return
	}
	s.emitTask(ctx, task.ID, types.EventTaskRetried, map[string]interface{}{
		"dag_id": task.DagID, "retry_count": updated.RetryCount, "backoff": backoff.String(), "cause": cause.Error(),
	})
}

// failTask fails the task permanently and applies the DAG's failure
// policy.
func (s *Scheduler) failTask(ctx context.Context, task *types.Task, cause error) {
	fresh, err := s.store.GetTask(ctx, task.ID)
	if err != nil {
		s.logger.Error("load task for failure", "task_id", task.ID, "error", err)
		return
	}
	if fresh.Status.Terminal() {
		return
	}

	updated, err := s.store.UpdateTask(ctx, task.ID, fresh.Status, func(t *types.Task) {
		t.Status = types.TaskStatusFailed
		t.Error = cause.Error()
		now := s.now().UTC()
		t.CompletedAt = &now
	})
	if err != nil {
		s.logger.Warn("fail task", "task_id", task.ID, "error", err)
		return
	}
	s.emitTask(ctx, task.ID, types.EventTaskFailed, map[string]interface{}{
		"dag_id": task.DagID, "error": cause.Error(),
	})
	metrics.TasksTotal.WithLabelValues(string(types.TaskStatusFailed)).Inc()
	metrics.TaskRetries.WithLabelValues(string(types.TaskStatusFailed)).Observe(float64(updated.RetryCount))

	s.mu.Lock()
	dctx, ok := s.dags[task.DagID]
	s.mu.Unlock()
	if !ok {
		return
	}

	switch dctx.dag.FailurePolicy {
	case types.BestEffort:
		// Only the failed node's required-dependent closure is skipped.
		s.cancelRequiredDownstream(ctx, dctx, task.NodeID)
	default:
		s.cancelRemaining(ctx, task.DagID, "upstream task failed")
	}
	s.checkDagCompletion(ctx, task.DagID)
}

// cancelRequiredDownstream cancels every node transitively blocked by a
// required edge from the failed node.
func (s *Scheduler) cancelRequiredDownstream(ctx context.Context, dctx *dagContext, failedNode string) {
	queue := []string{failedNode}
	seen := map[string]bool{failedNode: true}
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		for _, depID := range dctx.graph.Dependents(node) {
			if seen[depID] {
				continue
			}
			requiredOnNode := false
			for _, up := range dctx.graph.RequiredUpstream(depID) {
				if up == node {
					requiredOnNode = true
					break
				}
			}
			if !requiredOnNode {
				continue
			}
			seen[depID] = true
			queue = append(queue, depID)

			s.mu.Lock()
			taskID := dctx.taskByNode[depID]
			s.mu.Unlock()
			if task, err := s.store.GetTask(ctx, taskID); err == nil {
				s.cancelTask(ctx, task, "required upstream failed")
			}
		}
	}
}

// cancelRemaining cancels every non-terminal task of the DAG.
func (s *Scheduler) cancelRemaining(ctx context.Context, dagID, reason string) {
	tasks, err := s.store.TasksForDag(ctx, dagID)
	if err != nil {
		s.logger.Error("load tasks for cancellation", "dag_id", dagID, "error", err)
		return
	}
	for _, task := range tasks {
		s.cancelTask(ctx, task, reason)
	}
}

// cancelTask cancels one task if it is not already terminal, releasing
// its contract and interrupting a running invocation.
func (s *Scheduler) cancelTask(ctx context.Context, task *types.Task, reason string) {
	if task.Status.Terminal() {
		return
	}

	s.mu.Lock()
	if cancel, ok := s.running[task.ID]; ok {
		cancel()
	}
	s.mu.Unlock()

	updated, err := s.store.UpdateTask(ctx, task.ID, task.Status, func(t *types.Task) {
		t.Status = types.TaskStatusCancelled
		t.Error = reason
		now := s.now().UTC()
		t.CompletedAt = &now
	})
	if err != nil {
		return // raced with a concurrent transition; it wins
	}
	if updated.ContractID != "" {
		s.revokeContract(ctx, updated.ContractID, reason)
	}
	s.emitTask(ctx, task.ID, types.EventTaskCancelled, map[string]interface{}{
		"dag_id": task.DagID, "reason": reason,
	})
	metrics.TasksTotal.WithLabelValues(string(types.TaskStatusCancelled)).Inc()
}

// checkDagCompletion settles the DAG once every task is terminal. Any
// failed task fails the DAG; cancellation without failure cancels it.
func (s *Scheduler) checkDagCompletion(ctx context.Context, dagID string) {
	s.mu.Lock()
	dctx, ok := s.dags[dagID]
	s.mu.Unlock()
	if !ok {
		return
	}

	tasks, err := s.store.TasksForDag(ctx, dagID)
	if err != nil {
		s.logger.Error("load tasks for completion check", "dag_id", dagID, "error", err)
		return
	}

	var failed, cancelled int
	for _, task := range tasks {
		if !task.Status.Terminal() {
			return
		}
		switch task.Status {
		case types.TaskStatusFailed:
			failed++
		case types.TaskStatusCancelled:
			cancelled++
		}
	}

	status := types.DagStatusCompleted
	eventType := types.EventDagCompleted
	errMsg := ""
	switch {
	case failed > 0:
		status = types.DagStatusFailed
		eventType = types.EventDagFailed
		errMsg = fmt.Sprintf("%d task(s) failed", failed)
	case cancelled > 0 && dctx.cancelled:
		status = types.DagStatusCancelled
		eventType = types.EventDagCancelled
	}

	if err := s.store.UpdateDagStatus(ctx, dagID, status, errMsg); err != nil {
		s.logger.Error("update dag status", "dag_id", dagID, "error", err)
		return
	}
	s.emitDag(ctx, dagID, eventType, map[string]interface{}{
		"tasks": len(tasks), "failed": failed, "cancelled": cancelled,
	})
	metrics.DagsActive.Dec()
	metrics.DagsTotal.WithLabelValues(string(status)).Inc()

	s.mu.Lock()
	delete(s.dags, dagID)
	s.mu.Unlock()

	s.logger.Info("dag settled", "dag_id", dagID, "status", status,
		"tasks", len(tasks), "failed", failed, "cancelled", cancelled)
}

// onApprovalResolved reacts to an approval leaving pending state. An
// approval frees the task for the next tick; a denial or expiry fails it
// permanently without consuming a retry.
func (s *Scheduler) onApprovalResolved(ctx context.Context, a *types.Approval) {
	metrics.ApprovalsPending.Dec()
	metrics.ApprovalsTotal.WithLabelValues(string(a.Status)).Inc()

	if a.Status == types.ApprovalStatusApproved {
		return // the next tick dispatches it
	}

	task, err := s.store.GetTask(ctx, a.TaskID)
	if err != nil {
		s.logger.Warn("approval resolved for unknown task", "task_id", a.TaskID, "error", err)
		return
	}
	cause := types.ErrApprovalDenied
	if a.Status == types.ApprovalStatusExpired {
		cause = types.ErrApprovalExpired
	}
	s.failTask(ctx, task, fmt.Errorf("approval %s: %w", a.ID, cause))
}

// sweepExpirations expires overdue contracts and approvals. A contract
// expiring under a running task interrupts it and consumes a retry.
func (s *Scheduler) sweepExpirations(ctx context.Context) {
	now := s.now().UTC()

	for _, contract := range s.contracts.ExpireSweep(ctx, now) {
		metrics.ContractsActive.Dec()
		metrics.ContractsTotal.WithLabelValues(string(types.ContractStatusExpired)).Inc()

		task, err := s.store.GetTask(ctx, contract.TaskID)
		if err != nil || task.Status.Terminal() || task.ContractID != contract.ID {
			continue
		}

		s.mu.Lock()
		if cancel, ok := s.running[task.ID]; ok {
			cancel()
		}
		s.mu.Unlock()

		s.logger.Warn("contract expired under task", "contract_id", contract.ID, "task_id", task.ID)
		s.retryOrFail(ctx, task, fmt.Errorf("contract %s expired", contract.ID))
	}

	// Approval expirations surface on the resolutions channel.
	s.approvals.ExpireSweep(ctx, now)
}

// nodeSpec returns the node spec backing a task.
func (s *Scheduler) nodeSpec(task *types.Task) (*types.NodeSpec, bool) {
	s.mu.Lock()
	dctx, ok := s.dags[task.DagID]
	s.mu.Unlock()
	if !ok {
		return nil, false
	}
	node, ok := dctx.graph.Node(task.NodeID)
	if !ok {
		return nil, false
	}
	return &node.Spec, true
}

func (s *Scheduler) releaseSlot(ctx context.Context, agentID string) {
	if err := s.registry.ReleaseSlot(ctx, agentID); err != nil {
		s.logger.Error("release agent slot", "agent_id", agentID, "error", err)
	}
}

func (s *Scheduler) recordOutcome(ctx context.Context, agentID string, success bool) {
	if err := s.registry.RecordOutcome(ctx, agentID, success); err != nil {
		s.logger.Error("record agent outcome", "agent_id", agentID, "error", err)
	}
}

func (s *Scheduler) revokeContract(ctx context.Context, contractID, reason string) {
	err := s.contracts.Revoke(ctx, contractID, reason)
	if err == nil {
		metrics.ContractsActive.Dec()
		metrics.ContractsTotal.WithLabelValues(string(types.ContractStatusRevoked)).Inc()
		return
	}
	if !errors.Is(err, contracts.ErrNotActive) {
		s.logger.Warn("revoke contract", "contract_id", contractID, "error", err)
	}
}

func (s *Scheduler) emitTask(ctx context.Context, taskID string, et types.EventType, data map[string]interface{}) {
	if _, err := s.log.Append(ctx, types.AggregateTask, taskID, et, data); err != nil {
		s.logger.Error("append task event", "task_id", taskID, "type", et, "error", err)
	}
	metrics.EventsTotal.WithLabelValues(string(et)).Inc()
}

func (s *Scheduler) emitDag(ctx context.Context, dagID string, et types.EventType, data map[string]interface{}) {
	if _, err := s.log.Append(ctx, types.AggregateDag, dagID, et, data); err != nil {
		s.logger.Error("append dag event", "dag_id", dagID, "type", et, "error", err)
	}
	metrics.EventsTotal.WithLabelValues(string(et)).Inc()
}
