package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/taskmesh/taskmesh/internal/approval"
	"github.com/taskmesh/taskmesh/internal/breaker"
	"github.com/taskmesh/taskmesh/internal/config"
	"github.com/taskmesh/taskmesh/internal/contracts"
	"github.com/taskmesh/taskmesh/internal/dispatch"
	"github.com/taskmesh/taskmesh/internal/eventlog"
	"github.com/taskmesh/taskmesh/internal/registry"
	"github.com/taskmesh/taskmesh/internal/scheduler"
	"github.com/taskmesh/taskmesh/internal/store"
	"github.com/taskmesh/taskmesh/internal/validator"
	"github.com/taskmesh/taskmesh/pkg/types"
)

type noopInvoker struct{}

func (noopInvoker) Invoke(ctx context.Context, task *types.Task, agent *types.Agent, contract *types.Contract) (*types.TaskResult, error) {
	return &types.TaskResult{TaskID: task.ID, Success: true}, nil
}

type testServer struct {
	server   *httptest.Server
	log      *eventlog.MemoryLog
	gate     *approval.Gate
	breakers *breaker.Manager
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	log := eventlog.NewMemoryLog(nil)
	st := store.NewMemoryStore()
	reg := registry.NewMemoryRegistry()
	brk := breaker.NewManager(nil)
	cm := contracts.NewManager(log, nil)
	gate := approval.NewGate(log, nil)
	d := dispatch.New(noopInvoker{}, brk, nil, nil)
	sched := scheduler.New(st, reg, cm, gate, d, brk, log, nil, nil)

	v, err := validator.New()
	if err != nil {
		t.Fatalf("validator.New failed: %v", err)
	}

	h := NewHandlers(st, sched, reg, cm, gate, brk, log, v, config.Load(), nil)
	srv := httptest.NewServer(NewServer(h).Router())
	t.Cleanup(func() {
		srv.Close()
		log.Close()
	})

	return &testServer{server: srv, log: log, gate: gate, breakers: brk}
}

func (ts *testServer) post(t *testing.T, path, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(ts.server.URL+path, "application/json", bytes.NewBufferString(body))
	if err != nil {
		t.Fatalf("POST %s failed: %v", path, err)
	}
	return resp
}

func (ts *testServer) get(t *testing.T, path string) *http.Response {
	t.Helper()
	resp, err := http.Get(ts.server.URL + path)
	if err != nil {
		t.Fatalf("GET %s failed: %v", path, err)
	}
	return resp
}

func decode(t *testing.T, resp *http.Response, v interface{}) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func timeInHour() time.Time { return time.Now().Add(time.Hour) }

const validWorkflow = `{
	"name": "pipeline",
	"nodes": [
		{"id": "extract", "model": "claude-sonnet"},
		{"id": "transform", "model": "claude-sonnet",
		 "depends_on": [{"node_id": "extract", "required": true}]}
	]
}`

func TestSubmitDag(t *testing.T) {
	ts := newTestServer(t)

	t.Run("valid workflow accepted", func(t *testing.T) {
		resp := ts.post(t, "/api/v1/dags", validWorkflow)
		if resp.StatusCode != http.StatusCreated {
			t.Fatalf("expected 201, got %d", resp.StatusCode)
		}
		var dag types.Dag
		decode(t, resp, &dag)
		if dag.ID == "" || dag.Status != types.DagStatusRunning {
			t.Errorf("unexpected dag: %+v", dag)
		}
		if dag.FailurePolicy != types.FailFast {
			t.Errorf("expected fail_fast default, got %s", dag.FailurePolicy)
		}
	})

	t.Run("schema violation rejected", func(t *testing.T) {
		resp := ts.post(t, "/api/v1/dags", `{"name": "w", "nodes": []}`)
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("expected 400, got %d", resp.StatusCode)
		}
	})

	t.Run("cycle rejected", func(t *testing.T) {
		resp := ts.post(t, "/api/v1/dags", `{"name": "loop", "nodes": [
			{"id": "a", "model": "m", "depends_on": [{"node_id": "b", "required": true}]},
			{"id": "b", "model": "m", "depends_on": [{"node_id": "a", "required": true}]}
		]}`)
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("expected 400 for cycle, got %d", resp.StatusCode)
		}
	})
}

func TestDagInspection(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.post(t, "/api/v1/dags", validWorkflow)
	var dag types.Dag
	decode(t, resp, &dag)

	t.Run("get dag", func(t *testing.T) {
		resp := ts.get(t, "/api/v1/dags/"+dag.ID)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("expected 200, got %d", resp.StatusCode)
		}
		var got types.Dag
		decode(t, resp, &got)
		if got.ID != dag.ID {
			t.Errorf("expected dag %s, got %s", dag.ID, got.ID)
		}
	})

	t.Run("get tasks", func(t *testing.T) {
		resp := ts.get(t, fmt.Sprintf("/api/v1/dags/%s/tasks", dag.ID))
		var body struct {
			Tasks []*types.Task `json:"tasks"`
		}
		decode(t, resp, &body)
		if len(body.Tasks) != 2 {
			t.Errorf("expected 2 tasks, got %d", len(body.Tasks))
		}
	})

	t.Run("get events", func(t *testing.T) {
		resp := ts.get(t, fmt.Sprintf("/api/v1/dags/%s/events", dag.ID))
		var body struct {
			Events []*types.Event `json:"events"`
		}
		decode(t, resp, &body)
		if len(body.Events) == 0 || body.Events[0].Type != types.EventDagCreated {
			t.Errorf("expected dag.created first, got %v", body.Events)
		}
	})

	t.Run("unknown dag is 404", func(t *testing.T) {
		resp := ts.get(t, "/api/v1/dags/nope")
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusNotFound {
			t.Errorf("expected 404, got %d", resp.StatusCode)
		}
	})
}

func TestAgentRegistration(t *testing.T) {
	ts := newTestServer(t)

	t.Run("register", func(t *testing.T) {
		resp := ts.post(t, "/api/v1/agents",
			`{"id": "agent-1", "model": "claude-sonnet", "provider": "anthropic", "max_load": 4}`)
		if resp.StatusCode != http.StatusCreated {
			t.Fatalf("expected 201, got %d", resp.StatusCode)
		}
		var agent types.Agent
		decode(t, resp, &agent)
		if agent.Status != types.AgentStatusIdle {
			t.Errorf("expected idle on registration, got %s", agent.Status)
		}

		events, err := ts.log.History(context.Background(), types.AggregateAgent, "agent-1")
		if err != nil {
			t.Fatalf("History failed: %v", err)
		}
		if len(events) != 1 || events[0].Type != types.EventAgentRegistered {
			t.Errorf("expected a single registered event, got %v", events)
		}
	})

	t.Run("duplicate is conflict", func(t *testing.T) {
		resp := ts.post(t, "/api/v1/agents",
			`{"id": "agent-1", "model": "claude-sonnet", "provider": "anthropic"}`)
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusConflict {
			t.Errorf("expected 409, got %d", resp.StatusCode)
		}
	})

	t.Run("invalid provider rejected", func(t *testing.T) {
		resp := ts.post(t, "/api/v1/agents",
			`{"id": "agent-2", "model": "m", "provider": "skynet"}`)
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("expected 400, got %d", resp.StatusCode)
		}
	})

	t.Run("list", func(t *testing.T) {
		resp := ts.get(t, "/api/v1/agents")
		var body struct {
			Agents []*types.Agent `json:"agents"`
		}
		decode(t, resp, &body)
		if len(body.Agents) != 1 {
			t.Errorf("expected 1 agent, got %d", len(body.Agents))
		}
	})
}

func TestApprovalEndpoints(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()

	pending, err := ts.gate.Request(ctx, "task-1", "", "deploy", 0.9,
		[]string{"alice"}, 1, timeInHour())
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}

	t.Run("list pending", func(t *testing.T) {
		resp := ts.get(t, "/api/v1/approvals")
		var body struct {
			Approvals []*types.Approval `json:"approvals"`
		}
		decode(t, resp, &body)
		if len(body.Approvals) != 1 || body.Approvals[0].ID != pending.ID {
			t.Errorf("unexpected pending list: %v", body.Approvals)
		}
	})

	t.Run("non-approver forbidden", func(t *testing.T) {
		resp := ts.post(t, "/api/v1/approvals/"+pending.ID+"/decision",
			`{"approver": "mallory", "approve": true}`)
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusForbidden {
			t.Errorf("expected 403, got %d", resp.StatusCode)
		}
	})

	t.Run("decide", func(t *testing.T) {
		resp := ts.post(t, "/api/v1/approvals/"+pending.ID+"/decision",
			`{"approver": "alice", "approve": true, "comment": "ok"}`)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("expected 200, got %d", resp.StatusCode)
		}
		var got types.Approval
		decode(t, resp, &got)
		if got.Status != types.ApprovalStatusApproved {
			t.Errorf("expected approved, got %s", got.Status)
		}
	})

	t.Run("double decide is conflict", func(t *testing.T) {
		resp := ts.post(t, "/api/v1/approvals/"+pending.ID+"/decision",
			`{"approver": "alice", "approve": false}`)
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusConflict {
			t.Errorf("expected 409, got %d", resp.StatusCode)
		}
	})
}

func TestOperatorBreakerControls(t *testing.T) {
	ts := newTestServer(t)

	t.Run("trip", func(t *testing.T) {
		resp := ts.post(t, "/ops/breakers/anthropic/trip", "")
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("expected 200, got %d", resp.StatusCode)
		}
		if got := ts.breakers.State(types.ProviderAnthropic); got != breaker.StateOpen {
			t.Errorf("expected open after trip, got %s", got)
		}
	})

	t.Run("status reflects trip", func(t *testing.T) {
		resp := ts.get(t, "/ops/breakers")
		var body struct {
			Breakers []breaker.Snapshot `json:"breakers"`
		}
		decode(t, resp, &body)
		found := false
		for _, snap := range body.Breakers {
			if snap.Provider == types.ProviderAnthropic && snap.State == breaker.StateOpen {
				found = true
			}
		}
		if !found {
			t.Error("snapshot should show anthropic open")
		}
	})

	t.Run("reset", func(t *testing.T) {
		resp := ts.post(t, "/ops/breakers/anthropic/reset", "")
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("expected 200, got %d", resp.StatusCode)
		}
		if got := ts.breakers.State(types.ProviderAnthropic); got != breaker.StateClosed {
			t.Errorf("expected closed after reset, got %s", got)
		}
	})

	t.Run("operator actions audited", func(t *testing.T) {
		events, err := ts.log.History(context.Background(), types.AggregateBreaker, "anthropic")
		if err != nil {
			t.Fatalf("History failed: %v", err)
		}
		if len(events) != 2 {
			t.Fatalf("expected 2 audit events, got %d", len(events))
		}
		if events[0].Type != types.EventProviderForced || events[1].Type != types.EventBreakerReset {
			t.Errorf("unexpected audit sequence: %s, %s", events[0].Type, events[1].Type)
		}
	})

	t.Run("unknown provider rejected", func(t *testing.T) {
		resp := ts.post(t, "/ops/breakers/skynet/reset", "")
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("expected 400, got %d", resp.StatusCode)
		}
	})
}

func TestHealthEndpoints(t *testing.T) {
	ts := newTestServer(t)

	for _, path := range []string{"/health", "/healthz", "/ready"} {
		resp := ts.get(t, path)
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Errorf("%s: expected 200, got %d", path, resp.StatusCode)
		}
	}

	resp := ts.get(t, "/metrics")
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("/metrics: expected 200, got %d", resp.StatusCode)
	}
}
