package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/taskmesh/taskmesh/pkg/types"
)

// agentInvoker executes tasks against the endpoint each agent declared
// at registration (metadata key "endpoint"). Agents without an endpoint
// get a loopback execution, which keeps local development working
// without a fleet.
type agentInvoker struct {
	client *http.Client
	logger *slog.Logger
}

func newLoopbackInvoker(logger *slog.Logger) *agentInvoker {
	return &agentInvoker{
		client: &http.Client{Timeout: 5 * time.Minute},
		logger: logger,
	}
}

// invokeRequest is the payload delivered to an agent endpoint.
type invokeRequest struct {
	Task     *types.Task     `json:"task"`
	Contract *types.Contract `json:"contract,omitempty"`
}

func (a *agentInvoker) Invoke(ctx context.Context, task *types.Task, agent *types.Agent, contract *types.Contract) (*types.TaskResult, error) {
	endpoint := agent.Metadata["endpoint"]
	if endpoint == "" {
		return a.loopback(ctx, task)
	}

	body, err := json.Marshal(invokeRequest{Task: task, Contract: contract})
	if err != nil {
		return nil, fmt.Errorf("encode invoke request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint+"/invoke", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build invoke request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("call agent %s: %w", agent.ID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("agent %s returned status %d", agent.ID, resp.StatusCode)
	}

	var result types.TaskResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode result from agent %s: %w", agent.ID, err)
	}
	result.TaskID = task.ID
	return &result, nil
}

// loopback acknowledges the task without external work.
func (a *agentInvoker) loopback(ctx context.Context, task *types.Task) (*types.TaskResult, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(10 * time.Millisecond):
	}
	a.logger.Debug("loopback invocation", "task_id", task.ID, "node_id", task.NodeID)
	return &types.TaskResult{TaskID: task.ID, Success: true}, nil
}
