// Package approval manages human-approval requests that block task
// progression.
package approval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/taskmesh/taskmesh/internal/eventlog"
	"github.com/taskmesh/taskmesh/pkg/types"
)

// Common errors returned by the Gate.
var (
	ErrApprovalNotFound = errors.New("approval not found")
	ErrAlreadyResolved  = errors.New("approval already resolved")
	ErrNotApprover      = errors.New("not a listed approver")
	ErrDuplicateVote    = errors.New("approver already decided")
)

// Gate owns pending approvals. Resolutions (approved, denied, expired)
// are delivered on the Resolutions channel so the scheduler wakes
// without polling; expiry is still swept deterministically.
type Gate struct {
	mu        sync.Mutex
	approvals map[string]*types.Approval
	log       eventlog.Log
	logger    *slog.Logger
	now       func() time.Time

	resolutions chan *types.Approval
}

// NewGate creates an approval gate appending transitions to log.
func NewGate(log eventlog.Log, logger *slog.Logger) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{
		approvals:   make(map[string]*types.Approval),
		log:         log,
		logger:      logger,
		now:         time.Now,
		resolutions: make(chan *types.Approval, 256),
	}
}

// Resolutions returns the channel carrying resolved approvals.
func (g *Gate) Resolutions() <-chan *types.Approval {
	return g.resolutions
}

// Request opens a pending approval for the task's action.
func (g *Gate) Request(ctx context.Context, taskID, agentID, action string, riskScore float64, approvers []string, requiredCount int, expiresAt time.Time) (*types.Approval, error) {
	if requiredCount <= 0 {
		requiredCount = 1
	}
	if len(approvers) > 0 && requiredCount > len(approvers) {
		return nil, fmt.Errorf("required %d approvals but only %d approvers", requiredCount, len(approvers))
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	approval := &types.Approval{
		ID:                uuid.New().String(),
		TaskID:            taskID,
		AgentID:           agentID,
		Action:            action,
		RiskScore:         riskScore,
		Status:            types.ApprovalStatusPending,
		Approvers:         approvers,
		RequiredApprovals: requiredCount,
		CreatedAt:         g.now().UTC(),
		ExpiresAt:         expiresAt,
	}
	g.approvals[approval.ID] = approval

	g.append(ctx, approval.ID, types.EventApprovalRequested, approval)
	cp := *approval
	return &cp, nil
}

// Decide records one approver's vote. Any explicit denial resolves the
// approval immediately (any-veto policy); reaching the required count
// of affirmative votes resolves it approved.
func (g *Gate) Decide(ctx context.Context, approvalID, approver string, approve bool, comment string) (*types.Approval, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	approval, ok := g.approvals[approvalID]
	if !ok {
		return nil, ErrApprovalNotFound
	}
	if approval.Status.Resolved() {
		return nil, fmt.Errorf("approval %s is %s: %w", approvalID, approval.Status, ErrAlreadyResolved)
	}
	if len(approval.Approvers) > 0 && !contains(approval.Approvers, approver) {
		return nil, fmt.Errorf("%q: %w", approver, ErrNotApprover)
	}
	for _, d := range approval.Decisions {
		if d.Approver == approver {
			return nil, fmt.Errorf("%q: %w", approver, ErrDuplicateVote)
		}
	}

	now := g.now().UTC()
	approval.Decisions = append(approval.Decisions, types.ApprovalDecision{
		Approver: approver,
		Approve:  approve,
		Comment:  comment,
		At:       now,
	})
	g.append(ctx, approvalID, types.EventApprovalDecided, map[string]interface{}{
		"task_id":  approval.TaskID,
		"approver": approver,
		"approve":  approve,
		"comment":  comment,
	})

	if !approve {
		g.resolve(ctx, approval, types.ApprovalStatusDenied, approver)
	} else if approval.ApprovalsReceived() >= approval.RequiredApprovals {
		g.resolve(ctx, approval, types.ApprovalStatusApproved, approver)
	}

	cp := *approval
	return &cp, nil
}

// Get returns the approval by id.
func (g *Gate) Get(ctx context.Context, approvalID string) (*types.Approval, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	approval, ok := g.approvals[approvalID]
	if !ok {
		return nil, ErrApprovalNotFound
	}
	cp := *approval
	return &cp, nil
}

// Pending returns unresolved approvals ordered oldest first.
func (g *Gate) Pending(ctx context.Context) []*types.Approval {
	g.mu.Lock()
	defer g.mu.Unlock()

	var out []*types.Approval
	for _, approval := range g.approvals {
		if approval.Status == types.ApprovalStatusPending {
			cp := *approval
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].CreatedAt.Before(out[b].CreatedAt) })
	return out
}

// ExpireSweep resolves pending approvals past their expiry as expired.
// An expired approval is treated by the scheduler as a denial.
func (g *Gate) ExpireSweep(ctx context.Context, now time.Time) []*types.Approval {
	g.mu.Lock()
	defer g.mu.Unlock()

	var expired []*types.Approval
	for _, approval := range g.approvals {
		if approval.Status != types.ApprovalStatusPending {
			continue
		}
		if now.Before(approval.ExpiresAt) {
			continue
		}
		g.resolve(ctx, approval, types.ApprovalStatusExpired, "")
		cp := *approval
		expired = append(expired, &cp)
	}
	return expired
}

// resolve finalizes the approval and notifies the scheduler. Callers
// hold g.mu.
func (g *Gate) resolve(ctx context.Context, approval *types.Approval, status types.ApprovalStatus, decidedBy string) {
	approval.Status = status
	now := g.now().UTC()
	approval.DecidedAt = &now
	approval.DecidedBy = decidedBy

	var et types.EventType
	switch status {
	case types.ApprovalStatusApproved:
		et = types.EventApprovalApproved
	case types.ApprovalStatusDenied:
		et = types.EventApprovalDenied
	default:
		et = types.EventApprovalExpired
	}
	g.append(ctx, approval.ID, et, map[string]interface{}{
		"task_id":    approval.TaskID,
		"decided_by": decidedBy,
	})

	cp := *approval
	select {
	case g.resolutions <- &cp:
	default:
		g.logger.Warn("resolution channel full, scheduler will pick up on sweep",
			"approval_id", approval.ID)
	}
}

func (g *Gate) append(ctx context.Context, approvalID string, et types.EventType, data interface{}) {
	if _, err := g.log.Append(ctx, types.AggregateApproval, approvalID, et, data); err != nil {
		g.logger.Error("append approval event", "approval_id", approvalID, "type", et, "error", err)
	}
}

func contains(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}
