package approval

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/taskmesh/taskmesh/internal/eventlog"
	"github.com/taskmesh/taskmesh/pkg/types"
)

func newTestGate(t *testing.T) *Gate {
	t.Helper()
	log := eventlog.NewMemoryLog(nil)
	t.Cleanup(func() { log.Close() })
	return NewGate(log, nil)
}

func request(t *testing.T, g *Gate, required int, approvers ...string) *types.Approval {
	t.Helper()
	a, err := g.Request(context.Background(), "task-1", "agent-1", "deploy to production",
		0.9, approvers, required, time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	return a
}

func TestGate_Request(t *testing.T) {
	g := newTestGate(t)

	t.Run("opens pending", func(t *testing.T) {
		a := request(t, g, 2, "alice", "bob")
		if a.Status != types.ApprovalStatusPending {
			t.Errorf("expected pending, got %s", a.Status)
		}
	})

	t.Run("rejects unreachable quorum", func(t *testing.T) {
		_, err := g.Request(context.Background(), "t", "a", "act", 0.5,
			[]string{"alice"}, 3, time.Now().Add(time.Hour))
		if err == nil {
			t.Error("expected error for quorum larger than approver set")
		}
	})

	t.Run("defaults required count", func(t *testing.T) {
		a, err := g.Request(context.Background(), "t", "a", "act", 0.5, nil, 0, time.Now().Add(time.Hour))
		if err != nil {
			t.Fatalf("Request failed: %v", err)
		}
		if a.RequiredApprovals != 1 {
			t.Errorf("expected default quorum 1, got %d", a.RequiredApprovals)
		}
	})
}

func TestGate_Quorum(t *testing.T) {
	g := newTestGate(t)
	ctx := context.Background()
	a := request(t, g, 2, "alice", "bob", "carol")

	got, err := g.Decide(ctx, a.ID, "alice", true, "lgtm")
	if err != nil {
		t.Fatalf("Decide failed: %v", err)
	}
	if got.Status != types.ApprovalStatusPending {
		t.Fatalf("one of two approvals should stay pending, got %s", got.Status)
	}

	// No resolution delivered yet.
	select {
	case r := <-g.Resolutions():
		t.Fatalf("unexpected resolution before quorum: %v", r.Status)
	default:
	}

	got, err = g.Decide(ctx, a.ID, "bob", true, "")
	if err != nil {
		t.Fatalf("Decide failed: %v", err)
	}
	if got.Status != types.ApprovalStatusApproved {
		t.Fatalf("expected approved at quorum, got %s", got.Status)
	}

	select {
	case r := <-g.Resolutions():
		if r.ID != a.ID || r.Status != types.ApprovalStatusApproved {
			t.Errorf("unexpected resolution: %+v", r)
		}
	default:
		t.Fatal("expected resolution on channel")
	}
}

func TestGate_AnyVeto(t *testing.T) {
	g := newTestGate(t)
	ctx := context.Background()
	a := request(t, g, 2, "alice", "bob")

	g.Decide(ctx, a.ID, "alice", true, "")
	got, err := g.Decide(ctx, a.ID, "bob", false, "too risky")
	if err != nil {
		t.Fatalf("Decide failed: %v", err)
	}
	if got.Status != types.ApprovalStatusDenied {
		t.Fatalf("single veto should deny, got %s", got.Status)
	}
	if got.DecidedBy != "bob" {
		t.Errorf("expected decided_by bob, got %q", got.DecidedBy)
	}
}

func TestGate_DecideValidation(t *testing.T) {
	g := newTestGate(t)
	ctx := context.Background()
	a := request(t, g, 1, "alice")

	t.Run("unknown approval", func(t *testing.T) {
		if _, err := g.Decide(ctx, "nope", "alice", true, ""); err != ErrApprovalNotFound {
			t.Errorf("expected ErrApprovalNotFound, got %v", err)
		}
	})

	t.Run("non-approver rejected", func(t *testing.T) {
		if _, err := g.Decide(ctx, a.ID, "mallory", true, ""); !errors.Is(err, ErrNotApprover) {
			t.Errorf("expected ErrNotApprover, got %v", err)
		}
	})

	t.Run("duplicate vote rejected", func(t *testing.T) {
		b := request(t, g, 2, "alice", "bob")
		g.Decide(ctx, b.ID, "alice", true, "")
		if _, err := g.Decide(ctx, b.ID, "alice", true, ""); !errors.Is(err, ErrDuplicateVote) {
			t.Errorf("expected ErrDuplicateVote, got %v", err)
		}
	})

	t.Run("resolved approval rejects votes", func(t *testing.T) {
		g.Decide(ctx, a.ID, "alice", true, "")
		if _, err := g.Decide(ctx, a.ID, "alice", false, ""); !errors.Is(err, ErrAlreadyResolved) {
			t.Errorf("expected ErrAlreadyResolved, got %v", err)
		}
	})
}

func TestGate_ExpireSweep(t *testing.T) {
	g := newTestGate(t)
	ctx := context.Background()

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	g.now = func() time.Time { return base }

	short, _ := g.Request(ctx, "t-short", "a", "act", 0.5, nil, 1, base.Add(time.Minute))
	long, _ := g.Request(ctx, "t-long", "a", "act", 0.5, nil, 1, base.Add(time.Hour))

	expired := g.ExpireSweep(ctx, base.Add(5*time.Minute))
	if len(expired) != 1 || expired[0].ID != short.ID {
		t.Fatalf("expected only short approval expired, got %v", expired)
	}
	if expired[0].Status != types.ApprovalStatusExpired {
		t.Errorf("expected expired status, got %s", expired[0].Status)
	}

	got, _ := g.Get(ctx, long.ID)
	if got.Status != types.ApprovalStatusPending {
		t.Errorf("long approval should remain pending, got %s", got.Status)
	}

	// Expiry is a resolution: the scheduler must see it.
	select {
	case r := <-g.Resolutions():
		if r.ID != short.ID || r.Status != types.ApprovalStatusExpired {
			t.Errorf("unexpected resolution: %+v", r)
		}
	default:
		t.Fatal("expected expiry resolution on channel")
	}

	t.Run("expired approval rejects votes", func(t *testing.T) {
		if _, err := g.Decide(ctx, short.ID, "alice", true, ""); !errors.Is(err, ErrAlreadyResolved) {
			t.Errorf("expected ErrAlreadyResolved, got %v", err)
		}
	})
}

func TestGate_PendingOrderedByAge(t *testing.T) {
	g := newTestGate(t)
	ctx := context.Background()

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	now := base
	g.now = func() time.Time { return now }

	older, _ := g.Request(ctx, "t1", "a", "act", 0.5, nil, 1, base.Add(time.Hour))
	now = now.Add(time.Minute)
	newer, _ := g.Request(ctx, "t2", "a", "act", 0.5, nil, 1, base.Add(time.Hour))

	pending := g.Pending(ctx)
	if len(pending) != 2 {
		t.Fatalf("expected 2 pending, got %d", len(pending))
	}
	if pending[0].ID != older.ID || pending[1].ID != newer.ID {
		t.Error("pending approvals should be ordered oldest first")
	}
}
