package graph

import (
	"errors"
	"testing"

	"github.com/taskmesh/taskmesh/pkg/types"
)

func node(id string, deps ...string) types.NodeSpec {
	spec := types.NodeSpec{ID: id, Model: "claude-sonnet"}
	for _, d := range deps {
		spec.DependsOn = append(spec.DependsOn, types.Dependency{NodeID: d, Required: true})
	}
	return spec
}

func TestBuild_Validation(t *testing.T) {
	t.Run("accepts linear chain", func(t *testing.T) {
		g, err := Build([]types.NodeSpec{node("a"), node("b", "a"), node("c", "b")})
		if err != nil {
			t.Fatalf("Build failed: %v", err)
		}
		if g.Len() != 3 {
			t.Errorf("expected 3 nodes, got %d", g.Len())
		}
	})

	t.Run("accepts diamond", func(t *testing.T) {
		_, err := Build([]types.NodeSpec{
			node("a"), node("b", "a"), node("c", "a"), node("d", "b", "c"),
		})
		if err != nil {
			t.Fatalf("Build failed: %v", err)
		}
	})

	t.Run("rejects cycle", func(t *testing.T) {
		_, err := Build([]types.NodeSpec{node("a", "c"), node("b", "a"), node("c", "b")})
		if !errors.Is(err, types.ErrCycleDetected) {
			t.Errorf("expected ErrCycleDetected, got %v", err)
		}
	})

	t.Run("rejects self-dependency", func(t *testing.T) {
		_, err := Build([]types.NodeSpec{node("a", "a")})
		if !errors.Is(err, types.ErrCycleDetected) {
			t.Errorf("expected ErrCycleDetected, got %v", err)
		}
	})

	t.Run("rejects dangling edge", func(t *testing.T) {
		_, err := Build([]types.NodeSpec{node("a"), node("b", "ghost")})
		if !errors.Is(err, types.ErrDanglingDependency) {
			t.Errorf("expected ErrDanglingDependency, got %v", err)
		}
	})

	t.Run("rejects duplicate id", func(t *testing.T) {
		_, err := Build([]types.NodeSpec{node("a"), node("a")})
		if err == nil {
			t.Error("expected error for duplicate id")
		}
	})
}

func TestBuild_TopologicalRank(t *testing.T) {
	g, err := Build([]types.NodeSpec{
		node("a"), node("b", "a"), node("c", "a"), node("d", "b", "c"),
	})
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}

	tests := []struct {
		id    string
		depth int
		entry bool
		exit  bool
	}{
		{"a", 0, true, false},
		{"b", 1, false, false},
		{"c", 1, false, false},
		{"d", 2, false, true},
	}
	for _, tt := range tests {
		n, ok := g.Node(tt.id)
		if !ok {
			t.Fatalf("node %s not found", tt.id)
		}
		if n.Depth != tt.depth {
			t.Errorf("node %s: expected depth %d, got %d", tt.id, tt.depth, n.Depth)
		}
		if n.IsEntryPoint != tt.entry {
			t.Errorf("node %s: expected entry=%v", tt.id, tt.entry)
		}
		if n.IsExitPoint != tt.exit {
			t.Errorf("node %s: expected exit=%v", tt.id, tt.exit)
		}
	}

	// Order must respect every edge.
	a, _ := g.Node("a")
	d, _ := g.Node("d")
	if a.Order >= d.Order {
		t.Errorf("a.Order (%d) should precede d.Order (%d)", a.Order, d.Order)
	}
}

func TestReadyNodes(t *testing.T) {
	g, err := Build([]types.NodeSpec{
		node("a"), node("b", "a"), node("c", "b"),
	})
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}

	none := map[string]bool{}

	t.Run("entry points ready initially", func(t *testing.T) {
		ready := g.ReadyNodes(none, none)
		if len(ready) != 1 || ready[0] != "a" {
			t.Errorf("expected [a], got %v", ready)
		}
	})

	t.Run("completion unblocks downstream", func(t *testing.T) {
		ready := g.ReadyNodes(map[string]bool{"a": true}, none)
		if len(ready) != 1 || ready[0] != "b" {
			t.Errorf("expected [b], got %v", ready)
		}
	})

	t.Run("dispatched nodes excluded", func(t *testing.T) {
		ready := g.ReadyNodes(map[string]bool{"a": true}, map[string]bool{"b": true})
		if len(ready) != 0 {
			t.Errorf("expected none, got %v", ready)
		}
	})

	t.Run("recompute is idempotent", func(t *testing.T) {
		completed := map[string]bool{"a": true}
		first := g.ReadyNodes(completed, none)
		second := g.ReadyNodes(completed, none)
		if len(first) != len(second) || first[0] != second[0] {
			t.Errorf("recompute differs: %v vs %v", first, second)
		}
	})
}

func TestReadyNodes_OptionalDependency(t *testing.T) {
	specs := []types.NodeSpec{
		node("a"),
		node("b"),
		{ID: "c", Model: "claude-sonnet", DependsOn: []types.Dependency{
			{NodeID: "a", Required: true},
			{NodeID: "b", Required: false},
		}},
	}
	g, err := Build(specs)
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}

	// c is ready once a completes, even though b has not.
	ready := g.ReadyNodes(map[string]bool{"a": true}, map[string]bool{"b": true})
	found := false
	for _, id := range ready {
		if id == "c" {
			found = true
		}
	}
	if !found {
		t.Errorf("expected c ready with only required dep complete, got %v", ready)
	}
}

func TestAddNode(t *testing.T) {
	g, err := Build([]types.NodeSpec{node("a"), node("b", "a")})
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}

	t.Run("extends with valid node", func(t *testing.T) {
		if err := g.AddNode(node("c", "b")); err != nil {
			t.Fatalf("AddNode failed: %v", err)
		}
		n, ok := g.Node("c")
		if !ok {
			t.Fatal("c not found after AddNode")
		}
		if n.Depth != 2 {
			t.Errorf("expected depth 2, got %d", n.Depth)
		}
		b, _ := g.Node("b")
		if b.IsExitPoint {
			t.Error("b should no longer be an exit point")
		}
	})

	t.Run("rejects unknown dependency", func(t *testing.T) {
		err := g.AddNode(node("d", "ghost"))
		if !errors.Is(err, types.ErrDanglingDependency) {
			t.Errorf("expected ErrDanglingDependency, got %v", err)
		}
	})

	t.Run("rejects duplicate id", func(t *testing.T) {
		if err := g.AddNode(node("a")); err == nil {
			t.Error("expected error for duplicate id")
		}
	})
}
