package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/taskmesh/taskmesh/pkg/types"
)

// MemoryStore is an in-memory implementation of Store. Data is lost on
// restart.
type MemoryStore struct {
	mu    sync.RWMutex
	dags  map[string]*types.Dag
	tasks map[string]*types.Task
}

// NewMemoryStore creates a new in-memory Store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		dags:  make(map[string]*types.Dag),
		tasks: make(map[string]*types.Task),
	}
}

func (s *MemoryStore) CreateDag(ctx context.Context, dag *types.Dag) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.dags[dag.ID]; exists {
		return ErrDagExists
	}
	cp := *dag
	now := time.Now().UTC()
	cp.CreatedAt = now
	cp.UpdatedAt = now
	s.dags[dag.ID] = &cp
	return nil
}

func (s *MemoryStore) GetDag(ctx context.Context, dagID string) (*types.Dag, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	dag, ok := s.dags[dagID]
	if !ok {
		return nil, ErrDagNotFound
	}
	cp := *dag
	return &cp, nil
}

func (s *MemoryStore) ListDags(ctx context.Context) ([]*types.Dag, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*types.Dag, 0, len(s.dags))
	for _, dag := range s.dags {
		cp := *dag
		out = append(out, &cp)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].CreatedAt.Before(out[b].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) UpdateDagStatus(ctx context.Context, dagID string, status types.DagStatus, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	dag, ok := s.dags[dagID]
	if !ok {
		return ErrDagNotFound
	}

	now := time.Now().UTC()
	if status == types.DagStatusRunning && dag.StartedAt == nil {
		dag.StartedAt = &now
	}
	if status.Terminal() && dag.FinishedAt == nil {
		dag.FinishedAt = &now
	}
	dag.Status = status
	dag.Error = errMsg
	dag.UpdatedAt = now
	return nil
}

func (s *MemoryStore) CreateTask(ctx context.Context, task *types.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *task
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	s.tasks[task.ID] = &cp
	return nil
}

func (s *MemoryStore) GetTask(ctx context.Context, taskID string) (*types.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	task, ok := s.tasks[taskID]
	if !ok {
		return nil, ErrTaskNotFound
	}
	cp := *task
	return &cp, nil
}

func (s *MemoryStore) TasksForDag(ctx context.Context, dagID string) ([]*types.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*types.Task
	for _, task := range s.tasks {
		if task.DagID == dagID {
			cp := *task
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].CreatedAt.Before(out[b].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) ReadyTasks(ctx context.Context, now time.Time, limit int) ([]*types.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*types.Task
	for _, task := range s.tasks {
		if task.Status != types.TaskStatusReady {
			continue
		}
		if task.NotBefore != nil && task.NotBefore.After(now) {
			continue
		}
		cp := *task
		out = append(out, &cp)
	}

	sort.Slice(out, func(a, b int) bool {
		if out[a].Priority != out[b].Priority {
			return out[a].Priority > out[b].Priority
		}
		if !out[a].CreatedAt.Equal(out[b].CreatedAt) {
			return out[a].CreatedAt.Before(out[b].CreatedAt)
		}
		return out[a].ID < out[b].ID
	})

	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) UpdateTask(ctx context.Context, taskID string, expected types.TaskStatus, mutate func(*types.Task)) (*types.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[taskID]
	if !ok {
		return nil, ErrTaskNotFound
	}
	if task.Status != expected {
		return nil, ErrStatusConflict
	}
	mutate(task)
	cp := *task
	return &cp, nil
}

func (s *MemoryStore) Close() error { return nil }

// Verify interface compliance
var _ Store = (*MemoryStore)(nil)
