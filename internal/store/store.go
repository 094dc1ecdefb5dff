// Package store provides persistence for DAGs and their tasks.
//
// The production deployment backs this interface with the relational
// schema (dags, tasks, task_dependencies and their indexes); the memory
// implementation here serves development and tests with the same
// semantics, including the priority-ordered ready scan and per-task
// compare-and-swap transitions.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/taskmesh/taskmesh/pkg/types"
)

// Common errors returned by Store implementations.
var (
	ErrDagNotFound    = errors.New("dag not found")
	ErrTaskNotFound   = errors.New("task not found")
	ErrDagExists      = errors.New("dag already exists")
	ErrStatusConflict = errors.New("status conflict")
)

// Store defines persistence for DAGs and tasks. Implementations must be
// safe for concurrent use and must serialize mutations per entity.
type Store interface {
	// DAG lifecycle
	CreateDag(ctx context.Context, dag *types.Dag) error
	GetDag(ctx context.Context, dagID string) (*types.Dag, error)
	ListDags(ctx context.Context) ([]*types.Dag, error)
	UpdateDagStatus(ctx context.Context, dagID string, status types.DagStatus, errMsg string) error

	// Task lifecycle
	CreateTask(ctx context.Context, task *types.Task) error
	GetTask(ctx context.Context, taskID string) (*types.Task, error)
	TasksForDag(ctx context.Context, dagID string) ([]*types.Task, error)

	// ReadyTasks returns dispatchable tasks (status ready, backoff
	// window elapsed) ordered by priority descending, then creation
	// time ascending. FIFO within a priority band.
	ReadyTasks(ctx context.Context, now time.Time, limit int) ([]*types.Task, error)

	// UpdateTask applies mutate to the task if its current status is
	// expected, otherwise returns ErrStatusConflict. The check and the
	// mutation are atomic, which serializes concurrent transitions.
	UpdateTask(ctx context.Context, taskID string, expected types.TaskStatus, mutate func(*types.Task)) (*types.Task, error)

	Close() error
}
