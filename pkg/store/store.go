// Package store defines the Store port consumed by the orchestration core
// (spec.md §6) and ships two adapters: an in-memory one used by the core's
// own tests, and a Postgres one (pkg/store/postgres.go) grounded on the
// teacher's pkg/database package.
package store

import (
	"context"

	"github.com/google/uuid"

	"github.com/distrihub/hub/pkg/model"
)

// TaskFilter narrows ListTasks by the indexes spec.md §6 requires:
// Task(status), Task(status, stale_count).
type TaskFilter struct {
	Statuses      []model.TaskStatus
	MinStaleCount *int
	SubmittedBy   *uuid.UUID
}

// NodeFilter narrows ListNodes by the Node(status, last_heartbeat) index.
type NodeFilter struct {
	Statuses []model.NodeStatus
}

// Tx is a transactional handle. Every mutation the orchestration core makes
// happens inside one, so that a canceled tick commits nothing (spec.md §5).
type Tx interface {
	// GetTaskForUpdate takes the Task-row lock spec.md §5's table requires
	// before reading it.
	GetTaskForUpdate(ctx context.Context, id uuid.UUID) (*model.Task, error)
	GetNodeForUpdate(ctx context.Context, id uuid.UUID) (*model.Node, error)

	PutTask(ctx context.Context, t *model.Task) error
	PutNode(ctx context.Context, n *model.Node) error
	DeleteTask(ctx context.Context, id uuid.UUID) error

	CreateAssignment(ctx context.Context, a *model.Assignment) error
	GetAssignmentForUpdate(ctx context.Context, id uuid.UUID) (*model.Assignment, error)
	PutAssignment(ctx context.Context, a *model.Assignment) error
	ListAssignmentsByTask(ctx context.Context, taskID uuid.UUID) ([]*model.Assignment, error)
	ListAssignmentsByNode(ctx context.Context, nodeID uuid.UUID) ([]*model.Assignment, error)
	DeleteAssignmentsByNodes(ctx context.Context, nodeIDs []uuid.UUID) ([]uuid.UUID, error)
	DeleteAssignmentsByTask(ctx context.Context, taskID uuid.UUID) error
	GetAssignmentByTaskNode(ctx context.Context, taskID, nodeID uuid.UUID) (*model.Assignment, error)

	Commit() error
	Rollback() error
}

// Store is the transactional persistence port spec.md §6 names. It also
// exposes read-only snapshot queries that do not require a transaction,
// used by the Placer and read-only listing ports.
type Store interface {
	BeginTx(ctx context.Context) (Tx, error)

	GetTask(ctx context.Context, id uuid.UUID) (*model.Task, error)
	ListTasks(ctx context.Context, f TaskFilter) ([]*model.Task, error)

	GetNode(ctx context.Context, id uuid.UUID) (*model.Node, error)
	ListNodes(ctx context.Context, f NodeFilter) ([]*model.Node, error)

	ListAssignmentsByTask(ctx context.Context, taskID uuid.UUID) ([]*model.Assignment, error)
}
