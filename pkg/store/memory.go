package store

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/distrihub/hub/pkg/huberr"
	"github.com/distrihub/hub/pkg/model"
)

// Memory is an in-memory Store used by the orchestration core's own tests
// (spec.md §8's scenarios and property tests run against it). A single
// mutex serializes transactions, which gives the "FOR UPDATE"-equivalent
// row locking spec.md §5 requires for free: at most one Tx is ever open
// at a time, so lock ordering (Task → Assignment → Node) is enforced by
// construction rather than needing to be checked.
type Memory struct {
	mu          sync.Mutex
	tasks       map[uuid.UUID]*model.Task
	nodes       map[uuid.UUID]*model.Node
	assignments map[uuid.UUID]*model.Assignment
}

func NewMemory() *Memory {
	return &Memory{
		tasks:       make(map[uuid.UUID]*model.Task),
		nodes:       make(map[uuid.UUID]*model.Node),
		assignments: make(map[uuid.UUID]*model.Assignment),
	}
}

func (m *Memory) BeginTx(ctx context.Context) (Tx, error) {
	m.mu.Lock()
	return &memoryTx{
		store:       m,
		tasks:       cloneTaskMap(m.tasks),
		nodes:       cloneNodeMap(m.nodes),
		assignments: cloneAssignmentMap(m.assignments),
	}, nil
}

func (m *Memory) GetTask(ctx context.Context, id uuid.UUID) (*model.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return nil, huberr.NotFound("GetTask", errNotFound("task", id))
	}
	cp := *t
	return &cp, nil
}

func (m *Memory) ListTasks(ctx context.Context, f TaskFilter) ([]*model.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.Task
	for _, t := range m.tasks {
		if !matchesTaskFilter(t, f) {
			continue
		}
		cp := *t
		out = append(out, &cp)
	}
	return out, nil
}

func (m *Memory) GetNode(ctx context.Context, id uuid.UUID) (*model.Node, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.nodes[id]
	if !ok {
		return nil, huberr.NotFound("GetNode", errNotFound("node", id))
	}
	cp := *n
	return &cp, nil
}

func (m *Memory) ListNodes(ctx context.Context, f NodeFilter) ([]*model.Node, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.Node
	for _, n := range m.nodes {
		if !matchesNodeFilter(n, f) {
			continue
		}
		cp := *n
		out = append(out, &cp)
	}
	return out, nil
}

func (m *Memory) ListAssignmentsByTask(ctx context.Context, taskID uuid.UUID) ([]*model.Assignment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.Assignment
	for _, a := range m.assignments {
		if a.TaskID == taskID {
			cp := *a
			out = append(out, &cp)
		}
	}
	return out, nil
}

// memoryTx stages writes against copies of the store's maps and publishes
// them atomically on Commit.
type memoryTx struct {
	store       *Memory
	tasks       map[uuid.UUID]*model.Task
	nodes       map[uuid.UUID]*model.Node
	assignments map[uuid.UUID]*model.Assignment
	done        bool
}

func (tx *memoryTx) GetTaskForUpdate(ctx context.Context, id uuid.UUID) (*model.Task, error) {
	t, ok := tx.tasks[id]
	if !ok {
		return nil, huberr.NotFound("GetTaskForUpdate", errNotFound("task", id))
	}
	cp := *t
	return &cp, nil
}

func (tx *memoryTx) GetNodeForUpdate(ctx context.Context, id uuid.UUID) (*model.Node, error) {
	n, ok := tx.nodes[id]
	if !ok {
		return nil, huberr.NotFound("GetNodeForUpdate", errNotFound("node", id))
	}
	cp := *n
	return &cp, nil
}

func (tx *memoryTx) PutTask(ctx context.Context, t *model.Task) error {
	cp := *t
	tx.tasks[t.ID] = &cp
	return nil
}

func (tx *memoryTx) PutNode(ctx context.Context, n *model.Node) error {
	cp := *n
	tx.nodes[n.ID] = &cp
	return nil
}

func (tx *memoryTx) DeleteTask(ctx context.Context, id uuid.UUID) error {
	delete(tx.tasks, id)
	return nil
}

func (tx *memoryTx) CreateAssignment(ctx context.Context, a *model.Assignment) error {
	for _, existing := range tx.assignments {
		if existing.TaskID == a.TaskID && existing.NodeID == a.NodeID {
			return huberr.Conflict("CreateAssignment", errDuplicateAssignment(a.TaskID, a.NodeID))
		}
	}
	cp := *a
	tx.assignments[a.ID] = &cp
	return nil
}

func (tx *memoryTx) GetAssignmentForUpdate(ctx context.Context, id uuid.UUID) (*model.Assignment, error) {
	a, ok := tx.assignments[id]
	if !ok {
		return nil, huberr.NotFound("GetAssignmentForUpdate", errNotFound("assignment", id))
	}
	cp := *a
	return &cp, nil
}

func (tx *memoryTx) PutAssignment(ctx context.Context, a *model.Assignment) error {
	cp := *a
	tx.assignments[a.ID] = &cp
	return nil
}

func (tx *memoryTx) ListAssignmentsByTask(ctx context.Context, taskID uuid.UUID) ([]*model.Assignment, error) {
	var out []*model.Assignment
	for _, a := range tx.assignments {
		if a.TaskID == taskID {
			cp := *a
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (tx *memoryTx) ListAssignmentsByNode(ctx context.Context, nodeID uuid.UUID) ([]*model.Assignment, error) {
	var out []*model.Assignment
	for _, a := range tx.assignments {
		if a.NodeID == nodeID {
			cp := *a
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (tx *memoryTx) DeleteAssignmentsByNodes(ctx context.Context, nodeIDs []uuid.UUID) ([]uuid.UUID, error) {
	want := make(map[uuid.UUID]bool, len(nodeIDs))
	for _, id := range nodeIDs {
		want[id] = true
	}
	affected := map[uuid.UUID]bool{}
	for id, a := range tx.assignments {
		if want[a.NodeID] {
			affected[a.TaskID] = true
			delete(tx.assignments, id)
		}
	}
	out := make([]uuid.UUID, 0, len(affected))
	for id := range affected {
		out = append(out, id)
	}
	return out, nil
}

func (tx *memoryTx) DeleteAssignmentsByTask(ctx context.Context, taskID uuid.UUID) error {
	for id, a := range tx.assignments {
		if a.TaskID == taskID {
			delete(tx.assignments, id)
		}
	}
	return nil
}

func (tx *memoryTx) GetAssignmentByTaskNode(ctx context.Context, taskID, nodeID uuid.UUID) (*model.Assignment, error) {
	for _, a := range tx.assignments {
		if a.TaskID == taskID && a.NodeID == nodeID {
			cp := *a
			return &cp, nil
		}
	}
	return nil, huberr.NotFound("GetAssignmentByTaskNode", errNotFound("assignment", taskID))
}

func (tx *memoryTx) Commit() error {
	if tx.done {
		return nil
	}
	tx.done = true
	tx.store.tasks = tx.tasks
	tx.store.nodes = tx.nodes
	tx.store.assignments = tx.assignments
	tx.store.mu.Unlock()
	return nil
}

func (tx *memoryTx) Rollback() error {
	if tx.done {
		return nil
	}
	tx.done = true
	tx.store.mu.Unlock()
	return nil
}

func cloneTaskMap(m map[uuid.UUID]*model.Task) map[uuid.UUID]*model.Task {
	out := make(map[uuid.UUID]*model.Task, len(m))
	for k, v := range m {
		cp := *v
		out[k] = &cp
	}
	return out
}

func cloneNodeMap(m map[uuid.UUID]*model.Node) map[uuid.UUID]*model.Node {
	out := make(map[uuid.UUID]*model.Node, len(m))
	for k, v := range m {
		cp := *v
		out[k] = &cp
	}
	return out
}

func cloneAssignmentMap(m map[uuid.UUID]*model.Assignment) map[uuid.UUID]*model.Assignment {
	out := make(map[uuid.UUID]*model.Assignment, len(m))
	for k, v := range m {
		cp := *v
		out[k] = &cp
	}
	return out
}

func matchesTaskFilter(t *model.Task, f TaskFilter) bool {
	if len(f.Statuses) > 0 {
		found := false
		for _, s := range f.Statuses {
			if t.Status == s {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.MinStaleCount != nil && t.StaleCount < *f.MinStaleCount {
		return false
	}
	if f.SubmittedBy != nil {
		if t.SubmittedBy == nil || *t.SubmittedBy != *f.SubmittedBy {
			return false
		}
	}
	return true
}

func matchesNodeFilter(n *model.Node, f NodeFilter) bool {
	if len(f.Statuses) == 0 {
		return true
	}
	for _, s := range f.Statuses {
		if n.Status == s {
			return true
		}
	}
	return false
}
