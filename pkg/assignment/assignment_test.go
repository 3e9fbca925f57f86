package assignment

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/distrihub/hub/internal/config"
	"github.com/distrihub/hub/pkg/clock"
	"github.com/distrihub/hub/pkg/model"
	"github.com/distrihub/hub/pkg/placer"
	"github.com/distrihub/hub/pkg/store"
)

func setup(cfg config.SchedulerConfig) (*store.Memory, *clock.Fake, *Engine) {
	s := store.NewMemory()
	c := clock.NewFake(time.Now())
	e := New(s, placer.New(cfg), c, cfg, nil)
	return s, c, e
}

func putTask(t *testing.T, ctx context.Context, s *store.Memory, task *model.Task) {
	t.Helper()
	tx, err := s.BeginTx(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.PutTask(ctx, task))
	require.NoError(t, tx.Commit())
}

func putNode(t *testing.T, ctx context.Context, s *store.Memory, node *model.Node) {
	t.Helper()
	tx, err := s.BeginTx(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.PutNode(ctx, node))
	require.NoError(t, tx.Commit())
}

func TestAssignToNodesCreatesAssignmentsAndPromotes(t *testing.T) {
	ctx := context.Background()
	cfg := config.SchedulerConfig{Mechanism: config.MechanismCustom}
	s, _, e := setup(cfg)

	task := &model.Task{ID: uuid.New(), Status: model.TaskInQueue, OverlapCount: 2, CreatedAt: time.Now()}
	n1 := &model.Node{ID: uuid.New(), Status: model.NodeActive, TrustIndex: 5, LastHeartbeat: time.Now()}
	n2 := &model.Node{ID: uuid.New(), Status: model.NodeActive, TrustIndex: 5, LastHeartbeat: time.Now()}
	putTask(t, ctx, s, task)
	putNode(t, ctx, s, n1)
	putNode(t, ctx, s, n2)

	require.NoError(t, e.AssignToNodes(ctx))

	assignments, err := s.ListAssignmentsByTask(ctx, task.ID)
	require.NoError(t, err)
	require.Len(t, assignments, 2)

	got, err := s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, model.TaskInProgress, got.Status)
}

func TestAssignToNodesMarksStaleWhenNoCandidates(t *testing.T) {
	ctx := context.Background()
	cfg := config.SchedulerConfig{Mechanism: config.MechanismCustom}
	s, _, e := setup(cfg)

	task := &model.Task{ID: uuid.New(), Status: model.TaskInQueue, OverlapCount: 1, TrustIndexRequired: 9, CreatedAt: time.Now()}
	n := &model.Node{ID: uuid.New(), Status: model.NodeActive, TrustIndex: 1, LastHeartbeat: time.Now()}
	putTask(t, ctx, s, task)
	putNode(t, ctx, s, n)

	require.NoError(t, e.AssignToNodes(ctx))

	got, err := s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, 1, got.StaleCount)
	require.Equal(t, model.TaskInQueue, got.Status)
}

func TestHandleTasksForInactiveNodesReschedulesOrphanedTask(t *testing.T) {
	ctx := context.Background()
	cfg := config.SchedulerConfig{Mechanism: config.MechanismCustom}
	s, _, e := setup(cfg)

	task := &model.Task{ID: uuid.New(), Status: model.TaskInProgress, OverlapCount: 1, CreatedAt: time.Now()}
	node := &model.Node{ID: uuid.New(), Status: model.NodeInactive}
	putTask(t, ctx, s, task)
	putNode(t, ctx, s, node)

	tx, err := s.BeginTx(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.CreateAssignment(ctx, &model.Assignment{ID: uuid.New(), TaskID: task.ID, NodeID: node.ID, AssignedAt: time.Now()}))
	require.NoError(t, tx.Commit())

	require.NoError(t, e.HandleTasksForInactiveNodes(ctx, []uuid.UUID{node.ID}))

	got, err := s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, model.TaskInQueue, got.Status, "task with zero remaining assignments must become reschedulable")

	assignments, err := s.ListAssignmentsByTask(ctx, task.ID)
	require.NoError(t, err)
	require.Empty(t, assignments)
}

func TestHandleTasksForInactiveNodesIgnoresCompletedTasks(t *testing.T) {
	ctx := context.Background()
	cfg := config.SchedulerConfig{Mechanism: config.MechanismCustom}
	s, _, e := setup(cfg)

	task := &model.Task{ID: uuid.New(), Status: model.TaskValidated, OverlapCount: 1, CreatedAt: time.Now()}
	node := &model.Node{ID: uuid.New(), Status: model.NodeInactive}
	putTask(t, ctx, s, task)
	putNode(t, ctx, s, node)

	tx, err := s.BeginTx(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.CreateAssignment(ctx, &model.Assignment{ID: uuid.New(), TaskID: task.ID, NodeID: node.ID, AssignedAt: time.Now()}))
	require.NoError(t, tx.Commit())

	require.NoError(t, e.HandleTasksForInactiveNodes(ctx, []uuid.UUID{node.ID}))

	got, err := s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, model.TaskValidated, got.Status, "validated tasks must never be touched by cascading node death")
}

func TestHandleStaleTasksFailsTaskAtCap(t *testing.T) {
	ctx := context.Background()
	cfg := config.SchedulerConfig{Mechanism: config.MechanismCustom, MaxStale: 5}
	s, _, e := setup(cfg)

	task := &model.Task{ID: uuid.New(), Status: model.TaskInQueue, StaleCount: 5, CreatedAt: time.Now()}
	putTask(t, ctx, s, task)

	require.NoError(t, e.HandleStaleTasks(ctx))

	got, err := s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, model.TaskFailed, got.Status)
}

func TestRetryFailedTasksResetsBelowCap(t *testing.T) {
	ctx := context.Background()
	cfg := config.SchedulerConfig{Mechanism: config.MechanismCustom, MaxStale: 5}
	s, c, e := setup(cfg)

	task := &model.Task{ID: uuid.New(), Status: model.TaskFailed, StaleCount: 3, CreatedAt: time.Now()}
	putTask(t, ctx, s, task)

	require.NoError(t, e.RetryFailedTasks(ctx))

	got, err := s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, model.TaskPending, got.Status)
	require.Equal(t, 3, got.StaleCount, "stale counter must survive a retry")
	require.NotNil(t, got.LastAttempted)
	require.WithinDuration(t, c.Now(), *got.LastAttempted, time.Second)
}

func TestGarbageCollectExhaustedTasksDeletesAtCap(t *testing.T) {
	ctx := context.Background()
	cfg := config.SchedulerConfig{Mechanism: config.MechanismCustom, MaxStale: 5}
	s, _, e := setup(cfg)

	task := &model.Task{ID: uuid.New(), Status: model.TaskFailed, StaleCount: 5, CreatedAt: time.Now()}
	putTask(t, ctx, s, task)

	require.NoError(t, e.GarbageCollectExhaustedTasks(ctx))

	_, err := s.GetTask(ctx, task.ID)
	require.Error(t, err)
}
