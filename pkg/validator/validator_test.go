package validator

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/distrihub/hub/internal/config"
	"github.com/distrihub/hub/pkg/model"
	"github.com/distrihub/hub/pkg/store"
)

func seed(t *testing.T, ctx context.Context, s *store.Memory, task *model.Task, nodes []*model.Node, assignments []*model.Assignment) {
	t.Helper()
	tx, err := s.BeginTx(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.PutTask(ctx, task))
	for _, n := range nodes {
		require.NoError(t, tx.PutNode(ctx, n))
	}
	for _, a := range assignments {
		require.NoError(t, tx.CreateAssignment(ctx, a))
	}
	require.NoError(t, tx.Commit())
}

func defaultCfg() config.SchedulerConfig {
	return config.SchedulerConfig{
		ValidationThreshold: 0.5,
		TrustInc:            0.5,
		TrustDec:            0.5,
		TrustMin:            1.0,
		TrustMax:            10.0,
	}
}

func TestValidateAcceptsMajorityOutput(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	v := New(s, defaultCfg())
	now := time.Now()

	task := &model.Task{ID: uuid.New(), Status: model.TaskCompleted, OverlapCount: 2, CreatedAt: now}
	n1 := &model.Node{ID: uuid.New(), TrustIndex: 6, Status: model.NodeActive}
	n2 := &model.Node{ID: uuid.New(), TrustIndex: 4, Status: model.NodeActive}
	a1 := &model.Assignment{ID: uuid.New(), TaskID: task.ID, NodeID: n1.ID, AssignedAt: now, CompletedAt: &now, Result: &model.ResultEnvelope{Output: []byte("A")}}
	a2 := &model.Assignment{ID: uuid.New(), TaskID: task.ID, NodeID: n2.ID, AssignedAt: now, CompletedAt: &now, Result: &model.ResultEnvelope{Output: []byte("B")}}
	seed(t, ctx, s, task, []*model.Node{n1, n2}, []*model.Assignment{a1, a2})

	require.NoError(t, v.Validate(ctx, task.ID))

	got, err := s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, model.TaskValidated, got.Status)
	require.Equal(t, "A", string(got.Result.ValidatedOutput))

	winner, err := s.GetNode(ctx, n1.ID)
	require.NoError(t, err)
	require.Equal(t, 6.5, winner.TrustIndex)

	loser, err := s.GetNode(ctx, n2.ID)
	require.NoError(t, err)
	require.Equal(t, 3.5, loser.TrustIndex)
}

func TestValidateFailsWhenBelowThreshold(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	cfg := defaultCfg()
	cfg.ValidationThreshold = 0.9
	v := New(s, cfg)
	now := time.Now()

	task := &model.Task{ID: uuid.New(), Status: model.TaskCompleted, OverlapCount: 2, CreatedAt: now}
	n1 := &model.Node{ID: uuid.New(), TrustIndex: 6, Status: model.NodeActive}
	n2 := &model.Node{ID: uuid.New(), TrustIndex: 4, Status: model.NodeActive}
	a1 := &model.Assignment{ID: uuid.New(), TaskID: task.ID, NodeID: n1.ID, AssignedAt: now, CompletedAt: &now, Result: &model.ResultEnvelope{Output: []byte("A")}}
	a2 := &model.Assignment{ID: uuid.New(), TaskID: task.ID, NodeID: n2.ID, AssignedAt: now, CompletedAt: &now, Result: &model.ResultEnvelope{Output: []byte("B")}}
	seed(t, ctx, s, task, []*model.Node{n1, n2}, []*model.Assignment{a1, a2})

	require.NoError(t, v.Validate(ctx, task.ID))

	got, err := s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, model.TaskFailed, got.Status)
}

func TestValidateTiesBreakLexicographically(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	v := New(s, defaultCfg())
	now := time.Now()

	task := &model.Task{ID: uuid.New(), Status: model.TaskCompleted, OverlapCount: 2, CreatedAt: now}
	n1 := &model.Node{ID: uuid.New(), TrustIndex: 5, Status: model.NodeActive}
	n2 := &model.Node{ID: uuid.New(), TrustIndex: 5, Status: model.NodeActive}
	a1 := &model.Assignment{ID: uuid.New(), TaskID: task.ID, NodeID: n1.ID, AssignedAt: now, CompletedAt: &now, Result: &model.ResultEnvelope{Output: []byte("zz")}}
	a2 := &model.Assignment{ID: uuid.New(), TaskID: task.ID, NodeID: n2.ID, AssignedAt: now, CompletedAt: &now, Result: &model.ResultEnvelope{Output: []byte("aa")}}
	seed(t, ctx, s, task, []*model.Node{n1, n2}, []*model.Assignment{a1, a2})

	require.NoError(t, v.Validate(ctx, task.ID))

	got, err := s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, model.TaskValidated, got.Status)
	require.Equal(t, "aa", string(got.Result.ValidatedOutput), "tie must break lexicographically on output")
}

func TestValidateFailsWhenAllResultsEmpty(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	v := New(s, defaultCfg())
	now := time.Now()

	task := &model.Task{ID: uuid.New(), Status: model.TaskCompleted, OverlapCount: 1, CreatedAt: now}
	n1 := &model.Node{ID: uuid.New(), TrustIndex: 5, Status: model.NodeActive}
	a1 := &model.Assignment{ID: uuid.New(), TaskID: task.ID, NodeID: n1.ID, AssignedAt: now, CompletedAt: &now, Result: &model.ResultEnvelope{}}
	seed(t, ctx, s, task, []*model.Node{n1}, []*model.Assignment{a1})

	require.NoError(t, v.Validate(ctx, task.ID))

	got, err := s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, model.TaskFailed, got.Status)
}

func TestValidateIgnoresNonCompletedTasks(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	v := New(s, defaultCfg())

	task := &model.Task{ID: uuid.New(), Status: model.TaskInProgress, CreatedAt: time.Now()}
	seed(t, ctx, s, task, nil, nil)

	require.NoError(t, v.Validate(ctx, task.ID))

	got, err := s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, model.TaskInProgress, got.Status)
}
