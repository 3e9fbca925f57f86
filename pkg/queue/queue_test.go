package queue

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/distrihub/hub/internal/config"
	"github.com/distrihub/hub/pkg/clock"
	"github.com/distrihub/hub/pkg/model"
	"github.com/distrihub/hub/pkg/priority"
	"github.com/distrihub/hub/pkg/store"
)

func newTask(status model.TaskStatus, createdAt time.Time) *model.Task {
	return &model.Task{
		ID:        uuid.New(),
		Status:    status,
		CreatedAt: createdAt,
	}
}

func setup(cfg config.SchedulerConfig) (*store.Memory, *clock.Fake, *Manager) {
	s := store.NewMemory()
	c := clock.NewFake(time.Now())
	m := New(s, c, cfg, priority.New(cfg))
	return s, c, m
}

func seedTasks(t *testing.T, ctx context.Context, s *store.Memory, tasks ...*model.Task) {
	t.Helper()
	tx, err := s.BeginTx(ctx)
	require.NoError(t, err)
	for _, task := range tasks {
		require.NoError(t, tx.PutTask(ctx, task))
	}
	require.NoError(t, tx.Commit())
}

func TestAdmitFromBacklogFillsAvailableSlots(t *testing.T) {
	ctx := context.Background()
	cfg := config.SchedulerConfig{ActiveQueueSize: 2, Mechanism: config.MechanismCustom}
	s, c, m := setup(cfg)

	old := newTask(model.TaskPending, c.Now().Add(-time.Hour))
	newer := newTask(model.TaskPending, c.Now().Add(-time.Minute))
	seedTasks(t, ctx, s, old, newer)

	require.NoError(t, m.AdmitFromBacklog(ctx))

	got, err := s.GetTask(ctx, old.ID)
	require.NoError(t, err)
	require.Equal(t, model.TaskInQueue, got.Status)

	got2, err := s.GetTask(ctx, newer.ID)
	require.NoError(t, err)
	require.Equal(t, model.TaskInQueue, got2.Status)
}

func TestAdmitFromBacklogRespectsActiveQueueSize(t *testing.T) {
	ctx := context.Background()
	cfg := config.SchedulerConfig{ActiveQueueSize: 1, Mechanism: config.MechanismCustom}
	s, c, m := setup(cfg)

	inProgress := newTask(model.TaskInProgress, c.Now().Add(-time.Hour))
	pending := newTask(model.TaskPending, c.Now().Add(-time.Minute))
	seedTasks(t, ctx, s, inProgress, pending)

	require.NoError(t, m.AdmitFromBacklog(ctx))

	got, err := s.GetTask(ctx, pending.ID)
	require.NoError(t, err)
	require.Equal(t, model.TaskPending, got.Status, "active queue already full, nothing should be admitted")
}

func TestReorderSwapsWhenBacklogExceedsBand(t *testing.T) {
	ctx := context.Background()
	cfg := config.SchedulerConfig{
		ActiveQueueSize:  5,
		Mechanism:        config.MechanismCustom,
		StalePenaltyMult: 10,
		InProgressBoost:  1.2,
		PreemptionBand:   1.3,
	}
	s, c, m := setup(cfg)

	low := newTask(model.TaskInQueue, c.Now().Add(-time.Second))
	high := newTask(model.TaskPending, c.Now().Add(-10*time.Hour))
	seedTasks(t, ctx, s, low, high)

	require.NoError(t, m.Reorder(ctx))

	gotLow, err := s.GetTask(ctx, low.ID)
	require.NoError(t, err)
	require.Equal(t, model.TaskPending, gotLow.Status, "low-priority in-queue task should be preempted")

	gotHigh, err := s.GetTask(ctx, high.ID)
	require.NoError(t, err)
	require.Equal(t, model.TaskInQueue, gotHigh.Status)
	require.NotNil(t, gotHigh.LastAttempted)
}

func TestReorderNoSwapWithinBand(t *testing.T) {
	ctx := context.Background()
	cfg := config.SchedulerConfig{
		ActiveQueueSize:  5,
		Mechanism:        config.MechanismCustom,
		StalePenaltyMult: 10,
		InProgressBoost:  1.2,
		PreemptionBand:   1.3,
	}
	s, c, m := setup(cfg)

	low := newTask(model.TaskInQueue, c.Now().Add(-time.Hour))
	high := newTask(model.TaskPending, c.Now().Add(-time.Hour-time.Second))
	seedTasks(t, ctx, s, low, high)

	require.NoError(t, m.Reorder(ctx))

	gotLow, err := s.GetTask(ctx, low.ID)
	require.NoError(t, err)
	require.Equal(t, model.TaskInQueue, gotLow.Status, "marginal priority difference within the band must not preempt")

	gotHigh, err := s.GetTask(ctx, high.ID)
	require.NoError(t, err)
	require.Equal(t, model.TaskPending, gotHigh.Status)
}

func TestReorderNoOpWhenEitherSideEmpty(t *testing.T) {
	ctx := context.Background()
	cfg := config.SchedulerConfig{ActiveQueueSize: 5, Mechanism: config.MechanismCustom, PreemptionBand: 1.3}
	s, _, m := setup(cfg)

	only := newTask(model.TaskInQueue, time.Now())
	seedTasks(t, ctx, s, only)

	require.NoError(t, m.Reorder(ctx))

	got, err := s.GetTask(ctx, only.ID)
	require.NoError(t, err)
	require.Equal(t, model.TaskInQueue, got.Status)
}
