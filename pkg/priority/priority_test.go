package priority

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/distrihub/hub/internal/config"
	"github.com/distrihub/hub/pkg/model"
)

func newTask(createdAt time.Time, stale int, status model.TaskStatus) *model.Task {
	return &model.Task{
		ID:                   uuid.New(),
		CreatedAt:            createdAt,
		StaleCount:           stale,
		Status:               status,
		ResourceRequirements: model.ResourceVector{CPU: 1, RAM: 1},
	}
}

func TestCustomPriorityMonotoneInAge(t *testing.T) {
	cfg := config.Default().Scheduler
	policy := New(cfg)
	now := time.Now()

	older := newTask(now.Add(-2*time.Hour), 0, model.TaskPending)
	newer := newTask(now.Add(-1*time.Hour), 0, model.TaskPending)

	require.Greater(t, policy.Priority(older, now), policy.Priority(newer, now))
}

func TestCustomPriorityMonotoneInStaleCount(t *testing.T) {
	cfg := config.Default().Scheduler
	policy := New(cfg)
	now := time.Now()

	fresh := newTask(now.Add(-1*time.Hour), 0, model.TaskPending)
	stale := newTask(now.Add(-1*time.Hour), 5, model.TaskPending)

	require.Greater(t, policy.Priority(fresh, now), policy.Priority(stale, now))
}

func TestCustomPriorityInProgressBoost(t *testing.T) {
	cfg := config.Default().Scheduler
	policy := New(cfg)
	now := time.Now()

	pending := newTask(now.Add(-1*time.Hour), 0, model.TaskPending)
	inProgress := newTask(now.Add(-1*time.Hour), 0, model.TaskInProgress)

	require.Greater(t, policy.Priority(inProgress, now), policy.Priority(pending, now))
}

func TestSortDescendingTieBreaksByCreatedAtThenID(t *testing.T) {
	cfg := config.Default().Scheduler
	policy := New(cfg)
	now := time.Now()

	same := now.Add(-1 * time.Hour)
	a := newTask(same, 0, model.TaskPending)
	b := newTask(same, 0, model.TaskPending)
	if a.ID.String() > b.ID.String() {
		a, b = b, a
	}

	tasks := []*model.Task{b, a}
	policy.SortDescending(tasks, now)
	assert.Equal(t, a.ID, tasks[0].ID)
	assert.Equal(t, b.ID, tasks[1].ID)
}

func TestFIFOPolicyOrdersOldestFirst(t *testing.T) {
	policy := New(config.SchedulerConfig{Mechanism: config.MechanismFIFO})
	now := time.Now()

	older := newTask(now.Add(-2*time.Hour), 0, model.TaskPending)
	newer := newTask(now.Add(-1*time.Hour), 0, model.TaskPending)

	tasks := []*model.Task{newer, older}
	policy.SortDescending(tasks, now)
	assert.Equal(t, older.ID, tasks[0].ID)
}
