// Package queue implements the QueueManager of spec.md §4.2: backlog
// admission into the bounded active queue, and hysteresis-damped
// preemption between the active queue and the backlog.
package queue

import (
	"context"

	"github.com/google/uuid"

	"github.com/distrihub/hub/internal/config"
	"github.com/distrihub/hub/pkg/clock"
	"github.com/distrihub/hub/pkg/huberr"
	"github.com/distrihub/hub/pkg/model"
	"github.com/distrihub/hub/pkg/priority"
	"github.com/distrihub/hub/pkg/store"
)

// Manager implements admission and preemption against a Store.
type Manager struct {
	store  store.Store
	clock  clock.Clock
	cfg    config.SchedulerConfig
	policy priority.Policy
}

func New(s store.Store, c clock.Clock, cfg config.SchedulerConfig, policy priority.Policy) *Manager {
	return &Manager{store: s, clock: c, cfg: cfg, policy: policy}
}

// AdmitFromBacklog fills available active-queue slots from the backlog by
// priority, per spec.md §4.2. Each admission is its own transaction so one
// task losing a concurrent race does not block the rest.
func (m *Manager) AdmitFromBacklog(ctx context.Context) error {
	active, err := m.store.ListTasks(ctx, store.TaskFilter{Statuses: []model.TaskStatus{model.TaskInQueue, model.TaskInProgress}})
	if err != nil {
		return err
	}
	available := m.cfg.ActiveQueueSize - len(active)
	if available <= 0 {
		return nil
	}

	backlog, err := m.store.ListTasks(ctx, store.TaskFilter{Statuses: []model.TaskStatus{model.TaskPending}})
	if err != nil {
		return err
	}
	now := m.clock.Now()
	m.policy.SortDescending(backlog, now)
	if available > len(backlog) {
		available = len(backlog)
	}

	for _, t := range backlog[:available] {
		if err := m.admitOne(ctx, t.ID); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) admitOne(ctx context.Context, taskID uuid.UUID) error {
	tx, err := m.store.BeginTx(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	t, err := tx.GetTaskForUpdate(ctx, taskID)
	if err != nil {
		return huberr.Transient("AdmitFromBacklog", err)
	}
	if t.Status != model.TaskPending {
		// Lost a race (e.g. to Reorder or garbage collection); skip.
		return tx.Commit()
	}
	t.Status = model.TaskInQueue
	if err := tx.PutTask(ctx, t); err != nil {
		return err
	}
	return tx.Commit()
}

// Reorder implements spec.md §4.2's preemption: at most one swap per tick,
// damped by PREEMPTION_BAND so a marginally-better backlog task never
// displaces an in-queue one.
func (m *Manager) Reorder(ctx context.Context) error {
	inQueue, err := m.store.ListTasks(ctx, store.TaskFilter{Statuses: []model.TaskStatus{model.TaskInQueue}})
	if err != nil {
		return err
	}
	backlog, err := m.store.ListTasks(ctx, store.TaskFilter{Statuses: []model.TaskStatus{model.TaskPending}})
	if err != nil {
		return err
	}
	if len(inQueue) == 0 || len(backlog) == 0 {
		return nil
	}

	now := m.clock.Now()
	m.policy.SortDescending(inQueue, now)
	m.policy.SortDescending(backlog, now)

	low := inQueue[len(inQueue)-1]
	high := backlog[0]

	if m.policy.Priority(high, now) <= m.policy.Priority(low, now)*m.cfg.PreemptionBand {
		return nil
	}

	tx, err := m.store.BeginTx(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	lowTx, err := tx.GetTaskForUpdate(ctx, low.ID)
	if err != nil {
		return huberr.Transient("Reorder", err)
	}
	highTx, err := tx.GetTaskForUpdate(ctx, high.ID)
	if err != nil {
		return huberr.Transient("Reorder", err)
	}
	if lowTx.Status != model.TaskInQueue || highTx.Status != model.TaskPending {
		// Lost the race to a concurrent mutation; skip this tick.
		return tx.Commit()
	}

	lowTx.Status = model.TaskPending
	if err := tx.PutTask(ctx, lowTx); err != nil {
		return err
	}

	highTx.Status = model.TaskInQueue
	highTx.LastAttempted = &now
	if err := tx.PutTask(ctx, highTx); err != nil {
		return err
	}

	return tx.Commit()
}
