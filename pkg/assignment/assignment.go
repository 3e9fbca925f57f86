// Package assignment implements the AssignmentEngine of spec.md §4.4:
// creating and retracting Assignments, driving Task states forward, and
// handling the cascading consequences of node death.
package assignment

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"github.com/distrihub/hub/internal/config"
	"github.com/distrihub/hub/pkg/clock"
	"github.com/distrihub/hub/pkg/events"
	"github.com/distrihub/hub/pkg/huberr"
	"github.com/distrihub/hub/pkg/metrics"
	"github.com/distrihub/hub/pkg/model"
	"github.com/distrihub/hub/pkg/placer"
	"github.com/distrihub/hub/pkg/store"
)

// Engine drives Assignment creation/retraction and the Task states that
// follow from it.
type Engine struct {
	store   store.Store
	placer  *placer.Placer
	clock   clock.Clock
	cfg     config.SchedulerConfig
	logger  *slog.Logger
	metrics *metrics.Registry
	limiter *events.RateLimiter
}

func New(s store.Store, p *placer.Placer, c clock.Clock, cfg config.SchedulerConfig, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{store: s, placer: p, clock: c, cfg: cfg, logger: logger}
}

// SetMetrics wires a Registry so AssignmentsCreated is incremented as
// assignments are made; nil (the default) disables recording.
func (e *Engine) SetMetrics(m *metrics.Registry) {
	e.metrics = m
}

// SetRateLimiter wires a rate limiter that gates the "no candidate
// nodes" log line, so a persistently-unsatisfiable task does not spam
// the log once per tick per hub replica.
func (e *Engine) SetRateLimiter(l *events.RateLimiter) {
	e.limiter = l
}

// AssignToNodes implements spec.md §4.4 steps 1-5 for every task currently
// in_queue or in_progress.
func (e *Engine) AssignToNodes(ctx context.Context) error {
	tasks, err := e.store.ListTasks(ctx, store.TaskFilter{Statuses: []model.TaskStatus{model.TaskInQueue, model.TaskInProgress}})
	if err != nil {
		return err
	}
	for _, t := range tasks {
		if err := e.assignOne(ctx, t.ID); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) assignOne(ctx context.Context, taskID uuid.UUID) error {
	t, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if !t.Status.InActiveQueue() {
		return nil
	}

	existing, err := e.store.ListAssignmentsByTask(ctx, taskID)
	if err != nil {
		return err
	}
	assigned := make(map[uuid.UUID]bool, len(existing))
	for _, a := range existing {
		assigned[a.NodeID] = true
	}

	if len(assigned) >= t.OverlapCount {
		if t.Status == model.TaskInQueue {
			return e.promoteToInProgress(ctx, taskID)
		}
		return nil
	}

	nodes, err := e.store.ListNodes(ctx, store.NodeFilter{Statuses: []model.NodeStatus{model.NodeActive}})
	if err != nil {
		return err
	}
	candidates := e.placer.Candidates(t, nodes, assigned)
	if len(candidates) == 0 {
		e.logNoCandidates(ctx, taskID)
		return e.markStale(ctx, taskID)
	}

	want := t.OverlapCount - len(assigned)
	if want > len(candidates) {
		want = len(candidates)
	}

	for i := 0; i < want; i++ {
		if err := e.createAssignment(ctx, taskID, candidates[i].ID); err != nil {
			if huberr.Is(err, huberr.KindConflict) {
				// Another tick/handler already assigned this node; skip it.
				e.logger.DebugContext(ctx, "assignment race skipped", "task_id", taskID, "node_id", candidates[i].ID)
				continue
			}
			return err
		}
	}
	return nil
}

// logNoCandidates warns that taskID has no eligible nodes this tick,
// rate-limited by e.limiter (if wired) so the condition doesn't spam
// the log on every tick a task stays unsatisfiable.
func (e *Engine) logNoCandidates(ctx context.Context, taskID uuid.UUID) {
	if e.limiter != nil && !e.limiter.Allow(ctx, "assignment:no_candidates:"+taskID.String()) {
		return
	}
	e.logger.WarnContext(ctx, "no eligible candidate nodes for task", "task_id", taskID)
}

func (e *Engine) createAssignment(ctx context.Context, taskID, nodeID uuid.UUID) error {
	tx, err := e.store.BeginTx(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	t, err := tx.GetTaskForUpdate(ctx, taskID)
	if err != nil {
		return huberr.Transient("AssignToNodes", err)
	}
	if !t.Status.InActiveQueue() {
		return tx.Commit()
	}

	a := &model.Assignment{
		ID:         uuid.New(),
		TaskID:     taskID,
		NodeID:     nodeID,
		AssignedAt: e.clock.Now(),
	}
	if err := tx.CreateAssignment(ctx, a); err != nil {
		return err
	}

	if t.Status == model.TaskInQueue {
		t.Status = model.TaskInProgress
		if err := tx.PutTask(ctx, t); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	if e.metrics != nil {
		e.metrics.AssignmentsCreated.Inc()
	}
	return nil
}

func (e *Engine) promoteToInProgress(ctx context.Context, taskID uuid.UUID) error {
	tx, err := e.store.BeginTx(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	t, err := tx.GetTaskForUpdate(ctx, taskID)
	if err != nil {
		return huberr.Transient("AssignToNodes", err)
	}
	if t.Status != model.TaskInQueue {
		return tx.Commit()
	}
	t.Status = model.TaskInProgress
	if err := tx.PutTask(ctx, t); err != nil {
		return err
	}
	return tx.Commit()
}

func (e *Engine) markStale(ctx context.Context, taskID uuid.UUID) error {
	tx, err := e.store.BeginTx(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	t, err := tx.GetTaskForUpdate(ctx, taskID)
	if err != nil {
		return huberr.Transient("AssignToNodes", err)
	}
	if !t.Status.InActiveQueue() {
		return tx.Commit()
	}
	t.StaleCount++
	if err := tx.PutTask(ctx, t); err != nil {
		return err
	}
	return tx.Commit()
}

// HandleTasksForInactiveNodes implements spec.md §4.4's
// handle_tasks_for_inactive_nodes(ids): deletes every Assignment on the
// given nodes and repairs the affected tasks' status, the only path that
// may move a task backwards from in_progress to in_queue.
func (e *Engine) HandleTasksForInactiveNodes(ctx context.Context, nodeIDs []uuid.UUID) error {
	if len(nodeIDs) == 0 {
		return nil
	}
	tx, err := e.store.BeginTx(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	affected, err := tx.DeleteAssignmentsByNodes(ctx, nodeIDs)
	if err != nil {
		return err
	}

	for _, taskID := range affected {
		t, err := tx.GetTaskForUpdate(ctx, taskID)
		if err != nil {
			if huberr.Is(err, huberr.KindNotFound) {
				continue
			}
			return err
		}
		if t.Status == model.TaskCompleted || t.Status == model.TaskValidated ||
			t.Status == model.TaskFailed || t.Status == model.TaskInvalid {
			continue
		}

		remaining, err := tx.ListAssignmentsByTask(ctx, taskID)
		if err != nil {
			return err
		}
		switch {
		case len(remaining) == 0:
			t.Status = model.TaskInQueue
		case t.Status == model.TaskPending || t.Status == model.TaskInQueue:
			t.Status = model.TaskInProgress
		default:
			continue
		}
		if err := tx.PutTask(ctx, t); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// HandleStaleTasks implements spec.md §4.4's stale-handling rule: any
// in_queue task at or past MAX_STALE is marked failed.
func (e *Engine) HandleStaleTasks(ctx context.Context) error {
	min := e.cfg.MaxStale
	tasks, err := e.store.ListTasks(ctx, store.TaskFilter{
		Statuses:      []model.TaskStatus{model.TaskInQueue},
		MinStaleCount: &min,
	})
	if err != nil {
		return err
	}
	for _, t := range tasks {
		if err := e.failOne(ctx, t.ID); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) failOne(ctx context.Context, taskID uuid.UUID) error {
	tx, err := e.store.BeginTx(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	t, err := tx.GetTaskForUpdate(ctx, taskID)
	if err != nil {
		return huberr.Transient("HandleStaleTasks", err)
	}
	if t.Status != model.TaskInQueue || t.StaleCount < e.cfg.MaxStale {
		return tx.Commit()
	}
	t.Status = model.TaskFailed
	if err := tx.PutTask(ctx, t); err != nil {
		return err
	}
	return tx.Commit()
}

// RetryFailedTasks implements spec.md §4.4's retry rule: failed tasks
// below MAX_STALE have their Assignments cleared and are reset to
// pending with last_attempted = now; the stale counter is preserved so
// persistent failures still hit the cap.
func (e *Engine) RetryFailedTasks(ctx context.Context) error {
	max := e.cfg.MaxStale
	tasks, err := e.store.ListTasks(ctx, store.TaskFilter{Statuses: []model.TaskStatus{model.TaskFailed}})
	if err != nil {
		return err
	}
	for _, t := range tasks {
		if t.StaleCount >= max {
			continue
		}
		if err := e.retryOne(ctx, t.ID); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) retryOne(ctx context.Context, taskID uuid.UUID) error {
	tx, err := e.store.BeginTx(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	t, err := tx.GetTaskForUpdate(ctx, taskID)
	if err != nil {
		return huberr.Transient("RetryFailedTasks", err)
	}
	if t.Status != model.TaskFailed || t.StaleCount >= e.cfg.MaxStale {
		return tx.Commit()
	}

	if err := tx.DeleteAssignmentsByTask(ctx, taskID); err != nil {
		return err
	}

	now := e.clock.Now()
	t.Status = model.TaskPending
	t.LastAttempted = &now
	if err := tx.PutTask(ctx, t); err != nil {
		return err
	}
	return tx.Commit()
}

// GarbageCollectExhaustedTasks deletes tasks that are failed and at or
// past MAX_STALE, per spec.md §4.4's final clause.
func (e *Engine) GarbageCollectExhaustedTasks(ctx context.Context) error {
	min := e.cfg.MaxStale
	tasks, err := e.store.ListTasks(ctx, store.TaskFilter{
		Statuses:      []model.TaskStatus{model.TaskFailed},
		MinStaleCount: &min,
	})
	if err != nil {
		return err
	}
	for _, t := range tasks {
		if err := e.gcOne(ctx, t.ID); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) gcOne(ctx context.Context, taskID uuid.UUID) error {
	tx, err := e.store.BeginTx(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	t, err := tx.GetTaskForUpdate(ctx, taskID)
	if err != nil {
		if huberr.Is(err, huberr.KindNotFound) {
			return tx.Commit()
		}
		return huberr.Transient("GarbageCollectExhaustedTasks", err)
	}
	if t.Status != model.TaskFailed || t.StaleCount < e.cfg.MaxStale {
		return tx.Commit()
	}
	if err := tx.DeleteAssignmentsByTask(ctx, taskID); err != nil {
		return err
	}
	if err := tx.DeleteTask(ctx, taskID); err != nil {
		return err
	}
	return tx.Commit()
}
