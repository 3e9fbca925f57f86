// Package orchestrator composes the scheduling components into the tick
// of spec.md §4.7 and exposes the Hub façade of spec.md §6.
package orchestrator

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/distrihub/hub/internal/config"
	"github.com/distrihub/hub/pkg/assignment"
	"github.com/distrihub/hub/pkg/clock"
	"github.com/distrihub/hub/pkg/liveness"
	"github.com/distrihub/hub/pkg/metrics"
	"github.com/distrihub/hub/pkg/model"
	"github.com/distrihub/hub/pkg/queue"
	"github.com/distrihub/hub/pkg/store"
	"github.com/distrihub/hub/pkg/validator"
)

// Orchestrator runs the periodic scheduling tick of spec.md §4.7. A
// sync.Mutex per tick kind gives the non-reentrant-lease property
// spec.md §5 requires: at most one instance of each periodic tick runs
// at a time.
type Orchestrator struct {
	store     store.Store
	clock     clock.Clock
	queue     *queue.Manager
	assign    *assignment.Engine
	liveness  *liveness.Detector
	validator *validator.Validator
	metrics   *metrics.Registry
	logger    *slog.Logger

	tickMu   sync.Mutex
	healthMu sync.Mutex
}

func New(
	s store.Store,
	c clock.Clock,
	q *queue.Manager,
	a *assignment.Engine,
	l *liveness.Detector,
	v *validator.Validator,
	m *metrics.Registry,
	logger *slog.Logger,
) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		store:     s,
		clock:     c,
		queue:     q,
		assign:    a,
		liveness:  l,
		validator: v,
		metrics:   m,
		logger:    logger,
	}
}

// Tick runs one full scheduling cycle in the order spec.md §4.7 fixes:
// reorder, admit, assign, stale, retry, gc. If a non-reentrant lease is
// already held, Tick returns immediately without error.
func (o *Orchestrator) Tick(ctx context.Context) error {
	if !o.tickMu.TryLock() {
		o.logger.DebugContext(ctx, "orchestrator tick already running, skipping")
		return nil
	}
	defer o.tickMu.Unlock()

	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"reorder_active_queue", o.queue.Reorder},
		{"admit_from_backlog", o.queue.AdmitFromBacklog},
		{"assign_to_nodes", o.assign.AssignToNodes},
		{"handle_stale_tasks", o.assign.HandleStaleTasks},
		{"retry_failed_tasks", o.assign.RetryFailedTasks},
		{"garbage_collect_exhausted_tasks", o.assign.GarbageCollectExhaustedTasks},
		{"update_gauges", o.updateGauges},
	}

	for _, step := range steps {
		start := o.clock.Now()
		err := step.fn(ctx)
		if o.metrics != nil {
			o.metrics.TickDuration.WithLabelValues(step.name).Observe(time.Since(start).Seconds())
		}
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return nil
}

// allTaskStatuses enumerates every status TasksByStatus reports, so a
// status that drops to zero (e.g. the last failed task is garbage
// collected) is published as 0 rather than left stale at its last
// nonzero value.
var allTaskStatuses = []model.TaskStatus{
	model.TaskValidating,
	model.TaskPending,
	model.TaskInQueue,
	model.TaskInProgress,
	model.TaskCompleted,
	model.TaskValidated,
	model.TaskFailed,
	model.TaskInvalid,
}

// updateGauges refreshes TasksByStatus and ActiveQueueDepth from a
// fresh snapshot, the final step of every tick.
func (o *Orchestrator) updateGauges(ctx context.Context) error {
	if o.metrics == nil {
		return nil
	}
	tasks, err := o.store.ListTasks(ctx, store.TaskFilter{})
	if err != nil {
		return err
	}

	counts := make(map[model.TaskStatus]int, len(allTaskStatuses))
	active := 0
	for _, t := range tasks {
		counts[t.Status]++
		if t.Status.InActiveQueue() {
			active++
		}
	}
	for _, s := range allTaskStatuses {
		o.metrics.TasksByStatus.WithLabelValues(string(s)).Set(float64(counts[s]))
	}
	o.metrics.ActiveQueueDepth.Set(float64(active))
	return nil
}

// HealthCheckTick runs the liveness scan and feeds demoted node ids
// into cascading reassignment, the only coupling between the two
// independent periodic activities named in spec.md §5.
func (o *Orchestrator) HealthCheckTick(ctx context.Context) error {
	if !o.healthMu.TryLock() {
		return nil
	}
	defer o.healthMu.Unlock()

	demoted, err := o.liveness.HealthCheckTick(ctx)
	if err != nil {
		return err
	}
	if len(demoted) == 0 {
		return nil
	}
	if o.metrics != nil {
		for range demoted {
			o.metrics.NodeStateTransitions.WithLabelValues(string(model.NodeInactive)).Inc()
		}
	}
	return o.assign.HandleTasksForInactiveNodes(ctx, demoted)
}

// Run drives the orchestration and health-check tickers until ctx is
// canceled, the production entrypoint for cmd/hubd.
func (o *Orchestrator) Run(ctx context.Context, cfg config.SchedulerConfig) {
	orchestrationTicker := time.NewTicker(cfg.OrchestrationInterval)
	healthTicker := time.NewTicker(cfg.HealthCheckInterval)
	defer orchestrationTicker.Stop()
	defer healthTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-orchestrationTicker.C:
			if err := o.Tick(ctx); err != nil {
				o.logger.ErrorContext(ctx, "orchestrator tick failed", "error", err)
			}
		case <-healthTicker.C:
			if err := o.HealthCheckTick(ctx); err != nil {
				o.logger.ErrorContext(ctx, "health check tick failed", "error", err)
			}
		}
	}
}
