// Package priority implements the PriorityScorer of spec.md §4.1 as a
// SchedulingPolicy tagged variant (custom vs fifo), the dynamic-dispatch
// shape spec.md §9 calls for.
package priority

import (
	"sort"
	"time"

	"github.com/distrihub/hub/internal/config"
	"github.com/distrihub/hub/pkg/model"
)

// Policy scores and sorts tasks for admission/preemption ordering; node
// candidates are ranked separately by pkg/placer. Exactly one of customPolicy or fifoPolicy is
// active at a time, selected by config.SchedulerConfig.Mechanism.
type Policy interface {
	// Priority returns a score for t as of now; higher is more urgent.
	Priority(t *model.Task, now time.Time) float64
	// SortDescending orders tasks by priority, highest first, breaking ties
	// by (created_at ASC, id ASC) for determinism.
	SortDescending(tasks []*model.Task, now time.Time)
}

// New returns the Policy named by cfg.Mechanism.
func New(cfg config.SchedulerConfig) Policy {
	switch cfg.Mechanism {
	case config.MechanismFIFO:
		return fifoPolicy{}
	default:
		return customPolicy{cfg: cfg}
	}
}

// customPolicy implements the formula in spec.md §4.1:
//
//	age      = now - created_at
//	weight   = max(1, cpu + ram/2)
//	penalty  = stale_count * STALE_PENALTY_MULT
//	boost    = IN_PROGRESS_BOOST if in_progress else 1.0
//	priority = (age/weight - penalty) * boost
type customPolicy struct {
	cfg config.SchedulerConfig
}

func (p customPolicy) Priority(t *model.Task, now time.Time) float64 {
	age := now.Sub(t.CreatedAt).Seconds()

	weight := t.ResourceRequirements.CPUOrDefault() + t.ResourceRequirements.RAMOrDefault()/2
	if weight < 1 {
		weight = 1
	}

	penalty := float64(t.StaleCount) * p.cfg.StalePenaltyMult

	boost := 1.0
	if t.Status == model.TaskInProgress {
		boost = p.cfg.InProgressBoost
	}

	return (age/weight - penalty) * boost
}

func (p customPolicy) SortDescending(tasks []*model.Task, now time.Time) {
	sortByPriorityDesc(tasks, func(t *model.Task) float64 { return p.Priority(t, now) })
}

// fifoPolicy ignores resources and staleness: priority = -created_at, so
// the oldest task sorts first.
type fifoPolicy struct{}

func (fifoPolicy) Priority(t *model.Task, _ time.Time) float64 {
	return -float64(t.CreatedAt.UnixNano())
}

func (p fifoPolicy) SortDescending(tasks []*model.Task, now time.Time) {
	sortByPriorityDesc(tasks, func(t *model.Task) float64 { return p.Priority(t, now) })
}

func sortByPriorityDesc(tasks []*model.Task, score func(*model.Task) float64) {
	sort.SliceStable(tasks, func(i, j int) bool {
		si, sj := score(tasks[i]), score(tasks[j])
		if si != sj {
			return si > sj
		}
		if !tasks[i].CreatedAt.Equal(tasks[j].CreatedAt) {
			return tasks[i].CreatedAt.Before(tasks[j].CreatedAt)
		}
		return tasks[i].ID.String() < tasks[j].ID.String()
	})
}
