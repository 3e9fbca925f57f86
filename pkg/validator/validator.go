// Package validator implements the Validator of spec.md §4.6: a
// trust-weighted vote over a completed task's assignment results, with
// bounded trust adjustment of the participating nodes.
package validator

import (
	"bytes"
	"context"

	"github.com/google/uuid"

	"github.com/distrihub/hub/internal/config"
	"github.com/distrihub/hub/pkg/huberr"
	"github.com/distrihub/hub/pkg/metrics"
	"github.com/distrihub/hub/pkg/model"
	"github.com/distrihub/hub/pkg/store"
)

// Validator tallies assignment results and updates the task and
// participating nodes' trust.
type Validator struct {
	store   store.Store
	cfg     config.SchedulerConfig
	metrics *metrics.Registry
}

func New(s store.Store, cfg config.SchedulerConfig) *Validator {
	return &Validator{store: s, cfg: cfg}
}

// SetMetrics wires a Registry so ValidationOutcomes is incremented per
// validated/failed decision; nil (the default) disables recording.
func (v *Validator) SetMetrics(m *metrics.Registry) {
	v.metrics = m
}

// Validate implements spec.md §4.6 under a task-row lock: it must be
// called once a task's last pending assignment has completed and the
// caller has set T.status = completed in the same transaction that
// discovered completion (spec.md §5's ordering guarantee).
func (v *Validator) Validate(ctx context.Context, taskID uuid.UUID) error {
	tx, err := v.store.BeginTx(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	t, err := tx.GetTaskForUpdate(ctx, taskID)
	if err != nil {
		return huberr.Transient("Validate", err)
	}
	if t.Status != model.TaskCompleted {
		return tx.Commit()
	}

	assignments, err := tx.ListAssignmentsByTask(ctx, taskID)
	if err != nil {
		return err
	}

	weight := map[string]float64{}
	outputs := map[string][]byte{}
	contributors := map[string][]*model.Assignment{}
	var total float64

	for _, a := range assignments {
		if !a.Done() || a.Result.Empty() {
			continue
		}
		n, err := tx.GetNodeForUpdate(ctx, a.NodeID)
		if err != nil {
			return huberr.Transient("Validate", err)
		}
		key := string(a.Result.Output)
		weight[key] += n.TrustIndex
		outputs[key] = a.Result.Output
		contributors[key] = append(contributors[key], a)
		total += n.TrustIndex
	}

	if total == 0 {
		t.Status = model.TaskFailed
		if err := commitTask(ctx, tx, t); err != nil {
			return err
		}
		v.recordOutcome("failed")
		return nil
	}

	winner, winWeight := argmaxLex(weight)

	if winWeight/total >= v.cfg.ValidationThreshold {
		t.Status = model.TaskValidated
		t.Result = &model.TaskResult{
			ValidatedOutput: outputs[winner],
			TrustScore:      10 * winWeight / total,
		}
		if err := tx.PutTask(ctx, t); err != nil {
			return err
		}
		if err := v.applyTrustAdjustments(ctx, tx, assignments, winner); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}
		v.recordOutcome("validated")
		return nil
	}

	t.Status = model.TaskFailed
	if err := commitTask(ctx, tx, t); err != nil {
		return err
	}
	v.recordOutcome("failed")
	return nil
}

func (v *Validator) recordOutcome(outcome string) {
	if v.metrics == nil {
		return
	}
	v.metrics.ValidationOutcomes.WithLabelValues(outcome).Inc()
}

func commitTask(ctx context.Context, tx store.Tx, t *model.Task) error {
	if err := tx.PutTask(ctx, t); err != nil {
		return err
	}
	return tx.Commit()
}

// applyTrustAdjustments implements spec.md §4.6's per-assignment trust
// update: TRUST_INC for agreement with the winner (capped TRUST_MAX),
// TRUST_DEC otherwise (floored TRUST_MIN).
func (v *Validator) applyTrustAdjustments(ctx context.Context, tx store.Tx, assignments []*model.Assignment, winner string) error {
	for _, a := range assignments {
		if !a.Done() || a.Result.Empty() {
			continue
		}
		n, err := tx.GetNodeForUpdate(ctx, a.NodeID)
		if err != nil {
			return huberr.Transient("Validate", err)
		}
		agrees := string(a.Result.Output) == winner
		if agrees {
			n.TrustIndex += v.cfg.TrustInc
			if n.TrustIndex > v.cfg.TrustMax {
				n.TrustIndex = v.cfg.TrustMax
			}
			a.Validated = true
		} else {
			n.TrustIndex -= v.cfg.TrustDec
			if n.TrustIndex < v.cfg.TrustMin {
				n.TrustIndex = v.cfg.TrustMin
			}
		}
		if err := tx.PutNode(ctx, n); err != nil {
			return err
		}
		if err := tx.PutAssignment(ctx, a); err != nil {
			return err
		}
	}
	return nil
}

// argmaxLex returns the key with the highest weight, breaking ties by
// lexicographic order on the key (the output bytes), per spec.md §4.6's
// fixed tie-break and Open Question Decision 4.
func argmaxLex(weight map[string]float64) (string, float64) {
	var winner string
	var winWeight float64
	first := true
	for out, w := range weight {
		if first {
			winner, winWeight, first = out, w, false
			continue
		}
		if w > winWeight || (w == winWeight && bytes.Compare([]byte(out), []byte(winner)) < 0) {
			winner, winWeight = out, w
		}
	}
	return winner, winWeight
}
