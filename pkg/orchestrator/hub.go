package orchestrator

import (
	"context"
	"errors"
	"log/slog"

	"github.com/google/uuid"

	"github.com/distrihub/hub/internal/config"
	"github.com/distrihub/hub/pkg/clock"
	"github.com/distrihub/hub/pkg/events"
	"github.com/distrihub/hub/pkg/huberr"
	"github.com/distrihub/hub/pkg/imagevalidator"
	"github.com/distrihub/hub/pkg/liveness"
	"github.com/distrihub/hub/pkg/model"
	"github.com/distrihub/hub/pkg/store"
	"github.com/distrihub/hub/pkg/validator"
)

// Hub is the transport-agnostic façade spec.md §6 names "ports exposed
// by the core". Every mutating method opens its own Store transaction;
// the read-only listers query the Store directly. It shares
// its *liveness.Detector with the Orchestrator's health-check tick,
// since heartbeat ingestion (event-driven) and the periodic scan both
// operate on the same Node rows per spec.md §4.5.
type Hub struct {
	store     store.Store
	clock     clock.Clock
	liveness  *liveness.Detector
	validator *validator.Validator
	images    imagevalidator.Validator
	bus       events.Bus
	cfg       config.SchedulerConfig
	logger    *slog.Logger
}

func NewHub(
	s store.Store,
	c clock.Clock,
	l *liveness.Detector,
	v *validator.Validator,
	iv imagevalidator.Validator,
	bus events.Bus,
	cfg config.SchedulerConfig,
	logger *slog.Logger,
) *Hub {
	if iv == nil {
		iv = imagevalidator.Noop{}
	}
	if bus == nil {
		bus = events.Noop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{store: s, clock: c, liveness: l, validator: v, images: iv, bus: bus, cfg: cfg, logger: logger}
}

// RegisterNode creates a node, inactive until its first heartbeat
// (spec.md §3's Node lifecycle), with trust seeded at the configured
// floor.
func (h *Hub) RegisterNode(ctx context.Context, name, address string, capacity model.ResourceVector) (*model.Node, error) {
	n := &model.Node{
		ID:         uuid.New(),
		Name:       name,
		Address:    address,
		Status:     model.NodeInactive,
		TrustIndex: h.cfg.TrustMin,
		Capacity:   capacity,
		Free:       capacity,
	}

	tx, err := h.store.BeginTx(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	if err := tx.PutNode(ctx, n); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	h.bus.Publish(ctx, events.TopicNodeRegistered, n)
	return n, nil
}

// SubmitTask creates a task in validating and kicks off ImageValidator
// asynchronously, per spec.md §6. The returned id is valid immediately;
// the caller observes the validating → {pending,invalid} transition via
// GetTask or the EventBus.
func (h *Hub) SubmitTask(ctx context.Context, spec model.ContainerSpec, resources model.ResourceVector, trustRequired float64, overlap int, submittedBy *uuid.UUID) (uuid.UUID, error) {
	if overlap < 1 {
		overlap = 1
	}
	t := &model.Task{
		ID:                   uuid.New(),
		ContainerSpec:        spec,
		ResourceRequirements: resources,
		TrustIndexRequired:   trustRequired,
		OverlapCount:         overlap,
		Status:               model.TaskValidating,
		CreatedAt:            h.clock.Now(),
		SubmittedBy:          submittedBy,
	}

	tx, err := h.store.BeginTx(ctx)
	if err != nil {
		return uuid.Nil, err
	}
	if err := tx.PutTask(ctx, t); err != nil {
		tx.Rollback()
		return uuid.Nil, err
	}
	if err := tx.Commit(); err != nil {
		return uuid.Nil, err
	}

	h.bus.Publish(ctx, events.TopicTaskSubmitted, t)
	go h.runImageValidation(context.WithoutCancel(ctx), t.ID, spec)

	return t.ID, nil
}

func (h *Hub) runImageValidation(ctx context.Context, taskID uuid.UUID, spec model.ContainerSpec) {
	result, err := h.images.Validate(ctx, spec)
	if err != nil {
		h.logger.ErrorContext(ctx, "image validation errored", "task_id", taskID, "error", err)
		result = imagevalidator.Result{Valid: false, Reason: err.Error()}
	}

	tx, err := h.store.BeginTx(ctx)
	if err != nil {
		h.logger.ErrorContext(ctx, "image validation commit failed", "task_id", taskID, "error", err)
		return
	}
	defer tx.Rollback()

	t, err := tx.GetTaskForUpdate(ctx, taskID)
	if err != nil {
		h.logger.WarnContext(ctx, "image validation lost race with task deletion", "task_id", taskID, "error", err)
		return
	}
	if t.Status != model.TaskValidating {
		tx.Commit()
		return
	}

	if result.Valid {
		t.Status = model.TaskPending
	} else {
		t.Status = model.TaskInvalid
	}
	if err := tx.PutTask(ctx, t); err != nil {
		h.logger.ErrorContext(ctx, "image validation put failed", "task_id", taskID, "error", err)
		return
	}
	if err := tx.Commit(); err != nil {
		h.logger.ErrorContext(ctx, "image validation commit failed", "task_id", taskID, "error", err)
		return
	}

	if t.Status == model.TaskInvalid {
		h.bus.Publish(ctx, events.TopicTaskFailed, t)
	}
}

// Heartbeat implements spec.md §6's heartbeat(node_id, free) port.
func (h *Hub) Heartbeat(ctx context.Context, nodeID uuid.UUID, free model.ResourceVector) error {
	if err := h.liveness.IngestHeartbeat(ctx, nodeID, free); err != nil {
		return err
	}
	h.bus.Publish(ctx, events.TopicNodeStatus, map[string]interface{}{"node_id": nodeID, "status": model.NodeActive})
	return nil
}

// FetchNextAssignment returns the oldest uncompleted assignment for
// nodeID, stamping started_at on first fetch (spec.md §6). A node that
// re-polls before submitting a result keeps getting the same assignment
// back rather than losing it, matching original_source's fetch_task.
// Returns (nil, nil) when the node has nothing outstanding.
func (h *Hub) FetchNextAssignment(ctx context.Context, nodeID uuid.UUID) (*model.Assignment, *model.Task, error) {
	node, err := h.store.GetNode(ctx, nodeID)
	if err != nil {
		return nil, nil, err
	}

	tx, err := h.store.BeginTx(ctx)
	if err != nil {
		return nil, nil, err
	}
	defer tx.Rollback()

	candidates, err := tx.ListAssignmentsByNode(ctx, nodeID)
	if err != nil {
		return nil, nil, err
	}

	var oldest *model.Assignment
	for _, a := range candidates {
		if a.CompletedAt != nil {
			continue
		}
		if oldest == nil || a.AssignedAt.Before(oldest.AssignedAt) {
			oldest = a
		}
	}
	if oldest == nil {
		return nil, nil, nil
	}

	t, err := tx.GetTaskForUpdate(ctx, oldest.TaskID)
	if err != nil {
		return nil, nil, huberr.Transient("FetchNextAssignment", err)
	}
	a, err := tx.GetAssignmentForUpdate(ctx, oldest.ID)
	if err != nil {
		return nil, nil, huberr.Transient("FetchNextAssignment", err)
	}
	if a.CompletedAt != nil {
		// Lost the race to a concurrent submit-result or node-death cascade.
		return nil, nil, nil
	}

	if a.StartedAt == nil {
		now := h.clock.Now()
		a.StartedAt = &now
		if err := tx.PutAssignment(ctx, a); err != nil {
			return nil, nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, nil, err
	}

	h.bus.Publish(ctx, events.TopicAssignmentReady, map[string]interface{}{"assignment_id": a.ID, "node": node.ID})
	return a, t, nil
}

// SubmitResult implements spec.md §6's submitResult(task_id, node_id,
// result) port, taking the Task row lock before the "all assignments
// done?" test per spec.md §5's ordering guarantee, and triggering
// validation in the same transaction's aftermath when the task just
// became completed.
func (h *Hub) SubmitResult(ctx context.Context, taskID, nodeID uuid.UUID, result model.ResultEnvelope) error {
	if result.Output == nil {
		return huberr.Validation("SubmitResult", errors.New("result output is required"))
	}

	tx, err := h.store.BeginTx(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	t, err := tx.GetTaskForUpdate(ctx, taskID)
	if err != nil {
		return huberr.NotFound("SubmitResult", err)
	}

	a, err := tx.GetAssignmentByTaskNode(ctx, taskID, nodeID)
	if err != nil {
		return huberr.NotFound("SubmitResult", err)
	}
	if a.Done() {
		return huberr.Conflict("SubmitResult", huberr.ErrAlreadySubmitted)
	}

	now := h.clock.Now()
	a.CompletedAt = &now
	a.Result = &result
	if a.StartedAt == nil {
		a.StartedAt = &now
	}
	if err := tx.PutAssignment(ctx, a); err != nil {
		return err
	}

	becameCompleted := false
	if t.Status == model.TaskInProgress {
		all, err := tx.ListAssignmentsByTask(ctx, taskID)
		if err != nil {
			return err
		}
		done := true
		for _, other := range all {
			if other.ID == a.ID {
				continue
			}
			if !other.Done() {
				done = false
				break
			}
		}
		if done {
			t.Status = model.TaskCompleted
			becameCompleted = true
			if err := tx.PutTask(ctx, t); err != nil {
				return err
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return err
	}

	h.bus.Publish(ctx, events.TopicTaskCompleted, map[string]interface{}{"task_id": taskID, "node_id": nodeID})

	if becameCompleted {
		if err := h.validator.Validate(ctx, taskID); err != nil {
			return err
		}
		h.publishValidationOutcome(ctx, taskID)
	}
	return nil
}

func (h *Hub) publishValidationOutcome(ctx context.Context, taskID uuid.UUID) {
	t, err := h.store.GetTask(ctx, taskID)
	if err != nil {
		return
	}
	switch t.Status {
	case model.TaskValidated:
		h.bus.Publish(ctx, events.TopicTaskValidated, t)
	case model.TaskFailed:
		h.bus.Publish(ctx, events.TopicTaskFailed, t)
	}
}

// ListNodes is the read-only listNodes() port.
func (h *Hub) ListNodes(ctx context.Context) ([]*model.Node, error) {
	return h.store.ListNodes(ctx, store.NodeFilter{})
}

// ListTasks is the read-only listTasks() port.
func (h *Hub) ListTasks(ctx context.Context) ([]*model.Task, error) {
	return h.store.ListTasks(ctx, store.TaskFilter{})
}

// GetTask is the read-only getTask(id) port.
func (h *Hub) GetTask(ctx context.Context, id uuid.UUID) (*model.Task, error) {
	return h.store.GetTask(ctx, id)
}

// GetSubmittedTasks is the read-only getSubmittedTasks(node_id) port.
func (h *Hub) GetSubmittedTasks(ctx context.Context, nodeID uuid.UUID) ([]*model.Task, error) {
	return h.store.ListTasks(ctx, store.TaskFilter{SubmittedBy: &nodeID})
}
