// Package liveness implements the LivenessDetector of spec.md §4.5:
// heartbeat ingestion and the periodic scan that demotes silent nodes.
package liveness

import (
	"context"

	"github.com/google/uuid"

	"github.com/distrihub/hub/internal/config"
	"github.com/distrihub/hub/pkg/clock"
	"github.com/distrihub/hub/pkg/huberr"
	"github.com/distrihub/hub/pkg/model"
	"github.com/distrihub/hub/pkg/store"
)

// Detector tracks node liveness. It never touches trust_index.
type Detector struct {
	store store.Store
	clock clock.Clock
	cfg   config.SchedulerConfig
}

func New(s store.Store, c clock.Clock, cfg config.SchedulerConfig) *Detector {
	return &Detector{store: s, clock: c, cfg: cfg}
}

// IngestHeartbeat implements spec.md §4.5's receipt handler: stamps
// last_heartbeat, replaces free with the payload, and promotes a
// non-busy node to active.
func (d *Detector) IngestHeartbeat(ctx context.Context, nodeID uuid.UUID, free model.ResourceVector) error {
	tx, err := d.store.BeginTx(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	n, err := tx.GetNodeForUpdate(ctx, nodeID)
	if err != nil {
		return huberr.NotFound("IngestHeartbeat", err)
	}

	n.LastHeartbeat = d.clock.Now()
	n.Free = free
	if n.Status != model.NodeBusy {
		n.Status = model.NodeActive
	}

	if err := tx.PutNode(ctx, n); err != nil {
		return err
	}
	return tx.Commit()
}

// HealthCheckTick implements spec.md §4.5's periodic scan: any active
// node silent past HEARTBEAT_TIMEOUT is demoted to inactive and its id
// returned so the caller can feed it into cascading reassignment.
func (d *Detector) HealthCheckTick(ctx context.Context) ([]uuid.UUID, error) {
	nodes, err := d.store.ListNodes(ctx, store.NodeFilter{Statuses: []model.NodeStatus{model.NodeActive}})
	if err != nil {
		return nil, err
	}

	now := d.clock.Now()
	var demoted []uuid.UUID
	for _, n := range nodes {
		if now.Sub(n.LastHeartbeat) <= d.cfg.HeartbeatTimeout {
			continue
		}
		if err := d.demote(ctx, n.ID); err != nil {
			return nil, err
		}
		demoted = append(demoted, n.ID)
	}
	return demoted, nil
}

func (d *Detector) demote(ctx context.Context, nodeID uuid.UUID) error {
	tx, err := d.store.BeginTx(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	n, err := tx.GetNodeForUpdate(ctx, nodeID)
	if err != nil {
		if huberr.Is(err, huberr.KindNotFound) {
			return tx.Commit()
		}
		return huberr.Transient("HealthCheckTick", err)
	}
	if n.Status != model.NodeActive {
		return tx.Commit()
	}
	n.Status = model.NodeInactive
	if err := tx.PutNode(ctx, n); err != nil {
		return err
	}
	return tx.Commit()
}
