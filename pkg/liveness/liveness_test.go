package liveness

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/distrihub/hub/internal/config"
	"github.com/distrihub/hub/pkg/clock"
	"github.com/distrihub/hub/pkg/model"
	"github.com/distrihub/hub/pkg/store"
)

func TestIngestHeartbeatPromotesActiveAndUpdatesFree(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	c := clock.NewFake(time.Now())
	d := New(s, c, config.SchedulerConfig{HeartbeatTimeout: time.Minute})

	n := &model.Node{ID: uuid.New(), Status: model.NodeInactive}
	tx, err := s.BeginTx(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.PutNode(ctx, n))
	require.NoError(t, tx.Commit())

	c.Advance(time.Second)
	require.NoError(t, d.IngestHeartbeat(ctx, n.ID, model.ResourceVector{CPU: 2, RAM: 4}))

	got, err := s.GetNode(ctx, n.ID)
	require.NoError(t, err)
	require.Equal(t, model.NodeActive, got.Status)
	require.Equal(t, 2.0, got.Free.CPU)
	require.WithinDuration(t, c.Now(), got.LastHeartbeat, time.Millisecond)
}

func TestIngestHeartbeatDoesNotDemoteBusyNode(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	c := clock.NewFake(time.Now())
	d := New(s, c, config.SchedulerConfig{})

	n := &model.Node{ID: uuid.New(), Status: model.NodeBusy}
	tx, err := s.BeginTx(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.PutNode(ctx, n))
	require.NoError(t, tx.Commit())

	require.NoError(t, d.IngestHeartbeat(ctx, n.ID, model.ResourceVector{}))

	got, err := s.GetNode(ctx, n.ID)
	require.NoError(t, err)
	require.Equal(t, model.NodeBusy, got.Status)
}

func TestHealthCheckTickDemotesSilentNodes(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	c := clock.NewFake(time.Now())
	d := New(s, c, config.SchedulerConfig{HeartbeatTimeout: time.Minute})

	fresh := &model.Node{ID: uuid.New(), Status: model.NodeActive, LastHeartbeat: c.Now()}
	stale := &model.Node{ID: uuid.New(), Status: model.NodeActive, LastHeartbeat: c.Now().Add(-2 * time.Minute)}
	tx, err := s.BeginTx(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.PutNode(ctx, fresh))
	require.NoError(t, tx.PutNode(ctx, stale))
	require.NoError(t, tx.Commit())

	demoted, err := d.HealthCheckTick(ctx)
	require.NoError(t, err)
	require.Equal(t, []uuid.UUID{stale.ID}, demoted)

	got, err := s.GetNode(ctx, stale.ID)
	require.NoError(t, err)
	require.Equal(t, model.NodeInactive, got.Status)

	gotFresh, err := s.GetNode(ctx, fresh.ID)
	require.NoError(t, err)
	require.Equal(t, model.NodeActive, gotFresh.Status)
}

func TestHealthCheckTickNeverTouchesTrust(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	c := clock.NewFake(time.Now())
	d := New(s, c, config.SchedulerConfig{HeartbeatTimeout: time.Minute})

	n := &model.Node{ID: uuid.New(), Status: model.NodeActive, TrustIndex: 7.5, LastHeartbeat: c.Now().Add(-time.Hour)}
	tx, err := s.BeginTx(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.PutNode(ctx, n))
	require.NoError(t, tx.Commit())

	_, err = d.HealthCheckTick(ctx)
	require.NoError(t, err)

	got, err := s.GetNode(ctx, n.ID)
	require.NoError(t, err)
	require.Equal(t, 7.5, got.TrustIndex)
}
