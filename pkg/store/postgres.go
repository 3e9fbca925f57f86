package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/distrihub/hub/internal/config"
	"github.com/distrihub/hub/pkg/huberr"
	"github.com/distrihub/hub/pkg/model"
)

// Postgres is the production Store adapter, grounded on the teacher's
// pkg/database.DatabaseManager: sqlx over lib/pq with a tuned connection
// pool, and SELECT ... FOR UPDATE row locks taken in the Task → Assignment
// → Node order spec.md §5 mandates.
type Postgres struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// NewPostgres opens a pooled connection and applies the teacher's default
// pool-sizing conventions (pkg/database/manager.go.initializePostgreSQL).
func NewPostgres(ctx context.Context, cfg config.StoreConfig, logger *slog.Logger) (*Postgres, error) {
	dsn := fmt.Sprintf("host=%s port=%d dbname=%s user=%s password=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.Name, cfg.User, cfg.Password, cfg.SSLMode)

	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, huberr.Fatal("NewPostgres", fmt.Errorf("connect: %w", err))
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	logger.Info("store connected", "host", cfg.Host, "port", cfg.Port, "db", cfg.Name)
	return &Postgres{db: db, logger: logger}, nil
}

func (p *Postgres) Close() error { return p.db.Close() }

// Migrate applies Schema idempotently, the single DDL step
// `cmd/hubd migrate` runs before a hub process first connects.
func (p *Postgres) Migrate(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, Schema); err != nil {
		return huberr.Fatal("Migrate", err)
	}
	return nil
}

// Schema is the DDL the Postgres adapter expects. Migrations are out of
// core scope; a host process applies this once (e.g. via cmd/hubd migrate).
const Schema = `
CREATE TABLE IF NOT EXISTS nodes (
	id uuid PRIMARY KEY,
	name text NOT NULL,
	address text NOT NULL,
	status text NOT NULL,
	trust_index double precision NOT NULL,
	capacity jsonb NOT NULL,
	free jsonb NOT NULL,
	last_heartbeat timestamptz NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_nodes_status_heartbeat ON nodes (status, last_heartbeat);

CREATE TABLE IF NOT EXISTS tasks (
	id uuid PRIMARY KEY,
	description text NOT NULL,
	container_spec jsonb NOT NULL,
	resource_requirements jsonb NOT NULL,
	trust_index_required double precision NOT NULL,
	overlap_count integer NOT NULL,
	status text NOT NULL,
	stale_count integer NOT NULL,
	created_at timestamptz NOT NULL,
	last_attempted timestamptz,
	result jsonb,
	submitted_by uuid
);
CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks (status);
CREATE INDEX IF NOT EXISTS idx_tasks_status_stale ON tasks (status, stale_count);

CREATE TABLE IF NOT EXISTS assignments (
	id uuid PRIMARY KEY,
	task_id uuid NOT NULL REFERENCES tasks (id) ON DELETE CASCADE,
	node_id uuid NOT NULL,
	assigned_at timestamptz NOT NULL,
	started_at timestamptz,
	completed_at timestamptz,
	result jsonb,
	validated boolean NOT NULL DEFAULT false,
	UNIQUE (task_id, node_id)
);
CREATE INDEX IF NOT EXISTS idx_assignments_task ON assignments (task_id);
CREATE INDEX IF NOT EXISTS idx_assignments_node ON assignments (node_id);
`

type taskRow struct {
	ID                   uuid.UUID  `db:"id"`
	Description          string     `db:"description"`
	ContainerSpec        []byte     `db:"container_spec"`
	ResourceRequirements []byte     `db:"resource_requirements"`
	TrustIndexRequired   float64    `db:"trust_index_required"`
	OverlapCount         int        `db:"overlap_count"`
	Status               string     `db:"status"`
	StaleCount           int        `db:"stale_count"`
	CreatedAt            time.Time  `db:"created_at"`
	LastAttempted        *time.Time `db:"last_attempted"`
	Result               []byte     `db:"result"`
	SubmittedBy          *uuid.UUID `db:"submitted_by"`
}

func (r *taskRow) toModel() (*model.Task, error) {
	t := &model.Task{
		ID:                 r.ID,
		Description:        r.Description,
		TrustIndexRequired: r.TrustIndexRequired,
		OverlapCount:       r.OverlapCount,
		Status:             model.TaskStatus(r.Status),
		StaleCount:         r.StaleCount,
		CreatedAt:          r.CreatedAt,
		LastAttempted:      r.LastAttempted,
		SubmittedBy:        r.SubmittedBy,
	}
	if err := json.Unmarshal(r.ContainerSpec, &t.ContainerSpec); err != nil {
		return nil, fmt.Errorf("unmarshal container_spec: %w", err)
	}
	if err := json.Unmarshal(r.ResourceRequirements, &t.ResourceRequirements); err != nil {
		return nil, fmt.Errorf("unmarshal resource_requirements: %w", err)
	}
	if len(r.Result) > 0 {
		var res model.TaskResult
		if err := json.Unmarshal(r.Result, &res); err != nil {
			return nil, fmt.Errorf("unmarshal result: %w", err)
		}
		t.Result = &res
	}
	return t, nil
}

func taskToRow(t *model.Task) (*taskRow, error) {
	spec, err := json.Marshal(t.ContainerSpec)
	if err != nil {
		return nil, err
	}
	req, err := json.Marshal(t.ResourceRequirements)
	if err != nil {
		return nil, err
	}
	var resultJSON []byte
	if t.Result != nil {
		resultJSON, err = json.Marshal(t.Result)
		if err != nil {
			return nil, err
		}
	}
	return &taskRow{
		ID:                   t.ID,
		Description:          t.Description,
		ContainerSpec:        spec,
		ResourceRequirements: req,
		TrustIndexRequired:   t.TrustIndexRequired,
		OverlapCount:         t.OverlapCount,
		Status:               string(t.Status),
		StaleCount:           t.StaleCount,
		CreatedAt:            t.CreatedAt,
		LastAttempted:        t.LastAttempted,
		Result:               resultJSON,
		SubmittedBy:          t.SubmittedBy,
	}, nil
}

type nodeRow struct {
	ID            uuid.UUID `db:"id"`
	Name          string    `db:"name"`
	Address       string    `db:"address"`
	Status        string    `db:"status"`
	TrustIndex    float64   `db:"trust_index"`
	Capacity      []byte    `db:"capacity"`
	Free          []byte    `db:"free"`
	LastHeartbeat time.Time `db:"last_heartbeat"`
}

func (r *nodeRow) toModel() (*model.Node, error) {
	n := &model.Node{
		ID:            r.ID,
		Name:          r.Name,
		Address:       r.Address,
		Status:        model.NodeStatus(r.Status),
		TrustIndex:    r.TrustIndex,
		LastHeartbeat: r.LastHeartbeat,
	}
	if err := json.Unmarshal(r.Capacity, &n.Capacity); err != nil {
		return nil, fmt.Errorf("unmarshal capacity: %w", err)
	}
	if err := json.Unmarshal(r.Free, &n.Free); err != nil {
		return nil, fmt.Errorf("unmarshal free: %w", err)
	}
	return n, nil
}

func nodeToRow(n *model.Node) (*nodeRow, error) {
	capacity, err := json.Marshal(n.Capacity)
	if err != nil {
		return nil, err
	}
	free, err := json.Marshal(n.Free)
	if err != nil {
		return nil, err
	}
	return &nodeRow{
		ID: n.ID, Name: n.Name, Address: n.Address, Status: string(n.Status),
		TrustIndex: n.TrustIndex, Capacity: capacity, Free: free, LastHeartbeat: n.LastHeartbeat,
	}, nil
}

type assignmentRow struct {
	ID          uuid.UUID  `db:"id"`
	TaskID      uuid.UUID  `db:"task_id"`
	NodeID      uuid.UUID  `db:"node_id"`
	AssignedAt  time.Time  `db:"assigned_at"`
	StartedAt   *time.Time `db:"started_at"`
	CompletedAt *time.Time `db:"completed_at"`
	Result      []byte     `db:"result"`
	Validated   bool       `db:"validated"`
}

func (r *assignmentRow) toModel() (*model.Assignment, error) {
	a := &model.Assignment{
		ID: r.ID, TaskID: r.TaskID, NodeID: r.NodeID,
		AssignedAt: r.AssignedAt, StartedAt: r.StartedAt, CompletedAt: r.CompletedAt,
		Validated: r.Validated,
	}
	if len(r.Result) > 0 {
		var env model.ResultEnvelope
		if err := json.Unmarshal(r.Result, &env); err != nil {
			return nil, fmt.Errorf("unmarshal result: %w", err)
		}
		a.Result = &env
	}
	return a, nil
}

func assignmentToRow(a *model.Assignment) (*assignmentRow, error) {
	var resultJSON []byte
	if a.Result != nil {
		j, err := json.Marshal(a.Result)
		if err != nil {
			return nil, err
		}
		resultJSON = j
	}
	return &assignmentRow{
		ID: a.ID, TaskID: a.TaskID, NodeID: a.NodeID,
		AssignedAt: a.AssignedAt, StartedAt: a.StartedAt, CompletedAt: a.CompletedAt,
		Result: resultJSON, Validated: a.Validated,
	}, nil
}

func (p *Postgres) GetTask(ctx context.Context, id uuid.UUID) (*model.Task, error) {
	var row taskRow
	if err := p.db.GetContext(ctx, &row, `SELECT * FROM tasks WHERE id = $1`, id); err != nil {
		if err == sql.ErrNoRows {
			return nil, huberr.NotFound("GetTask", err)
		}
		return nil, huberr.Transient("GetTask", err)
	}
	return row.toModel()
}

func (p *Postgres) ListTasks(ctx context.Context, f TaskFilter) ([]*model.Task, error) {
	query := `SELECT * FROM tasks WHERE 1=1`
	args := []interface{}{}
	if len(f.Statuses) > 0 {
		query += fmt.Sprintf(" AND status = ANY($%d)", len(args)+1)
		statuses := make([]string, len(f.Statuses))
		for i, s := range f.Statuses {
			statuses[i] = string(s)
		}
		args = append(args, pq.Array(statuses))
	}
	if f.MinStaleCount != nil {
		query += fmt.Sprintf(" AND stale_count >= $%d", len(args)+1)
		args = append(args, *f.MinStaleCount)
	}
	if f.SubmittedBy != nil {
		query += fmt.Sprintf(" AND submitted_by = $%d", len(args)+1)
		args = append(args, *f.SubmittedBy)
	}
	var rows []taskRow
	if err := p.db.SelectContext(ctx, &rows, p.db.Rebind(query), args...); err != nil {
		return nil, huberr.Transient("ListTasks", err)
	}
	out := make([]*model.Task, 0, len(rows))
	for i := range rows {
		t, err := rows[i].toModel()
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

func (p *Postgres) GetNode(ctx context.Context, id uuid.UUID) (*model.Node, error) {
	var row nodeRow
	if err := p.db.GetContext(ctx, &row, `SELECT * FROM nodes WHERE id = $1`, id); err != nil {
		if err == sql.ErrNoRows {
			return nil, huberr.NotFound("GetNode", err)
		}
		return nil, huberr.Transient("GetNode", err)
	}
	return row.toModel()
}

func (p *Postgres) ListNodes(ctx context.Context, f NodeFilter) ([]*model.Node, error) {
	query := `SELECT * FROM nodes WHERE 1=1`
	args := []interface{}{}
	if len(f.Statuses) > 0 {
		query += fmt.Sprintf(" AND status = ANY($%d)", len(args)+1)
		statuses := make([]string, len(f.Statuses))
		for i, s := range f.Statuses {
			statuses[i] = string(s)
		}
		args = append(args, pq.Array(statuses))
	}
	var rows []nodeRow
	if err := p.db.SelectContext(ctx, &rows, p.db.Rebind(query), args...); err != nil {
		return nil, huberr.Transient("ListNodes", err)
	}
	out := make([]*model.Node, 0, len(rows))
	for i := range rows {
		n, err := rows[i].toModel()
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, nil
}

func (p *Postgres) ListAssignmentsByTask(ctx context.Context, taskID uuid.UUID) ([]*model.Assignment, error) {
	var rows []assignmentRow
	if err := p.db.SelectContext(ctx, &rows, `SELECT * FROM assignments WHERE task_id = $1`, taskID); err != nil {
		return nil, huberr.Transient("ListAssignmentsByTask", err)
	}
	out := make([]*model.Assignment, 0, len(rows))
	for i := range rows {
		a, err := rows[i].toModel()
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}

func (p *Postgres) BeginTx(ctx context.Context) (Tx, error) {
	tx, err := p.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, huberr.Transient("BeginTx", err)
	}
	return &postgresTx{tx: tx, ctx: ctx}, nil
}

// postgresTx takes row locks in the Task → Assignment → Node order spec.md
// §5's table mandates, each via SELECT ... FOR UPDATE.
type postgresTx struct {
	tx  *sqlx.Tx
	ctx context.Context
}

func (t *postgresTx) GetTaskForUpdate(ctx context.Context, id uuid.UUID) (*model.Task, error) {
	var row taskRow
	if err := t.tx.GetContext(ctx, &row, `SELECT * FROM tasks WHERE id = $1 FOR UPDATE`, id); err != nil {
		if err == sql.ErrNoRows {
			return nil, huberr.NotFound("GetTaskForUpdate", err)
		}
		return nil, huberr.Transient("GetTaskForUpdate", err)
	}
	return row.toModel()
}

func (t *postgresTx) GetNodeForUpdate(ctx context.Context, id uuid.UUID) (*model.Node, error) {
	var row nodeRow
	if err := t.tx.GetContext(ctx, &row, `SELECT * FROM nodes WHERE id = $1 FOR UPDATE`, id); err != nil {
		if err == sql.ErrNoRows {
			return nil, huberr.NotFound("GetNodeForUpdate", err)
		}
		return nil, huberr.Transient("GetNodeForUpdate", err)
	}
	return row.toModel()
}

func (t *postgresTx) PutTask(ctx context.Context, m *model.Task) error {
	row, err := taskToRow(m)
	if err != nil {
		return err
	}
	_, err = t.tx.NamedExecContext(ctx, `
		INSERT INTO tasks (id, description, container_spec, resource_requirements, trust_index_required,
			overlap_count, status, stale_count, created_at, last_attempted, result, submitted_by)
		VALUES (:id, :description, :container_spec, :resource_requirements, :trust_index_required,
			:overlap_count, :status, :stale_count, :created_at, :last_attempted, :result, :submitted_by)
		ON CONFLICT (id) DO UPDATE SET
			description = EXCLUDED.description,
			container_spec = EXCLUDED.container_spec,
			resource_requirements = EXCLUDED.resource_requirements,
			trust_index_required = EXCLUDED.trust_index_required,
			overlap_count = EXCLUDED.overlap_count,
			status = EXCLUDED.status,
			stale_count = EXCLUDED.stale_count,
			last_attempted = EXCLUDED.last_attempted,
			result = EXCLUDED.result,
			submitted_by = EXCLUDED.submitted_by`, row)
	if err != nil {
		return huberr.Transient("PutTask", err)
	}
	return nil
}

func (t *postgresTx) PutNode(ctx context.Context, m *model.Node) error {
	row, err := nodeToRow(m)
	if err != nil {
		return err
	}
	_, err = t.tx.NamedExecContext(ctx, `
		INSERT INTO nodes (id, name, address, status, trust_index, capacity, free, last_heartbeat)
		VALUES (:id, :name, :address, :status, :trust_index, :capacity, :free, :last_heartbeat)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name, address = EXCLUDED.address, status = EXCLUDED.status,
			trust_index = EXCLUDED.trust_index, capacity = EXCLUDED.capacity,
			free = EXCLUDED.free, last_heartbeat = EXCLUDED.last_heartbeat`, row)
	if err != nil {
		return huberr.Transient("PutNode", err)
	}
	return nil
}

func (t *postgresTx) DeleteTask(ctx context.Context, id uuid.UUID) error {
	if _, err := t.tx.ExecContext(ctx, `DELETE FROM tasks WHERE id = $1`, id); err != nil {
		return huberr.Transient("DeleteTask", err)
	}
	return nil
}

func (t *postgresTx) CreateAssignment(ctx context.Context, m *model.Assignment) error {
	row, err := assignmentToRow(m)
	if err != nil {
		return err
	}
	_, err = t.tx.NamedExecContext(ctx, `
		INSERT INTO assignments (id, task_id, node_id, assigned_at, started_at, completed_at, result, validated)
		VALUES (:id, :task_id, :node_id, :assigned_at, :started_at, :completed_at, :result, :validated)`, row)
	if err != nil {
		if isUniqueViolation(err) {
			return huberr.Conflict("CreateAssignment", err)
		}
		return huberr.Transient("CreateAssignment", err)
	}
	return nil
}

func (t *postgresTx) GetAssignmentForUpdate(ctx context.Context, id uuid.UUID) (*model.Assignment, error) {
	var row assignmentRow
	if err := t.tx.GetContext(ctx, &row, `SELECT * FROM assignments WHERE id = $1 FOR UPDATE`, id); err != nil {
		if err == sql.ErrNoRows {
			return nil, huberr.NotFound("GetAssignmentForUpdate", err)
		}
		return nil, huberr.Transient("GetAssignmentForUpdate", err)
	}
	return row.toModel()
}

func (t *postgresTx) PutAssignment(ctx context.Context, m *model.Assignment) error {
	row, err := assignmentToRow(m)
	if err != nil {
		return err
	}
	_, err = t.tx.NamedExecContext(ctx, `
		UPDATE assignments SET started_at = :started_at, completed_at = :completed_at,
			result = :result, validated = :validated WHERE id = :id`, row)
	if err != nil {
		return huberr.Transient("PutAssignment", err)
	}
	return nil
}

func (t *postgresTx) ListAssignmentsByTask(ctx context.Context, taskID uuid.UUID) ([]*model.Assignment, error) {
	var rows []assignmentRow
	if err := t.tx.SelectContext(ctx, &rows, `SELECT * FROM assignments WHERE task_id = $1 FOR UPDATE`, taskID); err != nil {
		return nil, huberr.Transient("ListAssignmentsByTask", err)
	}
	return rowsToAssignments(rows)
}

func (t *postgresTx) ListAssignmentsByNode(ctx context.Context, nodeID uuid.UUID) ([]*model.Assignment, error) {
	var rows []assignmentRow
	if err := t.tx.SelectContext(ctx, &rows, `SELECT * FROM assignments WHERE node_id = $1 FOR UPDATE`, nodeID); err != nil {
		return nil, huberr.Transient("ListAssignmentsByNode", err)
	}
	return rowsToAssignments(rows)
}

func (t *postgresTx) DeleteAssignmentsByNodes(ctx context.Context, nodeIDs []uuid.UUID) ([]uuid.UUID, error) {
	var affected []uuid.UUID
	query, args, err := sqlx.In(`SELECT DISTINCT task_id FROM assignments WHERE node_id IN (?)`, nodeIDs)
	if err != nil {
		return nil, huberr.Transient("DeleteAssignmentsByNodes", err)
	}
	if err := t.tx.SelectContext(ctx, &affected, t.tx.Rebind(query), args...); err != nil {
		return nil, huberr.Transient("DeleteAssignmentsByNodes", err)
	}
	delQuery, delArgs, err := sqlx.In(`DELETE FROM assignments WHERE node_id IN (?)`, nodeIDs)
	if err != nil {
		return nil, huberr.Transient("DeleteAssignmentsByNodes", err)
	}
	if _, err := t.tx.ExecContext(ctx, t.tx.Rebind(delQuery), delArgs...); err != nil {
		return nil, huberr.Transient("DeleteAssignmentsByNodes", err)
	}
	return affected, nil
}

func (t *postgresTx) DeleteAssignmentsByTask(ctx context.Context, taskID uuid.UUID) error {
	if _, err := t.tx.ExecContext(ctx, `DELETE FROM assignments WHERE task_id = $1`, taskID); err != nil {
		return huberr.Transient("DeleteAssignmentsByTask", err)
	}
	return nil
}

func (t *postgresTx) GetAssignmentByTaskNode(ctx context.Context, taskID, nodeID uuid.UUID) (*model.Assignment, error) {
	var row assignmentRow
	err := t.tx.GetContext(ctx, &row, `SELECT * FROM assignments WHERE task_id = $1 AND node_id = $2 FOR UPDATE`, taskID, nodeID)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, huberr.NotFound("GetAssignmentByTaskNode", err)
		}
		return nil, huberr.Transient("GetAssignmentByTaskNode", err)
	}
	return row.toModel()
}

func (t *postgresTx) Commit() error {
	if err := t.tx.Commit(); err != nil {
		return huberr.Transient("Commit", err)
	}
	return nil
}

func (t *postgresTx) Rollback() error {
	err := t.tx.Rollback()
	if err != nil && err != sql.ErrTxDone {
		return huberr.Transient("Rollback", err)
	}
	return nil
}

func rowsToAssignments(rows []assignmentRow) ([]*model.Assignment, error) {
	out := make([]*model.Assignment, 0, len(rows))
	for i := range rows {
		a, err := rows[i].toModel()
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}

// isUniqueViolation detects the (task_id, node_id) unique-constraint race
// spec.md §4.4 calls out explicitly ("duplicate-key violation = already
// assigned race; skip and continue").
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return false
}
