// Package model defines the Node/Task/Assignment data model shared by every
// orchestration component.
package model

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// NodeStatus is the lifecycle state of a worker node.
type NodeStatus string

const (
	NodeActive   NodeStatus = "active"
	NodeInactive NodeStatus = "inactive"
	NodeBusy     NodeStatus = "busy"
)

func (s NodeStatus) Valid() bool {
	switch s {
	case NodeActive, NodeInactive, NodeBusy:
		return true
	default:
		return false
	}
}

// TaskStatus is the lifecycle state of a task.
type TaskStatus string

const (
	TaskValidating TaskStatus = "validating"
	TaskPending    TaskStatus = "pending"
	TaskInQueue    TaskStatus = "in_queue"
	TaskInProgress TaskStatus = "in_progress"
	TaskCompleted  TaskStatus = "completed"
	TaskValidated  TaskStatus = "validated"
	TaskFailed     TaskStatus = "failed"
	TaskInvalid    TaskStatus = "invalid"
)

func (s TaskStatus) Valid() bool {
	switch s {
	case TaskValidating, TaskPending, TaskInQueue, TaskInProgress, TaskCompleted, TaskValidated, TaskFailed, TaskInvalid:
		return true
	default:
		return false
	}
}

// InActiveQueue reports whether a task counts against ACTIVE_QUEUE_SIZE.
func (s TaskStatus) InActiveQueue() bool {
	return s == TaskInQueue || s == TaskInProgress
}

// ResourceVector is the typed projection of the duck-typed capacity/free/
// resource_requirements maps carried by the original system. CPUOrDefault
// and RAMOrDefault substitute 0.5 for a zero field; the PriorityScorer uses
// them, while the Placer treats a zero requirement as 1.
type ResourceVector struct {
	CPU float64  `json:"cpu" db:"cpu"`
	RAM float64  `json:"ram" db:"ram"`
	GPU *float64 `json:"gpu,omitempty" db:"gpu"`
}

const defaultResourceValue = 0.5

// CPUOrDefault returns CPU, or the 0.5 default when CPU is zero. A zero
// field is always treated as absent: the vector does not record whether a
// field was set, so an explicit 0 also yields the default.
func (r ResourceVector) CPUOrDefault() float64 {
	if r.CPU == 0 {
		return defaultResourceValue
	}
	return r.CPU
}

func (r ResourceVector) RAMOrDefault() float64 {
	if r.RAM == 0 {
		return defaultResourceValue
	}
	return r.RAM
}

// ContainerSpec is opaque to the orchestration core; it is validated and
// interpreted only by the external ImageValidator / worker runtime.
type ContainerSpec struct {
	Image        string            `json:"image"`
	Command      []string          `json:"command,omitempty"`
	Env          map[string]string `json:"env,omitempty"`
	RegistryAuth *RegistryAuth     `json:"docker_credentials,omitempty"`
}

// RegistryAuth carries private-registry login credentials through to the
// ImageValidator untouched.
type RegistryAuth struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Registry string `json:"registry,omitempty"`
}

// ResultEnvelope is the typed projection of the opaque per-assignment result
// blob a node reports back.
type ResultEnvelope struct {
	Output []byte `json:"output"`
}

// Empty reports whether the envelope carries no output, the ⊥ case in the
// Validator's vote ("if out = ⊥, skip").
func (e *ResultEnvelope) Empty() bool {
	return e == nil || len(e.Output) == 0
}

// TaskResult is the post-validation record stored on a validated task.
type TaskResult struct {
	ValidatedOutput []byte  `json:"validated_output"`
	TrustScore      float64 `json:"trust_score"`
}

// Node is a worker peer.
type Node struct {
	ID             uuid.UUID      `json:"id" db:"id"`
	Name           string         `json:"name" db:"name"`
	Address        string         `json:"address" db:"address"`
	Status         NodeStatus     `json:"status" db:"status"`
	TrustIndex     float64        `json:"trust_index" db:"trust_index"`
	Capacity       ResourceVector `json:"capacity" db:"capacity"`
	Free           ResourceVector `json:"free" db:"free"`
	LastHeartbeat  time.Time      `json:"last_heartbeat" db:"last_heartbeat"`
}

// Task is a unit of redundantly executable work.
type Task struct {
	ID                  uuid.UUID      `json:"id" db:"id"`
	Description         string         `json:"description" db:"description"`
	ContainerSpec       ContainerSpec  `json:"container_spec" db:"container_spec"`
	ResourceRequirements ResourceVector `json:"resource_requirements" db:"resource_requirements"`
	TrustIndexRequired  float64        `json:"trust_index_required" db:"trust_index_required"`
	OverlapCount        int            `json:"overlap_count" db:"overlap_count"`
	Status              TaskStatus     `json:"status" db:"status"`
	StaleCount          int            `json:"stale_count" db:"stale_count"`
	CreatedAt           time.Time      `json:"created_at" db:"created_at"`
	LastAttempted       *time.Time     `json:"last_attempted,omitempty" db:"last_attempted"`
	Result              *TaskResult    `json:"result,omitempty" db:"result"`
	SubmittedBy         *uuid.UUID     `json:"submitted_by,omitempty" db:"submitted_by"`
}

// Assignment is a (Task, Node) execution record.
type Assignment struct {
	ID          uuid.UUID       `json:"id" db:"id"`
	TaskID      uuid.UUID       `json:"task_id" db:"task_id"`
	NodeID      uuid.UUID       `json:"node_id" db:"node_id"`
	AssignedAt  time.Time       `json:"assigned_at" db:"assigned_at"`
	StartedAt   *time.Time      `json:"started_at,omitempty" db:"started_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty" db:"completed_at"`
	Result      *ResultEnvelope `json:"result,omitempty" db:"result"`
	Validated   bool            `json:"validated" db:"validated"`
}

// Done reports whether the assignment has recorded a completion.
func (a *Assignment) Done() bool {
	return a.CompletedAt != nil
}

// Value/Scan implementations let the Postgres store adapter persist the
// duck-typed fields as JSONB columns, grounded on the teacher's
// pkg/database JSONMap pattern.

func (r ResourceVector) Value() (driver.Value, error) {
	return json.Marshal(r)
}

func (r *ResourceVector) Scan(value interface{}) error {
	if value == nil {
		*r = ResourceVector{}
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		return fmt.Errorf("cannot scan %T into ResourceVector", value)
	}
	return json.Unmarshal(bytes, r)
}

func (c ContainerSpec) Value() (driver.Value, error) {
	return json.Marshal(c)
}

func (c *ContainerSpec) Scan(value interface{}) error {
	if value == nil {
		*c = ContainerSpec{}
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		return fmt.Errorf("cannot scan %T into ContainerSpec", value)
	}
	return json.Unmarshal(bytes, c)
}

func (e ResultEnvelope) Value() (driver.Value, error) {
	return json.Marshal(e)
}

func (e *ResultEnvelope) Scan(value interface{}) error {
	if value == nil {
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		return fmt.Errorf("cannot scan %T into ResultEnvelope", value)
	}
	return json.Unmarshal(bytes, e)
}

func (r TaskResult) Value() (driver.Value, error) {
	return json.Marshal(r)
}

func (r *TaskResult) Scan(value interface{}) error {
	if value == nil {
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		return fmt.Errorf("cannot scan %T into TaskResult", value)
	}
	return json.Unmarshal(bytes, r)
}
