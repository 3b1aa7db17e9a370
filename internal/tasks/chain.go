// Copyright 2025 SAP SE
// SPDX-License-Identifier: Apache-2.0

package tasks

import (
	"fmt"
	"time"

	"github.com/cobaltcore-dev/cirrus/internal/db"
	"github.com/cobaltcore-dev/cirrus/internal/models"
	"github.com/go-gorp/gorp"
	"github.com/google/uuid"
)

type StepKind string

const (
	// Invoke a registered operation.
	KindDirect StepKind = "direct"
	// Set the lifecycle state of a resource.
	KindTransition StepKind = "transition"
	// Pull the runtime state of a resource until it reaches a target.
	KindPoll StepKind = "poll"
	// Run branches of steps in parallel.
	KindGroup StepKind = "group"
	// Wait for a provisioning slot of the service connection.
	KindThrottle StepKind = "throttle"
)

// Runtime state reported by poll operations when the resource is gone.
const Gone = "__gone__"

// Reference to the resource a step works on.
type Ref struct {
	Kind string `json:"kind"`
	ID   string `json:"id"`
}

func (r Ref) String() string { return r.Kind + "/" + r.ID }

// Free-form string parameters of a step.
type Params map[string]string

// Targets and timing of a poll step. Zero durations use the runner
// defaults.
type PollSpec struct {
	// Runtime states that end the poll successfully.
	Success []string `json:"success,omitempty"`
	// Runtime states that fail the chain.
	Erred []string `json:"erred,omitempty"`
	// The poll succeeds when the resource is gone.
	UntilGone    bool          `json:"until_gone,omitempty"`
	Interval     time.Duration `json:"interval,omitempty"`
	InitialDelay time.Duration `json:"initial_delay,omitempty"`
	Timeout      time.Duration `json:"timeout,omitempty"`
}

// Serializable descriptor of one step of a chain.
type Step struct {
	Kind      StepKind `json:"kind"`
	Operation string   `json:"operation,omitempty"`
	Resource  Ref      `json:"resource,omitzero"`
	Params    Params   `json:"params,omitempty"`
	// Target of a transition step.
	State models.State `json:"state,omitempty"`
	// Message of a transition step. Failure transitions without message
	// carry the error that failed the chain.
	Message string `json:"message,omitempty"`
	// Transition regardless of the current state.
	Force    bool      `json:"force,omitempty"`
	Poll     *PollSpec `json:"poll,omitempty"`
	Branches [][]Step  `json:"branches,omitempty"`
}

func (s Step) Param(key string) string { return s.Params[key] }

func (s Step) String() string {
	switch s.Kind {
	case KindTransition:
		return fmt.Sprintf("transition %s to %s", s.Resource, s.State)
	case KindGroup:
		return fmt.Sprintf("group of %d branches", len(s.Branches))
	case KindThrottle:
		return "throttle"
	default:
		return fmt.Sprintf("%s %s %s", s.Kind, s.Operation, s.Resource)
	}
}

func Direct(operation string, res Ref, params Params) Step {
	return Step{Kind: KindDirect, Operation: operation, Resource: res, Params: params}
}

func Transition(res Ref, to models.State) Step {
	return Step{Kind: KindTransition, Resource: res, State: to}
}

// Transition to ERRED from any state, with the error of the chain.
func Fail(res Ref) Step {
	return Step{Kind: KindTransition, Resource: res, State: models.StateErred, Force: true}
}

func Poll(operation string, res Ref, spec PollSpec) Step {
	return Step{Kind: KindPoll, Operation: operation, Resource: res, Poll: &spec}
}

func PollUntil(operation string, res Ref, success ...string) Step {
	return Poll(operation, res, PollSpec{Success: success})
}

func PollUntilGone(operation string, res Ref) Step {
	return Poll(operation, res, PollSpec{UntilGone: true})
}

func Group(branches ...[]Step) Step {
	return Step{Kind: KindGroup, Branches: branches}
}

func Throttle() Step {
	return Step{Kind: KindThrottle}
}

type Status string

const (
	StatusPending Status = "pending"
	StatusRunning Status = "running"
	// Yielded by a poll or the throttle, runnable again at next_run_at.
	StatusWaiting Status = "waiting"
	StatusDone    Status = "done"
	StatusFailed  Status = "failed"
)

// Persisted chain of steps with its cursor.
type Chain struct {
	ID                  string `db:"id"`
	Name                string `db:"name"`
	ServiceConnectionID string `db:"service_connection_id"`
	ResourceKind        string `db:"resource_kind"`
	ResourceID          string `db:"resource_id"`

	Steps     models.JSONList[Step] `db:"steps"`
	OnSuccess models.JSONList[Step] `db:"on_success"`
	OnFailure models.JSONList[Step] `db:"on_failure"`

	// Index of the next top-level step.
	Cursor int    `db:"step_cursor"`
	Status Status `db:"status"`
	// The chain holds a provisioning slot of its connection.
	Provisioning bool `db:"provisioning"`
	// Start of the poll at the cursor, zero if none is running.
	PollStartedAt time.Time `db:"poll_started_at"`
	NextRunAt     time.Time `db:"next_run_at"`
	ClaimedAt     time.Time `db:"claimed_at"`
	ErrorMessage  string    `db:"error_message"`
	CreatedAt     time.Time `db:"created_at"`
	ModifiedAt    time.Time `db:"modified_at"`
}

func (Chain) TableName() string { return "task_chains" }

func (Chain) Indexes() []db.Index {
	return []db.Index{
		{Name: "idx_task_chains_runnable", Table: "task_chains", Columns: []string{"status", "next_run_at"}},
		{Name: "idx_task_chains_provisioning", Table: "task_chains", Columns: []string{"service_connection_id", "provisioning"}},
		{Name: "idx_task_chains_resource", Table: "task_chains", Columns: []string{"resource_kind", "resource_id"}},
	}
}

// New chain for a resource. Steps are added by the caller.
func NewChain(name, connID string, res Ref) *Chain {
	return &Chain{
		ID:                  uuid.NewString(),
		Name:                name,
		ServiceConnectionID: connID,
		ResourceKind:        res.Kind,
		ResourceID:          res.ID,
		Status:              StatusPending,
	}
}

func (c *Chain) Resource() Ref { return Ref{Kind: c.ResourceKind, ID: c.ResourceID} }

func (c *Chain) Then(steps ...Step) *Chain {
	c.Steps = append(c.Steps, steps...)
	return c
}

func (c *Chain) OnSuccessDo(steps ...Step) *Chain {
	c.OnSuccess = append(c.OnSuccess, steps...)
	return c
}

func (c *Chain) OnFailureDo(steps ...Step) *Chain {
	c.OnFailure = append(c.OnFailure, steps...)
	return c
}

func (c *Chain) Finished() bool {
	return c.Status == StatusDone || c.Status == StatusFailed
}

// Register the chain table and create it if it doesn't exist.
func CreateTables(d *db.DB) error {
	if err := d.CreateTable(d.AddTable(Chain{})); err != nil {
		return err
	}
	return d.CreateIndexes(Chain{}.Indexes()...)
}

// Persist a new chain. Executors call this in the transaction that moves
// the resource out of its stable state.
func Submit(exec gorp.SqlExecutor, chain *Chain, now time.Time) error {
	if len(chain.Steps) == 0 {
		return fmt.Errorf("chain %s has no steps", chain.Name)
	}
	chain.Status = StatusPending
	chain.CreatedAt, chain.ModifiedAt, chain.NextRunAt = now, now, now
	if err := exec.Insert(chain); err != nil {
		return fmt.Errorf("failed to submit chain %s: %w", chain.Name, err)
	}
	return nil
}

// Load a chain by id.
func Load(exec gorp.SqlExecutor, id string) (*Chain, error) {
	var chain Chain
	if err := exec.SelectOne(&chain, "SELECT * FROM task_chains WHERE id = :id", map[string]any{"id": id}); err != nil {
		return nil, fmt.Errorf("failed to load chain %s: %w", id, err)
	}
	return &chain, nil
}
