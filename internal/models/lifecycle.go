// Copyright 2025 SAP SE
// SPDX-License-Identifier: Apache-2.0

package models

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/go-gorp/gorp"
	"github.com/google/uuid"
)

// Lifecycle state shared by every resource entity.
type State string

const (
	StateCreationScheduled State = "CREATION_SCHEDULED"
	StateCreating          State = "CREATING"
	StateUpdateScheduled   State = "UPDATE_SCHEDULED"
	StateUpdating          State = "UPDATING"
	StateDeletionScheduled State = "DELETION_SCHEDULED"
	StateDeleting          State = "DELETING"
	StateOK                State = "OK"
	StateErred             State = "ERRED"
)

// Only OK and ERRED are stable. Pulls and new operations only touch
// resources in a stable state.
func (s State) IsStable() bool {
	return s == StateOK || s == StateErred
}

var transitions = map[State][]State{
	StateCreationScheduled: {StateCreating, StateErred},
	StateCreating:          {StateOK, StateErred},
	StateOK:                {StateUpdateScheduled, StateDeletionScheduled, StateErred},
	StateUpdateScheduled:   {StateUpdating, StateErred},
	StateUpdating:          {StateOK, StateErred},
	StateDeletionScheduled: {StateDeleting, StateErred},
	StateDeleting:          {StateErred},
	StateErred:             {StateUpdateScheduled, StateDeletionScheduled, StateOK},
}

// Check whether the state machine allows moving from one state to another.
func (s State) CanTransitionTo(to State) bool {
	return slices.Contains(transitions[s], to)
}

// States from which a transition into the target state is allowed.
func SourcesOf(target State) []State {
	var out []State
	for from, tos := range transitions {
		if slices.Contains(tos, target) {
			out = append(out, from)
		}
	}
	slices.Sort(out)
	return out
}

// Lifecycle columns of a resource entity.
type Lifecycle struct {
	State        State  `db:"state"`
	ErrorMessage string `db:"error_message"`
	// Id of the remote object, empty until it was created.
	BackendID string `db:"backend_id"`
	// Backend-native status, such as "ACTIVE" or "in-use".
	RuntimeState string `db:"runtime_state"`
}

func (l *Lifecycle) GetLifecycle() *Lifecycle { return l }

// Common columns of all entities.
type Base struct {
	ID         string    `db:"id"`
	Name       string    `db:"name"`
	CreatedAt  time.Time `db:"created_at"`
	ModifiedAt time.Time `db:"modified_at"`
}

func (b Base) GetID() string   { return b.ID }
func (b Base) GetName() string { return b.Name }

// Assign an id if there is none yet and set the timestamps.
func (b *Base) Init(now time.Time) {
	if b.ID == "" {
		b.ID = uuid.NewString()
	}
	b.CreatedAt = now
	b.ModifiedAt = now
}

func (b *Base) Touch(now time.Time) { b.ModifiedAt = now }

// Reference to the owning tenant.
type TenantRef struct {
	TenantID string `db:"tenant_id"`
}

func (t TenantRef) GetTenantID() string { return t.TenantID }

// Entity with a lifecycle that belongs to a tenant.
type Resource interface {
	TableName() string
	Kind() string
	Policy() FieldPolicy
	GetID() string
	GetName() string
	GetTenantID() string
	GetLifecycle() *Lifecycle
	Touch(now time.Time)
}

// Error returned when a state change is not allowed.
type TransitionError struct {
	Kind string
	ID   string
	From State
	To   State
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s %s cannot move from %s to %s", e.Kind, e.ID, e.From, e.To)
}

// Move a resource into a new state if it is currently in one of the given
// states. The update is conditional, so two concurrent callers cannot both
// succeed. Returns false if the resource was not in one of the states.
func SetStateIf(exec gorp.SqlExecutor, table, id string, from []State, to State, errorMessage string, now time.Time) (bool, error) {
	params := map[string]any{"id": id, "to": string(to), "msg": errorMessage, "now": now}
	placeholders := make([]string, 0, len(from))
	for i, s := range from {
		name := fmt.Sprintf("from%d", i)
		params[name] = string(s)
		placeholders = append(placeholders, ":"+name)
	}
	query := fmt.Sprintf(
		"UPDATE %s SET state = :to, error_message = :msg, modified_at = :now WHERE id = :id AND state IN (%s)",
		table, strings.Join(placeholders, ", "),
	)
	result, err := exec.Exec(query, params)
	if err != nil {
		return false, fmt.Errorf("failed to update state of %s %s: %w", table, id, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}
