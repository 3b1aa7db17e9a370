// Copyright 2025 SAP SE
// SPDX-License-Identifier: Apache-2.0

package executors

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cobaltcore-dev/cirrus/internal/backend"
	"github.com/cobaltcore-dev/cirrus/internal/conf"
	"github.com/cobaltcore-dev/cirrus/internal/db"
	"github.com/cobaltcore-dev/cirrus/internal/events"
	"github.com/cobaltcore-dev/cirrus/internal/models"
	"github.com/cobaltcore-dev/cirrus/internal/tasks"
	"github.com/go-gorp/gorp"
)

// Orchestration of multi-step operations on tenant resources.
//
// Entry points validate the request against the local store, move the
// resource out of its stable state and submit a task chain in the same
// transaction. They return without waiting for the chain.
type Executor struct {
	DB       *db.DB
	Backends *backend.Factory
	Config   conf.ExecutorsConfig

	templates []SecurityGroupTemplate
	timeNow   func() time.Time
}

func NewExecutor(database *db.DB, backends *backend.Factory, config conf.ExecutorsConfig) (*Executor, error) {
	templates, err := DefaultSecurityGroups()
	if err != nil {
		return nil, err
	}
	return &Executor{
		DB:        database,
		Backends:  backends,
		Config:    config,
		templates: templates,
		timeNow:   time.Now,
	}, nil
}

func (e *Executor) now() time.Time {
	return e.timeNow().UTC()
}

// Registry with every operation the chains of this executor refer to.
func (e *Executor) Registry() *tasks.Registry {
	registry := tasks.NewRegistry(e.Transition)
	e.Register(registry)
	return registry
}

// Transition implements tasks.TransitionFunc. Failure transitions of
// resources that were removed in the meantime are ignored.
func (e *Executor) Transition(_ context.Context, ref tasks.Ref, to models.State, message string, force bool) error {
	rec, _, res, err := e.resolve(ref)
	if errors.Is(err, sql.ErrNoRows) && to == models.StateErred {
		slog.Warn("executors: resource of failed chain is gone", "resource", ref.String())
		return nil
	}
	if err != nil {
		return err
	}
	if force {
		return rec.ForceState(res, to, message)
	}
	return rec.SetState(res, to, message)
}

// Load the resource of a step together with the reconciler and tenant it
// belongs to.
func (e *Executor) resolve(ref tasks.Ref) (*backend.Reconciler, models.Tenant, models.Resource, error) {
	res, err := load(e.DB, ref)
	if err != nil {
		return nil, models.Tenant{}, nil, err
	}
	rec, tenant, err := e.Backends.ForTenant(res.GetTenantID())
	if err != nil {
		return nil, tenant, nil, err
	}
	return rec, tenant, res, nil
}

func load(exec gorp.SqlExecutor, ref tasks.Ref) (models.Resource, error) {
	res, err := models.NewResource(ref.Kind)
	if err != nil {
		return nil, err
	}
	err = exec.SelectOne(res, "SELECT * FROM "+res.TableName()+" WHERE id = :id", map[string]any{"id": ref.ID})
	if err != nil {
		return nil, fmt.Errorf("failed to load %s: %w", ref, err)
	}
	return res, nil
}

// Load a resource of a known type by id. A missing record is reported as
// validation error, since ids come from the request.
func loadAs[T models.Resource](exec gorp.SqlExecutor, kind, id string) (T, error) {
	var zero T
	res, err := load(exec, tasks.Ref{Kind: kind, ID: id})
	if errors.Is(err, sql.ErrNoRows) {
		return zero, invalid("%s %s does not exist", kind, id)
	}
	if err != nil {
		return zero, err
	}
	typed, ok := res.(T)
	if !ok {
		return zero, fmt.Errorf("unexpected type %T for %s %s", res, kind, id)
	}
	return typed, nil
}

func refOf(res models.Resource) tasks.Ref {
	return tasks.Ref{Kind: res.Kind(), ID: res.GetID()}
}

func invalid(format string, args ...any) error {
	return &backend.ValidationError{Message: fmt.Sprintf(format, args...)}
}

func conflict(res models.Resource) error {
	return &backend.ConflictError{Kind: res.Kind(), ID: res.GetID(), State: res.GetLifecycle().State}
}

// Reconciler and tenant for a request on a tenant. The tenant must have
// finished its creation.
func (e *Executor) readyTenant(tenantID string) (*backend.Reconciler, models.Tenant, error) {
	rec, tenant, err := e.Backends.ForTenant(tenantID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, tenant, invalid("tenant %s does not exist", tenantID)
	}
	if err != nil {
		return nil, tenant, err
	}
	if tenant.State != models.StateOK {
		return nil, tenant, conflict(&tenant)
	}
	return rec, tenant, nil
}

// Check that a referenced resource belongs to the tenant.
func sameTenant(res models.Resource, tenant models.Tenant) error {
	if res.GetTenantID() != tenant.ID {
		return invalid("%s %s does not belong to tenant %s", res.Kind(), res.GetID(), tenant.Name)
	}
	return nil
}

////////////////////////////////////////////////////////////////////////////////
// admission

// Request to schedule a chain for a resource.
type admission struct {
	res models.Resource
	// Scheduled state the resource moves into.
	to models.State
	// Skip the stable state check.
	force bool
	// New record, inserted in the scheduled state.
	insert bool
	chain  *tasks.Chain
	// Validation, quota and child records, run inside the transaction
	// before the state change.
	prepare func(tx *gorp.Transaction) error
}

// Validate and schedule the chain of an admission. The resource leaves its
// stable state in the same transaction that persists the chain, so two
// operations on one resource cannot be admitted at the same time.
func (e *Executor) admit(a admission) (*tasks.Chain, error) {
	lifecycle := a.res.GetLifecycle()
	previous := lifecycle.State
	if !a.insert && !a.force && !previous.IsStable() {
		return nil, conflict(a.res)
	}
	now := e.now()
	err := e.DB.InTransaction(func(tx *gorp.Transaction) error {
		if a.prepare != nil {
			if err := a.prepare(tx); err != nil {
				return err
			}
		}
		if a.insert {
			lifecycle.State = a.to
			if err := tx.Insert(a.res); err != nil {
				return fmt.Errorf("failed to insert %s %s: %w", a.res.Kind(), a.res.GetName(), err)
			}
		} else {
			from := []models.State{models.StateOK, models.StateErred}
			if a.force {
				from = []models.State{previous}
			}
			ok, err := models.SetStateIf(tx, a.res.TableName(), a.res.GetID(), from, a.to, "", now)
			if err != nil {
				return err
			}
			if !ok {
				return conflict(a.res)
			}
		}
		return tasks.Submit(tx, a.chain, now)
	})
	if err != nil {
		lifecycle.State = previous
		return nil, err
	}
	lifecycle.State = a.to
	lifecycle.ErrorMessage = ""
	a.res.Touch(now)
	e.emit(events.Event{
		Type:         events.StateChanged,
		Kind:         a.res.Kind(),
		ResourceID:   a.res.GetID(),
		ResourceName: a.res.GetName(),
		TenantID:     a.res.GetTenantID(),
		State:        string(a.to),
		Context:      map[string]any{"from": string(previous), "chain": a.chain.Name},
		Time:         now,
	})
	slog.Info("executors: chain scheduled", "chain", a.chain.Name, "id", a.chain.ID, "resource", refOf(a.res).String())
	return a.chain, nil
}

func (e *Executor) emit(event events.Event) {
	if e.Backends.Events != nil {
		e.Backends.Events.Emit(event)
	}
}

// Move a child record of an admitted operation into a scheduled state.
func schedule(tx gorp.SqlExecutor, res models.Resource, to models.State, force bool, now time.Time) error {
	lifecycle := res.GetLifecycle()
	if !force && !lifecycle.State.IsStable() {
		return conflict(res)
	}
	from := []models.State{models.StateOK, models.StateErred}
	if force {
		from = []models.State{lifecycle.State}
	}
	ok, err := models.SetStateIf(tx, res.TableName(), res.GetID(), from, to, "", now)
	if err != nil {
		return err
	}
	if !ok {
		return conflict(res)
	}
	lifecycle.State = to
	return nil
}

////////////////////////////////////////////////////////////////////////////////
// chain builders

// Chain that moves the resource through an active state into OK, or into
// ERRED if a step fails.
func lifecycleChain(name string, tenant models.Tenant, res models.Resource, active models.State, steps ...tasks.Step) *tasks.Chain {
	ref := refOf(res)
	return tasks.NewChain(name, tenant.ServiceConnectionID, ref).
		Then(tasks.Transition(ref, active)).
		Then(steps...).
		OnSuccessDo(tasks.Transition(ref, models.StateOK)).
		OnFailureDo(tasks.Fail(ref))
}

// Chain that deletes the resource and removes its record at the end.
func deletionChain(name string, tenant models.Tenant, res models.Resource, steps ...tasks.Step) *tasks.Chain {
	ref := refOf(res)
	return tasks.NewChain(name, tenant.ServiceConnectionID, ref).
		Then(tasks.Transition(ref, models.StateDeleting)).
		Then(steps...).
		Then(tasks.Direct(opForget, ref, nil)).
		OnFailureDo(tasks.Fail(ref))
}

// Steps that take a child record that was inserted by the admission
// through its creation.
func createSteps(res models.Resource, create string, extra ...tasks.Step) []tasks.Step {
	ref := refOf(res)
	steps := []tasks.Step{
		tasks.Transition(ref, models.StateCreating),
		tasks.Direct(create, ref, nil),
	}
	steps = append(steps, extra...)
	return append(steps, tasks.Transition(ref, models.StateOK))
}

// Poll of a volume or snapshot until it is available.
func pollAvailable(operation string, ref tasks.Ref) tasks.Step {
	return tasks.Poll(operation, ref, tasks.PollSpec{Success: []string{"available"}, Erred: []string{"error", "error_extending"}})
}

func pollInUse(ref tasks.Ref) tasks.Step {
	return tasks.Poll(opVolumeState, ref, tasks.PollSpec{Success: []string{"in-use"}, Erred: []string{"error"}})
}

func pollActive(operation string, ref tasks.Ref) tasks.Step {
	return tasks.Poll(operation, ref, tasks.PollSpec{Success: []string{"ACTIVE"}, Erred: []string{"ERROR"}})
}
