// Copyright 2025 SAP SE
// SPDX-License-Identifier: Apache-2.0

package backend

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cobaltcore-dev/cirrus/internal/conf"
	"github.com/cobaltcore-dev/cirrus/internal/db"
	"github.com/cobaltcore-dev/cirrus/internal/events"
	"github.com/cobaltcore-dev/cirrus/internal/models"
	"github.com/cobaltcore-dev/cirrus/internal/openstack"
	"github.com/cobaltcore-dev/cirrus/internal/quotas"
	"github.com/go-gorp/gorp"
)

// Reconciler of the local store with one OpenStack deployment.
//
// It holds no state besides its collaborators, so it can be shared by all
// workers that handle tenants of the same service connection.
type Reconciler struct {
	DB     *db.DB
	Cloud  openstack.Cloud
	Conn   models.ServiceConnection
	Quotas *quotas.Registry
	Events events.Emitter
	Config conf.ExecutorsConfig

	monitor Monitor
	timeNow func() time.Time
}

func NewReconciler(database *db.DB, cloud openstack.Cloud, conn models.ServiceConnection, registry *quotas.Registry, emitter events.Emitter, config conf.ExecutorsConfig, monitor Monitor) *Reconciler {
	return &Reconciler{
		DB:      database,
		Cloud:   cloud,
		Conn:    conn,
		Quotas:  registry,
		Events:  emitter,
		Config:  config,
		monitor: monitor,
		timeNow: time.Now,
	}
}

func (r *Reconciler) now() time.Time {
	return r.timeNow().UTC()
}

func (r *Reconciler) connection() openstack.Connection {
	return openstack.Connection{
		ID:                r.Conn.ID,
		AuthURL:           r.Conn.AuthURL,
		Username:          r.Conn.Username,
		Password:          r.Conn.Password,
		UserDomainName:    r.Conn.UserDomainName,
		ProjectName:       r.Conn.ProjectName,
		ProjectDomainName: r.Conn.ProjectDomainName,
		Availability:      r.Conn.Availability,
		Region:            r.Conn.Region,
	}
}

// Clients with the admin credentials of the connection.
func (r *Reconciler) admin(ctx context.Context) (openstack.Clients, error) {
	return r.Cloud.Clients(ctx, r.connection(), nil)
}

// Clients scoped to the tenant project with the generated tenant user.
func (r *Reconciler) scoped(ctx context.Context, tenant models.Tenant) (openstack.Clients, error) {
	if tenant.BackendID == "" {
		return openstack.Clients{}, fmt.Errorf("tenant %s has no backend project yet", tenant.ID)
	}
	return r.Cloud.Clients(ctx, r.connection(), &openstack.TenantCredentials{
		ProjectID:    tenant.BackendID,
		Username:     tenant.UserUsername,
		Password:     tenant.UserPassword,
		UserDomainID: r.Conn.DomainID,
	})
}

// External network used for routers and floating ips of the tenant.
func (r *Reconciler) externalNetworkID(tenant models.Tenant) string {
	if tenant.ExternalNetworkID != "" {
		return tenant.ExternalNetworkID
	}
	return r.Conn.ExternalNetworkID
}

func (r *Reconciler) failed(operation string, err error) error {
	r.monitor.countError(operation)
	return err
}

func (r *Reconciler) event(t events.EventType, res models.Resource, details map[string]any) events.Event {
	return events.Event{
		Type:         t,
		Kind:         res.Kind(),
		ResourceID:   res.GetID(),
		ResourceName: res.GetName(),
		TenantID:     res.GetTenantID(),
		State:        string(res.GetLifecycle().State),
		Context:      details,
		Time:         r.now(),
	}
}

func (r *Reconciler) emit(evts ...events.Event) {
	if r.Events == nil {
		return
	}
	for _, e := range evts {
		r.Events.Emit(e)
	}
}

// Run fn in a transaction and emit the events it produced once the
// transaction is committed.
func (r *Reconciler) inTransaction(fn func(tx *gorp.Transaction) ([]events.Event, error)) error {
	var evts []events.Event
	err := r.DB.InTransaction(func(tx *gorp.Transaction) error {
		var err error
		evts, err = fn(tx)
		return err
	})
	if err != nil {
		return err
	}
	r.emit(evts...)
	return nil
}

// Persist changed columns of a record after a successful backend call.
func (r *Reconciler) save(res models.Resource) error {
	res.Touch(r.now())
	if _, err := r.DB.Update(res); err != nil {
		return fmt.Errorf("failed to save %s %s: %w", res.Kind(), res.GetID(), err)
	}
	return nil
}

// Insert a new record.
func (r *Reconciler) insert(exec gorp.SqlExecutor, res models.Resource) error {
	if err := exec.Insert(res); err != nil {
		return fmt.Errorf("failed to insert %s %s: %w", res.Kind(), res.GetName(), err)
	}
	return nil
}

// Load a resource by kind and id.
func (r *Reconciler) Load(kind, id string) (models.Resource, error) {
	res, err := models.NewResource(kind)
	if err != nil {
		return nil, err
	}
	if err := r.DB.SelectOne(res, "SELECT * FROM "+res.TableName()+" WHERE id = :id", map[string]any{"id": id}); err != nil {
		return nil, fmt.Errorf("failed to load %s %s: %w", kind, id, err)
	}
	return res, nil
}

// Load the tenant with the given local id.
func (r *Reconciler) Tenant(id string) (models.Tenant, error) {
	var tenant models.Tenant
	err := r.DB.SelectOne(&tenant, "SELECT * FROM tenants WHERE id = :id", map[string]any{"id": id})
	if err != nil {
		return tenant, fmt.Errorf("failed to load tenant %s: %w", id, err)
	}
	return tenant, nil
}

// Move a resource into a new state, following the lifecycle state machine.
// The change is conditional on the current state, so a concurrent change
// makes this fail with a TransitionError.
func (r *Reconciler) SetState(res models.Resource, to models.State, message string) error {
	lifecycle := res.GetLifecycle()
	from := lifecycle.State
	if from == to && to.IsStable() {
		return nil
	}
	if !from.CanTransitionTo(to) {
		return &models.TransitionError{Kind: res.Kind(), ID: res.GetID(), From: from, To: to}
	}
	return r.setState(res, []models.State{from}, to, message)
}

// Move a resource into a new state from whatever state it is in. Used by
// administrative cleanups.
func (r *Reconciler) ForceState(res models.Resource, to models.State, message string) error {
	return r.setState(res, []models.State{res.GetLifecycle().State}, to, message)
}

func (r *Reconciler) setState(res models.Resource, from []models.State, to models.State, message string) error {
	lifecycle := res.GetLifecycle()
	previous := lifecycle.State
	now := r.now()
	ok, err := models.SetStateIf(r.DB, res.TableName(), res.GetID(), from, to, message, now)
	if err != nil {
		return err
	}
	if !ok {
		return &models.TransitionError{Kind: res.Kind(), ID: res.GetID(), From: previous, To: to}
	}
	lifecycle.State = to
	lifecycle.ErrorMessage = message
	res.Touch(now)
	details := map[string]any{"from": string(previous)}
	if message != "" {
		details["error_message"] = message
	}
	r.emit(r.event(events.StateChanged, res, details))
	slog.Info("backend: state changed", "kind", res.Kind(), "id", res.GetID(), "from", previous, "to", to)
	return nil
}

// Remove the local record of a resource whose backend object is gone.
func (r *Reconciler) Forget(res models.Resource) error {
	if tenant, ok := res.(*models.Tenant); ok {
		return r.forgetTenant(tenant)
	}
	err := r.inTransaction(func(tx *gorp.Transaction) ([]events.Event, error) {
		if err := forgetChildren(tx, res); err != nil {
			return nil, err
		}
		if _, err := tx.Delete(res); err != nil {
			return nil, fmt.Errorf("failed to delete %s %s: %w", res.Kind(), res.GetID(), err)
		}
		return []events.Event{r.event(events.Deleted, res, nil)}, nil
	})
	return err
}

// Rows owned by a resource that have no lifecycle of their own.
func forgetChildren(tx gorp.SqlExecutor, res models.Resource) error {
	params := map[string]any{"id": res.GetID()}
	var queries []string
	switch res.(type) {
	case *models.SecurityGroup:
		queries = []string{"DELETE FROM security_group_rules WHERE security_group_id = :id"}
	case *models.Instance:
		queries = []string{
			"DELETE FROM backup_schedules WHERE instance_id = :id",
			"UPDATE volumes SET instance_id = '', device = '' WHERE instance_id = :id",
			"UPDATE ports SET instance_id = '' WHERE instance_id = :id",
		}
	case *models.Volume:
		queries = []string{"DELETE FROM snapshot_schedules WHERE volume_id = :id"}
	case *models.Port:
		queries = []string{"UPDATE floating_ips SET port_id = '' WHERE port_id = :id"}
	}
	for _, q := range queries {
		if _, err := tx.Exec(q, params); err != nil {
			return fmt.Errorf("failed to clean up after %s %s: %w", res.Kind(), res.GetID(), err)
		}
	}
	return nil
}

func (r *Reconciler) forgetTenant(tenant *models.Tenant) error {
	return r.inTransaction(func(tx *gorp.Transaction) ([]events.Event, error) {
		params := map[string]any{"id": tenant.ID}
		queries := []string{
			"DELETE FROM security_group_rules WHERE security_group_id IN (SELECT id FROM security_groups WHERE tenant_id = :id)",
			"DELETE FROM quota_entries WHERE tenant_id = :id",
			"DELETE FROM backup_schedules WHERE tenant_id = :id",
			"DELETE FROM snapshot_schedules WHERE tenant_id = :id",
			"DELETE FROM catalog_links WHERE tenant_id = :id",
		}
		for _, table := range models.TenantResourceTables() {
			queries = append(queries, "DELETE FROM "+table+" WHERE tenant_id = :id")
		}
		for _, q := range queries {
			if _, err := tx.Exec(q, params); err != nil {
				return nil, fmt.Errorf("failed to remove records of tenant %s: %w", tenant.ID, err)
			}
		}
		if _, err := tx.Delete(tenant); err != nil {
			return nil, fmt.Errorf("failed to delete tenant %s: %w", tenant.ID, err)
		}
		if err := removeOrphanedCatalog(tx, tenant.ServiceConnectionID); err != nil {
			return nil, err
		}
		return []events.Event{r.event(events.Deleted, tenant, nil)}, nil
	})
}

// Factory that hands out reconcilers per service connection.
type Factory struct {
	DB      *db.DB
	Cloud   openstack.Cloud
	Quotas  *quotas.Registry
	Events  events.Emitter
	Config  conf.ExecutorsConfig
	Monitor Monitor

	lock        sync.Mutex
	reconcilers map[string]*Reconciler
}

// Reconciler for the service connection with the given id.
func (f *Factory) ForConnection(connID string) (*Reconciler, error) {
	f.lock.Lock()
	defer f.lock.Unlock()
	if rec, ok := f.reconcilers[connID]; ok {
		return rec, nil
	}
	var conn models.ServiceConnection
	err := f.DB.SelectOne(&conn, "SELECT * FROM service_connections WHERE id = :id", map[string]any{"id": connID})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("unknown service connection %s", connID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load service connection %s: %w", connID, err)
	}
	if f.reconcilers == nil {
		f.reconcilers = map[string]*Reconciler{}
	}
	rec := NewReconciler(f.DB, f.Cloud, conn, f.Quotas, f.Events, f.Config, f.Monitor)
	f.reconcilers[connID] = rec
	return rec, nil
}

// Reconciler for the connection of a tenant, together with the tenant.
func (f *Factory) ForTenant(tenantID string) (*Reconciler, models.Tenant, error) {
	var tenant models.Tenant
	err := f.DB.SelectOne(&tenant, "SELECT * FROM tenants WHERE id = :id", map[string]any{"id": tenantID})
	if err != nil {
		return nil, tenant, fmt.Errorf("failed to load tenant %s: %w", tenantID, err)
	}
	rec, err := f.ForConnection(tenant.ServiceConnectionID)
	return rec, tenant, err
}

// Drop the cached reconciler of a connection, e.g. after its credentials changed.
func (f *Factory) Forget(connID string) {
	f.lock.Lock()
	defer f.lock.Unlock()
	delete(f.reconcilers, connID)
}
