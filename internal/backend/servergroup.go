// Copyright 2025 SAP SE
// SPDX-License-Identifier: Apache-2.0

package backend

import (
	"context"

	"github.com/cobaltcore-dev/cirrus/internal/events"
	"github.com/cobaltcore-dev/cirrus/internal/models"
	"github.com/cobaltcore-dev/cirrus/internal/openstack"
	"github.com/go-gorp/gorp"
)

var serverGroupPolicies = []string{"affinity", "anti-affinity", "soft-affinity", "soft-anti-affinity"}

func ValidateServerGroup(group models.ServerGroup) error {
	for _, p := range serverGroupPolicies {
		if p == group.PolicyName {
			return nil
		}
	}
	return invalid("unknown server group policy %q", group.PolicyName)
}

func (r *Reconciler) CreateServerGroup(ctx context.Context, tenant models.Tenant, group *models.ServerGroup) error {
	clients, err := r.scoped(ctx, tenant)
	if err != nil {
		return err
	}
	remote, err := clients.Compute.CreateServerGroup(ctx, group.Name, group.PolicyName)
	if err != nil {
		return r.failed("create_server_group", err)
	}
	group.BackendID = remote.ID
	applyServerGroup(newChanges(group), group, remote)
	if err := r.save(group); err != nil {
		return err
	}
	r.emit(r.event(events.Created, group, nil))
	return nil
}

func applyServerGroup(c *changes, local *models.ServerGroup, remote openstack.ServerGroup) []string {
	set(c, "name", &local.Name, remote.Name)
	set(c, "policy", &local.PolicyName, remote.Policy)
	set(c, "runtime_state", &local.RuntimeState, "ACTIVE")
	return c.columns
}

func (r *Reconciler) DeleteServerGroup(ctx context.Context, tenant models.Tenant, group *models.ServerGroup) error {
	if group.BackendID == "" {
		return nil
	}
	clients, err := r.scoped(ctx, tenant)
	if err != nil {
		return err
	}
	if err := clients.Compute.DeleteServerGroup(ctx, group.BackendID); err != nil && !openstack.IsNotFound(err) {
		return r.failed("delete_server_group", err)
	}
	return nil
}

func (r *Reconciler) DeleteServerGroups(ctx context.Context, tenant models.Tenant) error {
	clients, err := r.scoped(ctx, tenant)
	if err != nil {
		return err
	}
	remotes, err := clients.Compute.ListServerGroups(ctx)
	if err != nil {
		return r.failed("list_server_groups", err)
	}
	for _, g := range remotes {
		if err := clients.Compute.DeleteServerGroup(ctx, g.ID); err != nil && !openstack.IsNotFound(err) {
			return r.failed("delete_server_group", err)
		}
	}
	return nil
}

func (r *Reconciler) IsServerGroupDeleted(ctx context.Context, tenant models.Tenant, group models.ServerGroup) openstack.Probe {
	clients, err := r.scoped(ctx, tenant)
	if err != nil {
		return openstack.Probe{Result: openstack.ProbeError, Err: err}
	}
	return openstack.ProbeWith(ctx, group.BackendID, clients.Compute.GetServerGroup)
}

// Pull a single server group, e.g. after an instance joined it.
func (r *Reconciler) PullServerGroup(ctx context.Context, tenant models.Tenant, group *models.ServerGroup) error {
	clients, err := r.scoped(ctx, tenant)
	if err != nil {
		return err
	}
	remote, err := clients.Compute.GetServerGroup(ctx, group.BackendID)
	if err != nil {
		return r.failed("pull_server_group", err)
	}
	if !group.State.IsStable() {
		return nil
	}
	changed := applyServerGroup(newChanges(group), group, remote)
	if len(changed) == 0 {
		return nil
	}
	if err := r.save(group); err != nil {
		return err
	}
	r.emit(r.event(events.Pulled, group, map[string]any{"fields": changed, "members": len(remote.Members)}))
	return nil
}

func (r *Reconciler) PullServerGroups(ctx context.Context, tenant models.Tenant) error {
	clients, err := r.scoped(ctx, tenant)
	if err != nil {
		return err
	}
	remotes, err := clients.Compute.ListServerGroups(ctx)
	if err != nil {
		return r.failed("pull_server_groups", err)
	}
	return r.inTransaction(func(tx *gorp.Transaction) ([]events.Event, error) {
		locals, err := selectTenant[models.ServerGroup](tx, "server_groups", tenant.ID)
		if err != nil {
			return nil, err
		}
		return reconcile(r, tx, reconcileSpec[*models.ServerGroup, openstack.ServerGroup]{
			kind:     models.KindServerGroup,
			locals:   locals,
			remotes:  remotes,
			remoteID: func(g openstack.ServerGroup) string { return g.ID },
			newLocal: func(g openstack.ServerGroup) (*models.ServerGroup, error) {
				local := &models.ServerGroup{TenantRef: models.TenantRef{TenantID: tenant.ID}}
				local.Init(r.now())
				applyServerGroup(newChanges(local), local, g)
				return local, nil
			},
			update: func(l *models.ServerGroup, g openstack.ServerGroup) []string {
				return applyServerGroup(newChanges(l), l, g)
			},
		})
	})
}

func (r *Reconciler) GetImportableServerGroups(ctx context.Context, tenant models.Tenant) ([]openstack.ServerGroup, error) {
	clients, err := r.scoped(ctx, tenant)
	if err != nil {
		return nil, err
	}
	remotes, err := clients.Compute.ListServerGroups(ctx)
	if err != nil {
		return nil, r.failed("list_server_groups", err)
	}
	locals, err := selectTenant[models.ServerGroup](r.DB, "server_groups", tenant.ID)
	if err != nil {
		return nil, err
	}
	return importable(locals, remotes, func(g openstack.ServerGroup) string { return g.ID }), nil
}
