// Copyright 2025 SAP SE
// SPDX-License-Identifier: Apache-2.0

package backend

import (
	"context"
	"fmt"

	"github.com/cobaltcore-dev/cirrus/internal/events"
	"github.com/cobaltcore-dev/cirrus/internal/models"
	"github.com/cobaltcore-dev/cirrus/internal/openstack"
	"github.com/cobaltcore-dev/cirrus/internal/quotas"
	"github.com/go-gorp/gorp"
)

// Check the quota of a new snapshot of the volume and account it.
func AdmitSnapshot(exec gorp.SqlExecutor, volume models.Volume) error {
	return ReserveQuota(exec, volume.TenantID, map[quotas.Dimension]int64{
		quotas.Snapshots: 1,
		quotas.Storage:   GBToMB(MBToGB(volume.Size)),
	})
}

// Create a snapshot of the source volume. Attached volumes are
// snapshotted with force.
func (r *Reconciler) CreateSnapshot(ctx context.Context, tenant models.Tenant, snapshot *models.Snapshot) error {
	var volume models.Volume
	if err := r.DB.SelectOne(&volume, "SELECT * FROM volumes WHERE id = :id", map[string]any{"id": snapshot.SourceVolumeID}); err != nil {
		return fmt.Errorf("failed to load source volume of snapshot %s: %w", snapshot.ID, err)
	}
	clients, err := r.scoped(ctx, tenant)
	if err != nil {
		return err
	}
	remote, err := clients.BlockStorage.CreateSnapshot(ctx, openstack.SnapshotSpec{
		VolumeID:    volume.BackendID,
		Name:        snapshot.Name,
		Description: snapshot.Description,
		Force:       volume.InstanceID != "" || volume.RuntimeState == "in-use",
	})
	if err != nil {
		return r.failed("create_snapshot", err)
	}
	snapshot.BackendID = remote.ID
	applySnapshot(newChanges(snapshot), snapshot, remote, nil)
	if err := r.save(snapshot); err != nil {
		return err
	}
	r.emit(r.event(events.Created, snapshot, map[string]any{"size": snapshot.Size}))
	return nil
}

func applySnapshot(c *changes, local *models.Snapshot, remote openstack.Snapshot, volumes map[string]string) []string {
	set(c, "name", &local.Name, remote.Name)
	set(c, "runtime_state", &local.RuntimeState, remote.Status)
	set(c, "size", &local.Size, GBToMB(remote.Size))
	if id, ok := volumes[remote.VolumeID]; ok {
		set(c, "source_volume_id", &local.SourceVolumeID, id)
	}
	return c.columns
}

func (r *Reconciler) DeleteSnapshot(ctx context.Context, tenant models.Tenant, snapshot *models.Snapshot) error {
	if snapshot.BackendID == "" {
		return nil
	}
	clients, err := r.scoped(ctx, tenant)
	if err != nil {
		return err
	}
	if err := clients.BlockStorage.DeleteSnapshot(ctx, snapshot.BackendID); err != nil && !openstack.IsNotFound(err) {
		return r.failed("delete_snapshot", err)
	}
	return nil
}

// Delete every snapshot of the tenant project.
func (r *Reconciler) DeleteSnapshots(ctx context.Context, tenant models.Tenant) error {
	clients, err := r.scoped(ctx, tenant)
	if err != nil {
		return err
	}
	remotes, err := clients.BlockStorage.ListSnapshots(ctx)
	if err != nil {
		return r.failed("list_snapshots", err)
	}
	for _, s := range remotes {
		if err := clients.BlockStorage.DeleteSnapshot(ctx, s.ID); err != nil && !openstack.IsNotFound(err) {
			return r.failed("delete_snapshot", err)
		}
	}
	return nil
}

// Pull one snapshot and return its runtime state.
func (r *Reconciler) PullSnapshot(ctx context.Context, tenant models.Tenant, snapshot *models.Snapshot) (string, error) {
	clients, err := r.scoped(ctx, tenant)
	if err != nil {
		return "", err
	}
	remote, err := clients.BlockStorage.GetSnapshot(ctx, snapshot.BackendID)
	if err != nil {
		return "", r.failed("pull_snapshot", err)
	}
	c := newChanges(snapshot)
	if changed := applySnapshot(c, snapshot, remote, nil); len(changed) > 0 {
		if err := r.save(snapshot); err != nil {
			return "", err
		}
	}
	return remote.Status, nil
}

func (r *Reconciler) IsSnapshotDeleted(ctx context.Context, tenant models.Tenant, snapshot models.Snapshot) openstack.Probe {
	clients, err := r.scoped(ctx, tenant)
	if err != nil {
		return openstack.Probe{Result: openstack.ProbeError, Err: err}
	}
	return openstack.ProbeWith(ctx, snapshot.BackendID, clients.BlockStorage.GetSnapshot)
}

func (r *Reconciler) PullSnapshots(ctx context.Context, tenant models.Tenant) error {
	clients, err := r.scoped(ctx, tenant)
	if err != nil {
		return err
	}
	remotes, err := clients.BlockStorage.ListSnapshots(ctx)
	if err != nil {
		return r.failed("pull_snapshots", err)
	}
	return r.inTransaction(func(tx *gorp.Transaction) ([]events.Event, error) {
		volumes, err := backendIDs(tx, "volumes", tenant.ID)
		if err != nil {
			return nil, err
		}
		locals, err := selectTenant[models.Snapshot](tx, "snapshots", tenant.ID)
		if err != nil {
			return nil, err
		}
		return reconcile(r, tx, reconcileSpec[*models.Snapshot, openstack.Snapshot]{
			kind:     models.KindSnapshot,
			locals:   locals,
			remotes:  remotes,
			remoteID: func(s openstack.Snapshot) string { return s.ID },
			newLocal: func(s openstack.Snapshot) (*models.Snapshot, error) {
				local := &models.Snapshot{TenantRef: models.TenantRef{TenantID: tenant.ID}, Description: s.Description}
				local.Init(r.now())
				applySnapshot(newChanges(local), local, s, volumes)
				return local, nil
			},
			update: func(l *models.Snapshot, s openstack.Snapshot) []string {
				return applySnapshot(newChanges(l), l, s, volumes)
			},
		})
	})
}

func (r *Reconciler) GetImportableSnapshots(ctx context.Context, tenant models.Tenant) ([]openstack.Snapshot, error) {
	clients, err := r.scoped(ctx, tenant)
	if err != nil {
		return nil, err
	}
	remotes, err := clients.BlockStorage.ListSnapshots(ctx)
	if err != nil {
		return nil, r.failed("list_snapshots", err)
	}
	locals, err := selectTenant[models.Snapshot](r.DB, "snapshots", tenant.ID)
	if err != nil {
		return nil, err
	}
	return importable(locals, remotes, func(s openstack.Snapshot) string { return s.ID }), nil
}

// Number of snapshots left in the tenant project.
func (r *Reconciler) RemainingSnapshots(ctx context.Context, tenant models.Tenant) (int, error) {
	clients, err := r.scoped(ctx, tenant)
	if err != nil {
		return 0, err
	}
	remotes, err := clients.BlockStorage.ListSnapshots(ctx)
	if err != nil {
		return 0, r.failed("list_snapshots", err)
	}
	return len(remotes), nil
}
