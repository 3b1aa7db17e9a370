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

// Check the quota of a new volume and account it. Sizes are in MB.
func AdmitVolume(exec gorp.SqlExecutor, tenantID string, size int64) error {
	if size <= 0 {
		return invalid("volume size must be positive")
	}
	return ReserveQuota(exec, tenantID, map[quotas.Dimension]int64{
		quotas.Volumes: 1,
		quotas.Storage: GBToMB(MBToGB(size)),
	})
}

// Check that a volume can be extended to the new size and account the
// additional storage.
func AdmitVolumeExtension(exec gorp.SqlExecutor, volume models.Volume, newSize int64) error {
	if MBToGB(newSize) <= MBToGB(volume.Size) {
		return invalid("new size %d MB of volume %s must be larger than the current size %d MB", newSize, volume.Name, volume.Size)
	}
	return ReserveQuota(exec, volume.TenantID, map[quotas.Dimension]int64{
		quotas.Storage: GBToMB(MBToGB(newSize)) - GBToMB(MBToGB(volume.Size)),
	})
}

func (r *Reconciler) CreateVolume(ctx context.Context, tenant models.Tenant, volume *models.Volume) error {
	clients, err := r.scoped(ctx, tenant)
	if err != nil {
		return err
	}
	spec := openstack.VolumeSpec{
		Name:             volume.Name,
		Description:      volume.Description,
		Size:             MBToGB(volume.Size),
		VolumeType:       volume.VolumeType,
		AvailabilityZone: volume.AvailabilityZone,
		ImageID:          volume.ImageID,
	}
	if spec.VolumeType == "" {
		spec.VolumeType = tenant.DefaultVolumeTypeName
	}
	if volume.SourceSnapshotID != "" {
		var snapshot models.Snapshot
		if err := r.DB.SelectOne(&snapshot, "SELECT * FROM snapshots WHERE id = :id", map[string]any{"id": volume.SourceSnapshotID}); err != nil {
			return fmt.Errorf("failed to load source snapshot of volume %s: %w", volume.ID, err)
		}
		spec.SnapshotID = snapshot.BackendID
	}
	remote, err := clients.BlockStorage.CreateVolume(ctx, spec)
	if err != nil {
		return r.failed("create_volume", err)
	}
	volume.BackendID = remote.ID
	applyVolume(newChanges(volume), volume, remote, nil)
	if err := r.save(volume); err != nil {
		return err
	}
	r.emit(r.event(events.Created, volume, map[string]any{"size": volume.Size}))
	return nil
}

// Copy remote fields. instances maps backend to local instance ids;
// without it the attachment is left alone. A volume bound to an instance
// without device is waiting for the server create and keeps its binding.
func applyVolume(c *changes, local *models.Volume, remote openstack.Volume, instances map[string]string) []string {
	set(c, "name", &local.Name, remote.Name)
	set(c, "runtime_state", &local.RuntimeState, remote.Status)
	set(c, "size", &local.Size, GBToMB(remote.Size))
	set(c, "bootable", &local.Bootable, remote.IsBootable())
	set(c, "volume_type", &local.VolumeType, remote.VolumeType)
	set(c, "availability_zone", &local.AvailabilityZone, remote.AvailabilityZone)
	set(c, "image_id", &local.ImageID, remote.ImageMetadata.ImageID)
	switch {
	case instances == nil:
	case len(remote.Attachments) > 0:
		set(c, "instance_id", &local.InstanceID, instances[remote.Attachments[0].ServerID])
		set(c, "device", &local.Device, remote.Attachments[0].Device)
	case local.Device != "":
		set(c, "instance_id", &local.InstanceID, "")
		set(c, "device", &local.Device, "")
	}
	return c.columns
}

func (r *Reconciler) UpdateVolume(ctx context.Context, tenant models.Tenant, volume *models.Volume) error {
	clients, err := r.scoped(ctx, tenant)
	if err != nil {
		return err
	}
	if _, err := clients.BlockStorage.UpdateVolume(ctx, volume.BackendID, volume.Name, volume.Description); err != nil {
		return r.failed("update_volume", err)
	}
	if err := r.save(volume); err != nil {
		return err
	}
	r.emit(r.event(events.Updated, volume, nil))
	return nil
}

func (r *Reconciler) DeleteVolume(ctx context.Context, tenant models.Tenant, volume *models.Volume) error {
	if volume.BackendID == "" {
		return nil
	}
	clients, err := r.scoped(ctx, tenant)
	if err != nil {
		return err
	}
	if err := clients.BlockStorage.DeleteVolume(ctx, volume.BackendID); err != nil && !openstack.IsNotFound(err) {
		return r.failed("delete_volume", err)
	}
	return nil
}

// Delete every volume of the tenant project.
func (r *Reconciler) DeleteVolumes(ctx context.Context, tenant models.Tenant) error {
	clients, err := r.scoped(ctx, tenant)
	if err != nil {
		return err
	}
	remotes, err := clients.BlockStorage.ListVolumes(ctx)
	if err != nil {
		return r.failed("list_volumes", err)
	}
	for _, v := range remotes {
		if err := clients.BlockStorage.DeleteVolume(ctx, v.ID); err != nil && !openstack.IsNotFound(err) {
			return r.failed("delete_volume", err)
		}
	}
	return nil
}

// Extend the volume to the new size in MB.
func (r *Reconciler) ExtendVolume(ctx context.Context, tenant models.Tenant, volume *models.Volume, newSize int64) error {
	if MBToGB(newSize) <= MBToGB(volume.Size) {
		return invalid("new size %d MB of volume %s must be larger than the current size %d MB", newSize, volume.Name, volume.Size)
	}
	clients, err := r.scoped(ctx, tenant)
	if err != nil {
		return err
	}
	if err := clients.BlockStorage.ExtendVolume(ctx, volume.BackendID, MBToGB(newSize)); err != nil {
		return r.failed("extend_volume", err)
	}
	old := volume.Size
	volume.Size = GBToMB(MBToGB(newSize))
	if err := r.save(volume); err != nil {
		return err
	}
	r.emit(r.event(events.Updated, volume, map[string]any{"old_size": old, "size": volume.Size}))
	return nil
}

// Attach the volume to the instance. An empty device lets nova choose.
func (r *Reconciler) AttachVolume(ctx context.Context, tenant models.Tenant, volume *models.Volume, instance models.Instance, device string) error {
	clients, err := r.scoped(ctx, tenant)
	if err != nil {
		return err
	}
	attachment, err := clients.Compute.AttachVolume(ctx, instance.BackendID, volume.BackendID, device)
	if err != nil {
		return r.failed("attach_volume", err)
	}
	volume.InstanceID = instance.ID
	volume.Device = attachment.Device
	if err := r.save(volume); err != nil {
		return err
	}
	r.emit(r.event(events.Updated, volume, map[string]any{"instance_id": instance.ID, "device": attachment.Device}))
	return nil
}

// Detach the volume from its instance. A missing attachment is success.
func (r *Reconciler) DetachVolume(ctx context.Context, tenant models.Tenant, volume *models.Volume) error {
	if volume.InstanceID == "" {
		return nil
	}
	var instance models.Instance
	if err := r.DB.SelectOne(&instance, "SELECT * FROM instances WHERE id = :id", map[string]any{"id": volume.InstanceID}); err != nil {
		return fmt.Errorf("failed to load instance of volume %s: %w", volume.ID, err)
	}
	clients, err := r.scoped(ctx, tenant)
	if err != nil {
		return err
	}
	err = clients.Compute.DetachVolume(ctx, instance.BackendID, volume.BackendID)
	if err != nil && !openstack.IsNotFound(err) {
		return r.failed("detach_volume", err)
	}
	volume.InstanceID = ""
	volume.Device = ""
	if err := r.save(volume); err != nil {
		return err
	}
	r.emit(r.event(events.Updated, volume, map[string]any{"instance_id": ""}))
	return nil
}

// Pull one volume and return its runtime state. Called by the operation
// that owns the record, so all pulled fields are copied.
func (r *Reconciler) PullVolume(ctx context.Context, tenant models.Tenant, volume *models.Volume) (string, error) {
	clients, err := r.scoped(ctx, tenant)
	if err != nil {
		return "", err
	}
	remote, err := clients.BlockStorage.GetVolume(ctx, volume.BackendID)
	if err != nil {
		return "", r.failed("pull_volume", err)
	}
	c := newChanges(volume)
	instances, err := backendIDs(r.DB, "instances", tenant.ID)
	if err != nil {
		return "", err
	}
	if changed := applyVolume(c, volume, remote, instances); len(changed) > 0 {
		if err := r.save(volume); err != nil {
			return "", err
		}
	}
	return remote.Status, nil
}

func (r *Reconciler) IsVolumeDeleted(ctx context.Context, tenant models.Tenant, volume models.Volume) openstack.Probe {
	clients, err := r.scoped(ctx, tenant)
	if err != nil {
		return openstack.Probe{Result: openstack.ProbeError, Err: err}
	}
	return openstack.ProbeWith(ctx, volume.BackendID, clients.BlockStorage.GetVolume)
}

func (r *Reconciler) PullVolumes(ctx context.Context, tenant models.Tenant) error {
	clients, err := r.scoped(ctx, tenant)
	if err != nil {
		return err
	}
	remotes, err := clients.BlockStorage.ListVolumes(ctx)
	if err != nil {
		return r.failed("pull_volumes", err)
	}
	return r.inTransaction(func(tx *gorp.Transaction) ([]events.Event, error) {
		instances, err := backendIDs(tx, "instances", tenant.ID)
		if err != nil {
			return nil, err
		}
		locals, err := selectTenant[models.Volume](tx, "volumes", tenant.ID)
		if err != nil {
			return nil, err
		}
		return reconcile(r, tx, reconcileSpec[*models.Volume, openstack.Volume]{
			kind:     models.KindVolume,
			locals:   locals,
			remotes:  remotes,
			remoteID: func(v openstack.Volume) string { return v.ID },
			newLocal: func(v openstack.Volume) (*models.Volume, error) {
				local := &models.Volume{TenantRef: models.TenantRef{TenantID: tenant.ID}, Description: v.Description}
				local.Init(r.now())
				applyVolume(newChanges(local), local, v, instances)
				return local, nil
			},
			update: func(l *models.Volume, v openstack.Volume) []string {
				return applyVolume(newChanges(l), l, v, instances)
			},
		})
	})
}

func (r *Reconciler) GetImportableVolumes(ctx context.Context, tenant models.Tenant) ([]openstack.Volume, error) {
	locals, remotes, err := r.volumes(ctx, tenant)
	if err != nil {
		return nil, err
	}
	return importable(locals, remotes, func(v openstack.Volume) string { return v.ID }), nil
}

func (r *Reconciler) GetExpiredVolumes(ctx context.Context, tenant models.Tenant) ([]*models.Volume, error) {
	locals, remotes, err := r.volumes(ctx, tenant)
	if err != nil {
		return nil, err
	}
	return expired(locals, remotes, func(v openstack.Volume) string { return v.ID }), nil
}

func (r *Reconciler) volumes(ctx context.Context, tenant models.Tenant) ([]*models.Volume, []openstack.Volume, error) {
	clients, err := r.scoped(ctx, tenant)
	if err != nil {
		return nil, nil, err
	}
	remotes, err := clients.BlockStorage.ListVolumes(ctx)
	if err != nil {
		return nil, nil, r.failed("list_volumes", err)
	}
	locals, err := selectTenant[models.Volume](r.DB, "volumes", tenant.ID)
	return locals, remotes, err
}

// Number of volumes left in the tenant project.
func (r *Reconciler) RemainingVolumes(ctx context.Context, tenant models.Tenant) (int, error) {
	clients, err := r.scoped(ctx, tenant)
	if err != nil {
		return 0, err
	}
	remotes, err := clients.BlockStorage.ListVolumes(ctx)
	if err != nil {
		return 0, r.failed("list_volumes", err)
	}
	return len(remotes), nil
}
