// Copyright 2025 SAP SE
// SPDX-License-Identifier: Apache-2.0

package executors

import (
	"context"
	"strconv"
	"time"

	"github.com/cobaltcore-dev/cirrus/internal/backend"
	"github.com/cobaltcore-dev/cirrus/internal/models"
	"github.com/cobaltcore-dev/cirrus/internal/tasks"
	"github.com/go-gorp/gorp"
	"github.com/majewsky/gg/option"
)

// Request to create a volume. Sizes are in MB.
type VolumeRequest struct {
	TenantID         string
	Name             string
	Description      string
	Size             int64
	VolumeType       string
	AvailabilityZone string
	ImageID          string
	SourceSnapshotID string
	// Instance to attach the volume to once it is available.
	AttachTo option.Option[string]
	Device   option.Option[string]
}

type VolumeUpdate struct {
	Name        option.Option[string]
	Description option.Option[string]
}

// Put a throttle in front of the chain, so that it waits for a
// provisioning slot of its service connection.
func throttled(chain *tasks.Chain) *tasks.Chain {
	chain.Steps = append(models.JSONList[tasks.Step]{tasks.Throttle()}, chain.Steps...)
	return chain
}

func (e *Executor) CreateVolume(req VolumeRequest) (*tasks.Chain, error) {
	rec, tenant, err := e.readyTenant(req.TenantID)
	if err != nil {
		return nil, err
	}
	volume := &models.Volume{
		TenantRef:        models.TenantRef{TenantID: tenant.ID},
		Description:      req.Description,
		Size:             req.Size,
		VolumeType:       req.VolumeType,
		AvailabilityZone: req.AvailabilityZone,
		ImageID:          req.ImageID,
		SourceSnapshotID: req.SourceSnapshotID,
		Bootable:         req.ImageID != "",
	}
	volume.Name = req.Name
	volume.Init(e.now())
	if volume.Name == "" {
		return nil, invalid("volume name must not be empty")
	}
	if volume.AvailabilityZone == "" {
		volume.AvailabilityZone = tenant.AvailabilityZone
	}

	if err := e.checkVolumeType(rec, tenant, volume.VolumeType); err != nil {
		return nil, err
	}
	var snapshot *models.Snapshot
	if req.SourceSnapshotID != "" {
		snapshot, err = loadAs[*models.Snapshot](e.DB, models.KindSnapshot, req.SourceSnapshotID)
		if err != nil {
			return nil, err
		}
		if volume.Size == 0 {
			volume.Size = snapshot.Size
		}
		if volume.Size < snapshot.Size {
			return nil, invalid("volume size %d MB is smaller than snapshot %s (%d MB)", volume.Size, snapshot.Name, snapshot.Size)
		}
	}
	var instance *models.Instance
	if instanceID, ok := req.AttachTo.Unpack(); ok {
		instance, err = loadAs[*models.Instance](e.DB, models.KindInstance, instanceID)
		if err != nil {
			return nil, err
		}
	}

	ref := refOf(volume)
	steps := []tasks.Step{
		tasks.Direct(opCreateVolume, ref, nil),
		pollAvailable(opVolumeState, ref),
	}
	if instance != nil {
		steps = append(steps,
			tasks.Direct(opAttachVolume, ref, tasks.Params{paramInstanceID: instance.ID, paramDevice: req.Device.UnwrapOr("")}),
			pollInUse(ref),
		)
	}
	chain := throttled(lifecycleChain("create_volume", tenant, volume, models.StateCreating, steps...))
	return e.admit(admission{
		res:    volume,
		to:     models.StateCreationScheduled,
		insert: true,
		chain:  chain,
		prepare: func(tx *gorp.Transaction) error {
			if snapshot != nil {
				if err := requireReady(snapshot, tenant); err != nil {
					return err
				}
			}
			if instance != nil {
				if err := requireReady(instance, tenant); err != nil {
					return err
				}
			}
			return backend.AdmitVolume(tx, tenant.ID, volume.Size)
		},
	})
}

// Create a volume from a snapshot. Without size the volume gets the size
// of the snapshot.
func (e *Executor) RestoreSnapshot(snapshotID, name string, size option.Option[int64]) (*tasks.Chain, error) {
	snapshot, err := loadAs[*models.Snapshot](e.DB, models.KindSnapshot, snapshotID)
	if err != nil {
		return nil, err
	}
	return e.CreateVolume(VolumeRequest{
		TenantID:         snapshot.TenantID,
		Name:             name,
		Description:      "restored from snapshot " + snapshot.Name,
		Size:             size.UnwrapOr(snapshot.Size),
		SourceSnapshotID: snapshot.ID,
	})
}

func (e *Executor) checkVolumeType(rec *backend.Reconciler, tenant models.Tenant, name string) error {
	if name == "" {
		return nil
	}
	types, err := backend.CatalogOf[models.VolumeType](rec.DB, "volume_types", models.CatalogVolumeType, tenant.ID)
	if err != nil {
		return err
	}
	for _, t := range types {
		if t.Name == name {
			return nil
		}
	}
	return invalid("volume type %q is not available for tenant %s", name, tenant.Name)
}

func (e *Executor) UpdateVolume(id string, update VolumeUpdate) (*tasks.Chain, error) {
	volume, err := loadAs[*models.Volume](e.DB, models.KindVolume, id)
	if err != nil {
		return nil, err
	}
	columns := map[string]any{}
	if name, ok := update.Name.Unpack(); ok {
		columns["name"] = name
	}
	if description, ok := update.Description.Unpack(); ok {
		columns["description"] = description
	}
	return e.updateSimple("update_volume", volume, columns, nil, tasks.Direct(opUpdateVolume, refOf(volume), nil))
}

// Extend a volume to a new size in MB. An attached volume is detached for
// the extension and reattached to the same device afterwards.
func (e *Executor) ExtendVolume(id string, newSize int64) (*tasks.Chain, error) {
	volume, err := loadAs[*models.Volume](e.DB, models.KindVolume, id)
	if err != nil {
		return nil, err
	}
	if backend.MBToGB(newSize) <= backend.MBToGB(volume.Size) {
		return nil, invalid("new size %d MB of volume %s must be larger than the current size %d MB", newSize, volume.Name, volume.Size)
	}
	ref := refOf(volume)
	size := tasks.Params{paramSize: strconv.FormatInt(newSize, 10)}
	var steps []tasks.Step
	if volume.InstanceID != "" {
		if volume.Bootable {
			return nil, invalid("boot volume %s cannot be extended while its instance exists", volume.Name)
		}
		instance, err := loadAs[*models.Instance](e.DB, models.KindInstance, volume.InstanceID)
		if err != nil {
			return nil, err
		}
		if !instance.State.IsStable() {
			return nil, conflict(instance)
		}
		steps = append(steps,
			tasks.Direct(opDetachVolume, ref, nil),
			pollAvailable(opVolumeState, ref),
			tasks.Direct(opExtendVolume, ref, size),
			pollAvailable(opVolumeState, ref),
			tasks.Direct(opAttachVolume, ref, tasks.Params{paramInstanceID: instance.ID, paramDevice: volume.Device}),
			pollInUse(ref),
		)
	} else {
		steps = append(steps,
			tasks.Direct(opExtendVolume, ref, size),
			pollAvailable(opVolumeState, ref),
		)
	}
	return e.updateSimple("extend_volume", volume, nil, func(tx *gorp.Transaction, _ *backend.Reconciler, _ models.Tenant) error {
		return backend.AdmitVolumeExtension(tx, *volume, newSize)
	}, steps...)
}

// Attach a volume to an instance of the same tenant. Without device nova
// chooses one.
func (e *Executor) AttachVolume(volumeID, instanceID string, device option.Option[string]) (*tasks.Chain, error) {
	volume, err := loadAs[*models.Volume](e.DB, models.KindVolume, volumeID)
	if err != nil {
		return nil, err
	}
	if volume.InstanceID != "" {
		return nil, invalid("volume %s is attached already", volume.Name)
	}
	instance, err := loadAs[*models.Instance](e.DB, models.KindInstance, instanceID)
	if err != nil {
		return nil, err
	}
	ref := refOf(volume)
	return e.updateSimple("attach_volume", volume, nil, func(_ *gorp.Transaction, _ *backend.Reconciler, tenant models.Tenant) error {
		return requireReady(instance, tenant)
	},
		tasks.Direct(opAttachVolume, ref, tasks.Params{paramInstanceID: instance.ID, paramDevice: device.UnwrapOr("")}),
		pollInUse(ref),
	)
}

func (e *Executor) DetachVolume(id string) (*tasks.Chain, error) {
	volume, err := loadAs[*models.Volume](e.DB, models.KindVolume, id)
	if err != nil {
		return nil, err
	}
	if volume.InstanceID == "" {
		return nil, invalid("volume %s is not attached", volume.Name)
	}
	if volume.Bootable {
		return nil, invalid("boot volume %s cannot be detached", volume.Name)
	}
	ref := refOf(volume)
	return e.updateSimple("detach_volume", volume, nil, nil,
		tasks.Direct(opDetachVolume, ref, nil),
		pollAvailable(opVolumeState, ref),
	)
}

// Delete a volume that is not attached.
func (e *Executor) DeleteVolume(id string) (*tasks.Chain, error) {
	volume, err := loadAs[*models.Volume](e.DB, models.KindVolume, id)
	if err != nil {
		return nil, err
	}
	if volume.InstanceID != "" {
		return nil, invalid("volume %s is attached to instance %s", volume.Name, volume.InstanceID)
	}
	ref := refOf(volume)
	return e.deleteSimple("delete_volume", volume, false, nil,
		tasks.Direct(opDeleteVolume, ref, nil),
		tasks.PollUntilGone(opVolumeState, ref),
		tasks.Direct(opPullQuotas, ref, nil),
	)
}

func (e *Executor) attachVolume(ctx context.Context, rec *backend.Reconciler, tenant models.Tenant, volume *models.Volume, step tasks.Step) error {
	instance, err := loadAs[*models.Instance](e.DB, models.KindInstance, step.Param(paramInstanceID))
	if err != nil {
		return err
	}
	return rec.AttachVolume(ctx, tenant, volume, *instance, step.Param(paramDevice))
}

////////////////////////////////////////////////////////////////////////////////
// snapshots

type SnapshotRequest struct {
	VolumeID    string
	Name        string
	Description string
	// Zero to keep the snapshot until it is deleted.
	KeptUntil  time.Time
	ScheduleID string
}

func (e *Executor) CreateSnapshot(req SnapshotRequest) (*tasks.Chain, error) {
	volume, err := loadAs[*models.Volume](e.DB, models.KindVolume, req.VolumeID)
	if err != nil {
		return nil, err
	}
	snapshot := &models.Snapshot{
		TenantRef:          models.TenantRef{TenantID: volume.TenantID},
		SourceVolumeID:     volume.ID,
		Description:        req.Description,
		Size:               volume.Size,
		KeptUntil:          req.KeptUntil,
		SnapshotScheduleID: req.ScheduleID,
	}
	snapshot.Name = req.Name
	snapshot.Init(e.now())
	ref := refOf(snapshot)
	return e.createSimple("create_snapshot", snapshot, opCreateSnapshot, func(tx *gorp.Transaction, _ *backend.Reconciler, tenant models.Tenant) error {
		if err := requireReady(volume, tenant); err != nil {
			return err
		}
		return backend.AdmitSnapshot(tx, *volume)
	}, pollAvailable(opSnapshotState, ref))
}

// Delete a snapshot that is not part of a backup.
func (e *Executor) DeleteSnapshot(id string) (*tasks.Chain, error) {
	snapshot, err := loadAs[*models.Snapshot](e.DB, models.KindSnapshot, id)
	if err != nil {
		return nil, err
	}
	if snapshot.BackupID != "" {
		return nil, invalid("snapshot %s belongs to backup %s", snapshot.Name, snapshot.BackupID)
	}
	return e.deleteSnapshot(snapshot)
}

func (e *Executor) deleteSnapshot(snapshot *models.Snapshot) (*tasks.Chain, error) {
	ref := refOf(snapshot)
	return e.deleteSimple("delete_snapshot", snapshot, false, func(tx *gorp.Transaction, _ *backend.Reconciler, _ models.Tenant) error {
		n, err := countWhere(tx, "volumes", "source_snapshot_id = :id AND state IN (:creating, :scheduled)",
			map[string]any{"id": snapshot.ID, "creating": string(models.StateCreating), "scheduled": string(models.StateCreationScheduled)})
		if err != nil {
			return err
		}
		if n > 0 {
			return invalid("snapshot %s is being restored", snapshot.Name)
		}
		return nil
	},
		tasks.Direct(opDeleteSnapshot, ref, nil),
		tasks.PollUntilGone(opSnapshotState, ref),
		tasks.Direct(opPullQuotas, ref, nil),
	)
}
