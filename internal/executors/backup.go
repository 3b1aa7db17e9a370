// Copyright 2025 SAP SE
// SPDX-License-Identifier: Apache-2.0

package executors

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/cobaltcore-dev/cirrus/internal/backend"
	"github.com/cobaltcore-dev/cirrus/internal/models"
	"github.com/cobaltcore-dev/cirrus/internal/tasks"
	"github.com/go-gorp/gorp"
)

type BackupRequest struct {
	InstanceID  string
	Name        string
	Description string
	// Zero to keep the backup until it is deleted.
	KeptUntil  time.Time
	ScheduleID string
}

// Snapshot all volumes of an instance. The backup records what is needed
// to restore the instance.
func (e *Executor) CreateBackup(req BackupRequest) (*tasks.Chain, error) {
	if strings.TrimSpace(req.Name) == "" {
		return nil, invalid("backup name must not be empty")
	}
	inst, err := loadAs[*models.Instance](e.DB, models.KindInstance, req.InstanceID)
	if err != nil {
		return nil, err
	}
	_, tenant, err := e.readyTenant(inst.TenantID)
	if err != nil {
		return nil, err
	}
	if err := requireReady(inst, tenant); err != nil {
		return nil, err
	}
	params := map[string]any{"id": inst.ID}
	var volumes []*models.Volume
	if _, err := e.DB.Select(&volumes, "SELECT * FROM volumes WHERE instance_id = :id ORDER BY bootable DESC, device, id", params); err != nil {
		return nil, fmt.Errorf("failed to select volumes of instance %s: %w", inst.ID, err)
	}
	if len(volumes) == 0 {
		return nil, invalid("instance %s has no volumes", inst.Name)
	}
	var subnetIDs []string
	if _, err := e.DB.Select(&subnetIDs, "SELECT subnet_id FROM ports WHERE instance_id = :id AND subnet_id <> '' ORDER BY created_at, id", params); err != nil {
		return nil, fmt.Errorf("failed to select subnets of instance %s: %w", inst.ID, err)
	}

	now := e.now()
	backup := &models.Backup{
		TenantRef:        models.TenantRef{TenantID: tenant.ID},
		InstanceID:       inst.ID,
		BackupScheduleID: req.ScheduleID,
		Description:      req.Description,
		KeptUntil:        req.KeptUntil,
		Metadata: models.BackupMetadata{
			FlavorName:       inst.FlavorName,
			ImageID:          inst.ImageID,
			AvailabilityZone: inst.AvailabilityZone,
			ServerGroupID:    inst.ServerGroupID,
			SecurityGroupIDs: inst.SecurityGroupIDs,
			SubNetIDs:        slices.Compact(subnetIDs),
			SSHPublicKey:     inst.SSHPublicKey,
			UserData:         inst.UserData,
		},
	}
	backup.Name = req.Name
	backup.Init(now)

	ref := refOf(backup)
	var snapshots []*models.Snapshot
	var branches [][]tasks.Step
	var failure []tasks.Step
	for _, v := range volumes {
		snapshot := &models.Snapshot{
			TenantRef:      models.TenantRef{TenantID: tenant.ID},
			SourceVolumeID: v.ID,
			Description:    "backup " + backup.Name,
			Size:           v.Size,
			KeptUntil:      req.KeptUntil,
			BackupID:       backup.ID,
		}
		snapshot.Name = backup.Name + "-" + v.Name
		snapshot.Init(now)
		snapshots = append(snapshots, snapshot)
		backup.Metadata.Volumes = append(backup.Metadata.Volumes, models.BackupVolume{
			VolumeID:   v.ID,
			Size:       v.Size,
			Bootable:   v.Bootable,
			Device:     v.Device,
			VolumeType: v.VolumeType,
		})
		branches = append(branches, createSteps(snapshot, opCreateSnapshot, pollAvailable(opSnapshotState, refOf(snapshot))))
		failure = append(failure, tasks.Fail(refOf(snapshot)))
	}

	chain := tasks.NewChain("create_backup", tenant.ServiceConnectionID, ref).
		Then(
			tasks.Transition(ref, models.StateCreating),
			tasks.Group(branches...),
		).
		OnSuccessDo(tasks.Transition(ref, models.StateOK)).
		OnFailureDo(append([]tasks.Step{tasks.Fail(ref)}, failure...)...)
	return e.admit(admission{
		res:    backup,
		to:     models.StateCreationScheduled,
		insert: true,
		chain:  chain,
		prepare: func(tx *gorp.Transaction) error {
			for i, v := range volumes {
				if err := requireReady(v, tenant); err != nil {
					return err
				}
				if err := backend.AdmitSnapshot(tx, *v); err != nil {
					return err
				}
				snapshots[i].State = models.StateCreationScheduled
				if err := tx.Insert(snapshots[i]); err != nil {
					return fmt.Errorf("failed to insert snapshot %s: %w", snapshots[i].Name, err)
				}
			}
			return nil
		},
	})
}

// Delete a backup with all its snapshots.
func (e *Executor) DeleteBackup(id string) (*tasks.Chain, error) {
	backup, err := loadAs[*models.Backup](e.DB, models.KindBackup, id)
	if err != nil {
		return nil, err
	}
	_, tenant, err := e.Backends.ForTenant(backup.TenantID)
	if err != nil {
		return nil, err
	}
	snapshots, err := backupSnapshots(e.DB, backup.ID)
	if err != nil {
		return nil, err
	}
	var branches [][]tasks.Step
	var failure []tasks.Step
	for _, s := range snapshots {
		r := refOf(s)
		branches = append(branches, []tasks.Step{
			tasks.Transition(r, models.StateDeleting),
			tasks.Direct(opDeleteSnapshot, r, nil),
			tasks.PollUntilGone(opSnapshotState, r),
			tasks.Direct(opForget, r, nil),
		})
		failure = append(failure, tasks.Fail(r))
	}
	ref := refOf(backup)
	var steps []tasks.Step
	if len(branches) > 0 {
		steps = append(steps, tasks.Group(branches...), tasks.Direct(opPullQuotas, ref, nil))
	}
	chain := deletionChain("delete_backup", tenant, backup, steps...).OnFailureDo(failure...)
	return e.admit(admission{
		res:   backup,
		to:    models.StateDeletionScheduled,
		chain: chain,
		prepare: func(tx *gorp.Transaction) error {
			now := e.now()
			for _, s := range snapshots {
				if err := schedule(tx, s, models.StateDeletionScheduled, false, now); err != nil {
					return err
				}
			}
			return nil
		},
	})
}

func backupSnapshots(exec gorp.SqlExecutor, backupID string) ([]*models.Snapshot, error) {
	var snapshots []*models.Snapshot
	_, err := exec.Select(&snapshots, "SELECT * FROM snapshots WHERE backup_id = :id ORDER BY created_at, id", map[string]any{"id": backupID})
	if err != nil {
		return nil, fmt.Errorf("failed to select snapshots of backup %s: %w", backupID, err)
	}
	return snapshots, nil
}

// Options of a backup restore. Empty fields fall back to the values of
// the backed up instance.
type RestoreRequest struct {
	BackupID   string
	Name       string
	FlavorName string
	SubNetIDs  []string
}

// Create a new instance from the snapshots of a backup.
func (e *Executor) RestoreBackup(req RestoreRequest) (*tasks.Chain, error) {
	backup, err := loadAs[*models.Backup](e.DB, models.KindBackup, req.BackupID)
	if err != nil {
		return nil, err
	}
	if backup.State != models.StateOK {
		return nil, conflict(backup)
	}
	rec, tenant, err := e.readyTenant(backup.TenantID)
	if err != nil {
		return nil, err
	}
	snapshots, err := backupSnapshots(e.DB, backup.ID)
	if err != nil {
		return nil, err
	}
	bySource := map[string]*models.Snapshot{}
	for _, s := range snapshots {
		bySource[s.SourceVolumeID] = s
	}

	meta := backup.Metadata
	instReq := InstanceRequest{
		TenantID:         tenant.ID,
		Name:             req.Name,
		Description:      "restored from backup " + backup.Name,
		FlavorName:       meta.FlavorName,
		ImageID:          meta.ImageID,
		SubNetIDs:        meta.SubNetIDs,
		SecurityGroupIDs: meta.SecurityGroupIDs,
		ServerGroupID:    meta.ServerGroupID,
		SSHPublicKey:     meta.SSHPublicKey,
		UserData:         meta.UserData,
		AvailabilityZone: meta.AvailabilityZone,
	}
	if req.FlavorName != "" {
		instReq.FlavorName = req.FlavorName
	}
	if len(req.SubNetIDs) > 0 {
		instReq.SubNetIDs = req.SubNetIDs
	}
	for _, v := range meta.Volumes {
		s, ok := bySource[v.VolumeID]
		if !ok {
			return nil, invalid("backup %s has no snapshot of volume %s", backup.Name, v.VolumeID)
		}
		if v.Bootable && instReq.SystemSnapshotID == "" {
			instReq.SystemSnapshotID = s.ID
			instReq.SystemVolumeSize = s.Size
			instReq.SystemVolumeType = v.VolumeType
			continue
		}
		instReq.DataVolumes = append(instReq.DataVolumes, VolumeSpec{Size: s.Size, Type: v.VolumeType, SourceSnapshotID: s.ID})
	}
	if instReq.SystemSnapshotID == "" {
		return nil, invalid("backup %s has no bootable volume", backup.Name)
	}
	plan, err := e.planInstance(rec, tenant, instReq)
	if err != nil {
		return nil, err
	}
	return e.submitInstance(rec, tenant, plan, "restore_backup")
}
