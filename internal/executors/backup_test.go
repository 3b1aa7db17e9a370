// Copyright 2025 SAP SE
// SPDX-License-Identifier: Apache-2.0

package executors

import (
	"errors"
	"testing"

	"github.com/cobaltcore-dev/cirrus/internal/backend"
	"github.com/cobaltcore-dev/cirrus/internal/models"
)

// Back up an instance and return the backup with its snapshots.
func (e *testEnv) createBackup(t *testing.T, inst models.Instance, name string) (models.Backup, []models.Snapshot) {
	t.Helper()
	chain, err := e.exec.CreateBackup(BackupRequest{InstanceID: inst.ID, Name: name})
	e.runAll(t, chain, err)
	var backup models.Backup
	if err := e.exec.DB.SelectOne(&backup, "SELECT * FROM backups WHERE id = :id", map[string]any{"id": chain.ResourceID}); err != nil {
		t.Fatal(err)
	}
	var snapshots []models.Snapshot
	_, err = e.exec.DB.Select(&snapshots, "SELECT * FROM snapshots WHERE backup_id = :id ORDER BY created_at, id", map[string]any{"id": backup.ID})
	if err != nil {
		t.Fatal(err)
	}
	return backup, snapshots
}

func TestCreateBackup(t *testing.T) {
	env := setupTestEnv(t)
	tenant := env.createTenant(t, "alpha")
	inst, data := env.createInstance(t, tenant, "web")
	env.cloud.ResetCalls()

	backup, snapshots := env.createBackup(t, inst, "nightly")

	if backup.State != models.StateOK {
		t.Fatalf("expected backup OK, got %s: %s", backup.State, backup.ErrorMessage)
	}
	if n := env.cloud.CountCalls("blockstorage.CreateSnapshot"); n != 2 {
		t.Errorf("expected one backend snapshot per volume, got %d", n)
	}
	if len(snapshots) != 2 {
		t.Fatalf("expected two snapshots, got %d", len(snapshots))
	}
	sources := map[string]bool{}
	for _, s := range snapshots {
		if s.State != models.StateOK || s.BackendID == "" {
			t.Errorf("expected snapshot %s to be created, got %s", s.Name, s.State)
		}
		sources[s.SourceVolumeID] = true
	}
	if !sources[data.ID] || len(sources) != 2 {
		t.Errorf("expected snapshots of the system and the data volume, got %v", sources)
	}
	if len(env.cloud.Snapshots(tenant.BackendID)) != 2 {
		t.Errorf("expected two backend snapshots, got %d", len(env.cloud.Snapshots(tenant.BackendID)))
	}

	meta := backup.Metadata
	if meta.FlavorName != "m1.small" || len(meta.SubNetIDs) != 1 {
		t.Errorf("unexpected backup metadata %+v", meta)
	}
	var bootable int
	for _, v := range meta.Volumes {
		if v.Bootable {
			bootable++
		}
	}
	if len(meta.Volumes) != 2 || bootable != 1 {
		t.Errorf("expected two volumes with one bootable in the metadata, got %+v", meta.Volumes)
	}
	if got := env.instance(t, inst.ID); got.State != models.StateOK {
		t.Errorf("expected the instance to stay OK, got %s", got.State)
	}
}

func TestCreateBackupValidation(t *testing.T) {
	env := setupTestEnv(t)
	tenant := env.createTenant(t, "alpha")
	inst, _ := env.createInstance(t, tenant, "web")

	_, err := env.exec.CreateBackup(BackupRequest{InstanceID: inst.ID, Name: " "})
	var validationErr *backend.ValidationError
	if !errors.As(err, &validationErr) {
		t.Errorf("expected a validation error for an empty name, got %v", err)
	}
	if n := countRows(t, env, "SELECT COUNT(*) FROM snapshots", nil); n != 0 {
		t.Errorf("expected no snapshots after a rejected backup, got %d", n)
	}
}

func TestDeleteBackup(t *testing.T) {
	env := setupTestEnv(t)
	tenant := env.createTenant(t, "alpha")
	inst, _ := env.createInstance(t, tenant, "web")
	backup, snapshots := env.createBackup(t, inst, "nightly")
	env.cloud.ResetCalls()

	chain, err := env.exec.DeleteBackup(backup.ID)
	if err != nil {
		t.Fatal(err)
	}
	// the admission schedules the snapshots together with the backup
	for _, s := range snapshots {
		var state string
		if err := env.exec.DB.SelectOne(&state, "SELECT state FROM snapshots WHERE id = :id", map[string]any{"id": s.ID}); err != nil {
			t.Fatal(err)
		}
		if models.State(state) != models.StateDeletionScheduled {
			t.Errorf("expected snapshot %s to be scheduled for deletion, got %s", s.Name, state)
		}
	}
	if _, err := env.exec.CreateSnapshot(SnapshotRequest{VolumeID: snapshots[0].SourceVolumeID, Name: "other"}); err != nil {
		t.Errorf("expected the source volume to stay usable, got %v", err)
	}
	env.runAll(t, chain, nil)

	if n := env.cloud.CountCalls("blockstorage.DeleteSnapshot"); n != 2 {
		t.Errorf("expected two snapshot deletions, got %d", n)
	}
	params := map[string]any{"id": backup.ID}
	if n := countRows(t, env, "SELECT COUNT(*) FROM backups WHERE id = :id", params); n != 0 {
		t.Error("expected the backup record to be removed")
	}
	if n := countRows(t, env, "SELECT COUNT(*) FROM snapshots WHERE backup_id = :id", params); n != 0 {
		t.Errorf("expected the backup snapshots to be removed, got %d", n)
	}
	// only the unrelated snapshot is left
	if n := len(env.cloud.Snapshots(tenant.BackendID)); n != 1 {
		t.Errorf("expected one backend snapshot left, got %d", n)
	}
}

func TestRestoreBackup(t *testing.T) {
	env := setupTestEnv(t)
	tenant := env.createTenant(t, "alpha")
	inst, _ := env.createInstance(t, tenant, "web")
	backup, snapshots := env.createBackup(t, inst, "nightly")
	env.cloud.ResetCalls()

	chain, err := env.exec.RestoreBackup(RestoreRequest{BackupID: backup.ID, Name: "web-restored"})
	env.runAll(t, chain, err)

	restored := env.instance(t, chain.ResourceID)
	if restored.State != models.StateOK || restored.BackendID == "" {
		t.Fatalf("expected a running restored instance, got %s: %s", restored.State, restored.ErrorMessage)
	}
	if restored.ID == inst.ID || restored.FlavorName != "m1.small" {
		t.Errorf("unexpected restored instance %+v", restored)
	}
	if n := env.cloud.CountCalls("compute.CreateServer"); n != 1 {
		t.Errorf("expected one server to be created, got %d", n)
	}
	var volumes []models.Volume
	_, err = env.exec.DB.Select(&volumes, "SELECT * FROM volumes WHERE instance_id = :id", map[string]any{"id": restored.ID})
	if err != nil {
		t.Fatal(err)
	}
	if len(volumes) != 2 {
		t.Fatalf("expected two restored volumes, got %d", len(volumes))
	}
	bySnapshot := map[string]models.Snapshot{}
	for _, s := range snapshots {
		bySnapshot[s.ID] = s
	}
	for _, v := range volumes {
		s, ok := bySnapshot[v.SourceSnapshotID]
		if !ok {
			t.Errorf("expected volume %s to come from a backup snapshot, got %q", v.Name, v.SourceSnapshotID)
			continue
		}
		if v.Size != s.Size || v.State != models.StateOK {
			t.Errorf("expected OK volume %s of %d MB, got %d MB in %s", v.Name, s.Size, v.Size, v.State)
		}
		remote, ok := env.cloud.Volume(v.BackendID)
		if !ok || remote.SnapshotID != s.BackendID {
			t.Errorf("expected backend volume of %s from snapshot %s, got %+v", v.Name, s.BackendID, remote)
		}
	}
	// the source instance is untouched
	if got := env.instance(t, inst.ID); got.State != models.StateOK {
		t.Errorf("expected the source instance to stay OK, got %s", got.State)
	}
}

func TestRestoreBackupNotReady(t *testing.T) {
	env := setupTestEnv(t)
	tenant := env.createTenant(t, "alpha")
	inst, _ := env.createInstance(t, tenant, "web")
	backup, _ := env.createBackup(t, inst, "nightly")
	if _, err := env.exec.DeleteBackup(backup.ID); err != nil {
		t.Fatal(err)
	}

	_, err := env.exec.RestoreBackup(RestoreRequest{BackupID: backup.ID, Name: "too-late"})
	var conflictErr *backend.ConflictError
	if !errors.As(err, &conflictErr) {
		t.Errorf("expected a backup scheduled for deletion to be rejected, got %v", err)
	}
}
