// Copyright 2025 SAP SE
// SPDX-License-Identifier: Apache-2.0

package executors

import (
	"strings"
	"testing"

	"github.com/cobaltcore-dev/cirrus/internal/models"
)

func TestDeleteTenant(t *testing.T) {
	env := setupTestEnv(t)
	tenant := env.createTenant(t, "alpha")
	_, data := env.createInstance(t, tenant, "web")
	chain, err := env.exec.CreateFloatingIP(FloatingIPRequest{TenantID: tenant.ID})
	env.mustSucceed(t, chain, err)
	chain, err = env.exec.CreateSnapshot(SnapshotRequest{VolumeID: data.ID, Name: "data-snap"})
	env.mustSucceed(t, chain, err)
	chain, err = env.exec.CreateServerGroup(ServerGroupRequest{TenantID: tenant.ID, Name: "spread", Policy: "anti-affinity"})
	env.mustSucceed(t, chain, err)
	env.cloud.ResetCalls()

	chain, err = env.exec.DeleteTenant(tenant.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got := env.tenant(t, tenant.ID); got.State != models.StateDeletionScheduled {
		t.Fatalf("expected the tenant to be scheduled for deletion, got %s", got.State)
	}
	env.runAll(t, chain, nil)

	// Dependents go first, the project last.
	order := []string{
		"network.DeleteFloatingIP",
		"network.DeletePort",
		"network.RemoveRouterInterface",
		"network.DeleteRouter",
		"network.DeleteNetwork",
		"network.DeleteSecurityGroup",
		"blockstorage.DeleteSnapshot",
		"compute.DeleteServer",
		"blockstorage.DeleteVolume",
		"compute.DeleteServerGroup",
		"identity.DeleteUser",
		"identity.DeleteProject",
	}
	calls := env.cloud.Calls("")
	last := -1
	for _, op := range order {
		first := -1
		for i, call := range calls {
			if strings.HasPrefix(call, op+" ") {
				first = i
				break
			}
		}
		if first < 0 {
			t.Errorf("expected a call of %s", op)
			continue
		}
		if first < last {
			t.Errorf("expected %s after %s", op, calls[last])
		}
		last = first
	}

	if n := countRows(t, env, "SELECT COUNT(*) FROM tenants WHERE id = :id", map[string]any{"id": tenant.ID}); n != 0 {
		t.Error("expected the tenant record to be removed")
	}
	for _, table := range models.TenantResourceTables() {
		if n := countRows(t, env, "SELECT COUNT(*) FROM "+table+" WHERE tenant_id = :id", map[string]any{"id": tenant.ID}); n != 0 {
			t.Errorf("expected no %s left, got %d", table, n)
		}
	}
	if _, ok := env.cloud.Project(tenant.BackendID); ok {
		t.Error("expected the project to be deleted")
	}
	if _, ok := env.cloud.User(tenant.UserBackendID); ok {
		t.Error("expected the tenant user to be deleted")
	}
	if n := len(env.cloud.Servers(tenant.BackendID)) + len(env.cloud.Volumes(tenant.BackendID)) + len(env.cloud.Snapshots(tenant.BackendID)); n != 0 {
		t.Errorf("expected no compute or storage objects left, got %d", n)
	}
}

func TestDeleteTenantWithoutProject(t *testing.T) {
	env := setupTestEnv(t)
	tenant := env.createTenant(t, "alpha")
	// the project creation never went through
	_, err := env.exec.DB.Exec("UPDATE tenants SET backend_id = '' WHERE id = :id", map[string]any{"id": tenant.ID})
	if err != nil {
		t.Fatal(err)
	}
	env.cloud.ResetCalls()

	chain, err := env.exec.DeleteTenant(tenant.ID)
	env.runAll(t, chain, err)

	if n := len(env.cloud.Calls("network.")) + len(env.cloud.Calls("compute.")) + len(env.cloud.Calls("blockstorage.")); n != 0 {
		t.Errorf("expected no resource teardown without a project, got %v", env.cloud.Calls(""))
	}
	if n := countRows(t, env, "SELECT COUNT(*) FROM tenants WHERE id = :id", map[string]any{"id": tenant.ID}); n != 0 {
		t.Error("expected the tenant record to be removed")
	}
}
