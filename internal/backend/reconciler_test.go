// Copyright 2025 SAP SE
// SPDX-License-Identifier: Apache-2.0

package backend

import (
	"errors"
	"testing"
	"time"

	"github.com/cobaltcore-dev/cirrus/internal/conf"
	"github.com/cobaltcore-dev/cirrus/internal/events"
	"github.com/cobaltcore-dev/cirrus/internal/models"
	"github.com/cobaltcore-dev/cirrus/internal/quotas"
	testlibDB "github.com/cobaltcore-dev/cirrus/testlib/db"
	testlibEvents "github.com/cobaltcore-dev/cirrus/testlib/events"
	testlibOpenStack "github.com/cobaltcore-dev/cirrus/testlib/openstack"
)

type testEnv struct {
	r      *Reconciler
	cloud  *testlibOpenStack.FakeCloud
	events *testlibEvents.Recorder
	tenant models.Tenant
}

// Set up a reconciler against the fake cloud with one provisioned tenant
// that has quotas, but no network yet.
func setupTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dbEnv := testlibDB.SetupDBEnv(t)
	t.Cleanup(dbEnv.Close)
	if err := models.CreateTables(dbEnv.DB); err != nil {
		t.Fatal(err)
	}
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	conn := models.ServiceConnection{
		DomainID:          "default",
		ExternalNetworkID: testlibOpenStack.ExternalNetworkID,
	}
	conn.Init(now)
	conn.Name = "default"
	if err := dbEnv.Insert(&conn); err != nil {
		t.Fatal(err)
	}
	cloud := testlibOpenStack.NewFakeCloud()
	recorder := &testlibEvents.Recorder{}
	r := NewReconciler(dbEnv.DB, cloud, conn, quotas.NewRegistry(), recorder, conf.ExecutorsConfig{}, Monitor{})
	r.timeNow = func() time.Time { return now }

	tenant := &models.Tenant{ServiceConnectionID: conn.ID}
	tenant.Init(now)
	tenant.Name = "alpha"
	tenant.State = models.StateCreating
	if err := dbEnv.Insert(tenant); err != nil {
		t.Fatal(err)
	}
	if err := r.InitQuotas(dbEnv.DB, tenant.ID); err != nil {
		t.Fatal(err)
	}
	if err := r.CreateTenant(t.Context(), tenant); err != nil {
		t.Fatal(err)
	}
	if err := r.CreateTenantUser(t.Context(), tenant); err != nil {
		t.Fatal(err)
	}
	if err := r.SetState(tenant, models.StateOK, ""); err != nil {
		t.Fatal(err)
	}
	cloud.ResetCalls()
	recorder.Reset()
	return &testEnv{r: r, cloud: cloud, events: recorder, tenant: *tenant}
}

// Insert a new local record in the given state.
func (e *testEnv) insert(t *testing.T, res models.Resource, name string, state models.State) {
	t.Helper()
	type initer interface{ Init(time.Time) }
	res.(initer).Init(e.r.now())
	switch v := res.(type) {
	case *models.Network:
		v.Name, v.TenantID = name, e.tenant.ID
	case *models.SubNet:
		v.Name, v.TenantID = name, e.tenant.ID
	case *models.Port:
		v.Name, v.TenantID = name, e.tenant.ID
	case *models.Router:
		v.Name, v.TenantID = name, e.tenant.ID
	case *models.SecurityGroup:
		v.Name, v.TenantID = name, e.tenant.ID
	case *models.ServerGroup:
		v.Name, v.TenantID = name, e.tenant.ID
	case *models.FloatingIP:
		v.Name, v.TenantID = name, e.tenant.ID
	case *models.Volume:
		v.Name, v.TenantID = name, e.tenant.ID
	case *models.Snapshot:
		v.Name, v.TenantID = name, e.tenant.ID
	case *models.Instance:
		v.Name, v.TenantID = name, e.tenant.ID
	default:
		t.Fatalf("unexpected resource %T", res)
	}
	res.GetLifecycle().State = state
	if err := e.r.DB.Insert(res); err != nil {
		t.Fatal(err)
	}
}

func TestSetState(t *testing.T) {
	env := setupTestEnv(t)
	network := &models.Network{}
	env.insert(t, network, "internal", models.StateOK)

	if err := env.r.SetState(network, models.StateDeletionScheduled, ""); err != nil {
		t.Fatalf("expected transition to succeed, got %v", err)
	}
	if network.State != models.StateDeletionScheduled {
		t.Errorf("expected the record to follow the transition, got %s", network.State)
	}
	var transition *models.TransitionError
	if err := env.r.SetState(network, models.StateCreating, ""); !errors.As(err, &transition) {
		t.Errorf("expected a transition error, got %v", err)
	}
	if err := env.r.SetState(network, models.StateErred, "boom"); err != nil {
		t.Fatal(err)
	}
	stored, err := env.r.Load(models.KindNetwork, network.ID)
	if err != nil {
		t.Fatal(err)
	}
	if lc := stored.GetLifecycle(); lc.State != models.StateErred || lc.ErrorMessage != "boom" {
		t.Errorf("expected ERRED with message, got %s %q", lc.State, lc.ErrorMessage)
	}
	changes := env.events.Of(models.KindNetwork, events.StateChanged)
	if len(changes) != 2 {
		t.Fatalf("expected 2 state changes, got %d", len(changes))
	}
	if changes[1].Context["from"] != string(models.StateDeletionScheduled) {
		t.Errorf("expected the previous state in the event, got %v", changes[1].Context)
	}
}

func TestForget_ClearsReferences(t *testing.T) {
	env := setupTestEnv(t)
	instance := &models.Instance{}
	env.insert(t, instance, "vm", models.StateDeleting)
	volume := &models.Volume{InstanceID: instance.ID, Device: "/dev/vdb"}
	env.insert(t, volume, "data", models.StateOK)

	if err := env.r.Forget(instance); err != nil {
		t.Fatal(err)
	}
	if _, err := env.r.Load(models.KindInstance, instance.ID); err == nil {
		t.Error("expected the instance record to be removed")
	}
	stored, err := env.r.Load(models.KindVolume, volume.ID)
	if err != nil {
		t.Fatal(err)
	}
	if v := stored.(*models.Volume); v.InstanceID != "" || v.Device != "" {
		t.Errorf("expected the volume to be detached locally, got %q %q", v.InstanceID, v.Device)
	}
	if len(env.events.Of(models.KindInstance, events.Deleted)) != 1 {
		t.Error("expected a deleted event")
	}
}
