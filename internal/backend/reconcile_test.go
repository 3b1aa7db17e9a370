// Copyright 2025 SAP SE
// SPDX-License-Identifier: Apache-2.0

package backend

import (
	"testing"
	"time"

	"github.com/cobaltcore-dev/cirrus/internal/events"
	"github.com/cobaltcore-dev/cirrus/internal/models"
	"github.com/cobaltcore-dev/cirrus/internal/openstack"
	"github.com/go-gorp/gorp"
)

func (e *testEnv) adminClients(t *testing.T) openstack.Clients {
	t.Helper()
	clients, err := e.cloud.Clients(t.Context(), e.r.connection(), nil)
	if err != nil {
		t.Fatal(err)
	}
	return clients
}

func TestPullNetworks_ImportsAndCleans(t *testing.T) {
	env := setupTestEnv(t)
	ctx := t.Context()
	admin := env.adminClients(t)
	remote, err := admin.Network.CreateNetwork(ctx, openstack.NetworkSpec{Name: "outside", ProjectID: env.tenant.BackendID})
	if err != nil {
		t.Fatal(err)
	}

	if err := env.r.PullNetworks(ctx, env.tenant); err != nil {
		t.Fatal(err)
	}
	imported := env.events.Of(models.KindNetwork, events.Imported)
	if len(imported) != 1 {
		t.Fatalf("expected one imported network, got %d", len(imported))
	}
	local, err := env.r.Load(models.KindNetwork, imported[0].ResourceID)
	if err != nil {
		t.Fatal(err)
	}
	network := local.(*models.Network)
	if network.BackendID != remote.ID || network.Name != "outside" || network.State != models.StateOK {
		t.Errorf("unexpected imported network %+v", network)
	}

	// A second pull without remote changes is silent.
	env.events.Reset()
	if err := env.r.PullNetworks(ctx, env.tenant); err != nil {
		t.Fatal(err)
	}
	if evts := env.events.Events(); len(evts) != 0 {
		t.Errorf("expected no events, got %v", evts)
	}

	if err := admin.Network.DeleteNetwork(ctx, remote.ID); err != nil {
		t.Fatal(err)
	}
	if err := env.r.PullNetworks(ctx, env.tenant); err != nil {
		t.Fatal(err)
	}
	if len(env.events.Of(models.KindNetwork, events.Cleaned)) != 1 {
		t.Error("expected the stale network to be cleaned")
	}
	if _, err := env.r.Load(models.KindNetwork, network.ID); err == nil {
		t.Error("expected the stale network record to be removed")
	}
}

func TestPull_SkipsNonStableRecords(t *testing.T) {
	env := setupTestEnv(t)
	ctx := t.Context()
	network := &models.Network{}
	env.insert(t, network, "internal", models.StateCreating)
	if err := env.r.CreateNetwork(ctx, env.tenant, network); err != nil {
		t.Fatal(err)
	}
	// The running update owns the name until it is done.
	network.Name = "renamed"
	if err := env.r.save(network); err != nil {
		t.Fatal(err)
	}
	if err := env.r.SetState(network, models.StateOK, ""); err != nil {
		t.Fatal(err)
	}
	if err := env.r.SetState(network, models.StateUpdateScheduled, ""); err != nil {
		t.Fatal(err)
	}

	if err := env.r.PullNetworks(ctx, env.tenant); err != nil {
		t.Fatal(err)
	}
	stored, err := env.r.Load(models.KindNetwork, network.ID)
	if err != nil {
		t.Fatal(err)
	}
	if name := stored.GetName(); name != "renamed" {
		t.Errorf("expected the pull to leave the name alone, got %q", name)
	}

	// A vanished remote does not remove a record that is being worked on.
	admin := env.adminClients(t)
	if err := admin.Network.DeleteNetwork(ctx, network.BackendID); err != nil {
		t.Fatal(err)
	}
	if err := env.r.PullNetworks(ctx, env.tenant); err != nil {
		t.Fatal(err)
	}
	if _, err := env.r.Load(models.KindNetwork, network.ID); err != nil {
		t.Errorf("expected the non-stable record to survive, got %v", err)
	}
}

func TestPullFloatingIPs_PreservesUserName(t *testing.T) {
	env := setupTestEnv(t)
	ctx := t.Context()
	named := env.cloud.AddFloatingIP(env.tenant.BackendID, "172.24.4.10", "")
	unnamed := env.cloud.AddFloatingIP(env.tenant.BackendID, "172.24.4.11", "")

	if err := env.r.PullFloatingIPs(ctx, env.tenant); err != nil {
		t.Fatal(err)
	}
	fips, err := selectTenant[models.FloatingIP](env.r.DB, "floating_ips", env.tenant.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(fips) != 2 {
		t.Fatalf("expected 2 floating ips, got %d", len(fips))
	}
	for _, fip := range fips {
		if fip.Name != fip.Address {
			t.Errorf("expected imported floating ip to be named by address, got %q", fip.Name)
		}
		if fip.BackendID == named.ID {
			fip.Name = "web"
			if err := env.r.save(fip); err != nil {
				t.Fatal(err)
			}
		}
	}

	if err := env.r.PullFloatingIPs(ctx, env.tenant); err != nil {
		t.Fatal(err)
	}
	fips, err = selectTenant[models.FloatingIP](env.r.DB, "floating_ips", env.tenant.ID)
	if err != nil {
		t.Fatal(err)
	}
	for _, fip := range fips {
		switch fip.BackendID {
		case named.ID:
			if fip.Name != "web" {
				t.Errorf("expected the user defined name to survive, got %q", fip.Name)
			}
		case unnamed.ID:
			if fip.Name != "172.24.4.11" {
				t.Errorf("expected the name to follow the address, got %q", fip.Name)
			}
		}
	}
}

func TestPullFloatingIPs_SkipsBooked(t *testing.T) {
	env := setupTestEnv(t)
	ctx := t.Context()
	env.cloud.AddFloatingIP(env.tenant.BackendID, "172.24.4.20", "")
	if err := env.r.PullFloatingIPs(ctx, env.tenant); err != nil {
		t.Fatal(err)
	}
	fips, err := selectTenant[models.FloatingIP](env.r.DB, "floating_ips", env.tenant.ID)
	if err != nil || len(fips) != 1 {
		t.Fatalf("expected one floating ip, got %d (%v)", len(fips), err)
	}
	fip := fips[0]
	now := env.r.now()
	if err := BookFloatingIPs(env.r.DB, "instance-1", []string{fip.ID}, now.Add(30*time.Minute), now); err != nil {
		t.Fatal(err)
	}
	if err := BookFloatingIPs(env.r.DB, "instance-2", []string{fip.ID}, now.Add(30*time.Minute), now); !isValidation(err) {
		t.Errorf("expected a second booking to be rejected, got %v", err)
	}

	// The pull leaves the booking alone while it is valid.
	if err := env.r.PullFloatingIPs(ctx, env.tenant); err != nil {
		t.Fatal(err)
	}
	var stored models.FloatingIP
	if err := env.r.DB.SelectOne(&stored, "SELECT * FROM floating_ips WHERE id = :id", map[string]any{"id": fip.ID}); err != nil {
		t.Fatal(err)
	}
	if stored.BookedBy != "instance-1" {
		t.Errorf("expected the booking to be kept, got %q", stored.BookedBy)
	}

	// An expired booking is dropped by the next pull.
	env.r.timeNow = func() time.Time { return now.Add(time.Hour) }
	if err := env.r.PullFloatingIPs(ctx, env.tenant); err != nil {
		t.Fatal(err)
	}
	if err := env.r.DB.SelectOne(&stored, "SELECT * FROM floating_ips WHERE id = :id", map[string]any{"id": fip.ID}); err != nil {
		t.Fatal(err)
	}
	if stored.BookedBy != "" {
		t.Errorf("expected the expired booking to be dropped, got %q", stored.BookedBy)
	}
	env.r.timeNow = func() time.Time { return now }

	if err := BookFloatingIPs(env.r.DB, "instance-2", []string{fip.ID}, now.Add(30*time.Minute), now); err != nil {
		t.Fatal(err)
	}
	if err := ReleaseBookings(env.r.DB, "instance-2"); err != nil {
		t.Fatal(err)
	}
	if err := BookFloatingIPs(env.r.DB, "instance-3", []string{fip.ID}, now.Add(30*time.Minute), now); err != nil {
		t.Errorf("expected the released floating ip to be bookable, got %v", err)
	}
}

// Deleting twice succeeds for every kind, the second time against a missing
// remote object, and forgetting the record afterwards removes it locally.
func TestIdempotentDelete(t *testing.T) {
	env := setupTestEnv(t)
	ctx := t.Context()
	create := func(res models.Resource, name string, fn func() error) {
		t.Helper()
		env.insert(t, res, name, models.StateCreating)
		if err := fn(); err != nil {
			t.Fatalf("failed to create %s: %v", name, err)
		}
	}

	network := &models.Network{}
	create(network, "internal", func() error { return env.r.CreateNetwork(ctx, env.tenant, network) })
	subnet := &models.SubNet{NetworkID: network.ID, CIDR: "10.180.0.0/24"}
	create(subnet, "internal", func() error { return env.r.CreateSubnet(ctx, env.tenant, subnet) })
	port := &models.Port{NetworkID: network.ID, SubNetID: subnet.ID}
	create(port, "vip", func() error { return env.r.CreatePort(ctx, env.tenant, port) })
	router := &models.Router{}
	create(router, "gateway", func() error { return env.r.CreateRouter(ctx, env.tenant, router) })
	group := &models.SecurityGroup{}
	create(group, "web", func() error { return env.r.CreateSecurityGroup(ctx, env.tenant, group) })
	serverGroup := &models.ServerGroup{PolicyName: "anti-affinity"}
	create(serverGroup, "spread", func() error { return env.r.CreateServerGroup(ctx, env.tenant, serverGroup) })
	fip := &models.FloatingIP{}
	create(fip, "", func() error { return env.r.CreateFloatingIP(ctx, env.tenant, fip) })
	volume := &models.Volume{Size: 1024}
	create(volume, "data", func() error { return env.r.CreateVolume(ctx, env.tenant, volume) })
	snapshot := &models.Snapshot{SourceVolumeID: volume.ID}
	create(snapshot, "data-snap", func() error { return env.r.CreateSnapshot(ctx, env.tenant, snapshot) })
	instance := &models.Instance{FlavorName: "m1.small"}
	env.insert(t, instance, "vm", models.StateCreating)
	root := &models.Volume{Size: 10240, ImageID: "image-ubuntu", InstanceID: instance.ID}
	create(root, "root", func() error { return env.r.CreateVolume(ctx, env.tenant, root) })
	if err := env.r.CreateInstance(ctx, env.tenant, instance); err != nil {
		t.Fatal(err)
	}
	neverCreated := &models.Instance{}
	env.insert(t, neverCreated, "pending", models.StateDeleting)
	tenant := &models.Tenant{ServiceConnectionID: env.r.Conn.ID}
	tenant.Init(env.r.now())
	tenant.Name = "beta"
	tenant.State = models.StateCreating
	if err := env.r.DB.Insert(tenant); err != nil {
		t.Fatal(err)
	}
	if err := env.r.CreateTenant(ctx, tenant); err != nil {
		t.Fatal(err)
	}
	for _, res := range []models.Resource{network, subnet, port, router, group, serverGroup, fip, volume, snapshot, instance} {
		if res.GetLifecycle().BackendID == "" {
			t.Fatalf("expected %s %s to have a backend id", res.Kind(), res.GetName())
		}
	}

	// Dependents come before what they depend on.
	deletes := []struct {
		res    models.Resource
		delete func() error
		gone   func() openstack.Probe
	}{
		{instance, func() error { return env.r.DeleteInstance(ctx, env.tenant, instance) },
			func() openstack.Probe { return env.r.IsInstanceDeleted(ctx, env.tenant, *instance) }},
		{neverCreated, func() error { return env.r.DeleteInstance(ctx, env.tenant, neverCreated) }, nil},
		{port, func() error { return env.r.DeletePort(ctx, env.tenant, port) },
			func() openstack.Probe { return env.r.IsPortDeleted(ctx, env.tenant, *port) }},
		{subnet, func() error { return env.r.DeleteSubnet(ctx, env.tenant, subnet) },
			func() openstack.Probe { return env.r.IsSubnetDeleted(ctx, env.tenant, *subnet) }},
		{router, func() error { return env.r.DeleteRouter(ctx, env.tenant, router) },
			func() openstack.Probe { return env.r.IsRouterDeleted(ctx, env.tenant, *router) }},
		{network, func() error { return env.r.DeleteNetwork(ctx, env.tenant, network) },
			func() openstack.Probe { return env.r.IsNetworkDeleted(ctx, env.tenant, *network) }},
		{snapshot, func() error { return env.r.DeleteSnapshot(ctx, env.tenant, snapshot) },
			func() openstack.Probe { return env.r.IsSnapshotDeleted(ctx, env.tenant, *snapshot) }},
		{volume, func() error { return env.r.DeleteVolume(ctx, env.tenant, volume) },
			func() openstack.Probe { return env.r.IsVolumeDeleted(ctx, env.tenant, *volume) }},
		{group, func() error { return env.r.DeleteSecurityGroup(ctx, env.tenant, group) },
			func() openstack.Probe { return env.r.IsSecurityGroupDeleted(ctx, env.tenant, *group) }},
		{serverGroup, func() error { return env.r.DeleteServerGroup(ctx, env.tenant, serverGroup) },
			func() openstack.Probe { return env.r.IsServerGroupDeleted(ctx, env.tenant, *serverGroup) }},
		{fip, func() error { return env.r.DeleteFloatingIP(ctx, env.tenant, fip) },
			func() openstack.Probe { return env.r.IsFloatingIPDeleted(ctx, env.tenant, *fip) }},
		{tenant, func() error { return env.r.DeleteTenant(ctx, tenant) },
			func() openstack.Probe { return env.r.IsTenantDeleted(ctx, *tenant) }},
	}
	for _, tt := range deletes {
		t.Run(tt.res.Kind()+" "+tt.res.GetName(), func(t *testing.T) {
			for i := range 2 {
				if err := tt.delete(); err != nil {
					t.Fatalf("delete %d failed: %v", i+1, err)
				}
			}
			if tt.gone != nil {
				if result := tt.gone(); result.Result != openstack.Deleted {
					t.Errorf("expected the backend object to be gone, got %v (%v)", result.Result, result.Err)
				}
			}
			for i := range 2 {
				if err := env.r.Forget(tt.res); err != nil {
					t.Fatalf("forget %d failed: %v", i+1, err)
				}
			}
			if _, err := env.r.Load(tt.res.Kind(), tt.res.GetID()); err == nil {
				t.Errorf("expected the local %s record to be removed", tt.res.Kind())
			}
		})
	}
}

// Admissions and bookings that commit after a pull read its records must
// survive the pull's write.
func TestReconcile_SkipsRecordsChangedAfterRead(t *testing.T) {
	env := setupTestEnv(t)
	ctx := t.Context()
	var volumes []*models.Volume
	for _, name := range []string{"data", "scratch"} {
		volume := &models.Volume{Size: 1024}
		env.insert(t, volume, name, models.StateCreating)
		if err := env.r.CreateVolume(ctx, env.tenant, volume); err != nil {
			t.Fatal(err)
		}
		if err := env.r.SetState(volume, models.StateOK, ""); err != nil {
			t.Fatal(err)
		}
		volumes = append(volumes, volume)
	}
	extended, deleted := volumes[0], volumes[1]
	env.cloud.AddFloatingIP(env.tenant.BackendID, "172.24.4.30", "")
	if err := env.r.PullFloatingIPs(ctx, env.tenant); err != nil {
		t.Fatal(err)
	}

	staleVolumes, err := selectTenant[models.Volume](env.r.DB, "volumes", env.tenant.ID)
	if err != nil {
		t.Fatal(err)
	}
	staleFIPs, err := selectTenant[models.FloatingIP](env.r.DB, "floating_ips", env.tenant.ID)
	if err != nil || len(staleFIPs) != 1 {
		t.Fatalf("expected one floating ip, got %d (%v)", len(staleFIPs), err)
	}

	now := env.r.now()
	admissions := []struct {
		volume *models.Volume
		to     models.State
	}{
		{extended, models.StateUpdateScheduled},
		{deleted, models.StateDeletionScheduled},
	}
	for _, a := range admissions {
		ok, err := models.SetStateIf(env.r.DB, "volumes", a.volume.ID, []models.State{models.StateOK}, a.to, "", now)
		if err != nil || !ok {
			t.Fatalf("admission of %s failed: %v", a.volume.Name, err)
		}
	}
	if err := BookFloatingIPs(env.r.DB, "instance-1", []string{staleFIPs[0].ID}, now.Add(30*time.Minute), now); err != nil {
		t.Fatal(err)
	}
	env.events.Reset()

	// The remote renamed one volume and lost the other.
	err = env.r.inTransaction(func(tx *gorp.Transaction) ([]events.Event, error) {
		return reconcile(env.r, tx, reconcileSpec[*models.Volume, openstack.Volume]{
			kind:     models.KindVolume,
			locals:   staleVolumes,
			remotes:  []openstack.Volume{{ID: extended.BackendID, Name: "renamed", Status: "available"}},
			remoteID: func(v openstack.Volume) string { return v.ID },
			update: func(l *models.Volume, v openstack.Volume) []string {
				c := newChanges(l)
				set(c, "name", &l.Name, v.Name)
				return c.columns
			},
		})
	})
	if err != nil {
		t.Fatal(err)
	}
	err = env.r.inTransaction(func(tx *gorp.Transaction) ([]events.Event, error) {
		return reconcile(env.r, tx, reconcileSpec[*models.FloatingIP, openstack.FloatingIP]{
			kind:     models.KindFloatingIP,
			locals:   staleFIPs,
			remotes:  []openstack.FloatingIP{{ID: staleFIPs[0].BackendID, Address: staleFIPs[0].Address, Status: "ERROR"}},
			remoteID: func(f openstack.FloatingIP) string { return f.ID },
			update: func(l *models.FloatingIP, f openstack.FloatingIP) []string {
				c := newChanges(l)
				set(c, "runtime_state", &l.RuntimeState, f.Status)
				return c.columns
			},
		})
	})
	if err != nil {
		t.Fatal(err)
	}

	stored, err := env.r.Load(models.KindVolume, extended.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.GetName() != "data" || stored.GetLifecycle().State != models.StateUpdateScheduled {
		t.Errorf("expected the admitted volume to be untouched, got %q in %s", stored.GetName(), stored.GetLifecycle().State)
	}
	stored, err = env.r.Load(models.KindVolume, deleted.ID)
	if err != nil {
		t.Fatalf("expected the volume scheduled for deletion to survive, got %v", err)
	}
	if stored.GetLifecycle().State != models.StateDeletionScheduled {
		t.Errorf("expected DELETION_SCHEDULED, got %s", stored.GetLifecycle().State)
	}
	var fip models.FloatingIP
	if err := env.r.DB.SelectOne(&fip, "SELECT * FROM floating_ips WHERE id = :id", map[string]any{"id": staleFIPs[0].ID}); err != nil {
		t.Fatal(err)
	}
	if fip.BookedBy != "instance-1" || fip.RuntimeState == "ERROR" {
		t.Errorf("expected the booked floating ip to be untouched, got booked by %q in %s", fip.BookedBy, fip.RuntimeState)
	}
	if evts := env.events.Events(); len(evts) != 0 {
		t.Errorf("expected no events for skipped records, got %v", evts)
	}
}
