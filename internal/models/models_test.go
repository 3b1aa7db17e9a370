// Copyright 2025 SAP SE
// SPDX-License-Identifier: Apache-2.0

package models

import (
	"testing"
	"time"

	testlibDB "github.com/cobaltcore-dev/cirrus/testlib/db"
)

func TestState_CanTransitionTo(t *testing.T) {
	tests := []struct {
		from, to State
		want     bool
	}{
		{StateCreationScheduled, StateCreating, true},
		{StateCreating, StateOK, true},
		{StateCreating, StateErred, true},
		{StateOK, StateUpdateScheduled, true},
		{StateOK, StateDeletionScheduled, true},
		{StateErred, StateDeletionScheduled, true},
		{StateErred, StateUpdateScheduled, true},
		{StateCreating, StateDeletionScheduled, false},
		{StateDeleting, StateOK, false},
		{StateUpdating, StateDeletionScheduled, false},
	}
	for _, tt := range tests {
		if got := tt.from.CanTransitionTo(tt.to); got != tt.want {
			t.Errorf("%s -> %s: expected %v, got %v", tt.from, tt.to, tt.want, got)
		}
	}
}

func TestState_IsStable(t *testing.T) {
	for _, s := range []State{StateOK, StateErred} {
		if !s.IsStable() {
			t.Errorf("expected %s to be stable", s)
		}
	}
	for _, s := range []State{StateCreationScheduled, StateCreating, StateUpdateScheduled, StateUpdating, StateDeletionScheduled, StateDeleting} {
		if s.IsStable() {
			t.Errorf("expected %s to be unstable", s)
		}
	}
}

func TestSourcesOf(t *testing.T) {
	sources := SourcesOf(StateDeletionScheduled)
	if len(sources) != 2 || sources[0] != StateErred || sources[1] != StateOK {
		t.Fatalf("expected [ERRED OK], got %v", sources)
	}
}

func TestFieldPolicy(t *testing.T) {
	if !NetworkPolicy.Pulls("runtime_state") || !NetworkPolicy.Pulls("mtu") {
		t.Error("expected network policy to pull runtime state and mtu")
	}
	if FloatingIPPolicy.Pulls("name") || FloatingIPPolicy.Pulls("description") {
		t.Error("expected floating ip names and descriptions to be preserved")
	}
	extended := LifecyclePolicy.With("name")
	if LifecyclePolicy.Pulls("name") || !extended.Pulls("name") {
		t.Error("expected With to return an extended copy")
	}
}

func TestQuotaEntry_Exceeds(t *testing.T) {
	tests := []struct {
		entry  QuotaEntry
		amount int64
		want   bool
	}{
		{QuotaEntry{Limit: -1, Usage: 100}, 1000, false},
		{QuotaEntry{Limit: 10, Usage: 5}, 5, false},
		{QuotaEntry{Limit: 10, Usage: 5}, 6, true},
		{QuotaEntry{Limit: 0, Usage: 0}, 1, true},
	}
	for _, tt := range tests {
		if got := tt.entry.Exceeds(tt.amount); got != tt.want {
			t.Errorf("%+v + %d: expected %v, got %v", tt.entry, tt.amount, tt.want, got)
		}
	}
}

func TestFloatingIP_IsBooked(t *testing.T) {
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	fip := FloatingIP{BookedBy: "instance", BookedUntil: now.Add(time.Minute)}
	if !fip.IsBooked(now) {
		t.Error("expected booking to be active")
	}
	if fip.IsBooked(now.Add(2 * time.Minute)) {
		t.Error("expected booking to be expired")
	}
	if (FloatingIP{}).IsBooked(now) {
		t.Error("expected no booking")
	}
}

func TestCreateTables_RoundTrip(t *testing.T) {
	dbEnv := testlibDB.SetupDBEnv(t)
	defer dbEnv.Close()
	if err := CreateTables(dbEnv.DB); err != nil {
		t.Fatalf("failed to create tables: %v", err)
	}
	now := time.Now().UTC().Truncate(time.Second)
	subnet := &SubNet{
		Base:      Base{ID: "s1", Name: "internal", CreatedAt: now, ModifiedAt: now},
		Lifecycle: Lifecycle{State: StateOK, BackendID: "b1"},
		TenantRef: TenantRef{TenantID: "t1"},
		CIDR:      "192.168.42.0/24",
		AllocationPools: JSONList[AllocationPool]{
			{Start: "192.168.42.10", End: "192.168.42.200"},
		},
		DNSNameservers: StringList{"8.8.8.8"},
		EnableDHCP:     true,
	}
	if err := dbEnv.Insert(subnet); err != nil {
		t.Fatalf("failed to insert subnet: %v", err)
	}
	var got SubNet
	if err := dbEnv.SelectOne(&got, "SELECT * FROM subnets WHERE id = :id", map[string]any{"id": "s1"}); err != nil {
		t.Fatalf("failed to select subnet: %v", err)
	}
	if got.State != StateOK || got.BackendID != "b1" || got.TenantID != "t1" {
		t.Errorf("unexpected lifecycle %+v", got.Lifecycle)
	}
	if len(got.AllocationPools) != 1 || got.AllocationPools[0].End != "192.168.42.200" {
		t.Errorf("unexpected allocation pools %v", got.AllocationPools)
	}
	if len(got.DNSNameservers) != 1 || got.DNSNameservers[0] != "8.8.8.8" {
		t.Errorf("unexpected nameservers %v", got.DNSNameservers)
	}
	if got.HostRoutes != nil {
		t.Errorf("expected no host routes, got %v", got.HostRoutes)
	}

	// Two tenants of the same connection cannot share a backend id.
	t1 := &Tenant{Base: Base{ID: "t1"}, Lifecycle: Lifecycle{BackendID: "p1"}, ServiceConnectionID: "c1"}
	t2 := &Tenant{Base: Base{ID: "t2"}, Lifecycle: Lifecycle{BackendID: "p1"}, ServiceConnectionID: "c1"}
	t3 := &Tenant{Base: Base{ID: "t3"}, ServiceConnectionID: "c1"}
	t4 := &Tenant{Base: Base{ID: "t4"}, ServiceConnectionID: "c1"}
	if err := dbEnv.Insert(t1); err != nil {
		t.Fatal(err)
	}
	if err := dbEnv.Insert(t2); err == nil {
		t.Error("expected unique violation for duplicate backend id")
	}
	if err := dbEnv.Insert(t3, t4); err != nil {
		t.Errorf("expected tenants without backend id to be allowed, got %v", err)
	}
}

func TestSetStateIf(t *testing.T) {
	dbEnv := testlibDB.SetupDBEnv(t)
	defer dbEnv.Close()
	if err := CreateTables(dbEnv.DB); err != nil {
		t.Fatal(err)
	}
	vol := &Volume{Base: Base{ID: "v1"}, Lifecycle: Lifecycle{State: StateOK}}
	if err := dbEnv.Insert(vol); err != nil {
		t.Fatal(err)
	}
	now := time.Now().UTC()
	ok, err := SetStateIf(dbEnv.DbMap, "volumes", "v1", []State{StateOK, StateErred}, StateUpdateScheduled, "", now)
	if err != nil || !ok {
		t.Fatalf("expected first transition to succeed, got %v, %v", ok, err)
	}
	ok, err = SetStateIf(dbEnv.DbMap, "volumes", "v1", []State{StateOK, StateErred}, StateDeletionScheduled, "", now)
	if err != nil || ok {
		t.Fatalf("expected second transition to be refused, got %v, %v", ok, err)
	}
	var got Volume
	if err := dbEnv.SelectOne(&got, "SELECT * FROM volumes WHERE id = :id", map[string]any{"id": "v1"}); err != nil {
		t.Fatal(err)
	}
	if got.State != StateUpdateScheduled {
		t.Fatalf("expected UPDATE_SCHEDULED, got %s", got.State)
	}
}
