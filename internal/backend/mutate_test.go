// Copyright 2025 SAP SE
// SPDX-License-Identifier: Apache-2.0

package backend

import (
	"testing"

	"github.com/cobaltcore-dev/cirrus/internal/events"
	"github.com/cobaltcore-dev/cirrus/internal/models"
	"github.com/cobaltcore-dev/cirrus/internal/openstack"
	"github.com/cobaltcore-dev/cirrus/internal/quotas"
)

func tcpRule(port int) openstack.SecurityGroupRule {
	return openstack.SecurityGroupRule{
		Direction:      "ingress",
		EtherType:      "IPv4",
		Protocol:       "tcp",
		PortRangeMin:   &port,
		PortRangeMax:   &port,
		RemoteIPPrefix: "0.0.0.0/0",
	}
}

func localTCPRule(port int) models.SecurityGroupRule {
	return models.SecurityGroupRule{
		EtherType: "IPv4",
		Direction: "ingress",
		Protocol:  "tcp",
		FromPort:  port,
		ToPort:    port,
		CIDR:      "0.0.0.0/0",
	}
}

func TestPushSecurityGroupRules_MinimalDiff(t *testing.T) {
	env := setupTestEnv(t)
	ctx := t.Context()
	remote := env.cloud.AddSecurityGroup(env.tenant.BackendID, "web", tcpRule(443), tcpRule(80))

	group := &models.SecurityGroup{}
	env.insert(t, group, "web", models.StateUpdating)
	group.BackendID = remote.ID
	if err := env.r.save(group); err != nil {
		t.Fatal(err)
	}
	if err := env.r.SetRules(env.r.DB, group.ID, []models.SecurityGroupRule{localTCPRule(22), localTCPRule(443)}); err != nil {
		t.Fatal(err)
	}

	if err := env.r.PushSecurityGroupRules(ctx, env.tenant, group); err != nil {
		t.Fatal(err)
	}
	if n := env.cloud.CountCalls("network.CreateSecurityGroupRule"); n != 1 {
		t.Errorf("expected exactly one rule to be created, got %d", n)
	}
	if n := env.cloud.CountCalls("network.DeleteSecurityGroupRule"); n != 1 {
		t.Errorf("expected exactly one rule to be deleted, got %d", n)
	}

	pushed, ok := env.cloud.SecurityGroup(remote.ID)
	if !ok {
		t.Fatal("expected the remote group to exist")
	}
	ports := map[int]bool{}
	for _, rule := range pushed.Rules {
		ports[*rule.PortRangeMin] = true
	}
	if len(ports) != 2 || !ports[22] || !ports[443] {
		t.Errorf("expected remote rules for ports 22 and 443, got %v", ports)
	}
	rules, err := env.r.Rules(env.r.DB, group.ID)
	if err != nil {
		t.Fatal(err)
	}
	for _, rule := range rules {
		if rule.BackendID == "" {
			t.Errorf("expected rule %d to be bound to its remote rule", rule.FromPort)
		}
	}

	// Pushing again is a no-op.
	env.cloud.ResetCalls()
	if err := env.r.PushSecurityGroupRules(ctx, env.tenant, group); err != nil {
		t.Fatal(err)
	}
	if calls := env.cloud.Calls("network.CreateSecurityGroupRule"); len(calls) != 0 {
		t.Errorf("expected no creates on the second push, got %v", calls)
	}
	if calls := env.cloud.Calls("network.DeleteSecurityGroupRule"); len(calls) != 0 {
		t.Errorf("expected no deletes on the second push, got %v", calls)
	}
}

func TestPushSecurityGroupRules_RemoteGroupWithoutBackendID(t *testing.T) {
	env := setupTestEnv(t)
	ctx := t.Context()
	remoteWeb := env.cloud.AddSecurityGroup(env.tenant.BackendID, "web")
	web := &models.SecurityGroup{}
	env.insert(t, web, "web", models.StateUpdating)
	web.BackendID = remoteWeb.ID
	if err := env.r.save(web); err != nil {
		t.Fatal(err)
	}
	db := &models.SecurityGroup{}
	env.insert(t, db, "db", models.StateCreating)

	fromDB := models.SecurityGroupRule{EtherType: "IPv4", Direction: "ingress", Protocol: "tcp", FromPort: 5432, ToPort: 5432, RemoteGroupID: db.ID}
	fromSelf := models.SecurityGroupRule{EtherType: "IPv4", Direction: "ingress", FromPort: -1, ToPort: -1, RemoteGroupID: web.ID}
	rules := []models.SecurityGroupRule{fromDB, fromSelf}
	if err := ValidateRemoteGroups(env.r.DB, env.tenant.ID, web.ID, rules); !isValidation(err) {
		t.Errorf("expected a validation error at admission, got %v", err)
	}
	if err := ValidateRemoteGroups(env.r.DB, env.tenant.ID, web.ID, []models.SecurityGroupRule{fromSelf}); err != nil {
		t.Errorf("expected a self reference to be accepted, got %v", err)
	}
	if err := env.r.SetRules(env.r.DB, web.ID, rules); err != nil {
		t.Fatal(err)
	}

	if err := env.r.PushSecurityGroupRules(ctx, env.tenant, web); !isValidation(err) {
		t.Fatalf("expected a validation error, got %v", err)
	}
	if calls := env.cloud.Calls("network.CreateSecurityGroupRule"); len(calls) != 0 {
		t.Errorf("expected no rule to be created, got %v", calls)
	}

	remoteDB := env.cloud.AddSecurityGroup(env.tenant.BackendID, "db")
	db.BackendID = remoteDB.ID
	if err := env.r.save(db); err != nil {
		t.Fatal(err)
	}
	if err := env.r.PushSecurityGroupRules(ctx, env.tenant, web); err != nil {
		t.Fatal(err)
	}
	pushed, ok := env.cloud.SecurityGroup(remoteWeb.ID)
	if !ok {
		t.Fatal("expected the remote group to exist")
	}
	remoteGroups := map[string]bool{}
	for _, rule := range pushed.Rules {
		if rule.RemoteGroupID == "" {
			t.Errorf("expected every pushed rule to keep its remote group, got %+v", rule)
		}
		remoteGroups[rule.RemoteGroupID] = true
	}
	if len(pushed.Rules) != 2 || !remoteGroups[remoteDB.ID] || !remoteGroups[remoteWeb.ID] {
		t.Errorf("expected rules from db and web, got %+v", pushed.Rules)
	}
}

func TestValidateSecurityGroupRules(t *testing.T) {
	tests := []struct {
		name    string
		rules   []models.SecurityGroupRule
		wantErr bool
	}{
		{"empty", nil, false},
		{"distinct", []models.SecurityGroupRule{localTCPRule(22), localTCPRule(80)}, false},
		{"duplicate", []models.SecurityGroupRule{localTCPRule(22), localTCPRule(22)}, true},
		{"any port", []models.SecurityGroupRule{{EtherType: "IPv4", Direction: "egress", FromPort: -1, ToPort: -1}}, false},
		{"inverted range", []models.SecurityGroupRule{{EtherType: "IPv4", Direction: "ingress", Protocol: "tcp", FromPort: 90, ToPort: 80}}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateSecurityGroupRules(tt.rules)
			if (err != nil) != tt.wantErr {
				t.Errorf("expected error %v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestAdmitVolume_OverQuota(t *testing.T) {
	env := setupTestEnv(t)
	_, err := env.r.DB.Exec("UPDATE quota_entries SET quota_limit = :limit WHERE tenant_id = :tenant AND dimension = :dim",
		map[string]any{"limit": int64(2048), "tenant": env.tenant.ID, "dim": string(quotas.Storage)})
	if err != nil {
		t.Fatal(err)
	}

	if err := AdmitVolume(env.r.DB, env.tenant.ID, 1024); err != nil {
		t.Fatalf("expected the first volume to fit, got %v", err)
	}
	if err := AdmitVolume(env.r.DB, env.tenant.ID, 2048); !isValidation(err) {
		t.Errorf("expected a validation error, got %v", err)
	}
	if err := AdmitVolume(env.r.DB, env.tenant.ID, 0); !isValidation(err) {
		t.Errorf("expected a validation error for an empty volume, got %v", err)
	}
	if calls := env.cloud.Calls(""); len(calls) != 0 {
		t.Errorf("expected no backend calls, got %v", calls)
	}
	entries, err := env.r.QuotaEntries(env.tenant.ID)
	if err != nil {
		t.Fatal(err)
	}
	if usage := entries[quotas.Storage].Usage; usage != 1024 {
		t.Errorf("expected 1024 MB to be reserved, got %d", usage)
	}
	if usage := entries[quotas.Volumes].Usage; usage != 1 {
		t.Errorf("expected one volume to be reserved, got %d", usage)
	}
}

func TestPushAndPullQuotas(t *testing.T) {
	env := setupTestEnv(t)
	ctx := t.Context()

	err := env.r.PushQuotas(ctx, env.tenant, map[quotas.Dimension]int64{
		quotas.Storage: 10240,
		quotas.VCPU:    8,
	})
	if err != nil {
		t.Fatal(err)
	}
	if gb := env.cloud.QuotaLimits(env.tenant.BackendID, "blockstorage")["gigabytes"]; gb != 10 {
		t.Errorf("expected 10 GB in the backend, got %d", gb)
	}
	if cores := env.cloud.QuotaLimits(env.tenant.BackendID, "compute")["cores"]; cores != 8 {
		t.Errorf("expected 8 cores in the backend, got %d", cores)
	}
	if calls := env.cloud.Calls("network.UpdateQuotas"); len(calls) != 0 {
		t.Errorf("expected untouched network quotas, got %v", calls)
	}

	if err := env.r.PushQuotas(ctx, env.tenant, map[quotas.Dimension]int64{"unknown": 1}); !isValidation(err) {
		t.Errorf("expected a validation error for an unknown dimension, got %v", err)
	}

	volume := &models.Volume{Size: 2048}
	env.insert(t, volume, "data", models.StateCreating)
	if err := env.r.CreateVolume(ctx, env.tenant, volume); err != nil {
		t.Fatal(err)
	}
	if err := env.r.PullQuotas(ctx, env.tenant); err != nil {
		t.Fatal(err)
	}
	entries, err := env.r.QuotaEntries(env.tenant.ID)
	if err != nil {
		t.Fatal(err)
	}
	storage := entries[quotas.Storage]
	if storage.Limit != 10240 || storage.Usage != 2048 {
		t.Errorf("unexpected storage quota %d/%d", storage.Usage, storage.Limit)
	}
	if vcpu := entries[quotas.VCPU]; vcpu.Limit != 8 || vcpu.Usage != 0 {
		t.Errorf("unexpected vcpu quota %d/%d", vcpu.Usage, vcpu.Limit)
	}
	if len(env.events.Of(models.KindTenant, events.Pulled)) != 1 {
		t.Error("expected a pulled event for the tenant")
	}
}

func TestCreateTenant_RetriesTakenName(t *testing.T) {
	env := setupTestEnv(t)
	tenant := &models.Tenant{ServiceConnectionID: env.r.Conn.ID}
	tenant.Init(env.r.now())
	tenant.Name = "alpha"
	tenant.State = models.StateCreating
	if err := env.r.DB.Insert(tenant); err != nil {
		t.Fatal(err)
	}

	if err := env.r.CreateTenant(t.Context(), tenant); err != nil {
		t.Fatal(err)
	}
	if tenant.Name != "alpha-1" {
		t.Errorf("expected the suffixed name alpha-1, got %q", tenant.Name)
	}
	project, ok := env.cloud.Project(tenant.BackendID)
	if !ok || project.Name != "alpha-1" {
		t.Errorf("unexpected project %+v", project)
	}
	if n := env.cloud.CountCalls("identity.CreateProject"); n != 2 {
		t.Errorf("expected two create attempts, got %d", n)
	}
}

func TestPullFlavors_LinksCatalog(t *testing.T) {
	env := setupTestEnv(t)
	ctx := t.Context()
	if err := env.r.PullFlavors(ctx, env.tenant); err != nil {
		t.Fatal(err)
	}
	flavors, err := CatalogOf[models.Flavor](env.r.DB, "flavors", models.CatalogFlavor, env.tenant.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(flavors) != 2 {
		t.Fatalf("expected 2 linked flavors, got %d", len(flavors))
	}
	small, err := env.r.Flavor(env.tenant, "m1.small")
	if err != nil {
		t.Fatal(err)
	}
	if small.Cores != 1 || small.RAM != 2048 || small.Disk != GBToMB(20) {
		t.Errorf("unexpected flavor %+v", small)
	}
	if _, err := env.r.Flavor(env.tenant, "m1.huge"); !isValidation(err) {
		t.Errorf("expected a validation error for an unknown flavor, got %v", err)
	}

	// Pulling twice does not duplicate the entries.
	if err := env.r.PullFlavors(ctx, env.tenant); err != nil {
		t.Fatal(err)
	}
	count, err := env.r.DB.SelectInt("SELECT COUNT(*) FROM catalog_links WHERE tenant_id = :tenant", map[string]any{"tenant": env.tenant.ID})
	if err != nil {
		t.Fatal(err)
	}
	if count != 2 {
		t.Errorf("expected 2 catalog links, got %d", count)
	}
}

func TestCreateInstance_BootsFromVolume(t *testing.T) {
	env := setupTestEnv(t)
	ctx := t.Context()

	instance := &models.Instance{FlavorName: "m1.small", SSHPublicKey: "ssh-ed25519 AAAA"}
	env.insert(t, instance, "vm", models.StateCreating)
	data := &models.Volume{Size: 1024, InstanceID: instance.ID}
	env.insert(t, data, "data", models.StateCreating)
	root := &models.Volume{Size: 10240, ImageID: "image-ubuntu", InstanceID: instance.ID}
	env.insert(t, root, "root", models.StateCreating)
	for _, v := range []*models.Volume{data, root} {
		if err := env.r.CreateVolume(ctx, env.tenant, v); err != nil {
			t.Fatal(err)
		}
		if v.InstanceID != instance.ID {
			t.Errorf("expected volume %s to stay bound to the instance", v.Name)
		}
	}

	if err := env.r.CreateInstance(ctx, env.tenant, instance); err != nil {
		t.Fatal(err)
	}
	if instance.BackendID == "" {
		t.Fatal("expected the instance to have a backend id")
	}
	if instance.Cores != 1 || instance.RAM != 2048 {
		t.Errorf("expected flavor details to be copied, got %d cores and %d MB", instance.Cores, instance.RAM)
	}
	if n := env.cloud.CountCalls("compute.CreateKeypair"); n != 1 {
		t.Errorf("expected the keypair to be created, got %d calls", n)
	}
	remoteRoot, ok := env.cloud.Volume(root.BackendID)
	if !ok || len(remoteRoot.Attachments) != 1 || remoteRoot.Attachments[0].Device != "/dev/vda" {
		t.Errorf("expected the root volume to be attached as /dev/vda, got %+v", remoteRoot.Attachments)
	}

	if err := env.r.PullVolumes(ctx, env.tenant); err != nil {
		t.Fatal(err)
	}
	stored, err := env.r.Load(models.KindVolume, data.ID)
	if err != nil {
		t.Fatal(err)
	}
	if v := stored.(*models.Volume); v.InstanceID != instance.ID || v.Device != "/dev/vdb" {
		t.Errorf("expected the data volume to be attached as /dev/vdb, got %q on %q", v.Device, v.InstanceID)
	}
	if len(env.events.Of(models.KindInstance, events.Created)) != 1 {
		t.Error("expected a created event for the instance")
	}
}
