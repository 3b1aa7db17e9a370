// Copyright 2025 SAP SE
// SPDX-License-Identifier: Apache-2.0

package backend

import (
	"context"
	"fmt"
	"slices"

	"github.com/cobaltcore-dev/cirrus/internal/events"
	"github.com/cobaltcore-dev/cirrus/internal/models"
	"github.com/cobaltcore-dev/cirrus/internal/openstack"
	"github.com/cobaltcore-dev/cirrus/internal/quotas"
	"github.com/go-gorp/gorp"
)

// Check the quota of a new instance with the given flavor and account it.
func AdmitInstance(exec gorp.SqlExecutor, tenantID string, flavor models.Flavor) error {
	return ReserveQuota(exec, tenantID, map[quotas.Dimension]int64{
		quotas.Instances: 1,
		quotas.VCPU:      int64(flavor.Cores),
		quotas.RAM:       flavor.RAM,
	})
}

// Name of the keypair holding the ssh key of an instance.
func keypairName(instance models.Instance) string {
	return "cirrus-" + instance.ID
}

// Find the flavor of the connection by its name.
func (r *Reconciler) findFlavor(ctx context.Context, clients openstack.Clients, name string) (openstack.Flavor, error) {
	flavors, err := clients.Compute.ListFlavors(ctx)
	if err != nil {
		return openstack.Flavor{}, r.failed("list_flavors", err)
	}
	idx := slices.IndexFunc(flavors, func(f openstack.Flavor) bool { return f.Name == name })
	if idx < 0 {
		return openstack.Flavor{}, invalid("flavor %q does not exist", name)
	}
	return flavors[idx], nil
}

// Create the server of the instance. Its ports and volumes must exist in
// the backend already; they are found by their local instance id. The
// bootable volume boots the server, otherwise the image does.
func (r *Reconciler) CreateInstance(ctx context.Context, tenant models.Tenant, instance *models.Instance) error {
	clients, err := r.scoped(ctx, tenant)
	if err != nil {
		return err
	}
	flavor, err := r.findFlavor(ctx, clients, instance.FlavorName)
	if err != nil {
		return err
	}
	spec := openstack.ServerSpec{
		Name:             instance.Name,
		FlavorID:         flavor.ID,
		UserData:         instance.UserData,
		AvailabilityZone: instance.AvailabilityZone,
	}
	if spec.AvailabilityZone == "" {
		spec.AvailabilityZone = tenant.AvailabilityZone
	}
	if instance.SSHPublicKey != "" {
		spec.KeyName = keypairName(*instance)
		err := clients.Compute.CreateKeypair(ctx, spec.KeyName, instance.SSHPublicKey)
		if err != nil && !openstack.IsConflict(err) {
			return r.failed("create_keypair", err)
		}
	}

	var ports []models.Port
	if _, err := r.DB.Select(&ports, "SELECT * FROM ports WHERE instance_id = :id ORDER BY created_at, id", map[string]any{"id": instance.ID}); err != nil {
		return fmt.Errorf("failed to select ports of instance %s: %w", instance.ID, err)
	}
	for _, p := range ports {
		if p.BackendID == "" {
			return fmt.Errorf("port %s of instance %s was not created", p.ID, instance.ID)
		}
		spec.PortIDs = append(spec.PortIDs, p.BackendID)
	}
	var volumes []models.Volume
	if _, err := r.DB.Select(&volumes, "SELECT * FROM volumes WHERE instance_id = :id ORDER BY bootable DESC, created_at, id", map[string]any{"id": instance.ID}); err != nil {
		return fmt.Errorf("failed to select volumes of instance %s: %w", instance.ID, err)
	}
	for i, v := range volumes {
		if v.BackendID == "" {
			return fmt.Errorf("volume %s of instance %s was not created", v.ID, instance.ID)
		}
		bootIndex := -1
		if i == 0 && v.Bootable {
			bootIndex = 0
		}
		spec.BlockDevices = append(spec.BlockDevices, openstack.BlockDevice{
			VolumeID:            v.BackendID,
			BootIndex:           bootIndex,
			DeleteOnTermination: bootIndex == 0,
		})
	}
	if instance.ServerGroupID != "" {
		var group models.ServerGroup
		if err := r.DB.SelectOne(&group, "SELECT * FROM server_groups WHERE id = :id", map[string]any{"id": instance.ServerGroupID}); err != nil {
			return fmt.Errorf("failed to load server group of instance %s: %w", instance.ID, err)
		}
		spec.ServerGroupID = group.BackendID
	}

	remote, err := clients.Compute.CreateServer(ctx, spec)
	if err != nil {
		return r.failed("create_server", err)
	}
	instance.BackendID = remote.ID
	groups, err := r.securityGroupsByName(tenant.ID)
	if err != nil {
		return err
	}
	applyInstance(newChanges(instance), instance, remote, groups)
	if err := r.save(instance); err != nil {
		return err
	}
	r.emit(r.event(events.Created, instance, map[string]any{
		"flavor": instance.FlavorName, "cores": instance.Cores, "ram": instance.RAM,
	}))
	return nil
}

// Local security group ids by their name. Nova reports security groups by
// name only.
func (r *Reconciler) securityGroupsByName(tenantID string) (map[string]string, error) {
	var rows []struct {
		ID   string `db:"id"`
		Name string `db:"name"`
	}
	_, err := r.DB.Select(&rows, "SELECT id, name FROM security_groups WHERE tenant_id = :tenant", map[string]any{"tenant": tenantID})
	if err != nil {
		return nil, fmt.Errorf("failed to select security groups of tenant %s: %w", tenantID, err)
	}
	out := make(map[string]string, len(rows))
	for _, row := range rows {
		out[row.Name] = row.ID
	}
	return out, nil
}

func applyInstance(c *changes, local *models.Instance, remote openstack.Server, groups map[string]string) []string {
	set(c, "name", &local.Name, remote.Name)
	set(c, "runtime_state", &local.RuntimeState, remote.Status)
	set(c, "flavor_name", &local.FlavorName, remote.Flavor.OriginalName)
	set(c, "flavor_disk", &local.FlavorDisk, GBToMB(remote.Flavor.Disk))
	set(c, "ram", &local.RAM, int64(remote.Flavor.RAM))
	set(c, "cores", &local.Cores, remote.Flavor.VCPUs)
	set(c, "availability_zone", &local.AvailabilityZone, remote.AvailabilityZone)
	set(c, "image_id", &local.ImageID, remote.ImageID())
	set(c, "hypervisor_hostname", &local.HypervisorHostname, remote.HypervisorHostname)
	var ips []string
	for _, addresses := range remote.Addresses {
		for _, a := range addresses {
			if a.Type == "fixed" {
				ips = append(ips, a.Address)
			}
		}
	}
	slices.Sort(ips)
	setList(c, "directly_connected_ips", &local.DirectlyConnectedIPs, ips)
	names := make([]string, 0, len(remote.SecurityGroups))
	for _, g := range remote.SecurityGroups {
		names = append(names, g.Name)
	}
	setList(c, "security_group_ids", &local.SecurityGroupIDs, translate(names, groups))
	return c.columns
}

// Delete the server and its keypair.
func (r *Reconciler) DeleteInstance(ctx context.Context, tenant models.Tenant, instance *models.Instance) error {
	if instance.BackendID == "" {
		return nil
	}
	clients, err := r.scoped(ctx, tenant)
	if err != nil {
		return err
	}
	if err := clients.Compute.DeleteServer(ctx, instance.BackendID); err != nil && !openstack.IsNotFound(err) {
		return r.failed("delete_server", err)
	}
	if instance.SSHPublicKey != "" {
		err := clients.Compute.DeleteKeypair(ctx, keypairName(*instance))
		if err != nil && !openstack.IsNotFound(err) {
			return r.failed("delete_keypair", err)
		}
	}
	return nil
}

// Delete every server of the tenant project.
func (r *Reconciler) DeleteInstances(ctx context.Context, tenant models.Tenant) error {
	clients, err := r.scoped(ctx, tenant)
	if err != nil {
		return err
	}
	remotes, err := clients.Compute.ListServers(ctx)
	if err != nil {
		return r.failed("list_servers", err)
	}
	for _, s := range remotes {
		if err := clients.Compute.DeleteServer(ctx, s.ID); err != nil && !openstack.IsNotFound(err) {
			return r.failed("delete_server", err)
		}
	}
	return nil
}

func (r *Reconciler) IsInstanceDeleted(ctx context.Context, tenant models.Tenant, instance models.Instance) openstack.Probe {
	clients, err := r.scoped(ctx, tenant)
	if err != nil {
		return openstack.Probe{Result: openstack.ProbeError, Err: err}
	}
	return openstack.ProbeWith(ctx, instance.BackendID, clients.Compute.GetServer)
}

func (r *Reconciler) StartInstance(ctx context.Context, tenant models.Tenant, instance *models.Instance) error {
	return r.instanceAction(ctx, tenant, instance, "start", func(c openstack.ComputeAPI) error {
		return c.StartServer(ctx, instance.BackendID)
	})
}

func (r *Reconciler) StopInstance(ctx context.Context, tenant models.Tenant, instance *models.Instance) error {
	return r.instanceAction(ctx, tenant, instance, "stop", func(c openstack.ComputeAPI) error {
		return c.StopServer(ctx, instance.BackendID)
	})
}

func (r *Reconciler) RestartInstance(ctx context.Context, tenant models.Tenant, instance *models.Instance) error {
	return r.instanceAction(ctx, tenant, instance, "restart", func(c openstack.ComputeAPI) error {
		return c.RebootServer(ctx, instance.BackendID)
	})
}

// Resize the server to another flavor. The resize is finished by
// ConfirmResize once the server reached VERIFY_RESIZE.
func (r *Reconciler) ResizeInstance(ctx context.Context, tenant models.Tenant, instance *models.Instance, flavorName string) error {
	clients, err := r.scoped(ctx, tenant)
	if err != nil {
		return err
	}
	flavor, err := r.findFlavor(ctx, clients, flavorName)
	if err != nil {
		return err
	}
	return r.instanceAction(ctx, tenant, instance, "resize", func(c openstack.ComputeAPI) error {
		return c.ResizeServer(ctx, instance.BackendID, flavor.ID)
	})
}

func (r *Reconciler) ConfirmResize(ctx context.Context, tenant models.Tenant, instance *models.Instance) error {
	if err := r.instanceAction(ctx, tenant, instance, "confirm_resize", func(c openstack.ComputeAPI) error {
		return c.ConfirmResize(ctx, instance.BackendID)
	}); err != nil {
		return err
	}
	_, err := r.PullInstance(ctx, tenant, instance)
	return err
}

func (r *Reconciler) instanceAction(ctx context.Context, tenant models.Tenant, instance *models.Instance, action string, call func(openstack.ComputeAPI) error) error {
	clients, err := r.scoped(ctx, tenant)
	if err != nil {
		return err
	}
	if err := call(clients.Compute); err != nil {
		return r.failed(action+"_server", err)
	}
	instance.Action = action
	if action == "confirm_resize" {
		instance.Action = ""
	}
	if err := r.save(instance); err != nil {
		return err
	}
	r.emit(r.event(events.Updated, instance, map[string]any{"action": action}))
	return nil
}

// Push the security groups of the instance to all of its ports.
func (r *Reconciler) UpdateInstanceSecurityGroups(ctx context.Context, tenant models.Tenant, instance *models.Instance) error {
	clients, err := r.scoped(ctx, tenant)
	if err != nil {
		return err
	}
	groups, err := backendIDs(r.DB, "security_groups", tenant.ID)
	if err != nil {
		return err
	}
	backendGroups := translate(instance.SecurityGroupIDs, invert(groups))
	var ports []*models.Port
	if _, err := r.DB.Select(&ports, "SELECT * FROM ports WHERE instance_id = :id", map[string]any{"id": instance.ID}); err != nil {
		return fmt.Errorf("failed to select ports of instance %s: %w", instance.ID, err)
	}
	for _, p := range ports {
		if p.BackendID == "" {
			continue
		}
		if _, err := clients.Network.UpdatePort(ctx, p.BackendID, openstack.PortUpdate{SecurityGroups: &backendGroups}); err != nil {
			return r.failed("update_port", err)
		}
		p.SecurityGroupIDs = slices.Clone(instance.SecurityGroupIDs)
		if err := r.save(p); err != nil {
			return err
		}
	}
	if err := r.save(instance); err != nil {
		return err
	}
	r.emit(r.event(events.Updated, instance, map[string]any{"security_group_ids": []string(instance.SecurityGroupIDs)}))
	return nil
}

// Pull one instance and return the server status.
func (r *Reconciler) PullInstance(ctx context.Context, tenant models.Tenant, instance *models.Instance) (string, error) {
	clients, err := r.scoped(ctx, tenant)
	if err != nil {
		return "", err
	}
	remote, err := clients.Compute.GetServer(ctx, instance.BackendID)
	if err != nil {
		return "", r.failed("pull_instance", err)
	}
	groups, err := r.securityGroupsByName(tenant.ID)
	if err != nil {
		return "", err
	}
	if changed := applyInstance(newChanges(instance), instance, remote, groups); len(changed) > 0 {
		if err := r.save(instance); err != nil {
			return "", err
		}
	}
	if msg := remote.FaultMessage(); msg != "" && remote.Status == "ERROR" {
		return remote.Status, &FaultError{Status: remote.Status, Message: msg}
	}
	return remote.Status, nil
}

func (r *Reconciler) PullInstances(ctx context.Context, tenant models.Tenant) error {
	clients, err := r.scoped(ctx, tenant)
	if err != nil {
		return err
	}
	remotes, err := clients.Compute.ListServers(ctx)
	if err != nil {
		return r.failed("pull_instances", err)
	}
	groups, err := r.securityGroupsByName(tenant.ID)
	if err != nil {
		return err
	}
	return r.inTransaction(func(tx *gorp.Transaction) ([]events.Event, error) {
		locals, err := selectTenant[models.Instance](tx, "instances", tenant.ID)
		if err != nil {
			return nil, err
		}
		return reconcile(r, tx, reconcileSpec[*models.Instance, openstack.Server]{
			kind:     models.KindInstance,
			locals:   locals,
			remotes:  remotes,
			remoteID: func(s openstack.Server) string { return s.ID },
			newLocal: func(s openstack.Server) (*models.Instance, error) {
				local := &models.Instance{TenantRef: models.TenantRef{TenantID: tenant.ID}}
				local.Init(r.now())
				applyInstance(newChanges(local), local, s, groups)
				return local, nil
			},
			update: func(l *models.Instance, s openstack.Server) []string {
				return applyInstance(newChanges(l), l, s, groups)
			},
		})
	})
}

func (r *Reconciler) GetImportableInstances(ctx context.Context, tenant models.Tenant) ([]openstack.Server, error) {
	locals, remotes, err := r.instances(ctx, tenant)
	if err != nil {
		return nil, err
	}
	return importable(locals, remotes, func(s openstack.Server) string { return s.ID }), nil
}

func (r *Reconciler) GetExpiredInstances(ctx context.Context, tenant models.Tenant) ([]*models.Instance, error) {
	locals, remotes, err := r.instances(ctx, tenant)
	if err != nil {
		return nil, err
	}
	return expired(locals, remotes, func(s openstack.Server) string { return s.ID }), nil
}

func (r *Reconciler) instances(ctx context.Context, tenant models.Tenant) ([]*models.Instance, []openstack.Server, error) {
	clients, err := r.scoped(ctx, tenant)
	if err != nil {
		return nil, nil, err
	}
	remotes, err := clients.Compute.ListServers(ctx)
	if err != nil {
		return nil, nil, r.failed("list_servers", err)
	}
	locals, err := selectTenant[models.Instance](r.DB, "instances", tenant.ID)
	return locals, remotes, err
}

// Number of servers left in the tenant project.
func (r *Reconciler) RemainingInstances(ctx context.Context, tenant models.Tenant) (int, error) {
	clients, err := r.scoped(ctx, tenant)
	if err != nil {
		return 0, err
	}
	remotes, err := clients.Compute.ListServers(ctx)
	if err != nil {
		return 0, r.failed("list_servers", err)
	}
	return len(remotes), nil
}
