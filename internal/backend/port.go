// Copyright 2025 SAP SE
// SPDX-License-Identifier: Apache-2.0

package backend

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/cobaltcore-dev/cirrus/internal/events"
	"github.com/cobaltcore-dev/cirrus/internal/models"
	"github.com/cobaltcore-dev/cirrus/internal/openstack"
	"github.com/go-gorp/gorp"
)

// Local ids of related records, needed to translate backend references.
type portRefs struct {
	networks, subnets, instances, groups map[string]string
}

func loadPortRefs(exec gorp.SqlExecutor, tenantID string) (portRefs, error) {
	var refs portRefs
	var err error
	if refs.networks, err = backendIDs(exec, "networks", tenantID); err != nil {
		return refs, err
	}
	if refs.subnets, err = backendIDs(exec, "subnets", tenantID); err != nil {
		return refs, err
	}
	if refs.instances, err = backendIDs(exec, "instances", tenantID); err != nil {
		return refs, err
	}
	refs.groups, err = backendIDs(exec, "security_groups", tenantID)
	return refs, err
}

func (r *Reconciler) CreatePort(ctx context.Context, tenant models.Tenant, port *models.Port) error {
	clients, err := r.scoped(ctx, tenant)
	if err != nil {
		return err
	}
	refs, err := loadPortRefs(r.DB, tenant.ID)
	if err != nil {
		return err
	}
	spec := openstack.PortSpec{
		Name:           port.Name,
		ProjectID:      tenant.BackendID,
		NetworkID:      invert(refs.networks)[port.NetworkID],
		SecurityGroups: translate(port.SecurityGroupIDs, invert(refs.groups)),
	}
	subnetBackendID := invert(refs.subnets)[port.SubNetID]
	if spec.NetworkID == "" && subnetBackendID != "" {
		var subnet models.SubNet
		if err := r.DB.SelectOne(&subnet, "SELECT * FROM subnets WHERE id = :id", map[string]any{"id": port.SubNetID}); err != nil {
			return fmt.Errorf("failed to load subnet of port %s: %w", port.ID, err)
		}
		port.NetworkID = subnet.NetworkID
		spec.NetworkID = invert(refs.networks)[subnet.NetworkID]
	}
	if spec.NetworkID == "" {
		return fmt.Errorf("port %s has no network with backend id", port.ID)
	}
	for _, ip := range port.FixedIPs {
		spec.FixedIPs = append(spec.FixedIPs, openstack.FixedIP{IPAddress: ip.IPAddress, SubnetID: invert(refs.subnets)[ip.SubnetID]})
	}
	if len(spec.FixedIPs) == 0 && subnetBackendID != "" {
		spec.FixedIPs = []openstack.FixedIP{{SubnetID: subnetBackendID}}
	}
	for _, pair := range port.AllowedAddressPairs {
		spec.AllowedAddressPairs = append(spec.AllowedAddressPairs, openstack.AddressPair{IPAddress: pair.IPAddress, MACAddress: pair.MACAddress})
	}
	remote, err := clients.Network.CreatePort(ctx, spec)
	if err != nil {
		return r.failed("create_port", err)
	}
	port.BackendID = remote.ID
	// The instance of the port is bound by the following server create.
	instanceID := port.InstanceID
	applyPort(newChanges(port), port, remote, refs)
	port.InstanceID = instanceID
	if err := r.save(port); err != nil {
		return err
	}
	r.emit(r.event(events.Created, port, nil))
	return nil
}

func applyPort(c *changes, local *models.Port, remote openstack.Port, refs portRefs) []string {
	set(c, "name", &local.Name, remote.Name)
	set(c, "runtime_state", &local.RuntimeState, remote.Status)
	set(c, "mac_address", &local.MACAddress, remote.MACAddress)
	set(c, "device_id", &local.DeviceID, remote.DeviceID)
	set(c, "device_owner", &local.DeviceOwner, remote.DeviceOwner)
	if id, ok := refs.networks[remote.NetworkID]; ok {
		set(c, "network_id", &local.NetworkID, id)
	}
	fixedIPs := make([]models.FixedIP, 0, len(remote.FixedIPs))
	for _, ip := range remote.FixedIPs {
		fixedIPs = append(fixedIPs, models.FixedIP{IPAddress: ip.IPAddress, SubnetID: refs.subnets[ip.SubnetID]})
	}
	setList(c, "fixed_ips", &local.FixedIPs, fixedIPs)
	if len(fixedIPs) > 0 && fixedIPs[0].SubnetID != "" {
		set(c, "subnet_id", &local.SubNetID, fixedIPs[0].SubnetID)
	}
	pairs := make([]models.AddressPair, 0, len(remote.AllowedAddressPairs))
	for _, pair := range remote.AllowedAddressPairs {
		pairs = append(pairs, models.AddressPair{IPAddress: pair.IPAddress, MACAddress: pair.MACAddress})
	}
	setList(c, "allowed_address_pairs", &local.AllowedAddressPairs, pairs)
	setList(c, "security_group_ids", &local.SecurityGroupIDs, translate(remote.SecurityGroups, refs.groups))
	if strings.HasPrefix(remote.DeviceOwner, "compute:") {
		if id, ok := refs.instances[remote.DeviceID]; ok {
			set(c, "instance_id", &local.InstanceID, id)
		}
	} else if local.InstanceID != "" && remote.DeviceID == "" {
		set(c, "instance_id", &local.InstanceID, "")
	}
	return c.columns
}

// Push name, security groups and address pairs of the port.
func (r *Reconciler) UpdatePort(ctx context.Context, tenant models.Tenant, port *models.Port) error {
	clients, err := r.scoped(ctx, tenant)
	if err != nil {
		return err
	}
	groups, err := backendIDs(r.DB, "security_groups", tenant.ID)
	if err != nil {
		return err
	}
	name := port.Name
	securityGroups := translate(port.SecurityGroupIDs, invert(groups))
	pairs := make([]openstack.AddressPair, 0, len(port.AllowedAddressPairs))
	for _, pair := range port.AllowedAddressPairs {
		pairs = append(pairs, openstack.AddressPair{IPAddress: pair.IPAddress, MACAddress: pair.MACAddress})
	}
	_, err = clients.Network.UpdatePort(ctx, port.BackendID, openstack.PortUpdate{
		Name:                &name,
		SecurityGroups:      &securityGroups,
		AllowedAddressPairs: &pairs,
	})
	if err != nil {
		return r.failed("update_port", err)
	}
	if err := r.save(port); err != nil {
		return err
	}
	r.emit(r.event(events.Updated, port, nil))
	return nil
}

// Delete a port. Router interfaces are owned by their router and are
// skipped; they go away with DeleteRouter.
func (r *Reconciler) DeletePort(ctx context.Context, tenant models.Tenant, port *models.Port) error {
	if port.BackendID == "" || port.IsRouterInterface() {
		return nil
	}
	clients, err := r.scoped(ctx, tenant)
	if err != nil {
		return err
	}
	if err := clients.Network.DeletePort(ctx, port.BackendID); err != nil && !openstack.IsNotFound(err) {
		return r.failed("delete_port", err)
	}
	return nil
}

// Delete every port of the tenant project except router interfaces.
func (r *Reconciler) DeletePorts(ctx context.Context, tenant models.Tenant) error {
	clients, err := r.scoped(ctx, tenant)
	if err != nil {
		return err
	}
	remotes, err := clients.Network.ListPorts(ctx, tenant.BackendID)
	if err != nil {
		return r.failed("list_ports", err)
	}
	for _, p := range remotes {
		// Router interfaces and dhcp ports belong to the network service.
		if strings.HasPrefix(p.DeviceOwner, "network:") {
			continue
		}
		if err := clients.Network.DeletePort(ctx, p.ID); err != nil && !openstack.IsNotFound(err) {
			return r.failed("delete_port", err)
		}
	}
	return nil
}

func (r *Reconciler) IsPortDeleted(ctx context.Context, tenant models.Tenant, port models.Port) openstack.Probe {
	clients, err := r.scoped(ctx, tenant)
	if err != nil {
		return openstack.Probe{Result: openstack.ProbeError, Err: err}
	}
	return openstack.ProbeWith(ctx, port.BackendID, clients.Network.GetPort)
}

// Pull all ports of the tenant. Pending local ports are adopted by their
// subnet and device.
func (r *Reconciler) PullPorts(ctx context.Context, tenant models.Tenant) error {
	clients, err := r.scoped(ctx, tenant)
	if err != nil {
		return err
	}
	remotes, err := clients.Network.ListPorts(ctx, tenant.BackendID)
	if err != nil {
		return r.failed("pull_ports", err)
	}
	return r.inTransaction(func(tx *gorp.Transaction) ([]events.Event, error) {
		refs, err := loadPortRefs(tx, tenant.ID)
		if err != nil {
			return nil, err
		}
		locals, err := selectTenant[models.Port](tx, "ports", tenant.ID)
		if err != nil {
			return nil, err
		}
		instanceBackendIDs := invert(refs.instances)
		return reconcile(r, tx, reconcileSpec[*models.Port, openstack.Port]{
			kind:     models.KindPort,
			locals:   locals,
			remotes:  remotes,
			remoteID: func(p openstack.Port) string { return p.ID },
			match: func(l *models.Port, p openstack.Port) bool {
				if l.SubNetID == "" || l.InstanceID == "" {
					return false
				}
				inSubnet := slices.ContainsFunc(p.FixedIPs, func(ip openstack.FixedIP) bool { return refs.subnets[ip.SubnetID] == l.SubNetID })
				return inSubnet && p.DeviceID != "" && p.DeviceID == instanceBackendIDs[l.InstanceID]
			},
			newLocal: func(p openstack.Port) (*models.Port, error) {
				local := &models.Port{TenantRef: models.TenantRef{TenantID: tenant.ID}}
				local.Init(r.now())
				applyPort(newChanges(local), local, p, refs)
				return local, nil
			},
			update: func(l *models.Port, p openstack.Port) []string { return applyPort(newChanges(l), l, p, refs) },
		})
	})
}

func (r *Reconciler) GetImportablePorts(ctx context.Context, tenant models.Tenant) ([]openstack.Port, error) {
	clients, err := r.scoped(ctx, tenant)
	if err != nil {
		return nil, err
	}
	remotes, err := clients.Network.ListPorts(ctx, tenant.BackendID)
	if err != nil {
		return nil, r.failed("list_ports", err)
	}
	locals, err := selectTenant[models.Port](r.DB, "ports", tenant.ID)
	if err != nil {
		return nil, err
	}
	return importable(locals, remotes, func(p openstack.Port) string { return p.ID }), nil
}
