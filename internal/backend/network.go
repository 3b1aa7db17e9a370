// Copyright 2025 SAP SE
// SPDX-License-Identifier: Apache-2.0

package backend

import (
	"context"
	"errors"
	"fmt"
	"net/netip"

	"github.com/cobaltcore-dev/cirrus/internal/events"
	"github.com/cobaltcore-dev/cirrus/internal/models"
	"github.com/cobaltcore-dev/cirrus/internal/openstack"
	"github.com/go-gorp/gorp"
)

////////////////////////////////////////////////////////////////////////////////
// networks

// Check that a new network can be created for the tenant. A tenant has
// exactly one internal network.
func ValidateNetwork(exec gorp.SqlExecutor, tenant models.Tenant, network models.Network) error {
	if network.IsExternal {
		return invalid("tenants cannot create external networks")
	}
	count, err := exec.SelectInt("SELECT COUNT(*) FROM networks WHERE tenant_id = :tenant AND is_external = :ext AND id <> :id",
		map[string]any{"tenant": tenant.ID, "ext": false, "id": network.ID})
	if err != nil {
		return fmt.Errorf("failed to count networks: %w", err)
	}
	if count > 0 {
		return invalid("tenant %s already has an internal network", tenant.Name)
	}
	return nil
}

func (r *Reconciler) CreateNetwork(ctx context.Context, tenant models.Tenant, network *models.Network) error {
	clients, err := r.scoped(ctx, tenant)
	if err != nil {
		return err
	}
	remote, err := clients.Network.CreateNetwork(ctx, openstack.NetworkSpec{Name: network.Name, ProjectID: tenant.BackendID})
	if err != nil {
		return r.failed("create_network", err)
	}
	network.BackendID = remote.ID
	applyNetwork(newChanges(network), network, remote)
	if err := r.save(network); err != nil {
		return err
	}
	r.emit(r.event(events.Created, network, nil))
	return nil
}

func applyNetwork(c *changes, local *models.Network, remote openstack.Network) []string {
	set(c, "name", &local.Name, remote.Name)
	set(c, "runtime_state", &local.RuntimeState, remote.Status)
	set(c, "is_external", &local.IsExternal, remote.IsExternal)
	set(c, "network_type", &local.NetworkType, remote.Type)
	set(c, "segmentation_id", &local.SegmentationID, remote.SegmentationID)
	set(c, "mtu", &local.MTU, remote.MTU)
	return c.columns
}

func (r *Reconciler) UpdateNetwork(ctx context.Context, tenant models.Tenant, network *models.Network) error {
	clients, err := r.scoped(ctx, tenant)
	if err != nil {
		return err
	}
	if _, err := clients.Network.UpdateNetwork(ctx, network.BackendID, network.Name); err != nil {
		return r.failed("update_network", err)
	}
	if err := r.save(network); err != nil {
		return err
	}
	r.emit(r.event(events.Updated, network, nil))
	return nil
}

func (r *Reconciler) DeleteNetwork(ctx context.Context, tenant models.Tenant, network *models.Network) error {
	if network.BackendID == "" {
		return nil
	}
	clients, err := r.scoped(ctx, tenant)
	if err != nil {
		return err
	}
	if err := clients.Network.DeleteNetwork(ctx, network.BackendID); err != nil && !openstack.IsNotFound(err) {
		return r.failed("delete_network", err)
	}
	return nil
}

func (r *Reconciler) IsNetworkDeleted(ctx context.Context, tenant models.Tenant, network models.Network) openstack.Probe {
	clients, err := r.scoped(ctx, tenant)
	if err != nil {
		return openstack.Probe{Result: openstack.ProbeError, Err: err}
	}
	return openstack.ProbeWith(ctx, network.BackendID, clients.Network.GetNetwork)
}

// Delete every network of the tenant project, internal subnets included.
func (r *Reconciler) DeleteNetworks(ctx context.Context, tenant models.Tenant) error {
	clients, err := r.scoped(ctx, tenant)
	if err != nil {
		return err
	}
	remotes, err := clients.Network.ListNetworks(ctx, tenant.BackendID)
	if err != nil {
		return r.failed("list_networks", err)
	}
	for _, n := range remotes {
		if n.IsExternal {
			continue
		}
		if err := clients.Network.DeleteNetwork(ctx, n.ID); err != nil && !openstack.IsNotFound(err) {
			return r.failed("delete_network", err)
		}
	}
	return nil
}

func (r *Reconciler) PullNetworks(ctx context.Context, tenant models.Tenant) error {
	clients, err := r.scoped(ctx, tenant)
	if err != nil {
		return err
	}
	remotes, err := clients.Network.ListNetworks(ctx, tenant.BackendID)
	if err != nil {
		return r.failed("pull_networks", err)
	}
	err = r.inTransaction(func(tx *gorp.Transaction) ([]events.Event, error) {
		locals, err := selectTenant[models.Network](tx, "networks", tenant.ID)
		if err != nil {
			return nil, err
		}
		return reconcile(r, tx, reconcileSpec[*models.Network, openstack.Network]{
			kind:     models.KindNetwork,
			locals:   locals,
			remotes:  remotes,
			remoteID: func(n openstack.Network) string { return n.ID },
			newLocal: func(n openstack.Network) (*models.Network, error) {
				local := &models.Network{TenantRef: models.TenantRef{TenantID: tenant.ID}}
				local.Init(r.now())
				applyNetwork(newChanges(local), local, n)
				return local, nil
			},
			update: func(l *models.Network, n openstack.Network) []string { return applyNetwork(newChanges(l), l, n) },
		})
	})
	if err != nil {
		return err
	}
	return r.linkInternalNetwork(tenant)
}

// Point the tenant to its internal network if it lost track of it, e.g.
// after an import.
func (r *Reconciler) linkInternalNetwork(tenant models.Tenant) error {
	if tenant.InternalNetworkID != "" {
		return nil
	}
	_, err := r.DB.Exec(`UPDATE tenants SET internal_network_id = COALESCE((
		SELECT id FROM networks WHERE tenant_id = :tenant AND is_external = :ext ORDER BY created_at, id LIMIT 1), '')
		WHERE id = :tenant AND internal_network_id = ''`, map[string]any{"tenant": tenant.ID, "ext": false})
	if err != nil {
		return fmt.Errorf("failed to link internal network of tenant %s: %w", tenant.ID, err)
	}
	return nil
}

func (r *Reconciler) GetImportableNetworks(ctx context.Context, tenant models.Tenant) ([]openstack.Network, error) {
	locals, remotes, err := r.networks(ctx, tenant)
	if err != nil {
		return nil, err
	}
	return importable(locals, remotes, func(n openstack.Network) string { return n.ID }), nil
}

func (r *Reconciler) GetExpiredNetworks(ctx context.Context, tenant models.Tenant) ([]*models.Network, error) {
	locals, remotes, err := r.networks(ctx, tenant)
	if err != nil {
		return nil, err
	}
	return expired(locals, remotes, func(n openstack.Network) string { return n.ID }), nil
}

func (r *Reconciler) networks(ctx context.Context, tenant models.Tenant) ([]*models.Network, []openstack.Network, error) {
	clients, err := r.scoped(ctx, tenant)
	if err != nil {
		return nil, nil, err
	}
	remotes, err := clients.Network.ListNetworks(ctx, tenant.BackendID)
	if err != nil {
		return nil, nil, r.failed("list_networks", err)
	}
	locals, err := selectTenant[models.Network](r.DB, "networks", tenant.ID)
	return locals, remotes, err
}

////////////////////////////////////////////////////////////////////////////////
// subnets

// Check that the subnet fits the internal network of its tenant: one
// subnet per network and no overlapping CIDRs within the tenant.
func ValidateSubnet(exec gorp.SqlExecutor, tenant models.Tenant, subnet models.SubNet) error {
	prefix, err := netip.ParsePrefix(subnet.CIDR)
	if err != nil {
		return invalid("invalid CIDR %q", subnet.CIDR)
	}
	siblings, err := selectTenant[models.SubNet](exec, "subnets", tenant.ID)
	if err != nil {
		return err
	}
	for _, s := range siblings {
		if s.ID == subnet.ID {
			continue
		}
		if s.NetworkID == subnet.NetworkID {
			return invalid("network %s already has a subnet", subnet.NetworkID)
		}
		other, err := netip.ParsePrefix(s.CIDR)
		if err == nil && other.Overlaps(prefix) {
			return invalid("CIDR %s overlaps with subnet %s (%s)", subnet.CIDR, s.Name, s.CIDR)
		}
	}
	return nil
}

func subnetSpec(subnet models.SubNet, networkBackendID string) openstack.SubnetSpec {
	spec := openstack.SubnetSpec{
		NetworkID:      networkBackendID,
		Name:           subnet.Name,
		CIDR:           subnet.CIDR,
		GatewayIP:      subnet.GatewayIP,
		DisableGateway: subnet.DisableGateway,
		EnableDHCP:     subnet.EnableDHCP,
		DNSNameservers: subnet.DNSNameservers,
	}
	for _, p := range subnet.AllocationPools {
		spec.AllocationPools = append(spec.AllocationPools, openstack.AllocationPool{Start: p.Start, End: p.End})
	}
	for _, route := range subnet.HostRoutes {
		spec.HostRoutes = append(spec.HostRoutes, openstack.HostRoute{Destination: route.Destination, NextHop: route.NextHop})
	}
	return spec
}

func (r *Reconciler) CreateSubnet(ctx context.Context, tenant models.Tenant, subnet *models.SubNet) error {
	clients, err := r.scoped(ctx, tenant)
	if err != nil {
		return err
	}
	var network models.Network
	if err := r.DB.SelectOne(&network, "SELECT * FROM networks WHERE id = :id", map[string]any{"id": subnet.NetworkID}); err != nil {
		return fmt.Errorf("failed to load network of subnet %s: %w", subnet.ID, err)
	}
	if network.BackendID == "" {
		return fmt.Errorf("network %s of subnet %s has no backend id", network.ID, subnet.ID)
	}
	remote, err := clients.Network.CreateSubnet(ctx, subnetSpec(*subnet, network.BackendID))
	if err != nil {
		return r.failed("create_subnet", err)
	}
	subnet.BackendID = remote.ID
	applySubnet(newChanges(subnet), subnet, remote, nil)
	subnet.RuntimeState = "ACTIVE"
	if err := r.save(subnet); err != nil {
		return err
	}
	r.emit(r.event(events.Created, subnet, nil))
	return nil
}

// Copy remote subnet fields. networks maps backend to local network ids;
// without it the network is left alone.
func applySubnet(c *changes, local *models.SubNet, remote openstack.Subnet, networks map[string]string) []string {
	set(c, "name", &local.Name, remote.Name)
	set(c, "cidr", &local.CIDR, remote.CIDR)
	set(c, "gateway_ip", &local.GatewayIP, remote.GatewayIP)
	set(c, "enable_dhcp", &local.EnableDHCP, remote.EnableDHCP)
	set(c, "ip_version", &local.IPVersion, remote.IPVersion)
	pools := make([]models.AllocationPool, 0, len(remote.AllocationPools))
	for _, p := range remote.AllocationPools {
		pools = append(pools, models.AllocationPool{Start: p.Start, End: p.End})
	}
	setList(c, "allocation_pools", &local.AllocationPools, pools)
	setList(c, "dns_nameservers", &local.DNSNameservers, remote.DNSNameservers)
	routes := make([]models.Route, 0, len(remote.HostRoutes))
	for _, route := range remote.HostRoutes {
		routes = append(routes, models.Route{Destination: route.Destination, NextHop: route.NextHop})
	}
	setList(c, "host_routes", &local.HostRoutes, routes)
	if networkID, ok := networks[remote.NetworkID]; ok {
		set(c, "network_id", &local.NetworkID, networkID)
	}
	return c.columns
}

func (r *Reconciler) UpdateSubnet(ctx context.Context, tenant models.Tenant, subnet *models.SubNet) error {
	clients, err := r.scoped(ctx, tenant)
	if err != nil {
		return err
	}
	if _, err := clients.Network.UpdateSubnet(ctx, subnet.BackendID, subnetSpec(*subnet, "")); err != nil {
		return r.failed("update_subnet", err)
	}
	if err := r.save(subnet); err != nil {
		return err
	}
	r.emit(r.event(events.Updated, subnet, nil))
	return nil
}

func (r *Reconciler) DeleteSubnet(ctx context.Context, tenant models.Tenant, subnet *models.SubNet) error {
	if subnet.BackendID == "" {
		return nil
	}
	clients, err := r.scoped(ctx, tenant)
	if err != nil {
		return err
	}
	if subnet.IsConnected {
		if err := r.DisconnectSubnet(ctx, tenant, subnet); err != nil {
			return err
		}
	}
	if err := clients.Network.DeleteSubnet(ctx, subnet.BackendID); err != nil && !openstack.IsNotFound(err) {
		return r.failed("delete_subnet", err)
	}
	return nil
}

func (r *Reconciler) IsSubnetDeleted(ctx context.Context, tenant models.Tenant, subnet models.SubNet) openstack.Probe {
	clients, err := r.scoped(ctx, tenant)
	if err != nil {
		return openstack.Probe{Result: openstack.ProbeError, Err: err}
	}
	return openstack.ProbeWith(ctx, subnet.BackendID, clients.Network.GetSubnet)
}

func (r *Reconciler) PullSubnets(ctx context.Context, tenant models.Tenant) error {
	clients, err := r.scoped(ctx, tenant)
	if err != nil {
		return err
	}
	remotes, err := clients.Network.ListSubnets(ctx, tenant.BackendID)
	if err != nil {
		return r.failed("pull_subnets", err)
	}
	connected, err := r.connectedSubnets(ctx, tenant)
	if err != nil {
		return err
	}
	return r.inTransaction(func(tx *gorp.Transaction) ([]events.Event, error) {
		networks, err := backendIDs(tx, "networks", tenant.ID)
		if err != nil {
			return nil, err
		}
		locals, err := selectTenant[models.SubNet](tx, "subnets", tenant.ID)
		if err != nil {
			return nil, err
		}
		return reconcile(r, tx, reconcileSpec[*models.SubNet, openstack.Subnet]{
			kind:     models.KindSubNet,
			locals:   locals,
			remotes:  remotes,
			remoteID: func(s openstack.Subnet) string { return s.ID },
			newLocal: func(s openstack.Subnet) (*models.SubNet, error) {
				networkID, ok := networks[s.NetworkID]
				if !ok {
					return nil, fmt.Errorf("subnet %s belongs to unknown network %s, pull networks first", s.ID, s.NetworkID)
				}
				local := &models.SubNet{TenantRef: models.TenantRef{TenantID: tenant.ID}, NetworkID: networkID, IsConnected: connected[s.ID]}
				local.Init(r.now())
				local.RuntimeState = "ACTIVE"
				applySubnet(newChanges(local), local, s, networks)
				return local, nil
			},
			update: func(l *models.SubNet, s openstack.Subnet) []string {
				c := newChanges(l)
				applySubnet(c, l, s, networks)
				// Connection state always follows the router interfaces.
				if l.IsConnected != connected[s.ID] {
					l.IsConnected = connected[s.ID]
					c.columns = append(c.columns, "is_connected")
				}
				return c.columns
			},
		})
	})
}

// Backend ids of the subnets that have an interface on a router of the
// tenant.
func (r *Reconciler) connectedSubnets(ctx context.Context, tenant models.Tenant) (map[string]bool, error) {
	clients, err := r.scoped(ctx, tenant)
	if err != nil {
		return nil, err
	}
	ports, err := clients.Network.ListPorts(ctx, tenant.BackendID)
	if err != nil {
		return nil, r.failed("list_ports", err)
	}
	out := map[string]bool{}
	for _, p := range ports {
		if !(models.Port{DeviceOwner: p.DeviceOwner}).IsRouterInterface() {
			continue
		}
		for _, ip := range p.FixedIPs {
			out[ip.SubnetID] = true
		}
	}
	return out, nil
}

func (r *Reconciler) GetImportableSubnets(ctx context.Context, tenant models.Tenant) ([]openstack.Subnet, error) {
	clients, err := r.scoped(ctx, tenant)
	if err != nil {
		return nil, err
	}
	remotes, err := clients.Network.ListSubnets(ctx, tenant.BackendID)
	if err != nil {
		return nil, r.failed("list_subnets", err)
	}
	locals, err := selectTenant[models.SubNet](r.DB, "subnets", tenant.ID)
	if err != nil {
		return nil, err
	}
	return importable(locals, remotes, func(s openstack.Subnet) string { return s.ID }), nil
}

// Add an interface for the subnet to the router of the tenant.
func (r *Reconciler) ConnectSubnet(ctx context.Context, tenant models.Tenant, subnet *models.SubNet) error {
	router, err := r.tenantRouter(tenant)
	if err != nil {
		return err
	}
	clients, err := r.scoped(ctx, tenant)
	if err != nil {
		return err
	}
	err = clients.Network.AddRouterInterface(ctx, router.BackendID, subnet.BackendID)
	if err != nil && !openstack.IsConflict(err) {
		return r.failed("connect_subnet", err)
	}
	subnet.IsConnected = true
	if err := r.save(subnet); err != nil {
		return err
	}
	r.emit(r.event(events.Updated, subnet, map[string]any{"fields": []string{"is_connected"}}))
	return nil
}

func (r *Reconciler) DisconnectSubnet(ctx context.Context, tenant models.Tenant, subnet *models.SubNet) error {
	router, err := r.tenantRouter(tenant)
	if err != nil {
		return err
	}
	clients, err := r.scoped(ctx, tenant)
	if err != nil {
		return err
	}
	err = clients.Network.RemoveRouterInterface(ctx, router.BackendID, subnet.BackendID)
	if err != nil && !openstack.IsNotFound(err) {
		return r.failed("disconnect_subnet", err)
	}
	subnet.IsConnected = false
	if err := r.save(subnet); err != nil {
		return err
	}
	r.emit(r.event(events.Updated, subnet, map[string]any{"fields": []string{"is_connected"}}))
	return nil
}

////////////////////////////////////////////////////////////////////////////////
// routers

// The router of the tenant that connects its subnets.
func (r *Reconciler) tenantRouter(tenant models.Tenant) (*models.Router, error) {
	var routers []*models.Router
	_, err := r.DB.Select(&routers, "SELECT * FROM routers WHERE tenant_id = :tenant AND backend_id <> '' ORDER BY created_at, id",
		map[string]any{"tenant": tenant.ID})
	if err != nil {
		return nil, fmt.Errorf("failed to select routers of tenant %s: %w", tenant.ID, err)
	}
	if len(routers) == 0 {
		return nil, invalid("tenant %s has no router", tenant.Name)
	}
	return routers[0], nil
}

func (r *Reconciler) CreateRouter(ctx context.Context, tenant models.Tenant, router *models.Router) error {
	clients, err := r.scoped(ctx, tenant)
	if err != nil {
		return err
	}
	remote, err := clients.Network.CreateRouter(ctx, openstack.RouterSpec{
		Name:              router.Name,
		ProjectID:         tenant.BackendID,
		ExternalNetworkID: router.ExternalGatewayNetworkID,
	})
	if err != nil {
		return r.failed("create_router", err)
	}
	router.BackendID = remote.ID
	applyRouter(newChanges(router), router, remote)
	if err := r.save(router); err != nil {
		return err
	}
	r.emit(r.event(events.Created, router, nil))
	return nil
}

func applyRouter(c *changes, local *models.Router, remote openstack.Router) []string {
	set(c, "name", &local.Name, remote.Name)
	set(c, "runtime_state", &local.RuntimeState, remote.Status)
	routes := make([]models.Route, 0, len(remote.Routes))
	for _, route := range remote.Routes {
		routes = append(routes, models.Route{Destination: route.Destination, NextHop: route.NextHop})
	}
	setList(c, "routes", &local.Routes, routes)
	ips := make([]string, 0, len(remote.GatewayInfo.ExternalFixedIPs))
	for _, ip := range remote.GatewayInfo.ExternalFixedIPs {
		ips = append(ips, ip.IPAddress)
	}
	setList(c, "fixed_ips", &local.FixedIPs, ips)
	set(c, "external_gateway_network_id", &local.ExternalGatewayNetworkID, remote.GatewayInfo.NetworkID)
	return c.columns
}

// Give the tenant a router with a gateway into the external network and
// connect the internal subnet to it.
func (r *Reconciler) ConnectToExternalNetwork(ctx context.Context, tenant *models.Tenant, externalNetworkID string) error {
	if externalNetworkID == "" {
		externalNetworkID = r.externalNetworkID(*tenant)
	}
	if externalNetworkID == "" {
		return invalid("no external network configured for tenant %s", tenant.Name)
	}
	clients, err := r.scoped(ctx, *tenant)
	if err != nil {
		return err
	}
	router, err := r.tenantRouter(*tenant)
	var noRouter *ValidationError
	if errors.As(err, &noRouter) {
		router = &models.Router{
			TenantRef:                models.TenantRef{TenantID: tenant.ID},
			Lifecycle:                models.Lifecycle{State: models.StateCreating},
			ExternalGatewayNetworkID: externalNetworkID,
		}
		router.Name = tenant.Name + "-router"
		router.Init(r.now())
		if err := r.insert(r.DB, router); err != nil {
			return err
		}
		if err := r.CreateRouter(ctx, *tenant, router); err != nil {
			return err
		}
		if err := r.SetState(router, models.StateOK, ""); err != nil {
			return err
		}
	} else if err != nil {
		return err
	} else {
		remote, err := clients.Network.SetRouterGateway(ctx, router.BackendID, externalNetworkID)
		if err != nil {
			return r.failed("set_router_gateway", err)
		}
		applyRouter(newChanges(router), router, remote)
		if err := r.save(router); err != nil {
			return err
		}
	}
	tenant.ExternalNetworkID = externalNetworkID
	if err := r.save(tenant); err != nil {
		return err
	}
	if tenant.InternalNetworkID == "" {
		return nil
	}
	var subnets []*models.SubNet
	_, err = r.DB.Select(&subnets, "SELECT * FROM subnets WHERE network_id = :network AND backend_id <> ''", map[string]any{"network": tenant.InternalNetworkID})
	if err != nil {
		return fmt.Errorf("failed to select internal subnets: %w", err)
	}
	for _, s := range subnets {
		if err := r.ConnectSubnet(ctx, *tenant, s); err != nil {
			return err
		}
	}
	return nil
}

// Replace the static routes of the router.
func (r *Reconciler) SetRoutes(ctx context.Context, tenant models.Tenant, router *models.Router, routes []models.Route) error {
	clients, err := r.scoped(ctx, tenant)
	if err != nil {
		return err
	}
	request := make([]openstack.HostRoute, 0, len(routes))
	for _, route := range routes {
		request = append(request, openstack.HostRoute{Destination: route.Destination, NextHop: route.NextHop})
	}
	remote, err := clients.Network.SetRouterRoutes(ctx, router.BackendID, request)
	if err != nil {
		return r.failed("set_routes", err)
	}
	applyRouter(newChanges(router), router, remote)
	if err := r.save(router); err != nil {
		return err
	}
	r.emit(r.event(events.Updated, router, map[string]any{"fields": []string{"routes"}}))
	return nil
}

// Remove the static routes of all routers of the tenant project.
func (r *Reconciler) DeleteRoutes(ctx context.Context, tenant models.Tenant) error {
	clients, err := r.scoped(ctx, tenant)
	if err != nil {
		return err
	}
	routers, err := clients.Network.ListRouters(ctx, tenant.BackendID)
	if err != nil {
		return r.failed("list_routers", err)
	}
	for _, router := range routers {
		if len(router.Routes) == 0 {
			continue
		}
		if _, err := clients.Network.SetRouterRoutes(ctx, router.ID, nil); err != nil && !openstack.IsNotFound(err) {
			return r.failed("delete_routes", err)
		}
	}
	return nil
}

// Delete a router after removing its interfaces.
func (r *Reconciler) DeleteRouter(ctx context.Context, tenant models.Tenant, router *models.Router) error {
	if router.BackendID == "" {
		return nil
	}
	clients, err := r.scoped(ctx, tenant)
	if err != nil {
		return err
	}
	return r.deleteRouter(ctx, clients, tenant, router.BackendID)
}

func (r *Reconciler) deleteRouter(ctx context.Context, clients openstack.Clients, tenant models.Tenant, routerID string) error {
	ports, err := clients.Network.ListPorts(ctx, tenant.BackendID)
	if err != nil {
		return r.failed("list_ports", err)
	}
	for _, p := range ports {
		if p.DeviceID != routerID || !(models.Port{DeviceOwner: p.DeviceOwner}).IsRouterInterface() {
			continue
		}
		for _, ip := range p.FixedIPs {
			err := clients.Network.RemoveRouterInterface(ctx, routerID, ip.SubnetID)
			if err != nil && !openstack.IsNotFound(err) {
				return r.failed("remove_router_interface", err)
			}
		}
	}
	if err := clients.Network.DeleteRouter(ctx, routerID); err != nil && !openstack.IsNotFound(err) {
		return r.failed("delete_router", err)
	}
	return nil
}

// Delete every router of the tenant project.
func (r *Reconciler) DeleteRouters(ctx context.Context, tenant models.Tenant) error {
	clients, err := r.scoped(ctx, tenant)
	if err != nil {
		return err
	}
	routers, err := clients.Network.ListRouters(ctx, tenant.BackendID)
	if err != nil {
		return r.failed("list_routers", err)
	}
	for _, router := range routers {
		if err := r.deleteRouter(ctx, clients, tenant, router.ID); err != nil {
			return err
		}
	}
	return nil
}

func (r *Reconciler) IsRouterDeleted(ctx context.Context, tenant models.Tenant, router models.Router) openstack.Probe {
	clients, err := r.scoped(ctx, tenant)
	if err != nil {
		return openstack.Probe{Result: openstack.ProbeError, Err: err}
	}
	return openstack.ProbeWith(ctx, router.BackendID, clients.Network.GetRouter)
}

func (r *Reconciler) PullRouters(ctx context.Context, tenant models.Tenant) error {
	clients, err := r.scoped(ctx, tenant)
	if err != nil {
		return err
	}
	remotes, err := clients.Network.ListRouters(ctx, tenant.BackendID)
	if err != nil {
		return r.failed("pull_routers", err)
	}
	return r.inTransaction(func(tx *gorp.Transaction) ([]events.Event, error) {
		locals, err := selectTenant[models.Router](tx, "routers", tenant.ID)
		if err != nil {
			return nil, err
		}
		return reconcile(r, tx, reconcileSpec[*models.Router, openstack.Router]{
			kind:     models.KindRouter,
			locals:   locals,
			remotes:  remotes,
			remoteID: func(x openstack.Router) string { return x.ID },
			newLocal: func(x openstack.Router) (*models.Router, error) {
				local := &models.Router{TenantRef: models.TenantRef{TenantID: tenant.ID}}
				local.Init(r.now())
				applyRouter(newChanges(local), local, x)
				return local, nil
			},
			update: func(l *models.Router, x openstack.Router) []string { return applyRouter(newChanges(l), l, x) },
		})
	})
}

func (r *Reconciler) GetExpiredRouters(ctx context.Context, tenant models.Tenant) ([]*models.Router, error) {
	clients, err := r.scoped(ctx, tenant)
	if err != nil {
		return nil, err
	}
	remotes, err := clients.Network.ListRouters(ctx, tenant.BackendID)
	if err != nil {
		return nil, r.failed("list_routers", err)
	}
	locals, err := selectTenant[models.Router](r.DB, "routers", tenant.ID)
	if err != nil {
		return nil, err
	}
	return expired(locals, remotes, func(x openstack.Router) string { return x.ID }), nil
}
