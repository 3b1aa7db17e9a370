// Copyright 2025 SAP SE
// SPDX-License-Identifier: Apache-2.0

package executors

import (
	"context"
	"fmt"
	"net/netip"
	"strings"

	"github.com/cobaltcore-dev/cirrus/internal/backend"
	"github.com/cobaltcore-dev/cirrus/internal/models"
	"github.com/cobaltcore-dev/cirrus/internal/tasks"
	"github.com/go-gorp/gorp"
	"github.com/majewsky/gg/option"
)

////////////////////////////////////////////////////////////////////////////////
// generic flows

// Admission step that has access to the reconciler and tenant.
type prepareFunc func(tx *gorp.Transaction, rec *backend.Reconciler, tenant models.Tenant) error

// Insert a new resource and create it in the backend. The resource must
// be initialized and belong to the tenant.
func (e *Executor) createSimple(name string, res models.Resource, op string, prepare prepareFunc, extra ...tasks.Step) (*tasks.Chain, error) {
	rec, tenant, err := e.readyTenant(res.GetTenantID())
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(res.GetName()) == "" {
		return nil, invalid("%s name must not be empty", res.Kind())
	}
	steps := append([]tasks.Step{tasks.Direct(op, refOf(res), nil)}, extra...)
	return e.admit(admission{
		res:    res,
		to:     models.StateCreationScheduled,
		insert: true,
		chain:  lifecycleChain(name, tenant, res, models.StateCreating, steps...),
		prepare: func(tx *gorp.Transaction) error {
			if prepare == nil {
				return nil
			}
			return prepare(tx, rec, tenant)
		},
	})
}

// Change columns of a resource and run the steps that push them.
func (e *Executor) updateSimple(name string, res models.Resource, columns map[string]any, prepare prepareFunc, steps ...tasks.Step) (*tasks.Chain, error) {
	rec, tenant, err := e.Backends.ForTenant(res.GetTenantID())
	if err != nil {
		return nil, err
	}
	if n, ok := columns["name"].(string); ok && strings.TrimSpace(n) == "" {
		return nil, invalid("%s name must not be empty", res.Kind())
	}
	return e.admit(admission{
		res:   res,
		to:    models.StateUpdateScheduled,
		chain: lifecycleChain(name, tenant, res, models.StateUpdating, steps...),
		prepare: func(tx *gorp.Transaction) error {
			if prepare != nil {
				if err := prepare(tx, rec, tenant); err != nil {
					return err
				}
			}
			return setColumns(tx, res, columns)
		},
	})
}

// Delete a resource in the backend and remove its record. A resource that
// never reached the backend is only removed locally.
func (e *Executor) deleteSimple(name string, res models.Resource, force bool, prepare prepareFunc, steps ...tasks.Step) (*tasks.Chain, error) {
	rec, tenant, err := e.Backends.ForTenant(res.GetTenantID())
	if err != nil {
		return nil, err
	}
	if res.GetLifecycle().BackendID == "" {
		steps = nil
	}
	return e.admit(admission{
		res:   res,
		to:    models.StateDeletionScheduled,
		force: force,
		chain: deletionChain(name, tenant, res, steps...),
		prepare: func(tx *gorp.Transaction) error {
			if prepare == nil {
				return nil
			}
			return prepare(tx, rec, tenant)
		},
	})
}

// Resource that another resource refers to. It must belong to the same
// tenant and exist in the backend.
func requireReady(res models.Resource, tenant models.Tenant) error {
	if err := sameTenant(res, tenant); err != nil {
		return err
	}
	if res.GetLifecycle().State != models.StateOK || res.GetLifecycle().BackendID == "" {
		return conflict(res)
	}
	return nil
}

func countWhere(exec gorp.SqlExecutor, table, condition string, params map[string]any) (int64, error) {
	n, err := exec.SelectInt("SELECT COUNT(*) FROM "+table+" WHERE "+condition, params)
	if err != nil {
		return 0, fmt.Errorf("failed to count %s: %w", table, err)
	}
	return n, nil
}

////////////////////////////////////////////////////////////////////////////////
// networks

type NetworkRequest struct {
	TenantID string
	Name     string
}

// Create the internal network of a tenant that has none.
func (e *Executor) CreateNetwork(req NetworkRequest) (*tasks.Chain, error) {
	network := &models.Network{TenantRef: models.TenantRef{TenantID: req.TenantID}}
	network.Name = req.Name
	network.Init(e.now())
	return e.createSimple("create_network", network, opCreateNetwork, func(tx *gorp.Transaction, _ *backend.Reconciler, tenant models.Tenant) error {
		if err := backend.ValidateNetwork(tx, tenant, *network); err != nil {
			return err
		}
		return setColumns(tx, &tenant, map[string]any{"internal_network_id": network.ID})
	})
}

func (e *Executor) RenameNetwork(id, name string) (*tasks.Chain, error) {
	network, err := loadAs[*models.Network](e.DB, models.KindNetwork, id)
	if err != nil {
		return nil, err
	}
	return e.updateSimple("update_network", network, map[string]any{"name": name}, nil,
		tasks.Direct(opUpdateNetwork, refOf(network), nil))
}

// Delete a network without subnets.
func (e *Executor) DeleteNetwork(id string) (*tasks.Chain, error) {
	network, err := loadAs[*models.Network](e.DB, models.KindNetwork, id)
	if err != nil {
		return nil, err
	}
	ref := refOf(network)
	return e.deleteSimple("delete_network", network, false, func(tx *gorp.Transaction, _ *backend.Reconciler, _ models.Tenant) error {
		n, err := countWhere(tx, "subnets", "network_id = :id", map[string]any{"id": network.ID})
		if err != nil {
			return err
		}
		if n > 0 {
			return invalid("network %s still has subnets", network.Name)
		}
		return nil
	}, tasks.Direct(opDeleteNetwork, ref, nil), tasks.PollUntilGone(opNetworkGone, ref))
}

////////////////////////////////////////////////////////////////////////////////
// subnets

type SubnetRequest struct {
	TenantID       string
	NetworkID      string
	Name           string
	CIDR           string
	GatewayIP      option.Option[string]
	DNSNameservers []string
	HostRoutes     []models.Route
	DisableGateway bool
	// Connect the subnet to the tenant router once it is created.
	Connect bool
}

type SubnetUpdate struct {
	Name           option.Option[string]
	DNSNameservers option.Option[[]string]
	HostRoutes     option.Option[[]models.Route]
}

func (e *Executor) CreateSubnet(req SubnetRequest) (*tasks.Chain, error) {
	prefix, err := netip.ParsePrefix(req.CIDR)
	if err != nil {
		return nil, invalid("invalid CIDR %q", req.CIDR)
	}
	if err := validateRoutes(req.HostRoutes); err != nil {
		return nil, err
	}
	network, err := loadAs[*models.Network](e.DB, models.KindNetwork, req.NetworkID)
	if err != nil {
		return nil, err
	}
	subnet := &models.SubNet{
		TenantRef:      models.TenantRef{TenantID: req.TenantID},
		NetworkID:      network.ID,
		CIDR:           prefix.Masked().String(),
		DNSNameservers: req.DNSNameservers,
		HostRoutes:     req.HostRoutes,
		EnableDHCP:     true,
		DisableGateway: req.DisableGateway,
		IPVersion:      4,
	}
	if prefix.Addr().Is6() {
		subnet.IPVersion = 6
	}
	if gateway, ok := req.GatewayIP.Unpack(); ok {
		addr, err := netip.ParseAddr(gateway)
		if err != nil || !prefix.Contains(addr) {
			return nil, invalid("gateway %q is not inside %s", gateway, subnet.CIDR)
		}
		subnet.GatewayIP = addr.String()
	}
	if len(subnet.DNSNameservers) == 0 {
		subnet.DNSNameservers = e.Config.DefaultDNSNameservers
	}
	subnet.Name = req.Name
	subnet.Init(e.now())
	var extra []tasks.Step
	if req.Connect {
		extra = append(extra, tasks.Direct(opConnectSubnet, refOf(subnet), nil))
	}
	return e.createSimple("create_subnet", subnet, opCreateSubnet, func(tx *gorp.Transaction, _ *backend.Reconciler, tenant models.Tenant) error {
		if err := requireReady(network, tenant); err != nil {
			return err
		}
		return backend.ValidateSubnet(tx, tenant, *subnet)
	}, extra...)
}

func (e *Executor) UpdateSubnet(id string, update SubnetUpdate) (*tasks.Chain, error) {
	subnet, err := loadAs[*models.SubNet](e.DB, models.KindSubNet, id)
	if err != nil {
		return nil, err
	}
	columns := map[string]any{}
	if name, ok := update.Name.Unpack(); ok {
		columns["name"] = name
	}
	if servers, ok := update.DNSNameservers.Unpack(); ok {
		for _, s := range servers {
			if _, err := netip.ParseAddr(s); err != nil {
				return nil, invalid("invalid DNS nameserver %q", s)
			}
		}
		columns["dns_nameservers"] = models.StringList(servers)
	}
	if routes, ok := update.HostRoutes.Unpack(); ok {
		if err := validateRoutes(routes); err != nil {
			return nil, err
		}
		columns["host_routes"] = models.JSONList[models.Route](routes)
	}
	return e.updateSimple("update_subnet", subnet, columns, nil, tasks.Direct(opUpdateSubnet, refOf(subnet), nil))
}

// Connect the subnet to the router of its tenant.
func (e *Executor) ConnectSubnet(id string) (*tasks.Chain, error) {
	subnet, err := loadAs[*models.SubNet](e.DB, models.KindSubNet, id)
	if err != nil {
		return nil, err
	}
	if subnet.IsConnected {
		return nil, invalid("subnet %s is connected already", subnet.Name)
	}
	return e.updateSimple("connect_subnet", subnet, nil, nil, tasks.Direct(opConnectSubnet, refOf(subnet), nil))
}

func (e *Executor) DisconnectSubnet(id string) (*tasks.Chain, error) {
	subnet, err := loadAs[*models.SubNet](e.DB, models.KindSubNet, id)
	if err != nil {
		return nil, err
	}
	if !subnet.IsConnected {
		return nil, invalid("subnet %s is not connected", subnet.Name)
	}
	return e.updateSimple("disconnect_subnet", subnet, nil, nil, tasks.Direct(opDisconnectSubnet, refOf(subnet), nil))
}

// Delete a subnet without ports. A connected subnet is disconnected first.
func (e *Executor) DeleteSubnet(id string) (*tasks.Chain, error) {
	subnet, err := loadAs[*models.SubNet](e.DB, models.KindSubNet, id)
	if err != nil {
		return nil, err
	}
	ref := refOf(subnet)
	var steps []tasks.Step
	if subnet.IsConnected {
		steps = append(steps, tasks.Direct(opDisconnectSubnet, ref, nil))
	}
	steps = append(steps, tasks.Direct(opDeleteSubnet, ref, nil), tasks.PollUntilGone(opSubnetGone, ref))
	return e.deleteSimple("delete_subnet", subnet, false, func(tx *gorp.Transaction, _ *backend.Reconciler, _ models.Tenant) error {
		n, err := countWhere(tx, "ports", "subnet_id = :id AND instance_id <> ''", map[string]any{"id": subnet.ID})
		if err != nil {
			return err
		}
		if n > 0 {
			return invalid("subnet %s has ports of instances", subnet.Name)
		}
		return nil
	}, steps...)
}

func validateRoutes(routes []models.Route) error {
	for _, r := range routes {
		if _, err := netip.ParsePrefix(r.Destination); err != nil {
			return invalid("invalid route destination %q", r.Destination)
		}
		if _, err := netip.ParseAddr(r.NextHop); err != nil {
			return invalid("invalid route next hop %q", r.NextHop)
		}
	}
	return nil
}

////////////////////////////////////////////////////////////////////////////////
// routers

type RouterRequest struct {
	TenantID string
	Name     string
	// Backend id of the gateway network, the tenant's external network if none.
	ExternalNetworkID option.Option[string]
}

func (e *Executor) CreateRouter(req RouterRequest) (*tasks.Chain, error) {
	router := &models.Router{TenantRef: models.TenantRef{TenantID: req.TenantID}}
	router.Name = req.Name
	router.Init(e.now())
	return e.createSimple("create_router", router, opCreateRouter, func(tx *gorp.Transaction, rec *backend.Reconciler, tenant models.Tenant) error {
		n, err := countWhere(tx, "routers", "tenant_id = :tenant", map[string]any{"tenant": tenant.ID})
		if err != nil {
			return err
		}
		if n > 0 {
			return invalid("tenant %s already has a router", tenant.Name)
		}
		router.ExternalGatewayNetworkID = req.ExternalNetworkID.UnwrapOr(tenant.ExternalNetworkID)
		if router.ExternalGatewayNetworkID == "" {
			router.ExternalGatewayNetworkID = rec.Conn.ExternalNetworkID
		}
		return nil
	})
}

// Replace the static routes of a router.
func (e *Executor) SetRouterRoutes(id string, routes []models.Route) (*tasks.Chain, error) {
	router, err := loadAs[*models.Router](e.DB, models.KindRouter, id)
	if err != nil {
		return nil, err
	}
	if err := validateRoutes(routes); err != nil {
		return nil, err
	}
	return e.updateSimple("set_routes", router, map[string]any{"routes": models.JSONList[models.Route](routes)}, nil,
		tasks.Direct(opSetRoutes, refOf(router), nil))
}

func (e *Executor) DeleteRouter(id string) (*tasks.Chain, error) {
	router, err := loadAs[*models.Router](e.DB, models.KindRouter, id)
	if err != nil {
		return nil, err
	}
	ref := refOf(router)
	return e.deleteSimple("delete_router", router, false, nil,
		tasks.Direct(opDeleteRouter, ref, nil), tasks.PollUntilGone(opRouterGone, ref))
}

////////////////////////////////////////////////////////////////////////////////
// ports

type PortRequest struct {
	TenantID            string
	Name                string
	SubNetID            string
	SecurityGroupIDs    []string
	AllowedAddressPairs []models.AddressPair
}

type PortUpdate struct {
	Name             option.Option[string]
	SecurityGroupIDs option.Option[[]string]
}

func (e *Executor) CreatePort(req PortRequest) (*tasks.Chain, error) {
	subnet, err := loadAs[*models.SubNet](e.DB, models.KindSubNet, req.SubNetID)
	if err != nil {
		return nil, err
	}
	port := &models.Port{
		TenantRef:           models.TenantRef{TenantID: req.TenantID},
		NetworkID:           subnet.NetworkID,
		SubNetID:            subnet.ID,
		SecurityGroupIDs:    req.SecurityGroupIDs,
		AllowedAddressPairs: req.AllowedAddressPairs,
	}
	port.Name = req.Name
	port.Init(e.now())
	return e.createSimple("create_port", port, opCreatePort, func(tx *gorp.Transaction, _ *backend.Reconciler, tenant models.Tenant) error {
		if err := requireReady(subnet, tenant); err != nil {
			return err
		}
		return e.checkSecurityGroups(tx, tenant, req.SecurityGroupIDs)
	})
}

func (e *Executor) UpdatePort(id string, update PortUpdate) (*tasks.Chain, error) {
	port, err := loadAs[*models.Port](e.DB, models.KindPort, id)
	if err != nil {
		return nil, err
	}
	columns := map[string]any{}
	if name, ok := update.Name.Unpack(); ok {
		columns["name"] = name
	}
	groups, setGroups := update.SecurityGroupIDs.Unpack()
	if setGroups {
		columns["security_group_ids"] = models.StringList(groups)
	}
	return e.updateSimple("update_port", port, columns, func(tx *gorp.Transaction, _ *backend.Reconciler, tenant models.Tenant) error {
		if !setGroups {
			return nil
		}
		return e.checkSecurityGroups(tx, tenant, groups)
	}, tasks.Direct(opUpdatePort, refOf(port), nil))
}

// Delete a port that is not bound to an instance.
func (e *Executor) DeletePort(id string) (*tasks.Chain, error) {
	port, err := loadAs[*models.Port](e.DB, models.KindPort, id)
	if err != nil {
		return nil, err
	}
	if port.InstanceID != "" {
		return nil, invalid("port %s is bound to instance %s", port.Name, port.InstanceID)
	}
	if port.IsRouterInterface() {
		return nil, invalid("port %s is a router interface", port.Name)
	}
	ref := refOf(port)
	return e.deleteSimple("delete_port", port, false, nil,
		tasks.Direct(opDeletePort, ref, nil), tasks.PollUntilGone(opPortGone, ref))
}

func (e *Executor) checkSecurityGroups(exec gorp.SqlExecutor, tenant models.Tenant, ids []string) error {
	for _, id := range ids {
		group, err := loadAs[*models.SecurityGroup](exec, models.KindSecurityGroup, id)
		if err != nil {
			return err
		}
		if err := requireReady(group, tenant); err != nil {
			return err
		}
	}
	return nil
}

////////////////////////////////////////////////////////////////////////////////
// security groups

type SecurityGroupRequest struct {
	TenantID    string
	Name        string
	Description string
	Rules       []models.SecurityGroupRule
}

type SecurityGroupUpdate struct {
	Name        option.Option[string]
	Description option.Option[string]
	// Full list of rules that replaces the current one.
	Rules option.Option[[]models.SecurityGroupRule]
}

// Create a security group with its rules.
func (e *Executor) CreateSecurityGroup(req SecurityGroupRequest) (*tasks.Chain, error) {
	if err := backend.ValidateSecurityGroupRules(req.Rules); err != nil {
		return nil, err
	}
	group := &models.SecurityGroup{TenantRef: models.TenantRef{TenantID: req.TenantID}, Description: req.Description}
	group.Name = req.Name
	group.Init(e.now())
	if err := backend.ValidateRemoteGroups(e.DB, req.TenantID, group.ID, req.Rules); err != nil {
		return nil, err
	}
	return e.createSimple("create_security_group", group, opCreateSecurityGroup, func(tx *gorp.Transaction, rec *backend.Reconciler, _ models.Tenant) error {
		return rec.SetRules(tx, group.ID, req.Rules)
	})
}

func (e *Executor) UpdateSecurityGroup(id string, update SecurityGroupUpdate) (*tasks.Chain, error) {
	group, err := loadAs[*models.SecurityGroup](e.DB, models.KindSecurityGroup, id)
	if err != nil {
		return nil, err
	}
	columns := map[string]any{}
	if name, ok := update.Name.Unpack(); ok {
		columns["name"] = name
	}
	if description, ok := update.Description.Unpack(); ok {
		columns["description"] = description
	}
	ref := refOf(group)
	steps := []tasks.Step{tasks.Direct(opUpdateSecurityGroup, ref, nil)}
	rules, setRules := update.Rules.Unpack()
	if setRules {
		if err := backend.ValidateSecurityGroupRules(rules); err != nil {
			return nil, err
		}
		if err := backend.ValidateRemoteGroups(e.DB, group.TenantID, group.ID, rules); err != nil {
			return nil, err
		}
		steps = append(steps, tasks.Direct(opPushSecurityGroupRules, ref, nil))
	}
	return e.updateSimple("update_security_group", group, columns, func(tx *gorp.Transaction, rec *backend.Reconciler, _ models.Tenant) error {
		if !setRules {
			return nil
		}
		return rec.SetRules(tx, group.ID, rules)
	}, steps...)
}

func (e *Executor) DeleteSecurityGroup(id string) (*tasks.Chain, error) {
	group, err := loadAs[*models.SecurityGroup](e.DB, models.KindSecurityGroup, id)
	if err != nil {
		return nil, err
	}
	ref := refOf(group)
	return e.deleteSimple("delete_security_group", group, false, nil,
		tasks.Direct(opDeleteSecurityGroup, ref, nil), tasks.PollUntilGone(opSecurityGroupGone, ref))
}

////////////////////////////////////////////////////////////////////////////////
// server groups

type ServerGroupRequest struct {
	TenantID string
	Name     string
	Policy   string
}

func (e *Executor) CreateServerGroup(req ServerGroupRequest) (*tasks.Chain, error) {
	group := &models.ServerGroup{TenantRef: models.TenantRef{TenantID: req.TenantID}, PolicyName: req.Policy}
	group.Name = req.Name
	group.Init(e.now())
	if err := backend.ValidateServerGroup(*group); err != nil {
		return nil, err
	}
	return e.createSimple("create_server_group", group, opCreateServerGroup, nil)
}

// Delete a server group that no instance is a member of.
func (e *Executor) DeleteServerGroup(id string) (*tasks.Chain, error) {
	group, err := loadAs[*models.ServerGroup](e.DB, models.KindServerGroup, id)
	if err != nil {
		return nil, err
	}
	ref := refOf(group)
	return e.deleteSimple("delete_server_group", group, false, func(tx *gorp.Transaction, _ *backend.Reconciler, _ models.Tenant) error {
		n, err := countWhere(tx, "instances", "server_group_id = :id", map[string]any{"id": group.ID})
		if err != nil {
			return err
		}
		if n > 0 {
			return invalid("server group %s still has instances", group.Name)
		}
		return nil
	}, tasks.Direct(opDeleteServerGroup, ref, nil), tasks.PollUntilGone(opServerGroupGone, ref))
}

////////////////////////////////////////////////////////////////////////////////
// floating ips

type FloatingIPRequest struct {
	TenantID    string
	Name        string
	Description string
}

// Allocate a floating ip from the external network of the tenant.
func (e *Executor) CreateFloatingIP(req FloatingIPRequest) (*tasks.Chain, error) {
	fip := &models.FloatingIP{TenantRef: models.TenantRef{TenantID: req.TenantID}, Description: req.Description}
	// Without a name the floating ip is named after its address.
	fip.Name = req.Name
	fip.Init(e.now())
	return e.createSimple("create_floating_ip", fip, opCreateFloatingIP, func(_ *gorp.Transaction, rec *backend.Reconciler, tenant models.Tenant) error {
		fip.BackendNetworkID = tenant.ExternalNetworkID
		if fip.BackendNetworkID == "" {
			fip.BackendNetworkID = rec.Conn.ExternalNetworkID
		}
		if fip.BackendNetworkID == "" {
			return invalid("no external network configured for tenant %s", tenant.Name)
		}
		return nil
	})
}

// Associate the floating ip with a port of the same tenant.
func (e *Executor) AssociateFloatingIP(id, portID string) (*tasks.Chain, error) {
	fip, err := loadAs[*models.FloatingIP](e.DB, models.KindFloatingIP, id)
	if err != nil {
		return nil, err
	}
	port, err := loadAs[*models.Port](e.DB, models.KindPort, portID)
	if err != nil {
		return nil, err
	}
	if fip.PortID != "" {
		return nil, invalid("floating ip %s is associated already", fip.Name)
	}
	if fip.IsBooked(e.now()) {
		return nil, invalid("floating ip %s is booked by instance %s", fip.Name, fip.BookedBy)
	}
	ref := refOf(fip)
	return e.updateSimple("associate_floating_ip", fip, nil, func(_ *gorp.Transaction, _ *backend.Reconciler, tenant models.Tenant) error {
		return requireReady(port, tenant)
	},
		tasks.Direct(opAssociateFloatingIP, ref, tasks.Params{paramPortID: port.ID}),
		pollActive(opFloatingIPState, ref),
	)
}

func (e *Executor) DisassociateFloatingIP(id string) (*tasks.Chain, error) {
	fip, err := loadAs[*models.FloatingIP](e.DB, models.KindFloatingIP, id)
	if err != nil {
		return nil, err
	}
	if fip.PortID == "" {
		return nil, invalid("floating ip %s is not associated", fip.Name)
	}
	return e.updateSimple("disassociate_floating_ip", fip, nil, nil, tasks.Direct(opDisassociateFloatingIP, refOf(fip), nil))
}

func (e *Executor) DeleteFloatingIP(id string) (*tasks.Chain, error) {
	fip, err := loadAs[*models.FloatingIP](e.DB, models.KindFloatingIP, id)
	if err != nil {
		return nil, err
	}
	if fip.IsBooked(e.now()) {
		return nil, invalid("floating ip %s is booked by instance %s", fip.Name, fip.BookedBy)
	}
	ref := refOf(fip)
	return e.deleteSimple("delete_floating_ip", fip, false, nil,
		tasks.Direct(opDeleteFloatingIP, ref, nil), tasks.PollUntilGone(opFloatingIPState, ref))
}

func (e *Executor) associateFloatingIP(ctx context.Context, rec *backend.Reconciler, tenant models.Tenant, fip *models.FloatingIP, step tasks.Step) error {
	port, err := loadAs[*models.Port](e.DB, models.KindPort, step.Param(paramPortID))
	if err != nil {
		return err
	}
	return rec.AssociateFloatingIP(ctx, tenant, fip, *port)
}
