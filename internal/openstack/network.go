// Copyright 2025 SAP SE
// SPDX-License-Identifier: Apache-2.0

package openstack

import (
	"context"
	"encoding/json"
	"net/url"

	"github.com/gophercloud/gophercloud/v2"
	"github.com/gophercloud/gophercloud/v2/openstack/networking/v2/networks"
	"github.com/gophercloud/gophercloud/v2/openstack/networking/v2/subnets"
)

type networkClient struct {
	sc  *gophercloud.ServiceClient
	mon Monitor
}

// Generic neutron requests for resources without typed helpers.
func (c *networkClient) get(ctx context.Context, op string, resp any, path ...string) error {
	return call(c.mon, "network", op, func() error {
		_, err := c.sc.Get(ctx, c.sc.ServiceURL(path...), resp, &gophercloud.RequestOpts{OkCodes: []int{200}})
		return err
	})
}

func (c *networkClient) list(ctx context.Context, op, projectID string, resp any, resource string) error {
	return call(c.mon, "network", op, func() error {
		u := c.sc.ServiceURL(resource)
		if projectID != "" {
			u += "?project_id=" + url.QueryEscape(projectID)
		}
		_, err := c.sc.Get(ctx, u, resp, &gophercloud.RequestOpts{OkCodes: []int{200}})
		return err
	})
}

func (c *networkClient) post(ctx context.Context, op string, body, resp any, path ...string) error {
	return call(c.mon, "network", op, func() error {
		_, err := c.sc.Post(ctx, c.sc.ServiceURL(path...), body, resp, &gophercloud.RequestOpts{OkCodes: []int{201}})
		return err
	})
}

func (c *networkClient) put(ctx context.Context, op string, body, resp any, path ...string) error {
	return call(c.mon, "network", op, func() error {
		_, err := c.sc.Put(ctx, c.sc.ServiceURL(path...), body, resp, &gophercloud.RequestOpts{OkCodes: []int{200}})
		return err
	})
}

func (c *networkClient) delete(ctx context.Context, op string, path ...string) error {
	return call(c.mon, "network", op, func() error {
		_, err := c.sc.Delete(ctx, c.sc.ServiceURL(path...), &gophercloud.RequestOpts{OkCodes: []int{204}})
		return err
	})
}

func (c *networkClient) CreateNetwork(ctx context.Context, spec NetworkSpec) (Network, error) {
	var resp struct {
		Network Network `json:"network"`
	}
	err := call(c.mon, "network", "create_network", func() error {
		opts := networks.CreateOpts{Name: spec.Name, ProjectID: spec.ProjectID}
		return networks.Create(ctx, c.sc, opts).ExtractInto(&resp)
	})
	return resp.Network, err
}

func (c *networkClient) GetNetwork(ctx context.Context, id string) (Network, error) {
	var resp struct {
		Network Network `json:"network"`
	}
	err := call(c.mon, "network", "get_network", func() error {
		return networks.Get(ctx, c.sc, id).ExtractInto(&resp)
	})
	return resp.Network, err
}

func (c *networkClient) UpdateNetwork(ctx context.Context, id, name string) (Network, error) {
	var resp struct {
		Network Network `json:"network"`
	}
	body := map[string]any{"network": map[string]any{"name": name}}
	err := c.put(ctx, "update_network", body, &resp, "networks", id)
	return resp.Network, err
}

func (c *networkClient) ListNetworks(ctx context.Context, projectID string) ([]Network, error) {
	var data struct {
		Networks []Network `json:"networks"`
	}
	err := call(c.mon, "network", "list_networks", func() error {
		pages, err := networks.List(c.sc, networks.ListOpts{ProjectID: projectID}).AllPages(ctx)
		if err != nil {
			return err
		}
		return pages.(networks.NetworkPage).ExtractInto(&data)
	})
	return data.Networks, err
}

func (c *networkClient) DeleteNetwork(ctx context.Context, id string) error {
	return call(c.mon, "network", "delete_network", func() error {
		return networks.Delete(ctx, c.sc, id).ExtractErr()
	})
}

func subnetAllocationPools(spec SubnetSpec) []subnets.AllocationPool {
	pools := make([]subnets.AllocationPool, 0, len(spec.AllocationPools))
	for _, p := range spec.AllocationPools {
		pools = append(pools, subnets.AllocationPool{Start: p.Start, End: p.End})
	}
	return pools
}

func (c *networkClient) CreateSubnet(ctx context.Context, spec SubnetSpec) (Subnet, error) {
	var resp struct {
		Subnet Subnet `json:"subnet"`
	}
	err := call(c.mon, "network", "create_subnet", func() error {
		opts := subnets.CreateOpts{
			NetworkID:      spec.NetworkID,
			Name:           spec.Name,
			IPVersion:      4,
			CIDR:           spec.CIDR,
			EnableDHCP:     &spec.EnableDHCP,
			DNSNameservers: spec.DNSNameservers,
		}
		if len(spec.AllocationPools) > 0 {
			opts.AllocationPools = subnetAllocationPools(spec)
		}
		switch {
		case spec.DisableGateway:
			// An empty gateway is sent as null which disables it.
			noGateway := ""
			opts.GatewayIP = &noGateway
		case spec.GatewayIP != "":
			opts.GatewayIP = &spec.GatewayIP
		}
		return subnets.Create(ctx, c.sc, opts).ExtractInto(&resp)
	})
	return resp.Subnet, err
}

func (c *networkClient) GetSubnet(ctx context.Context, id string) (Subnet, error) {
	var resp struct {
		Subnet Subnet `json:"subnet"`
	}
	err := call(c.mon, "network", "get_subnet", func() error {
		return subnets.Get(ctx, c.sc, id).ExtractInto(&resp)
	})
	return resp.Subnet, err
}

// Update the mutable fields of a subnet. The cidr and network cannot change.
func (c *networkClient) UpdateSubnet(ctx context.Context, id string, spec SubnetSpec) (Subnet, error) {
	var resp struct {
		Subnet Subnet `json:"subnet"`
	}
	fields := map[string]any{
		"name":            spec.Name,
		"enable_dhcp":     spec.EnableDHCP,
		"dns_nameservers": nonNil(spec.DNSNameservers),
		"host_routes":     nonNil(spec.HostRoutes),
	}
	if len(spec.AllocationPools) > 0 {
		fields["allocation_pools"] = spec.AllocationPools
	}
	switch {
	case spec.DisableGateway:
		fields["gateway_ip"] = nil
	case spec.GatewayIP != "":
		fields["gateway_ip"] = spec.GatewayIP
	}
	err := c.put(ctx, "update_subnet", map[string]any{"subnet": fields}, &resp, "subnets", id)
	return resp.Subnet, err
}

// Neutron expects empty lists instead of null to clear list attributes.
func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

func (c *networkClient) ListSubnets(ctx context.Context, projectID string) ([]Subnet, error) {
	var data struct {
		Subnets []Subnet `json:"subnets"`
	}
	err := call(c.mon, "network", "list_subnets", func() error {
		pages, err := subnets.List(c.sc, subnets.ListOpts{ProjectID: projectID}).AllPages(ctx)
		if err != nil {
			return err
		}
		return pages.(subnets.SubnetPage).ExtractInto(&data)
	})
	return data.Subnets, err
}

func (c *networkClient) DeleteSubnet(ctx context.Context, id string) error {
	return call(c.mon, "network", "delete_subnet", func() error {
		return subnets.Delete(ctx, c.sc, id).ExtractErr()
	})
}

func (c *networkClient) CreateRouter(ctx context.Context, spec RouterSpec) (Router, error) {
	var resp struct {
		Router Router `json:"router"`
	}
	router := map[string]any{"name": spec.Name}
	if spec.ProjectID != "" {
		router["project_id"] = spec.ProjectID
	}
	if spec.ExternalNetworkID != "" {
		router["external_gateway_info"] = map[string]any{"network_id": spec.ExternalNetworkID}
	}
	err := c.post(ctx, "create_router", map[string]any{"router": router}, &resp, "routers")
	return resp.Router, err
}

func (c *networkClient) GetRouter(ctx context.Context, id string) (Router, error) {
	var resp struct {
		Router Router `json:"router"`
	}
	err := c.get(ctx, "get_router", &resp, "routers", id)
	return resp.Router, err
}

func (c *networkClient) ListRouters(ctx context.Context, projectID string) ([]Router, error) {
	var resp struct {
		Routers []Router `json:"routers"`
	}
	err := c.list(ctx, "list_routers", projectID, &resp, "routers")
	return resp.Routers, err
}

func (c *networkClient) DeleteRouter(ctx context.Context, id string) error {
	return c.delete(ctx, "delete_router", "routers", id)
}

func (c *networkClient) SetRouterRoutes(ctx context.Context, id string, routes []HostRoute) (Router, error) {
	var resp struct {
		Router Router `json:"router"`
	}
	body := map[string]any{"router": map[string]any{"routes": nonNil(routes)}}
	err := c.put(ctx, "set_router_routes", body, &resp, "routers", id)
	return resp.Router, err
}

func (c *networkClient) SetRouterGateway(ctx context.Context, id, networkID string) (Router, error) {
	var resp struct {
		Router Router `json:"router"`
	}
	var gateway any
	if networkID != "" {
		gateway = map[string]any{"network_id": networkID}
	}
	body := map[string]any{"router": map[string]any{"external_gateway_info": gateway}}
	err := c.put(ctx, "set_router_gateway", body, &resp, "routers", id)
	return resp.Router, err
}

func (c *networkClient) AddRouterInterface(ctx context.Context, routerID, subnetID string) error {
	body := map[string]any{"subnet_id": subnetID}
	return c.put(ctx, "add_router_interface", body, nil, "routers", routerID, "add_router_interface")
}

func (c *networkClient) RemoveRouterInterface(ctx context.Context, routerID, subnetID string) error {
	body := map[string]any{"subnet_id": subnetID}
	return c.put(ctx, "remove_router_interface", body, nil, "routers", routerID, "remove_router_interface")
}

func (c *networkClient) CreatePort(ctx context.Context, spec PortSpec) (Port, error) {
	var resp struct {
		Port Port `json:"port"`
	}
	port := map[string]any{
		"name":       spec.Name,
		"network_id": spec.NetworkID,
	}
	if spec.ProjectID != "" {
		port["project_id"] = spec.ProjectID
	}
	if len(spec.FixedIPs) > 0 {
		port["fixed_ips"] = spec.FixedIPs
	}
	if spec.SecurityGroups != nil {
		port["security_groups"] = spec.SecurityGroups
	}
	if len(spec.AllowedAddressPairs) > 0 {
		port["allowed_address_pairs"] = spec.AllowedAddressPairs
	}
	err := c.post(ctx, "create_port", map[string]any{"port": port}, &resp, "ports")
	return resp.Port, err
}

func (c *networkClient) GetPort(ctx context.Context, id string) (Port, error) {
	var resp struct {
		Port Port `json:"port"`
	}
	err := c.get(ctx, "get_port", &resp, "ports", id)
	return resp.Port, err
}

func (c *networkClient) UpdatePort(ctx context.Context, id string, update PortUpdate) (Port, error) {
	var resp struct {
		Port Port `json:"port"`
	}
	port := map[string]any{}
	if update.Name != nil {
		port["name"] = *update.Name
	}
	if update.SecurityGroups != nil {
		port["security_groups"] = nonNil(*update.SecurityGroups)
	}
	if update.AllowedAddressPairs != nil {
		port["allowed_address_pairs"] = nonNil(*update.AllowedAddressPairs)
	}
	err := c.put(ctx, "update_port", map[string]any{"port": port}, &resp, "ports", id)
	return resp.Port, err
}

func (c *networkClient) ListPorts(ctx context.Context, projectID string) ([]Port, error) {
	var resp struct {
		Ports []Port `json:"ports"`
	}
	err := c.list(ctx, "list_ports", projectID, &resp, "ports")
	return resp.Ports, err
}

func (c *networkClient) DeletePort(ctx context.Context, id string) error {
	return c.delete(ctx, "delete_port", "ports", id)
}

func (c *networkClient) CreateSecurityGroup(ctx context.Context, projectID, name, description string) (SecurityGroup, error) {
	var resp struct {
		SecurityGroup SecurityGroup `json:"security_group"`
	}
	group := map[string]any{"name": name, "description": description}
	if projectID != "" {
		group["project_id"] = projectID
	}
	err := c.post(ctx, "create_security_group", map[string]any{"security_group": group}, &resp, "security-groups")
	return resp.SecurityGroup, err
}

func (c *networkClient) GetSecurityGroup(ctx context.Context, id string) (SecurityGroup, error) {
	var resp struct {
		SecurityGroup SecurityGroup `json:"security_group"`
	}
	err := c.get(ctx, "get_security_group", &resp, "security-groups", id)
	return resp.SecurityGroup, err
}

func (c *networkClient) UpdateSecurityGroup(ctx context.Context, id, name, description string) (SecurityGroup, error) {
	var resp struct {
		SecurityGroup SecurityGroup `json:"security_group"`
	}
	body := map[string]any{"security_group": map[string]any{"name": name, "description": description}}
	err := c.put(ctx, "update_security_group", body, &resp, "security-groups", id)
	return resp.SecurityGroup, err
}

func (c *networkClient) ListSecurityGroups(ctx context.Context, projectID string) ([]SecurityGroup, error) {
	var resp struct {
		SecurityGroups []SecurityGroup `json:"security_groups"`
	}
	err := c.list(ctx, "list_security_groups", projectID, &resp, "security-groups")
	return resp.SecurityGroups, err
}

func (c *networkClient) DeleteSecurityGroup(ctx context.Context, id string) error {
	return c.delete(ctx, "delete_security_group", "security-groups", id)
}

func (c *networkClient) CreateSecurityGroupRule(ctx context.Context, rule SecurityGroupRule) (SecurityGroupRule, error) {
	var resp struct {
		Rule SecurityGroupRule `json:"security_group_rule"`
	}
	rule.ID = ""
	err := c.post(ctx, "create_security_group_rule", map[string]any{"security_group_rule": rule}, &resp, "security-group-rules")
	return resp.Rule, err
}

func (c *networkClient) DeleteSecurityGroupRule(ctx context.Context, id string) error {
	return c.delete(ctx, "delete_security_group_rule", "security-group-rules", id)
}

func (c *networkClient) CreateFloatingIP(ctx context.Context, spec FloatingIPSpec) (FloatingIP, error) {
	var resp struct {
		FloatingIP FloatingIP `json:"floatingip"`
	}
	fip := map[string]any{"floating_network_id": spec.FloatingNetworkID}
	if spec.ProjectID != "" {
		fip["project_id"] = spec.ProjectID
	}
	if spec.Description != "" {
		fip["description"] = spec.Description
	}
	err := c.post(ctx, "create_floating_ip", map[string]any{"floatingip": fip}, &resp, "floatingips")
	return resp.FloatingIP, err
}

func (c *networkClient) GetFloatingIP(ctx context.Context, id string) (FloatingIP, error) {
	var resp struct {
		FloatingIP FloatingIP `json:"floatingip"`
	}
	err := c.get(ctx, "get_floating_ip", &resp, "floatingips", id)
	return resp.FloatingIP, err
}

func (c *networkClient) ListFloatingIPs(ctx context.Context, projectID string) ([]FloatingIP, error) {
	var resp struct {
		FloatingIPs []FloatingIP `json:"floatingips"`
	}
	err := c.list(ctx, "list_floating_ips", projectID, &resp, "floatingips")
	return resp.FloatingIPs, err
}

func (c *networkClient) SetFloatingIPPort(ctx context.Context, id, portID string) (FloatingIP, error) {
	var resp struct {
		FloatingIP FloatingIP `json:"floatingip"`
	}
	var port any
	if portID != "" {
		port = portID
	}
	body := map[string]any{"floatingip": map[string]any{"port_id": port}}
	err := c.put(ctx, "set_floating_ip_port", body, &resp, "floatingips", id)
	return resp.FloatingIP, err
}

func (c *networkClient) DeleteFloatingIP(ctx context.Context, id string) error {
	return c.delete(ctx, "delete_floating_ip", "floatingips", id)
}

func (c *networkClient) GetQuotas(ctx context.Context, projectID string) (map[string]Quota, error) {
	var resp struct {
		Quota map[string]json.RawMessage `json:"quota"`
	}
	if err := c.get(ctx, "get_quotas", &resp, "quotas", projectID, "details.json"); err != nil {
		return nil, err
	}
	return parseQuotaSet(resp.Quota, "used"), nil
}

func (c *networkClient) UpdateQuotas(ctx context.Context, projectID string, limits map[string]int64) error {
	return c.put(ctx, "update_quotas", map[string]any{"quota": limits}, nil, "quotas", projectID)
}
