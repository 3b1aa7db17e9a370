// Copyright 2025 SAP SE
// SPDX-License-Identifier: Apache-2.0

package openstack

import (
	"context"
	"fmt"
	"slices"

	"github.com/cobaltcore-dev/cirrus/internal/openstack"
)

// External network that exists in every fake cloud.
const ExternalNetworkID = "public-net"

type network struct {
	c         *FakeCloud
	projectID string
}

func (f *network) owner(projectID string) string {
	if projectID != "" {
		return projectID
	}
	return f.projectID
}

func (f *network) CreateNetwork(_ context.Context, spec openstack.NetworkSpec) (openstack.Network, error) {
	c := f.c
	c.lock.Lock()
	defer c.lock.Unlock()
	if err := c.record("network.CreateNetwork", spec.Name); err != nil {
		return openstack.Network{}, err
	}
	n := openstack.Network{
		ID:             c.newID("network"),
		Name:           spec.Name,
		Status:         "ACTIVE",
		ProjectID:      f.owner(spec.ProjectID),
		Type:           "vxlan",
		SegmentationID: 1000 + c.nextID,
		MTU:            1450,
	}
	c.networks[n.ID] = n
	return n, nil
}

func (f *network) GetNetwork(_ context.Context, id string) (openstack.Network, error) {
	c := f.c
	c.lock.Lock()
	defer c.lock.Unlock()
	if err := c.record("network.GetNetwork", id); err != nil {
		return openstack.Network{}, err
	}
	n, ok := c.networks[id]
	if !ok {
		return openstack.Network{}, notFound("network.get_network", id)
	}
	return n, nil
}

func (f *network) UpdateNetwork(_ context.Context, id, name string) (openstack.Network, error) {
	c := f.c
	c.lock.Lock()
	defer c.lock.Unlock()
	if err := c.record("network.UpdateNetwork", id); err != nil {
		return openstack.Network{}, err
	}
	n, ok := c.networks[id]
	if !ok {
		return openstack.Network{}, notFound("network.update_network", id)
	}
	n.Name = name
	c.networks[id] = n
	return n, nil
}

func (f *network) ListNetworks(_ context.Context, projectID string) ([]openstack.Network, error) {
	c := f.c
	c.lock.Lock()
	defer c.lock.Unlock()
	if err := c.record("network.ListNetworks", projectID); err != nil {
		return nil, err
	}
	return sortedByID(c.networks, func(n openstack.Network) string { return n.ID }, func(n openstack.Network) bool {
		return projectID == "" || n.ProjectID == projectID
	}), nil
}

func (f *network) DeleteNetwork(_ context.Context, id string) error {
	c := f.c
	c.lock.Lock()
	defer c.lock.Unlock()
	if err := c.record("network.DeleteNetwork", id); err != nil {
		return err
	}
	if _, ok := c.networks[id]; !ok {
		return notFound("network.delete_network", id)
	}
	for _, p := range c.ports {
		if p.NetworkID == id {
			return conflict("network.delete_network", "network "+id+" has ports")
		}
	}
	for subnetID, s := range c.subnets {
		if s.NetworkID == id {
			delete(c.subnets, subnetID)
		}
	}
	delete(c.networks, id)
	return nil
}

func (f *network) CreateSubnet(_ context.Context, spec openstack.SubnetSpec) (openstack.Subnet, error) {
	c := f.c
	c.lock.Lock()
	defer c.lock.Unlock()
	if err := c.record("network.CreateSubnet", spec.Name); err != nil {
		return openstack.Subnet{}, err
	}
	n, ok := c.networks[spec.NetworkID]
	if !ok {
		return openstack.Subnet{}, notFound("network.create_subnet", "network "+spec.NetworkID)
	}
	s := openstack.Subnet{
		ID:              c.newID("subnet"),
		Name:            spec.Name,
		NetworkID:       spec.NetworkID,
		ProjectID:       n.ProjectID,
		CIDR:            spec.CIDR,
		GatewayIP:       spec.GatewayIP,
		IPVersion:       4,
		EnableDHCP:      spec.EnableDHCP,
		AllocationPools: spec.AllocationPools,
		DNSNameservers:  spec.DNSNameservers,
		HostRoutes:      spec.HostRoutes,
	}
	c.subnets[s.ID] = s
	return s, nil
}

func (f *network) GetSubnet(_ context.Context, id string) (openstack.Subnet, error) {
	c := f.c
	c.lock.Lock()
	defer c.lock.Unlock()
	if err := c.record("network.GetSubnet", id); err != nil {
		return openstack.Subnet{}, err
	}
	s, ok := c.subnets[id]
	if !ok {
		return openstack.Subnet{}, notFound("network.get_subnet", id)
	}
	return s, nil
}

func (f *network) UpdateSubnet(_ context.Context, id string, spec openstack.SubnetSpec) (openstack.Subnet, error) {
	c := f.c
	c.lock.Lock()
	defer c.lock.Unlock()
	if err := c.record("network.UpdateSubnet", id); err != nil {
		return openstack.Subnet{}, err
	}
	s, ok := c.subnets[id]
	if !ok {
		return openstack.Subnet{}, notFound("network.update_subnet", id)
	}
	s.Name = spec.Name
	s.GatewayIP = spec.GatewayIP
	s.EnableDHCP = spec.EnableDHCP
	s.DNSNameservers = spec.DNSNameservers
	s.HostRoutes = spec.HostRoutes
	if len(spec.AllocationPools) > 0 {
		s.AllocationPools = spec.AllocationPools
	}
	c.subnets[id] = s
	return s, nil
}

func (f *network) ListSubnets(_ context.Context, projectID string) ([]openstack.Subnet, error) {
	c := f.c
	c.lock.Lock()
	defer c.lock.Unlock()
	if err := c.record("network.ListSubnets", projectID); err != nil {
		return nil, err
	}
	return sortedByID(c.subnets, func(s openstack.Subnet) string { return s.ID }, func(s openstack.Subnet) bool {
		return projectID == "" || s.ProjectID == projectID
	}), nil
}

func (f *network) DeleteSubnet(_ context.Context, id string) error {
	c := f.c
	c.lock.Lock()
	defer c.lock.Unlock()
	if err := c.record("network.DeleteSubnet", id); err != nil {
		return err
	}
	if _, ok := c.subnets[id]; !ok {
		return notFound("network.delete_subnet", id)
	}
	for _, p := range c.ports {
		for _, ip := range p.FixedIPs {
			if ip.SubnetID == id {
				return conflict("network.delete_subnet", "subnet "+id+" has ports")
			}
		}
	}
	delete(c.subnets, id)
	return nil
}

func (f *network) CreateRouter(_ context.Context, spec openstack.RouterSpec) (openstack.Router, error) {
	c := f.c
	c.lock.Lock()
	defer c.lock.Unlock()
	if err := c.record("network.CreateRouter", spec.Name); err != nil {
		return openstack.Router{}, err
	}
	r := openstack.Router{
		ID:        c.newID("router"),
		Name:      spec.Name,
		Status:    "ACTIVE",
		ProjectID: f.owner(spec.ProjectID),
	}
	if spec.ExternalNetworkID != "" {
		r.GatewayInfo = openstack.RouterGateway{
			NetworkID:        spec.ExternalNetworkID,
			ExternalFixedIPs: []openstack.FixedIP{{IPAddress: fmt.Sprintf("172.24.4.%d", 100+c.nextID)}},
		}
	}
	c.routers[r.ID] = r
	return r, nil
}

func (f *network) GetRouter(_ context.Context, id string) (openstack.Router, error) {
	c := f.c
	c.lock.Lock()
	defer c.lock.Unlock()
	if err := c.record("network.GetRouter", id); err != nil {
		return openstack.Router{}, err
	}
	r, ok := c.routers[id]
	if !ok {
		return openstack.Router{}, notFound("network.get_router", id)
	}
	return r, nil
}

func (f *network) ListRouters(_ context.Context, projectID string) ([]openstack.Router, error) {
	c := f.c
	c.lock.Lock()
	defer c.lock.Unlock()
	if err := c.record("network.ListRouters", projectID); err != nil {
		return nil, err
	}
	return sortedByID(c.routers, func(r openstack.Router) string { return r.ID }, func(r openstack.Router) bool {
		return projectID == "" || r.ProjectID == projectID
	}), nil
}

func (f *network) DeleteRouter(_ context.Context, id string) error {
	c := f.c
	c.lock.Lock()
	defer c.lock.Unlock()
	if err := c.record("network.DeleteRouter", id); err != nil {
		return err
	}
	if _, ok := c.routers[id]; !ok {
		return notFound("network.delete_router", id)
	}
	if len(c.interfaces[id]) > 0 {
		return conflict("network.delete_router", "router "+id+" still has interfaces")
	}
	delete(c.routers, id)
	return nil
}

func (f *network) SetRouterRoutes(_ context.Context, id string, routes []openstack.HostRoute) (openstack.Router, error) {
	c := f.c
	c.lock.Lock()
	defer c.lock.Unlock()
	if err := c.record("network.SetRouterRoutes", id); err != nil {
		return openstack.Router{}, err
	}
	r, ok := c.routers[id]
	if !ok {
		return openstack.Router{}, notFound("network.set_router_routes", id)
	}
	r.Routes = slices.Clone(routes)
	c.routers[id] = r
	return r, nil
}

func (f *network) SetRouterGateway(_ context.Context, id, networkID string) (openstack.Router, error) {
	c := f.c
	c.lock.Lock()
	defer c.lock.Unlock()
	if err := c.record("network.SetRouterGateway", id); err != nil {
		return openstack.Router{}, err
	}
	r, ok := c.routers[id]
	if !ok {
		return openstack.Router{}, notFound("network.set_router_gateway", id)
	}
	r.GatewayInfo = openstack.RouterGateway{NetworkID: networkID}
	c.routers[id] = r
	return r, nil
}

func (f *network) AddRouterInterface(_ context.Context, routerID, subnetID string) error {
	c := f.c
	c.lock.Lock()
	defer c.lock.Unlock()
	if err := c.record("network.AddRouterInterface", routerID+"/"+subnetID); err != nil {
		return err
	}
	if _, ok := c.routers[routerID]; !ok {
		return notFound("network.add_router_interface", routerID)
	}
	s, ok := c.subnets[subnetID]
	if !ok {
		return notFound("network.add_router_interface", subnetID)
	}
	if slices.Contains(c.interfaces[routerID], subnetID) {
		return conflict("network.add_router_interface", "subnet already connected")
	}
	c.interfaces[routerID] = append(c.interfaces[routerID], subnetID)
	p := openstack.Port{
		ID:          c.newID("port"),
		Status:      "ACTIVE",
		ProjectID:   s.ProjectID,
		NetworkID:   s.NetworkID,
		MACAddress:  fmt.Sprintf("fa:16:3e:00:00:%02x", c.nextID%256),
		FixedIPs:    []openstack.FixedIP{{IPAddress: s.GatewayIP, SubnetID: subnetID}},
		DeviceID:    routerID,
		DeviceOwner: "network:router_interface",
	}
	c.ports[p.ID] = p
	return nil
}

func (f *network) RemoveRouterInterface(_ context.Context, routerID, subnetID string) error {
	c := f.c
	c.lock.Lock()
	defer c.lock.Unlock()
	if err := c.record("network.RemoveRouterInterface", routerID+"/"+subnetID); err != nil {
		return err
	}
	if !slices.Contains(c.interfaces[routerID], subnetID) {
		return notFound("network.remove_router_interface", routerID+"/"+subnetID)
	}
	c.interfaces[routerID] = slices.DeleteFunc(c.interfaces[routerID], func(s string) bool { return s == subnetID })
	for id, p := range c.ports {
		if p.DeviceID == routerID && len(p.FixedIPs) > 0 && p.FixedIPs[0].SubnetID == subnetID {
			delete(c.ports, id)
		}
	}
	return nil
}

func (f *network) CreatePort(_ context.Context, spec openstack.PortSpec) (openstack.Port, error) {
	c := f.c
	c.lock.Lock()
	defer c.lock.Unlock()
	if err := c.record("network.CreatePort", spec.Name); err != nil {
		return openstack.Port{}, err
	}
	if _, ok := c.networks[spec.NetworkID]; !ok {
		return openstack.Port{}, notFound("network.create_port", "network "+spec.NetworkID)
	}
	fixedIPs := make([]openstack.FixedIP, 0, len(spec.FixedIPs))
	for _, ip := range spec.FixedIPs {
		s, ok := c.subnets[ip.SubnetID]
		if !ok {
			return openstack.Port{}, notFound("network.create_port", "subnet "+ip.SubnetID)
		}
		if ip.IPAddress == "" {
			ip.IPAddress = c.allocateIP(s)
		}
		fixedIPs = append(fixedIPs, ip)
	}
	if len(fixedIPs) == 0 {
		for _, s := range sortedByID(c.subnets, func(s openstack.Subnet) string { return s.ID }, func(s openstack.Subnet) bool {
			return s.NetworkID == spec.NetworkID
		}) {
			fixedIPs = append(fixedIPs, openstack.FixedIP{IPAddress: c.allocateIP(s), SubnetID: s.ID})
			break
		}
	}
	p := openstack.Port{
		ID:                  c.newID("port"),
		Name:                spec.Name,
		Status:              "DOWN",
		ProjectID:           f.owner(spec.ProjectID),
		NetworkID:           spec.NetworkID,
		MACAddress:          fmt.Sprintf("fa:16:3e:00:00:%02x", c.nextID%256),
		FixedIPs:            fixedIPs,
		AllowedAddressPairs: spec.AllowedAddressPairs,
		SecurityGroups:      spec.SecurityGroups,
	}
	c.ports[p.ID] = p
	return p, nil
}

func (f *network) GetPort(_ context.Context, id string) (openstack.Port, error) {
	c := f.c
	c.lock.Lock()
	defer c.lock.Unlock()
	if err := c.record("network.GetPort", id); err != nil {
		return openstack.Port{}, err
	}
	p, ok := c.ports[id]
	if !ok {
		return openstack.Port{}, notFound("network.get_port", id)
	}
	return p, nil
}

func (f *network) UpdatePort(_ context.Context, id string, update openstack.PortUpdate) (openstack.Port, error) {
	c := f.c
	c.lock.Lock()
	defer c.lock.Unlock()
	if err := c.record("network.UpdatePort", id); err != nil {
		return openstack.Port{}, err
	}
	p, ok := c.ports[id]
	if !ok {
		return openstack.Port{}, notFound("network.update_port", id)
	}
	if update.Name != nil {
		p.Name = *update.Name
	}
	if update.SecurityGroups != nil {
		p.SecurityGroups = slices.Clone(*update.SecurityGroups)
	}
	if update.AllowedAddressPairs != nil {
		p.AllowedAddressPairs = slices.Clone(*update.AllowedAddressPairs)
	}
	c.ports[id] = p
	return p, nil
}

func (f *network) ListPorts(_ context.Context, projectID string) ([]openstack.Port, error) {
	c := f.c
	c.lock.Lock()
	defer c.lock.Unlock()
	if err := c.record("network.ListPorts", projectID); err != nil {
		return nil, err
	}
	return sortedByID(c.ports, func(p openstack.Port) string { return p.ID }, func(p openstack.Port) bool {
		return projectID == "" || p.ProjectID == projectID
	}), nil
}

func (f *network) DeletePort(_ context.Context, id string) error {
	c := f.c
	c.lock.Lock()
	defer c.lock.Unlock()
	if err := c.record("network.DeletePort", id); err != nil {
		return err
	}
	p, ok := c.ports[id]
	if !ok {
		return notFound("network.delete_port", id)
	}
	if p.DeviceOwner == "network:router_interface" {
		return conflict("network.delete_port", "port "+id+" is owned by router "+p.DeviceID)
	}
	delete(c.ports, id)
	for fipID, fip := range c.floatingIPs {
		if fip.PortID == id {
			fip.PortID = ""
			fip.FixedIPAddress = ""
			fip.Status = "DOWN"
			c.floatingIPs[fipID] = fip
		}
	}
	return nil
}

func (f *network) CreateSecurityGroup(_ context.Context, projectID, name, description string) (openstack.SecurityGroup, error) {
	c := f.c
	c.lock.Lock()
	defer c.lock.Unlock()
	if err := c.record("network.CreateSecurityGroup", name); err != nil {
		return openstack.SecurityGroup{}, err
	}
	g := openstack.SecurityGroup{
		ID:          c.newID("secgroup"),
		Name:        name,
		Description: description,
		ProjectID:   f.owner(projectID),
	}
	c.securityGroups[g.ID] = g
	return g, nil
}

func (f *network) GetSecurityGroup(_ context.Context, id string) (openstack.SecurityGroup, error) {
	c := f.c
	c.lock.Lock()
	defer c.lock.Unlock()
	if err := c.record("network.GetSecurityGroup", id); err != nil {
		return openstack.SecurityGroup{}, err
	}
	g, ok := c.securityGroups[id]
	if !ok {
		return openstack.SecurityGroup{}, notFound("network.get_security_group", id)
	}
	return g, nil
}

func (f *network) UpdateSecurityGroup(_ context.Context, id, name, description string) (openstack.SecurityGroup, error) {
	c := f.c
	c.lock.Lock()
	defer c.lock.Unlock()
	if err := c.record("network.UpdateSecurityGroup", id); err != nil {
		return openstack.SecurityGroup{}, err
	}
	g, ok := c.securityGroups[id]
	if !ok {
		return openstack.SecurityGroup{}, notFound("network.update_security_group", id)
	}
	g.Name = name
	g.Description = description
	c.securityGroups[id] = g
	return g, nil
}

func (f *network) ListSecurityGroups(_ context.Context, projectID string) ([]openstack.SecurityGroup, error) {
	c := f.c
	c.lock.Lock()
	defer c.lock.Unlock()
	if err := c.record("network.ListSecurityGroups", projectID); err != nil {
		return nil, err
	}
	return sortedByID(c.securityGroups, func(g openstack.SecurityGroup) string { return g.ID }, func(g openstack.SecurityGroup) bool {
		return projectID == "" || g.ProjectID == projectID
	}), nil
}

func (f *network) DeleteSecurityGroup(_ context.Context, id string) error {
	c := f.c
	c.lock.Lock()
	defer c.lock.Unlock()
	if err := c.record("network.DeleteSecurityGroup", id); err != nil {
		return err
	}
	if _, ok := c.securityGroups[id]; !ok {
		return notFound("network.delete_security_group", id)
	}
	delete(c.securityGroups, id)
	return nil
}

func (f *network) CreateSecurityGroupRule(_ context.Context, rule openstack.SecurityGroupRule) (openstack.SecurityGroupRule, error) {
	c := f.c
	c.lock.Lock()
	defer c.lock.Unlock()
	if err := c.record("network.CreateSecurityGroupRule", rule.SecurityGroupID); err != nil {
		return openstack.SecurityGroupRule{}, err
	}
	g, ok := c.securityGroups[rule.SecurityGroupID]
	if !ok {
		return openstack.SecurityGroupRule{}, notFound("network.create_security_group_rule", rule.SecurityGroupID)
	}
	for _, existing := range g.Rules {
		if ruleKey(existing) == ruleKey(rule) {
			return openstack.SecurityGroupRule{}, conflict("network.create_security_group_rule", "duplicate rule")
		}
	}
	rule.ID = c.newID("rule")
	g.Rules = append(g.Rules, rule)
	c.securityGroups[g.ID] = g
	return rule, nil
}

func (f *network) DeleteSecurityGroupRule(_ context.Context, id string) error {
	c := f.c
	c.lock.Lock()
	defer c.lock.Unlock()
	if err := c.record("network.DeleteSecurityGroupRule", id); err != nil {
		return err
	}
	for groupID, g := range c.securityGroups {
		idx := slices.IndexFunc(g.Rules, func(r openstack.SecurityGroupRule) bool { return r.ID == id })
		if idx >= 0 {
			g.Rules = slices.Delete(g.Rules, idx, idx+1)
			c.securityGroups[groupID] = g
			return nil
		}
	}
	return notFound("network.delete_security_group_rule", id)
}

func (f *network) CreateFloatingIP(_ context.Context, spec openstack.FloatingIPSpec) (openstack.FloatingIP, error) {
	c := f.c
	c.lock.Lock()
	defer c.lock.Unlock()
	if err := c.record("network.CreateFloatingIP", spec.FloatingNetworkID); err != nil {
		return openstack.FloatingIP{}, err
	}
	if spec.FloatingNetworkID != ExternalNetworkID {
		return openstack.FloatingIP{}, notFound("network.create_floating_ip", "network "+spec.FloatingNetworkID)
	}
	fip := openstack.FloatingIP{
		ID:                c.newID("fip"),
		Address:           fmt.Sprintf("172.24.4.%d", c.nextID%250+1),
		FloatingNetworkID: spec.FloatingNetworkID,
		ProjectID:         f.owner(spec.ProjectID),
		Status:            "DOWN",
		Description:       spec.Description,
	}
	c.floatingIPs[fip.ID] = fip
	return fip, nil
}

func (f *network) GetFloatingIP(_ context.Context, id string) (openstack.FloatingIP, error) {
	c := f.c
	c.lock.Lock()
	defer c.lock.Unlock()
	if err := c.record("network.GetFloatingIP", id); err != nil {
		return openstack.FloatingIP{}, err
	}
	fip, ok := c.floatingIPs[id]
	if !ok {
		return openstack.FloatingIP{}, notFound("network.get_floating_ip", id)
	}
	return fip, nil
}

func (f *network) ListFloatingIPs(_ context.Context, projectID string) ([]openstack.FloatingIP, error) {
	c := f.c
	c.lock.Lock()
	defer c.lock.Unlock()
	if err := c.record("network.ListFloatingIPs", projectID); err != nil {
		return nil, err
	}
	return sortedByID(c.floatingIPs, func(f openstack.FloatingIP) string { return f.ID }, func(f openstack.FloatingIP) bool {
		return projectID == "" || f.ProjectID == projectID
	}), nil
}

func (f *network) SetFloatingIPPort(_ context.Context, id, portID string) (openstack.FloatingIP, error) {
	c := f.c
	c.lock.Lock()
	defer c.lock.Unlock()
	if err := c.record("network.SetFloatingIPPort", id); err != nil {
		return openstack.FloatingIP{}, err
	}
	fip, ok := c.floatingIPs[id]
	if !ok {
		return openstack.FloatingIP{}, notFound("network.set_floating_ip_port", id)
	}
	if portID == "" {
		fip.PortID = ""
		fip.FixedIPAddress = ""
		fip.Status = "DOWN"
	} else {
		p, ok := c.ports[portID]
		if !ok {
			return openstack.FloatingIP{}, notFound("network.set_floating_ip_port", "port "+portID)
		}
		fip.PortID = portID
		if len(p.FixedIPs) > 0 {
			fip.FixedIPAddress = p.FixedIPs[0].IPAddress
		}
		fip.Status = "ACTIVE"
	}
	c.floatingIPs[id] = fip
	return fip, nil
}

func (f *network) DeleteFloatingIP(_ context.Context, id string) error {
	c := f.c
	c.lock.Lock()
	defer c.lock.Unlock()
	if err := c.record("network.DeleteFloatingIP", id); err != nil {
		return err
	}
	if _, ok := c.floatingIPs[id]; !ok {
		return notFound("network.delete_floating_ip", id)
	}
	delete(c.floatingIPs, id)
	return nil
}

func (f *network) GetQuotas(_ context.Context, projectID string) (map[string]openstack.Quota, error) {
	c := f.c
	c.lock.Lock()
	defer c.lock.Unlock()
	projectID = f.owner(projectID)
	if err := c.record("network.GetQuotas", projectID); err != nil {
		return nil, err
	}
	usage := map[string]int64{}
	for _, n := range c.networks {
		if n.ProjectID == projectID {
			usage["network"]++
		}
	}
	for _, s := range c.subnets {
		if s.ProjectID == projectID {
			usage["subnet"]++
		}
	}
	for _, p := range c.ports {
		if p.ProjectID == projectID {
			usage["port"]++
		}
	}
	for _, r := range c.routers {
		if r.ProjectID == projectID {
			usage["router"]++
		}
	}
	for _, g := range c.securityGroups {
		if g.ProjectID == projectID {
			usage["security_group"]++
			usage["security_group_rule"] += int64(len(g.Rules))
		}
	}
	for _, fip := range c.floatingIPs {
		if fip.ProjectID == projectID {
			usage["floatingip"]++
		}
	}
	out := map[string]openstack.Quota{}
	for _, key := range []string{"network", "subnet", "port", "router", "security_group", "security_group_rule", "floatingip"} {
		out[key] = openstack.Quota{Limit: c.quotaLimit(projectID, "network", key), InUse: usage[key]}
	}
	return out, nil
}

func (f *network) UpdateQuotas(_ context.Context, projectID string, limits map[string]int64) error {
	c := f.c
	c.lock.Lock()
	defer c.lock.Unlock()
	projectID = f.owner(projectID)
	if err := c.record("network.UpdateQuotas", projectID); err != nil {
		return err
	}
	c.setQuotas(projectID, "network", limits)
	return nil
}

// Ports of a project, sorted by id.
func (c *FakeCloud) Ports(projectID string) []openstack.Port {
	c.lock.Lock()
	defer c.lock.Unlock()
	return sortedByID(c.ports, func(p openstack.Port) string { return p.ID }, func(p openstack.Port) bool {
		return p.ProjectID == projectID
	})
}

// Networks of a project, sorted by id.
func (c *FakeCloud) Networks(projectID string) []openstack.Network {
	c.lock.Lock()
	defer c.lock.Unlock()
	return sortedByID(c.networks, func(n openstack.Network) string { return n.ID }, func(n openstack.Network) bool {
		return n.ProjectID == projectID
	})
}

// Floating ips of a project, sorted by id.
func (c *FakeCloud) FloatingIPs(projectID string) []openstack.FloatingIP {
	c.lock.Lock()
	defer c.lock.Unlock()
	return sortedByID(c.floatingIPs, func(f openstack.FloatingIP) string { return f.ID }, func(f openstack.FloatingIP) bool {
		return f.ProjectID == projectID
	})
}

// Add a security group with rules as if it was created outside of the service.
func (c *FakeCloud) AddSecurityGroup(projectID, name string, rules ...openstack.SecurityGroupRule) openstack.SecurityGroup {
	c.lock.Lock()
	defer c.lock.Unlock()
	g := openstack.SecurityGroup{ID: c.newID("secgroup"), Name: name, ProjectID: projectID}
	for _, r := range rules {
		r.ID = c.newID("rule")
		r.SecurityGroupID = g.ID
		g.Rules = append(g.Rules, r)
	}
	c.securityGroups[g.ID] = g
	return g
}

func (c *FakeCloud) SecurityGroup(id string) (openstack.SecurityGroup, bool) {
	c.lock.Lock()
	defer c.lock.Unlock()
	g, ok := c.securityGroups[id]
	return g, ok
}

// Add a floating ip as if it was allocated outside of the service.
func (c *FakeCloud) AddFloatingIP(projectID, address, description string) openstack.FloatingIP {
	c.lock.Lock()
	defer c.lock.Unlock()
	fip := openstack.FloatingIP{
		ID:                c.newID("fip"),
		Address:           address,
		FloatingNetworkID: ExternalNetworkID,
		ProjectID:         projectID,
		Status:            "DOWN",
		Description:       description,
	}
	c.floatingIPs[fip.ID] = fip
	return fip
}

func ruleKey(r openstack.SecurityGroupRule) string {
	port := func(p *int) string {
		if p == nil {
			return "*"
		}
		return fmt.Sprint(*p)
	}
	return fmt.Sprintf("%s/%s/%s/%s-%s/%s/%s",
		r.EtherType, r.Direction, r.Protocol, port(r.PortRangeMin), port(r.PortRangeMax), r.RemoteIPPrefix, r.RemoteGroupID)
}
