// Copyright 2025 SAP SE
// SPDX-License-Identifier: Apache-2.0

package models

type Network struct {
	Base
	Lifecycle
	TenantRef
	IsExternal     bool   `db:"is_external"`
	NetworkType    string `db:"network_type"`
	SegmentationID int    `db:"segmentation_id"`
	MTU            int    `db:"mtu"`
}

func (Network) TableName() string   { return "networks" }
func (Network) Kind() string        { return KindNetwork }
func (Network) Policy() FieldPolicy { return NetworkPolicy }

type SubNet struct {
	Base
	Lifecycle
	TenantRef
	// Local id of the network.
	NetworkID       string                   `db:"network_id"`
	CIDR            string                   `db:"cidr"`
	GatewayIP       string                   `db:"gateway_ip"`
	AllocationPools JSONList[AllocationPool] `db:"allocation_pools"`
	DNSNameservers  StringList               `db:"dns_nameservers"`
	HostRoutes      JSONList[Route]          `db:"host_routes"`
	EnableDHCP      bool                     `db:"enable_dhcp"`
	// Whether the subnet is connected to the tenant router.
	IsConnected    bool `db:"is_connected"`
	DisableGateway bool `db:"disable_gateway"`
	IPVersion      int  `db:"ip_version"`
}

func (SubNet) TableName() string   { return "subnets" }
func (SubNet) Kind() string        { return KindSubNet }
func (SubNet) Policy() FieldPolicy { return SubNetPolicy }

type Router struct {
	Base
	Lifecycle
	TenantRef
	Routes   JSONList[Route] `db:"routes"`
	FixedIPs StringList      `db:"fixed_ips"`
	// Backend id of the external network of the router gateway.
	ExternalGatewayNetworkID string `db:"external_gateway_network_id"`
}

func (Router) TableName() string   { return "routers" }
func (Router) Kind() string        { return KindRouter }
func (Router) Policy() FieldPolicy { return RouterPolicy }

type Port struct {
	Base
	Lifecycle
	TenantRef
	// Local ids, empty if unknown.
	NetworkID  string `db:"network_id"`
	SubNetID   string `db:"subnet_id"`
	InstanceID string `db:"instance_id"`

	MACAddress          string                `db:"mac_address"`
	FixedIPs            JSONList[FixedIP]     `db:"fixed_ips"`
	AllowedAddressPairs JSONList[AddressPair] `db:"allowed_address_pairs"`
	DeviceID            string                `db:"device_id"`
	DeviceOwner         string                `db:"device_owner"`
	// Local ids of the security groups.
	SecurityGroupIDs StringList `db:"security_group_ids"`
}

func (Port) TableName() string   { return "ports" }
func (Port) Kind() string        { return KindPort }
func (Port) Policy() FieldPolicy { return PortPolicy }

// Ports owned by routers cannot be deleted directly.
func (p Port) IsRouterInterface() bool {
	return p.DeviceOwner == "network:router_interface" || p.DeviceOwner == "network:router_interface_distributed" ||
		p.DeviceOwner == "network:ha_router_replicated_interface"
}
