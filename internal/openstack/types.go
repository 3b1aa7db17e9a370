// Copyright 2025 SAP SE
// SPDX-License-Identifier: Apache-2.0

package openstack

import "time"

// Keystone project.
type Project struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	DomainID    string `json:"domain_id"`
	Enabled     bool   `json:"enabled"`
}

type ProjectSpec struct {
	Name        string
	Description string
	DomainID    string
}

// Keystone user.
type User struct {
	ID               string `json:"id"`
	Name             string `json:"name"`
	DomainID         string `json:"domain_id"`
	DefaultProjectID string `json:"default_project_id"`
}

type UserSpec struct {
	Name             string
	Password         string
	DomainID         string
	DefaultProjectID string
}

type Role struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Nova server as seen with compute microversion 2.47 and later, where the
// flavor is embedded into the server.
type Server struct {
	ID     string       `json:"id"`
	Name   string       `json:"name"`
	Status string       `json:"status"`
	Flavor ServerFlavor `json:"flavor"`
	// Either a map with the image id or an empty string for volume-backed servers.
	Image              any                        `json:"image"`
	KeyName            string                     `json:"key_name"`
	AvailabilityZone   string                     `json:"OS-EXT-AZ:availability_zone"`
	HypervisorHostname string                     `json:"OS-EXT-SRV-ATTR:hypervisor_hostname"`
	Addresses          map[string][]ServerAddress `json:"addresses"`
	SecurityGroups     []NamedRef                 `json:"security_groups"`
	AttachedVolumes    []IDRef                    `json:"os-extended-volumes:volumes_attached"`
	Fault              *ServerFault               `json:"fault"`
	Created            time.Time                  `json:"created"`
}

// Flavor as embedded into the server.
type ServerFlavor struct {
	OriginalName string `json:"original_name"`
	VCPUs        int    `json:"vcpus"`
	RAM          int    `json:"ram"`
	Disk         int    `json:"disk"`
}

type NamedRef struct {
	Name string `json:"name"`
}

type IDRef struct {
	ID string `json:"id"`
}

type ServerFault struct {
	Message string `json:"message"`
}

// Get the image id of the server, empty for volume-backed servers.
func (s Server) ImageID() string {
	if m, ok := s.Image.(map[string]any); ok {
		if id, ok := m["id"].(string); ok {
			return id
		}
	}
	return ""
}

// Get the fault message of an erred server, if any.
func (s Server) FaultMessage() string {
	if s.Fault == nil {
		return ""
	}
	return s.Fault.Message
}

type ServerAddress struct {
	Address string `json:"addr"`
	Version int    `json:"version"`
	// Either "fixed" or "floating".
	Type string `json:"OS-EXT-IPS:type"`
	MAC  string `json:"OS-EXT-IPS-MAC:mac_addr"`
}

type BlockDevice struct {
	VolumeID            string
	BootIndex           int
	DeleteOnTermination bool
}

type ServerSpec struct {
	Name             string
	FlavorID         string
	KeyName          string
	UserData         string
	AvailabilityZone string
	ServerGroupID    string
	// Pre-created ports to attach to the server.
	PortIDs      []string
	BlockDevices []BlockDevice
}

type Flavor struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	VCPUs int    `json:"vcpus"`
	RAM   int    `json:"ram"`
	Disk  int    `json:"disk"`
}

type ServerGroup struct {
	ID      string   `json:"id"`
	Name    string   `json:"name"`
	Policy  string   `json:"policy"`
	Members []string `json:"members"`
}

type VolumeAttachment struct {
	ID       string `json:"id"`
	VolumeID string `json:"volumeId"`
	ServerID string `json:"serverId"`
	Device   string `json:"device"`
}

type AvailabilityZone struct {
	Name      string
	Available bool
}

// Limit and usage of one backend quota key.
type Quota struct {
	Limit int64
	InUse int64
}

type Network struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	Status         string `json:"status"`
	ProjectID      string `json:"project_id"`
	IsExternal     bool   `json:"router:external"`
	Type           string `json:"provider:network_type"`
	SegmentationID int    `json:"provider:segmentation_id"`
	MTU            int    `json:"mtu"`
}

type NetworkSpec struct {
	Name      string
	ProjectID string
}

type AllocationPool struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

type HostRoute struct {
	Destination string `json:"destination"`
	NextHop     string `json:"nexthop"`
}

type Subnet struct {
	ID              string           `json:"id"`
	Name            string           `json:"name"`
	NetworkID       string           `json:"network_id"`
	ProjectID       string           `json:"project_id"`
	CIDR            string           `json:"cidr"`
	GatewayIP       string           `json:"gateway_ip"`
	IPVersion       int              `json:"ip_version"`
	EnableDHCP      bool             `json:"enable_dhcp"`
	AllocationPools []AllocationPool `json:"allocation_pools"`
	DNSNameservers  []string         `json:"dns_nameservers"`
	HostRoutes      []HostRoute      `json:"host_routes"`
}

type SubnetSpec struct {
	NetworkID       string
	Name            string
	CIDR            string
	GatewayIP       string
	DisableGateway  bool
	EnableDHCP      bool
	DNSNameservers  []string
	AllocationPools []AllocationPool
	HostRoutes      []HostRoute
}

type FixedIP struct {
	IPAddress string `json:"ip_address,omitempty"`
	SubnetID  string `json:"subnet_id,omitempty"`
}

type Router struct {
	ID          string        `json:"id"`
	Name        string        `json:"name"`
	Status      string        `json:"status"`
	ProjectID   string        `json:"project_id"`
	Routes      []HostRoute   `json:"routes"`
	GatewayInfo RouterGateway `json:"external_gateway_info"`
}

type RouterGateway struct {
	NetworkID        string    `json:"network_id"`
	ExternalFixedIPs []FixedIP `json:"external_fixed_ips"`
}

type RouterSpec struct {
	Name              string
	ProjectID         string
	ExternalNetworkID string
}

type AddressPair struct {
	IPAddress  string `json:"ip_address"`
	MACAddress string `json:"mac_address,omitempty"`
}

type Port struct {
	ID                  string        `json:"id"`
	Name                string        `json:"name"`
	Status              string        `json:"status"`
	ProjectID           string        `json:"project_id"`
	NetworkID           string        `json:"network_id"`
	MACAddress          string        `json:"mac_address"`
	FixedIPs            []FixedIP     `json:"fixed_ips"`
	AllowedAddressPairs []AddressPair `json:"allowed_address_pairs"`
	DeviceID            string        `json:"device_id"`
	DeviceOwner         string        `json:"device_owner"`
	SecurityGroups      []string      `json:"security_groups"`
}

type PortSpec struct {
	Name                string
	NetworkID           string
	ProjectID           string
	FixedIPs            []FixedIP
	SecurityGroups      []string
	AllowedAddressPairs []AddressPair
}

// Fields of a port update, nil fields are left untouched.
type PortUpdate struct {
	Name                *string
	SecurityGroups      *[]string
	AllowedAddressPairs *[]AddressPair
}

type SecurityGroup struct {
	ID          string              `json:"id"`
	Name        string              `json:"name"`
	Description string              `json:"description"`
	ProjectID   string              `json:"project_id"`
	Rules       []SecurityGroupRule `json:"security_group_rules"`
}

type SecurityGroupRule struct {
	ID              string `json:"id,omitempty"`
	SecurityGroupID string `json:"security_group_id"`
	// "ingress" or "egress".
	Direction string `json:"direction"`
	// "IPv4" or "IPv6".
	EtherType      string `json:"ethertype"`
	Protocol       string `json:"protocol,omitempty"`
	PortRangeMin   *int   `json:"port_range_min,omitempty"`
	PortRangeMax   *int   `json:"port_range_max,omitempty"`
	RemoteIPPrefix string `json:"remote_ip_prefix,omitempty"`
	RemoteGroupID  string `json:"remote_group_id,omitempty"`
	Description    string `json:"description,omitempty"`
}

type FloatingIP struct {
	ID                string `json:"id"`
	Address           string `json:"floating_ip_address"`
	FloatingNetworkID string `json:"floating_network_id"`
	ProjectID         string `json:"project_id"`
	PortID            string `json:"port_id"`
	FixedIPAddress    string `json:"fixed_ip_address"`
	Status            string `json:"status"`
	Description       string `json:"description"`
}

type FloatingIPSpec struct {
	FloatingNetworkID string
	ProjectID         string
	Description       string
}

// Cinder volume. Sizes are in GB.
type Volume struct {
	ID               string                `json:"id"`
	Name             string                `json:"name"`
	Description      string                `json:"description"`
	Size             int                   `json:"size"`
	Status           string                `json:"status"`
	Bootable         string                `json:"bootable"`
	VolumeType       string                `json:"volume_type"`
	AvailabilityZone string                `json:"availability_zone"`
	SnapshotID       string                `json:"snapshot_id"`
	ImageMetadata    VolumeImageMetadata   `json:"volume_image_metadata"`
	Attachments      []VolumeAttachmentRef `json:"attachments"`
}

type VolumeImageMetadata struct {
	ImageID string `json:"image_id"`
}

type VolumeAttachmentRef struct {
	ServerID string `json:"server_id"`
	Device   string `json:"device"`
}

func (v Volume) IsBootable() bool { return v.Bootable == "true" }

type VolumeSpec struct {
	Name        string
	Description string
	// Size in GB.
	Size             int
	VolumeType       string
	AvailabilityZone string
	ImageID          string
	SnapshotID       string
}

// Cinder snapshot. Sizes are in GB.
type Snapshot struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	VolumeID    string `json:"volume_id"`
	Size        int    `json:"size"`
	Status      string `json:"status"`
}

type SnapshotSpec struct {
	VolumeID    string
	Name        string
	Description string
	// Snapshot the volume even if it is attached.
	Force bool
}

type VolumeType struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	IsPublic    bool   `json:"os-volume-type-access:is_public"`
}

type Image struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Status  string `json:"status"`
	MinDisk int    `json:"min_disk"`
	MinRAM  int    `json:"min_ram"`
}
