// Copyright 2025 SAP SE
// SPDX-License-Identifier: Apache-2.0

package openstack

import "context"

// Keystone operations needed to manage tenants and their users.
type IdentityAPI interface {
	CreateProject(ctx context.Context, spec ProjectSpec) (Project, error)
	GetProject(ctx context.Context, id string) (Project, error)
	UpdateProject(ctx context.Context, id, name, description string) (Project, error)
	DeleteProject(ctx context.Context, id string) error
	ListProjects(ctx context.Context, domainID string) ([]Project, error)
	CreateUser(ctx context.Context, spec UserSpec) (User, error)
	// Set a new password for the user, called with admin privileges.
	SetUserPassword(ctx context.Context, userID, password string) error
	DeleteUser(ctx context.Context, id string) error
	// Id of the user the session was authenticated with.
	CurrentUserID(ctx context.Context) (string, error)
	FindRole(ctx context.Context, name string) (Role, error)
	AssignRole(ctx context.Context, projectID, userID, roleID string) error
}

// Nova operations.
type ComputeAPI interface {
	CreateServer(ctx context.Context, spec ServerSpec) (Server, error)
	GetServer(ctx context.Context, id string) (Server, error)
	ListServers(ctx context.Context) ([]Server, error)
	DeleteServer(ctx context.Context, id string) error
	StartServer(ctx context.Context, id string) error
	StopServer(ctx context.Context, id string) error
	RebootServer(ctx context.Context, id string) error
	ResizeServer(ctx context.Context, id, flavorID string) error
	ConfirmResize(ctx context.Context, id string) error
	ListFlavors(ctx context.Context) ([]Flavor, error)
	CreateKeypair(ctx context.Context, name, publicKey string) error
	DeleteKeypair(ctx context.Context, name string) error
	CreateServerGroup(ctx context.Context, name, policy string) (ServerGroup, error)
	GetServerGroup(ctx context.Context, id string) (ServerGroup, error)
	ListServerGroups(ctx context.Context) ([]ServerGroup, error)
	DeleteServerGroup(ctx context.Context, id string) error
	AttachVolume(ctx context.Context, serverID, volumeID, device string) (VolumeAttachment, error)
	DetachVolume(ctx context.Context, serverID, volumeID string) error
	ListAvailabilityZones(ctx context.Context) ([]AvailabilityZone, error)
	GetQuotas(ctx context.Context, projectID string) (map[string]Quota, error)
	UpdateQuotas(ctx context.Context, projectID string, limits map[string]int64) error
}

// Neutron operations.
type NetworkAPI interface {
	CreateNetwork(ctx context.Context, spec NetworkSpec) (Network, error)
	GetNetwork(ctx context.Context, id string) (Network, error)
	UpdateNetwork(ctx context.Context, id, name string) (Network, error)
	ListNetworks(ctx context.Context, projectID string) ([]Network, error)
	DeleteNetwork(ctx context.Context, id string) error

	CreateSubnet(ctx context.Context, spec SubnetSpec) (Subnet, error)
	GetSubnet(ctx context.Context, id string) (Subnet, error)
	UpdateSubnet(ctx context.Context, id string, spec SubnetSpec) (Subnet, error)
	ListSubnets(ctx context.Context, projectID string) ([]Subnet, error)
	DeleteSubnet(ctx context.Context, id string) error

	CreateRouter(ctx context.Context, spec RouterSpec) (Router, error)
	GetRouter(ctx context.Context, id string) (Router, error)
	ListRouters(ctx context.Context, projectID string) ([]Router, error)
	DeleteRouter(ctx context.Context, id string) error
	SetRouterRoutes(ctx context.Context, id string, routes []HostRoute) (Router, error)
	SetRouterGateway(ctx context.Context, id, networkID string) (Router, error)
	AddRouterInterface(ctx context.Context, routerID, subnetID string) error
	RemoveRouterInterface(ctx context.Context, routerID, subnetID string) error

	CreatePort(ctx context.Context, spec PortSpec) (Port, error)
	GetPort(ctx context.Context, id string) (Port, error)
	UpdatePort(ctx context.Context, id string, update PortUpdate) (Port, error)
	ListPorts(ctx context.Context, projectID string) ([]Port, error)
	DeletePort(ctx context.Context, id string) error

	CreateSecurityGroup(ctx context.Context, projectID, name, description string) (SecurityGroup, error)
	GetSecurityGroup(ctx context.Context, id string) (SecurityGroup, error)
	UpdateSecurityGroup(ctx context.Context, id, name, description string) (SecurityGroup, error)
	ListSecurityGroups(ctx context.Context, projectID string) ([]SecurityGroup, error)
	DeleteSecurityGroup(ctx context.Context, id string) error
	CreateSecurityGroupRule(ctx context.Context, rule SecurityGroupRule) (SecurityGroupRule, error)
	DeleteSecurityGroupRule(ctx context.Context, id string) error

	CreateFloatingIP(ctx context.Context, spec FloatingIPSpec) (FloatingIP, error)
	GetFloatingIP(ctx context.Context, id string) (FloatingIP, error)
	ListFloatingIPs(ctx context.Context, projectID string) ([]FloatingIP, error)
	// Associate the floating ip with the port, or disassociate it if the port id is empty.
	SetFloatingIPPort(ctx context.Context, id, portID string) (FloatingIP, error)
	DeleteFloatingIP(ctx context.Context, id string) error

	GetQuotas(ctx context.Context, projectID string) (map[string]Quota, error)
	UpdateQuotas(ctx context.Context, projectID string, limits map[string]int64) error
}

// Cinder operations. All sizes are in GB.
type BlockStorageAPI interface {
	CreateVolume(ctx context.Context, spec VolumeSpec) (Volume, error)
	GetVolume(ctx context.Context, id string) (Volume, error)
	UpdateVolume(ctx context.Context, id, name, description string) (Volume, error)
	ListVolumes(ctx context.Context) ([]Volume, error)
	DeleteVolume(ctx context.Context, id string) error
	ExtendVolume(ctx context.Context, id string, newSize int) error

	CreateSnapshot(ctx context.Context, spec SnapshotSpec) (Snapshot, error)
	GetSnapshot(ctx context.Context, id string) (Snapshot, error)
	ListSnapshots(ctx context.Context) ([]Snapshot, error)
	DeleteSnapshot(ctx context.Context, id string) error

	ListVolumeTypes(ctx context.Context) ([]VolumeType, error)
	ListAvailabilityZones(ctx context.Context) ([]AvailabilityZone, error)
	GetQuotas(ctx context.Context, projectID string) (map[string]Quota, error)
	UpdateQuotas(ctx context.Context, projectID string, limits map[string]int64) error
}

// Glance operations.
type ImageAPI interface {
	ListImages(ctx context.Context) ([]Image, error)
}

// Typed clients of one session.
type Clients struct {
	Identity     IdentityAPI
	Compute      ComputeAPI
	Network      NetworkAPI
	BlockStorage BlockStorageAPI
	Image        ImageAPI
}

// Source of clients for a connection and an optional tenant scope.
//
// Implemented by the adapter and by the in-memory cloud used in tests.
type Cloud interface {
	Clients(ctx context.Context, conn Connection, tenant *TenantCredentials) (Clients, error)
}
