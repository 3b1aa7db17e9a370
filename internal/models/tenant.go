// Copyright 2025 SAP SE
// SPDX-License-Identifier: Apache-2.0

package models

import "time"

// Credentials, endpoint and options of one OpenStack deployment.
type ServiceConnection struct {
	Base
	AuthURL           string `db:"auth_url"`
	Username          string `db:"username"`
	Password          string `db:"password"`
	UserDomainName    string `db:"user_domain_name"`
	ProjectName       string `db:"project_name"`
	ProjectDomainName string `db:"project_domain_name"`
	// Domain in which new tenant projects and users are created.
	DomainID string `db:"domain_id"`
	// Endpoint interface, such as "public".
	Availability      string `db:"availability"`
	Region            string `db:"region"`
	ExternalNetworkID string `db:"external_network_id"`
	// Ceiling of concurrently provisioning chains, 0 for the default.
	MaxConcurrentProvisioning      int  `db:"max_concurrent_provisioning"`
	DeleteDataVolumesWithInstance  bool `db:"delete_data_volumes_with_instance"`
	ReleaseFloatingIPsWithInstance bool `db:"release_floating_ips_with_instance"`
}

func (ServiceConnection) TableName() string { return "service_connections" }

// OpenStack project managed by the service.
type Tenant struct {
	Base
	Lifecycle
	ServiceConnectionID string `db:"service_connection_id"`
	Description         string `db:"description"`
	// Generated user that owns the resources inside the project.
	UserUsername  string `db:"user_username"`
	UserPassword  string `db:"user_password"`
	UserBackendID string `db:"user_backend_id"`
	// Local id of the one internal network.
	InternalNetworkID string `db:"internal_network_id"`
	// Backend id of the external network the tenant router is connected to.
	ExternalNetworkID     string `db:"external_network_id"`
	AvailabilityZone      string `db:"availability_zone"`
	DefaultVolumeTypeName string `db:"default_volume_type_name"`
}

func (Tenant) TableName() string     { return "tenants" }
func (Tenant) Kind() string          { return KindTenant }
func (Tenant) Policy() FieldPolicy   { return TenantPolicy }
func (t Tenant) GetTenantID() string { return t.ID }

// Limit and usage of one quota dimension of a tenant. Sizes are in MB,
// -1 means unlimited.
type QuotaEntry struct {
	ID         string    `db:"id"`
	TenantID   string    `db:"tenant_id"`
	Dimension  string    `db:"dimension"`
	Limit      int64     `db:"quota_limit"`
	Usage      int64     `db:"quota_usage"`
	ModifiedAt time.Time `db:"modified_at"`
}

func (QuotaEntry) TableName() string { return "quota_entries" }

// Check whether adding the amount would exceed the limit.
func (q QuotaEntry) Exceeds(amount int64) bool {
	return q.Limit >= 0 && q.Usage+amount > q.Limit
}
