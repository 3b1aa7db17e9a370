// Copyright 2025 SAP SE
// SPDX-License-Identifier: Apache-2.0

package models

import "slices"

// Columns of an entity that a pull may overwrite with backend values.
// Everything else is owned locally and survives pulls.
type FieldPolicy struct {
	Pulled []string
}

func (p FieldPolicy) Pulls(column string) bool {
	return slices.Contains(p.Pulled, column)
}

// Extend the policy with more pulled columns.
func (p FieldPolicy) With(columns ...string) FieldPolicy {
	return FieldPolicy{Pulled: append(slices.Clone(p.Pulled), columns...)}
}

var (
	// Every lifecycle entity follows the runtime state of the backend.
	LifecyclePolicy = FieldPolicy{Pulled: []string{"runtime_state"}}

	TenantPolicy   = LifecyclePolicy.With("name")
	NetworkPolicy  = LifecyclePolicy.With("name", "is_external", "network_type", "segmentation_id", "mtu")
	SubNetPolicy   = LifecyclePolicy.With("name", "cidr", "gateway_ip", "allocation_pools", "dns_nameservers", "host_routes", "enable_dhcp", "ip_version", "network_id")
	RouterPolicy   = LifecyclePolicy.With("name", "routes", "fixed_ips", "external_gateway_network_id")
	PortPolicy     = LifecyclePolicy.With("name", "mac_address", "fixed_ips", "allowed_address_pairs", "device_id", "device_owner", "security_group_ids", "network_id", "subnet_id", "instance_id")
	SecurityPolicy = LifecyclePolicy.With("name")
	// The name of a floating ip is its address unless a user renamed it.
	FloatingIPPolicy  = LifecyclePolicy.With("address", "backend_network_id", "port_id")
	ServerGroupPolicy = LifecyclePolicy.With("name", "policy")
	VolumePolicy      = LifecyclePolicy.With("name", "size", "bootable", "volume_type", "availability_zone", "image_id", "device", "instance_id")
	SnapshotPolicy    = LifecyclePolicy.With("name", "size", "source_volume_id")
	InstancePolicy    = LifecyclePolicy.With("flavor_name", "flavor_disk", "ram", "cores", "availability_zone", "image_id", "hypervisor_hostname", "directly_connected_ips", "security_group_ids", "server_group_id")
	BackupPolicy      = LifecyclePolicy
)
