// Copyright 2025 SAP SE
// SPDX-License-Identifier: Apache-2.0

package models

// Nova server. Memory is in MB.
type Instance struct {
	Base
	Lifecycle
	TenantRef
	Description        string     `db:"description"`
	FlavorName         string     `db:"flavor_name"`
	FlavorDisk         int64      `db:"flavor_disk"`
	RAM                int64      `db:"ram"`
	Cores              int        `db:"cores"`
	AvailabilityZone   string     `db:"availability_zone"`
	ServerGroupID      string     `db:"server_group_id"`
	SecurityGroupIDs   StringList `db:"security_group_ids"`
	ImageID            string     `db:"image_id"`
	SSHPublicKey       string     `db:"ssh_public_key"`
	UserData           string     `db:"user_data"`
	HypervisorHostname string     `db:"hypervisor_hostname"`
	// Fixed ips of the instance ports.
	DirectlyConnectedIPs StringList `db:"directly_connected_ips"`
	// Action currently performed on the instance, such as "resize".
	Action string `db:"action"`
}

func (Instance) TableName() string   { return "instances" }
func (Instance) Kind() string        { return KindInstance }
func (Instance) Policy() FieldPolicy { return InstancePolicy }
