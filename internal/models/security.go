// Copyright 2025 SAP SE
// SPDX-License-Identifier: Apache-2.0

package models

import (
	"fmt"
	"time"
)

type SecurityGroup struct {
	Base
	Lifecycle
	TenantRef
	Description string `db:"description"`
}

func (SecurityGroup) TableName() string   { return "security_groups" }
func (SecurityGroup) Kind() string        { return KindSecurityGroup }
func (SecurityGroup) Policy() FieldPolicy { return SecurityPolicy }

// Rule of a security group. Ports of -1 mean any port.
type SecurityGroupRule struct {
	ID              string `db:"id"`
	SecurityGroupID string `db:"security_group_id"`
	BackendID       string `db:"backend_id"`
	EtherType       string `db:"ethertype"`
	Direction       string `db:"direction"`
	Protocol        string `db:"protocol"`
	FromPort        int    `db:"from_port"`
	ToPort          int    `db:"to_port"`
	CIDR            string `db:"cidr"`
	// Local id of the remote security group, if any.
	RemoteGroupID string `db:"remote_group_id"`
	Description   string `db:"description"`
}

func (SecurityGroupRule) TableName() string { return "security_group_rules" }

// Structural identity of a rule. The remote group is given by its backend id.
type RuleKey struct {
	EtherType     string
	Direction     string
	Protocol      string
	FromPort      int
	ToPort        int
	CIDR          string
	RemoteGroupID string
	Description   string
}

func (k RuleKey) String() string {
	return fmt.Sprintf("%s %s %s %d:%d cidr=%s remote=%s", k.EtherType, k.Direction, k.Protocol, k.FromPort, k.ToPort, k.CIDR, k.RemoteGroupID)
}

// Key of the rule without its description. Two rules with the same
// match key are duplicates.
func (k RuleKey) Match() RuleKey {
	k.Description = ""
	return k
}

type ServerGroup struct {
	Base
	Lifecycle
	TenantRef
	// One of affinity, anti-affinity, soft-affinity, soft-anti-affinity.
	PolicyName string `db:"policy"`
}

func (ServerGroup) TableName() string   { return "server_groups" }
func (ServerGroup) Kind() string        { return KindServerGroup }
func (ServerGroup) Policy() FieldPolicy { return ServerGroupPolicy }

type FloatingIP struct {
	Base
	Lifecycle
	TenantRef
	Address          string `db:"address"`
	BackendNetworkID string `db:"backend_network_id"`
	// Local id of the associated port.
	PortID      string `db:"port_id"`
	Description string `db:"description"`
	// Instance that reserved the floating ip for its creation, and until when.
	BookedBy    string    `db:"booked_by"`
	BookedUntil time.Time `db:"booked_until"`
}

func (FloatingIP) TableName() string   { return "floating_ips" }
func (FloatingIP) Kind() string        { return KindFloatingIP }
func (FloatingIP) Policy() FieldPolicy { return FloatingIPPolicy }

// Check whether the floating ip is reserved at the given time.
func (f FloatingIP) IsBooked(now time.Time) bool {
	return f.BookedBy != "" && now.Before(f.BookedUntil)
}
