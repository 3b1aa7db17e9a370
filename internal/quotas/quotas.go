// Copyright 2025 SAP SE
// SPDX-License-Identifier: Apache-2.0

package quotas

import (
	"fmt"
	"slices"
)

// Quota dimension of a tenant.
type Dimension string

const (
	VCPU                   Dimension = "vcpu"
	RAM                    Dimension = "ram"
	Storage                Dimension = "storage"
	Instances              Dimension = "instances"
	Volumes                Dimension = "volumes"
	Snapshots              Dimension = "snapshots"
	SecurityGroupCount     Dimension = "security_group_count"
	SecurityGroupRuleCount Dimension = "security_group_rule_count"
	FloatingIPCount        Dimension = "floating_ip_count"
	PortCount              Dimension = "port_count"
	NetworkCount           Dimension = "network_count"
	SubnetCount            Dimension = "subnet_count"
)

// Backend services that hold quotas.
const (
	ServiceCompute      = "compute"
	ServiceNetwork      = "network"
	ServiceBlockStorage = "blockstorage"
)

// Where a dimension lives in the backend.
type Mapping struct {
	Dimension Dimension
	Service   string
	// Key of the quota in the backend quota set.
	Key string
	// The backend counts in GB while the dimension counts in MB.
	InGB bool
}

// Immutable set of quota dimensions and their backend mappings.
type Registry struct {
	mappings []Mapping
}

func NewRegistry() *Registry {
	return &Registry{mappings: []Mapping{
		{Dimension: VCPU, Service: ServiceCompute, Key: "cores"},
		{Dimension: RAM, Service: ServiceCompute, Key: "ram"},
		{Dimension: Instances, Service: ServiceCompute, Key: "instances"},
		{Dimension: Storage, Service: ServiceBlockStorage, Key: "gigabytes", InGB: true},
		{Dimension: Volumes, Service: ServiceBlockStorage, Key: "volumes"},
		{Dimension: Snapshots, Service: ServiceBlockStorage, Key: "snapshots"},
		{Dimension: SecurityGroupCount, Service: ServiceNetwork, Key: "security_group"},
		{Dimension: SecurityGroupRuleCount, Service: ServiceNetwork, Key: "security_group_rule"},
		{Dimension: FloatingIPCount, Service: ServiceNetwork, Key: "floatingip"},
		{Dimension: PortCount, Service: ServiceNetwork, Key: "port"},
		{Dimension: NetworkCount, Service: ServiceNetwork, Key: "network"},
		{Dimension: SubnetCount, Service: ServiceNetwork, Key: "subnet"},
	}}
}

// All dimensions in registration order.
func (r *Registry) Dimensions() []Dimension {
	out := make([]Dimension, 0, len(r.mappings))
	for _, m := range r.mappings {
		out = append(out, m.Dimension)
	}
	return out
}

func (r *Registry) Lookup(d Dimension) (Mapping, bool) {
	idx := slices.IndexFunc(r.mappings, func(m Mapping) bool { return m.Dimension == d })
	if idx < 0 {
		return Mapping{}, false
	}
	return r.mappings[idx], true
}

// Mappings of one backend service.
func (r *Registry) ForService(service string) []Mapping {
	var out []Mapping
	for _, m := range r.mappings {
		if m.Service == service {
			out = append(out, m)
		}
	}
	return out
}

// Check that all dimensions are known.
func (r *Registry) Validate(limits map[Dimension]int64) error {
	for d, v := range limits {
		if _, ok := r.Lookup(d); !ok {
			return fmt.Errorf("unknown quota dimension %q", d)
		}
		if v < -1 {
			return fmt.Errorf("invalid limit %d for quota dimension %q", v, d)
		}
	}
	return nil
}
