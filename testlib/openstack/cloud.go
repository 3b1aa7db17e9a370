// Copyright 2025 SAP SE
// SPDX-License-Identifier: Apache-2.0

package openstack

import (
	"context"
	"fmt"
	"net/http"
	"net/netip"
	"slices"
	"strings"
	"sync"

	"github.com/cobaltcore-dev/cirrus/internal/openstack"
)

const (
	AdminProjectID = "admin-project"
	AdminUserID    = "admin-user"
)

type scoped[T any] struct {
	projectID string
	obj       T
}

// In-memory OpenStack that implements every client interface of the
// adapter. Asynchronous backend operations complete immediately.
//
// All calls are recorded as "<service>.<Method> <primary argument>".
type FakeCloud struct {
	lock   sync.Mutex
	calls  []string
	nextID int
	fails  map[string]error

	// Status a new server reports until it is read for the first time.
	ServerBuildStatus string

	projects    map[string]openstack.Project
	users       map[string]openstack.User
	passwords   map[string]string
	roles       []openstack.Role
	assignments map[string]bool
	quotas      map[string]map[string]map[string]int64

	servers      map[string]scoped[openstack.Server]
	flavors      []openstack.Flavor
	keypairs     map[string]string
	serverGroups map[string]scoped[openstack.ServerGroup]
	computeZones []openstack.AvailabilityZone
	// Volumes removed together with their server.
	deleteOnTermination map[string][]string

	networks       map[string]openstack.Network
	subnets        map[string]openstack.Subnet
	routers        map[string]openstack.Router
	interfaces     map[string][]string
	ports          map[string]openstack.Port
	securityGroups map[string]openstack.SecurityGroup
	floatingIPs    map[string]openstack.FloatingIP

	volumes     map[string]scoped[openstack.Volume]
	snapshots   map[string]scoped[openstack.Snapshot]
	volumeTypes []openstack.VolumeType
	volumeZones []openstack.AvailabilityZone
	images      []openstack.Image
}

func NewFakeCloud() *FakeCloud {
	return &FakeCloud{
		fails: map[string]error{},
		projects: map[string]openstack.Project{
			AdminProjectID: {ID: AdminProjectID, Name: "admin", DomainID: "default", Enabled: true},
		},
		users: map[string]openstack.User{
			AdminUserID: {ID: AdminUserID, Name: "cirrus", DomainID: "default"},
		},
		passwords: map[string]string{},
		roles: []openstack.Role{
			{ID: "role-admin", Name: "admin"},
			{ID: "role-member", Name: "member"},
		},
		assignments:  map[string]bool{},
		quotas:       map[string]map[string]map[string]int64{},
		servers:      map[string]scoped[openstack.Server]{},
		keypairs:     map[string]string{},
		serverGroups: map[string]scoped[openstack.ServerGroup]{},
		flavors: []openstack.Flavor{
			{ID: "flavor-small", Name: "m1.small", VCPUs: 1, RAM: 2048, Disk: 20},
			{ID: "flavor-medium", Name: "m1.medium", VCPUs: 2, RAM: 4096, Disk: 40},
		},
		computeZones:        []openstack.AvailabilityZone{{Name: "nova", Available: true}},
		deleteOnTermination: map[string][]string{},
		networks:            map[string]openstack.Network{},
		subnets:             map[string]openstack.Subnet{},
		routers:             map[string]openstack.Router{},
		interfaces:          map[string][]string{},
		ports:               map[string]openstack.Port{},
		securityGroups:      map[string]openstack.SecurityGroup{},
		floatingIPs:         map[string]openstack.FloatingIP{},
		volumes:             map[string]scoped[openstack.Volume]{},
		snapshots:           map[string]scoped[openstack.Snapshot]{},
		volumeTypes:         []openstack.VolumeType{{ID: "type-standard", Name: "standard", IsPublic: true}},
		volumeZones:         []openstack.AvailabilityZone{{Name: "nova", Available: true}},
		images: []openstack.Image{
			{ID: "image-ubuntu", Name: "ubuntu-24.04", Status: "active", MinDisk: 10, MinRAM: 512},
		},
	}
}

// Make every call of the given operation, e.g. "compute.CreateServer",
// fail with the error. A nil error removes the failure again.
func (c *FakeCloud) FailOn(op string, err error) {
	c.lock.Lock()
	defer c.lock.Unlock()
	if err == nil {
		delete(c.fails, op)
		return
	}
	c.fails[op] = err
}

// Recorded calls, optionally filtered by operation prefix.
func (c *FakeCloud) Calls(prefix string) []string {
	c.lock.Lock()
	defer c.lock.Unlock()
	var out []string
	for _, call := range c.calls {
		if strings.HasPrefix(call, prefix) {
			out = append(out, call)
		}
	}
	return out
}

// Number of recorded calls of an exact operation, e.g. "network.DeletePort".
func (c *FakeCloud) CountCalls(op string) int {
	return len(c.Calls(op + " "))
}

// Forget the recorded calls.
func (c *FakeCloud) ResetCalls() {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.calls = nil
}

// Record a call and return the injected failure, if any. Must be called
// with the lock held.
func (c *FakeCloud) record(op, arg string) error {
	c.calls = append(c.calls, op+" "+arg)
	return c.fails[op]
}

func (c *FakeCloud) newID(kind string) string {
	c.nextID++
	return fmt.Sprintf("%s-%d", kind, c.nextID)
}

func notFound(op, id string) error {
	return &openstack.BackendError{Op: op, StatusCode: http.StatusNotFound, Message: id + " not found"}
}

func conflict(op, msg string) error {
	return &openstack.BackendError{Op: op, StatusCode: http.StatusConflict, Message: msg}
}

// Clients implements openstack.Cloud. Tenant scoped clients require the
// credentials of a user that exists in the fake.
func (c *FakeCloud) Clients(_ context.Context, conn openstack.Connection, tenant *openstack.TenantCredentials) (openstack.Clients, error) {
	c.lock.Lock()
	defer c.lock.Unlock()
	projectID := AdminProjectID
	userID := AdminUserID
	if tenant != nil {
		if err := c.record("identity.Authenticate", tenant.ProjectID); err != nil {
			return openstack.Clients{}, err
		}
		if _, ok := c.projects[tenant.ProjectID]; !ok {
			return openstack.Clients{}, &openstack.AuthenticationError{Op: "identity.authenticate", Err: notFound("identity.authenticate", tenant.ProjectID)}
		}
		userID = ""
		for id, u := range c.users {
			if u.Name == tenant.Username && c.passwords[id] == tenant.Password {
				userID = id
			}
		}
		if userID == "" {
			return openstack.Clients{}, &openstack.AuthenticationError{Op: "identity.authenticate", Err: fmt.Errorf("invalid credentials for %s", tenant.Username)}
		}
		projectID = tenant.ProjectID
	} else if err := c.record("identity.Authenticate", conn.ID); err != nil {
		return openstack.Clients{}, err
	}
	return openstack.Clients{
		Identity:     &identity{c: c, userID: userID},
		Compute:      &compute{c: c, projectID: projectID},
		Network:      &network{c: c, projectID: projectID},
		BlockStorage: &blockStorage{c: c, projectID: projectID},
		Image:        &image{c: c},
	}, nil
}

// Allocate the next free address of the cidr, skipping the gateway.
func (c *FakeCloud) allocateIP(subnet openstack.Subnet) string {
	prefix, err := netip.ParsePrefix(subnet.CIDR)
	if err != nil {
		return ""
	}
	used := map[string]bool{subnet.GatewayIP: true}
	for _, p := range c.ports {
		for _, ip := range p.FixedIPs {
			used[ip.IPAddress] = true
		}
	}
	addr := prefix.Addr().Next()
	for prefix.Contains(addr) {
		if !used[addr.String()] {
			return addr.String()
		}
		addr = addr.Next()
	}
	return ""
}

func (c *FakeCloud) quotaLimit(projectID, service, key string) int64 {
	if limits, ok := c.quotas[projectID][service]; ok {
		if limit, ok := limits[key]; ok {
			return limit
		}
	}
	return -1
}

func (c *FakeCloud) setQuotas(projectID, service string, limits map[string]int64) {
	if c.quotas[projectID] == nil {
		c.quotas[projectID] = map[string]map[string]int64{}
	}
	if c.quotas[projectID][service] == nil {
		c.quotas[projectID][service] = map[string]int64{}
	}
	for k, v := range limits {
		c.quotas[projectID][service][k] = v
	}
}

func sortedByID[T any](m map[string]T, id func(T) string, keep func(T) bool) []T {
	var out []T
	for _, v := range m {
		if keep(v) {
			out = append(out, v)
		}
	}
	slices.SortFunc(out, func(a, b T) int { return strings.Compare(id(a), id(b)) })
	return out
}
