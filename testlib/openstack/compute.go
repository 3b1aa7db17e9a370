// Copyright 2025 SAP SE
// SPDX-License-Identifier: Apache-2.0

package openstack

import (
	"context"
	"fmt"
	"slices"

	"github.com/cobaltcore-dev/cirrus/internal/openstack"
)

type compute struct {
	c         *FakeCloud
	projectID string
}

func (f *compute) CreateServer(_ context.Context, spec openstack.ServerSpec) (openstack.Server, error) {
	c := f.c
	c.lock.Lock()
	defer c.lock.Unlock()
	if err := c.record("compute.CreateServer", spec.Name); err != nil {
		return openstack.Server{}, err
	}
	idx := slices.IndexFunc(c.flavors, func(fl openstack.Flavor) bool { return fl.ID == spec.FlavorID })
	if idx < 0 {
		return openstack.Server{}, notFound("compute.create_server", "flavor "+spec.FlavorID)
	}
	flavor := c.flavors[idx]
	status := "ACTIVE"
	if c.ServerBuildStatus != "" {
		status = c.ServerBuildStatus
	}
	s := openstack.Server{
		ID:     c.newID("server"),
		Name:   spec.Name,
		Status: status,
		Flavor: openstack.ServerFlavor{
			OriginalName: flavor.Name,
			VCPUs:        flavor.VCPUs,
			RAM:          flavor.RAM,
			Disk:         flavor.Disk,
		},
		KeyName:            spec.KeyName,
		AvailabilityZone:   spec.AvailabilityZone,
		HypervisorHostname: "node001",
		Addresses:          map[string][]openstack.ServerAddress{},
	}
	if s.AvailabilityZone == "" {
		s.AvailabilityZone = "nova"
	}
	for _, portID := range spec.PortIDs {
		port, ok := c.ports[portID]
		if !ok {
			return openstack.Server{}, notFound("compute.create_server", "port "+portID)
		}
		port.DeviceID = s.ID
		port.DeviceOwner = "compute:" + s.AvailabilityZone
		port.Status = "ACTIVE"
		c.ports[portID] = port
		netName := c.networks[port.NetworkID].Name
		for _, ip := range port.FixedIPs {
			s.Addresses[netName] = append(s.Addresses[netName], openstack.ServerAddress{
				Address: ip.IPAddress, Version: 4, Type: "fixed", MAC: port.MACAddress,
			})
		}
	}
	for i, bd := range spec.BlockDevices {
		v, ok := c.volumes[bd.VolumeID]
		if !ok {
			return openstack.Server{}, notFound("compute.create_server", "volume "+bd.VolumeID)
		}
		v.obj.Status = "in-use"
		v.obj.Attachments = []openstack.VolumeAttachmentRef{{ServerID: s.ID, Device: fmt.Sprintf("/dev/vd%c", 'a'+i)}}
		c.volumes[bd.VolumeID] = v
		s.AttachedVolumes = append(s.AttachedVolumes, openstack.IDRef{ID: bd.VolumeID})
		if bd.DeleteOnTermination {
			c.deleteOnTermination[s.ID] = append(c.deleteOnTermination[s.ID], bd.VolumeID)
		}
	}
	if spec.ServerGroupID != "" {
		g, ok := c.serverGroups[spec.ServerGroupID]
		if !ok {
			return openstack.Server{}, notFound("compute.create_server", "server group "+spec.ServerGroupID)
		}
		g.obj.Members = append(g.obj.Members, s.ID)
		c.serverGroups[spec.ServerGroupID] = g
	}
	c.servers[s.ID] = scoped[openstack.Server]{projectID: f.projectID, obj: s}
	return s, nil
}

func (f *compute) GetServer(_ context.Context, id string) (openstack.Server, error) {
	c := f.c
	c.lock.Lock()
	defer c.lock.Unlock()
	if err := c.record("compute.GetServer", id); err != nil {
		return openstack.Server{}, err
	}
	s, ok := c.servers[id]
	if !ok {
		return openstack.Server{}, notFound("compute.get_server", id)
	}
	result := s.obj
	// Builds finish after the first observation.
	if s.obj.Status == "BUILD" {
		s.obj.Status = "ACTIVE"
		c.servers[id] = s
	}
	return result, nil
}

func (f *compute) ListServers(context.Context) ([]openstack.Server, error) {
	c := f.c
	c.lock.Lock()
	defer c.lock.Unlock()
	if err := c.record("compute.ListServers", f.projectID); err != nil {
		return nil, err
	}
	list := sortedByID(c.servers, func(s scoped[openstack.Server]) string { return s.obj.ID }, func(s scoped[openstack.Server]) bool {
		return s.projectID == f.projectID
	})
	out := make([]openstack.Server, 0, len(list))
	for _, s := range list {
		out = append(out, s.obj)
	}
	return out, nil
}

func (f *compute) DeleteServer(_ context.Context, id string) error {
	c := f.c
	c.lock.Lock()
	defer c.lock.Unlock()
	if err := c.record("compute.DeleteServer", id); err != nil {
		return err
	}
	if _, ok := c.servers[id]; !ok {
		return notFound("compute.delete_server", id)
	}
	delete(c.servers, id)
	for _, volumeID := range c.deleteOnTermination[id] {
		delete(c.volumes, volumeID)
	}
	delete(c.deleteOnTermination, id)
	for portID, port := range c.ports {
		if port.DeviceID == id {
			port.DeviceID = ""
			port.DeviceOwner = ""
			port.Status = "DOWN"
			c.ports[portID] = port
		}
	}
	for volumeID, v := range c.volumes {
		if len(v.obj.Attachments) > 0 && v.obj.Attachments[0].ServerID == id {
			v.obj.Attachments = nil
			v.obj.Status = "available"
			c.volumes[volumeID] = v
		}
	}
	for groupID, g := range c.serverGroups {
		g.obj.Members = slices.DeleteFunc(g.obj.Members, func(m string) bool { return m == id })
		c.serverGroups[groupID] = g
	}
	return nil
}

func (f *compute) setStatus(op, id, status string) error {
	c := f.c
	c.lock.Lock()
	defer c.lock.Unlock()
	if err := c.record("compute."+op, id); err != nil {
		return err
	}
	s, ok := c.servers[id]
	if !ok {
		return notFound("compute."+op, id)
	}
	s.obj.Status = status
	c.servers[id] = s
	return nil
}

func (f *compute) StartServer(_ context.Context, id string) error {
	return f.setStatus("StartServer", id, "ACTIVE")
}

func (f *compute) StopServer(_ context.Context, id string) error {
	return f.setStatus("StopServer", id, "SHUTOFF")
}

func (f *compute) RebootServer(_ context.Context, id string) error {
	return f.setStatus("RebootServer", id, "ACTIVE")
}

func (f *compute) ResizeServer(_ context.Context, id, flavorID string) error {
	c := f.c
	c.lock.Lock()
	defer c.lock.Unlock()
	if err := c.record("compute.ResizeServer", id); err != nil {
		return err
	}
	s, ok := c.servers[id]
	if !ok {
		return notFound("compute.resize_server", id)
	}
	idx := slices.IndexFunc(c.flavors, func(fl openstack.Flavor) bool { return fl.ID == flavorID })
	if idx < 0 {
		return notFound("compute.resize_server", "flavor "+flavorID)
	}
	fl := c.flavors[idx]
	s.obj.Flavor = openstack.ServerFlavor{OriginalName: fl.Name, VCPUs: fl.VCPUs, RAM: fl.RAM, Disk: fl.Disk}
	s.obj.Status = "VERIFY_RESIZE"
	c.servers[id] = s
	return nil
}

func (f *compute) ConfirmResize(_ context.Context, id string) error {
	return f.setStatus("ConfirmResize", id, "ACTIVE")
}

func (f *compute) ListFlavors(context.Context) ([]openstack.Flavor, error) {
	c := f.c
	c.lock.Lock()
	defer c.lock.Unlock()
	if err := c.record("compute.ListFlavors", f.projectID); err != nil {
		return nil, err
	}
	return slices.Clone(c.flavors), nil
}

func (f *compute) CreateKeypair(_ context.Context, name, publicKey string) error {
	c := f.c
	c.lock.Lock()
	defer c.lock.Unlock()
	if err := c.record("compute.CreateKeypair", name); err != nil {
		return err
	}
	if _, ok := c.keypairs[f.projectID+"/"+name]; ok {
		return conflict("compute.create_keypair", "duplicate keypair "+name)
	}
	c.keypairs[f.projectID+"/"+name] = publicKey
	return nil
}

func (f *compute) DeleteKeypair(_ context.Context, name string) error {
	c := f.c
	c.lock.Lock()
	defer c.lock.Unlock()
	if err := c.record("compute.DeleteKeypair", name); err != nil {
		return err
	}
	if _, ok := c.keypairs[f.projectID+"/"+name]; !ok {
		return notFound("compute.delete_keypair", name)
	}
	delete(c.keypairs, f.projectID+"/"+name)
	return nil
}

func (f *compute) CreateServerGroup(_ context.Context, name, policy string) (openstack.ServerGroup, error) {
	c := f.c
	c.lock.Lock()
	defer c.lock.Unlock()
	if err := c.record("compute.CreateServerGroup", name); err != nil {
		return openstack.ServerGroup{}, err
	}
	g := openstack.ServerGroup{ID: c.newID("servergroup"), Name: name, Policy: policy}
	c.serverGroups[g.ID] = scoped[openstack.ServerGroup]{projectID: f.projectID, obj: g}
	return g, nil
}

func (f *compute) GetServerGroup(_ context.Context, id string) (openstack.ServerGroup, error) {
	c := f.c
	c.lock.Lock()
	defer c.lock.Unlock()
	if err := c.record("compute.GetServerGroup", id); err != nil {
		return openstack.ServerGroup{}, err
	}
	g, ok := c.serverGroups[id]
	if !ok {
		return openstack.ServerGroup{}, notFound("compute.get_server_group", id)
	}
	return g.obj, nil
}

func (f *compute) ListServerGroups(context.Context) ([]openstack.ServerGroup, error) {
	c := f.c
	c.lock.Lock()
	defer c.lock.Unlock()
	if err := c.record("compute.ListServerGroups", f.projectID); err != nil {
		return nil, err
	}
	list := sortedByID(c.serverGroups, func(g scoped[openstack.ServerGroup]) string { return g.obj.ID }, func(g scoped[openstack.ServerGroup]) bool {
		return g.projectID == f.projectID
	})
	out := make([]openstack.ServerGroup, 0, len(list))
	for _, g := range list {
		out = append(out, g.obj)
	}
	return out, nil
}

func (f *compute) DeleteServerGroup(_ context.Context, id string) error {
	c := f.c
	c.lock.Lock()
	defer c.lock.Unlock()
	if err := c.record("compute.DeleteServerGroup", id); err != nil {
		return err
	}
	if _, ok := c.serverGroups[id]; !ok {
		return notFound("compute.delete_server_group", id)
	}
	delete(c.serverGroups, id)
	return nil
}

func (f *compute) AttachVolume(_ context.Context, serverID, volumeID, device string) (openstack.VolumeAttachment, error) {
	c := f.c
	c.lock.Lock()
	defer c.lock.Unlock()
	if err := c.record("compute.AttachVolume", serverID+"/"+volumeID); err != nil {
		return openstack.VolumeAttachment{}, err
	}
	s, ok := c.servers[serverID]
	if !ok {
		return openstack.VolumeAttachment{}, notFound("compute.attach_volume", serverID)
	}
	v, ok := c.volumes[volumeID]
	if !ok {
		return openstack.VolumeAttachment{}, notFound("compute.attach_volume", volumeID)
	}
	if v.obj.Status != "available" {
		return openstack.VolumeAttachment{}, &openstack.BackendError{
			Op: "compute.attach_volume", StatusCode: 400, Message: "volume is " + v.obj.Status,
		}
	}
	if device == "" {
		device = fmt.Sprintf("/dev/vd%c", 'a'+len(s.obj.AttachedVolumes))
	}
	v.obj.Status = "in-use"
	v.obj.Attachments = []openstack.VolumeAttachmentRef{{ServerID: serverID, Device: device}}
	c.volumes[volumeID] = v
	s.obj.AttachedVolumes = append(s.obj.AttachedVolumes, openstack.IDRef{ID: volumeID})
	c.servers[serverID] = s
	return openstack.VolumeAttachment{ID: volumeID, VolumeID: volumeID, ServerID: serverID, Device: device}, nil
}

func (f *compute) DetachVolume(_ context.Context, serverID, volumeID string) error {
	c := f.c
	c.lock.Lock()
	defer c.lock.Unlock()
	if err := c.record("compute.DetachVolume", serverID+"/"+volumeID); err != nil {
		return err
	}
	s, ok := c.servers[serverID]
	if !ok {
		return notFound("compute.detach_volume", serverID)
	}
	v, ok := c.volumes[volumeID]
	if !ok || len(v.obj.Attachments) == 0 || v.obj.Attachments[0].ServerID != serverID {
		return notFound("compute.detach_volume", volumeID)
	}
	v.obj.Status = "available"
	v.obj.Attachments = nil
	c.volumes[volumeID] = v
	s.obj.AttachedVolumes = slices.DeleteFunc(s.obj.AttachedVolumes, func(r openstack.IDRef) bool { return r.ID == volumeID })
	c.servers[serverID] = s
	return nil
}

func (f *compute) ListAvailabilityZones(context.Context) ([]openstack.AvailabilityZone, error) {
	c := f.c
	c.lock.Lock()
	defer c.lock.Unlock()
	if err := c.record("compute.ListAvailabilityZones", f.projectID); err != nil {
		return nil, err
	}
	return slices.Clone(c.computeZones), nil
}

func (f *compute) GetQuotas(_ context.Context, projectID string) (map[string]openstack.Quota, error) {
	c := f.c
	c.lock.Lock()
	defer c.lock.Unlock()
	if projectID == "" {
		projectID = f.projectID
	}
	if err := c.record("compute.GetQuotas", projectID); err != nil {
		return nil, err
	}
	var instances, cores, ram int64
	for _, s := range c.servers {
		if s.projectID == projectID {
			instances++
			cores += int64(s.obj.Flavor.VCPUs)
			ram += int64(s.obj.Flavor.RAM)
		}
	}
	return map[string]openstack.Quota{
		"instances": {Limit: c.quotaLimit(projectID, "compute", "instances"), InUse: instances},
		"cores":     {Limit: c.quotaLimit(projectID, "compute", "cores"), InUse: cores},
		"ram":       {Limit: c.quotaLimit(projectID, "compute", "ram"), InUse: ram},
	}, nil
}

func (f *compute) UpdateQuotas(_ context.Context, projectID string, limits map[string]int64) error {
	c := f.c
	c.lock.Lock()
	defer c.lock.Unlock()
	if projectID == "" {
		projectID = f.projectID
	}
	if err := c.record("compute.UpdateQuotas", projectID); err != nil {
		return err
	}
	c.setQuotas(projectID, "compute", limits)
	return nil
}

// Servers of a project.
func (c *FakeCloud) Servers(projectID string) []openstack.Server {
	c.lock.Lock()
	defer c.lock.Unlock()
	var out []openstack.Server
	for _, s := range sortedByID(c.servers, func(s scoped[openstack.Server]) string { return s.obj.ID }, func(s scoped[openstack.Server]) bool {
		return s.projectID == projectID
	}) {
		out = append(out, s.obj)
	}
	return out
}

// Overwrite the status of a server, e.g. to simulate an ERROR state.
func (c *FakeCloud) SetServerStatus(id, status string) {
	c.lock.Lock()
	defer c.lock.Unlock()
	if s, ok := c.servers[id]; ok {
		s.obj.Status = status
		c.servers[id] = s
	}
}
