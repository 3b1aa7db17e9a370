// Copyright 2025 SAP SE
// SPDX-License-Identifier: Apache-2.0

package openstack

import (
	"context"
	"slices"

	"github.com/cobaltcore-dev/cirrus/internal/openstack"
)

type blockStorage struct {
	c         *FakeCloud
	projectID string
}

func (f *blockStorage) CreateVolume(_ context.Context, spec openstack.VolumeSpec) (openstack.Volume, error) {
	c := f.c
	c.lock.Lock()
	defer c.lock.Unlock()
	if err := c.record("blockstorage.CreateVolume", spec.Name); err != nil {
		return openstack.Volume{}, err
	}
	if spec.SnapshotID != "" {
		if _, ok := c.snapshots[spec.SnapshotID]; !ok {
			return openstack.Volume{}, notFound("blockstorage.create_volume", "snapshot "+spec.SnapshotID)
		}
	}
	v := openstack.Volume{
		ID:               c.newID("volume"),
		Name:             spec.Name,
		Description:      spec.Description,
		Size:             spec.Size,
		Status:           "available",
		Bootable:         "false",
		VolumeType:       spec.VolumeType,
		AvailabilityZone: spec.AvailabilityZone,
		SnapshotID:       spec.SnapshotID,
	}
	if v.VolumeType == "" {
		v.VolumeType = "standard"
	}
	if v.AvailabilityZone == "" {
		v.AvailabilityZone = "nova"
	}
	if spec.ImageID != "" {
		v.Bootable = "true"
		v.ImageMetadata.ImageID = spec.ImageID
	}
	c.volumes[v.ID] = scoped[openstack.Volume]{projectID: f.projectID, obj: v}
	return v, nil
}

func (f *blockStorage) GetVolume(_ context.Context, id string) (openstack.Volume, error) {
	c := f.c
	c.lock.Lock()
	defer c.lock.Unlock()
	if err := c.record("blockstorage.GetVolume", id); err != nil {
		return openstack.Volume{}, err
	}
	v, ok := c.volumes[id]
	if !ok {
		return openstack.Volume{}, notFound("blockstorage.get_volume", id)
	}
	return v.obj, nil
}

func (f *blockStorage) UpdateVolume(_ context.Context, id, name, description string) (openstack.Volume, error) {
	c := f.c
	c.lock.Lock()
	defer c.lock.Unlock()
	if err := c.record("blockstorage.UpdateVolume", id); err != nil {
		return openstack.Volume{}, err
	}
	v, ok := c.volumes[id]
	if !ok {
		return openstack.Volume{}, notFound("blockstorage.update_volume", id)
	}
	v.obj.Name = name
	v.obj.Description = description
	c.volumes[id] = v
	return v.obj, nil
}

func (f *blockStorage) ListVolumes(context.Context) ([]openstack.Volume, error) {
	c := f.c
	c.lock.Lock()
	defer c.lock.Unlock()
	if err := c.record("blockstorage.ListVolumes", f.projectID); err != nil {
		return nil, err
	}
	var out []openstack.Volume
	for _, v := range sortedByID(c.volumes, func(v scoped[openstack.Volume]) string { return v.obj.ID }, func(v scoped[openstack.Volume]) bool {
		return v.projectID == f.projectID
	}) {
		out = append(out, v.obj)
	}
	return out, nil
}

func (f *blockStorage) DeleteVolume(_ context.Context, id string) error {
	c := f.c
	c.lock.Lock()
	defer c.lock.Unlock()
	if err := c.record("blockstorage.DeleteVolume", id); err != nil {
		return err
	}
	v, ok := c.volumes[id]
	if !ok {
		return notFound("blockstorage.delete_volume", id)
	}
	if len(v.obj.Attachments) > 0 {
		return &openstack.BackendError{Op: "blockstorage.delete_volume", StatusCode: 400, Message: "volume is attached"}
	}
	delete(c.volumes, id)
	return nil
}

func (f *blockStorage) ExtendVolume(_ context.Context, id string, newSize int) error {
	c := f.c
	c.lock.Lock()
	defer c.lock.Unlock()
	if err := c.record("blockstorage.ExtendVolume", id); err != nil {
		return err
	}
	v, ok := c.volumes[id]
	if !ok {
		return notFound("blockstorage.extend_volume", id)
	}
	if v.obj.Status != "available" {
		return &openstack.BackendError{Op: "blockstorage.extend_volume", StatusCode: 400, Message: "volume is " + v.obj.Status}
	}
	if newSize <= v.obj.Size {
		return &openstack.BackendError{Op: "blockstorage.extend_volume", StatusCode: 400, Message: "new size must be larger"}
	}
	v.obj.Size = newSize
	c.volumes[id] = v
	return nil
}

func (f *blockStorage) CreateSnapshot(_ context.Context, spec openstack.SnapshotSpec) (openstack.Snapshot, error) {
	c := f.c
	c.lock.Lock()
	defer c.lock.Unlock()
	if err := c.record("blockstorage.CreateSnapshot", spec.VolumeID); err != nil {
		return openstack.Snapshot{}, err
	}
	v, ok := c.volumes[spec.VolumeID]
	if !ok {
		return openstack.Snapshot{}, notFound("blockstorage.create_snapshot", spec.VolumeID)
	}
	if v.obj.Status == "in-use" && !spec.Force {
		return openstack.Snapshot{}, &openstack.BackendError{Op: "blockstorage.create_snapshot", StatusCode: 400, Message: "volume is in use"}
	}
	s := openstack.Snapshot{
		ID:          c.newID("snapshot"),
		Name:        spec.Name,
		Description: spec.Description,
		VolumeID:    spec.VolumeID,
		Size:        v.obj.Size,
		Status:      "available",
	}
	c.snapshots[s.ID] = scoped[openstack.Snapshot]{projectID: f.projectID, obj: s}
	return s, nil
}

func (f *blockStorage) GetSnapshot(_ context.Context, id string) (openstack.Snapshot, error) {
	c := f.c
	c.lock.Lock()
	defer c.lock.Unlock()
	if err := c.record("blockstorage.GetSnapshot", id); err != nil {
		return openstack.Snapshot{}, err
	}
	s, ok := c.snapshots[id]
	if !ok {
		return openstack.Snapshot{}, notFound("blockstorage.get_snapshot", id)
	}
	return s.obj, nil
}

func (f *blockStorage) ListSnapshots(context.Context) ([]openstack.Snapshot, error) {
	c := f.c
	c.lock.Lock()
	defer c.lock.Unlock()
	if err := c.record("blockstorage.ListSnapshots", f.projectID); err != nil {
		return nil, err
	}
	var out []openstack.Snapshot
	for _, s := range sortedByID(c.snapshots, func(s scoped[openstack.Snapshot]) string { return s.obj.ID }, func(s scoped[openstack.Snapshot]) bool {
		return s.projectID == f.projectID
	}) {
		out = append(out, s.obj)
	}
	return out, nil
}

func (f *blockStorage) DeleteSnapshot(_ context.Context, id string) error {
	c := f.c
	c.lock.Lock()
	defer c.lock.Unlock()
	if err := c.record("blockstorage.DeleteSnapshot", id); err != nil {
		return err
	}
	if _, ok := c.snapshots[id]; !ok {
		return notFound("blockstorage.delete_snapshot", id)
	}
	delete(c.snapshots, id)
	return nil
}

func (f *blockStorage) ListVolumeTypes(context.Context) ([]openstack.VolumeType, error) {
	c := f.c
	c.lock.Lock()
	defer c.lock.Unlock()
	if err := c.record("blockstorage.ListVolumeTypes", f.projectID); err != nil {
		return nil, err
	}
	return slices.Clone(c.volumeTypes), nil
}

func (f *blockStorage) ListAvailabilityZones(context.Context) ([]openstack.AvailabilityZone, error) {
	c := f.c
	c.lock.Lock()
	defer c.lock.Unlock()
	if err := c.record("blockstorage.ListAvailabilityZones", f.projectID); err != nil {
		return nil, err
	}
	return slices.Clone(c.volumeZones), nil
}

func (f *blockStorage) GetQuotas(_ context.Context, projectID string) (map[string]openstack.Quota, error) {
	c := f.c
	c.lock.Lock()
	defer c.lock.Unlock()
	if projectID == "" {
		projectID = f.projectID
	}
	if err := c.record("blockstorage.GetQuotas", projectID); err != nil {
		return nil, err
	}
	var volumes, gigabytes, snapshots int64
	for _, v := range c.volumes {
		if v.projectID == projectID {
			volumes++
			gigabytes += int64(v.obj.Size)
		}
	}
	for _, s := range c.snapshots {
		if s.projectID == projectID {
			snapshots++
			gigabytes += int64(s.obj.Size)
		}
	}
	return map[string]openstack.Quota{
		"volumes":   {Limit: c.quotaLimit(projectID, "blockstorage", "volumes"), InUse: volumes},
		"gigabytes": {Limit: c.quotaLimit(projectID, "blockstorage", "gigabytes"), InUse: gigabytes},
		"snapshots": {Limit: c.quotaLimit(projectID, "blockstorage", "snapshots"), InUse: snapshots},
	}, nil
}

func (f *blockStorage) UpdateQuotas(_ context.Context, projectID string, limits map[string]int64) error {
	c := f.c
	c.lock.Lock()
	defer c.lock.Unlock()
	if projectID == "" {
		projectID = f.projectID
	}
	if err := c.record("blockstorage.UpdateQuotas", projectID); err != nil {
		return err
	}
	c.setQuotas(projectID, "blockstorage", limits)
	return nil
}

type image struct {
	c *FakeCloud
}

func (f *image) ListImages(context.Context) ([]openstack.Image, error) {
	c := f.c
	c.lock.Lock()
	defer c.lock.Unlock()
	if err := c.record("image.ListImages", ""); err != nil {
		return nil, err
	}
	return slices.Clone(c.images), nil
}

// Volumes of a project, sorted by id.
func (c *FakeCloud) Volumes(projectID string) []openstack.Volume {
	c.lock.Lock()
	defer c.lock.Unlock()
	var out []openstack.Volume
	for _, v := range sortedByID(c.volumes, func(v scoped[openstack.Volume]) string { return v.obj.ID }, func(v scoped[openstack.Volume]) bool {
		return v.projectID == projectID
	}) {
		out = append(out, v.obj)
	}
	return out
}

func (c *FakeCloud) Volume(id string) (openstack.Volume, bool) {
	c.lock.Lock()
	defer c.lock.Unlock()
	v, ok := c.volumes[id]
	return v.obj, ok
}

// Overwrite the status of a volume, e.g. to simulate an error state.
func (c *FakeCloud) SetVolumeStatus(id, status string) {
	c.lock.Lock()
	defer c.lock.Unlock()
	if v, ok := c.volumes[id]; ok {
		v.obj.Status = status
		c.volumes[id] = v
	}
}

// Snapshots of a project, sorted by id.
func (c *FakeCloud) Snapshots(projectID string) []openstack.Snapshot {
	c.lock.Lock()
	defer c.lock.Unlock()
	var out []openstack.Snapshot
	for _, s := range sortedByID(c.snapshots, func(s scoped[openstack.Snapshot]) string { return s.obj.ID }, func(s scoped[openstack.Snapshot]) bool {
		return s.projectID == projectID
	}) {
		out = append(out, s.obj)
	}
	return out
}
