// Copyright 2025 SAP SE
// SPDX-License-Identifier: Apache-2.0

package openstack

import (
	"context"
	"encoding/json"

	"github.com/gophercloud/gophercloud/v2"
	"github.com/gophercloud/gophercloud/v2/openstack/blockstorage/v3/volumes"
)

type blockStorageClient struct {
	sc  *gophercloud.ServiceClient
	mon Monitor
	// Project of the session, used for quota lookups.
	projectID string
}

func (c *blockStorageClient) CreateVolume(ctx context.Context, spec VolumeSpec) (Volume, error) {
	var resp struct {
		Volume Volume `json:"volume"`
	}
	err := call(c.mon, "blockstorage", "create_volume", func() error {
		opts := volumes.CreateOpts{
			Size:             spec.Size,
			Name:             spec.Name,
			Description:      spec.Description,
			VolumeType:       spec.VolumeType,
			AvailabilityZone: spec.AvailabilityZone,
			ImageID:          spec.ImageID,
			SnapshotID:       spec.SnapshotID,
		}
		return volumes.Create(ctx, c.sc, opts, nil).ExtractInto(&resp)
	})
	return resp.Volume, err
}

func (c *blockStorageClient) GetVolume(ctx context.Context, id string) (Volume, error) {
	var resp struct {
		Volume Volume `json:"volume"`
	}
	err := call(c.mon, "blockstorage", "get_volume", func() error {
		return volumes.Get(ctx, c.sc, id).ExtractInto(&resp)
	})
	return resp.Volume, err
}

func (c *blockStorageClient) UpdateVolume(ctx context.Context, id, name, description string) (Volume, error) {
	var resp struct {
		Volume Volume `json:"volume"`
	}
	body := map[string]any{"volume": map[string]any{"name": name, "description": description}}
	err := call(c.mon, "blockstorage", "update_volume", func() error {
		_, err := c.sc.Put(ctx, c.sc.ServiceURL("volumes", id), body, &resp, &gophercloud.RequestOpts{
			OkCodes: []int{200},
		})
		return err
	})
	return resp.Volume, err
}

func (c *blockStorageClient) ListVolumes(ctx context.Context) ([]Volume, error) {
	var data struct {
		Volumes []Volume `json:"volumes"`
	}
	err := call(c.mon, "blockstorage", "list_volumes", func() error {
		pages, err := volumes.List(c.sc, volumes.ListOpts{}).AllPages(ctx)
		if err != nil {
			return err
		}
		return pages.(volumes.VolumePage).ExtractInto(&data)
	})
	return data.Volumes, err
}

func (c *blockStorageClient) DeleteVolume(ctx context.Context, id string) error {
	return call(c.mon, "blockstorage", "delete_volume", func() error {
		return volumes.Delete(ctx, c.sc, id, volumes.DeleteOpts{}).ExtractErr()
	})
}

func (c *blockStorageClient) ExtendVolume(ctx context.Context, id string, newSize int) error {
	body := map[string]any{"os-extend": map[string]any{"new_size": newSize}}
	return call(c.mon, "blockstorage", "extend_volume", func() error {
		_, err := c.sc.Post(ctx, c.sc.ServiceURL("volumes", id, "action"), body, nil, &gophercloud.RequestOpts{
			OkCodes: []int{202},
		})
		return err
	})
}

func (c *blockStorageClient) CreateSnapshot(ctx context.Context, spec SnapshotSpec) (Snapshot, error) {
	var resp struct {
		Snapshot Snapshot `json:"snapshot"`
	}
	body := map[string]any{"snapshot": map[string]any{
		"volume_id":   spec.VolumeID,
		"name":        spec.Name,
		"description": spec.Description,
		"force":       spec.Force,
	}}
	err := call(c.mon, "blockstorage", "create_snapshot", func() error {
		_, err := c.sc.Post(ctx, c.sc.ServiceURL("snapshots"), body, &resp, &gophercloud.RequestOpts{
			OkCodes: []int{202},
		})
		return err
	})
	return resp.Snapshot, err
}

func (c *blockStorageClient) GetSnapshot(ctx context.Context, id string) (Snapshot, error) {
	var resp struct {
		Snapshot Snapshot `json:"snapshot"`
	}
	err := call(c.mon, "blockstorage", "get_snapshot", func() error {
		_, err := c.sc.Get(ctx, c.sc.ServiceURL("snapshots", id), &resp, &gophercloud.RequestOpts{
			OkCodes: []int{200},
		})
		return err
	})
	return resp.Snapshot, err
}

func (c *blockStorageClient) ListSnapshots(ctx context.Context) ([]Snapshot, error) {
	var resp struct {
		Snapshots []Snapshot `json:"snapshots"`
	}
	err := call(c.mon, "blockstorage", "list_snapshots", func() error {
		_, err := c.sc.Get(ctx, c.sc.ServiceURL("snapshots", "detail"), &resp, &gophercloud.RequestOpts{
			OkCodes: []int{200},
		})
		return err
	})
	return resp.Snapshots, err
}

func (c *blockStorageClient) DeleteSnapshot(ctx context.Context, id string) error {
	return call(c.mon, "blockstorage", "delete_snapshot", func() error {
		_, err := c.sc.Delete(ctx, c.sc.ServiceURL("snapshots", id), &gophercloud.RequestOpts{
			OkCodes: []int{202},
		})
		return err
	})
}

func (c *blockStorageClient) ListVolumeTypes(ctx context.Context) ([]VolumeType, error) {
	var resp struct {
		VolumeTypes []VolumeType `json:"volume_types"`
	}
	err := call(c.mon, "blockstorage", "list_volume_types", func() error {
		_, err := c.sc.Get(ctx, c.sc.ServiceURL("types"), &resp, &gophercloud.RequestOpts{
			OkCodes: []int{200},
		})
		return err
	})
	return resp.VolumeTypes, err
}

func (c *blockStorageClient) ListAvailabilityZones(ctx context.Context) ([]AvailabilityZone, error) {
	var resp availabilityZoneInfo
	err := call(c.mon, "blockstorage", "list_availability_zones", func() error {
		_, err := c.sc.Get(ctx, c.sc.ServiceURL("os-availability-zone"), &resp, &gophercloud.RequestOpts{
			OkCodes: []int{200},
		})
		return err
	})
	return resp.toZones(), err
}

func (c *blockStorageClient) GetQuotas(ctx context.Context, projectID string) (map[string]Quota, error) {
	if projectID == "" {
		projectID = c.projectID
	}
	var resp struct {
		QuotaSet map[string]json.RawMessage `json:"quota_set"`
	}
	err := call(c.mon, "blockstorage", "get_quotas", func() error {
		u := c.sc.ServiceURL("os-quota-sets", projectID) + "?usage=true"
		_, err := c.sc.Get(ctx, u, &resp, &gophercloud.RequestOpts{OkCodes: []int{200}})
		return err
	})
	if err != nil {
		return nil, err
	}
	return parseQuotaSet(resp.QuotaSet, "in_use"), nil
}

func (c *blockStorageClient) UpdateQuotas(ctx context.Context, projectID string, limits map[string]int64) error {
	if projectID == "" {
		projectID = c.projectID
	}
	body := map[string]any{"quota_set": limits}
	return call(c.mon, "blockstorage", "update_quotas", func() error {
		_, err := c.sc.Put(ctx, c.sc.ServiceURL("os-quota-sets", projectID), body, nil, &gophercloud.RequestOpts{
			OkCodes: []int{200},
		})
		return err
	})
}
