// Copyright 2025 SAP SE
// SPDX-License-Identifier: Apache-2.0

package openstack

import (
	"context"
	"encoding/json"
	"slices"

	"github.com/gophercloud/gophercloud/v2"
	"github.com/gophercloud/gophercloud/v2/openstack/compute/v2/flavors"
	"github.com/gophercloud/gophercloud/v2/openstack/compute/v2/keypairs"
	"github.com/gophercloud/gophercloud/v2/openstack/compute/v2/servers"
)

type computeClient struct {
	sc  *gophercloud.ServiceClient
	mon Monitor
	// Project of the session, used for quota lookups.
	projectID string
}

func (c *computeClient) CreateServer(ctx context.Context, spec ServerSpec) (Server, error) {
	var resp struct {
		Server Server `json:"server"`
	}
	err := call(c.mon, "compute", "create_server", func() error {
		nets := make([]servers.Network, 0, len(spec.PortIDs))
		for _, portID := range spec.PortIDs {
			nets = append(nets, servers.Network{Port: portID})
		}
		devices := make([]servers.BlockDevice, 0, len(spec.BlockDevices))
		for _, bd := range spec.BlockDevices {
			devices = append(devices, servers.BlockDevice{
				UUID:                bd.VolumeID,
				SourceType:          servers.SourceVolume,
				DestinationType:     servers.DestinationVolume,
				BootIndex:           bd.BootIndex,
				DeleteOnTermination: bd.DeleteOnTermination,
			})
		}
		sco := servers.CreateOpts{
			Name:             spec.Name,
			FlavorRef:        spec.FlavorID,
			UserData:         []byte(spec.UserData),
			Networks:         nets,
			AvailabilityZone: spec.AvailabilityZone,
			BlockDevice:      devices,
		}
		so := keypairs.CreateOptsExt{KeyName: spec.KeyName, CreateOptsBuilder: sco}
		ho := servers.SchedulerHintOpts{Group: spec.ServerGroupID}
		return servers.Create(ctx, c.sc, so, ho).ExtractInto(&resp)
	})
	return resp.Server, err
}

func (c *computeClient) GetServer(ctx context.Context, id string) (Server, error) {
	var resp struct {
		Server Server `json:"server"`
	}
	err := call(c.mon, "compute", "get_server", func() error {
		return servers.Get(ctx, c.sc, id).ExtractInto(&resp)
	})
	return resp.Server, err
}

func (c *computeClient) ListServers(ctx context.Context) ([]Server, error) {
	var data struct {
		Servers []Server `json:"servers"`
	}
	err := call(c.mon, "compute", "list_servers", func() error {
		pages, err := servers.List(c.sc, servers.ListOpts{}).AllPages(ctx)
		if err != nil {
			return err
		}
		return pages.(servers.ServerPage).ExtractInto(&data)
	})
	return data.Servers, err
}

func (c *computeClient) DeleteServer(ctx context.Context, id string) error {
	return call(c.mon, "compute", "delete_server", func() error {
		return servers.Delete(ctx, c.sc, id).ExtractErr()
	})
}

// Post a server action such as os-start or resize.
func (c *computeClient) action(ctx context.Context, op, id string, body any) error {
	return call(c.mon, "compute", op, func() error {
		_, err := c.sc.Post(ctx, c.sc.ServiceURL("servers", id, "action"), body, nil, &gophercloud.RequestOpts{
			OkCodes: []int{202, 204},
		})
		return err
	})
}

func (c *computeClient) StartServer(ctx context.Context, id string) error {
	return c.action(ctx, "start_server", id, map[string]any{"os-start": nil})
}

func (c *computeClient) StopServer(ctx context.Context, id string) error {
	return c.action(ctx, "stop_server", id, map[string]any{"os-stop": nil})
}

func (c *computeClient) RebootServer(ctx context.Context, id string) error {
	return c.action(ctx, "reboot_server", id, map[string]any{"reboot": map[string]string{"type": "SOFT"}})
}

func (c *computeClient) ResizeServer(ctx context.Context, id, flavorID string) error {
	return c.action(ctx, "resize_server", id, map[string]any{"resize": map[string]string{"flavorRef": flavorID}})
}

func (c *computeClient) ConfirmResize(ctx context.Context, id string) error {
	return c.action(ctx, "confirm_resize", id, map[string]any{"confirmResize": nil})
}

// List the public flavors and the private flavors the project has access to.
func (c *computeClient) ListFlavors(ctx context.Context) ([]Flavor, error) {
	var result []Flavor
	err := call(c.mon, "compute", "list_flavors", func() error {
		for _, access := range []flavors.AccessType{flavors.PublicAccess, flavors.PrivateAccess} {
			pages, err := flavors.ListDetail(c.sc, flavors.ListOpts{AccessType: access}).AllPages(ctx)
			if err != nil {
				return err
			}
			all, err := flavors.ExtractFlavors(pages)
			if err != nil {
				return err
			}
			for _, f := range all {
				if slices.ContainsFunc(result, func(o Flavor) bool { return o.ID == f.ID }) {
					continue
				}
				result = append(result, Flavor{ID: f.ID, Name: f.Name, VCPUs: f.VCPUs, RAM: f.RAM, Disk: f.Disk})
			}
		}
		return nil
	})
	return result, err
}

func (c *computeClient) CreateKeypair(ctx context.Context, name, publicKey string) error {
	return call(c.mon, "compute", "create_keypair", func() error {
		_, err := keypairs.Create(ctx, c.sc, keypairs.CreateOpts{Name: name, PublicKey: publicKey}).Extract()
		return err
	})
}

func (c *computeClient) DeleteKeypair(ctx context.Context, name string) error {
	return call(c.mon, "compute", "delete_keypair", func() error {
		return keypairs.Delete(ctx, c.sc, name, keypairs.DeleteOpts{}).ExtractErr()
	})
}

func (c *computeClient) CreateServerGroup(ctx context.Context, name, policy string) (ServerGroup, error) {
	var resp struct {
		ServerGroup ServerGroup `json:"server_group"`
	}
	body := map[string]any{"server_group": map[string]any{"name": name, "policy": policy}}
	err := call(c.mon, "compute", "create_server_group", func() error {
		_, err := c.sc.Post(ctx, c.sc.ServiceURL("os-server-groups"), body, &resp, &gophercloud.RequestOpts{
			OkCodes: []int{200},
		})
		return err
	})
	return resp.ServerGroup, err
}

func (c *computeClient) GetServerGroup(ctx context.Context, id string) (ServerGroup, error) {
	var resp struct {
		ServerGroup ServerGroup `json:"server_group"`
	}
	err := call(c.mon, "compute", "get_server_group", func() error {
		_, err := c.sc.Get(ctx, c.sc.ServiceURL("os-server-groups", id), &resp, &gophercloud.RequestOpts{
			OkCodes: []int{200},
		})
		return err
	})
	return resp.ServerGroup, err
}

func (c *computeClient) ListServerGroups(ctx context.Context) ([]ServerGroup, error) {
	var resp struct {
		ServerGroups []ServerGroup `json:"server_groups"`
	}
	err := call(c.mon, "compute", "list_server_groups", func() error {
		_, err := c.sc.Get(ctx, c.sc.ServiceURL("os-server-groups"), &resp, &gophercloud.RequestOpts{
			OkCodes: []int{200},
		})
		return err
	})
	return resp.ServerGroups, err
}

func (c *computeClient) DeleteServerGroup(ctx context.Context, id string) error {
	return call(c.mon, "compute", "delete_server_group", func() error {
		_, err := c.sc.Delete(ctx, c.sc.ServiceURL("os-server-groups", id), &gophercloud.RequestOpts{
			OkCodes: []int{204},
		})
		return err
	})
}

func (c *computeClient) AttachVolume(ctx context.Context, serverID, volumeID, device string) (VolumeAttachment, error) {
	var resp struct {
		Attachment VolumeAttachment `json:"volumeAttachment"`
	}
	attachment := map[string]any{"volumeId": volumeID}
	if device != "" {
		attachment["device"] = device
	}
	body := map[string]any{"volumeAttachment": attachment}
	err := call(c.mon, "compute", "attach_volume", func() error {
		_, err := c.sc.Post(ctx, c.sc.ServiceURL("servers", serverID, "os-volume_attachments"), body, &resp, &gophercloud.RequestOpts{
			OkCodes: []int{200},
		})
		return err
	})
	return resp.Attachment, err
}

func (c *computeClient) DetachVolume(ctx context.Context, serverID, volumeID string) error {
	return call(c.mon, "compute", "detach_volume", func() error {
		_, err := c.sc.Delete(ctx, c.sc.ServiceURL("servers", serverID, "os-volume_attachments", volumeID), &gophercloud.RequestOpts{
			OkCodes: []int{202},
		})
		return err
	})
}

// Zone listing shared by nova and cinder.
type availabilityZoneInfo struct {
	Zones []struct {
		Name  string `json:"zoneName"`
		State struct {
			Available bool `json:"available"`
		} `json:"zoneState"`
	} `json:"availabilityZoneInfo"`
}

func (i availabilityZoneInfo) toZones() []AvailabilityZone {
	zones := make([]AvailabilityZone, 0, len(i.Zones))
	for _, z := range i.Zones {
		zones = append(zones, AvailabilityZone{Name: z.Name, Available: z.State.Available})
	}
	return zones
}

func (c *computeClient) ListAvailabilityZones(ctx context.Context) ([]AvailabilityZone, error) {
	var resp availabilityZoneInfo
	err := call(c.mon, "compute", "list_availability_zones", func() error {
		_, err := c.sc.Get(ctx, c.sc.ServiceURL("os-availability-zone"), &resp, &gophercloud.RequestOpts{
			OkCodes: []int{200},
		})
		return err
	})
	return resp.toZones(), err
}

// Parse a quota set where every key maps to an object with limit and
// usage. Scalar keys such as "id" are skipped.
func parseQuotaSet(raw map[string]json.RawMessage, usageKey string) map[string]Quota {
	result := make(map[string]Quota, len(raw))
	for key, value := range raw {
		var detail map[string]int64
		if err := json.Unmarshal(value, &detail); err != nil {
			continue
		}
		result[key] = Quota{Limit: detail["limit"], InUse: detail[usageKey]}
	}
	return result
}

func (c *computeClient) GetQuotas(ctx context.Context, projectID string) (map[string]Quota, error) {
	if projectID == "" {
		projectID = c.projectID
	}
	var resp struct {
		QuotaSet map[string]json.RawMessage `json:"quota_set"`
	}
	err := call(c.mon, "compute", "get_quotas", func() error {
		_, err := c.sc.Get(ctx, c.sc.ServiceURL("os-quota-sets", projectID, "detail"), &resp, &gophercloud.RequestOpts{
			OkCodes: []int{200},
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	return parseQuotaSet(resp.QuotaSet, "in_use"), nil
}

func (c *computeClient) UpdateQuotas(ctx context.Context, projectID string, limits map[string]int64) error {
	if projectID == "" {
		projectID = c.projectID
	}
	body := map[string]any{"quota_set": limits}
	return call(c.mon, "compute", "update_quotas", func() error {
		_, err := c.sc.Put(ctx, c.sc.ServiceURL("os-quota-sets", projectID), body, nil, &gophercloud.RequestOpts{
			OkCodes: []int{200},
		})
		return err
	})
}
