// Copyright 2025 SAP SE
// SPDX-License-Identifier: Apache-2.0

package executors

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/cobaltcore-dev/cirrus/internal/backend"
	"github.com/cobaltcore-dev/cirrus/internal/models"
	"github.com/cobaltcore-dev/cirrus/internal/openstack"
	"github.com/cobaltcore-dev/cirrus/internal/quotas"
	"github.com/cobaltcore-dev/cirrus/internal/tasks"
)

// Names of the registered operations. Chains store them, so renaming one
// breaks chains that are persisted already.
const (
	opForget = "forget"

	opCreateTenant             = "create_tenant"
	opUpdateTenant             = "update_tenant"
	opAddAdminUser             = "add_admin_user"
	opCreateTenantUser         = "create_tenant_user"
	opChangeTenantUserPassword = "change_tenant_user_password"
	opPushQuotas               = "push_quotas"
	opConnectToExternalNetwork = "connect_to_external_network"
	opDeleteTenantUser         = "delete_tenant_user"
	opDeleteTenant             = "delete_tenant"
	opRemainingSnapshots       = "remaining_snapshots"
	opRemainingInstances       = "remaining_instances"
	opRemainingVolumes         = "remaining_volumes"

	opPullTenant                    = "pull_tenant"
	opPullQuotas                    = "pull_quotas"
	opPullSecurityGroups            = "pull_security_groups"
	opPullNetworks                  = "pull_networks"
	opPullSubnets                   = "pull_subnets"
	opPullRouters                   = "pull_routers"
	opPullPorts                     = "pull_ports"
	opPullFloatingIPs               = "pull_floating_ips"
	opPullServerGroups              = "pull_server_groups"
	opPullVolumes                   = "pull_volumes"
	opPullSnapshots                 = "pull_snapshots"
	opPullInstances                 = "pull_instances"
	opPullImages                    = "pull_images"
	opPullFlavors                   = "pull_flavors"
	opPullVolumeTypes               = "pull_volume_types"
	opPullInstanceAvailabilityZones = "pull_instance_availability_zones"
	opPullVolumeAvailabilityZones   = "pull_volume_availability_zones"
	opDeleteFloatingIPs             = "delete_floating_ips"
	opDeleteRoutes                  = "delete_routes"
	opDeletePorts                   = "delete_ports"
	opDeleteRouters                 = "delete_routers"
	opDeleteNetworks                = "delete_networks"
	opDeleteSecurityGroups          = "delete_security_groups"
	opDeleteSnapshots               = "delete_snapshots"
	opDeleteInstances               = "delete_instances"
	opDeleteVolumes                 = "delete_volumes"
	opDeleteServerGroups            = "delete_server_groups"
	opCreateNetwork                 = "create_network"
	opUpdateNetwork                 = "update_network"
	opDeleteNetwork                 = "delete_network"
	opNetworkGone                   = "network_gone"
	opCreateSubnet                  = "create_subnet"
	opUpdateSubnet                  = "update_subnet"
	opDeleteSubnet                  = "delete_subnet"
	opConnectSubnet                 = "connect_subnet"
	opDisconnectSubnet              = "disconnect_subnet"
	opSubnetGone                    = "subnet_gone"
	opCreateRouter                  = "create_router"
	opSetRoutes                     = "set_routes"
	opDeleteRouter                  = "delete_router"
	opRouterGone                    = "router_gone"
	opCreatePort                    = "create_port"
	opUpdatePort                    = "update_port"
	opDeletePort                    = "delete_port"
	opPortGone                      = "port_gone"
	opCreateSecurityGroup           = "create_security_group"
	opUpdateSecurityGroup           = "update_security_group"
	opPushSecurityGroupRules        = "push_security_group_rules"
	opDeleteSecurityGroup           = "delete_security_group"
	opSecurityGroupGone             = "security_group_gone"
	opCreateServerGroup             = "create_server_group"
	opDeleteServerGroup             = "delete_server_group"
	opServerGroupGone               = "server_group_gone"
	opCreateFloatingIP              = "create_floating_ip"
	opDeleteFloatingIP              = "delete_floating_ip"
	opAssociateFloatingIP           = "associate_floating_ip"
	opDisassociateFloatingIP        = "disassociate_floating_ip"
	opFloatingIPState               = "floating_ip_state"
	opCreateVolume                  = "create_volume"
	opUpdateVolume                  = "update_volume"
	opDeleteVolume                  = "delete_volume"
	opExtendVolume                  = "extend_volume"
	opAttachVolume                  = "attach_volume"
	opDetachVolume                  = "detach_volume"
	opVolumeState                   = "volume_state"
	opCreateSnapshot                = "create_snapshot"
	opDeleteSnapshot                = "delete_snapshot"
	opSnapshotState                 = "snapshot_state"
	opCreateInstance                = "create_instance"
	opDeleteInstance                = "delete_instance"
	opInstanceState                 = "instance_state"
	opStartInstance                 = "start_instance"
	opStopInstance                  = "stop_instance"
	opRestartInstance               = "restart_instance"
	opResizeInstance                = "resize_instance"
	opConfirmResize                 = "confirm_resize"
	opUpdateInstanceSecurityGroups  = "update_instance_security_groups"
	opPullInstance                  = "pull_instance"
	opPullServerGroup               = "pull_server_group"
	opCreateMissingFloatingIPs      = "create_missing_floating_ips"
	opPushFloatingIPAssociations    = "push_floating_ip_associations"
	opReleaseFloatingIPBookings     = "release_floating_ip_bookings"
	paramExternalNetworkID          = "external_network_id"
	paramPassword                   = "password"
	paramPortID                     = "port_id"
	paramInstanceID                 = "instance_id"
	paramDevice                     = "device"
	paramSize                       = "size"
	paramFlavor                     = "flavor"
	paramFloatingIPIDs              = "floating_ip_ids"
	paramQuotaPrefix                = "quota."
	remainingState                  = "remaining"
	presentState                    = "present"
)

// Operation on the tenant of the step resource.
type tenantOp func(rec *backend.Reconciler, ctx context.Context, tenant models.Tenant) error

// Register every operation of the executor chains.
func (e *Executor) Register(registry *tasks.Registry) {
	registry.Register(opForget, e.forget)

	tenantOps := map[string]tenantOp{
		opPullQuotas:                    (*backend.Reconciler).PullQuotas,
		opPullSecurityGroups:            (*backend.Reconciler).PullSecurityGroups,
		opPullNetworks:                  (*backend.Reconciler).PullNetworks,
		opPullSubnets:                   (*backend.Reconciler).PullSubnets,
		opPullRouters:                   (*backend.Reconciler).PullRouters,
		opPullPorts:                     (*backend.Reconciler).PullPorts,
		opPullFloatingIPs:               (*backend.Reconciler).PullFloatingIPs,
		opPullServerGroups:              (*backend.Reconciler).PullServerGroups,
		opPullVolumes:                   (*backend.Reconciler).PullVolumes,
		opPullSnapshots:                 (*backend.Reconciler).PullSnapshots,
		opPullInstances:                 (*backend.Reconciler).PullInstances,
		opPullImages:                    (*backend.Reconciler).PullImages,
		opPullFlavors:                   (*backend.Reconciler).PullFlavors,
		opPullVolumeTypes:               (*backend.Reconciler).PullVolumeTypes,
		opPullInstanceAvailabilityZones: (*backend.Reconciler).PullInstanceAvailabilityZones,
		opPullVolumeAvailabilityZones:   (*backend.Reconciler).PullVolumeAvailabilityZones,
		opDeleteFloatingIPs:             (*backend.Reconciler).DeleteFloatingIPs,
		opDeleteRoutes:                  (*backend.Reconciler).DeleteRoutes,
		opDeletePorts:                   (*backend.Reconciler).DeletePorts,
		opDeleteRouters:                 (*backend.Reconciler).DeleteRouters,
		opDeleteNetworks:                (*backend.Reconciler).DeleteNetworks,
		opDeleteSecurityGroups:          (*backend.Reconciler).DeleteSecurityGroups,
		opDeleteSnapshots:               (*backend.Reconciler).DeleteSnapshots,
		opDeleteInstances:               (*backend.Reconciler).DeleteInstances,
		opDeleteVolumes:                 (*backend.Reconciler).DeleteVolumes,
		opDeleteServerGroups:            (*backend.Reconciler).DeleteServerGroups,
	}
	for name, fn := range tenantOps {
		registry.Register(name, e.onTenant(fn))
	}
	registry.RegisterPoll(opRemainingSnapshots, e.remaining((*backend.Reconciler).RemainingSnapshots))
	registry.RegisterPoll(opRemainingInstances, e.remaining((*backend.Reconciler).RemainingInstances))
	registry.RegisterPoll(opRemainingVolumes, e.remaining((*backend.Reconciler).RemainingVolumes))

	// tenants
	registry.Register(opCreateTenant, ownTenant(e, (*backend.Reconciler).CreateTenant))
	registry.Register(opUpdateTenant, ownTenant(e, (*backend.Reconciler).UpdateTenant))
	registry.Register(opPullTenant, ownTenant(e, (*backend.Reconciler).PullTenant))
	registry.Register(opCreateTenantUser, ownTenant(e, (*backend.Reconciler).CreateTenantUser))
	registry.Register(opDeleteTenantUser, ownTenant(e, (*backend.Reconciler).DeleteTenantUser))
	registry.Register(opDeleteTenant, ownTenant(e, (*backend.Reconciler).DeleteTenant))
	registry.Register(opAddAdminUser, operation(e, func(ctx context.Context, rec *backend.Reconciler, _ models.Tenant, t *models.Tenant, _ tasks.Step) error {
		return rec.AddAdminUser(ctx, *t)
	}))
	registry.Register(opChangeTenantUserPassword, operation(e, func(ctx context.Context, rec *backend.Reconciler, _ models.Tenant, t *models.Tenant, step tasks.Step) error {
		return rec.ChangeTenantUserPassword(ctx, t, step.Param(paramPassword))
	}))
	registry.Register(opPushQuotas, operation(e, func(ctx context.Context, rec *backend.Reconciler, tenant models.Tenant, _ *models.Tenant, step tasks.Step) error {
		limits, err := quotaLimits(step.Params)
		if err != nil {
			return err
		}
		return rec.PushQuotas(ctx, tenant, limits)
	}))
	registry.Register(opConnectToExternalNetwork, operation(e, func(ctx context.Context, rec *backend.Reconciler, _ models.Tenant, t *models.Tenant, step tasks.Step) error {
		return rec.ConnectToExternalNetwork(ctx, t, step.Param(paramExternalNetworkID))
	}))

	// networking
	registry.Register(opCreateNetwork, simple(e, (*backend.Reconciler).CreateNetwork))
	registry.Register(opUpdateNetwork, simple(e, (*backend.Reconciler).UpdateNetwork))
	registry.Register(opDeleteNetwork, simple(e, (*backend.Reconciler).DeleteNetwork))
	registry.RegisterPoll(opNetworkGone, probe(e, (*backend.Reconciler).IsNetworkDeleted))
	registry.Register(opCreateSubnet, simple(e, (*backend.Reconciler).CreateSubnet))
	registry.Register(opUpdateSubnet, simple(e, (*backend.Reconciler).UpdateSubnet))
	registry.Register(opDeleteSubnet, simple(e, (*backend.Reconciler).DeleteSubnet))
	registry.Register(opConnectSubnet, simple(e, (*backend.Reconciler).ConnectSubnet))
	registry.Register(opDisconnectSubnet, simple(e, (*backend.Reconciler).DisconnectSubnet))
	registry.RegisterPoll(opSubnetGone, probe(e, (*backend.Reconciler).IsSubnetDeleted))
	registry.Register(opCreateRouter, simple(e, (*backend.Reconciler).CreateRouter))
	registry.Register(opDeleteRouter, simple(e, (*backend.Reconciler).DeleteRouter))
	registry.Register(opSetRoutes, operation(e, func(ctx context.Context, rec *backend.Reconciler, tenant models.Tenant, r *models.Router, _ tasks.Step) error {
		return rec.SetRoutes(ctx, tenant, r, r.Routes)
	}))
	registry.RegisterPoll(opRouterGone, probe(e, (*backend.Reconciler).IsRouterDeleted))
	registry.Register(opCreatePort, simple(e, (*backend.Reconciler).CreatePort))
	registry.Register(opUpdatePort, simple(e, (*backend.Reconciler).UpdatePort))
	registry.Register(opDeletePort, simple(e, (*backend.Reconciler).DeletePort))
	registry.RegisterPoll(opPortGone, probe(e, (*backend.Reconciler).IsPortDeleted))
	registry.Register(opCreateSecurityGroup, simple(e, (*backend.Reconciler).CreateSecurityGroup))
	registry.Register(opUpdateSecurityGroup, simple(e, (*backend.Reconciler).UpdateSecurityGroup))
	registry.Register(opPushSecurityGroupRules, simple(e, (*backend.Reconciler).PushSecurityGroupRules))
	registry.Register(opDeleteSecurityGroup, simple(e, (*backend.Reconciler).DeleteSecurityGroup))
	registry.RegisterPoll(opSecurityGroupGone, probe(e, (*backend.Reconciler).IsSecurityGroupDeleted))
	registry.Register(opCreateServerGroup, simple(e, (*backend.Reconciler).CreateServerGroup))
	registry.Register(opDeleteServerGroup, simple(e, (*backend.Reconciler).DeleteServerGroup))
	registry.RegisterPoll(opServerGroupGone, probe(e, (*backend.Reconciler).IsServerGroupDeleted))
	registry.Register(opCreateFloatingIP, simple(e, (*backend.Reconciler).CreateFloatingIP))
	registry.Register(opDeleteFloatingIP, simple(e, (*backend.Reconciler).DeleteFloatingIP))
	registry.Register(opDisassociateFloatingIP, simple(e, (*backend.Reconciler).DisassociateFloatingIP))
	registry.Register(opAssociateFloatingIP, operation(e, e.associateFloatingIP))
	registry.RegisterPoll(opFloatingIPState, poll(e, (*backend.Reconciler).PullFloatingIP))

	// storage
	registry.Register(opCreateVolume, simple(e, (*backend.Reconciler).CreateVolume))
	registry.Register(opUpdateVolume, simple(e, (*backend.Reconciler).UpdateVolume))
	registry.Register(opDeleteVolume, simple(e, (*backend.Reconciler).DeleteVolume))
	registry.Register(opDetachVolume, simple(e, (*backend.Reconciler).DetachVolume))
	registry.Register(opExtendVolume, operation(e, func(ctx context.Context, rec *backend.Reconciler, tenant models.Tenant, v *models.Volume, step tasks.Step) error {
		size, err := strconv.ParseInt(step.Param(paramSize), 10, 64)
		if err != nil {
			return fmt.Errorf("invalid size parameter of %s: %w", step, err)
		}
		return rec.ExtendVolume(ctx, tenant, v, size)
	}))
	registry.Register(opAttachVolume, operation(e, e.attachVolume))
	registry.RegisterPoll(opVolumeState, poll(e, (*backend.Reconciler).PullVolume))
	registry.Register(opCreateSnapshot, simple(e, (*backend.Reconciler).CreateSnapshot))
	registry.Register(opDeleteSnapshot, simple(e, (*backend.Reconciler).DeleteSnapshot))
	registry.RegisterPoll(opSnapshotState, poll(e, (*backend.Reconciler).PullSnapshot))

	// compute
	registry.Register(opCreateInstance, simple(e, (*backend.Reconciler).CreateInstance))
	registry.Register(opDeleteInstance, simple(e, (*backend.Reconciler).DeleteInstance))
	registry.Register(opStartInstance, simple(e, (*backend.Reconciler).StartInstance))
	registry.Register(opStopInstance, simple(e, (*backend.Reconciler).StopInstance))
	registry.Register(opRestartInstance, simple(e, (*backend.Reconciler).RestartInstance))
	registry.Register(opConfirmResize, simple(e, (*backend.Reconciler).ConfirmResize))
	registry.Register(opUpdateInstanceSecurityGroups, simple(e, (*backend.Reconciler).UpdateInstanceSecurityGroups))
	registry.Register(opResizeInstance, operation(e, func(ctx context.Context, rec *backend.Reconciler, tenant models.Tenant, inst *models.Instance, step tasks.Step) error {
		return rec.ResizeInstance(ctx, tenant, inst, step.Param(paramFlavor))
	}))
	registry.Register(opPullInstance, operation(e, func(ctx context.Context, rec *backend.Reconciler, tenant models.Tenant, inst *models.Instance, _ tasks.Step) error {
		_, err := rec.PullInstance(ctx, tenant, inst)
		return err
	}))
	registry.Register(opPullServerGroup, operation(e, e.pullServerGroup))
	registry.Register(opCreateMissingFloatingIPs, operation(e, e.createMissingFloatingIPs))
	registry.Register(opPushFloatingIPAssociations, operation(e, e.pushFloatingIPAssociations))
	registry.Register(opReleaseFloatingIPBookings, operation(e, func(_ context.Context, rec *backend.Reconciler, _ models.Tenant, inst *models.Instance, _ tasks.Step) error {
		return backend.ReleaseBookings(rec.DB, inst.ID)
	}))
	registry.RegisterPoll(opInstanceState, poll(e, (*backend.Reconciler).PullInstance))
}

////////////////////////////////////////////////////////////////////////////////
// adapters from reconciler methods to operations

// Typed resource operation with access to the step parameters.
type resourceOp[T models.Resource] func(ctx context.Context, rec *backend.Reconciler, tenant models.Tenant, res T, step tasks.Step) error

func operation[T models.Resource](e *Executor, fn resourceOp[T]) tasks.Operation {
	return func(ctx context.Context, step tasks.Step) error {
		rec, tenant, res, err := e.resolve(step.Resource)
		if err != nil {
			return err
		}
		typed, ok := res.(T)
		if !ok {
			return fmt.Errorf("unexpected resource %s for operation %s", step.Resource, step.Operation)
		}
		return fn(ctx, rec, tenant, typed, step)
	}
}

// Operation backed by a reconciler method on the step resource.
func simple[T models.Resource](e *Executor, method func(*backend.Reconciler, context.Context, models.Tenant, T) error) tasks.Operation {
	return operation(e, func(ctx context.Context, rec *backend.Reconciler, tenant models.Tenant, res T, _ tasks.Step) error {
		return method(rec, ctx, tenant, res)
	})
}

// Operation backed by a reconciler method on the tenant record itself.
func ownTenant(e *Executor, method func(*backend.Reconciler, context.Context, *models.Tenant) error) tasks.Operation {
	return operation(e, func(ctx context.Context, rec *backend.Reconciler, _ models.Tenant, t *models.Tenant, _ tasks.Step) error {
		return method(rec, ctx, t)
	})
}

func (e *Executor) onTenant(fn tenantOp) tasks.Operation {
	return func(ctx context.Context, step tasks.Step) error {
		rec, tenant, _, err := e.resolve(step.Resource)
		if err != nil {
			return err
		}
		return fn(rec, ctx, tenant)
	}
}

// Runtime state pull backed by a reconciler method. A missing backend
// object or local record is reported as gone.
func poll[T models.Resource](e *Executor, method func(*backend.Reconciler, context.Context, models.Tenant, T) (string, error)) tasks.PollOperation {
	return func(ctx context.Context, step tasks.Step) (string, error) {
		rec, tenant, res, err := e.resolve(step.Resource)
		if errors.Is(err, sql.ErrNoRows) {
			return tasks.Gone, nil
		}
		if err != nil {
			return "", err
		}
		typed, ok := res.(T)
		if !ok {
			return "", fmt.Errorf("unexpected resource %s for poll %s", step.Resource, step.Operation)
		}
		if res.GetLifecycle().BackendID == "" {
			return tasks.Gone, nil
		}
		state, err := method(rec, ctx, tenant, typed)
		if openstack.IsNotFound(err) {
			return tasks.Gone, nil
		}
		return state, err
	}
}

// Existence poll backed by a reconciler probe.
func probe[P interface {
	*V
	models.Resource
}, V any](e *Executor, method func(*backend.Reconciler, context.Context, models.Tenant, V) openstack.Probe) tasks.PollOperation {
	return poll(e, func(rec *backend.Reconciler, ctx context.Context, tenant models.Tenant, res P) (string, error) {
		p := method(rec, ctx, tenant, *res)
		switch p.Result {
		case openstack.Deleted:
			return tasks.Gone, nil
		case openstack.ProbeError:
			return "", p.Err
		default:
			return presentState, nil
		}
	})
}

// Poll of the number of remote objects left in the tenant project, gone
// once there are none.
func (e *Executor) remaining(count func(*backend.Reconciler, context.Context, models.Tenant) (int, error)) tasks.PollOperation {
	return func(ctx context.Context, step tasks.Step) (string, error) {
		rec, tenant, _, err := e.resolve(step.Resource)
		if err != nil {
			return "", err
		}
		n, err := count(rec, ctx, tenant)
		if err != nil {
			return "", err
		}
		if n == 0 {
			return tasks.Gone, nil
		}
		return remainingState, nil
	}
}

// Remove the record of a deleted resource.
func (e *Executor) forget(_ context.Context, step tasks.Step) error {
	rec, _, res, err := e.resolve(step.Resource)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return err
	}
	if res.Kind() == models.KindNetwork {
		_, err := e.DB.Exec("UPDATE tenants SET internal_network_id = '' WHERE internal_network_id = :id", map[string]any{"id": res.GetID()})
		if err != nil {
			return fmt.Errorf("failed to unlink network %s: %w", res.GetID(), err)
		}
	}
	return rec.Forget(res)
}

////////////////////////////////////////////////////////////////////////////////
// parameters

func quotaParams(limits map[quotas.Dimension]int64) tasks.Params {
	params := tasks.Params{}
	for d, limit := range limits {
		params[paramQuotaPrefix+string(d)] = strconv.FormatInt(limit, 10)
	}
	return params
}

func quotaLimits(params tasks.Params) (map[quotas.Dimension]int64, error) {
	limits := map[quotas.Dimension]int64{}
	for key, value := range params {
		dim, ok := strings.CutPrefix(key, paramQuotaPrefix)
		if !ok {
			continue
		}
		limit, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid limit of quota %s: %w", dim, err)
		}
		limits[quotas.Dimension(dim)] = limit
	}
	return limits, nil
}

func idsParam(ids []string) string { return strings.Join(ids, ",") }

func idsFromParam(value string) []string {
	if value == "" {
		return nil
	}
	return strings.Split(value, ",")
}
