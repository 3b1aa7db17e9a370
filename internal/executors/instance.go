// Copyright 2025 SAP SE
// SPDX-License-Identifier: Apache-2.0

package executors

import (
	"context"
	"fmt"
	"strings"

	"github.com/cobaltcore-dev/cirrus/internal/backend"
	"github.com/cobaltcore-dev/cirrus/internal/models"
	"github.com/cobaltcore-dev/cirrus/internal/quotas"
	"github.com/cobaltcore-dev/cirrus/internal/tasks"
	"github.com/go-gorp/gorp"
)

// Data volume of a new instance. Sizes are in MB.
type VolumeSpec struct {
	Size             int64
	Type             string
	SourceSnapshotID string
}

// Request to create an instance. The instance boots from a new system
// volume with the image.
type InstanceRequest struct {
	TenantID    string
	Name        string
	Description string
	FlavorName  string
	// Backend id of the image.
	ImageID string
	// Size of the system volume, the flavor disk if zero.
	SystemVolumeSize int64
	SystemVolumeType string
	// Snapshot the system volume is restored from, the image is not
	// required then.
	SystemSnapshotID string
	DataVolumes      []VolumeSpec
	// One port is created per subnet, the internal subnet if none.
	SubNetIDs        []string
	SecurityGroupIDs []string
	ServerGroupID    string
	SSHPublicKey     string
	UserData         string
	AvailabilityZone string
	// Existing floating ips to associate with the first port.
	FloatingIPIDs []string
	// Number of floating ips to allocate for the instance.
	NewFloatingIPs int
}

// Records of a new instance, inserted by its admission.
type instancePlan struct {
	instance    *models.Instance
	flavor      models.Flavor
	volumes     []*models.Volume
	ports       []*models.Port
	newFIPs     []*models.FloatingIP
	existingFIP []string
}

func (e *Executor) CreateInstance(req InstanceRequest) (*tasks.Chain, error) {
	rec, tenant, err := e.readyTenant(req.TenantID)
	if err != nil {
		return nil, err
	}
	plan, err := e.planInstance(rec, tenant, req)
	if err != nil {
		return nil, err
	}
	return e.submitInstance(rec, tenant, plan, "create_instance")
}

func (e *Executor) planInstance(rec *backend.Reconciler, tenant models.Tenant, req InstanceRequest) (*instancePlan, error) {
	if strings.TrimSpace(req.Name) == "" {
		return nil, invalid("instance name must not be empty")
	}
	flavor, err := rec.Flavor(tenant, req.FlavorName)
	if err != nil {
		return nil, err
	}
	systemSize := req.SystemVolumeSize
	if systemSize == 0 {
		systemSize = flavor.Disk
	}
	if systemSize <= 0 {
		return nil, invalid("flavor %s has no disk, a system volume size is required", flavor.Name)
	}
	imageID := req.ImageID
	if req.SystemSnapshotID == "" {
		imageID, err = e.findImage(rec, tenant, req.ImageID)
		if err != nil {
			return nil, err
		}
	}
	for _, id := range append([]string{req.SystemSnapshotID}, dataSnapshots(req.DataVolumes)...) {
		if id == "" {
			continue
		}
		snapshot, err := loadAs[*models.Snapshot](e.DB, models.KindSnapshot, id)
		if err != nil {
			return nil, err
		}
		if err := requireReady(snapshot, tenant); err != nil {
			return nil, err
		}
		if id == req.SystemSnapshotID && systemSize < snapshot.Size {
			systemSize = snapshot.Size
		}
	}

	subnetIDs := req.SubNetIDs
	if len(subnetIDs) == 0 {
		if tenant.InternalNetworkID == "" {
			return nil, invalid("tenant %s has no internal network", tenant.Name)
		}
		var ids []string
		_, err := e.DB.Select(&ids, "SELECT id FROM subnets WHERE network_id = :network ORDER BY created_at, id",
			map[string]any{"network": tenant.InternalNetworkID})
		if err != nil {
			return nil, fmt.Errorf("failed to select internal subnets: %w", err)
		}
		subnetIDs = ids
	}
	if len(subnetIDs) == 0 {
		return nil, invalid("tenant %s has no subnet for the instance", tenant.Name)
	}
	subnets := make([]*models.SubNet, 0, len(subnetIDs))
	for _, id := range subnetIDs {
		subnet, err := loadAs[*models.SubNet](e.DB, models.KindSubNet, id)
		if err != nil {
			return nil, err
		}
		if err := requireReady(subnet, tenant); err != nil {
			return nil, err
		}
		subnets = append(subnets, subnet)
	}
	if err := e.checkSecurityGroups(e.DB, tenant, req.SecurityGroupIDs); err != nil {
		return nil, err
	}
	if req.ServerGroupID != "" {
		group, err := loadAs[*models.ServerGroup](e.DB, models.KindServerGroup, req.ServerGroupID)
		if err != nil {
			return nil, err
		}
		if err := requireReady(group, tenant); err != nil {
			return nil, err
		}
	}
	if req.NewFloatingIPs < 0 {
		return nil, invalid("invalid number of floating ips %d", req.NewFloatingIPs)
	}
	externalNetworkID := tenant.ExternalNetworkID
	if externalNetworkID == "" {
		externalNetworkID = rec.Conn.ExternalNetworkID
	}
	if req.NewFloatingIPs > 0 && externalNetworkID == "" {
		return nil, invalid("no external network configured for tenant %s", tenant.Name)
	}
	for _, id := range req.FloatingIPIDs {
		fip, err := loadAs[*models.FloatingIP](e.DB, models.KindFloatingIP, id)
		if err != nil {
			return nil, err
		}
		if err := requireReady(fip, tenant); err != nil {
			return nil, err
		}
	}

	now := e.now()
	zone := req.AvailabilityZone
	if zone == "" {
		zone = tenant.AvailabilityZone
	}
	inst := &models.Instance{
		TenantRef:        models.TenantRef{TenantID: tenant.ID},
		Description:      req.Description,
		FlavorName:       flavor.Name,
		FlavorDisk:       flavor.Disk,
		RAM:              flavor.RAM,
		Cores:            flavor.Cores,
		AvailabilityZone: zone,
		ServerGroupID:    req.ServerGroupID,
		SecurityGroupIDs: req.SecurityGroupIDs,
		ImageID:          imageID,
		SSHPublicKey:     req.SSHPublicKey,
		UserData:         req.UserData,
	}
	inst.Name = req.Name
	inst.Init(now)
	plan := &instancePlan{instance: inst, flavor: flavor, existingFIP: req.FloatingIPIDs}

	system := &models.Volume{
		TenantRef:        models.TenantRef{TenantID: tenant.ID},
		InstanceID:       inst.ID,
		Size:             systemSize,
		Bootable:         true,
		VolumeType:       req.SystemVolumeType,
		AvailabilityZone: zone,
		ImageID:          imageID,
		SourceSnapshotID: req.SystemSnapshotID,
	}
	if req.SystemSnapshotID != "" {
		system.ImageID = ""
	}
	system.Name = inst.Name + "-system"
	system.Init(now)
	plan.volumes = append(plan.volumes, system)
	for i, spec := range req.DataVolumes {
		v := &models.Volume{
			TenantRef:        models.TenantRef{TenantID: tenant.ID},
			InstanceID:       inst.ID,
			Size:             spec.Size,
			VolumeType:       spec.Type,
			SourceSnapshotID: spec.SourceSnapshotID,
			AvailabilityZone: zone,
		}
		v.Name = fmt.Sprintf("%s-data-%d", inst.Name, i+1)
		v.Init(now)
		plan.volumes = append(plan.volumes, v)
	}
	for i, subnet := range subnets {
		p := &models.Port{
			TenantRef:        models.TenantRef{TenantID: tenant.ID},
			NetworkID:        subnet.NetworkID,
			SubNetID:         subnet.ID,
			InstanceID:       inst.ID,
			SecurityGroupIDs: req.SecurityGroupIDs,
		}
		p.Name = fmt.Sprintf("%s-port-%d", inst.Name, i+1)
		p.Init(now)
		plan.ports = append(plan.ports, p)
	}
	for range req.NewFloatingIPs {
		fip := &models.FloatingIP{
			TenantRef:        models.TenantRef{TenantID: tenant.ID},
			BackendNetworkID: externalNetworkID,
			Description:      "allocated for instance " + inst.Name,
			BookedBy:         inst.ID,
			BookedUntil:      now.Add(e.Config.FloatingIPBooking()),
		}
		fip.Init(now)
		plan.newFIPs = append(plan.newFIPs, fip)
	}
	return plan, nil
}

func dataSnapshots(specs []VolumeSpec) []string {
	var ids []string
	for _, spec := range specs {
		ids = append(ids, spec.SourceSnapshotID)
	}
	return ids
}

// Backend id of an image of the tenant catalog, given by local or backend id.
func (e *Executor) findImage(rec *backend.Reconciler, tenant models.Tenant, id string) (string, error) {
	if id == "" {
		return "", invalid("an image is required")
	}
	images, err := backend.CatalogOf[models.Image](rec.DB, "images", models.CatalogImage, tenant.ID)
	if err != nil {
		return "", err
	}
	for _, img := range images {
		if img.BackendID == id || img.ID == id {
			return img.BackendID, nil
		}
	}
	return "", invalid("image %q is not available for tenant %s", id, tenant.Name)
}

// Admit the planned instance and submit its creation chain.
func (e *Executor) submitInstance(rec *backend.Reconciler, tenant models.Tenant, plan *instancePlan, name string) (*tasks.Chain, error) {
	inst := plan.instance
	ref := refOf(inst)

	var volumeBranches [][]tasks.Step
	for _, v := range plan.volumes {
		volumeBranches = append(volumeBranches, createSteps(v, opCreateVolume, pollAvailable(opVolumeState, refOf(v))))
	}
	chain := tasks.NewChain(name, tenant.ServiceConnectionID, ref).Then(
		tasks.Throttle(),
		tasks.Transition(ref, models.StateCreating),
		tasks.Group(volumeBranches...),
	)
	for _, p := range plan.ports {
		chain.Then(createSteps(p, opCreatePort)...)
	}
	chain.Then(
		tasks.Direct(opCreateInstance, ref, nil),
		pollActive(opInstanceState, ref),
		tasks.Direct(opPullVolumes, ref, nil),
		tasks.Direct(opPullSecurityGroups, ref, nil),
	)
	if len(plan.newFIPs)+len(plan.existingFIP) > 0 {
		var newIDs []string
		var fipBranches [][]tasks.Step
		for _, fip := range plan.newFIPs {
			newIDs = append(newIDs, fip.ID)
		}
		allIDs := append(append([]string{}, plan.existingFIP...), newIDs...)
		for _, id := range allIDs {
			fipBranches = append(fipBranches, []tasks.Step{pollActive(opFloatingIPState, tasks.Ref{Kind: models.KindFloatingIP, ID: id})})
		}
		chain.Then(
			tasks.Direct(opCreateMissingFloatingIPs, ref, tasks.Params{paramFloatingIPIDs: idsParam(newIDs)}),
			tasks.Direct(opPushFloatingIPAssociations, ref, tasks.Params{paramFloatingIPIDs: idsParam(allIDs)}),
			tasks.Group(fipBranches...),
		)
	}
	if inst.ServerGroupID != "" {
		chain.Then(tasks.Direct(opPullServerGroup, ref, nil))
	}
	chain.Then(tasks.Direct(opPullInstance, ref, nil)).
		OnSuccessDo(tasks.Transition(ref, models.StateOK)).
		OnFailureDo(
			tasks.Fail(ref),
			tasks.Direct(opReleaseFloatingIPBookings, ref, nil),
		)

	return e.admit(admission{
		res:    inst,
		to:     models.StateCreationScheduled,
		insert: true,
		chain:  chain,
		prepare: func(tx *gorp.Transaction) error {
			if err := backend.AdmitInstance(tx, tenant.ID, plan.flavor); err != nil {
				return err
			}
			for _, v := range plan.volumes {
				if err := backend.AdmitVolume(tx, tenant.ID, v.Size); err != nil {
					return err
				}
			}
			children := make([]models.Resource, 0, len(plan.volumes)+len(plan.ports)+len(plan.newFIPs))
			for _, v := range plan.volumes {
				children = append(children, v)
			}
			for _, p := range plan.ports {
				children = append(children, p)
			}
			for _, fip := range plan.newFIPs {
				children = append(children, fip)
			}
			for _, child := range children {
				child.GetLifecycle().State = models.StateCreationScheduled
				if err := tx.Insert(child); err != nil {
					return fmt.Errorf("failed to insert %s %s: %w", child.Kind(), child.GetName(), err)
				}
			}
			now := e.now()
			return backend.BookFloatingIPs(tx, inst.ID, plan.existingFIP, now.Add(e.Config.FloatingIPBooking()), now)
		},
	})
}

// Create the floating ips that the admission inserted for the instance.
func (e *Executor) createMissingFloatingIPs(ctx context.Context, rec *backend.Reconciler, tenant models.Tenant, _ *models.Instance, step tasks.Step) error {
	for _, id := range idsFromParam(step.Param(paramFloatingIPIDs)) {
		fip, err := loadAs[*models.FloatingIP](e.DB, models.KindFloatingIP, id)
		if err != nil {
			return err
		}
		if fip.BackendID != "" {
			continue
		}
		if fip.State == models.StateCreationScheduled {
			if err := rec.SetState(fip, models.StateCreating, ""); err != nil {
				return err
			}
		}
		if err := rec.CreateFloatingIP(ctx, tenant, fip); err != nil {
			return err
		}
		if err := rec.SetState(fip, models.StateOK, ""); err != nil {
			return err
		}
	}
	return nil
}

// Associate the floating ips with the first port of the instance.
func (e *Executor) pushFloatingIPAssociations(ctx context.Context, rec *backend.Reconciler, tenant models.Tenant, inst *models.Instance, step tasks.Step) error {
	var port models.Port
	err := e.DB.SelectOne(&port, "SELECT * FROM ports WHERE instance_id = :id ORDER BY created_at, id LIMIT 1", map[string]any{"id": inst.ID})
	if err != nil {
		return fmt.Errorf("failed to load first port of instance %s: %w", inst.ID, err)
	}
	for _, id := range idsFromParam(step.Param(paramFloatingIPIDs)) {
		fip, err := loadAs[*models.FloatingIP](e.DB, models.KindFloatingIP, id)
		if err != nil {
			return err
		}
		if fip.PortID == port.ID {
			continue
		}
		if err := rec.AssociateFloatingIP(ctx, tenant, fip, port); err != nil {
			return err
		}
	}
	return nil
}

func (e *Executor) pullServerGroup(ctx context.Context, rec *backend.Reconciler, tenant models.Tenant, inst *models.Instance, _ tasks.Step) error {
	if inst.ServerGroupID == "" {
		return nil
	}
	group, err := loadAs[*models.ServerGroup](e.DB, models.KindServerGroup, inst.ServerGroupID)
	if err != nil {
		return err
	}
	return rec.PullServerGroup(ctx, tenant, group)
}

////////////////////////////////////////////////////////////////////////////////
// deletion

// Delete an instance with its ports and boot volume. Data volumes are
// detached and kept unless the service connection deletes them with the
// instance.
func (e *Executor) DeleteInstance(id string) (*tasks.Chain, error) {
	return e.deleteInstance(id, false)
}

// Delete an instance regardless of its state.
func (e *Executor) ForceDestroyInstance(id string) (*tasks.Chain, error) {
	return e.deleteInstance(id, true)
}

func (e *Executor) deleteInstance(id string, force bool) (*tasks.Chain, error) {
	inst, err := loadAs[*models.Instance](e.DB, models.KindInstance, id)
	if err != nil {
		return nil, err
	}
	rec, tenant, err := e.Backends.ForTenant(inst.TenantID)
	if err != nil {
		return nil, err
	}
	params := map[string]any{"id": inst.ID}
	var volumes []*models.Volume
	if _, err := e.DB.Select(&volumes, "SELECT * FROM volumes WHERE instance_id = :id ORDER BY created_at, id", params); err != nil {
		return nil, fmt.Errorf("failed to select volumes of instance %s: %w", inst.ID, err)
	}
	var ports []*models.Port
	if _, err := e.DB.Select(&ports, "SELECT * FROM ports WHERE instance_id = :id ORDER BY created_at, id", params); err != nil {
		return nil, fmt.Errorf("failed to select ports of instance %s: %w", inst.ID, err)
	}
	var fips []*models.FloatingIP
	_, err = e.DB.Select(&fips, `SELECT * FROM floating_ips WHERE port_id IN (SELECT id FROM ports WHERE instance_id = :id)
		OR (booked_by = :id AND backend_id = '') ORDER BY created_at, id`, params)
	if err != nil {
		return nil, fmt.Errorf("failed to select floating ips of instance %s: %w", inst.ID, err)
	}

	ref := refOf(inst)
	// scheduled state of every child record
	scheduled := map[models.Resource]models.State{}
	var steps, failure []tasks.Step
	removal := func(res models.Resource, deleteOp, goneOp string, before ...tasks.Step) []tasks.Step {
		r := refOf(res)
		scheduled[res] = models.StateDeletionScheduled
		failure = append(failure, tasks.Fail(r))
		out := append([]tasks.Step{tasks.Transition(r, models.StateDeleting)}, before...)
		return append(out, tasks.Direct(deleteOp, r, nil), tasks.PollUntilGone(goneOp, r), tasks.Direct(opForget, r, nil))
	}

	if inst.BackendID == "" {
		for _, v := range volumes {
			steps = append(steps, removal(v, opDeleteVolume, opVolumeState)...)
		}
		for _, p := range ports {
			steps = append(steps, removal(p, opDeletePort, opPortGone)...)
		}
		for _, fip := range fips {
			if fip.BackendID == "" {
				steps = append(steps, removal(fip, opDeleteFloatingIP, opFloatingIPState)...)
			}
		}
	} else {
		var bootVolumes []*models.Volume
		for _, v := range volumes {
			r := refOf(v)
			switch {
			case v.Bootable:
				bootVolumes = append(bootVolumes, v)
			case rec.Conn.DeleteDataVolumesWithInstance:
				steps = append(steps, removal(v, opDeleteVolume, opVolumeState,
					tasks.Direct(opDetachVolume, r, nil), pollAvailable(opVolumeState, r))...)
			default:
				scheduled[v] = models.StateUpdateScheduled
				failure = append(failure, tasks.Fail(r))
				steps = append(steps,
					tasks.Transition(r, models.StateUpdating),
					tasks.Direct(opDetachVolume, r, nil),
					pollAvailable(opVolumeState, r),
					tasks.Transition(r, models.StateOK),
				)
			}
		}
		steps = append(steps,
			tasks.Direct(opDeleteInstance, ref, nil),
			tasks.PollUntilGone(opInstanceState, ref),
		)
		// The boot volume goes away with the server.
		for _, v := range bootVolumes {
			r := refOf(v)
			scheduled[v] = models.StateDeletionScheduled
			failure = append(failure, tasks.Fail(r))
			steps = append(steps,
				tasks.Transition(r, models.StateDeleting),
				tasks.PollUntilGone(opVolumeState, r),
				tasks.Direct(opForget, r, nil),
			)
		}
		if rec.Conn.ReleaseFloatingIPsWithInstance {
			for _, fip := range fips {
				steps = append(steps, removal(fip, opDeleteFloatingIP, opFloatingIPState)...)
			}
		}
		for _, p := range ports {
			steps = append(steps, removal(p, opDeletePort, opPortGone)...)
		}
		if !rec.Conn.ReleaseFloatingIPsWithInstance && len(fips) > 0 {
			steps = append(steps, tasks.Direct(opPullFloatingIPs, ref, nil))
		}
		steps = append(steps, tasks.Direct(opPullQuotas, ref, nil))
	}

	name := "delete_instance"
	if force {
		name = "force_destroy_instance"
	}
	chain := deletionChain(name, tenant, inst, steps...)
	chain.OnFailureDo(failure...)
	return e.admit(admission{
		res:   inst,
		to:    models.StateDeletionScheduled,
		force: force,
		chain: chain,
		prepare: func(tx *gorp.Transaction) error {
			now := e.now()
			for res, to := range scheduled {
				if err := schedule(tx, res, to, force || inst.BackendID == "", now); err != nil {
					return err
				}
			}
			return backend.ReleaseBookings(tx, inst.ID)
		},
	})
}

////////////////////////////////////////////////////////////////////////////////
// actions

func (e *Executor) StartInstance(id string) (*tasks.Chain, error) {
	return e.instanceAction(id, "start_instance",
		tasks.Direct(opStartInstance, tasks.Ref{Kind: models.KindInstance, ID: id}, nil),
		pollActive(opInstanceState, tasks.Ref{Kind: models.KindInstance, ID: id}),
	)
}

func (e *Executor) StopInstance(id string) (*tasks.Chain, error) {
	ref := tasks.Ref{Kind: models.KindInstance, ID: id}
	return e.instanceAction(id, "stop_instance",
		tasks.Direct(opStopInstance, ref, nil),
		tasks.Poll(opInstanceState, ref, tasks.PollSpec{Success: []string{"SHUTOFF"}, Erred: []string{"ERROR"}}),
	)
}

func (e *Executor) RestartInstance(id string) (*tasks.Chain, error) {
	ref := tasks.Ref{Kind: models.KindInstance, ID: id}
	return e.instanceAction(id, "restart_instance",
		tasks.Direct(opRestartInstance, ref, nil),
		pollActive(opInstanceState, ref),
	)
}

// Refresh the instance from the backend.
func (e *Executor) PullInstance(id string) (*tasks.Chain, error) {
	return e.instanceAction(id, "pull_instance",
		tasks.Direct(opPullInstance, tasks.Ref{Kind: models.KindInstance, ID: id}, nil))
}

func (e *Executor) instanceAction(id, name string, steps ...tasks.Step) (*tasks.Chain, error) {
	inst, err := loadAs[*models.Instance](e.DB, models.KindInstance, id)
	if err != nil {
		return nil, err
	}
	if inst.BackendID == "" {
		return nil, invalid("instance %s does not exist in the backend", inst.Name)
	}
	return e.updateSimple(name, inst, nil, nil, steps...)
}

// Resize the instance to another flavor and confirm the resize.
func (e *Executor) ResizeInstance(id, flavorName string) (*tasks.Chain, error) {
	inst, err := loadAs[*models.Instance](e.DB, models.KindInstance, id)
	if err != nil {
		return nil, err
	}
	if inst.BackendID == "" {
		return nil, invalid("instance %s does not exist in the backend", inst.Name)
	}
	rec, tenant, err := e.Backends.ForTenant(inst.TenantID)
	if err != nil {
		return nil, err
	}
	flavor, err := rec.Flavor(tenant, flavorName)
	if err != nil {
		return nil, err
	}
	if flavor.Name == inst.FlavorName {
		return nil, invalid("instance %s has flavor %s already", inst.Name, flavor.Name)
	}
	ref := refOf(inst)
	return e.updateSimple("resize_instance", inst, nil, func(tx *gorp.Transaction, _ *backend.Reconciler, _ models.Tenant) error {
		return backend.ReserveQuota(tx, inst.TenantID, map[quotas.Dimension]int64{
			quotas.VCPU: int64(flavor.Cores - inst.Cores),
			quotas.RAM:  flavor.RAM - inst.RAM,
		})
	},
		tasks.Direct(opResizeInstance, ref, tasks.Params{paramFlavor: flavor.Name}),
		tasks.Poll(opInstanceState, ref, tasks.PollSpec{Success: []string{"VERIFY_RESIZE"}, Erred: []string{"ERROR"}}),
		tasks.Direct(opConfirmResize, ref, nil),
		pollActive(opInstanceState, ref),
		tasks.Direct(opPullInstance, ref, nil),
	)
}

// Replace the security groups of the instance.
func (e *Executor) UpdateInstanceSecurityGroups(id string, groupIDs []string) (*tasks.Chain, error) {
	inst, err := loadAs[*models.Instance](e.DB, models.KindInstance, id)
	if err != nil {
		return nil, err
	}
	return e.updateSimple("update_instance_security_groups", inst, map[string]any{"security_group_ids": models.StringList(groupIDs)},
		func(tx *gorp.Transaction, _ *backend.Reconciler, tenant models.Tenant) error {
			return e.checkSecurityGroups(tx, tenant, groupIDs)
		},
		tasks.Direct(opUpdateInstanceSecurityGroups, refOf(inst), nil),
	)
}
