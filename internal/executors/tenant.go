// Copyright 2025 SAP SE
// SPDX-License-Identifier: Apache-2.0

package executors

import (
	"fmt"
	"net/netip"
	"strings"

	"github.com/cobaltcore-dev/cirrus/internal/backend"
	"github.com/cobaltcore-dev/cirrus/internal/models"
	"github.com/cobaltcore-dev/cirrus/internal/quotas"
	"github.com/cobaltcore-dev/cirrus/internal/tasks"
	"github.com/go-gorp/gorp"
	"github.com/majewsky/gg/option"
)

// Request to create a tenant.
type TenantRequest struct {
	ServiceConnectionID string
	Name                string
	Description         string
	AvailabilityZone    string
	DefaultVolumeType   string
	// Limits pushed to the backend. Dimensions without value stay at the
	// backend default.
	Quotas map[quotas.Dimension]int64
	// CIDR of the internal subnet, the configured default if none.
	SubnetCIDR option.Option[string]
	// External network to connect the tenant router to. Without it the
	// connection default is used, if there is one.
	ExternalNetworkID option.Option[string]
	// Security groups created in addition to the default ones.
	SecurityGroups []SecurityGroupTemplate
}

// Changes of a tenant. Missing fields stay as they are.
type TenantUpdate struct {
	Name        option.Option[string]
	Description option.Option[string]
}

// Create a tenant with its project, user, internal network and security
// groups.
func (e *Executor) CreateTenant(req TenantRequest) (*tasks.Chain, error) {
	if strings.TrimSpace(req.Name) == "" {
		return nil, invalid("tenant name must not be empty")
	}
	rec, err := e.Backends.ForConnection(req.ServiceConnectionID)
	if err != nil {
		return nil, invalid("%s", err.Error())
	}
	if err := rec.Quotas.Validate(req.Quotas); err != nil {
		return nil, invalid("%s", err.Error())
	}
	cidr := req.SubnetCIDR.UnwrapOr(e.Config.SubnetCIDR())
	prefix, err := netip.ParsePrefix(cidr)
	if err != nil {
		return nil, invalid("invalid subnet CIDR %q", cidr)
	}
	templates := append(append([]SecurityGroupTemplate{}, e.templates...), req.SecurityGroups...)
	seen := map[string]bool{}
	for _, t := range templates {
		if seen[t.Name] {
			return nil, invalid("duplicate security group %q", t.Name)
		}
		seen[t.Name] = true
		if err := backend.ValidateSecurityGroupRules(t.SecurityGroupRules()); err != nil {
			return nil, err
		}
	}

	now := e.now()
	tenant := &models.Tenant{
		ServiceConnectionID:   req.ServiceConnectionID,
		Description:           req.Description,
		AvailabilityZone:      req.AvailabilityZone,
		DefaultVolumeTypeName: req.DefaultVolumeType,
	}
	tenant.Name = req.Name
	tenant.Init(now)

	network := &models.Network{TenantRef: models.TenantRef{TenantID: tenant.ID}}
	network.Name = req.Name + "-network"
	network.Init(now)
	tenant.InternalNetworkID = network.ID

	subnet := &models.SubNet{
		TenantRef:      models.TenantRef{TenantID: tenant.ID},
		NetworkID:      network.ID,
		CIDR:           prefix.Masked().String(),
		DNSNameservers: e.Config.DefaultDNSNameservers,
		EnableDHCP:     true,
		IPVersion:      4,
	}
	if prefix.Addr().Is6() {
		subnet.IPVersion = 6
	}
	subnet.Name = req.Name + "-subnet"
	subnet.Init(now)

	groups := make([]*models.SecurityGroup, 0, len(templates))
	for _, t := range templates {
		group := &models.SecurityGroup{TenantRef: models.TenantRef{TenantID: tenant.ID}, Description: t.Description}
		group.Name = t.Name
		group.Init(now)
		groups = append(groups, group)
	}

	ref := refOf(tenant)
	chain := tasks.NewChain("create_tenant", tenant.ServiceConnectionID, ref).
		Then(
			tasks.Transition(ref, models.StateCreating),
			tasks.Direct(opCreateTenant, ref, nil),
			tasks.Direct(opAddAdminUser, ref, nil),
			tasks.Direct(opCreateTenantUser, ref, nil),
		).
		Then(createSteps(network, opCreateNetwork)...).
		Then(createSteps(subnet, opCreateSubnet)...).
		Then(tasks.Direct(opPushQuotas, ref, quotaParams(req.Quotas)))
	for _, group := range groups {
		chain.Then(createSteps(group, opCreateSecurityGroup)...)
	}
	chain.Then(tasks.Direct(opPullSecurityGroups, ref, nil))
	externalNetworkID := req.ExternalNetworkID.UnwrapOr(rec.Conn.ExternalNetworkID)
	if externalNetworkID != "" {
		chain.Then(
			tasks.Direct(opConnectToExternalNetwork, ref, tasks.Params{paramExternalNetworkID: externalNetworkID}),
			tasks.Direct(opPullRouters, ref, nil),
		)
	}
	chain.Then(
		tasks.Direct(opPullQuotas, ref, nil),
		tasks.Direct(opPullImages, ref, nil),
		tasks.Direct(opPullFlavors, ref, nil),
		tasks.Direct(opPullVolumeTypes, ref, nil),
		tasks.Direct(opPullInstanceAvailabilityZones, ref, nil),
		tasks.Direct(opPullVolumeAvailabilityZones, ref, nil),
	).
		OnSuccessDo(tasks.Transition(ref, models.StateOK)).
		OnFailureDo(tasks.Fail(ref))

	return e.admit(admission{
		res:    tenant,
		to:     models.StateCreationScheduled,
		insert: true,
		chain:  chain,
		prepare: func(tx *gorp.Transaction) error {
			if err := rec.InitQuotas(tx, tenant.ID); err != nil {
				return err
			}
			for _, res := range []models.Resource{network, subnet} {
				res.GetLifecycle().State = models.StateCreationScheduled
				if err := tx.Insert(res); err != nil {
					return fmt.Errorf("failed to insert %s %s: %w", res.Kind(), res.GetName(), err)
				}
			}
			for i, group := range groups {
				group.State = models.StateCreationScheduled
				if err := tx.Insert(group); err != nil {
					return fmt.Errorf("failed to insert security group %s: %w", group.Name, err)
				}
				if err := rec.SetRules(tx, group.ID, templates[i].SecurityGroupRules()); err != nil {
					return err
				}
			}
			return nil
		},
	})
}

// Push a new name or description of the tenant to the identity service.
func (e *Executor) UpdateTenant(id string, update TenantUpdate) (*tasks.Chain, error) {
	tenant, err := loadAs[*models.Tenant](e.DB, models.KindTenant, id)
	if err != nil {
		return nil, err
	}
	columns := map[string]any{}
	if name, ok := update.Name.Unpack(); ok {
		if strings.TrimSpace(name) == "" {
			return nil, invalid("tenant name must not be empty")
		}
		columns["name"] = name
	}
	if description, ok := update.Description.Unpack(); ok {
		columns["description"] = description
	}
	ref := refOf(tenant)
	chain := lifecycleChain("update_tenant", *tenant, tenant, models.StateUpdating,
		tasks.Direct(opUpdateTenant, ref, nil),
		tasks.Direct(opPullTenant, ref, nil),
	)
	return e.admit(admission{
		res:   tenant,
		to:    models.StateUpdateScheduled,
		chain: chain,
		prepare: func(tx *gorp.Transaction) error {
			return setColumns(tx, tenant, columns)
		},
	})
}

// Set a new password of the tenant user. Without password one is
// generated.
func (e *Executor) ChangeTenantUserPassword(id string, password option.Option[string]) (*tasks.Chain, error) {
	tenant, err := loadAs[*models.Tenant](e.DB, models.KindTenant, id)
	if err != nil {
		return nil, err
	}
	if tenant.UserBackendID == "" {
		return nil, invalid("tenant %s has no user", tenant.Name)
	}
	ref := refOf(tenant)
	chain := lifecycleChain("change_tenant_user_password", *tenant, tenant, models.StateUpdating,
		tasks.Direct(opChangeTenantUserPassword, ref, tasks.Params{paramPassword: password.UnwrapOr("")}),
	)
	return e.admit(admission{res: tenant, to: models.StateUpdateScheduled, chain: chain})
}

// Delete the tenant project with everything in it.
func (e *Executor) DeleteTenant(id string) (*tasks.Chain, error) {
	return e.deleteTenant(id, false)
}

// Delete the tenant regardless of its state.
func (e *Executor) ForceDestroyTenant(id string) (*tasks.Chain, error) {
	return e.deleteTenant(id, true)
}

func (e *Executor) deleteTenant(id string, force bool) (*tasks.Chain, error) {
	tenant, err := loadAs[*models.Tenant](e.DB, models.KindTenant, id)
	if err != nil {
		return nil, err
	}
	ref := refOf(tenant)
	var steps []tasks.Step
	if tenant.BackendID != "" {
		steps = append(steps,
			tasks.Direct(opDeleteFloatingIPs, ref, nil),
			tasks.Direct(opDeleteRoutes, ref, nil),
			tasks.Direct(opDeletePorts, ref, nil),
			tasks.Direct(opDeleteRouters, ref, nil),
			tasks.Direct(opPullRouters, ref, nil),
			tasks.Direct(opDeleteNetworks, ref, nil),
			tasks.Direct(opDeleteSecurityGroups, ref, nil),
			tasks.Direct(opDeleteSnapshots, ref, nil),
			tasks.PollUntilGone(opRemainingSnapshots, ref),
			tasks.Direct(opDeleteInstances, ref, nil),
			tasks.PollUntilGone(opRemainingInstances, ref),
			tasks.Direct(opDeleteVolumes, ref, nil),
			tasks.PollUntilGone(opRemainingVolumes, ref),
			tasks.Direct(opDeleteServerGroups, ref, nil),
		)
	}
	steps = append(steps,
		tasks.Direct(opDeleteTenantUser, ref, nil),
		tasks.Direct(opDeleteTenant, ref, nil),
	)
	name := "delete_tenant"
	if force {
		name = "force_destroy_tenant"
	}
	chain := deletionChain(name, *tenant, tenant, steps...)
	return e.admit(admission{res: tenant, to: models.StateDeletionScheduled, force: force, chain: chain})
}

// Chain that pulls every resource type of the tenant. It leaves the
// tenant state alone, so it can run next to operations on its resources.
const resyncChainName = "resync_tenant"

func resyncChain(tenant models.Tenant) *tasks.Chain {
	ref := refOf(&tenant)
	return tasks.NewChain(resyncChainName, tenant.ServiceConnectionID, ref).Then(
		tasks.Direct(opPullTenant, ref, nil),
		tasks.Direct(opPullSecurityGroups, ref, nil),
		tasks.Direct(opPullNetworks, ref, nil),
		tasks.Direct(opPullSubnets, ref, nil),
		tasks.Direct(opPullRouters, ref, nil),
		tasks.Direct(opPullServerGroups, ref, nil),
		tasks.Direct(opPullInstances, ref, nil),
		tasks.Direct(opPullPorts, ref, nil),
		tasks.Direct(opPullFloatingIPs, ref, nil),
		tasks.Direct(opPullVolumes, ref, nil),
		tasks.Direct(opPullSnapshots, ref, nil),
		tasks.Direct(opPullQuotas, ref, nil),
		tasks.Direct(opPullImages, ref, nil),
		tasks.Direct(opPullFlavors, ref, nil),
		tasks.Direct(opPullVolumeTypes, ref, nil),
		tasks.Direct(opPullInstanceAvailabilityZones, ref, nil),
		tasks.Direct(opPullVolumeAvailabilityZones, ref, nil),
	)
}

// Pull the full state of a tenant from the backend.
func (e *Executor) ResyncTenant(id string) (*tasks.Chain, error) {
	_, tenant, err := e.readyTenant(id)
	if err != nil {
		return nil, err
	}
	chain := resyncChain(tenant)
	if err := tasks.Submit(e.DB, chain, e.now()); err != nil {
		return nil, err
	}
	return chain, nil
}

// Update some columns of a resource record inside the admission.
func setColumns(tx gorp.SqlExecutor, res models.Resource, columns map[string]any) error {
	if len(columns) == 0 {
		return nil
	}
	assignments := make([]string, 0, len(columns))
	params := map[string]any{"id": res.GetID()}
	for column, value := range columns {
		assignments = append(assignments, column+" = :"+column)
		params[column] = value
	}
	query := "UPDATE " + res.TableName() + " SET " + strings.Join(assignments, ", ") + " WHERE id = :id"
	if _, err := tx.Exec(query, params); err != nil {
		return fmt.Errorf("failed to update %s %s: %w", res.Kind(), res.GetID(), err)
	}
	return nil
}
