// Copyright 2025 SAP SE
// SPDX-License-Identifier: Apache-2.0

package backend

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/cobaltcore-dev/cirrus/internal/events"
	"github.com/cobaltcore-dev/cirrus/internal/models"
	"github.com/cobaltcore-dev/cirrus/internal/openstack"
	"github.com/go-gorp/gorp"
	"github.com/google/uuid"
)

// Name of the group that neutron creates in every project.
const defaultSecurityGroupName = "default"

// Reject rules that are duplicates of each other.
func ValidateSecurityGroupRules(rules []models.SecurityGroupRule) error {
	seen := map[models.RuleKey]bool{}
	for _, rule := range rules {
		if rule.FromPort > rule.ToPort && rule.ToPort != -1 {
			return invalid("invalid port range %d-%d", rule.FromPort, rule.ToPort)
		}
		key := localRuleKey(rule, nil).Match()
		if seen[key] {
			return invalid("duplicate security group rule %s", key)
		}
		seen[key] = true
	}
	return nil
}

// Reject rules whose remote group is neither the group itself nor a
// security group of the tenant that exists in the backend. Such a rule
// would be pushed without remote group and open the group to any source.
func ValidateRemoteGroups(exec gorp.SqlExecutor, tenantID, groupID string, rules []models.SecurityGroupRule) error {
	groups, err := backendIDs(exec, "security_groups", tenantID)
	if err != nil {
		return err
	}
	return checkRemoteGroups(rules, invert(groups), groupID)
}

func checkRemoteGroups(rules []models.SecurityGroupRule, localToBackend map[string]string, groupID string) error {
	for _, rule := range rules {
		if rule.RemoteGroupID == "" || rule.RemoteGroupID == groupID {
			continue
		}
		if localToBackend[rule.RemoteGroupID] == "" {
			return invalid("remote security group %s of rule %s has no backend id", rule.RemoteGroupID, localRuleKey(rule, nil))
		}
	}
	return nil
}

// Structural key of a local rule. groups maps local to backend group ids;
// without it the local remote group id is kept.
func localRuleKey(rule models.SecurityGroupRule, groups map[string]string) models.RuleKey {
	remoteGroup := rule.RemoteGroupID
	if groups != nil && remoteGroup != "" {
		remoteGroup = groups[remoteGroup]
	}
	return models.RuleKey{
		EtherType:     rule.EtherType,
		Direction:     rule.Direction,
		Protocol:      rule.Protocol,
		FromPort:      rule.FromPort,
		ToPort:        rule.ToPort,
		CIDR:          rule.CIDR,
		RemoteGroupID: remoteGroup,
		Description:   rule.Description,
	}
}

func remoteRuleKey(rule openstack.SecurityGroupRule) models.RuleKey {
	port := func(p *int) int {
		if p == nil {
			return -1
		}
		return *p
	}
	return models.RuleKey{
		EtherType:     rule.EtherType,
		Direction:     rule.Direction,
		Protocol:      rule.Protocol,
		FromPort:      port(rule.PortRangeMin),
		ToPort:        port(rule.PortRangeMax),
		CIDR:          rule.RemoteIPPrefix,
		RemoteGroupID: rule.RemoteGroupID,
		Description:   rule.Description,
	}
}

func remoteRule(groupBackendID string, key models.RuleKey) openstack.SecurityGroupRule {
	port := func(p int) *int {
		if p < 0 {
			return nil
		}
		return &p
	}
	return openstack.SecurityGroupRule{
		SecurityGroupID: groupBackendID,
		Direction:       key.Direction,
		EtherType:       key.EtherType,
		Protocol:        key.Protocol,
		PortRangeMin:    port(key.FromPort),
		PortRangeMax:    port(key.ToPort),
		RemoteIPPrefix:  key.CIDR,
		RemoteGroupID:   key.RemoteGroupID,
		Description:     key.Description,
	}
}

// Rules of a security group.
func (r *Reconciler) Rules(exec gorp.SqlExecutor, groupID string) ([]*models.SecurityGroupRule, error) {
	var rules []*models.SecurityGroupRule
	_, err := exec.Select(&rules, "SELECT * FROM security_group_rules WHERE security_group_id = :group ORDER BY id", map[string]any{"group": groupID})
	if err != nil {
		return nil, fmt.Errorf("failed to select rules of security group %s: %w", groupID, err)
	}
	return rules, nil
}

// Replace the local rules of a group, e.g. before pushing them.
func (r *Reconciler) SetRules(exec gorp.SqlExecutor, groupID string, rules []models.SecurityGroupRule) error {
	if err := ValidateSecurityGroupRules(rules); err != nil {
		return err
	}
	if _, err := exec.Exec("DELETE FROM security_group_rules WHERE security_group_id = :group", map[string]any{"group": groupID}); err != nil {
		return fmt.Errorf("failed to delete rules of security group %s: %w", groupID, err)
	}
	for _, rule := range rules {
		rule.ID = uuid.NewString()
		rule.SecurityGroupID = groupID
		rule.BackendID = ""
		if err := exec.Insert(&rule); err != nil {
			return fmt.Errorf("failed to insert rule of security group %s: %w", groupID, err)
		}
	}
	return nil
}

func (r *Reconciler) CreateSecurityGroup(ctx context.Context, tenant models.Tenant, group *models.SecurityGroup) error {
	clients, err := r.scoped(ctx, tenant)
	if err != nil {
		return err
	}
	remote, err := clients.Network.CreateSecurityGroup(ctx, tenant.BackendID, group.Name, group.Description)
	if err != nil {
		return r.failed("create_security_group", err)
	}
	group.BackendID = remote.ID
	group.RuntimeState = "ACTIVE"
	if err := r.save(group); err != nil {
		return err
	}
	if err := r.PushSecurityGroupRules(ctx, tenant, group); err != nil {
		return err
	}
	r.emit(r.event(events.Created, group, nil))
	return nil
}

func (r *Reconciler) UpdateSecurityGroup(ctx context.Context, tenant models.Tenant, group *models.SecurityGroup) error {
	clients, err := r.scoped(ctx, tenant)
	if err != nil {
		return err
	}
	if _, err := clients.Network.UpdateSecurityGroup(ctx, group.BackendID, group.Name, group.Description); err != nil {
		return r.failed("update_security_group", err)
	}
	if err := r.save(group); err != nil {
		return err
	}
	r.emit(r.event(events.Updated, group, nil))
	return nil
}

// Converge the remote rules of a group to the local ones. Remote rules
// without local counterpart are deleted, changed rules are deleted and
// recreated, and missing rules are created.
func (r *Reconciler) PushSecurityGroupRules(ctx context.Context, tenant models.Tenant, group *models.SecurityGroup) error {
	clients, err := r.scoped(ctx, tenant)
	if err != nil {
		return err
	}
	locals, err := r.Rules(r.DB, group.ID)
	if err != nil {
		return err
	}
	groups, err := backendIDs(r.DB, "security_groups", tenant.ID)
	if err != nil {
		return err
	}
	localToBackend := invert(groups)
	// The group itself may not be committed with its backend id yet.
	localToBackend[group.ID] = group.BackendID
	rules := make([]models.SecurityGroupRule, 0, len(locals))
	for _, local := range locals {
		rules = append(rules, *local)
	}
	if err := checkRemoteGroups(rules, localToBackend, group.ID); err != nil {
		return err
	}
	remote, err := clients.Network.GetSecurityGroup(ctx, group.BackendID)
	if err != nil {
		return r.failed("push_security_group_rules", err)
	}

	remoteByID := map[string]models.RuleKey{}
	for _, rule := range remote.Rules {
		remoteByID[rule.ID] = remoteRuleKey(rule)
	}
	claimed := map[string]bool{}
	var toCreate []*models.SecurityGroupRule
	for _, local := range locals {
		key := localRuleKey(*local, localToBackend)
		if remoteKey, ok := remoteByID[local.BackendID]; ok && !claimed[local.BackendID] {
			claimed[local.BackendID] = true
			if remoteKey == key {
				continue
			}
			// Changed rules are recreated, rules cannot be updated in place.
			if err := clients.Network.DeleteSecurityGroupRule(ctx, local.BackendID); err != nil && !openstack.IsNotFound(err) {
				return r.failed("delete_security_group_rule", err)
			}
			toCreate = append(toCreate, local)
			continue
		}
		adopted := false
		for _, rule := range remote.Rules {
			if !claimed[rule.ID] && remoteByID[rule.ID] == key {
				claimed[rule.ID] = true
				local.BackendID = rule.ID
				adopted = true
				break
			}
		}
		if adopted {
			if _, err := r.DB.Update(local); err != nil {
				return fmt.Errorf("failed to update rule %s: %w", local.ID, err)
			}
			continue
		}
		toCreate = append(toCreate, local)
	}
	for _, rule := range remote.Rules {
		if claimed[rule.ID] {
			continue
		}
		if err := clients.Network.DeleteSecurityGroupRule(ctx, rule.ID); err != nil && !openstack.IsNotFound(err) {
			return r.failed("delete_security_group_rule", err)
		}
	}
	for _, local := range toCreate {
		created, err := clients.Network.CreateSecurityGroupRule(ctx, remoteRule(group.BackendID, localRuleKey(*local, localToBackend)))
		if openstack.IsConflict(err) {
			slog.Info("backend: security group rule exists already", "group", group.ID, "rule", local.ID)
			continue
		}
		if err != nil {
			return r.failed("create_security_group_rule", err)
		}
		local.BackendID = created.ID
		if _, err := r.DB.Update(local); err != nil {
			return fmt.Errorf("failed to update rule %s: %w", local.ID, err)
		}
	}
	return nil
}

func (r *Reconciler) DeleteSecurityGroup(ctx context.Context, tenant models.Tenant, group *models.SecurityGroup) error {
	if group.BackendID == "" {
		return nil
	}
	clients, err := r.scoped(ctx, tenant)
	if err != nil {
		return err
	}
	if err := clients.Network.DeleteSecurityGroup(ctx, group.BackendID); err != nil && !openstack.IsNotFound(err) {
		return r.failed("delete_security_group", err)
	}
	return nil
}

// Delete every security group of the tenant project except the default
// group, which neutron removes with the project.
func (r *Reconciler) DeleteSecurityGroups(ctx context.Context, tenant models.Tenant) error {
	clients, err := r.scoped(ctx, tenant)
	if err != nil {
		return err
	}
	remotes, err := clients.Network.ListSecurityGroups(ctx, tenant.BackendID)
	if err != nil {
		return r.failed("list_security_groups", err)
	}
	for _, g := range remotes {
		if g.Name == defaultSecurityGroupName {
			continue
		}
		if err := clients.Network.DeleteSecurityGroup(ctx, g.ID); err != nil && !openstack.IsNotFound(err) {
			return r.failed("delete_security_group", err)
		}
	}
	return nil
}

func (r *Reconciler) IsSecurityGroupDeleted(ctx context.Context, tenant models.Tenant, group models.SecurityGroup) openstack.Probe {
	clients, err := r.scoped(ctx, tenant)
	if err != nil {
		return openstack.Probe{Result: openstack.ProbeError, Err: err}
	}
	return openstack.ProbeWith(ctx, group.BackendID, clients.Network.GetSecurityGroup)
}

// Pull groups and their rules. The rules of stable groups follow the
// backend.
func (r *Reconciler) PullSecurityGroups(ctx context.Context, tenant models.Tenant) error {
	clients, err := r.scoped(ctx, tenant)
	if err != nil {
		return err
	}
	remotes, err := clients.Network.ListSecurityGroups(ctx, tenant.BackendID)
	if err != nil {
		return r.failed("pull_security_groups", err)
	}
	return r.inTransaction(func(tx *gorp.Transaction) ([]events.Event, error) {
		locals, err := selectTenant[models.SecurityGroup](tx, "security_groups", tenant.ID)
		if err != nil {
			return nil, err
		}
		evts, err := reconcile(r, tx, reconcileSpec[*models.SecurityGroup, openstack.SecurityGroup]{
			kind:     models.KindSecurityGroup,
			locals:   locals,
			remotes:  remotes,
			remoteID: func(g openstack.SecurityGroup) string { return g.ID },
			newLocal: func(g openstack.SecurityGroup) (*models.SecurityGroup, error) {
				local := &models.SecurityGroup{TenantRef: models.TenantRef{TenantID: tenant.ID}, Description: g.Description}
				local.Name = g.Name
				local.RuntimeState = "ACTIVE"
				local.Init(r.now())
				return local, nil
			},
			update: func(l *models.SecurityGroup, g openstack.SecurityGroup) []string {
				c := newChanges(l)
				set(c, "name", &l.Name, g.Name)
				set(c, "runtime_state", &l.RuntimeState, "ACTIVE")
				return c.columns
			},
		})
		if err != nil {
			return nil, err
		}
		groups, err := backendIDs(tx, "security_groups", tenant.ID)
		if err != nil {
			return nil, err
		}
		var stable []*models.SecurityGroup
		if _, err := tx.Select(&stable, "SELECT * FROM security_groups WHERE tenant_id = :tenant AND state IN ('OK', 'ERRED')", map[string]any{"tenant": tenant.ID}); err != nil {
			return nil, fmt.Errorf("failed to select security groups: %w", err)
		}
		remoteByID := map[string]openstack.SecurityGroup{}
		for _, g := range remotes {
			remoteByID[g.ID] = g
		}
		for _, group := range stable {
			if ok, err := claim(tx, group, readGuardOf(group)); err != nil {
				return nil, err
			} else if !ok {
				continue
			}
			if err := r.pullRules(tx, group, remoteByID[group.BackendID].Rules, groups); err != nil {
				return nil, err
			}
		}
		return evts, nil
	})
}

func (r *Reconciler) pullRules(tx gorp.SqlExecutor, group *models.SecurityGroup, remotes []openstack.SecurityGroupRule, groups map[string]string) error {
	locals, err := r.Rules(tx, group.ID)
	if err != nil {
		return err
	}
	byBackendID := map[string]*models.SecurityGroupRule{}
	for _, l := range locals {
		byBackendID[l.BackendID] = l
	}
	seen := map[string]bool{}
	for _, remote := range remotes {
		seen[remote.ID] = true
		key := remoteRuleKey(remote)
		local, ok := byBackendID[remote.ID]
		if !ok {
			local = &models.SecurityGroupRule{ID: uuid.NewString(), SecurityGroupID: group.ID, BackendID: remote.ID}
		}
		before := *local
		local.EtherType, local.Direction, local.Protocol = key.EtherType, key.Direction, key.Protocol
		local.FromPort, local.ToPort, local.CIDR, local.Description = key.FromPort, key.ToPort, key.CIDR, key.Description
		local.RemoteGroupID = groups[key.RemoteGroupID]
		switch {
		case !ok:
			err = tx.Insert(local)
		case before != *local:
			_, err = tx.Update(local)
		}
		if err != nil {
			return fmt.Errorf("failed to store rule %s: %w", remote.ID, err)
		}
	}
	for _, l := range locals {
		if l.BackendID != "" && !seen[l.BackendID] {
			if _, err := tx.Delete(l); err != nil {
				return fmt.Errorf("failed to delete rule %s: %w", l.ID, err)
			}
		}
	}
	return nil
}

func (r *Reconciler) GetImportableSecurityGroups(ctx context.Context, tenant models.Tenant) ([]openstack.SecurityGroup, error) {
	clients, err := r.scoped(ctx, tenant)
	if err != nil {
		return nil, err
	}
	remotes, err := clients.Network.ListSecurityGroups(ctx, tenant.BackendID)
	if err != nil {
		return nil, r.failed("list_security_groups", err)
	}
	locals, err := selectTenant[models.SecurityGroup](r.DB, "security_groups", tenant.ID)
	if err != nil {
		return nil, err
	}
	return importable(locals, remotes, func(g openstack.SecurityGroup) string { return g.ID }), nil
}
