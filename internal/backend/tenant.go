// Copyright 2025 SAP SE
// SPDX-License-Identifier: Apache-2.0

package backend

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/cobaltcore-dev/cirrus/internal/events"
	"github.com/cobaltcore-dev/cirrus/internal/models"
	"github.com/cobaltcore-dev/cirrus/internal/openstack"
	"github.com/go-gorp/gorp"
	"github.com/google/uuid"
)

// How often a taken project name is retried with a numeric suffix.
const maxNameRetries = 10

// Create the keystone project of the tenant. If the name is taken, the
// name is retried with a numeric suffix.
func (r *Reconciler) CreateTenant(ctx context.Context, tenant *models.Tenant) error {
	if tenant.BackendID != "" {
		return nil
	}
	clients, err := r.admin(ctx)
	if err != nil {
		return err
	}
	name := tenant.Name
	for attempt := 0; ; attempt++ {
		project, err := clients.Identity.CreateProject(ctx, openstack.ProjectSpec{
			Name:        name,
			Description: tenant.Description,
			DomainID:    r.Conn.DomainID,
		})
		if openstack.IsConflict(err) && attempt < maxNameRetries {
			name = fmt.Sprintf("%s-%d", tenant.Name, attempt+1)
			slog.Info("backend: project name is taken, retrying", "tenant", tenant.ID, "name", name)
			continue
		}
		if err != nil {
			return r.failed("create_tenant", err)
		}
		tenant.BackendID = project.ID
		tenant.Name = project.Name
		tenant.RuntimeState = projectState(project)
		break
	}
	if err := r.save(tenant); err != nil {
		return err
	}
	r.emit(r.event(events.Created, tenant, nil))
	return nil
}

func projectState(p openstack.Project) string {
	if p.Enabled {
		return "enabled"
	}
	return "disabled"
}

// Push name and description of the tenant to its project.
func (r *Reconciler) UpdateTenant(ctx context.Context, tenant *models.Tenant) error {
	clients, err := r.admin(ctx)
	if err != nil {
		return err
	}
	if _, err := clients.Identity.UpdateProject(ctx, tenant.BackendID, tenant.Name, tenant.Description); err != nil {
		return r.failed("update_tenant", err)
	}
	if err := r.save(tenant); err != nil {
		return err
	}
	r.emit(r.event(events.Updated, tenant, nil))
	return nil
}

func (r *Reconciler) DeleteTenant(ctx context.Context, tenant *models.Tenant) error {
	if tenant.BackendID == "" {
		return nil
	}
	clients, err := r.admin(ctx)
	if err != nil {
		return err
	}
	if err := clients.Identity.DeleteProject(ctx, tenant.BackendID); err != nil && !openstack.IsNotFound(err) {
		return r.failed("delete_tenant", err)
	}
	return nil
}

func (r *Reconciler) IsTenantDeleted(ctx context.Context, tenant models.Tenant) openstack.Probe {
	clients, err := r.admin(ctx)
	if err != nil {
		return openstack.Probe{Result: openstack.ProbeError, Err: err}
	}
	return openstack.ProbeWith(ctx, tenant.BackendID, clients.Identity.GetProject)
}

// Grant the admin role in the tenant project to the user of the service
// connection.
func (r *Reconciler) AddAdminUser(ctx context.Context, tenant models.Tenant) error {
	clients, err := r.admin(ctx)
	if err != nil {
		return err
	}
	userID, err := clients.Identity.CurrentUserID(ctx)
	if err != nil {
		return r.failed("add_admin_user", err)
	}
	return r.grantRole(ctx, clients, tenant.BackendID, userID, r.Config.AdminRole())
}

func (r *Reconciler) grantRole(ctx context.Context, clients openstack.Clients, projectID, userID, roleName string) error {
	role, err := clients.Identity.FindRole(ctx, roleName)
	if err != nil {
		return r.failed("find_role", err)
	}
	err = clients.Identity.AssignRole(ctx, projectID, userID, role.ID)
	if err != nil && !openstack.IsConflict(err) {
		return r.failed("assign_role", err)
	}
	return nil
}

// Create the generated user that owns the resources of the tenant and
// grant it the member role.
func (r *Reconciler) CreateTenantUser(ctx context.Context, tenant *models.Tenant) error {
	clients, err := r.admin(ctx)
	if err != nil {
		return err
	}
	if tenant.UserBackendID == "" {
		if tenant.UserUsername == "" {
			tenant.UserUsername = generateUsername(tenant.Name)
		}
		if tenant.UserPassword == "" {
			tenant.UserPassword = generatePassword()
		}
		user, err := clients.Identity.CreateUser(ctx, openstack.UserSpec{
			Name:             tenant.UserUsername,
			Password:         tenant.UserPassword,
			DomainID:         r.Conn.DomainID,
			DefaultProjectID: tenant.BackendID,
		})
		if err != nil {
			return r.failed("create_tenant_user", err)
		}
		tenant.UserBackendID = user.ID
		if err := r.save(tenant); err != nil {
			return err
		}
	}
	return r.grantRole(ctx, clients, tenant.BackendID, tenant.UserBackendID, r.Config.MemberRole())
}

func generateUsername(tenantName string) string {
	name := strings.Map(func(c rune) rune {
		switch {
		case c >= 'a' && c <= 'z', c >= '0' && c <= '9', c == '-':
			return c
		case c >= 'A' && c <= 'Z':
			return c + ('a' - 'A')
		default:
			return '-'
		}
	}, tenantName)
	if len(name) > 32 {
		name = name[:32]
	}
	return fmt.Sprintf("cirrus-%s-%s", name, uuid.NewString()[:8])
}

func generatePassword() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

func (r *Reconciler) ChangeTenantUserPassword(ctx context.Context, tenant *models.Tenant, password string) error {
	if password == "" {
		password = generatePassword()
	}
	clients, err := r.admin(ctx)
	if err != nil {
		return err
	}
	if err := clients.Identity.SetUserPassword(ctx, tenant.UserBackendID, password); err != nil {
		return r.failed("change_password", err)
	}
	tenant.UserPassword = password
	if err := r.save(tenant); err != nil {
		return err
	}
	r.emit(r.event(events.Updated, tenant, map[string]any{"fields": []string{"user_password"}}))
	return nil
}

func (r *Reconciler) DeleteTenantUser(ctx context.Context, tenant *models.Tenant) error {
	if tenant.UserBackendID == "" {
		return nil
	}
	clients, err := r.admin(ctx)
	if err != nil {
		return err
	}
	if err := clients.Identity.DeleteUser(ctx, tenant.UserBackendID); err != nil && !openstack.IsNotFound(err) {
		return r.failed("delete_tenant_user", err)
	}
	tenant.UserBackendID = ""
	return r.save(tenant)
}

// Pull name and runtime state of the tenant project.
func (r *Reconciler) PullTenant(ctx context.Context, tenant *models.Tenant) error {
	clients, err := r.admin(ctx)
	if err != nil {
		return err
	}
	project, err := clients.Identity.GetProject(ctx, tenant.BackendID)
	if err != nil {
		return r.failed("pull_tenant", err)
	}
	if !tenant.State.IsStable() {
		return nil
	}
	c := newChanges(tenant)
	set(c, "name", &tenant.Name, project.Name)
	set(c, "runtime_state", &tenant.RuntimeState, projectState(project))
	if len(c.columns) == 0 {
		return nil
	}
	if err := r.save(tenant); err != nil {
		return err
	}
	r.emit(r.event(events.Pulled, tenant, map[string]any{"fields": c.columns}))
	return nil
}

// Projects in the domain of the connection without a local tenant.
func (r *Reconciler) GetImportableTenants(ctx context.Context) ([]openstack.Project, error) {
	clients, err := r.admin(ctx)
	if err != nil {
		return nil, err
	}
	projects, err := clients.Identity.ListProjects(ctx, r.Conn.DomainID)
	if err != nil {
		return nil, r.failed("list_projects", err)
	}
	locals, err := r.tenants(r.DB)
	if err != nil {
		return nil, err
	}
	return importable(locals, projects, func(p openstack.Project) string { return p.ID }), nil
}

// Local tenants whose project is gone.
func (r *Reconciler) GetExpiredTenants(ctx context.Context) ([]*models.Tenant, error) {
	clients, err := r.admin(ctx)
	if err != nil {
		return nil, err
	}
	projects, err := clients.Identity.ListProjects(ctx, r.Conn.DomainID)
	if err != nil {
		return nil, r.failed("list_projects", err)
	}
	locals, err := r.tenants(r.DB)
	if err != nil {
		return nil, err
	}
	return expired(locals, projects, func(p openstack.Project) string { return p.ID }), nil
}

// Import a project as a tenant. The tenant has no generated user, so
// only admin operations are possible until one is created.
func (r *Reconciler) ImportTenant(ctx context.Context, backendID string) (*models.Tenant, error) {
	clients, err := r.admin(ctx)
	if err != nil {
		return nil, err
	}
	project, err := clients.Identity.GetProject(ctx, backendID)
	if err != nil {
		return nil, r.failed("import_tenant", err)
	}
	tenant := &models.Tenant{
		Lifecycle: models.Lifecycle{
			State:        models.StateOK,
			BackendID:    project.ID,
			RuntimeState: projectState(project),
		},
		ServiceConnectionID: r.Conn.ID,
		Description:         project.Description,
		ExternalNetworkID:   r.Conn.ExternalNetworkID,
	}
	tenant.Name = project.Name
	tenant.Init(r.now())
	if err := r.insert(r.DB, tenant); err != nil {
		return nil, err
	}
	r.emit(r.event(events.Imported, tenant, nil))
	return tenant, nil
}

func (r *Reconciler) tenants(exec gorp.SqlExecutor) ([]*models.Tenant, error) {
	var out []*models.Tenant
	_, err := exec.Select(&out, "SELECT * FROM tenants WHERE service_connection_id = :conn ORDER BY created_at, id", map[string]any{"conn": r.Conn.ID})
	if err != nil {
		return nil, fmt.Errorf("failed to select tenants: %w", err)
	}
	return out, nil
}
