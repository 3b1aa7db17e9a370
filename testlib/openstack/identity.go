// Copyright 2025 SAP SE
// SPDX-License-Identifier: Apache-2.0

package openstack

import (
	"context"

	"github.com/cobaltcore-dev/cirrus/internal/openstack"
)

type identity struct {
	c      *FakeCloud
	userID string
}

func (i *identity) CreateProject(_ context.Context, spec openstack.ProjectSpec) (openstack.Project, error) {
	c := i.c
	c.lock.Lock()
	defer c.lock.Unlock()
	if err := c.record("identity.CreateProject", spec.Name); err != nil {
		return openstack.Project{}, err
	}
	for _, p := range c.projects {
		if p.Name == spec.Name && p.DomainID == spec.DomainID {
			return openstack.Project{}, conflict("identity.create_project", "duplicate project name "+spec.Name)
		}
	}
	p := openstack.Project{
		ID:          c.newID("project"),
		Name:        spec.Name,
		Description: spec.Description,
		DomainID:    spec.DomainID,
		Enabled:     true,
	}
	c.projects[p.ID] = p
	return p, nil
}

func (i *identity) GetProject(_ context.Context, id string) (openstack.Project, error) {
	c := i.c
	c.lock.Lock()
	defer c.lock.Unlock()
	if err := c.record("identity.GetProject", id); err != nil {
		return openstack.Project{}, err
	}
	p, ok := c.projects[id]
	if !ok {
		return openstack.Project{}, notFound("identity.get_project", id)
	}
	return p, nil
}

func (i *identity) UpdateProject(_ context.Context, id, name, description string) (openstack.Project, error) {
	c := i.c
	c.lock.Lock()
	defer c.lock.Unlock()
	if err := c.record("identity.UpdateProject", id); err != nil {
		return openstack.Project{}, err
	}
	p, ok := c.projects[id]
	if !ok {
		return openstack.Project{}, notFound("identity.update_project", id)
	}
	p.Name = name
	p.Description = description
	c.projects[id] = p
	return p, nil
}

func (i *identity) DeleteProject(_ context.Context, id string) error {
	c := i.c
	c.lock.Lock()
	defer c.lock.Unlock()
	if err := c.record("identity.DeleteProject", id); err != nil {
		return err
	}
	if _, ok := c.projects[id]; !ok {
		return notFound("identity.delete_project", id)
	}
	delete(c.projects, id)
	return nil
}

func (i *identity) ListProjects(_ context.Context, domainID string) ([]openstack.Project, error) {
	c := i.c
	c.lock.Lock()
	defer c.lock.Unlock()
	if err := c.record("identity.ListProjects", domainID); err != nil {
		return nil, err
	}
	return sortedByID(c.projects, func(p openstack.Project) string { return p.ID }, func(p openstack.Project) bool {
		return domainID == "" || p.DomainID == domainID
	}), nil
}

// Create a user. Also accessible through the fake to set up tenants
// that were created outside of the service.
func (i *identity) CreateUser(_ context.Context, spec openstack.UserSpec) (openstack.User, error) {
	c := i.c
	c.lock.Lock()
	defer c.lock.Unlock()
	if err := c.record("identity.CreateUser", spec.Name); err != nil {
		return openstack.User{}, err
	}
	for _, u := range c.users {
		if u.Name == spec.Name && u.DomainID == spec.DomainID {
			return openstack.User{}, conflict("identity.create_user", "duplicate user name "+spec.Name)
		}
	}
	u := openstack.User{
		ID:               c.newID("user"),
		Name:             spec.Name,
		DomainID:         spec.DomainID,
		DefaultProjectID: spec.DefaultProjectID,
	}
	c.users[u.ID] = u
	c.passwords[u.ID] = spec.Password
	return u, nil
}

func (i *identity) SetUserPassword(_ context.Context, userID, password string) error {
	c := i.c
	c.lock.Lock()
	defer c.lock.Unlock()
	if err := c.record("identity.SetUserPassword", userID); err != nil {
		return err
	}
	if _, ok := c.users[userID]; !ok {
		return notFound("identity.set_user_password", userID)
	}
	c.passwords[userID] = password
	return nil
}

func (i *identity) DeleteUser(_ context.Context, id string) error {
	c := i.c
	c.lock.Lock()
	defer c.lock.Unlock()
	if err := c.record("identity.DeleteUser", id); err != nil {
		return err
	}
	if _, ok := c.users[id]; !ok {
		return notFound("identity.delete_user", id)
	}
	delete(c.users, id)
	delete(c.passwords, id)
	return nil
}

func (i *identity) CurrentUserID(context.Context) (string, error) {
	return i.userID, nil
}

func (i *identity) FindRole(_ context.Context, name string) (openstack.Role, error) {
	c := i.c
	c.lock.Lock()
	defer c.lock.Unlock()
	if err := c.record("identity.FindRole", name); err != nil {
		return openstack.Role{}, err
	}
	for _, r := range c.roles {
		if r.Name == name {
			return r, nil
		}
	}
	return openstack.Role{}, notFound("identity.find_role", name)
}

func (i *identity) AssignRole(_ context.Context, projectID, userID, roleID string) error {
	c := i.c
	c.lock.Lock()
	defer c.lock.Unlock()
	if err := c.record("identity.AssignRole", projectID+"/"+userID+"/"+roleID); err != nil {
		return err
	}
	if _, ok := c.projects[projectID]; !ok {
		return notFound("identity.assign_role", projectID)
	}
	c.assignments[projectID+"/"+userID+"/"+roleID] = true
	return nil
}

// Check whether the user has the role in the project.
func (c *FakeCloud) HasRole(projectID, userID, roleName string) bool {
	c.lock.Lock()
	defer c.lock.Unlock()
	for _, r := range c.roles {
		if r.Name == roleName {
			return c.assignments[projectID+"/"+userID+"/"+r.ID]
		}
	}
	return false
}

// Add a project as if it was created outside of the service.
func (c *FakeCloud) AddProject(name string) openstack.Project {
	c.lock.Lock()
	defer c.lock.Unlock()
	p := openstack.Project{ID: c.newID("project"), Name: name, DomainID: "default", Enabled: true}
	c.projects[p.ID] = p
	return p
}

// Add a user with a password as if it was created outside of the service.
func (c *FakeCloud) AddUser(name, password, projectID string) openstack.User {
	c.lock.Lock()
	defer c.lock.Unlock()
	u := openstack.User{ID: c.newID("user"), Name: name, DomainID: "default", DefaultProjectID: projectID}
	c.users[u.ID] = u
	c.passwords[u.ID] = password
	return u
}

func (c *FakeCloud) Project(id string) (openstack.Project, bool) {
	c.lock.Lock()
	defer c.lock.Unlock()
	p, ok := c.projects[id]
	return p, ok
}

func (c *FakeCloud) User(id string) (openstack.User, bool) {
	c.lock.Lock()
	defer c.lock.Unlock()
	u, ok := c.users[id]
	return u, ok
}

// Current quota limits of a project for a service ("compute", "network"
// or "blockstorage").
func (c *FakeCloud) QuotaLimits(projectID, service string) map[string]int64 {
	c.lock.Lock()
	defer c.lock.Unlock()
	out := map[string]int64{}
	for k, v := range c.quotas[projectID][service] {
		out[k] = v
	}
	return out
}
