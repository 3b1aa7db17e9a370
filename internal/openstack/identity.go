// Copyright 2025 SAP SE
// SPDX-License-Identifier: Apache-2.0

package openstack

import (
	"context"
	"fmt"
	"net/url"

	"github.com/gophercloud/gophercloud/v2"
	"github.com/gophercloud/gophercloud/v2/openstack/identity/v3/projects"
	"github.com/gophercloud/gophercloud/v2/openstack/identity/v3/tokens"
)

// Run a backend call with metrics and error normalization.
func call(mon Monitor, service, op string, fn func() error) error {
	done := mon.observe(service, op)
	err := fn()
	done(err)
	return normalize(service+"."+op, err)
}

type identityClient struct {
	sc  *gophercloud.ServiceClient
	mon Monitor
}

func (c *identityClient) CreateProject(ctx context.Context, spec ProjectSpec) (Project, error) {
	var resp struct {
		Project Project `json:"project"`
	}
	enabled := true
	err := call(c.mon, "identity", "create_project", func() error {
		opts := projects.CreateOpts{
			Name:        spec.Name,
			Description: spec.Description,
			DomainID:    spec.DomainID,
			Enabled:     &enabled,
		}
		return projects.Create(ctx, c.sc, opts).ExtractInto(&resp)
	})
	return resp.Project, err
}

func (c *identityClient) GetProject(ctx context.Context, id string) (Project, error) {
	var resp struct {
		Project Project `json:"project"`
	}
	err := call(c.mon, "identity", "get_project", func() error {
		return projects.Get(ctx, c.sc, id).ExtractInto(&resp)
	})
	return resp.Project, err
}

func (c *identityClient) UpdateProject(ctx context.Context, id, name, description string) (Project, error) {
	var resp struct {
		Project Project `json:"project"`
	}
	body := map[string]any{"project": map[string]any{"name": name, "description": description}}
	err := call(c.mon, "identity", "update_project", func() error {
		_, err := c.sc.Patch(ctx, c.sc.ServiceURL("projects", id), body, &resp, &gophercloud.RequestOpts{
			OkCodes: []int{200},
		})
		return err
	})
	return resp.Project, err
}

func (c *identityClient) DeleteProject(ctx context.Context, id string) error {
	return call(c.mon, "identity", "delete_project", func() error {
		return projects.Delete(ctx, c.sc, id).ExtractErr()
	})
}

func (c *identityClient) ListProjects(ctx context.Context, domainID string) ([]Project, error) {
	var result []Project
	err := call(c.mon, "identity", "list_projects", func() error {
		pages, err := projects.List(c.sc, projects.ListOpts{DomainID: domainID}).AllPages(ctx)
		if err != nil {
			return err
		}
		all, err := projects.ExtractProjects(pages)
		if err != nil {
			return err
		}
		for _, p := range all {
			result = append(result, Project{
				ID:          p.ID,
				Name:        p.Name,
				Description: p.Description,
				DomainID:    p.DomainID,
				Enabled:     p.Enabled,
			})
		}
		return nil
	})
	return result, err
}

func (c *identityClient) CreateUser(ctx context.Context, spec UserSpec) (User, error) {
	var resp struct {
		User User `json:"user"`
	}
	body := map[string]any{"user": map[string]any{
		"name":               spec.Name,
		"password":           spec.Password,
		"domain_id":          spec.DomainID,
		"default_project_id": spec.DefaultProjectID,
		"enabled":            true,
	}}
	err := call(c.mon, "identity", "create_user", func() error {
		_, err := c.sc.Post(ctx, c.sc.ServiceURL("users"), body, &resp, &gophercloud.RequestOpts{
			OkCodes: []int{201},
		})
		return err
	})
	return resp.User, err
}

func (c *identityClient) SetUserPassword(ctx context.Context, userID, password string) error {
	body := map[string]any{"user": map[string]any{"password": password}}
	return call(c.mon, "identity", "set_user_password", func() error {
		_, err := c.sc.Patch(ctx, c.sc.ServiceURL("users", userID), body, nil, &gophercloud.RequestOpts{
			OkCodes: []int{200},
		})
		return err
	})
}

func (c *identityClient) DeleteUser(ctx context.Context, id string) error {
	return call(c.mon, "identity", "delete_user", func() error {
		_, err := c.sc.Delete(ctx, c.sc.ServiceURL("users", id), &gophercloud.RequestOpts{
			OkCodes: []int{204},
		})
		return err
	})
}

func (c *identityClient) CurrentUserID(_ context.Context) (string, error) {
	result, ok := c.sc.ProviderClient.GetAuthResult().(tokens.CreateResult)
	if !ok {
		return "", fmt.Errorf("%T is not a %T", c.sc.ProviderClient.GetAuthResult(), tokens.CreateResult{})
	}
	user, err := result.ExtractUser()
	if err != nil {
		return "", normalize("identity.current_user", err)
	}
	if user == nil || user.ID == "" {
		return "", notFound("identity.current_user", "user of token")
	}
	return user.ID, nil
}

func (c *identityClient) FindRole(ctx context.Context, name string) (Role, error) {
	var resp struct {
		Roles []Role `json:"roles"`
	}
	err := call(c.mon, "identity", "find_role", func() error {
		u := c.sc.ServiceURL("roles") + "?name=" + url.QueryEscape(name)
		_, err := c.sc.Get(ctx, u, &resp, &gophercloud.RequestOpts{OkCodes: []int{200}})
		return err
	})
	if err != nil {
		return Role{}, err
	}
	for _, r := range resp.Roles {
		if r.Name == name {
			return r, nil
		}
	}
	return Role{}, notFound("identity.find_role", "role "+name)
}

func (c *identityClient) AssignRole(ctx context.Context, projectID, userID, roleID string) error {
	return call(c.mon, "identity", "assign_role", func() error {
		u := c.sc.ServiceURL("projects", projectID, "users", userID, "roles", roleID)
		_, err := c.sc.Put(ctx, u, nil, nil, &gophercloud.RequestOpts{OkCodes: []int{204}})
		return err
	})
}
