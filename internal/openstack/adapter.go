// Copyright 2025 SAP SE
// SPDX-License-Identifier: Apache-2.0

package openstack

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gophercloud/gophercloud/v2"
	"github.com/gophercloud/gophercloud/v2/openstack"
	"github.com/sapcc/go-bits/gophercloudext"
)

// Compute microversion with embedded flavors and single server group policies.
const computeMicroversion = "2.64"

// Endpoint and admin credentials of one OpenStack deployment.
type Connection struct {
	// Local id of the service connection, used as cache key.
	ID                string
	AuthURL           string
	Username          string
	Password          string
	UserDomainName    string
	ProjectName       string
	ProjectDomainName string
	// Endpoint interface, such as "public" or "internal".
	Availability string
	Region       string
}

// Credentials of the generated tenant user, scoped to the tenant project.
type TenantCredentials struct {
	ProjectID    string
	Username     string
	Password     string
	UserDomainID string
}

// Authenticated provider client for a connection and scope.
type Session struct {
	Connection Connection
	Provider   *gophercloud.ProviderClient
	// Project the session token is scoped to.
	ProjectID string
}

// Adapter that hands out authenticated sessions and typed clients.
type Adapter struct {
	monitor Monitor
	// Sessions by connection and tenant scope.
	sessions map[string]*Session
	lock     sync.Mutex
	// Replaceable for tests.
	httpClient *http.Client
}

func NewAdapter(monitor Monitor) *Adapter {
	return &Adapter{monitor: monitor, sessions: map[string]*Session{}}
}

func sessionKey(conn Connection, tenant *TenantCredentials) string {
	if tenant == nil {
		return conn.ID + "/admin"
	}
	return conn.ID + "/" + tenant.ProjectID + "/" + tenant.Username
}

// Get an authenticated session. Without tenant credentials this is the
// admin session of the connection, otherwise a session scoped to the
// tenant project using the generated tenant user.
func (a *Adapter) GetSession(ctx context.Context, conn Connection, tenant *TenantCredentials) (*Session, error) {
	key := sessionKey(conn, tenant)
	a.lock.Lock()
	defer a.lock.Unlock()
	if s, ok := a.sessions[key]; ok {
		return s, nil
	}

	authOptions := gophercloud.AuthOptions{
		IdentityEndpoint: conn.AuthURL,
		Username:         conn.Username,
		DomainName:       conn.UserDomainName,
		Password:         conn.Password,
		AllowReauth:      true,
		Scope: &gophercloud.AuthScope{
			ProjectName: conn.ProjectName,
			DomainName:  conn.ProjectDomainName,
		},
	}
	if tenant != nil {
		authOptions = gophercloud.AuthOptions{
			IdentityEndpoint: conn.AuthURL,
			Username:         tenant.Username,
			DomainID:         tenant.UserDomainID,
			Password:         tenant.Password,
			AllowReauth:      true,
			Scope:            &gophercloud.AuthScope{ProjectID: tenant.ProjectID},
		}
	}
	slog.Info("openstack: authenticating", "url", conn.AuthURL, "connection", conn.ID, "tenant", tenant != nil)
	provider, err := openstack.NewClient(authOptions.IdentityEndpoint)
	if err != nil {
		return nil, &ConnectionError{Op: "identity.authenticate", Err: err}
	}
	if a.httpClient != nil {
		provider.HTTPClient = *a.httpClient
	}
	done := a.monitor.observe("identity", "authenticate")
	err = openstack.Authenticate(ctx, provider, authOptions)
	done(err)
	if err != nil {
		err = normalize("identity.authenticate", err)
		if hasStatus(err, http.StatusForbidden) || hasStatus(err, http.StatusNotFound) {
			err = &AuthenticationError{Op: "identity.authenticate", Err: err}
		}
		return nil, err
	}
	projectID, err := gophercloudext.GetProjectIDFromTokenScope(provider)
	if err != nil {
		return nil, &AuthenticationError{Op: "identity.authenticate", Err: err}
	}
	s := &Session{Connection: conn, Provider: provider, ProjectID: projectID}
	a.sessions[key] = s
	return s, nil
}

// Drop a cached session, e.g. after the tenant user password changed.
func (a *Adapter) Forget(conn Connection, tenant *TenantCredentials) {
	a.lock.Lock()
	defer a.lock.Unlock()
	delete(a.sessions, sessionKey(conn, tenant))
}

// Build the typed clients for a session. The service endpoints are looked
// up in the service catalog of the session token.
func (a *Adapter) GetClients(session *Session) (Clients, error) {
	eo := gophercloud.EndpointOpts{
		Region:       session.Connection.Region,
		Availability: gophercloud.Availability(session.Connection.Availability),
	}
	identity, err := openstack.NewIdentityV3(session.Provider, eo)
	if err != nil {
		return Clients{}, fmt.Errorf("failed to locate identity endpoint: %w", err)
	}
	compute, err := openstack.NewComputeV2(session.Provider, eo)
	if err != nil {
		return Clients{}, fmt.Errorf("failed to locate compute endpoint: %w", err)
	}
	compute.Microversion = computeMicroversion
	network, err := openstack.NewNetworkV2(session.Provider, eo)
	if err != nil {
		return Clients{}, fmt.Errorf("failed to locate network endpoint: %w", err)
	}
	blockStorage, err := openstack.NewBlockStorageV3(session.Provider, eo)
	if err != nil {
		return Clients{}, fmt.Errorf("failed to locate block storage endpoint: %w", err)
	}
	image, err := openstack.NewImageV2(session.Provider, eo)
	if err != nil {
		return Clients{}, fmt.Errorf("failed to locate image endpoint: %w", err)
	}
	return Clients{
		Identity:     &identityClient{sc: identity, mon: a.monitor},
		Compute:      &computeClient{sc: compute, mon: a.monitor, projectID: session.ProjectID},
		Network:      &networkClient{sc: network, mon: a.monitor},
		BlockStorage: &blockStorageClient{sc: blockStorage, mon: a.monitor, projectID: session.ProjectID},
		Image:        &imageClient{sc: image, mon: a.monitor},
	}, nil
}

// Clients implements the Cloud interface.
func (a *Adapter) Clients(ctx context.Context, conn Connection, tenant *TenantCredentials) (Clients, error) {
	session, err := a.GetSession(ctx, conn, tenant)
	if err != nil {
		var authErr *AuthenticationError
		if errors.As(err, &authErr) {
			a.Forget(conn, tenant)
		}
		return Clients{}, err
	}
	return a.GetClients(session)
}
