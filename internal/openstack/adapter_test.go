// Copyright 2025 SAP SE
// SPDX-License-Identifier: Apache-2.0

package openstack

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

// Keystone stand-in that issues tokens for the password "secret".
func setupMockKeystone(t *testing.T) (*httptest.Server, *int) {
	t.Helper()
	var tokenRequests int
	var server *httptest.Server
	server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/v3/auth/tokens" {
			http.NotFound(w, r)
			return
		}
		tokenRequests++
		var req struct {
			Auth struct {
				Identity struct {
					Password struct {
						User struct {
							Password string `json:"password"`
						} `json:"user"`
					} `json:"password"`
				} `json:"identity"`
			} `json:"auth"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatal(err)
		}
		if req.Auth.Identity.Password.User.Password != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		endpoint := func(service, kind string) map[string]any {
			return map[string]any{
				"type": kind,
				"name": service,
				"endpoints": []map[string]any{{
					"id":        service,
					"interface": "public",
					"region":    "RegionOne",
					"region_id": "RegionOne",
					"url":       server.URL + "/" + service + "/",
				}},
			}
		}
		body := map[string]any{"token": map[string]any{
			"expires_at": "2099-01-01T00:00:00.000000Z",
			"project":    map[string]any{"id": "p1", "name": "admin"},
			"user":       map[string]any{"id": "u1", "name": "cirrus"},
			"catalog": []map[string]any{
				endpoint("keystone", "identity"),
				endpoint("nova", "compute"),
				endpoint("neutron", "network"),
				endpoint("cinder", "volumev3"),
				endpoint("glance", "image"),
			},
		}}
		w.Header().Set("X-Subject-Token", "token")
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		if err := json.NewEncoder(w).Encode(body); err != nil {
			t.Fatal(err)
		}
	}))
	t.Cleanup(server.Close)
	return server, &tokenRequests
}

func TestAdapter_GetSession(t *testing.T) {
	server, tokenRequests := setupMockKeystone(t)
	adapter := NewAdapter(Monitor{})
	conn := Connection{
		ID:                "c1",
		AuthURL:           server.URL + "/v3",
		Username:          "cirrus",
		Password:          "secret",
		UserDomainName:    "Default",
		ProjectName:       "admin",
		ProjectDomainName: "Default",
		Region:            "RegionOne",
	}

	session, err := adapter.GetSession(t.Context(), conn, nil)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if session.ProjectID != "p1" {
		t.Errorf("expected project p1, got %s", session.ProjectID)
	}
	// The session is cached.
	if _, err := adapter.GetSession(t.Context(), conn, nil); err != nil {
		t.Fatal(err)
	}
	if *tokenRequests != 1 {
		t.Errorf("expected one token request, got %d", *tokenRequests)
	}

	clients, err := adapter.GetClients(session)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	compute := clients.Compute.(*computeClient)
	if compute.sc.Endpoint != server.URL+"/nova/" {
		t.Errorf("unexpected compute endpoint %s", compute.sc.Endpoint)
	}
	if compute.sc.Microversion != computeMicroversion {
		t.Errorf("expected microversion %s, got %s", computeMicroversion, compute.sc.Microversion)
	}
	userID, err := clients.Identity.CurrentUserID(t.Context())
	if err != nil || userID != "u1" {
		t.Errorf("expected current user u1, got %q, %v", userID, err)
	}
}

func TestAdapter_GetSession_BadCredentials(t *testing.T) {
	server, _ := setupMockKeystone(t)
	adapter := NewAdapter(Monitor{})
	conn := Connection{ID: "c1", AuthURL: server.URL + "/v3", Username: "cirrus", Password: "wrong"}
	tenant := &TenantCredentials{ProjectID: "p2", Username: "tenant-user", Password: "wrong", UserDomainID: "default"}

	_, err := adapter.Clients(t.Context(), conn, tenant)
	var authErr *AuthenticationError
	if !errors.As(err, &authErr) {
		t.Fatalf("expected authentication error, got %T: %v", err, err)
	}
}

func TestAdapter_GetSession_Unreachable(t *testing.T) {
	adapter := NewAdapter(Monitor{})
	conn := Connection{ID: "c1", AuthURL: "http://127.0.0.1:1/v3", Username: "cirrus", Password: "secret"}
	_, err := adapter.GetSession(t.Context(), conn, nil)
	var connErr *ConnectionError
	if !errors.As(err, &connErr) {
		t.Fatalf("expected connection error, got %T: %v", err, err)
	}
}
