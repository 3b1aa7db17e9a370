// Copyright 2025 SAP SE
// SPDX-License-Identifier: Apache-2.0

package openstack

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gophercloud/gophercloud/v2"
)

func setupMockServiceClient(t *testing.T, handler http.HandlerFunc) *gophercloud.ServiceClient {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return &gophercloud.ServiceClient{
		ProviderClient: &gophercloud.ProviderClient{},
		Endpoint:       server.URL + "/",
	}
}

func writeJSON(t *testing.T, w http.ResponseWriter, status int, body string) {
	t.Helper()
	w.Header().Add("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err := w.Write([]byte(body)); err != nil {
		t.Fatalf("failed to write response: %v", err)
	}
}

func TestComputeClient_GetServer(t *testing.T) {
	sc := setupMockServiceClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/servers/s1" {
			writeJSON(t, w, http.StatusNotFound, `{"itemNotFound": {"message": "not found"}}`)
			return
		}
		writeJSON(t, w, http.StatusOK, `{"server": {
			"id": "s1",
			"name": "vm",
			"status": "ACTIVE",
			"flavor": {"original_name": "m1.small", "vcpus": 2, "ram": 2048, "disk": 20},
			"image": {"id": "img1"},
			"OS-EXT-AZ:availability_zone": "az1",
			"OS-EXT-SRV-ATTR:hypervisor_hostname": "node001",
			"addresses": {"net": [{"addr": "10.0.0.5", "version": 4, "OS-EXT-IPS:type": "fixed"}]}
		}}`)
	})
	c := &computeClient{sc: sc}

	server, err := c.GetServer(t.Context(), "s1")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if server.Flavor.OriginalName != "m1.small" || server.Flavor.RAM != 2048 || server.Flavor.VCPUs != 2 {
		t.Errorf("unexpected flavor %+v", server.Flavor)
	}
	if server.ImageID() != "img1" {
		t.Errorf("expected image img1, got %q", server.ImageID())
	}
	if server.AvailabilityZone != "az1" || server.HypervisorHostname != "node001" {
		t.Errorf("unexpected placement %+v", server)
	}
	if len(server.Addresses["net"]) != 1 || server.Addresses["net"][0].Address != "10.0.0.5" {
		t.Errorf("unexpected addresses %+v", server.Addresses)
	}

	_, err = c.GetServer(t.Context(), "missing")
	if !IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestComputeClient_Actions(t *testing.T) {
	var bodies []map[string]any
	sc := setupMockServiceClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/servers/s1/action" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		data, err := io.ReadAll(r.Body)
		if err != nil {
			t.Fatal(err)
		}
		var body map[string]any
		if err := json.Unmarshal(data, &body); err != nil {
			t.Fatal(err)
		}
		bodies = append(bodies, body)
		w.WriteHeader(http.StatusAccepted)
	})
	c := &computeClient{sc: sc}
	ctx := t.Context()
	if err := c.StartServer(ctx, "s1"); err != nil {
		t.Fatal(err)
	}
	if err := c.StopServer(ctx, "s1"); err != nil {
		t.Fatal(err)
	}
	if err := c.ResizeServer(ctx, "s1", "f2"); err != nil {
		t.Fatal(err)
	}
	if len(bodies) != 3 {
		t.Fatalf("expected 3 actions, got %d", len(bodies))
	}
	if _, ok := bodies[0]["os-start"]; !ok {
		t.Errorf("expected os-start, got %v", bodies[0])
	}
	if _, ok := bodies[1]["os-stop"]; !ok {
		t.Errorf("expected os-stop, got %v", bodies[1])
	}
	resize, ok := bodies[2]["resize"].(map[string]any)
	if !ok || resize["flavorRef"] != "f2" {
		t.Errorf("expected resize to f2, got %v", bodies[2])
	}
}

func TestComputeClient_GetQuotas(t *testing.T) {
	sc := setupMockServiceClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/os-quota-sets/p1/detail" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		writeJSON(t, w, http.StatusOK, `{"quota_set": {
			"id": "p1",
			"cores": {"limit": 20, "in_use": 4, "reserved": 0},
			"ram": {"limit": 51200, "in_use": 8192, "reserved": 0}
		}}`)
	})
	c := &computeClient{sc: sc, projectID: "p1"}
	quotas, err := c.GetQuotas(t.Context(), "")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if len(quotas) != 2 {
		t.Fatalf("expected 2 quotas, got %v", quotas)
	}
	if quotas["cores"] != (Quota{Limit: 20, InUse: 4}) {
		t.Errorf("unexpected cores quota %+v", quotas["cores"])
	}
	if quotas["ram"] != (Quota{Limit: 51200, InUse: 8192}) {
		t.Errorf("unexpected ram quota %+v", quotas["ram"])
	}
}

func TestNetworkClient_GetQuotas(t *testing.T) {
	sc := setupMockServiceClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/quotas/p1/details.json" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		writeJSON(t, w, http.StatusOK, `{"quota": {
			"network": {"limit": 1, "used": 1, "reserved": 0},
			"floatingip": {"limit": -1, "used": 2, "reserved": 0}
		}}`)
	})
	c := &networkClient{sc: sc}
	quotas, err := c.GetQuotas(t.Context(), "p1")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if quotas["network"] != (Quota{Limit: 1, InUse: 1}) {
		t.Errorf("unexpected network quota %+v", quotas["network"])
	}
	if quotas["floatingip"] != (Quota{Limit: -1, InUse: 2}) {
		t.Errorf("unexpected floatingip quota %+v", quotas["floatingip"])
	}
}

func TestNetworkClient_SetFloatingIPPort(t *testing.T) {
	var got map[string]map[string]any
	sc := setupMockServiceClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut || r.URL.Path != "/floatingips/f1" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Fatal(err)
		}
		writeJSON(t, w, http.StatusOK, `{"floatingip": {"id": "f1", "floating_ip_address": "1.2.3.4"}}`)
	})
	c := &networkClient{sc: sc}

	fip, err := c.SetFloatingIPPort(t.Context(), "f1", "")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if fip.Address != "1.2.3.4" {
		t.Errorf("unexpected floating ip %+v", fip)
	}
	portID, ok := got["floatingip"]["port_id"]
	if !ok || portID != nil {
		t.Errorf("expected explicit null port id, got %v", got)
	}
}

func TestNetworkClient_DeletePortConflict(t *testing.T) {
	sc := setupMockServiceClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, http.StatusConflict, `{"NeutronError": {"message": "in use"}}`)
	})
	c := &networkClient{sc: sc}
	err := c.DeletePort(t.Context(), "p1")
	if !IsConflict(err) {
		t.Fatalf("expected conflict, got %v", err)
	}
}

func TestBlockStorageClient_ExtendVolume(t *testing.T) {
	var got map[string]map[string]int
	sc := setupMockServiceClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/volumes/v1/action" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Fatal(err)
		}
		w.WriteHeader(http.StatusAccepted)
	})
	c := &blockStorageClient{sc: sc}
	if err := c.ExtendVolume(t.Context(), "v1", 20); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if got["os-extend"]["new_size"] != 20 {
		t.Fatalf("unexpected body %v", got)
	}
}

func TestIdentityClient_FindRole(t *testing.T) {
	sc := setupMockServiceClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("name") == "member" {
			writeJSON(t, w, http.StatusOK, `{"roles": [{"id": "r1", "name": "member"}]}`)
			return
		}
		writeJSON(t, w, http.StatusOK, `{"roles": []}`)
	})
	c := &identityClient{sc: sc}
	role, err := c.FindRole(t.Context(), "member")
	if err != nil || role.ID != "r1" {
		t.Fatalf("expected role r1, got %v, %v", role, err)
	}
	_, err = c.FindRole(t.Context(), "unknown")
	if !IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
}
