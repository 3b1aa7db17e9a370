// Copyright 2025 SAP SE
// SPDX-License-Identifier: Apache-2.0

package quotas

import "testing"

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	if len(r.Dimensions()) != 12 {
		t.Fatalf("expected 12 dimensions, got %d", len(r.Dimensions()))
	}
	storage, ok := r.Lookup(Storage)
	if !ok || storage.Service != ServiceBlockStorage || storage.Key != "gigabytes" || !storage.InGB {
		t.Errorf("unexpected storage mapping %+v", storage)
	}
	ram, ok := r.Lookup(RAM)
	if !ok || ram.InGB {
		t.Errorf("expected ram to be counted in MB by compute, got %+v", ram)
	}
	if _, ok := r.Lookup("bananas"); ok {
		t.Error("expected unknown dimension to be missing")
	}
	if n := len(r.ForService(ServiceNetwork)); n != 6 {
		t.Errorf("expected 6 network dimensions, got %d", n)
	}
}

func TestRegistry_Validate(t *testing.T) {
	r := NewRegistry()
	tests := []struct {
		name    string
		limits  map[Dimension]int64
		wantErr bool
	}{
		{"valid", map[Dimension]int64{VCPU: 10, Storage: -1}, false},
		{"unknown", map[Dimension]int64{"bananas": 1}, true},
		{"negative", map[Dimension]int64{RAM: -5}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := r.Validate(tt.limits); (err != nil) != tt.wantErr {
				t.Errorf("expected error %v, got %v", tt.wantErr, err)
			}
		})
	}
}
