// Copyright 2025 SAP SE
// SPDX-License-Identifier: Apache-2.0

package backend

import "testing"

func TestMBToGB(t *testing.T) {
	tests := []struct {
		mb   int64
		want int
	}{
		{0, 0},
		{1, 1},
		{1024, 1},
		{1025, 2},
		{2047, 2},
		{2048, 2},
		{10240, 10},
		{20481, 21},
	}
	for _, tt := range tests {
		if got := MBToGB(tt.mb); got != tt.want {
			t.Errorf("MBToGB(%d) = %d, expected %d", tt.mb, got, tt.want)
		}
	}
}

func TestGBToMB_RoundTrip(t *testing.T) {
	for _, gb := range []int{0, 1, 10, 20, 1000} {
		mb := GBToMB(gb)
		if mb != int64(gb)*1024 {
			t.Errorf("GBToMB(%d) = %d", gb, mb)
		}
		if back := MBToGB(mb); back != gb {
			t.Errorf("MBToGB(GBToMB(%d)) = %d", gb, back)
		}
	}
}

func TestQuotaUnits(t *testing.T) {
	tests := []struct {
		name string
		gb   int64
		mb   int64
	}{
		{"unlimited", -1, -1},
		{"zero", 0, 0},
		{"whole", 1000, 1024000},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := quotaToMB(tt.gb); got != tt.mb {
				t.Errorf("quotaToMB(%d) = %d, expected %d", tt.gb, got, tt.mb)
			}
			if got := quotaToGB(tt.mb); got != tt.gb {
				t.Errorf("quotaToGB(%d) = %d, expected %d", tt.mb, got, tt.gb)
			}
		})
	}
	if got := quotaToGB(1025); got != 2 {
		t.Errorf("expected partial GB to round up, got %d", got)
	}
}
