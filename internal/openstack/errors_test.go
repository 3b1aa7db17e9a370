// Copyright 2025 SAP SE
// SPDX-License-Identifier: Apache-2.0

package openstack

import (
	"context"
	"errors"
	"net"
	"net/http"
	"testing"

	"github.com/gophercloud/gophercloud/v2"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantType   string
		wantStatus int
	}{
		{"nil", nil, "", 0},
		{
			"not found",
			gophercloud.ErrUnexpectedResponseCode{Actual: http.StatusNotFound, Body: []byte("gone")},
			"backend", http.StatusNotFound,
		},
		{
			"conflict",
			gophercloud.ErrUnexpectedResponseCode{Actual: http.StatusConflict},
			"backend", http.StatusConflict,
		},
		{
			"unauthorized",
			gophercloud.ErrUnexpectedResponseCode{Actual: http.StatusUnauthorized},
			"auth", 0,
		},
		{"transport", &net.OpError{Op: "dial", Err: errors.New("refused")}, "connection", 0},
		{"canceled", context.Canceled, "connection", 0},
		{"other", errors.New("weird"), "backend", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := normalize("test.op", tt.err)
			var (
				backendErr *BackendError
				connErr    *ConnectionError
				authErr    *AuthenticationError
			)
			switch tt.wantType {
			case "":
				if err != nil {
					t.Fatalf("expected nil, got %v", err)
				}
			case "backend":
				if !errors.As(err, &backendErr) {
					t.Fatalf("expected backend error, got %T", err)
				}
				if backendErr.StatusCode != tt.wantStatus {
					t.Errorf("expected status %d, got %d", tt.wantStatus, backendErr.StatusCode)
				}
				if backendErr.Op != "test.op" {
					t.Errorf("expected op test.op, got %s", backendErr.Op)
				}
			case "connection":
				if !errors.As(err, &connErr) {
					t.Fatalf("expected connection error, got %T", err)
				}
			case "auth":
				if !errors.As(err, &authErr) {
					t.Fatalf("expected authentication error, got %T", err)
				}
			}
		})
	}
}

func TestNormalize_Idempotent(t *testing.T) {
	first := normalize("a", gophercloud.ErrUnexpectedResponseCode{Actual: http.StatusNotFound})
	second := normalize("b", first)
	if first != second {
		t.Fatalf("expected already normalized error to be returned as is")
	}
	if !IsNotFound(second) {
		t.Fatalf("expected not found")
	}
}

func TestProbeWith(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ProbeResult
	}{
		{"present", nil, Present},
		{"deleted", &BackendError{StatusCode: http.StatusNotFound}, Deleted},
		{"error", &BackendError{StatusCode: http.StatusInternalServerError}, ProbeError},
		{"connection", &ConnectionError{Err: errors.New("x")}, ProbeError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			probe := ProbeWith(t.Context(), "id", func(context.Context, string) (Volume, error) {
				return Volume{}, tt.err
			})
			if probe.Result != tt.want {
				t.Fatalf("expected %s, got %s", tt.want, probe.Result)
			}
			if (probe.Err != nil) != (tt.want == ProbeError) {
				t.Fatalf("unexpected probe error %v", probe.Err)
			}
		})
	}
}
