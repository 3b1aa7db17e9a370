// Copyright 2025 SAP SE
// SPDX-License-Identifier: Apache-2.0

package backend

import (
	"testing"
	"time"

	"github.com/cobaltcore-dev/cirrus/internal/conf"
	"github.com/cobaltcore-dev/cirrus/internal/models"
	"github.com/cobaltcore-dev/cirrus/internal/quotas"
	testlibDB "github.com/cobaltcore-dev/cirrus/testlib/db"
	testlibOpenStack "github.com/cobaltcore-dev/cirrus/testlib/openstack"
)

func TestSeedConnections(t *testing.T) {
	dbEnv := testlibDB.SetupDBEnv(t)
	t.Cleanup(dbEnv.Close)
	if err := models.CreateTables(dbEnv.DB); err != nil {
		t.Fatal(err)
	}
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	config := conf.Config{
		SharedConfig: conf.SharedConfig{
			KeystoneConfig: conf.KeystoneConfig{URL: "http://keystone:5000/v3", OSUsername: "cirrus"},
		},
		ServiceConnections: []conf.ServiceConnectionConfig{{
			Name:                      "eu-de-1",
			KeystoneConfig:            conf.KeystoneConfig{URL: "http://keystone.eu-de-1:5000/v3"},
			DomainID:                  "tenants",
			MaxConcurrentProvisioning: 2,
		}},
	}
	first, err := SeedConnections(dbEnv.DB, config, now)
	if err != nil {
		t.Fatal(err)
	}
	if len(first) != 2 || first[0].Name != DefaultConnectionName || first[1].Name != "eu-de-1" {
		t.Fatalf("unexpected connections %+v", first)
	}

	config.ServiceConnections[0].ExternalNetworkID = "ext-net"
	second, err := SeedConnections(dbEnv.DB, config, now.Add(time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if second[1].ID != first[1].ID {
		t.Errorf("expected the connection to keep its id, got %s and %s", first[1].ID, second[1].ID)
	}
	count, err := dbEnv.SelectInt("SELECT COUNT(*) FROM service_connections")
	if err != nil {
		t.Fatal(err)
	}
	if count != 2 {
		t.Errorf("expected 2 connections, got %d", count)
	}

	factory := &Factory{DB: dbEnv.DB, Cloud: testlibOpenStack.NewFakeCloud(), Quotas: quotas.NewRegistry()}
	rec, err := factory.ForConnection(first[1].ID)
	if err != nil {
		t.Fatal(err)
	}
	if rec.Conn.ExternalNetworkID != "ext-net" || rec.Conn.DomainID != "tenants" {
		t.Errorf("expected the updated connection, got %+v", rec.Conn)
	}
	if got := factory.Ceiling(first[1].ID); got != 2 {
		t.Errorf("expected ceiling 2, got %d", got)
	}
	if got := factory.Ceiling(first[0].ID); got != 0 {
		t.Errorf("expected no ceiling of the default connection, got %d", got)
	}
	if got := factory.Ceiling("unknown"); got != 0 {
		t.Errorf("expected no ceiling of an unknown connection, got %d", got)
	}
}
