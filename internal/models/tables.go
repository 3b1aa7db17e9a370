// Copyright 2025 SAP SE
// SPDX-License-Identifier: Apache-2.0

package models

import (
	"fmt"

	"github.com/cobaltcore-dev/cirrus/internal/db"
	"github.com/go-gorp/gorp"
)

const (
	KindTenant        = "tenant"
	KindNetwork       = "network"
	KindSubNet        = "subnet"
	KindRouter        = "router"
	KindPort          = "port"
	KindSecurityGroup = "security_group"
	KindServerGroup   = "server_group"
	KindFloatingIP    = "floating_ip"
	KindVolume        = "volume"
	KindSnapshot      = "snapshot"
	KindInstance      = "instance"
	KindBackup        = "backup"
)

const (
	CatalogFlavor       = "flavor"
	CatalogImage        = "image"
	CatalogVolumeType   = "volume_type"
	CatalogInstanceZone = "instance_availability_zone"
	CatalogVolumeZone   = "volume_availability_zone"
)

// All tables of the local store, parents first.
func AllTables() []db.Table {
	return []db.Table{
		ServiceConnection{},
		Tenant{},
		QuotaEntry{},
		Network{},
		SubNet{},
		Router{},
		Port{},
		SecurityGroup{},
		SecurityGroupRule{},
		ServerGroup{},
		FloatingIP{},
		Volume{},
		Snapshot{},
		Instance{},
		Backup{},
		BackupSchedule{},
		SnapshotSchedule{},
		Flavor{},
		Image{},
		VolumeType{},
		AvailabilityZone{},
		CatalogLink{},
	}
}

// Tables of tenant owned resources with a lifecycle, children first so
// that they can be removed in this order.
func TenantResourceTables() []string {
	return []string{
		Backup{}.TableName(),
		Snapshot{}.TableName(),
		Instance{}.TableName(),
		Volume{}.TableName(),
		FloatingIP{}.TableName(),
		Port{}.TableName(),
		Router{}.TableName(),
		SubNet{}.TableName(),
		Network{}.TableName(),
		ServerGroup{}.TableName(),
		SecurityGroup{}.TableName(),
	}
}

func Indexes() []db.Index {
	indexes := []db.Index{
		{
			Name:    "idx_tenants_backend_id",
			Table:   Tenant{}.TableName(),
			Columns: []string{"service_connection_id", "backend_id"},
			Unique:  true,
			Where:   "backend_id <> ''",
		},
		{
			Name:    "idx_quota_entries_dimension",
			Table:   QuotaEntry{}.TableName(),
			Columns: []string{"tenant_id", "dimension"},
			Unique:  true,
		},
		{
			Name:    "idx_floating_ips_address",
			Table:   FloatingIP{}.TableName(),
			Columns: []string{"tenant_id", "address"},
			Unique:  true,
			Where:   "address <> ''",
		},
		{
			Name:    "idx_security_group_rules_group",
			Table:   SecurityGroupRule{}.TableName(),
			Columns: []string{"security_group_id"},
		},
		{
			Name:    "idx_catalog_links_unique",
			Table:   CatalogLink{}.TableName(),
			Columns: []string{"kind", "catalog_id", "tenant_id"},
			Unique:  true,
		},
	}
	for _, table := range TenantResourceTables() {
		indexes = append(indexes,
			db.Index{Name: "idx_" + table + "_tenant", Table: table, Columns: []string{"tenant_id"}},
			db.Index{
				Name:    "idx_" + table + "_backend_id",
				Table:   table,
				Columns: []string{"tenant_id", "backend_id"},
				Unique:  true,
				Where:   "backend_id <> ''",
			},
		)
	}
	for _, table := range []string{Flavor{}.TableName(), Image{}.TableName(), VolumeType{}.TableName()} {
		indexes = append(indexes, db.Index{
			Name:    "idx_" + table + "_backend_id",
			Table:   table,
			Columns: []string{"service_connection_id", "backend_id"},
			Unique:  true,
		})
	}
	return indexes
}

// Register all tables with the database and create them with their
// indexes if they don't exist yet.
func CreateTables(d *db.DB) error {
	var tables []*gorp.TableMap
	for _, t := range AllTables() {
		tables = append(tables, d.AddTable(t))
	}
	if err := d.CreateTable(tables...); err != nil {
		return err
	}
	return d.CreateIndexes(Indexes()...)
}

// Empty record of a tenant resource kind, for loading it by id.
func NewResource(kind string) (Resource, error) {
	switch kind {
	case KindTenant:
		return &Tenant{}, nil
	case KindNetwork:
		return &Network{}, nil
	case KindSubNet:
		return &SubNet{}, nil
	case KindRouter:
		return &Router{}, nil
	case KindPort:
		return &Port{}, nil
	case KindSecurityGroup:
		return &SecurityGroup{}, nil
	case KindServerGroup:
		return &ServerGroup{}, nil
	case KindFloatingIP:
		return &FloatingIP{}, nil
	case KindVolume:
		return &Volume{}, nil
	case KindSnapshot:
		return &Snapshot{}, nil
	case KindInstance:
		return &Instance{}, nil
	case KindBackup:
		return &Backup{}, nil
	default:
		return nil, fmt.Errorf("unknown resource kind %q", kind)
	}
}
