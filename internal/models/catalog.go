// Copyright 2025 SAP SE
// SPDX-License-Identifier: Apache-2.0

package models

// Catalog entries are shared by all tenants of a service connection and
// linked to the tenants that can see them.
type CatalogEntry interface {
	TableName() string
	CatalogKind() string
	GetID() string
}

type Flavor struct {
	Base
	ServiceConnectionID string `db:"service_connection_id"`
	BackendID           string `db:"backend_id"`
	Cores               int    `db:"cores"`
	RAM                 int64  `db:"ram"`
	Disk                int64  `db:"disk"`
}

func (Flavor) TableName() string   { return "flavors" }
func (Flavor) CatalogKind() string { return CatalogFlavor }

type Image struct {
	Base
	ServiceConnectionID string `db:"service_connection_id"`
	BackendID           string `db:"backend_id"`
	MinRAM              int64  `db:"min_ram"`
	MinDisk             int64  `db:"min_disk"`
}

func (Image) TableName() string   { return "images" }
func (Image) CatalogKind() string { return CatalogImage }

type VolumeType struct {
	Base
	ServiceConnectionID string `db:"service_connection_id"`
	BackendID           string `db:"backend_id"`
	Description         string `db:"description"`
}

func (VolumeType) TableName() string   { return "volume_types" }
func (VolumeType) CatalogKind() string { return CatalogVolumeType }

// Availability zone of compute or block storage, told apart by the zone kind.
type AvailabilityZone struct {
	Base
	ServiceConnectionID string `db:"service_connection_id"`
	// CatalogInstanceZone or CatalogVolumeZone.
	ZoneKind  string `db:"zone_kind"`
	Available bool   `db:"available"`
}

func (AvailabilityZone) TableName() string     { return "availability_zones" }
func (z AvailabilityZone) CatalogKind() string { return z.ZoneKind }

// Visibility of a catalog entry for a tenant.
type CatalogLink struct {
	ID        string `db:"id"`
	Kind      string `db:"kind"`
	CatalogID string `db:"catalog_id"`
	TenantID  string `db:"tenant_id"`
}

func (CatalogLink) TableName() string { return "catalog_links" }
