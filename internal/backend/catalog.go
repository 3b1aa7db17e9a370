// Copyright 2025 SAP SE
// SPDX-License-Identifier: Apache-2.0

package backend

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/cobaltcore-dev/cirrus/internal/events"
	"github.com/cobaltcore-dev/cirrus/internal/models"
	"github.com/cobaltcore-dev/cirrus/internal/openstack"
	"github.com/go-gorp/gorp"
	"github.com/google/uuid"
)

// Description of how one catalog kind is pulled for a tenant. Catalog
// entries are shared by the tenants of a connection, so the pull only
// touches the links of the pulled tenant.
type catalogSpec[T any, R any] struct {
	kind  string
	table string
	// Additional filter of the catalog table, e.g. the zone kind.
	filter  string
	remotes []R
	// Key of remote objects and local entries, the backend id or the name.
	remoteKey func(R) string
	localKey  func(*T) string
	localID   func(*T) string
	newLocal  func(R) *T
	// Copy remote fields, returning whether anything changed.
	update func(*T, R) bool
}

func pullCatalog[T any, R any](r *Reconciler, tx gorp.SqlExecutor, tenant models.Tenant, s catalogSpec[T, R]) error {
	params := map[string]any{"conn": tenant.ServiceConnectionID, "tenant": tenant.ID, "kind": s.kind}
	var locals []*T
	query := "SELECT * FROM " + s.table + " WHERE service_connection_id = :conn"
	if s.filter != "" {
		query += " AND " + s.filter
	}
	if _, err := tx.Select(&locals, query, params); err != nil {
		return fmt.Errorf("failed to select %s: %w", s.table, err)
	}
	byKey := make(map[string]*T, len(locals))
	for _, l := range locals {
		byKey[s.localKey(l)] = l
	}

	visible := make(map[string]bool, len(s.remotes))
	var created, updated int
	for _, remote := range s.remotes {
		local, ok := byKey[s.remoteKey(remote)]
		switch {
		case !ok:
			local = s.newLocal(remote)
			if err := tx.Insert(local); err != nil {
				return fmt.Errorf("failed to insert %s %s: %w", s.kind, s.remoteKey(remote), err)
			}
			byKey[s.remoteKey(remote)] = local
			created++
		case s.update(local, remote):
			if _, err := tx.Update(local); err != nil {
				return fmt.Errorf("failed to update %s %s: %w", s.kind, s.remoteKey(remote), err)
			}
			updated++
		}
		visible[s.localID(local)] = true
	}

	var links []models.CatalogLink
	if _, err := tx.Select(&links, "SELECT * FROM catalog_links WHERE tenant_id = :tenant AND kind = :kind", params); err != nil {
		return fmt.Errorf("failed to select %s links of tenant %s: %w", s.kind, tenant.ID, err)
	}
	linked := make(map[string]bool, len(links))
	removed := 0
	for _, link := range links {
		if visible[link.CatalogID] {
			linked[link.CatalogID] = true
			continue
		}
		if _, err := tx.Delete(&link); err != nil {
			return fmt.Errorf("failed to remove stale %s link: %w", s.kind, err)
		}
		removed++
	}
	for id := range visible {
		if linked[id] {
			continue
		}
		link := &models.CatalogLink{ID: uuid.NewString(), Kind: s.kind, CatalogID: id, TenantID: tenant.ID}
		if err := tx.Insert(link); err != nil {
			return fmt.Errorf("failed to link %s %s: %w", s.kind, id, err)
		}
	}
	if err := removeOrphanedCatalog(tx, tenant.ServiceConnectionID); err != nil {
		return err
	}
	r.monitor.countChanges(s.kind, "imported", created)
	r.monitor.countChanges(s.kind, "pulled", updated)
	r.monitor.countChanges(s.kind, "cleaned", removed)
	if created+updated+removed > 0 {
		slog.Info("backend: pulled catalog", "kind", s.kind, "tenant", tenant.ID,
			"created", created, "updated", updated, "unlinked", removed)
	}
	return nil
}

// Remove catalog entries of the connection that no tenant sees anymore.
func removeOrphanedCatalog(tx gorp.SqlExecutor, connID string) error {
	for _, table := range []string{"flavors", "images", "volume_types", "availability_zones"} {
		_, err := tx.Exec("DELETE FROM "+table+" WHERE service_connection_id = :conn AND id NOT IN (SELECT catalog_id FROM catalog_links)",
			map[string]any{"conn": connID})
		if err != nil {
			return fmt.Errorf("failed to remove orphaned %s: %w", table, err)
		}
	}
	return nil
}

func changed[T comparable](dst *T, value T) bool {
	if *dst == value {
		return false
	}
	*dst = value
	return true
}

func (r *Reconciler) pulledCatalog(tenant models.Tenant, kind string, count int) {
	r.emit(r.event(events.Pulled, &tenant, map[string]any{"catalog": kind, "count": count}))
}

func (r *Reconciler) PullFlavors(ctx context.Context, tenant models.Tenant) error {
	clients, err := r.scoped(ctx, tenant)
	if err != nil {
		return err
	}
	remotes, err := clients.Compute.ListFlavors(ctx)
	if err != nil {
		return r.failed("pull_flavors", err)
	}
	err = r.DB.InTransaction(func(tx *gorp.Transaction) error {
		return pullCatalog(r, tx, tenant, catalogSpec[models.Flavor, openstack.Flavor]{
			kind:      models.CatalogFlavor,
			table:     "flavors",
			remotes:   remotes,
			remoteKey: func(f openstack.Flavor) string { return f.ID },
			localKey:  func(f *models.Flavor) string { return f.BackendID },
			localID:   func(f *models.Flavor) string { return f.ID },
			newLocal: func(f openstack.Flavor) *models.Flavor {
				local := &models.Flavor{ServiceConnectionID: tenant.ServiceConnectionID, BackendID: f.ID}
				local.Init(r.now())
				local.Name, local.Cores, local.RAM, local.Disk = f.Name, f.VCPUs, int64(f.RAM), GBToMB(f.Disk)
				return local
			},
			update: func(l *models.Flavor, f openstack.Flavor) bool {
				c := changed(&l.Name, f.Name)
				c = changed(&l.Cores, f.VCPUs) || c
				c = changed(&l.RAM, int64(f.RAM)) || c
				c = changed(&l.Disk, GBToMB(f.Disk)) || c
				if c {
					l.Touch(r.now())
				}
				return c
			},
		})
	})
	if err != nil {
		return err
	}
	r.pulledCatalog(tenant, models.CatalogFlavor, len(remotes))
	return nil
}

// Flavor of the connection with the given name, as visible to the tenant.
func (r *Reconciler) Flavor(tenant models.Tenant, name string) (models.Flavor, error) {
	var flavor models.Flavor
	err := r.DB.SelectOne(&flavor, `SELECT f.* FROM flavors f JOIN catalog_links l ON l.catalog_id = f.id
		WHERE l.tenant_id = :tenant AND l.kind = :kind AND f.name = :name`,
		map[string]any{"tenant": tenant.ID, "kind": models.CatalogFlavor, "name": name})
	if err != nil {
		return flavor, invalid("flavor %q is not available for tenant %s", name, tenant.Name)
	}
	return flavor, nil
}

func (r *Reconciler) PullImages(ctx context.Context, tenant models.Tenant) error {
	clients, err := r.scoped(ctx, tenant)
	if err != nil {
		return err
	}
	remotes, err := clients.Image.ListImages(ctx)
	if err != nil {
		return r.failed("pull_images", err)
	}
	err = r.DB.InTransaction(func(tx *gorp.Transaction) error {
		return pullCatalog(r, tx, tenant, catalogSpec[models.Image, openstack.Image]{
			kind:      models.CatalogImage,
			table:     "images",
			remotes:   remotes,
			remoteKey: func(i openstack.Image) string { return i.ID },
			localKey:  func(i *models.Image) string { return i.BackendID },
			localID:   func(i *models.Image) string { return i.ID },
			newLocal: func(i openstack.Image) *models.Image {
				local := &models.Image{ServiceConnectionID: tenant.ServiceConnectionID, BackendID: i.ID}
				local.Init(r.now())
				local.Name, local.MinRAM, local.MinDisk = i.Name, int64(i.MinRAM), GBToMB(i.MinDisk)
				return local
			},
			update: func(l *models.Image, i openstack.Image) bool {
				c := changed(&l.Name, i.Name)
				c = changed(&l.MinRAM, int64(i.MinRAM)) || c
				c = changed(&l.MinDisk, GBToMB(i.MinDisk)) || c
				if c {
					l.Touch(r.now())
				}
				return c
			},
		})
	})
	if err != nil {
		return err
	}
	r.pulledCatalog(tenant, models.CatalogImage, len(remotes))
	return nil
}

func (r *Reconciler) PullVolumeTypes(ctx context.Context, tenant models.Tenant) error {
	clients, err := r.scoped(ctx, tenant)
	if err != nil {
		return err
	}
	remotes, err := clients.BlockStorage.ListVolumeTypes(ctx)
	if err != nil {
		return r.failed("pull_volume_types", err)
	}
	err = r.DB.InTransaction(func(tx *gorp.Transaction) error {
		return pullCatalog(r, tx, tenant, catalogSpec[models.VolumeType, openstack.VolumeType]{
			kind:      models.CatalogVolumeType,
			table:     "volume_types",
			remotes:   remotes,
			remoteKey: func(t openstack.VolumeType) string { return t.ID },
			localKey:  func(t *models.VolumeType) string { return t.BackendID },
			localID:   func(t *models.VolumeType) string { return t.ID },
			newLocal: func(t openstack.VolumeType) *models.VolumeType {
				local := &models.VolumeType{ServiceConnectionID: tenant.ServiceConnectionID, BackendID: t.ID, Description: t.Description}
				local.Init(r.now())
				local.Name = t.Name
				return local
			},
			update: func(l *models.VolumeType, t openstack.VolumeType) bool {
				c := changed(&l.Name, t.Name)
				c = changed(&l.Description, t.Description) || c
				if c {
					l.Touch(r.now())
				}
				return c
			},
		})
	})
	if err != nil {
		return err
	}
	r.pulledCatalog(tenant, models.CatalogVolumeType, len(remotes))
	return nil
}

func (r *Reconciler) PullInstanceAvailabilityZones(ctx context.Context, tenant models.Tenant) error {
	clients, err := r.scoped(ctx, tenant)
	if err != nil {
		return err
	}
	remotes, err := clients.Compute.ListAvailabilityZones(ctx)
	if err != nil {
		return r.failed("pull_instance_availability_zones", err)
	}
	return r.pullZones(tenant, models.CatalogInstanceZone, remotes)
}

func (r *Reconciler) PullVolumeAvailabilityZones(ctx context.Context, tenant models.Tenant) error {
	clients, err := r.scoped(ctx, tenant)
	if err != nil {
		return err
	}
	remotes, err := clients.BlockStorage.ListAvailabilityZones(ctx)
	if err != nil {
		return r.failed("pull_volume_availability_zones", err)
	}
	return r.pullZones(tenant, models.CatalogVolumeZone, remotes)
}

func (r *Reconciler) pullZones(tenant models.Tenant, kind string, remotes []openstack.AvailabilityZone) error {
	err := r.DB.InTransaction(func(tx *gorp.Transaction) error {
		return pullCatalog(r, tx, tenant, catalogSpec[models.AvailabilityZone, openstack.AvailabilityZone]{
			kind:      kind,
			table:     "availability_zones",
			filter:    "zone_kind = :kind",
			remotes:   remotes,
			remoteKey: func(z openstack.AvailabilityZone) string { return z.Name },
			localKey:  func(z *models.AvailabilityZone) string { return z.Name },
			localID:   func(z *models.AvailabilityZone) string { return z.ID },
			newLocal: func(z openstack.AvailabilityZone) *models.AvailabilityZone {
				local := &models.AvailabilityZone{ServiceConnectionID: tenant.ServiceConnectionID, ZoneKind: kind, Available: z.Available}
				local.Init(r.now())
				local.Name = z.Name
				return local
			},
			update: func(l *models.AvailabilityZone, z openstack.AvailabilityZone) bool {
				c := changed(&l.Available, z.Available)
				if c {
					l.Touch(r.now())
				}
				return c
			},
		})
	})
	if err != nil {
		return err
	}
	r.pulledCatalog(tenant, kind, len(remotes))
	return nil
}

// Catalog entries of a kind visible to the tenant.
func CatalogOf[T any](exec gorp.SqlExecutor, table, kind, tenantID string) ([]T, error) {
	var out []T
	_, err := exec.Select(&out, "SELECT c.* FROM "+table+" c JOIN catalog_links l ON l.catalog_id = c.id WHERE l.tenant_id = :tenant AND l.kind = :kind ORDER BY c.name",
		map[string]any{"tenant": tenantID, "kind": kind})
	if err != nil {
		return nil, fmt.Errorf("failed to select %s of tenant %s: %w", kind, tenantID, err)
	}
	return out, nil
}
