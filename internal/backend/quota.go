// Copyright 2025 SAP SE
// SPDX-License-Identifier: Apache-2.0

package backend

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/cobaltcore-dev/cirrus/internal/events"
	"github.com/cobaltcore-dev/cirrus/internal/models"
	"github.com/cobaltcore-dev/cirrus/internal/openstack"
	"github.com/cobaltcore-dev/cirrus/internal/quotas"
	"github.com/go-gorp/gorp"
	"github.com/google/uuid"
)

type quotaAPI interface {
	GetQuotas(ctx context.Context, projectID string) (map[string]openstack.Quota, error)
	UpdateQuotas(ctx context.Context, projectID string, limits map[string]int64) error
}

func quotaClient(clients openstack.Clients, service string) quotaAPI {
	switch service {
	case quotas.ServiceCompute:
		return clients.Compute
	case quotas.ServiceNetwork:
		return clients.Network
	default:
		return clients.BlockStorage
	}
}

var quotaServices = []string{quotas.ServiceCompute, quotas.ServiceNetwork, quotas.ServiceBlockStorage}

// Push the given limits to the backend. Dimensions that are not given are
// left untouched.
func (r *Reconciler) PushQuotas(ctx context.Context, tenant models.Tenant, limits map[quotas.Dimension]int64) error {
	if err := r.Quotas.Validate(limits); err != nil {
		return &ValidationError{Message: err.Error()}
	}
	if len(limits) == 0 {
		return nil
	}
	clients, err := r.admin(ctx)
	if err != nil {
		return err
	}
	for _, service := range quotaServices {
		request := map[string]int64{}
		for _, m := range r.Quotas.ForService(service) {
			limit, ok := limits[m.Dimension]
			if !ok {
				continue
			}
			if m.InGB {
				limit = quotaToGB(limit)
			}
			request[m.Key] = limit
		}
		if len(request) == 0 {
			continue
		}
		if err := quotaClient(clients, service).UpdateQuotas(ctx, tenant.BackendID, request); err != nil {
			return r.failed("push_quotas", err)
		}
	}
	return r.DB.InTransaction(func(tx *gorp.Transaction) error {
		for d, limit := range limits {
			if _, err := tx.Exec("UPDATE quota_entries SET quota_limit = :limit, modified_at = :now WHERE tenant_id = :tenant AND dimension = :dim",
				map[string]any{"limit": limit, "now": r.now(), "tenant": tenant.ID, "dim": string(d)}); err != nil {
				return fmt.Errorf("failed to store quota %s: %w", d, err)
			}
		}
		return nil
	})
}

// Pull limit and usage of every dimension and overwrite the local copies.
func (r *Reconciler) PullQuotas(ctx context.Context, tenant models.Tenant) error {
	clients, err := r.admin(ctx)
	if err != nil {
		return err
	}
	pulled := map[quotas.Dimension]openstack.Quota{}
	for _, service := range quotaServices {
		backendQuotas, err := quotaClient(clients, service).GetQuotas(ctx, tenant.BackendID)
		if err != nil {
			return r.failed("pull_quotas", err)
		}
		for _, m := range r.Quotas.ForService(service) {
			q, ok := backendQuotas[m.Key]
			if !ok {
				continue
			}
			if m.InGB {
				q = openstack.Quota{Limit: quotaToMB(q.Limit), InUse: quotaToMB(q.InUse)}
			}
			pulled[m.Dimension] = q
		}
	}
	return r.inTransaction(func(tx *gorp.Transaction) ([]events.Event, error) {
		existing, err := quotaEntries(tx, tenant.ID)
		if err != nil {
			return nil, err
		}
		now := r.now()
		changed := map[string]any{}
		for _, d := range r.Quotas.Dimensions() {
			q, ok := pulled[d]
			if !ok {
				continue
			}
			entry, ok := existing[d]
			if !ok {
				entry = &models.QuotaEntry{ID: uuid.NewString(), TenantID: tenant.ID, Dimension: string(d)}
			}
			if ok && entry.Limit == q.Limit && entry.Usage == q.InUse {
				continue
			}
			entry.Limit, entry.Usage, entry.ModifiedAt = q.Limit, q.InUse, now
			if ok {
				_, err = tx.Update(entry)
			} else {
				err = tx.Insert(entry)
			}
			if err != nil {
				return nil, fmt.Errorf("failed to store quota %s: %w", d, err)
			}
			changed[string(d)] = map[string]int64{"limit": q.Limit, "usage": q.InUse}
		}
		if len(changed) == 0 {
			return nil, nil
		}
		return []events.Event{r.event(events.Pulled, &tenant, map[string]any{"quotas": changed})}, nil
	})
}

func quotaEntries(exec gorp.SqlExecutor, tenantID string) (map[quotas.Dimension]*models.QuotaEntry, error) {
	var entries []*models.QuotaEntry
	if _, err := exec.Select(&entries, "SELECT * FROM quota_entries WHERE tenant_id = :tenant", map[string]any{"tenant": tenantID}); err != nil {
		return nil, fmt.Errorf("failed to select quotas of tenant %s: %w", tenantID, err)
	}
	out := make(map[quotas.Dimension]*models.QuotaEntry, len(entries))
	for _, e := range entries {
		out[quotas.Dimension(e.Dimension)] = e
	}
	return out, nil
}

// Local quota entries of a tenant by dimension.
func (r *Reconciler) QuotaEntries(tenantID string) (map[quotas.Dimension]*models.QuotaEntry, error) {
	return quotaEntries(r.DB, tenantID)
}

// Check that the tenant has room for the requested amounts and account
// them as used, so that concurrent admissions see each other before the
// next quota pull. Dimensions without local entry are not limited.
func ReserveQuota(exec gorp.SqlExecutor, tenantID string, amounts map[quotas.Dimension]int64) error {
	entries, err := quotaEntries(exec, tenantID)
	if err != nil {
		return err
	}
	dims := make([]quotas.Dimension, 0, len(amounts))
	for d := range amounts {
		dims = append(dims, d)
	}
	slices.Sort(dims)
	var errs []error
	for _, d := range dims {
		entry, ok := entries[d]
		if ok && entry.Exceeds(amounts[d]) {
			errs = append(errs, fmt.Errorf("quota %s would be exceeded: %d of %d used, %d requested", d, entry.Usage, entry.Limit, amounts[d]))
		}
	}
	if len(errs) > 0 {
		return &ValidationError{Message: errors.Join(errs...).Error()}
	}
	for _, d := range dims {
		if _, ok := entries[d]; !ok || amounts[d] == 0 {
			continue
		}
		if _, err := exec.Exec("UPDATE quota_entries SET quota_usage = quota_usage + :amount WHERE tenant_id = :tenant AND dimension = :dim",
			map[string]any{"amount": amounts[d], "tenant": tenantID, "dim": string(d)}); err != nil {
			return fmt.Errorf("failed to reserve quota %s: %w", d, err)
		}
	}
	return nil
}

// Create the local quota entries of a new tenant, all unlimited.
func (r *Reconciler) InitQuotas(exec gorp.SqlExecutor, tenantID string) error {
	now := r.now()
	for _, d := range r.Quotas.Dimensions() {
		entry := &models.QuotaEntry{ID: uuid.NewString(), TenantID: tenantID, Dimension: string(d), Limit: -1, ModifiedAt: now}
		if err := exec.Insert(entry); err != nil {
			return fmt.Errorf("failed to create quota %s: %w", d, err)
		}
	}
	return nil
}
