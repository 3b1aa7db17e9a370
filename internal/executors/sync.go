// Copyright 2025 SAP SE
// SPDX-License-Identifier: Apache-2.0

package executors

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cobaltcore-dev/cirrus/internal/models"
	"github.com/cobaltcore-dev/cirrus/internal/tasks"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sapcc/go-bits/jobloop"
)

// Job that periodically submits a resync chain for every tenant.
func (e *Executor) ResyncJob(registerer prometheus.Registerer, interval time.Duration) jobloop.Job {
	return (&jobloop.CronJob{
		Metadata: jobloop.JobMetadata{
			ReadableName: "resync tenants",
			CounterOpts: prometheus.CounterOpts{
				Name: "cirrus_tenant_resyncs",
				Help: "Counter for runs of the periodic tenant resync.",
			},
		},
		Interval:     interval,
		InitialDelay: time.Minute,
		Task: func(ctx context.Context, _ prometheus.Labels) error {
			_, err := e.ResyncAll(ctx)
			return err
		},
	}).Setup(registerer)
}

// Submit a resync chain for every OK tenant that has none running yet.
// Returns the number of submitted chains.
func (e *Executor) ResyncAll(ctx context.Context) (int, error) {
	var tenants []models.Tenant
	_, err := e.DB.Select(&tenants, `SELECT * FROM tenants WHERE state = :ok AND id NOT IN (
		SELECT resource_id FROM task_chains WHERE name = :name AND resource_kind = :kind AND status NOT IN (:done, :failed)
	) ORDER BY name`, map[string]any{
		"ok": string(models.StateOK), "name": resyncChainName, "kind": models.KindTenant,
		"done": string(tasks.StatusDone), "failed": string(tasks.StatusFailed),
	})
	if err != nil {
		return 0, fmt.Errorf("failed to select tenants for resync: %w", err)
	}
	submitted := 0
	for _, tenant := range tenants {
		if err := ctx.Err(); err != nil {
			return submitted, err
		}
		if err := tasks.Submit(e.DB, resyncChain(tenant), e.now()); err != nil {
			return submitted, err
		}
		submitted++
	}
	if submitted > 0 {
		slog.Info("executors: tenant resync submitted", "tenants", submitted)
	}
	return submitted, nil
}
