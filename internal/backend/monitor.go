// Copyright 2025 SAP SE
// SPDX-License-Identifier: Apache-2.0

package backend

import (
	"github.com/cobaltcore-dev/cirrus/internal/monitoring"
	"github.com/prometheus/client_golang/prometheus"
)

type Monitor struct {
	// Duration of pulls by resource kind.
	pullDuration *prometheus.HistogramVec
	// Records imported, pulled and cleaned by pulls.
	pullChanges *prometheus.CounterVec
	// Failed backend operations by operation.
	operationErrors *prometheus.CounterVec
}

func NewBackendMonitor(registry *monitoring.Registry) Monitor {
	pullDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "cirrus_backend_pull_duration_seconds",
		Help:    "Duration of pulls from the backend by resource kind",
		Buckets: prometheus.DefBuckets,
	}, []string{"kind"})
	pullChanges := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cirrus_backend_pull_changes_total",
		Help: "Number of local records changed by pulls",
	}, []string{"kind", "change"})
	operationErrors := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cirrus_backend_operation_errors_total",
		Help: "Number of failed backend operations",
	}, []string{"operation"})
	registry.MustRegister(pullDuration, pullChanges, operationErrors)
	return Monitor{
		pullDuration:    pullDuration,
		pullChanges:     pullChanges,
		operationErrors: operationErrors,
	}
}

func (m Monitor) countChanges(kind, change string, n int) {
	if m.pullChanges != nil && n > 0 {
		m.pullChanges.WithLabelValues(kind, change).Add(float64(n))
	}
}

func (m Monitor) countError(operation string) {
	if m.operationErrors != nil {
		m.operationErrors.WithLabelValues(operation).Inc()
	}
}
