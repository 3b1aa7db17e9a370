// Copyright 2025 SAP SE
// SPDX-License-Identifier: Apache-2.0

package openstack

import (
	"time"

	"github.com/cobaltcore-dev/cirrus/internal/monitoring"
	"github.com/prometheus/client_golang/prometheus"
)

type Monitor struct {
	// Duration of backend requests by service and operation.
	RequestTimer *prometheus.HistogramVec
	// Number of failed backend requests by service and operation.
	RequestErrors *prometheus.CounterVec
}

func NewOpenStackMonitor(registry *monitoring.Registry) Monitor {
	requestTimer := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "cirrus_openstack_request_duration_seconds",
		Help:    "Duration of requests to the OpenStack backend",
		Buckets: prometheus.DefBuckets,
	}, []string{"service", "operation"})
	requestErrors := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cirrus_openstack_request_errors_total",
		Help: "Number of failed requests to the OpenStack backend",
	}, []string{"service", "operation"})
	registry.MustRegister(requestTimer, requestErrors)
	return Monitor{RequestTimer: requestTimer, RequestErrors: requestErrors}
}

// Start measuring a request. The returned function records the duration
// and counts the error, if any.
func (m Monitor) observe(service, operation string) func(error) {
	start := time.Now()
	return func(err error) {
		if m.RequestTimer != nil {
			m.RequestTimer.WithLabelValues(service, operation).Observe(time.Since(start).Seconds())
		}
		if err != nil && m.RequestErrors != nil {
			m.RequestErrors.WithLabelValues(service, operation).Inc()
		}
	}
}
