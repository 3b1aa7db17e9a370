// Copyright 2025 SAP SE
// SPDX-License-Identifier: Apache-2.0

package tasks

import (
	"github.com/cobaltcore-dev/cirrus/internal/monitoring"
	"github.com/prometheus/client_golang/prometheus"
)

type Monitor struct {
	// Duration of steps by kind and operation.
	stepDuration *prometheus.HistogramVec
	// Finished chains by name and outcome.
	chainsFinished *prometheus.CounterVec
	// Throttle deferrals by service connection.
	throttled *prometheus.CounterVec
}

func NewTasksMonitor(registry *monitoring.Registry) Monitor {
	stepDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "cirrus_tasks_step_duration_seconds",
		Help:    "Duration of task chain steps",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
	}, []string{"kind", "operation"})
	chainsFinished := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cirrus_tasks_chains_finished_total",
		Help: "Number of finished task chains",
	}, []string{"chain", "outcome"})
	throttled := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cirrus_tasks_throttled_total",
		Help: "Number of times a chain was deferred by the provisioning throttle",
	}, []string{"service_connection"})
	registry.MustRegister(stepDuration, chainsFinished, throttled)
	return Monitor{
		stepDuration:   stepDuration,
		chainsFinished: chainsFinished,
		throttled:      throttled,
	}
}

func (m Monitor) finished(chain *Chain) {
	if m.chainsFinished != nil {
		m.chainsFinished.WithLabelValues(chain.Name, string(chain.Status)).Inc()
	}
}

func (m Monitor) deferred(connID string) {
	if m.throttled != nil {
		m.throttled.WithLabelValues(connID).Inc()
	}
}
