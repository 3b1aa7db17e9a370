// Copyright 2025 SAP SE
// SPDX-License-Identifier: Apache-2.0

package events

import (
	"github.com/cobaltcore-dev/cirrus/internal/monitoring"
	"github.com/prometheus/client_golang/prometheus"
)

type Monitor struct {
	emitted            *prometheus.CounterVec
	dropped            *prometheus.CounterVec
	registrationErrors *prometheus.CounterVec
}

func NewEventsMonitor(registry *monitoring.Registry) Monitor {
	emitted := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cirrus_events_emitted_total",
		Help: "Number of domain events queued for dispatching",
	}, []string{"kind", "type"})
	dropped := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cirrus_events_dropped_total",
		Help: "Number of domain events dropped because the queue was full",
	}, []string{"kind", "type"})
	registrationErrors := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cirrus_events_registration_errors_total",
		Help: "Number of failed event registrations by registrator",
	}, []string{"registrator"})
	registry.MustRegister(emitted, dropped, registrationErrors)
	return Monitor{
		emitted:            emitted,
		dropped:            dropped,
		registrationErrors: registrationErrors,
	}
}

func (m Monitor) countEmitted(e Event) {
	if m.emitted != nil {
		m.emitted.WithLabelValues(e.Kind, string(e.Type)).Inc()
	}
}

func (m Monitor) countDropped(e Event) {
	if m.dropped != nil {
		m.dropped.WithLabelValues(e.Kind, string(e.Type)).Inc()
	}
}

func (m Monitor) countRegistrationError(name string) {
	if m.registrationErrors != nil {
		m.registrationErrors.WithLabelValues(name).Inc()
	}
}
