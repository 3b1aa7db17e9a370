// Copyright 2025 SAP SE
// SPDX-License-Identifier: Apache-2.0

package monitoring

import (
	"testing"

	"github.com/cobaltcore-dev/cirrus/internal/conf"
	"github.com/prometheus/client_golang/prometheus"
)

func TestRegistry_Gather(t *testing.T) {
	registry := NewRegistry(conf.MonitoringConfig{
		Labels: map[string]string{"env": "test"},
	})

	counter := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "test_counter",
		Help: "A test counter",
	})
	registry.MustRegister(counter)
	counter.Inc()

	families, err := registry.Gather()
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if len(families) == 0 {
		t.Fatal("expected metric families")
	}
	for _, family := range families {
		for _, metric := range family.Metric {
			found := false
			for _, label := range metric.Label {
				if label.GetName() == "env" && label.GetValue() == "test" {
					found = true
					break
				}
			}
			if !found {
				t.Fatalf("expected label env=test on metric %s", family.GetName())
			}
		}
	}
}

func TestObserveDuration(t *testing.T) {
	// A nil histogram must not panic.
	ObserveDuration(nil, "a")()

	hist := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name: "test_duration_seconds",
		Help: "A test histogram",
	}, []string{"op"})
	ObserveDuration(hist, "create")()

	registry := prometheus.NewRegistry()
	registry.MustRegister(hist)
	families, err := registry.Gather()
	if err != nil {
		t.Fatal(err)
	}
	if len(families) != 1 || families[0].Metric[0].GetHistogram().GetSampleCount() != 1 {
		t.Fatalf("expected one observation, got %v", families)
	}
}
