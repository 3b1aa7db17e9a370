// Copyright 2025 SAP SE
// SPDX-License-Identifier: Apache-2.0

package mqtt

import (
	"github.com/cobaltcore-dev/cirrus/internal/monitoring"
	"github.com/prometheus/client_golang/prometheus"
)

type Monitor struct {
	connectionAttempts prometheus.Counter
	connectionLosses   prometheus.Counter
	publishedMessages  *prometheus.CounterVec
}

func NewMQTTMonitor(registry *monitoring.Registry) Monitor {
	connectionAttempts := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cirrus_mqtt_connection_attempts_total",
		Help: "Total number of attempts to connect to the MQTT broker",
	})
	connectionLosses := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cirrus_mqtt_connection_losses_total",
		Help: "Total number of unexpected connection losses to the MQTT broker",
	})
	publishedMessages := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cirrus_mqtt_published_messages_total",
		Help: "Total number of messages published to the MQTT broker",
	}, []string{"topic", "result"})
	registry.MustRegister(connectionAttempts, connectionLosses, publishedMessages)
	return Monitor{
		connectionAttempts: connectionAttempts,
		connectionLosses:   connectionLosses,
		publishedMessages:  publishedMessages,
	}
}
