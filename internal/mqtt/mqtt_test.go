// Copyright 2025 SAP SE
// SPDX-License-Identifier: Apache-2.0

package mqtt

import (
	"os"
	"testing"
	"time"

	"github.com/cobaltcore-dev/cirrus/internal/conf"
	"github.com/cobaltcore-dev/cirrus/internal/monitoring"
	"github.com/cobaltcore-dev/cirrus/testlib/mqtt/containers"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNewMQTTMonitor(t *testing.T) {
	registry := monitoring.NewRegistry(conf.MonitoringConfig{})
	monitor := NewMQTTMonitor(registry)
	c := &client{monitor: monitor}
	c.countPublish("cirrus/events/volume/created", "success")
	c.countPublish("cirrus/events/volume/created", "success")

	got := testutil.ToFloat64(monitor.publishedMessages.WithLabelValues("cirrus/events/volume/created", "success"))
	if got != 2 {
		t.Fatalf("expected 2 published messages, got %v", got)
	}
}

func TestConnectFailure(t *testing.T) {
	c := NewClient(conf.MQTTConfig{
		URL:       "tcp://127.0.0.1:1",
		Reconnect: conf.MQTTReconnectConfig{RetryIntervalSeconds: 0, MaxRetries: 1},
	}, Monitor{})
	start := time.Now()
	if err := c.Connect(); err == nil {
		t.Fatal("expected connection error")
	}
	if time.Since(start) > 30*time.Second {
		t.Fatal("expected the connection attempt to give up")
	}
}

func TestPublishSubscribe(t *testing.T) {
	if os.Getenv("VERNEMQ_CONTAINER") != "1" {
		t.Skip("skipping test; set VERNEMQ_CONTAINER=1 to run")
	}

	container := containers.VernemqContainer{}
	container.Init(t)
	defer container.Close()
	c := NewClient(conf.MQTTConfig{URL: "tcp://localhost:" + container.GetPort()}, Monitor{})
	defer c.Disconnect()

	received := make(chan []byte, 1)
	err := c.Subscribe("cirrus/test", func(_ mqtt.Client, msg mqtt.Message) {
		received <- msg.Payload()
	})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if err := c.Publish("cirrus/test", map[string]string{"key": "value"}); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	select {
	case payload := <-received:
		if string(payload) != `{"key":"value"}` {
			t.Fatalf("unexpected payload %s", payload)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for message")
	}
}
