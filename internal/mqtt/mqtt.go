// Copyright 2025 SAP SE
// SPDX-License-Identifier: Apache-2.0

package mqtt

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/cobaltcore-dev/cirrus/internal/conf"
	mqtt "github.com/eclipse/paho.mqtt.golang"
)

type Client interface {
	Connect() error
	Publish(topic string, obj any) error
	Disconnect()
	Subscribe(topic string, callback mqtt.MessageHandler) error
}

type client struct {
	conf    conf.MQTTConfig
	monitor Monitor
	// MQTT client to publish mqtt data.
	client mqtt.Client
	// Lock to prevent concurrent writes to the MQTT client.
	lock *sync.Mutex
}

func NewClient(conf conf.MQTTConfig, monitor Monitor) Client {
	return &client{conf: conf, monitor: monitor, lock: &sync.Mutex{}}
}

// Called when the connection to the mqtt broker is lost. Paho reconnects
// on its own, so this only records the loss.
func (t *client) onConnectionLost(_ mqtt.Client, err error) {
	slog.Error("mqtt: lost connection to broker", "err", err)
	if t.monitor.connectionLosses != nil {
		t.monitor.connectionLosses.Inc()
	}
}

// Connect to the mqtt broker. Must be called with the lock held or before
// the client is shared.
func (t *client) connect() error {
	if t.client != nil {
		return nil
	}
	retryInterval := time.Duration(t.conf.Reconnect.RetryIntervalSeconds) * time.Second
	if retryInterval <= 0 {
		retryInterval = 5 * time.Second
	}
	maxRetries := t.conf.Reconnect.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 5
	}

	slog.Info("mqtt: connecting to broker", "url", t.conf.URL)
	opts := mqtt.NewClientOptions()
	opts.AddBroker(t.conf.URL)
	opts.SetConnectTimeout(10 * time.Second)
	opts.SetConnectRetry(false)
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(retryInterval)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetCleanSession(true)
	opts.SetConnectionLostHandler(t.onConnectionLost)
	//nolint:gosec // We don't care if the client id is cryptographically secure.
	opts.SetClientID(fmt.Sprintf("cirrus-%d", rand.Intn(1_000_000)))
	opts.SetOrderMatters(false)
	opts.SetProtocolVersion(4)
	opts.SetDefaultPublishHandler(func(client mqtt.Client, msg mqtt.Message) {
		slog.Warn("mqtt: received unexpected message on topic", "topic", msg.Topic())
	})
	opts.SetUsername(t.conf.Username)
	opts.SetPassword(t.conf.Password)

	c := mqtt.NewClient(opts)
	var errs []error
	for attempt := range maxRetries {
		if t.monitor.connectionAttempts != nil {
			t.monitor.connectionAttempts.Inc()
		}
		token := c.Connect()
		if token.Wait() && token.Error() == nil {
			t.client = c
			slog.Info("mqtt: connected to broker")
			return nil
		}
		errs = append(errs, token.Error())
		slog.Error("mqtt: failed to connect", "attempt", attempt+1, "err", token.Error())
		if attempt < maxRetries-1 {
			time.Sleep(retryInterval)
		}
	}
	return fmt.Errorf("giving up connecting to mqtt broker: %w", errors.Join(errs...))
}

func (t *client) Connect() error {
	t.lock.Lock()
	defer t.lock.Unlock()
	return t.connect()
}

// Publish the object as json to the given topic.
func (t *client) Publish(topic string, obj any) error {
	t.lock.Lock()
	defer t.lock.Unlock()

	if err := t.connect(); err != nil {
		t.countPublish(topic, "error")
		return err
	}
	data, err := json.Marshal(obj)
	if err != nil {
		t.countPublish(topic, "error")
		return err
	}
	pub := t.client.Publish(topic, 2, true, data)
	if pub.Wait() && pub.Error() != nil {
		t.countPublish(topic, "error")
		return pub.Error()
	}
	t.countPublish(topic, "success")
	slog.Debug("mqtt: published message", "topic", topic)
	return nil
}

func (t *client) countPublish(topic, result string) {
	if t.monitor.publishedMessages != nil {
		t.monitor.publishedMessages.WithLabelValues(topic, result).Inc()
	}
}

// Subscribe to a topic on the mqtt broker.
func (t *client) Subscribe(topic string, callback mqtt.MessageHandler) error {
	t.lock.Lock()
	defer t.lock.Unlock()

	if err := t.connect(); err != nil {
		return err
	}
	token := t.client.Subscribe(topic, 2, callback)
	if token.Wait() && token.Error() != nil {
		slog.Error("mqtt: failed to subscribe to topic", "topic", topic, "err", token.Error())
		return token.Error()
	}
	slog.Info("mqtt: subscribed to topic", "topic", topic)
	return nil
}

// Disconnect from the mqtt broker.
func (t *client) Disconnect() {
	t.lock.Lock()
	defer t.lock.Unlock()
	if t.client == nil {
		return
	}
	c := t.client
	t.client = nil
	// Note: the disconnect will run in a goroutine.
	c.Disconnect(1000)
	for c.IsConnected() {
		time.Sleep(100 * time.Millisecond)
	}
	slog.Info("mqtt: disconnected from broker")
}
