// Copyright 2025 SAP SE
// SPDX-License-Identifier: Apache-2.0

package mqtt

import (
	"sync"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
)

// Message captured by the mock client.
type Message struct {
	Topic   string
	Payload any
}

// Mock mqtt client that records published messages and can be used for testing.
type MockClient struct {
	// If set, Publish fails with this error.
	PublishErr error

	lock     sync.Mutex
	messages []Message
}

func (m *MockClient) Publish(topic string, payload any) error {
	m.lock.Lock()
	defer m.lock.Unlock()
	if m.PublishErr != nil {
		return m.PublishErr
	}
	m.messages = append(m.messages, Message{Topic: topic, Payload: payload})
	return nil
}

// Snapshot of the messages published so far.
func (m *MockClient) Messages() []Message {
	m.lock.Lock()
	defer m.lock.Unlock()
	out := make([]Message, len(m.messages))
	copy(out, m.messages)
	return out
}

func (m *MockClient) Connect() error {
	return nil
}

func (m *MockClient) Disconnect() {
	// Do nothing
}

func (m *MockClient) Subscribe(topic string, callback pahomqtt.MessageHandler) error {
	return nil
}
