// Copyright 2025 SAP SE
// SPDX-License-Identifier: Apache-2.0

package events

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/cobaltcore-dev/cirrus/internal/mqtt"
)

// Strategy that reacts to the events of a resource kind, e.g. to
// register usage with the billing collaborator.
type Registrator interface {
	Name() string
	Register(ctx context.Context, e Event) error
}

// Explicit list of registrators per resource kind. A kind can have
// several registrators, which are called in order.
type Registrators struct {
	byKind  map[string][]Registrator
	monitor Monitor
}

func NewRegistrators(monitor Monitor) *Registrators {
	return &Registrators{byKind: map[string][]Registrator{}, monitor: monitor}
}

// Add registrators for the given kinds.
func (r *Registrators) Add(reg Registrator, kinds ...string) *Registrators {
	for _, kind := range kinds {
		r.byKind[kind] = append(r.byKind[kind], reg)
	}
	return r
}

// Names of the registrators of a kind, in call order.
func (r *Registrators) For(kind string) []string {
	var names []string
	for _, reg := range r.byKind[kind] {
		names = append(names, reg.Name())
	}
	return names
}

// Handle an event. Failing registrators don't stop the others.
func (r *Registrators) Handle(ctx context.Context, e Event) {
	for _, reg := range r.byKind[e.Kind] {
		if err := reg.Register(ctx, e); err != nil {
			slog.Error("events: registration failed", "registrator", reg.Name(), "kind", e.Kind, "id", e.ResourceID, "error", err)
			r.monitor.countRegistrationError(reg.Name())
		}
	}
}

// Subscribe the registrators to all events of the bus.
func (r *Registrators) Attach(bus *Bus) {
	bus.Subscribe(r.Handle)
}

// Topic under which events of a kind and type are published.
func Topic(kind string, t EventType) string {
	return fmt.Sprintf("cirrus/events/%s/%s", kind, t)
}

// Publishes every event to the mqtt broker.
type MQTTSink struct {
	Client mqtt.Client
}

func (MQTTSink) Name() string { return "mqtt" }

func (s MQTTSink) Register(_ context.Context, e Event) error {
	return s.Client.Publish(Topic(e.Kind, e.Type), e)
}

// Usage change of a billable resource.
type UsageRecord struct {
	ResourceID string         `json:"resource_id"`
	Kind       string         `json:"kind"`
	TenantID   string         `json:"tenant_id"`
	Action     string         `json:"action"`
	Details    map[string]any `json:"details,omitempty"`
	Event      Event          `json:"event"`
}

const (
	UsageStart  = "start"
	UsageChange = "change"
	UsageStop   = "stop"
)

// Turns lifecycle events of billable resources into usage records for
// the billing collaborator.
type UsageRegistrator struct {
	Client mqtt.Client
}

func (UsageRegistrator) Name() string { return "usage" }

// Topic under which usage records of a kind are published.
func UsageTopic(kind string) string {
	return "cirrus/usage/" + kind
}

func (u UsageRegistrator) Register(_ context.Context, e Event) error {
	action := usageAction(e)
	if action == "" {
		return nil
	}
	return u.Client.Publish(UsageTopic(e.Kind), UsageRecord{
		ResourceID: e.ResourceID,
		Kind:       e.Kind,
		TenantID:   e.TenantID,
		Action:     action,
		Details:    e.Context,
		Event:      e,
	})
}

// Usage starts when a resource becomes OK for the first time or is
// imported, changes on updates and stops on deletion.
func usageAction(e Event) string {
	switch e.Type {
	case Imported:
		return UsageStart
	case StateChanged:
		if e.State != "OK" {
			return ""
		}
		switch e.Context["from"] {
		case "CREATING":
			return UsageStart
		case "UPDATING":
			return UsageChange
		}
	case Deleted, Cleaned:
		return UsageStop
	}
	return ""
}
