// Copyright 2025 SAP SE
// SPDX-License-Identifier: Apache-2.0

package events

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

type EventType string

const (
	// A remote object without local record was imported by a pull.
	Imported EventType = "imported"
	Created  EventType = "created"
	Updated  EventType = "updated"
	Deleted  EventType = "deleted"
	// A local record was removed because its remote object disappeared.
	Cleaned EventType = "cleaned"
	// A pull changed at least one field of a local record.
	Pulled       EventType = "pulled"
	StateChanged EventType = "state_changed"
)

// Types in a stable order.
var AllTypes = []EventType{Imported, Created, Updated, Deleted, Cleaned, Pulled, StateChanged}

// Lifecycle event of a resource.
type Event struct {
	Type         EventType `json:"event_type"`
	Kind         string    `json:"kind"`
	ResourceID   string    `json:"resource_id"`
	ResourceName string    `json:"resource_name"`
	TenantID     string    `json:"tenant_id,omitempty"`
	// State of the resource after the event, if it has one.
	State string `json:"state,omitempty"`
	// Free-form details, such as the changed fields or the previous state.
	Context map[string]any `json:"context,omitempty"`
	Time    time.Time      `json:"time"`
}

// Anything that accepts events. Emitting never blocks.
type Emitter interface {
	Emit(e Event)
}

type Handler func(ctx context.Context, e Event)

// Typed event bus. Events are queued and handed to the subscribers of
// their type by a single dispatcher goroutine, in emission order. When the
// queue is full, events are dropped instead of blocking the emitter.
type Bus struct {
	queue    chan Event
	lock     sync.RWMutex
	handlers map[EventType][]Handler
	monitor  Monitor
	timeNow  func() time.Time
}

func NewBus(bufferSize int, monitor Monitor) *Bus {
	if bufferSize <= 0 {
		bufferSize = 1024
	}
	return &Bus{
		queue:    make(chan Event, bufferSize),
		handlers: map[EventType][]Handler{},
		monitor:  monitor,
		timeNow:  time.Now,
	}
}

// Register a handler for the given event types, or for all types if none
// are given.
func (b *Bus) Subscribe(h Handler, types ...EventType) {
	if len(types) == 0 {
		types = AllTypes
	}
	b.lock.Lock()
	defer b.lock.Unlock()
	for _, t := range types {
		b.handlers[t] = append(b.handlers[t], h)
	}
}

func (b *Bus) Emit(e Event) {
	if e.Time.IsZero() {
		e.Time = b.timeNow().UTC()
	}
	select {
	case b.queue <- e:
		b.monitor.countEmitted(e)
	default:
		slog.Warn("events: queue is full, dropping event", "type", e.Type, "kind", e.Kind, "id", e.ResourceID)
		b.monitor.countDropped(e)
	}
}

// Dispatch events until the context is done. Events still queued at that
// point are dispatched before returning.
func (b *Bus) Run(ctx context.Context) {
	for {
		select {
		case e := <-b.queue:
			b.dispatch(ctx, e)
		case <-ctx.Done():
			for {
				select {
				case e := <-b.queue:
					b.dispatch(context.WithoutCancel(ctx), e)
				default:
					return
				}
			}
		}
	}
}

func (b *Bus) dispatch(ctx context.Context, e Event) {
	b.lock.RLock()
	handlers := b.handlers[e.Type]
	b.lock.RUnlock()
	for _, h := range handlers {
		h(ctx, e)
	}
}
