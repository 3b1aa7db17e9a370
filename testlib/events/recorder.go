// Copyright 2025 SAP SE
// SPDX-License-Identifier: Apache-2.0

package events

import (
	"sync"

	"github.com/cobaltcore-dev/cirrus/internal/events"
)

// Emitter that keeps all events in memory.
type Recorder struct {
	lock   sync.Mutex
	events []events.Event
}

func (r *Recorder) Emit(e events.Event) {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.events = append(r.events, e)
}

// Recorded events, optionally filtered by type.
func (r *Recorder) Events(types ...events.EventType) []events.Event {
	r.lock.Lock()
	defer r.lock.Unlock()
	var out []events.Event
	for _, e := range r.events {
		if len(types) == 0 || contains(types, e.Type) {
			out = append(out, e)
		}
	}
	return out
}

// Recorded events of a kind and type.
func (r *Recorder) Of(kind string, t events.EventType) []events.Event {
	var out []events.Event
	for _, e := range r.Events(t) {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

func (r *Recorder) Reset() {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.events = nil
}

func contains(types []events.EventType, t events.EventType) bool {
	for _, candidate := range types {
		if candidate == t {
			return true
		}
	}
	return false
}
