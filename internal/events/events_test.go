// Copyright 2025 SAP SE
// SPDX-License-Identifier: Apache-2.0

package events

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/cobaltcore-dev/cirrus/internal/conf"
	"github.com/cobaltcore-dev/cirrus/internal/monitoring"
	testlibMQTT "github.com/cobaltcore-dev/cirrus/testlib/mqtt"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func runBus(t *testing.T, bus *Bus, emit func()) {
	t.Helper()
	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan struct{})
	go func() {
		bus.Run(ctx)
		close(done)
	}()
	emit()
	cancel()
	<-done
}

func TestBus_DispatchesByType(t *testing.T) {
	bus := NewBus(16, Monitor{})
	var lock sync.Mutex
	var created, all []Event
	bus.Subscribe(func(_ context.Context, e Event) {
		lock.Lock()
		defer lock.Unlock()
		created = append(created, e)
	}, Created)
	bus.Subscribe(func(_ context.Context, e Event) {
		lock.Lock()
		defer lock.Unlock()
		all = append(all, e)
	})

	runBus(t, bus, func() {
		bus.Emit(Event{Type: Created, Kind: "volume", ResourceID: "v1"})
		bus.Emit(Event{Type: Deleted, Kind: "volume", ResourceID: "v1"})
	})

	if len(created) != 1 || created[0].ResourceID != "v1" {
		t.Errorf("expected one created event, got %v", created)
	}
	if len(all) != 2 || all[0].Type != Created || all[1].Type != Deleted {
		t.Errorf("expected both events in order, got %v", all)
	}
	if all[0].Time.IsZero() {
		t.Error("expected the event time to be set")
	}
}

func TestBus_EmitNeverBlocks(t *testing.T) {
	registry := monitoring.NewRegistry(conf.MonitoringConfig{})
	monitor := NewEventsMonitor(registry)
	bus := NewBus(1, monitor)
	// Nobody is dispatching, so the second event does not fit.
	bus.Emit(Event{Type: Created, Kind: "volume"})
	bus.Emit(Event{Type: Created, Kind: "volume"})
	if got := testutil.ToFloat64(monitor.dropped.WithLabelValues("volume", "created")); got != 1 {
		t.Errorf("expected one dropped event, got %v", got)
	}
	if got := testutil.ToFloat64(monitor.emitted.WithLabelValues("volume", "created")); got != 1 {
		t.Errorf("expected one emitted event, got %v", got)
	}
}

type failingRegistrator struct{ calls int }

func (*failingRegistrator) Name() string { return "failing" }
func (f *failingRegistrator) Register(context.Context, Event) error {
	f.calls++
	return errors.New("boom")
}

func TestRegistrators(t *testing.T) {
	client := &testlibMQTT.MockClient{}
	failing := &failingRegistrator{}
	regs := NewRegistrators(Monitor{}).
		Add(failing, "instance").
		Add(MQTTSink{Client: client}, "instance", "network").
		Add(UsageRegistrator{Client: client}, "instance")

	if names := regs.For("instance"); len(names) != 3 || names[0] != "failing" || names[2] != "usage" {
		t.Fatalf("unexpected registrators %v", names)
	}

	bus := NewBus(16, Monitor{})
	regs.Attach(bus)
	runBus(t, bus, func() {
		bus.Emit(Event{Type: StateChanged, Kind: "instance", ResourceID: "i1", State: "OK", Context: map[string]any{"from": "CREATING"}})
		bus.Emit(Event{Type: Pulled, Kind: "network", ResourceID: "n1"})
		bus.Emit(Event{Type: Deleted, Kind: "instance", ResourceID: "i1"})
	})

	if failing.calls != 2 {
		t.Errorf("expected failing registrator to be called twice, got %d", failing.calls)
	}
	var topics []string
	for _, m := range client.Messages() {
		topics = append(topics, m.Topic)
	}
	want := []string{
		"cirrus/events/instance/state_changed",
		"cirrus/usage/instance",
		"cirrus/events/network/pulled",
		"cirrus/events/instance/deleted",
		"cirrus/usage/instance",
	}
	if len(topics) != len(want) {
		t.Fatalf("expected topics %v, got %v", want, topics)
	}
	for i := range want {
		if topics[i] != want[i] {
			t.Errorf("expected topic %d to be %s, got %s", i, want[i], topics[i])
		}
	}
	start := client.Messages()[1].Payload.(UsageRecord)
	if start.Action != UsageStart {
		t.Errorf("expected usage start, got %s", start.Action)
	}
	stop := client.Messages()[4].Payload.(UsageRecord)
	if stop.Action != UsageStop {
		t.Errorf("expected usage stop, got %s", stop.Action)
	}
}

func TestUsageAction(t *testing.T) {
	tests := []struct {
		event Event
		want  string
	}{
		{Event{Type: Imported}, UsageStart},
		{Event{Type: StateChanged, State: "OK", Context: map[string]any{"from": "CREATING"}}, UsageStart},
		{Event{Type: StateChanged, State: "OK", Context: map[string]any{"from": "UPDATING"}}, UsageChange},
		{Event{Type: StateChanged, State: "ERRED", Context: map[string]any{"from": "CREATING"}}, ""},
		{Event{Type: Cleaned}, UsageStop},
		{Event{Type: Pulled}, ""},
	}
	for _, tt := range tests {
		if got := usageAction(tt.event); got != tt.want {
			t.Errorf("%+v: expected %q, got %q", tt.event, tt.want, got)
		}
	}
}
