// Copyright 2025 SAP SE
// SPDX-License-Identifier: Apache-2.0

package tasks

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cobaltcore-dev/cirrus/internal/conf"
	"github.com/cobaltcore-dev/cirrus/internal/models"
	testlibDB "github.com/cobaltcore-dev/cirrus/testlib/db"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sapcc/go-bits/jobloop"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	c.Advance(d)
	return ctx.Err()
}

type testEnv struct {
	runner   *Runner
	registry *Registry
	clock    *fakeClock

	mu  sync.Mutex
	log []string
}

func (e *testEnv) record(entry string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.log = append(e.log, entry)
}

func (e *testEnv) entries() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.log...)
}

func setupRunner(t *testing.T) *testEnv {
	t.Helper()
	dbEnv := testlibDB.SetupDBEnv(t)
	t.Cleanup(dbEnv.Close)
	if err := models.CreateTables(dbEnv.DB); err != nil {
		t.Fatal(err)
	}
	if err := CreateTables(dbEnv.DB); err != nil {
		t.Fatal(err)
	}
	env := &testEnv{clock: &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}}
	env.registry = NewRegistry(func(_ context.Context, res Ref, to models.State, message string, force bool) error {
		entry := fmt.Sprintf("%s->%s", res, to)
		if message != "" {
			entry += ": " + message
		}
		env.record(entry)
		return nil
	})
	env.registry.Register("record", func(_ context.Context, step Step) error {
		env.record(step.Param("name"))
		return nil
	})
	env.registry.Register("fail", func(_ context.Context, step Step) error {
		env.record(step.Param("name"))
		return errors.New("boom")
	})
	config := conf.TasksConfig{PollIntervalSeconds: 5, PollTimeoutSeconds: 60, ThrottleRetrySeconds: 30}
	env.runner = NewRunner(dbEnv.DB, env.registry, config, Monitor{})
	env.runner.timeNow = env.clock.Now
	env.runner.sleep = env.clock.Sleep
	env.runner.jitter = jobloop.NoJitter
	return env
}

// Poll operation that reports the given states one after another and
// repeats the last one.
func (e *testEnv) registerStates(name string, states ...string) {
	var mu sync.Mutex
	calls := 0
	e.registry.RegisterPoll(name, func(_ context.Context, step Step) (string, error) {
		mu.Lock()
		defer mu.Unlock()
		state := states[min(calls, len(states)-1)]
		calls++
		return state, nil
	})
}

func (e *testEnv) submit(t *testing.T, chain *Chain) {
	t.Helper()
	if err := e.registry.Validate(chain.Steps); err != nil {
		t.Fatal(err)
	}
	if err := Submit(e.runner.DB, chain, e.clock.Now()); err != nil {
		t.Fatal(err)
	}
}

func record(name string) Step {
	return Direct("record", Ref{}, Params{"name": name})
}

var volume = Ref{Kind: "volume", ID: "vol-1"}

func TestRunChain_RunsStepsInOrder(t *testing.T) {
	env := setupRunner(t)
	env.registerStates("volume_state", "creating", "creating", "available")
	chain := NewChain("create_volume", "conn", volume).
		Then(
			Transition(volume, models.StateCreating),
			record("create"),
			PollUntil("volume_state", volume, "available"),
			record("after poll"),
		).
		OnSuccessDo(Transition(volume, models.StateOK)).
		OnFailureDo(Fail(volume))
	env.submit(t, chain)

	done, err := env.runner.RunChain(t.Context(), chain.ID)
	if err != nil {
		t.Fatal(err)
	}
	if done.Status != StatusDone {
		t.Errorf("expected the chain to be done, got %s (%s)", done.Status, done.ErrorMessage)
	}
	if done.Cursor != len(chain.Steps) {
		t.Errorf("expected the cursor at the end, got %d", done.Cursor)
	}
	expected := []string{"volume/vol-1->CREATING", "create", "after poll", "volume/vol-1->OK"}
	if got := env.entries(); strings.Join(got, "|") != strings.Join(expected, "|") {
		t.Errorf("expected %v, got %v", expected, got)
	}
}

func TestRunChain_FailureStepsGetError(t *testing.T) {
	env := setupRunner(t)
	chain := NewChain("create_volume", "conn", volume).
		Then(Direct("fail", volume, Params{"name": "create"}), record("never")).
		OnSuccessDo(Transition(volume, models.StateOK)).
		OnFailureDo(Fail(volume), record("compensate"))
	env.submit(t, chain)

	done, err := env.runner.RunChain(t.Context(), chain.ID)
	if err != nil {
		t.Fatal(err)
	}
	if done.Status != StatusFailed || done.ErrorMessage != "boom" {
		t.Errorf("expected a failed chain with its error, got %s (%q)", done.Status, done.ErrorMessage)
	}
	expected := []string{"create", "volume/vol-1->ERRED: boom", "compensate"}
	if got := env.entries(); strings.Join(got, "|") != strings.Join(expected, "|") {
		t.Errorf("expected %v, got %v", expected, got)
	}
}

func TestRunChain_PollOutcomes(t *testing.T) {
	tests := []struct {
		name      string
		states    []string
		spec      PollSpec
		wantError string
	}{
		{"reaches target", []string{"BUILD", "ACTIVE"}, PollSpec{Success: []string{"ACTIVE"}}, ""},
		{"erred state", []string{"BUILD", "ERROR"}, PollSpec{Success: []string{"ACTIVE"}}, "reached erred state ERROR"},
		{"custom erred state", []string{"deleting", "stuck"}, PollSpec{UntilGone: true, Erred: []string{"stuck"}}, "reached erred state stuck"},
		{"timeout", []string{"BUILD"}, PollSpec{Success: []string{"ACTIVE"}, Timeout: 20 * time.Second}, "did not reach [ACTIVE]"},
		{"until gone", []string{"deleting", Gone}, PollSpec{UntilGone: true}, ""},
		{"gone unexpectedly", []string{"BUILD", Gone}, PollSpec{Success: []string{"ACTIVE"}}, "disappeared"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := setupRunner(t)
			env.registerStates("state", tt.states...)
			chain := NewChain("poll", "conn", volume).
				Then(Poll("state", volume, tt.spec)).
				OnFailureDo(Fail(volume))
			env.submit(t, chain)

			done, err := env.runner.RunChain(t.Context(), chain.ID)
			if err != nil {
				t.Fatal(err)
			}
			if tt.wantError == "" {
				if done.Status != StatusDone {
					t.Errorf("expected the chain to be done, got %s (%s)", done.Status, done.ErrorMessage)
				}
				return
			}
			if done.Status != StatusFailed || !strings.Contains(done.ErrorMessage, tt.wantError) {
				t.Errorf("expected a failure containing %q, got %s (%q)", tt.wantError, done.Status, done.ErrorMessage)
			}
			entries := env.entries()
			if len(entries) != 1 || !strings.HasPrefix(entries[0], "volume/vol-1->ERRED") {
				t.Errorf("expected the resource to be marked ERRED, got %v", entries)
			}
		})
	}
}

func TestProcess_YieldsAndResumesFromCursor(t *testing.T) {
	env := setupRunner(t)
	ctx := t.Context()
	ready := false
	var mu sync.Mutex
	env.registry.RegisterPoll("server_state", func(context.Context, Step) (string, error) {
		mu.Lock()
		defer mu.Unlock()
		if ready {
			return "ACTIVE", nil
		}
		return "BUILD", nil
	})
	chain := NewChain("create_instance", "conn", Ref{Kind: "instance", ID: "vm-1"}).
		Then(record("create"), PollUntil("server_state", Ref{Kind: "instance", ID: "vm-1"}, "ACTIVE"), record("pull"))
	env.submit(t, chain)

	claimed, err := env.runner.discover(ctx, prometheus.Labels{})
	if err != nil {
		t.Fatal(err)
	}
	if err := env.runner.processChain(ctx, claimed, prometheus.Labels{}); err != nil {
		t.Fatal(err)
	}
	stored, err := Load(env.runner.DB, chain.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.Status != StatusWaiting || stored.Cursor != 1 {
		t.Fatalf("expected the chain to wait at the poll, got %s at %d", stored.Status, stored.Cursor)
	}
	if !stored.NextRunAt.Equal(env.clock.Now().Add(5 * time.Second)) {
		t.Errorf("expected the next run after the poll interval, got %s", stored.NextRunAt)
	}
	if _, err := env.runner.discover(ctx, prometheus.Labels{}); !errors.Is(err, sql.ErrNoRows) {
		t.Errorf("expected no runnable chain before the interval passed, got %v", err)
	}

	mu.Lock()
	ready = true
	mu.Unlock()
	env.clock.Advance(5 * time.Second)
	claimed, err = env.runner.discover(ctx, prometheus.Labels{})
	if err != nil {
		t.Fatal(err)
	}
	if claimed.Cursor != 1 {
		t.Errorf("expected to resume at the poll, got cursor %d", claimed.Cursor)
	}
	if err := env.runner.process(ctx, claimed); err != nil {
		t.Fatal(err)
	}
	if got := env.entries(); strings.Join(got, "|") != "create|pull" {
		t.Errorf("expected every step to run exactly once, got %v", got)
	}
	stored, err = Load(env.runner.DB, chain.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.Status != StatusDone {
		t.Errorf("expected the chain to be done, got %s", stored.Status)
	}
}

func TestSave_ReclaimedChainDropsProgress(t *testing.T) {
	env := setupRunner(t)
	ctx := t.Context()
	// Another worker takes over the chain while this one still runs it.
	var other *Chain
	env.registry.Register("stall", func(ctx context.Context, _ Step) error {
		if other != nil {
			return nil
		}
		env.clock.Advance(env.runner.staleAfter() + time.Minute)
		claimed, err := env.runner.discover(ctx, prometheus.Labels{})
		if err != nil {
			return err
		}
		other = claimed
		env.record("reclaimed")
		return nil
	})
	chain := NewChain("create_volume", "conn", volume).
		Then(record("create"), Direct("stall", volume, nil), record("pull"))
	env.submit(t, chain)

	if _, err := env.runner.RunChain(ctx, chain.ID); !errors.Is(err, ErrClaimLost) {
		t.Fatalf("expected the first worker to lose its claim, got %v", err)
	}
	if other == nil {
		t.Fatal("expected the chain to be reclaimed")
	}
	stored, err := Load(env.runner.DB, chain.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.Status != StatusRunning || stored.Cursor != 1 {
		t.Errorf("expected the reclaimed chain to be left alone, got %s at cursor %d", stored.Status, stored.Cursor)
	}

	if err := env.runner.process(ctx, other); err != nil {
		t.Fatal(err)
	}
	if got := env.entries(); strings.Join(got, "|") != "create|reclaimed|pull" {
		t.Errorf("expected the new owner to finish the chain, got %v", got)
	}
	if stored, err = Load(env.runner.DB, chain.ID); err != nil {
		t.Fatal(err)
	} else if stored.Status != StatusDone {
		t.Errorf("expected the chain to be done, got %s", stored.Status)
	}
}

func TestSave_RenewsClaimOfLongChain(t *testing.T) {
	env := setupRunner(t)
	ctx := t.Context()
	env.registry.Register("slow", func(context.Context, Step) error {
		env.clock.Advance(env.runner.staleAfter() * 3 / 4)
		return nil
	})
	env.registry.Register("look", func(ctx context.Context, _ Step) error {
		if _, err := env.runner.discover(ctx, prometheus.Labels{}); !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("expected the running chain to stay claimed, got %v", err)
		}
		return nil
	})
	slow := Direct("slow", volume, nil)
	chain := NewChain("create_volume", "conn", volume).
		Then(slow, slow, slow, Direct("look", volume, nil))
	env.submit(t, chain)

	finished, err := env.runner.RunChain(ctx, chain.ID)
	if err != nil {
		t.Fatal(err)
	}
	if finished.Status != StatusDone {
		t.Errorf("expected the chain to be done, got %s: %s", finished.Status, finished.ErrorMessage)
	}
}

func TestThrottle_DefersAtCeiling(t *testing.T) {
	env := setupRunner(t)
	ctx := t.Context()
	env.runner.Ceiling = func(string) int { return 1 }
	ready := false
	var mu sync.Mutex
	env.registry.RegisterPoll("server_state", func(context.Context, Step) (string, error) {
		mu.Lock()
		defer mu.Unlock()
		if ready {
			return "ACTIVE", nil
		}
		return "BUILD", nil
	})
	first := NewChain("create_instance", "conn", Ref{Kind: "instance", ID: "vm-1"}).
		Then(Throttle(), record("first"), PollUntil("server_state", Ref{Kind: "instance", ID: "vm-1"}, "ACTIVE"))
	env.submit(t, first)
	env.clock.Advance(time.Second)
	second := NewChain("create_instance", "conn", Ref{Kind: "instance", ID: "vm-2"}).
		Then(Throttle(), record("second"))
	env.submit(t, second)

	// The first chain takes the only slot and waits at its poll.
	claimed, err := env.runner.discover(ctx, prometheus.Labels{})
	if err != nil || claimed.ID != first.ID {
		t.Fatalf("expected to claim the first chain, got %v (%v)", claimed, err)
	}
	if err := env.runner.process(ctx, claimed); err != nil {
		t.Fatal(err)
	}
	// The second chain is deferred, not rejected.
	claimed, err = env.runner.discover(ctx, prometheus.Labels{})
	if err != nil || claimed.ID != second.ID {
		t.Fatalf("expected to claim the second chain, got %v (%v)", claimed, err)
	}
	if err := env.runner.process(ctx, claimed); err != nil {
		t.Fatal(err)
	}
	stored, err := Load(env.runner.DB, second.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.Status != StatusWaiting || stored.Cursor != 0 || stored.Provisioning {
		t.Errorf("expected the second chain to be deferred, got %s at %d", stored.Status, stored.Cursor)
	}
	if !stored.NextRunAt.Equal(env.clock.Now().Add(30 * time.Second)) {
		t.Errorf("expected a retry after the throttle delay, got %s", stored.NextRunAt)
	}
	if got := env.entries(); strings.Join(got, "|") != "first" {
		t.Errorf("expected only the first chain to run, got %v", got)
	}

	// Finishing the first chain frees the slot.
	mu.Lock()
	ready = true
	mu.Unlock()
	if _, err := env.runner.RunChain(ctx, first.ID); err != nil {
		t.Fatal(err)
	}
	done, err := env.runner.RunChain(ctx, second.ID)
	if err != nil {
		t.Fatal(err)
	}
	if done.Status != StatusDone || done.Provisioning {
		t.Errorf("expected the second chain to be done without a slot, got %s", done.Status)
	}
	if got := env.entries(); strings.Join(got, "|") != "first|second" {
		t.Errorf("expected both chains to run, got %v", got)
	}
}

func TestGroup_RunsAllBranches(t *testing.T) {
	env := setupRunner(t)
	env.registerStates("volume_state", "creating", "available")
	chain := NewChain("create_instance", "conn", Ref{Kind: "instance", ID: "vm-1"}).
		Then(
			Group(
				[]Step{record("root"), PollUntil("volume_state", volume, "available")},
				[]Step{Direct("fail", Ref{}, Params{"name": "data"}), record("never")},
				[]Step{record("swap")},
			),
			record("server"),
		)
	env.submit(t, chain)

	done, err := env.runner.RunChain(t.Context(), chain.ID)
	if err != nil {
		t.Fatal(err)
	}
	if done.Status != StatusFailed || !strings.Contains(done.ErrorMessage, "boom") {
		t.Errorf("expected the group failure, got %s (%q)", done.Status, done.ErrorMessage)
	}
	entries := env.entries()
	seen := map[string]bool{}
	for _, e := range entries {
		seen[e] = true
	}
	if !seen["root"] || !seen["data"] || !seen["swap"] {
		t.Errorf("expected every branch to start, got %v", entries)
	}
	if seen["never"] || seen["server"] {
		t.Errorf("expected no steps after the failure, got %v", entries)
	}
}

func TestRegistry_Validate(t *testing.T) {
	env := setupRunner(t)
	env.registerStates("state", "ok")
	tests := []struct {
		name    string
		steps   []Step
		wantErr bool
	}{
		{"known steps", []Step{record("a"), PollUntil("state", volume, "ok"), Transition(volume, models.StateOK), Throttle()}, false},
		{"unknown operation", []Step{Direct("missing", volume, nil)}, true},
		{"unknown poll", []Step{PollUntil("missing", volume, "ok")}, true},
		{"throttle in group", []Step{Group([]Step{Throttle()})}, true},
		{"unknown operation in group", []Step{Group([]Step{record("a")}, []Step{Direct("missing", volume, nil)})}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := env.registry.Validate(tt.steps)
			if (err != nil) != tt.wantErr {
				t.Errorf("expected error %v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestSubmit_RejectsEmptyChain(t *testing.T) {
	env := setupRunner(t)
	if err := Submit(env.runner.DB, NewChain("empty", "conn", volume), env.clock.Now()); err == nil {
		t.Error("expected an error for a chain without steps")
	}
}
