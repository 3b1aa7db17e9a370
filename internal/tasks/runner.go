// Copyright 2025 SAP SE
// SPDX-License-Identifier: Apache-2.0

package tasks

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/cobaltcore-dev/cirrus/internal/conf"
	"github.com/cobaltcore-dev/cirrus/internal/db"
	"github.com/cobaltcore-dev/cirrus/internal/monitoring"
	"github.com/go-gorp/gorp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sapcc/go-bits/jobloop"
	"golang.org/x/sync/errgroup"
)

// Runtime states that fail a poll if the step does not name its own.
var DefaultErred = []string{"ERROR", "error", "error_deleting", "error_extending", "error_restoring"}

// Error of a poll that reached an erred runtime state.
type StateError struct {
	Resource Ref
	State    string
}

func (e *StateError) Error() string {
	return fmt.Sprintf("%s reached erred state %s", e.Resource, e.State)
}

// Error of a poll that did not reach its target in time.
type TimeoutError struct {
	Resource Ref
	Waited   time.Duration
	Targets  []string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s did not reach %v within %s", e.Resource, e.Targets, e.Waited)
}

// Executes persisted chains step by step.
type Runner struct {
	DB       *db.DB
	Registry *Registry
	Config   conf.TasksConfig
	// Provisioning ceiling of a service connection. Without it the
	// configured default applies.
	Ceiling func(connID string) int

	monitor Monitor
	timeNow func() time.Time
	sleep   func(ctx context.Context, d time.Duration) error
	jitter  func(time.Duration) time.Duration
}

func NewRunner(database *db.DB, registry *Registry, config conf.TasksConfig, monitor Monitor) *Runner {
	return &Runner{
		DB:       database,
		Registry: registry,
		Config:   config,
		monitor:  monitor,
		timeNow:  time.Now,
		sleep:    sleep,
		jitter:   jobloop.DefaultJitter,
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

func (r *Runner) now() time.Time {
	return r.timeNow().UTC()
}

// Job that discovers runnable chains and processes them. Run it with
// jobloop.NumGoroutines to process several chains in parallel.
func (r *Runner) Job(registerer prometheus.Registerer) jobloop.Job {
	return (&jobloop.ProducerConsumerJob[*Chain]{
		Metadata: jobloop.JobMetadata{
			ReadableName:    "run task chains",
			ConcurrencySafe: true,
			CounterOpts: prometheus.CounterOpts{
				Name: "cirrus_task_chain_runs",
				Help: "Counter for runs of task chains until they finish or yield.",
			},
			CounterLabels: []string{"chain"},
		},
		DiscoverTask: r.discover,
		ProcessTask:  r.processChain,
	}).Setup(registerer)
}

// Chains that stay claimed longer than this are considered abandoned by a
// crashed worker and are claimed again.
func (r *Runner) staleAfter() time.Duration {
	return 2 * r.Config.PollTimeout()
}

func (r *Runner) discover(_ context.Context, labels prometheus.Labels) (*Chain, error) {
	for range 5 {
		now := r.now()
		var chain Chain
		err := r.DB.SelectOne(&chain, `SELECT * FROM task_chains
			WHERE (status IN (:pending, :waiting) AND next_run_at <= :now) OR (status = :running AND claimed_at < :stale)
			ORDER BY next_run_at, created_at LIMIT 1`, map[string]any{
			"pending": StatusPending, "waiting": StatusWaiting, "running": StatusRunning,
			"now": now, "stale": now.Add(-r.staleAfter()),
		})
		if err != nil {
			return nil, err
		}
		claimed, err := r.claim(&chain, now)
		if err != nil {
			return nil, err
		}
		if claimed {
			labels["chain"] = chain.Name
			return &chain, nil
		}
	}
	// Other workers were faster, try again later.
	return nil, sql.ErrNoRows
}

// Claim the chain for this worker. Fails silently if another worker
// changed it since it was read.
func (r *Runner) claim(chain *Chain, now time.Time) (bool, error) {
	result, err := r.DB.Exec(`UPDATE task_chains SET status = :running, claimed_at = :now, modified_at = :now
		WHERE id = :id AND status = :status AND modified_at = :modified`, map[string]any{
		"running": StatusRunning, "now": now, "id": chain.ID, "status": chain.Status, "modified": chain.ModifiedAt,
	})
	if err != nil {
		return false, fmt.Errorf("failed to claim chain %s: %w", chain.ID, err)
	}
	n, err := result.RowsAffected()
	if err != nil || n != 1 {
		return false, err
	}
	chain.Status, chain.ClaimedAt, chain.ModifiedAt = StatusRunning, now, now
	return true, nil
}

func (r *Runner) processChain(ctx context.Context, chain *Chain, labels prometheus.Labels) error {
	labels["chain"] = chain.Name
	return r.process(ctx, chain)
}

// Run a claimed chain from its cursor until it finishes or yields.
func (r *Runner) process(ctx context.Context, chain *Chain) error {
	for chain.Cursor < len(chain.Steps) {
		step := chain.Steps[chain.Cursor]
		wait, err := r.runTopLevel(ctx, chain, step)
		if err != nil && ctx.Err() != nil {
			// Shutdown, leave the chain to the next worker.
			return errors.Join(err, r.yield(chain, 0))
		}
		if err != nil {
			return r.fail(ctx, chain, step, err)
		}
		if wait > 0 {
			return r.yield(chain, wait)
		}
		chain.Cursor++
		chain.PollStartedAt = time.Time{}
		if err := r.save(chain); err != nil {
			return err
		}
	}
	for _, step := range chain.OnSuccess {
		if err := r.runStep(ctx, chain, step); err != nil {
			return r.fail(ctx, chain, step, err)
		}
	}
	return r.finish(chain, StatusDone)
}

// Run a top-level step. Polls and the throttle return the delay after
// which the chain continues with the same step, instead of blocking.
func (r *Runner) runTopLevel(ctx context.Context, chain *Chain, step Step) (time.Duration, error) {
	switch step.Kind {
	case KindThrottle:
		admitted, err := r.admit(chain)
		if err != nil || admitted {
			return 0, err
		}
		return r.jitter(r.Config.ThrottleRetry()), nil
	case KindPoll:
		defer monitoring.ObserveDuration(r.monitor.stepDuration, string(step.Kind), step.Operation)()
		spec := r.pollSpec(step.Poll)
		now := r.now()
		if chain.PollStartedAt.IsZero() {
			chain.PollStartedAt = now
			if spec.InitialDelay > 0 {
				return spec.InitialDelay, nil
			}
		}
		done, err := r.pollOnce(ctx, step, spec)
		if err != nil || done {
			return 0, err
		}
		if waited := now.Sub(chain.PollStartedAt); waited >= spec.Timeout {
			return 0, &TimeoutError{Resource: step.Resource, Waited: waited, Targets: spec.targets()}
		}
		return r.jitter(spec.Interval), nil
	default:
		return 0, r.runStep(ctx, chain, step)
	}
}

// Run a step to completion.
func (r *Runner) runStep(ctx context.Context, chain *Chain, step Step) error {
	defer monitoring.ObserveDuration(r.monitor.stepDuration, string(step.Kind), step.Operation)()
	switch step.Kind {
	case KindDirect:
		op, err := r.Registry.operation(step.Operation)
		if err != nil {
			return err
		}
		return op(ctx, step)
	case KindTransition:
		return r.Registry.transition(ctx, step.Resource, step.State, step.Message, step.Force)
	case KindPoll:
		return r.pollBlocking(ctx, step)
	case KindGroup:
		return r.runGroup(ctx, chain, step)
	case KindThrottle:
		return errors.New("throttle steps must be top-level steps")
	default:
		return fmt.Errorf("unknown step kind %q", step.Kind)
	}
}

// Run the branches of a group in parallel. All branches run to their end,
// the errors of failed branches are joined.
func (r *Runner) runGroup(ctx context.Context, chain *Chain, step Step) error {
	var g errgroup.Group
	errs := make([]error, len(step.Branches))
	for i, branch := range step.Branches {
		g.Go(func() error {
			for _, s := range branch {
				if err := r.runStep(ctx, chain, s); err != nil {
					errs[i] = fmt.Errorf("%s: %w", s, err)
					return errs[i]
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return errors.Join(errs...)
	}
	return nil
}

func (r *Runner) pollSpec(spec *PollSpec) PollSpec {
	var out PollSpec
	if spec != nil {
		out = *spec
	}
	if out.Interval <= 0 {
		out.Interval = r.Config.PollInterval()
	}
	if out.Timeout <= 0 {
		out.Timeout = r.Config.PollTimeout()
	}
	if out.Erred == nil {
		out.Erred = DefaultErred
	}
	return out
}

func (s PollSpec) targets() []string {
	if s.UntilGone {
		return []string{"deleted"}
	}
	return s.Success
}

// Pull the runtime state once and report whether the target is reached.
func (r *Runner) pollOnce(ctx context.Context, step Step, spec PollSpec) (bool, error) {
	op, err := r.Registry.pollOperation(step.Operation)
	if err != nil {
		return false, err
	}
	state, err := op(ctx, step)
	if err != nil {
		return false, err
	}
	switch {
	case state == Gone && spec.UntilGone:
		return true, nil
	case state == Gone:
		return false, fmt.Errorf("%s disappeared while waiting for %v", step.Resource, spec.Success)
	case slices.Contains(spec.Success, state):
		return true, nil
	case slices.Contains(spec.Erred, state):
		return false, &StateError{Resource: step.Resource, State: state}
	}
	slog.Debug("tasks: waiting for runtime state", "resource", step.Resource.String(), "state", state, "targets", spec.targets())
	return false, nil
}

func (r *Runner) pollBlocking(ctx context.Context, step Step) error {
	spec := r.pollSpec(step.Poll)
	started := r.now()
	if spec.InitialDelay > 0 {
		if err := r.sleep(ctx, spec.InitialDelay); err != nil {
			return err
		}
	}
	for {
		done, err := r.pollOnce(ctx, step, spec)
		if err != nil || done {
			return err
		}
		if waited := r.now().Sub(started); waited >= spec.Timeout {
			return &TimeoutError{Resource: step.Resource, Waited: waited, Targets: spec.targets()}
		}
		if err := r.sleep(ctx, spec.Interval); err != nil {
			return err
		}
	}
}

// Run the failure steps and mark the chain failed. Failure steps run to
// their end even if one of them fails.
func (r *Runner) fail(ctx context.Context, chain *Chain, step Step, err error) error {
	slog.Error("tasks: chain failed", "chain", chain.Name, "id", chain.ID, "step", step.String(), "error", err)
	chain.ErrorMessage = err.Error()
	for _, s := range chain.OnFailure {
		if s.Kind == KindTransition && s.Message == "" {
			s.Message = chain.ErrorMessage
		}
		if ferr := r.runStep(ctx, chain, s); ferr != nil {
			slog.Error("tasks: failure step failed", "chain", chain.Name, "id", chain.ID, "step", s.String(), "error", ferr)
		}
	}
	return r.finish(chain, StatusFailed)
}

func (r *Runner) finish(chain *Chain, status Status) error {
	chain.Status = status
	chain.Provisioning = false
	chain.PollStartedAt = time.Time{}
	if err := r.save(chain); err != nil {
		return err
	}
	r.monitor.finished(chain)
	slog.Info("tasks: chain finished", "chain", chain.Name, "id", chain.ID, "status", status,
		"resource", chain.Resource().String(), "duration", r.now().Sub(chain.CreatedAt))
	return nil
}

func (r *Runner) yield(chain *Chain, wait time.Duration) error {
	chain.Status = StatusWaiting
	chain.NextRunAt = r.now().Add(wait)
	return r.save(chain)
}

// Error of a save after another worker reclaimed the chain. The progress
// of this worker is dropped.
var ErrClaimLost = errors.New("chain was reclaimed by another worker")

// Save the chain if it is unchanged since this worker claimed or last
// saved it. Saving a running chain renews its claim.
func (r *Runner) save(chain *Chain) error {
	previous := chain.ModifiedAt
	now := r.now()
	err := r.DB.InTransaction(func(tx *gorp.Transaction) error {
		result, err := tx.Exec("UPDATE task_chains SET modified_at = :now WHERE id = :id AND modified_at = :previous",
			map[string]any{"now": now, "id": chain.ID, "previous": previous})
		if err != nil {
			return err
		}
		if n, err := result.RowsAffected(); err != nil {
			return err
		} else if n != 1 {
			return ErrClaimLost
		}
		chain.ModifiedAt = now
		if chain.Status == StatusRunning {
			chain.ClaimedAt = now
		}
		_, err = tx.Update(chain)
		return err
	})
	if err != nil {
		chain.ModifiedAt = previous
		if errors.Is(err, ErrClaimLost) {
			slog.Warn("tasks: chain was reclaimed, dropping progress", "chain", chain.Name, "id", chain.ID, "cursor", chain.Cursor)
		}
		return fmt.Errorf("failed to save chain %s: %w", chain.ID, err)
	}
	return nil
}

// Run a chain inline until it is finished, waiting for polls and the
// throttle in between.
func (r *Runner) RunChain(ctx context.Context, chainID string) (*Chain, error) {
	for {
		chain, err := Load(r.DB, chainID)
		if err != nil {
			return nil, err
		}
		if chain.Finished() {
			return chain, nil
		}
		if wait := chain.NextRunAt.Sub(r.now()); wait > 0 {
			if err := r.sleep(ctx, wait); err != nil {
				return chain, err
			}
		}
		claimed, err := r.claim(chain, r.now())
		if err != nil {
			return chain, err
		}
		if !claimed {
			return chain, fmt.Errorf("chain %s is claimed by another worker", chainID)
		}
		if err := r.process(ctx, chain); err != nil {
			return chain, err
		}
	}
}

// Run every unfinished chain inline, oldest first.
func (r *Runner) RunAll(ctx context.Context) error {
	var ids []string
	_, err := r.DB.Select(&ids, "SELECT id FROM task_chains WHERE status IN (:pending, :waiting) ORDER BY created_at, id",
		map[string]any{"pending": StatusPending, "waiting": StatusWaiting})
	if err != nil {
		return fmt.Errorf("failed to select unfinished chains: %w", err)
	}
	var errs []error
	for _, id := range ids {
		if _, err := r.RunChain(ctx, id); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
