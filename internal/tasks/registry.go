// Copyright 2025 SAP SE
// SPDX-License-Identifier: Apache-2.0

package tasks

import (
	"context"
	"fmt"

	"github.com/cobaltcore-dev/cirrus/internal/models"
)

// Operation of a direct step.
type Operation func(ctx context.Context, step Step) error

// Runtime state pull of a poll step. Returns Gone when the resource does
// not exist anymore.
type PollOperation func(ctx context.Context, step Step) (string, error)

// Lifecycle state change of a transition step.
type TransitionFunc func(ctx context.Context, res Ref, to models.State, message string, force bool) error

// Named operations that steps refer to. Chains only store the names, so
// every process running chains must register the same operations.
type Registry struct {
	ops        map[string]Operation
	polls      map[string]PollOperation
	transition TransitionFunc
}

func NewRegistry(transition TransitionFunc) *Registry {
	return &Registry{
		ops:        map[string]Operation{},
		polls:      map[string]PollOperation{},
		transition: transition,
	}
}

func (r *Registry) Register(name string, op Operation) {
	if _, ok := r.ops[name]; ok {
		panic("tasks: duplicate operation " + name)
	}
	r.ops[name] = op
}

func (r *Registry) RegisterPoll(name string, op PollOperation) {
	if _, ok := r.polls[name]; ok {
		panic("tasks: duplicate poll operation " + name)
	}
	r.polls[name] = op
}

func (r *Registry) operation(name string) (Operation, error) {
	op, ok := r.ops[name]
	if !ok {
		return nil, fmt.Errorf("unknown operation %q", name)
	}
	return op, nil
}

func (r *Registry) pollOperation(name string) (PollOperation, error) {
	op, ok := r.polls[name]
	if !ok {
		return nil, fmt.Errorf("unknown poll operation %q", name)
	}
	return op, nil
}

// Check that all operations of the steps are registered.
func (r *Registry) Validate(steps []Step) error {
	for _, s := range steps {
		switch s.Kind {
		case KindDirect:
			if _, err := r.operation(s.Operation); err != nil {
				return err
			}
		case KindPoll:
			if _, err := r.pollOperation(s.Operation); err != nil {
				return err
			}
			if s.Poll == nil {
				return fmt.Errorf("poll step %s has no targets", s.Operation)
			}
		case KindGroup:
			for _, branch := range s.Branches {
				for _, inner := range branch {
					if inner.Kind == KindThrottle {
						return fmt.Errorf("throttle steps cannot run inside a group")
					}
				}
				if err := r.Validate(branch); err != nil {
					return err
				}
			}
		case KindTransition, KindThrottle:
		default:
			return fmt.Errorf("unknown step kind %q", s.Kind)
		}
	}
	return nil
}
