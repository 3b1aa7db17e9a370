// Copyright 2025 SAP SE
// SPDX-License-Identifier: Apache-2.0

package backend

import (
	"fmt"

	"github.com/cobaltcore-dev/cirrus/internal/models"
)

// Local invariant violation, detected before any backend call.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

func invalid(format string, args ...any) error {
	return &ValidationError{Message: fmt.Sprintf(format, args...)}
}

// A new operation was requested for a resource that is not stable.
type ConflictError struct {
	Kind  string
	ID    string
	State models.State
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s %s is in state %s, wait for the running operation to finish", e.Kind, e.ID, e.State)
}

// The backend reported an erred runtime state together with a reason.
type FaultError struct {
	Status  string
	Message string
}

func (e *FaultError) Error() string {
	return fmt.Sprintf("runtime state %s: %s", e.Status, e.Message)
}
