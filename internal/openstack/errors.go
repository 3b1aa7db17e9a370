// Copyright 2025 SAP SE
// SPDX-License-Identifier: Apache-2.0

package openstack

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"

	"github.com/gophercloud/gophercloud/v2"
)

// Normalized failure of an OpenStack API call.
type BackendError struct {
	// Name of the operation that failed, e.g. "compute.create_server".
	Op string
	// HTTP status code returned by the backend, 0 if unknown.
	StatusCode int
	// Message extracted from the backend response.
	Message string
	Err     error
}

func (e *BackendError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s failed with status %d: %s", e.Op, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s failed: %s", e.Op, e.Message)
}

func (e *BackendError) Unwrap() error { return e.Err }

// The backend could not be reached. Safe to retry later.
type ConnectionError struct {
	Op  string
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("%s: connection to backend failed: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// The backend rejected the credentials.
type AuthenticationError struct {
	Op  string
	Err error
}

func (e *AuthenticationError) Error() string {
	return fmt.Sprintf("%s: authentication failed: %v", e.Op, e.Err)
}

func (e *AuthenticationError) Unwrap() error { return e.Err }

// Implemented by the gophercloud response code errors.
type statusCodeError interface {
	GetStatusCode() int
}

// Translate any error returned by gophercloud into one of the error types
// above, so that callers never need to know about gophercloud.
func normalize(op string, err error) error {
	if err == nil {
		return nil
	}
	var (
		backendErr *BackendError
		connErr    *ConnectionError
		authErr    *AuthenticationError
	)
	if errors.As(err, &backendErr) || errors.As(err, &connErr) || errors.As(err, &authErr) {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return &ConnectionError{Op: op, Err: err}
	}
	var sce statusCodeError
	if errors.As(err, &sce) {
		code := sce.GetStatusCode()
		if code == http.StatusUnauthorized {
			return &AuthenticationError{Op: op, Err: err}
		}
		msg := err.Error()
		var unexpected gophercloud.ErrUnexpectedResponseCode
		if errors.As(err, &unexpected) && len(unexpected.Body) > 0 {
			msg = string(unexpected.Body)
		}
		return &BackendError{Op: op, StatusCode: code, Message: msg, Err: err}
	}
	var netErr net.Error
	var urlErr *url.Error
	if errors.As(err, &netErr) || errors.As(err, &urlErr) {
		return &ConnectionError{Op: op, Err: err}
	}
	return &BackendError{Op: op, Message: err.Error(), Err: err}
}

// Check if the error is a backend error with the given status code.
func hasStatus(err error, code int) bool {
	var backendErr *BackendError
	return errors.As(err, &backendErr) && backendErr.StatusCode == code
}

// The remote object does not exist.
func IsNotFound(err error) bool { return hasStatus(err, http.StatusNotFound) }

// The backend refused the call because of a conflicting state or a
// duplicate, e.g. an already granted role or existing router interface.
func IsConflict(err error) bool { return hasStatus(err, http.StatusConflict) }

// Make a not found error for the given operation, used by clients that
// resolve objects by name.
func notFound(op, what string) error {
	return &BackendError{Op: op, StatusCode: http.StatusNotFound, Message: what + " not found"}
}

// Result of an existence probe.
type ProbeResult int

const (
	// The remote object still exists.
	Present ProbeResult = iota
	// The remote object is gone.
	Deleted
	// The probe failed, see Probe.Err.
	ProbeError
)

func (r ProbeResult) String() string {
	switch r {
	case Present:
		return "present"
	case Deleted:
		return "deleted"
	default:
		return "error"
	}
}

type Probe struct {
	Result ProbeResult
	Err    error
}

// Probe the existence of a remote object through its getter. A not found
// response is a regular outcome, not an error.
func ProbeWith[T any](ctx context.Context, id string, get func(context.Context, string) (T, error)) Probe {
	_, err := get(ctx, id)
	switch {
	case err == nil:
		return Probe{Result: Present}
	case IsNotFound(err):
		return Probe{Result: Deleted}
	default:
		return Probe{Result: ProbeError, Err: err}
	}
}
