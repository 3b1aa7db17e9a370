// Copyright 2025 SAP SE
// SPDX-License-Identifier: Apache-2.0

package backend

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/cobaltcore-dev/cirrus/internal/events"
	"github.com/cobaltcore-dev/cirrus/internal/models"
	"github.com/cobaltcore-dev/cirrus/internal/monitoring"
	"github.com/go-gorp/gorp"
)

// Description of how the local records of one resource kind are reconciled
// with the remote objects of a tenant.
type reconcileSpec[L models.Resource, R any] struct {
	kind    string
	locals  []L
	remotes []R
	// Backend id of a remote object.
	remoteID func(R) string
	// Structural match of a pending local record without backend id.
	match func(L, R) bool
	// Build the local record of an unknown remote object. Without this,
	// unknown remote objects are not imported.
	newLocal func(R) (L, error)
	// Copy remote fields into the local record, returning the changed
	// columns.
	update func(L, R) []string
	// Remote objects that must not touch their local record, e.g. booked
	// floating ips. They still count as present.
	skip func(L, R) bool
}

type reconcileResult struct {
	imported, pulled, cleaned int
}

// Reconcile the local records with the remote objects inside the given
// transaction. Returns the events to emit once the transaction is
// committed.
func reconcile[L models.Resource, R any](r *Reconciler, tx gorp.SqlExecutor, s reconcileSpec[L, R]) ([]events.Event, error) {
	defer monitoring.ObserveDuration(r.monitor.pullDuration, s.kind)()
	now := r.now()
	byBackendID := make(map[string]L, len(s.locals))
	var pending []L
	for _, local := range s.locals {
		if id := local.GetLifecycle().BackendID; id != "" {
			byBackendID[id] = local
		} else {
			pending = append(pending, local)
		}
	}

	var evts []events.Event
	var result reconcileResult
	seen := make(map[string]bool, len(s.remotes))
	for _, remote := range s.remotes {
		id := s.remoteID(remote)
		seen[id] = true
		local, ok := byBackendID[id]
		matched := false
		if !ok && s.match != nil {
			idx := slices.IndexFunc(pending, func(p L) bool { return s.match(p, remote) })
			if idx >= 0 {
				local, ok, matched = pending[idx], true, true
				pending = slices.Delete(pending, idx, idx+1)
				local.GetLifecycle().BackendID = id
			}
		}
		if !ok {
			if s.newLocal == nil {
				continue
			}
			created, err := s.newLocal(remote)
			if err != nil {
				return nil, err
			}
			lifecycle := created.GetLifecycle()
			lifecycle.BackendID = id
			if lifecycle.State == "" {
				lifecycle.State = models.StateOK
			}
			if err := r.insert(tx, created); err != nil {
				return nil, err
			}
			result.imported++
			evts = append(evts, r.event(events.Imported, created, nil))
			continue
		}
		if s.skip != nil && s.skip(local, remote) {
			continue
		}
		read := readGuardOf(local)
		// A mutating operation owns the record until it is stable again.
		if !read.state.IsStable() {
			if matched {
				if err := writeClaimed(tx, local, read, now); err != nil && !errors.Is(err, errChangedConcurrently) {
					return nil, err
				}
			}
			continue
		}
		changed := s.update(local, remote)
		if len(changed) == 0 && !matched {
			continue
		}
		if err := writeClaimed(tx, local, read, now); errors.Is(err, errChangedConcurrently) {
			continue
		} else if err != nil {
			return nil, err
		}
		if len(changed) > 0 {
			result.pulled++
			evts = append(evts, r.event(events.Pulled, local, map[string]any{"fields": changed}))
		}
	}

	for id, local := range byBackendID {
		if seen[id] || !local.GetLifecycle().State.IsStable() {
			continue
		}
		ok, err := claim(tx, local, readGuardOf(local))
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		if err := forgetChildren(tx, local); err != nil {
			return nil, err
		}
		if _, err := tx.Delete(local); err != nil {
			return nil, fmt.Errorf("failed to delete stale %s %s: %w", s.kind, local.GetID(), err)
		}
		result.cleaned++
		evts = append(evts, r.event(events.Cleaned, local, nil))
	}

	r.monitor.countChanges(s.kind, "imported", result.imported)
	r.monitor.countChanges(s.kind, "pulled", result.pulled)
	r.monitor.countChanges(s.kind, "cleaned", result.cleaned)
	if result != (reconcileResult{}) {
		slog.Info("backend: pulled", "kind", s.kind,
			"imported", result.imported, "pulled", result.pulled, "cleaned", result.cleaned)
	}
	return evts, nil
}

var errChangedConcurrently = errors.New("record changed since it was read")

// Columns a pull read and expects to be unchanged when it writes the record
// back. Admissions change the state, bookings change booked_by.
type readGuard struct {
	state    models.State
	booking  bool
	bookedBy string
}

func readGuardOf(res models.Resource) readGuard {
	g := readGuard{state: res.GetLifecycle().State}
	if fip, ok := res.(*models.FloatingIP); ok {
		g.booking, g.bookedBy = true, fip.BookedBy
	}
	return g
}

// Lock the row of a record for the rest of the transaction if it still
// holds the values the pull read. Returns false if another transaction
// changed it in the meantime.
func claim(tx gorp.SqlExecutor, res models.Resource, g readGuard) (bool, error) {
	query := "UPDATE " + res.TableName() + " SET state = state WHERE id = :id AND state = :state"
	params := map[string]any{"id": res.GetID(), "state": string(g.state)}
	if g.booking {
		query += " AND booked_by = :booked_by"
		params["booked_by"] = g.bookedBy
	}
	result, err := tx.Exec(query, params)
	if err != nil {
		return false, fmt.Errorf("failed to lock %s %s: %w", res.Kind(), res.GetID(), err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	if n != 1 {
		slog.Info("backend: record changed during pull, skipped", "kind", res.Kind(), "id", res.GetID())
		return false, nil
	}
	return true, nil
}

// Write back a record the pull changed, unless it was changed concurrently.
func writeClaimed(tx gorp.SqlExecutor, res models.Resource, g readGuard, now time.Time) error {
	ok, err := claim(tx, res, g)
	if err != nil {
		return err
	}
	if !ok {
		return errChangedConcurrently
	}
	res.Touch(now)
	if _, err := tx.Update(res); err != nil {
		return fmt.Errorf("failed to update %s %s: %w", res.Kind(), res.GetID(), err)
	}
	return nil
}

// Remote objects whose backend id has no local record.
func importable[L models.Resource, R any](locals []L, remotes []R, remoteID func(R) string) []R {
	known := make(map[string]bool, len(locals))
	for _, l := range locals {
		known[l.GetLifecycle().BackendID] = true
	}
	var out []R
	for _, remote := range remotes {
		if !known[remoteID(remote)] {
			out = append(out, remote)
		}
	}
	return out
}

// Local records whose backend object no longer exists.
func expired[L models.Resource, R any](locals []L, remotes []R, remoteID func(R) string) []L {
	present := make(map[string]bool, len(remotes))
	for _, remote := range remotes {
		present[remoteID(remote)] = true
	}
	var out []L
	for _, l := range locals {
		if id := l.GetLifecycle().BackendID; id != "" && !present[id] {
			out = append(out, l)
		}
	}
	return out
}

// Changed columns of a record, limited to what the field policy lets a
// pull overwrite.
type changes struct {
	policy  models.FieldPolicy
	columns []string
}

func newChanges(res models.Resource) *changes {
	return &changes{policy: res.Policy()}
}

func set[T comparable](c *changes, column string, dst *T, value T) {
	if !c.policy.Pulls(column) || *dst == value {
		return
	}
	*dst = value
	c.columns = append(c.columns, column)
}

func setList[T comparable](c *changes, column string, dst *models.JSONList[T], value []T) {
	if !c.policy.Pulls(column) || slices.Equal(*dst, value) {
		return
	}
	*dst = value
	c.columns = append(c.columns, column)
}

// Select the records of a kind that belong to the tenant.
func selectTenant[T any](exec gorp.SqlExecutor, table string, tenantID string) ([]*T, error) {
	var out []*T
	_, err := exec.Select(&out, "SELECT * FROM "+table+" WHERE tenant_id = :tenant ORDER BY created_at, id", map[string]any{"tenant": tenantID})
	if err != nil {
		return nil, fmt.Errorf("failed to select %s of tenant %s: %w", table, tenantID, err)
	}
	return out, nil
}

// Map from backend ids to local ids of a table.
func backendIDs(exec gorp.SqlExecutor, table, tenantID string) (map[string]string, error) {
	var rows []struct {
		ID        string `db:"id"`
		BackendID string `db:"backend_id"`
	}
	_, err := exec.Select(&rows, "SELECT id, backend_id FROM "+table+" WHERE tenant_id = :tenant AND backend_id <> ''", map[string]any{"tenant": tenantID})
	if err != nil {
		return nil, fmt.Errorf("failed to select backend ids of %s: %w", table, err)
	}
	out := make(map[string]string, len(rows))
	for _, row := range rows {
		out[row.BackendID] = row.ID
	}
	return out, nil
}

func invert(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[v] = k
	}
	return out
}

// Translate ids through the map, dropping unknown ones.
func translate(ids []string, m map[string]string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if mapped, ok := m[id]; ok {
			out = append(out, mapped)
		}
	}
	slices.Sort(out)
	return out
}
