// Copyright 2025 SAP SE
// SPDX-License-Identifier: Apache-2.0

package executors

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cobaltcore-dev/cirrus/internal/backend"
	"github.com/cobaltcore-dev/cirrus/internal/models"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"
	"github.com/sapcc/go-bits/jobloop"
)

// Consecutive failures after which a schedule is deactivated.
const maxScheduleFailures = 3

type ScheduleRequest struct {
	// Instance of a backup schedule or volume of a snapshot schedule.
	SourceID string
	Name     string
	// Standard five field cron expression.
	Schedule string
	// IANA time zone the expression is evaluated in, UTC if empty.
	Timezone string
	// Days a created resource is kept, 0 to keep forever.
	RetentionTime            int
	MaximalNumberOfResources int
}

// Next time a schedule triggers after the given time.
func NextTriggerAt(spec models.ScheduleSpec, after time.Time) (time.Time, error) {
	schedule, err := cron.ParseStandard(spec.Schedule)
	if err != nil {
		return time.Time{}, invalid("invalid schedule %q: %s", spec.Schedule, err)
	}
	loc := time.UTC
	if spec.Timezone != "" {
		loc, err = time.LoadLocation(spec.Timezone)
		if err != nil {
			return time.Time{}, invalid("invalid timezone %q", spec.Timezone)
		}
	}
	return schedule.Next(after.In(loc)).UTC(), nil
}

func (e *Executor) scheduleSpec(req ScheduleRequest) (models.ScheduleSpec, error) {
	if strings.TrimSpace(req.Name) == "" {
		return models.ScheduleSpec{}, invalid("schedule name must not be empty")
	}
	if strings.HasPrefix(req.Schedule, "CRON_TZ=") || strings.HasPrefix(req.Schedule, "TZ=") {
		return models.ScheduleSpec{}, invalid("the timezone must be given separately from the schedule")
	}
	if req.RetentionTime < 0 || req.MaximalNumberOfResources < 0 {
		return models.ScheduleSpec{}, invalid("retention time and maximal number of resources must not be negative")
	}
	spec := models.ScheduleSpec{
		Schedule:                 req.Schedule,
		Timezone:                 req.Timezone,
		RetentionTime:            req.RetentionTime,
		MaximalNumberOfResources: req.MaximalNumberOfResources,
		IsActive:                 true,
	}
	next, err := NextTriggerAt(spec, e.now())
	if err != nil {
		return spec, err
	}
	spec.NextTriggerAt = next
	return spec, nil
}

func (e *Executor) CreateBackupSchedule(req ScheduleRequest) (*models.BackupSchedule, error) {
	spec, err := e.scheduleSpec(req)
	if err != nil {
		return nil, err
	}
	inst, err := loadAs[*models.Instance](e.DB, models.KindInstance, req.SourceID)
	if err != nil {
		return nil, err
	}
	schedule := &models.BackupSchedule{
		TenantRef:    models.TenantRef{TenantID: inst.TenantID},
		ScheduleSpec: spec,
		InstanceID:   inst.ID,
	}
	schedule.Name = req.Name
	schedule.Init(e.now())
	if err := e.DB.Insert(schedule); err != nil {
		return nil, fmt.Errorf("failed to insert backup schedule %s: %w", schedule.Name, err)
	}
	return schedule, nil
}

func (e *Executor) CreateSnapshotSchedule(req ScheduleRequest) (*models.SnapshotSchedule, error) {
	spec, err := e.scheduleSpec(req)
	if err != nil {
		return nil, err
	}
	volume, err := loadAs[*models.Volume](e.DB, models.KindVolume, req.SourceID)
	if err != nil {
		return nil, err
	}
	schedule := &models.SnapshotSchedule{
		TenantRef:    models.TenantRef{TenantID: volume.TenantID},
		ScheduleSpec: spec,
		VolumeID:     volume.ID,
	}
	schedule.Name = req.Name
	schedule.Init(e.now())
	if err := e.DB.Insert(schedule); err != nil {
		return nil, fmt.Errorf("failed to insert snapshot schedule %s: %w", schedule.Name, err)
	}
	return schedule, nil
}

// Remove a schedule. Resources it created are kept.
func (e *Executor) DeleteBackupSchedule(id string) error {
	return e.deleteSchedule(models.BackupSchedule{}.TableName(), id)
}

func (e *Executor) DeleteSnapshotSchedule(id string) error {
	return e.deleteSchedule(models.SnapshotSchedule{}.TableName(), id)
}

func (e *Executor) deleteSchedule(table, id string) error {
	result, err := e.DB.Exec("DELETE FROM "+table+" WHERE id = :id", map[string]any{"id": id})
	if err != nil {
		return fmt.Errorf("failed to delete schedule %s: %w", id, err)
	}
	if n, err := result.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return invalid("schedule %s does not exist", id)
	}
	return nil
}

// Reactivate a schedule, e.g. after it was deactivated by failures.
func (e *Executor) ActivateSchedule(table, id string) error {
	if table != (models.BackupSchedule{}).TableName() && table != (models.SnapshotSchedule{}).TableName() {
		return fmt.Errorf("unknown schedule table %q", table)
	}
	var spec models.ScheduleSpec
	err := e.DB.SelectOne(&spec, "SELECT schedule, timezone FROM "+table+" WHERE id = :id", map[string]any{"id": id})
	if errors.Is(err, sql.ErrNoRows) {
		return invalid("schedule %s does not exist", id)
	}
	if err != nil {
		return fmt.Errorf("failed to load schedule %s: %w", id, err)
	}
	next, err := NextTriggerAt(spec, e.now())
	if err != nil {
		return err
	}
	_, err = e.DB.Exec("UPDATE "+table+" SET is_active = :active, failure_count = 0, error_message = '', next_trigger_at = :next WHERE id = :id",
		map[string]any{"active": true, "next": next, "id": id})
	if err != nil {
		return fmt.Errorf("failed to activate schedule %s: %w", id, err)
	}
	return nil
}

////////////////////////////////////////////////////////////////////////////////
// schedule job

// Schedule that is due, claimed by one worker.
type dueSchedule struct {
	table    string
	id       string
	name     string
	sourceID string
	spec     models.ScheduleSpec
}

func (s dueSchedule) isBackup() bool {
	return s.table == models.BackupSchedule{}.TableName()
}

// Job that triggers due backup and snapshot schedules and removes the
// resources they created once these are expired or too many.
func (e *Executor) ScheduleJob(registerer prometheus.Registerer) jobloop.Job {
	return (&jobloop.ProducerConsumerJob[dueSchedule]{
		Metadata: jobloop.JobMetadata{
			ReadableName:    "trigger backup and snapshot schedules",
			ConcurrencySafe: true,
			CounterOpts: prometheus.CounterOpts{
				Name: "cirrus_schedule_triggers",
				Help: "Counter for triggers of backup and snapshot schedules.",
			},
			CounterLabels: []string{"kind"},
		},
		DiscoverTask: e.discoverSchedule,
		ProcessTask:  e.processSchedule,
	}).Setup(registerer)
}

func (e *Executor) discoverSchedule(_ context.Context, labels prometheus.Labels) (dueSchedule, error) {
	now := e.now()
	for range 5 {
		s, err := e.dueBackupSchedule(now)
		if errors.Is(err, sql.ErrNoRows) {
			s, err = e.dueSnapshotSchedule(now)
		}
		if err != nil {
			return s, err
		}
		next, err := NextTriggerAt(s.spec, now)
		if err != nil {
			// Unparseable schedules are deactivated so that they are not
			// discovered again.
			e.recordScheduleFailure(s, maxScheduleFailures, err)
			continue
		}
		// Conditional update, concurrent workers claim each trigger once.
		result, err := e.DB.Exec("UPDATE "+s.table+" SET next_trigger_at = :next WHERE id = :id AND next_trigger_at = :previous",
			map[string]any{"next": next, "id": s.id, "previous": s.spec.NextTriggerAt})
		if err != nil {
			return s, fmt.Errorf("failed to claim schedule %s: %w", s.id, err)
		}
		if n, err := result.RowsAffected(); err != nil {
			return s, err
		} else if n == 1 {
			if s.isBackup() {
				labels["kind"] = "backup"
			} else {
				labels["kind"] = "snapshot"
			}
			return s, nil
		}
	}
	return dueSchedule{}, sql.ErrNoRows
}

const dueScheduleQuery = "SELECT * FROM %s WHERE is_active = :active AND next_trigger_at <= :now ORDER BY next_trigger_at, id LIMIT 1"

func (e *Executor) dueBackupSchedule(now time.Time) (dueSchedule, error) {
	var s models.BackupSchedule
	err := e.DB.SelectOne(&s, fmt.Sprintf(dueScheduleQuery, s.TableName()), map[string]any{"active": true, "now": now})
	if err != nil {
		return dueSchedule{}, err
	}
	return dueSchedule{table: s.TableName(), id: s.ID, name: s.Name, sourceID: s.InstanceID, spec: s.ScheduleSpec}, nil
}

func (e *Executor) dueSnapshotSchedule(now time.Time) (dueSchedule, error) {
	var s models.SnapshotSchedule
	err := e.DB.SelectOne(&s, fmt.Sprintf(dueScheduleQuery, s.TableName()), map[string]any{"active": true, "now": now})
	if err != nil {
		return dueSchedule{}, err
	}
	return dueSchedule{table: s.TableName(), id: s.ID, name: s.Name, sourceID: s.VolumeID, spec: s.ScheduleSpec}, nil
}

func (e *Executor) processSchedule(_ context.Context, s dueSchedule, _ prometheus.Labels) error {
	now := e.now()
	if err := e.cleanupSchedule(s, now); err != nil {
		slog.Warn("executors: schedule cleanup failed", "schedule", s.id, "error", err)
	}
	var keptUntil time.Time
	if s.spec.RetentionTime > 0 {
		keptUntil = now.AddDate(0, 0, s.spec.RetentionTime)
	}
	name := fmt.Sprintf("%s-%s", s.name, now.Format("20060102-1504"))
	var err error
	if s.isBackup() {
		_, err = e.CreateBackup(BackupRequest{
			InstanceID:  s.sourceID,
			Name:        name,
			Description: "created by schedule " + s.name,
			KeptUntil:   keptUntil,
			ScheduleID:  s.id,
		})
	} else {
		_, err = e.CreateSnapshot(SnapshotRequest{
			VolumeID:    s.sourceID,
			Name:        name,
			Description: "created by schedule " + s.name,
			KeptUntil:   keptUntil,
			ScheduleID:  s.id,
		})
	}
	if err != nil {
		e.recordScheduleFailure(s, s.spec.FailureCount+1, err)
		return fmt.Errorf("schedule %s failed: %w", s.name, err)
	}
	_, err = e.DB.Exec("UPDATE "+s.table+" SET call_count = call_count + 1, failure_count = 0, error_message = '' WHERE id = :id",
		map[string]any{"id": s.id})
	if err != nil {
		return fmt.Errorf("failed to record trigger of schedule %s: %w", s.id, err)
	}
	return nil
}

func (e *Executor) recordScheduleFailure(s dueSchedule, failures int, cause error) {
	active := failures < maxScheduleFailures
	_, err := e.DB.Exec("UPDATE "+s.table+" SET failure_count = :failures, error_message = :msg, is_active = :active WHERE id = :id",
		map[string]any{"failures": failures, "msg": cause.Error(), "active": active, "id": s.id})
	if err != nil {
		slog.Error("executors: failed to record schedule failure", "schedule", s.id, "error", err)
	}
	if !active {
		slog.Warn("executors: schedule deactivated", "schedule", s.id, "failures", failures, "error", cause)
	}
}

// Delete the expired resources of a schedule and the oldest ones beyond
// its maximal number, making room for the next one.
func (e *Executor) cleanupSchedule(s dueSchedule, now time.Time) error {
	type created struct {
		res       models.Resource
		keptUntil time.Time
	}
	var resources []created
	params := map[string]any{"id": s.id, "deleting": string(models.StateDeleting), "scheduled": string(models.StateDeletionScheduled)}
	if s.isBackup() {
		var backups []*models.Backup
		_, err := e.DB.Select(&backups, `SELECT * FROM backups WHERE backup_schedule_id = :id
			AND state NOT IN (:deleting, :scheduled) ORDER BY created_at, id`, params)
		if err != nil {
			return fmt.Errorf("failed to select backups of schedule %s: %w", s.id, err)
		}
		for _, b := range backups {
			resources = append(resources, created{b, b.KeptUntil})
		}
	} else {
		var snapshots []*models.Snapshot
		_, err := e.DB.Select(&snapshots, `SELECT * FROM snapshots WHERE snapshot_schedule_id = :id AND backup_id = ''
			AND state NOT IN (:deleting, :scheduled) ORDER BY created_at, id`, params)
		if err != nil {
			return fmt.Errorf("failed to select snapshots of schedule %s: %w", s.id, err)
		}
		for _, snap := range snapshots {
			resources = append(resources, created{snap, snap.KeptUntil})
		}
	}

	var doomed []models.Resource
	var kept []models.Resource
	for _, r := range resources {
		if !r.keptUntil.IsZero() && r.keptUntil.Before(now) {
			doomed = append(doomed, r.res)
		} else {
			kept = append(kept, r.res)
		}
	}
	if limit := s.spec.MaximalNumberOfResources; limit > 0 {
		// one slot is needed for the resource about to be created
		if excess := len(kept) + 1 - limit; excess > 0 {
			doomed = append(doomed, kept[:min(excess, len(kept))]...)
		}
	}

	var errs []error
	for _, res := range doomed {
		var err error
		switch res := res.(type) {
		case *models.Backup:
			_, err = e.DeleteBackup(res.ID)
		case *models.Snapshot:
			_, err = e.deleteSnapshot(res)
		}
		var conflictErr *backend.ConflictError
		if errors.As(err, &conflictErr) {
			// still busy, retried at the next trigger
			continue
		}
		if err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
