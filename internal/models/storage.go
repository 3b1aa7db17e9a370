// Copyright 2025 SAP SE
// SPDX-License-Identifier: Apache-2.0

package models

import (
	"database/sql/driver"
	"encoding/json"
	"time"
)

// Volume sizes are in MB.
type Volume struct {
	Base
	Lifecycle
	TenantRef
	InstanceID       string `db:"instance_id"`
	SourceSnapshotID string `db:"source_snapshot_id"`
	Description      string `db:"description"`
	Size             int64  `db:"size"`
	Bootable         bool   `db:"bootable"`
	VolumeType       string `db:"volume_type"`
	AvailabilityZone string `db:"availability_zone"`
	ImageID          string `db:"image_id"`
	Device           string `db:"device"`
}

func (Volume) TableName() string   { return "volumes" }
func (Volume) Kind() string        { return KindVolume }
func (Volume) Policy() FieldPolicy { return VolumePolicy }

type Snapshot struct {
	Base
	Lifecycle
	TenantRef
	SourceVolumeID string `db:"source_volume_id"`
	Description    string `db:"description"`
	Size           int64  `db:"size"`
	// Zero if the snapshot is kept forever.
	KeptUntil          time.Time `db:"kept_until"`
	SnapshotScheduleID string    `db:"snapshot_schedule_id"`
	BackupID           string    `db:"backup_id"`
}

func (Snapshot) TableName() string   { return "snapshots" }
func (Snapshot) Kind() string        { return KindSnapshot }
func (Snapshot) Policy() FieldPolicy { return SnapshotPolicy }

// Attributes of the source instance needed to restore a backup.
type BackupMetadata struct {
	FlavorName       string            `json:"flavor_name"`
	ImageID          string            `json:"image_id"`
	AvailabilityZone string            `json:"availability_zone"`
	ServerGroupID    string            `json:"server_group_id,omitempty"`
	SecurityGroupIDs []string          `json:"security_group_ids"`
	SubNetIDs        []string          `json:"subnet_ids"`
	SSHPublicKey     string            `json:"ssh_public_key,omitempty"`
	UserData         string            `json:"user_data,omitempty"`
	Volumes          []BackupVolume    `json:"volumes"`
	Extra            map[string]string `json:"extra,omitempty"`
}

type BackupVolume struct {
	VolumeID   string `json:"volume_id"`
	Size       int64  `json:"size"`
	Bootable   bool   `json:"bootable"`
	Device     string `json:"device"`
	VolumeType string `json:"volume_type"`
}

func (m BackupMetadata) Value() (driver.Value, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

func (m *BackupMetadata) Scan(src any) error {
	data, err := scanBytes(src)
	if err != nil || len(data) == 0 {
		*m = BackupMetadata{}
		return err
	}
	return json.Unmarshal(data, m)
}

type Backup struct {
	Base
	Lifecycle
	TenantRef
	InstanceID       string         `db:"instance_id"`
	BackupScheduleID string         `db:"backup_schedule_id"`
	Description      string         `db:"description"`
	Metadata         BackupMetadata `db:"metadata"`
	KeptUntil        time.Time      `db:"kept_until"`
}

func (Backup) TableName() string   { return "backups" }
func (Backup) Kind() string        { return KindBackup }
func (Backup) Policy() FieldPolicy { return BackupPolicy }

// Columns shared by backup and snapshot schedules.
type ScheduleSpec struct {
	// Cron expression, e.g. "0 3 * * *".
	Schedule string `db:"schedule"`
	Timezone string `db:"timezone"`
	// Days a created resource is kept, 0 to keep forever.
	RetentionTime int `db:"retention_time"`
	// Oldest resources are removed beyond this count, 0 for no limit.
	MaximalNumberOfResources int       `db:"maximal_number_of_resources"`
	IsActive                 bool      `db:"is_active"`
	NextTriggerAt            time.Time `db:"next_trigger_at"`
	CallCount                int       `db:"call_count"`
	// Consecutive failed triggers, the schedule is deactivated at a limit.
	FailureCount int    `db:"failure_count"`
	ErrorMessage string `db:"error_message"`
}

type BackupSchedule struct {
	Base
	TenantRef
	ScheduleSpec
	InstanceID string `db:"instance_id"`
}

func (BackupSchedule) TableName() string { return "backup_schedules" }

type SnapshotSchedule struct {
	Base
	TenantRef
	ScheduleSpec
	VolumeID string `db:"volume_id"`
}

func (SnapshotSchedule) TableName() string { return "snapshot_schedules" }
