/*
 * Warden
 * Copyright (C) 2024  Corvo Systems, Inc.
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 */

// Package backup implements the nightly backup pipeline: database exports,
// file and configuration captures, archive encryption, cloud upload,
// retention, verification and restore testing.
package backup

import (
	"strings"
	"time"

	"github.com/gravitational/trace"
)

// Type classifies a backup run by its schedule.
type Type string

const (
	// TypeDaily is the nightly full backup.
	TypeDaily Type = "daily"
	// TypeWeekly is the weekly consolidation backup.
	TypeWeekly Type = "weekly"
	// TypeMonthly is the long retention monthly backup.
	TypeMonthly Type = "monthly"
	// TypeEmergency is an operator-triggered out-of-band backup.
	TypeEmergency Type = "emergency"
)

// Check validates the backup type.
func (t Type) Check() error {
	switch t {
	case TypeDaily, TypeWeekly, TypeMonthly, TypeEmergency:
		return nil
	}
	return trace.BadParameter("unknown backup type %q", t)
}

// Trigger records what started a backup run.
type Trigger string

const (
	// TriggerScheduled marks a run started by the scheduler.
	TriggerScheduled Trigger = "scheduled"
	// TriggerManual marks a run started from the command line.
	TriggerManual Trigger = "manual"
	// TriggerEmergency marks an out-of-band run forced by an operator.
	TriggerEmergency Trigger = "emergency"
)

// Status is the terminal state of a backup run.
type Status string

const (
	// StatusCompleted marks a run whose artifact was produced and recorded.
	StatusCompleted Status = "completed"
	// StatusFailed marks a run that did not produce an artifact.
	StatusFailed Status = "failed"
)

// ComponentKind names what a backup component captured.
type ComponentKind string

const (
	// KindDBNative is a database export produced by the native tool.
	KindDBNative ComponentKind = "db-native"
	// KindDBFallback is a driver-level document export.
	KindDBFallback ComponentKind = "db-fallback"
	// KindFiles is the uploaded files capture.
	KindFiles ComponentKind = "files"
	// KindConfiguration is the configuration capture.
	KindConfiguration ComponentKind = "configuration"
	// KindEncryptedKeys is the encryption key material capture.
	KindEncryptedKeys ComponentKind = "encrypted-keys"
	// KindSource is the application source capture.
	KindSource ComponentKind = "source"
)

// ComponentRecord describes one artifact inside a backup run.
type ComponentRecord struct {
	// Kind is what the component captured.
	Kind ComponentKind `bson:"kind" json:"kind"`
	// Label names the component, for databases it is the database name.
	Label string `bson:"label" json:"label"`
	// ArtifactPath is the component file relative to the run workdir.
	ArtifactPath string `bson:"artifact_path" json:"artifactPath"`
	// ByteSize is the component size on disk.
	ByteSize int64 `bson:"byte_size" json:"byteSize"`
	// Timestamp is when the component finished.
	Timestamp time.Time `bson:"timestamp" json:"timestamp"`
	// Method records how a database component was produced.
	Method string `bson:"method,omitempty" json:"method,omitempty"`
	// Collections lists the collections a document export included.
	Collections []string `bson:"collections,omitempty" json:"collectionsIncluded,omitempty"`
}

// CloudStatus records the cloud upload outcome of a run.
type CloudStatus struct {
	Uploaded   bool      `bson:"uploaded" json:"uploaded"`
	Provider   string    `bson:"provider,omitempty" json:"provider,omitempty"`
	Key        string    `bson:"key,omitempty" json:"key,omitempty"`
	URL        string    `bson:"url,omitempty" json:"url,omitempty"`
	UploadedAt time.Time `bson:"uploaded_at" json:"uploadedAt,omitzero"`
	// DeletedAt is when the cloud sweep removed the replica of a
	// retention deleted run.
	DeletedAt time.Time `bson:"deleted_at,omitempty" json:"deletedAt,omitzero"`
	// Error keeps the upload failure. Uploads are retried out of band, a
	// failed upload does not fail the run.
	Error string `bson:"error,omitempty" json:"error,omitempty"`
}

// VerifyStatus grades a verification report.
type VerifyStatus string

const (
	VerifyExcellent VerifyStatus = "excellent"
	VerifyGood      VerifyStatus = "good"
	VerifyWarning   VerifyStatus = "warning"
	VerifyFailed    VerifyStatus = "failed"
	// VerifyError marks a verification that could not run to completion.
	VerifyError VerifyStatus = "error"
)

// VerificationStatus records the latest verification of a run.
type VerificationStatus struct {
	Status     VerifyStatus `bson:"status" json:"status"`
	Score      float64      `bson:"score" json:"score"`
	VerifiedAt time.Time    `bson:"verified_at" json:"verifiedAt"`
	ReportPath string       `bson:"report_path,omitempty" json:"reportPath,omitempty"`
}

// RestorationStatus records the latest restore test of a run.
type RestorationStatus struct {
	Success  bool      `bson:"success" json:"success"`
	TestedAt time.Time `bson:"tested_at" json:"testedAt"`
	Error    string    `bson:"error,omitempty" json:"error,omitempty"`
}

// RetentionStatus records the deletion of an expired artifact. The registry
// entry itself survives as history.
type RetentionStatus struct {
	DeletedAt time.Time `bson:"deleted_at" json:"deletedAt"`
	Reason    string    `bson:"reason,omitempty" json:"reason,omitempty"`
}

// BackupRun is the registry entry for a single backup.
type BackupRun struct {
	// ID uniquely names the run, for example
	// daily-backup-2025-04-02T02-30-00-000Z.
	ID     string `bson:"backup_id" json:"backupId"`
	Type   Type   `bson:"type" json:"type"`
	Status Status `bson:"status" json:"status"`

	// Trigger records what started the run.
	Trigger Trigger `bson:"trigger" json:"trigger"`
	// TriggeringUserID identifies the operator behind a manual or
	// emergency run.
	TriggeringUserID string `bson:"triggering_user_id,omitempty" json:"triggeringUserId,omitempty"`
	// Reason keeps the operator supplied reason of an emergency run.
	Reason string `bson:"reason,omitempty" json:"reason,omitempty"`

	StartedAt   time.Time     `bson:"started_at" json:"startedAt"`
	CompletedAt time.Time     `bson:"completed_at" json:"completedAt"`
	Duration    time.Duration `bson:"duration" json:"duration"`

	// ArtifactPath is the final encrypted archive on disk.
	ArtifactPath string `bson:"artifact_path,omitempty" json:"artifactPath,omitempty"`
	// Size is the final artifact size in bytes.
	Size int64 `bson:"size" json:"size"`
	// ArtifactChecksum is the SHA-256 of the final artifact, verified
	// before any decryption of it.
	ArtifactChecksum string `bson:"artifact_checksum,omitempty" json:"artifactChecksum,omitempty"`
	// Encrypted is false only when no encryption key was configured.
	Encrypted bool `bson:"encrypted" json:"encrypted"`

	Components []ComponentRecord `bson:"components,omitempty" json:"components,omitempty"`
	// Checksums maps component artifact paths to their SHA-256.
	Checksums map[string]string `bson:"checksums,omitempty" json:"checksums,omitempty"`

	// Error keeps the failure of an unsuccessful run.
	Error string `bson:"error,omitempty" json:"error,omitempty"`

	Cloud        CloudStatus         `bson:"cloud" json:"cloud"`
	Verification *VerificationStatus `bson:"verification,omitempty" json:"verification,omitempty"`
	Restoration  *RestorationStatus  `bson:"restoration,omitempty" json:"restoration,omitempty"`
	Retention    *RetentionStatus    `bson:"retention,omitempty" json:"retention,omitempty"`
}

// CheckAndSetDefaults validates the run record.
func (r *BackupRun) CheckAndSetDefaults() error {
	if r.ID == "" {
		return trace.BadParameter("missing backup ID")
	}
	if err := r.Type.Check(); err != nil {
		return trace.Wrap(err)
	}
	switch r.Status {
	case StatusCompleted, StatusFailed:
	case "":
		return trace.BadParameter("missing backup status")
	default:
		return trace.BadParameter("unknown backup status %q", r.Status)
	}
	switch r.Trigger {
	case TriggerScheduled, TriggerManual, TriggerEmergency:
	case "":
		r.Trigger = TriggerScheduled
	default:
		return trace.BadParameter("unknown backup trigger %q", r.Trigger)
	}
	return nil
}

// Succeeded reports whether the run produced an artifact.
func (r *BackupRun) Succeeded() bool {
	return r.Status == StatusCompleted
}

// Deleted reports whether retention removed the run's artifact.
func (r *BackupRun) Deleted() bool {
	return r.Retention != nil
}

// Component returns the first component of the given kind, or nil.
func (r *BackupRun) Component(kind ComponentKind) *ComponentRecord {
	for i := range r.Components {
		if r.Components[i].Kind == kind {
			return &r.Components[i]
		}
	}
	return nil
}

// DatabaseComponents returns the database components of the run.
func (r *BackupRun) DatabaseComponents() []ComponentRecord {
	var out []ComponentRecord
	for _, c := range r.Components {
		if c.Kind == KindDBNative || c.Kind == KindDBFallback {
			out = append(out, c)
		}
	}
	return out
}

var idReplacer = strings.NewReplacer(":", "-", ".", "-")

// FileStamp renders t the way artifact and report file names embed
// timestamps, with colons and dots replaced for portability.
func FileStamp(t time.Time) string {
	return idReplacer.Replace(t.UTC().Format("2006-01-02T15:04:05.000Z"))
}

// NewBackupID derives the run ID from the backup type and start time, for
// example daily-backup-2025-04-02T02-30-00-000Z.
func NewBackupID(typ Type, now time.Time) string {
	return string(typ) + "-backup-" + FileStamp(now)
}
