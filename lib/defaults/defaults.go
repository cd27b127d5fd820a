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

// Package defaults holds the default values shared by the backup,
// verification, recovery, scheduler and license subsystems.
package defaults

import (
	"io/fs"
	"time"
)

// Base directory layout. All paths are joined onto the configured base
// directory at runtime.
const (
	// DailyDir holds daily backup artifacts and per-run working directories.
	DailyDir = "daily"

	// WeeklyDir holds weekly backup artifacts.
	WeeklyDir = "weekly"

	// MonthlyDir holds monthly backup artifacts.
	MonthlyDir = "monthly"

	// MetadataDir holds per-run metadata sidecars, the active encryption
	// key and the key rotation history.
	MetadataDir = "metadata"

	// VerificationDir holds verification reports.
	VerificationDir = "verification"

	// RecoveryDir holds safety and emergency dumps taken before risky
	// operations.
	RecoveryDir = "recovery"

	// LogDir holds per-component log files.
	LogDir = "logs"
)

const (
	// EncryptedSuffix is appended to the combined encrypted artifact.
	EncryptedSuffix = ".tar.gz.enc"

	// ArchiveSuffix is the plain combined archive suffix.
	ArchiveSuffix = ".tar.gz"

	// ActiveKeyFile is the file under MetadataDir holding the current
	// encryption key in hex.
	ActiveKeyFile = "active-key"

	// KeyRotationFile is the file under MetadataDir recording every key
	// rotation.
	KeyRotationFile = "key-rotation.json"

	// BackupIDPrefix prefixes every generated backup identifier.
	BackupIDPrefix = "daily-backup-"
)

const (
	// DirMode is the mode for all directories warden creates.
	DirMode fs.FileMode = 0o700

	// PrivateFileMode is the mode for artifacts and key material.
	PrivateFileMode fs.FileMode = 0o600

	// MetadataFileMode is the mode for metadata and report files.
	MetadataFileMode fs.FileMode = 0o644
)

// Cron expressions for the scheduler job table. Standard five field specs,
// overridable through the scheduler config file.
const (
	// CronDailyBackup runs the daily backup at 02:30.
	CronDailyBackup = "30 2 * * *"

	// CronRetentionCleanup applies the retention policy at 03:00.
	CronRetentionCleanup = "0 3 * * *"

	// CronWeeklyBackup runs the weekly backup Sunday 01:00.
	CronWeeklyBackup = "0 1 * * 0"

	// CronMonthlyBackup runs the monthly backup on the 1st at 00:30.
	CronMonthlyBackup = "30 0 1 * *"

	// CronKeyRotation rotates the encryption key on the 1st at 04:00.
	CronKeyRotation = "0 4 1 * *"

	// CronVerificationSweep verifies recent backups at 04:30.
	CronVerificationSweep = "30 4 * * *"

	// CronDailyReport sends the daily status report at 06:00.
	CronDailyReport = "0 6 * * *"

	// CronCloudCleanup prunes deleted runs from cloud storage Sunday 05:00.
	CronCloudCleanup = "0 5 * * 0"

	// CronLicenseSync refreshes the license cache every six hours.
	CronLicenseSync = "0 */6 * * *"

	// CronLicenseValidation revalidates cached licenses every 15 minutes.
	CronLicenseValidation = "*/15 * * * *"

	// CronExpiredOfflineCleanup disables lapsed offline grants hourly.
	CronExpiredOfflineCleanup = "0 * * * *"

	// CronLogCleanup prunes aged log files at 02:00.
	CronLogCleanup = "0 2 * * *"

	// CronIntegrityCheck runs the weekly integrity check Sunday 03:00.
	CronIntegrityCheck = "0 3 * * 0"

	// CronStorageAnalysis analyzes storage usage on the 1st at 04:00.
	CronStorageAnalysis = "0 4 1 * *"
)

// Retention horizons per backup bucket.
const (
	// DailyRetention is how long daily backups are kept.
	DailyRetention = 30 * 24 * time.Hour

	// WeeklyRetention is how long weekly backups are kept.
	WeeklyRetention = 12 * 7 * 24 * time.Hour

	// MonthlyRetentionMonths is how many months monthly backups are kept.
	// Months are applied calendar-wise, not as a fixed duration.
	MonthlyRetentionMonths = 12

	// LogRetention is how long per-component log files are kept.
	LogRetention = 30 * 24 * time.Hour
)

const (
	// LicenseValidateTimeout bounds a single license validation call.
	LicenseValidateTimeout = 15 * time.Second

	// LicenseSyncTimeout bounds a license sync round trip.
	LicenseSyncTimeout = 30 * time.Second

	// ShutdownGrace is how long Stop waits for in flight scheduler jobs.
	ShutdownGrace = 30 * time.Second

	// ExportTimeout bounds a single database export.
	ExportTimeout = 15 * time.Minute

	// UploadTimeout bounds a single cloud upload.
	UploadTimeout = 30 * time.Minute
)

// License cache behavior.
const (
	// LicenseSyncInterval is the default gap between successful syncs.
	LicenseSyncInterval = 6 * time.Hour

	// LicenseValidationInterval is the default gap between validations.
	LicenseValidationInterval = 24 * time.Hour

	// OfflineGracePeriod is how long offline operation stays usable after
	// it is enabled.
	OfflineGracePeriod = 72 * time.Hour

	// OfflineValidationQuota is the offline validation budget granted by a
	// successful online validation.
	OfflineValidationQuota = 100

	// MaxSyncRetries caps the sync retry counter used for backoff.
	MaxSyncRetries = 5

	// SyncBackoffCap caps the exponential sync backoff.
	SyncBackoffCap = 24 * time.Hour

	// FailuresBeforeOffline is the consecutive sync failure count that
	// turns offline mode on automatically.
	FailuresBeforeOffline = 3
)

// Monitor thresholds, evaluated over HealthWindow.
const (
	// HealthWindow is the registry window health reports are computed from.
	HealthWindow = 7 * 24 * time.Hour

	// CriticalBackupAge marks health critical when the last success is
	// older than this.
	CriticalBackupAge = 26 * time.Hour

	// WarningBackupAge marks health degraded when the last success is
	// older than this.
	WarningBackupAge = 24 * time.Hour

	// CriticalFailureRate is the failure ratio that marks health critical.
	CriticalFailureRate = 0.30

	// WarningFailureRate is the failure ratio that marks health degraded.
	WarningFailureRate = 0.10

	// CriticalFailureBurst is the failure count inside 24h that marks
	// health critical.
	CriticalFailureBurst = 3

	// MinHealthyArtifactSize flags suspiciously small backups.
	MinHealthyArtifactSize = 1 << 20
)

// Verification scoring.
const (
	// VerifyScoreExcellent is the overall score floor for "excellent".
	VerifyScoreExcellent = 90

	// VerifyScoreGood is the overall score floor for "good".
	VerifyScoreGood = 80

	// VerifyScoreWarning is the overall score floor for "warning".
	VerifyScoreWarning = 60

	// VerifySizeTolerance is the allowed drift between recorded and actual
	// artifact size.
	VerifySizeTolerance = 1024

	// VerifyMinComponentSize flags component files smaller than this.
	VerifyMinComponentSize = 100

	// VerifyMinDatabaseSize flags database dumps smaller than this.
	VerifyMinDatabaseSize = 1024

	// VerifySweepLimit is how many recent unverified runs the automated
	// sweep covers.
	VerifySweepLimit = 3
)
