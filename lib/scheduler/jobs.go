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

package scheduler

import (
	"github.com/gravitational/trace"

	"github.com/corvohq/warden/lib/defaults"
)

// Names of the jobs warden knows how to run. Configuration refers to
// jobs by these names, so they are part of the config surface.
const (
	JobDailyBackup           = "daily-backup"
	JobRetentionCleanup      = "retention-cleanup"
	JobWeeklyBackup          = "weekly-backup"
	JobMonthlyBackup         = "monthly-backup"
	JobKeyRotation           = "key-rotation"
	JobVerificationSweep     = "verification-sweep"
	JobDailyReport           = "daily-report"
	JobCloudCleanup          = "cloud-cleanup"
	JobLicenseSync           = "license-sync"
	JobLicenseValidation     = "license-validation"
	JobExpiredOfflineCleanup = "expired-offline-cleanup"
	JobLogCleanup            = "log-cleanup"
	JobIntegrityCheck        = "integrity-check"
	JobStorageAnalysis       = "storage-analysis"
)

// DefaultSchedules maps every known job to its default cron expression.
// The set of keys is closed: configuration may reschedule or disable
// these jobs but cannot introduce new ones.
var DefaultSchedules = map[string]string{
	JobDailyBackup:           defaults.CronDailyBackup,
	JobRetentionCleanup:      defaults.CronRetentionCleanup,
	JobWeeklyBackup:          defaults.CronWeeklyBackup,
	JobMonthlyBackup:         defaults.CronMonthlyBackup,
	JobKeyRotation:           defaults.CronKeyRotation,
	JobVerificationSweep:     defaults.CronVerificationSweep,
	JobDailyReport:           defaults.CronDailyReport,
	JobCloudCleanup:          defaults.CronCloudCleanup,
	JobLicenseSync:           defaults.CronLicenseSync,
	JobLicenseValidation:     defaults.CronLicenseValidation,
	JobExpiredOfflineCleanup: defaults.CronExpiredOfflineCleanup,
	JobLogCleanup:            defaults.CronLogCleanup,
	JobIntegrityCheck:        defaults.CronIntegrityCheck,
	JobStorageAnalysis:       defaults.CronStorageAnalysis,
}

// ScheduleFor returns the default cron expression of a known job.
func ScheduleFor(name string) (string, error) {
	spec, ok := DefaultSchedules[name]
	if !ok {
		return "", trace.NotFound("unknown scheduled job %v", name)
	}
	return spec, nil
}
