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

package warden

// Prometheus metric names exported under MetricNamespace.
const (
	// MetricBackupRuns counts backup runs by type and status.
	MetricBackupRuns = "backup_runs_total"

	// MetricBackupDuration observes backup run durations.
	MetricBackupDuration = "backup_duration_seconds"

	// MetricBackupArtifactSize is the size of the last completed artifact.
	MetricBackupArtifactSize = "backup_artifact_size_bytes"

	// MetricBackupLastSuccess is the unix time of the last completed run.
	MetricBackupLastSuccess = "backup_last_success_timestamp"

	// MetricCloudUploads counts cloud uploads by outcome.
	MetricCloudUploads = "cloud_uploads_total"

	// MetricRetentionDeleted counts artifacts removed by retention.
	MetricRetentionDeleted = "retention_deleted_total"

	// MetricVerificationRuns counts verifications by overall status.
	MetricVerificationRuns = "verifications_total"

	// MetricVerificationScore is the score of the last verification.
	MetricVerificationScore = "verification_last_score"

	// MetricSchedulerJobRuns counts scheduled job executions by job and
	// outcome.
	MetricSchedulerJobRuns = "scheduler_job_runs_total"

	// MetricSchedulerJobSkips counts job triggers dropped because the
	// previous execution was still running.
	MetricSchedulerJobSkips = "scheduler_job_skips_total"

	// MetricSchedulerJobDuration observes scheduled job durations.
	MetricSchedulerJobDuration = "scheduler_job_duration_seconds"

	// MetricLicenseSyncs counts license server synchronizations by outcome.
	MetricLicenseSyncs = "license_syncs_total"

	// MetricLicenseValidations counts license validations by mode and
	// outcome.
	MetricLicenseValidations = "license_validations_total"

	// MetricAWSRequestsTotal counts AWS API requests by service and
	// operation.
	MetricAWSRequestsTotal = "aws_sdk_requests_total"

	// MetricAWSRequests counts AWS API requests by result.
	MetricAWSRequests = "aws_sdk_requests"

	// MetricAWSRequestDuration observes AWS API request latencies.
	MetricAWSRequestDuration = "aws_sdk_requests_seconds"
)
