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

// Package warden holds constants shared across the backup, verification
// and license subsystems.
package warden

// Version is the semantic version of the warden release.
const Version = "2.3.1"

const (
	// ComponentKey is the log field that carries the component name.
	ComponentKey = "component"

	// ComponentBackup is the backup engine running the nightly pipeline.
	ComponentBackup = "backup"

	// ComponentIntegration reconciles backup state across local disk,
	// cloud storage and the run registry.
	ComponentIntegration = "backup-integration"

	// ComponentScheduler drives the cron job table.
	ComponentScheduler = "backup-scheduler"

	// ComponentCloudStorage is the object store client.
	ComponentCloudStorage = "cloud-storage"

	// ComponentVerification is the backup verification system.
	ComponentVerification = "backup-verification-system"

	// ComponentRecovery is the database corruption and restore engine.
	ComponentRecovery = "database-recovery"

	// ComponentExporter is the database export layer.
	ComponentExporter = "database-export"

	// ComponentMonitor watches backup health and raises alerts.
	ComponentMonitor = "backup-monitor"

	// ComponentLicense is the encrypted license cache.
	ComponentLicense = "license-cache"

	// ComponentLicenseSync synchronizes licenses with the license server.
	ComponentLicenseSync = "license-sync"

	// ComponentCLI is the warden command line tool.
	ComponentCLI = "cli"
)

// MetricNamespace is the prometheus namespace for all warden metrics.
const MetricNamespace = "warden"

// UserAgent identifies warden to the license server.
const UserAgent = "warden/" + Version
