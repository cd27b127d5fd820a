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

package main

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"testing"

	"github.com/gravitational/trace"
	"github.com/stretchr/testify/require"

	"github.com/corvohq/warden/lib/config"
	"github.com/corvohq/warden/lib/scheduler"
)

func boolPtr(b bool) *bool { return &b }

func planFor(t *testing.T, plans []jobPlan, name string) jobPlan {
	t.Helper()
	for _, p := range plans {
		if p.Name == name {
			return p
		}
	}
	t.Fatalf("no plan for job %v", name)
	return jobPlan{}
}

func enabledNames(plans []jobPlan) []string {
	var names []string
	for _, p := range plans {
		if p.Enabled {
			names = append(names, p.Name)
		}
	}
	return names
}

func TestPlanJobsGates(t *testing.T) {
	t.Run("everything off keeps log cleanup", func(t *testing.T) {
		plans, err := planJobs(&config.Config{})
		require.NoError(t, err)
		require.Len(t, plans, len(jobOrder))
		require.Equal(t, []string{scheduler.JobLogCleanup}, enabledNames(plans))
	})

	t.Run("backups only", func(t *testing.T) {
		plans, err := planJobs(&config.Config{BackupsEnabled: true})
		require.NoError(t, err)
		require.Equal(t, []string{
			scheduler.JobDailyBackup,
			scheduler.JobRetentionCleanup,
			scheduler.JobWeeklyBackup,
			scheduler.JobMonthlyBackup,
			scheduler.JobKeyRotation,
			scheduler.JobVerificationSweep,
			scheduler.JobDailyReport,
			scheduler.JobLogCleanup,
			scheduler.JobIntegrityCheck,
			scheduler.JobStorageAnalysis,
		}, enabledNames(plans))
	})

	t.Run("cloud cleanup needs backups and cloud", func(t *testing.T) {
		plans, err := planJobs(&config.Config{CloudEnabled: true})
		require.NoError(t, err)
		require.False(t, planFor(t, plans, scheduler.JobCloudCleanup).Enabled)

		plans, err = planJobs(&config.Config{BackupsEnabled: true, CloudEnabled: true})
		require.NoError(t, err)
		require.True(t, planFor(t, plans, scheduler.JobCloudCleanup).Enabled)
	})

	t.Run("license without server validates offline only", func(t *testing.T) {
		cfg := &config.Config{LicenseDBURI: "mongodb://localhost:27017/licensing"}
		plans, err := planJobs(cfg)
		require.NoError(t, err)
		require.Equal(t, []string{
			scheduler.JobLicenseValidation,
			scheduler.JobLogCleanup,
		}, enabledNames(plans))
	})

	t.Run("license with server syncs too", func(t *testing.T) {
		cfg := &config.Config{LicenseDBURI: "mongodb://localhost:27017/licensing"}
		cfg.License.ServerURL = "https://licensing.example.com"
		plans, err := planJobs(cfg)
		require.NoError(t, err)
		require.Equal(t, []string{
			scheduler.JobLicenseSync,
			scheduler.JobLicenseValidation,
			scheduler.JobExpiredOfflineCleanup,
			scheduler.JobLogCleanup,
		}, enabledNames(plans))
	})

	t.Run("everything on runs the full table", func(t *testing.T) {
		cfg := &config.Config{
			BackupsEnabled: true,
			CloudEnabled:   true,
			LicenseDBURI:   "mongodb://localhost:27017/licensing",
		}
		cfg.License.ServerURL = "https://licensing.example.com"
		plans, err := planJobs(cfg)
		require.NoError(t, err)
		require.Equal(t, jobOrder, enabledNames(plans))
	})
}

func TestPlanJobsDefaults(t *testing.T) {
	plans, err := planJobs(&config.Config{BackupsEnabled: true})
	require.NoError(t, err)
	var order []string
	for _, p := range plans {
		order = append(order, p.Name)
		want, err := scheduler.ScheduleFor(p.Name)
		require.NoError(t, err)
		require.Equal(t, want, p.Schedule, "job %v", p.Name)
	}
	require.Equal(t, jobOrder, order)
}

func TestPlanJobsOverrides(t *testing.T) {
	t.Run("reschedule", func(t *testing.T) {
		plans, err := planJobs(&config.Config{
			BackupsEnabled: true,
			Jobs: map[string]config.JobOverride{
				scheduler.JobDailyBackup: {Schedule: "0 4 * * *"},
			},
		})
		require.NoError(t, err)
		plan := planFor(t, plans, scheduler.JobDailyBackup)
		require.True(t, plan.Enabled)
		require.Equal(t, "0 4 * * *", plan.Schedule)
	})

	t.Run("disable", func(t *testing.T) {
		plans, err := planJobs(&config.Config{
			BackupsEnabled: true,
			Jobs: map[string]config.JobOverride{
				scheduler.JobDailyBackup: {Enabled: boolPtr(false)},
			},
		})
		require.NoError(t, err)
		require.False(t, planFor(t, plans, scheduler.JobDailyBackup).Enabled)
	})

	t.Run("cannot enable past the feature gate", func(t *testing.T) {
		_, err := planJobs(&config.Config{
			Jobs: map[string]config.JobOverride{
				scheduler.JobDailyBackup: {Enabled: boolPtr(true)},
			},
		})
		require.True(t, trace.IsBadParameter(err))
	})

	t.Run("explicit enable of a configured job", func(t *testing.T) {
		plans, err := planJobs(&config.Config{
			BackupsEnabled: true,
			Jobs: map[string]config.JobOverride{
				scheduler.JobDailyBackup: {Enabled: boolPtr(true)},
			},
		})
		require.NoError(t, err)
		require.True(t, planFor(t, plans, scheduler.JobDailyBackup).Enabled)
	})

	t.Run("unknown job is rejected", func(t *testing.T) {
		_, err := planJobs(&config.Config{
			Jobs: map[string]config.JobOverride{
				"quarterly-backup": {Schedule: "0 0 1 */3 *"},
			},
		})
		require.True(t, trace.IsNotFound(err))
	})
}

func TestDiagServer(t *testing.T) {
	diag, err := newDiagServer("127.0.0.1:0", slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	diag.Serve()
	t.Cleanup(func() {
		require.NoError(t, diag.Shutdown(context.Background()))
	})

	base := "http://" + diag.ln.Addr().String()
	resp, err := http.Get(base + "/healthz")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "ok\n", string(body))

	resp, err = http.Get(base + "/metrics")
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	require.Equal(t, http.StatusOK, resp.StatusCode)
}
