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

package monitor_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/corvohq/warden/lib/backup"
	"github.com/corvohq/warden/lib/backup/monitor"
	"github.com/corvohq/warden/lib/cloudstore"
	"github.com/corvohq/warden/lib/cloudstore/memstore"
	"github.com/corvohq/warden/lib/encryptor"
)

// Noon keeps the previous-day window of the daily report unambiguous.
var testNow = time.Date(2025, 4, 2, 12, 0, 0, 0, time.UTC)

type sentAlert struct {
	subject  string
	body     string
	severity monitor.Severity
}

type captureNotifier struct {
	sent []sentAlert
}

func (c *captureNotifier) Send(ctx context.Context, subject, body string, severity monitor.Severity) error {
	c.sent = append(c.sent, sentAlert{subject: subject, body: body, severity: severity})
	return nil
}

type fixture struct {
	registry *backup.MemoryRegistry
	store    *memstore.Store
	notifier *captureNotifier
	clock    *clockwork.FakeClock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clock := clockwork.NewFakeClockAt(testNow)
	return &fixture{
		registry: backup.NewMemoryRegistry(),
		store:    memstore.New(clock),
		notifier: &captureNotifier{},
		clock:    clock,
	}
}

func (f *fixture) monitor(t *testing.T, mutate func(*monitor.Config)) *monitor.Monitor {
	t.Helper()
	cfg := monitor.Config{
		Registry: f.registry,
		Uploader: f.store,
		Notifier: f.notifier,
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		Clock:    f.clock,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	m, err := monitor.New(cfg)
	require.NoError(t, err)
	return m
}

// run builds a terminal run record started at the given offset before
// testNow.
func run(typ backup.Type, status backup.Status, ago time.Duration, size int64) backup.BackupRun {
	started := testNow.Add(-ago)
	return backup.BackupRun{
		ID:          backup.NewBackupID(typ, started),
		Type:        typ,
		Status:      status,
		StartedAt:   started,
		CompletedAt: started.Add(time.Minute),
		Duration:    time.Minute,
		Size:        size,
		Encrypted:   true,
	}
}

func (f *fixture) seed(t *testing.T, runs ...backup.BackupRun) {
	t.Helper()
	for i := range runs {
		require.NoError(t, f.registry.Create(context.Background(), &runs[i]))
	}
}

// seedObject puts one artifact into the cloud store.
func (f *fixture) seedObject(t *testing.T, backupID string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "artifact.tar.gz.enc")
	require.NoError(t, os.WriteFile(path, []byte("ciphertext"), 0o600))
	key := cloudstore.ObjectKey(testNow, backupID, filepath.Base(path))
	_, err := f.store.Upload(context.Background(), path, key, cloudstore.Metadata{BackupID: backupID})
	require.NoError(t, err)
}

const fiveMiB = 5 << 20

func TestHealthHealthy(t *testing.T) {
	f := newFixture(t)
	f.seed(t,
		run(backup.TypeDaily, backup.StatusCompleted, 10*time.Hour, fiveMiB),
		run(backup.TypeDaily, backup.StatusCompleted, 34*time.Hour, fiveMiB),
		run(backup.TypeWeekly, backup.StatusCompleted, 58*time.Hour, fiveMiB),
	)
	f.seedObject(t, "daily-backup-2025-04-02T02-00-00-000Z")

	report, err := f.monitor(t, nil).Health(context.Background())
	require.NoError(t, err)

	require.Equal(t, monitor.StatusHealthy, report.Status)
	require.Empty(t, report.Issues)
	require.Equal(t, 3, report.TotalRuns)
	require.Equal(t, 3, report.CompletedRuns)
	require.Zero(t, report.FailedRuns)
	require.Equal(t, int64(fiveMiB), report.LastSuccessSize)
	require.True(t, report.CloudEnabled)
	require.Equal(t, 1, report.CloudObjects)
	require.Equal(t, testNow, report.GeneratedAt)
}

func TestHealthRules(t *testing.T) {
	tests := []struct {
		name     string
		runs     []backup.BackupRun
		status   monitor.Status
		severity monitor.Severity
		message  string
	}{
		{
			name: "stale backups are critical past 26 hours",
			runs: []backup.BackupRun{
				run(backup.TypeDaily, backup.StatusCompleted, 28*time.Hour, fiveMiB),
			},
			status:   monitor.StatusCritical,
			severity: monitor.SeverityCritical,
			message:  "ago",
		},
		{
			name: "stale backups warn past 24 hours",
			runs: []backup.BackupRun{
				run(backup.TypeDaily, backup.StatusCompleted, 25*time.Hour, fiveMiB),
			},
			status:   monitor.StatusWarning,
			severity: monitor.SeverityWarning,
			message:  "ago",
		},
		{
			name: "failure rate above thirty percent is critical",
			runs: []backup.BackupRun{
				run(backup.TypeDaily, backup.StatusCompleted, 2*time.Hour, fiveMiB),
				run(backup.TypeDaily, backup.StatusFailed, 50*time.Hour, 0),
				run(backup.TypeDaily, backup.StatusFailed, 74*time.Hour, 0),
				run(backup.TypeDaily, backup.StatusCompleted, 98*time.Hour, fiveMiB),
				run(backup.TypeDaily, backup.StatusCompleted, 122*time.Hour, fiveMiB),
			},
			status:   monitor.StatusCritical,
			severity: monitor.SeverityCritical,
			message:  "40% of backup runs failed",
		},
		{
			name: "failure rate above ten percent warns",
			runs: []backup.BackupRun{
				run(backup.TypeDaily, backup.StatusCompleted, 2*time.Hour, fiveMiB),
				run(backup.TypeDaily, backup.StatusFailed, 50*time.Hour, 0),
				run(backup.TypeDaily, backup.StatusCompleted, 74*time.Hour, fiveMiB),
				run(backup.TypeDaily, backup.StatusCompleted, 98*time.Hour, fiveMiB),
				run(backup.TypeDaily, backup.StatusCompleted, 122*time.Hour, fiveMiB),
				run(backup.TypeDaily, backup.StatusCompleted, 146*time.Hour, fiveMiB),
			},
			status:   monitor.StatusWarning,
			severity: monitor.SeverityWarning,
			message:  "17% of backup runs failed",
		},
		{
			name: "more than three failures in a day is critical",
			runs: []backup.BackupRun{
				run(backup.TypeDaily, backup.StatusCompleted, 2*time.Hour, fiveMiB),
				run(backup.TypeEmergency, backup.StatusFailed, 4*time.Hour, 0),
				run(backup.TypeEmergency, backup.StatusFailed, 6*time.Hour, 0),
				run(backup.TypeEmergency, backup.StatusFailed, 8*time.Hour, 0),
				run(backup.TypeEmergency, backup.StatusFailed, 10*time.Hour, 0),
				run(backup.TypeDaily, backup.StatusCompleted, 30*time.Hour, fiveMiB),
				run(backup.TypeDaily, backup.StatusCompleted, 54*time.Hour, fiveMiB),
				run(backup.TypeDaily, backup.StatusCompleted, 78*time.Hour, fiveMiB),
				run(backup.TypeDaily, backup.StatusCompleted, 102*time.Hour, fiveMiB),
				run(backup.TypeDaily, backup.StatusCompleted, 126*time.Hour, fiveMiB),
				run(backup.TypeDaily, backup.StatusCompleted, 150*time.Hour, fiveMiB),
				run(backup.TypeDaily, backup.StatusCompleted, 156*time.Hour, fiveMiB),
				run(backup.TypeDaily, backup.StatusCompleted, 160*time.Hour, fiveMiB),
				run(backup.TypeDaily, backup.StatusCompleted, 164*time.Hour, fiveMiB),
			},
			status:   monitor.StatusCritical,
			severity: monitor.SeverityCritical,
			message:  "4 backup runs failed in the last 24 hours",
		},
		{
			name: "no successes at all is critical",
			runs: []backup.BackupRun{
				run(backup.TypeDaily, backup.StatusFailed, 2*time.Hour, 0),
			},
			status:   monitor.StatusCritical,
			severity: monitor.SeverityCritical,
			message:  "no successful backup",
		},
		{
			name: "tiny artifacts warn",
			runs: []backup.BackupRun{
				run(backup.TypeDaily, backup.StatusCompleted, 2*time.Hour, 100<<10),
			},
			status:   monitor.StatusWarning,
			severity: monitor.SeverityWarning,
			message:  "only 100 KiB",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.seed(t, tt.runs...)
			f.seedObject(t, "seed")

			report, err := f.monitor(t, nil).Health(context.Background())
			require.NoError(t, err)

			require.Equal(t, tt.status, report.Status)
			var messages []string
			for _, issue := range report.Issues {
				if issue.Severity == tt.severity {
					messages = append(messages, issue.Message)
				}
			}
			require.NotEmpty(t, messages, "no %v issue in %v", tt.severity, report.Issues)
			found := false
			for _, msg := range messages {
				if strings.Contains(msg, tt.message) {
					found = true
				}
			}
			require.True(t, found, "no issue mentioning %q in %v", tt.message, messages)
		})
	}
}

func TestHealthEmptyCloud(t *testing.T) {
	f := newFixture(t)
	f.seed(t, run(backup.TypeDaily, backup.StatusCompleted, 2*time.Hour, fiveMiB))

	report, err := f.monitor(t, nil).Health(context.Background())
	require.NoError(t, err)

	require.Equal(t, monitor.StatusCritical, report.Status)
	require.True(t, report.CloudEnabled)
	require.Zero(t, report.CloudObjects)
	require.Len(t, report.Issues, 1)
	require.Equal(t, monitor.SeverityCritical, report.Issues[0].Severity)
	require.Contains(t, report.Issues[0].Message, "holds no backups")
}

func TestHealthCloudDisabled(t *testing.T) {
	f := newFixture(t)
	f.seed(t, run(backup.TypeDaily, backup.StatusCompleted, 2*time.Hour, fiveMiB))

	report, err := f.monitor(t, func(cfg *monitor.Config) {
		cfg.Uploader = nil
	}).Health(context.Background())
	require.NoError(t, err)

	require.Equal(t, monitor.StatusHealthy, report.Status)
	require.False(t, report.CloudEnabled)
	require.Empty(t, report.Issues)
}

func TestHealthCloudUnreachable(t *testing.T) {
	f := newFixture(t)
	f.seed(t, run(backup.TypeDaily, backup.StatusCompleted, 2*time.Hour, fiveMiB))
	f.store.SetError(errors.New("connection refused"))

	report, err := f.monitor(t, nil).Health(context.Background())
	require.NoError(t, err)

	require.Equal(t, monitor.StatusWarning, report.Status)
	require.Len(t, report.Issues, 1)
	require.Equal(t, monitor.SeverityWarning, report.Issues[0].Severity)
	require.Contains(t, report.Issues[0].Message, "unreachable")
	require.Contains(t, report.Issues[0].Message, "connection refused")
}

func TestCheckAndAlert(t *testing.T) {
	t.Run("healthy stays quiet", func(t *testing.T) {
		f := newFixture(t)
		f.seed(t, run(backup.TypeDaily, backup.StatusCompleted, 2*time.Hour, fiveMiB))
		f.seedObject(t, "seed")

		report, err := f.monitor(t, nil).CheckAndAlert(context.Background())
		require.NoError(t, err)
		require.Equal(t, monitor.StatusHealthy, report.Status)
		require.Empty(t, f.notifier.sent)
	})

	t.Run("critical health alerts", func(t *testing.T) {
		f := newFixture(t)
		f.seed(t, run(backup.TypeDaily, backup.StatusFailed, 2*time.Hour, 0))
		f.seedObject(t, "seed")

		report, err := f.monitor(t, nil).CheckAndAlert(context.Background())
		require.NoError(t, err)
		require.Equal(t, monitor.StatusCritical, report.Status)

		require.Len(t, f.notifier.sent, 1)
		alert := f.notifier.sent[0]
		require.Equal(t, "Backup health is critical", alert.subject)
		require.Equal(t, monitor.SeverityCritical, alert.severity)
		require.Contains(t, alert.body, "no successful backup")
	})

	t.Run("warning health alerts at warning severity", func(t *testing.T) {
		f := newFixture(t)
		f.seed(t, run(backup.TypeDaily, backup.StatusCompleted, 25*time.Hour, fiveMiB))
		f.seedObject(t, "seed")

		report, err := f.monitor(t, nil).CheckAndAlert(context.Background())
		require.NoError(t, err)
		require.Equal(t, monitor.StatusWarning, report.Status)

		require.Len(t, f.notifier.sent, 1)
		require.Equal(t, "Backup health is warning", f.notifier.sent[0].subject)
		require.Equal(t, monitor.SeverityWarning, f.notifier.sent[0].severity)
	})
}

func TestDailyReport(t *testing.T) {
	f := newFixture(t)
	morning := run(backup.TypeDaily, backup.StatusCompleted, 33*time.Hour+30*time.Minute, fiveMiB)
	failed := run(backup.TypeEmergency, backup.StatusFailed, 22*time.Hour, 0)
	failed.Error = "export failed: connection reset"
	f.seed(t,
		morning,
		failed,
		// Outside the reported day in both directions.
		run(backup.TypeDaily, backup.StatusCompleted, 9*time.Hour, fiveMiB),
		run(backup.TypeDaily, backup.StatusCompleted, 80*time.Hour, fiveMiB),
	)

	report, err := f.monitor(t, nil).DailyReport(context.Background())
	require.NoError(t, err)

	require.Equal(t, time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC), report.Date)
	require.Len(t, report.Runs, 2)
	require.Equal(t, morning.ID, report.Runs[0].ID)
	require.Equal(t, failed.ID, report.Runs[1].ID)
	require.Equal(t, 1, report.Completed)
	require.Equal(t, 1, report.Failed)
	require.Equal(t, int64(fiveMiB), report.TotalBytes)

	require.Len(t, f.notifier.sent, 1)
	sent := f.notifier.sent[0]
	require.Equal(t, "Backup report for 2025-04-01", sent.subject)
	require.Equal(t, monitor.SeveritySystem, sent.severity)
	require.Contains(t, sent.body, "2 runs, 1 completed, 1 failed")
	require.Contains(t, sent.body, "export failed: connection reset")
}

func TestDailyReportEmpty(t *testing.T) {
	f := newFixture(t)

	report, err := f.monitor(t, nil).DailyReport(context.Background())
	require.NoError(t, err)

	require.Empty(t, report.Runs)
	require.Len(t, f.notifier.sent, 1)
	require.Contains(t, f.notifier.sent[0].body, "No backup runs.")
}

// seal writes an artifact into dir and returns a run recording it
// truthfully.
func seal(t *testing.T, dir string, ago time.Duration, content string) backup.BackupRun {
	t.Helper()
	r := run(backup.TypeDaily, backup.StatusCompleted, ago, int64(len(content)))
	r.ArtifactPath = filepath.Join(dir, r.ID+".tar.gz.enc")
	require.NoError(t, os.WriteFile(r.ArtifactPath, []byte(content), 0o600))
	sum, err := encryptor.ChecksumFile(r.ArtifactPath)
	require.NoError(t, err)
	r.ArtifactChecksum = sum
	return r
}

func TestIntegrityAudit(t *testing.T) {
	f := newFixture(t)
	dir := t.TempDir()

	intact := seal(t, dir, 2*time.Hour, "intact artifact bytes")
	tampered := seal(t, dir, 26*time.Hour, "original artifact bytes")
	missing := seal(t, dir, 50*time.Hour, "soon to vanish")
	grown := seal(t, dir, 74*time.Hour, "short")
	failed := run(backup.TypeDaily, backup.StatusFailed, 98*time.Hour, 0)
	deleted := seal(t, dir, 122*time.Hour, "already swept")
	deleted.Retention = &backup.RetentionStatus{DeletedAt: testNow, Reason: "retention window for daily backups elapsed"}

	// Same length, different content. Only the checksum catches it.
	require.NoError(t, os.WriteFile(tampered.ArtifactPath, []byte("tampered artifact bytes"), 0o600))
	require.NoError(t, os.Remove(missing.ArtifactPath))
	require.NoError(t, os.WriteFile(grown.ArtifactPath, []byte("short but now longer"), 0o600))
	f.seed(t, intact, tampered, missing, grown, failed, deleted)

	report, err := f.monitor(t, nil).IntegrityAudit(context.Background())
	require.NoError(t, err)

	// The failed and the retention-deleted runs are not audited.
	require.Equal(t, 4, report.Audited)
	problems := map[string]string{}
	for _, issue := range report.Issues {
		problems[issue.BackupID] = issue.Problem
	}
	require.Equal(t, map[string]string{
		tampered.ID: "checksum",
		missing.ID:  "missing",
		grown.ID:    "size",
	}, problems)

	require.Len(t, f.notifier.sent, 1)
	alert := f.notifier.sent[0]
	require.Equal(t, monitor.SeverityCritical, alert.severity)
	require.Equal(t, "3 backup artifacts failed the integrity audit", alert.subject)
	require.Contains(t, alert.body, tampered.ID)
	require.Contains(t, alert.body, "changed after it was recorded")
}

func TestIntegrityAuditQuietWhenClean(t *testing.T) {
	f := newFixture(t)
	f.seed(t, seal(t, t.TempDir(), 2*time.Hour, "intact artifact bytes"))

	report, err := f.monitor(t, nil).IntegrityAudit(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, report.Audited)
	require.Empty(t, report.Issues)
	require.Empty(t, f.notifier.sent)
}

func TestMonitorConfig(t *testing.T) {
	_, err := monitor.New(monitor.Config{})
	require.True(t, trace.IsBadParameter(err), "expected BadParameter, got %v", err)
}
