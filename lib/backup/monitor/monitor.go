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

// Package monitor computes backup health from recent run history and the
// cloud replica state, and raises alerts through a pluggable notifier.
package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/corvohq/warden"
	"github.com/corvohq/warden/lib/backup"
	"github.com/corvohq/warden/lib/cloudstore"
	"github.com/corvohq/warden/lib/defaults"
	"github.com/corvohq/warden/lib/encryptor"
)

// Severity classifies an alert.
type Severity string

const (
	// SeverityCritical marks conditions that need operator action now.
	SeverityCritical Severity = "critical"

	// SeverityWarning marks conditions that will become critical if
	// ignored.
	SeverityWarning Severity = "warning"

	// SeveritySystem marks routine informational messages such as the
	// daily report.
	SeveritySystem Severity = "system"
)

// Notifier delivers alerts and reports. Implementations decide the
// transport; lognotifier writes to the process log.
type Notifier interface {
	Send(ctx context.Context, subject, body string, severity Severity) error
}

// Status is the overall backup health verdict.
type Status string

const (
	// StatusHealthy means backups run and replicate as expected.
	StatusHealthy Status = "healthy"

	// StatusWarning means backups work but something needs attention.
	StatusWarning Status = "warning"

	// StatusCritical means backup coverage is at risk.
	StatusCritical Status = "critical"
)

// Issue is one observation that degraded the health verdict.
type Issue struct {
	// Severity is how bad the observation is.
	Severity Severity `json:"severity"`
	// Message describes the observation.
	Message string `json:"message"`
}

// HealthReport is the outcome of one health evaluation.
type HealthReport struct {
	// Status is the overall verdict.
	Status Status `json:"status"`
	// GeneratedAt is when the report was computed.
	GeneratedAt time.Time `json:"generatedAt"`
	// WindowStart is the beginning of the evaluated run window.
	WindowStart time.Time `json:"windowStart"`
	// TotalRuns counts runs in the window.
	TotalRuns int `json:"totalRuns"`
	// CompletedRuns counts successful runs in the window.
	CompletedRuns int `json:"completedRuns"`
	// FailedRuns counts failed runs in the window.
	FailedRuns int `json:"failedRuns"`
	// FailureRate is FailedRuns over TotalRuns.
	FailureRate float64 `json:"failureRate"`
	// LastSuccessID is the newest completed run in the window.
	LastSuccessID string `json:"lastSuccessId,omitempty"`
	// LastSuccessAt is when that run finished.
	LastSuccessAt time.Time `json:"lastSuccessAt,omitzero"`
	// LastSuccessSize is that run's artifact size.
	LastSuccessSize int64 `json:"lastSuccessSize,omitempty"`
	// CloudEnabled reports whether a cloud replica store is configured.
	CloudEnabled bool `json:"cloudEnabled"`
	// CloudObjects counts objects under the backup prefix.
	CloudObjects int `json:"cloudObjects"`
	// Issues lists everything that degraded the verdict.
	Issues []Issue `json:"issues,omitempty"`
}

func (r *HealthReport) add(severity Severity, format string, args ...any) {
	r.Issues = append(r.Issues, Issue{
		Severity: severity,
		Message:  fmt.Sprintf(format, args...),
	})
}

// Critical reports whether any issue is critical.
func (r *HealthReport) Critical() bool {
	for _, issue := range r.Issues {
		if issue.Severity == SeverityCritical {
			return true
		}
	}
	return false
}

// Summary renders the report as the body of an alert message.
func (r *HealthReport) Summary() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Backup health: %v\n", r.Status)
	fmt.Fprintf(&b, "Last 7 days: %d runs, %d completed, %d failed (%.0f%% failure rate)\n",
		r.TotalRuns, r.CompletedRuns, r.FailedRuns, r.FailureRate*100)
	if r.LastSuccessID != "" {
		fmt.Fprintf(&b, "Last success: %v at %v (%v)\n",
			r.LastSuccessID, r.LastSuccessAt.Format(time.RFC3339), humanize.IBytes(uint64(r.LastSuccessSize)))
	} else {
		b.WriteString("Last success: none in the window\n")
	}
	if r.CloudEnabled {
		fmt.Fprintf(&b, "Cloud replica: %d objects\n", r.CloudObjects)
	} else {
		b.WriteString("Cloud replica: disabled\n")
	}
	for _, issue := range r.Issues {
		fmt.Fprintf(&b, "[%v] %v\n", issue.Severity, issue.Message)
	}
	return b.String()
}

// RunSummary is one run in the daily report.
type RunSummary struct {
	ID       string        `json:"id"`
	Type     backup.Type   `json:"type"`
	Status   backup.Status `json:"status"`
	Size     int64         `json:"size"`
	Duration time.Duration `json:"duration"`
	Error    string        `json:"error,omitempty"`
}

// DayReport enumerates the previous day's backup runs.
type DayReport struct {
	// Date is midnight UTC of the reported day.
	Date time.Time `json:"date"`
	// Runs lists the day's runs in start order.
	Runs []RunSummary `json:"runs,omitempty"`
	// Completed counts successful runs.
	Completed int `json:"completed"`
	// Failed counts failed runs.
	Failed int `json:"failed"`
	// TotalBytes sums the artifact sizes of successful runs.
	TotalBytes int64 `json:"totalBytes"`
}

// Summary renders the report as the body of the daily message.
func (d *DayReport) Summary() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Backup report for %v\n", d.Date.Format(time.DateOnly))
	if len(d.Runs) == 0 {
		b.WriteString("No backup runs.\n")
		return b.String()
	}
	fmt.Fprintf(&b, "%d runs, %d completed, %d failed, %v written\n",
		len(d.Runs), d.Completed, d.Failed, humanize.IBytes(uint64(d.TotalBytes)))
	for _, run := range d.Runs {
		fmt.Fprintf(&b, "%v %v %v %v in %v", run.ID, run.Type, run.Status,
			humanize.IBytes(uint64(run.Size)), run.Duration.Round(time.Second))
		if run.Error != "" {
			fmt.Fprintf(&b, ": %v", run.Error)
		}
		b.WriteString("\n")
	}
	return b.String()
}

// Config configures the monitor.
type Config struct {
	// Registry supplies the run history reports are computed from.
	Registry backup.Registry
	// Uploader is the cloud replica store. Nil means cloud replication
	// is disabled and the cloud rules are skipped.
	Uploader cloudstore.Uploader
	// Notifier receives alerts and reports. Nil disables delivery.
	Notifier Notifier
	// Logger emits monitor events.
	Logger *slog.Logger
	// Clock supplies time.
	Clock clockwork.Clock
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.Registry == nil {
		return trace.BadParameter("missing backup registry")
	}
	if c.Logger == nil {
		c.Logger = slog.Default().With(warden.ComponentKey, warden.ComponentMonitor)
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Monitor evaluates backup health and emits alerts.
type Monitor struct {
	cfg Config
}

// New returns a monitor for the given configuration.
func New(cfg Config) (*Monitor, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Monitor{cfg: cfg}, nil
}

// Health computes the health report from the last seven days of run
// history and the current cloud replica state.
func (m *Monitor) Health(ctx context.Context) (*HealthReport, error) {
	now := m.cfg.Clock.Now().UTC()
	windowStart := now.Add(-defaults.HealthWindow)
	stats, err := m.cfg.Registry.Stats(ctx, windowStart)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	day, err := m.cfg.Registry.Stats(ctx, now.Add(-24*time.Hour))
	if err != nil {
		return nil, trace.Wrap(err)
	}

	report := &HealthReport{
		GeneratedAt:   now,
		WindowStart:   windowStart,
		TotalRuns:     stats.Total,
		CompletedRuns: stats.Completed,
		FailedRuns:    stats.Failed,
		FailureRate:   stats.FailureRate,
	}

	if stats.LastSuccess == nil {
		report.add(SeverityCritical, "no successful backup in the last 7 days")
	} else {
		report.LastSuccessID = stats.LastSuccess.ID
		report.LastSuccessAt = stats.LastSuccess.CompletedAt
		report.LastSuccessSize = stats.LastSuccess.Size
		age := now.Sub(stats.LastSuccess.CompletedAt)
		switch {
		case age > defaults.CriticalBackupAge:
			report.add(SeverityCritical, "last successful backup finished %v ago", age.Round(time.Hour))
		case age > defaults.WarningBackupAge:
			report.add(SeverityWarning, "last successful backup finished %v ago", age.Round(time.Hour))
		}
		if stats.LastSuccess.Size < defaults.MinHealthyArtifactSize {
			report.add(SeverityWarning, "last successful backup is only %v",
				humanize.IBytes(uint64(stats.LastSuccess.Size)))
		}
	}

	switch {
	case stats.FailureRate > defaults.CriticalFailureRate:
		report.add(SeverityCritical, "%.0f%% of backup runs failed in the last 7 days", stats.FailureRate*100)
	case stats.FailureRate > defaults.WarningFailureRate:
		report.add(SeverityWarning, "%.0f%% of backup runs failed in the last 7 days", stats.FailureRate*100)
	}
	if day.Failed > defaults.CriticalFailureBurst {
		report.add(SeverityCritical, "%d backup runs failed in the last 24 hours", day.Failed)
	}

	if m.cfg.Uploader != nil {
		report.CloudEnabled = true
		cloud, err := m.cfg.Uploader.Stats(ctx)
		if err != nil {
			report.add(SeverityWarning, "cloud replica store is unreachable: %v", err)
		} else {
			report.CloudObjects = cloud.Count
			if cloud.Count == 0 {
				report.add(SeverityCritical, "cloud replication is enabled but the store holds no backups")
			}
		}
	}

	report.Status = StatusHealthy
	switch {
	case report.Critical():
		report.Status = StatusCritical
	case len(report.Issues) > 0:
		report.Status = StatusWarning
	}
	return report, nil
}

// CheckAndAlert computes the health report and notifies when the verdict
// is not healthy. Delivery failures are logged, not returned; the report
// itself is the outcome.
func (m *Monitor) CheckAndAlert(ctx context.Context) (*HealthReport, error) {
	report, err := m.Health(ctx)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	m.cfg.Logger.InfoContext(ctx, "Backup health evaluated.",
		"status", report.Status,
		"issues", len(report.Issues))
	if report.Status == StatusHealthy || m.cfg.Notifier == nil {
		return report, nil
	}
	severity := SeverityWarning
	if report.Status == StatusCritical {
		severity = SeverityCritical
	}
	subject := fmt.Sprintf("Backup health is %v", report.Status)
	if err := m.cfg.Notifier.Send(ctx, subject, report.Summary(), severity); err != nil {
		m.cfg.Logger.WarnContext(ctx, "Failed to deliver health alert.", "error", err)
	}
	return report, nil
}

// DailyReport enumerates the previous calendar day's runs and sends the
// summary through the notifier.
func (m *Monitor) DailyReport(ctx context.Context) (*DayReport, error) {
	now := m.cfg.Clock.Now().UTC()
	dayStart := now.Truncate(24 * time.Hour).Add(-24 * time.Hour)
	dayEnd := dayStart.Add(24 * time.Hour)

	runs, err := m.cfg.Registry.Recent(ctx, 0)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	report := &DayReport{Date: dayStart}
	for _, run := range runs {
		if run.StartedAt.Before(dayStart) || !run.StartedAt.Before(dayEnd) {
			continue
		}
		report.Runs = append(report.Runs, RunSummary{
			ID:       run.ID,
			Type:     run.Type,
			Status:   run.Status,
			Size:     run.Size,
			Duration: run.Duration,
			Error:    run.Error,
		})
		if run.Succeeded() {
			report.Completed++
			report.TotalBytes += run.Size
		} else {
			report.Failed++
		}
	}
	// Recent returns newest first, the report reads in start order.
	slices.Reverse(report.Runs)

	m.cfg.Logger.InfoContext(ctx, "Daily backup report generated.",
		"date", report.Date.Format(time.DateOnly),
		"runs", len(report.Runs),
		"failed", report.Failed)
	if m.cfg.Notifier != nil {
		subject := fmt.Sprintf("Backup report for %v", report.Date.Format(time.DateOnly))
		if err := m.cfg.Notifier.Send(ctx, subject, report.Summary(), SeveritySystem); err != nil {
			m.cfg.Logger.WarnContext(ctx, "Failed to deliver daily report.", "error", err)
		}
	}
	return report, nil
}

// integrityScan is how many recent runs the artifact audit covers.
const integrityScan = 50

// IntegrityIssue is one artifact that failed the audit.
type IntegrityIssue struct {
	// BackupID is the affected run.
	BackupID string `json:"backupId"`
	// Problem classifies the finding: missing, size, checksum or
	// unreadable.
	Problem string `json:"problem"`
	// Detail explains the finding.
	Detail string `json:"detail"`
}

// IntegrityReport is the outcome of one artifact audit.
type IntegrityReport struct {
	// GeneratedAt is when the audit ran.
	GeneratedAt time.Time `json:"generatedAt"`
	// Audited counts the artifacts that were checked.
	Audited int `json:"audited"`
	// Issues lists the artifacts that failed.
	Issues []IntegrityIssue `json:"issues,omitempty"`
}

func (r *IntegrityReport) addIssue(backupID, problem, detail string) {
	r.Issues = append(r.Issues, IntegrityIssue{
		BackupID: backupID,
		Problem:  problem,
		Detail:   detail,
	})
}

// Summary renders the report as the body of an alert message.
func (r *IntegrityReport) Summary() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Artifact integrity audit: %d checked, %d problems\n", r.Audited, len(r.Issues))
	for _, issue := range r.Issues {
		fmt.Fprintf(&b, "%v [%v] %v\n", issue.BackupID, issue.Problem, issue.Detail)
	}
	return b.String()
}

// IntegrityAudit re-reads the artifacts of recent completed runs and
// compares them against the recorded sizes and checksums. An artifact
// that changed after it was sealed cannot be trusted for restore, so any
// finding raises a critical alert.
func (m *Monitor) IntegrityAudit(ctx context.Context) (*IntegrityReport, error) {
	runs, err := m.cfg.Registry.Recent(ctx, integrityScan)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	report := &IntegrityReport{GeneratedAt: m.cfg.Clock.Now().UTC()}
	for _, run := range runs {
		if !run.Succeeded() || run.Deleted() || run.ArtifactPath == "" {
			continue
		}
		report.Audited++
		info, err := os.Stat(run.ArtifactPath)
		switch {
		case os.IsNotExist(err):
			report.addIssue(run.ID, "missing", "artifact is gone from disk without a retention mark")
			continue
		case err != nil:
			report.addIssue(run.ID, "unreadable", err.Error())
			continue
		}
		if info.Size() != run.Size {
			report.addIssue(run.ID, "size",
				fmt.Sprintf("recorded %v, found %v on disk",
					humanize.IBytes(uint64(run.Size)), humanize.IBytes(uint64(info.Size()))))
			continue
		}
		if run.ArtifactChecksum == "" {
			continue
		}
		sum, err := encryptor.ChecksumFile(run.ArtifactPath)
		if err != nil {
			report.addIssue(run.ID, "unreadable", err.Error())
			continue
		}
		if sum != run.ArtifactChecksum {
			report.addIssue(run.ID, "checksum", "artifact content changed after it was recorded")
		}
	}

	m.cfg.Logger.InfoContext(ctx, "Artifact integrity audit finished.",
		"audited", report.Audited,
		"problems", len(report.Issues))
	if len(report.Issues) > 0 && m.cfg.Notifier != nil {
		subject := fmt.Sprintf("%d backup artifacts failed the integrity audit", len(report.Issues))
		if err := m.cfg.Notifier.Send(ctx, subject, report.Summary(), SeverityCritical); err != nil {
			m.cfg.Logger.WarnContext(ctx, "Failed to deliver integrity alert.", "error", err)
		}
	}
	return report, nil
}
