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

package backup

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/corvohq/warden"
	"github.com/corvohq/warden/lib/cloudstore"
	"github.com/corvohq/warden/lib/defaults"
	"github.com/corvohq/warden/lib/observability/metrics"
)

// RetentionConfig configures the artifact retention sweeper.
type RetentionConfig struct {
	// Registry holds the run records the sweep walks.
	Registry Registry
	// Uploader removes the cloud replicas of deleted runs. Nil disables
	// the cloud sweep.
	Uploader cloudstore.Uploader
	// DailyWindow is how long daily artifacts are kept.
	DailyWindow time.Duration
	// WeeklyWindow is how long weekly artifacts are kept.
	WeeklyWindow time.Duration
	// MonthlyMonths is how many calendar months monthly artifacts are
	// kept.
	MonthlyMonths int
	// Logger emits sweep progress.
	Logger *slog.Logger
	// Clock supplies the sweep time.
	Clock clockwork.Clock
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *RetentionConfig) CheckAndSetDefaults() error {
	if c.Registry == nil {
		return trace.BadParameter("missing backup registry")
	}
	if c.DailyWindow <= 0 {
		c.DailyWindow = defaults.DailyRetention
	}
	if c.WeeklyWindow <= 0 {
		c.WeeklyWindow = defaults.WeeklyRetention
	}
	if c.MonthlyMonths <= 0 {
		c.MonthlyMonths = defaults.MonthlyRetentionMonths
	}
	if c.Logger == nil {
		c.Logger = slog.Default().With(warden.ComponentKey, warden.ComponentBackup)
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Retention removes backup artifacts that aged out of their type's window.
// Run records survive deletion, only the files go. Sweeps are idempotent,
// an artifact is deleted and marked exactly once.
type Retention struct {
	cfg     RetentionConfig
	deleted *prometheus.CounterVec
}

// NewRetention returns a Retention sweeper with registered metrics.
func NewRetention(cfg RetentionConfig) (*Retention, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	deleted := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: warden.MetricNamespace,
			Name:      warden.MetricRetentionDeleted,
			Help:      "Number of backup artifacts removed by retention",
		},
		[]string{"type"},
	)
	if err := metrics.RegisterPrometheusCollectors(deleted); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Retention{cfg: cfg, deleted: deleted}, nil
}

// SweepResult summarizes one retention sweep.
type SweepResult struct {
	// Deleted lists the IDs of runs whose artifacts were removed.
	Deleted []string
	// BytesFreed sums the sizes of the removed artifacts.
	BytesFreed int64
}

// Sweep removes every expired artifact. Emergency backups are kept until
// an operator removes them. Individual failures do not stop the sweep,
// they are aggregated into the returned error and the affected artifacts
// stay eligible for the next sweep.
func (r *Retention) Sweep(ctx context.Context) (*SweepResult, error) {
	now := r.cfg.Clock.Now()
	windows := []struct {
		typ    Type
		cutoff time.Time
	}{
		{TypeDaily, now.Add(-r.cfg.DailyWindow)},
		{TypeWeekly, now.Add(-r.cfg.WeeklyWindow)},
		{TypeMonthly, now.AddDate(0, -r.cfg.MonthlyMonths, 0)},
	}

	result := &SweepResult{}
	var errs []error
	for _, window := range windows {
		expired, err := r.cfg.Registry.Expired(ctx, window.typ, window.cutoff)
		if err != nil {
			errs = append(errs, trace.Wrap(err))
			continue
		}
		for _, run := range expired {
			if err := r.remove(ctx, &run, now); err != nil {
				errs = append(errs, trace.Wrap(err))
				continue
			}
			result.Deleted = append(result.Deleted, run.ID)
			result.BytesFreed += run.Size
			r.deleted.WithLabelValues(string(run.Type)).Inc()
		}
	}
	if len(result.Deleted) > 0 {
		r.cfg.Logger.InfoContext(ctx, "Retention sweep removed expired artifacts.",
			"deleted", len(result.Deleted), "bytes_freed", result.BytesFreed)
	}
	return result, trace.NewAggregate(errs...)
}

func (r *Retention) remove(ctx context.Context, run *BackupRun, now time.Time) error {
	if run.ArtifactPath != "" {
		if err := os.Remove(run.ArtifactPath); err != nil && !os.IsNotExist(err) {
			return trace.ConvertSystemError(err)
		}
	}
	err := r.cfg.Registry.MarkDeleted(ctx, run.ID, RetentionStatus{
		DeletedAt: now,
		Reason:    "retention window for " + string(run.Type) + " backups elapsed",
	})
	if err != nil {
		return trace.Wrap(err)
	}
	r.cfg.Logger.InfoContext(ctx, "Removed expired backup artifact.",
		"backup_id", run.ID, "type", run.Type, "size", run.Size)
	return nil
}

// cloudSweepScan is how many recent runs one cloud sweep inspects.
const cloudSweepScan = 200

// CloudSweepResult summarizes one cloud sweep.
type CloudSweepResult struct {
	// Runs lists the IDs of runs whose cloud replicas were removed.
	Runs []string
	// Objects counts the removed cloud objects.
	Objects int
}

// SweepCloud removes the cloud replicas of runs whose local artifacts
// retention already deleted. A run's replica is removed exactly once,
// the removal is stamped on the run record. A run whose objects cannot
// all be deleted keeps its stamp clear and is retried on the next sweep.
func (r *Retention) SweepCloud(ctx context.Context) (*CloudSweepResult, error) {
	if r.cfg.Uploader == nil {
		return nil, trace.BadParameter("cloud storage is not configured")
	}
	runs, err := r.cfg.Registry.Recent(ctx, cloudSweepScan)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	result := &CloudSweepResult{}
	var errs []error
	for _, run := range runs {
		if !run.Deleted() || !run.Cloud.Uploaded || !run.Cloud.DeletedAt.IsZero() {
			continue
		}
		objects, err := r.cfg.Uploader.List(ctx, cloudstore.RunPrefix(run.StartedAt, run.ID))
		if err != nil {
			errs = append(errs, trace.Wrap(err))
			continue
		}
		removed := 0
		for _, obj := range objects {
			if err := r.cfg.Uploader.Delete(ctx, obj.Key); err != nil {
				errs = append(errs, trace.Wrap(err))
				continue
			}
			removed++
		}
		result.Objects += removed
		if removed < len(objects) {
			continue
		}
		run.Cloud.DeletedAt = r.cfg.Clock.Now()
		if err := r.cfg.Registry.Update(ctx, &run); err != nil {
			errs = append(errs, trace.Wrap(err))
			continue
		}
		result.Runs = append(result.Runs, run.ID)
		r.cfg.Logger.InfoContext(ctx, "Removed cloud replica of deleted backup.",
			"backup_id", run.ID, "objects", removed)
	}
	return result, trace.NewAggregate(errs...)
}
