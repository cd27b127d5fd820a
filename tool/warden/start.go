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
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gravitational/trace"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/corvohq/warden"
	"github.com/corvohq/warden/lib/backup"
	"github.com/corvohq/warden/lib/config"
	"github.com/corvohq/warden/lib/defaults"
	"github.com/corvohq/warden/lib/scheduler"
)

// jobPlan is one scheduled job resolved against the configuration:
// its cron schedule after overrides and whether it may fire.
type jobPlan struct {
	Name     string
	Schedule string
	Enabled  bool
}

// jobOrder fixes the registration order so logs and tests read the
// same on every start.
var jobOrder = []string{
	scheduler.JobDailyBackup,
	scheduler.JobRetentionCleanup,
	scheduler.JobWeeklyBackup,
	scheduler.JobMonthlyBackup,
	scheduler.JobKeyRotation,
	scheduler.JobVerificationSweep,
	scheduler.JobDailyReport,
	scheduler.JobCloudCleanup,
	scheduler.JobLicenseSync,
	scheduler.JobLicenseValidation,
	scheduler.JobExpiredOfflineCleanup,
	scheduler.JobLogCleanup,
	scheduler.JobIntegrityCheck,
	scheduler.JobStorageAnalysis,
}

// planJobs resolves the full job table against the configuration.
// Feature gates decide which jobs may fire; per-job overrides can
// reschedule any job or disable an eligible one. Enabling a job whose
// feature is unconfigured is a config error, not a silent no-op.
func planJobs(cfg *config.Config) ([]jobPlan, error) {
	for name := range cfg.Jobs {
		if _, err := scheduler.ScheduleFor(name); err != nil {
			return nil, trace.Wrap(err)
		}
	}
	gates := map[string]bool{
		scheduler.JobDailyBackup:           cfg.BackupsEnabled,
		scheduler.JobRetentionCleanup:      cfg.BackupsEnabled,
		scheduler.JobWeeklyBackup:          cfg.BackupsEnabled,
		scheduler.JobMonthlyBackup:         cfg.BackupsEnabled,
		scheduler.JobKeyRotation:           cfg.BackupsEnabled,
		scheduler.JobVerificationSweep:     cfg.BackupsEnabled,
		scheduler.JobDailyReport:           cfg.BackupsEnabled,
		scheduler.JobCloudCleanup:          cfg.BackupsEnabled && cfg.CloudEnabled,
		scheduler.JobLicenseSync:           cfg.LicenseEnabled() && cfg.LicenseServerConfigured(),
		scheduler.JobLicenseValidation:     cfg.LicenseEnabled(),
		scheduler.JobExpiredOfflineCleanup: cfg.LicenseEnabled() && cfg.LicenseServerConfigured(),
		scheduler.JobLogCleanup:            true,
		scheduler.JobIntegrityCheck:        cfg.BackupsEnabled,
		scheduler.JobStorageAnalysis:       cfg.BackupsEnabled,
	}
	plans := make([]jobPlan, 0, len(jobOrder))
	for _, name := range jobOrder {
		schedule, err := scheduler.ScheduleFor(name)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		enabled := gates[name]
		if o, ok := cfg.Jobs[name]; ok {
			if o.Schedule != "" {
				schedule = o.Schedule
			}
			if o.Enabled != nil {
				if *o.Enabled && !enabled {
					return nil, trace.BadParameter("job %v cannot be enabled, its feature is not configured", name)
				}
				enabled = *o.Enabled
			}
		}
		plans = append(plans, jobPlan{Name: name, Schedule: schedule, Enabled: enabled})
	}
	return plans, nil
}

// jobRunner binds a job name to the subsystem call it performs. All
// subsystems are built here, before the scheduler starts, so the
// returned closures never touch env concurrently.
func (e *env) jobRunner(ctx context.Context, name string) (func(context.Context) error, error) {
	switch name {
	case scheduler.JobDailyBackup, scheduler.JobWeeklyBackup, scheduler.JobMonthlyBackup:
		eng, err := e.engine(ctx)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		typ := map[string]backup.Type{
			scheduler.JobDailyBackup:   backup.TypeDaily,
			scheduler.JobWeeklyBackup:  backup.TypeWeekly,
			scheduler.JobMonthlyBackup: backup.TypeMonthly,
		}[name]
		return func(ctx context.Context) error {
			_, err := eng.Run(ctx, typ)
			return trace.Wrap(err)
		}, nil
	case scheduler.JobRetentionCleanup:
		ret, err := e.retention(ctx)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		return func(ctx context.Context) error {
			_, err := ret.Sweep(ctx)
			return trace.Wrap(err)
		}, nil
	case scheduler.JobKeyRotation:
		keys, err := e.keychain()
		if err != nil {
			return nil, trace.Wrap(err)
		}
		return func(ctx context.Context) error {
			_, err := keys.Rotate(ctx)
			return trace.Wrap(err)
		}, nil
	case scheduler.JobVerificationSweep:
		ver, err := e.verifier(ctx)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		return func(ctx context.Context) error {
			_, err := ver.Sweep(ctx)
			return trace.Wrap(err)
		}, nil
	case scheduler.JobDailyReport:
		mon, err := e.monitor(ctx)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		return func(ctx context.Context) error {
			mon.CheckAndAlert(ctx)
			_, err := mon.DailyReport(ctx)
			return trace.Wrap(err)
		}, nil
	case scheduler.JobCloudCleanup:
		ret, err := e.retention(ctx)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		return func(ctx context.Context) error {
			_, err := ret.SweepCloud(ctx)
			return trace.Wrap(err)
		}, nil
	case scheduler.JobLicenseSync:
		syncer, err := e.syncer(ctx)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		return func(ctx context.Context) error {
			_, err := syncer.Sync(ctx)
			return trace.Wrap(err)
		}, nil
	case scheduler.JobLicenseValidation:
		valid, err := e.validator(ctx)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		return func(ctx context.Context) error {
			_, err := valid.ValidateAuto(ctx)
			return trace.Wrap(err)
		}, nil
	case scheduler.JobExpiredOfflineCleanup:
		syncer, err := e.syncer(ctx)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		return func(ctx context.Context) error {
			_, err := syncer.CleanupExpiredOffline(ctx)
			return trace.Wrap(err)
		}, nil
	case scheduler.JobLogCleanup:
		return func(ctx context.Context) error {
			_, err := e.logs.Prune(defaults.LogRetention)
			return trace.Wrap(err)
		}, nil
	case scheduler.JobIntegrityCheck:
		mon, err := e.monitor(ctx)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		return func(ctx context.Context) error {
			_, err := mon.IntegrityAudit(ctx)
			return trace.Wrap(err)
		}, nil
	case scheduler.JobStorageAnalysis:
		up, err := e.uploader(ctx)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		baseDir := e.cfg.BaseDir
		log := e.logs.Component(warden.ComponentIntegration)
		return func(ctx context.Context) error {
			_, err := backup.AnalyzeStorage(ctx, backup.StorageConfig{
				BaseDir:  baseDir,
				Uploader: up,
				Logger:   log,
			})
			return trace.Wrap(err)
		}, nil
	}
	return nil, trace.NotFound("scheduled job %v has no runner", name)
}

// diagServer serves the diagnostics endpoints: prometheus metrics on
// /metrics and a liveness probe on /healthz.
type diagServer struct {
	srv *http.Server
	ln  net.Listener
	log *slog.Logger
}

func newDiagServer(addr string, log *slog.Logger) (*diagServer, error) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok\n"))
	})
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, trace.ConvertSystemError(err)
	}
	return &diagServer{
		srv: &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second},
		ln:  ln,
		log: log,
	}, nil
}

func (d *diagServer) Serve() {
	go func() {
		if err := d.srv.Serve(d.ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			d.log.ErrorContext(context.Background(), "Diagnostics server exited.", "error", err)
		}
	}()
}

func (d *diagServer) Shutdown(ctx context.Context) error {
	return trace.Wrap(d.srv.Shutdown(ctx))
}

// cmdStart runs the full scheduled service until the context is
// canceled by a signal.
func cmdStart(ctx context.Context, env *env, ccfg *cliConfig) error {
	log := env.logs.Component(warden.ComponentCLI)
	plans, err := planJobs(env.cfg)
	if err != nil {
		return trace.Wrap(err)
	}
	sched, err := scheduler.New(scheduler.Config{
		Logger: env.logs.Component(warden.ComponentScheduler),
	})
	if err != nil {
		return trace.Wrap(err)
	}
	for _, plan := range plans {
		run := func(context.Context) error { return nil }
		if plan.Enabled {
			run, err = env.jobRunner(ctx, plan.Name)
			if err != nil {
				return trace.Wrap(err)
			}
		}
		// Add requires a work function even for jobs that never fire.
		if err := sched.Add(scheduler.Job{
			Name:     plan.Name,
			Schedule: plan.Schedule,
			Enabled:  plan.Enabled,
			Run:      run,
		}); err != nil {
			return trace.Wrap(err)
		}
	}
	diag, err := newDiagServer(ccfg.DiagAddr, log)
	if err != nil {
		return trace.Wrap(err)
	}
	diag.Serve()
	if err := sched.Start(ctx); err != nil {
		return trace.Wrap(err)
	}
	log.InfoContext(ctx, "Warden is running.",
		"version", warden.Version,
		"diag_addr", ccfg.DiagAddr,
	)
	<-ctx.Done()
	log.InfoContext(ctx, "Shutting down.")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), defaults.ShutdownGrace)
	defer cancel()
	var errs []error
	errs = append(errs, diag.Shutdown(shutdownCtx))
	errs = append(errs, sched.Stop())
	return trace.NewAggregate(errs...)
}
