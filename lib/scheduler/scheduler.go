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

// Package scheduler dispatches the warden job table on cron schedules.
//
// Each job runs on its own timer loop. A job never overlaps itself: a
// trigger that lands while the previous run is still going is dropped
// with a warning. Stopping the scheduler halts the timers right away
// and gives in-flight jobs a grace period to finish before their
// context is cancelled.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"

	"github.com/corvohq/warden"
	"github.com/corvohq/warden/lib/defaults"
	"github.com/corvohq/warden/lib/observability/metrics"
)

// Job is one scheduled unit of work.
type Job struct {
	// Name identifies the job in logs, metrics and configuration.
	Name string
	// Schedule is a five field cron expression.
	Schedule string
	// Enabled gates the job. A disabled job registers but never fires.
	Enabled bool
	// Run does the work. It must watch ctx and wrap up when the
	// scheduler shuts down.
	Run func(ctx context.Context) error
}

// Config configures a Scheduler.
type Config struct {
	// Logger emits log messages.
	Logger *slog.Logger
	// Clock drives the job timers.
	Clock clockwork.Clock
	// Grace bounds how long Stop waits for in-flight jobs before
	// cancelling their context.
	Grace time.Duration
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.Logger == nil {
		c.Logger = slog.Default().With(warden.ComponentKey, warden.ComponentScheduler)
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Grace <= 0 {
		c.Grace = defaults.ShutdownGrace
	}
	return nil
}

// Scheduler runs registered jobs on their cron schedules.
type Scheduler struct {
	cfg     Config
	metrics *schedulerMetrics

	mu         sync.Mutex
	jobs       []*scheduledJob
	names      map[string]bool
	started    bool
	loopCancel context.CancelFunc
	jobCancel  context.CancelFunc

	// jobCtx is handed to job runs. It is set once by Start before any
	// loop spawns and outlives the loop context so that in-flight jobs
	// can drain during the stop grace.
	jobCtx context.Context

	loops   sync.WaitGroup
	running sync.WaitGroup
}

type scheduledJob struct {
	job      Job
	schedule cron.Schedule
	inFlight atomic.Bool
}

// New returns a scheduler with no jobs registered.
func New(cfg Config) (*Scheduler, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	m, err := newSchedulerMetrics()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &Scheduler{
		cfg:     cfg,
		metrics: m,
		names:   make(map[string]bool),
	}, nil
}

// Add registers a job. All jobs must be added before Start. A job with
// a missing name, schedule or work function is refused, as is a
// schedule that does not parse.
func (s *Scheduler) Add(job Job) error {
	if job.Name == "" {
		return trace.BadParameter("missing job name")
	}
	if job.Run == nil {
		return trace.BadParameter("job %v has no work function", job.Name)
	}
	if job.Schedule == "" {
		return trace.BadParameter("job %v has no schedule", job.Name)
	}
	schedule, err := cron.ParseStandard(job.Schedule)
	if err != nil {
		return trace.BadParameter("job %v has a malformed schedule %q: %v", job.Name, job.Schedule, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return trace.CompareFailed("scheduler is already started")
	}
	if s.names[job.Name] {
		return trace.AlreadyExists("job %v is already registered", job.Name)
	}
	s.names[job.Name] = true
	s.jobs = append(s.jobs, &scheduledJob{job: job, schedule: schedule})
	return nil
}

// Start launches a timer loop per enabled job. The loops stop when ctx
// is cancelled or Stop is called. Job runs receive a context that is
// not cancelled with ctx, so that jobs interrupted by a shutdown
// signal can still drain within the stop grace.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return trace.CompareFailed("scheduler is already started")
	}
	s.started = true

	loopCtx, loopCancel := context.WithCancel(ctx)
	jobCtx, jobCancel := context.WithCancel(context.WithoutCancel(ctx))
	s.loopCancel, s.jobCancel = loopCancel, jobCancel
	s.jobCtx = jobCtx

	var enabled int
	for _, sj := range s.jobs {
		if !sj.job.Enabled {
			s.cfg.Logger.InfoContext(ctx, "Scheduled job is disabled.", "job", sj.job.Name)
			continue
		}
		enabled++
		s.loops.Add(1)
		go s.loop(loopCtx, sj)
	}
	s.cfg.Logger.InfoContext(ctx, "Scheduler started.", "jobs", enabled)
	return nil
}

// Stop halts the timers, waits up to the grace period for in-flight
// jobs and then cancels their context. It returns an error if the
// grace period ran out. Stop after Stop is a no-op; a stopped
// scheduler cannot be started again.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	loopCancel, jobCancel := s.loopCancel, s.jobCancel
	s.loopCancel, s.jobCancel = nil, nil
	s.mu.Unlock()
	if loopCancel == nil {
		return nil
	}

	loopCancel()
	s.loops.Wait()

	done := make(chan struct{})
	go func() {
		s.running.Wait()
		close(done)
	}()
	select {
	case <-done:
		jobCancel()
		s.cfg.Logger.InfoContext(context.Background(), "Scheduler stopped.")
		return nil
	case <-s.cfg.Clock.After(s.cfg.Grace):
		jobCancel()
		<-done
		return trace.LimitExceeded("scheduled jobs did not finish within %v and were cancelled", s.cfg.Grace)
	}
}

func (s *Scheduler) loop(ctx context.Context, sj *scheduledJob) {
	defer s.loops.Done()
	for {
		now := s.cfg.Clock.Now()
		timer := s.cfg.Clock.NewTimer(sj.schedule.Next(now).Sub(now))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.Chan():
			if ctx.Err() != nil {
				return
			}
			s.trigger(sj)
		}
	}
}

// trigger starts one run of the job unless the previous run is still
// going, in which case the trigger is dropped. Missed triggers are not
// queued.
func (s *Scheduler) trigger(sj *scheduledJob) {
	if !sj.inFlight.CompareAndSwap(false, true) {
		s.metrics.skips.WithLabelValues(sj.job.Name).Inc()
		s.cfg.Logger.WarnContext(s.jobCtx, "Scheduled job is still running, dropping this trigger.", "job", sj.job.Name)
		return
	}
	s.running.Add(1)
	go func() {
		defer s.running.Done()
		defer sj.inFlight.Store(false)
		s.run(s.jobCtx, sj)
	}()
}

func (s *Scheduler) run(ctx context.Context, sj *scheduledJob) {
	s.cfg.Logger.InfoContext(ctx, "Scheduled job starting.", "job", sj.job.Name)
	started := s.cfg.Clock.Now()
	err := sj.job.Run(ctx)
	elapsed := s.cfg.Clock.Since(started)
	s.metrics.duration.WithLabelValues(sj.job.Name).Observe(elapsed.Seconds())
	if err != nil {
		s.metrics.runs.WithLabelValues(sj.job.Name, metricFailure).Inc()
		s.cfg.Logger.ErrorContext(ctx, "Scheduled job failed.", "job", sj.job.Name, "error", err, "elapsed", elapsed.String())
		return
	}
	s.metrics.runs.WithLabelValues(sj.job.Name, metricSuccess).Inc()
	s.cfg.Logger.InfoContext(ctx, "Scheduled job finished.", "job", sj.job.Name, "elapsed", elapsed.String())
}

const (
	metricSuccess = "success"
	metricFailure = "failure"
)

type schedulerMetrics struct {
	runs     *prometheus.CounterVec
	skips    *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

func newSchedulerMetrics() (*schedulerMetrics, error) {
	m := &schedulerMetrics{
		runs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: warden.MetricNamespace,
				Name:      warden.MetricSchedulerJobRuns,
				Help:      "Number of scheduled job runs by job and status",
			},
			[]string{"job", "status"},
		),
		skips: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: warden.MetricNamespace,
				Name:      warden.MetricSchedulerJobSkips,
				Help:      "Number of scheduled job triggers dropped because the previous run was still going",
			},
			[]string{"job"},
		),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: warden.MetricNamespace,
				Name:      warden.MetricSchedulerJobDuration,
				Help:      "Duration of scheduled job runs in seconds",
				// lowest bucket 1s, highest 1s * 2^11 ~ 34 min
				Buckets: prometheus.ExponentialBuckets(1, 2, 12),
			},
			[]string{"job"},
		),
	}
	return m, trace.Wrap(metrics.RegisterPrometheusCollectors(
		m.runs,
		m.skips,
		m.duration,
	))
}
