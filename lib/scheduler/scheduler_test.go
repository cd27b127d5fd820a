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
	"context"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/robfig/cron/v3"
	"github.com/stretchr/testify/require"

	"github.com/corvohq/warden/lib/defaults"
)

var testNow = time.Date(2025, 4, 2, 2, 0, 0, 0, time.UTC)

func newTestScheduler(t *testing.T, clock clockwork.Clock) *Scheduler {
	t.Helper()
	s, err := New(Config{
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		Clock:  clock,
		Grace:  defaults.ShutdownGrace,
	})
	require.NoError(t, err)
	return s
}

func TestJobTable(t *testing.T) {
	require.Len(t, DefaultSchedules, 14)
	for name, spec := range DefaultSchedules {
		_, err := cron.ParseStandard(spec)
		require.NoError(t, err, "job %v", name)
	}

	spec, err := ScheduleFor(JobDailyBackup)
	require.NoError(t, err)
	require.Equal(t, defaults.CronDailyBackup, spec)

	_, err = ScheduleFor("mystery-job")
	require.True(t, trace.IsNotFound(err))
}

func TestAddValidation(t *testing.T) {
	noop := func(context.Context) error { return nil }
	s := newTestScheduler(t, clockwork.NewFakeClockAt(testNow))

	cases := []struct {
		desc string
		job  Job
	}{
		{desc: "missing name", job: Job{Schedule: "* * * * *", Run: noop}},
		{desc: "missing work function", job: Job{Name: "idle", Schedule: "* * * * *"}},
		{desc: "missing schedule", job: Job{Name: "idle", Run: noop}},
		{desc: "malformed schedule", job: Job{Name: "idle", Schedule: "often", Run: noop}},
	}
	for _, tc := range cases {
		t.Run(tc.desc, func(t *testing.T) {
			err := s.Add(tc.job)
			require.True(t, trace.IsBadParameter(err), "got %v", err)
		})
	}

	require.NoError(t, s.Add(Job{Name: "idle", Schedule: "* * * * *", Run: noop}))
	err := s.Add(Job{Name: "idle", Schedule: "* * * * *", Run: noop})
	require.True(t, trace.IsAlreadyExists(err), "got %v", err)

	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(func() { require.NoError(t, s.Stop()) })
	err = s.Add(Job{Name: "late", Schedule: "* * * * *", Run: noop})
	require.True(t, trace.IsCompareFailed(err), "got %v", err)
}

func TestSchedulerRunsJobsOnSchedule(t *testing.T) {
	clock := clockwork.NewFakeClockAt(testNow)
	s := newTestScheduler(t, clock)

	var runs, disabledRuns atomic.Int32
	require.NoError(t, s.Add(Job{
		Name:     "nightly",
		Schedule: "30 2 * * *",
		Enabled:  true,
		Run: func(context.Context) error {
			runs.Add(1)
			return nil
		},
	}))
	require.NoError(t, s.Add(Job{
		Name:     "benched",
		Schedule: "30 2 * * *",
		Enabled:  false,
		Run: func(context.Context) error {
			disabledRuns.Add(1)
			return nil
		},
	}))

	require.NoError(t, s.Start(context.Background()))

	// One waiter proves the disabled job got no timer loop.
	clock.BlockUntil(1)
	clock.Advance(30 * time.Minute)
	require.Eventually(t, func() bool { return runs.Load() == 1 }, 2*time.Second, 10*time.Millisecond)

	clock.BlockUntil(1)
	clock.Advance(24 * time.Hour)
	require.Eventually(t, func() bool { return runs.Load() == 2 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, s.Stop())
	require.Zero(t, disabledRuns.Load())
}

func TestSchedulerDropsOverlappingTriggers(t *testing.T) {
	clock := clockwork.NewFakeClockAt(testNow)
	s := newTestScheduler(t, clock)

	release := make(chan struct{})
	started := make(chan struct{}, 8)
	var runs atomic.Int32
	require.NoError(t, s.Add(Job{
		Name:     "slow",
		Schedule: "*/15 * * * *",
		Enabled:  true,
		Run: func(ctx context.Context) error {
			runs.Add(1)
			started <- struct{}{}
			select {
			case <-release:
			case <-ctx.Done():
			}
			return nil
		},
	}))

	require.NoError(t, s.Start(context.Background()))
	clock.BlockUntil(1)
	clock.Advance(15 * time.Minute)
	<-started

	// The next trigger lands while the first run is still going. The
	// loop re-arming its timer proves the drop went through.
	clock.BlockUntil(1)
	clock.Advance(15 * time.Minute)
	clock.BlockUntil(1)
	require.Equal(t, int32(1), runs.Load())
	require.Equal(t, float64(1), testutil.ToFloat64(s.metrics.skips.WithLabelValues("slow")))

	// Once the first run finishes the following trigger fires normally.
	close(release)
	require.Eventually(t, func() bool { return !s.jobs[0].inFlight.Load() }, 2*time.Second, 10*time.Millisecond)
	clock.Advance(15 * time.Minute)
	require.Eventually(t, func() bool { return runs.Load() == 2 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, s.Stop())
	require.Equal(t, float64(2), testutil.ToFloat64(s.metrics.runs.WithLabelValues("slow", metricSuccess)))
}

func TestSchedulerStopWaitsForInFlightJobs(t *testing.T) {
	clock := clockwork.NewFakeClockAt(testNow)
	s := newTestScheduler(t, clock)

	release := make(chan struct{})
	started := make(chan struct{}, 1)
	var sawCancel atomic.Bool
	require.NoError(t, s.Add(Job{
		Name:     "draining",
		Schedule: "0 * * * *",
		Enabled:  true,
		Run: func(ctx context.Context) error {
			started <- struct{}{}
			<-release
			sawCancel.Store(ctx.Err() != nil)
			return nil
		},
	}))

	require.NoError(t, s.Start(context.Background()))
	clock.BlockUntil(1)
	clock.Advance(time.Hour)
	<-started

	stopErr := make(chan error, 1)
	go func() { stopErr <- s.Stop() }()

	// Letting the job finish must unblock Stop without the grace
	// running out, and without the job seeing a cancelled context.
	clock.BlockUntil(1)
	close(release)
	require.NoError(t, <-stopErr)
	require.False(t, sawCancel.Load(), "job context was cancelled before the grace ran out")
}

func TestSchedulerStopCancelsAfterGrace(t *testing.T) {
	clock := clockwork.NewFakeClockAt(testNow)
	s := newTestScheduler(t, clock)

	started := make(chan struct{}, 1)
	require.NoError(t, s.Add(Job{
		// Disabled so no timer loop runs. The job is put in flight by
		// hand, leaving the grace timer as the only clock waiter.
		Name:     "stuck",
		Schedule: "0 * * * *",
		Enabled:  false,
		Run: func(ctx context.Context) error {
			started <- struct{}{}
			<-ctx.Done()
			return trace.Wrap(ctx.Err())
		},
	}))

	require.NoError(t, s.Start(context.Background()))
	s.trigger(s.jobs[0])
	<-started

	stopErr := make(chan error, 1)
	go func() { stopErr <- s.Stop() }()

	clock.BlockUntil(1)
	clock.Advance(defaults.ShutdownGrace)
	err := <-stopErr
	require.True(t, trace.IsLimitExceeded(err), "got %v", err)
	require.Equal(t, float64(1), testutil.ToFloat64(s.metrics.runs.WithLabelValues("stuck", metricFailure)))
}

func TestSchedulerShutdownSignalStopsTriggers(t *testing.T) {
	clock := clockwork.NewFakeClockAt(testNow)
	s := newTestScheduler(t, clock)

	release := make(chan struct{})
	started := make(chan struct{}, 1)
	var runs atomic.Int32
	var sawCancel atomic.Bool
	require.NoError(t, s.Add(Job{
		Name:     "hourly",
		Schedule: "0 * * * *",
		Enabled:  true,
		Run: func(ctx context.Context) error {
			runs.Add(1)
			started <- struct{}{}
			<-release
			sawCancel.Store(ctx.Err() != nil)
			return nil
		},
	}))

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, s.Start(ctx))
	clock.BlockUntil(1)
	clock.Advance(time.Hour)
	<-started

	// The signal stops new triggers but the in-flight run keeps its
	// context and drains normally.
	cancel()
	close(release)
	require.NoError(t, s.Stop())
	require.Equal(t, int32(1), runs.Load())
	require.False(t, sawCancel.Load(), "shutdown signal cancelled an in-flight job before the grace")

	clock.Advance(2 * time.Hour)
	require.Equal(t, int32(1), runs.Load())
}

func TestSchedulerLifecycle(t *testing.T) {
	s := newTestScheduler(t, clockwork.NewFakeClockAt(testNow))

	require.NoError(t, s.Stop(), "stop before start is a no-op")

	require.NoError(t, s.Start(context.Background()))
	err := s.Start(context.Background())
	require.True(t, trace.IsCompareFailed(err), "got %v", err)

	require.NoError(t, s.Stop())
	require.NoError(t, s.Stop(), "stop is idempotent")

	err = s.Start(context.Background())
	require.True(t, trace.IsCompareFailed(err), "a stopped scheduler cannot restart")
}
