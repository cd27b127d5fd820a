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
	"testing"
	"time"

	"github.com/gravitational/trace"
	"github.com/stretchr/testify/require"
)

func seedRun(t *testing.T, reg Registry, id string, typ Type, status Status, started time.Time, size int64) {
	t.Helper()
	require.NoError(t, reg.Create(context.Background(), &BackupRun{
		ID:        id,
		Type:      typ,
		Status:    status,
		StartedAt: started,
		Size:      size,
	}))
}

func TestMemoryRegistryCRUD(t *testing.T) {
	ctx := context.Background()
	reg := NewMemoryRegistry()

	run := &BackupRun{
		ID:        "daily-backup-2025-04-02T02-30-00-000Z",
		Type:      TypeDaily,
		Status:    StatusCompleted,
		StartedAt: testStart,
		Size:      2048,
	}
	require.NoError(t, reg.Create(ctx, run))
	require.True(t, trace.IsAlreadyExists(reg.Create(ctx, run)))

	got, err := reg.Get(ctx, run.ID)
	require.NoError(t, err)
	require.Equal(t, run.ID, got.ID)

	got.Size = 4096
	require.NoError(t, reg.Update(ctx, got))
	got, err = reg.Get(ctx, run.ID)
	require.NoError(t, err)
	require.Equal(t, int64(4096), got.Size)

	_, err = reg.Get(ctx, "daily-backup-missing")
	require.True(t, trace.IsNotFound(err))
	require.True(t, trace.IsNotFound(reg.Update(ctx, &BackupRun{
		ID: "daily-backup-missing", Type: TypeDaily, Status: StatusFailed,
	})))
}

func TestMemoryRegistryValidation(t *testing.T) {
	ctx := context.Background()
	reg := NewMemoryRegistry()
	for _, run := range []*BackupRun{
		{Type: TypeDaily, Status: StatusCompleted},
		{ID: "x", Type: "hourly", Status: StatusCompleted},
		{ID: "x", Type: TypeDaily},
		{ID: "x", Type: TypeDaily, Status: "done"},
	} {
		require.True(t, trace.IsBadParameter(reg.Create(ctx, run)), "%+v", run)
	}
}

func TestMemoryRegistryRecentOrdering(t *testing.T) {
	ctx := context.Background()
	reg := NewMemoryRegistry()
	for i := 0; i < 5; i++ {
		seedRun(t, reg, NewBackupID(TypeDaily, testStart.AddDate(0, 0, i)), TypeDaily,
			StatusCompleted, testStart.AddDate(0, 0, i), 100)
	}
	seedRun(t, reg, NewBackupID(TypeWeekly, testStart), TypeWeekly, StatusCompleted, testStart, 500)

	recent, err := reg.Recent(ctx, 3)
	require.NoError(t, err)
	require.Len(t, recent, 3)
	require.True(t, recent[0].StartedAt.After(recent[1].StartedAt))
	require.True(t, recent[1].StartedAt.After(recent[2].StartedAt))

	dailies, err := reg.ByType(ctx, TypeDaily, 0)
	require.NoError(t, err)
	require.Len(t, dailies, 5)
	weeklies, err := reg.ByType(ctx, TypeWeekly, 0)
	require.NoError(t, err)
	require.Len(t, weeklies, 1)
}

func TestMemoryRegistryMarks(t *testing.T) {
	ctx := context.Background()
	reg := NewMemoryRegistry()
	seedRun(t, reg, "daily-backup-a", TypeDaily, StatusCompleted, testStart, 100)

	require.NoError(t, reg.MarkVerified(ctx, "daily-backup-a", VerificationStatus{
		Status: VerifyExcellent, Score: 100, VerifiedAt: testStart.Add(time.Hour),
	}))
	require.NoError(t, reg.MarkRestored(ctx, "daily-backup-a", RestorationStatus{
		Success: true, TestedAt: testStart.Add(2 * time.Hour),
	}))
	require.NoError(t, reg.MarkDeleted(ctx, "daily-backup-a", RetentionStatus{
		DeletedAt: testStart.Add(3 * time.Hour), Reason: "retention window for daily backups elapsed",
	}))

	got, err := reg.Get(ctx, "daily-backup-a")
	require.NoError(t, err)
	require.Equal(t, VerifyExcellent, got.Verification.Status)
	require.True(t, got.Restoration.Success)
	require.True(t, got.Deleted())

	require.True(t, trace.IsNotFound(reg.MarkVerified(ctx, "nope", VerificationStatus{})))
}

func TestMemoryRegistryExpired(t *testing.T) {
	ctx := context.Background()
	reg := NewMemoryRegistry()
	cutoff := testStart

	// Old and completed: expired.
	seedRun(t, reg, "daily-backup-old", TypeDaily, StatusCompleted, testStart.AddDate(0, 0, -40), 100)
	seedRun(t, reg, "daily-backup-older", TypeDaily, StatusCompleted, testStart.AddDate(0, 0, -50), 100)
	// Old but failed: no artifact to delete.
	seedRun(t, reg, "daily-backup-failed", TypeDaily, StatusFailed, testStart.AddDate(0, 0, -45), 0)
	// Fresh: kept.
	seedRun(t, reg, "daily-backup-new", TypeDaily, StatusCompleted, testStart.AddDate(0, 0, -1), 100)
	// Wrong type: untouched by the daily window.
	seedRun(t, reg, "monthly-backup-old", TypeMonthly, StatusCompleted, testStart.AddDate(0, 0, -40), 100)
	// Already deleted: not returned again.
	seedRun(t, reg, "daily-backup-gone", TypeDaily, StatusCompleted, testStart.AddDate(0, 0, -60), 100)
	require.NoError(t, reg.MarkDeleted(ctx, "daily-backup-gone", RetentionStatus{DeletedAt: testStart}))

	expired, err := reg.Expired(ctx, TypeDaily, cutoff)
	require.NoError(t, err)
	require.Len(t, expired, 2)
	// Oldest first.
	require.Equal(t, "daily-backup-older", expired[0].ID)
	require.Equal(t, "daily-backup-old", expired[1].ID)
}

func TestMemoryRegistryStats(t *testing.T) {
	ctx := context.Background()
	reg := NewMemoryRegistry()

	seedRun(t, reg, "daily-backup-1", TypeDaily, StatusCompleted, testStart.Add(-72*time.Hour), 100)
	seedRun(t, reg, "daily-backup-2", TypeDaily, StatusCompleted, testStart.Add(-48*time.Hour), 200)
	seedRun(t, reg, "daily-backup-3", TypeDaily, StatusFailed, testStart.Add(-24*time.Hour), 0)
	seedRun(t, reg, "daily-backup-4", TypeDaily, StatusCompleted, testStart.Add(-12*time.Hour), 400)
	// Before the window: excluded.
	seedRun(t, reg, "daily-backup-0", TypeDaily, StatusCompleted, testStart.Add(-10*24*time.Hour), 999)

	stats, err := reg.Stats(ctx, testStart.Add(-7*24*time.Hour))
	require.NoError(t, err)
	require.Equal(t, 4, stats.Total)
	require.Equal(t, 3, stats.Completed)
	require.Equal(t, 1, stats.Failed)
	require.InEpsilon(t, 0.25, stats.FailureRate, 1e-9)
	require.Equal(t, int64(700), stats.TotalBytes)
	require.Equal(t, "daily-backup-4", stats.LastRun.ID)
	require.Equal(t, "daily-backup-4", stats.LastSuccess.ID)

	// A trailing failure moves LastRun but not LastSuccess.
	seedRun(t, reg, "daily-backup-5", TypeDaily, StatusFailed, testStart.Add(-time.Hour), 0)
	stats, err = reg.Stats(ctx, testStart.Add(-7*24*time.Hour))
	require.NoError(t, err)
	require.Equal(t, "daily-backup-5", stats.LastRun.ID)
	require.Equal(t, "daily-backup-4", stats.LastSuccess.ID)
}

func TestNewBackupID(t *testing.T) {
	id := NewBackupID(TypeDaily, time.Date(2025, 4, 2, 2, 30, 0, 0, time.UTC))
	require.Equal(t, "daily-backup-2025-04-02T02-30-00-000Z", id)

	// Sub-second precision keeps IDs of close runs distinct.
	a := NewBackupID(TypeEmergency, time.Date(2025, 4, 2, 2, 30, 0, 250e6, time.UTC))
	b := NewBackupID(TypeEmergency, time.Date(2025, 4, 2, 2, 30, 0, 750e6, time.UTC))
	require.Equal(t, "emergency-backup-2025-04-02T02-30-00-250Z", a)
	require.NotEqual(t, a, b)

	// Local times normalize to UTC.
	loc := time.FixedZone("UTC+2", 2*60*60)
	id = NewBackupID(TypeDaily, time.Date(2025, 4, 2, 4, 30, 0, 0, loc))
	require.Equal(t, "daily-backup-2025-04-02T02-30-00-000Z", id)
}
