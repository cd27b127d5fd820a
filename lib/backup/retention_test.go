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
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/corvohq/warden/lib/cloudstore"
	"github.com/corvohq/warden/lib/cloudstore/memstore"
	"github.com/corvohq/warden/lib/defaults"
)

func newRetention(t *testing.T, reg Registry, clock clockwork.Clock) *Retention {
	t.Helper()
	retention, err := NewRetention(RetentionConfig{
		Registry: reg,
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		Clock:    clock,
	})
	require.NoError(t, err)
	return retention
}

// seedArtifact records a completed run with a real artifact file aged the
// given number of days.
func seedArtifact(t *testing.T, reg Registry, dir string, typ Type, ageDays int, now time.Time) string {
	t.Helper()
	started := now.AddDate(0, 0, -ageDays)
	id := NewBackupID(typ, started)
	path := filepath.Join(dir, id+defaults.EncryptedSuffix)
	require.NoError(t, os.WriteFile(path, []byte("artifact"), 0o600))
	require.NoError(t, reg.Create(context.Background(), &BackupRun{
		ID:           id,
		Type:         typ,
		Status:       StatusCompleted,
		StartedAt:    started,
		Size:         8,
		ArtifactPath: path,
	}))
	return id
}

func TestRetentionSweep(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClockAt(testStart)
	reg := NewMemoryRegistry()
	dir := t.TempDir()

	// Forty dailies, one per day. Ten of them are older than the thirty
	// day window.
	var ids []string
	for age := 1; age <= 40; age++ {
		ids = append(ids, seedArtifact(t, reg, dir, TypeDaily, age, testStart))
	}

	retention := newRetention(t, reg, clock)
	result, err := retention.Sweep(ctx)
	require.NoError(t, err)
	require.Len(t, result.Deleted, 10)
	require.Equal(t, int64(80), result.BytesFreed)

	// Exactly the ten oldest are gone, on disk and in the registry.
	for i, id := range ids {
		age := i + 1
		run, err := reg.Get(ctx, id)
		require.NoError(t, err)
		_, statErr := os.Stat(filepath.Join(dir, id+defaults.EncryptedSuffix))
		if age > 30 {
			require.True(t, run.Deleted(), "age %d", age)
			require.True(t, os.IsNotExist(statErr), "age %d", age)
		} else {
			require.False(t, run.Deleted(), "age %d", age)
			require.NoError(t, statErr, "age %d", age)
		}
	}

	// A second sweep is a no-op.
	result, err = retention.Sweep(ctx)
	require.NoError(t, err)
	require.Empty(t, result.Deleted)
}

func TestRetentionWindowsPerType(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClockAt(testStart)
	reg := NewMemoryRegistry()
	dir := t.TempDir()

	oldWeekly := seedArtifact(t, reg, dir, TypeWeekly, 13*7, testStart)
	freshWeekly := seedArtifact(t, reg, dir, TypeWeekly, 11*7, testStart)
	oldMonthly := seedArtifact(t, reg, dir, TypeMonthly, 400, testStart)
	freshMonthly := seedArtifact(t, reg, dir, TypeMonthly, 300, testStart)
	// Emergency backups are never swept.
	emergency := seedArtifact(t, reg, dir, TypeEmergency, 400, testStart)

	_, err := newRetention(t, reg, clock).Sweep(ctx)
	require.NoError(t, err)

	for id, wantDeleted := range map[string]bool{
		oldWeekly:    true,
		freshWeekly:  false,
		oldMonthly:   true,
		freshMonthly: false,
		emergency:    false,
	} {
		run, err := reg.Get(ctx, id)
		require.NoError(t, err)
		require.Equal(t, wantDeleted, run.Deleted(), id)
	}
}

func TestRetentionToleratesMissingArtifact(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClockAt(testStart)
	reg := NewMemoryRegistry()
	dir := t.TempDir()

	id := seedArtifact(t, reg, dir, TypeDaily, 45, testStart)
	require.NoError(t, os.Remove(filepath.Join(dir, id+defaults.EncryptedSuffix)))

	result, err := newRetention(t, reg, clock).Sweep(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{id}, result.Deleted)
	run, err := reg.Get(ctx, id)
	require.NoError(t, err)
	require.True(t, run.Deleted())
}

// seedReplica records a run with one object in the cloud store.
func seedReplica(t *testing.T, reg Registry, store *memstore.Store, dir string, ageDays int, deleted bool) (string, string) {
	t.Helper()
	started := testStart.AddDate(0, 0, -ageDays)
	id := NewBackupID(TypeDaily, started)
	basename := id + defaults.EncryptedSuffix
	path := filepath.Join(dir, basename)
	require.NoError(t, os.WriteFile(path, []byte("replica"), 0o600))
	key := cloudstore.ObjectKey(started, id, basename)
	_, err := store.Upload(context.Background(), path, key, cloudstore.Metadata{BackupID: id})
	require.NoError(t, err)
	run := &BackupRun{
		ID:        id,
		Type:      TypeDaily,
		Status:    StatusCompleted,
		StartedAt: started,
		Cloud:     CloudStatus{Uploaded: true, Provider: store.Provider(), Key: key},
	}
	if deleted {
		run.Retention = &RetentionStatus{DeletedAt: testStart, Reason: "retention window for daily backups elapsed"}
	}
	require.NoError(t, reg.Create(context.Background(), run))
	return id, key
}

func TestRetentionSweepCloud(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClockAt(testStart)
	reg := NewMemoryRegistry()
	store := memstore.New(clock)
	dir := t.TempDir()

	deletedID, _ := seedReplica(t, reg, store, dir, 45, true)
	liveID, liveKey := seedReplica(t, reg, store, dir, 1, false)

	retention, err := NewRetention(RetentionConfig{
		Registry: reg,
		Uploader: store,
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		Clock:    clock,
	})
	require.NoError(t, err)

	result, err := retention.SweepCloud(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{deletedID}, result.Runs)
	require.Equal(t, 1, result.Objects)

	// The deleted run's replica is gone and the removal is stamped, the
	// live run's replica stays.
	objects, err := store.List(ctx, cloudstore.KeyPrefix+"/")
	require.NoError(t, err)
	require.Len(t, objects, 1)
	require.Equal(t, liveKey, objects[0].Key)
	run, err := reg.Get(ctx, deletedID)
	require.NoError(t, err)
	require.Equal(t, testStart, run.Cloud.DeletedAt)
	liveRun, err := reg.Get(ctx, liveID)
	require.NoError(t, err)
	require.True(t, liveRun.Cloud.DeletedAt.IsZero())

	// A second sweep finds nothing left to do.
	result, err = retention.SweepCloud(ctx)
	require.NoError(t, err)
	require.Empty(t, result.Runs)
	require.Zero(t, result.Objects)
}

func TestRetentionSweepCloudRequiresUploader(t *testing.T) {
	retention := newRetention(t, NewMemoryRegistry(), clockwork.NewFakeClockAt(testStart))
	_, err := retention.SweepCloud(context.Background())
	require.True(t, trace.IsBadParameter(err))
}
