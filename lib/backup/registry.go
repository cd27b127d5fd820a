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
	"sort"
	"sync"
	"time"

	"github.com/gravitational/trace"
)

// Stats aggregates run outcomes over a window.
type Stats struct {
	// Total counts runs started in the window.
	Total int
	// Completed counts successful runs in the window.
	Completed int
	// Failed counts failed runs in the window.
	Failed int
	// FailureRate is Failed over Total, zero when no runs happened.
	FailureRate float64
	// TotalBytes sums the artifact sizes of completed runs whose
	// artifacts are still on disk.
	TotalBytes int64
	// LastRun is the most recent run regardless of outcome.
	LastRun *BackupRun
	// LastSuccess is the most recent completed run.
	LastSuccess *BackupRun
}

// Registry stores backup run records. Records survive artifact deletion,
// retention marks them instead of removing them.
type Registry interface {
	// Create inserts a new run record.
	Create(ctx context.Context, run *BackupRun) error
	// Update replaces an existing run record.
	Update(ctx context.Context, run *BackupRun) error
	// Get returns the run with the given ID.
	Get(ctx context.Context, id string) (*BackupRun, error)
	// Recent returns up to limit runs, newest first.
	Recent(ctx context.Context, limit int) ([]BackupRun, error)
	// ByType returns up to limit runs of one type, newest first.
	ByType(ctx context.Context, typ Type, limit int) ([]BackupRun, error)
	// MarkVerified records a verification outcome on a run.
	MarkVerified(ctx context.Context, id string, v VerificationStatus) error
	// MarkRestored records a restore test outcome on a run.
	MarkRestored(ctx context.Context, id string, r RestorationStatus) error
	// MarkDeleted records that retention removed the run's artifact.
	MarkDeleted(ctx context.Context, id string, ret RetentionStatus) error
	// Expired returns completed, undeleted runs of one type started
	// before the cutoff, oldest first.
	Expired(ctx context.Context, typ Type, cutoff time.Time) ([]BackupRun, error)
	// Stats aggregates runs started at or after since.
	Stats(ctx context.Context, since time.Time) (*Stats, error)
	// Close releases the registry.
	Close(ctx context.Context) error
}

// MemoryRegistry keeps run records in memory. It backs one-shot CLI runs
// without a database and the test suites.
type MemoryRegistry struct {
	mu   sync.RWMutex
	runs map[string]BackupRun
}

// NewMemoryRegistry returns an empty in-memory registry.
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{runs: make(map[string]BackupRun)}
}

func (m *MemoryRegistry) Create(ctx context.Context, run *BackupRun) error {
	if err := run.CheckAndSetDefaults(); err != nil {
		return trace.Wrap(err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.runs[run.ID]; ok {
		return trace.AlreadyExists("backup %v is already recorded", run.ID)
	}
	m.runs[run.ID] = *run
	return nil
}

func (m *MemoryRegistry) Update(ctx context.Context, run *BackupRun) error {
	if err := run.CheckAndSetDefaults(); err != nil {
		return trace.Wrap(err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.runs[run.ID]; !ok {
		return trace.NotFound("backup %v is not recorded", run.ID)
	}
	m.runs[run.ID] = *run
	return nil
}

func (m *MemoryRegistry) Get(ctx context.Context, id string) (*BackupRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	run, ok := m.runs[id]
	if !ok {
		return nil, trace.NotFound("backup %v is not recorded", id)
	}
	return &run, nil
}

func (m *MemoryRegistry) Recent(ctx context.Context, limit int) ([]BackupRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.filter(limit, func(run BackupRun) bool { return true }), nil
}

func (m *MemoryRegistry) ByType(ctx context.Context, typ Type, limit int) ([]BackupRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.filter(limit, func(run BackupRun) bool { return run.Type == typ }), nil
}

// filter returns matching runs newest first. Callers hold the lock.
func (m *MemoryRegistry) filter(limit int, match func(BackupRun) bool) []BackupRun {
	out := make([]BackupRun, 0, len(m.runs))
	for _, run := range m.runs {
		if match(run) {
			out = append(out, run)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].StartedAt.After(out[j].StartedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (m *MemoryRegistry) MarkVerified(ctx context.Context, id string, v VerificationStatus) error {
	return m.patch(id, func(run *BackupRun) {
		run.Verification = &v
	})
}

func (m *MemoryRegistry) MarkRestored(ctx context.Context, id string, r RestorationStatus) error {
	return m.patch(id, func(run *BackupRun) {
		run.Restoration = &r
	})
}

func (m *MemoryRegistry) MarkDeleted(ctx context.Context, id string, ret RetentionStatus) error {
	return m.patch(id, func(run *BackupRun) {
		run.Retention = &ret
	})
}

func (m *MemoryRegistry) patch(id string, apply func(*BackupRun)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[id]
	if !ok {
		return trace.NotFound("backup %v is not recorded", id)
	}
	apply(&run)
	m.runs[id] = run
	return nil
}

func (m *MemoryRegistry) Expired(ctx context.Context, typ Type, cutoff time.Time) ([]BackupRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := m.filter(0, func(run BackupRun) bool {
		return run.Type == typ && run.Succeeded() && !run.Deleted() && run.StartedAt.Before(cutoff)
	})
	// Oldest first so retention removes in age order.
	sort.Slice(out, func(i, j int) bool {
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out, nil
}

func (m *MemoryRegistry) Stats(ctx context.Context, since time.Time) (*Stats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	stats := Stats{}
	for id := range m.runs {
		run := m.runs[id]
		if run.StartedAt.Before(since) {
			continue
		}
		stats.Total++
		if run.Succeeded() {
			stats.Completed++
			if !run.Deleted() {
				stats.TotalBytes += run.Size
			}
			if stats.LastSuccess == nil || run.StartedAt.After(stats.LastSuccess.StartedAt) {
				last := run
				stats.LastSuccess = &last
			}
		} else {
			stats.Failed++
		}
		if stats.LastRun == nil || run.StartedAt.After(stats.LastRun.StartedAt) {
			last := run
			stats.LastRun = &last
		}
	}
	if stats.Total > 0 {
		stats.FailureRate = float64(stats.Failed) / float64(stats.Total)
	}
	return &stats, nil
}

func (m *MemoryRegistry) Close(ctx context.Context) error {
	return nil
}
