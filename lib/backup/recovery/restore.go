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

package recovery

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/gravitational/trace"

	"github.com/corvohq/warden/lib/backup"
	"github.com/corvohq/warden/lib/defaults"
)

// RestoreOptions tunes a restore from backup.
type RestoreOptions struct {
	// IncludeLicenseDB also replays the license authority database.
	// License state belongs to the license server, replaying a stale
	// copy over it is almost never wanted.
	IncludeLicenseDB bool
	// SkipSafetyDump restores without dumping the current state first.
	SkipSafetyDump bool
}

// RestoreResult is the outcome of a restore from backup.
type RestoreResult struct {
	// BackupID names the replayed run.
	BackupID string `json:"backupId"`
	// Databases are the logical databases that were replayed.
	Databases []string `json:"databases,omitempty"`
	// SafetyDumps maps each database to the dump of its pre-restore
	// state. The dumps survive the restore.
	SafetyDumps map[string]string `json:"safetyDumps,omitempty"`
	// Steps are the executed steps in order.
	Steps []StepRecord `json:"steps"`
	// Detections are the post-restore corruption scans by database.
	Detections map[string]*DetectionReport `json:"detections,omitempty"`
	// Success reports whether every step completed and the restored
	// databases validate clean.
	Success bool `json:"success"`
}

// restoreItem pairs a database component of the run with the target it
// replays into.
type restoreItem struct {
	target    Target
	component backup.ComponentRecord
}

// Restore replays the database exports of a completed backup run into
// the live databases. The artifact is fetched from cloud storage when
// the local copy is gone, its checksum is verified before decryption,
// and every affected database is dumped first so the previous state
// stays recoverable. Afterwards the restored databases are scanned for
// corruption and the outcome is recorded on the run. The license
// authority database is left untouched unless opts includes it.
func (e *Engine) Restore(ctx context.Context, backupID string, opts RestoreOptions) (*RestoreResult, error) {
	run, err := e.cfg.Registry.Get(ctx, backupID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if !run.Succeeded() {
		return nil, trace.BadParameter("backup %v did not complete and cannot be restored", run.ID)
	}
	plan := e.restorePlan(ctx, run, opts)
	if len(plan) == 0 {
		return nil, trace.NotFound("backup %v contains no database export matching a configured target", run.ID)
	}

	databases := make([]string, 0, len(plan))
	for _, item := range plan {
		databases = append(databases, item.target.Database())
	}
	e.cfg.Logger.InfoContext(ctx, "Restoring backup.",
		"backup_id", run.ID, "databases", strings.Join(databases, ", "))

	result := &RestoreResult{
		BackupID:    run.ID,
		SafetyDumps: make(map[string]string),
		Detections:  make(map[string]*DetectionReport),
	}
	r := &stepRunner{clock: e.cfg.Clock, log: e.cfg.Logger}
	workDir := filepath.Join(e.cfg.Dir, "restore-"+run.ID)
	defer os.RemoveAll(workDir)

	r.run(ctx, StepFetchArtifact, func() (string, error) {
		return e.fetchArtifact(ctx, run, workDir)
	})

	if opts.SkipSafetyDump {
		r.skip(StepSafetyDump, "disabled by request")
	} else {
		r.run(ctx, StepSafetyDump, func() (string, error) {
			for _, item := range plan {
				path, err := e.dump(ctx, item.target, safetyPrefix)
				if err != nil {
					return "", trace.Wrap(err, "dumping %v: %v", item.target.Database(), err)
				}
				result.SafetyDumps[item.target.Database()] = path
			}
			return fmt.Sprintf("%d databases", len(plan)), nil
		})
	}

	var contents string
	r.run(ctx, StepExtract, func() (string, error) {
		var keys [][]byte
		if run.Encrypted {
			if e.cfg.Keys == nil {
				return "", trace.NotFound("artifact is encrypted and no keys are configured")
			}
			ring, err := e.cfg.Keys.DecryptKeys()
			if err != nil {
				return "", trace.Wrap(err)
			}
			keys = ring
		}
		dir, err := backup.ExtractArtifact(run, keys, workDir)
		if err != nil {
			return "", trace.Wrap(err)
		}
		contents = dir
		return "", nil
	})

	for _, item := range plan {
		r.run(ctx, "replay "+item.target.Database(), func() (string, error) {
			path := filepath.Join(contents, item.component.ArtifactPath)
			if err := item.target.Restore(ctx, path); err != nil {
				return "", trace.Wrap(err)
			}
			result.Databases = append(result.Databases, item.target.Database())
			return filepath.Base(path), nil
		})
	}

	r.run(ctx, StepVerify, func() (string, error) {
		var unhealthy []string
		for _, item := range plan {
			db := item.target.Database()
			report, err := e.Detect(ctx, db)
			if err != nil {
				return "", trace.Wrap(err)
			}
			result.Detections[db] = report
			if report.Status != Healthy {
				unhealthy = append(unhealthy, db)
			}
		}
		if len(unhealthy) > 0 {
			return "", trace.BadParameter("restored databases report problems: %v", strings.Join(unhealthy, ", "))
		}
		return fmt.Sprintf("%d databases healthy", len(plan)), nil
	})

	result.Steps = r.steps
	result.Success = !r.failed
	e.markRestored(ctx, run.ID, result, r.firstError())
	e.cfg.Logger.InfoContext(ctx, "Restore finished.",
		"backup_id", run.ID, "success", result.Success, "databases", len(result.Databases))
	return result, nil
}

// restorePlan pairs the run's database components with configured
// targets. The license database is excluded unless opts asks for it,
// components without a target are skipped with a warning.
func (e *Engine) restorePlan(ctx context.Context, run *backup.BackupRun, opts RestoreOptions) []restoreItem {
	var plan []restoreItem
	for _, c := range run.DatabaseComponents() {
		if e.cfg.LicenseDatabase != "" && c.Label == e.cfg.LicenseDatabase && !opts.IncludeLicenseDB {
			e.cfg.Logger.InfoContext(ctx, "Leaving the license database untouched.", "database", c.Label)
			continue
		}
		t, err := e.target(c.Label)
		if err != nil {
			e.cfg.Logger.WarnContext(ctx, "Backup contains a database with no recovery target.",
				"backup_id", run.ID, "database", c.Label)
			continue
		}
		plan = append(plan, restoreItem{target: t, component: c})
	}
	return plan
}

// fetchArtifact makes sure the run artifact is on local disk, pulling
// the cloud replica into the work area when retention or an operator
// removed the local copy.
func (e *Engine) fetchArtifact(ctx context.Context, run *backup.BackupRun, workDir string) (string, error) {
	if run.ArtifactPath != "" {
		if _, err := os.Stat(run.ArtifactPath); err == nil {
			return "artifact on local disk", nil
		}
	}
	if e.cfg.Uploader == nil || !run.Cloud.Uploaded {
		return "", trace.NotFound("artifact of backup %v is not on local disk and no cloud replica is recorded", run.ID)
	}
	if err := os.MkdirAll(workDir, defaults.DirMode); err != nil {
		return "", trace.ConvertSystemError(err)
	}
	dest := filepath.Join(workDir, filepath.Base(run.Cloud.Key))
	res, err := e.cfg.Uploader.Download(ctx, run.Cloud.Key, dest)
	if err != nil {
		return "", trace.Wrap(err)
	}
	run.ArtifactPath = dest
	return fmt.Sprintf("downloaded %v from %v storage", humanize.IBytes(uint64(res.Size)), run.Cloud.Provider), nil
}

// markRestored records the restore outcome on the run.
func (e *Engine) markRestored(ctx context.Context, id string, result *RestoreResult, firstErr string) {
	status := backup.RestorationStatus{
		Success:  result.Success,
		TestedAt: e.cfg.Clock.Now().UTC(),
		Error:    firstErr,
	}
	if err := e.cfg.Registry.MarkRestored(ctx, id, status); err != nil {
		e.cfg.Logger.WarnContext(ctx, "Failed to record restore outcome.", "backup_id", id, "error", err)
	}
}
