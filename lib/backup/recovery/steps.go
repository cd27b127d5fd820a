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
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
)

// Step names shared by repair and restore.
const (
	StepEmergencyDump  = "emergency-dump"
	StepCompact        = "compact"
	StepRebuildIndexes = "rebuild-indexes"
	StepValidateRepair = "validate-repair"
	StepVerify         = "verify"
	StepRollback       = "rollback"
	StepFetchArtifact  = "fetch-artifact"
	StepSafetyDump     = "safety-dump"
	StepExtract        = "extract"
)

// StepStatus is the outcome of one recovery step.
type StepStatus string

const (
	// StepCompleted marks a step that ran and succeeded.
	StepCompleted StepStatus = "completed"
	// StepFailed marks a step that ran and failed.
	StepFailed StepStatus = "failed"
	// StepSkipped marks a step that never ran.
	StepSkipped StepStatus = "skipped"
)

// StepRecord captures one step of a repair or restore.
type StepRecord struct {
	Name      string     `json:"name"`
	Status    StepStatus `json:"status"`
	StartedAt time.Time  `json:"startedAt"`
	EndedAt   time.Time  `json:"endedAt"`
	// Message carries step output worth keeping, a dump path for
	// example.
	Message string `json:"message,omitempty"`
	// Error is the failure of a failed step.
	Error string `json:"error,omitempty"`
}

// stepRunner times and records the steps of one repair or restore. After
// a failure the remaining steps are recorded as skipped, only forced
// steps still run.
type stepRunner struct {
	clock clockwork.Clock
	log   *slog.Logger

	steps  []StepRecord
	failed bool
}

// run executes one step unless an earlier step failed. fn returns an
// optional message kept on the record.
func (r *stepRunner) run(ctx context.Context, name string, fn func() (string, error)) bool {
	if r.failed {
		r.skip(name, "earlier step failed")
		return false
	}
	return r.force(ctx, name, fn)
}

// force executes one step even after a failure. Rollbacks use it.
func (r *stepRunner) force(ctx context.Context, name string, fn func() (string, error)) bool {
	rec := StepRecord{Name: name, StartedAt: r.clock.Now().UTC()}
	msg, err := fn()
	rec.EndedAt = r.clock.Now().UTC()
	rec.Message = msg
	if err != nil {
		rec.Status = StepFailed
		rec.Error = err.Error()
		r.failed = true
		r.log.ErrorContext(ctx, "Recovery step failed.", "step", name, "error", err)
	} else {
		rec.Status = StepCompleted
		r.log.InfoContext(ctx, "Recovery step finished.", "step", name)
	}
	r.steps = append(r.steps, rec)
	return err == nil
}

// skip records a step that never ran.
func (r *stepRunner) skip(name, msg string) {
	now := r.clock.Now().UTC()
	r.steps = append(r.steps, StepRecord{
		Name:      name,
		Status:    StepSkipped,
		StartedAt: now,
		EndedAt:   now,
		Message:   msg,
	})
}

// firstError returns the error of the first failed step, empty when
// every step completed.
func (r *stepRunner) firstError() string {
	for _, step := range r.steps {
		if step.Status == StepFailed {
			return step.Error
		}
	}
	return ""
}
