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
	"path/filepath"

	"github.com/gravitational/trace"
	"go.mongodb.org/mongo-driver/bson"

	"github.com/corvohq/warden/lib/dbdump"
)

// RepairOptions tunes a repair run.
type RepairOptions struct {
	// SkipEmergencyDump repairs without taking the rollback dump first.
	// Without the dump a failed repair cannot roll back.
	SkipEmergencyDump bool
}

// RepairResult is the outcome of one repair run.
type RepairResult struct {
	// Database is the repaired logical database.
	Database string `json:"database"`
	// Steps are the executed steps in order.
	Steps []StepRecord `json:"steps"`
	// EmergencyDump is the rollback dump on disk, empty when skipped.
	// Dumps are kept after the repair, rollback points are cheap and
	// deleting one is an operator decision.
	EmergencyDump string `json:"emergencyDump,omitempty"`
	// After is the corruption scan taken after the procedures.
	After *DetectionReport `json:"after,omitempty"`
	// RolledBack reports whether the emergency dump was replayed after
	// a failed step.
	RolledBack bool `json:"rolledBack"`
	// Healthy reports whether the database validated clean afterwards.
	Healthy bool `json:"healthy"`
}

// Repair runs the maintenance procedures against db: compact, index
// rebuild and validate with repair, each over every collection. An
// emergency dump is taken first, a failure in any later step skips the
// rest and replays the dump. The final verify step re-runs corruption
// detection, so a repair only reports healthy when the store agrees.
// Repairing a healthy database is safe, every procedure is a no-op for
// clean collections.
func (e *Engine) Repair(ctx context.Context, db string, opts RepairOptions) (*RepairResult, error) {
	t, err := e.target(db)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	e.cfg.Logger.InfoContext(ctx, "Repairing database.", "database", db)

	result := &RepairResult{Database: db}
	r := &stepRunner{clock: e.cfg.Clock, log: e.cfg.Logger}
	sess := &session{target: t}
	defer sess.close(ctx)

	if opts.SkipEmergencyDump {
		r.skip(StepEmergencyDump, "disabled by request")
	} else {
		r.run(ctx, StepEmergencyDump, func() (string, error) {
			path, err := e.dump(ctx, t, emergencyPrefix)
			if err != nil {
				return "", trace.Wrap(err)
			}
			result.EmergencyDump = path
			return path, nil
		})
	}

	r.run(ctx, StepCompact, func() (string, error) {
		return e.eachCollection(ctx, sess, db, func(conn dbdump.Conn, coll string) error {
			_, err := conn.RunCommand(ctx, db, bson.D{{Key: "compact", Value: coll}})
			return trace.Wrap(err)
		})
	})
	r.run(ctx, StepRebuildIndexes, func() (string, error) {
		return e.eachCollection(ctx, sess, db, func(conn dbdump.Conn, coll string) error {
			_, err := conn.RunCommand(ctx, db, bson.D{{Key: "reIndex", Value: coll}})
			return trace.Wrap(err)
		})
	})
	r.run(ctx, StepValidateRepair, func() (string, error) {
		return e.eachCollection(ctx, sess, db, func(conn dbdump.Conn, coll string) error {
			_, err := conn.RunCommand(ctx, db, bson.D{
				{Key: "validate", Value: coll},
				{Key: "repair", Value: true},
			})
			return trace.Wrap(err)
		})
	})

	r.run(ctx, StepVerify, func() (string, error) {
		report, err := e.Detect(ctx, db)
		if err != nil {
			return "", trace.Wrap(err)
		}
		result.After = report
		if report.Status != Healthy {
			return "", trace.BadParameter("database still reports %v after repair", report.Status)
		}
		return string(report.Status), nil
	})

	if r.failed && result.EmergencyDump != "" {
		r.force(ctx, StepRollback, func() (string, error) {
			if err := t.Restore(ctx, result.EmergencyDump); err != nil {
				return "", trace.Wrap(err)
			}
			result.RolledBack = true
			return "restored from " + filepath.Base(result.EmergencyDump), nil
		})
	}

	result.Steps = r.steps
	result.Healthy = result.After != nil && result.After.Status == Healthy
	e.cfg.Logger.InfoContext(ctx, "Repair finished.",
		"database", db, "healthy", result.Healthy, "rolled_back", result.RolledBack)
	return result, nil
}

// eachCollection runs fn over every collection of db on the session
// connection and reports how many collections it touched.
func (e *Engine) eachCollection(ctx context.Context, sess *session, db string, fn func(conn dbdump.Conn, coll string) error) (string, error) {
	conn, err := sess.connect(ctx)
	if err != nil {
		return "", trace.Wrap(err)
	}
	colls, err := sess.collections(ctx, db)
	if err != nil {
		return "", trace.Wrap(err)
	}
	for _, coll := range colls {
		if err := fn(conn, coll); err != nil {
			return "", trace.Wrap(err, "collection %v: %v", coll, err)
		}
	}
	return fmt.Sprintf("%d collections", len(colls)), nil
}
