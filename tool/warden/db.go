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

	"github.com/gravitational/trace"

	"github.com/corvohq/warden/lib/backup/recovery"
)

// targetDatabase resolves the database a db command acts on, falling
// back to the primary database when no argument was given.
func targetDatabase(env *env, ccfg *cliConfig) (string, error) {
	if ccfg.Database != "" {
		return ccfg.Database, nil
	}
	primary, err := env.primaryExporter()
	if err != nil {
		return "", trace.Wrap(err)
	}
	return primary.Database(), nil
}

// cmdDBDetect scans a database for corruption and prints the report.
// Critical findings exit non-zero.
func cmdDBDetect(ctx context.Context, env *env, ccfg *cliConfig) error {
	db, err := targetDatabase(env, ccfg)
	if err != nil {
		return trace.Wrap(err)
	}
	rec, err := env.recoveryEngine(ctx)
	if err != nil {
		return trace.Wrap(err)
	}
	report, err := rec.Detect(ctx, db)
	if err != nil {
		return trace.Wrap(err)
	}
	if err := printJSON(report); err != nil {
		return trace.Wrap(err)
	}
	if report.Critical() {
		return trace.Errorf("database %v has critical corruption", db)
	}
	return nil
}

// cmdDBRepair repairs a database in place and prints the result.
func cmdDBRepair(ctx context.Context, env *env, ccfg *cliConfig) error {
	db, err := targetDatabase(env, ccfg)
	if err != nil {
		return trace.Wrap(err)
	}
	rec, err := env.recoveryEngine(ctx)
	if err != nil {
		return trace.Wrap(err)
	}
	result, err := rec.Repair(ctx, db, recovery.RepairOptions{
		SkipEmergencyDump: ccfg.SkipEmergencyDump,
	})
	if err != nil {
		return trace.Wrap(err)
	}
	if err := printJSON(result); err != nil {
		return trace.Wrap(err)
	}
	if !result.Healthy {
		return trace.Errorf("database %v did not validate clean after repair", db)
	}
	return nil
}
