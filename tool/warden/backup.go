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

	"github.com/corvohq/warden/lib/backup"
	"github.com/corvohq/warden/lib/backup/recovery"
	"github.com/corvohq/warden/lib/config"
)

// cmdBackupRun performs one backup of the requested type and prints
// the recorded run.
func cmdBackupRun(ctx context.Context, env *env, ccfg *cliConfig) error {
	if !env.cfg.BackupsEnabled {
		return trace.BadParameter("backups are disabled, set %v=true to run one", config.EnvBackupsEnabled)
	}
	typ := backup.Type(ccfg.BackupType)
	opts := []backup.RunOption{backup.WithTrigger(backup.TriggerManual, ccfg.User)}
	if typ == backup.TypeEmergency {
		if ccfg.Reason == "" {
			return trace.BadParameter("emergency backups require --reason")
		}
		opts = []backup.RunOption{backup.WithTrigger(backup.TriggerEmergency, ccfg.User)}
	}
	if ccfg.Reason != "" {
		opts = append(opts, backup.WithReason(ccfg.Reason))
	}
	eng, err := env.engine(ctx)
	if err != nil {
		return trace.Wrap(err)
	}
	run, err := eng.Run(ctx, typ, opts...)
	if err != nil {
		return trace.Wrap(err)
	}
	return trace.Wrap(printJSON(run))
}

// cmdBackupVerify verifies one backup end to end and prints the
// report. The exit status reflects the verdict.
func cmdBackupVerify(ctx context.Context, env *env, ccfg *cliConfig) error {
	ver, err := env.verifier(ctx)
	if err != nil {
		return trace.Wrap(err)
	}
	report, err := ver.Verify(ctx, ccfg.BackupID)
	if err != nil {
		return trace.Wrap(err)
	}
	if err := printJSON(report); err != nil {
		return trace.Wrap(err)
	}
	switch report.Status {
	case backup.VerifyExcellent, backup.VerifyGood, backup.VerifyWarning:
		return nil
	}
	return trace.Errorf("backup %v failed verification with status %q", ccfg.BackupID, report.Status)
}

// cmdBackupRestore restores one backup into the configured databases
// and prints the result.
func cmdBackupRestore(ctx context.Context, env *env, ccfg *cliConfig) error {
	rec, err := env.recoveryEngine(ctx)
	if err != nil {
		return trace.Wrap(err)
	}
	result, err := rec.Restore(ctx, ccfg.BackupID, recovery.RestoreOptions{
		IncludeLicenseDB: ccfg.IncludeLicenseDB,
		SkipSafetyDump:   ccfg.SkipSafetyDump,
	})
	if err != nil {
		return trace.Wrap(err)
	}
	if err := printJSON(result); err != nil {
		return trace.Wrap(err)
	}
	if !result.Success {
		return trace.Errorf("restore of backup %v did not complete", ccfg.BackupID)
	}
	return nil
}

// cmdBackupList prints the most recent backup runs.
func cmdBackupList(ctx context.Context, env *env, ccfg *cliConfig) error {
	reg, err := env.registry(ctx)
	if err != nil {
		return trace.Wrap(err)
	}
	runs, err := reg.Recent(ctx, ccfg.Limit)
	if err != nil {
		return trace.Wrap(err)
	}
	return trace.Wrap(printJSON(runs))
}
