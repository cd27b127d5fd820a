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
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"syscall"

	"github.com/alecthomas/kingpin/v2"
	"github.com/gravitational/trace"

	"github.com/corvohq/warden"
	"github.com/corvohq/warden/lib/config"
	"github.com/corvohq/warden/lib/defaults"
	"github.com/corvohq/warden/lib/logutil"
)

const appHelp = `Warden

Warden protects an application deployment: it backs up the databases,
uploaded files and configuration on a schedule, encrypts and replicates
the artifacts, verifies that they restore, and keeps the license cache
in sync with the license server.

Run "warden start" to run the scheduler, or use the one-shot commands
to back up, verify, restore and inspect on demand. Results are printed
as JSON on stdout; failures are printed as JSON on stderr.`

const (
	// defaultDiagAddr is where "warden start" serves metrics and the
	// liveness probe.
	defaultDiagAddr = "127.0.0.1:3030"

	// defaultListLimit caps "backup list" output.
	defaultListLimit = 20
)

func main() {
	if err := Run(os.Args[1:]); err != nil {
		printFatal(err)
	}
}

type cliConfig struct {
	// Debug enables verbose logging.
	Debug bool
	// EnvFile is a dotenv file loaded before the environment is read.
	EnvFile string
	// BaseDir overrides the backup directory root.
	BaseDir string
	// DiagAddr is the diagnostic HTTP listen address.
	DiagAddr string

	// BackupType selects the bucket of a manual backup run.
	BackupType string
	// Reason is recorded on manually triggered runs.
	Reason string
	// User is the operator recorded on manually triggered runs.
	User string
	// BackupID names the run operated on.
	BackupID string
	// Limit caps list output.
	Limit int
	// Database is the logical database operated on. Empty means the
	// primary database.
	Database string
	// IncludeLicenseDB also replays the license database on restore.
	IncludeLicenseDB bool
	// SkipSafetyDump restores without dumping the current state first.
	SkipSafetyDump bool
	// SkipEmergencyDump repairs without taking the rollback dump first.
	SkipEmergencyDump bool
}

func (c *cliConfig) CheckAndSetDefaults() error {
	if c.DiagAddr == "" {
		c.DiagAddr = defaultDiagAddr
	}
	if c.Limit <= 0 {
		c.Limit = defaultListLimit
	}
	return nil
}

func Run(args []string) error {
	var ccfg cliConfig
	ctx := context.Background()
	ctx, _ = signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)

	app := kingpin.New("warden", appHelp)
	app.Flag("debug", "Verbose logging to stderr.").
		Short('d').BoolVar(&ccfg.Debug)
	app.Flag("env-file", "Dotenv file with warden settings, loaded before the environment.").
		Short('c').StringVar(&ccfg.EnvFile)
	app.Flag("base-dir", "Backup directory root. Overrides "+config.EnvBaseDir+".").
		StringVar(&ccfg.BaseDir)

	app.HelpFlag.Short('h')

	versionCmd := app.Command("version", "Print the version of your warden binary.")

	startCmd := app.Command("start", "Run the scheduled jobs and serve diagnostics until interrupted.")
	startCmd.Flag("diag-addr", "Listen address for the diagnostic endpoints (metrics and health).").
		Default(defaultDiagAddr).StringVar(&ccfg.DiagAddr)

	backupCmd := app.Command("backup", "Back up, verify, restore and list.")

	backupRunCmd := backupCmd.Command("run", "Run a backup now.")
	backupRunCmd.Flag("type", "Backup bucket: daily, weekly, monthly or emergency.").
		Default("daily").EnumVar(&ccfg.BackupType, "daily", "weekly", "monthly", "emergency")
	backupRunCmd.Flag("reason", "Why this backup is being taken. Required for emergency backups.").
		StringVar(&ccfg.Reason)
	backupRunCmd.Flag("user", "Operator requesting the backup, recorded on the run.").
		StringVar(&ccfg.User)

	backupVerifyCmd := backupCmd.Command("verify", "Verify a recorded backup end to end.")
	backupVerifyCmd.Arg("backup-id", "Backup run to verify.").Required().StringVar(&ccfg.BackupID)

	backupRestoreCmd := backupCmd.Command("restore", "Restore the databases from a recorded backup.")
	backupRestoreCmd.Arg("backup-id", "Backup run to restore from.").Required().StringVar(&ccfg.BackupID)
	backupRestoreCmd.Flag("include-license-db", "Also replay the license database.").
		BoolVar(&ccfg.IncludeLicenseDB)
	backupRestoreCmd.Flag("skip-safety-dump", "Restore without dumping the current state first.").
		BoolVar(&ccfg.SkipSafetyDump)

	backupListCmd := backupCmd.Command("list", "List recent backup runs.")
	backupListCmd.Flag("limit", "How many runs to list.").
		Default(fmt.Sprint(defaultListLimit)).IntVar(&ccfg.Limit)

	licenseCmd := app.Command("license", "Operate the license cache.")
	licenseSyncCmd := licenseCmd.Command("sync", "Fetch the license from the license server and refresh the cache.")
	licenseValidateCmd := licenseCmd.Command("validate", "Validate the license, online when the server is reachable.")

	reportCmd := app.Command("report", "Reports on backup and license health.")
	reportHealthCmd := reportCmd.Command("health", "Print the backup health report.")

	dbCmd := app.Command("db", "Database corruption detection and repair.")
	dbDetectCmd := dbCmd.Command("detect", "Scan a database for corruption.")
	dbDetectCmd.Arg("database", "Logical database to scan. Defaults to the primary database.").
		StringVar(&ccfg.Database)
	dbRepairCmd := dbCmd.Command("repair", "Run the repair procedures against a database.")
	dbRepairCmd.Arg("database", "Logical database to repair. Defaults to the primary database.").
		StringVar(&ccfg.Database)
	dbRepairCmd.Flag("skip-emergency-dump", "Repair without taking the rollback dump first.").
		BoolVar(&ccfg.SkipEmergencyDump)

	command, err := app.Parse(args)
	if err != nil {
		app.Usage(args)
		return trace.Wrap(err)
	}
	if err := ccfg.CheckAndSetDefaults(); err != nil {
		return trace.Wrap(err)
	}

	if command == versionCmd.FullCommand() {
		fmt.Printf("Warden v%v %v\n", warden.Version, runtime.Version())
		return nil
	}

	cfg, err := config.Load(ccfg.EnvFile)
	if err != nil {
		return trace.Wrap(err)
	}
	if ccfg.BaseDir != "" {
		cfg.BaseDir = ccfg.BaseDir
	}
	if ccfg.Debug {
		cfg.LogLevel = "debug"
	}

	// Logs go to stderr and to per component files under the backup
	// tree; stdout stays reserved for command results.
	logs, err := logutil.NewManager(logutil.Config{
		Level:    cfg.LogLevel,
		Dir:      filepath.Join(cfg.BaseDir, defaults.LogDir),
		ToStderr: true,
	})
	if err != nil {
		return trace.Wrap(err)
	}
	defer logs.Close()

	env := newEnv(cfg, logs)
	defer func() {
		// The signal context is already canceled on shutdown, give
		// cleanup its own deadline.
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), defaults.ShutdownGrace)
		defer cancel()
		if err := env.Close(closeCtx); err != nil {
			logs.Component(warden.ComponentCLI).WarnContext(closeCtx, "Cleanup failed.", "error", err)
		}
	}()

	switch command {
	case startCmd.FullCommand():
		err = cmdStart(ctx, env, &ccfg)
	case backupRunCmd.FullCommand():
		err = cmdBackupRun(ctx, env, &ccfg)
	case backupVerifyCmd.FullCommand():
		err = cmdBackupVerify(ctx, env, &ccfg)
	case backupRestoreCmd.FullCommand():
		err = cmdBackupRestore(ctx, env, &ccfg)
	case backupListCmd.FullCommand():
		err = cmdBackupList(ctx, env, &ccfg)
	case licenseSyncCmd.FullCommand():
		err = cmdLicenseSync(ctx, env)
	case licenseValidateCmd.FullCommand():
		err = cmdLicenseValidate(ctx, env)
	case reportHealthCmd.FullCommand():
		err = cmdReportHealth(ctx, env)
	case dbDetectCmd.FullCommand():
		err = cmdDBDetect(ctx, env, &ccfg)
	case dbRepairCmd.FullCommand():
		err = cmdDBRepair(ctx, env, &ccfg)
	default:
		// This should only happen when there's a missing switch case above.
		err = trace.Errorf("command %q not configured", command)
	}

	return err
}

// printJSON renders a command result on stdout for scripts to parse.
func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return trace.Wrap(err)
	}
	_, err = fmt.Fprintln(os.Stdout, string(data))
	return trace.ConvertSystemError(err)
}

// printFatal writes the failure as a single JSON object on stderr and
// exits nonzero, so wrapping scripts get a parseable error on the error
// channel.
func printFatal(err error) {
	data, jerr := json.Marshal(struct {
		Error string `json:"error"`
	}{Error: trace.UserMessage(err)})
	if jerr != nil {
		fmt.Fprintln(os.Stderr, err)
	} else {
		fmt.Fprintln(os.Stderr, string(data))
	}
	os.Exit(1)
}
