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

// Package recovery diagnoses and repairs corrupted databases and replays
// recorded backups into them. Detection drives the store's own validate
// command over every collection. Repair runs the in-place maintenance
// procedures with an emergency dump as its rollback point. Restore
// replays the database exports of a completed backup run after dumping
// the current state, so a bad restore is never a one-way door.
package recovery

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/corvohq/warden"
	"github.com/corvohq/warden/lib/backup"
	"github.com/corvohq/warden/lib/cloudstore"
	"github.com/corvohq/warden/lib/dbdump"
)

// Dump file name prefixes inside the recovery area.
const (
	safetyPrefix    = "safety"
	emergencyPrefix = "emergency"
)

// stagingDir holds exports before they are renamed into place.
const stagingDir = "staging"

// Target is one logical database the recovery engine can operate on.
// *dbdump.Exporter implements it.
type Target interface {
	// Database is the logical database name.
	Database() string
	// Connect opens a driver connection for maintenance commands.
	Connect(ctx context.Context) (dbdump.Conn, error)
	// Export writes a dump of the database into destDir.
	Export(ctx context.Context, destDir string) (*dbdump.Result, error)
	// Restore replays an export artifact into the database.
	Restore(ctx context.Context, artifactPath string) error
}

// KeyRing supplies every key a backup artifact may be encrypted with,
// the active key first.
type KeyRing interface {
	DecryptKeys() ([][]byte, error)
}

// Config configures the recovery Engine.
type Config struct {
	// Dir is the recovery work area, safety and emergency dumps land
	// here.
	Dir string
	// Registry is where backup runs and restore outcomes live.
	Registry backup.Registry
	// Targets are the databases the engine can operate on.
	Targets []Target
	// Keys decrypts encrypted backup artifacts.
	Keys KeyRing
	// Uploader fetches artifacts whose local copy is gone. Optional.
	Uploader cloudstore.Uploader
	// LicenseDatabase names the license authority database. Restores
	// leave it untouched unless explicitly asked. Optional.
	LicenseDatabase string
	// Logger emits progress.
	Logger *slog.Logger
	// Clock times steps and names dumps.
	Clock clockwork.Clock
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.Dir == "" {
		return trace.BadParameter("missing recovery directory")
	}
	if c.Registry == nil {
		return trace.BadParameter("missing backup registry")
	}
	if len(c.Targets) == 0 {
		return trace.BadParameter("at least one recovery target must be configured")
	}
	if c.Logger == nil {
		c.Logger = slog.Default().With(warden.ComponentKey, warden.ComponentRecovery)
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Engine runs corruption detection, in-place repair and restores from
// recorded backups.
type Engine struct {
	cfg Config
}

// New returns a recovery Engine.
func New(cfg Config) (*Engine, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Engine{cfg: cfg}, nil
}

// target finds the configured target for a logical database.
func (e *Engine) target(db string) (Target, error) {
	for _, t := range e.cfg.Targets {
		if t.Database() == db {
			return t, nil
		}
	}
	return nil, trace.NotFound("no recovery target for database %q", db)
}

// dump exports the target into the recovery area and returns the final
// artifact path, for example
// recovery/safety-hr-2025-04-02T02-30-00-000Z.archive. The export
// suffix is preserved so the dump replays through Target.Restore.
func (e *Engine) dump(ctx context.Context, t Target, prefix string) (string, error) {
	stage := filepath.Join(e.cfg.Dir, stagingDir, t.Database())
	defer os.RemoveAll(stage)
	res, err := t.Export(ctx, stage)
	if err != nil {
		return "", trace.Wrap(err)
	}
	name := prefix + "-" + t.Database() + "-" + backup.FileStamp(e.cfg.Clock.Now()) + filepath.Ext(res.Path)
	dest := filepath.Join(e.cfg.Dir, name)
	if err := os.Rename(res.Path, dest); err != nil {
		return "", trace.ConvertSystemError(err)
	}
	e.cfg.Logger.InfoContext(ctx, "Recovery dump taken.",
		"database", t.Database(), "path", dest, "method", res.Method)
	return dest, nil
}

// session shares one driver connection and one collection listing
// between the steps of a repair.
type session struct {
	target Target

	conn      dbdump.Conn
	colls     []string
	haveColls bool
}

func (s *session) connect(ctx context.Context) (dbdump.Conn, error) {
	if s.conn != nil {
		return s.conn, nil
	}
	conn, err := s.target.Connect(ctx)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	s.conn = conn
	return conn, nil
}

func (s *session) collections(ctx context.Context, db string) ([]string, error) {
	if s.haveColls {
		return s.colls, nil
	}
	conn, err := s.connect(ctx)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	colls, err := conn.ListCollections(ctx, db)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	s.colls, s.haveColls = colls, true
	return colls, nil
}

func (s *session) close(ctx context.Context) {
	if s.conn != nil {
		s.conn.Close(ctx)
	}
}
