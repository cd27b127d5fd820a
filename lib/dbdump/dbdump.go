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

// Package dbdump exports and restores database contents. It prefers the
// native mongodump/mongorestore tools and degrades to a driver-level
// document export when the tools are missing or fail, so a backup still
// completes on hosts without the database toolchain.
package dbdump

import (
	"context"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"go.mongodb.org/mongo-driver/bson"

	"github.com/corvohq/warden"
	"github.com/corvohq/warden/lib/defaults"
)

const (
	// MethodNative marks an export produced by the mongodump tool.
	MethodNative = "mongodump"
	// MethodFallback marks a driver-level document export.
	MethodFallback = "javascript-export"

	mongodumpBinary    = "mongodump"
	mongorestoreBinary = "mongorestore"

	// NativeSuffix is the artifact suffix of a native archive export.
	NativeSuffix = ".archive"
	// FallbackSuffix is the artifact suffix of a document export.
	FallbackSuffix = ".json"
)

// Config configures an Exporter.
type Config struct {
	// URI is the connection string of the database to export.
	URI string
	// Database is the logical database name. Defaults to the database
	// named by URI.
	Database string
	// Logger emits export progress.
	Logger *slog.Logger
	// Clock is used to timestamp artifacts.
	Clock clockwork.Clock
	// LookPath locates the native tools. Tests override it.
	LookPath func(name string) (string, error)
	// DialFunc opens driver connections for the document fallback.
	// Tests override it.
	DialFunc func(ctx context.Context, uri string) (Conn, error)
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.URI == "" {
		return trace.BadParameter("missing database URI")
	}
	if c.Database == "" {
		name, err := DatabaseFromURI(c.URI)
		if err != nil {
			return trace.Wrap(err)
		}
		c.Database = name
	}
	if c.Logger == nil {
		c.Logger = slog.Default().With(warden.ComponentKey, warden.ComponentExporter)
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.LookPath == nil {
		c.LookPath = exec.LookPath
	}
	if c.DialFunc == nil {
		c.DialFunc = Dial
	}
	return nil
}

// Exporter produces and replays database export artifacts.
type Exporter struct {
	cfg Config
}

// NewExporter returns an Exporter for the database named by cfg.
func NewExporter(cfg Config) (*Exporter, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Exporter{cfg: cfg}, nil
}

// Database returns the logical database name this exporter targets.
func (e *Exporter) Database() string {
	return e.cfg.Database
}

// Result describes a completed export.
type Result struct {
	// Method is the export method that produced the artifact, either
	// MethodNative or MethodFallback.
	Method string
	// Path is the artifact location on disk.
	Path string
	// Size is the artifact size in bytes.
	Size int64
	// Collections lists the collections included in a document export.
	// Native archives leave it empty, mongodump does not report them.
	Collections []string
}

// Export writes an export of the configured database into destDir and
// returns a description of the produced artifact. The native tool is
// preferred. When it is missing or fails, the exporter falls back to a
// driver-level document export and reports MethodFallback.
func (e *Exporter) Export(ctx context.Context, destDir string) (*Result, error) {
	if err := os.MkdirAll(destDir, defaults.DirMode); err != nil {
		return nil, trace.ConvertSystemError(err)
	}
	if path, err := e.cfg.LookPath(mongodumpBinary); err == nil {
		res, dumpErr := e.exportNative(ctx, path, destDir)
		if dumpErr == nil {
			return res, nil
		}
		if ctx.Err() != nil {
			return nil, trace.Wrap(dumpErr)
		}
		e.cfg.Logger.WarnContext(ctx, "Native export failed, falling back to document export.",
			"database", e.cfg.Database, "error", dumpErr)
	} else {
		e.cfg.Logger.InfoContext(ctx, "Native export tool not found, using document export.",
			"database", e.cfg.Database)
	}
	res, err := e.exportDocuments(ctx, destDir)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return res, nil
}

// Restore replays an export artifact into the configured database. Native
// archives require mongorestore; document exports are replayed through the
// driver. Existing collections named by the artifact are dropped first.
func (e *Exporter) Restore(ctx context.Context, artifactPath string) error {
	switch {
	case strings.HasSuffix(artifactPath, NativeSuffix):
		return trace.Wrap(e.restoreNative(ctx, artifactPath))
	case strings.HasSuffix(artifactPath, FallbackSuffix):
		return trace.Wrap(e.replayDocuments(ctx, artifactPath))
	}
	return trace.BadParameter("unrecognized export artifact %v", filepath.Base(artifactPath))
}

// Connect opens a driver connection to the database behind the exporter,
// for callers that run maintenance commands directly. The caller closes
// the connection.
func (e *Exporter) Connect(ctx context.Context) (Conn, error) {
	conn, err := e.cfg.DialFunc(ctx, e.cfg.URI)
	return conn, trace.Wrap(err)
}

// Ping verifies the database behind the exporter is reachable.
func (e *Exporter) Ping(ctx context.Context) error {
	conn, err := e.Connect(ctx)
	if err != nil {
		return trace.Wrap(err)
	}
	defer conn.Close(ctx)
	return trace.Wrap(conn.Ping(ctx))
}

// Count returns how many documents in a collection match filter. A nil
// filter counts the whole collection.
func (e *Exporter) Count(ctx context.Context, collection string, filter any) (int64, error) {
	if collection == "" {
		return 0, trace.BadParameter("missing collection name")
	}
	if filter == nil {
		filter = bson.D{}
	}
	conn, err := e.Connect(ctx)
	if err != nil {
		return 0, trace.Wrap(err)
	}
	defer conn.Close(ctx)
	reply, err := conn.RunCommand(ctx, e.cfg.Database, bson.D{
		{Key: "count", Value: collection},
		{Key: "query", Value: filter},
	})
	if err != nil {
		return 0, trace.Wrap(err)
	}
	n, ok := reply.Lookup("n").AsInt64OK()
	if !ok {
		return 0, trace.BadParameter("count reply for %v carries no numeric n", collection)
	}
	return n, nil
}
