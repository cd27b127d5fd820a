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

package dbdump

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/gravitational/trace"
)

// stderrTailSize bounds how much tool output is carried into an error.
const stderrTailSize = 2048

func (e *Exporter) exportNative(ctx context.Context, toolPath, destDir string) (*Result, error) {
	out := filepath.Join(destDir, e.cfg.Database+NativeSuffix)
	args := []string{
		"--uri=" + e.cfg.URI,
		"--archive=" + out,
		"--gzip",
		"--quiet",
	}
	// mongodump rejects --db when the URI already names a database.
	if _, err := DatabaseFromURI(e.cfg.URI); err != nil {
		args = append(args, "--db="+e.cfg.Database)
	}
	e.cfg.Logger.InfoContext(ctx, "Running native database export.",
		"database", e.cfg.Database, "archive", out)
	if err := runTool(ctx, toolPath, args); err != nil {
		os.Remove(out)
		return nil, trace.Wrap(err)
	}
	info, err := os.Stat(out)
	if err != nil {
		return nil, trace.ConvertSystemError(err)
	}
	return &Result{
		Method: MethodNative,
		Path:   out,
		Size:   info.Size(),
	}, nil
}

func (e *Exporter) restoreNative(ctx context.Context, artifactPath string) error {
	toolPath, err := e.cfg.LookPath(mongorestoreBinary)
	if err != nil {
		return trace.NotFound("%v is required to restore native archives", mongorestoreBinary)
	}
	if _, err := os.Stat(artifactPath); err != nil {
		return trace.ConvertSystemError(err)
	}
	args := []string{
		"--uri=" + e.cfg.URI,
		"--archive=" + artifactPath,
		"--gzip",
		"--drop",
		"--nsInclude=" + e.cfg.Database + ".*",
	}
	e.cfg.Logger.InfoContext(ctx, "Replaying native database archive.",
		"database", e.cfg.Database, "archive", artifactPath)
	return trace.Wrap(runTool(ctx, toolPath, args))
}

func runTool(ctx context.Context, toolPath string, args []string) error {
	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, toolPath, args...)
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return trace.Wrap(ctx.Err())
		}
		return trace.BadParameter("%v failed: %v: %s",
			filepath.Base(toolPath), err, tail(stderr.Bytes(), stderrTailSize))
	}
	return nil
}

func tail(b []byte, n int) []byte {
	if len(b) <= n {
		return bytes.TrimSpace(b)
	}
	return bytes.TrimSpace(b[len(b)-n:])
}
