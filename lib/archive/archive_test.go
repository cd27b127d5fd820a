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

package archive

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gravitational/trace"
	"github.com/stretchr/testify/require"
)

func writeTree(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, content := range files {
		path := filepath.Join(dir, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o700))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	}
	return dir
}

func TestCompressAndExtractDir(t *testing.T) {
	src := writeTree(t, map[string]string{
		"config.json":          `{"env":"prod"}`,
		"uploads/a/photo.jpg":  "jpeg-bytes",
		"uploads/b/résumé.pdf": "pdf-bytes",
	})
	// Symlinks are archived as regular files.
	require.NoError(t, os.Symlink(
		filepath.Join(src, "config.json"),
		filepath.Join(src, "config-link.json"),
	))

	archivePath := filepath.Join(t.TempDir(), "bundle.tar.gz")
	require.NoError(t, CompressDir(src, archivePath))

	dest := t.TempDir()
	require.NoError(t, ExtractFile(archivePath, dest))

	for name, content := range map[string]string{
		"config.json":          `{"env":"prod"}`,
		"uploads/a/photo.jpg":  "jpeg-bytes",
		"uploads/b/résumé.pdf": "pdf-bytes",
		"config-link.json":     `{"env":"prod"}`,
	} {
		got, err := os.ReadFile(filepath.Join(dest, name))
		require.NoError(t, err, name)
		require.Equal(t, content, string(got), name)
	}
}

func TestWriteFileEntries(t *testing.T) {
	src := writeTree(t, map[string]string{
		"hr.dump":      "primary-export",
		"license.dump": "license-export",
	})
	archivePath := filepath.Join(t.TempDir(), "combined.tar.gz")

	err := WriteFile(archivePath, []Entry{
		{Path: "databases/hr.dump", Source: filepath.Join(src, "hr.dump")},
		{Path: "databases/license.dump", Source: filepath.Join(src, "license.dump")},
	})
	require.NoError(t, err)

	dest := t.TempDir()
	require.NoError(t, ExtractFile(archivePath, dest))

	got, err := os.ReadFile(filepath.Join(dest, "databases", "hr.dump"))
	require.NoError(t, err)
	require.Equal(t, "primary-export", string(got))
}

func TestAddBytes(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	require.NoError(t, w.AddBytes("meta/manifest.json", []byte(`{"v":1}`), 0o600, time.Now()))
	require.NoError(t, w.Close())

	dest := t.TempDir()
	require.NoError(t, Extract(&buf, dest))

	got, err := os.ReadFile(filepath.Join(dest, "meta", "manifest.json"))
	require.NoError(t, err)
	require.Equal(t, `{"v":1}`, string(got))
}

func TestExtractRejectsTraversal(t *testing.T) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	require.NoError(t, tw.WriteHeader(&tar.Header{
		Name: "../evil.txt",
		Mode: 0o600,
		Size: 4,
	}))
	_, err := tw.Write([]byte("evil"))
	require.NoError(t, err)
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())

	err = Extract(&buf, t.TempDir())
	require.True(t, trace.IsBadParameter(err), "expected BadParameter, got %v", err)
}

func TestAddFileMissingSource(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	err := w.AddFile("gone", filepath.Join(t.TempDir(), "does-not-exist"))
	require.True(t, trace.IsNotFound(err), "expected NotFound, got %v", err)
}
