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

// Package archive streams files and directory trees into tar.gz archives
// and unpacks them again. The backup pipeline composes it with the
// encryptor, so everything works on io streams and never buffers a whole
// archive in memory.
package archive

import (
	"archive/tar"
	"compress/gzip"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gravitational/trace"

	"github.com/corvohq/warden/lib/defaults"
)

// Entry maps a file on disk to its logical path inside an archive.
type Entry struct {
	// Path is the logical path inside the archive, slash separated.
	Path string
	// Source is the absolute path of the file on disk.
	Source string
}

// Writer writes a tar.gz stream entry by entry. Close must be called to
// flush the gzip trailer.
type Writer struct {
	gz *gzip.Writer
	tw *tar.Writer
}

// NewWriter returns a Writer targeting w.
func NewWriter(w io.Writer) *Writer {
	gz := gzip.NewWriter(w)
	return &Writer{gz: gz, tw: tar.NewWriter(gz)}
}

// AddFile stores the file at sourcePath under logicalPath. Symlinks are
// followed and stored as regular files.
func (w *Writer) AddFile(logicalPath, sourcePath string) error {
	info, err := os.Stat(sourcePath)
	if err != nil {
		return trace.ConvertSystemError(err)
	}
	if info.IsDir() {
		return trace.BadParameter("%v is a directory, use AddDir", sourcePath)
	}
	file, err := os.Open(sourcePath)
	if err != nil {
		return trace.ConvertSystemError(err)
	}
	defer file.Close()

	header, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return trace.Wrap(err)
	}
	header.Name = filepath.ToSlash(logicalPath)
	if err := w.tw.WriteHeader(header); err != nil {
		return trace.Wrap(err)
	}
	_, err = io.Copy(w.tw, file)
	return trace.Wrap(err)
}

// AddBytes stores data under logicalPath.
func (w *Writer) AddBytes(logicalPath string, data []byte, mode fs.FileMode, modTime time.Time) error {
	header := &tar.Header{
		Name:    filepath.ToSlash(logicalPath),
		Mode:    int64(mode),
		Size:    int64(len(data)),
		ModTime: modTime,
	}
	if err := w.tw.WriteHeader(header); err != nil {
		return trace.Wrap(err)
	}
	_, err := w.tw.Write(data)
	return trace.Wrap(err)
}

// AddDir stores every regular file under sourceDir, preserving relative
// paths below logicalRoot.
func (w *Writer) AddDir(logicalRoot, sourceDir string) error {
	return filepath.Walk(sourceDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return trace.ConvertSystemError(err)
		}
		if info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(sourceDir, path)
		if err != nil {
			return trace.Wrap(err)
		}
		return w.AddFile(filepath.Join(logicalRoot, rel), path)
	})
}

// Close flushes the tar and gzip trailers.
func (w *Writer) Close() error {
	if err := w.tw.Close(); err != nil {
		return trace.Wrap(err)
	}
	return trace.Wrap(w.gz.Close())
}

// WriteFile creates destPath and stores every entry into it.
func WriteFile(destPath string, entries []Entry) error {
	out, err := os.OpenFile(destPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, defaults.PrivateFileMode)
	if err != nil {
		return trace.ConvertSystemError(err)
	}
	defer out.Close()

	w := NewWriter(out)
	for _, entry := range entries {
		if err := w.AddFile(entry.Path, entry.Source); err != nil {
			return trace.Wrap(err)
		}
	}
	return trace.Wrap(w.Close())
}

// CompressDir archives the whole tree under sourceDir into destPath. The
// archive contains paths relative to sourceDir.
func CompressDir(sourceDir, destPath string) error {
	out, err := os.OpenFile(destPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, defaults.PrivateFileMode)
	if err != nil {
		return trace.ConvertSystemError(err)
	}
	defer out.Close()

	w := NewWriter(out)
	if err := w.AddDir("", sourceDir); err != nil {
		return trace.Wrap(err)
	}
	return trace.Wrap(w.Close())
}

// Extract unpacks a tar.gz stream into destDir. Entries that would land
// outside destDir are rejected.
func Extract(src io.Reader, destDir string) error {
	gz, err := gzip.NewReader(src)
	if err != nil {
		return trace.Wrap(err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		header, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return trace.Wrap(err)
		}
		target, err := sanitizePath(destDir, header.Name)
		if err != nil {
			return trace.Wrap(err)
		}
		switch header.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, defaults.DirMode); err != nil {
				return trace.ConvertSystemError(err)
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), defaults.DirMode); err != nil {
				return trace.ConvertSystemError(err)
			}
			out, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, fs.FileMode(header.Mode)&0o777)
			if err != nil {
				return trace.ConvertSystemError(err)
			}
			if _, err := io.Copy(out, tr); err != nil {
				out.Close()
				return trace.Wrap(err)
			}
			if err := out.Close(); err != nil {
				return trace.ConvertSystemError(err)
			}
		default:
			// Symlinks and special files never appear in our own
			// archives, skip them on the way out.
		}
	}
}

// ExtractFile unpacks the archive at srcPath into destDir.
func ExtractFile(srcPath, destDir string) error {
	src, err := os.Open(srcPath)
	if err != nil {
		return trace.ConvertSystemError(err)
	}
	defer src.Close()
	return trace.Wrap(Extract(src, destDir))
}

// sanitizePath joins name onto destDir and rejects escapes.
func sanitizePath(destDir, name string) (string, error) {
	target := filepath.Join(destDir, filepath.Clean(filepath.FromSlash(name)))
	if target != filepath.Clean(destDir) && !strings.HasPrefix(target, filepath.Clean(destDir)+string(os.PathSeparator)) {
		return "", trace.BadParameter("archive entry %q escapes the extraction root", name)
	}
	return target, nil
}
