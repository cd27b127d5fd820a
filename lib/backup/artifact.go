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

package backup

import (
	"bytes"
	"io"
	"os"
	"path/filepath"

	"github.com/gravitational/trace"

	"github.com/corvohq/warden/lib/archive"
	"github.com/corvohq/warden/lib/defaults"
	"github.com/corvohq/warden/lib/encryptor"
)

// ExtractArtifact unpacks the combined archive of a completed run into
// destDir and returns the directory holding the component files. The
// recorded checksum is verified before anything touches the cipher, a
// tampered artifact is never decrypted. Encrypted artifacts are tried
// against every supplied key in order, the active key is expected first.
func ExtractArtifact(run *BackupRun, keys [][]byte, destDir string) (string, error) {
	if run.ArtifactPath == "" {
		return "", trace.BadParameter("backup %v has no artifact", run.ID)
	}
	if err := os.MkdirAll(destDir, defaults.DirMode); err != nil {
		return "", trace.ConvertSystemError(err)
	}
	if run.ArtifactChecksum != "" {
		sum, err := encryptor.ChecksumFile(run.ArtifactPath)
		if err != nil {
			return "", trace.Wrap(err)
		}
		if err := encryptor.VerifyChecksum(sum, run.ArtifactChecksum); err != nil {
			return "", trace.Wrap(err, "refusing to decrypt a tampered artifact")
		}
	}
	archivePath := run.ArtifactPath
	if run.Encrypted {
		plain := filepath.Join(destDir, "artifact"+defaults.ArchiveSuffix)
		if err := decryptArtifact(run.ArtifactPath, plain, keys); err != nil {
			return "", trace.Wrap(err)
		}
		archivePath = plain
	}
	contents := filepath.Join(destDir, "contents")
	if err := archive.ExtractFile(archivePath, contents); err != nil {
		return "", trace.Wrap(err)
	}
	return contents, nil
}

// decryptArtifact tries every key in order until one produces a gzip
// stream.
func decryptArtifact(src, dst string, keys [][]byte) error {
	if len(keys) == 0 {
		return trace.NotFound("artifact is encrypted and no keys are configured")
	}
	var lastErr error
	for _, key := range keys {
		if err := encryptor.DecryptFile(src, dst, key); err != nil {
			lastErr = err
			continue
		}
		// A wrong key can slip through PKCS#7 unpadding, the gzip magic
		// confirms the plaintext really is the archive.
		if err := CheckArchiveHeader(dst); err != nil {
			lastErr = err
			continue
		}
		return nil
	}
	return trace.Wrap(lastErr, "artifact does not decrypt with any known key")
}

// gzipMagic is the first two bytes of any gzip stream.
var gzipMagic = []byte{0x1f, 0x8b}

// CheckArchiveHeader verifies the file at path starts like a gzip stream.
func CheckArchiveHeader(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return trace.ConvertSystemError(err)
	}
	defer f.Close()
	header := make([]byte, len(gzipMagic))
	if _, err := io.ReadFull(f, header); err != nil {
		return trace.BadParameter("artifact is too short to be an archive")
	}
	if !bytes.Equal(header, gzipMagic) {
		return trace.BadParameter("artifact does not start with a gzip header")
	}
	return nil
}
