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

// Package cloudstore defines the object store capability used to replicate
// encrypted backup artifacts off the host. Providers implement Uploader;
// the rest of the system treats a nil Uploader as "cloud disabled" and
// degrades to local-only operation.
package cloudstore

import (
	"context"
	"path"
	"time"
)

// Metadata travels with every uploaded artifact.
type Metadata struct {
	// BackupID is the run the artifact belongs to.
	BackupID string
	// Type is the backup type: daily, weekly, monthly or emergency.
	Type string
	// CreatedAt is when the run started.
	CreatedAt time.Time
	// OriginalSize is the artifact size at upload time.
	OriginalSize int64
}

// UploadResult describes a completed upload.
type UploadResult struct {
	Key  string
	URL  string
	Size int64
	ETag string
}

// DownloadResult describes a completed download.
type DownloadResult struct {
	Size         int64
	LastModified time.Time
	ETag         string
}

// ObjectInfo describes one stored object.
type ObjectInfo struct {
	Key          string
	Size         int64
	LastModified time.Time
	ETag         string
}

// Stats aggregates the provider's backup prefix.
type Stats struct {
	Count     int
	TotalSize int64
	Oldest    time.Time
	Newest    time.Time
}

// Uploader is the object store capability. Implementations must encrypt at
// rest; artifacts are additionally encrypted client side before upload.
type Uploader interface {
	// Upload stores the file at localPath under key.
	Upload(ctx context.Context, localPath, key string, meta Metadata) (*UploadResult, error)
	// Download fetches key into destPath.
	Download(ctx context.Context, key, destPath string) (*DownloadResult, error)
	// Verify checks that key exists and matches the expected size.
	Verify(ctx context.Context, key string, expectedSize int64) error
	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
	// List returns objects under prefix.
	List(ctx context.Context, prefix string) ([]ObjectInfo, error)
	// TestConnection verifies the store is reachable and writable enough
	// to accept backups.
	TestConnection(ctx context.Context) error
	// Stats summarizes everything under the backup prefix.
	Stats(ctx context.Context) (*Stats, error)
	// Provider names the implementation for logs and reports.
	Provider() string
}

// KeyPrefix is the root of all backup objects.
const KeyPrefix = "backups"

// ObjectKey builds the canonical object key
// backups/YYYY-MM-DD/<backupID>/<basename>.
func ObjectKey(createdAt time.Time, backupID, basename string) string {
	return path.Join(KeyPrefix, createdAt.UTC().Format(time.DateOnly), backupID, basename)
}

// RunPrefix is the key prefix covering every object of one run.
func RunPrefix(createdAt time.Time, backupID string) string {
	return path.Join(KeyPrefix, createdAt.UTC().Format(time.DateOnly), backupID) + "/"
}
