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
	"context"
	"encoding/json"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/corvohq/warden"
	"github.com/corvohq/warden/lib/cloudstore"
	"github.com/corvohq/warden/lib/defaults"
)

// StorageBucket is the disk usage of one directory under the base dir.
type StorageBucket struct {
	// Files counts the regular files in the bucket.
	Files int `json:"files"`
	// Bytes sums their sizes.
	Bytes int64 `json:"bytes"`
}

// StorageReport is a point in time picture of backup storage use.
type StorageReport struct {
	// GeneratedAt is when the analysis ran.
	GeneratedAt time.Time `json:"generatedAt"`
	// Local maps bucket directory names to their usage. A bucket that
	// does not exist yet reads as empty.
	Local map[string]StorageBucket `json:"local"`
	// LocalBytes sums the local buckets.
	LocalBytes int64 `json:"localBytes"`
	// Cloud summarizes the replica store. Nil when cloud replication is
	// off.
	Cloud *cloudstore.Stats `json:"cloud,omitempty"`
	// Path is where the report was written.
	Path string `json:"-"`
}

// StorageConfig configures AnalyzeStorage.
type StorageConfig struct {
	// BaseDir is the root of the backup tree.
	BaseDir string
	// Uploader summarizes the cloud replicas. Optional.
	Uploader cloudstore.Uploader
	// Logger emits the summary.
	Logger *slog.Logger
	// Clock stamps the report.
	Clock clockwork.Clock
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *StorageConfig) CheckAndSetDefaults() error {
	if c.BaseDir == "" {
		return trace.BadParameter("missing backup base directory")
	}
	if c.Logger == nil {
		c.Logger = slog.Default().With(warden.ComponentKey, warden.ComponentBackup)
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// storageBuckets are the directories the analysis measures.
var storageBuckets = []string{
	defaults.DailyDir,
	defaults.WeeklyDir,
	defaults.MonthlyDir,
	defaults.MetadataDir,
	defaults.VerificationDir,
	defaults.RecoveryDir,
}

// AnalyzeStorage measures every backup bucket on disk, summarizes the
// cloud replica store and writes the report under the metadata
// directory as storage-analysis-<stamp>.json.
func AnalyzeStorage(ctx context.Context, cfg StorageConfig) (*StorageReport, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}

	report := &StorageReport{
		GeneratedAt: cfg.Clock.Now().UTC(),
		Local:       make(map[string]StorageBucket, len(storageBuckets)),
	}
	for _, name := range storageBuckets {
		if err := ctx.Err(); err != nil {
			return nil, trace.Wrap(err)
		}
		bucket, err := measureDir(filepath.Join(cfg.BaseDir, name))
		if err != nil {
			return nil, trace.Wrap(err)
		}
		report.Local[name] = bucket
		report.LocalBytes += bucket.Bytes
	}

	if cfg.Uploader != nil {
		stats, err := cfg.Uploader.Stats(ctx)
		if err != nil {
			// The local picture is still worth reporting.
			cfg.Logger.WarnContext(ctx, "Cloud replica store is unreachable, reporting local usage only.",
				"error", err)
		} else {
			report.Cloud = stats
		}
	}

	if err := writeStorageReport(cfg.BaseDir, report); err != nil {
		return nil, trace.Wrap(err)
	}

	cloudBytes := int64(0)
	if report.Cloud != nil {
		cloudBytes = report.Cloud.TotalSize
	}
	cfg.Logger.InfoContext(ctx, "Storage analysis finished.",
		"local", humanize.IBytes(uint64(report.LocalBytes)),
		"cloud", humanize.IBytes(uint64(cloudBytes)),
		"report", report.Path)
	return report, nil
}

// measureDir sums the regular files under dir. A missing dir is an empty
// bucket.
func measureDir(dir string) (StorageBucket, error) {
	var bucket StorageBucket
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		bucket.Files++
		bucket.Bytes += info.Size()
		return nil
	})
	if os.IsNotExist(err) {
		return StorageBucket{}, nil
	}
	if err != nil {
		return StorageBucket{}, trace.ConvertSystemError(err)
	}
	return bucket, nil
}

func writeStorageReport(baseDir string, report *StorageReport) error {
	dir := filepath.Join(baseDir, defaults.MetadataDir)
	if err := os.MkdirAll(dir, defaults.DirMode); err != nil {
		return trace.ConvertSystemError(err)
	}
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return trace.Wrap(err)
	}
	report.Path = filepath.Join(dir, "storage-analysis-"+FileStamp(report.GeneratedAt)+".json")
	return trace.ConvertSystemError(os.WriteFile(report.Path, data, defaults.MetadataFileMode))
}
