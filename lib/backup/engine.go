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
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/corvohq/warden"
	"github.com/corvohq/warden/lib/archive"
	"github.com/corvohq/warden/lib/cloudstore"
	"github.com/corvohq/warden/lib/dbdump"
	"github.com/corvohq/warden/lib/defaults"
	"github.com/corvohq/warden/lib/encryptor"
	"github.com/corvohq/warden/lib/observability/metrics"
)

// DatabaseExporter is the slice of the export layer the engine consumes.
type DatabaseExporter interface {
	// Database returns the logical database name.
	Database() string
	// Export writes an export artifact into destDir.
	Export(ctx context.Context, destDir string) (*dbdump.Result, error)
}

// Keychain supplies the active encryption key and the key material files
// captured into each backup.
type Keychain interface {
	// ActiveKey returns the key new artifacts are encrypted with.
	ActiveKey() ([]byte, error)
	// Paths returns the key material files on disk.
	Paths() []string
}

// EngineConfig configures the backup engine.
type EngineConfig struct {
	// BaseDir is the root of the backup tree.
	BaseDir string
	// Registry records run outcomes.
	Registry Registry
	// Databases are exported into every backup. At least one is required.
	Databases []DatabaseExporter
	// FilesDir is the uploaded files directory. Empty skips the files
	// component.
	FilesDir string
	// ConfigPaths are configuration files or directories captured into
	// the configuration component.
	ConfigPaths []string
	// SourceDir is the application source tree. Empty skips the source
	// component.
	SourceDir string
	// Keys provides the encryption key. When nil artifacts are stored
	// unencrypted.
	Keys Keychain
	// Uploader replicates finished artifacts to cloud storage. When nil
	// cloud replication is disabled.
	Uploader cloudstore.Uploader
	// Logger emits progress.
	Logger *slog.Logger
	// Clock is used for run timestamps.
	Clock clockwork.Clock
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *EngineConfig) CheckAndSetDefaults() error {
	if c.BaseDir == "" {
		return trace.BadParameter("missing backup base directory")
	}
	if c.Registry == nil {
		return trace.BadParameter("missing backup registry")
	}
	if len(c.Databases) == 0 {
		return trace.BadParameter("at least one database must be configured")
	}
	if c.Logger == nil {
		c.Logger = slog.Default().With(warden.ComponentKey, warden.ComponentBackup)
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Engine runs the backup pipeline: export every database, capture files,
// configuration, key material and source, archive and encrypt the result,
// replicate it to cloud storage and record the run. One run at a time.
type Engine struct {
	cfg     EngineConfig
	metrics *engineMetrics

	mu      sync.Mutex
	running bool
}

// NewEngine returns an Engine with registered metrics.
func NewEngine(cfg EngineConfig) (*Engine, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	m, err := newEngineMetrics()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &Engine{cfg: cfg, metrics: m}, nil
}

// RunOption adjusts how a backup run is recorded.
type RunOption func(*BackupRun)

// WithTrigger records what started the run and which operator asked for
// it. Without it runs are recorded as scheduled.
func WithTrigger(trigger Trigger, userID string) RunOption {
	return func(r *BackupRun) {
		r.Trigger = trigger
		r.TriggeringUserID = userID
	}
}

// WithReason keeps the operator supplied reason on the run.
func WithReason(reason string) RunOption {
	return func(r *BackupRun) {
		r.Reason = reason
	}
}

// Run executes one backup of the given type. A failed run is still
// recorded in the registry with its error before Run returns. Concurrent
// calls are rejected, only one backup runs per process.
func (e *Engine) Run(ctx context.Context, typ Type, opts ...RunOption) (*BackupRun, error) {
	if err := typ.Check(); err != nil {
		return nil, trace.Wrap(err)
	}
	if !e.tryAcquire() {
		return nil, trace.AlreadyExists("a backup is already running")
	}
	defer e.release()

	start := e.cfg.Clock.Now()
	run := &BackupRun{
		ID:        NewBackupID(typ, start),
		Type:      typ,
		Status:    StatusFailed,
		Trigger:   TriggerScheduled,
		StartedAt: start,
		Checksums: make(map[string]string),
	}
	for _, opt := range opts {
		opt(run)
	}
	e.cfg.Logger.InfoContext(ctx, "Starting backup.", "backup_id", run.ID, "type", typ)

	err := e.produce(ctx, run)
	if err == nil {
		run.Status = StatusCompleted
		e.uploadArtifact(ctx, run)
	}
	run.CompletedAt = e.cfg.Clock.Now()
	run.Duration = run.CompletedAt.Sub(run.StartedAt)
	if err != nil {
		run.Error = err.Error()
	}
	e.record(ctx, run)
	e.observe(run)
	if err != nil {
		e.cfg.Logger.ErrorContext(ctx, "Backup failed.",
			"backup_id", run.ID, "error", err)
		return nil, trace.Wrap(err)
	}
	e.cfg.Logger.InfoContext(ctx, "Backup complete.",
		"backup_id", run.ID,
		"size", run.Size,
		"duration", run.Duration,
		"components", len(run.Components),
		"uploaded", run.Cloud.Uploaded,
	)
	return run, nil
}

func (e *Engine) tryAcquire() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return false
	}
	e.running = true
	return true
}

func (e *Engine) release() {
	e.mu.Lock()
	e.running = false
	e.mu.Unlock()
}

// produce builds the run's components in a working directory next to the
// final artifact, then seals them. The working directory is removed on
// every exit path.
func (e *Engine) produce(ctx context.Context, run *BackupRun) error {
	var key []byte
	if e.cfg.Keys != nil {
		k, err := e.cfg.Keys.ActiveKey()
		if err != nil {
			return trace.Wrap(err)
		}
		key = k
	}

	typeDir := e.typeDir(run.Type)
	for _, dir := range []string{typeDir, filepath.Join(e.cfg.BaseDir, defaults.MetadataDir)} {
		if err := os.MkdirAll(dir, defaults.DirMode); err != nil {
			return trace.ConvertSystemError(err)
		}
	}
	workDir := filepath.Join(typeDir, run.ID)
	if err := os.MkdirAll(workDir, defaults.DirMode); err != nil {
		return trace.ConvertSystemError(err)
	}
	defer os.RemoveAll(workDir)

	if err := e.exportDatabases(ctx, run, workDir); err != nil {
		return trace.Wrap(err)
	}
	if err := e.captureFiles(ctx, run, workDir); err != nil {
		return trace.Wrap(err)
	}
	if err := e.captureConfiguration(ctx, run, workDir); err != nil {
		return trace.Wrap(err)
	}
	if err := e.captureKeys(ctx, run, workDir); err != nil {
		return trace.Wrap(err)
	}
	if err := e.captureSource(ctx, run, workDir); err != nil {
		return trace.Wrap(err)
	}
	return trace.Wrap(e.sealArtifact(ctx, run, workDir, typeDir, key))
}

// typeDir returns the artifact directory of a backup type. Emergency
// backups land next to the daily ones.
func (e *Engine) typeDir(typ Type) string {
	switch typ {
	case TypeWeekly:
		return filepath.Join(e.cfg.BaseDir, defaults.WeeklyDir)
	case TypeMonthly:
		return filepath.Join(e.cfg.BaseDir, defaults.MonthlyDir)
	default:
		return filepath.Join(e.cfg.BaseDir, defaults.DailyDir)
	}
}

func (e *Engine) exportDatabases(ctx context.Context, run *BackupRun, workDir string) error {
	for _, db := range e.cfg.Databases {
		res, err := db.Export(ctx, workDir)
		if err != nil {
			return trace.Wrap(err, "exporting database %v", db.Database())
		}
		kind := KindDBNative
		if res.Method == dbdump.MethodFallback {
			kind = KindDBFallback
		}
		err = e.addComponent(run, ComponentRecord{
			Kind:        kind,
			Label:       db.Database(),
			Method:      res.Method,
			Collections: res.Collections,
		}, res.Path)
		if err != nil {
			return trace.Wrap(err)
		}
		e.cfg.Logger.InfoContext(ctx, "Database exported.",
			"backup_id", run.ID, "database", db.Database(), "method", res.Method)
	}
	return nil
}

func (e *Engine) captureFiles(ctx context.Context, run *BackupRun, workDir string) error {
	if e.cfg.FilesDir == "" {
		return nil
	}
	if _, err := os.Stat(e.cfg.FilesDir); err != nil {
		if os.IsNotExist(err) {
			e.cfg.Logger.WarnContext(ctx, "Files directory does not exist, skipping files component.",
				"backup_id", run.ID, "dir", e.cfg.FilesDir)
			return nil
		}
		return trace.ConvertSystemError(err)
	}
	dest := filepath.Join(workDir, string(KindFiles)+defaults.ArchiveSuffix)
	if err := archive.CompressDir(e.cfg.FilesDir, dest); err != nil {
		return trace.Wrap(err)
	}
	return trace.Wrap(e.addComponent(run, ComponentRecord{Kind: KindFiles, Label: string(KindFiles)}, dest))
}

func (e *Engine) captureConfiguration(ctx context.Context, run *BackupRun, workDir string) error {
	if len(e.cfg.ConfigPaths) == 0 {
		return nil
	}
	dest := filepath.Join(workDir, string(KindConfiguration)+defaults.ArchiveSuffix)
	out, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, defaults.PrivateFileMode)
	if err != nil {
		return trace.ConvertSystemError(err)
	}
	w := archive.NewWriter(out)
	captured := 0
	for _, path := range e.cfg.ConfigPaths {
		info, err := os.Stat(path)
		if err != nil {
			if os.IsNotExist(err) {
				e.cfg.Logger.WarnContext(ctx, "Configuration path does not exist, skipping.",
					"backup_id", run.ID, "path", path)
				continue
			}
			out.Close()
			os.Remove(dest)
			return trace.ConvertSystemError(err)
		}
		if info.IsDir() {
			err = w.AddDir(filepath.Base(path), path)
		} else {
			err = w.AddFile(filepath.Base(path), path)
		}
		if err != nil {
			out.Close()
			os.Remove(dest)
			return trace.Wrap(err)
		}
		captured++
	}
	if err := w.Close(); err != nil {
		out.Close()
		os.Remove(dest)
		return trace.Wrap(err)
	}
	if err := out.Close(); err != nil {
		os.Remove(dest)
		return trace.ConvertSystemError(err)
	}
	if captured == 0 {
		os.Remove(dest)
		return nil
	}
	return trace.Wrap(e.addComponent(run, ComponentRecord{Kind: KindConfiguration, Label: string(KindConfiguration)}, dest))
}

func (e *Engine) captureKeys(ctx context.Context, run *BackupRun, workDir string) error {
	if e.cfg.Keys == nil {
		return nil
	}
	var entries []archive.Entry
	for _, path := range e.cfg.Keys.Paths() {
		if _, err := os.Stat(path); err != nil {
			continue
		}
		entries = append(entries, archive.Entry{Path: filepath.Base(path), Source: path})
	}
	if len(entries) == 0 {
		return nil
	}
	dest := filepath.Join(workDir, string(KindEncryptedKeys)+defaults.ArchiveSuffix)
	if err := archive.WriteFile(dest, entries); err != nil {
		return trace.Wrap(err)
	}
	return trace.Wrap(e.addComponent(run, ComponentRecord{Kind: KindEncryptedKeys, Label: string(KindEncryptedKeys)}, dest))
}

func (e *Engine) captureSource(ctx context.Context, run *BackupRun, workDir string) error {
	if e.cfg.SourceDir == "" {
		return nil
	}
	if _, err := os.Stat(e.cfg.SourceDir); err != nil {
		if os.IsNotExist(err) {
			e.cfg.Logger.WarnContext(ctx, "Source directory does not exist, skipping source component.",
				"backup_id", run.ID, "dir", e.cfg.SourceDir)
			return nil
		}
		return trace.ConvertSystemError(err)
	}
	dest := filepath.Join(workDir, string(KindSource)+defaults.ArchiveSuffix)
	if err := archive.CompressDir(e.cfg.SourceDir, dest); err != nil {
		return trace.Wrap(err)
	}
	return trace.Wrap(e.addComponent(run, ComponentRecord{Kind: KindSource, Label: string(KindSource)}, dest))
}

// addComponent records a finished component file and its checksum on the
// run. absPath must be inside the run workdir.
func (e *Engine) addComponent(run *BackupRun, rec ComponentRecord, absPath string) error {
	info, err := os.Stat(absPath)
	if err != nil {
		return trace.ConvertSystemError(err)
	}
	sum, err := encryptor.ChecksumFile(absPath)
	if err != nil {
		return trace.Wrap(err)
	}
	rec.ArtifactPath = filepath.Base(absPath)
	rec.ByteSize = info.Size()
	rec.Timestamp = e.cfg.Clock.Now()
	run.Components = append(run.Components, rec)
	run.Checksums[rec.ArtifactPath] = sum
	return nil
}

// sealArtifact archives the workdir and encrypts the archive. On success
// the run points at the final artifact, on failure no partial artifact is
// left behind.
func (e *Engine) sealArtifact(ctx context.Context, run *BackupRun, workDir, typeDir string, key []byte) error {
	plain := filepath.Join(typeDir, run.ID+defaults.ArchiveSuffix)
	if err := archive.CompressDir(workDir, plain); err != nil {
		os.Remove(plain)
		return trace.Wrap(err)
	}
	artifact := plain
	if key != nil {
		encrypted := filepath.Join(typeDir, run.ID+defaults.EncryptedSuffix)
		if err := encryptor.EncryptFile(plain, encrypted, key); err != nil {
			os.Remove(plain)
			os.Remove(encrypted)
			return trace.Wrap(err)
		}
		if err := os.Remove(plain); err != nil {
			e.cfg.Logger.WarnContext(ctx, "Failed to remove plaintext archive.",
				"backup_id", run.ID, "path", plain, "error", err)
		}
		artifact = encrypted
		run.Encrypted = true
	} else {
		e.cfg.Logger.WarnContext(ctx, "No encryption key configured, storing artifact unencrypted.",
			"backup_id", run.ID)
	}
	sum, err := encryptor.ChecksumFile(artifact)
	if err != nil {
		os.Remove(artifact)
		return trace.Wrap(err)
	}
	info, err := os.Stat(artifact)
	if err != nil {
		os.Remove(artifact)
		return trace.ConvertSystemError(err)
	}
	run.ArtifactPath = artifact
	run.ArtifactChecksum = sum
	run.Size = info.Size()
	return nil
}

// uploadArtifact replicates the artifact to cloud storage. Upload failures
// are recorded on the run but never fail it, the local artifact is the
// source of truth.
func (e *Engine) uploadArtifact(ctx context.Context, run *BackupRun) {
	if e.cfg.Uploader == nil {
		return
	}
	run.Cloud.Provider = e.cfg.Uploader.Provider()
	objectKey := cloudstore.ObjectKey(run.StartedAt, run.ID, filepath.Base(run.ArtifactPath))
	res, err := e.cfg.Uploader.Upload(ctx, run.ArtifactPath, objectKey, cloudstore.Metadata{
		BackupID:     run.ID,
		Type:         string(run.Type),
		CreatedAt:    run.StartedAt,
		OriginalSize: run.Size,
	})
	if err != nil {
		run.Cloud.Error = err.Error()
		e.metrics.uploads.WithLabelValues(metricFailure).Inc()
		e.cfg.Logger.WarnContext(ctx, "Cloud upload failed, artifact remains local only.",
			"backup_id", run.ID, "error", err)
		return
	}
	run.Cloud.Uploaded = true
	run.Cloud.Key = objectKey
	run.Cloud.URL = res.URL
	run.Cloud.UploadedAt = e.cfg.Clock.Now()
	e.metrics.uploads.WithLabelValues(metricSuccess).Inc()
	e.cfg.Logger.InfoContext(ctx, "Artifact uploaded.",
		"backup_id", run.ID, "key", objectKey, "provider", run.Cloud.Provider)
}

// record writes the run into the registry and, for completed runs, the
// metadata sidecar. Recording failures are logged, the artifact on disk
// stays usable either way.
func (e *Engine) record(ctx context.Context, run *BackupRun) {
	if err := e.cfg.Registry.Create(ctx, run); err != nil {
		e.cfg.Logger.ErrorContext(ctx, "Failed to record backup run.",
			"backup_id", run.ID, "error", err)
	}
	if !run.Succeeded() {
		return
	}
	if err := e.writeSidecar(run); err != nil {
		e.cfg.Logger.WarnContext(ctx, "Failed to write metadata sidecar.",
			"backup_id", run.ID, "error", err)
	}
}

func (e *Engine) writeSidecar(run *BackupRun) error {
	data, err := json.MarshalIndent(run, "", "  ")
	if err != nil {
		return trace.Wrap(err)
	}
	path := filepath.Join(e.cfg.BaseDir, defaults.MetadataDir, run.ID+".json")
	return trace.ConvertSystemError(os.WriteFile(path, data, defaults.MetadataFileMode))
}

func (e *Engine) observe(run *BackupRun) {
	e.metrics.runs.WithLabelValues(string(run.Type), string(run.Status)).Inc()
	e.metrics.duration.Observe(run.Duration.Seconds())
	if run.Succeeded() {
		e.metrics.artifactSize.Set(float64(run.Size))
		e.metrics.lastSuccess.Set(float64(run.CompletedAt.Unix()))
	}
}

const (
	metricSuccess = "success"
	metricFailure = "failure"
)

type engineMetrics struct {
	runs         *prometheus.CounterVec
	duration     prometheus.Histogram
	artifactSize prometheus.Gauge
	lastSuccess  prometheus.Gauge
	uploads      *prometheus.CounterVec
}

func newEngineMetrics() (*engineMetrics, error) {
	m := &engineMetrics{
		runs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: warden.MetricNamespace,
				Name:      warden.MetricBackupRuns,
				Help:      "Number of backup runs by type and status",
			},
			[]string{"type", "status"},
		),
		duration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: warden.MetricNamespace,
				Name:      warden.MetricBackupDuration,
				Help:      "Duration of backup runs in seconds",
				// lowest bucket 1s, highest 1s * 2^11 ~ 34 min
				Buckets: prometheus.ExponentialBuckets(1, 2, 12),
			},
		),
		artifactSize: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: warden.MetricNamespace,
				Name:      warden.MetricBackupArtifactSize,
				Help:      "Size in bytes of the last completed backup artifact",
			},
		),
		lastSuccess: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: warden.MetricNamespace,
				Name:      warden.MetricBackupLastSuccess,
				Help:      "Unix timestamp of the last completed backup",
			},
		),
		uploads: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: warden.MetricNamespace,
				Name:      warden.MetricCloudUploads,
				Help:      "Number of cloud uploads by outcome",
			},
			[]string{"status"},
		),
	}
	return m, trace.Wrap(metrics.RegisterPrometheusCollectors(
		m.runs,
		m.duration,
		m.artifactSize,
		m.lastSuccess,
		m.uploads,
	))
}
