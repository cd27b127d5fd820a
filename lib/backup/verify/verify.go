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

// Package verify scores completed backup runs. A verification runs up to
// five phases against one run: basic artifact integrity, component
// records, cloud replication, database content and an optional
// restoration drill. Problems surface as failed or warning tests inside
// the phases, the overall verdict is recorded on the run and a JSON
// report is written under the verification directory.
package verify

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/corvohq/warden"
	"github.com/corvohq/warden/lib/backup"
	"github.com/corvohq/warden/lib/cloudstore"
	"github.com/corvohq/warden/lib/defaults"
	"github.com/corvohq/warden/lib/encryptor"
	"github.com/corvohq/warden/lib/observability/metrics"
)

// Directory names under defaults.VerificationDir.
const (
	extractionDir  = "extraction"
	restorationDir = "restoration"
	reportsDir     = "reports"
)

// sweepScan is how many recent runs the automated sweep inspects for a
// missing verification.
const sweepScan = 50

// Restorer replays a database export into a disposable target database.
type Restorer interface {
	// Database is the logical database the restorer serves.
	Database() string
	// Restore replays the export artifact at path.
	Restore(ctx context.Context, path string) error
}

// KeyRing supplies every key an artifact may be encrypted with, the
// active key first.
type KeyRing interface {
	DecryptKeys() ([][]byte, error)
}

// Config configures the Verifier.
type Config struct {
	// BaseDir is the root of the backup tree.
	BaseDir string
	// Registry is where runs and verdicts live.
	Registry backup.Registry
	// Keys decrypts encrypted artifacts. Without it the content phases
	// fail on encrypted runs.
	Keys KeyRing
	// Uploader checks cloud replicas. When nil the cloud phase is
	// skipped.
	Uploader cloudstore.Uploader
	// PrimaryDatabase is the database whose absence from a backup is
	// fatal.
	PrimaryDatabase string
	// LicenseDatabase is the license authority database, its absence is
	// a warning. Optional.
	LicenseDatabase string
	// Restorers run the restoration drill. Empty skips the phase.
	Restorers []Restorer
	// Logger emits progress.
	Logger *slog.Logger
	// Clock is used for report timestamps.
	Clock clockwork.Clock
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.BaseDir == "" {
		return trace.BadParameter("missing verification base directory")
	}
	if c.Registry == nil {
		return trace.BadParameter("missing backup registry")
	}
	if c.PrimaryDatabase == "" {
		return trace.BadParameter("missing primary database name")
	}
	if c.Logger == nil {
		c.Logger = slog.Default().With(warden.ComponentKey, warden.ComponentVerification)
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Verifier runs the verification pipeline against recorded backup runs.
type Verifier struct {
	cfg     Config
	metrics *verifyMetrics
}

// New returns a Verifier with registered metrics.
func New(cfg Config) (*Verifier, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	m, err := newVerifyMetrics()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &Verifier{cfg: cfg, metrics: m}, nil
}

// Verify runs every phase against the named run, writes the report and
// records the verdict on the run. Problems found by the phases surface
// in the report, Verify itself fails only when the run cannot be
// verified at all.
func (v *Verifier) Verify(ctx context.Context, backupID string) (*Report, error) {
	run, err := v.cfg.Registry.Get(ctx, backupID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if !run.Succeeded() {
		return nil, trace.BadParameter("backup %v did not complete, there is nothing to verify", run.ID)
	}
	if run.Deleted() {
		return nil, trace.BadParameter("artifact of backup %v was removed by retention", run.ID)
	}

	v.cfg.Logger.InfoContext(ctx, "Verifying backup.", "backup_id", run.ID)
	report := &Report{
		ID:        uuid.NewString(),
		BackupID:  run.ID,
		StartedAt: v.cfg.Clock.Now().UTC(),
	}
	if run.ArtifactPath == "" {
		// Corrupt record, no phase can run.
		report.Status = backup.VerifyError
		report.recommend(SeverityCritical, "Backup record has no artifact path and cannot be verified.")
		v.record(ctx, run.ID, report)
		return report, nil
	}

	ex := &extraction{v: v, run: run}
	defer ex.cleanup()

	report.Phases = append(report.Phases,
		v.verifyBasic(run),
		v.verifyComponents(run),
		v.verifyCloud(ctx, run),
		v.verifyContent(run, ex),
		v.verifyRestoration(ctx, run, ex),
	)
	report.finish(v.cfg.Clock.Now().UTC())
	v.record(ctx, run.ID, report)
	return report, nil
}

// Sweep verifies the most recent completed runs that have no prior
// verification, up to defaults.VerifySweepLimit per sweep.
func (v *Verifier) Sweep(ctx context.Context) ([]*Report, error) {
	runs, err := v.cfg.Registry.Recent(ctx, sweepScan)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	var pending []backup.BackupRun
	for _, run := range runs {
		if !run.Succeeded() || run.Deleted() || run.Verification != nil {
			continue
		}
		pending = append(pending, run)
		if len(pending) == defaults.VerifySweepLimit {
			break
		}
	}
	if len(pending) == 0 {
		return nil, nil
	}

	var g errgroup.Group
	g.SetLimit(defaults.VerifySweepLimit)
	reports := make([]*Report, len(pending))
	for i, run := range pending {
		g.Go(func() error {
			report, err := v.Verify(ctx, run.ID)
			if err != nil {
				return trace.Wrap(err, "verifying %v", run.ID)
			}
			reports[i] = report
			return nil
		})
	}
	err = g.Wait()
	out := make([]*Report, 0, len(reports))
	for _, r := range reports {
		if r != nil {
			out = append(out, r)
		}
	}
	return out, trace.Wrap(err)
}

// verifyBasic checks the artifact on disk against the run record.
func (v *Verifier) verifyBasic(run *backup.BackupRun) Phase {
	p := newPhase(PhaseBasic)
	info, err := os.Stat(run.ArtifactPath)
	if err != nil {
		p.failf("artifact exists", "%v", trace.ConvertSystemError(err))
		p.failf("artifact size", "artifact is missing")
		p.failf("artifact checksum", "artifact is missing")
		p.failf("archive header", "artifact is missing")
		return p.scored()
	}
	p.pass("artifact exists")

	if diff := info.Size() - run.Size; diff >= -defaults.VerifySizeTolerance && diff <= defaults.VerifySizeTolerance {
		p.passf("artifact size", "%v on disk", humanize.IBytes(uint64(info.Size())))
	} else {
		p.failf("artifact size", "recorded %d bytes, found %d", run.Size, info.Size())
	}

	if _, err := encryptor.ChecksumFile(run.ArtifactPath); err != nil {
		p.failf("artifact checksum", "%v", err)
	} else {
		p.pass("artifact checksum")
	}

	if run.Encrypted {
		p.passf("archive header", "skipped, artifact is encrypted")
	} else if err := backup.CheckArchiveHeader(run.ArtifactPath); err != nil {
		p.failf("archive header", "%v", err)
	} else {
		p.pass("archive header")
	}
	return p.scored()
}

// verifyComponents checks the component records of the run and that all
// required component kinds are present.
func (v *Verifier) verifyComponents(run *backup.BackupRun) Phase {
	p := newPhase(PhaseComponents)
	for _, c := range run.Components {
		name := "component " + c.Label
		switch {
		case c.Kind == "" || c.Label == "" || c.ArtifactPath == "" || c.Timestamp.IsZero():
			p.failf(name, "record is incomplete")
		case c.ByteSize <= 0:
			p.failf(name, "record has no size")
		case c.ByteSize < defaults.VerifyMinComponentSize:
			p.warnf(name, "%v is suspiciously small", humanize.IBytes(uint64(c.ByteSize)))
		default:
			p.pass(name)
		}
	}
	var missing []string
	if len(run.DatabaseComponents()) == 0 {
		missing = append(missing, "db")
	}
	for _, kind := range []backup.ComponentKind{backup.KindFiles, backup.KindConfiguration, backup.KindEncryptedKeys} {
		if run.Component(kind) == nil {
			missing = append(missing, string(kind))
		}
	}
	if len(missing) > 0 {
		p.warnf("completeness", "missing component kinds: %v", strings.Join(missing, ", "))
	} else {
		p.pass("completeness")
	}
	return p.scored()
}

// verifyCloud checks the uploaded replica. Skipped when the run was not
// replicated or no uploader is configured.
func (v *Verifier) verifyCloud(ctx context.Context, run *backup.BackupRun) Phase {
	if v.cfg.Uploader == nil || !run.Cloud.Uploaded {
		return skippedPhase(PhaseCloud)
	}
	p := newPhase(PhaseCloud)
	switch err := v.cfg.Uploader.Verify(ctx, run.Cloud.Key, run.Size); {
	case err == nil:
		p.pass("object exists")
		p.pass("object size")
	case trace.IsCompareFailed(err):
		p.pass("object exists")
		p.failf("object size", "%v", err)
	default:
		p.failf("object exists", "%v", err)
		p.failf("object size", "object could not be checked")
	}

	dest := filepath.Join(v.cfg.BaseDir, defaults.VerificationDir, extractionDir, run.ID, "cloud-probe")
	if err := os.MkdirAll(filepath.Dir(dest), defaults.DirMode); err != nil {
		p.failf("download probe", "%v", trace.ConvertSystemError(err))
		return p.scored()
	}
	defer os.Remove(dest)
	res, err := v.cfg.Uploader.Download(ctx, run.Cloud.Key, dest)
	switch {
	case err != nil:
		p.failf("download probe", "%v", err)
	case res.Size != run.Size:
		p.failf("download probe", "downloaded %d bytes, expected %d", res.Size, run.Size)
	default:
		p.passf("download probe", "downloaded %v", humanize.IBytes(uint64(res.Size)))
	}
	return p.scored()
}

// verifyContent inspects the database exports inside the artifact.
func (v *Verifier) verifyContent(run *backup.BackupRun, ex *extraction) Phase {
	p := newPhase(PhaseDatabase)
	dbs := run.DatabaseComponents()

	if databaseComponent(dbs, v.cfg.PrimaryDatabase) != nil {
		p.pass("primary database")
	} else {
		p.failf("primary database", "backup contains no export of %v", v.cfg.PrimaryDatabase)
	}
	if v.cfg.LicenseDatabase != "" {
		if databaseComponent(dbs, v.cfg.LicenseDatabase) != nil {
			p.pass("license database")
		} else {
			p.warnf("license database", "backup contains no export of %v", v.cfg.LicenseDatabase)
		}
	}

	for _, c := range dbs {
		structure := "database " + c.Label + " structure"
		size := "database " + c.Label + " size"
		contents, err := ex.contents()
		if err != nil {
			p.failf(structure, "cannot inspect artifact: %v", err)
			p.failf(size, "cannot inspect artifact: %v", err)
			continue
		}
		path := filepath.Join(contents, c.ArtifactPath)
		info, err := os.Stat(path)
		if err != nil {
			p.failf(structure, "export is missing from the archive: %v", trace.ConvertSystemError(err))
			p.failf(size, "export is missing from the archive")
			continue
		}
		if err := checkExportStructure(path, c); err != nil {
			p.failf(structure, "%v", err)
		} else {
			p.pass(structure)
		}
		if info.Size() < defaults.VerifyMinDatabaseSize {
			p.warnf(size, "export is only %v", humanize.IBytes(uint64(info.Size())))
		} else {
			p.passf(size, "%v", humanize.IBytes(uint64(info.Size())))
		}
	}
	return p.scored()
}

// verifyRestoration replays the database exports into disposable
// targets. The outcome is also recorded as the run's restoration status.
func (v *Verifier) verifyRestoration(ctx context.Context, run *backup.BackupRun, ex *extraction) Phase {
	if len(v.cfg.Restorers) == 0 {
		return skippedPhase(PhaseRestoration)
	}
	p := newPhase(PhaseRestoration)
	stage := filepath.Join(v.cfg.BaseDir, defaults.VerificationDir, restorationDir, run.ID)
	defer os.RemoveAll(stage)

	dbs := run.DatabaseComponents()
	for _, r := range v.cfg.Restorers {
		name := "restore " + r.Database()
		c := databaseComponent(dbs, r.Database())
		if c == nil {
			p.failf(name, "backup contains no export of %v", r.Database())
			continue
		}
		contents, err := ex.contents()
		if err != nil {
			p.failf(name, "cannot extract artifact: %v", err)
			continue
		}
		staged := filepath.Join(stage, c.ArtifactPath)
		if err := copyFile(filepath.Join(contents, c.ArtifactPath), staged); err != nil {
			p.failf(name, "cannot stage export: %v", err)
			continue
		}
		if err := r.Restore(ctx, staged); err != nil {
			p.failf(name, "%v", err)
		} else {
			p.pass(name)
		}
	}
	phase := p.scored()
	v.markRestored(ctx, run.ID, phase)
	return phase
}

// markRestored stores the restoration outcome on the run.
func (v *Verifier) markRestored(ctx context.Context, id string, phase Phase) {
	status := backup.RestorationStatus{Success: true, TestedAt: v.cfg.Clock.Now().UTC()}
	for _, t := range phase.Tests {
		if t.Status == TestFailed {
			status.Success = false
			status.Error = t.Message
			break
		}
	}
	if err := v.cfg.Registry.MarkRestored(ctx, id, status); err != nil {
		v.cfg.Logger.WarnContext(ctx, "Failed to record restoration outcome.", "backup_id", id, "error", err)
	}
}

// record writes the report file, stores the verdict on the run and
// updates the metrics. Failures here are logged, the report is still
// returned to the caller.
func (v *Verifier) record(ctx context.Context, id string, report *Report) {
	if err := v.writeReport(report); err != nil {
		v.cfg.Logger.WarnContext(ctx, "Failed to write verification report.", "backup_id", id, "error", err)
	}
	v.metrics.runs.WithLabelValues(string(report.Status)).Inc()
	v.metrics.score.Set(report.OverallScore)
	err := v.cfg.Registry.MarkVerified(ctx, id, backup.VerificationStatus{
		Status:     report.Status,
		Score:      report.OverallScore,
		VerifiedAt: v.cfg.Clock.Now().UTC(),
		ReportPath: report.Path,
	})
	if err != nil {
		v.cfg.Logger.WarnContext(ctx, "Failed to record verification verdict.", "backup_id", id, "error", err)
	}
	v.cfg.Logger.InfoContext(ctx, "Backup verified.",
		"backup_id", id, "verdict", report.Status, "score", report.OverallScore)
}

func (v *Verifier) writeReport(report *Report) error {
	dir := filepath.Join(v.cfg.BaseDir, defaults.VerificationDir, reportsDir)
	if err := os.MkdirAll(dir, defaults.DirMode); err != nil {
		return trace.ConvertSystemError(err)
	}
	path := filepath.Join(dir, "verification-"+report.BackupID+"-"+backup.FileStamp(report.StartedAt)+".json")
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return trace.Wrap(err)
	}
	if err := os.WriteFile(path, data, defaults.MetadataFileMode); err != nil {
		return trace.ConvertSystemError(err)
	}
	report.Path = path
	return nil
}

// extraction lazily decrypts and unpacks the run artifact. The phases
// that look inside the archive share one extraction, its directory is
// removed when the verification finishes.
type extraction struct {
	v   *Verifier
	run *backup.BackupRun

	once sync.Once
	dir  string
	err  error
}

// contents returns the directory the archive was unpacked into.
func (e *extraction) contents() (string, error) {
	e.once.Do(func() {
		e.dir, e.err = e.unpack()
	})
	if e.err != nil {
		return "", trace.Wrap(e.err)
	}
	return e.dir, nil
}

func (e *extraction) root() string {
	return filepath.Join(e.v.cfg.BaseDir, defaults.VerificationDir, extractionDir, e.run.ID)
}

func (e *extraction) cleanup() {
	os.RemoveAll(e.root())
}

// unpack verifies the artifact checksum, decrypts the artifact when
// needed and extracts it. The checksum check runs before any decryption
// attempt, a tampered artifact is never fed to the cipher. Decryption
// tries the active key first, then every retired key from the rotation
// history.
func (e *extraction) unpack() (string, error) {
	var keys [][]byte
	if e.run.Encrypted {
		if e.v.cfg.Keys == nil {
			return "", trace.NotFound("artifact is encrypted and no keys are configured")
		}
		ring, err := e.v.cfg.Keys.DecryptKeys()
		if err != nil {
			return "", trace.Wrap(err)
		}
		keys = ring
	}
	contents, err := backup.ExtractArtifact(e.run, keys, e.root())
	return contents, trace.Wrap(err)
}

// databaseComponent finds the database component with the given label.
func databaseComponent(dbs []backup.ComponentRecord, label string) *backup.ComponentRecord {
	for i := range dbs {
		if dbs[i].Label == label {
			return &dbs[i]
		}
	}
	return nil
}

// documentExport is the document export layout checked structurally.
type documentExport struct {
	Database    string                     `json:"database"`
	Collections map[string]json.RawMessage `json:"collections"`
}

// checkExportStructure validates that an extracted database export looks
// like what its component record says it is. Native archives are opaque,
// they only get a non-emptiness check.
func checkExportStructure(path string, c backup.ComponentRecord) error {
	if c.Kind != backup.KindDBFallback {
		info, err := os.Stat(path)
		if err != nil {
			return trace.ConvertSystemError(err)
		}
		if info.Size() == 0 {
			return trace.BadParameter("native archive is empty")
		}
		return nil
	}
	f, err := os.Open(path)
	if err != nil {
		return trace.ConvertSystemError(err)
	}
	defer f.Close()
	var export documentExport
	if err := json.NewDecoder(f).Decode(&export); err != nil {
		return trace.BadParameter("export does not parse: %v", err)
	}
	if export.Database == "" || export.Collections == nil {
		return trace.BadParameter("export is missing the database or collections fields")
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return trace.ConvertSystemError(err)
	}
	defer in.Close()
	if err := os.MkdirAll(filepath.Dir(dst), defaults.DirMode); err != nil {
		return trace.ConvertSystemError(err)
	}
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, defaults.PrivateFileMode)
	if err != nil {
		return trace.ConvertSystemError(err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return trace.ConvertSystemError(err)
	}
	return trace.ConvertSystemError(out.Close())
}

type verifyMetrics struct {
	runs  *prometheus.CounterVec
	score prometheus.Gauge
}

func newVerifyMetrics() (*verifyMetrics, error) {
	m := &verifyMetrics{
		runs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: warden.MetricNamespace,
				Name:      warden.MetricVerificationRuns,
				Help:      "Number of backup verifications by verdict",
			},
			[]string{"verdict"},
		),
		score: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: warden.MetricNamespace,
				Name:      warden.MetricVerificationScore,
				Help:      "Overall score of the most recent verification",
			},
		),
	}
	return m, trace.Wrap(metrics.RegisterPrometheusCollectors(m.runs, m.score))
}
