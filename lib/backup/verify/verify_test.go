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

package verify

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/corvohq/warden/lib/backup"
	"github.com/corvohq/warden/lib/cloudstore/memstore"
	"github.com/corvohq/warden/lib/dbdump"
	"github.com/corvohq/warden/lib/defaults"
)

var testStart = time.Date(2025, 4, 2, 2, 30, 0, 0, time.UTC)

// fakeExporter writes a canned artifact into the run workdir.
type fakeExporter struct {
	name    string
	method  string
	content string
}

func (f *fakeExporter) Database() string { return f.name }

func (f *fakeExporter) Export(ctx context.Context, destDir string) (*dbdump.Result, error) {
	suffix := dbdump.NativeSuffix
	if f.method == dbdump.MethodFallback {
		suffix = dbdump.FallbackSuffix
	}
	path := filepath.Join(destDir, f.name+suffix)
	if err := os.WriteFile(path, []byte(f.content), 0o600); err != nil {
		return nil, trace.ConvertSystemError(err)
	}
	return &dbdump.Result{Method: f.method, Path: path, Size: int64(len(f.content))}, nil
}

// fakeRestorer records every export it was asked to replay.
type fakeRestorer struct {
	name string
	err  error

	mu       sync.Mutex
	payloads []string
}

func (f *fakeRestorer) Database() string { return f.name }

func (f *fakeRestorer) Restore(ctx context.Context, path string) error {
	if f.err != nil {
		return f.err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return trace.ConvertSystemError(err)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.payloads = append(f.payloads, string(data))
	return nil
}

func (f *fakeRestorer) restored() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.payloads...)
}

// Export contents are padded past the small-dump threshold so a clean
// run scores clean.
func nativeExportContent() string {
	return strings.Repeat("archive-bytes|", 100)
}

func documentExportContent(db string) string {
	return fmt.Sprintf(
		`{"database":%q,"timestamp":"2025-04-02T02:30:00.000Z","collections":{"records":{"documents":[{"name":"alice","filler":%q}],"count":1}}}`,
		db, strings.Repeat("x", 1200))
}

func randomBytes(t *testing.T, n int) []byte {
	t.Helper()
	b := make([]byte, n)
	_, err := rand.New(rand.NewSource(1)).Read(b)
	require.NoError(t, err)
	return b
}

type verifyFixture struct {
	baseDir  string
	registry *backup.MemoryRegistry
	store    *memstore.Store
	keys     *backup.KeyStore
	clock    *clockwork.FakeClock
}

func newFixture(t *testing.T) *verifyFixture {
	t.Helper()
	clock := clockwork.NewFakeClockAt(testStart)
	baseDir := t.TempDir()
	keys, err := backup.NewKeyStore(backup.KeyStoreConfig{
		Dir:        filepath.Join(baseDir, defaults.MetadataDir),
		SeedKeyHex: hex.EncodeToString([]byte(strings.Repeat("k", 32))),
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
		Clock:      clock,
	})
	require.NoError(t, err)
	// A rotation record on disk makes the key material component look
	// like production.
	_, err = keys.Rotate(context.Background())
	require.NoError(t, err)
	return &verifyFixture{
		baseDir:  baseDir,
		registry: backup.NewMemoryRegistry(),
		store:    memstore.New(clock),
		keys:     keys,
		clock:    clock,
	}
}

// produce runs the real engine once and returns the recorded run.
func (f *verifyFixture) produce(t *testing.T, mutate func(*backup.EngineConfig)) *backup.BackupRun {
	t.Helper()
	filesDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(filesDir, "upload.bin"), randomBytes(t, 4096), 0o600))
	configFile := filepath.Join(t.TempDir(), "app.yaml")
	require.NoError(t, os.WriteFile(configFile, randomBytes(t, 1024), 0o600))

	cfg := backup.EngineConfig{
		BaseDir:  f.baseDir,
		Registry: f.registry,
		Databases: []backup.DatabaseExporter{
			&fakeExporter{name: "hr", method: dbdump.MethodNative, content: nativeExportContent()},
			&fakeExporter{name: "licenses", method: dbdump.MethodFallback, content: documentExportContent("licenses")},
		},
		FilesDir:    filesDir,
		ConfigPaths: []string{configFile},
		Keys:        f.keys,
		Uploader:    f.store,
		Logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
		Clock:       f.clock,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	engine, err := backup.NewEngine(cfg)
	require.NoError(t, err)
	run, err := engine.Run(context.Background(), backup.TypeDaily)
	require.NoError(t, err)
	require.Equal(t, backup.StatusCompleted, run.Status)
	return run
}

func (f *verifyFixture) verifier(t *testing.T, mutate func(*Config)) *Verifier {
	t.Helper()
	cfg := Config{
		BaseDir:         f.baseDir,
		Registry:        f.registry,
		Keys:            f.keys,
		Uploader:        f.store,
		PrimaryDatabase: "hr",
		LicenseDatabase: "licenses",
		Logger:          slog.New(slog.NewTextHandler(io.Discard, nil)),
		Clock:           f.clock,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	v, err := New(cfg)
	require.NoError(t, err)
	return v
}

func findPhase(t *testing.T, report *Report, name string) Phase {
	t.Helper()
	for _, p := range report.Phases {
		if p.Name == name {
			return p
		}
	}
	t.Fatalf("report has no phase %q", name)
	return Phase{}
}

func findTest(t *testing.T, phase Phase, name string) TestResult {
	t.Helper()
	for _, tr := range phase.Tests {
		if tr.Name == name {
			return tr
		}
	}
	t.Fatalf("phase %q has no test %q", phase.Name, name)
	return TestResult{}
}

func severities(report *Report) []string {
	var out []string
	for _, r := range report.Recommendations {
		out = append(out, r.Severity)
	}
	return out
}

func TestVerifyCompletedRun(t *testing.T) {
	f := newFixture(t)
	run := f.produce(t, nil)

	hr := &fakeRestorer{name: "hr"}
	licenses := &fakeRestorer{name: "licenses"}
	v := f.verifier(t, func(cfg *Config) {
		cfg.Restorers = []Restorer{hr, licenses}
	})

	report, err := v.Verify(context.Background(), run.ID)
	require.NoError(t, err)
	_, err = uuid.Parse(report.ID)
	require.NoError(t, err)
	require.Equal(t, run.ID, report.BackupID)

	require.Len(t, report.Phases, 5)
	for i, name := range []string{PhaseBasic, PhaseComponents, PhaseCloud, PhaseDatabase, PhaseRestoration} {
		p := report.Phases[i]
		require.Equal(t, name, p.Name)
		require.False(t, p.Skipped)
		require.Equal(t, float64(100), p.Score, "phase %v: %+v", name, p.Tests)
		require.Equal(t, backup.VerifyExcellent, p.Status)
	}
	require.Equal(t, float64(100), report.OverallScore)
	require.Equal(t, backup.VerifyExcellent, report.Status)
	require.Empty(t, report.Recommendations)

	// The encrypted artifact skips the header check but still passes it.
	header := findTest(t, findPhase(t, report, PhaseBasic), "archive header")
	require.Equal(t, TestPassed, header.Status)
	require.Contains(t, header.Message, "encrypted")

	// The restorers received the exact exports that went into the backup.
	require.Equal(t, []string{nativeExportContent()}, hr.restored())
	require.Equal(t, []string{documentExportContent("licenses")}, licenses.restored())

	// Report file is on disk under verification/reports.
	wantName := "verification-" + run.ID + "-2025-04-02T02-30-00-000Z.json"
	require.Equal(t, wantName, filepath.Base(report.Path))
	require.Equal(t, filepath.Join(f.baseDir, defaults.VerificationDir, reportsDir), filepath.Dir(report.Path))
	data, err := os.ReadFile(report.Path)
	require.NoError(t, err)
	var onDisk Report
	require.NoError(t, json.Unmarshal(data, &onDisk))
	require.Equal(t, report.ID, onDisk.ID)
	require.Equal(t, report.OverallScore, onDisk.OverallScore)

	// Verdict and restoration outcome are recorded on the run.
	entry, err := f.registry.Get(context.Background(), run.ID)
	require.NoError(t, err)
	require.NotNil(t, entry.Verification)
	require.Equal(t, backup.VerifyExcellent, entry.Verification.Status)
	require.Equal(t, float64(100), entry.Verification.Score)
	require.Equal(t, report.Path, entry.Verification.ReportPath)
	require.Equal(t, testStart, entry.Verification.VerifiedAt)
	require.NotNil(t, entry.Restoration)
	require.True(t, entry.Restoration.Success)
	require.Empty(t, entry.Restoration.Error)

	// Work directories are cleaned up.
	_, err = os.Stat(filepath.Join(f.baseDir, defaults.VerificationDir, extractionDir, run.ID))
	require.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(f.baseDir, defaults.VerificationDir, restorationDir, run.ID))
	require.True(t, os.IsNotExist(err))
}

func TestVerifyTamperedArtifact(t *testing.T) {
	f := newFixture(t)
	run := f.produce(t, nil)

	// Flip one byte in the middle of the artifact. Size stays intact.
	data, err := os.ReadFile(run.ArtifactPath)
	require.NoError(t, err)
	data[len(data)/2] ^= 0xff
	require.NoError(t, os.WriteFile(run.ArtifactPath, data, 0o600))

	hr := &fakeRestorer{name: "hr"}
	licenses := &fakeRestorer{name: "licenses"}
	v := f.verifier(t, func(cfg *Config) {
		cfg.Restorers = []Restorer{hr, licenses}
	})
	report, err := v.Verify(context.Background(), run.ID)
	require.NoError(t, err)

	// Existence, size and hashability cannot catch an in-place flip.
	require.Equal(t, float64(100), findPhase(t, report, PhaseBasic).Score)
	require.Equal(t, float64(100), findPhase(t, report, PhaseComponents).Score)
	require.Equal(t, float64(100), findPhase(t, report, PhaseCloud).Score)

	// The content phases refuse to decrypt and fail.
	content := findPhase(t, report, PhaseDatabase)
	require.Equal(t, backup.VerifyFailed, content.Status)
	structure := findTest(t, content, "database hr structure")
	require.Equal(t, TestFailed, structure.Status)
	require.Contains(t, structure.Message, "tampered")

	restoration := findPhase(t, report, PhaseRestoration)
	require.Equal(t, backup.VerifyFailed, restoration.Status)
	require.Equal(t, float64(0), restoration.Score)
	require.Empty(t, hr.restored())

	require.InDelta(t, 66.67, report.OverallScore, 0.05)
	require.Equal(t, backup.VerifyWarning, report.Status)
	require.Contains(t, severities(report), SeverityCritical)
	require.Contains(t, severities(report), SeverityImprovement)
	require.NotContains(t, severities(report), SeveritySuggestion)

	entry, err := f.registry.Get(context.Background(), run.ID)
	require.NoError(t, err)
	require.Equal(t, backup.VerifyWarning, entry.Verification.Status)
	require.NotNil(t, entry.Restoration)
	require.False(t, entry.Restoration.Success)
	require.Contains(t, entry.Restoration.Error, "tampered")
}

func TestVerifyAfterKeyRotation(t *testing.T) {
	f := newFixture(t)
	run := f.produce(t, nil)

	// Rotate twice after the run, the artifact key is now two
	// generations behind the active one.
	_, err := f.keys.Rotate(context.Background())
	require.NoError(t, err)
	_, err = f.keys.Rotate(context.Background())
	require.NoError(t, err)

	hr := &fakeRestorer{name: "hr"}
	v := f.verifier(t, func(cfg *Config) {
		cfg.Restorers = []Restorer{hr}
	})
	report, err := v.Verify(context.Background(), run.ID)
	require.NoError(t, err)
	require.Equal(t, float64(100), report.OverallScore)
	require.Equal(t, backup.VerifyExcellent, report.Status)
	require.Equal(t, []string{nativeExportContent()}, hr.restored())
}

func TestVerifyUnencryptedRun(t *testing.T) {
	f := newFixture(t)
	run := f.produce(t, func(cfg *backup.EngineConfig) {
		cfg.Keys = nil
	})
	require.False(t, run.Encrypted)

	v := f.verifier(t, func(cfg *Config) {
		cfg.Keys = nil
	})
	report, err := v.Verify(context.Background(), run.ID)
	require.NoError(t, err)

	// The gzip header of a plain artifact is actually checked.
	header := findTest(t, findPhase(t, report, PhaseBasic), "archive header")
	require.Equal(t, TestPassed, header.Status)
	require.Empty(t, header.Message)

	// No key material component was captured, completeness warns and the
	// component phase drops to four of five.
	components := findPhase(t, report, PhaseComponents)
	require.Equal(t, TestWarning, findTest(t, components, "completeness").Status)
	require.Equal(t, float64(80), components.Score)

	require.Equal(t, float64(100), findPhase(t, report, PhaseDatabase).Score)
	require.True(t, findPhase(t, report, PhaseRestoration).Skipped)
	require.InDelta(t, 95.0, report.OverallScore, 1e-9)
	require.Equal(t, backup.VerifyExcellent, report.Status)
	require.Equal(t, []string{SeveritySuggestion}, severities(report))
}

func TestVerifyCloudObjectMissing(t *testing.T) {
	f := newFixture(t)
	run := f.produce(t, nil)
	require.True(t, run.Cloud.Uploaded)
	require.NoError(t, f.store.Delete(context.Background(), run.Cloud.Key))

	v := f.verifier(t, nil)
	report, err := v.Verify(context.Background(), run.ID)
	require.NoError(t, err)

	cloud := findPhase(t, report, PhaseCloud)
	require.Equal(t, float64(0), cloud.Score)
	require.Equal(t, backup.VerifyFailed, cloud.Status)
	require.Equal(t, TestFailed, findTest(t, cloud, "object exists").Status)
	require.Equal(t, TestFailed, findTest(t, cloud, "download probe").Status)

	// basic, components and database still pass, restoration is skipped.
	require.InDelta(t, 75.0, report.OverallScore, 1e-9)
	require.Equal(t, backup.VerifyWarning, report.Status)
	require.Contains(t, severities(report), SeverityCritical)
}

func TestVerifyRejectsUnverifiableRuns(t *testing.T) {
	f := newFixture(t)
	v := f.verifier(t, nil)
	ctx := context.Background()

	t.Run("unknown run", func(t *testing.T) {
		_, err := v.Verify(ctx, "daily-backup-does-not-exist")
		require.True(t, trace.IsNotFound(err))
	})

	t.Run("failed run", func(t *testing.T) {
		failed := &backup.BackupRun{
			ID:        "daily-backup-2025-04-01T02-30-00-000Z",
			Type:      backup.TypeDaily,
			Status:    backup.StatusFailed,
			StartedAt: testStart.Add(-24 * time.Hour),
			Error:     "connection refused",
		}
		require.NoError(t, f.registry.Create(ctx, failed))
		_, err := v.Verify(ctx, failed.ID)
		require.True(t, trace.IsBadParameter(err))
	})

	t.Run("deleted run", func(t *testing.T) {
		run := f.produce(t, nil)
		require.NoError(t, f.registry.MarkDeleted(ctx, run.ID, backup.RetentionStatus{
			DeletedAt: testStart,
		}))
		_, err := v.Verify(ctx, run.ID)
		require.True(t, trace.IsBadParameter(err))
	})
}

func TestVerifySweep(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var runs []*backup.BackupRun
	for i := 0; i < 5; i++ {
		if i > 0 {
			f.clock.Advance(time.Hour)
		}
		runs = append(runs, f.produce(t, nil))
	}

	v := f.verifier(t, nil)

	// First sweep covers the three most recent unverified runs.
	reports, err := v.Sweep(ctx)
	require.NoError(t, err)
	require.Len(t, reports, defaults.VerifySweepLimit)
	require.Equal(t, runs[4].ID, reports[0].BackupID)
	require.Equal(t, runs[3].ID, reports[1].BackupID)
	require.Equal(t, runs[2].ID, reports[2].BackupID)
	for _, id := range []string{runs[0].ID, runs[1].ID} {
		entry, err := f.registry.Get(ctx, id)
		require.NoError(t, err)
		require.Nil(t, entry.Verification)
	}

	// The second sweep picks up the remainder, the third is a no-op.
	reports, err = v.Sweep(ctx)
	require.NoError(t, err)
	require.Len(t, reports, 2)
	require.Equal(t, runs[1].ID, reports[0].BackupID)
	require.Equal(t, runs[0].ID, reports[1].BackupID)

	reports, err = v.Sweep(ctx)
	require.NoError(t, err)
	require.Empty(t, reports)
}

func TestVerifyConfig(t *testing.T) {
	f := newFixture(t)
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{name: "missing base dir", mutate: func(c *Config) { c.BaseDir = "" }},
		{name: "missing registry", mutate: func(c *Config) { c.Registry = nil }},
		{name: "missing primary database", mutate: func(c *Config) { c.PrimaryDatabase = "" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Config{
				BaseDir:         f.baseDir,
				Registry:        f.registry,
				PrimaryDatabase: "hr",
			}
			tc.mutate(&cfg)
			_, err := New(cfg)
			require.True(t, trace.IsBadParameter(err), "expected BadParameter, got %v", err)
		})
	}
}

func TestReportScoring(t *testing.T) {
	b := newPhase(PhaseBasic)
	b.pass("a")
	b.pass("b")
	b.warnf("c", "degraded")
	b.failf("d", "broken")
	phase := b.scored()
	require.InEpsilon(t, 50.0, phase.Score, 1e-9)
	require.Equal(t, backup.VerifyFailed, phase.Status)

	report := &Report{StartedAt: testStart, Phases: []Phase{
		{Name: PhaseBasic, Status: backup.VerifyFailed, Score: 50},
		{Name: PhaseComponents, Status: backup.VerifyWarning, Score: 70},
		skippedPhase(PhaseRestoration),
	}}
	report.finish(testStart.Add(time.Second))
	require.InEpsilon(t, 60.0, report.OverallScore, 1e-9)
	require.Equal(t, backup.VerifyWarning, report.Status)
	require.Equal(t, time.Second, report.Duration)
	require.Equal(t,
		[]string{SeverityCritical, SeverityWarning, SeverityImprovement, SeveritySuggestion},
		severities(report))

	for _, tc := range []struct {
		score float64
		want  backup.VerifyStatus
	}{
		{score: 100, want: backup.VerifyExcellent},
		{score: 90, want: backup.VerifyExcellent},
		{score: 89.9, want: backup.VerifyGood},
		{score: 80, want: backup.VerifyGood},
		{score: 79.9, want: backup.VerifyWarning},
		{score: 60, want: backup.VerifyWarning},
		{score: 59.9, want: backup.VerifyFailed},
		{score: 0, want: backup.VerifyFailed},
	} {
		require.Equal(t, tc.want, statusFor(tc.score), "score %v", tc.score)
	}
}
