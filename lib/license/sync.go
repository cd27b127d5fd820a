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

package license

import (
	"context"
	"log/slog"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/singleflight"

	"github.com/corvohq/warden"
	"github.com/corvohq/warden/lib/defaults"
	"github.com/corvohq/warden/lib/encryptor"
	"github.com/corvohq/warden/lib/observability/metrics"
)

const (
	metricSuccess = "success"
	metricFailure = "failure"
)

// SyncerConfig configures the license synchronizer.
type SyncerConfig struct {
	// Store persists the cached records.
	Store Store
	// Authority is the license server client.
	Authority *Authority
	// TenantID is the company this deployment belongs to.
	TenantID string
	// Secret keys the record integrity seal.
	Secret string
	// Usage collects current seat usage for reporting after a successful
	// sync. Nil disables usage reporting.
	Usage func(ctx context.Context) (*Usage, error)
	// Logger emits sync events.
	Logger *slog.Logger
	// Clock supplies time.
	Clock clockwork.Clock
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *SyncerConfig) CheckAndSetDefaults() error {
	if c.Store == nil {
		return trace.BadParameter("missing license store")
	}
	if c.Authority == nil {
		return trace.BadParameter("missing license server client")
	}
	if c.TenantID == "" {
		return trace.BadParameter("missing tenant ID")
	}
	if c.Secret == "" {
		return trace.BadParameter("missing integrity secret")
	}
	if c.Logger == nil {
		c.Logger = slog.Default().With(warden.ComponentKey, warden.ComponentLicenseSync)
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Syncer refreshes the cached license from the license server. At most
// one sync is in flight per process; concurrent calls coalesce.
type Syncer struct {
	cfg     SyncerConfig
	group   singleflight.Group
	metrics *syncMetrics
}

// NewSyncer returns a Syncer with registered metrics.
func NewSyncer(cfg SyncerConfig) (*Syncer, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	m, err := newSyncMetrics()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &Syncer{cfg: cfg, metrics: m}, nil
}

// Sync fetches the tenant's license and refreshes the cached record. On
// fetch failure every cached record still under its retry cap takes a
// failure mark, and offline validation turns on once failures pile up.
func (s *Syncer) Sync(ctx context.Context) (*Record, error) {
	rec, err, _ := s.group.Do("sync", func() (any, error) {
		return s.sync(ctx)
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return rec.(*Record), nil
}

func (s *Syncer) sync(ctx context.Context) (*Record, error) {
	lic, err := s.cfg.Authority.FetchLicense(ctx, s.cfg.TenantID)
	if err != nil {
		s.metrics.syncs.WithLabelValues(metricFailure).Inc()
		s.recordFailure(ctx, err)
		return nil, trace.Wrap(err)
	}
	rec, err := s.applyLicense(ctx, lic)
	if err != nil {
		s.metrics.syncs.WithLabelValues(metricFailure).Inc()
		return nil, trace.Wrap(err)
	}
	s.metrics.syncs.WithLabelValues(metricSuccess).Inc()
	s.reportUsage(ctx, rec)
	return rec, nil
}

// applyLicense folds the fetched license into the tenant's record under
// the tenant lock.
func (s *Syncer) applyLicense(ctx context.Context, lic *License) (*Record, error) {
	if lic.EncryptionKey == "" {
		return nil, trace.BadParameter("license server sent no encryption key for license %v", lic.LicenseID)
	}
	now := s.cfg.Clock.Now().UTC()
	lock := s.cfg.Store.ForTenant(s.cfg.TenantID)
	lock.Lock()
	defer lock.Unlock()

	rec, err := s.cfg.Store.GetByTenant(ctx, s.cfg.TenantID)
	switch {
	case trace.IsNotFound(err):
		rec = NewRecord(lic.LicenseID, lic.LicenseNumber, s.cfg.TenantID)
		s.cfg.Logger.InfoContext(ctx, "Caching license for the first time.",
			"tenant", s.cfg.TenantID,
			"license", lic.LicenseID)
	case err != nil:
		return nil, trace.Wrap(err)
	}

	key := encryptor.KeyFromPassphrase(lic.EncryptionKey)
	if rec.EncryptedPayload != "" {
		// The old payload failing to open with the new key means the
		// license server rotated the payload key.
		if _, err := encryptor.DecryptHex(rec.EncryptedPayload, key); err != nil {
			rec.Integrity.KeyRotatedAt = now
			s.cfg.Logger.InfoContext(ctx, "License payload key rotated.", "tenant", s.cfg.TenantID)
		}
	}
	rec.LicenseID = lic.LicenseID
	rec.LicenseNumber = lic.LicenseNumber
	if err := rec.UpdateEncrypted(lic, key, now); err != nil {
		return nil, trace.Wrap(err)
	}
	rec.RecordSync(nil, now)
	rec.Seal(s.cfg.Secret)
	if err := s.cfg.Store.Upsert(ctx, rec); err != nil {
		return nil, trace.Wrap(err)
	}
	s.cfg.Logger.InfoContext(ctx, "License synchronized.",
		"tenant", rec.TenantID,
		"license", rec.LicenseID,
		"status", rec.Quick.Status,
		"expires", rec.Quick.ExpiresAt)
	return rec, nil
}

// recordFailure spreads a sync failure over every cached record still
// under its retry cap.
func (s *Syncer) recordFailure(ctx context.Context, syncErr error) {
	recs, err := s.cfg.Store.All(ctx)
	if err != nil {
		s.cfg.Logger.WarnContext(ctx, "Failed to enumerate license records after a sync failure.", "error", err)
		return
	}
	now := s.cfg.Clock.Now().UTC()
	for i := range recs {
		if recs[i].Sync.RetryCount >= defaults.MaxSyncRetries {
			continue
		}
		s.failRecord(ctx, recs[i].TenantID, syncErr, now)
	}
	s.cfg.Logger.WarnContext(ctx, "License sync failed.",
		"tenant", s.cfg.TenantID,
		"error", syncErr)
}

func (s *Syncer) failRecord(ctx context.Context, tenantID string, syncErr error, now time.Time) {
	lock := s.cfg.Store.ForTenant(tenantID)
	lock.Lock()
	defer lock.Unlock()

	rec, err := s.cfg.Store.GetByTenant(ctx, tenantID)
	if err != nil {
		s.cfg.Logger.WarnContext(ctx, "Failed to load license record.", "tenant", tenantID, "error", err)
		return
	}
	if rec.Sync.RetryCount >= defaults.MaxSyncRetries {
		return
	}
	rec.RecordSync(syncErr, now)
	if rec.Sync.FailureCount >= defaults.FailuresBeforeOffline && !rec.Offline.Enabled {
		rec.EnableOffline(defaults.OfflineGracePeriod, now)
		s.cfg.Logger.WarnContext(ctx, "Offline validation enabled after repeated sync failures.",
			"tenant", tenantID,
			"failures", rec.Sync.FailureCount,
			"grace_until", rec.Offline.GracePeriodUntil)
	}
	if err := s.cfg.Store.Upsert(ctx, rec); err != nil {
		s.cfg.Logger.WarnContext(ctx, "Failed to record the sync failure.", "tenant", tenantID, "error", err)
	}
}

// reportUsage pushes seat usage after a successful sync. Failures are
// logged, the sync already succeeded.
func (s *Syncer) reportUsage(ctx context.Context, rec *Record) {
	if s.cfg.Usage == nil {
		return
	}
	usage, err := s.cfg.Usage(ctx)
	if err != nil {
		s.cfg.Logger.WarnContext(ctx, "Failed to collect seat usage.", "error", err)
		return
	}
	if usage == nil {
		return
	}
	if err := s.cfg.Authority.ReportUsage(ctx, rec.LicenseID, *usage); err != nil {
		s.cfg.Logger.WarnContext(ctx, "Failed to report seat usage.", "license", rec.LicenseID, "error", err)
		return
	}
	s.cfg.Logger.DebugContext(ctx, "Seat usage reported.",
		"license", rec.LicenseID,
		"active_users", usage.ActiveUsers)
}

type syncMetrics struct {
	syncs *prometheus.CounterVec
}

func newSyncMetrics() (*syncMetrics, error) {
	m := &syncMetrics{
		syncs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: warden.MetricNamespace,
				Name:      warden.MetricLicenseSyncs,
				Help:      "Number of license server synchronizations by outcome",
			},
			[]string{"outcome"},
		),
	}
	return m, trace.Wrap(metrics.RegisterPrometheusCollectors(m.syncs))
}
