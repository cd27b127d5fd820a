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
	"fmt"
	"log/slog"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/corvohq/warden"
	"github.com/corvohq/warden/lib/observability/metrics"
)

const (
	modeOnline  = "online"
	modeOffline = "offline"

	outcomeValid   = "valid"
	outcomeInvalid = "invalid"
	outcomeError   = "error"
)

// Verdict is the outcome of a validation pass.
type Verdict struct {
	// Valid reports whether the license allows use of the product.
	Valid bool `json:"valid"`
	// Online reports whether the license server issued the verdict.
	Online bool `json:"online"`
	// Reason explains an invalid verdict.
	Reason string `json:"reason,omitempty"`
	// Record is the cached record the verdict was computed against. Nil
	// when no record exists.
	Record *Record `json:"-"`
}

// ValidatorConfig configures the license validator.
type ValidatorConfig struct {
	// Store persists the cached records.
	Store Store
	// Authority is the license server client. Nil makes the validator
	// offline-only.
	Authority *Authority
	// Tenants is the tenant directory driven by online verdicts. Nil
	// disables state transitions.
	Tenants TenantStore
	// TenantID is the company this deployment belongs to.
	TenantID string
	// Secret keys the record integrity seal.
	Secret string
	// Usage collects current seat usage to attach to online validation
	// calls. Nil sends none.
	Usage func(ctx context.Context) (*Usage, error)
	// Logger emits validation events.
	Logger *slog.Logger
	// Clock supplies time.
	Clock clockwork.Clock
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *ValidatorConfig) CheckAndSetDefaults() error {
	if c.Store == nil {
		return trace.BadParameter("missing license store")
	}
	if c.TenantID == "" {
		return trace.BadParameter("missing tenant ID")
	}
	if c.Secret == "" {
		return trace.BadParameter("missing integrity secret")
	}
	if c.Logger == nil {
		c.Logger = slog.Default().With(warden.ComponentKey, warden.ComponentLicense)
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Validator decides whether the cached license permits use of the
// product, online against the license server or offline against the
// cached record.
type Validator struct {
	cfg     ValidatorConfig
	metrics *validatorMetrics
}

// NewValidator returns a Validator with registered metrics.
func NewValidator(cfg ValidatorConfig) (*Validator, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	m, err := newValidatorMetrics()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &Validator{cfg: cfg, metrics: m}, nil
}

// ValidateAuto asks the license server first and falls back to the
// offline path when the server cannot be reached.
func (v *Validator) ValidateAuto(ctx context.Context) (*Verdict, error) {
	if v.cfg.Authority == nil {
		return v.ValidateOffline(ctx)
	}
	verdict, err := v.ValidateOnline(ctx)
	if err == nil {
		return verdict, nil
	}
	if !trace.IsConnectionProblem(err) {
		return nil, trace.Wrap(err)
	}
	v.cfg.Logger.WarnContext(ctx, "License server unreachable, validating offline.", "error", err)
	return v.ValidateOffline(ctx)
}

// ValidateOnline asks the license server for a verdict. The server's
// answer is authoritative and drives tenant state transitions. An
// unreachable server is an error, not an invalid verdict.
func (v *Validator) ValidateOnline(ctx context.Context) (*Verdict, error) {
	if v.cfg.Authority == nil {
		return nil, trace.BadParameter("license server is not configured")
	}
	rec, err := v.cfg.Store.GetByTenant(ctx, v.cfg.TenantID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	var usage *Usage
	if v.cfg.Usage != nil {
		if usage, err = v.cfg.Usage(ctx); err != nil {
			v.cfg.Logger.WarnContext(ctx, "Failed to collect seat usage.", "error", err)
			usage = nil
		}
	}
	resp, err := v.cfg.Authority.Validate(ctx, rec.LicenseID, usage)
	if err != nil {
		v.metrics.validations.WithLabelValues(modeOnline, outcomeError).Inc()
		return nil, trace.Wrap(err)
	}
	verdict, err := v.recordOnline(ctx, resp)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if verdict.Valid {
		v.metrics.validations.WithLabelValues(modeOnline, outcomeValid).Inc()
	} else {
		v.metrics.validations.WithLabelValues(modeOnline, outcomeInvalid).Inc()
	}
	if _, err := v.applyTransition(ctx, verdict); err != nil {
		v.cfg.Logger.ErrorContext(ctx, "Failed to apply the tenant state change.",
			"tenant", v.cfg.TenantID,
			"error", err)
	}
	v.cfg.Logger.InfoContext(ctx, "License validated online.",
		"tenant", v.cfg.TenantID,
		"valid", verdict.Valid,
		"reason", verdict.Reason)
	return verdict, nil
}

// recordOnline folds the server's verdict into the record under the
// tenant lock.
func (v *Validator) recordOnline(ctx context.Context, resp *ValidateResponse) (*Verdict, error) {
	now := v.cfg.Clock.Now().UTC()
	lock := v.cfg.Store.ForTenant(v.cfg.TenantID)
	lock.Lock()
	defer lock.Unlock()

	rec, err := v.cfg.Store.GetByTenant(ctx, v.cfg.TenantID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	out := Outcome{Valid: resp.Valid, Online: true}
	switch {
	case resp.Valid:
		out.Result = ValidationValid
	case resp.Error == ReasonExpired:
		out.Result = ValidationExpired
		out.Error = resp.Error
	default:
		out.Result = ValidationInvalid
		out.Error = resp.Error
	}
	rec.RecordValidation(out, now)
	if err := v.cfg.Store.Upsert(ctx, rec); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Verdict{Valid: resp.Valid, Online: true, Reason: resp.Error, Record: rec}, nil
}

// ValidateOffline decides from the cached record alone. A record that is
// missing, tampered, inactive, expired or out of offline budget yields
// an invalid verdict with a reason, never an error.
func (v *Validator) ValidateOffline(ctx context.Context) (*Verdict, error) {
	now := v.cfg.Clock.Now().UTC()
	lock := v.cfg.Store.ForTenant(v.cfg.TenantID)
	lock.Lock()
	defer lock.Unlock()

	rec, err := v.cfg.Store.GetByTenant(ctx, v.cfg.TenantID)
	if trace.IsNotFound(err) {
		v.metrics.validations.WithLabelValues(modeOffline, outcomeInvalid).Inc()
		return &Verdict{Reason: "tenant has no cached license"}, nil
	}
	if err != nil {
		return nil, trace.Wrap(err)
	}

	out := Outcome{}
	switch {
	case !rec.VerifyIntegrity(v.cfg.Secret, now):
		out.Result = ValidationError
		out.Error = "license record failed its integrity check"
	case rec.Integrity.TamperDetected:
		// Sticky from an earlier check until a sync replaces the record.
		out.Result = ValidationError
		out.Error = "license record was previously flagged as tampered"
	case rec.Quick.Status != StatusActive:
		out.Result = ValidationInvalid
		out.Error = fmt.Sprintf("license is %v", rec.Quick.Status)
	case !rec.Quick.ExpiresAt.After(now):
		out.Result = ValidationExpired
		out.Error = fmt.Sprintf("license expired %v", rec.Quick.ExpiresAt.Format(time.RFC3339))
	case !rec.IsOfflineUsable(now):
		out.Result = ValidationError
		out.Error = offlineUnusableReason(rec, now)
	default:
		out.Valid = true
		out.Result = ValidationValid
	}
	rec.RecordValidation(out, now)
	if err := v.cfg.Store.Upsert(ctx, rec); err != nil {
		return nil, trace.Wrap(err)
	}
	if out.Valid {
		v.metrics.validations.WithLabelValues(modeOffline, outcomeValid).Inc()
	} else {
		v.metrics.validations.WithLabelValues(modeOffline, outcomeInvalid).Inc()
	}
	v.cfg.Logger.InfoContext(ctx, "License validated offline.",
		"tenant", v.cfg.TenantID,
		"valid", out.Valid,
		"reason", out.Error,
		"remaining", rec.Offline.ValidationsRemaining)
	return &Verdict{Valid: out.Valid, Reason: out.Error, Record: rec}, nil
}

// offlineUnusableReason explains why the offline window cannot serve
// this validation.
func offlineUnusableReason(rec *Record, now time.Time) string {
	switch {
	case !rec.Offline.Enabled:
		return "offline validation is not enabled"
	case now.After(rec.Offline.GracePeriodUntil):
		return fmt.Sprintf("offline grace period ended %v", rec.Offline.GracePeriodUntil.Format(time.RFC3339))
	case rec.Offline.ValidationsRemaining <= 0:
		return "offline validation quota is exhausted"
	}
	return "offline validation is not usable"
}

type validatorMetrics struct {
	validations *prometheus.CounterVec
}

func newValidatorMetrics() (*validatorMetrics, error) {
	m := &validatorMetrics{
		validations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: warden.MetricNamespace,
				Name:      warden.MetricLicenseValidations,
				Help:      "Number of license validations by mode and outcome",
			},
			[]string{"mode", "outcome"},
		),
	}
	return m, trace.Wrap(metrics.RegisterPrometheusCollectors(m.validations))
}
