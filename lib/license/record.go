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

// Package license caches the tenant's license from the license server and
// validates it online or, inside a bounded grace period, offline. The
// payload is stored encrypted; a keyed integrity hash over the identity,
// quick access and cache sections detects tampering with the cached copy.
package license

import (
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/gravitational/trace"

	"github.com/corvohq/warden/lib/defaults"
	"github.com/corvohq/warden/lib/encryptor"
)

// Type is the commercial license tier.
type Type string

const (
	TypeTrial        Type = "trial"
	TypeStarter      Type = "starter"
	TypeProfessional Type = "professional"
	TypeEnterprise   Type = "enterprise"
	TypeUnlimited    Type = "unlimited"
)

// Status is the license state as dictated by the license server.
type Status string

const (
	StatusActive    Status = "active"
	StatusExpired   Status = "expired"
	StatusSuspended Status = "suspended"
	StatusRevoked   Status = "revoked"
	StatusPending   Status = "pending"
)

// ValidationResult classifies the outcome of one validation.
type ValidationResult string

const (
	ValidationValid   ValidationResult = "valid"
	ValidationInvalid ValidationResult = "invalid"
	ValidationExpired ValidationResult = "expired"
	ValidationError   ValidationResult = "error"
)

// CacheState tracks the encrypted payload copy.
type CacheState struct {
	// LastSyncedAt is when the payload was last refreshed from the
	// license server.
	LastSyncedAt time.Time `bson:"last_synced_at" json:"lastSyncedAt,omitzero"`
	// SyncVersion counts successful payload refreshes.
	SyncVersion int64 `bson:"sync_version" json:"syncVersion"`
	// EncVersion is the payload encryption format version.
	EncVersion int `bson:"enc_version" json:"encVersion"`
	// Checksum is the hex MD5 of the stored ciphertext.
	Checksum string `bson:"checksum" json:"checksum,omitempty"`
}

// Quick carries the fields read on every request without decrypting the
// payload.
type Quick struct {
	// Type is the license tier.
	Type Type `bson:"license_type" json:"licenseType"`
	// Status is the license state.
	Status Status `bson:"status" json:"status"`
	// ExpiresAt is when the license lapses.
	ExpiresAt time.Time `bson:"expires_at" json:"expiresAt,omitzero"`
	// MaxUsers is the licensed seat count.
	MaxUsers int `bson:"max_users" json:"maxUsers"`
	// EnabledModules lists the licensed product modules.
	EnabledModules []string `bson:"enabled_modules" json:"enabledModules,omitempty"`
}

// ValidationState tracks validation history and scheduling.
type ValidationState struct {
	LastValidatedAt time.Time        `bson:"last_validated_at" json:"lastValidatedAt,omitzero"`
	Count           int              `bson:"count" json:"count"`
	LastResult      ValidationResult `bson:"last_result" json:"lastResult,omitempty"`
	LastError       string           `bson:"last_error,omitempty" json:"lastError,omitempty"`
	NextDueAt       time.Time        `bson:"next_due_at" json:"nextDueAt,omitzero"`
}

// SyncState tracks synchronization attempts and backoff.
type SyncState struct {
	LastAttemptAt   time.Time `bson:"last_attempt_at" json:"lastAttemptAt,omitzero"`
	LastSuccessAt   time.Time `bson:"last_success_at" json:"lastSuccessAt,omitzero"`
	FailureCount    int       `bson:"failure_count" json:"failureCount"`
	LastError       string    `bson:"last_error,omitempty" json:"lastError,omitempty"`
	NextScheduledAt time.Time `bson:"next_scheduled_at" json:"nextScheduledAt,omitzero"`
	RetryCount      int       `bson:"retry_count" json:"retryCount"`
}

// OfflineState governs validation without the license server.
type OfflineState struct {
	// Enabled turns offline validation on.
	Enabled bool `bson:"enabled" json:"enabled"`
	// GracePeriodUntil bounds how long offline validation stays usable.
	GracePeriodUntil time.Time `bson:"grace_period_until" json:"gracePeriodUntil,omitzero"`
	// ValidationsRemaining is the offline validation budget. Every online
	// validation refills it.
	ValidationsRemaining int `bson:"validations_remaining" json:"validationsRemaining"`
	// LastOnlineValidationAt anchors the offline budget to the last time
	// the license server confirmed the license.
	LastOnlineValidationAt time.Time `bson:"last_online_validation_at" json:"lastOnlineValidationAt,omitzero"`
}

// IntegrityState carries the tamper seal over the record.
type IntegrityState struct {
	// TamperDetected is set when verification finds a mismatched seal.
	// It stays set until the next successful sync rewrites the record.
	TamperDetected bool `bson:"tamper_detected" json:"tamperDetected"`
	// LastCheckedAt is when the seal was last verified.
	LastCheckedAt time.Time `bson:"last_checked_at" json:"lastCheckedAt,omitzero"`
	// IntegrityHash is the keyed hash over the sealed sections.
	IntegrityHash string `bson:"integrity_hash" json:"integrityHash,omitempty"`
	// KeyRotatedAt is when the license server last changed the payload
	// encryption key.
	KeyRotatedAt time.Time `bson:"key_rotated_at" json:"keyRotatedAt,omitzero"`
}

// Record is the cached license of one tenant. A record is created on the
// first successful sync and never deleted; revoked and expired licenses
// stay for audit.
type Record struct {
	// LicenseID is the license server's unique license identifier.
	LicenseID string `bson:"license_id" json:"licenseId"`
	// LicenseNumber is the human readable license number.
	LicenseNumber string `bson:"license_number" json:"licenseNumber"`
	// TenantID is the company the license belongs to.
	TenantID string `bson:"tenant_id" json:"tenantId"`

	// EncryptedPayload is the license server's license document sealed as
	// IV_hex:CT_hex. Never serialized into reports.
	EncryptedPayload string `bson:"encrypted_payload,omitempty" json:"-"`

	Cache      CacheState      `bson:"cache" json:"cache"`
	Quick      Quick           `bson:"quick" json:"quick"`
	Validation ValidationState `bson:"validation" json:"validation"`
	Sync       SyncState       `bson:"sync" json:"sync"`
	Offline    OfflineState    `bson:"offline" json:"offline"`
	Integrity  IntegrityState  `bson:"integrity" json:"integrity"`
}

// NewRecord returns a record for a tenant's first sync with the offline
// budget at its full quota.
func NewRecord(licenseID, licenseNumber, tenantID string) *Record {
	return &Record{
		LicenseID:     licenseID,
		LicenseNumber: licenseNumber,
		TenantID:      tenantID,
		Cache:         CacheState{EncVersion: 1},
		Offline:       OfflineState{ValidationsRemaining: defaults.OfflineValidationQuota},
	}
}

// CheckAndSetDefaults validates the record before it is stored.
func (r *Record) CheckAndSetDefaults() error {
	if r == nil {
		return trace.BadParameter("missing license record")
	}
	if r.LicenseID == "" {
		return trace.BadParameter("license record is missing its license ID")
	}
	if r.TenantID == "" {
		return trace.BadParameter("license record is missing its tenant ID")
	}
	return nil
}

// The integrity hash covers the identity, quick and cache sections. The
// canonical rendering fixes key order, omits absent fields and truncates
// timestamps to milliseconds so records hashed before and after a database
// round trip agree.
type canonicalRecord struct {
	LicenseID     string         `json:"licenseId,omitempty"`
	LicenseNumber string         `json:"licenseNumber,omitempty"`
	TenantID      string         `json:"tenantId,omitempty"`
	Quick         canonicalQuick `json:"quick"`
	Cache         canonicalCache `json:"cache"`
}

type canonicalQuick struct {
	LicenseType    string   `json:"licenseType,omitempty"`
	Status         string   `json:"status,omitempty"`
	ExpiresAt      string   `json:"expiresAt,omitempty"`
	MaxUsers       int      `json:"maxUsers,omitempty"`
	EnabledModules []string `json:"enabledModules,omitempty"`
}

type canonicalCache struct {
	LastSyncedAt string `json:"lastSyncedAt,omitempty"`
	SyncVersion  int64  `json:"syncVersion,omitempty"`
	EncVersion   int    `json:"encVersion,omitempty"`
	Checksum     string `json:"checksum,omitempty"`
}

func canonicalTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format("2006-01-02T15:04:05.000Z")
}

func (r *Record) canonical() []byte {
	c := canonicalRecord{
		LicenseID:     r.LicenseID,
		LicenseNumber: r.LicenseNumber,
		TenantID:      r.TenantID,
		Quick: canonicalQuick{
			LicenseType:    string(r.Quick.Type),
			Status:         string(r.Quick.Status),
			ExpiresAt:      canonicalTime(r.Quick.ExpiresAt),
			MaxUsers:       r.Quick.MaxUsers,
			EnabledModules: r.Quick.EnabledModules,
		},
		Cache: canonicalCache{
			LastSyncedAt: canonicalTime(r.Cache.LastSyncedAt),
			SyncVersion:  r.Cache.SyncVersion,
			EncVersion:   r.Cache.EncVersion,
			Checksum:     r.Cache.Checksum,
		},
	}
	// Marshaling flat structs of strings and ints cannot fail.
	data, _ := json.Marshal(c)
	return data
}

// Seal recomputes the integrity hash over the sealed sections. Callers
// reseal after every mutation of identity, quick or cache fields and never
// after a failed verification, resealing would bless the tampered data.
func (r *Record) Seal(secret string) {
	r.Integrity.IntegrityHash = encryptor.SealHash(r.canonical(), secret)
}

// VerifyIntegrity recomputes the seal and compares it to the stored one.
// A mismatch marks the record tampered; the flag sticks until the next
// successful sync rewrites the record.
func (r *Record) VerifyIntegrity(secret string, now time.Time) bool {
	r.Integrity.LastCheckedAt = now
	if encryptor.SealHash(r.canonical(), secret) != r.Integrity.IntegrityHash {
		r.Integrity.TamperDetected = true
		return false
	}
	return true
}

// UpdateEncrypted refreshes the record from the license server's payload:
// the raw license document is sealed with the payload key, the quick
// access fields are projected from it and the cache counters advance.
func (r *Record) UpdateEncrypted(lic *License, key []byte, now time.Time) error {
	payload, err := encryptor.EncryptHex(lic.Raw, key)
	if err != nil {
		return trace.Wrap(err)
	}
	sum := md5.Sum([]byte(payload))
	r.EncryptedPayload = payload
	r.Cache.Checksum = hex.EncodeToString(sum[:])
	r.Cache.LastSyncedAt = now
	r.Cache.SyncVersion++
	if r.Cache.EncVersion == 0 {
		r.Cache.EncVersion = 1
	}
	r.Quick = Quick{
		Type:           Type(lic.Type),
		Status:         Status(lic.Status),
		ExpiresAt:      lic.ExpiresAt,
		MaxUsers:       lic.MaxUsers,
		EnabledModules: lic.Modules,
	}
	r.Integrity.TamperDetected = false
	return nil
}

// Decrypt opens the stored payload with the payload key.
func (r *Record) Decrypt(key []byte) (*License, error) {
	if r.EncryptedPayload == "" {
		return nil, trace.NotFound("record of tenant %v has no cached payload", r.TenantID)
	}
	raw, err := encryptor.DecryptHex(r.EncryptedPayload, key)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	lic, err := ParseLicense(raw)
	return lic, trace.Wrap(err)
}

// Outcome is one validation fed into the record.
type Outcome struct {
	// Valid is the verdict.
	Valid bool
	// Online is true when the license server produced the verdict.
	Online bool
	// Result classifies the verdict.
	Result ValidationResult
	// Error explains an invalid verdict.
	Error string
}

// RecordValidation folds a validation outcome into the record and
// schedules the next one. Online confirmation refills the offline budget;
// every offline validation spends from it.
func (r *Record) RecordValidation(out Outcome, now time.Time) {
	r.Validation.LastValidatedAt = now
	r.Validation.Count++
	r.Validation.LastResult = out.Result
	r.Validation.LastError = out.Error
	r.Validation.NextDueAt = now.Add(defaults.LicenseValidationInterval)
	if out.Valid && out.Online {
		r.Offline.ValidationsRemaining = defaults.OfflineValidationQuota
		r.Offline.LastOnlineValidationAt = now
		return
	}
	if r.Offline.Enabled && r.Offline.ValidationsRemaining > 0 {
		r.Offline.ValidationsRemaining--
	}
}

// RecordSync folds a sync attempt into the record. Success resets the
// failure counters and schedules the next sync; failure backs off
// exponentially, two hours after the first failure doubling up to a day.
func (r *Record) RecordSync(syncErr error, now time.Time) {
	r.Sync.LastAttemptAt = now
	if syncErr == nil {
		r.Sync.LastSuccessAt = now
		r.Sync.FailureCount = 0
		r.Sync.RetryCount = 0
		r.Sync.LastError = ""
		r.Sync.NextScheduledAt = now.Add(defaults.LicenseSyncInterval)
		return
	}
	r.Sync.FailureCount++
	r.Sync.LastError = syncErr.Error()
	if r.Sync.RetryCount < defaults.MaxSyncRetries {
		r.Sync.RetryCount++
	}
	backoff := time.Duration(1<<r.Sync.RetryCount) * time.Hour
	if backoff > defaults.SyncBackoffCap {
		backoff = defaults.SyncBackoffCap
	}
	r.Sync.NextScheduledAt = now.Add(backoff)
}

// EnableOffline opens the offline validation window.
func (r *Record) EnableOffline(grace time.Duration, now time.Time) {
	r.Offline.Enabled = true
	r.Offline.GracePeriodUntil = now.Add(grace)
}

// DisableOffline closes the offline validation window.
func (r *Record) DisableOffline() {
	r.Offline.Enabled = false
	r.Offline.GracePeriodUntil = time.Time{}
}

// IsValid reports whether the cached license stands on its own: active,
// unexpired, sealed and untampered.
func (r *Record) IsValid(secret string, now time.Time) bool {
	return r.Quick.Status == StatusActive &&
		r.Quick.ExpiresAt.After(now) &&
		!r.Integrity.TamperDetected &&
		encryptor.SealHash(r.canonical(), secret) == r.Integrity.IntegrityHash
}

// IsOfflineUsable reports whether offline validation may run right now.
func (r *Record) IsOfflineUsable(now time.Time) bool {
	return r.Offline.Enabled &&
		!now.After(r.Offline.GracePeriodUntil) &&
		r.Offline.ValidationsRemaining > 0
}
