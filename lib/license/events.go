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
	"time"

	"github.com/gravitational/trace"
)

// TenantState is the tenant's standing in the external tenant directory.
type TenantState string

const (
	// TenantActive means the tenant may use the product.
	TenantActive TenantState = "active"
	// TenantSuspended means access is blocked until a valid license shows up.
	TenantSuspended TenantState = "suspended"
)

// Reason codes the license server attaches to an invalid verdict. Only
// these two justify suspending the tenant.
const (
	ReasonExpired = "LICENSE_EXPIRED"
	ReasonRevoked = "LICENSE_REVOKED"
)

// TenantStore is the slice of the tenant directory the validator drives.
type TenantStore interface {
	// Status returns the tenant's current standing.
	Status(ctx context.Context, tenantID string) (TenantState, error)
	// Suspend blocks the tenant, recording a machine-readable reason code.
	Suspend(ctx context.Context, tenantID, reason string) error
	// Reactivate restores a suspended tenant.
	Reactivate(ctx context.Context, tenantID string) error
}

// StateChange is the audit record of a tenant transition driven by a
// license verdict.
type StateChange struct {
	TenantID string      `json:"tenantId"`
	From     TenantState `json:"from"`
	To       TenantState `json:"to"`
	Reason   string      `json:"reason,omitempty"`
	At       time.Time   `json:"at"`
}

// applyTransition moves the tenant between active and suspended per an
// online verdict. Offline verdicts and verdicts without a suspension
// reason code leave the tenant alone, as does a nil tenant store.
func (v *Validator) applyTransition(ctx context.Context, verdict *Verdict) (*StateChange, error) {
	if v.cfg.Tenants == nil || !verdict.Online {
		return nil, nil
	}
	state, err := v.cfg.Tenants.Status(ctx, v.cfg.TenantID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	now := v.cfg.Clock.Now().UTC()
	switch {
	case verdict.Valid && state == TenantSuspended:
		if err := v.cfg.Tenants.Reactivate(ctx, v.cfg.TenantID); err != nil {
			return nil, trace.Wrap(err)
		}
		change := &StateChange{
			TenantID: v.cfg.TenantID,
			From:     TenantSuspended,
			To:       TenantActive,
			Reason:   "license validated online",
			At:       now,
		}
		v.cfg.Logger.InfoContext(ctx, "Tenant reactivated.",
			"tenant", change.TenantID,
			"reason", change.Reason)
		return change, nil
	case !verdict.Valid && state == TenantActive && suspensionReason(verdict.Reason) != "":
		reason := suspensionReason(verdict.Reason)
		if err := v.cfg.Tenants.Suspend(ctx, v.cfg.TenantID, reason); err != nil {
			return nil, trace.Wrap(err)
		}
		change := &StateChange{
			TenantID: v.cfg.TenantID,
			From:     TenantActive,
			To:       TenantSuspended,
			Reason:   reason,
			At:       now,
		}
		v.cfg.Logger.WarnContext(ctx, "Tenant suspended.",
			"tenant", change.TenantID,
			"reason", change.Reason)
		return change, nil
	}
	return nil, nil
}

// suspensionReason keeps only the reason codes that justify suspension.
// Transient failures and unknown reasons return empty.
func suspensionReason(reason string) string {
	switch reason {
	case ReasonExpired, ReasonRevoked:
		return reason
	}
	return ""
}
