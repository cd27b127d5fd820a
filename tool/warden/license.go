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

package main

import (
	"context"

	"github.com/gravitational/trace"

	"github.com/corvohq/warden"
)

// cmdLicenseSync fetches the current license from the license server
// and prints the stored record.
func cmdLicenseSync(ctx context.Context, env *env) error {
	log := env.logs.Component(warden.ComponentCLI)
	syncer, err := env.syncer(ctx)
	if err != nil {
		return trace.Wrap(err)
	}
	// A failed probe is worth knowing about but the sync path has its
	// own offline fallback, so keep going.
	if auth, err := env.authority(); err == nil && auth != nil {
		if err := auth.Health(ctx); err != nil {
			log.WarnContext(ctx, "License server health probe failed, attempting sync anyway.", "error", err)
		}
	}
	rec, err := syncer.Sync(ctx)
	if err != nil {
		return trace.Wrap(err)
	}
	return trace.Wrap(printJSON(rec))
}

// cmdLicenseValidate validates the stored license, online when the
// license server answers and offline otherwise, and prints the
// verdict. The exit status reflects validity.
func cmdLicenseValidate(ctx context.Context, env *env) error {
	valid, err := env.validator(ctx)
	if err != nil {
		return trace.Wrap(err)
	}
	verdict, err := valid.ValidateAuto(ctx)
	if err != nil {
		return trace.Wrap(err)
	}
	if err := printJSON(verdict); err != nil {
		return trace.Wrap(err)
	}
	if !verdict.Valid {
		return trace.Errorf("license is not valid: %v", verdict.Reason)
	}
	return nil
}
