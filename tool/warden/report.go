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
	"fmt"

	"github.com/gravitational/trace"

	"github.com/corvohq/warden/lib/backup/monitor"
)

// healthOutput is the backup health report plus the license server
// probe, when one is configured.
type healthOutput struct {
	*monitor.HealthReport
	LicenseServer string `json:"licenseServer,omitempty"`
}

// cmdReportHealth evaluates backup health and prints the report. A
// degraded verdict still exits zero, the report itself is the answer.
func cmdReportHealth(ctx context.Context, env *env) error {
	mon, err := env.monitor(ctx)
	if err != nil {
		return trace.Wrap(err)
	}
	report, err := mon.Health(ctx)
	if err != nil {
		return trace.Wrap(err)
	}
	out := healthOutput{HealthReport: report}
	auth, err := env.authority()
	if err != nil {
		return trace.Wrap(err)
	}
	if auth != nil {
		if err := auth.Health(ctx); err != nil {
			out.LicenseServer = fmt.Sprintf("unreachable: %v", trace.UserMessage(err))
		} else {
			out.LicenseServer = "ok"
		}
	}
	return trace.Wrap(printJSON(out))
}
