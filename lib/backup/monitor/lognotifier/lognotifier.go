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

// Package lognotifier delivers monitor alerts to the process log. It is
// the default transport; deployments that page on-call implement
// monitor.Notifier against their own gateway instead.
package lognotifier

import (
	"context"
	"log/slog"

	"github.com/corvohq/warden"
	"github.com/corvohq/warden/lib/backup/monitor"
)

// Notifier writes alerts to a structured logger.
type Notifier struct {
	log *slog.Logger
}

// New returns a notifier writing to logger.
func New(logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default().With(warden.ComponentKey, warden.ComponentMonitor)
	}
	return &Notifier{log: logger}
}

// Send logs the alert at a level matching its severity.
func (n *Notifier) Send(ctx context.Context, subject, body string, severity monitor.Severity) error {
	level := slog.LevelInfo
	switch severity {
	case monitor.SeverityCritical:
		level = slog.LevelError
	case monitor.SeverityWarning:
		level = slog.LevelWarn
	}
	n.log.Log(ctx, level, subject, "severity", severity, "body", body)
	return nil
}
