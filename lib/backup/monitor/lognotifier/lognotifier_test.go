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

package lognotifier_test

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/corvohq/warden/lib/backup/monitor"
	"github.com/corvohq/warden/lib/backup/monitor/lognotifier"
)

func TestSendLevels(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	notifier := lognotifier.New(logger)

	tests := []struct {
		severity monitor.Severity
		level    string
	}{
		{monitor.SeverityCritical, "level=ERROR"},
		{monitor.SeverityWarning, "level=WARN"},
		{monitor.SeveritySystem, "level=INFO"},
	}
	for _, tt := range tests {
		t.Run(string(tt.severity), func(t *testing.T) {
			buf.Reset()
			err := notifier.Send(context.Background(), "Backup health changed", "details", tt.severity)
			require.NoError(t, err)

			out := buf.String()
			require.Contains(t, out, tt.level)
			require.Contains(t, out, "Backup health changed")
			require.Contains(t, out, "details")
		})
	}
}
