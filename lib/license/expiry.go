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

// CleanupExpiredOffline disables offline validation on records whose
// grace period has lapsed and returns how many it closed. Records stay
// in the store for audit, only the offline grant is withdrawn.
func (s *Syncer) CleanupExpiredOffline(ctx context.Context) (int, error) {
	recs, err := s.cfg.Store.All(ctx)
	if err != nil {
		return 0, trace.Wrap(err)
	}
	now := s.cfg.Clock.Now().UTC()
	var closed int
	for i := range recs {
		if !recs[i].Offline.Enabled || !now.After(recs[i].Offline.GracePeriodUntil) {
			continue
		}
		if s.closeOfflineWindow(ctx, recs[i].TenantID, now) {
			closed++
		}
	}
	if closed > 0 {
		s.cfg.Logger.InfoContext(ctx, "Expired offline validation windows closed.", "count", closed)
	}
	return closed, nil
}

func (s *Syncer) closeOfflineWindow(ctx context.Context, tenantID string, now time.Time) bool {
	lock := s.cfg.Store.ForTenant(tenantID)
	lock.Lock()
	defer lock.Unlock()

	rec, err := s.cfg.Store.GetByTenant(ctx, tenantID)
	if err != nil {
		s.cfg.Logger.WarnContext(ctx, "Failed to load license record.", "tenant", tenantID, "error", err)
		return false
	}
	if !rec.Offline.Enabled || !now.After(rec.Offline.GracePeriodUntil) {
		return false
	}
	rec.DisableOffline()
	if err := s.cfg.Store.Upsert(ctx, rec); err != nil {
		s.cfg.Logger.WarnContext(ctx, "Failed to close the offline window.", "tenant", tenantID, "error", err)
		return false
	}
	s.cfg.Logger.InfoContext(ctx, "Offline validation window closed.", "tenant", tenantID)
	return true
}
