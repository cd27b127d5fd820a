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
	"sort"
	"sync"

	"github.com/gravitational/trace"
)

// Store persists license records, one per tenant. Mutations follow a
// read-modify-write cycle under the tenant's lock from ForTenant.
type Store interface {
	// GetByTenant returns the tenant's record with its payload.
	GetByTenant(ctx context.Context, tenantID string) (*Record, error)
	// GetByLicenseID returns the record holding the license.
	GetByLicenseID(ctx context.Context, licenseID string) (*Record, error)
	// Upsert inserts or replaces the record keyed by its license ID.
	Upsert(ctx context.Context, rec *Record) error
	// All enumerates every record without the encrypted payload. Callers
	// that mutate re-read the full record under the tenant lock first.
	All(ctx context.Context) ([]Record, error)
	// ForTenant returns the mutex serializing mutations of one tenant's
	// record. Sync and validation hold it across their cycles.
	ForTenant(tenantID string) *sync.Mutex
	// Close releases the store.
	Close(ctx context.Context) error
}

// LockMap hands out one stable mutex per tenant. Store implementations
// embed it to provide ForTenant.
type LockMap struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// ForTenant returns the tenant's mutex, creating it on first use.
func (l *LockMap) ForTenant(tenantID string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.locks == nil {
		l.locks = make(map[string]*sync.Mutex)
	}
	m, ok := l.locks[tenantID]
	if !ok {
		m = &sync.Mutex{}
		l.locks[tenantID] = m
	}
	return m
}

// MemoryStore keeps license records in memory for tests and one-shot CLI
// commands.
type MemoryStore struct {
	LockMap

	mu   sync.RWMutex
	recs map[string]Record
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{recs: make(map[string]Record)}
}

func (m *MemoryStore) GetByTenant(ctx context.Context, tenantID string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.recs[tenantID]
	if !ok {
		return nil, trace.NotFound("tenant %v has no cached license", tenantID)
	}
	return &rec, nil
}

func (m *MemoryStore) GetByLicenseID(ctx context.Context, licenseID string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for tenant := range m.recs {
		if m.recs[tenant].LicenseID == licenseID {
			rec := m.recs[tenant]
			return &rec, nil
		}
	}
	return nil, trace.NotFound("license %v is not cached", licenseID)
}

func (m *MemoryStore) Upsert(ctx context.Context, rec *Record) error {
	if err := rec.CheckAndSetDefaults(); err != nil {
		return trace.Wrap(err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recs[rec.TenantID] = *rec
	return nil
}

func (m *MemoryStore) All(ctx context.Context) ([]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Record, 0, len(m.recs))
	for tenant := range m.recs {
		rec := m.recs[tenant]
		rec.EncryptedPayload = ""
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TenantID < out[j].TenantID })
	return out, nil
}

func (m *MemoryStore) Close(ctx context.Context) error {
	return nil
}
