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

// Package memstore is an in-memory cloudstore.Uploader used in tests and
// for local development without cloud credentials.
package memstore

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/corvohq/warden/lib/cloudstore"
	"github.com/corvohq/warden/lib/defaults"
)

type object struct {
	data []byte
	meta cloudstore.Metadata
	info cloudstore.ObjectInfo
}

// Store keeps uploaded objects in memory.
type Store struct {
	clock clockwork.Clock

	mu      sync.Mutex
	objects map[string]object
	err     error
}

// New returns an empty Store.
func New(clock clockwork.Clock) *Store {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Store{
		clock:   clock,
		objects: make(map[string]object),
	}
}

// SetError makes every following call fail with err. Passing nil clears
// the fault.
func (s *Store) SetError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

// Upload implements cloudstore.Uploader.
func (s *Store) Upload(ctx context.Context, localPath, key string, meta cloudstore.Metadata) (*cloudstore.UploadResult, error) {
	data, err := os.ReadFile(localPath)
	if err != nil {
		return nil, trace.ConvertSystemError(err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, trace.Wrap(s.err)
	}
	sum := md5.Sum(data)
	info := cloudstore.ObjectInfo{
		Key:          key,
		Size:         int64(len(data)),
		LastModified: s.clock.Now().UTC(),
		ETag:         hex.EncodeToString(sum[:]),
	}
	s.objects[key] = object{data: data, meta: meta, info: info}
	return &cloudstore.UploadResult{
		Key:  key,
		URL:  "mem://" + key,
		Size: info.Size,
		ETag: info.ETag,
	}, nil
}

// Download implements cloudstore.Uploader.
func (s *Store) Download(ctx context.Context, key, destPath string) (*cloudstore.DownloadResult, error) {
	s.mu.Lock()
	obj, ok := s.objects[key]
	err := s.err
	s.mu.Unlock()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if !ok {
		return nil, trace.NotFound("object %v is not stored", key)
	}
	if err := os.WriteFile(destPath, obj.data, defaults.PrivateFileMode); err != nil {
		return nil, trace.ConvertSystemError(err)
	}
	return &cloudstore.DownloadResult{
		Size:         obj.info.Size,
		LastModified: obj.info.LastModified,
		ETag:         obj.info.ETag,
	}, nil
}

// Verify implements cloudstore.Uploader.
func (s *Store) Verify(ctx context.Context, key string, expectedSize int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return trace.Wrap(s.err)
	}
	obj, ok := s.objects[key]
	if !ok {
		return trace.NotFound("object %v is not stored", key)
	}
	if obj.info.Size != expectedSize {
		return trace.CompareFailed("object %v has %d bytes, expected %d", key, obj.info.Size, expectedSize)
	}
	return nil
}

// Delete implements cloudstore.Uploader.
func (s *Store) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return trace.Wrap(s.err)
	}
	delete(s.objects, key)
	return nil
}

// List implements cloudstore.Uploader.
func (s *Store) List(ctx context.Context, prefix string) ([]cloudstore.ObjectInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, trace.Wrap(s.err)
	}
	var out []cloudstore.ObjectInfo
	for key, obj := range s.objects {
		if strings.HasPrefix(key, prefix) {
			out = append(out, obj.info)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

// TestConnection implements cloudstore.Uploader.
func (s *Store) TestConnection(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return trace.Wrap(s.err)
}

// Stats implements cloudstore.Uploader.
func (s *Store) Stats(ctx context.Context) (*cloudstore.Stats, error) {
	objects, err := s.List(ctx, cloudstore.KeyPrefix+"/")
	if err != nil {
		return nil, trace.Wrap(err)
	}
	stats := &cloudstore.Stats{Count: len(objects)}
	for _, obj := range objects {
		stats.TotalSize += obj.Size
		if stats.Oldest.IsZero() || obj.LastModified.Before(stats.Oldest) {
			stats.Oldest = obj.LastModified
		}
		if obj.LastModified.After(stats.Newest) {
			stats.Newest = obj.LastModified
		}
	}
	return stats, nil
}

// Provider implements cloudstore.Uploader.
func (s *Store) Provider() string { return "memory" }

// Metadata returns the stored metadata for key, for tests.
func (s *Store) Metadata(key string) (cloudstore.Metadata, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	obj, ok := s.objects[key]
	return obj.meta, ok
}
