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

package backup

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/corvohq/warden"
	"github.com/corvohq/warden/lib/defaults"
	"github.com/corvohq/warden/lib/encryptor"
)

// RotationRecord is one entry of the key rotation history.
type RotationRecord struct {
	Timestamp time.Time `json:"timestamp"`
	OldKey    string    `json:"oldKey"`
	NewKey    string    `json:"newKey"`
}

// KeyStoreConfig configures the encryption key store.
type KeyStoreConfig struct {
	// Dir is where key material lives, usually the metadata directory.
	Dir string
	// SeedKeyHex seeds the active key on first boot. Once a key file
	// exists the seed is ignored.
	SeedKeyHex string
	// Logger emits key lifecycle events.
	Logger *slog.Logger
	// Clock timestamps rotations.
	Clock clockwork.Clock
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *KeyStoreConfig) CheckAndSetDefaults() error {
	if c.Dir == "" {
		return trace.BadParameter("missing key store directory")
	}
	if c.Logger == nil {
		c.Logger = slog.Default().With(warden.ComponentKey, warden.ComponentBackup)
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// KeyStore owns the backup encryption key. The active key lives in a
// mode 0600 file, rotations swap it atomically and append the old and new
// key to the rotation history so artifacts encrypted under retired keys
// stay recoverable.
type KeyStore struct {
	cfg KeyStoreConfig

	mu     sync.RWMutex
	active []byte
}

// NewKeyStore loads the active key, creating it on first boot. The seed
// key from the environment wins over generating a fresh one.
func NewKeyStore(cfg KeyStoreConfig) (*KeyStore, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := os.MkdirAll(cfg.Dir, defaults.DirMode); err != nil {
		return nil, trace.ConvertSystemError(err)
	}
	s := &KeyStore{cfg: cfg}

	path := s.activeKeyPath()
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		key, err := encryptor.KeyFromHex(strings.TrimSpace(string(data)))
		if err != nil {
			return nil, trace.Wrap(err, "active key file %v is corrupted", path)
		}
		s.active = key
	case os.IsNotExist(err):
		var key []byte
		if cfg.SeedKeyHex != "" {
			key, err = encryptor.KeyFromHex(cfg.SeedKeyHex)
			if err != nil {
				return nil, trace.Wrap(err)
			}
		} else {
			key, err = encryptor.NewKey()
			if err != nil {
				return nil, trace.Wrap(err)
			}
			cfg.Logger.Warn("No encryption key configured, generated a new one.", "path", path)
		}
		if err := writeFileAtomic(path, []byte(hex.EncodeToString(key)), defaults.PrivateFileMode); err != nil {
			return nil, trace.Wrap(err)
		}
		s.active = key
	default:
		return nil, trace.ConvertSystemError(err)
	}
	return s, nil
}

func (s *KeyStore) activeKeyPath() string {
	return filepath.Join(s.cfg.Dir, defaults.ActiveKeyFile)
}

func (s *KeyStore) historyPath() string {
	return filepath.Join(s.cfg.Dir, defaults.KeyRotationFile)
}

// ActiveKey returns a copy of the key new artifacts are encrypted with.
func (s *KeyStore) ActiveKey() ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.active) == 0 {
		return nil, trace.NotFound("no active encryption key")
	}
	out := make([]byte, len(s.active))
	copy(out, s.active)
	return out, nil
}

// Paths returns the key material files captured into backups.
func (s *KeyStore) Paths() []string {
	return []string{s.activeKeyPath(), s.historyPath()}
}

// Rotate generates a fresh key, makes it active and appends the swap to
// the rotation history. The history write happens before the active key
// swap so a crash between the two never strands an artifact key.
func (s *KeyStore) Rotate(ctx context.Context) (*RotationRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	newKey, err := encryptor.NewKey()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	record := RotationRecord{
		Timestamp: s.cfg.Clock.Now().UTC(),
		OldKey:    hex.EncodeToString(s.active),
		NewKey:    hex.EncodeToString(newKey),
	}

	history, err := s.readHistory()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	history = append(history, record)
	data, err := json.MarshalIndent(history, "", "  ")
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if err := writeFileAtomic(s.historyPath(), data, defaults.PrivateFileMode); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := writeFileAtomic(s.activeKeyPath(), []byte(record.NewKey), defaults.PrivateFileMode); err != nil {
		return nil, trace.Wrap(err)
	}
	s.active = newKey
	s.cfg.Logger.InfoContext(ctx, "Rotated backup encryption key.",
		"rotations", len(history))
	return &record, nil
}

// History returns the rotation records, oldest first.
func (s *KeyStore) History() ([]RotationRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.readHistory()
}

// DecryptKeys returns every key that may have encrypted an artifact:
// the active key first, then retired keys newest first.
func (s *KeyStore) DecryptKeys() ([][]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	history, err := s.readHistory()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	seen := map[string]bool{}
	var keys [][]byte
	add := func(keyHex string) error {
		if keyHex == "" || seen[keyHex] {
			return nil
		}
		key, err := encryptor.KeyFromHex(keyHex)
		if err != nil {
			return trace.Wrap(err)
		}
		seen[keyHex] = true
		keys = append(keys, key)
		return nil
	}
	if err := add(hex.EncodeToString(s.active)); err != nil {
		return nil, trace.Wrap(err)
	}
	for i := len(history) - 1; i >= 0; i-- {
		if err := add(history[i].NewKey); err != nil {
			return nil, trace.Wrap(err)
		}
		if err := add(history[i].OldKey); err != nil {
			return nil, trace.Wrap(err)
		}
	}
	return keys, nil
}

func (s *KeyStore) readHistory() ([]RotationRecord, error) {
	data, err := os.ReadFile(s.historyPath())
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, trace.ConvertSystemError(err)
	}
	var history []RotationRecord
	if err := json.Unmarshal(data, &history); err != nil {
		return nil, trace.BadParameter("rotation history %v is corrupted: %v", s.historyPath(), err)
	}
	return history, nil
}

// writeFileAtomic writes data next to path and renames it into place.
func writeFileAtomic(path string, data []byte, mode os.FileMode) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, mode); err != nil {
		return trace.ConvertSystemError(err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return trace.ConvertSystemError(err)
	}
	return nil
}
