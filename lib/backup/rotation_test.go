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
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/corvohq/warden/lib/defaults"
	"github.com/corvohq/warden/lib/encryptor"
)

func newKeyStore(t *testing.T, dir, seedHex string) *KeyStore {
	t.Helper()
	store, err := NewKeyStore(KeyStoreConfig{
		Dir:        dir,
		SeedKeyHex: seedHex,
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
		Clock:      clockwork.NewFakeClockAt(testStart),
	})
	require.NoError(t, err)
	return store
}

func TestKeyStoreSeedsFirstBoot(t *testing.T) {
	dir := t.TempDir()
	seed := strings.Repeat("ab", encryptor.KeySize)
	store := newKeyStore(t, dir, seed)

	key, err := store.ActiveKey()
	require.NoError(t, err)
	require.Equal(t, seed, hex.EncodeToString(key))

	// Key file exists with private permissions.
	info, err := os.Stat(filepath.Join(dir, defaults.ActiveKeyFile))
	require.NoError(t, err)
	require.Equal(t, os.FileMode(defaults.PrivateFileMode), info.Mode().Perm())

	// A later boot with a different seed keeps the persisted key.
	other := newKeyStore(t, dir, strings.Repeat("cd", encryptor.KeySize))
	key, err = other.ActiveKey()
	require.NoError(t, err)
	require.Equal(t, seed, hex.EncodeToString(key))
}

func TestKeyStoreGeneratesWithoutSeed(t *testing.T) {
	dir := t.TempDir()
	store := newKeyStore(t, dir, "")
	key, err := store.ActiveKey()
	require.NoError(t, err)
	require.Len(t, key, encryptor.KeySize)

	// The generated key survives a restart.
	again := newKeyStore(t, dir, "")
	key2, err := again.ActiveKey()
	require.NoError(t, err)
	require.Equal(t, key, key2)
}

func TestKeyStoreRejectsCorruptKeyFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, defaults.ActiveKeyFile), []byte("not-hex"), 0o600))
	_, err := NewKeyStore(KeyStoreConfig{Dir: dir, Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})
	require.Error(t, err)
}

func TestKeyStoreRotate(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	seed := strings.Repeat("ab", encryptor.KeySize)
	store := newKeyStore(t, dir, seed)

	record, err := store.Rotate(ctx)
	require.NoError(t, err)
	require.Equal(t, seed, record.OldKey)
	require.NotEqual(t, record.OldKey, record.NewKey)
	require.Equal(t, testStart, record.Timestamp)

	// The active key changed on disk and in memory.
	active, err := store.ActiveKey()
	require.NoError(t, err)
	require.Equal(t, record.NewKey, hex.EncodeToString(active))
	onDisk, err := os.ReadFile(filepath.Join(dir, defaults.ActiveKeyFile))
	require.NoError(t, err)
	require.Equal(t, record.NewKey, string(onDisk))

	// The history file carries the swap.
	data, err := os.ReadFile(filepath.Join(dir, defaults.KeyRotationFile))
	require.NoError(t, err)
	var history []RotationRecord
	require.NoError(t, json.Unmarshal(data, &history))
	require.Len(t, history, 1)
	require.Equal(t, *record, history[0])

	// A second rotation appends.
	second, err := store.Rotate(ctx)
	require.NoError(t, err)
	require.Equal(t, record.NewKey, second.OldKey)
	history, err = store.History()
	require.NoError(t, err)
	require.Len(t, history, 2)
}

func TestKeyStoreDecryptKeys(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	store := newKeyStore(t, dir, strings.Repeat("ab", encryptor.KeySize))

	firstKey, err := store.ActiveKey()
	require.NoError(t, err)

	// Encrypt an artifact under the first key, then rotate twice.
	src := filepath.Join(t.TempDir(), "artifact")
	require.NoError(t, os.WriteFile(src, []byte("sealed with the first key"), 0o600))
	sealed := src + ".enc"
	require.NoError(t, encryptor.EncryptFile(src, sealed, firstKey))

	_, err = store.Rotate(ctx)
	require.NoError(t, err)
	_, err = store.Rotate(ctx)
	require.NoError(t, err)

	keys, err := store.DecryptKeys()
	require.NoError(t, err)
	require.Len(t, keys, 3)
	active, err := store.ActiveKey()
	require.NoError(t, err)
	require.Equal(t, active, keys[0])
	require.Equal(t, firstKey, keys[len(keys)-1])

	// An old artifact still opens by trying retired keys.
	var opened bool
	for _, key := range keys {
		out := filepath.Join(t.TempDir(), "plain")
		if err := encryptor.DecryptFile(sealed, out, key); err != nil {
			continue
		}
		data, err := os.ReadFile(out)
		require.NoError(t, err)
		require.Equal(t, "sealed with the first key", string(data))
		opened = true
		break
	}
	require.True(t, opened)
}

func TestKeyStorePaths(t *testing.T) {
	dir := t.TempDir()
	store := newKeyStore(t, dir, "")
	paths := store.Paths()
	require.Equal(t, []string{
		filepath.Join(dir, defaults.ActiveKeyFile),
		filepath.Join(dir, defaults.KeyRotationFile),
	}, paths)
}

func TestKeyStoreCorruptHistory(t *testing.T) {
	dir := t.TempDir()
	store := newKeyStore(t, dir, "")
	require.NoError(t, os.WriteFile(filepath.Join(dir, defaults.KeyRotationFile), []byte("{"), 0o600))
	_, err := store.DecryptKeys()
	require.True(t, trace.IsBadParameter(err))
}
