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

package encryptor

import (
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gravitational/trace"
	"github.com/stretchr/testify/require"
)

func TestRoundTrip(t *testing.T) {
	key, err := NewKey()
	require.NoError(t, err)

	for _, size := range []int{0, 1, 15, 16, 17, 255, 4096} {
		plaintext := make([]byte, size)
		_, err := rand.Read(plaintext)
		require.NoError(t, err)

		sealed, err := Encrypt(plaintext, key)
		require.NoError(t, err)
		require.Greater(t, len(sealed), size, "ciphertext must carry IV and padding")

		opened, err := Decrypt(sealed, key)
		require.NoError(t, err)
		require.Equal(t, plaintext, opened)
	}
}

func TestDecryptRejectsMalformedInput(t *testing.T) {
	key, err := NewKey()
	require.NoError(t, err)

	for _, tc := range []struct {
		name string
		data []byte
	}{
		{name: "empty", data: nil},
		{name: "iv only", data: make([]byte, 16)},
		{name: "unaligned", data: make([]byte, 41)},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Decrypt(tc.data, key)
			require.True(t, trace.IsBadParameter(err), "expected BadParameter, got %v", err)
		})
	}
}

func TestDecryptWrongKey(t *testing.T) {
	key1, err := NewKey()
	require.NoError(t, err)
	key2, err := NewKey()
	require.NoError(t, err)

	plaintext := []byte("the quick brown fox jumps over the lazy dog")
	sealed, err := Encrypt(plaintext, key1)
	require.NoError(t, err)

	opened, err := Decrypt(sealed, key2)
	if err == nil {
		// CBC with a wrong key can, rarely, produce valid looking padding.
		require.NotEqual(t, plaintext, opened)
	}
}

func TestHexPayload(t *testing.T) {
	key := KeyFromPassphrase("backup-passphrase")
	require.Len(t, key, KeySize)

	payload, err := EncryptHex([]byte(`{"licenseType":"enterprise"}`), key)
	require.NoError(t, err)
	iv, ct, ok := strings.Cut(payload, ":")
	require.True(t, ok)
	require.Len(t, iv, 32)
	require.NotEmpty(t, ct)

	opened, err := DecryptHex(payload, key)
	require.NoError(t, err)
	require.Equal(t, `{"licenseType":"enterprise"}`, string(opened))

	_, err = DecryptHex("no-separator", key)
	require.True(t, trace.IsBadParameter(err))

	_, err = DecryptHex("zz:zz", key)
	require.True(t, trace.IsBadParameter(err))
}

func TestFileRoundTrip(t *testing.T) {
	key, err := NewKey()
	require.NoError(t, err)
	dir := t.TempDir()

	// Sizes around the streaming chunk boundary.
	for _, size := range []int{0, 1024, chunkSize, chunkSize + 1, 3*chunkSize + 311} {
		content := make([]byte, size)
		_, err := rand.Read(content)
		require.NoError(t, err)

		src := filepath.Join(dir, "plain")
		enc := filepath.Join(dir, "sealed")
		out := filepath.Join(dir, "opened")
		require.NoError(t, os.WriteFile(src, content, 0o600))

		require.NoError(t, EncryptFile(src, enc, key))
		require.NoError(t, DecryptFile(enc, out, key))

		opened, err := os.ReadFile(out)
		require.NoError(t, err)
		require.True(t, bytes.Equal(content, opened), "size %d", size)
	}
}

func TestChecksum(t *testing.T) {
	sum, err := Checksum(strings.NewReader("hello world"))
	require.NoError(t, err)
	require.Equal(t, "b94d27b9934d3e08a52e52d7da7dabfac484efe37a5380ee9088f7ace2efcde9", sum)

	require.NoError(t, VerifyChecksum(sum, sum))
	err = VerifyChecksum(sum, strings.Repeat("0", 64))
	require.True(t, trace.IsCompareFailed(err))
}

func TestChecksumFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "artifact")
	require.NoError(t, os.WriteFile(path, []byte("hello world"), 0o600))

	sum, err := ChecksumFile(path)
	require.NoError(t, err)
	require.Equal(t, "b94d27b9934d3e08a52e52d7da7dabfac484efe37a5380ee9088f7ace2efcde9", sum)
}

func TestSealHash(t *testing.T) {
	payload := []byte(`{"licenseId":"lic-1","tenantId":"acme"}`)
	h1 := SealHash(payload, "secret-a")
	h2 := SealHash(payload, "secret-a")
	h3 := SealHash(payload, "secret-b")
	require.Equal(t, h1, h2)
	require.NotEqual(t, h1, h3)
	require.Len(t, h1, 64)
}

func TestKeyFromHex(t *testing.T) {
	key, err := NewKey()
	require.NoError(t, err)

	parsed, err := KeyFromHex(hex.EncodeToString(key))
	require.NoError(t, err)
	require.Equal(t, key, parsed)

	_, err = KeyFromHex("not hex")
	require.True(t, trace.IsBadParameter(err))

	_, err = KeyFromHex("abcd")
	require.True(t, trace.IsBadParameter(err))
}
