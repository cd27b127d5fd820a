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

// Package encryptor implements the symmetric encryption and integrity
// primitives shared by the backup pipeline and the license cache.
//
// The artifact format is fixed: a random 16 byte IV followed by
// AES-256-CBC ciphertext with PKCS#7 padding. Confidentiality only; every
// consumer pairs it with a SHA-256 checksum recorded out of band and
// verified before decryption.
package encryptor

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"io"
	"os"
	"strings"

	"github.com/gravitational/trace"

	"github.com/corvohq/warden/lib/defaults"
)

const (
	// KeySize is the AES-256 key size in bytes.
	KeySize = 32

	// ivSize equals the AES block size.
	ivSize = aes.BlockSize
)

// NewKey generates a random 32 byte encryption key.
func NewKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, trace.Wrap(err)
	}
	return key, nil
}

// KeyFromHex decodes a hex encoded 32 byte key.
func KeyFromHex(s string) ([]byte, error) {
	key, err := hex.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return nil, trace.BadParameter("encryption key is not valid hex")
	}
	if len(key) != KeySize {
		return nil, trace.BadParameter("encryption key must be %d bytes, got %d", KeySize, len(key))
	}
	return key, nil
}

// KeyFromPassphrase derives a 32 byte key from a passphrase.
func KeyFromPassphrase(passphrase string) []byte {
	sum := sha256.Sum256([]byte(passphrase))
	return sum[:]
}

// Encrypt seals plaintext as IV || AES-256-CBC ciphertext.
func Encrypt(plaintext, key []byte) ([]byte, error) {
	block, err := newCipher(key)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	padded := pad(plaintext)
	out := make([]byte, ivSize+len(padded))
	iv := out[:ivSize]
	if _, err := rand.Read(iv); err != nil {
		return nil, trace.Wrap(err)
	}
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out[ivSize:], padded)
	return out, nil
}

// Decrypt opens data produced by Encrypt.
func Decrypt(data, key []byte) ([]byte, error) {
	block, err := newCipher(key)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if len(data) < ivSize+aes.BlockSize || (len(data)-ivSize)%aes.BlockSize != 0 {
		return nil, trace.BadParameter("malformed ciphertext of %d bytes", len(data))
	}
	iv, ct := data[:ivSize], data[ivSize:]
	plaintext := make([]byte, len(ct))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plaintext, ct)
	return unpad(plaintext)
}

// EncryptHex seals plaintext in the IV_hex:CT_hex form used for license
// payloads at rest.
func EncryptHex(plaintext, key []byte) (string, error) {
	sealed, err := Encrypt(plaintext, key)
	if err != nil {
		return "", trace.Wrap(err)
	}
	return hex.EncodeToString(sealed[:ivSize]) + ":" + hex.EncodeToString(sealed[ivSize:]), nil
}

// DecryptHex opens an IV_hex:CT_hex payload.
func DecryptHex(payload string, key []byte) ([]byte, error) {
	ivHex, ctHex, ok := strings.Cut(payload, ":")
	if !ok {
		return nil, trace.BadParameter("encrypted payload is missing the IV separator")
	}
	iv, err := hex.DecodeString(ivHex)
	if err != nil {
		return nil, trace.BadParameter("encrypted payload IV is not valid hex")
	}
	ct, err := hex.DecodeString(ctHex)
	if err != nil {
		return nil, trace.BadParameter("encrypted payload ciphertext is not valid hex")
	}
	return Decrypt(append(iv, ct...), key)
}

// chunkSize is a multiple of the AES block size.
const chunkSize = 64 * 1024

// EncryptFile seals src into dst without buffering the whole file.
func EncryptFile(src, dst string, key []byte) error {
	block, err := newCipher(key)
	if err != nil {
		return trace.Wrap(err)
	}
	in, err := os.Open(src)
	if err != nil {
		return trace.ConvertSystemError(err)
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, defaults.PrivateFileMode)
	if err != nil {
		return trace.ConvertSystemError(err)
	}
	defer out.Close()

	iv := make([]byte, ivSize)
	if _, err := rand.Read(iv); err != nil {
		return trace.Wrap(err)
	}
	if _, err := out.Write(iv); err != nil {
		return trace.ConvertSystemError(err)
	}
	mode := cipher.NewCBCEncrypter(block, iv)

	buf := make([]byte, chunkSize)
	for {
		n, err := io.ReadFull(in, buf)
		switch {
		case err == io.ErrUnexpectedEOF || err == io.EOF:
			// Final chunk carries the padding, possibly a whole extra block.
			final := pad(buf[:n])
			mode.CryptBlocks(final, final)
			if _, err := out.Write(final); err != nil {
				return trace.ConvertSystemError(err)
			}
			return trace.ConvertSystemError(out.Sync())
		case err != nil:
			return trace.ConvertSystemError(err)
		}
		mode.CryptBlocks(buf, buf)
		if _, err := out.Write(buf); err != nil {
			return trace.ConvertSystemError(err)
		}
	}
}

// DecryptFile opens src produced by EncryptFile into dst.
func DecryptFile(src, dst string, key []byte) error {
	block, err := newCipher(key)
	if err != nil {
		return trace.Wrap(err)
	}
	in, err := os.Open(src)
	if err != nil {
		return trace.ConvertSystemError(err)
	}
	defer in.Close()
	info, err := in.Stat()
	if err != nil {
		return trace.ConvertSystemError(err)
	}
	ctSize := info.Size() - ivSize
	if ctSize < aes.BlockSize || ctSize%aes.BlockSize != 0 {
		return trace.BadParameter("malformed encrypted file of %d bytes", info.Size())
	}
	iv := make([]byte, ivSize)
	if _, err := io.ReadFull(in, iv); err != nil {
		return trace.ConvertSystemError(err)
	}
	mode := cipher.NewCBCDecrypter(block, iv)
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, defaults.PrivateFileMode)
	if err != nil {
		return trace.ConvertSystemError(err)
	}
	defer out.Close()

	buf := make([]byte, chunkSize)
	remaining := ctSize
	for remaining > 0 {
		n := int64(len(buf))
		if remaining < n {
			n = remaining
		}
		if _, err := io.ReadFull(in, buf[:n]); err != nil {
			return trace.ConvertSystemError(err)
		}
		mode.CryptBlocks(buf[:n], buf[:n])
		remaining -= n
		if remaining == 0 {
			plain, err := unpad(buf[:n])
			if err != nil {
				return trace.Wrap(err)
			}
			if _, err := out.Write(plain); err != nil {
				return trace.ConvertSystemError(err)
			}
			break
		}
		if _, err := out.Write(buf[:n]); err != nil {
			return trace.ConvertSystemError(err)
		}
	}
	return trace.ConvertSystemError(out.Sync())
}

// Checksum returns the lowercase hex SHA-256 of the stream.
func Checksum(r io.Reader) (string, error) {
	h := sha256.New()
	if _, err := io.Copy(h, r); err != nil {
		return "", trace.Wrap(err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// ChecksumFile returns the lowercase hex SHA-256 of a file without loading
// it into memory.
func ChecksumFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", trace.ConvertSystemError(err)
	}
	defer f.Close()
	return Checksum(f)
}

// VerifyChecksum compares got against want in constant time.
func VerifyChecksum(got, want string) error {
	if subtle.ConstantTimeCompare([]byte(got), []byte(want)) != 1 {
		return trace.CompareFailed("checksum mismatch: computed %s, recorded %s", got, want)
	}
	return nil
}

// SealHash binds payload to a process local secret: SHA-256(payload || secret).
// Records resealed under a different secret, or mutated payloads, fail
// verification.
func SealHash(payload []byte, secret string) string {
	h := sha256.New()
	h.Write(payload)
	h.Write([]byte(secret))
	return hex.EncodeToString(h.Sum(nil))
}

func newCipher(key []byte) (cipher.Block, error) {
	if len(key) != KeySize {
		return nil, trace.BadParameter("encryption key must be %d bytes, got %d", KeySize, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return block, nil
}

func pad(b []byte) []byte {
	n := aes.BlockSize - len(b)%aes.BlockSize
	return append(b, bytes.Repeat([]byte{byte(n)}, n)...)
}

func unpad(b []byte) ([]byte, error) {
	if len(b) == 0 || len(b)%aes.BlockSize != 0 {
		return nil, trace.BadParameter("invalid padded length %d", len(b))
	}
	n := int(b[len(b)-1])
	if n == 0 || n > aes.BlockSize || n > len(b) {
		return nil, trace.BadParameter("invalid padding")
	}
	for _, c := range b[len(b)-n:] {
		if int(c) != n {
			return nil, trace.BadParameter("invalid padding")
		}
	}
	return b[:len(b)-n], nil
}
