// Package vault wraps the exported identity blob under a password-derived
// key for at-rest protection.
package vault

import (
	"crypto/sha256"
	"errors"

	"golang.org/x/crypto/pbkdf2"

	"github.com/chai-im/chai/internal/crypto"
)

const (
	// Version tags locked blobs; a future version may bump the KDF cost.
	Version = 0x01

	saltSize   = 32
	iterations = 100_000

	aad = "chai/vault/v1"
)

// ErrVaultUnlockFailed is returned for a wrong password or a corrupt blob.
var ErrVaultUnlockFailed = errors.New("chai: vault unlock failed")

// Lock encrypts the identity blob under a key derived from password.
// Layout: version(1) || salt(32) || iv(12) || ciphertext.
func Lock(identity []byte, password string) ([]byte, error) {
	salt, err := crypto.RandBytes(saltSize)
	if err != nil {
		return nil, err
	}
	ivBytes, err := crypto.RandBytes(crypto.NonceSize)
	if err != nil {
		return nil, err
	}
	var iv [crypto.NonceSize]byte
	copy(iv[:], ivBytes)

	key := pbkdf2.Key([]byte(password), salt, iterations, crypto.KeySize, sha256.New)
	defer crypto.Wipe(key)

	ct, err := crypto.Seal(key, iv, []byte(aad), identity)
	if err != nil {
		return nil, err
	}

	out := make([]byte, 0, 1+saltSize+crypto.NonceSize+len(ct))
	out = append(out, Version)
	out = append(out, salt...)
	out = append(out, iv[:]...)
	out = append(out, ct...)
	return out, nil
}

// Unlock reverses Lock. A wrong password and a corrupt blob are
// indistinguishable by design.
func Unlock(blob []byte, password string) ([]byte, error) {
	if len(blob) < 1+saltSize+crypto.NonceSize+1 || blob[0] != Version {
		return nil, ErrVaultUnlockFailed
	}
	salt := blob[1 : 1+saltSize]
	var iv [crypto.NonceSize]byte
	copy(iv[:], blob[1+saltSize:1+saltSize+crypto.NonceSize])
	ct := blob[1+saltSize+crypto.NonceSize:]

	key := pbkdf2.Key([]byte(password), salt, iterations, crypto.KeySize, sha256.New)
	defer crypto.Wipe(key)

	pt, err := crypto.Open(key, iv, []byte(aad), ct)
	if err != nil {
		return nil, ErrVaultUnlockFailed
	}
	return pt, nil
}

// IsLocked reports whether blob starts with the vault version tag.
func IsLocked(blob []byte) bool {
	return len(blob) > 0 && blob[0] == Version
}
