// Package crypto is the primitive surface the rest of the core builds on:
// Ed25519 signatures, X25519 Diffie-Hellman, HKDF-SHA256, AES-256-GCM and
// the OS CSPRNG. Nothing above this package touches a cipher directly.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

const (
	// KeySize is the size of every symmetric key and curve point in the core.
	KeySize = 32

	// NonceSize is the AES-GCM nonce size.
	NonceSize = 12
)

// ErrDecryptionFailed is returned when an AEAD open fails. The reason
// (tag mismatch, wrong key, truncated ciphertext) is deliberately not
// distinguished.
var ErrDecryptionFailed = errors.New("chai: decryption failed")

// Rand is the CSPRNG handle used by the whole core. Tests may swap it for
// a deterministic reader; production code must leave it at rand.Reader.
var Rand io.Reader = rand.Reader

// RandBytes fills a fresh buffer of n bytes from the CSPRNG.
func RandBytes(n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := io.ReadFull(Rand, buf); err != nil {
		return nil, fmt.Errorf("chai: read csprng: %w", err)
	}
	return buf, nil
}

// GenerateSigningKey returns a new Ed25519 key pair.
func GenerateSigningKey() (ed25519.PublicKey, ed25519.PrivateKey, error) {
	pub, priv, err := ed25519.GenerateKey(Rand)
	if err != nil {
		return nil, nil, fmt.Errorf("chai: generate signing key: %w", err)
	}
	return pub, priv, nil
}

// Sign signs msg with the identity signing key.
func Sign(priv ed25519.PrivateKey, msg []byte) []byte {
	return ed25519.Sign(priv, msg)
}

// Verify reports whether sig is a valid signature of msg under pub.
// It returns a bare boolean, never a reason.
func Verify(pub ed25519.PublicKey, msg, sig []byte) bool {
	if len(pub) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(pub, msg, sig)
}

// GenerateDHKey returns a clamped X25519 key pair per RFC 7748.
func GenerateDHKey() (priv, pub [KeySize]byte, err error) {
	if _, err = io.ReadFull(Rand, priv[:]); err != nil {
		return priv, pub, fmt.Errorf("chai: generate dh key: %w", err)
	}
	ClampDHKey(&priv)
	pubBytes, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return priv, pub, fmt.Errorf("chai: compute dh public: %w", err)
	}
	copy(pub[:], pubBytes)
	return priv, pub, nil
}

// ClampDHKey applies RFC 7748 clamping to a scalar in place.
func ClampDHKey(k *[KeySize]byte) {
	k[0] &= 248
	k[31] &= 127
	k[31] |= 64
}

// DH computes the X25519 shared secret between priv and pub.
func DH(priv, pub [KeySize]byte) ([KeySize]byte, error) {
	var shared [KeySize]byte
	out, err := curve25519.X25519(priv[:], pub[:])
	if err != nil {
		return shared, fmt.Errorf("chai: dh: %w", err)
	}
	copy(shared[:], out)
	return shared, nil
}

// HKDF derives outLen bytes of key material with HKDF-SHA256.
func HKDF(salt, ikm, info []byte, outLen int) ([]byte, error) {
	r := hkdf.New(sha256.New, ikm, salt, info)
	out := make([]byte, outLen)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, fmt.Errorf("chai: hkdf: %w", err)
	}
	return out, nil
}

// Seal encrypts and authenticates plaintext with AES-256-GCM.
// The caller owns nonce uniqueness; every message key in the core is used
// exactly once, with a nonce derived from it.
func Seal(key []byte, nonce [NonceSize]byte, aad, plaintext []byte) ([]byte, error) {
	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	return aead.Seal(nil, nonce[:], plaintext, aad), nil
}

// Open reverses Seal. Any authentication failure is ErrDecryptionFailed.
func Open(key []byte, nonce [NonceSize]byte, aad, ciphertext []byte) ([]byte, error) {
	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	pt, err := aead.Open(nil, nonce[:], ciphertext, aad)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return pt, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("chai: aead key must be %d bytes, got %d", KeySize, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// IsZero reports whether a curve point or key is all zeros. Zero key
// material is the signature of mock crypto and is refused at every
// boundary that accepts keys from outside the process.
func IsZero(k []byte) bool {
	var acc byte
	for _, b := range k {
		acc |= b
	}
	return acc == 0
}

// Wipe zeroes a byte slice in place.
func Wipe(p []byte) {
	for i := range p {
		p[i] = 0
	}
}
