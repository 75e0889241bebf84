// Package prekeys is the server-side prekey directory: it stores each
// user's published bundle, hands out one-time prekeys at most once each,
// and reports stock levels so the relay can nudge owners to replenish.
package prekeys

import (
	"context"
	"crypto/ed25519"
	"errors"

	"github.com/google/uuid"
)

var (
	// ErrBadSignature rejects a published bundle whose signed prekey
	// signature does not verify under the bundle's identity key.
	ErrBadSignature = errors.New("chai: bad signed prekey signature")

	// ErrUnknownUser is returned when fetching a bundle for a user that
	// never published one.
	ErrUnknownUser = errors.New("chai: no bundle published for user")
)

const (
	// LowWatermark is the unused one-time prekey count below which the
	// relay notifies the owner.
	LowWatermark = 10

	// ReplenishTarget is the pool size a client restores on a LowPrekeys
	// notification (the low watermark plus a fresh default batch).
	ReplenishTarget = 30
)

// SignedPrekeyRecord is the published signed prekey of one user.
type SignedPrekeyRecord struct {
	ID        uint32
	Pub       []byte
	Signature []byte
}

// OneTimePrekeyRecord is one published one-time prekey.
type OneTimePrekeyRecord struct {
	ID  uint32
	Pub []byte
}

// BundleRecord is what FetchBundle hands to an initiator. OneTime is nil
// when the pool is empty.
type BundleRecord struct {
	IdentityDH      []byte
	IdentitySigning []byte
	SignedPrekey    SignedPrekeyRecord
	OneTime         *OneTimePrekeyRecord
}

// Directory stores and serves prekey bundles.
//
// FetchBundle consumes at most one one-time prekey atomically: no two
// concurrent fetches ever observe the same prekey. It returns the number
// of unused one-time prekeys remaining after the fetch so callers can
// signal low stock.
type Directory interface {
	PublishBundle(ctx context.Context, user uuid.UUID, identityDH, identitySigning []byte, spk SignedPrekeyRecord, otps []OneTimePrekeyRecord) error
	FetchBundle(ctx context.Context, user uuid.UUID) (*BundleRecord, int, error)
	AppendOneTimePrekeys(ctx context.Context, user uuid.UUID, otps []OneTimePrekeyRecord) error
	RemainingOneTimePrekeys(ctx context.Context, user uuid.UUID) (int, error)
}

// verifyPublish is the shared publish-time validation: the signed prekey
// must verify under the identity signing key before any state changes.
// All-zero key material is refused outright; it is what dev-mode mock
// crypto produces and must never be served to initiators.
func verifyPublish(identitySigning []byte, spk SignedPrekeyRecord) error {
	if len(identitySigning) != ed25519.PublicKeySize {
		return ErrBadSignature
	}
	if isZero(identitySigning) || isZero(spk.Pub) {
		return ErrBadSignature
	}
	if !ed25519.Verify(ed25519.PublicKey(identitySigning), spk.Pub, spk.Signature) {
		return ErrBadSignature
	}
	return nil
}

func isZero(b []byte) bool {
	var acc byte
	for _, v := range b {
		acc |= v
	}
	return acc == 0 || len(b) == 0
}
