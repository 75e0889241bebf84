// Package keys owns the long-lived key material of one endpoint: the
// identity key pair, signed prekey generations and the one-time prekey
// pool, plus the X3DH agreement that turns a peer's published bundle into
// a shared secret.
package keys

import (
	"crypto/ed25519"
	"errors"
	"sync"

	"github.com/chai-im/chai/internal/crypto"
)

var (
	// ErrInvalidBundle is returned when a prekey bundle's signed prekey
	// signature does not verify under the bundle's identity key.
	ErrInvalidBundle = errors.New("chai: invalid prekey bundle")

	// ErrUnknownSignedPrekey is returned by the responder when an initial
	// message names a signed prekey id it no longer holds.
	ErrUnknownSignedPrekey = errors.New("chai: unknown signed prekey")

	// ErrOneTimePrekeyConsumed is returned by the responder when an initial
	// message names a one-time prekey that was already consumed.
	ErrOneTimePrekeyConsumed = errors.New("chai: one-time prekey already consumed")
)

// DefaultOneTimeBatch is the minimum batch size for one-time prekey
// replenishment.
const DefaultOneTimeBatch = 20

// Identity is the long-term identity of this endpoint. The signing half
// (Ed25519) authenticates signed prekeys; the DH half (X25519) feeds X3DH.
type Identity struct {
	SigningPub  ed25519.PublicKey
	signingPriv ed25519.PrivateKey

	DHPub  [crypto.KeySize]byte
	dhPriv [crypto.KeySize]byte
}

// NewIdentity generates a fresh identity.
func NewIdentity() (*Identity, error) {
	pub, priv, err := crypto.GenerateSigningKey()
	if err != nil {
		return nil, err
	}
	dhPriv, dhPub, err := crypto.GenerateDHKey()
	if err != nil {
		return nil, err
	}
	id := &Identity{SigningPub: pub, signingPriv: priv, DHPub: dhPub, dhPriv: dhPriv}
	if crypto.IsZero(id.DHPub[:]) || crypto.IsZero(id.SigningPub) {
		return nil, errors.New("chai: degenerate identity key material")
	}
	return id, nil
}

// Sign signs msg under the identity signing key.
func (id *Identity) Sign(msg []byte) []byte {
	return crypto.Sign(id.signingPriv, msg)
}

// SignedPrekey is one generation of the medium-term prekey. The signature
// covers the DH public under the identity signing key.
type SignedPrekey struct {
	ID        uint32
	Pub       [crypto.KeySize]byte
	Signature []byte

	priv [crypto.KeySize]byte
}

// OneTimePrekey is a single-use prekey. The private half never leaves the
// owning Ring; only (ID, Pub) is published.
type OneTimePrekey struct {
	ID  uint32
	Pub [crypto.KeySize]byte

	priv [crypto.KeySize]byte
}

// Bundle is the public packet a directory serves so a stranger can run
// X3DH toward its owner.
type Bundle struct {
	IdentityDH      [crypto.KeySize]byte
	IdentitySigning ed25519.PublicKey
	SignedPrekeyID  uint32
	SignedPrekey    [crypto.KeySize]byte
	SignedPrekeySig []byte
	OneTimePrekeyID *uint32
	OneTimePrekey   *[crypto.KeySize]byte
}

// Verify checks the signed prekey signature. Zero key material is rejected
// outright: it is the fingerprint of mock crypto and must never reach a
// ratchet.
func (b *Bundle) Verify() error {
	if crypto.IsZero(b.IdentityDH[:]) || crypto.IsZero(b.SignedPrekey[:]) {
		return ErrInvalidBundle
	}
	if !crypto.Verify(b.IdentitySigning, b.SignedPrekey[:], b.SignedPrekeySig) {
		return ErrInvalidBundle
	}
	return nil
}

// Ring holds one endpoint's private key material: the identity, all live
// signed prekey generations and the unconsumed one-time prekey pool.
// A Ring is safe for concurrent use.
type Ring struct {
	mu sync.Mutex

	identity *Identity

	signedPrekeys map[uint32]*SignedPrekey
	currentSPK    uint32
	nextSPKID     uint32

	oneTime   map[uint32]*OneTimePrekey
	nextOTPID uint32
}

// NewRing creates a Ring around an identity and mints the first signed
// prekey generation.
func NewRing(id *Identity) (*Ring, error) {
	r := &Ring{
		identity:      id,
		signedPrekeys: make(map[uint32]*SignedPrekey),
		oneTime:       make(map[uint32]*OneTimePrekey),
		nextSPKID:     1,
		nextOTPID:     1,
	}
	if _, err := r.RotateSignedPrekey(); err != nil {
		return nil, err
	}
	return r, nil
}

// Identity returns the ring's identity.
func (r *Ring) Identity() *Identity { return r.identity }

// RotateSignedPrekey mints a new signed prekey generation and makes it
// current. Previous generations stay resolvable by id until pruned, so
// in-flight initial messages keep working through a rotation.
func (r *Ring) RotateSignedPrekey() (*SignedPrekey, error) {
	priv, pub, err := crypto.GenerateDHKey()
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	spk := &SignedPrekey{
		ID:        r.nextSPKID,
		Pub:       pub,
		Signature: r.identity.Sign(pub[:]),
		priv:      priv,
	}
	r.signedPrekeys[spk.ID] = spk
	r.currentSPK = spk.ID
	r.nextSPKID++
	return spk, nil
}

// PruneSignedPrekeys drops every generation except the current one. The
// caller decides when the grace window for in-flight sessions has passed.
func (r *Ring) PruneSignedPrekeys() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id := range r.signedPrekeys {
		if id != r.currentSPK {
			delete(r.signedPrekeys, id)
		}
	}
}

// CurrentSignedPrekey returns the current generation.
func (r *Ring) CurrentSignedPrekey() *SignedPrekey {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.signedPrekeys[r.currentSPK]
}

// MintOneTimePrekeys mints n one-time prekeys, retains their private
// halves and returns the public records for publication.
func (r *Ring) MintOneTimePrekeys(n int) ([]OneTimePrekey, error) {
	out := make([]OneTimePrekey, 0, n)
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := 0; i < n; i++ {
		priv, pub, err := crypto.GenerateDHKey()
		if err != nil {
			return nil, err
		}
		otp := &OneTimePrekey{ID: r.nextOTPID, Pub: pub, priv: priv}
		r.nextOTPID++
		r.oneTime[otp.ID] = otp
		out = append(out, OneTimePrekey{ID: otp.ID, Pub: otp.Pub})
	}
	return out, nil
}

// PublicBundle assembles the publishable bundle around the current signed
// prekey. One-time prekeys are attached by the directory, not here.
func (r *Ring) PublicBundle() *Bundle {
	spk := r.CurrentSignedPrekey()
	return &Bundle{
		IdentityDH:      r.identity.DHPub,
		IdentitySigning: r.identity.SigningPub,
		SignedPrekeyID:  spk.ID,
		SignedPrekey:    spk.Pub,
		SignedPrekeySig: append([]byte(nil), spk.Signature...),
	}
}

func (r *Ring) signedPrekey(id uint32) (*SignedPrekey, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	spk, ok := r.signedPrekeys[id]
	return spk, ok
}

// takeOneTimePrekey consumes a one-time prekey. At most one caller ever
// gets a given id back.
func (r *Ring) takeOneTimePrekey(id uint32) (*OneTimePrekey, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	otp, ok := r.oneTime[id]
	if ok {
		delete(r.oneTime, id)
	}
	return otp, ok
}

// RemainingOneTimePrekeys reports the size of the unconsumed local pool.
func (r *Ring) RemainingOneTimePrekeys() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.oneTime)
}
