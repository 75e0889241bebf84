// Package ratchet implements the Double Ratchet: a symmetric key ratchet
// per message and a Diffie-Hellman ratchet per reply, yielding one
// authenticated encryption key per envelope with forward secrecy and
// post-compromise security.
package ratchet

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"errors"

	"github.com/chai-im/chai/internal/crypto"
)

const (
	// MaxSkip caps cached skipped keys per receiving chain.
	MaxSkip = 1000

	// MaxSkipTotal caps cached skipped keys per session; the oldest entry
	// is evicted when the cap is hit.
	MaxSkipTotal = 5000

	rootInfo  = "chai/ratchet/root"
	nonceInfo = "chai/ratchet/nonce"
)

var (
	// ErrTooManySkipped is returned when a single catch-up would cache more
	// than MaxSkip keys. The session is no longer able to decrypt the gap
	// and should be re-initialized by the owner.
	ErrTooManySkipped = errors.New("chai: too many skipped messages")

	// ErrLateBeyondWindow is returned for a message on a retired receiving
	// chain whose key has already been evicted.
	ErrLateBeyondWindow = errors.New("chai: message arrived beyond the skipped-key window")

	// ErrNotReady is returned when encrypting before the sending chain
	// exists (a responder that has not yet processed the initial envelope).
	ErrNotReady = errors.New("chai: sending chain not established")
)

// Header accompanies every ciphertext: the sender's current ratchet
// public, the previous chain length and the message number.
type Header struct {
	DHPub [crypto.KeySize]byte
	PN    uint32
	N     uint32
}

// EncodedHeaderSize is the wire size of a header.
const EncodedHeaderSize = crypto.KeySize + 4 + 4

// Encode serializes the header; the encoding doubles as the AEAD
// associated data so a tampered header fails authentication.
func (h Header) Encode() []byte {
	buf := make([]byte, EncodedHeaderSize)
	copy(buf, h.DHPub[:])
	binary.BigEndian.PutUint32(buf[crypto.KeySize:], h.PN)
	binary.BigEndian.PutUint32(buf[crypto.KeySize+4:], h.N)
	return buf
}

// DecodeHeader reverses Encode.
func DecodeHeader(data []byte) (Header, error) {
	var h Header
	if len(data) != EncodedHeaderSize {
		return h, errors.New("chai: bad header length")
	}
	copy(h.DHPub[:], data[:crypto.KeySize])
	h.PN = binary.BigEndian.Uint32(data[crypto.KeySize:])
	h.N = binary.BigEndian.Uint32(data[crypto.KeySize+4:])
	return h, nil
}

// State is the full ratchet state for one session. It is owned by exactly
// one session-manager entry and never shared across goroutines.
type State struct {
	// DHsPriv/DHsPub is the local ratchet key pair.
	DHsPriv [crypto.KeySize]byte
	DHsPub  [crypto.KeySize]byte

	// DHr is the peer's current ratchet public; zero until the first
	// received turn on the responder side.
	DHr [crypto.KeySize]byte

	RK  [crypto.KeySize]byte
	CKs [crypto.KeySize]byte
	CKr [crypto.KeySize]byte

	Ns uint32
	Nr uint32
	PN uint32

	skipped *skipCache

	// retired remembers receiving-chain publics that have been ratcheted
	// past, so late messages on them can be rejected with
	// ErrLateBeyondWindow instead of corrupting the root chain.
	retired map[[crypto.KeySize]byte]struct{}
}

// OnEvict, when set, observes silent oldest-key evictions. The crypto
// layer never surfaces eviction as an error.
var OnEvict func()

// NewInitiator builds the sender-side state after X3DH: the first sending
// chain is derived immediately from the peer's signed prekey.
func NewInitiator(sk, peerRatchetPub [crypto.KeySize]byte) (*State, error) {
	priv, pub, err := crypto.GenerateDHKey()
	if err != nil {
		return nil, err
	}
	dh, err := crypto.DH(priv, peerRatchetPub)
	if err != nil {
		return nil, err
	}
	rk, cks, err := kdfRoot(sk, dh)
	if err != nil {
		return nil, err
	}
	s := &State{
		DHsPriv: priv,
		DHsPub:  pub,
		DHr:     peerRatchetPub,
		RK:      rk,
		CKs:     cks,
		skipped: newSkipCache(),
		retired: make(map[[crypto.KeySize]byte]struct{}),
	}
	return s, nil
}

// NewResponder builds the receiver-side state after X3DH: no chains yet,
// the ratchet pair is the signed prekey the initiator agreed against. The
// first decrypt performs the inaugural DH turn.
func NewResponder(sk, ratchetPriv, ratchetPub [crypto.KeySize]byte) *State {
	return &State{
		DHsPriv: ratchetPriv,
		DHsPub:  ratchetPub,
		RK:      sk,
		skipped: newSkipCache(),
		retired: make(map[[crypto.KeySize]byte]struct{}),
	}
}

// Encrypt advances the sending chain one step and seals plaintext under
// the derived message key. The returned header's encoding is the AAD.
func (s *State) Encrypt(plaintext []byte) (Header, []byte, error) {
	if crypto.IsZero(s.CKs[:]) {
		return Header{}, nil, ErrNotReady
	}
	cks, mk := kdfChain(s.CKs)
	h := Header{DHPub: s.DHsPub, PN: s.PN, N: s.Ns}
	nonce, err := deriveNonce(mk, h.N)
	if err != nil {
		return Header{}, nil, err
	}
	ct, err := crypto.Seal(mk[:], nonce, h.Encode(), plaintext)
	if err != nil {
		return Header{}, nil, err
	}
	s.CKs = cks
	s.Ns++
	crypto.Wipe(mk[:])
	return h, ct, nil
}

// Decrypt opens a ciphertext. All mutation happens on a clone that is
// committed only after the AEAD authenticates, so a failed decrypt leaves
// the state exactly as it was.
func (s *State) Decrypt(h Header, ciphertext []byte) ([]byte, error) {
	// Out-of-order arrival whose key was cached when the gap was noticed.
	// The key is consumed only after a successful open.
	if mk, ok := s.skipped.peek(h.DHPub, h.N); ok {
		pt, err := open(mk, h, ciphertext)
		if err != nil {
			return nil, err
		}
		s.skipped.take(h.DHPub, h.N)
		return pt, nil
	}

	if h.DHPub != s.DHr {
		// A message from a chain that was already ratcheted past and whose
		// key is gone: the window has closed.
		if _, late := s.retired[h.DHPub]; late {
			return nil, ErrLateBeyondWindow
		}
	} else if h.N < s.Nr {
		// Same chain, counter already consumed: replay.
		return nil, crypto.ErrDecryptionFailed
	}

	tmp := s.clone()
	if h.DHPub != tmp.DHr {
		if err := tmp.skipTo(h.PN); err != nil {
			return nil, err
		}
		if err := tmp.turn(h.DHPub); err != nil {
			return nil, err
		}
	}
	if err := tmp.skipTo(h.N); err != nil {
		return nil, err
	}

	ckr, mk := kdfChain(tmp.CKr)
	tmp.CKr = ckr
	tmp.Nr++

	pt, err := open(mk, h, ciphertext)
	if err != nil {
		return nil, err
	}
	*s = *tmp
	return pt, nil
}

func open(mk [crypto.KeySize]byte, h Header, ciphertext []byte) ([]byte, error) {
	nonce, err := deriveNonce(mk, h.N)
	if err != nil {
		return nil, err
	}
	pt, err := crypto.Open(mk[:], nonce, h.Encode(), ciphertext)
	crypto.Wipe(mk[:])
	return pt, err
}

// skipTo advances the receiving chain to `until`, caching each skipped
// message key.
func (s *State) skipTo(until uint32) error {
	if crypto.IsZero(s.CKr[:]) {
		return nil
	}
	if until > s.Nr && until-s.Nr > MaxSkip {
		return ErrTooManySkipped
	}
	for s.Nr < until {
		ckr, mk := kdfChain(s.CKr)
		if err := s.skipped.put(s.DHr, s.Nr, mk); err != nil {
			return err
		}
		s.CKr = ckr
		s.Nr++
	}
	return nil
}

// turn performs a DH ratchet turn toward a new peer ratchet public.
func (s *State) turn(pub [crypto.KeySize]byte) error {
	if !crypto.IsZero(s.DHr[:]) {
		s.retired[s.DHr] = struct{}{}
	}
	s.PN = s.Ns
	s.Ns = 0
	s.Nr = 0
	s.DHr = pub

	dh, err := crypto.DH(s.DHsPriv, s.DHr)
	if err != nil {
		return err
	}
	rk, ckr, err := kdfRoot(s.RK, dh)
	if err != nil {
		return err
	}
	s.RK = rk
	s.CKr = ckr

	s.DHsPriv, s.DHsPub, err = crypto.GenerateDHKey()
	if err != nil {
		return err
	}
	dh, err = crypto.DH(s.DHsPriv, s.DHr)
	if err != nil {
		return err
	}
	rk, cks, err := kdfRoot(s.RK, dh)
	if err != nil {
		return err
	}
	s.RK = rk
	s.CKs = cks
	return nil
}

// clone deep-copies the state. The skipped cache and retired set are
// shared structurally but copied on write paths, so clone copies them too.
func (s *State) clone() *State {
	c := *s
	c.skipped = s.skipped.clone()
	c.retired = make(map[[crypto.KeySize]byte]struct{}, len(s.retired))
	for k := range s.retired {
		c.retired[k] = struct{}{}
	}
	return &c
}

// SkippedCount reports the number of cached skipped keys.
func (s *State) SkippedCount() int { return s.skipped.len() }

// Wipe zeroes all key material in the state.
func (s *State) Wipe() {
	crypto.Wipe(s.DHsPriv[:])
	crypto.Wipe(s.RK[:])
	crypto.Wipe(s.CKs[:])
	crypto.Wipe(s.CKr[:])
	s.skipped.wipe()
}

// kdfRoot derives (new root key, chain key) from the root key and a DH
// output: HKDF(salt=rk, ikm=dh, info=rootInfo, 64) split in half.
func kdfRoot(rk, dh [crypto.KeySize]byte) (newRK, ck [crypto.KeySize]byte, err error) {
	out, err := crypto.HKDF(rk[:], dh[:], []byte(rootInfo), 2*crypto.KeySize)
	if err != nil {
		return newRK, ck, err
	}
	copy(newRK[:], out[:crypto.KeySize])
	copy(ck[:], out[crypto.KeySize:])
	crypto.Wipe(out)
	return newRK, ck, nil
}

// kdfChain derives (next chain key, message key) with two single-byte
// HMAC invocations, 0x02 for the chain and 0x01 for the message key.
func kdfChain(ck [crypto.KeySize]byte) (next, mk [crypto.KeySize]byte) {
	copy(next[:], hmacByte(ck, 0x02))
	copy(mk[:], hmacByte(ck, 0x01))
	return next, mk
}

func hmacByte(key [crypto.KeySize]byte, b byte) []byte {
	mac := hmac.New(sha256.New, key[:])
	mac.Write([]byte{b})
	return mac.Sum(nil)
}

// deriveNonce derives the 12-byte AEAD nonce from the message key and the
// message number. Message keys are single-use, so the pair never repeats.
func deriveNonce(mk [crypto.KeySize]byte, n uint32) ([crypto.NonceSize]byte, error) {
	var nonce [crypto.NonceSize]byte
	info := make([]byte, 0, len(nonceInfo)+4)
	info = append(info, nonceInfo...)
	info = binary.BigEndian.AppendUint32(info, n)
	out, err := crypto.HKDF(nil, mk[:], info, crypto.NonceSize)
	if err != nil {
		return nonce, err
	}
	copy(nonce[:], out)
	return nonce, nil
}
