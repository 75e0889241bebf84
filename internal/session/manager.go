// Package session owns the map from peer id to live Double Ratchet
// session, the envelope wire codec and the serialization of both session
// and identity state. It is the only package the client transport talks
// to for cryptography.
package session

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/chai-im/chai/internal/crypto"
	"github.com/chai-im/chai/internal/keys"
	"github.com/chai-im/chai/internal/ratchet"
)

var (
	// ErrNoSession is returned when encrypting toward, or decrypting a
	// non-initial envelope from, a peer with no established session.
	ErrNoSession = errors.New("chai: no session for peer")
)

// sessionBlobVersion tags exported session blobs.
const sessionBlobVersion = 0x01

// Session is the per-peer state: the ratchet, the peer identity bound at
// X3DH time, and the initial block that is attached to outgoing envelopes
// until the peer has demonstrably completed the handshake.
type Session struct {
	mu sync.Mutex

	state        *ratchet.State
	peerIdentity [crypto.KeySize]byte

	// pendingInitial repeats the X3DH material on every send until the
	// first successful inbound decrypt, so a lost first message does not
	// strand the responder.
	pendingInitial *keys.InitialMessage
}

// PeerIdentity returns the peer identity DH public bound to this session.
func (s *Session) PeerIdentity() [crypto.KeySize]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peerIdentity
}

// Manager owns every session of one endpoint plus its key ring. All
// session mutations are serialized per peer.
type Manager struct {
	mu       sync.Mutex
	ring     *keys.Ring
	sessions map[string]*Session
}

// NewManager creates a manager around a fresh identity.
func NewManager() (*Manager, error) {
	id, err := keys.NewIdentity()
	if err != nil {
		return nil, err
	}
	ring, err := keys.NewRing(id)
	if err != nil {
		return nil, err
	}
	return &Manager{ring: ring, sessions: make(map[string]*Session)}, nil
}

// FromBytes restores a manager from an exported identity blob.
func FromBytes(identityBlob []byte) (*Manager, error) {
	ring, err := keys.RingFromBytes(identityBlob)
	if err != nil {
		return nil, err
	}
	return &Manager{ring: ring, sessions: make(map[string]*Session)}, nil
}

// ExportIdentity serializes the private identity. The result must never
// leave the device except wrapped by the vault.
func (m *Manager) ExportIdentity() ([]byte, error) {
	return m.ring.MarshalBinary()
}

// PublicIdentity returns the 32-byte identity DH public.
func (m *Manager) PublicIdentity() [crypto.KeySize]byte {
	return m.ring.Identity().DHPub
}

// Ring exposes the key ring for publication flows.
func (m *Manager) Ring() *keys.Ring { return m.ring }

// GeneratePrekeyBundle returns the publishable public bundle (identity,
// current signed prekey and its signature; one-time prekeys are attached
// by the directory).
func (m *Manager) GeneratePrekeyBundle() *keys.Bundle {
	return m.ring.PublicBundle()
}

// GenerateOneTimePrekeys mints n one-time prekeys for publication.
func (m *Manager) GenerateOneTimePrekeys(n int) ([]keys.OneTimePrekey, error) {
	return m.ring.MintOneTimePrekeys(n)
}

// HasSession reports whether a session exists for the peer.
func (m *Manager) HasSession(peer string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.sessions[peer]
	return ok
}

func (m *Manager) session(peer string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[peer]
	return s, ok
}

func (m *Manager) putSession(peer string, s *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[peer] = s
}

// InitSession runs X3DH as the initiator against the peer's bundle and
// creates the session. The first Encrypt after InitSession produces the
// initial envelope the client must send first; the X3DH block stays
// attached to outgoing envelopes until the peer replies.
func (m *Manager) InitSession(peer string, bundle *keys.Bundle) error {
	ik, err := keys.Initiate(m.ring.Identity(), bundle)
	if err != nil {
		return err
	}
	state, err := ratchet.NewInitiator(ik.SecretKey, ik.PeerRatchetPub)
	if err != nil {
		return err
	}
	init := &keys.InitialMessage{
		IdentityDH:      m.ring.Identity().DHPub,
		EphemeralPub:    ik.EphemeralPub,
		SignedPrekeyID:  ik.SignedPrekeyID,
		OneTimePrekeyID: ik.OneTimePrekeyID,
	}
	m.putSession(peer, &Session{
		state:          state,
		peerIdentity:   ik.PeerIdentityDH,
		pendingInitial: init,
	})
	return nil
}

// ReceiveSession runs X3DH as the responder from an initial envelope and
// creates the session. The envelope's ratchet payload is then decrypted
// normally through Decrypt (which also calls this path on its own when it
// meets an initial envelope for an unknown peer).
func (m *Manager) ReceiveSession(peer string, envelopeBytes []byte) error {
	env, err := DecodeEnvelope(envelopeBytes)
	if err != nil {
		return err
	}
	if env.Initial == nil {
		return ErrNoSession
	}
	_, err = m.respond(peer, env.Initial)
	return err
}

func (m *Manager) respond(peer string, init *keys.InitialMessage) (*Session, error) {
	rk, err := keys.Respond(m.ring, init)
	if err != nil {
		return nil, err
	}
	s := &Session{
		state:        ratchet.NewResponder(rk.SecretKey, rk.RatchetPriv, rk.RatchetPub),
		peerIdentity: rk.PeerIdentityDH,
	}
	m.putSession(peer, s)
	return s, nil
}

// Encrypt seals plaintext for the peer and returns the envelope bytes.
func (m *Manager) Encrypt(peer string, plaintext []byte) ([]byte, error) {
	s, ok := m.session(peer)
	if !ok {
		return nil, ErrNoSession
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	h, ct, err := s.state.Encrypt(plaintext)
	if err != nil {
		return nil, err
	}
	env := &Envelope{Initial: s.pendingInitial, Header: h, Ciphertext: ct}
	return env.Encode(), nil
}

// Decrypt opens envelope bytes from the peer. Initial envelopes bootstrap
// a session when none exists. When an initial envelope cannot be opened
// by an existing, still unacknowledged session (both ends initiated
// simultaneously) and the sender's identity public is greater than the
// local one, the local initiator session is replaced by a responder
// session and the envelope is decrypted under it; otherwise the
// decryption error is returned.
func (m *Manager) Decrypt(peer string, envelopeBytes []byte) ([]byte, error) {
	env, err := DecodeEnvelope(envelopeBytes)
	if err != nil {
		return nil, err
	}

	s, ok := m.session(peer)
	if !ok {
		if env.Initial == nil {
			return nil, ErrNoSession
		}
		if s, err = m.respond(peer, env.Initial); err != nil {
			return nil, err
		}
	}

	s.mu.Lock()
	pt, err := s.state.Decrypt(env.Header, env.Ciphertext)
	if err == nil {
		// The peer holds a working session; stop repeating the handshake.
		s.pendingInitial = nil
		s.mu.Unlock()
		return pt, nil
	}
	unacked := s.pendingInitial != nil
	s.mu.Unlock()

	// Simultaneous initiation: both ends hold unacknowledged initiator
	// sessions keyed on each other, and neither can open the other's
	// initial envelope. The tie-break is deterministic and stable: the
	// endpoint with the greater identity public stays initiator; the
	// other adopts the responder role, replacing its initiator session.
	// Established sessions never take this path; replayed initial
	// envelopes stay DecryptionFailed.
	ours := m.ring.Identity().DHPub
	if env.Initial != nil && errors.Is(err, crypto.ErrDecryptionFailed) && ok && unacked &&
		bytes.Compare(env.Initial.IdentityDH[:], ours[:]) > 0 {
		fresh, rerr := m.respond(peer, env.Initial)
		if rerr != nil {
			return nil, err
		}
		fresh.mu.Lock()
		defer fresh.mu.Unlock()
		return fresh.state.Decrypt(env.Header, env.Ciphertext)
	}
	return nil, err
}

// ExportSession serializes the peer's full session state (root and chain
// keys, counters, skipped cache, DH keys, bound peer identity).
func (m *Manager) ExportSession(peer string) ([]byte, error) {
	s, ok := m.session(peer)
	if !ok {
		return nil, ErrNoSession
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	stateBytes, err := s.state.MarshalBinary()
	if err != nil {
		return nil, err
	}
	buf := make([]byte, 0, 64+len(stateBytes))
	buf = append(buf, sessionBlobVersion)
	buf = append(buf, s.peerIdentity[:]...)
	if init := s.pendingInitial; init != nil {
		buf = append(buf, 1)
		buf = append(buf, init.IdentityDH[:]...)
		buf = append(buf, init.EphemeralPub[:]...)
		buf = binary.BigEndian.AppendUint32(buf, init.SignedPrekeyID)
		if init.OneTimePrekeyID != nil {
			buf = append(buf, 1)
			buf = binary.BigEndian.AppendUint32(buf, *init.OneTimePrekeyID)
		} else {
			buf = append(buf, 0)
		}
	} else {
		buf = append(buf, 0)
	}
	return append(buf, stateBytes...), nil
}

// ImportSession restores a session blob for the peer, replacing any live
// session.
func (m *Manager) ImportSession(peer string, blob []byte) error {
	if len(blob) < 1+crypto.KeySize+1 {
		return errors.New("chai: truncated session blob")
	}
	if blob[0] != sessionBlobVersion {
		return fmt.Errorf("chai: unsupported session blob version 0x%02x", blob[0])
	}
	blob = blob[1:]

	s := &Session{}
	copy(s.peerIdentity[:], blob[:crypto.KeySize])
	blob = blob[crypto.KeySize:]

	hasInitial := blob[0]
	blob = blob[1:]
	if hasInitial != 0 {
		if len(blob) < 32+32+4+1 {
			return errors.New("chai: truncated session blob")
		}
		init := &keys.InitialMessage{}
		copy(init.IdentityDH[:], blob[:32])
		copy(init.EphemeralPub[:], blob[32:64])
		init.SignedPrekeyID = binary.BigEndian.Uint32(blob[64:])
		otpFlag := blob[68]
		blob = blob[69:]
		if otpFlag != 0 {
			if len(blob) < 4 {
				return errors.New("chai: truncated session blob")
			}
			id := binary.BigEndian.Uint32(blob)
			init.OneTimePrekeyID = &id
			blob = blob[4:]
		}
		s.pendingInitial = init
	}

	state, err := ratchet.StateFromBytes(blob)
	if err != nil {
		return err
	}
	s.state = state
	m.putSession(peer, s)
	return nil
}

// RemoveSession tears down the peer's session and wipes its key material.
func (m *Manager) RemoveSession(peer string) {
	m.mu.Lock()
	s, ok := m.sessions[peer]
	delete(m.sessions, peer)
	m.mu.Unlock()
	if ok {
		s.mu.Lock()
		s.state.Wipe()
		s.mu.Unlock()
	}
}

// Peers lists every peer with a live session.
func (m *Manager) Peers() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.sessions))
	for p := range m.sessions {
		out = append(out, p)
	}
	return out
}

// Teardown wipes all session key material. The manager is unusable after.
func (m *Manager) Teardown() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for p, s := range m.sessions {
		s.mu.Lock()
		s.state.Wipe()
		s.mu.Unlock()
		delete(m.sessions, p)
	}
}
