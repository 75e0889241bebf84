package session

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chai-im/chai/internal/crypto"
	"github.com/chai-im/chai/internal/keys"
)

func newManager(t *testing.T) *Manager {
	t.Helper()
	m, err := NewManager()
	require.NoError(t, err)
	return m
}

// bundleWithOTP plays directory: the public bundle plus one freshly
// minted one-time prekey.
func bundleWithOTP(t *testing.T, m *Manager) *keys.Bundle {
	t.Helper()
	b := m.GeneratePrekeyBundle()
	otps, err := m.GenerateOneTimePrekeys(1)
	require.NoError(t, err)
	id := otps[0].ID
	pub := otps[0].Pub
	b.OneTimePrekeyID = &id
	b.OneTimePrekey = &pub
	return b
}

func TestFirstContact(t *testing.T) {
	alice := newManager(t)
	bob := newManager(t)

	require.NoError(t, alice.InitSession("bob", bundleWithOTP(t, bob)))
	assert.True(t, alice.HasSession("bob"))
	assert.False(t, bob.HasSession("alice"))

	envelope, err := alice.Encrypt("bob", []byte("hello"))
	require.NoError(t, err)

	// The first envelope carries the X3DH block naming the used prekeys.
	env, err := DecodeEnvelope(envelope)
	require.NoError(t, err)
	require.NotNil(t, env.Initial)
	assert.Equal(t, uint32(1), env.Initial.SignedPrekeyID)
	require.NotNil(t, env.Initial.OneTimePrekeyID)
	assert.Equal(t, uint32(1), *env.Initial.OneTimePrekeyID)
	assert.Equal(t, alice.PublicIdentity(), env.Initial.IdentityDH)

	pt, err := bob.Decrypt("alice", envelope)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), pt)
	assert.True(t, bob.HasSession("alice"))
}

func TestEncryptWithoutSession(t *testing.T) {
	alice := newManager(t)
	_, err := alice.Encrypt("nobody", []byte("x"))
	assert.ErrorIs(t, err, ErrNoSession)
}

func TestDecryptNonInitialWithoutSession(t *testing.T) {
	alice := newManager(t)
	bob := newManager(t)
	require.NoError(t, alice.InitSession("bob", bundleWithOTP(t, bob)))

	e1, err := alice.Encrypt("bob", []byte("one"))
	require.NoError(t, err)
	_, err = bob.Decrypt("alice", e1)
	require.NoError(t, err)

	// After the handshake is acknowledged, envelopes are regular; a third
	// party without a session cannot bootstrap from them.
	reply, err := bob.Encrypt("alice", []byte("two"))
	require.NoError(t, err)
	_, err = alice.Decrypt("bob", reply)
	require.NoError(t, err)

	e3, err := alice.Encrypt("bob", []byte("three"))
	require.NoError(t, err)
	env, err := DecodeEnvelope(e3)
	require.NoError(t, err)
	assert.Nil(t, env.Initial, "initial block dropped once the peer replied")

	carol := newManager(t)
	_, err = carol.Decrypt("alice", e3)
	assert.ErrorIs(t, err, ErrNoSession)
}

func TestOutOfOrderDelivery(t *testing.T) {
	alice := newManager(t)
	bob := newManager(t)
	require.NoError(t, alice.InitSession("bob", bundleWithOTP(t, bob)))

	m1, err := alice.Encrypt("bob", []byte("a"))
	require.NoError(t, err)
	m2, err := alice.Encrypt("bob", []byte("b"))
	require.NoError(t, err)
	m3, err := alice.Encrypt("bob", []byte("c"))
	require.NoError(t, err)

	// Delivery order m1, m3, m2; plaintexts come out right regardless.
	pt, err := bob.Decrypt("alice", m1)
	require.NoError(t, err)
	assert.Equal(t, []byte("a"), pt)
	pt, err = bob.Decrypt("alice", m3)
	require.NoError(t, err)
	assert.Equal(t, []byte("c"), pt)
	pt, err = bob.Decrypt("alice", m2)
	require.NoError(t, err)
	assert.Equal(t, []byte("b"), pt)
}

func TestReplayedEnvelopeFails(t *testing.T) {
	alice := newManager(t)
	bob := newManager(t)
	require.NoError(t, alice.InitSession("bob", bundleWithOTP(t, bob)))

	m1, err := alice.Encrypt("bob", []byte("m1"))
	require.NoError(t, err)
	m2, err := alice.Encrypt("bob", []byte("m2"))
	require.NoError(t, err)

	_, err = bob.Decrypt("alice", m1)
	require.NoError(t, err)

	// The exact bytes again: decryption fails, session stays healthy.
	_, err = bob.Decrypt("alice", m1)
	assert.ErrorIs(t, err, crypto.ErrDecryptionFailed)

	pt, err := bob.Decrypt("alice", m2)
	require.NoError(t, err)
	assert.Equal(t, []byte("m2"), pt)
}

func TestSimultaneousInitiationConverges(t *testing.T) {
	alice := newManager(t)
	bob := newManager(t)

	require.NoError(t, alice.InitSession("bob", bundleWithOTP(t, bob)))
	require.NoError(t, bob.InitSession("alice", bundleWithOTP(t, alice)))

	fromAlice, err := alice.Encrypt("bob", []byte("hi from alice"))
	require.NoError(t, err)
	fromBob, err := bob.Encrypt("alice", []byte("hi from bob"))
	require.NoError(t, err)

	// Each side processes the other's initial envelope. The tie-break is
	// stable: the endpoint with the greater identity public stays
	// initiator, the other becomes responder, so exactly one of the two
	// crossed first messages survives.
	aliceID := alice.PublicIdentity()
	bobID := bob.PublicIdentity()

	// winner keeps the initiator role; names are as each side addresses
	// the other.
	winner, loser := alice, bob
	winnerName, loserName := "alice", "bob"
	winnerMsg, loserMsg := fromAlice, fromBob
	if bytes.Compare(bobID[:], aliceID[:]) > 0 {
		winner, loser = bob, alice
		winnerName, loserName = "bob", "alice"
		winnerMsg, loserMsg = fromBob, fromAlice
	}

	// The loser adopts the responder role and reads the winner's message.
	pt, err := loser.Decrypt(winnerName, winnerMsg)
	require.NoError(t, err)
	assert.Contains(t, string(pt), "hi from")

	// The winner keeps its initiator session; the loser's crossed message
	// is dropped (the UI shows a placeholder and may request a resend).
	_, err = winner.Decrypt(loserName, loserMsg)
	require.Error(t, err)

	// Both directions now ride the surviving session.
	m, err := winner.Encrypt(loserName, []byte("settled"))
	require.NoError(t, err)
	pt, err = loser.Decrypt(winnerName, m)
	require.NoError(t, err)
	assert.Equal(t, []byte("settled"), pt)

	r, err := loser.Encrypt(winnerName, []byte("agreed"))
	require.NoError(t, err)
	pt, err = winner.Decrypt(loserName, r)
	require.NoError(t, err)
	assert.Equal(t, []byte("agreed"), pt)
}

func TestSessionExportImport(t *testing.T) {
	alice := newManager(t)
	bob := newManager(t)
	require.NoError(t, alice.InitSession("bob", bundleWithOTP(t, bob)))

	m1, err := alice.Encrypt("bob", []byte("before export"))
	require.NoError(t, err)
	_, err = bob.Decrypt("alice", m1)
	require.NoError(t, err)

	blob, err := bob.ExportSession("alice")
	require.NoError(t, err)
	assert.Equal(t, byte(0x01), blob[0], "session blobs are version-tagged")

	// A different manager instance over the same identity resumes the
	// conversation from the blob.
	idBlob, err := bob.ExportIdentity()
	require.NoError(t, err)
	bob2, err := FromBytes(idBlob)
	require.NoError(t, err)
	require.NoError(t, bob2.ImportSession("alice", blob))

	m2, err := alice.Encrypt("bob", []byte("after import"))
	require.NoError(t, err)
	pt, err := bob2.Decrypt("alice", m2)
	require.NoError(t, err)
	assert.Equal(t, []byte("after import"), pt)

	_, err = bob2.ExportSession("nobody")
	assert.ErrorIs(t, err, ErrNoSession)
}

func TestIdentityExportRoundTrip(t *testing.T) {
	alice := newManager(t)
	blob, err := alice.ExportIdentity()
	require.NoError(t, err)

	restored, err := FromBytes(blob)
	require.NoError(t, err)
	assert.Equal(t, alice.PublicIdentity(), restored.PublicIdentity())

	_, err = FromBytes([]byte("not an identity"))
	assert.Error(t, err)
}

func TestRemoveSession(t *testing.T) {
	alice := newManager(t)
	bob := newManager(t)
	require.NoError(t, alice.InitSession("bob", bundleWithOTP(t, bob)))
	require.True(t, alice.HasSession("bob"))

	alice.RemoveSession("bob")
	assert.False(t, alice.HasSession("bob"))
	_, err := alice.Encrypt("bob", []byte("x"))
	assert.ErrorIs(t, err, ErrNoSession)
}
