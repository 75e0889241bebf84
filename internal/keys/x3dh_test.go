package keys

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRing(t *testing.T) *Ring {
	t.Helper()
	id, err := NewIdentity()
	require.NoError(t, err)
	ring, err := NewRing(id)
	require.NoError(t, err)
	return ring
}

// bundleFor builds the public bundle, attaching one freshly minted
// one-time prekey when withOTP is set, standing in for the directory.
func bundleFor(t *testing.T, ring *Ring, withOTP bool) *Bundle {
	t.Helper()
	b := ring.PublicBundle()
	if withOTP {
		otps, err := ring.MintOneTimePrekeys(1)
		require.NoError(t, err)
		id := otps[0].ID
		pub := otps[0].Pub
		b.OneTimePrekeyID = &id
		b.OneTimePrekey = &pub
	}
	return b
}

func TestInitiateRespondAgree(t *testing.T) {
	for _, withOTP := range []bool{true, false} {
		alice := newRing(t)
		bob := newRing(t)

		ik, err := Initiate(alice.Identity(), bundleFor(t, bob, withOTP))
		require.NoError(t, err)
		assert.Equal(t, withOTP, ik.OneTimePrekeyID != nil)

		rk, err := Respond(bob, &InitialMessage{
			IdentityDH:      alice.Identity().DHPub,
			EphemeralPub:    ik.EphemeralPub,
			SignedPrekeyID:  ik.SignedPrekeyID,
			OneTimePrekeyID: ik.OneTimePrekeyID,
		})
		require.NoError(t, err)

		assert.Equal(t, ik.SecretKey, rk.SecretKey, "withOTP=%v", withOTP)
		assert.Equal(t, ik.PeerRatchetPub, rk.RatchetPub)
		assert.Equal(t, bob.Identity().DHPub, ik.PeerIdentityDH)
		assert.Equal(t, alice.Identity().DHPub, rk.PeerIdentityDH)
	}
}

func TestInitiateRejectsBadSignature(t *testing.T) {
	alice := newRing(t)
	bob := newRing(t)

	b := bundleFor(t, bob, false)
	b.SignedPrekeySig[0] ^= 0x01
	_, err := Initiate(alice.Identity(), b)
	assert.ErrorIs(t, err, ErrInvalidBundle)

	// A signature from the wrong identity must fail too.
	mallory := newRing(t)
	b = bundleFor(t, bob, false)
	b.IdentitySigning = mallory.Identity().SigningPub
	_, err = Initiate(alice.Identity(), b)
	assert.ErrorIs(t, err, ErrInvalidBundle)
}

func TestInitiateRejectsZeroKeys(t *testing.T) {
	alice := newRing(t)
	bob := newRing(t)

	b := bundleFor(t, bob, false)
	b.IdentityDH = [32]byte{}
	_, err := Initiate(alice.Identity(), b)
	assert.ErrorIs(t, err, ErrInvalidBundle)
}

func TestRespondUnknownSignedPrekey(t *testing.T) {
	alice := newRing(t)
	bob := newRing(t)

	ik, err := Initiate(alice.Identity(), bundleFor(t, bob, false))
	require.NoError(t, err)

	_, err = Respond(bob, &InitialMessage{
		IdentityDH:     alice.Identity().DHPub,
		EphemeralPub:   ik.EphemeralPub,
		SignedPrekeyID: ik.SignedPrekeyID + 99,
	})
	assert.ErrorIs(t, err, ErrUnknownSignedPrekey)
}

func TestRespondConsumesOneTimePrekeyOnce(t *testing.T) {
	alice := newRing(t)
	bob := newRing(t)

	ik, err := Initiate(alice.Identity(), bundleFor(t, bob, true))
	require.NoError(t, err)

	msg := &InitialMessage{
		IdentityDH:      alice.Identity().DHPub,
		EphemeralPub:    ik.EphemeralPub,
		SignedPrekeyID:  ik.SignedPrekeyID,
		OneTimePrekeyID: ik.OneTimePrekeyID,
	}
	_, err = Respond(bob, msg)
	require.NoError(t, err)

	_, err = Respond(bob, msg)
	assert.ErrorIs(t, err, ErrOneTimePrekeyConsumed)
}

func TestRotationKeepsOldGenerations(t *testing.T) {
	alice := newRing(t)
	bob := newRing(t)

	oldBundle := bundleFor(t, bob, false)
	ik, err := Initiate(alice.Identity(), oldBundle)
	require.NoError(t, err)

	spk2, err := bob.RotateSignedPrekey()
	require.NoError(t, err)
	assert.NotEqual(t, oldBundle.SignedPrekeyID, spk2.ID)
	assert.Equal(t, spk2.ID, bob.CurrentSignedPrekey().ID)

	// The in-flight initial message against the old generation still lands.
	_, err = Respond(bob, &InitialMessage{
		IdentityDH:     alice.Identity().DHPub,
		EphemeralPub:   ik.EphemeralPub,
		SignedPrekeyID: ik.SignedPrekeyID,
	})
	require.NoError(t, err)

	// After pruning, it does not.
	ik2, err := Initiate(alice.Identity(), oldBundle)
	require.NoError(t, err)
	bob.PruneSignedPrekeys()
	_, err = Respond(bob, &InitialMessage{
		IdentityDH:     alice.Identity().DHPub,
		EphemeralPub:   ik2.EphemeralPub,
		SignedPrekeyID: ik2.SignedPrekeyID,
	})
	assert.ErrorIs(t, err, ErrUnknownSignedPrekey)
}

func TestRingMarshalRoundTrip(t *testing.T) {
	alice := newRing(t)
	bob := newRing(t)
	_, err := bob.MintOneTimePrekeys(5)
	require.NoError(t, err)
	_, err = bob.RotateSignedPrekey()
	require.NoError(t, err)

	blob, err := bob.MarshalBinary()
	require.NoError(t, err)

	restored, err := RingFromBytes(blob)
	require.NoError(t, err)
	assert.Equal(t, bob.Identity().DHPub, restored.Identity().DHPub)
	assert.Equal(t, bob.Identity().SigningPub, restored.Identity().SigningPub)
	assert.Equal(t, bob.CurrentSignedPrekey().ID, restored.CurrentSignedPrekey().ID)
	assert.Equal(t, bob.RemainingOneTimePrekeys(), restored.RemainingOneTimePrekeys())

	// The restored ring still completes handshakes.
	ik, err := Initiate(alice.Identity(), bundleFor(t, restored, false))
	require.NoError(t, err)
	rk, err := Respond(restored, &InitialMessage{
		IdentityDH:     alice.Identity().DHPub,
		EphemeralPub:   ik.EphemeralPub,
		SignedPrekeyID: ik.SignedPrekeyID,
	})
	require.NoError(t, err)
	assert.Equal(t, ik.SecretKey, rk.SecretKey)
}

func TestRingFromBytesRejectsGarbage(t *testing.T) {
	_, err := RingFromBytes(nil)
	assert.Error(t, err)
	_, err = RingFromBytes([]byte{0x7f, 0x01, 0x02})
	assert.Error(t, err)
}
