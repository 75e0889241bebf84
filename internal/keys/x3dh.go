package keys

import (
	"github.com/chai-im/chai/internal/crypto"
)

const x3dhInfo = "chai/x3dh/v1"

// x3dhPrefix is the domain-separation constant prepended to the
// concatenated DH outputs before key derivation.
var x3dhPrefix = func() []byte {
	p := make([]byte, 32)
	for i := range p {
		p[i] = 0xFF
	}
	return p
}()

// InitialKeys is the initiator's output of X3DH: the shared secret plus
// everything the first envelope must carry so the responder can rerun the
// agreement.
type InitialKeys struct {
	SecretKey       [crypto.KeySize]byte
	EphemeralPub    [crypto.KeySize]byte
	SignedPrekeyID  uint32
	OneTimePrekeyID *uint32

	// PeerRatchetPub seeds the initiator's first DH ratchet turn; it is the
	// responder's signed prekey.
	PeerRatchetPub [crypto.KeySize]byte

	// PeerIdentityDH is bound to the session at agreement time.
	PeerIdentityDH [crypto.KeySize]byte
}

// InitialMessage is the responder's view of the X3DH material carried by
// an initial envelope.
type InitialMessage struct {
	IdentityDH      [crypto.KeySize]byte
	EphemeralPub    [crypto.KeySize]byte
	SignedPrekeyID  uint32
	OneTimePrekeyID *uint32
}

// Initiate runs X3DH as the initiator against a peer's bundle.
//
//	DH1 = DH(IKa, SPKb)
//	DH2 = DH(EKa, IKb)
//	DH3 = DH(EKa, SPKb)
//	DH4 = DH(EKa, OPKb)   when the bundle carries a one-time prekey
func Initiate(id *Identity, bundle *Bundle) (*InitialKeys, error) {
	if err := bundle.Verify(); err != nil {
		return nil, err
	}

	ephPriv, ephPub, err := crypto.GenerateDHKey()
	if err != nil {
		return nil, err
	}

	dh1, err := crypto.DH(id.dhPriv, bundle.SignedPrekey)
	if err != nil {
		return nil, err
	}
	dh2, err := crypto.DH(ephPriv, bundle.IdentityDH)
	if err != nil {
		return nil, err
	}
	dh3, err := crypto.DH(ephPriv, bundle.SignedPrekey)
	if err != nil {
		return nil, err
	}

	ikm := concatDH(dh1, dh2, dh3)
	var otpID *uint32
	if bundle.OneTimePrekey != nil && bundle.OneTimePrekeyID != nil {
		dh4, err := crypto.DH(ephPriv, *bundle.OneTimePrekey)
		if err != nil {
			return nil, err
		}
		ikm = append(ikm, dh4[:]...)
		v := *bundle.OneTimePrekeyID
		otpID = &v
	}

	sk, err := deriveSecret(ikm)
	if err != nil {
		return nil, err
	}
	crypto.Wipe(ephPriv[:])

	return &InitialKeys{
		SecretKey:       sk,
		EphemeralPub:    ephPub,
		SignedPrekeyID:  bundle.SignedPrekeyID,
		OneTimePrekeyID: otpID,
		PeerRatchetPub:  bundle.SignedPrekey,
		PeerIdentityDH:  bundle.IdentityDH,
	}, nil
}

// ResponderKeys is the responder's output of X3DH: the shared secret plus
// the signed prekey pair that seeds its ratchet.
type ResponderKeys struct {
	SecretKey [crypto.KeySize]byte

	// RatchetPriv / RatchetPub are the responder's signed prekey pair; the
	// initiator's first DH ratchet turn was computed against RatchetPub.
	RatchetPriv [crypto.KeySize]byte
	RatchetPub  [crypto.KeySize]byte

	PeerIdentityDH [crypto.KeySize]byte
}

// Respond reruns X3DH as the responder from an initial message. The named
// one-time prekey, when present, is consumed: a second Respond with the
// same id fails with ErrOneTimePrekeyConsumed.
func Respond(r *Ring, msg *InitialMessage) (*ResponderKeys, error) {
	spk, ok := r.signedPrekey(msg.SignedPrekeyID)
	if !ok {
		return nil, ErrUnknownSignedPrekey
	}

	var otp *OneTimePrekey
	if msg.OneTimePrekeyID != nil {
		otp, ok = r.takeOneTimePrekey(*msg.OneTimePrekeyID)
		if !ok {
			return nil, ErrOneTimePrekeyConsumed
		}
	}

	id := r.Identity()
	dh1, err := crypto.DH(spk.priv, msg.IdentityDH)
	if err != nil {
		return nil, err
	}
	dh2, err := crypto.DH(id.dhPriv, msg.EphemeralPub)
	if err != nil {
		return nil, err
	}
	dh3, err := crypto.DH(spk.priv, msg.EphemeralPub)
	if err != nil {
		return nil, err
	}

	ikm := concatDH(dh1, dh2, dh3)
	if otp != nil {
		dh4, err := crypto.DH(otp.priv, msg.EphemeralPub)
		if err != nil {
			return nil, err
		}
		ikm = append(ikm, dh4[:]...)
		crypto.Wipe(otp.priv[:])
	}

	sk, err := deriveSecret(ikm)
	if err != nil {
		return nil, err
	}

	return &ResponderKeys{
		SecretKey:      sk,
		RatchetPriv:    spk.priv,
		RatchetPub:     spk.Pub,
		PeerIdentityDH: msg.IdentityDH,
	}, nil
}

func concatDH(parts ...[crypto.KeySize]byte) []byte {
	ikm := make([]byte, 0, len(x3dhPrefix)+len(parts)*crypto.KeySize)
	ikm = append(ikm, x3dhPrefix...)
	for i := range parts {
		ikm = append(ikm, parts[i][:]...)
	}
	return ikm
}

func deriveSecret(ikm []byte) ([crypto.KeySize]byte, error) {
	var sk [crypto.KeySize]byte
	salt := make([]byte, 32)
	out, err := crypto.HKDF(salt, ikm, []byte(x3dhInfo), crypto.KeySize)
	if err != nil {
		return sk, err
	}
	copy(sk[:], out)
	crypto.Wipe(ikm)
	return sk, nil
}
