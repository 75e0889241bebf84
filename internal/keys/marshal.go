package keys

import (
	"crypto/ed25519"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/chai-im/chai/internal/crypto"
)

// ringVersion tags serialized rings; bump on layout changes.
const ringVersion = 0x01

// MarshalBinary serializes the full ring, private halves included. The
// output is the "identity blob" of the protocol: it never leaves the
// device except wrapped by the vault.
func (r *Ring) MarshalBinary() ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	buf := make([]byte, 0, 512)
	buf = append(buf, ringVersion)

	buf = append(buf, r.identity.signingPriv...)
	buf = append(buf, r.identity.SigningPub...)
	buf = append(buf, r.identity.dhPriv[:]...)
	buf = append(buf, r.identity.DHPub[:]...)

	buf = binary.BigEndian.AppendUint32(buf, r.currentSPK)
	buf = binary.BigEndian.AppendUint32(buf, r.nextSPKID)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(r.signedPrekeys)))
	for _, spk := range r.signedPrekeys {
		buf = binary.BigEndian.AppendUint32(buf, spk.ID)
		buf = append(buf, spk.priv[:]...)
		buf = append(buf, spk.Pub[:]...)
		buf = binary.BigEndian.AppendUint16(buf, uint16(len(spk.Signature)))
		buf = append(buf, spk.Signature...)
	}

	buf = binary.BigEndian.AppendUint32(buf, r.nextOTPID)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(r.oneTime)))
	for _, otp := range r.oneTime {
		buf = binary.BigEndian.AppendUint32(buf, otp.ID)
		buf = append(buf, otp.priv[:]...)
		buf = append(buf, otp.Pub[:]...)
	}
	return buf, nil
}

// RingFromBytes reverses MarshalBinary.
func RingFromBytes(data []byte) (*Ring, error) {
	p := &parser{data: data}
	if v := p.byte(); v != ringVersion {
		return nil, fmt.Errorf("chai: unsupported ring version 0x%02x", v)
	}

	id := &Identity{
		signingPriv: ed25519.PrivateKey(p.bytes(ed25519.PrivateKeySize)),
		SigningPub:  ed25519.PublicKey(p.bytes(ed25519.PublicKeySize)),
	}
	copy(id.dhPriv[:], p.bytes(crypto.KeySize))
	copy(id.DHPub[:], p.bytes(crypto.KeySize))

	r := &Ring{
		identity:      id,
		signedPrekeys: make(map[uint32]*SignedPrekey),
		oneTime:       make(map[uint32]*OneTimePrekey),
	}
	r.currentSPK = p.uint32()
	r.nextSPKID = p.uint32()
	nSPK := p.uint32()
	for i := uint32(0); i < nSPK && p.err == nil; i++ {
		spk := &SignedPrekey{ID: p.uint32()}
		copy(spk.priv[:], p.bytes(crypto.KeySize))
		copy(spk.Pub[:], p.bytes(crypto.KeySize))
		spk.Signature = p.bytes(int(p.uint16()))
		r.signedPrekeys[spk.ID] = spk
	}

	r.nextOTPID = p.uint32()
	nOTP := p.uint32()
	for i := uint32(0); i < nOTP && p.err == nil; i++ {
		otp := &OneTimePrekey{ID: p.uint32()}
		copy(otp.priv[:], p.bytes(crypto.KeySize))
		copy(otp.Pub[:], p.bytes(crypto.KeySize))
		r.oneTime[otp.ID] = otp
	}

	if p.err != nil {
		return nil, p.err
	}
	if crypto.IsZero(id.DHPub[:]) || crypto.IsZero(id.SigningPub) {
		return nil, errors.New("chai: ring blob carries zero identity keys")
	}
	if _, ok := r.signedPrekeys[r.currentSPK]; !ok {
		return nil, errors.New("chai: ring blob missing current signed prekey")
	}
	return r, nil
}

// parser is a tiny cursor over a binary blob; the first short read sticks
// in err and poisons every later call.
type parser struct {
	data []byte
	err  error
}

func (p *parser) byte() byte {
	b := p.bytes(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (p *parser) bytes(n int) []byte {
	if p.err != nil {
		return nil
	}
	if n < 0 || len(p.data) < n {
		p.err = errors.New("chai: truncated blob")
		return nil
	}
	out := append([]byte(nil), p.data[:n]...)
	p.data = p.data[n:]
	return out
}

func (p *parser) uint16() uint16 {
	b := p.bytes(2)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint16(b)
}

func (p *parser) uint32() uint32 {
	b := p.bytes(4)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint32(b)
}
