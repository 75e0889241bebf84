package session

import (
	"encoding/binary"
	"errors"

	"github.com/chai-im/chai/internal/crypto"
	"github.com/chai-im/chai/internal/keys"
	"github.com/chai-im/chai/internal/ratchet"
)

// Envelope wire layout, all integers big-endian:
//
//	envelope = version(1) || flags(1) || [initial] || header || body
//	initial  = identity_pub(32) || ephemeral_pub(32) || spk_id(u32) || otp_flag(1) || otp_id(u32 if flag)
//	header   = dh_send_pub(32) || pn(u32) || n(u32)
//	body     = ciphertext_len(u32) || ciphertext
//
// flags bit 0 marks the presence of the initial block.
const (
	EnvelopeVersion = 0x01

	flagInitial = 0x01
)

var (
	// ErrBadEnvelope is returned for envelopes that do not parse.
	ErrBadEnvelope = errors.New("chai: malformed envelope")
)

// Envelope is one encrypted message on the wire. Initial is non-nil for
// session-establishing envelopes from a new initiator.
type Envelope struct {
	Initial    *keys.InitialMessage
	Header     ratchet.Header
	Ciphertext []byte
}

// Encode serializes the envelope.
func (e *Envelope) Encode() []byte {
	size := 2 + ratchet.EncodedHeaderSize + 4 + len(e.Ciphertext)
	if e.Initial != nil {
		size += 32 + 32 + 4 + 1 + 4
	}
	buf := make([]byte, 0, size)
	buf = append(buf, EnvelopeVersion)
	var flags byte
	if e.Initial != nil {
		flags |= flagInitial
	}
	buf = append(buf, flags)

	if init := e.Initial; init != nil {
		buf = append(buf, init.IdentityDH[:]...)
		buf = append(buf, init.EphemeralPub[:]...)
		buf = binary.BigEndian.AppendUint32(buf, init.SignedPrekeyID)
		if init.OneTimePrekeyID != nil {
			buf = append(buf, 1)
			buf = binary.BigEndian.AppendUint32(buf, *init.OneTimePrekeyID)
		} else {
			buf = append(buf, 0)
		}
	}

	buf = append(buf, e.Header.Encode()...)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(e.Ciphertext)))
	buf = append(buf, e.Ciphertext...)
	return buf
}

// DecodeEnvelope reverses Encode.
func DecodeEnvelope(data []byte) (*Envelope, error) {
	if len(data) < 2 {
		return nil, ErrBadEnvelope
	}
	if data[0] != EnvelopeVersion {
		return nil, ErrBadEnvelope
	}
	flags := data[1]
	data = data[2:]

	e := &Envelope{}
	if flags&flagInitial != 0 {
		if len(data) < 32+32+4+1 {
			return nil, ErrBadEnvelope
		}
		init := &keys.InitialMessage{}
		copy(init.IdentityDH[:], data[:32])
		copy(init.EphemeralPub[:], data[32:64])
		init.SignedPrekeyID = binary.BigEndian.Uint32(data[64:])
		otpFlag := data[68]
		data = data[69:]
		if otpFlag != 0 {
			if len(data) < 4 {
				return nil, ErrBadEnvelope
			}
			id := binary.BigEndian.Uint32(data)
			init.OneTimePrekeyID = &id
			data = data[4:]
		}
		if crypto.IsZero(init.IdentityDH[:]) || crypto.IsZero(init.EphemeralPub[:]) {
			return nil, ErrBadEnvelope
		}
		e.Initial = init
	}

	if len(data) < ratchet.EncodedHeaderSize+4 {
		return nil, ErrBadEnvelope
	}
	h, err := ratchet.DecodeHeader(data[:ratchet.EncodedHeaderSize])
	if err != nil {
		return nil, ErrBadEnvelope
	}
	e.Header = h
	data = data[ratchet.EncodedHeaderSize:]

	ctLen := binary.BigEndian.Uint32(data)
	data = data[4:]
	if uint32(len(data)) != ctLen {
		return nil, ErrBadEnvelope
	}
	e.Ciphertext = append([]byte(nil), data...)
	return e, nil
}
