package session

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chai-im/chai/internal/keys"
	"github.com/chai-im/chai/internal/ratchet"
)

func TestEnvelopeWireLayout(t *testing.T) {
	var h ratchet.Header
	for i := range h.DHPub {
		h.DHPub[i] = byte(i + 1)
	}
	h.PN = 0x01020304
	h.N = 0x0A0B0C0D
	env := &Envelope{Header: h, Ciphertext: []byte{0xDE, 0xAD, 0xBE, 0xEF}}

	wire := env.Encode()
	require.Len(t, wire, 2+40+4+4)

	assert.Equal(t, byte(EnvelopeVersion), wire[0])
	assert.Equal(t, byte(0), wire[1], "no initial flag")
	assert.Equal(t, h.DHPub[:], wire[2:34])
	assert.Equal(t, uint32(0x01020304), binary.BigEndian.Uint32(wire[34:38]))
	assert.Equal(t, uint32(0x0A0B0C0D), binary.BigEndian.Uint32(wire[38:42]))
	assert.Equal(t, uint32(4), binary.BigEndian.Uint32(wire[42:46]))
	assert.Equal(t, []byte{0xDE, 0xAD, 0xBE, 0xEF}, wire[46:])
}

func TestEnvelopeInitialBlockLayout(t *testing.T) {
	otpID := uint32(7)
	init := &keys.InitialMessage{SignedPrekeyID: 1, OneTimePrekeyID: &otpID}
	for i := range init.IdentityDH {
		init.IdentityDH[i] = 0xAA
		init.EphemeralPub[i] = 0xBB
	}
	var h ratchet.Header
	h.DHPub[0] = 0xCC
	env := &Envelope{Initial: init, Header: h, Ciphertext: []byte{0x01}}

	wire := env.Encode()
	require.Len(t, wire, 2+(32+32+4+1+4)+40+4+1)

	assert.Equal(t, byte(0x01), wire[1], "initial flag set")
	// The initial block precedes the header.
	assert.Equal(t, init.IdentityDH[:], wire[2:34])
	assert.Equal(t, init.EphemeralPub[:], wire[34:66])
	assert.Equal(t, uint32(1), binary.BigEndian.Uint32(wire[66:70]))
	assert.Equal(t, byte(1), wire[70], "otp flag")
	assert.Equal(t, uint32(7), binary.BigEndian.Uint32(wire[71:75]))
	assert.Equal(t, byte(0xCC), wire[75], "header follows the initial block")

	decoded, err := DecodeEnvelope(wire)
	require.NoError(t, err)
	require.NotNil(t, decoded.Initial)
	assert.Equal(t, init.SignedPrekeyID, decoded.Initial.SignedPrekeyID)
	require.NotNil(t, decoded.Initial.OneTimePrekeyID)
	assert.Equal(t, otpID, *decoded.Initial.OneTimePrekeyID)
	assert.Equal(t, env.Ciphertext, decoded.Ciphertext)
	assert.Equal(t, h, decoded.Header)
}

func TestDecodeEnvelopeRejectsGarbage(t *testing.T) {
	lyingLength := append([]byte{0x01, 0x00}, make([]byte, 40)...)
	lyingLength = append(lyingLength, 0x00, 0x00, 0x00, 0x05) // claims 5 ciphertext bytes, carries none
	cases := [][]byte{
		nil,
		{0x02, 0x00},             // wrong version
		{0x01},                   // truncated
		{0x01, 0x00, 0x01, 0x02}, // short header
		{0x01, 0x01, 0x00},       // initial flag but no block
		lyingLength,
	}
	for i, data := range cases {
		_, err := DecodeEnvelope(data)
		assert.Error(t, err, "case %d", i)
	}
}
