package ratchet

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/chai-im/chai/internal/crypto"
)

// stateVersion tags serialized ratchet state; bump on layout changes.
const stateVersion = 0x01

// MarshalBinary serializes the full state, skipped cache included, in
// cache insertion order so eviction order survives a round-trip.
func (s *State) MarshalBinary() ([]byte, error) {
	buf := make([]byte, 0, 256+s.skipped.len()*(crypto.KeySize*2+4))
	buf = append(buf, stateVersion)
	for _, k := range [][crypto.KeySize]byte{s.DHsPriv, s.DHsPub, s.DHr, s.RK, s.CKs, s.CKr} {
		buf = append(buf, k[:]...)
	}
	buf = binary.BigEndian.AppendUint32(buf, s.Ns)
	buf = binary.BigEndian.AppendUint32(buf, s.Nr)
	buf = binary.BigEndian.AppendUint32(buf, s.PN)

	buf = binary.BigEndian.AppendUint32(buf, uint32(s.skipped.len()))
	s.skipped.entries(func(pub [crypto.KeySize]byte, n uint32, mk [crypto.KeySize]byte) {
		buf = append(buf, pub[:]...)
		buf = binary.BigEndian.AppendUint32(buf, n)
		buf = append(buf, mk[:]...)
	})

	buf = binary.BigEndian.AppendUint32(buf, uint32(len(s.retired)))
	for pub := range s.retired {
		buf = append(buf, pub[:]...)
	}
	return buf, nil
}

// StateFromBytes reverses MarshalBinary.
func StateFromBytes(data []byte) (*State, error) {
	if len(data) < 1 {
		return nil, errors.New("chai: empty ratchet state")
	}
	if data[0] != stateVersion {
		return nil, fmt.Errorf("chai: unsupported ratchet state version 0x%02x", data[0])
	}
	data = data[1:]

	need := 6*crypto.KeySize + 12
	if len(data) < need {
		return nil, errors.New("chai: truncated ratchet state")
	}
	s := &State{
		skipped: newSkipCache(),
		retired: make(map[[crypto.KeySize]byte]struct{}),
	}
	for _, dst := range []*[crypto.KeySize]byte{&s.DHsPriv, &s.DHsPub, &s.DHr, &s.RK, &s.CKs, &s.CKr} {
		copy(dst[:], data[:crypto.KeySize])
		data = data[crypto.KeySize:]
	}
	s.Ns = binary.BigEndian.Uint32(data)
	s.Nr = binary.BigEndian.Uint32(data[4:])
	s.PN = binary.BigEndian.Uint32(data[8:])
	data = data[12:]

	if len(data) < 4 {
		return nil, errors.New("chai: truncated ratchet state")
	}
	nSkipped := binary.BigEndian.Uint32(data)
	data = data[4:]
	const entrySize = crypto.KeySize + 4 + crypto.KeySize
	if uint32(len(data)) < nSkipped*entrySize {
		return nil, errors.New("chai: truncated skipped-key entries")
	}
	for i := uint32(0); i < nSkipped; i++ {
		var pub, mk [crypto.KeySize]byte
		copy(pub[:], data[:crypto.KeySize])
		n := binary.BigEndian.Uint32(data[crypto.KeySize:])
		copy(mk[:], data[crypto.KeySize+4:entrySize])
		data = data[entrySize:]
		if err := s.skipped.put(pub, n, mk); err != nil {
			return nil, err
		}
	}

	if len(data) < 4 {
		return nil, errors.New("chai: truncated ratchet state")
	}
	nRetired := binary.BigEndian.Uint32(data)
	data = data[4:]
	if uint32(len(data)) < nRetired*crypto.KeySize {
		return nil, errors.New("chai: truncated retired-chain entries")
	}
	for i := uint32(0); i < nRetired; i++ {
		var pub [crypto.KeySize]byte
		copy(pub[:], data[:crypto.KeySize])
		data = data[crypto.KeySize:]
		s.retired[pub] = struct{}{}
	}
	if len(data) != 0 {
		return nil, errors.New("chai: trailing bytes in ratchet state")
	}
	return s, nil
}
