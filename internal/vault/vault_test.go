package vault

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLockUnlockRoundTrip(t *testing.T) {
	identity := []byte("serialized identity blob")

	locked, err := Lock(identity, "correct horse battery staple")
	require.NoError(t, err)
	assert.True(t, IsLocked(locked))
	assert.NotContains(t, string(locked), "serialized")

	unlocked, err := Unlock(locked, "correct horse battery staple")
	require.NoError(t, err)
	assert.Equal(t, identity, unlocked)
}

func TestUnlockWrongPassword(t *testing.T) {
	locked, err := Lock([]byte("secret"), "right")
	require.NoError(t, err)

	_, err = Unlock(locked, "wrong")
	assert.ErrorIs(t, err, ErrVaultUnlockFailed)
}

func TestUnlockCorruptBlob(t *testing.T) {
	locked, err := Lock([]byte("secret"), "pw")
	require.NoError(t, err)

	tampered := append([]byte(nil), locked...)
	tampered[len(tampered)-1] ^= 0x01
	_, err = Unlock(tampered, "pw")
	assert.ErrorIs(t, err, ErrVaultUnlockFailed)

	_, err = Unlock([]byte{Version, 0x01}, "pw")
	assert.ErrorIs(t, err, ErrVaultUnlockFailed)
	_, err = Unlock(nil, "pw")
	assert.ErrorIs(t, err, ErrVaultUnlockFailed)
}

func TestLockSaltsEveryBlob(t *testing.T) {
	a, err := Lock([]byte("same plaintext"), "pw")
	require.NoError(t, err)
	b, err := Lock([]byte("same plaintext"), "pw")
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestIsLocked(t *testing.T) {
	assert.False(t, IsLocked(nil))
	assert.False(t, IsLocked([]byte{0x42}))
	assert.True(t, IsLocked([]byte{Version}))
}
