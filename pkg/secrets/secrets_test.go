package secrets

import (
	"bytes"
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testKey(t *testing.T) []byte {
	t.Helper()
	key := make([]byte, 32)
	_, err := rand.Read(key)
	require.NoError(t, err)
	return key
}

func TestSealOpenRoundTrip(t *testing.T) {
	box, err := New(testKey(t))
	require.NoError(t, err)

	plaintext := []byte("agent-secret-token")
	sealed, err := box.Seal(plaintext)
	require.NoError(t, err)
	assert.NotEqual(t, plaintext, sealed)

	opened, err := box.Open(sealed)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(plaintext, opened))
}

func TestNonceIsRandomPerSeal(t *testing.T) {
	box, err := New(testKey(t))
	require.NoError(t, err)

	a, err := box.Seal([]byte("same"))
	require.NoError(t, err)
	b, err := box.Seal([]byte("same"))
	require.NoError(t, err)
	assert.NotEqual(t, a, b, "GCM nonce must differ per encryption")
}

func TestOpenRejectsTamperedCiphertext(t *testing.T) {
	box, err := New(testKey(t))
	require.NoError(t, err)

	sealed, err := box.Seal([]byte("payload"))
	require.NoError(t, err)
	sealed[len(sealed)-1] ^= 0xFF

	_, err = box.Open(sealed)
	assert.Error(t, err)
}

func TestKeyLengthValidation(t *testing.T) {
	_, err := New(make([]byte, 16))
	assert.ErrorContains(t, err, "32 bytes")
}

func TestSealStringRoundTrip(t *testing.T) {
	box, err := New(testKey(t))
	require.NoError(t, err)

	encoded, err := box.SealString("hunter2")
	require.NoError(t, err)

	decoded, err := box.OpenString(encoded)
	require.NoError(t, err)
	assert.Equal(t, "hunter2", decoded)
}

func TestOpenShortCiphertext(t *testing.T) {
	box, err := New(testKey(t))
	require.NoError(t, err)
	_, err = box.Open([]byte{1, 2, 3})
	assert.ErrorContains(t, err, "shorter than nonce")
}
