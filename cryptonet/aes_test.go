package cryptonet

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAESRoundTrip(t *testing.T) {
	key, err := generateAESKey()
	require.NoError(t, err)

	for _, plaintext := range [][]byte{
		[]byte("a"),
		[]byte("exactly sixteen."),
		bytes.Repeat([]byte("x"), 1000),
	} {
		ciphertext, err := encryptAES(key, plaintext)
		require.NoError(t, err)
		decoded, err := decryptAES(key, ciphertext)
		require.NoError(t, err)
		require.Equal(t, plaintext, decoded)
	}
}

func TestAESDistinctIVsPerCall(t *testing.T) {
	key, err := generateAESKey()
	require.NoError(t, err)

	c1, err := encryptAES(key, []byte("same plaintext"))
	require.NoError(t, err)
	c2, err := encryptAES(key, []byte("same plaintext"))
	require.NoError(t, err)
	require.NotEqual(t, c1, c2, "random IV must make repeated plaintext unlinkable on the wire")
}

func TestAESWrongKeyFails(t *testing.T) {
	key1, err := generateAESKey()
	require.NoError(t, err)
	key2, err := generateAESKey()
	require.NoError(t, err)

	ciphertext, err := encryptAES(key1, []byte("hello world, this is long enough"))
	require.NoError(t, err)

	_, err = decryptAES(key2, ciphertext)
	require.Error(t, err)
}
