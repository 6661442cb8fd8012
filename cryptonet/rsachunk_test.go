package cryptonet

import (
	"bytes"
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRSAChunkRoundTrip(t *testing.T) {
	priv, err := GenerateKeyPair()
	require.NoError(t, err)

	cases := [][]byte{
		nil,
		[]byte("x"),
		[]byte("a modest handshake payload"),
		make([]byte, 500), // forces multiple OAEP blocks at 2048 bits
	}
	_, _ = rand.Read(cases[3])

	for _, plaintext := range cases {
		ciphertext, err := encryptRSA(&priv.PublicKey, plaintext)
		require.NoError(t, err)
		decoded, err := decryptRSA(priv, ciphertext)
		require.NoError(t, err)
		require.True(t, bytes.Equal(plaintext, decoded) || (len(plaintext) == 0 && len(decoded) == 0))
	}
}

func TestRSAChunkWrongKeyFails(t *testing.T) {
	priv1, err := GenerateKeyPair()
	require.NoError(t, err)
	priv2, err := GenerateKeyPair()
	require.NoError(t, err)

	ciphertext, err := encryptRSA(&priv1.PublicKey, []byte("secret"))
	require.NoError(t, err)

	_, err = decryptRSA(priv2, ciphertext)
	require.Error(t, err)
}
