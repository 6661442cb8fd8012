package cryptonet

import (
	"bytes"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"fmt"

	"github.com/nest-crdt/distributor/internal/frame"
)

// rsaPortionOverhead is the fixed per-portion overhead reserved out of the
// modulus for OAEP padding plus headroom: every plaintext chunk is capped
// at modulus_bytes-45 bytes, regardless of the hash function's own
// narrower overhead, so the chunk boundary matches the wire contract
// exactly rather than drifting with the padding scheme.
const rsaPortionOverhead = 45

// encryptRSA encrypts plaintext for pub, splitting it into as many
// modulus-sized portions as needed. Each portion is itself length-prefixed
// with the same decimal-then-NUL encoding internal/frame uses for the
// outer transport, so a reader can pull portions off the concatenated
// ciphertext without a separate block-count header.
func encryptRSA(pub *rsa.PublicKey, plaintext []byte) ([]byte, error) {
	modulusSize := pub.Size()
	maxChunk := modulusSize - rsaPortionOverhead
	if maxChunk <= 0 {
		return nil, fmt.Errorf("cryptonet: RSA key too small for chunked encryption")
	}

	var out bytes.Buffer
	wrote := false
	for len(plaintext) > 0 {
		n := maxChunk
		if n > len(plaintext) {
			n = len(plaintext)
		}
		portion, err := rsa.EncryptOAEP(sha1.New(), rand.Reader, pub, plaintext[:n], nil)
		if err != nil {
			return nil, fmt.Errorf("cryptonet: rsa encrypt: %w", err)
		}
		if err := frame.Write(&out, portion); err != nil {
			return nil, err
		}
		plaintext = plaintext[n:]
		wrote = true
	}
	if !wrote {
		portion, err := rsa.EncryptOAEP(sha1.New(), rand.Reader, pub, nil, nil)
		if err != nil {
			return nil, fmt.Errorf("cryptonet: rsa encrypt: %w", err)
		}
		if err := frame.Write(&out, portion); err != nil {
			return nil, err
		}
	}
	return out.Bytes(), nil
}

// decryptRSA reverses encryptRSA, scanning the concatenated ciphertext as a
// sequence of length-prefixed portions and decrypting each in turn.
func decryptRSA(priv *rsa.PrivateKey, ciphertext []byte) ([]byte, error) {
	var scanner frame.Scanner
	portions := scanner.Feed(ciphertext)

	var out bytes.Buffer
	for _, portion := range portions {
		plain, err := rsa.DecryptOAEP(sha1.New(), rand.Reader, priv, portion, nil)
		if err != nil {
			return nil, fmt.Errorf("cryptonet: rsa decrypt: %w", err)
		}
		out.Write(plain)
	}
	return out.Bytes(), nil
}
