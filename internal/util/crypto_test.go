package util

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"testing"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHex2Bytes(t *testing.T) {
	b, err := Hex2Bytes("0xdeadbeef")
	require.NoError(t, err)
	assert.Equal(t, []byte{0xde, 0xad, 0xbe, 0xef}, b)

	b2, err := Hex2Bytes("deadbeef")
	require.NoError(t, err)
	assert.Equal(t, b, b2)
}

func TestDecryptRoundTrip(t *testing.T) {
	pk, err := crypto.GenerateKey()
	require.NoError(t, err)
	pkHex := hex.EncodeToString(crypto.FromECDSA(pk))

	key := make([]byte, 32)
	_, err = rand.Read(key)
	require.NoError(t, err)

	block, err := aes.NewCipher(key)
	require.NoError(t, err)
	gcm, err := cipher.NewGCM(block)
	require.NoError(t, err)
	nonce := make([]byte, gcm.NonceSize())
	_, err = rand.Read(nonce)
	require.NoError(t, err)

	sealed := gcm.Seal(nonce, nonce, []byte(pkHex), nil)
	ciphertextHex := hex.EncodeToString(sealed)

	recovered, err := Decrypt(key, ciphertextHex)
	require.NoError(t, err)
	assert.Equal(t, pk.D, recovered.D)
}

func TestDecryptRejectsShortCiphertext(t *testing.T) {
	key := make([]byte, 32)
	_, err := Decrypt(key, "00")
	assert.Error(t, err)
}
