package util

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdsa"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/crypto"
)

// Hex2Bytes decodes a hex string, accepting an optional "0x" prefix.
func Hex2Bytes(s string) ([]byte, error) {
	s = trimHexPrefix(s)
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decode hex %q: %w", s, err)
	}
	return b, nil
}

func trimHexPrefix(s string) string {
	if len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		return s[2:]
	}
	return s
}

// Decrypt recovers an operator private key that was AES-GCM encrypted at
// rest (spec §9/§6: key material never leaves operator-controlled config;
// the Orchestrator decrypts it once at startup using a separately
// supplied symmetric key, mirroring the teacher's env-var-encrypted-PK
// pattern in cmd/main.go).
func Decrypt(key []byte, ciphertextHex string) (*ecdsa.PrivateKey, error) {
	raw, err := Hex2Bytes(ciphertextHex)
	if err != nil {
		return nil, fmt.Errorf("decode ciphertext: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("new gcm: %w", err)
	}
	if len(raw) < gcm.NonceSize() {
		return nil, errors.New("ciphertext shorter than nonce size")
	}
	nonce, data := raw[:gcm.NonceSize()], raw[gcm.NonceSize():]
	plain, err := gcm.Open(nil, nonce, data, nil)
	if err != nil {
		return nil, fmt.Errorf("decrypt: %w", err)
	}
	pkHex := trimHexPrefix(string(plain))
	pk, err := crypto.HexToECDSA(pkHex)
	if err != nil {
		return nil, fmt.Errorf("parse decrypted private key: %w", err)
	}
	return pk, nil
}
