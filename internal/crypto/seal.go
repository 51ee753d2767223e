// Package crypto implements handshake signatures and at-rest sealing of API key secrets.
package crypto

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// MasterKeyLen is the size of the key that seals API key secrets.
const MasterKeyLen = chacha20poly1305.KeySize

// RandBytes returns n cryptographically secure random bytes.
func RandBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	_, err := rand.Read(b)
	return b, err
}

// ParseMasterKey decodes a hex master key and checks its length.
func ParseMasterKey(s string) ([]byte, error) {
	k, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("master key: %w", err)
	}
	if len(k) != MasterKeyLen {
		return nil, fmt.Errorf("master key: want %d bytes, got %d", MasterKeyLen, len(k))
	}
	return k, nil
}

// SealSecret encrypts an API key secret with XChaCha20-Poly1305 under master.
// The key token is bound as AAD so a sealed secret cannot be moved to another row.
// Output layout: nonce || ciphertext.
func SealSecret(master []byte, token string, secret []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(master)
	if err != nil {
		return nil, err
	}
	nonce, err := RandBytes(chacha20poly1305.NonceSizeX)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(nonce)+len(secret)+aead.Overhead())
	out = append(out, nonce...)
	out = append(out, aead.Seal(nil, nonce, secret, []byte(token))...)
	return out, nil
}

// OpenSecret reverses SealSecret.
func OpenSecret(master []byte, token string, sealed []byte) ([]byte, error) {
	if len(sealed) < chacha20poly1305.NonceSizeX {
		return nil, errors.New("sealed secret too short")
	}
	aead, err := chacha20poly1305.NewX(master)
	if err != nil {
		return nil, err
	}
	nonce := sealed[:chacha20poly1305.NonceSizeX]
	ct := sealed[chacha20poly1305.NonceSizeX:]
	return aead.Open(nil, nonce, ct, []byte(token))
}
