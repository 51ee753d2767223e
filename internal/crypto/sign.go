package crypto

import (
	"encoding/base64"

	"github.com/golang-jwt/jwt/v5"
)

// Sign returns the base64 (standard, padded) HMAC-SHA256 of message under secret.
func Sign(secret []byte, message string) (string, error) {
	sig, err := jwt.SigningMethodHS256.Sign(message, secret)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(sig), nil
}

// VerifySignature reports whether signature is the HMAC-SHA256 of message under secret.
// The comparison is constant time.
func VerifySignature(secret []byte, message, signature string) bool {
	sig, err := base64.StdEncoding.DecodeString(signature)
	if err != nil {
		return false
	}
	return jwt.SigningMethodHS256.Verify(message, sig, secret) == nil
}
