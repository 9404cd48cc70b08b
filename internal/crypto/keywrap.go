package crypto

import (
	"crypto/aes"
	"fmt"

	keywrap "github.com/NickBall/go-aes-key-wrap"
)

// Wrap encrypts plaintext keys under kek with the AES key wrap algorithm
// (RFC 3394). plaintext must be a multiple of 8 bytes and at least 16.
func Wrap(kek, plaintext []byte) ([]byte, error) {
	if len(plaintext)%8 != 0 || len(plaintext) < 16 {
		return nil, fmt.Errorf("crypto: wrap input length %d", len(plaintext))
	}
	block, err := aes.NewCipher(kek)
	if err != nil {
		return nil, fmt.Errorf("crypto: wrap: %w", err)
	}
	out, err := keywrap.Wrap(block, plaintext)
	if err != nil {
		return nil, fmt.Errorf("crypto: wrap: %w", err)
	}
	return out, nil
}

// Unwrap reverses Wrap. A mismatched kek is reported as ErrIntegrity.
func Unwrap(kek, ciphertext []byte) ([]byte, error) {
	if len(ciphertext)%8 != 0 || len(ciphertext) < 24 {
		return nil, fmt.Errorf("crypto: unwrap input length %d: %w", len(ciphertext), ErrBadKeyMaterial)
	}
	block, err := aes.NewCipher(kek)
	if err != nil {
		return nil, fmt.Errorf("crypto: unwrap: %w", err)
	}
	out, err := keywrap.Unwrap(block, ciphertext)
	if err != nil {
		// Lengths are checked above, so the only failure left is the
		// integrity check.
		return nil, fmt.Errorf("%w: %w", ErrIntegrity, err)
	}
	return out, nil
}
