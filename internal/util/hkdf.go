package util

import (
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const (
	HKDFKeyLength = 32
	// MinSecretLength is the shortest operator-supplied secret accepted as
	// HKDF input keying material.
	MinSecretLength = 32
)

func HKDF(seed []byte, salt []byte, info []byte) ([]byte, error) {
	h := hkdf.New(sha256.New, seed, salt, info)
	k := make([]byte, HKDFKeyLength)
	if _, err := io.ReadFull(h, k); err != nil {
		return nil, fmt.Errorf("reading from HKDF: %w", err)
	}
	return k, nil
}

// DeriveKey derives a purpose-bound key from a long-lived operator secret.
// Distinct purposes yield independent keys from the same secret.
func DeriveKey(secret []byte, purpose string) ([]byte, error) {
	if len(secret) < MinSecretLength {
		return nil, fmt.Errorf("secret must be at least %d bytes, got %d", MinSecretLength, len(secret))
	}
	return HKDF(secret, []byte("taskboard"), []byte(purpose))
}
