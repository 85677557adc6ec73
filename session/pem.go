package session

import (
	"crypto"
	"errors"
	"fmt"
	"os"

	"github.com/golang-jwt/jwt/v5"
)

var errInvalidPEMKey = errors.New("invalid PEM public key")

// ParsePublicKeyPEM parses a PEM-encoded RSA or ECDSA public key in PKIX or
// PKCS#1 form. A CERTIFICATE block yields the certificate's key.
func ParsePublicKeyPEM(data []byte) (crypto.PublicKey, error) {
	rsaPub, rsaErr := jwt.ParseRSAPublicKeyFromPEM(data)
	if rsaErr == nil {
		return rsaPub, nil
	}
	ecPub, ecErr := jwt.ParseECPublicKeyFromPEM(data)
	if ecErr == nil {
		return ecPub, nil
	}
	return nil, fmt.Errorf("%w: %w", errInvalidPEMKey, errors.Join(rsaErr, ecErr))
}

// LoadStaticKeySet reads a PEM public key from path and serves it under kid.
func LoadStaticKeySet(path, kid string) (StaticKeySet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading identity public key: %w", err)
	}
	pub, err := ParsePublicKeyPEM(data)
	if err != nil {
		return nil, err
	}
	return StaticKeySet{kid: pub}, nil
}
