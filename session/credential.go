package session

import (
	"errors"
	"fmt"
	"time"

	"github.com/awnumar/memguard"
	"github.com/golang-jwt/jwt/v5"

	"github.com/jmcleod/taskboard/internal/util"
)

const sessionKeyPurpose = "taskboard/session-credential/v1"

// Codec mints and parses session credentials. Credentials are HS256 JWTs
// signed with a key derived from the operator's session secret. The key is
// kept sealed in a memguard enclave and only opened for the duration of a
// sign or verify.
type Codec struct {
	key      *memguard.Enclave
	issuer   string
	audience string
}

// NewCodec derives the signing key from secret. The caller's secret is not
// retained.
func NewCodec(secret []byte, issuer string) (*Codec, error) {
	if issuer == "" {
		return nil, errors.New("session issuer is required")
	}
	key, err := util.DeriveKey(secret, sessionKeyPurpose)
	if err != nil {
		return nil, fmt.Errorf("deriving session key: %w", err)
	}
	// NewEnclave wipes key after copying it.
	return &Codec{
		key:      memguard.NewEnclave(key),
		issuer:   issuer,
		audience: issuer + "/session",
	}, nil
}

// Mint signs a credential for c. IssuedAt and ExpiresAt must be set.
func (c *Codec) Mint(cl *Claims) (string, error) {
	claims := sessionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   cl.Subject,
			Issuer:    c.issuer,
			Audience:  jwt.ClaimStrings{c.audience},
			IssuedAt:  jwt.NewNumericDate(cl.IssuedAt),
			ExpiresAt: jwt.NewNumericDate(cl.ExpiresAt),
			ID:        cl.SessionID,
		},
		IssuedAtNanos: cl.IssuedAt.UnixNano(),
		Name:          cl.Name,
		Email:         cl.Email,
	}

	buf, err := c.key.Open()
	if err != nil {
		return "", fmt.Errorf("opening session key: %w", err)
	}
	defer buf.Destroy()

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(buf.Bytes())
	if err != nil {
		return "", fmt.Errorf("signing session credential: %w", err)
	}
	return signed, nil
}

// Parse verifies value's signature, issuer, audience and expiry at now.
// Revocation is not checked here.
func (c *Codec) Parse(value string, now time.Time) (*Claims, error) {
	if value == "" {
		return nil, newAuthError(KindMalformed, nil, "empty session credential")
	}

	buf, err := c.key.Open()
	if err != nil {
		return nil, newAuthError(KindUnavailable, err, "opening session key")
	}
	defer buf.Destroy()

	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(c.issuer),
		jwt.WithAudience(c.audience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(func() time.Time { return now }),
	)
	claims := &sessionClaims{}
	if _, err := parser.ParseWithClaims(value, claims, func(*jwt.Token) (any, error) {
		return buf.Bytes(), nil
	}); err != nil {
		return nil, classifyJWTError(err)
	}
	if claims.Subject == "" || claims.IssuedAtNanos <= 0 {
		return nil, newAuthError(KindMalformed, nil, "session credential missing subject or issue time")
	}
	return claims.claims(), nil
}

// classifyJWTError maps jwt parse failures onto the error taxonomy.
// Trust failures take precedence over expiry so that an expired token with a
// bad signature is reported as untrusted.
func classifyJWTError(err error) *AuthError {
	var ae *AuthError
	if errors.As(err, &ae) {
		return ae
	}
	switch {
	case errors.Is(err, jwt.ErrTokenMalformed):
		return newAuthError(KindMalformed, err, "token could not be parsed")
	case errors.Is(err, jwt.ErrTokenSignatureInvalid), errors.Is(err, jwt.ErrTokenUnverifiable):
		return newAuthError(KindUntrusted, err, "signature verification failed")
	case errors.Is(err, jwt.ErrTokenInvalidIssuer):
		return newAuthError(KindUntrusted, err, "unexpected issuer")
	case errors.Is(err, jwt.ErrTokenInvalidAudience):
		return newAuthError(KindUntrusted, err, "unexpected audience")
	case errors.Is(err, jwt.ErrTokenUsedBeforeIssued):
		return newAuthError(KindUntrusted, err, "token issued in the future")
	case errors.Is(err, jwt.ErrTokenRequiredClaimMissing):
		return newAuthError(KindMalformed, err, "required claim missing")
	case errors.Is(err, jwt.ErrTokenExpired):
		return newAuthError(KindExpired, err, "token expired")
	case errors.Is(err, jwt.ErrTokenNotValidYet):
		return newAuthError(KindExpired, err, "token not valid yet")
	default:
		return newAuthError(KindUntrusted, err, "token rejected")
	}
}
