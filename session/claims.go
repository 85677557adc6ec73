package session

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims is the verified identity extracted from an identity token or a
// session credential.
type Claims struct {
	Subject   string
	Name      string
	Email     string
	IssuedAt  time.Time
	ExpiresAt time.Time
	// SessionID is the credential's jti. Empty for identity tokens.
	SessionID string
}

// identityClaims mirrors the claims an OpenID Connect provider puts in an
// ID token.
type identityClaims struct {
	jwt.RegisteredClaims
	Name          string           `json:"name,omitempty"`
	Email         string           `json:"email,omitempty"`
	EmailVerified bool             `json:"email_verified,omitempty"`
	AuthTime      *jwt.NumericDate `json:"auth_time,omitempty"`
}

// sessionClaims are the claims carried by a session credential. IssuedAtNanos
// has the same precision as revocation cutoffs; the registered iat is
// seconds only.
type sessionClaims struct {
	jwt.RegisteredClaims
	IssuedAtNanos int64  `json:"iat_ns"`
	Name          string `json:"name,omitempty"`
	Email         string `json:"email,omitempty"`
}

func (c *sessionClaims) claims() *Claims {
	out := &Claims{
		Subject:   c.Subject,
		Name:      c.Name,
		Email:     c.Email,
		IssuedAt:  time.Unix(0, c.IssuedAtNanos).UTC(),
		SessionID: c.ID,
	}
	if c.ExpiresAt != nil {
		out.ExpiresAt = c.ExpiresAt.Time
	}
	return out
}
