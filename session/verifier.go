package session

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	DefaultLeeway      time.Duration = 0
	DefaultMaxTokenAge               = 5 * time.Minute
)

// VerifierConfig describes the trusted identity provider.
type VerifierConfig struct {
	// Issuer and Audience must match the token's iss and aud claims.
	Issuer   string
	Audience string
	// Algorithms lists accepted signing algorithms. Defaults to RS256 and ES256.
	Algorithms []string
	// Leeway tolerates clock skew on exp, nbf and iat.
	Leeway time.Duration
	// MaxTokenAge rejects identity tokens whose sign-in is older than this.
	// Zero disables the check.
	MaxTokenAge time.Duration
}

func (c VerifierConfig) algorithms() []string {
	if len(c.Algorithms) == 0 {
		return []string{jwt.SigningMethodRS256.Alg(), jwt.SigningMethodES256.Alg()}
	}
	return c.Algorithms
}

// keyRefresher is implemented by key providers that can re-fetch their
// keys after a signature failure.
type keyRefresher interface {
	Refresh(ctx context.Context) (bool, error)
}

// Verifier checks identity tokens from the identity provider and session
// credentials minted by this service.
type Verifier struct {
	keys        KeyProvider
	codec       *Codec
	revocations *RevocationCache
	cfg         VerifierConfig
	clock       Clock
}

// NewVerifier returns a Verifier. A nil clock uses the system clock.
func NewVerifier(keys KeyProvider, codec *Codec, revocations *RevocationCache, cfg VerifierConfig, clock Clock) *Verifier {
	if clock == nil {
		clock = realClock{}
	}
	return &Verifier{keys: keys, codec: codec, revocations: revocations, cfg: cfg, clock: clock}
}

// Verify validates an identity token: signature against the provider's
// keys, issuer, audience, expiry and sign-in recency. With checkRevocation
// it also consults the authoritative revocation record and rejects tokens
// issued before the subject's cutoff.
func (v *Verifier) Verify(ctx context.Context, token string, checkRevocation bool) (*Claims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, newAuthError(KindMalformed, nil, "empty identity token")
	}

	claims, err := v.parseIdentity(ctx, token)
	if err != nil && errors.Is(err, jwt.ErrTokenSignatureInvalid) {
		// The provider may have rotated keys under an existing kid.
		if r, ok := v.keys.(keyRefresher); ok {
			if refreshed, rerr := r.Refresh(ctx); rerr == nil && refreshed {
				claims, err = v.parseIdentity(ctx, token)
			}
		}
	}
	if err != nil {
		return nil, classifyJWTError(err)
	}

	if claims.Subject == "" {
		return nil, newAuthError(KindMalformed, nil, "identity token missing subject")
	}
	if claims.IssuedAt == nil {
		return nil, newAuthError(KindMalformed, nil, "identity token missing issue time")
	}

	now := v.clock.Now()
	if v.cfg.MaxTokenAge > 0 {
		signedIn := claims.IssuedAt.Time
		if claims.AuthTime != nil {
			signedIn = claims.AuthTime.Time
		}
		if now.Sub(signedIn) > v.cfg.MaxTokenAge+v.cfg.Leeway {
			return nil, newAuthError(KindExpired, nil, "sign-in is too old")
		}
	}

	out := &Claims{
		Subject:  claims.Subject,
		Name:     claims.Name,
		Email:    claims.Email,
		IssuedAt: claims.IssuedAt.Time,
	}
	if claims.ExpiresAt != nil {
		out.ExpiresAt = claims.ExpiresAt.Time
	}

	if checkRevocation {
		cutoff, err := v.revocations.CutoffFresh(ctx, claims.Subject)
		if err != nil {
			return nil, newAuthError(KindUnavailable, err, "revocation state unavailable")
		}
		// iat has second precision; compare at the same precision.
		if out.IssuedAt.Before(cutoff.Truncate(time.Second)) {
			return nil, newAuthError(KindRevoked, nil, "identity token issued before revocation")
		}
	}
	return out, nil
}

func (v *Verifier) parseIdentity(ctx context.Context, token string) (*identityClaims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods(v.cfg.algorithms()),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithLeeway(v.cfg.Leeway),
		jwt.WithTimeFunc(v.clock.Now),
	}
	if v.cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.cfg.Issuer))
	}
	if v.cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(v.cfg.Audience))
	}

	claims := &identityClaims{}
	_, err := jwt.NewParser(opts...).ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		if kid == "" {
			return nil, newAuthError(KindMalformed, nil, "token header missing kid")
		}
		return v.keys.Key(ctx, kid, t.Method.Alg())
	})
	if err != nil {
		return nil, err
	}
	return claims, nil
}

// VerifySession validates a session credential: signature, expiry and the
// subject's revocation cutoff as last seen by this process. It does not
// contact the identity provider and reads the revocation store only when
// the cached cutoff is missing or due for refresh.
func (v *Verifier) VerifySession(ctx context.Context, credential string) (*Claims, error) {
	claims, err := v.codec.Parse(credential, v.clock.Now())
	if err != nil {
		return nil, err
	}
	cutoff, err := v.revocations.Cutoff(ctx, claims.Subject)
	if err != nil {
		return nil, newAuthError(KindUnavailable, err, "revocation state unavailable")
	}
	if claims.IssuedAt.Before(cutoff) {
		return nil, newAuthError(KindRevoked, nil, "session revoked")
	}
	return claims, nil
}
