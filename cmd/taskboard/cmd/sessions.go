package cmd

import (
	"fmt"
	"log/slog"

	"github.com/jmcleod/taskboard/config"
	"github.com/jmcleod/taskboard/internal/util"
	"github.com/jmcleod/taskboard/session"
	"github.com/jmcleod/taskboard/storage"
)

// sessionIssuer is the iss claim of session credentials. All instances
// sharing a session-secret must agree on it.
const sessionIssuer = "taskboard"

func newKeyProvider(cfg *config.Config, logger *slog.Logger) (session.KeyProvider, error) {
	if cfg.IdentityPublicKeyFile != "" {
		keys, err := session.LoadStaticKeySet(cfg.IdentityPublicKeyFile, cfg.IdentityKeyID)
		if err != nil {
			return nil, fmt.Errorf("failed to load identity provider key: %w", err)
		}
		return keys, nil
	}
	return session.NewRemoteKeySet(cfg.JWKSURL,
		session.WithKeyCacheTTL(cfg.JWKSCacheTTL),
		session.WithKeyFetchTimeout(cfg.JWKSTimeout),
		session.WithMinRefreshInterval(cfg.JWKSMinRefresh),
		session.WithKeySetLogger(logger),
	), nil
}

// newSessionManager assembles the verifier, revocation cache and manager
// over repo.
func newSessionManager(cfg *config.Config, repo storage.Repository, logger *slog.Logger) (*session.Manager, error) {
	keys, err := newKeyProvider(cfg, logger)
	if err != nil {
		return nil, err
	}

	secret := []byte(cfg.SessionSecret)
	if len(secret) == 0 {
		if secret, err = util.RandomBytes(util.MinSecretLength); err != nil {
			return nil, err
		}
		logger.Warn("no session-secret configured; sessions will not survive a restart")
	}
	codec, err := session.NewCodec(secret, sessionIssuer)
	util.WipeBytes(secret)
	if err != nil {
		return nil, err
	}

	cache := session.NewRevocationCache(session.NewDocumentRevocationStore(repo), cfg.RevocationRefresh, nil)
	verifier := session.NewVerifier(keys, codec, cache, session.VerifierConfig{
		Issuer:      cfg.IdentityIssuer,
		Audience:    cfg.IdentityAudience,
		Leeway:      cfg.TokenLeeway,
		MaxTokenAge: cfg.MaxTokenAge,
	}, nil)

	return session.NewManager(verifier, session.Config{
		Cookie: session.CookieConfig{
			Name:   cfg.SessionCookieName,
			Domain: cfg.CookieDomain,
			Secure: cfg.SecureCookies(),
		},
		MaxAgeCeiling: cfg.SessionMaxAgeCeiling,
	}, session.WithLogger(logger))
}
