// Package session verifies identity-provider tokens, exchanges them for
// session credentials carried in a cookie, validates that cookie on every
// request and revokes sessions on logout.
package session

import (
	"errors"
	"log/slog"
	"time"
)

const (
	DefaultMaxAge        = 5 * 24 * time.Hour
	DefaultMaxAgeCeiling = 14 * 24 * time.Hour
)

// Config holds the issuance policy.
type Config struct {
	Cookie CookieConfig
	// MaxAgeCeiling caps every session's lifetime regardless of the
	// requested max age.
	MaxAgeCeiling time.Duration
}

// Manager issues, validates and terminates sessions.
type Manager struct {
	verifier    *Verifier
	codec       *Codec
	revocations *RevocationCache
	cookie      CookieConfig
	ceiling     time.Duration
	logger      *slog.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

func NewManager(v *Verifier, cfg Config, opts ...Option) (*Manager, error) {
	if v == nil || v.codec == nil || v.revocations == nil {
		return nil, errors.New("session manager requires a verifier with a codec and revocation cache")
	}
	if cfg.MaxAgeCeiling == 0 {
		cfg.MaxAgeCeiling = DefaultMaxAgeCeiling
	}
	if cfg.MaxAgeCeiling < 0 {
		return nil, errors.New("session max age ceiling must be positive")
	}
	m := &Manager{
		verifier:    v,
		codec:       v.codec,
		revocations: v.revocations,
		cookie:      cfg.Cookie,
		ceiling:     cfg.MaxAgeCeiling,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Verifier returns the verifier the manager was built with.
func (m *Manager) Verifier() *Verifier { return m.verifier }

// CookieName returns the name of the session cookie.
func (m *Manager) CookieName() string { return m.cookie.name() }

func (m *Manager) now() time.Time { return m.verifier.clock.Now() }
