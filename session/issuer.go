package session

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// Session is a freshly minted session credential.
type Session struct {
	ID        string
	Subject   string
	Name      string
	Email     string
	Value     string
	IssuedAt  time.Time
	ExpiresAt time.Time
	// MaxAge is the effective lifetime after clamping to the ceiling.
	MaxAge time.Duration
}

// Mint exchanges a verified identity token for a session credential valid
// for maxAge, capped at the configured ceiling. Verification errors are
// returned unchanged; a failure to create the subject's revocation record
// is reported as KindUnavailable.
func (m *Manager) Mint(ctx context.Context, identityToken string, maxAge time.Duration) (*Session, error) {
	if maxAge <= 0 {
		return nil, newAuthError(KindMalformed, nil, "session max age must be positive")
	}
	claims, err := m.verifier.Verify(ctx, identityToken, true)
	if err != nil {
		return nil, err
	}
	if err := m.revocations.Ensure(ctx, claims.Subject); err != nil {
		return nil, newAuthError(KindUnavailable, err, "revocation store unavailable")
	}

	lifetime := min(maxAge, m.ceiling)
	now := m.now()
	sess := &Session{
		ID:        uuid.NewString(),
		Subject:   claims.Subject,
		Name:      claims.Name,
		Email:     claims.Email,
		IssuedAt:  now,
		ExpiresAt: now.Add(lifetime),
		MaxAge:    lifetime,
	}
	sess.Value, err = m.codec.Mint(&Claims{
		Subject:   sess.Subject,
		Name:      sess.Name,
		Email:     sess.Email,
		IssuedAt:  sess.IssuedAt,
		ExpiresAt: sess.ExpiresAt,
		SessionID: sess.ID,
	})
	if err != nil {
		return nil, newAuthError(KindUnavailable, err, "minting session credential")
	}
	return sess, nil
}

// Issue mints a session and sets it as the session cookie on w.
func (m *Manager) Issue(w http.ResponseWriter, r *http.Request, identityToken string, maxAge time.Duration) (*Session, error) {
	sess, err := m.Mint(r.Context(), identityToken, maxAge)
	if err != nil {
		return nil, err
	}
	m.cookie.write(w, r, sess.Value, sess.MaxAge, sess.ExpiresAt)
	m.logger.InfoContext(r.Context(), "session issued",
		slog.String("subject", sess.Subject),
		slog.String("session_id", sess.ID),
		slog.Time("expires_at", sess.ExpiresAt),
	)
	return sess, nil
}
