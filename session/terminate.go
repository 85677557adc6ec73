package session

import (
	"context"
	"log/slog"
	"net/http"
)

// EndSession revokes every session of credential's subject by moving the
// subject's cutoff to now. A credential that is already revoked leaves the
// cutoff unchanged, so repeating a logout is a no-op. A credential that
// fails verification for any other reason is logged and otherwise ignored.
// It returns the subject whose sessions were revoked, if any.
func (m *Manager) EndSession(ctx context.Context, credential string) (string, error) {
	if credential == "" {
		return "", nil
	}
	claims, err := m.verifier.VerifySession(ctx, credential)
	if err != nil {
		kind := KindOf(err)
		if kind == KindRevoked {
			m.logger.DebugContext(ctx, "logout with already revoked session")
			return "", nil
		}
		m.logger.WarnContext(ctx, "logout with unverifiable session",
			slog.String("kind", kind.String()), slog.Any("error", err))
		return "", nil
	}

	if _, err := m.revocations.Revoke(ctx, claims.Subject, m.now(), "logout"); err != nil {
		return claims.Subject, newAuthError(KindUnavailable, err, "recording logout")
	}
	m.logger.InfoContext(ctx, "sessions revoked",
		slog.String("subject", claims.Subject),
		slog.String("reason", "logout"))
	return claims.Subject, nil
}

// Terminate clears the session cookie and ends the session it carried.
func (m *Manager) Terminate(w http.ResponseWriter, r *http.Request) (string, error) {
	value := m.cookie.read(r)
	m.cookie.clear(w, r)
	return m.EndSession(r.Context(), value)
}

// RevokeSubject revokes every session of subject issued before now, for
// example after a detected compromise. It reports whether the cutoff moved.
func (m *Manager) RevokeSubject(ctx context.Context, subject, reason string) (bool, error) {
	if subject == "" {
		return false, newAuthError(KindMalformed, nil, "subject is required")
	}
	changed, err := m.revocations.Revoke(ctx, subject, m.now(), reason)
	if err != nil {
		return false, newAuthError(KindUnavailable, err, "recording revocation")
	}
	if changed {
		m.logger.InfoContext(ctx, "sessions revoked",
			slog.String("subject", subject),
			slog.String("reason", reason))
	}
	return changed, nil
}
