package session

import (
	"log/slog"
	"net/http"
)

// Middleware resolves the session cookie into an authenticated identity on
// the request context. It never fails the request: any verification error
// leaves the request anonymous and clears the cookie. The error is kept on
// the context for RejectionFromContext.
func (m *Manager) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		value := m.cookie.read(r)
		if value == "" {
			next.ServeHTTP(w, r)
			return
		}

		ctx := r.Context()
		claims, err := m.verifier.VerifySession(ctx, value)
		if err == nil {
			next.ServeHTTP(w, r.WithContext(WithClaims(ctx, claims)))
			return
		}

		kind := KindOf(err)
		switch kind {
		case KindExpired, KindMalformed:
			m.logger.DebugContext(ctx, "discarding session cookie",
				slog.String("kind", kind.String()), slog.Any("error", err))
		default:
			m.logger.WarnContext(ctx, "session cookie rejected",
				slog.String("kind", kind.String()),
				slog.String("path", r.URL.Path),
				slog.Any("error", err))
		}
		m.cookie.clear(w, r)
		next.ServeHTTP(w, r.WithContext(withRejection(ctx, err)))
	})
}
