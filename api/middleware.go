package api

import (
	"log/slog"
	"net/http"

	"github.com/jmcleod/taskboard/session"
)

// Authenticate resolves the session cookie for every request and audits
// rejected cookies. It never blocks a request; use RequireAuth on routes
// that need an authenticated caller.
func (a *API) Authenticate(next http.Handler) http.Handler {
	return a.sessions.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := session.RejectionFromContext(r.Context()); err != nil {
			a.audit.logFailure(AuditSessionRejected, r, session.KindOf(err).String(),
				slog.String("path", r.URL.Path))
		}
		next.ServeHTTP(w, r)
	}))
}

// RequireAuth answers 401 for anonymous callers.
func RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := session.SubjectID(r.Context()); !ok {
			writeError(w, http.StatusUnauthorized, "authentication required")
			return
		}
		next.ServeHTTP(w, r)
	})
}
