package api

import (
	"log/slog"
	"math"
	"net/http"
	"time"

	"github.com/jmcleod/taskboard/session"
)

const maxRequestedAgeSeconds = int64(math.MaxInt64 / time.Second)

// CreateSession handles POST /auth/session. It exchanges an identity token
// from the identity provider for a session cookie.
func (a *API) CreateSession(w http.ResponseWriter, r *http.Request) {
	clientIP := a.extractClientIP(r)

	// Check rate limits before any verification work: global, then IP.
	if blocked, retryAfter := a.globalLimiter.check(); blocked {
		a.audit.logFailure(AuditLoginRateLimited, r, "global rate limited")
		writeRateLimited(w, retryAfter)
		return
	}
	if blocked, retryAfter := a.ipLimiter.check(clientIP); blocked {
		a.audit.logFailure(AuditLoginRateLimited, r, "ip rate limited",
			slog.String("client_ip", clientIP))
		writeRateLimited(w, retryAfter)
		return
	}

	req, ok := decodeJSON[CreateSessionRequest](w, r, maxAuthBodySize)
	if !ok {
		return
	}

	maxAge := a.sessionMaxAge
	switch {
	case req.MaxAgeSeconds < 0:
		writeError(w, http.StatusBadRequest, "max_age_seconds must be positive")
		return
	case req.MaxAgeSeconds > 0:
		// The manager clamps to its ceiling; this bound only keeps the
		// conversion from overflowing.
		maxAge = time.Duration(min(req.MaxAgeSeconds, maxRequestedAgeSeconds)) * time.Second
	}

	sess, err := a.sessions.Issue(w, r, req.Token, maxAge)
	if err != nil {
		kind := session.KindOf(err)
		// An unreachable provider is not the client's fault.
		if kind != session.KindUnavailable {
			a.globalLimiter.recordFailure()
			a.ipLimiter.recordFailure(clientIP)
		}
		a.audit.logFailure(AuditLoginFailure, r, kind.String(),
			slog.String("client_ip", clientIP))
		if kind == session.KindUnavailable {
			a.logger.ErrorContext(r.Context(), "login dependency unavailable", slog.Any("error", err))
		}
		writeAuthError(w, err)
		return
	}
	a.ipLimiter.recordSuccess(clientIP)

	if err := a.profiles.recordLogin(r.Context(), sess.Subject, sess.Name, sess.Email, sess.IssuedAt); err != nil {
		a.logger.WarnContext(r.Context(), "updating profile failed",
			slog.String("subject_id", sess.Subject), slog.Any("error", err))
	}

	a.writeCSRFCookie(w, r)
	a.audit.logEvent(AuditLoginSuccess, r, sess.Subject,
		slog.String("session_id", sess.ID),
		slog.String("expires_at", sess.ExpiresAt.UTC().Format(time.RFC3339)))
	writeJSON(w, http.StatusOK, CreateSessionResponse{Success: true})
}

// Logout handles POST /auth/logout. It always succeeds from the client's
// point of view: the cookies are cleared even if revoking the session in
// the store failed.
func (a *API) Logout(w http.ResponseWriter, r *http.Request) {
	subject, err := a.sessions.Terminate(w, r)
	a.clearCSRFCookie(w, r)
	switch {
	case err != nil:
		a.audit.logFailure(AuditLogoutFailure, r, session.KindOf(err).String(),
			slog.String("subject_id", subject))
		a.logger.ErrorContext(r.Context(), "recording logout failed",
			slog.String("subject_id", subject), slog.Any("error", err))
	case subject != "":
		a.audit.logEvent(AuditLogout, r, subject)
	}
	writeJSON(w, http.StatusOK, LogoutResponse{Status: "success"})
}

// Me handles GET /auth/me.
func (a *API) Me(w http.ResponseWriter, r *http.Request) {
	claims := session.ClaimsFromContext(r.Context())
	resp := MeResponse{
		SubjectID: claims.Subject,
		Name:      claims.Name,
		Email:     claims.Email,
		ExpiresAt: claims.ExpiresAt.UTC(),
	}
	if p, err := a.profiles.get(r.Context(), claims.Subject); err == nil {
		if p.DisplayName != "" {
			resp.Name = p.DisplayName
		}
		created := p.CreatedAt
		resp.MemberSince = &created
	}
	writeJSON(w, http.StatusOK, resp)
}
