package session

import (
	"net/http"
	"strings"
	"time"
)

// DefaultCookieName is the session cookie name used when none is configured.
const DefaultCookieName = "taskboard_session"

// CookieConfig controls the attributes of the session cookie.
type CookieConfig struct {
	Name   string
	Domain string
	// Secure forces the Secure attribute. When false the attribute is still
	// set for requests that arrived over TLS or through an HTTPS proxy.
	Secure bool
}

func (c CookieConfig) name() string {
	if c.Name == "" {
		return DefaultCookieName
	}
	return c.Name
}

func (c CookieConfig) write(w http.ResponseWriter, r *http.Request, value string, maxAge time.Duration, expiresAt time.Time) {
	http.SetCookie(w, &http.Cookie{
		Name:     c.name(),
		Value:    value,
		Path:     "/",
		Domain:   c.Domain,
		HttpOnly: true,
		Secure:   c.Secure || RequestIsSecure(r),
		SameSite: http.SameSiteLaxMode,
		MaxAge:   int(maxAge / time.Second),
		Expires:  expiresAt,
	})
}

func (c CookieConfig) clear(w http.ResponseWriter, r *http.Request) {
	http.SetCookie(w, &http.Cookie{
		Name:     c.name(),
		Value:    "",
		Path:     "/",
		Domain:   c.Domain,
		HttpOnly: true,
		Secure:   c.Secure || RequestIsSecure(r),
		SameSite: http.SameSiteLaxMode,
		Expires:  time.Unix(0, 0),
		MaxAge:   -1,
	})
}

func (c CookieConfig) read(r *http.Request) string {
	cookie, err := r.Cookie(c.name())
	if err != nil {
		return ""
	}
	return cookie.Value
}

// RequestIsSecure reports whether r arrived over TLS, directly or through a
// proxy that set X-Forwarded-Proto or Forwarded.
func RequestIsSecure(r *http.Request) bool {
	if r == nil {
		return false
	}
	if r.TLS != nil {
		return true
	}
	if strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https") {
		return true
	}
	return strings.Contains(strings.ToLower(r.Header.Get("Forwarded")), "proto=https")
}
