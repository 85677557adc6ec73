package session

import "context"

type contextKey int

const (
	claimsKey contextKey = iota
	rejectionKey
)

// WithClaims returns a context carrying an authenticated identity.
func WithClaims(ctx context.Context, c *Claims) context.Context {
	return context.WithValue(ctx, claimsKey, c)
}

// ClaimsFromContext returns the authenticated identity, or nil for an
// anonymous request.
func ClaimsFromContext(ctx context.Context) *Claims {
	c, _ := ctx.Value(claimsKey).(*Claims)
	return c
}

// SubjectID returns the authenticated subject of the request, if any.
func SubjectID(ctx context.Context) (string, bool) {
	c := ClaimsFromContext(ctx)
	if c == nil || c.Subject == "" {
		return "", false
	}
	return c.Subject, true
}

func withRejection(ctx context.Context, err error) context.Context {
	return context.WithValue(ctx, rejectionKey, err)
}

// RejectionFromContext returns the error for which the middleware rejected
// the request's session cookie, or nil.
func RejectionFromContext(ctx context.Context) error {
	err, _ := ctx.Value(rejectionKey).(error)
	return err
}
