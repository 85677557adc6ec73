package session

import (
	"errors"
	"fmt"
)

// ErrorKind classifies why a token or session credential was rejected.
// Callers branch on the kind to pick an HTTP status and user message.
type ErrorKind int

const (
	// KindMalformed means the input could not be parsed.
	KindMalformed ErrorKind = iota + 1
	// KindExpired means the token or session is outside its validity window.
	KindExpired
	// KindRevoked means the subject's revocation cutoff postdates the credential.
	KindRevoked
	// KindUntrusted means signature, issuer, audience or key lookup failed.
	KindUntrusted
	// KindUnavailable means a dependency (key endpoint, revocation store)
	// could not be reached and no usable cached state exists.
	KindUnavailable
)

func (k ErrorKind) String() string {
	switch k {
	case KindMalformed:
		return "malformed"
	case KindExpired:
		return "expired"
	case KindRevoked:
		return "revoked"
	case KindUntrusted:
		return "untrusted"
	case KindUnavailable:
		return "unavailable"
	default:
		return "unknown"
	}
}

// AuthError is the only error type returned by verification, issuance and
// termination. Err carries the underlying cause for logging.
type AuthError struct {
	Kind   ErrorKind
	Reason string
	Err    error
}

// Sentinels for errors.Is. Any *AuthError matches the sentinel of its kind.
var (
	ErrMalformed   = &AuthError{Kind: KindMalformed, Reason: "malformed credential"}
	ErrExpired     = &AuthError{Kind: KindExpired, Reason: "credential expired"}
	ErrRevoked     = &AuthError{Kind: KindRevoked, Reason: "credential revoked"}
	ErrUntrusted   = &AuthError{Kind: KindUntrusted, Reason: "credential not trusted"}
	ErrUnavailable = &AuthError{Kind: KindUnavailable, Reason: "identity provider unavailable"}
)

func (e *AuthError) Error() string {
	msg := e.Kind.String()
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *AuthError) Unwrap() error { return e.Err }

// Is reports whether target is an *AuthError of the same kind.
func (e *AuthError) Is(target error) bool {
	t, ok := target.(*AuthError)
	return ok && t.Kind == e.Kind
}

func newAuthError(kind ErrorKind, err error, format string, args ...any) *AuthError {
	return &AuthError{Kind: kind, Reason: fmt.Sprintf(format, args...), Err: err}
}

// KindOf returns the kind of the first *AuthError in err's chain, or 0.
func KindOf(err error) ErrorKind {
	var ae *AuthError
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return 0
}
