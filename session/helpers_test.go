package session

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/taskboard/storage/memory"
)

const (
	testIssuer   = "https://idp.example.test"
	testAudience = "taskboard-web"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(now time.Time) *fakeClock { return &fakeClock{now: now} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

var (
	rsaKeysMu sync.Mutex
	rsaKeys   = map[string]*rsa.PrivateKey{}
)

// rsaKey returns a 2048-bit key, generated once per name per test binary.
func rsaKey(t *testing.T, name string) *rsa.PrivateKey {
	t.Helper()
	rsaKeysMu.Lock()
	defer rsaKeysMu.Unlock()
	if k, ok := rsaKeys[name]; ok {
		return k
	}
	k, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	rsaKeys[name] = k
	return k
}

type jwksDocument struct {
	Keys []rsaJWK `json:"keys"`
}

type rsaJWK struct {
	Kty string `json:"kty"`
	Kid string `json:"kid"`
	Alg string `json:"alg,omitempty"`
	Use string `json:"use,omitempty"`
	N   string `json:"n"`
	E   string `json:"e"`
}

func encodeRSAJWK(kid, alg string, pub *rsa.PublicKey) rsaJWK {
	return rsaJWK{
		Kty: "RSA",
		Kid: kid,
		Alg: alg,
		Use: "sig",
		N:   base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
		E:   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes()),
	}
}

type jwksServer struct {
	*httptest.Server

	mu   sync.Mutex
	keys map[string]*rsa.PublicKey
	fail bool
	hits int
}

func newJWKSServer(t *testing.T, keys map[string]*rsa.PublicKey) *jwksServer {
	t.Helper()
	s := &jwksServer{keys: keys}
	s.Server = httptest.NewServer(http.HandlerFunc(s.serve))
	t.Cleanup(s.Close)
	return s
}

func (s *jwksServer) serve(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hits++
	if s.fail {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
		return
	}
	var set jwksDocument
	for kid, pub := range s.keys {
		set.Keys = append(set.Keys, encodeRSAJWK(kid, "RS256", pub))
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(set)
}

func (s *jwksServer) setKeys(keys map[string]*rsa.PublicKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys = keys
}

func (s *jwksServer) setFail(fail bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fail = fail
}

func (s *jwksServer) hitCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hits
}

func signIdentity(t *testing.T, key *rsa.PrivateKey, kid string, claims jwt.MapClaims) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	if kid != "" {
		tok.Header["kid"] = kid
	}
	signed, err := tok.SignedString(key)
	require.NoError(t, err)
	return signed
}

func idTokenClaims(sub string, iat time.Time, ttl time.Duration) jwt.MapClaims {
	return jwt.MapClaims{
		"sub":   sub,
		"iss":   testIssuer,
		"aud":   testAudience,
		"iat":   iat.Unix(),
		"exp":   iat.Add(ttl).Unix(),
		"name":  "Ada Lovelace",
		"email": "ada@example.test",
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type harness struct {
	clock   *fakeClock
	key     *rsa.PrivateKey
	jwks    *jwksServer
	keys    *RemoteKeySet
	repo    *memory.Repository
	store   *DocumentRevocationStore
	cache   *RevocationCache
	codec   *Codec
	manager *Manager
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		clock: newFakeClock(t0),
		key:   rsaKey(t, "primary"),
		repo:  memory.NewRepository(),
	}
	h.jwks = newJWKSServer(t, map[string]*rsa.PublicKey{"k1": &h.key.PublicKey})
	h.keys = NewRemoteKeySet(h.jwks.URL,
		WithHTTPClient(h.jwks.Client()),
		WithKeySetClock(h.clock),
		WithKeySetLogger(discardLogger()),
	)

	var err error
	h.codec, err = NewCodec([]byte(strings.Repeat("k", 32)), "taskboard")
	require.NoError(t, err)

	h.store = NewDocumentRevocationStore(h.repo)
	h.cache = NewRevocationCache(h.store, time.Minute, h.clock)
	v := NewVerifier(h.keys, h.codec, h.cache, VerifierConfig{
		Issuer:      testIssuer,
		Audience:    testAudience,
		Leeway:      DefaultLeeway,
		MaxTokenAge: DefaultMaxTokenAge,
	}, h.clock)
	h.manager, err = NewManager(v, Config{}, WithLogger(discardLogger()))
	require.NoError(t, err)
	return h
}

// token returns a valid identity token for sub issued at the current time.
func (h *harness) token(t *testing.T, sub string) string {
	t.Helper()
	return signIdentity(t, h.key, "k1", idTokenClaims(sub, h.clock.Now(), time.Hour))
}

// login issues a session through the HTTP surface and returns its cookie.
func (h *harness) login(t *testing.T, sub string, maxAge time.Duration) *http.Cookie {
	t.Helper()
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/session", nil)
	_, err := h.manager.Issue(rec, req, h.token(t, sub), maxAge)
	require.NoError(t, err)
	return findCookie(t, rec.Result().Cookies(), DefaultCookieName)
}

// resolve runs the middleware with cookie and reports the resolved subject
// and any cookie the middleware set on the response.
func (h *harness) resolve(t *testing.T, cookie *http.Cookie) (string, *http.Cookie) {
	t.Helper()
	var subject string
	handler := h.manager.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		subject, _ = SubjectID(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))
	req := httptest.NewRequest(http.MethodGet, "/api/v1/tasks", nil)
	if cookie != nil {
		req.AddCookie(cookie)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNoContent, rec.Code)

	var set *http.Cookie
	for _, c := range rec.Result().Cookies() {
		if c.Name == DefaultCookieName {
			set = c
		}
	}
	return subject, set
}

func findCookie(t *testing.T, cookies []*http.Cookie, name string) *http.Cookie {
	t.Helper()
	for _, c := range cookies {
		if c.Name == name {
			return c
		}
	}
	require.Failf(t, "cookie not found", "no %q cookie in response", name)
	return nil
}

func requireKind(t *testing.T, err error, kind ErrorKind) {
	t.Helper()
	require.Error(t, err)
	require.Equal(t, kind.String(), KindOf(err).String(), "error: %v", err)
}
