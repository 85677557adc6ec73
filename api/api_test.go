package api_test

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/taskboard/api"
	"github.com/jmcleod/taskboard/session"
	"github.com/jmcleod/taskboard/storage"
	"github.com/jmcleod/taskboard/storage/memory"
	"github.com/jmcleod/taskboard/tasks"
)

const (
	testIssuer   = "https://idp.example.test"
	testAudience = "taskboard-web"
	testKID      = "idp-1"
)

var (
	signingKeyOnce sync.Once
	signingKey     *rsa.PrivateKey
)

func idpKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	signingKeyOnce.Do(func() {
		k, err := rsa.GenerateKey(rand.Reader, 2048)
		require.NoError(t, err)
		signingKey = k
	})
	return signingKey
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// flakyRepo fails every revocation record access while down is set.
type flakyRepo struct {
	storage.Repository
	down atomic.Bool
}

var errStoreDown = errors.New("store down")

func (f *flakyRepo) Get(ctx context.Context, collection, id string) (*storage.Document, error) {
	if f.down.Load() && collection == "revocations" {
		return nil, errStoreDown
	}
	return f.Repository.Get(ctx, collection, id)
}

func (f *flakyRepo) PutCAS(ctx context.Context, collection, id string, expected uint64, doc *storage.Document) error {
	if f.down.Load() && collection == "revocations" {
		return errStoreDown
	}
	return f.Repository.PutCAS(ctx, collection, id, expected, doc)
}

type testEnv struct {
	srv   *httptest.Server
	clock *testClock
	repo  *flakyRepo
	key   *rsa.PrivateKey
}

func setupServer(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{
		clock: &testClock{now: time.Now().UTC().Truncate(time.Second)},
		repo:  &flakyRepo{Repository: memory.NewRepository()},
		key:   idpKey(t),
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	codec, err := session.NewCodec(bytes.Repeat([]byte("s"), 32), testIssuer)
	require.NoError(t, err)
	cache := session.NewRevocationCache(session.NewDocumentRevocationStore(env.repo), time.Minute, env.clock)
	verifier := session.NewVerifier(
		session.StaticKeySet{testKID: &env.key.PublicKey},
		codec, cache,
		session.VerifierConfig{Issuer: testIssuer, Audience: testAudience},
		env.clock,
	)
	manager, err := session.NewManager(verifier, session.Config{}, session.WithLogger(logger))
	require.NoError(t, err)

	a := api.New(manager, tasks.NewService(env.repo), env.repo, api.WithLogger(logger))
	t.Cleanup(a.Close)

	r := chi.NewRouter()
	r.Use(api.SecurityHeaders)
	r.Mount("/api/v1", a.Router())
	env.srv = httptest.NewServer(r)
	t.Cleanup(env.srv.Close)
	return env
}

// token signs an identity token for subject issued at the current test time.
func (e *testEnv) token(t *testing.T, subject string, mutate ...func(jwt.MapClaims)) string {
	t.Helper()
	now := e.clock.Now()
	claims := jwt.MapClaims{
		"iss":   testIssuer,
		"aud":   testAudience,
		"sub":   subject,
		"name":  "Ada Lovelace",
		"email": "ada@example.test",
		"iat":   now.Unix(),
		"exp":   now.Add(10 * time.Minute).Unix(),
	}
	for _, m := range mutate {
		m(claims)
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = testKID
	signed, err := tok.SignedString(e.key)
	require.NoError(t, err)
	return signed
}

func newClient(t *testing.T) *http.Client {
	t.Helper()
	jar, err := cookiejar.New(nil)
	require.NoError(t, err)
	return &http.Client{Jar: jar}
}

func (e *testEnv) do(t *testing.T, client *http.Client, method, path string, body any) *http.Response {
	t.Helper()
	var reqBody io.Reader = http.NoBody
	if body != nil {
		var buf bytes.Buffer
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
		reqBody = &buf
	}
	req, err := http.NewRequestWithContext(t.Context(), method, e.srv.URL+"/api/v1"+path, reqBody)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if csrf := e.cookie(t, client, "taskboard_csrf"); csrf != "" {
		req.Header.Set("X-CSRF-Token", csrf)
	}
	resp, err := client.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (e *testEnv) cookie(t *testing.T, client *http.Client, name string) string {
	t.Helper()
	u, err := url.Parse(e.srv.URL)
	require.NoError(t, err)
	for _, c := range client.Jar.Cookies(u) {
		if c.Name == name {
			return c.Value
		}
	}
	return ""
}

func (e *testEnv) login(t *testing.T, client *http.Client, token string) *http.Response {
	t.Helper()
	return e.do(t, client, http.MethodPost, "/auth/session", api.CreateSessionRequest{Token: token})
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func TestLoginAndTaskLifecycle(t *testing.T) {
	env := setupServer(t)
	client := newClient(t)

	resp := env.login(t, client, env.token(t, "user-1"))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, decode[api.CreateSessionResponse](t, resp).Success)
	require.NotEmpty(t, env.cookie(t, client, "taskboard_session"))
	require.NotEmpty(t, env.cookie(t, client, "taskboard_csrf"))

	resp = env.do(t, client, http.MethodGet, "/auth/me", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	me := decode[api.MeResponse](t, resp)
	assert.Equal(t, "user-1", me.SubjectID)
	assert.Equal(t, "Ada Lovelace", me.Name)
	require.NotNil(t, me.MemberSince)

	due := env.clock.Now().Add(48 * time.Hour)
	resp = env.do(t, client, http.MethodPost, "/tasks", api.TaskRequest{Title: "Write report", DueAt: &due})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	created := decode[api.TaskResponse](t, resp)
	assert.Equal(t, "todo", created.Status)
	assert.Equal(t, uint64(1), created.Version)

	resp = env.do(t, client, http.MethodGet, "/tasks", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	list := decode[api.ListTasksResponse](t, resp)
	require.Len(t, list.Tasks, 1)
	assert.Equal(t, 1, list.TotalCount)

	resp = env.do(t, client, http.MethodPut, "/tasks/"+created.ID, api.TaskRequest{Title: "Write report", Status: "doing", Version: 7})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = env.do(t, client, http.MethodPut, "/tasks/"+created.ID, api.TaskRequest{Title: "Write report", Status: "doing", Version: 1})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	updated := decode[api.TaskResponse](t, resp)
	assert.Equal(t, "doing", updated.Status)
	assert.Equal(t, uint64(2), updated.Version)

	resp = env.do(t, client, http.MethodDelete, "/tasks/"+created.ID, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp = env.do(t, client, http.MethodGet, "/tasks/"+created.ID, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = env.do(t, client, http.MethodGet, "/auth/activity", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	activity := decode[api.ListActivityResponse](t, resp)
	require.Len(t, activity.Entries, 4)
	events := make([]string, 0, len(activity.Entries))
	for _, e := range activity.Entries {
		events = append(events, e.Event)
	}
	assert.ElementsMatch(t, []string{"login_success", "task_created", "task_updated", "task_deleted"}, events)
}

func TestTasksAreScopedToOwner(t *testing.T) {
	env := setupServer(t)
	alice, bob := newClient(t), newClient(t)
	require.Equal(t, http.StatusOK, env.login(t, alice, env.token(t, "alice")).StatusCode)
	require.Equal(t, http.StatusOK, env.login(t, bob, env.token(t, "bob")).StatusCode)

	resp := env.do(t, alice, http.MethodPost, "/tasks", api.TaskRequest{Title: "private"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	task := decode[api.TaskResponse](t, resp)

	assert.Equal(t, http.StatusNotFound, env.do(t, bob, http.MethodGet, "/tasks/"+task.ID, nil).StatusCode)
	assert.Equal(t, http.StatusNotFound, env.do(t, bob, http.MethodDelete, "/tasks/"+task.ID, nil).StatusCode)
	list := decode[api.ListTasksResponse](t, env.do(t, bob, http.MethodGet, "/tasks", nil))
	assert.Empty(t, list.Tasks)
}

func TestTaskValidation(t *testing.T) {
	env := setupServer(t)
	client := newClient(t)
	require.Equal(t, http.StatusOK, env.login(t, client, env.token(t, "user-1")).StatusCode)

	assert.Equal(t, http.StatusBadRequest, env.do(t, client, http.MethodPost, "/tasks", api.TaskRequest{Title: "  "}).StatusCode)
	assert.Equal(t, http.StatusBadRequest, env.do(t, client, http.MethodPost, "/tasks", api.TaskRequest{Title: "x", Status: "blocked"}).StatusCode)
	assert.Equal(t, http.StatusBadRequest, env.do(t, client, http.MethodPost, "/tasks", map[string]string{"title": "x", "owner": "someone"}).StatusCode)
}

func TestCSRFRequiredForMutations(t *testing.T) {
	env := setupServer(t)
	client := newClient(t)
	require.Equal(t, http.StatusOK, env.login(t, client, env.token(t, "user-1")).StatusCode)

	req, err := http.NewRequestWithContext(t.Context(), http.MethodPost, env.srv.URL+"/api/v1/tasks",
		bytes.NewBufferString(`{"title":"no header"}`))
	require.NoError(t, err)
	resp, err := client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	req, err = http.NewRequestWithContext(t.Context(), http.MethodPost, env.srv.URL+"/api/v1/tasks",
		bytes.NewBufferString(`{"title":"bad header"}`))
	require.NoError(t, err)
	req.Header.Set("X-CSRF-Token", "forged")
	resp2, err := client.Do(req)
	require.NoError(t, err)
	defer resp2.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp2.StatusCode)
}

func TestLoginRejections(t *testing.T) {
	env := setupServer(t)

	tests := []struct {
		name   string
		token  func() string
		status int
		code   string
	}{
		{"garbage", func() string { return "not-a-jwt" }, http.StatusBadRequest, "malformed"},
		{"empty", func() string { return "" }, http.StatusBadRequest, "malformed"},
		{"expired", func() string {
			return env.token(t, "user-1", func(c jwt.MapClaims) {
				c["exp"] = env.clock.Now().Add(-time.Second).Unix()
			})
		}, http.StatusUnauthorized, "expired"},
		{"wrong issuer", func() string {
			return env.token(t, "user-1", func(c jwt.MapClaims) { c["iss"] = "https://evil.example.test" })
		}, http.StatusUnauthorized, "untrusted"},
		{"wrong audience", func() string {
			return env.token(t, "user-1", func(c jwt.MapClaims) { c["aud"] = "another-app" })
		}, http.StatusUnauthorized, "untrusted"},
		{"missing subject", func() string {
			return env.token(t, "user-1", func(c jwt.MapClaims) { delete(c, "sub") })
		}, http.StatusBadRequest, "malformed"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := newClient(t)
			resp := env.login(t, client, tt.token())
			assert.Equal(t, tt.status, resp.StatusCode)
			body := decode[api.ErrorResponse](t, resp)
			assert.Equal(t, tt.code, body.Code)
			assert.Empty(t, env.cookie(t, client, "taskboard_session"))
		})
	}
}

func TestLoginBodyErrors(t *testing.T) {
	env := setupServer(t)
	client := newClient(t)

	assert.Equal(t, http.StatusBadRequest, env.do(t, client, http.MethodPost, "/auth/session", nil).StatusCode)
	assert.Equal(t, http.StatusBadRequest,
		env.do(t, client, http.MethodPost, "/auth/session", map[string]string{"token": "x", "password": "y"}).StatusCode)
	assert.Equal(t, http.StatusBadRequest,
		env.do(t, client, http.MethodPost, "/auth/session", api.CreateSessionRequest{Token: env.token(t, "u"), MaxAgeSeconds: -5}).StatusCode)
}

func TestLoginMaxAge(t *testing.T) {
	env := setupServer(t)
	tests := []struct {
		name   string
		maxAge int64
		want   int
	}{
		{"default", 0, int((5 * 24 * time.Hour).Seconds())},
		{"shorter", 60, 60},
		{"above ceiling", 30 * 24 * 3600, int((14 * 24 * time.Hour).Seconds())},
		{"would overflow", 10_000_000_000, int((14 * 24 * time.Hour).Seconds())},
		{"far beyond", 1 << 62, int((14 * 24 * time.Hour).Seconds())},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := env.do(t, newClient(t), http.MethodPost, "/auth/session",
				api.CreateSessionRequest{Token: env.token(t, "user-1"), MaxAgeSeconds: tt.maxAge})
			require.Equal(t, http.StatusOK, resp.StatusCode)
			var sessionCookie *http.Cookie
			for _, c := range resp.Cookies() {
				if c.Name == "taskboard_session" {
					sessionCookie = c
				}
			}
			require.NotNil(t, sessionCookie)
			assert.Equal(t, tt.want, sessionCookie.MaxAge)
		})
	}

	resp := env.do(t, newClient(t), http.MethodPost, "/auth/session",
		api.CreateSessionRequest{Token: env.token(t, "user-1"), MaxAgeSeconds: -1})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "max_age_seconds must be positive", decode[api.ErrorResponse](t, resp).Error)
}

func TestLogoutRevokesEverySession(t *testing.T) {
	env := setupServer(t)
	laptop, phone := newClient(t), newClient(t)
	original := env.token(t, "user-1")
	require.Equal(t, http.StatusOK, env.login(t, laptop, original).StatusCode)
	require.Equal(t, http.StatusOK, env.login(t, phone, env.token(t, "user-1")).StatusCode)

	env.clock.Advance(time.Second)
	resp := env.do(t, laptop, http.MethodPost, "/auth/logout", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "success", decode[api.LogoutResponse](t, resp).Status)
	assert.Empty(t, env.cookie(t, laptop, "taskboard_session"))
	assert.Empty(t, env.cookie(t, laptop, "taskboard_csrf"))

	// The other device's cookie is now stale.
	assert.Equal(t, http.StatusUnauthorized, env.do(t, phone, http.MethodGet, "/auth/me", nil).StatusCode)
	assert.Empty(t, env.cookie(t, phone, "taskboard_session"), "rejected cookie is cleared")

	// Replaying the identity token from before the logout fails.
	resp = env.login(t, newClient(t), original)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "revoked", decode[api.ErrorResponse](t, resp).Code)

	// A freshly issued token works.
	fresh := newClient(t)
	require.Equal(t, http.StatusOK, env.login(t, fresh, env.token(t, "user-1")).StatusCode)
	assert.Equal(t, http.StatusOK, env.do(t, fresh, http.MethodGet, "/auth/me", nil).StatusCode)

	// Logging out twice is harmless.
	assert.Equal(t, http.StatusOK, env.do(t, laptop, http.MethodPost, "/auth/logout", nil).StatusCode)
}

func TestExpiredSessionIsAnonymous(t *testing.T) {
	env := setupServer(t)
	client := newClient(t)
	resp := env.do(t, client, http.MethodPost, "/auth/session",
		api.CreateSessionRequest{Token: env.token(t, "user-1"), MaxAgeSeconds: 60})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	env.clock.Advance(2 * time.Minute)
	assert.Equal(t, http.StatusUnauthorized, env.do(t, client, http.MethodGet, "/auth/me", nil).StatusCode)
	assert.Equal(t, http.StatusUnauthorized, env.do(t, client, http.MethodGet, "/tasks", nil).StatusCode)
}

func TestTamperedCookieIsRejected(t *testing.T) {
	env := setupServer(t)
	client := newClient(t)
	u, err := url.Parse(env.srv.URL)
	require.NoError(t, err)
	client.Jar.SetCookies(u, []*http.Cookie{{Name: "taskboard_session", Value: "forged.value.here", Path: "/"}})

	resp := env.do(t, client, http.MethodGet, "/auth/me", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Empty(t, env.cookie(t, client, "taskboard_session"))
}

func TestRevocationStoreUnavailable(t *testing.T) {
	env := setupServer(t)
	env.repo.down.Store(true)

	resp := env.login(t, newClient(t), env.token(t, "user-1"))
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "5", resp.Header.Get("Retry-After"))
	assert.Equal(t, "unavailable", decode[api.ErrorResponse](t, resp).Code)
}

func TestLogoutSucceedsWhenStoreIsDown(t *testing.T) {
	env := setupServer(t)
	client := newClient(t)
	require.Equal(t, http.StatusOK, env.login(t, client, env.token(t, "user-1")).StatusCode)

	env.repo.down.Store(true)
	resp := env.do(t, client, http.MethodPost, "/auth/logout", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, env.cookie(t, client, "taskboard_session"))
}

func TestLoginRateLimited(t *testing.T) {
	env := setupServer(t)
	client := newClient(t)

	var last *http.Response
	for i := range 25 {
		last = env.login(t, client, fmt.Sprintf("garbage-%d", i))
		if last.StatusCode == http.StatusTooManyRequests {
			break
		}
	}
	require.Equal(t, http.StatusTooManyRequests, last.StatusCode)
	assert.NotEmpty(t, last.Header.Get("Retry-After"))

	// Even a valid token is refused while locked out.
	assert.Equal(t, http.StatusTooManyRequests, env.login(t, client, env.token(t, "user-1")).StatusCode)
}

func TestAnonymousAccess(t *testing.T) {
	env := setupServer(t)
	client := newClient(t)

	assert.Equal(t, http.StatusUnauthorized, env.do(t, client, http.MethodGet, "/tasks", nil).StatusCode)
	assert.Equal(t, http.StatusUnauthorized, env.do(t, client, http.MethodGet, "/auth/me", nil).StatusCode)
	assert.Equal(t, http.StatusOK, env.do(t, client, http.MethodPost, "/auth/logout", nil).StatusCode)

	resp := env.do(t, client, http.MethodGet, "/openapi.yaml", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "no-store", resp.Header.Get("Cache-Control"))
}
