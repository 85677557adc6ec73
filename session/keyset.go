package session

import (
	"context"
	"crypto/ecdsa"
	"crypto/rsa"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/lestrrat-go/jwx/v3/jwk"
	"golang.org/x/sync/singleflight"
)

// KeyProvider resolves identity-provider verification keys by key ID. The
// provider rejects keys that may not verify tokens signed with alg. Errors
// must be *AuthError so that callers can classify them.
type KeyProvider interface {
	Key(ctx context.Context, kid, alg string) (any, error)
}

const (
	defaultKeyCacheTTL        = time.Hour
	defaultKeyFetchTimeout    = 5 * time.Second
	defaultMinRefreshInterval = 30 * time.Second
	maxJWKSBodySize           = 1 << 20
	minRSAKeyBits             = 2048
)

// RemoteKeySet fetches a JSON Web Key Set from the identity provider and
// caches it process-wide. The set is refreshed when the TTL lapses, when a
// token names an unknown kid, or when Refresh is called after a signature
// failure. Unscheduled refreshes are throttled by the minimum refresh
// interval. When a refresh fails the previous set keeps being served.
//
// RemoteKeySet is safe for concurrent use.
type RemoteKeySet struct {
	url          string
	client       *http.Client
	ttl          time.Duration
	fetchTimeout time.Duration
	minRefresh   time.Duration
	clock        Clock
	logger       *slog.Logger

	group singleflight.Group

	mu          sync.RWMutex
	keys        map[string]verificationKey
	fetchedAt   time.Time
	lastAttempt time.Time
}

var _ KeyProvider = (*RemoteKeySet)(nil)

// KeySetOption configures a RemoteKeySet.
type KeySetOption func(*RemoteKeySet)

// WithHTTPClient sets the client used for JWKS requests.
func WithHTTPClient(c *http.Client) KeySetOption {
	return func(k *RemoteKeySet) { k.client = c }
}

// WithKeyCacheTTL sets how long a fetched key set is considered fresh.
func WithKeyCacheTTL(d time.Duration) KeySetOption {
	return func(k *RemoteKeySet) { k.ttl = d }
}

// WithKeyFetchTimeout bounds every JWKS request.
func WithKeyFetchTimeout(d time.Duration) KeySetOption {
	return func(k *RemoteKeySet) { k.fetchTimeout = d }
}

// WithMinRefreshInterval throttles refreshes triggered by unknown key IDs
// and signature failures.
func WithMinRefreshInterval(d time.Duration) KeySetOption {
	return func(k *RemoteKeySet) { k.minRefresh = d }
}

// WithKeySetClock sets the time source used for cache bookkeeping.
func WithKeySetClock(c Clock) KeySetOption {
	return func(k *RemoteKeySet) { k.clock = c }
}

// WithKeySetLogger sets the logger for refresh failures.
func WithKeySetLogger(l *slog.Logger) KeySetOption {
	return func(k *RemoteKeySet) { k.logger = l }
}

// NewRemoteKeySet returns a key set backed by the JWKS document at url.
// Nothing is fetched until the first lookup.
func NewRemoteKeySet(url string, opts ...KeySetOption) *RemoteKeySet {
	k := &RemoteKeySet{
		url:          url,
		ttl:          defaultKeyCacheTTL,
		fetchTimeout: defaultKeyFetchTimeout,
		minRefresh:   defaultMinRefreshInterval,
		clock:        realClock{},
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(k)
	}
	if k.client == nil {
		k.client = &http.Client{Timeout: k.fetchTimeout}
	}
	return k
}

// Key returns the verification key for kid, provided it may verify alg.
func (k *RemoteKeySet) Key(ctx context.Context, kid, alg string) (any, error) {
	vk, err := k.lookup(ctx, kid)
	if err != nil {
		return nil, err
	}
	if err := vk.allows(alg); err != nil {
		return nil, err
	}
	return vk.key, nil
}

func (k *RemoteKeySet) lookup(ctx context.Context, kid string) (verificationKey, error) {
	now := k.clock.Now()

	k.mu.RLock()
	keys, fetchedAt, lastAttempt := k.keys, k.fetchedAt, k.lastAttempt
	k.mu.RUnlock()

	fresh := keys != nil && now.Sub(fetchedAt) < k.ttl
	if fresh {
		if key, ok := keys[kid]; ok {
			return key, nil
		}
		// Unknown kid on a fresh set usually means the provider rotated keys.
		if now.Sub(lastAttempt) < k.minRefresh {
			return verificationKey{}, newAuthError(KindUntrusted, nil, "unknown signing key %q", kid)
		}
	} else if keys != nil && now.Sub(lastAttempt) < k.minRefresh {
		// Stale set and a refresh was just attempted: serve stale.
		if key, ok := keys[kid]; ok {
			return key, nil
		}
		return verificationKey{}, newAuthError(KindUntrusted, nil, "unknown signing key %q", kid)
	}

	refreshed, err := k.refresh(ctx)
	if err != nil {
		if keys == nil {
			return verificationKey{}, newAuthError(KindUnavailable, err, "fetching identity provider keys")
		}
		k.logger.WarnContext(ctx, "jwks refresh failed; serving cached keys",
			slog.String("url", k.url), slog.Any("error", err))
		refreshed = keys
	}
	key, ok := refreshed[kid]
	if !ok {
		return verificationKey{}, newAuthError(KindUntrusted, nil, "unknown signing key %q", kid)
	}
	return key, nil
}

// Refresh re-fetches the key set unless a fetch was attempted within the
// minimum refresh interval. It reports whether a new set was loaded.
func (k *RemoteKeySet) Refresh(ctx context.Context) (bool, error) {
	k.mu.RLock()
	lastAttempt := k.lastAttempt
	k.mu.RUnlock()
	if k.clock.Now().Sub(lastAttempt) < k.minRefresh {
		return false, nil
	}
	if _, err := k.refresh(ctx); err != nil {
		return false, err
	}
	return true, nil
}

// refresh fetches the set once for all concurrent callers.
func (k *RemoteKeySet) refresh(ctx context.Context) (map[string]verificationKey, error) {
	v, err, _ := k.group.Do("jwks", func() (any, error) {
		// Detach from the first caller's cancellation; the result is shared.
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), k.fetchTimeout)
		defer cancel()

		k.mu.Lock()
		k.lastAttempt = k.clock.Now()
		k.mu.Unlock()

		keys, err := fetchJWKS(fetchCtx, k.client, k.url)
		if err != nil {
			return nil, err
		}

		k.mu.Lock()
		k.keys = keys
		k.fetchedAt = k.clock.Now()
		k.mu.Unlock()
		return keys, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(map[string]verificationKey), nil
}

func fetchJWKS(ctx context.Context, client *http.Client, url string) (map[string]verificationKey, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("creating JWKS request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("JWKS request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("JWKS endpoint returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxJWKSBodySize))
	if err != nil {
		return nil, fmt.Errorf("reading JWKS response: %w", err)
	}
	return parseJWKS(body)
}

// verificationKey is a public key from the provider's key set together
// with the algorithm the provider pinned it to, if any.
type verificationKey struct {
	key any
	alg string
}

func (k verificationKey) allows(alg string) error {
	if k.alg != "" && k.alg != alg {
		return newAuthError(KindUntrusted, nil, "signing key is pinned to %s, token uses %s", k.alg, alg)
	}
	return checkKeyAlgorithm(k.key, alg)
}

// parseJWKS keeps the signature keys of a JWKS document that carry a kid.
// Keys that fail to parse or validate are skipped.
func parseJWKS(body []byte) (map[string]verificationKey, error) {
	set, err := jwk.Parse(body, jwk.WithIgnoreParseError(true))
	if err != nil {
		return nil, fmt.Errorf("parsing JWKS: %w", err)
	}

	keys := make(map[string]verificationKey, set.Len())
	for i := range set.Len() {
		key, ok := set.Key(i)
		if !ok {
			continue
		}
		kid, ok := key.KeyID()
		if !ok || kid == "" {
			continue
		}
		if use, ok := key.KeyUsage(); ok && use != "sig" {
			continue
		}
		pub, err := exportPublicKey(key)
		if err != nil {
			continue
		}
		vk := verificationKey{key: pub}
		if alg, ok := key.Algorithm(); ok {
			vk.alg = alg.String()
		}
		keys[kid] = vk
	}
	if len(keys) == 0 {
		return nil, errors.New("JWKS contains no usable signing keys")
	}
	return keys, nil
}

// exportPublicKey converts a JWK into the crypto key golang-jwt verifies
// with. EC points must lie on their curve.
func exportPublicKey(key jwk.Key) (any, error) {
	pub, err := jwk.PublicKeyOf(key)
	if err != nil {
		return nil, fmt.Errorf("deriving public key: %w", err)
	}
	var raw any
	if err := jwk.Export(pub, &raw); err != nil {
		return nil, fmt.Errorf("exporting key: %w", err)
	}
	switch k := raw.(type) {
	case *rsa.PublicKey:
		if k.N.BitLen() < minRSAKeyBits {
			return nil, fmt.Errorf("RSA key is %d bits", k.N.BitLen())
		}
		return k, nil
	case *ecdsa.PublicKey:
		if _, err := k.ECDH(); err != nil {
			return nil, fmt.Errorf("invalid EC public key: %w", err)
		}
		return k, nil
	default:
		return nil, fmt.Errorf("unsupported key type %T", raw)
	}
}

// checkKeyAlgorithm rejects a token whose alg does not fit the key type,
// including an ES algorithm on the wrong curve.
func checkKeyAlgorithm(key any, alg string) error {
	switch k := key.(type) {
	case *rsa.PublicKey:
		if strings.HasPrefix(alg, "RS") || strings.HasPrefix(alg, "PS") {
			return nil
		}
	case *ecdsa.PublicKey:
		if want, ok := ecdsaCurves[alg]; ok && k.Curve.Params().Name == want {
			return nil
		}
	}
	return newAuthError(KindUntrusted, nil, "signing key does not allow %s", alg)
}

var ecdsaCurves = map[string]string{
	"ES256": "P-256",
	"ES384": "P-384",
	"ES512": "P-521",
}

// StaticKeySet serves a fixed set of keys, for providers configured with
// PEM public keys instead of a JWKS endpoint.
type StaticKeySet map[string]any

var _ KeyProvider = StaticKeySet(nil)

func (s StaticKeySet) Key(_ context.Context, kid, alg string) (any, error) {
	key, ok := s[kid]
	if !ok {
		return nil, newAuthError(KindUntrusted, nil, "unknown signing key %q", kid)
	}
	if err := checkKeyAlgorithm(key, alg); err != nil {
		return nil, err
	}
	return key, nil
}
