package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setRequired(t *testing.T) {
	t.Setenv("TASKBOARD_IDENTITY_ISSUER", "https://idp.example.test")
	t.Setenv("TASKBOARD_IDENTITY_AUDIENCE", "taskboard-web")
	t.Setenv("TASKBOARD_JWKS_URL", "https://idp.example.test/jwks")
}

func TestLoadDefaults(t *testing.T) {
	setRequired(t)
	cfg, err := Load(New(), "")
	require.NoError(t, err)

	assert.Equal(t, 8443, cfg.Port)
	assert.Equal(t, EnvDevelopment, cfg.Env)
	assert.Equal(t, StorageBolt, cfg.Storage)
	assert.Equal(t, "taskboard_session", cfg.SessionCookieName)
	assert.Equal(t, 5*24*time.Hour, cfg.SessionMaxAge)
	assert.Equal(t, 14*24*time.Hour, cfg.SessionMaxAgeCeiling)
	assert.Equal(t, time.Minute, cfg.RevocationRefresh)
	assert.Equal(t, time.Hour, cfg.JWKSCacheTTL)
	assert.Equal(t, 5*time.Second, cfg.JWKSTimeout)
	assert.Equal(t, 30*time.Second, cfg.JWKSMinRefresh)
	assert.Equal(t, 5*time.Minute, cfg.MaxTokenAge)
	assert.False(t, cfg.SecureCookies())
}

func TestLoadFromEnvironment(t *testing.T) {
	setRequired(t)
	t.Setenv("TASKBOARD_PORT", "9000")
	t.Setenv("TASKBOARD_ENV", "staging")
	t.Setenv("TASKBOARD_SESSION_SECRET", strings.Repeat("s", 32))
	t.Setenv("TASKBOARD_SESSION_MAX_AGE", "48h")
	t.Setenv("TASKBOARD_STORAGE", "postgres")
	t.Setenv("TASKBOARD_DATABASE_URL", "postgres://localhost/taskboard")
	t.Setenv("TASKBOARD_TRUSTED_PROXIES", "10.0.0.0/8,192.168.1.7")
	t.Setenv("TASKBOARD_PLAIN_HTTP", "true")

	cfg, err := Load(New(), "")
	require.NoError(t, err)
	assert.Equal(t, 9000, cfg.Port)
	assert.Equal(t, 48*time.Hour, cfg.SessionMaxAge)
	assert.Equal(t, StoragePostgres, cfg.Storage)
	assert.Equal(t, []string{"10.0.0.0/8", "192.168.1.7"}, cfg.TrustedProxies)
	assert.True(t, cfg.PlainHTTP)
	assert.True(t, cfg.SecureCookies())
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "taskboard.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
identity-issuer: https://idp.example.test
identity-audience: taskboard-web
identity-public-key-file: /etc/taskboard/idp.pem
session-max-age: 72h
log-format: text
`), 0o600))

	cfg, err := Load(New(), path)
	require.NoError(t, err)
	assert.Equal(t, 72*time.Hour, cfg.SessionMaxAge)
	assert.Equal(t, "/etc/taskboard/idp.pem", cfg.IdentityPublicKeyFile)
	assert.Equal(t, "text", cfg.LogFormat)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(New(), filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	setRequired(t)
	valid := func(t *testing.T) *Config {
		cfg, err := Load(New(), "")
		require.NoError(t, err)
		return cfg
	}

	cases := map[string]func(c *Config){
		"port":            func(c *Config) { c.Port = 0 },
		"env":             func(c *Config) { c.Env = "qa" },
		"tls pair":        func(c *Config) { c.TLSCert = "cert.pem" },
		"storage":         func(c *Config) { c.Storage = "redis" },
		"postgres dsn":    func(c *Config) { c.Storage = StoragePostgres },
		"short secret":    func(c *Config) { c.SessionSecret = "short" },
		"prod secret":     func(c *Config) { c.Env = EnvProduction },
		"cookie name":     func(c *Config) { c.SessionCookieName = "bad name;" },
		"max age":         func(c *Config) { c.SessionMaxAge = 0 },
		"above ceiling":   func(c *Config) { c.SessionMaxAge = 30 * 24 * time.Hour },
		"issuer":          func(c *Config) { c.IdentityIssuer = "" },
		"audience":        func(c *Config) { c.IdentityAudience = "" },
		"two key sources": func(c *Config) { c.IdentityPublicKeyFile = "idp.pem" },
		"no key source":   func(c *Config) { c.JWKSURL = "" },
		"log level":       func(c *Config) { c.LogLevel = "loud" },
		"jwks throttle":   func(c *Config) { c.JWKSMinRefresh = 2 * time.Hour },
		"log format":      func(c *Config) { c.LogFormat = "xml" },
		"webhook auth":    func(c *Config) { c.AuditWebhookAuth = "Bearer abc" },
		"plain http and tls": func(c *Config) {
			c.PlainHTTP = true
			c.TLSCert, c.TLSKey = "cert.pem", "key.pem"
		},
		"memory in prod": func(c *Config) {
			c.Env = EnvProduction
			c.SessionSecret = strings.Repeat("s", 32)
			c.Storage = StorageMemory
		},
		"plain http jwks in prod": func(c *Config) {
			c.Env = EnvProduction
			c.SessionSecret = strings.Repeat("s", 32)
			c.JWKSURL = "http://idp.example.test/jwks"
		},
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := valid(t)
			mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestParseLevel(t *testing.T) {
	for _, s := range []string{"debug", "info", "warn", "error", "INFO"} {
		_, err := ParseLevel(s)
		assert.NoError(t, err, s)
	}
	_, err := ParseLevel("verbose")
	assert.Error(t, err)
}
