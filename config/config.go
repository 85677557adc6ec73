// Package config loads and validates taskboard configuration from flags,
// environment variables (prefix TASKBOARD_) and an optional YAML file
// using Viper.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/jmcleod/taskboard/internal/util"
)

const envPrefix = "TASKBOARD"

const (
	EnvDevelopment = "development"
	EnvStaging     = "staging"
	EnvProduction  = "production"
)

const (
	StorageBolt     = "bbolt"
	StoragePostgres = "postgres"
	StorageMemory   = "memory"
)

// Config holds the server configuration. Keys match the command-line flag
// names; the environment variable for a key is TASKBOARD_ followed by the
// key upper-cased with dashes replaced by underscores.
type Config struct {
	Port    int    `mapstructure:"port"`
	Env     string `mapstructure:"env"`
	DataDir string `mapstructure:"data-dir"`
	TLSCert string `mapstructure:"tls-cert"`
	TLSKey  string `mapstructure:"tls-key"`
	// PlainHTTP serves without TLS, for deployments behind a TLS-terminating
	// proxy. Without it and without tls-cert, a self-signed certificate is
	// generated at startup.
	PlainHTTP      bool     `mapstructure:"plain-http"`
	TrustedProxies []string `mapstructure:"trusted-proxies"`

	// Storage selects the document store backend: bbolt, postgres or memory.
	Storage     string `mapstructure:"storage"`
	DatabaseURL string `mapstructure:"database-url"`

	LogLevel        string `mapstructure:"log-level"`
	LogFormat       string `mapstructure:"log-format"`
	AuditWebhookURL string `mapstructure:"audit-webhook-url"`
	// AuditWebhookAuth is an optional "Header: Value" pair sent with every
	// webhook delivery.
	AuditWebhookAuth string `mapstructure:"audit-webhook-auth"`

	// SessionSecret is the input keying material for the session signing
	// key. At least 32 bytes.
	SessionSecret        string        `mapstructure:"session-secret"`
	SessionCookieName    string        `mapstructure:"session-cookie-name"`
	CookieDomain         string        `mapstructure:"cookie-domain"`
	SessionMaxAge        time.Duration `mapstructure:"session-max-age"`
	SessionMaxAgeCeiling time.Duration `mapstructure:"session-max-age-ceiling"`
	RevocationRefresh    time.Duration `mapstructure:"revocation-refresh"`

	// Identity provider. Exactly one of JWKSURL and IdentityPublicKeyFile
	// must be set.
	IdentityIssuer        string        `mapstructure:"identity-issuer"`
	IdentityAudience      string        `mapstructure:"identity-audience"`
	JWKSURL               string        `mapstructure:"jwks-url"`
	IdentityPublicKeyFile string        `mapstructure:"identity-public-key-file"`
	IdentityKeyID         string        `mapstructure:"identity-key-id"`
	JWKSCacheTTL          time.Duration `mapstructure:"jwks-cache-ttl"`
	JWKSTimeout           time.Duration `mapstructure:"jwks-timeout"`
	JWKSMinRefresh        time.Duration `mapstructure:"jwks-min-refresh"`
	TokenLeeway           time.Duration `mapstructure:"token-leeway"`
	MaxTokenAge           time.Duration `mapstructure:"max-token-age"`
}

// SetDefaults registers every key with its default so that environment
// variables are picked up for all of them.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("port", 8443)
	v.SetDefault("env", EnvDevelopment)
	v.SetDefault("data-dir", "./data")
	v.SetDefault("tls-cert", "")
	v.SetDefault("tls-key", "")
	v.SetDefault("plain-http", false)
	v.SetDefault("trusted-proxies", []string{})
	v.SetDefault("storage", StorageBolt)
	v.SetDefault("database-url", "")
	v.SetDefault("log-level", "info")
	v.SetDefault("log-format", "json")
	v.SetDefault("audit-webhook-url", "")
	v.SetDefault("audit-webhook-auth", "")
	v.SetDefault("session-secret", "")
	v.SetDefault("session-cookie-name", "taskboard_session")
	v.SetDefault("cookie-domain", "")
	v.SetDefault("session-max-age", "120h")
	v.SetDefault("session-max-age-ceiling", "336h")
	v.SetDefault("revocation-refresh", "1m")
	v.SetDefault("identity-issuer", "")
	v.SetDefault("identity-audience", "")
	v.SetDefault("jwks-url", "")
	v.SetDefault("identity-public-key-file", "")
	v.SetDefault("identity-key-id", "default")
	v.SetDefault("jwks-cache-ttl", "1h")
	v.SetDefault("jwks-timeout", "5s")
	v.SetDefault("jwks-min-refresh", "30s")
	v.SetDefault("token-leeway", "0s")
	v.SetDefault("max-token-age", "5m")
}

// New returns a Viper instance with defaults and environment binding set up.
func New() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	SetDefaults(v)
	return v
}

// Load reads configFile (if non-empty) into v, then decodes and validates
// the result.
func Load(v *viper.Viper, configFile string) (*Config, error) {
	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: reading %s: %w", configFile, err)
		}
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: decoding: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("config: "+format, args...))
	}

	if c.Port < 1 || c.Port > 65535 {
		add("port must be between 1 and 65535")
	}
	switch c.Env {
	case EnvDevelopment, EnvStaging, EnvProduction:
	default:
		add("env must be one of development, staging, production")
	}
	if (c.TLSCert == "") != (c.TLSKey == "") {
		add("tls-cert and tls-key must be set together")
	}
	if c.PlainHTTP && c.TLSCert != "" {
		add("plain-http and tls-cert are mutually exclusive")
	}

	switch c.Storage {
	case StorageBolt:
		if c.DataDir == "" {
			add("data-dir is required for the bbolt storage backend")
		}
	case StoragePostgres:
		if c.DatabaseURL == "" {
			add("database-url is required for the postgres storage backend")
		}
	case StorageMemory:
		if c.Env == EnvProduction {
			add("memory storage must not be used in production")
		}
	default:
		add("storage must be one of bbolt, postgres, memory")
	}

	if c.AuditWebhookAuth != "" && !strings.Contains(c.AuditWebhookAuth, ":") {
		add("audit-webhook-auth must have the form \"Header: Value\"")
	}
	if _, err := ParseLevel(c.LogLevel); err != nil {
		add("%v", err)
	}
	if c.LogFormat != "json" && c.LogFormat != "text" {
		add("log-format must be json or text")
	}

	// An empty secret is allowed in development only; the server then
	// generates an ephemeral one.
	if c.SessionSecret != "" || c.Env != EnvDevelopment {
		if len(c.SessionSecret) < util.MinSecretLength {
			add("session-secret must be at least %d bytes", util.MinSecretLength)
		}
	}
	if !validCookieName(c.SessionCookieName) {
		add("session-cookie-name %q is not a valid cookie name", c.SessionCookieName)
	}
	if c.SessionMaxAgeCeiling <= 0 {
		add("session-max-age-ceiling must be positive")
	}
	if c.SessionMaxAge <= 0 {
		add("session-max-age must be positive")
	} else if c.SessionMaxAge > c.SessionMaxAgeCeiling {
		add("session-max-age must not exceed session-max-age-ceiling")
	}
	if c.RevocationRefresh < 0 {
		add("revocation-refresh must not be negative")
	}

	if c.IdentityIssuer == "" {
		add("identity-issuer is required")
	}
	if c.IdentityAudience == "" {
		add("identity-audience is required")
	}
	if (c.JWKSURL == "") == (c.IdentityPublicKeyFile == "") {
		add("exactly one of jwks-url and identity-public-key-file must be set")
	}
	if c.JWKSURL != "" && c.Env == EnvProduction && !strings.HasPrefix(c.JWKSURL, "https://") {
		add("jwks-url must use https in production")
	}
	if c.JWKSTimeout <= 0 {
		add("jwks-timeout must be positive")
	}
	if c.JWKSCacheTTL <= 0 {
		add("jwks-cache-ttl must be positive")
	}
	if c.JWKSMinRefresh < 0 || c.JWKSMinRefresh > c.JWKSCacheTTL {
		add("jwks-min-refresh must be between 0 and jwks-cache-ttl")
	}
	if c.TokenLeeway < 0 || c.MaxTokenAge < 0 {
		add("token-leeway and max-token-age must not be negative")
	}

	return errors.Join(errs...)
}

// SecureCookies reports whether cookies must always carry the Secure
// attribute, independent of how the request arrived.
func (c *Config) SecureCookies() bool {
	return c.Env == EnvProduction || c.Env == EnvStaging
}

// ParseLevel maps a level name onto a slog.Level.
func ParseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("log-level %q is not one of debug, info, warn, error", s)
	}
	return level, nil
}

// NewLogger builds the process logger described by the configuration.
func (c *Config) NewLogger(w io.Writer) *slog.Logger {
	level, err := ParseLevel(c.LogLevel)
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if c.LogFormat == "text" {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

// validCookieName reports whether name is a non-empty RFC 6265 token.
func validCookieName(name string) bool {
	if name == "" {
		return false
	}
	for _, r := range name {
		if r <= ' ' || r >= 0x7f || strings.ContainsRune(`()<>@,;:\"/[]?={}`, r) {
			return false
		}
	}
	return true
}
