package cmd

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"

	"github.com/jmcleod/taskboard/api"
	"github.com/jmcleod/taskboard/config"
	"github.com/jmcleod/taskboard/internal/util"
	"github.com/jmcleod/taskboard/tasks"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the taskboard server",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		logger := cfg.NewLogger(os.Stderr)
		slog.SetDefault(logger)

		ctx := cmd.Context()
		repo, closeRepo, err := openStorage(ctx, cfg)
		if err != nil {
			return err
		}
		defer closeRepo()

		sessions, err := newSessionManager(cfg, repo, logger)
		if err != nil {
			return err
		}
		proxies, err := api.ParseTrustedProxies(cfg.TrustedProxies)
		if err != nil {
			return err
		}

		opts := []api.Option{
			api.WithLogger(logger),
			api.WithSessionMaxAge(cfg.SessionMaxAge),
			api.WithCookies(cfg.CookieDomain, cfg.SecureCookies()),
			api.WithTrustedProxies(proxies),
			api.WithAlertFunc(func(e api.AlertEvent) {
				logger.Warn("security alert",
					slog.String("type", string(e.Type)),
					slog.String("message", e.Message),
					slog.Int("count", e.Count),
					slog.Int("threshold", e.Threshold))
			}),
		}
		if cfg.AuditWebhookURL != "" {
			opts = append(opts, api.WithAuditWebhook(cfg.AuditWebhookURL, cfg.AuditWebhookAuth))
		}
		a := api.New(sessions, tasks.NewService(repo), repo, opts...)
		defer a.Close()

		r := chi.NewRouter()
		r.Use(middleware.RequestID)
		r.Use(accessLog(logger))
		r.Use(middleware.Recoverer)
		r.Use(api.SecurityHeaders)

		r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte("OK"))
		})
		r.Mount("/api/v1", a.Router())

		server := &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Port),
			Handler:           r,
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       60 * time.Second,
			ErrorLog:          slog.NewLogLogger(logger.Handler(), slog.LevelWarn),
		}
		if !cfg.PlainHTTP {
			if server.TLSConfig, err = tlsConfig(cfg, logger); err != nil {
				return err
			}
		}

		// Graceful shutdown on SIGINT/SIGTERM.
		done := make(chan error, 1)
		go func() {
			var err error
			if server.TLSConfig != nil {
				err = server.ListenAndServeTLS("", "")
			} else {
				err = server.ListenAndServe()
			}
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				done <- fmt.Errorf("server failed: %w", err)
				return
			}
			done <- nil
		}()

		printBanner()
		logger.Info("server started",
			slog.Int("port", cfg.Port),
			slog.String("env", cfg.Env),
			slog.String("storage", cfg.Storage),
			slog.Bool("tls", server.TLSConfig != nil))

		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

		select {
		case sig := <-quit:
			logger.Info("shutting down", slog.String("signal", sig.String()))
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := server.Shutdown(ctx); err != nil {
				return fmt.Errorf("server shutdown failed: %w", err)
			}
			return nil
		case err := <-done:
			return err
		}
	},
}

func tlsConfig(cfg *config.Config, logger *slog.Logger) (*tls.Config, error) {
	var cert tls.Certificate
	var err error
	if cfg.TLSCert != "" {
		cert, err = tls.LoadX509KeyPair(cfg.TLSCert, cfg.TLSKey)
		if err != nil {
			return nil, fmt.Errorf("failed to load TLS key pair: %w", err)
		}
	} else {
		cert, err = util.GenerateSelfSignedCert()
		if err != nil {
			return nil, fmt.Errorf("failed to generate self-signed certificate: %w", err)
		}
		logger.Warn("using a self-signed certificate generated at startup")
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}, nil
}

// accessLog logs one line per request through logger.
func accessLog(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			logger.LogAttrs(r.Context(), slog.LevelInfo, "request",
				slog.String("request_id", middleware.GetReqID(r.Context())),
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", ww.Status()),
				slog.Int("bytes", ww.BytesWritten()),
				slog.Duration("duration", time.Since(start)))
		})
	}
}

func init() {
	rootCmd.AddCommand(serverCmd)
	f := serverCmd.Flags()
	f.IntP("port", "p", 8443, "Port to listen on")
	f.String("env", config.EnvDevelopment, "Deployment environment: development, staging or production")
	f.String("data-dir", "./data", "Directory for the bbolt database")
	f.String("storage", config.StorageBolt, "Storage backend: bbolt, postgres or memory")
	f.String("database-url", "", "PostgreSQL connection string")
	f.String("tls-cert", "", "Path to TLS certificate file")
	f.String("tls-key", "", "Path to TLS key file")
	f.Bool("plain-http", false, "Serve plain HTTP behind a TLS-terminating proxy")
	f.StringSlice("trusted-proxies", nil, "CIDR ranges whose forwarding headers are trusted")
	f.String("log-level", "info", "Log level: debug, info, warn or error")
	f.String("log-format", "json", "Log format: json or text")
	f.String("identity-issuer", "", "Expected iss claim of identity tokens")
	f.String("identity-audience", "", "Expected aud claim of identity tokens")
	f.String("jwks-url", "", "Identity provider JWKS endpoint")
	f.String("identity-public-key-file", "", "PEM public key of the identity provider, instead of jwks-url")
	f.Duration("session-max-age", 120*time.Hour, "Default session lifetime")
	f.String("audit-webhook-url", "", "Endpoint receiving audit events")
}
