// Package internal provides the main application initialization and runtime logic.
package internal

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/sync/errgroup"

	"github.com/starford/laguz/internal/mcpserver"
	"github.com/starford/laguz/internal/ratelimit"
	"github.com/starford/laguz/internal/store"
	"github.com/starford/laguz/internal/vault"
)

// Run starts the application with the given options.
func Run(ctx context.Context, opts ...Option) error {
	app := &application{}

	for _, opt := range opts {
		opt(app)
	}

	if app.config == nil {
		return fmt.Errorf("config is required")
	}

	cfg := app.config

	// Structured JSON logger on stderr; stdout carries protocol frames in
	// stdio mode.
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: cfg.App.LogLevel,
	}))
	slog.SetDefault(logger)

	logger.Info("Configuration loaded",
		slog.String("transport", cfg.App.Transport),
		slog.String("couchdb_url", cfg.CouchDB.BaseURL),
		slog.String("database", cfg.CouchDB.Database),
		slog.String("vault_id", cfg.Vault.ID),
		slog.Bool("path_obfuscation", cfg.Vault.PathObfuscation),
		slog.String("log_level", cfg.App.LogLevel.String()))

	// CouchDB client.
	st := store.New(store.Config{
		BaseURL:  cfg.CouchDB.BaseURL,
		Database: cfg.CouchDB.Database,
		User:     cfg.CouchDB.User,
		Password: cfg.CouchDB.Password,
	}, logger)
	defer st.Close()

	if err := st.Ping(ctx); err != nil {
		logger.Warn("CouchDB not reachable at startup", slog.String("error", err.Error()))
	}

	// Vault service over the store.
	svc := vault.NewService(st, vault.Config{
		Passphrase:      cfg.Vault.Passphrase,
		PathObfuscation: cfg.Vault.PathObfuscation,
		ResolveScanCap:  cfg.Vault.ResolveScanCap,
		SearchScanCap:   cfg.Vault.SearchScanCap,
	}, logger)

	limiter := ratelimit.New(cfg.RateLimit.RequestsPerMinute, cfg.RateLimit.BurstSize)

	srv := mcpserver.New(svc, limiter, cfg.Vault.ID, logger)

	if cfg.App.Transport == TransportStdio {
		return runStdio(ctx, srv, logger)
	}
	return runHTTP(ctx, cfg, srv, st, logger)
}

func runStdio(ctx context.Context, srv *mcpserver.Server, logger *slog.Logger) error {
	logger.Info("Serving on stdio")
	if err := srv.ServeStdio(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("stdio transport: %w", err)
	}
	logger.Info("Server stopped successfully")
	return nil
}

func runHTTP(ctx context.Context, cfg *Config, srv *mcpserver.Server, st *store.Client, logger *slog.Logger) error {
	transport := mcpserver.NewHTTPTransport(srv, logger)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	// Health check endpoints (unauthenticated).
	r.Get("/health/live", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Get("/health/ready", func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := st.Ping(req.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"status":"unavailable"}`))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	// Protocol routes, optionally behind bearer auth.
	r.Group(func(r chi.Router) {
		if cfg.Auth.Enabled() {
			r.Use(bearerAuth(cfg.Auth.Token))
		}
		r.Mount("/", transport.Routes())
	})

	httpServer := &http.Server{
		Addr:    cfg.App.HTTP.Address(),
		Handler: r,
	}

	logger.Info("Server starting...",
		slog.String("http_address", cfg.App.HTTP.Address()),
		slog.String("transport", cfg.App.Transport))

	g, gCtx := errgroup.WithContext(ctx)

	// Session janitor.
	g.Go(func() error {
		return transport.Run(gCtx)
	})

	// Start HTTP server.
	g.Go(func() error {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server error: %w", err)
		}
		return nil
	})

	// Handle shutdown signals.
	g.Go(func() error {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

		select {
		case sig := <-quit:
			logger.Info("Received shutdown signal", slog.String("signal", sig.String()))
		case <-gCtx.Done():
			logger.Info("Context cancelled, initiating shutdown")
		}

		logger.Info("Shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("HTTP server shutdown error", slog.String("error", err.Error()))
		}

		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Error("Application error", slog.String("error", err.Error()))
		return err
	}

	logger.Info("Server stopped successfully")
	return nil
}

// bearerAuth enforces a constant-time bearer token check.
func bearerAuth(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			auth := r.Header.Get("Authorization")
			got, ok := strings.CutPrefix(auth, "Bearer ")
			if !ok || subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusUnauthorized)
				_, _ = w.Write([]byte(`{"error":"unauthorized"}`))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
