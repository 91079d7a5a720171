// Quote broker server: one authenticated provider session shared by many websocket clients.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ashureev/quotebroker/internal/api"
	"github.com/ashureev/quotebroker/internal/broker"
	"github.com/ashureev/quotebroker/internal/browser"
	"github.com/ashureev/quotebroker/internal/config"
	"github.com/ashureev/quotebroker/internal/healthcheck"
	"github.com/ashureev/quotebroker/internal/hub"
	"github.com/ashureev/quotebroker/internal/login"
	"github.com/ashureev/quotebroker/internal/metrics"
	"github.com/ashureev/quotebroker/internal/middleware"
	"github.com/ashureev/quotebroker/internal/provider"
	"github.com/ashureev/quotebroker/internal/router"
	"github.com/ashureev/quotebroker/internal/store"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	level := new(slog.LevelVar)
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}
	level.Set(cfg.LogLevel)

	slog.Info("Starting server",
		"port", cfg.Port,
		"dev", cfg.IsDevelopment(),
		"browser_mode", cfg.Browser.Mode,
		"username", cfg.Credentials.Username,
	)

	// Initialize dependencies.
	repo, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()
	slog.Info("Database connected", "path", cfg.DBPath)

	launcher, err := newLauncher(cfg.Browser)
	if err != nil {
		slog.Error("Failed to initialize browser launcher", "error", err)
		os.Exit(1)
	}

	quotes := provider.NewHTTPClient(provider.HTTPConfig{
		BaseURL:         cfg.Provider.BaseURL,
		SignInURL:       cfg.Provider.SignInURL(),
		HistoryURL:      cfg.Provider.HistoryURL,
		Timeout:         cfg.Provider.Timeout,
		RateLimit:       cfg.Provider.RateLimit,
		BarLimit:        cfg.Provider.BarLimit,
		SessionCookie:   cfg.Challenge.SessionCookie,
		SignatureCookie: cfg.Challenge.SignatureCookie,
	})

	sessions := broker.NewManager(broker.Config{
		Credentials: cfg.Credentials,
		Credential:  login.NewCredentialLogin(quotes, login.NewClassifier(cfg.Provider.Markers)),
		Challenge: login.NewChallengeLogin(launcher, login.ChallengeConfig{
			SignInURL:       cfg.Provider.SignInURL(),
			SessionCookie:   cfg.Challenge.SessionCookie,
			SignatureCookie: cfg.Challenge.SignatureCookie,
			PollInterval:    cfg.Challenge.PollInterval,
			ElementTimeout:  cfg.Challenge.ElementTimeout,
		}),
		ChallengeTimeout: cfg.Challenge.Timeout,
		Logout:           quotes,
		Recorder:         repo,
	})
	sessions.OnChange(metrics.SetAuthenticated)

	var healthSrv *healthcheck.Server
	if cfg.GRPCHealthPort != "" {
		healthSrv = healthcheck.New()
		sessions.OnChange(healthSrv.SetAuthenticated)

		lis, err := net.Listen("tcp", ":"+cfg.GRPCHealthPort)
		if err != nil {
			slog.Error("Failed to listen for gRPC health", "error", err, "port", cfg.GRPCHealthPort)
			os.Exit(1)
		}
		go func() {
			if err := healthSrv.Serve(lis); err != nil {
				slog.Error("gRPC health server failed", "error", err)
			}
		}()
	}

	// Initialize handlers.
	wsHub := hub.New(router.New(sessions, quotes), hub.NewRegistry(), cfg.AllowedOrigin, cfg.IsDevelopment())
	apiHandler := api.NewHandler(repo, sessions)

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(middleware.Metrics)
	r.Use(middleware.CORS(cfg.AllowedOrigin))

	apiHandler.RegisterHealth(r)
	apiHandler.RegisterRoutes(r)
	r.Handle("/metrics", promhttp.Handler())

	// WebSocket endpoint.
	r.Get("/ws", wsHub.ServeHTTP)

	// Websocket connections are long-lived, so there is no WriteTimeout.
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      0,
		IdleTimeout:       120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store.StartRetentionWorker(ctx, repo, cfg.LoginLogRetention)

	// Start server.
	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for shutdown signal.
	<-ctx.Done()
	stop()

	slog.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Hijacked websocket connections are not closed by srv.Shutdown.
	wsHub.Shutdown()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
	}
	if err := sessions.Shutdown(shutdownCtx); err != nil {
		slog.Warn("Session manager did not stop cleanly", "error", err)
	}
	if healthSrv != nil {
		healthSrv.Stop()
	}

	slog.Info("Server stopped successfully")
}

func newLauncher(cfg config.BrowserConfig) (browser.Launcher, error) {
	switch cfg.Mode {
	case config.BrowserModeLocal:
		return &browser.ExecLauncher{ExecPath: cfg.ExecPath, Headless: cfg.Headless}, nil
	case config.BrowserModeRemote:
		return &browser.RemoteLauncher{URL: cfg.RemoteURL}, nil
	case config.BrowserModeDocker:
		launcher, err := browser.NewDockerLauncher(cfg.DockerImage, cfg.DockerPort)
		if err != nil {
			return nil, err
		}
		return launcher, nil
	default:
		return nil, fmt.Errorf("unknown browser mode %q", cfg.Mode)
	}
}
