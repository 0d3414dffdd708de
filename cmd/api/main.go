package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/glowpoint/terminal-payments/internal/config"
	"github.com/glowpoint/terminal-payments/internal/handler"
	"github.com/glowpoint/terminal-payments/internal/logging"
	"github.com/glowpoint/terminal-payments/internal/metrics"
	"github.com/glowpoint/terminal-payments/internal/middleware"
	"github.com/glowpoint/terminal-payments/internal/notify"
	"github.com/glowpoint/terminal-payments/internal/provider"
	"github.com/glowpoint/terminal-payments/internal/store"
	"github.com/glowpoint/terminal-payments/internal/terminal"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := logging.Init("terminal-payments-api", cfg.LogLevel, cfg.AppEnv)

	var db *sql.DB
	var archive terminal.Archive
	if cfg.DatabaseURL != "" {
		db, err = connectDB(cfg)
		if err != nil {
			slog.Error("failed to connect to database", "error", err)
			os.Exit(1)
		}
		defer db.Close()
		archive = store.NewPostgres(db)
	}

	sessions := store.NewMemory(cfg.SessionRetention, logger)

	janitorCtx, stopJanitor := context.WithCancel(context.Background())
	defer stopJanitor()
	go sessions.RunJanitor(janitorCtx, time.Minute)

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	gateway := provider.NewClient(
		cfg.ProviderBaseURL,
		cfg.ProviderAPIToken,
		cfg.TerminalDeviceCode,
		cfg.Currency,
		cfg.WebhookCallbackURL,
	)

	engine := terminal.NewEngine(
		gateway,
		sessions,
		archive,
		&notify.LogSink{Logger: logger},
		terminal.Config{
			PollInterval:    cfg.PollInterval,
			PollMaxAttempts: cfg.PollMaxAttempts,
			PollDeadline:    cfg.PollDeadline,
			GraceWindow:     cfg.GraceWindow,
		},
		metrics.New(registry),
		logger,
	)

	payments := handler.NewPaymentHandler(engine, sessions)
	webhooks := handler.NewWebhookHandler(engine, cfg.WebhookSecret)
	health := handler.NewHealthHandler(db)

	authed := middleware.Auth(cfg.JWTSecret)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", health.Liveness)
	mux.HandleFunc("GET /health/ready", health.Readiness)
	mux.Handle("GET /metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	mux.Handle("POST /api/v1/terminal/payments", authed(http.HandlerFunc(payments.Start)))
	mux.Handle("GET /api/v1/terminal/payments/{reference}", authed(http.HandlerFunc(payments.Get)))
	mux.Handle("POST /api/v1/terminal/payments/{reference}/cancel", authed(http.HandlerFunc(payments.Cancel)))
	mux.Handle("GET /api/v1/terminal/sessions", authed(http.HandlerFunc(payments.Sessions)))

	// Webhooks authenticate by signature, not bearer token.
	mux.HandleFunc("POST /api/v1/webhooks/terminal", webhooks.ReceiveTerminalWebhook)

	chain := middleware.Tracing(middleware.Logging(middleware.Recovery(mux)))

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:              addr,
		Handler:           chain,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		slog.Info("server started", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down server")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	// Pollers stop after the listener so in-flight requests see consistent
	// state; sessions still awaiting an outcome remain in the store.
	engine.Close()
	stopJanitor()
	slog.Info("server stopped")
}

func connectDB(cfg *config.Config) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("connectDB: %w", err)
	}

	db.SetMaxOpenConns(cfg.DBMaxOpenConns)
	db.SetMaxIdleConns(cfg.DBMaxIdleConns)
	db.SetConnMaxLifetime(time.Duration(cfg.DBConnMaxLifetimeS) * time.Second)
	db.SetConnMaxIdleTime(time.Duration(cfg.DBConnMaxIdleTimeS) * time.Second)

	for i := range 30 {
		if err = db.Ping(); err == nil {
			return db, nil
		}
		slog.Info("waiting for database", "attempt", i+1)
		time.Sleep(time.Second)
	}

	db.Close()
	return nil, fmt.Errorf("connectDB: gave up after 30 attempts: %w", err)
}
