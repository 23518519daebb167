// cmd/mediad/main.go
// Package main is the entry point for the media service. It wires the store,
// provider client, reconciliation engine, and HTTP surface, then serves until
// interrupted.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/SkillReel/skillreel-media-go/internal/config"
	"github.com/SkillReel/skillreel-media-go/internal/entitlement"
	"github.com/SkillReel/skillreel-media-go/internal/event"
	"github.com/SkillReel/skillreel-media-go/internal/metrics"
	"github.com/SkillReel/skillreel-media-go/internal/poller"
	"github.com/SkillReel/skillreel-media-go/internal/provider"
	"github.com/SkillReel/skillreel-media-go/internal/reconcile"
	"github.com/SkillReel/skillreel-media-go/internal/server"
	"github.com/SkillReel/skillreel-media-go/internal/storage"
	"github.com/SkillReel/skillreel-media-go/internal/telemetry"
	"github.com/SkillReel/skillreel-media-go/internal/token"
	"github.com/SkillReel/skillreel-media-go/internal/webhook"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load failed: %v\n", err)
		os.Exit(1)
	}

	logLevel := slog.LevelInfo
	if cfg.Env == "dev" {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	tp, err := telemetry.InitTracer("media-service")
	if err != nil {
		logger.Error("failed to initialize OpenTelemetry tracer", "error", err)
		os.Exit(1)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		telemetry.ShutdownTracer(ctx, tp)
	}()

	// Storage backend: PostgreSQL when configured, in-memory otherwise
	var store storage.Store
	if cfg.DatabaseDSN != "" {
		store, err = storage.NewPostgres(cfg.DatabaseDSN)
		if err != nil {
			logger.Error("failed to initialize postgres storage", "error", err)
			os.Exit(1)
		}
	} else {
		logger.Warn("no database configured, using in-memory storage")
		store = storage.NewMemory()
	}

	pub := event.NewPublisher(cfg.NATSURL)
	defer pub.Close()

	m := metrics.NewMetrics()

	providerClient := provider.New(cfg.ProviderBaseURL, cfg.ProviderTokenID, cfg.ProviderTokenSecret, m)
	engine := reconcile.NewEngine(store, pub, m)

	receiver := webhook.NewReceiver(engine, webhook.Options{
		Secret:       cfg.WebhookSecret,
		Tolerance:    cfg.SignatureTolerance,
		ApplyTimeout: cfg.WebhookApplyTimeout,
		Production:   cfg.Production(),
	}, m)

	statusPoller := poller.New(store, providerClient, engine, m, cfg.PollMaxAttempts, cfg.PollInterval)
	resolver := entitlement.NewResolver(store, providerClient, engine, m)

	issuer, err := token.NewIssuer(cfg.SigningKeyID, cfg.SigningKey, m)
	if err != nil {
		logger.Error("failed to initialize token issuer", "error", err)
		os.Exit(1)
	}

	mux := server.NewMux(server.Deps{
		Store:              store,
		Provider:           providerClient,
		Receiver:           receiver,
		Poller:             statusPoller,
		Entitlement:        resolver,
		Issuer:             issuer,
		Metrics:            m,
		JWTIssuer:          cfg.JWTIssuer,
		JWTAudience:        cfg.JWTAudience,
		CORSAllowedOrigins: cfg.CORSAllowedOrigins,
	})

	addr := fmt.Sprintf(":%s", cfg.Port)
	srv := &http.Server{
		Addr:        addr,
		Handler:     mux,
		ReadTimeout: 5 * time.Second,
		// The process endpoint blocks while polling; no write timeout
		WriteTimeout: 0,
	}

	go func() {
		logger.Info("server starting", "addr", addr, "env", cfg.Env)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server failed to start", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown failed", "error", err)
		os.Exit(1)
	}

	if postgresStore, ok := store.(interface{ Close() }); ok {
		postgresStore.Close()
	}

	logger.Info("server exited")
}
