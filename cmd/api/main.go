// Package main is the entry point for the insights API server.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/capitalize-ai/insights-platform/internal/config"
	"github.com/capitalize-ai/insights-platform/internal/events"
	"github.com/capitalize-ai/insights-platform/internal/grok"
	"github.com/capitalize-ai/insights-platform/internal/handler"
	"github.com/capitalize-ai/insights-platform/internal/middleware"
	"github.com/capitalize-ai/insights-platform/internal/ratelimit"
	"github.com/capitalize-ai/insights-platform/internal/scheduler"
	"github.com/capitalize-ai/insights-platform/internal/store"
	"github.com/capitalize-ai/insights-platform/pkg/logger"
	"github.com/capitalize-ai/insights-platform/pkg/tracing"
)

func main() {
	// Load configuration
	cfg := config.Load()

	// Initialize logger
	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetGlobal(log)

	log.Info("starting insights API server")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialize tracing if enabled
	if cfg.TracingEnabled {
		tp, err := tracing.InitTracer(ctx, "insights-platform", cfg.TracingEndpoint)
		if err != nil {
			log.Warn("failed to initialize tracing", zap.Error(err))
		} else {
			defer tracing.Shutdown(context.Background(), tp)
		}
	}

	// Open storage
	db, err := store.Open(cfg.DBPath)
	if err != nil {
		log.Error("failed to open storage", zap.Error(err))
		os.Exit(1)
	}
	defer db.Close()

	// Admission gate for inbound submissions and pacing gate for outbound
	// analysis calls.
	inboundGate := ratelimit.NewBucket(cfg.InboundRPS, 0)
	outboundGate := ratelimit.NewBucket(cfg.OutboundRPS, 0)

	grokClient := grok.NewClient(grok.Config{
		APIKey:      cfg.GrokAPIKey,
		BaseURL:     cfg.GrokBaseURL,
		Model:       cfg.GrokModel,
		MaxRetries:  cfg.MaxRetries,
		BackoffBase: cfg.BackoffBase,
	}, outboundGate, log)
	if grokClient.Offline() {
		log.Warn("no Grok API key configured, using offline heuristic analysis")
	}

	// Optional NATS event fanout
	var publisher scheduler.Publisher
	if cfg.NATSURL != "" {
		natsPublisher, err := events.Connect(ctx, events.Config{
			URL:   cfg.NATSURL,
			Token: cfg.NATSToken,
		}, log)
		if err != nil {
			log.Error("failed to connect to NATS", zap.Error(err))
			os.Exit(1)
		}
		defer natsPublisher.Close()
		publisher = natsPublisher
	}

	sched := scheduler.New(db, grokClient, publisher, scheduler.Config{
		BatchSize:     cfg.BatchSize,
		FlushInterval: cfg.FlushInterval,
		QueueCapacity: cfg.QueueCapacity,
	}, log)

	// Initialize handlers
	healthHandler := handler.NewHealthHandler(db)
	conversationHandler := handler.NewConversationHandler(db, sched, log)
	insightsHandler := handler.NewInsightsHandler(db, log)

	// Create router
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logging(log))
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.CORS())

	// Health endpoints (no auth required)
	r.Get("/health", healthHandler.Health)
	r.Get("/healthz", healthHandler.Health)
	r.Get("/ready", healthHandler.Ready)

	// Metrics endpoint
	r.Handle("/metrics", promhttp.Handler())

	// API routes
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Auth(cfg.JWTSecret))
		r.Use(middleware.RateLimit(cfg.RateLimitRequests, cfg.RateLimitWindow))

		r.Route("/conversations", func(r chi.Router) {
			r.With(middleware.Admission(inboundGate)).Post("/", conversationHandler.Create)
			r.Get("/{id}", conversationHandler.Get)
		})

		r.Get("/insights", insightsHandler.List)
	})

	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      r,
		ReadTimeout:  cfg.ServerReadTimeout,
		WriteTimeout: cfg.ServerWriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info("server listening", zap.String("port", cfg.ServerPort))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		if err := sched.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Error("server error", zap.Error(err))
		os.Exit(1)
	}

	log.Info("server stopped")
}
