// Package main is the entry point for the resilience core server.
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

	"github.com/citizen-chat/resilience-core/internal/batch"
	"github.com/citizen-chat/resilience-core/internal/breaker"
	"github.com/citizen-chat/resilience-core/internal/cache"
	"github.com/citizen-chat/resilience-core/internal/channel"
	"github.com/citizen-chat/resilience-core/internal/config"
	"github.com/citizen-chat/resilience-core/internal/convstate"
	"github.com/citizen-chat/resilience-core/internal/handler"
	"github.com/citizen-chat/resilience-core/internal/llm"
	"github.com/citizen-chat/resilience-core/internal/middleware"
	natsclient "github.com/citizen-chat/resilience-core/internal/nats"
	"github.com/citizen-chat/resilience-core/internal/ratelimit"
	"github.com/citizen-chat/resilience-core/internal/retryqueue"
	"github.com/citizen-chat/resilience-core/internal/service"
	"github.com/citizen-chat/resilience-core/pkg/logger"
	"github.com/citizen-chat/resilience-core/pkg/tracing"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	var log *logger.Logger
	if os.Getenv("ENV") == "development" {
		log, err = logger.NewDevelopment()
	} else {
		log, err = logger.New(cfg.LogLevel)
	}
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer log.Sync()

	log.Info("starting resilience core")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.TracingEnabled {
		tp, err := tracing.InitTracer(ctx, "resilience-core", cfg.TracingEndpoint)
		if err != nil {
			log.Warn("failed to initialize tracing", zap.Error(err))
		} else {
			defer tracing.Shutdown(context.Background(), tp)
		}
	}

	res := cfg.Resilience

	// NATS is optional; without it the webhook is the only inbound path.
	var (
		natsClient *natsclient.Client
		streams    *natsclient.StreamManager
		snapshots  *natsclient.SnapshotStore
	)
	if cfg.NATSEnabled {
		natsClient, err = natsclient.Connect(ctx, natsclient.Config{
			URL:      cfg.NATSURL,
			CAFile:   cfg.NATSCAFile,
			CertFile: cfg.NATSCertFile,
			KeyFile:  cfg.NATSKeyFile,
			Token:    cfg.NATSToken,
		}, log)
		if err != nil {
			return err
		}
		defer natsClient.Close()

		streams = natsclient.NewStreamManager(natsClient)
		if err := streams.EnsureStreams(ctx); err != nil {
			return fmt.Errorf("failed to ensure streams: %w", err)
		}
		snapshots, err = natsclient.NewSnapshotStore(ctx, natsClient)
		if err != nil {
			return err
		}
	}

	registry := breaker.NewRegistry(breaker.Options{
		Timeout:                  res.Breaker.Timeout,
		ErrorThresholdPercentage: res.Breaker.ErrorThresholdPercentage,
		VolumeThreshold:          res.Breaker.VolumeThreshold,
		ResetTimeout:             res.Breaker.ResetTimeout,
		RollingWindow:            res.Breaker.RollingWindow,
		RollingBuckets:           res.Breaker.RollingBuckets,
		HalfOpenSuccesses:        res.Breaker.HalfOpenSuccesses,
	}, log)
	defer registry.Close()

	limiter := ratelimit.New(ratelimit.Options{
		Enabled:                res.RateLimit.Enabled,
		MaxPerDay:              res.RateLimit.MaxPerDay,
		Cooldown:               res.RateLimit.Cooldown,
		AutoBlacklistThreshold: res.RateLimit.AutoBlacklistThreshold,
		SweepInterval:          res.RateLimit.SweepInterval,
		Location:               res.RateLimit.Location(),
	}, log)

	coalescer := batch.New(batch.Options{
		Window:      res.Batch.Window,
		MaxMessages: res.Batch.MaxMessages,
	}, log)

	responses := cache.New(cache.Options{
		Enabled:    res.Cache.Enabled,
		MaxEntries: res.Cache.MaxEntries,
		TTL:        res.Cache.TTL,
	}, log)

	tracker := convstate.New(convstate.Options{
		InactivityTimeout: res.Conversation.InactivityTimeout,
		SweepInterval:     res.Conversation.SweepInterval,
	}, log)

	router := llm.NewRouter(registry, log, llmClients(cfg, log)...)
	processor := service.NewLLMProcessor(router, "", 2, 500*time.Millisecond, log)

	var sender channel.Sender
	switch {
	case cfg.GatewayURL != "":
		sender = channel.NewHTTPSender(cfg.GatewayURL, cfg.GatewayToken, cfg.GatewayTimeout, registry.Get(channel.BreakerName), log)
	case streams != nil:
		sender = streams
	default:
		log.Warn("no channel gateway configured, replies are only logged")
		sender = channel.NewLogSender(log)
	}

	deps := service.Deps{
		Limiter:   limiter,
		Coalescer: coalescer,
		Cache:     responses,
		Tracker:   tracker,
		Processor: processor,
		Sender:    sender,
	}
	queueOpts := retryqueue.Options{
		MaxAttempts:      res.RetryQueue.MaxAttempts,
		WorkerInterval:   res.RetryQueue.WorkerInterval,
		RetriesPerSecond: res.RetryQueue.RetriesPerSec,
		InitialInterval:  res.RetryQueue.InitialInterval,
		MaxInterval:      res.RetryQueue.MaxInterval,
	}
	if streams != nil {
		deps.Events = streams
		queueOpts.DeadLetters = streams
		queueOpts.Snapshots = snapshots
	}

	pipeline := service.NewPipeline(deps, log)
	queue := retryqueue.New(queueOpts, pipeline.Reprocess, log)
	pipeline.SetRetryQueue(queue)

	checks := []handler.ReadinessCheck{}
	if natsClient != nil {
		checks = append(checks, handler.ReadinessCheck{Name: "nats", Ready: natsClient.IsConnected})
	}
	healthHandler := handler.NewHealthHandler(checks...)
	webhookHandler := handler.NewWebhookHandler(pipeline, log)
	queueHandler := handler.NewRetryQueueHandler(queue, log)
	if snapshots != nil {
		queueHandler.WithSnapshots(snapshots)
	}
	rateLimitHandler := handler.NewRateLimitHandler(limiter, log)
	circuitHandler := handler.NewCircuitHandler(registry, router, log)
	cacheHandler := handler.NewCacheHandler(responses, log)
	conversationHandler := handler.NewConversationHandler(tracker, pipeline, log)

	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logging(log))
	r.Use(middleware.SecurityHeaders)
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.CORS(cfg.CORSAllowedOrigins))

	r.Get("/health", healthHandler.Health)
	r.Get("/ready", healthHandler.Ready)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/webhook", func(r chi.Router) {
		r.Use(middleware.RateLimit(cfg.WebhookRequests, cfg.WebhookWindow))
		r.Use(middleware.Auth(cfg.JWTSecret))
		r.Use(middleware.RequireScope(middleware.ScopeWebhook))
		r.Post("/messages", webhookHandler.Receive)
	})

	r.Route("/admin", func(r chi.Router) {
		r.Use(middleware.Auth(cfg.JWTSecret))
		r.Use(middleware.RequireScope(middleware.ScopeAdmin))
		r.Use(middleware.OperatorRateLimit(60, time.Minute))

		r.Route("/retry-queue", queueHandler.Register)
		r.Route("/rate-limit", rateLimitHandler.Register)
		r.Route("/circuits", circuitHandler.Register)
		r.Get("/llm/providers", circuitHandler.Providers)
		r.Route("/cache", cacheHandler.Register)
		r.Route("/conversations", conversationHandler.Register)
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
			return fmt.Errorf("server error: %w", err)
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
	g.Go(func() error { return limiter.Run(gctx) })
	g.Go(func() error { return tracker.Run(gctx) })
	g.Go(func() error { return queue.Run(gctx) })

	if streams != nil {
		consumer := natsclient.NewConsumer(streams, natsclient.ConsumerOptions{
			Permanent: func(err error) bool { return errors.Is(err, service.ErrInvalidMessage) },
		}, log)
		g.Go(func() error {
			err := consumer.Run(gctx, pipeline.Handle)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		})
	}

	err = g.Wait()
	log.Info("server stopped")
	return err
}

// llmClients returns the configured providers, the default provider first.
func llmClients(cfg *config.Config, log *logger.Logger) []llm.Client {
	keys := map[llm.Provider]string{
		llm.ProviderAnthropic: cfg.AnthropicAPIKey,
		llm.ProviderOpenAI:    cfg.OpenAIAPIKey,
	}
	order := []llm.Provider{llm.ProviderAnthropic, llm.ProviderOpenAI}
	if llm.Provider(cfg.DefaultLLM) == llm.ProviderOpenAI {
		order = []llm.Provider{llm.ProviderOpenAI, llm.ProviderAnthropic}
	}

	var clients []llm.Client
	for _, p := range order {
		if keys[p] == "" {
			continue
		}
		c, err := llm.NewClient(p, keys[p])
		if err != nil {
			log.Warn("failed to create LLM client", zap.String("provider", string(p)), zap.Error(err))
			continue
		}
		clients = append(clients, c)
	}
	if len(clients) == 0 {
		log.Warn("no LLM provider configured, every message will receive a fallback reply")
	}
	return clients
}
