package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/payrelay/payrelay/gateway"
	"github.com/payrelay/payrelay/handler"
	"github.com/payrelay/payrelay/infra/config"
	"github.com/payrelay/payrelay/infra/conn"
	"github.com/payrelay/payrelay/infra/events"
	"github.com/payrelay/payrelay/infra/idempotency"
	"github.com/payrelay/payrelay/infra/logger"
	"github.com/payrelay/payrelay/infra/metrics"
	"github.com/payrelay/payrelay/infra/middle"
	"github.com/payrelay/payrelay/infra/opensearch"
	"github.com/payrelay/payrelay/infra/resilience"
	"github.com/payrelay/payrelay/infra/vault"
	"github.com/payrelay/payrelay/provider"
	"github.com/payrelay/payrelay/router"
)

func main() {
	envFile := config.GetEnv("PAYRELAY_ENV_FILE", ".env")
	if err := godotenv.Load(envFile); err != nil {
		log.Printf("no %s file loaded: %v", envFile, err)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load configuration: %v", err)
	}

	var search *opensearch.Client
	if cfg.OpenSearchURL != "" {
		search, err = opensearch.NewClient(opensearch.Config{
			URL:      cfg.OpenSearchURL,
			Username: cfg.OpenSearchUser,
			Password: cfg.OpenSearchPass,
		})
		if err != nil {
			log.Printf("opensearch unavailable, console logging only: %v", err)
			search = nil
		}
	}
	logger.InitGlobalLogger(search, cfg.Environment)

	db, err := conn.Open(cfg.DatabaseDriver, cfg.DatabaseDSN)
	if err != nil {
		logger.Fatal("open database", err)
	}
	defer db.Close()

	store := gateway.NewSQLStore(db)
	initCtx, cancelInit := context.WithTimeout(context.Background(), 30*time.Second)
	if err := store.InitSchema(initCtx); err != nil {
		cancelInit()
		logger.Fatal("initialize schema", err)
	}
	cancelInit()

	credVault, err := vault.New(cfg.VaultKey)
	if err != nil {
		logger.Fatal("initialize credential vault", err)
	}

	var redisClient *redis.Client
	var idemStore idempotency.Store
	var webhookLimiter middle.Limiter
	if cfg.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		idemStore = idempotency.NewRedisStore(redisClient, "payrelay")
		webhookLimiter = middle.NewRedisLimiter(redisClient, cfg.WebhookRateLimit, cfg.WebhookRateWindow)
	} else {
		idemStore = idempotency.NewMemoryStore()
		webhookLimiter = middle.NewMemoryLimiter(cfg.WebhookRateLimit, cfg.WebhookRateWindow)
	}

	var bus events.Publisher
	if cfg.NATSAddr != "" {
		natsBus, err := events.NewNATSPublisher(cfg.NATSAddr)
		if err != nil {
			logger.Fatal("connect event bus", err)
		}
		bus = natsBus
	} else {
		bus = events.NewNoopPublisher()
	}
	defer bus.Close()

	breakers := resilience.NewBreakerSet(resilience.BreakerConfig{
		SamplingWindow: cfg.BreakerWindow,
		MinSamples:     cfg.BreakerMinSamples,
		FailureRatio:   cfg.BreakerFailureRatio,
		BreakDuration:  cfg.BreakerBreakDuration,
	})
	breakers.OnStateChange(func(key string, from, to resilience.BreakerState) {
		metrics.BreakerTransitions.WithLabelValues(key, string(to)).Inc()
		logger.Warn("circuit breaker state change", logger.LogContext{
			Provider: key,
			Fields:   map[string]any{"from": from, "to": to},
		})
	})
	pipeline := resilience.NewPipeline(breakers, resilience.RetryConfig{
		MaxRetries:     cfg.MaxRetries,
		BaseDelay:      cfg.RetryBaseDelay,
		AttemptTimeout: cfg.AttemptTimeout,
	})

	registry := gateway.NewRegistryService(store, credVault)
	routerEngine := gateway.NewRouter(registry, pipeline)
	builder := gateway.NewAdapterBuilder(provider.DefaultRegistry, credVault)
	audit := gateway.NewAuditor(store.Logs())

	paymentService := gateway.NewPaymentService(gateway.PaymentServiceConfig{
		Payments:  store.Payments(),
		Registry:  registry,
		Router:    routerEngine,
		Builder:   builder,
		Pipeline:  pipeline,
		Idem:      idemStore,
		Audit:     audit,
		Bus:       bus,
		LockTTL:   cfg.LockTimeout,
		ResultTTL: cfg.ResultTTL,
	})
	refundService := gateway.NewRefundService(gateway.RefundServiceConfig{
		Refunds:   store.Refunds(),
		Payments:  store.Payments(),
		Registry:  registry,
		Builder:   builder,
		Pipeline:  pipeline,
		Idem:      idemStore,
		Audit:     audit,
		Bus:       bus,
		LockTTL:   cfg.LockTimeout,
		ResultTTL: cfg.ResultTTL,
	})
	webhookService := gateway.NewWebhookService(
		store.Webhooks(), store.Payments(), store.Refunds(),
		registry, builder, audit, bus,
	)

	scheduler := gateway.NewScheduler(
		webhookService,
		cfg.WebhookRetryInterval,
		cfg.WebhookRetryBatch,
		time.Duration(cfg.WebhookRetentionDays)*24*time.Hour,
	)
	scheduler.Start()
	defer scheduler.Stop()

	validate := validator.New()
	deps := router.Deps{
		Payments:  handler.NewPaymentHandler(paymentService, audit, validate),
		Refunds:   handler.NewRefundHandler(refundService),
		Webhooks:  handler.NewWebhookHandler(webhookService),
		Providers: handler.NewProviderHandler(registry, validate),
	}
	health := handler.NewHealthHandler(db, redisClient, search)

	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middle.CorrelationMiddleware())
	r.Use(middle.PanicRecovery())
	r.Use(middle.SecurityHeaders())
	r.Use(middleware.Timeout(90 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS", "PATCH"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Idempotency-Key", middle.CorrelationHeader},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/health", health.Liveness)
	r.Get("/health/ready", health.Readiness)
	r.Handle("/metrics", promhttp.Handler())
	router.Routes(r, deps, cfg.JWTPublicKeyPEM, cfg.JWTIssuer, cfg.JWTAudience, webhookLimiter)

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Info("server starting", logger.LogContext{
			Fields: map[string]any{"port": cfg.Port, "environment": cfg.Environment},
		})
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server failed", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", err)
	}
}
