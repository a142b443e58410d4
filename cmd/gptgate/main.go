// Command gptgate runs the subscription-gated access service: it
// ingests Stripe webhooks, keeps one subscription record per email and
// answers access checks for the upstream tool.
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

	cloudfirestore "cloud.google.com/go/firestore"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	stripegw "github.com/gptgate/gptgate/pkg/gateway/stripe"
	"github.com/gptgate/gptgate/pkg/httpapi"
	"github.com/gptgate/gptgate/pkg/ratelimit"
	redislimit "github.com/gptgate/gptgate/pkg/ratelimit/redis"
	"github.com/gptgate/gptgate/pkg/subscription"
	zerologadapter "github.com/gptgate/gptgate/pkg/subscription/logger/zerolog"
	prommetrics "github.com/gptgate/gptgate/pkg/subscription/metrics/prometheus"
	"github.com/gptgate/gptgate/storage/firestore"
	"github.com/gptgate/gptgate/storage/memory"
	"github.com/gptgate/gptgate/storage/postgres"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "gptgate:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := LoadConfig()
	if err != nil {
		return err
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("parse log level: %w", err)
	}
	zl := zerolog.New(os.Stderr).Level(level).With().Timestamp().Logger()
	logger := zerologadapter.NewLogger(zl)

	registry := prometheus.NewRegistry()
	metrics := prommetrics.NewMetrics(registry, "gptgate")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, closeStore, err := buildStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	gateway, err := stripegw.New(stripegw.Config{
		APIKey:          cfg.StripeAPIKey,
		PortalReturnURL: cfg.PortalReturnURL,
		Logger:          logger,
		Metrics:         metrics,
	})
	if err != nil {
		return err
	}

	reconciler, err := subscription.NewReconciler(subscription.ReconcilerConfig{
		Store:   store,
		Gateway: gateway,
		Logger:  logger,
		Metrics: metrics,
	})
	if err != nil {
		return err
	}

	orchestrator, err := subscription.NewOrchestrator(subscription.OrchestratorConfig{
		Store:        store,
		Provisioning: gateway,
		Gateway:      gateway,
		PlanPrices:   cfg.PlanPrices(),
		TrialDays:    cfg.TrialDays,
		DaysUntilDue: cfg.DaysUntilDue,
		Logger:       logger,
		Metrics:      metrics,
	})
	if err != nil {
		return err
	}

	limiter, closeLimiter, err := buildLimiter(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeLimiter()

	webhook, err := stripegw.NewWebhookHandler(stripegw.WebhookConfig{
		SigningSecret: cfg.StripeWebhookSecret,
		Reconciler:    reconciler,
		PricePlans:    cfg.PricePlans(),
		Limiter:       limiter,
		Logger:        logger,
		Metrics:       metrics,
	})
	if err != nil {
		return err
	}

	api, err := httpapi.NewHandler(httpapi.Config{
		Store:    store,
		Checkout: orchestrator,
		APIKey:   cfg.APIKey,
		Limiter:  limiter,
		Logger:   logger,
		Metrics:  metrics,
	})
	if err != nil {
		return err
	}

	router := chi.NewRouter()
	router.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	router.Method(http.MethodPost, "/webhook", webhook)
	router.Mount("/", api.Routes())

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	apiServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	metricsServer := &http.Server{
		Addr:              cfg.MetricsListenAddr,
		Handler:           metricsMux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		zl.Info().Str("addr", cfg.ListenAddr).Msg("api server listening")
		if err := apiServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("api server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		zl.Info().Str("addr", cfg.MetricsListenAddr).Msg("metrics server listening")
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		zl.Info().Msg("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		err := apiServer.Shutdown(shutdownCtx)
		if merr := metricsServer.Shutdown(shutdownCtx); err == nil {
			err = merr
		}
		return err
	})

	return g.Wait()
}

func buildStore(ctx context.Context, cfg AppConfig) (subscription.Store, func(), error) {
	switch cfg.StoreBackend {
	case "postgres":
		pgConfig := postgres.DefaultConfig()
		pgConfig.ConnectionString = cfg.PostgresDSN
		store, err := postgres.New(ctx, pgConfig)
		if err != nil {
			return nil, nil, fmt.Errorf("postgres store: %w", err)
		}
		if err := store.Migrate(ctx); err != nil {
			store.Close()
			return nil, nil, fmt.Errorf("postgres migrate: %w", err)
		}
		return store, store.Close, nil

	case "firestore":
		client, err := cloudfirestore.NewClient(ctx, cfg.FirestoreProjectID)
		if err != nil {
			return nil, nil, fmt.Errorf("firestore client: %w", err)
		}
		store, err := firestore.New(client, firestore.Config{})
		if err != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("firestore store: %w", err)
		}
		return store, func() { _ = client.Close() }, nil

	default:
		return memory.New(), func() {}, nil
	}
}

func buildLimiter(ctx context.Context, cfg AppConfig, logger subscription.Logger) (ratelimit.Limiter, func(), error) {
	if cfg.RedisAddr == "" {
		return ratelimit.NewMemoryLimiter(cfg.RateLimitRequests, cfg.RateLimitWindow), func() {}, nil
	}

	client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("redis ping: %w", err)
	}

	limiter, err := redislimit.New(client, redislimit.Config{
		Limit:  cfg.RateLimitRequests,
		Window: cfg.RateLimitWindow,
	})
	if err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("redis limiter: %w", err)
	}
	logger.Info("using redis rate limiter",
		subscription.Field{Key: "addr", Value: cfg.RedisAddr},
	)
	return limiter, func() { _ = client.Close() }, nil
}
