package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	"go.uber.org/zap"

	"github.com/clawanddecay/storefront/internal/di"
	"github.com/clawanddecay/storefront/internal/handlers"
	"github.com/clawanddecay/storefront/internal/payments"
	"github.com/clawanddecay/storefront/internal/platform/auth"
	"github.com/clawanddecay/storefront/internal/platform/config"
	pfirestore "github.com/clawanddecay/storefront/internal/platform/firestore"
	"github.com/clawanddecay/storefront/internal/platform/idempotency"
	"github.com/clawanddecay/storefront/internal/platform/jobs"
	"github.com/clawanddecay/storefront/internal/platform/observability"
	"github.com/clawanddecay/storefront/internal/platform/secrets"
	"github.com/clawanddecay/storefront/internal/repositories"
	"github.com/clawanddecay/storefront/internal/services"
)

const (
	webhookEventsCollection       = "webhook_events"
	checkoutIdempotencyCollection = "checkout_idempotency"
	secretHealthReference         = "secret://system/healthz?version=latest"
)

func main() {
	ctx := context.Background()
	startedAt := time.Now().UTC()

	envValues, err := config.EnvironmentValues()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to read environment values: %v\n", err)
		os.Exit(1)
	}

	baseLogger, err := observability.NewLogger(envValues["STORE_LOG_LEVEL"])
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialise logger: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = baseLogger.Sync()
	}()

	logger := baseLogger.Named("api")
	ctx = observability.WithLogger(ctx, logger)

	fetcher, err := di.NewSecretFetcher(ctx, logger, envValues)
	if err != nil {
		logger.Fatal("failed to initialise secret fetcher", zap.Error(err))
	}
	defer func() {
		if err := fetcher.Close(); err != nil {
			logger.Warn("secret fetcher close error", zap.Error(err))
		}
	}()

	cfg, err := config.Load(ctx,
		config.WithSecretResolver(config.SecretResolverFunc(fetcher.Resolve)),
		config.WithRequiredSecrets(di.RequiredSecrets(true)...),
	)
	if err != nil {
		var missing *config.MissingSecretsError
		if errors.As(err, &missing) {
			logger.Fatal("missing required secrets", zap.Strings("secrets", missing.RedactedNames()))
		}
		logger.Fatal("failed to load configuration", zap.Error(err))
	}

	buildInfo := di.BuildInfoFromEnv(envValues, cfg, startedAt)

	var closers []func(context.Context) error

	catalogBackend, err := di.OpenCatalogBackend(ctx, cfg)
	if err != nil {
		logger.Fatal("failed to initialise catalog storage", zap.Error(err))
	}
	closers = append(closers, catalogBackend.Close)

	firestoreProvider := pfirestore.NewProvider(cfg.Project)
	firestoreClient, err := firestoreProvider.Client(ctx)
	if err != nil {
		logger.Fatal("failed to initialise firestore client", zap.Error(err))
	}
	closers = append(closers, firestoreProvider.Close)

	webhookEvents, err := idempotency.NewFirestoreStore(firestoreClient, idempotency.WithCollection(webhookEventsCollection))
	if err != nil {
		logger.Fatal("failed to initialise webhook event store", zap.Error(err))
	}
	checkoutKeys, err := idempotency.NewFirestoreStore(firestoreClient, idempotency.WithCollection(checkoutIdempotencyCollection))
	if err != nil {
		logger.Fatal("failed to initialise checkout idempotency store", zap.Error(err))
	}

	var notifier services.FailureNotifier
	if topicID := strings.TrimSpace(cfg.Webhooks.FulfillmentTopic); topicID != "" {
		pubsubClient, err := pubsub.NewClient(ctx, cfg.Project.ID, di.ClientOptions(cfg)...)
		if err != nil {
			logger.Fatal("failed to initialise pubsub client", zap.Error(err))
		}
		topic := pubsubClient.Topic(topicID)
		closers = append(closers, func(context.Context) error {
			topic.Stop()
			return pubsubClient.Close()
		})
		pubsubNotifier, err := jobs.NewPubSubFailureNotifier(topic)
		if err != nil {
			logger.Fatal("failed to initialise failure notifier", zap.Error(err))
		}
		notifier = pubsubNotifier
	}

	fulfillmentClient, err := di.NewFulfillmentClient(cfg)
	if err != nil {
		logger.Fatal("failed to initialise fulfillment client", zap.Error(err))
	}

	stripeProvider, err := payments.NewStripeProvider(payments.StripeProviderConfig{
		APIKey:        cfg.PSP.StripeAPIKey,
		WebhookSecret: cfg.PSP.StripeWebhookSecret,
		Logger:        payments.StripeLogger(observability.NewEventLogger(logger.Named("payments"))),
		Clock:         time.Now,
	})
	if err != nil {
		logger.Fatal("failed to initialise stripe payment provider", zap.Error(err))
	}

	variants, err := services.LoadVariantMap(cfg.Fulfillment.VariantMapFile)
	if err != nil {
		logger.Fatal("failed to load variant map", zap.String("path", cfg.Fulfillment.VariantMapFile), zap.Error(err))
	}

	container, err := di.NewContainer(cfg, di.Infrastructure{
		CatalogStore: catalogBackend.Store,
		Fulfillment:  fulfillmentClient,
		Payments:     stripeProvider,
		Events:       webhookEvents,
		Notifier:     notifier,
		Images:       catalogBackend.Images,
		Variants:     variants,
		HealthChecks: healthChecks(catalogBackend, firestoreProvider, fetcher),
		Build:        buildInfo,
		Logger:       logger,
		Clock:        time.Now,
		Closers:      closers,
	})
	if err != nil {
		logger.Fatal("failed to initialise services", zap.Error(err))
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := container.Close(closeCtx); err != nil {
			logger.Warn("infrastructure close error", zap.Error(err))
		}
	}()
	svc := container.Services

	scheduler := jobs.NewScheduler(logger.Named("jobs"))
	if err := scheduler.Start(ctx, backgroundJobs(cfg, svc, webhookEvents)...); err != nil {
		logger.Fatal("failed to start background jobs", zap.Error(err))
	}

	projectID := cfg.Project.ID
	middlewares := []func(http.Handler) http.Handler{
		observability.InjectLoggerMiddleware(logger.Named("http")),
		observability.TraceMiddleware(projectID),
		observability.RecoveryMiddleware(logger.Named("http")),
		observability.RequestLoggerMiddleware(),
	}

	healthHandlers := handlers.NewHealthHandlers(
		handlers.WithHealthBuildInfo(buildInfo),
		handlers.WithHealthSystemService(svc.System),
	)

	opts := []handlers.Option{
		handlers.WithMiddlewares(middlewares...),
		handlers.WithHealthHandlers(healthHandlers),
		handlers.WithCORS(handlers.CORSPolicy{AllowedOrigin: cfg.Storefront.CORSAllowedOrigin}),
		handlers.WithProductRoutes(handlers.NewProductHandlers(svc.Catalog).Routes),
	}
	if svc.Checkout != nil {
		checkoutMiddlewares := []func(http.Handler) http.Handler{
			idempotency.Middleware(checkoutKeys),
		}
		if limiter := handlers.NewRateLimiter(cfg.RateLimits.CheckoutPerMinute, nil); limiter != nil {
			checkoutMiddlewares = append([]func(http.Handler) http.Handler{limiter.Middleware()}, checkoutMiddlewares...)
		}
		checkoutHandlers := handlers.NewCheckoutHandlers(svc.Checkout, handlers.WithCheckoutMiddlewares(checkoutMiddlewares...))
		opts = append(opts, handlers.WithCheckoutRoutes(checkoutHandlers.Routes))
	}
	if svc.Fulfillment != nil {
		opts = append(opts, handlers.WithWebhookRoutes(handlers.NewWebhookHandlers(svc.Fulfillment).Routes))
	} else {
		logger.Warn("fulfillment webhook disabled; variant map is empty")
	}
	if svc.CatalogSync != nil {
		opts = append(opts, handlers.WithInternalRoutes(handlers.NewInternalHandlers(svc.CatalogSync).Routes))
	}
	if oidcMiddleware := buildOIDCMiddleware(logger.Named("auth"), cfg); oidcMiddleware != nil {
		opts = append(opts, handlers.WithInternalMiddlewares(oidcMiddleware))
	}

	router := handlers.NewRouter(opts...)
	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	serverLogger := logger.Named("http").With(zap.String("addr", server.Addr))
	go func() {
		serverLogger.Info("storefront api listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverLogger.Fatal("http server error", zap.Error(err))
		}
	}()

	<-shutdown
	logger.Info("shutdown signal received; draining requests")

	scheduler.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
	}
}

func healthChecks(catalog *di.CatalogBackend, provider *pfirestore.Provider, fetcher *secrets.Fetcher) []repositories.DependencyCheck {
	checks := []repositories.DependencyCheck{{
		Name:     "catalogStore",
		Critical: true,
		Timeout:  2 * time.Second,
		Check:    catalog.Store.Ping,
	}}
	if catalog.ImageBucket != nil {
		checks = append(checks, repositories.DependencyCheck{
			Name:    "imageBucket",
			Timeout: 2 * time.Second,
			Check:   catalog.PingImages,
		})
	}
	if provider != nil {
		checks = append(checks, repositories.DependencyCheck{
			Name:     "firestore",
			Critical: true,
			Timeout:  1500 * time.Millisecond,
			Check:    provider.Ping,
		})
	}
	if fetcher != nil {
		checks = append(checks, repositories.DependencyCheck{
			Name:    "secretManager",
			Timeout: time.Second,
			Check: func(ctx context.Context) error {
				_, err := fetcher.Resolve(ctx, secretHealthReference)
				if err == nil || errors.Is(err, secrets.ErrNotFound) {
					return nil
				}
				return err
			},
		})
	}
	return checks
}

func backgroundJobs(cfg config.Config, svc di.Services, events idempotency.Store) []jobs.Job {
	var list []jobs.Job
	if svc.CatalogSync != nil {
		trigger := services.SyncTriggerStartup
		list = append(list, jobs.Job{
			Name:       "catalog_sync",
			Interval:   cfg.Catalog.SyncInterval,
			RunAtStart: true,
			Run: func(ctx context.Context) error {
				// Runs of one job never overlap, so trigger needs no lock.
				current := trigger
				trigger = services.SyncTriggerSchedule
				_, err := svc.CatalogSync.Sync(ctx, services.SyncCommand{Trigger: current})
				return err
			},
		})
	}
	if events != nil {
		batch := cfg.Webhooks.CleanupBatchSize
		list = append(list, jobs.Job{
			Name:     "webhook_event_cleanup",
			Interval: cfg.Webhooks.CleanupInterval,
			Timeout:  time.Minute,
			Run: func(ctx context.Context) error {
				_, err := events.CleanupExpired(ctx, time.Now().UTC(), batch)
				return err
			},
		})
	}
	return list
}

func buildOIDCMiddleware(logger *zap.Logger, cfg config.Config) func(http.Handler) http.Handler {
	if strings.TrimSpace(cfg.Security.OIDC.JWKSURL) == "" {
		return nil
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	adapter := observability.NewPrintfAdapter(logger)
	cache := auth.NewJWKSCache(cfg.Security.OIDC.JWKSURL, auth.WithJWKSLogger(adapter))
	validator := auth.NewOIDCValidator(cache, auth.WithOIDCLogger(adapter))

	audience := strings.TrimSpace(cfg.Security.OIDC.Audience)
	if audience == "" {
		audience = strings.TrimSpace(cfg.Security.OIDC.Audiences[cfg.Security.Environment])
	}
	if audience == "" {
		logger.Warn("auth: OIDC audience not configured; internal routes will reject requests")
	}
	if len(cfg.Security.OIDC.Issuers) == 0 {
		logger.Warn("auth: OIDC issuers not configured; internal routes will reject requests")
	}

	return validator.RequireOIDC(auth.OIDCPolicy{
		Audience: audience,
		Issuers:  cfg.Security.OIDC.Issuers,
		Emails:   cfg.Security.OIDC.AllowedEmails,
	})
}
