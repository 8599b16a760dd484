// Command catalog-sync refreshes the cached catalog once and exits. It is run by Cloud Scheduler
// jobs that cannot reach the API's internal route.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/clawanddecay/storefront/internal/di"
	"github.com/clawanddecay/storefront/internal/platform/config"
	"github.com/clawanddecay/storefront/internal/platform/observability"
	"github.com/clawanddecay/storefront/internal/services"
)

func main() {
	os.Exit(run())
}

func run() int {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	envValues, err := config.EnvironmentValues()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to read environment values: %v\n", err)
		return 1
	}
	baseLogger, err := observability.NewLogger(envValues["STORE_LOG_LEVEL"])
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialise logger: %v\n", err)
		return 1
	}
	defer func() {
		_ = baseLogger.Sync()
	}()
	logger := baseLogger.Named("catalog_sync")
	ctx = observability.WithLogger(ctx, logger)

	fetcher, err := di.NewSecretFetcher(ctx, logger, envValues)
	if err != nil {
		logger.Error("failed to initialise secret fetcher", zap.Error(err))
		return 1
	}
	defer func() {
		_ = fetcher.Close()
	}()

	cfg, err := config.Load(ctx,
		config.WithSecretResolver(config.SecretResolverFunc(fetcher.Resolve)),
		config.WithRequiredSecrets(di.RequiredSecrets(false)...),
	)
	if err != nil {
		var missing *config.MissingSecretsError
		if errors.As(err, &missing) {
			logger.Error("missing required secrets", zap.Strings("secrets", missing.RedactedNames()))
			return 1
		}
		logger.Error("failed to load configuration", zap.Error(err))
		return 1
	}

	backend, err := di.OpenCatalogBackend(ctx, cfg)
	if err != nil {
		logger.Error("failed to initialise catalog storage", zap.Error(err))
		return 1
	}
	client, err := di.NewFulfillmentClient(cfg)
	if err != nil {
		_ = backend.Close(ctx)
		logger.Error("failed to initialise fulfillment client", zap.Error(err))
		return 1
	}

	container, err := di.NewContainer(cfg, di.Infrastructure{
		CatalogStore: backend.Store,
		Fulfillment:  client,
		Logger:       logger,
		Closers:      []func(context.Context) error{backend.Close},
	})
	if err != nil {
		_ = backend.Close(ctx)
		logger.Error("failed to initialise services", zap.Error(err))
		return 1
	}
	defer func() {
		_ = container.Close(context.WithoutCancel(ctx))
	}()

	runCtx, cancel := context.WithTimeout(ctx, 10*time.Minute)
	defer cancel()
	result, err := container.Services.CatalogSync.Sync(runCtx, services.SyncCommand{Trigger: services.SyncTriggerSchedule})
	if err != nil {
		logger.Error("catalog sync failed", zap.Error(err))
		return 1
	}
	logger.Info("catalog sync finished",
		zap.Int("products", result.Products),
		zap.Int("variants", result.Variants),
		zap.Bool("changed", result.Changed),
		zap.Int64("generation", result.Generation),
		zap.Duration("duration", result.Duration),
	)
	return 0
}
