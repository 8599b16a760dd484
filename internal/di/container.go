package di

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/clawanddecay/storefront/internal/domain"
	"github.com/clawanddecay/storefront/internal/payments"
	"github.com/clawanddecay/storefront/internal/platform/config"
	"github.com/clawanddecay/storefront/internal/platform/idempotency"
	"github.com/clawanddecay/storefront/internal/platform/observability"
	"github.com/clawanddecay/storefront/internal/platform/storage"
	"github.com/clawanddecay/storefront/internal/repositories"
	"github.com/clawanddecay/storefront/internal/services"

	"go.uber.org/zap"
)

// FulfillmentAPI is everything the services need from the print-on-demand provider.
type FulfillmentAPI interface {
	services.ProductSource
	services.ProductFeed
	services.OrderSubmitter
}

// Infrastructure carries the clients built by a binary's main. Nil members disable the services
// that need them.
type Infrastructure struct {
	CatalogStore storage.CatalogStore
	Fulfillment  FulfillmentAPI
	Payments     payments.Provider
	Events       idempotency.Store
	Notifier     services.FailureNotifier
	Images       *storage.ImageURLBuilder
	Variants     domain.VariantMap
	HealthChecks []repositories.DependencyCheck
	Build        services.BuildInfo
	Logger       *zap.Logger
	Clock        func() time.Time
	// Closers release clients in reverse order on Container.Close.
	Closers []func(context.Context) error
}

// Services bundles the service-layer contracts that handlers rely upon.
type Services struct {
	Catalog     services.CatalogService
	CatalogSync services.CatalogSyncService
	Checkout    services.CheckoutService
	Fulfillment services.FulfillmentService
	System      services.SystemService
}

// Container wires services from configuration and infrastructure clients.
type Container struct {
	Config   config.Config
	Services Services
	closers  []func(context.Context) error
}

// NewContainer constructs the runtime services.
func NewContainer(cfg config.Config, infra Infrastructure) (*Container, error) {
	if infra.CatalogStore == nil {
		return nil, errors.New("di: catalog store is required")
	}
	if infra.Logger == nil {
		infra.Logger = zap.NewNop()
	}
	if infra.Clock == nil {
		infra.Clock = time.Now
	}

	svc, err := buildServices(cfg, infra)
	if err != nil {
		return nil, err
	}
	return &Container{
		Config:   cfg,
		Services: svc,
		closers:  infra.Closers,
	}, nil
}

// Close releases infrastructure clients, returning the first error.
func (c *Container) Close(ctx context.Context) error {
	if c == nil {
		return nil
	}
	var first error
	for i := len(c.closers) - 1; i >= 0; i-- {
		if c.closers[i] == nil {
			continue
		}
		if err := c.closers[i](ctx); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func buildServices(cfg config.Config, infra Infrastructure) (Services, error) {
	var svc Services
	eventLogger := func(name string) observability.EventLogger {
		return observability.NewEventLogger(infra.Logger.Named(name))
	}

	var source services.ProductSource
	if infra.Fulfillment != nil {
		source = infra.Fulfillment
	}
	catalogSvc, err := services.NewCatalogService(services.CatalogServiceDeps{
		Store:        infra.CatalogStore,
		Source:       source,
		Images:       infra.Images,
		LiveFallback: cfg.Catalog.LiveFallback && source != nil,
		Clock:        infra.Clock,
		Logger:       eventLogger("catalog"),
	})
	if err != nil {
		return Services{}, fmt.Errorf("build catalog service: %w", err)
	}
	svc.Catalog = catalogSvc

	if infra.Fulfillment != nil {
		country := ""
		if len(cfg.Storefront.AllowedCountries) > 0 {
			country = cfg.Storefront.AllowedCountries[0]
		}
		onChanged := func(result services.SyncResult) {
			if inv, ok := catalogSvc.(services.CacheInvalidator); ok {
				inv.Invalidate()
			}
			if rec, ok := svc.System.(services.SyncRecorder); ok {
				rec.RecordSync(result)
			}
		}
		syncSvc, err := services.NewCatalogSyncService(services.CatalogSyncServiceDeps{
			Store:                infra.CatalogStore,
			Feed:                 infra.Fulfillment,
			ExcludedProducts:     cfg.Catalog.ExcludedProductIDs,
			KeepDisabledVariants: !cfg.Catalog.DropDisabledVariants,
			PreserveImages:       cfg.Catalog.PreserveImages,
			ShippingCountry:      country,
			PageLimit:            cfg.Catalog.PageLimit,
			MaxAttempts:          cfg.Catalog.SyncMaxAttempts,
			RunTimeout:           cfg.Catalog.SyncTimeout,
			OnChanged:            onChanged,
			Clock:                infra.Clock,
			Logger:               eventLogger("catalog_sync"),
		})
		if err != nil {
			return Services{}, fmt.Errorf("build catalog sync service: %w", err)
		}
		svc.CatalogSync = syncSvc
	}

	if infra.Payments != nil {
		checkoutSvc, err := services.NewCheckoutService(services.CheckoutServiceDeps{
			Catalog:             catalogSvc,
			Payments:            infra.Payments,
			Currency:            cfg.Storefront.Currency,
			SuccessURL:          cfg.Storefront.SuccessURL(),
			CancelURL:           cfg.Storefront.CancelURL(),
			AllowedCountries:    cfg.Storefront.AllowedCountries,
			DefaultShippingRate: cfg.Storefront.DefaultShippingRate,
			MaxQuantityPerLine:  cfg.Storefront.MaxQuantityPerLine,
			Logger:              eventLogger("checkout"),
		})
		if err != nil {
			return Services{}, fmt.Errorf("build checkout service: %w", err)
		}
		svc.Checkout = checkoutSvc
	}

	if infra.Payments != nil && infra.Fulfillment != nil && len(infra.Variants) > 0 {
		fulfillmentSvc, err := services.NewFulfillmentService(services.FulfillmentServiceDeps{
			Payments:    infra.Payments,
			Orders:      infra.Fulfillment,
			Variants:    infra.Variants,
			Events:      infra.Events,
			Notifier:    infra.Notifier,
			EventTTL:    cfg.Webhooks.EventTTL,
			AllowUnpaid: cfg.Webhooks.AllowUnpaidEvents,
			Clock:       infra.Clock,
			Logger:      eventLogger("fulfillment"),
		})
		if err != nil {
			return Services{}, fmt.Errorf("build fulfillment service: %w", err)
		}
		svc.Fulfillment = fulfillmentSvc
	}

	if len(infra.HealthChecks) > 0 {
		repo, err := repositories.NewDependencyHealthRepository(infra.HealthChecks)
		if err != nil {
			return Services{}, fmt.Errorf("build health repository: %w", err)
		}
		systemSvc, err := services.NewSystemService(services.SystemServiceDeps{
			HealthRepository: repo,
			Catalog:          catalogSvc,
			Variants:         infra.Variants,
			Clock:            infra.Clock,
			Build:            infra.Build,
		})
		if err != nil {
			return Services{}, fmt.Errorf("build system service: %w", err)
		}
		svc.System = systemSvc
	}

	return svc, nil
}
