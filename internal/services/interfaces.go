package services

import (
	"context"
	"time"

	"github.com/clawanddecay/storefront/internal/domain"
	"github.com/clawanddecay/storefront/internal/fulfillment"
)

// CatalogService serves the storefront's product listing.
type CatalogService interface {
	// CachedCatalog returns the cached catalog with image URLs rewritten to the storefront bucket.
	CachedCatalog(ctx context.Context) (domain.Catalog, error)
	// Product returns one product from the cache, falling back to the provider when enabled.
	Product(ctx context.Context, productID string) (domain.Product, error)
	// LiveCatalog proxies the first page of the provider's listing.
	LiveCatalog(ctx context.Context) (domain.Catalog, error)
}

// CatalogSyncService refreshes the cached catalog from the fulfillment provider.
type CatalogSyncService interface {
	Sync(ctx context.Context, cmd SyncCommand) (SyncResult, error)
}

// CheckoutService turns a cart into a hosted payment session.
type CheckoutService interface {
	CreateCheckoutSession(ctx context.Context, cmd CreateCheckoutSessionCommand) (CheckoutSession, error)
}

// FulfillmentService handles payment provider webhooks and submits paid orders for fulfillment.
type FulfillmentService interface {
	HandleWebhook(ctx context.Context, cmd WebhookCommand) (WebhookResult, error)
}

// SystemService exposes service health and build metadata.
type SystemService interface {
	HealthReport(ctx context.Context) (SystemHealthReport, error)
}

// SystemHealthReport aliases the domain report for handler use.
type SystemHealthReport = domain.SystemHealthReport

// ProductSource reads products from the fulfillment provider.
type ProductSource interface {
	ListProducts(ctx context.Context, page, limit int) (domain.Catalog, error)
	GetProduct(ctx context.Context, productID string) (domain.Product, error)
}

// ProductFeed is what a catalog sync needs from the fulfillment provider.
type ProductFeed interface {
	ListAllProducts(ctx context.Context, limit int) ([]domain.Product, error)
	ShippingProfile(ctx context.Context, blueprintID, printProviderID int64, country string) (domain.ShippingProfile, error)
}

// OrderSubmitter places fulfillment orders.
type OrderSubmitter interface {
	SubmitOrder(ctx context.Context, order domain.FulfillmentOrder) (fulfillment.OrderReceipt, error)
}

// FailureNotifier publishes fulfillment failures for alerting.
type FailureNotifier interface {
	NotifyFulfillmentFailure(ctx context.Context, notice FulfillmentFailure) error
}

// SyncTrigger identifies what started a catalog sync.
type SyncTrigger string

const (
	SyncTriggerSchedule SyncTrigger = "schedule"
	SyncTriggerManual   SyncTrigger = "manual"
	SyncTriggerStartup  SyncTrigger = "startup"
)

// SyncCommand starts a catalog sync.
type SyncCommand struct {
	Trigger SyncTrigger
}

// SyncResult summarises a finished sync.
type SyncResult struct {
	Trigger    SyncTrigger
	Products   int
	Variants   int
	Excluded   int
	Changed    bool
	Generation int64
	Attempts   int
	Duration   time.Duration
}

// CreateCheckoutSessionCommand carries the shopper's cart.
type CreateCheckoutSessionCommand struct {
	Items []domain.CartLine
}

// CheckoutSession is the created hosted payment session.
type CheckoutSession struct {
	SessionID      string
	URL            string
	OrderRef       string
	AmountSubtotal int64
	Shipping       int64
	ExpiresAt      time.Time
}

// WebhookCommand carries a raw webhook delivery.
type WebhookCommand struct {
	Payload   []byte
	Signature string
}

// WebhookOutcome classifies how a webhook delivery was handled.
type WebhookOutcome string

const (
	WebhookOutcomeFulfilled WebhookOutcome = "fulfilled"
	WebhookOutcomeIgnored   WebhookOutcome = "ignored"
	WebhookOutcomeDuplicate WebhookOutcome = "duplicate"
	// WebhookOutcomeRejected means the order could not be fulfilled and retrying will not help.
	WebhookOutcomeRejected WebhookOutcome = "rejected"
)

// WebhookResult is returned for every acknowledged delivery. Transient failures are returned as
// errors instead so the provider redelivers.
type WebhookResult struct {
	EventID   string
	EventType string
	SessionID string
	Outcome   WebhookOutcome
	OrderID   string
	Reason    string
}

// FulfillmentFailure describes an order that could not be submitted.
type FulfillmentFailure struct {
	EventID    string    `json:"eventId"`
	SessionID  string    `json:"sessionId"`
	Reason     string    `json:"reason"`
	Retryable  bool      `json:"retryable"`
	OccurredAt time.Time `json:"occurredAt"`
}
