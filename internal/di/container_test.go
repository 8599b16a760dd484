package di

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/clawanddecay/storefront/internal/domain"
	"github.com/clawanddecay/storefront/internal/fulfillment"
	"github.com/clawanddecay/storefront/internal/payments"
	"github.com/clawanddecay/storefront/internal/platform/config"
	"github.com/clawanddecay/storefront/internal/platform/idempotency"
	"github.com/clawanddecay/storefront/internal/platform/storage"
	"github.com/clawanddecay/storefront/internal/repositories"
	"github.com/clawanddecay/storefront/internal/services"
)

type stubFulfillmentAPI struct {
	products []domain.Product
}

func (s *stubFulfillmentAPI) ListProducts(context.Context, int, int) (domain.Catalog, error) {
	return domain.Catalog{CurrentPage: 1, Data: s.products}, nil
}

func (s *stubFulfillmentAPI) GetProduct(context.Context, string) (domain.Product, error) {
	return domain.Product{}, fulfillment.ErrNotFound
}

func (s *stubFulfillmentAPI) ListAllProducts(context.Context, int) ([]domain.Product, error) {
	return s.products, nil
}

func (s *stubFulfillmentAPI) ShippingProfile(context.Context, int64, int64, string) (domain.ShippingProfile, error) {
	return domain.ShippingProfile{}, errors.New("no profile")
}

func (s *stubFulfillmentAPI) SubmitOrder(context.Context, domain.FulfillmentOrder) (fulfillment.OrderReceipt, error) {
	return fulfillment.OrderReceipt{ID: "po-1"}, nil
}

type stubPayments struct{}

func (stubPayments) CreateCheckoutSession(context.Context, payments.CheckoutSessionRequest) (payments.CheckoutSession, error) {
	return payments.CheckoutSession{ID: "cs_1", RedirectURL: "https://checkout.stripe.com/c/pay/cs_1"}, nil
}

func (stubPayments) ListLineItems(context.Context, string) ([]payments.SessionLineItem, error) {
	return nil, nil
}

func (stubPayments) VerifyWebhook([]byte, string) (payments.WebhookEvent, error) {
	return payments.WebhookEvent{ID: "evt_1", Type: "customer.created"}, nil
}

func loadTestConfig(t *testing.T) config.Config {
	t.Helper()
	cfg, err := config.Load(context.Background(),
		config.WithoutSystemEnv(),
		config.WithEnvFile(""),
		config.WithEnvMap(map[string]string{
			"STORE_STORAGE_CATALOG_BUCKET": "cd-catalog",
			"STORE_FULFILLMENT_SHOP_ID":    "9001",
			"STORE_FULFILLMENT_API_TOKEN":  "token",
		}),
	)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	return cfg
}

func TestNewContainerWiresAllServices(t *testing.T) {
	cfg := loadTestConfig(t)
	api := &stubFulfillmentAPI{products: []domain.Product{{
		ID:       "P1",
		Title:    "Claw Tee",
		Variants: []domain.Variant{{ID: 101, Title: "Black / L", Price: 2500}},
	}}}
	closed := 0

	c, err := NewContainer(cfg, Infrastructure{
		CatalogStore: storage.NewMemoryCatalogStore(),
		Fulfillment:  api,
		Payments:     stubPayments{},
		Events:       idempotency.NewMemoryStore(),
		Variants:     domain.VariantMap{101: {ProductID: "pf-tee", VariantID: 17390}},
		HealthChecks: []repositories.DependencyCheck{{
			Name:     "catalogStore",
			Critical: true,
			Check:    func(context.Context) error { return nil },
		}},
		Closers: []func(context.Context) error{func(context.Context) error {
			closed++
			return nil
		}},
	})
	if err != nil {
		t.Fatalf("new container: %v", err)
	}

	s := c.Services
	if s.Catalog == nil || s.CatalogSync == nil || s.Checkout == nil || s.Fulfillment == nil || s.System == nil {
		t.Fatalf("expected every service, got %+v", s)
	}

	ctx := context.Background()
	result, err := s.CatalogSync.Sync(ctx, services.SyncCommand{Trigger: services.SyncTriggerStartup})
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if !result.Changed || result.Products != 1 {
		t.Fatalf("unexpected sync result %+v", result)
	}

	catalog, err := s.Catalog.CachedCatalog(ctx)
	if err != nil {
		t.Fatalf("cached catalog: %v", err)
	}
	if len(catalog.Data) != 1 || catalog.Data[0].ID != "P1" {
		t.Fatalf("unexpected catalog %+v", catalog)
	}

	report, err := s.System.HealthReport(ctx)
	if err != nil || !report.Ready() {
		t.Fatalf("expected ready report, got %+v (%v)", report, err)
	}
	if sf := report.Storefront; sf.CatalogGeneration != result.Generation || sf.CatalogProducts != 1 || sf.VariantMappings != 1 {
		t.Fatalf("unexpected storefront status %+v", sf)
	}

	if err := c.Close(ctx); err != nil || closed != 1 {
		t.Fatalf("expected closer to run once, got %d (%v)", closed, err)
	}
}

func TestNewContainerSyncRefreshesCatalogReads(t *testing.T) {
	cfg := loadTestConfig(t)
	api := &stubFulfillmentAPI{products: []domain.Product{{
		ID:       "P1",
		Title:    "Claw Tee",
		Variants: []domain.Variant{{ID: 101, Title: "Black / L", Price: 2500}},
	}}}
	c, err := NewContainer(cfg, Infrastructure{
		CatalogStore: storage.NewMemoryCatalogStore(),
		Fulfillment:  api,
	})
	if err != nil {
		t.Fatalf("new container: %v", err)
	}
	ctx := context.Background()
	s := c.Services

	if _, err := s.CatalogSync.Sync(ctx, services.SyncCommand{}); err != nil {
		t.Fatalf("first sync: %v", err)
	}
	if _, err := s.Catalog.CachedCatalog(ctx); err != nil {
		t.Fatalf("warm catalog: %v", err)
	}

	api.products[0].Variants[0].Price = 3100
	result, err := s.CatalogSync.Sync(ctx, services.SyncCommand{})
	if err != nil || !result.Changed {
		t.Fatalf("expected changed second sync, got %+v (%v)", result, err)
	}

	catalog, err := s.Catalog.CachedCatalog(ctx)
	if err != nil {
		t.Fatalf("cached catalog: %v", err)
	}
	if got := catalog.Data[0].Variants[0].Price; got != 3100 {
		t.Fatalf("expected price from the new sync, got %d", got)
	}
}

func TestNewContainerOptionalServices(t *testing.T) {
	cfg := loadTestConfig(t)
	store := storage.NewMemoryCatalogStore()
	data, _ := json.Marshal(domain.Catalog{CurrentPage: 1, Data: []domain.Product{{ID: "P1"}}})
	store.Put(data)

	c, err := NewContainer(cfg, Infrastructure{CatalogStore: store})
	if err != nil {
		t.Fatalf("new container: %v", err)
	}
	s := c.Services
	if s.Catalog == nil {
		t.Fatalf("catalog service is always built")
	}
	if s.CatalogSync != nil || s.Checkout != nil || s.Fulfillment != nil || s.System != nil {
		t.Fatalf("expected optional services to be nil, got %+v", s)
	}
	if _, err := s.Catalog.Product(context.Background(), "P404"); !errors.Is(err, services.ErrCatalogProductNotFound) {
		t.Fatalf("expected product not found without live fallback, got %v", err)
	}
}

func TestNewContainerRequiresStore(t *testing.T) {
	if _, err := NewContainer(config.Config{}, Infrastructure{}); err == nil {
		t.Fatalf("expected error without catalog store")
	}
}

func TestContainerCloseReturnsFirstError(t *testing.T) {
	var order []string
	c := &Container{closers: []func(context.Context) error{
		func(context.Context) error { order = append(order, "firestore"); return errors.New("firestore close") },
		func(context.Context) error { order = append(order, "storage"); return errors.New("storage close") },
	}}

	err := c.Close(context.Background())
	if err == nil || err.Error() != "storage close" {
		t.Fatalf("expected storage error first, got %v", err)
	}
	if len(order) != 2 || order[0] != "storage" || order[1] != "firestore" {
		t.Fatalf("expected reverse close order, got %v", order)
	}
}
