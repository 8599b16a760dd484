package services

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/clawanddecay/storefront/internal/domain"
	"github.com/clawanddecay/storefront/internal/fulfillment"
	"github.com/clawanddecay/storefront/internal/payments"
	"github.com/clawanddecay/storefront/internal/platform/storage"
)

func sampleProducts() []domain.Product {
	return []domain.Product{
		{
			ID:    "P2",
			Title: "Decay Hoodie",
			Variants: []domain.Variant{
				{ID: 201, Title: "Grey / M", SKU: "HOOD-M", Price: 4800, IsEnabled: domain.Bool(true), IsAvailable: domain.Bool(true)},
				{ID: 202, Title: "Grey / XL", Price: 5200, IsEnabled: domain.Bool(false)},
			},
			Images:          []domain.Image{{Src: "https://images-api.printify.com/mockup/p2/back.jpg?camera_label=back", Position: "back"}},
			BlueprintID:     77,
			PrintProviderID: 29,
		},
		{
			ID:    "P1",
			Title: "Claw Tee",
			Variants: []domain.Variant{
				{ID: 101, Title: "Black / L", SKU: "TEE-L", Price: 2500, IsEnabled: domain.Bool(true), IsAvailable: domain.Bool(true)},
				{ID: 102, Title: "Black / XL", SKU: "TEE-XL", Price: 2700, IsEnabled: domain.Bool(true), IsAvailable: domain.Bool(false)},
			},
			Images:          []domain.Image{{Src: "https://images-api.printify.com/mockup/p1/front.png?v=1", Position: "front", IsDefault: true}},
			BlueprintID:     6,
			PrintProviderID: 99,
		},
	}
}

func seedCatalogStore(t *testing.T, products []domain.Product) *storage.MemoryCatalogStore {
	t.Helper()
	store := storage.NewMemoryCatalogStore()
	data, err := json.Marshal(domain.Catalog{CurrentPage: 1, LastPage: 1, Total: len(products), Data: products})
	if err != nil {
		t.Fatalf("marshal catalog: %v", err)
	}
	store.Put(data)
	return store
}

type stubProductSource struct {
	catalog   domain.Catalog
	listErr   error
	products  map[string]domain.Product
	getErr    error
	getCalls  int
	listCalls int
}

func (s *stubProductSource) ListProducts(context.Context, int, int) (domain.Catalog, error) {
	s.listCalls++
	if s.listErr != nil {
		return domain.Catalog{}, s.listErr
	}
	return s.catalog, nil
}

func (s *stubProductSource) GetProduct(_ context.Context, id string) (domain.Product, error) {
	s.getCalls++
	if s.getErr != nil {
		return domain.Product{}, s.getErr
	}
	product, ok := s.products[id]
	if !ok {
		return domain.Product{}, &fulfillment.APIError{Status: 404, Body: "not found"}
	}
	return product, nil
}

type stubProductFeed struct {
	mu           sync.Mutex
	products     []domain.Product
	err          error
	profiles     map[int64]domain.ShippingProfile
	profileErr   error
	profileCalls int
	listCalls    int
	// started and release, when set, hold ListAllProducts until release closes or ctx ends.
	started chan struct{}
	release chan struct{}
}

func (s *stubProductFeed) ListAllProducts(ctx context.Context, _ int) ([]domain.Product, error) {
	if s.release != nil {
		if s.started != nil {
			close(s.started)
		}
		select {
		case <-s.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listCalls++
	if s.err != nil {
		return nil, s.err
	}
	out := make([]domain.Product, len(s.products))
	copy(out, s.products)
	return out, nil
}

func (s *stubProductFeed) ShippingProfile(_ context.Context, blueprintID, _ int64, _ string) (domain.ShippingProfile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.profileCalls++
	if s.profileErr != nil {
		return domain.ShippingProfile{}, s.profileErr
	}
	profile, ok := s.profiles[blueprintID]
	if !ok {
		return domain.ShippingProfile{}, fulfillment.ErrNotFound
	}
	return profile, nil
}

type stubCatalogReader struct {
	catalog domain.Catalog
	err     error
}

func (s *stubCatalogReader) CachedCatalog(context.Context) (domain.Catalog, error) {
	return s.catalog, s.err
}

type stubCheckoutPayments struct {
	requests []payments.CheckoutSessionRequest
	session  payments.CheckoutSession
	err      error
}

func (s *stubCheckoutPayments) CreateCheckoutSession(_ context.Context, req payments.CheckoutSessionRequest) (payments.CheckoutSession, error) {
	s.requests = append(s.requests, req)
	if s.err != nil {
		return payments.CheckoutSession{}, s.err
	}
	return s.session, nil
}

type stubWebhookProvider struct {
	event     payments.WebhookEvent
	verifyErr error
	items     []payments.SessionLineItem
	listErr   error
	listCalls int
}

func (s *stubWebhookProvider) VerifyWebhook([]byte, string) (payments.WebhookEvent, error) {
	if s.verifyErr != nil {
		return payments.WebhookEvent{}, s.verifyErr
	}
	return s.event, nil
}

func (s *stubWebhookProvider) ListLineItems(context.Context, string) ([]payments.SessionLineItem, error) {
	s.listCalls++
	if s.listErr != nil {
		return nil, s.listErr
	}
	return s.items, nil
}

type stubOrderSubmitter struct {
	orders []domain.FulfillmentOrder
	errs   []error
}

func (s *stubOrderSubmitter) SubmitOrder(_ context.Context, order domain.FulfillmentOrder) (fulfillment.OrderReceipt, error) {
	s.orders = append(s.orders, order)
	if len(s.errs) > 0 {
		err := s.errs[0]
		s.errs = s.errs[1:]
		if err != nil {
			return fulfillment.OrderReceipt{}, err
		}
	}
	return fulfillment.OrderReceipt{ID: "po-1"}, nil
}

type stubNotifier struct {
	notices []FulfillmentFailure
}

func (s *stubNotifier) NotifyFulfillmentFailure(_ context.Context, notice FulfillmentFailure) error {
	s.notices = append(s.notices, notice)
	return nil
}
