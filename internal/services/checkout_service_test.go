package services

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/clawanddecay/storefront/internal/domain"
	"github.com/clawanddecay/storefront/internal/payments"
)

func newTestCheckoutService(t *testing.T, catalog domain.Catalog, pay *stubCheckoutPayments, mutate func(*CheckoutServiceDeps)) CheckoutService {
	t.Helper()
	deps := CheckoutServiceDeps{
		Catalog:             &stubCatalogReader{catalog: catalog},
		Payments:            pay,
		Currency:            "USD",
		SuccessURL:          "https://shop.clawanddecay.com/success?session_id={CHECKOUT_SESSION_ID}",
		CancelURL:           "https://shop.clawanddecay.com/cart",
		AllowedCountries:    []string{"US", "CA"},
		DefaultShippingRate: 500,
		IDGenerator:         func() string { return "01HZXORDERREF" },
	}
	if mutate != nil {
		mutate(&deps)
	}
	svc, err := NewCheckoutService(deps)
	if err != nil {
		t.Fatalf("NewCheckoutService: %v", err)
	}
	return svc
}

func sampleCatalog() domain.Catalog {
	products := sampleProducts()
	return domain.Catalog{CurrentPage: 1, LastPage: 1, Total: len(products), Data: products}
}

func TestCreateCheckoutSessionPricesFromCatalog(t *testing.T) {
	pay := &stubCheckoutPayments{session: payments.CheckoutSession{
		ID:          "cs_test_1",
		RedirectURL: "https://checkout.stripe.com/c/pay/cs_test_1",
		ExpiresAt:   time.Date(2026, 10, 15, 0, 0, 0, 0, time.UTC),
	}}
	svc := newTestCheckoutService(t, sampleCatalog(), pay, nil)

	session, err := svc.CreateCheckoutSession(context.Background(), CreateCheckoutSessionCommand{
		Items: []domain.CartLine{{ProductID: "P1", VariantID: 101, Quantity: 2}},
	})
	if err != nil {
		t.Fatalf("CreateCheckoutSession: %v", err)
	}
	if session.SessionID != "cs_test_1" || session.URL != "https://checkout.stripe.com/c/pay/cs_test_1" {
		t.Fatalf("unexpected session %+v", session)
	}
	if session.OrderRef != "01HZXORDERREF" || session.AmountSubtotal != 5000 {
		t.Fatalf("unexpected totals %+v", session)
	}
	// no profile: default rate for the first unit and for the second
	if session.Shipping != 1000 {
		t.Fatalf("expected shipping 1000, got %d", session.Shipping)
	}

	if len(pay.requests) != 1 {
		t.Fatalf("expected one payment request, got %d", len(pay.requests))
	}
	req := pay.requests[0]
	if req.Currency != "usd" {
		t.Fatalf("expected lower-case currency, got %s", req.Currency)
	}
	if len(req.Items) != 1 {
		t.Fatalf("expected one line item, got %d", len(req.Items))
	}
	item := req.Items[0]
	if item.Amount != 2500 || item.Quantity != 2 || item.Name != "Claw Tee - Black / L" || item.SKU != "TEE-L" {
		t.Fatalf("unexpected line item %+v", item)
	}
	if item.Metadata["variant_id"] != "101" || item.Metadata["product_id"] != "P1" {
		t.Fatalf("unexpected line metadata %+v", item.Metadata)
	}
	if req.Metadata["items"] != "P1:101" || req.Metadata["order_ref"] != "01HZXORDERREF" {
		t.Fatalf("unexpected session metadata %+v", req.Metadata)
	}
	if !strings.HasPrefix(req.IdempotencyKey, "checkout_") || len(req.IdempotencyKey) != len("checkout_")+32 {
		t.Fatalf("unexpected idempotency key %q", req.IdempotencyKey)
	}
	if req.Shipping == nil || req.Shipping.DisplayName != "Standard shipping" || req.Shipping.Amount != 1000 {
		t.Fatalf("unexpected shipping option %+v", req.Shipping)
	}
	if strings.Join(req.AllowedCountries, ",") != "US,CA" {
		t.Fatalf("unexpected countries %v", req.AllowedCountries)
	}
}

func TestCreateCheckoutSessionRejectsBadLines(t *testing.T) {
	tests := []struct {
		name    string
		items   []domain.CartLine
		want    error
		variant int64
	}{
		{name: "empty cart", want: ErrCheckoutInvalidInput},
		{name: "zero quantity", items: []domain.CartLine{{ProductID: "P1", VariantID: 101}}, want: ErrCheckoutInvalidInput, variant: 101},
		{name: "missing variant id", items: []domain.CartLine{{ProductID: "P1", Quantity: 1}}, want: ErrCheckoutInvalidInput},
		{name: "unknown variant", items: []domain.CartLine{{ProductID: "P1", VariantID: 999, Quantity: 1}}, want: ErrCheckoutVariantNotFound, variant: 999},
		{name: "variant under other product", items: []domain.CartLine{{ProductID: "P1", VariantID: 201, Quantity: 1}}, want: ErrCheckoutVariantNotFound, variant: 201},
		{name: "unavailable variant", items: []domain.CartLine{{ProductID: "P1", VariantID: 102, Quantity: 1}}, want: ErrCheckoutVariantUnavailable, variant: 102},
		{name: "disabled variant", items: []domain.CartLine{{VariantID: 202, Quantity: 1}}, want: ErrCheckoutVariantUnavailable, variant: 202},
		{name: "quantity over limit after merge", items: []domain.CartLine{
			{ProductID: "P1", VariantID: 101, Quantity: 20},
			{ProductID: "P1", VariantID: 101, Quantity: 6},
		}, want: ErrCheckoutInvalidInput, variant: 101},
		{name: "single line over limit", items: []domain.CartLine{{ProductID: "P1", VariantID: 101, Quantity: 26}}, want: ErrCheckoutInvalidInput, variant: 101},
		{name: "merged quantity would overflow", items: []domain.CartLine{
			{ProductID: "P1", VariantID: 101, Quantity: math.MaxInt64},
			{ProductID: "P1", VariantID: 101, Quantity: 2},
		}, want: ErrCheckoutInvalidInput, variant: 101},
		{name: "huge second line", items: []domain.CartLine{
			{ProductID: "P1", VariantID: 101, Quantity: 2},
			{ProductID: "P1", VariantID: 101, Quantity: math.MaxInt64},
		}, want: ErrCheckoutInvalidInput, variant: 101},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pay := &stubCheckoutPayments{}
			svc := newTestCheckoutService(t, sampleCatalog(), pay, nil)

			_, err := svc.CreateCheckoutSession(context.Background(), CreateCheckoutSessionCommand{Items: tt.items})
			if !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
			if tt.variant != 0 {
				var lineErr *CheckoutLineError
				if !errors.As(err, &lineErr) || lineErr.VariantID != tt.variant {
					t.Fatalf("expected line error for variant %d, got %v", tt.variant, err)
				}
			}
			if len(pay.requests) != 0 {
				t.Fatal("expected no payment session for a rejected cart")
			}
		})
	}
}

func TestCreateCheckoutSessionMergesLinesAndResolvesBareVariants(t *testing.T) {
	pay := &stubCheckoutPayments{session: payments.CheckoutSession{ID: "cs_test_2"}}
	svc := newTestCheckoutService(t, sampleCatalog(), pay, nil)

	session, err := svc.CreateCheckoutSession(context.Background(), CreateCheckoutSessionCommand{Items: []domain.CartLine{
		{ProductID: "P1", VariantID: 101, Quantity: 1},
		{VariantID: 201, Quantity: 1},
		{ProductID: "P1", VariantID: 101, Quantity: 2},
	}})
	if err != nil {
		t.Fatalf("CreateCheckoutSession: %v", err)
	}
	req := pay.requests[0]
	if len(req.Items) != 2 || req.Items[0].Quantity != 3 || req.Items[1].Metadata["product_id"] != "P2" {
		t.Fatalf("unexpected merged items %+v", req.Items)
	}
	if req.Metadata["items"] != "P1:101,P2:201" {
		t.Fatalf("unexpected items metadata %q", req.Metadata["items"])
	}
	if session.AmountSubtotal != 3*2500+4800 {
		t.Fatalf("unexpected subtotal %d", session.AmountSubtotal)
	}
}

func TestCreateCheckoutSessionShippingCost(t *testing.T) {
	withProfiles := func(tee, hoodie *domain.ShippingProfile) domain.Catalog {
		catalog := sampleCatalog()
		for i := range catalog.Data {
			switch catalog.Data[i].ID {
			case "P1":
				catalog.Data[i].Shipping = tee
			case "P2":
				catalog.Data[i].Shipping = hoodie
			}
		}
		return catalog
	}
	tests := []struct {
		name    string
		catalog domain.Catalog
		rate    int64
		items   []domain.CartLine
		want    int64
		label   string
	}{
		{
			name:    "highest first item charged once",
			catalog: withProfiles(&domain.ShippingProfile{FirstItem: 450, AdditionalItem: 200}, &domain.ShippingProfile{FirstItem: 520, AdditionalItem: 250}),
			rate:    500,
			items: []domain.CartLine{
				{ProductID: "P2", VariantID: 201, Quantity: 1},
				{ProductID: "P1", VariantID: 101, Quantity: 2},
			},
			want:  920,
			label: "Standard shipping",
		},
		{
			name:    "single unit pays first item",
			catalog: withProfiles(&domain.ShippingProfile{FirstItem: 450, AdditionalItem: 200}, nil),
			rate:    500,
			items:   []domain.CartLine{{ProductID: "P1", VariantID: 101, Quantity: 1}},
			want:    450,
			label:   "Standard shipping",
		},
		{
			name:    "missing profile uses default rate",
			catalog: withProfiles(&domain.ShippingProfile{FirstItem: 450, AdditionalItem: 200}, nil),
			rate:    300,
			items: []domain.CartLine{
				{ProductID: "P1", VariantID: 101, Quantity: 1},
				{ProductID: "P2", VariantID: 201, Quantity: 1},
			},
			want:  750,
			label: "Standard shipping",
		},
		{
			name:    "free shipping",
			catalog: sampleCatalog(),
			rate:    0,
			items:   []domain.CartLine{{ProductID: "P1", VariantID: 101, Quantity: 3}},
			want:    0,
			label:   "Free shipping",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pay := &stubCheckoutPayments{session: payments.CheckoutSession{ID: "cs_ship"}}
			svc := newTestCheckoutService(t, tt.catalog, pay, func(d *CheckoutServiceDeps) {
				d.DefaultShippingRate = tt.rate
			})
			session, err := svc.CreateCheckoutSession(context.Background(), CreateCheckoutSessionCommand{Items: tt.items})
			if err != nil {
				t.Fatalf("CreateCheckoutSession: %v", err)
			}
			if session.Shipping != tt.want {
				t.Fatalf("expected shipping %d, got %d", tt.want, session.Shipping)
			}
			option := pay.requests[0].Shipping
			if option == nil || option.Amount != tt.want || option.DisplayName != tt.label {
				t.Fatalf("unexpected shipping option %+v", option)
			}
		})
	}
}

func TestCreateCheckoutSessionChunksLargeCarts(t *testing.T) {
	catalog := domain.Catalog{CurrentPage: 1, LastPage: 1}
	var items []domain.CartLine
	for i := 0; i < 30; i++ {
		productID := fmt.Sprintf("6650f1c2a9b8e7d6c5b4%04d", i)
		catalog.Data = append(catalog.Data, domain.Product{
			ID:       productID,
			Title:    "Sticker",
			Variants: []domain.Variant{{ID: int64(1000 + i), Title: "3in", Price: 300}},
		})
		items = append(items, domain.CartLine{ProductID: productID, VariantID: int64(1000 + i), Quantity: 1})
	}
	pay := &stubCheckoutPayments{session: payments.CheckoutSession{ID: "cs_big"}}
	svc := newTestCheckoutService(t, catalog, pay, nil)

	if _, err := svc.CreateCheckoutSession(context.Background(), CreateCheckoutSessionCommand{Items: items}); err != nil {
		t.Fatalf("CreateCheckoutSession: %v", err)
	}
	metadata := pay.requests[0].Metadata
	if _, ok := metadata["items"]; ok {
		t.Fatal("expected chunked metadata instead of a single items value")
	}
	if metadata["items_count"] != "2" {
		t.Fatalf("expected two chunks, got %q", metadata["items_count"])
	}
	for key, value := range metadata {
		if len(value) > 500 {
			t.Fatalf("metadata %s exceeds the value limit: %d", key, len(value))
		}
	}

	refs, err := ParseItemMetadata(metadata)
	if err != nil {
		t.Fatalf("ParseItemMetadata: %v", err)
	}
	if len(refs) != 30 || refs[0].VariantID != 1000 || refs[29].ProductID != catalog.Data[29].ID {
		t.Fatalf("unexpected refs %d %+v", len(refs), refs[0])
	}
}

func TestCreateCheckoutSessionWrapsFailures(t *testing.T) {
	t.Run("catalog", func(t *testing.T) {
		svc, err := NewCheckoutService(CheckoutServiceDeps{
			Catalog:    &stubCatalogReader{err: ErrCatalogNotFound},
			Payments:   &stubCheckoutPayments{},
			SuccessURL: "https://shop.clawanddecay.com/success",
			CancelURL:  "https://shop.clawanddecay.com/cart",
		})
		if err != nil {
			t.Fatalf("NewCheckoutService: %v", err)
		}
		_, err = svc.CreateCheckoutSession(context.Background(), CreateCheckoutSessionCommand{
			Items: []domain.CartLine{{ProductID: "P1", VariantID: 101, Quantity: 1}},
		})
		if !errors.Is(err, ErrCheckoutUnavailable) {
			t.Fatalf("expected unavailable, got %v", err)
		}
	})

	t.Run("payment", func(t *testing.T) {
		upstream := errors.New("stripe: card_declined")
		svc := newTestCheckoutService(t, sampleCatalog(), &stubCheckoutPayments{err: upstream}, nil)
		_, err := svc.CreateCheckoutSession(context.Background(), CreateCheckoutSessionCommand{
			Items: []domain.CartLine{{ProductID: "P1", VariantID: 101, Quantity: 1}},
		})
		if !errors.Is(err, ErrCheckoutPaymentFailed) || !errors.Is(err, upstream) {
			t.Fatalf("expected wrapped payment failure, got %v", err)
		}
	})
}

func TestNewCheckoutServiceValidatesDeps(t *testing.T) {
	base := CheckoutServiceDeps{
		Catalog:    &stubCatalogReader{},
		Payments:   &stubCheckoutPayments{},
		SuccessURL: "https://shop.clawanddecay.com/success",
		CancelURL:  "https://shop.clawanddecay.com/cart",
	}
	tests := map[string]func(*CheckoutServiceDeps){
		"catalog":       func(d *CheckoutServiceDeps) { d.Catalog = nil },
		"payments":      func(d *CheckoutServiceDeps) { d.Payments = nil },
		"success url":   func(d *CheckoutServiceDeps) { d.SuccessURL = " " },
		"shipping rate": func(d *CheckoutServiceDeps) { d.DefaultShippingRate = -1 },
	}
	for name, mutate := range tests {
		t.Run(name, func(t *testing.T) {
			deps := base
			mutate(&deps)
			if _, err := NewCheckoutService(deps); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestParseItemMetadata(t *testing.T) {
	refs, err := ParseItemMetadata(map[string]string{"items": "P1:101, 202,P1:101,"})
	if err != nil {
		t.Fatalf("ParseItemMetadata: %v", err)
	}
	if len(refs) != 2 || refs[0] != (ItemRef{ProductID: "P1", VariantID: 101}) || refs[1] != (ItemRef{VariantID: 202}) {
		t.Fatalf("unexpected refs %+v", refs)
	}

	bad := []map[string]string{
		{},
		{"items": "P1:abc"},
		{"items": " , "},
		{"items_count": "2", "items_1": "P1:101"},
		{"items_count": "0"},
	}
	for _, metadata := range bad {
		if _, err := ParseItemMetadata(metadata); err == nil {
			t.Fatalf("expected error for %v", metadata)
		}
	}
}
