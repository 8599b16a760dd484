package payments

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/stripe/stripe-go/v78"
	checkoutsession "github.com/stripe/stripe-go/v78/checkout/session"
	"github.com/stripe/stripe-go/v78/client"
	"github.com/stripe/stripe-go/v78/webhook"
	"golang.org/x/text/unicode/norm"
)

const (
	maxProductNameLength = 250
	defaultSessionTTL    = 24 * time.Hour
)

// StripeLogger defines the logging contract for Stripe provider operations.
type StripeLogger func(ctx context.Context, event string, fields map[string]any)

type stripeSessionAPI interface {
	New(params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error)
	ListLineItems(params *stripe.CheckoutSessionListLineItemsParams) *checkoutsession.LineItemIter
}

// StripeProviderConfig configures the StripeProvider.
type StripeProviderConfig struct {
	APIKey        string
	WebhookSecret string
	// WebhookTolerance bounds the age of a signed webhook. Zero means webhook.DefaultTolerance.
	WebhookTolerance time.Duration
	Backends         *stripe.Backends
	Logger           StripeLogger
	Clock            func() time.Time
}

// StripeProvider implements Provider using Stripe Checkout.
type StripeProvider struct {
	sessions      stripeSessionAPI
	webhookSecret string
	tolerance     time.Duration
	clock         func() time.Time
	logger        StripeLogger
}

// NewStripeProvider constructs a Stripe Provider using the given configuration.
func NewStripeProvider(cfg StripeProviderConfig) (*StripeProvider, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, errors.New("stripe: api key is required")
	}
	secret := strings.TrimSpace(cfg.WebhookSecret)
	if secret == "" {
		return nil, errors.New("stripe: webhook secret is required")
	}

	sc := client.New(apiKey, cfg.Backends)

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	tolerance := cfg.WebhookTolerance
	if tolerance <= 0 {
		tolerance = webhook.DefaultTolerance
	}

	return &StripeProvider{
		sessions:      sc.CheckoutSessions,
		webhookSecret: secret,
		tolerance:     tolerance,
		clock: func() time.Time {
			return clock().UTC()
		},
		logger: logger,
	}, nil
}

// CreateCheckoutSession creates a hosted Stripe Checkout session in payment mode.
func (p *StripeProvider) CreateCheckoutSession(ctx context.Context, req CheckoutSessionRequest) (CheckoutSession, error) {
	if p == nil {
		return CheckoutSession{}, errors.New("stripe: provider is nil")
	}
	if len(req.Items) == 0 {
		return CheckoutSession{}, fmt.Errorf("%w: at least one line item is required", ErrInvalidRequest)
	}
	currency := strings.ToLower(strings.TrimSpace(req.Currency))
	if currency == "" {
		return CheckoutSession{}, fmt.Errorf("%w: currency is required", ErrInvalidRequest)
	}

	params := &stripe.CheckoutSessionParams{
		Mode:               stripe.String(string(stripe.CheckoutSessionModePayment)),
		SuccessURL:         stripe.String(req.SuccessURL),
		CancelURL:          stripe.String(req.CancelURL),
		PaymentMethodTypes: stripe.StringSlice([]string{"card"}),
	}
	params.Context = ctx
	if key := strings.TrimSpace(req.IdempotencyKey); key != "" {
		params.SetIdempotencyKey(key)
	}
	if len(req.Metadata) > 0 {
		params.Metadata = copyMetadata(req.Metadata)
		params.PaymentIntentData = &stripe.CheckoutSessionPaymentIntentDataParams{
			Metadata: copyMetadata(req.Metadata),
		}
	}

	lineItems := make([]*stripe.CheckoutSessionLineItemParams, 0, len(req.Items))
	for _, item := range req.Items {
		if item.Quantity <= 0 || item.Amount < 0 {
			return CheckoutSession{}, fmt.Errorf("%w: invalid line item %q", ErrInvalidRequest, item.Name)
		}
		line := &stripe.CheckoutSessionLineItemParams{
			Quantity: stripe.Int64(item.Quantity),
			PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
				Currency:   stripe.String(currency),
				UnitAmount: stripe.Int64(item.Amount),
				ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
					Name: stripe.String(productName(item.Name)),
				},
			},
		}
		metadata := copyMetadata(item.Metadata)
		if item.SKU != "" {
			if metadata == nil {
				metadata = map[string]string{}
			}
			metadata["sku"] = item.SKU
		}
		if len(metadata) > 0 {
			line.PriceData.ProductData.Metadata = metadata
		}
		lineItems = append(lineItems, line)
	}
	params.LineItems = lineItems

	if len(req.AllowedCountries) > 0 {
		countries := make([]string, 0, len(req.AllowedCountries))
		for _, country := range req.AllowedCountries {
			if country = strings.ToUpper(strings.TrimSpace(country)); country != "" {
				countries = append(countries, country)
			}
		}
		params.ShippingAddressCollection = &stripe.CheckoutSessionShippingAddressCollectionParams{
			AllowedCountries: stripe.StringSlice(countries),
		}
	}
	if req.Shipping != nil {
		label := strings.TrimSpace(req.Shipping.DisplayName)
		if label == "" {
			label = "Standard shipping"
		}
		params.ShippingOptions = []*stripe.CheckoutSessionShippingOptionParams{{
			ShippingRateData: &stripe.CheckoutSessionShippingOptionShippingRateDataParams{
				Type:        stripe.String("fixed_amount"),
				DisplayName: stripe.String(label),
				FixedAmount: &stripe.CheckoutSessionShippingOptionShippingRateDataFixedAmountParams{
					Amount:   stripe.Int64(req.Shipping.Amount),
					Currency: stripe.String(currency),
				},
			},
		}}
	}

	session, err := p.sessions.New(params)
	if err != nil {
		return CheckoutSession{}, fmt.Errorf("stripe: create checkout session: %w", err)
	}

	p.logger(ctx, "payments.stripe.session.created", map[string]any{
		"sessionId": session.ID,
		"lineItems": len(lineItems),
		"currency":  currency,
	})

	expiresAt := p.clock().Add(defaultSessionTTL)
	if session.ExpiresAt != 0 {
		expiresAt = time.Unix(session.ExpiresAt, 0).UTC()
	}
	return CheckoutSession{
		ID:             session.ID,
		RedirectURL:    session.URL,
		AmountSubtotal: session.AmountSubtotal,
		AmountTotal:    session.AmountTotal,
		ExpiresAt:      expiresAt,
	}, nil
}

// ListLineItems returns every line item of a session with the product expanded so the metadata
// attached at creation is available.
func (p *StripeProvider) ListLineItems(ctx context.Context, sessionID string) ([]SessionLineItem, error) {
	if p == nil {
		return nil, errors.New("stripe: provider is nil")
	}
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return nil, fmt.Errorf("%w: session id is required", ErrInvalidRequest)
	}

	params := &stripe.CheckoutSessionListLineItemsParams{
		Session: stripe.String(sessionID),
	}
	params.Context = ctx
	params.Limit = stripe.Int64(100)
	params.AddExpand("data.price.product")

	var items []SessionLineItem
	iter := p.sessions.ListLineItems(params)
	for iter.Next() {
		li := iter.LineItem()
		item := SessionLineItem{
			Description: li.Description,
			Quantity:    li.Quantity,
			AmountTotal: li.AmountTotal,
		}
		if li.Price != nil && li.Price.Product != nil {
			item.ProductMetadata = copyMetadata(li.Price.Product.Metadata)
		}
		items = append(items, item)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("stripe: list line items for %s: %w", sessionID, err)
	}
	return items, nil
}

// VerifyWebhook checks the Stripe-Signature header against the signing secret and decodes the
// event. Checkout session events carry the decoded session.
func (p *StripeProvider) VerifyWebhook(payload []byte, signatureHeader string) (WebhookEvent, error) {
	if p == nil {
		return WebhookEvent{}, errors.New("stripe: provider is nil")
	}
	if strings.TrimSpace(signatureHeader) == "" {
		return WebhookEvent{}, fmt.Errorf("%w: missing signature header", ErrInvalidSignature)
	}

	event, err := webhook.ConstructEventWithOptions(payload, signatureHeader, p.webhookSecret, webhook.ConstructEventOptions{
		Tolerance:                p.tolerance,
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return WebhookEvent{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	out := WebhookEvent{
		ID:      event.ID,
		Type:    string(event.Type),
		Created: time.Unix(event.Created, 0).UTC(),
	}
	if !strings.HasPrefix(out.Type, "checkout.session.") || event.Data == nil {
		return out, nil
	}

	var session stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
		return WebhookEvent{}, fmt.Errorf("stripe: decode checkout session in event %s: %w", event.ID, err)
	}
	out.Session = completedSession(&session)
	return out, nil
}

// IsRetryable reports whether a provider error may succeed on retry: Stripe 5xx/429 answers and
// transport failures. Card, validation and authentication errors are permanent.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrInvalidRequest) || errors.Is(err, ErrInvalidSignature) || errors.Is(err, context.Canceled) {
		return false
	}
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) {
		return stripeErr.HTTPStatusCode >= http.StatusInternalServerError || stripeErr.HTTPStatusCode == http.StatusTooManyRequests
	}
	return true
}

func completedSession(session *stripe.CheckoutSession) *CompletedSession {
	out := &CompletedSession{
		ID:            session.ID,
		PaymentStatus: PaymentStatus(session.PaymentStatus),
		Metadata:      copyMetadata(session.Metadata),
		AmountTotal:   session.AmountTotal,
		Currency:      string(session.Currency),
	}
	if details := session.CustomerDetails; details != nil {
		out.Customer = Contact{
			Name:    details.Name,
			Email:   details.Email,
			Phone:   details.Phone,
			Address: convertAddress(details.Address),
		}
	}
	if out.Customer.Email == "" {
		out.Customer.Email = session.CustomerEmail
	}
	if shipping := session.ShippingDetails; shipping != nil {
		out.Shipping = &Contact{
			Name:    shipping.Name,
			Phone:   shipping.Phone,
			Address: convertAddress(shipping.Address),
		}
	}
	return out
}

func convertAddress(addr *stripe.Address) *Address {
	if addr == nil {
		return nil
	}
	return &Address{
		Line1:      addr.Line1,
		Line2:      addr.Line2,
		City:       addr.City,
		State:      addr.State,
		PostalCode: addr.PostalCode,
		Country:    addr.Country,
	}
}

// productName normalises to NFC and truncates on a rune boundary to Stripe's name limit.
func productName(name string) string {
	name = norm.NFC.String(strings.TrimSpace(name))
	if utf8.RuneCountInString(name) <= maxProductNameLength {
		return name
	}
	runes := []rune(name)
	return string(runes[:maxProductNameLength])
}

func copyMetadata(in map[string]string) map[string]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
