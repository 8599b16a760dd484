package services

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/clawanddecay/storefront/internal/domain"
	"github.com/clawanddecay/storefront/internal/fulfillment"
	"github.com/clawanddecay/storefront/internal/payments"
	"github.com/clawanddecay/storefront/internal/platform/idempotency"
)

const (
	defaultWebhookEventTTL   = 72 * time.Hour
	defaultWebhookEventLease = 2 * time.Minute
	defaultShippingMethod    = 1
	webhookEventKeyPrefix    = "stripe-event:"
)

var (
	// ErrWebhookSignature indicates the delivery failed signature verification.
	ErrWebhookSignature = errors.New("webhook: invalid signature")
	// ErrWebhookInvalidPayload indicates a signed delivery that could not be decoded.
	ErrWebhookInvalidPayload = errors.New("webhook: invalid payload")
	// ErrWebhookInProgress indicates another delivery of the same event is being processed.
	ErrWebhookInProgress = errors.New("webhook: event in progress")
	// ErrFulfillmentMappingMissing indicates a purchased variant has no fulfillment mapping.
	ErrFulfillmentMappingMissing = errors.New("fulfillment: variant mapping missing")
	// ErrFulfillmentInvalidSession indicates the session lacks data required to build an order.
	ErrFulfillmentInvalidSession = errors.New("fulfillment: invalid session")
	// ErrFulfillmentRejected indicates the provider refused the order.
	ErrFulfillmentRejected = errors.New("fulfillment: order rejected")
	// ErrFulfillmentTransient indicates a failure that a redelivery may fix.
	ErrFulfillmentTransient = errors.New("fulfillment: transient failure")
)

// webhookProvider abstracts payments.Provider for easier testing.
type webhookProvider interface {
	VerifyWebhook(payload []byte, signatureHeader string) (payments.WebhookEvent, error)
	ListLineItems(ctx context.Context, sessionID string) ([]payments.SessionLineItem, error)
}

// FulfillmentServiceDeps wires the webhook handler.
type FulfillmentServiceDeps struct {
	Payments webhookProvider
	Orders   OrderSubmitter
	Variants domain.VariantMap
	// Events dedupes deliveries by event id. Nil processes every delivery.
	Events idempotency.Store
	// Notifier receives fulfillment failures. Optional.
	Notifier FailureNotifier
	EventTTL time.Duration
	Lease    time.Duration
	// AllowUnpaid fulfils sessions completed with payment_status=unpaid (delayed payment methods).
	AllowUnpaid                  bool
	ShippingMethod               int
	SuppressShippingNotification bool
	Clock                        func() time.Time
	Logger                       func(ctx context.Context, event string, fields map[string]any)
}

type fulfillmentService struct {
	payments         webhookProvider
	orders           OrderSubmitter
	variants         domain.VariantMap
	events           idempotency.Store
	notifier         FailureNotifier
	eventTTL         time.Duration
	lease            time.Duration
	allowUnpaid      bool
	shippingMethod   int
	notifyRecipients bool
	now              func() time.Time
	logger           func(ctx context.Context, event string, fields map[string]any)
}

var _ FulfillmentService = (*fulfillmentService)(nil)

// NewFulfillmentService constructs a FulfillmentService validating required dependencies.
func NewFulfillmentService(deps FulfillmentServiceDeps) (FulfillmentService, error) {
	if deps.Payments == nil {
		return nil, errors.New("fulfillment service: payment provider is required")
	}
	if deps.Orders == nil {
		return nil, errors.New("fulfillment service: order submitter is required")
	}
	if len(deps.Variants) == 0 {
		return nil, errors.New("fulfillment service: variant map is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	ttl := deps.EventTTL
	if ttl <= 0 {
		ttl = defaultWebhookEventTTL
	}
	lease := deps.Lease
	if lease <= 0 {
		lease = defaultWebhookEventLease
	}
	method := deps.ShippingMethod
	if method <= 0 {
		method = defaultShippingMethod
	}

	return &fulfillmentService{
		payments:         deps.Payments,
		orders:           deps.Orders,
		variants:         deps.Variants,
		events:           deps.Events,
		notifier:         deps.Notifier,
		eventTTL:         ttl,
		lease:            lease,
		allowUnpaid:      deps.AllowUnpaid,
		shippingMethod:   method,
		notifyRecipients: !deps.SuppressShippingNotification,
		now: func() time.Time {
			return clock().UTC()
		},
		logger: logger,
	}, nil
}

// HandleWebhook verifies a delivery and submits the fulfillment order for completed sessions.
//
// A nil error means the delivery should be acknowledged, including orders rejected for reasons a
// retry cannot fix (Outcome is then WebhookOutcomeRejected). Errors wrapping
// ErrFulfillmentTransient or ErrWebhookInProgress ask the provider to redeliver.
func (s *fulfillmentService) HandleWebhook(ctx context.Context, cmd WebhookCommand) (WebhookResult, error) {
	event, err := s.payments.VerifyWebhook(cmd.Payload, cmd.Signature)
	if err != nil {
		if errors.Is(err, payments.ErrInvalidSignature) {
			s.logger(ctx, "fulfillment.webhook.signature_rejected", map[string]any{"error": err.Error()})
			return WebhookResult{}, fmt.Errorf("%w: %v", ErrWebhookSignature, err)
		}
		s.logger(ctx, "fulfillment.webhook.decode_failed", map[string]any{"error": err.Error()})
		return WebhookResult{}, fmt.Errorf("%w: %v", ErrWebhookInvalidPayload, err)
	}

	result := WebhookResult{EventID: event.ID, EventType: event.Type, Outcome: WebhookOutcomeIgnored}
	if event.Type != payments.EventCheckoutSessionCompleted || event.Session == nil {
		s.logger(ctx, "fulfillment.webhook.ignored", map[string]any{
			"eventId":   event.ID,
			"eventType": event.Type,
		})
		return result, nil
	}

	session := event.Session
	result.SessionID = session.ID
	if !s.payable(session.PaymentStatus) {
		result.Reason = "payment_status=" + string(session.PaymentStatus)
		s.logger(ctx, "fulfillment.webhook.unpaid_ignored", map[string]any{
			"eventId":       event.ID,
			"sessionId":     session.ID,
			"paymentStatus": string(session.PaymentStatus),
		})
		return result, nil
	}

	key := webhookEventKeyPrefix + event.ID
	if s.events != nil {
		reservation, err := s.events.Reserve(ctx, key, event.Type, s.now(), s.lease)
		if err != nil {
			s.logger(ctx, "fulfillment.webhook.dedupe_failed", map[string]any{
				"eventId": event.ID,
				"error":   err.Error(),
			})
			return result, fmt.Errorf("%w: reserve event: %w", ErrFulfillmentTransient, err)
		}
		switch reservation.State {
		case idempotency.ReservationStateCompleted:
			result.Outcome = WebhookOutcomeDuplicate
			result.OrderID = string(reservation.Record.ResponseBody)
			s.logger(ctx, "fulfillment.webhook.duplicate", map[string]any{
				"eventId":   event.ID,
				"sessionId": session.ID,
			})
			return result, nil
		case idempotency.ReservationStatePending:
			return result, ErrWebhookInProgress
		}
	}

	receipt, err := s.fulfil(ctx, session)
	if err != nil {
		retryable := errors.Is(err, ErrFulfillmentTransient)
		s.logger(ctx, "fulfillment.order_failed", map[string]any{
			"eventId":   event.ID,
			"sessionId": session.ID,
			"retryable": retryable,
			"error":     err.Error(),
		})
		s.notify(ctx, FulfillmentFailure{
			EventID:    event.ID,
			SessionID:  session.ID,
			Reason:     err.Error(),
			Retryable:  retryable,
			OccurredAt: s.now(),
		})
		if retryable {
			s.release(ctx, key, event.Type)
			return result, err
		}
		s.complete(ctx, key, event.Type, "")
		result.Outcome = WebhookOutcomeRejected
		result.Reason = err.Error()
		return result, nil
	}

	s.complete(ctx, key, event.Type, receipt.ID)
	result.Outcome = WebhookOutcomeFulfilled
	result.OrderID = receipt.ID
	s.logger(ctx, "fulfillment.order_submitted", map[string]any{
		"eventId":   event.ID,
		"sessionId": session.ID,
		"orderId":   receipt.ID,
	})
	return result, nil
}

func (s *fulfillmentService) payable(status payments.PaymentStatus) bool {
	switch status {
	case payments.PaymentStatusPaid, payments.PaymentStatusNoPaymentRequired:
		return true
	case payments.PaymentStatusUnpaid:
		return s.allowUnpaid
	}
	return false
}

// fulfil maps the session onto a fulfillment order and submits it.
func (s *fulfillmentService) fulfil(ctx context.Context, session *payments.CompletedSession) (fulfillment.OrderReceipt, error) {
	refs, err := ParseItemMetadata(session.Metadata)
	if err != nil {
		return fulfillment.OrderReceipt{}, fmt.Errorf("%w: %v", ErrFulfillmentInvalidSession, err)
	}

	mappings := make([]domain.VariantMapping, len(refs))
	var missing []string
	for i, ref := range refs {
		mapping, ok := s.variants[ref.VariantID]
		if !ok {
			missing = append(missing, strconv.FormatInt(ref.VariantID, 10))
			continue
		}
		mappings[i] = mapping
	}
	if len(missing) > 0 {
		return fulfillment.OrderReceipt{}, fmt.Errorf("%w: variants %s", ErrFulfillmentMappingMissing, strings.Join(missing, ","))
	}

	address, err := shippingAddress(session)
	if err != nil {
		return fulfillment.OrderReceipt{}, err
	}

	items, err := s.payments.ListLineItems(ctx, session.ID)
	if err != nil {
		if payments.IsRetryable(err) {
			return fulfillment.OrderReceipt{}, fmt.Errorf("%w: list line items: %w", ErrFulfillmentTransient, err)
		}
		return fulfillment.OrderReceipt{}, fmt.Errorf("%w: list line items: %v", ErrFulfillmentInvalidSession, err)
	}
	quantities := lineQuantities(items)

	lines := make([]domain.FulfillmentLine, 0, len(refs))
	for i, ref := range refs {
		quantity := quantities.lookup(ref)
		if quantity <= 0 {
			return fulfillment.OrderReceipt{}, fmt.Errorf("%w: no purchased quantity for variant %d", ErrFulfillmentInvalidSession, ref.VariantID)
		}
		variantID, _ := mappings[i].ProviderVariantID()
		lines = append(lines, domain.FulfillmentLine{
			ProductID: mappings[i].ProductID,
			VariantID: variantID,
			Quantity:  quantity,
		})
	}

	label := "Order " + session.ID
	if ref := strings.TrimSpace(session.Metadata[metadataKeyOrderRef]); ref != "" {
		label = "Order " + ref
	}
	order := domain.FulfillmentOrder{
		ExternalID:               session.ID,
		Label:                    label,
		LineItems:                lines,
		ShippingMethod:           s.shippingMethod,
		SendShippingNotification: s.notifyRecipients,
		Address:                  address,
	}

	receipt, err := s.orders.SubmitOrder(ctx, order)
	if err != nil {
		if fulfillment.IsRetryable(err) {
			return fulfillment.OrderReceipt{}, fmt.Errorf("%w: submit order: %w", ErrFulfillmentTransient, err)
		}
		return fulfillment.OrderReceipt{}, fmt.Errorf("%w: %w", ErrFulfillmentRejected, err)
	}
	return receipt, nil
}

type quantityIndex struct {
	byPair    map[ItemRef]int64
	byVariant map[int64]int64
}

func (q quantityIndex) lookup(ref ItemRef) int64 {
	if qty, ok := q.byPair[ref]; ok {
		return qty
	}
	return q.byVariant[ref.VariantID]
}

// lineQuantities indexes purchased quantities by the variant_id and product_id metadata written
// at checkout.
func lineQuantities(items []payments.SessionLineItem) quantityIndex {
	index := quantityIndex{byPair: map[ItemRef]int64{}, byVariant: map[int64]int64{}}
	for _, item := range items {
		variantID, err := strconv.ParseInt(strings.TrimSpace(item.ProductMetadata["variant_id"]), 10, 64)
		if err != nil || variantID <= 0 {
			continue
		}
		productID := strings.TrimSpace(item.ProductMetadata["product_id"])
		index.byPair[ItemRef{ProductID: productID, VariantID: variantID}] += item.Quantity
		index.byVariant[variantID] += item.Quantity
	}
	return index
}

// shippingAddress prefers the collected shipping details and falls back to the customer details.
func shippingAddress(session *payments.CompletedSession) (domain.ShippingAddress, error) {
	contact := session.Customer
	if session.Shipping != nil && session.Shipping.Address != nil {
		contact = *session.Shipping
		if contact.Name == "" {
			contact.Name = session.Customer.Name
		}
		if contact.Phone == "" {
			contact.Phone = session.Customer.Phone
		}
	}
	if contact.Address == nil || strings.TrimSpace(contact.Address.Line1) == "" || strings.TrimSpace(contact.Address.Country) == "" {
		return domain.ShippingAddress{}, fmt.Errorf("%w: session has no shipping address", ErrFulfillmentInvalidSession)
	}

	first, last := domain.SplitName(contact.Name)
	addr := contact.Address
	return domain.ShippingAddress{
		FirstName: first,
		LastName:  last,
		Email:     session.Customer.Email,
		Phone:     contact.Phone,
		Country:   strings.ToUpper(addr.Country),
		Region:    addr.State,
		Address1:  addr.Line1,
		Address2:  addr.Line2,
		City:      addr.City,
		Zip:       addr.PostalCode,
	}, nil
}

func (s *fulfillmentService) complete(ctx context.Context, key, fingerprint, orderID string) {
	if s.events == nil {
		return
	}
	resp := idempotency.Response{Status: 200, Body: []byte(orderID)}
	if err := s.events.SaveResponse(ctx, key, fingerprint, resp, s.now(), s.eventTTL); err != nil {
		s.logger(ctx, "fulfillment.webhook.dedupe_save_failed", map[string]any{
			"key":   key,
			"error": err.Error(),
		})
	}
}

func (s *fulfillmentService) release(ctx context.Context, key, fingerprint string) {
	if s.events == nil {
		return
	}
	if err := s.events.Release(ctx, key, fingerprint); err != nil {
		s.logger(ctx, "fulfillment.webhook.dedupe_release_failed", map[string]any{
			"key":   key,
			"error": err.Error(),
		})
	}
}

func (s *fulfillmentService) notify(ctx context.Context, notice FulfillmentFailure) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.NotifyFulfillmentFailure(ctx, notice); err != nil {
		s.logger(ctx, "fulfillment.notify_failed", map[string]any{
			"eventId": notice.EventID,
			"error":   err.Error(),
		})
	}
}
