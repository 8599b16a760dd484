// Package payments adapts the payment service provider (Stripe) to the storefront's checkout and
// fulfillment flows.
package payments

import (
	"context"
	"errors"
	"time"
)

// PaymentStatus mirrors the checkout session payment_status values.
type PaymentStatus string

const (
	PaymentStatusPaid              PaymentStatus = "paid"
	PaymentStatusUnpaid            PaymentStatus = "unpaid"
	PaymentStatusNoPaymentRequired PaymentStatus = "no_payment_required"
)

// EventCheckoutSessionCompleted is the only webhook event type that triggers fulfillment.
const EventCheckoutSessionCompleted = "checkout.session.completed"

var (
	// ErrInvalidSignature is returned when a webhook payload fails signature verification.
	ErrInvalidSignature = errors.New("payments: invalid webhook signature")
	// ErrInvalidRequest reports a request rejected before it reached the provider.
	ErrInvalidRequest = errors.New("payments: invalid request")
)

// CheckoutLineItem describes a single line item to include in a checkout session.
type CheckoutLineItem struct {
	Name     string
	SKU      string
	Quantity int64
	Amount   int64
	Metadata map[string]string
}

// ShippingOption is a fixed-amount shipping rate offered on the hosted checkout page.
type ShippingOption struct {
	DisplayName string
	Amount      int64
}

// CheckoutSessionRequest captures the payload required to create a checkout session.
type CheckoutSessionRequest struct {
	Currency         string
	SuccessURL       string
	CancelURL        string
	Metadata         map[string]string
	IdempotencyKey   string
	Items            []CheckoutLineItem
	Shipping         *ShippingOption
	AllowedCountries []string
}

// CheckoutSession is the hosted checkout page created for the shopper.
type CheckoutSession struct {
	ID             string
	RedirectURL    string
	AmountSubtotal int64
	AmountTotal    int64
	ExpiresAt      time.Time
}

// SessionLineItem is a purchased line read back from a completed session. ProductMetadata is the
// metadata attached to the line's product at session creation.
type SessionLineItem struct {
	Description     string
	Quantity        int64
	AmountTotal     int64
	ProductMetadata map[string]string
}

// Address is a postal address collected by the hosted checkout page.
type Address struct {
	Line1      string
	Line2      string
	City       string
	State      string
	PostalCode string
	Country    string
}

// Contact is a named recipient with an optional address.
type Contact struct {
	Name    string
	Email   string
	Phone   string
	Address *Address
}

// CompletedSession is the subset of a checkout session the fulfillment flow reads.
type CompletedSession struct {
	ID            string
	PaymentStatus PaymentStatus
	Metadata      map[string]string
	Customer      Contact
	Shipping      *Contact
	AmountTotal   int64
	Currency      string
}

// WebhookEvent is a verified webhook delivery. Session is set for checkout session events.
type WebhookEvent struct {
	ID      string
	Type    string
	Created time.Time
	Session *CompletedSession
}

// Provider defines the payment operations the storefront depends on.
type Provider interface {
	CreateCheckoutSession(ctx context.Context, req CheckoutSessionRequest) (CheckoutSession, error)
	ListLineItems(ctx context.Context, sessionID string) ([]SessionLineItem, error)
	VerifyWebhook(payload []byte, signatureHeader string) (WebhookEvent, error)
}
