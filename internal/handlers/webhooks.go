package handlers

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/clawanddecay/storefront/internal/platform/httpx"
	"github.com/clawanddecay/storefront/internal/services"
)

const maxWebhookBodySize = 256 * 1024

// WebhookHandlers receives payment provider events.
type WebhookHandlers struct {
	fulfillment services.FulfillmentService
}

// NewWebhookHandlers constructs webhook handlers.
func NewWebhookHandlers(fulfillment services.FulfillmentService) *WebhookHandlers {
	return &WebhookHandlers{fulfillment: fulfillment}
}

// Routes registers webhook endpoints relative to /webhooks.
func (h *WebhookHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/stripe", h.stripe)
}

type webhookResponse struct {
	Received  bool   `json:"received"`
	Fulfilled bool   `json:"fulfilled"`
	Duplicate bool   `json:"duplicate"`
	Outcome   string `json:"outcome"`
	EventID   string `json:"eventId,omitempty"`
	OrderID   string `json:"orderId,omitempty"`
}

func (h *WebhookHandlers) stripe(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.fulfillment == nil {
		httpx.WriteError(ctx, w, httpx.NewError("webhook_unavailable", "webhook processing unavailable", http.StatusServiceUnavailable))
		return
	}

	payload, err := readLimitedBody(r, maxWebhookBodySize)
	if err != nil {
		writeBodyError(w, r, err)
		return
	}

	result, err := h.fulfillment.HandleWebhook(ctx, services.WebhookCommand{
		Payload:   payload,
		Signature: r.Header.Get("Stripe-Signature"),
	})
	if err != nil {
		switch {
		case errors.Is(err, services.ErrWebhookSignature):
			httpx.WriteError(ctx, w, httpx.NewError("invalid_signature", "webhook signature verification failed", http.StatusBadRequest))
		case errors.Is(err, services.ErrWebhookInvalidPayload):
			httpx.WriteError(ctx, w, httpx.NewError("invalid_payload", "webhook payload could not be parsed", http.StatusBadRequest))
		case errors.Is(err, services.ErrWebhookInProgress):
			httpx.WriteError(ctx, w, httpx.NewError("event_in_progress", "event is already being processed", http.StatusConflict))
		case errors.Is(err, services.ErrFulfillmentTransient):
			httpx.WriteError(ctx, w, httpx.NewError("fulfillment_unavailable", "order submission failed; retry later", http.StatusBadGateway))
		default:
			httpx.WriteError(ctx, w, httpx.NewError("webhook_error", "failed to process webhook", http.StatusInternalServerError))
		}
		return
	}

	writeJSONResponse(w, http.StatusOK, webhookResponse{
		Received:  true,
		Fulfilled: result.Outcome == services.WebhookOutcomeFulfilled,
		Duplicate: result.Outcome == services.WebhookOutcomeDuplicate,
		Outcome:   string(result.Outcome),
		EventID:   result.EventID,
		OrderID:   result.OrderID,
	})
}
