package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/clawanddecay/storefront/internal/domain"
	"github.com/clawanddecay/storefront/internal/platform/httpx"
	"github.com/clawanddecay/storefront/internal/services"
)

const maxCheckoutRequestBody = 32 * 1024

// CheckoutHandlers creates hosted payment sessions for anonymous shoppers.
type CheckoutHandlers struct {
	checkout    services.CheckoutService
	middlewares []func(http.Handler) http.Handler
}

// CheckoutOption customises CheckoutHandlers.
type CheckoutOption func(*CheckoutHandlers)

// WithCheckoutMiddlewares wraps the checkout routes, e.g. with rate limiting and idempotency.
func WithCheckoutMiddlewares(mw ...func(http.Handler) http.Handler) CheckoutOption {
	return func(h *CheckoutHandlers) {
		h.middlewares = append(h.middlewares, mw...)
	}
}

// NewCheckoutHandlers constructs checkout handlers.
func NewCheckoutHandlers(checkout services.CheckoutService, opts ...CheckoutOption) *CheckoutHandlers {
	h := &CheckoutHandlers{checkout: checkout}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Routes registers checkout endpoints relative to /checkout.
func (h *CheckoutHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	group := r
	for _, mw := range h.middlewares {
		if mw != nil {
			group = group.With(mw)
		}
	}
	group.Post("/session", h.createSession)
}

type checkoutItemRequest struct {
	ProductID string          `json:"productId"`
	VariantID json.RawMessage `json:"variantId"`
	Quantity  int64           `json:"quantity"`
}

type checkoutSessionRequest struct {
	Items []checkoutItemRequest `json:"items"`
}

type checkoutSessionResponse struct {
	URL       string `json:"url"`
	SessionID string `json:"sessionId"`
	OrderRef  string `json:"orderRef,omitempty"`
	ExpiresAt string `json:"expiresAt,omitempty"`
}

func (h *CheckoutHandlers) createSession(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.checkout == nil {
		httpx.WriteError(ctx, w, httpx.NewError("checkout_unavailable", "checkout service unavailable", http.StatusServiceUnavailable))
		return
	}

	body, err := readLimitedBody(r, maxCheckoutRequestBody)
	if err != nil {
		writeBodyError(w, r, err)
		return
	}

	var req checkoutSessionRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "request body must be valid JSON", http.StatusBadRequest))
		return
	}
	if len(req.Items) == 0 {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "items must not be empty", http.StatusBadRequest))
		return
	}

	lines := make([]domain.CartLine, 0, len(req.Items))
	for i, item := range req.Items {
		variantID, err := parseVariantID(item.VariantID)
		if err != nil {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "variantId must be a positive integer", http.StatusBadRequest).WithDetails(map[string]any{
				"index": i,
			}))
			return
		}
		lines = append(lines, domain.CartLine{
			ProductID: strings.TrimSpace(item.ProductID),
			VariantID: variantID,
			Quantity:  item.Quantity,
		})
	}

	session, err := h.checkout.CreateCheckoutSession(ctx, services.CreateCheckoutSessionCommand{Items: lines})
	if err != nil {
		writeCheckoutError(ctx, w, err)
		return
	}

	resp := checkoutSessionResponse{
		URL:       session.URL,
		SessionID: session.SessionID,
		OrderRef:  session.OrderRef,
	}
	if !session.ExpiresAt.IsZero() {
		resp.ExpiresAt = session.ExpiresAt.UTC().Format(time.RFC3339)
	}
	writeJSONResponse(w, http.StatusOK, resp)
}

// parseVariantID accepts a JSON number or a numeric string; storefront clients send both.
func parseVariantID(raw json.RawMessage) (int64, error) {
	if len(raw) == 0 {
		return 0, errors.New("missing variant id")
	}
	var number json.Number
	if raw[0] == '"' {
		var text string
		if err := json.Unmarshal(raw, &text); err != nil {
			return 0, err
		}
		number = json.Number(strings.TrimSpace(text))
	} else if err := json.Unmarshal(raw, &number); err != nil {
		return 0, err
	}
	id, err := number.Int64()
	if err != nil || id <= 0 {
		return 0, errors.New("invalid variant id")
	}
	return id, nil
}

func writeCheckoutError(ctx context.Context, w http.ResponseWriter, err error) {
	var lineErr *services.CheckoutLineError
	if errors.As(err, &lineErr) {
		details := map[string]any{"variantId": lineErr.VariantID}
		if lineErr.ProductID != "" {
			details["productId"] = lineErr.ProductID
		}
		if lineErr.Reason != "" {
			details["reason"] = lineErr.Reason
		}
		switch {
		case errors.Is(err, services.ErrCheckoutVariantNotFound):
			httpx.WriteError(ctx, w, httpx.NewError("variant_not_found", "variant not found", http.StatusBadRequest).WithDetails(details))
		case errors.Is(err, services.ErrCheckoutVariantUnavailable):
			httpx.WriteError(ctx, w, httpx.NewError("variant_unavailable", "variant is not available", http.StatusBadRequest).WithDetails(details))
		default:
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", lineErr.Reason, http.StatusBadRequest).WithDetails(details))
		}
		return
	}

	switch {
	case errors.Is(err, services.ErrCheckoutInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrCheckoutUnavailable):
		httpx.WriteError(ctx, w, httpx.NewError("checkout_unavailable", "product catalog is unavailable", http.StatusServiceUnavailable))
	case errors.Is(err, services.ErrCheckoutPaymentFailed):
		httpx.WriteError(ctx, w, httpx.NewError("payment_failed", "failed to create checkout session", http.StatusBadGateway))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("checkout_error", "failed to create checkout session", http.StatusInternalServerError))
	}
}
