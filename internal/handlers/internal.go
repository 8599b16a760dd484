package handlers

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/clawanddecay/storefront/internal/platform/httpx"
	"github.com/clawanddecay/storefront/internal/services"
)

// InternalHandlers exposes operations triggered by Cloud Scheduler.
type InternalHandlers struct {
	sync services.CatalogSyncService
}

// NewInternalHandlers constructs internal job handlers.
func NewInternalHandlers(sync services.CatalogSyncService) *InternalHandlers {
	return &InternalHandlers{sync: sync}
}

// Routes registers internal endpoints relative to /internal.
func (h *InternalHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/catalog:sync", h.syncCatalog)
}

type syncResponse struct {
	Trigger    string `json:"trigger"`
	Products   int    `json:"products"`
	Variants   int    `json:"variants"`
	Excluded   int    `json:"excluded"`
	Changed    bool   `json:"changed"`
	Generation int64  `json:"generation"`
	Attempts   int    `json:"attempts"`
	DurationMS int64  `json:"durationMs"`
}

func (h *InternalHandlers) syncCatalog(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.sync == nil {
		httpx.WriteError(ctx, w, httpx.NewError("sync_unavailable", "catalog sync unavailable", http.StatusServiceUnavailable))
		return
	}

	trigger := services.SyncTriggerManual
	if r.URL.Query().Get("trigger") == string(services.SyncTriggerSchedule) || r.Header.Get("X-CloudScheduler") == "true" {
		trigger = services.SyncTriggerSchedule
	}

	result, err := h.sync.Sync(ctx, services.SyncCommand{Trigger: trigger})
	if err != nil {
		switch {
		case errors.Is(err, services.ErrCatalogSyncFetch):
			httpx.WriteError(ctx, w, httpx.NewError("sync_fetch_failed", "failed to fetch products from the fulfillment provider", http.StatusBadGateway))
		case errors.Is(err, services.ErrCatalogSyncConflict):
			httpx.WriteError(ctx, w, httpx.NewError("sync_conflict", "cache was updated concurrently", http.StatusConflict))
		case errors.Is(err, services.ErrCatalogSyncStore):
			httpx.WriteError(ctx, w, httpx.NewError("sync_store_failed", "failed to write the product cache", http.StatusServiceUnavailable))
		default:
			httpx.WriteError(ctx, w, httpx.NewError("sync_failed", "catalog sync failed", http.StatusInternalServerError))
		}
		return
	}

	writeJSONResponse(w, http.StatusOK, syncResponse{
		Trigger:    string(result.Trigger),
		Products:   result.Products,
		Variants:   result.Variants,
		Excluded:   result.Excluded,
		Changed:    result.Changed,
		Generation: result.Generation,
		Attempts:   result.Attempts,
		DurationMS: result.Duration.Milliseconds(),
	})
}
