package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/clawanddecay/storefront/internal/fulfillment"
	"github.com/clawanddecay/storefront/internal/platform/httpx"
	"github.com/clawanddecay/storefront/internal/services"
)

const (
	cachedCatalogCacheControl = "public, max-age=60"
	liveCatalogCacheControl   = "no-store"
)

// ProductHandlers serves the storefront catalog.
type ProductHandlers struct {
	catalog services.CatalogService
}

// NewProductHandlers constructs catalog handlers.
func NewProductHandlers(catalog services.CatalogService) *ProductHandlers {
	return &ProductHandlers{catalog: catalog}
}

// Routes registers the catalog endpoints relative to /products.
func (h *ProductHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Get("/", h.listCached)
	r.Get("/live", h.listLive)
	r.Get("/{productId}", h.getProduct)
}

func (h *ProductHandlers) listCached(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.catalog == nil {
		httpx.WriteError(ctx, w, httpx.NewError("catalog_unavailable", "catalog service unavailable", http.StatusServiceUnavailable))
		return
	}
	catalog, err := h.catalog.CachedCatalog(ctx)
	if err != nil {
		writeCatalogError(ctx, w, err)
		return
	}
	w.Header().Set("Cache-Control", cachedCatalogCacheControl)
	writeJSONResponse(w, http.StatusOK, catalog)
}

func (h *ProductHandlers) listLive(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.catalog == nil {
		httpx.WriteError(ctx, w, httpx.NewError("catalog_unavailable", "catalog service unavailable", http.StatusServiceUnavailable))
		return
	}
	catalog, err := h.catalog.LiveCatalog(ctx)
	if err != nil {
		writeCatalogError(ctx, w, err)
		return
	}
	w.Header().Set("Cache-Control", liveCatalogCacheControl)
	writeJSONResponse(w, http.StatusOK, catalog)
}

func (h *ProductHandlers) getProduct(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.catalog == nil {
		httpx.WriteError(ctx, w, httpx.NewError("catalog_unavailable", "catalog service unavailable", http.StatusServiceUnavailable))
		return
	}
	productID := strings.TrimSpace(chi.URLParam(r, "productId"))
	product, err := h.catalog.Product(ctx, productID)
	if err != nil {
		writeCatalogError(ctx, w, err)
		return
	}
	w.Header().Set("Cache-Control", cachedCatalogCacheControl)
	writeJSONResponse(w, http.StatusOK, product)
}

func writeCatalogError(ctx context.Context, w http.ResponseWriter, err error) {
	var apiErr *fulfillment.APIError
	switch {
	case errors.Is(err, services.ErrCatalogNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("catalog_not_found", "product cache has not been built yet", http.StatusNotFound))
	case errors.Is(err, services.ErrCatalogProductNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("product_not_found", "product not found", http.StatusNotFound))
	case errors.Is(err, services.ErrCatalogInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "product id is invalid", http.StatusBadRequest))
	case errors.Is(err, services.ErrCatalogUnavailable):
		httpx.WriteError(ctx, w, httpx.NewError("catalog_unavailable", "product cache is unavailable", http.StatusServiceUnavailable))
	case errors.As(err, &apiErr):
		status := apiErr.Status
		if status < http.StatusBadRequest || status > 599 {
			status = http.StatusBadGateway
		}
		httpx.WriteError(ctx, w, httpx.NewError("upstream_error", "fulfillment provider request failed", status).WithDetails(map[string]any{
			"upstream_status": apiErr.Status,
			"upstream_body":   apiErr.Body,
		}))
	case errors.Is(err, services.ErrCatalogUpstream):
		httpx.WriteError(ctx, w, httpx.NewError("upstream_error", "fulfillment provider request failed", http.StatusBadGateway))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("catalog_error", "failed to load products", http.StatusInternalServerError))
	}
}
