package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/clawanddecay/storefront/internal/domain"
	"github.com/clawanddecay/storefront/internal/fulfillment"
	"github.com/clawanddecay/storefront/internal/platform/storage"
)

const (
	defaultCatalogCacheTTL = 30 * time.Second
	defaultLivePageLimit   = 50
)

var (
	// ErrCatalogNotFound indicates the cache has not been written yet.
	ErrCatalogNotFound = errors.New("catalog: cache not found")
	// ErrCatalogProductNotFound indicates the requested product does not exist.
	ErrCatalogProductNotFound = errors.New("catalog: product not found")
	// ErrCatalogInvalidInput indicates a malformed product id.
	ErrCatalogInvalidInput = errors.New("catalog: invalid input")
	// ErrCatalogUnavailable indicates the cache could not be read or decoded.
	ErrCatalogUnavailable = errors.New("catalog: unavailable")
	// ErrCatalogUpstream wraps a failed call to the fulfillment provider. The provider's
	// *fulfillment.APIError stays reachable through errors.As.
	ErrCatalogUpstream = errors.New("catalog: upstream error")
)

// CatalogServiceDeps wires the catalog reader.
type CatalogServiceDeps struct {
	Store  storage.CatalogStore
	Source ProductSource
	// Images rewrites provider mockup URLs. Nil serves the provider URLs unchanged.
	Images *storage.ImageURLBuilder
	// LiveFallback lets Product ask the provider for ids missing from the cache.
	LiveFallback bool
	// CacheTTL bounds how long a decoded cache document is reused. Negative disables reuse.
	CacheTTL time.Duration
	Clock    func() time.Time
	Logger   func(ctx context.Context, event string, fields map[string]any)
}

type catalogService struct {
	store        storage.CatalogStore
	source       ProductSource
	images       *storage.ImageURLBuilder
	liveFallback bool
	cacheTTL     time.Duration
	now          func() time.Time
	logger       func(ctx context.Context, event string, fields map[string]any)

	loads    singleflight.Group
	mu       sync.Mutex
	cached   *domain.Catalog
	cachedAt time.Time
	epoch    uint64
}

// CacheInvalidator is implemented by catalog readers that memoise the decoded cache.
type CacheInvalidator interface {
	Invalidate()
}

var (
	_ CatalogService   = (*catalogService)(nil)
	_ CacheInvalidator = (*catalogService)(nil)
)

// NewCatalogService constructs a CatalogService validating required dependencies.
func NewCatalogService(deps CatalogServiceDeps) (CatalogService, error) {
	if deps.Store == nil {
		return nil, errors.New("catalog service: catalog store is required")
	}
	if deps.Source == nil && deps.LiveFallback {
		return nil, errors.New("catalog service: product source is required for live fallback")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	ttl := deps.CacheTTL
	if ttl == 0 {
		ttl = defaultCatalogCacheTTL
	}

	return &catalogService{
		store:        deps.Store,
		source:       deps.Source,
		images:       deps.Images,
		liveFallback: deps.LiveFallback,
		cacheTTL:     ttl,
		now: func() time.Time {
			return clock().UTC()
		},
		logger: logger,
	}, nil
}

func (s *catalogService) CachedCatalog(ctx context.Context) (domain.Catalog, error) {
	catalog, err := s.load(ctx)
	if err != nil {
		return domain.Catalog{}, err
	}
	out := catalog
	out.Data = make([]domain.Product, len(catalog.Data))
	for i, product := range catalog.Data {
		out.Data[i] = s.rewriteImages(ctx, product)
	}
	return out, nil
}

func (s *catalogService) Product(ctx context.Context, productID string) (domain.Product, error) {
	productID = strings.TrimSpace(productID)
	if productID == "" || strings.ContainsAny(productID, "/?#") {
		return domain.Product{}, ErrCatalogInvalidInput
	}

	catalog, err := s.load(ctx)
	switch {
	case err == nil:
		for _, product := range catalog.Data {
			if product.ID == productID {
				return s.rewriteImages(ctx, product), nil
			}
		}
	case errors.Is(err, ErrCatalogNotFound) && s.liveFallback:
	default:
		return domain.Product{}, err
	}

	if !s.liveFallback {
		return domain.Product{}, ErrCatalogProductNotFound
	}
	product, err := s.source.GetProduct(ctx, productID)
	if err != nil {
		switch {
		case errors.Is(err, fulfillment.ErrNotFound):
			return domain.Product{}, ErrCatalogProductNotFound
		case errors.Is(err, fulfillment.ErrInvalidRequest):
			return domain.Product{}, ErrCatalogInvalidInput
		}
		s.logger(ctx, "catalog.live_product_failed", map[string]any{
			"productId": productID,
			"error":     err.Error(),
		})
		return domain.Product{}, fmt.Errorf("%w: %w", ErrCatalogUpstream, err)
	}
	return s.rewriteImages(ctx, product), nil
}

func (s *catalogService) LiveCatalog(ctx context.Context) (domain.Catalog, error) {
	if s.source == nil {
		return domain.Catalog{}, ErrCatalogUnavailable
	}
	catalog, err := s.source.ListProducts(ctx, 1, defaultLivePageLimit)
	if err != nil {
		s.logger(ctx, "catalog.live_list_failed", map[string]any{"error": err.Error()})
		return domain.Catalog{}, fmt.Errorf("%w: %w", ErrCatalogUpstream, err)
	}
	for i, product := range catalog.Data {
		catalog.Data[i] = s.rewriteImages(ctx, product)
	}
	return catalog, nil
}

// Invalidate drops the memoised document so the next read goes to the store. A read already in
// flight when Invalidate is called does not repopulate the memo.
func (s *catalogService) Invalidate() {
	s.mu.Lock()
	s.cached = nil
	s.epoch++
	s.mu.Unlock()
	s.loads.Forget("catalog")
}

// load returns the decoded cache, sharing one read between concurrent callers.
func (s *catalogService) load(ctx context.Context) (domain.Catalog, error) {
	s.mu.Lock()
	if s.cacheTTL > 0 && s.cached != nil && s.now().Sub(s.cachedAt) < s.cacheTTL {
		catalog := *s.cached
		s.mu.Unlock()
		return catalog, nil
	}
	epoch := s.epoch
	s.mu.Unlock()

	value, err, _ := s.loads.Do("catalog", func() (any, error) {
		data, _, err := s.store.Load(ctx)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return nil, ErrCatalogNotFound
			}
			s.logger(ctx, "catalog.cache_read_failed", map[string]any{"error": err.Error()})
			return nil, fmt.Errorf("%w: %v", ErrCatalogUnavailable, err)
		}
		catalog, err := decodeCatalog(data)
		if err != nil {
			s.logger(ctx, "catalog.cache_decode_failed", map[string]any{"error": err.Error()})
			return nil, fmt.Errorf("%w: %v", ErrCatalogUnavailable, err)
		}
		if s.cacheTTL > 0 {
			s.mu.Lock()
			if s.epoch == epoch {
				s.cached = &catalog
				s.cachedAt = s.now()
			}
			s.mu.Unlock()
		}
		return catalog, nil
	})
	if err != nil {
		return domain.Catalog{}, err
	}
	return value.(domain.Catalog), nil
}

func (s *catalogService) rewriteImages(ctx context.Context, product domain.Product) domain.Product {
	if s.images == nil || len(product.Images) == 0 {
		return product
	}
	images := make([]domain.Image, len(product.Images))
	for i, image := range product.Images {
		images[i] = image
		rewritten, err := s.images.URL(product.ID, image.Src)
		if err != nil {
			s.logger(ctx, "catalog.image_rewrite_skipped", map[string]any{
				"productId": product.ID,
				"src":       image.Src,
				"error":     err.Error(),
			})
			continue
		}
		images[i].Src = rewritten
	}
	product.Images = images
	return product
}

// decodeCatalog accepts the paginated envelope and, for caches written by older jobs, a bare
// array of products.
func decodeCatalog(data []byte) (domain.Catalog, error) {
	trimmed := strings.TrimSpace(string(data))
	if strings.HasPrefix(trimmed, "[") {
		var products []domain.Product
		if err := json.Unmarshal(data, &products); err != nil {
			return domain.Catalog{}, err
		}
		return domain.Catalog{CurrentPage: 1, LastPage: 1, Total: len(products), Data: products}, nil
	}
	var catalog domain.Catalog
	if err := json.Unmarshal(data, &catalog); err != nil {
		return domain.Catalog{}, err
	}
	if catalog.Data == nil {
		catalog.Data = []domain.Product{}
	}
	return catalog, nil
}
