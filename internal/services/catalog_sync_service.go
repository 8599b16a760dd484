package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/clawanddecay/storefront/internal/domain"
	"github.com/clawanddecay/storefront/internal/platform/storage"
)

const (
	defaultSyncPageLimit   = 50
	defaultSyncMaxAttempts = 3
	defaultSyncRunTimeout  = 5 * time.Minute
)

var (
	// ErrCatalogSyncFetch indicates the provider listing could not be fetched or decoded.
	ErrCatalogSyncFetch = errors.New("catalog sync: fetch failed")
	// ErrCatalogSyncStore indicates the cache object could not be read or written.
	ErrCatalogSyncStore = errors.New("catalog sync: store failed")
	// ErrCatalogSyncConflict indicates every attempt lost the race against another writer.
	ErrCatalogSyncConflict = errors.New("catalog sync: concurrent update")
)

// CatalogSyncServiceDeps wires the cache updater.
type CatalogSyncServiceDeps struct {
	Store storage.CatalogStore
	Feed  ProductFeed
	// ExcludedProducts are provider product ids never written to the cache.
	ExcludedProducts []string
	// KeepDisabledVariants writes variants with is_enabled=false instead of dropping them.
	KeepDisabledVariants bool
	// PreserveImages keeps the images of products already present in the previous cache.
	PreserveImages bool
	// ShippingCountry selects the shipping profile stored on each product. Empty skips profiles.
	ShippingCountry string
	PageLimit       int
	MaxAttempts     int
	// RunTimeout bounds a shared run, which is detached from the cancellation of any one caller.
	RunTimeout time.Duration
	// OnChanged runs after a sync writes a new document, typically to drop in-process caches.
	OnChanged func(SyncResult)
	Clock     func() time.Time
	Logger    func(ctx context.Context, event string, fields map[string]any)
}

type catalogSyncService struct {
	store           storage.CatalogStore
	feed            ProductFeed
	excluded        map[string]struct{}
	keepDisabled    bool
	preserveImages  bool
	shippingCountry string
	pageLimit       int
	maxAttempts     int
	runTimeout      time.Duration
	onChanged       func(SyncResult)
	now             func() time.Time
	logger          func(ctx context.Context, event string, fields map[string]any)
	runs            singleflight.Group
}

var _ CatalogSyncService = (*catalogSyncService)(nil)

// NewCatalogSyncService constructs a CatalogSyncService validating required dependencies.
func NewCatalogSyncService(deps CatalogSyncServiceDeps) (CatalogSyncService, error) {
	if deps.Store == nil {
		return nil, errors.New("catalog sync service: catalog store is required")
	}
	if deps.Feed == nil {
		return nil, errors.New("catalog sync service: product feed is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	excluded := make(map[string]struct{}, len(deps.ExcludedProducts))
	for _, id := range deps.ExcludedProducts {
		if id = strings.TrimSpace(id); id != "" {
			excluded[id] = struct{}{}
		}
	}
	limit := deps.PageLimit
	if limit <= 0 {
		limit = defaultSyncPageLimit
	}
	attempts := deps.MaxAttempts
	if attempts <= 0 {
		attempts = defaultSyncMaxAttempts
	}
	runTimeout := deps.RunTimeout
	if runTimeout <= 0 {
		runTimeout = defaultSyncRunTimeout
	}
	onChanged := deps.OnChanged
	if onChanged == nil {
		onChanged = func(SyncResult) {}
	}

	return &catalogSyncService{
		store:           deps.Store,
		feed:            deps.Feed,
		excluded:        excluded,
		keepDisabled:    deps.KeepDisabledVariants,
		preserveImages:  deps.PreserveImages,
		shippingCountry: strings.ToUpper(strings.TrimSpace(deps.ShippingCountry)),
		pageLimit:       limit,
		maxAttempts:     attempts,
		runTimeout:      runTimeout,
		onChanged:       onChanged,
		now: func() time.Time {
			return clock().UTC()
		},
		logger: logger,
	}, nil
}

// Sync refreshes the cache. Concurrent calls within the process share a single run, which keeps
// going when the caller that started it gives up; a caller whose ctx ends returns ctx.Err().
func (s *catalogSyncService) Sync(ctx context.Context, cmd SyncCommand) (SyncResult, error) {
	trigger := cmd.Trigger
	if trigger == "" {
		trigger = SyncTriggerManual
	}
	runCtx := context.WithoutCancel(ctx)
	ch := s.runs.DoChan("sync", func() (any, error) {
		ctx, cancel := context.WithTimeout(runCtx, s.runTimeout)
		defer cancel()
		result, err := s.run(ctx, trigger)
		if err == nil && result.Changed {
			s.onChanged(result)
		}
		return result, err
	})
	select {
	case <-ctx.Done():
		return SyncResult{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return SyncResult{}, res.Err
		}
		return res.Val.(SyncResult), nil
	}
}

func (s *catalogSyncService) run(ctx context.Context, trigger SyncTrigger) (SyncResult, error) {
	start := s.now()
	result := SyncResult{Trigger: trigger}

	fetched, err := s.feed.ListAllProducts(ctx, s.pageLimit)
	if err != nil {
		s.logger(ctx, "catalog.sync.fetch_failed", map[string]any{
			"trigger": string(trigger),
			"error":   err.Error(),
		})
		return SyncResult{}, fmt.Errorf("%w: %w", ErrCatalogSyncFetch, err)
	}

	products, excluded := s.filter(fetched)
	result.Excluded = excluded
	s.attachShipping(ctx, products)

	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		result.Attempts = attempt

		previous, generation, err := s.store.Load(ctx)
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			s.logger(ctx, "catalog.sync.load_failed", map[string]any{"error": err.Error()})
			return SyncResult{}, fmt.Errorf("%w: %w", ErrCatalogSyncStore, err)
		}

		catalog := s.merge(ctx, products, previous)
		data, err := json.Marshal(catalog)
		if err != nil {
			return SyncResult{}, fmt.Errorf("%w: encode catalog: %w", ErrCatalogSyncStore, err)
		}

		result.Products = len(catalog.Data)
		result.Variants = countVariants(catalog.Data)
		if previous != nil && bytes.Equal(previous, data) {
			result.Generation = generation
			result.Duration = s.now().Sub(start)
			s.logger(ctx, "catalog.sync.unchanged", syncFields(result))
			return result, nil
		}

		saved, err := s.store.Save(ctx, data, generation)
		if errors.Is(err, storage.ErrPreconditionFailed) {
			s.logger(ctx, "catalog.sync.conflict", map[string]any{
				"attempt":    attempt,
				"generation": generation,
			})
			continue
		}
		if err != nil {
			s.logger(ctx, "catalog.sync.save_failed", map[string]any{"error": err.Error()})
			return SyncResult{}, fmt.Errorf("%w: %w", ErrCatalogSyncStore, err)
		}

		result.Changed = true
		result.Generation = saved
		result.Duration = s.now().Sub(start)
		s.logger(ctx, "catalog.sync.completed", syncFields(result))
		return result, nil
	}
	return SyncResult{}, fmt.Errorf("%w after %d attempts", ErrCatalogSyncConflict, s.maxAttempts)
}

// filter drops excluded products, disabled variants and products left without variants.
func (s *catalogSyncService) filter(fetched []domain.Product) ([]domain.Product, int) {
	out := make([]domain.Product, 0, len(fetched))
	excluded := 0
	for _, product := range fetched {
		if _, skip := s.excluded[product.ID]; skip || strings.TrimSpace(product.ID) == "" {
			excluded++
			continue
		}
		if !s.keepDisabled {
			variants := make([]domain.Variant, 0, len(product.Variants))
			for _, variant := range product.Variants {
				if variant.Enabled() {
					variants = append(variants, variant)
				}
			}
			product.Variants = variants
		}
		if len(product.Variants) == 0 {
			excluded++
			continue
		}
		out = append(out, product)
	}
	return out, excluded
}

type printPair struct {
	blueprint int64
	provider  int64
}

// attachShipping looks up one shipping profile per blueprint/print provider pair. Products whose
// lookup fails keep no profile and are charged the default rate at checkout.
func (s *catalogSyncService) attachShipping(ctx context.Context, products []domain.Product) {
	if s.shippingCountry == "" {
		return
	}
	profiles := make(map[printPair]*domain.ShippingProfile)
	for i := range products {
		pair := printPair{blueprint: products[i].BlueprintID, provider: products[i].PrintProviderID}
		if pair.blueprint <= 0 || pair.provider <= 0 {
			continue
		}
		profile, seen := profiles[pair]
		if !seen {
			fetched, err := s.feed.ShippingProfile(ctx, pair.blueprint, pair.provider, s.shippingCountry)
			if err != nil {
				s.logger(ctx, "catalog.sync.shipping_profile_failed", map[string]any{
					"blueprintId":     pair.blueprint,
					"printProviderId": pair.provider,
					"error":           err.Error(),
				})
			} else {
				profile = &fetched
			}
			profiles[pair] = profile
		}
		if profile != nil {
			copied := *profile
			products[i].Shipping = &copied
		}
	}
}

func (s *catalogSyncService) merge(ctx context.Context, products []domain.Product, previous []byte) domain.Catalog {
	merged := make([]domain.Product, len(products))
	copy(merged, products)

	if s.preserveImages && len(previous) > 0 {
		old, err := decodeCatalog(previous)
		if err != nil {
			s.logger(ctx, "catalog.sync.previous_unreadable", map[string]any{"error": err.Error()})
		} else {
			images := make(map[string][]domain.Image, len(old.Data))
			for _, product := range old.Data {
				if len(product.Images) > 0 {
					images[product.ID] = product.Images
				}
			}
			for i := range merged {
				if kept, ok := images[merged[i].ID]; ok {
					merged[i].Images = kept
				}
			}
		}
	}

	for i := range merged {
		if merged[i].Images == nil {
			merged[i].Images = []domain.Image{}
		}
	}
	sort.SliceStable(merged, func(i, j int) bool { return merged[i].ID < merged[j].ID })
	return domain.Catalog{
		CurrentPage: 1,
		LastPage:    1,
		Total:       len(merged),
		Data:        merged,
	}
}

func countVariants(products []domain.Product) int {
	total := 0
	for _, product := range products {
		total += len(product.Variants)
	}
	return total
}

func syncFields(result SyncResult) map[string]any {
	return map[string]any{
		"trigger":    string(result.Trigger),
		"products":   result.Products,
		"variants":   result.Variants,
		"excluded":   result.Excluded,
		"changed":    result.Changed,
		"generation": result.Generation,
		"attempts":   result.Attempts,
		"durationMs": result.Duration.Milliseconds(),
	}
}
