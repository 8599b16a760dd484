package services

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/clawanddecay/storefront/internal/domain"
	"github.com/clawanddecay/storefront/internal/repositories"
)

// BuildInfo captures runtime metadata exposed via health endpoints.
type BuildInfo struct {
	Version     string
	CommitSHA   string
	Environment string
	StartedAt   time.Time
}

// SystemServiceDeps bundles collaborators required to construct a system service.
type SystemServiceDeps struct {
	HealthRepository repositories.HealthRepository
	// Catalog, when set, is read to report how many products and variants are being served.
	Catalog  CatalogService
	Variants domain.VariantMap
	Clock    func() time.Time
	Build    BuildInfo
}

// SyncRecorder receives the outcome of catalog syncs that wrote a new cache.
type SyncRecorder interface {
	RecordSync(result SyncResult)
}

type systemService struct {
	healthRepo repositories.HealthRepository
	catalog    CatalogService
	variants   int
	clock      func() time.Time
	build      BuildInfo

	mu         sync.Mutex
	generation int64
	changedAt  time.Time
}

var (
	_ SystemService = (*systemService)(nil)
	_ SyncRecorder  = (*systemService)(nil)
)

// NewSystemService assembles the service behind /healthz and /readyz.
func NewSystemService(deps SystemServiceDeps) (SystemService, error) {
	if deps.HealthRepository == nil {
		return nil, errors.New("system service: health repository is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}

	build := deps.Build
	if build.StartedAt.IsZero() {
		build.StartedAt = clock()
	}

	return &systemService{
		healthRepo: deps.HealthRepository,
		catalog:    deps.Catalog,
		variants:   len(deps.Variants),
		clock: func() time.Time {
			return clock().UTC()
		},
		build: build,
	}, nil
}

// RecordSync remembers the generation a changed sync wrote.
func (s *systemService) RecordSync(result SyncResult) {
	if !result.Changed {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if result.Generation >= s.generation {
		s.generation = result.Generation
		s.changedAt = s.clock()
	}
}

func (s *systemService) HealthReport(ctx context.Context) (SystemHealthReport, error) {
	if ctx == nil {
		return SystemHealthReport{}, errors.New("system service: context is required")
	}

	report, err := s.healthRepo.Collect(ctx)
	if err != nil {
		return SystemHealthReport{}, err
	}

	now := s.clock()
	report.GeneratedAt = ensureTimestamp(report.GeneratedAt, now)
	report.Version = chooseFirstNonEmpty(report.Version, s.build.Version)
	report.CommitSHA = chooseFirstNonEmpty(report.CommitSHA, s.build.CommitSHA)
	report.Environment = chooseFirstNonEmpty(report.Environment, s.build.Environment)

	if report.Uptime <= 0 && !s.build.StartedAt.IsZero() {
		report.Uptime = now.Sub(s.build.StartedAt)
	}

	if len(report.Checks) == 0 {
		report.Checks = map[string]domain.SystemHealthCheck{}
	}

	if strings.TrimSpace(report.Status) == "" {
		report.Status = deriveStatus(report.Checks)
	}

	report.Storefront = s.storefrontStatus(ctx)
	return report, nil
}

func (s *systemService) storefrontStatus(ctx context.Context) domain.StorefrontStatus {
	s.mu.Lock()
	status := domain.StorefrontStatus{
		CatalogGeneration: s.generation,
		CatalogChangedAt:  s.changedAt,
		VariantMappings:   s.variants,
	}
	s.mu.Unlock()

	if s.catalog == nil {
		return status
	}
	catalog, err := s.catalog.CachedCatalog(ctx)
	if err != nil {
		status.CatalogError = err.Error()
		return status
	}
	status.CatalogProducts = len(catalog.Data)
	for _, product := range catalog.Data {
		status.CatalogVariants += len(product.Variants)
	}
	return status
}

func ensureTimestamp(ts time.Time, fallback time.Time) time.Time {
	if ts.IsZero() {
		return fallback
	}
	return ts.UTC()
}

func chooseFirstNonEmpty(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}

func deriveStatus(checks map[string]domain.SystemHealthCheck) string {
	if len(checks) == 0 {
		return domain.HealthStatusOK
	}
	status := domain.HealthStatusOK
	for _, check := range checks {
		switch check.Status {
		case domain.HealthStatusOK, "":
			continue
		case domain.HealthStatusError:
			return domain.HealthStatusError
		default:
			status = domain.HealthStatusDegraded
		}
	}
	return status
}
