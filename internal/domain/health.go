package domain

import "time"

const (
	// HealthStatusOK means every probed dependency answered.
	HealthStatusOK = "ok"
	// HealthStatusDegraded means an optional dependency failed; traffic can still be served.
	HealthStatusDegraded = "degraded"
	// HealthStatusError means a dependency required to serve traffic failed.
	HealthStatusError = "error"
)

// SystemHealthCheck is the outcome of one dependency probe.
type SystemHealthCheck struct {
	Status    string
	Critical  bool
	Detail    string
	Error     string
	Latency   time.Duration
	CheckedAt time.Time
}

// SystemHealthReport aggregates dependency probes for /healthz and /readyz.
type SystemHealthReport struct {
	Status      string
	Checks      map[string]SystemHealthCheck
	Version     string
	CommitSHA   string
	Environment string
	Uptime      time.Duration
	GeneratedAt time.Time
	Storefront  StorefrontStatus
}

// StorefrontStatus summarises the product cache and variant mapping a replica is serving.
// Generation and ChangedAt are zero until this process writes a new cache.
type StorefrontStatus struct {
	CatalogGeneration int64
	CatalogChangedAt  time.Time
	CatalogProducts   int
	CatalogVariants   int
	CatalogError      string
	VariantMappings   int
}

// Ready reports whether the service should receive traffic.
func (r SystemHealthReport) Ready() bool {
	return r.Status != HealthStatusError
}
