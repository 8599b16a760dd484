package repositories

import (
	"context"

	"github.com/clawanddecay/storefront/internal/domain"
)

// HealthRepository probes the storefront's backing services.
type HealthRepository interface {
	Collect(ctx context.Context) (domain.SystemHealthReport, error)
}
