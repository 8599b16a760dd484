package di

import (
	"context"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
	"google.golang.org/api/option"

	"github.com/clawanddecay/storefront/internal/platform/config"
	"github.com/clawanddecay/storefront/internal/platform/secrets"
	"github.com/clawanddecay/storefront/internal/services"
)

// NewSecretFetcher builds the Secret Manager fetcher from raw environment values. It runs before
// config.Load because Load needs it to resolve secret:// references.
func NewSecretFetcher(ctx context.Context, logger *zap.Logger, env map[string]string) (*secrets.Fetcher, error) {
	lookup := func(key string) string {
		return strings.TrimSpace(env[key])
	}

	envLabel := strings.ToLower(lookup("STORE_SECURITY_ENVIRONMENT"))
	if envLabel == "" {
		envLabel = "local"
	}
	defaultProject := lookup("STORE_SECRET_DEFAULT_PROJECT_ID")
	if defaultProject == "" {
		defaultProject = lookup("STORE_GCP_PROJECT_ID")
	}
	fallbackPath := lookup("STORE_SECRET_FALLBACK_FILE")
	if fallbackPath == "" {
		fallbackPath = ".secrets.local"
	}

	if logger == nil {
		logger = zap.NewNop()
	}
	opts := []secrets.Option{
		secrets.WithEnvironment(envLabel),
		secrets.WithLogger(logger.Named("secrets")),
		secrets.WithFallbackFile(fallbackPath),
	}
	if projects := SecretProjectMap(lookup("STORE_SECRET_PROJECT_IDS")); len(projects) > 0 {
		opts = append(opts, secrets.WithProjectMap(projects))
	}
	if defaultProject != "" {
		opts = append(opts, secrets.WithDefaultProject(defaultProject))
	}
	if pins := SecretVersionPins(lookup("STORE_SECRET_VERSION_PINS")); len(pins) > 0 {
		opts = append(opts, secrets.WithVersionPins(pins))
	}
	if credentials := lookup("STORE_GCP_CREDENTIALS_FILE"); credentials != "" {
		opts = append(opts, secrets.WithClientOptions(option.WithCredentialsFile(credentials)))
	}
	return secrets.NewFetcher(ctx, opts...)
}

// RequiredSecrets lists the config secrets a binary cannot start without.
func RequiredSecrets(withPayments bool) []string {
	required := []string{"Fulfillment.APIToken"}
	if withPayments {
		required = append(required, "PSP.StripeAPIKey", "PSP.StripeWebhookSecret")
	}
	sort.Strings(required)
	return required
}

// BuildInfoFromEnv reads the version stamped into the container image.
func BuildInfoFromEnv(env map[string]string, cfg config.Config, started time.Time) services.BuildInfo {
	version := strings.TrimSpace(env["STORE_BUILD_VERSION"])
	if version == "" {
		version = "dev"
	}
	commit := strings.TrimSpace(env["STORE_BUILD_COMMIT_SHA"])
	if commit == "" {
		commit = "unknown"
	}
	environment := strings.TrimSpace(cfg.Security.Environment)
	if environment == "" {
		environment = "local"
	}
	return services.BuildInfo{
		Version:     version,
		CommitSHA:   commit,
		Environment: environment,
		StartedAt:   started.UTC(),
	}
}

// SecretProjectMap parses "env=project,env=project" into a lowercase env keyed map.
func SecretProjectMap(raw string) map[string]string {
	projects := make(map[string]string)
	for env, project := range parseKeyValueList(raw) {
		projects[strings.ToLower(env)] = project
	}
	return projects
}

// SecretVersionPins parses "[env:]secret://name=version" pairs. Bare names and sm:// references
// are normalised to secret://.
func SecretVersionPins(raw string) map[string]string {
	pins := make(map[string]string)
	for ref, version := range parseKeyValueList(raw) {
		var prefix string
		if idx := strings.Index(ref, ":"); idx > 0 {
			schemeSplit := strings.Index(ref, "://")
			if schemeSplit == -1 || idx < schemeSplit {
				prefix = strings.ToLower(strings.TrimSpace(ref[:idx])) + ":"
				ref = strings.TrimSpace(ref[idx+1:])
			}
		}
		ref = config.NormalizeSecretReference(ref)
		if !strings.HasPrefix(ref, "secret://") {
			ref = "secret://" + ref
		}
		pins[prefix+ref] = version
	}
	return pins
}

func parseKeyValueList(raw string) map[string]string {
	result := make(map[string]string)
	for _, entry := range strings.Split(raw, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(entry), "=")
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		if !ok || key == "" || value == "" {
			continue
		}
		result[key] = value
	}
	return result
}
