package config

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"
)

const (
	defaultEnvFile              = ".env"
	defaultPort                 = "8080"
	defaultReadTimeout          = 15 * time.Second
	defaultWriteTimeout         = 30 * time.Second
	defaultIdleTimeout          = 120 * time.Second
	defaultEnvironment          = "local"
	defaultFrontendBaseURL      = "https://clawanddecay.com"
	defaultCurrency             = "usd"
	defaultAllowedCountry       = "US"
	defaultShippingCents        = int64(500)
	defaultMaxQuantityPerLine   = 25
	defaultCheckoutPerMinute    = 30
	defaultCORSAllowedOrigin    = "*"
	defaultFulfillmentBaseURL   = "https://api.printify.com/v1"
	defaultFulfillmentTimeout   = 20 * time.Second
	defaultFulfillmentUserAgent = "clawanddecay-storefront/1.0"
	defaultCatalogObject        = "cached-products.json"
	defaultImagePrefix          = "products"
	defaultSyncInterval         = 6 * time.Hour
	defaultSyncMaxAttempts      = 3
	defaultSyncTimeout          = 5 * time.Minute
	defaultSyncPageLimit        = 50
	defaultVariantMapFile       = "variant-map.json"
	defaultWebhookEventTTL      = 72 * time.Hour
	defaultWebhookCleanup       = time.Hour
	defaultWebhookCleanupBatch  = 200
	defaultOIDCJWKSURL          = "https://www.googleapis.com/oauth2/v3/certs"
	defaultOIDCIssuer           = "https://accounts.google.com"
)

// Config captures all runtime configuration organised by concern.
type Config struct {
	Server      ServerConfig
	Project     ProjectConfig
	Storefront  StorefrontConfig
	Fulfillment FulfillmentConfig
	PSP         PSPConfig
	Storage     StorageConfig
	Catalog     CatalogConfig
	Webhooks    WebhookConfig
	RateLimits  RateLimitConfig
	Security    SecurityConfig
}

// ServerConfig configures HTTP server parameters.
type ServerConfig struct {
	Port         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// ProjectConfig identifies the Google Cloud project hosting storage, Firestore and Pub/Sub.
type ProjectConfig struct {
	ID                    string
	FirestoreProjectID    string
	FirestoreEmulatorHost string
	CredentialsFile       string
}

// StorefrontConfig holds customer facing checkout parameters.
type StorefrontConfig struct {
	FrontendBaseURL     string
	Currency            string
	AllowedCountries    []string
	DefaultShippingRate int64
	MaxQuantityPerLine  int
	CORSAllowedOrigin   string
}

// SuccessURL is the Stripe redirect after payment; Stripe substitutes the session placeholder.
func (s StorefrontConfig) SuccessURL() string {
	return strings.TrimRight(s.FrontendBaseURL, "/") + "/success?session_id={CHECKOUT_SESSION_ID}"
}

// CancelURL is the Stripe redirect when the customer abandons checkout.
func (s StorefrontConfig) CancelURL() string {
	return strings.TrimRight(s.FrontendBaseURL, "/") + "/cancel"
}

// FulfillmentConfig configures the print-on-demand provider API.
type FulfillmentConfig struct {
	BaseURL        string
	ShopID         string
	APIToken       string
	Timeout        time.Duration
	UserAgent      string
	VariantMapFile string
}

// PSPConfig collects payment provider secrets.
type PSPConfig struct {
	StripeAPIKey        string
	StripeWebhookSecret string
}

// StorageConfig names the buckets and objects used for the product cache and images.
type StorageConfig struct {
	CatalogBucket string
	CatalogObject string
	ImageBucket   string
	ImagePrefix   string
}

// CatalogConfig tunes the scheduled product cache refresh.
type CatalogConfig struct {
	SyncInterval         time.Duration
	SyncMaxAttempts      int
	SyncTimeout          time.Duration
	PageLimit            int
	ExcludedProductIDs   []string
	PreserveImages       bool
	DropDisabledVariants bool
	LiveFallback         bool
}

// WebhookConfig controls payment webhook dedupe and failure notifications.
type WebhookConfig struct {
	EventTTL          time.Duration
	CleanupInterval   time.Duration
	CleanupBatchSize  int
	FulfillmentTopic  string
	AllowUnpaidEvents bool
}

// RateLimitConfig controls request throttling.
type RateLimitConfig struct {
	CheckoutPerMinute int
}

// SecurityConfig groups server-to-server authentication settings.
type SecurityConfig struct {
	Environment string
	OIDC        OIDCConfig
}

// OIDCConfig controls Google-signed token verification for internal routes.
type OIDCConfig struct {
	JWKSURL   string
	Audience  string
	Audiences map[string]string
	Issuers   []string
	// AllowedEmails restricts callers to these service accounts. Empty accepts any verified token.
	AllowedEmails []string
}

// SecretResolver resolves references to external secrets (e.g. Secret Manager URIs).
type SecretResolver interface {
	ResolveSecret(ctx context.Context, ref string) (string, error)
}

// SecretResolverFunc adapts ordinary functions to SecretResolver.
type SecretResolverFunc func(context.Context, string) (string, error)

// ResolveSecret resolves the secret using the wrapped function.
func (f SecretResolverFunc) ResolveSecret(ctx context.Context, ref string) (string, error) {
	return f(ctx, ref)
}

// ValidationError is returned when required configuration fields are missing or invalid.
type ValidationError struct {
	fields []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config validation failed: missing or invalid fields [%s]", strings.Join(e.fields, ", "))
}

// Fields returns a copy of the missing/invalid field list.
func (e *ValidationError) Fields() []string {
	out := make([]string, len(e.fields))
	copy(out, e.fields)
	return out
}

// SecretError describes failures while resolving a secret reference.
type SecretError struct {
	Ref string
	Err error
}

func (e *SecretError) Error() string {
	return fmt.Sprintf("secret resolution failed for ref %q: %v", e.Ref, e.Err)
}

func (e *SecretError) Unwrap() error { return e.Err }

// MissingSecretsError indicates that one or more required secrets resolved to an empty value.
// Names are redacted for logging because field names can hint at provider accounts.
type MissingSecretsError struct {
	names []string
}

func (e *MissingSecretsError) Error() string {
	if e == nil || len(e.names) == 0 {
		return "missing required secrets"
	}
	return fmt.Sprintf("missing required secrets [%s]", strings.Join(e.RedactedNames(), ", "))
}

// RedactedNames returns short sha256 digests of the missing secret names.
func (e *MissingSecretsError) RedactedNames() []string {
	if e == nil || len(e.names) == 0 {
		return nil
	}
	out := make([]string, 0, len(e.names))
	for _, name := range e.names {
		out = append(out, redactSecretName(name))
	}
	sort.Strings(out)
	return out
}

// Names returns the missing config field names.
func (e *MissingSecretsError) Names() []string {
	if e == nil || len(e.names) == 0 {
		return nil
	}
	out := make([]string, len(e.names))
	copy(out, e.names)
	sort.Strings(out)
	return out
}

var errSecretResolverNotConfigured = errors.New("secret resolver not configured")

// Option customises Load behaviour.
type Option func(*loaderOptions)

type loaderOptions struct {
	envFile         string
	envMap          map[string]string
	useSystemEnv    bool
	secret          SecretResolver
	requiredSecrets []string
}

// WithEnvFile overrides the .env file path used for local overrides.
func WithEnvFile(path string) Option {
	return func(o *loaderOptions) {
		o.envFile = path
	}
}

// WithEnvMap injects explicit values that take precedence over the process environment.
func WithEnvMap(values map[string]string) Option {
	return func(o *loaderOptions) {
		o.envMap = values
	}
}

// WithoutSystemEnv disables reading from the process environment.
func WithoutSystemEnv() Option {
	return func(o *loaderOptions) {
		o.useSystemEnv = false
	}
}

// WithSecretResolver sets the resolver used for secret:// and sm:// references.
func WithSecretResolver(resolver SecretResolver) Option {
	return func(o *loaderOptions) {
		o.secret = resolver
	}
}

// WithRequiredSecrets marks config fields (e.g. "PSP.StripeAPIKey") that must resolve to a value.
func WithRequiredSecrets(names ...string) Option {
	return func(o *loaderOptions) {
		o.requiredSecrets = append(o.requiredSecrets, names...)
	}
}

func newLoaderOptions(opts []Option) loaderOptions {
	options := loaderOptions{
		envFile:      defaultEnvFile,
		useSystemEnv: true,
	}
	for _, opt := range opts {
		opt(&options)
	}
	return options
}

// EnvironmentValues returns the effective environment after applying Load precedence
// (dotenv < OS env < explicit map). main uses it to configure the secret fetcher before Load.
func EnvironmentValues(opts ...Option) (map[string]string, error) {
	options := newLoaderOptions(opts)
	dotEnv, err := loadDotEnv(options.envFile)
	if err != nil {
		return nil, err
	}

	values := make(map[string]string, len(dotEnv))
	for key, value := range dotEnv {
		values[key] = value
	}
	if options.useSystemEnv {
		for _, entry := range os.Environ() {
			key, value, ok := strings.Cut(entry, "=")
			key = strings.TrimSpace(key)
			if !ok || key == "" {
				continue
			}
			values[key] = value
		}
	}
	for key, value := range options.envMap {
		values[key] = value
	}
	return values, nil
}

// Load assembles the application configuration by combining defaults, .env overrides,
// environment variables, and Secret Manager lookups.
func Load(ctx context.Context, opts ...Option) (Config, error) {
	options := newLoaderOptions(opts)
	values, err := EnvironmentValues(opts...)
	if err != nil {
		return Config{}, err
	}
	env := lookupFunc(func(key string) (string, bool) {
		value, ok := values[key]
		return value, ok
	})

	cfg := Config{
		Server: ServerConfig{
			Port:         env.str("STORE_SERVER_PORT", defaultPort),
			ReadTimeout:  env.duration("STORE_SERVER_READ_TIMEOUT", defaultReadTimeout),
			WriteTimeout: env.duration("STORE_SERVER_WRITE_TIMEOUT", defaultWriteTimeout),
			IdleTimeout:  env.duration("STORE_SERVER_IDLE_TIMEOUT", defaultIdleTimeout),
		},
		Project: ProjectConfig{
			ID:                    env.str("STORE_GCP_PROJECT_ID", ""),
			FirestoreProjectID:    env.str("STORE_FIRESTORE_PROJECT_ID", ""),
			FirestoreEmulatorHost: env.str("STORE_FIRESTORE_EMULATOR_HOST", ""),
			CredentialsFile:       env.str("STORE_GCP_CREDENTIALS_FILE", ""),
		},
		Storefront: StorefrontConfig{
			FrontendBaseURL:     env.str("STORE_FRONTEND_BASE_URL", defaultFrontendBaseURL),
			Currency:            strings.ToLower(env.str("STORE_CURRENCY", defaultCurrency)),
			AllowedCountries:    upper(env.csv("STORE_ALLOWED_COUNTRIES", defaultAllowedCountry)),
			DefaultShippingRate: env.int64("STORE_DEFAULT_SHIPPING_CENTS", defaultShippingCents),
			MaxQuantityPerLine:  env.int("STORE_MAX_QUANTITY_PER_LINE", defaultMaxQuantityPerLine),
			CORSAllowedOrigin:   env.str("STORE_CORS_ALLOWED_ORIGIN", defaultCORSAllowedOrigin),
		},
		Fulfillment: FulfillmentConfig{
			BaseURL:        env.str("STORE_FULFILLMENT_BASE_URL", defaultFulfillmentBaseURL),
			ShopID:         env.str("STORE_FULFILLMENT_SHOP_ID", ""),
			APIToken:       env.str("STORE_FULFILLMENT_API_TOKEN", ""),
			Timeout:        env.duration("STORE_FULFILLMENT_TIMEOUT", defaultFulfillmentTimeout),
			UserAgent:      env.str("STORE_FULFILLMENT_USER_AGENT", defaultFulfillmentUserAgent),
			VariantMapFile: env.str("STORE_VARIANT_MAP_FILE", defaultVariantMapFile),
		},
		PSP: PSPConfig{
			StripeAPIKey:        env.str("STORE_PSP_STRIPE_API_KEY", ""),
			StripeWebhookSecret: env.str("STORE_PSP_STRIPE_WEBHOOK_SECRET", ""),
		},
		Storage: StorageConfig{
			CatalogBucket: env.str("STORE_STORAGE_CATALOG_BUCKET", ""),
			CatalogObject: env.str("STORE_STORAGE_CATALOG_OBJECT", defaultCatalogObject),
			ImageBucket:   env.str("STORE_STORAGE_IMAGE_BUCKET", ""),
			ImagePrefix:   strings.Trim(env.str("STORE_STORAGE_IMAGE_PREFIX", defaultImagePrefix), "/"),
		},
		Catalog: CatalogConfig{
			SyncInterval:         env.duration("STORE_CATALOG_SYNC_INTERVAL", defaultSyncInterval),
			SyncMaxAttempts:      env.int("STORE_CATALOG_SYNC_MAX_ATTEMPTS", defaultSyncMaxAttempts),
			SyncTimeout:          env.duration("STORE_CATALOG_SYNC_TIMEOUT", defaultSyncTimeout),
			PageLimit:            env.int("STORE_CATALOG_PAGE_LIMIT", defaultSyncPageLimit),
			ExcludedProductIDs:   env.csv("STORE_CATALOG_EXCLUDED_PRODUCTS", ""),
			PreserveImages:       env.bool("STORE_CATALOG_PRESERVE_IMAGES", true),
			DropDisabledVariants: env.bool("STORE_CATALOG_DROP_DISABLED_VARIANTS", true),
			LiveFallback:         env.bool("STORE_CATALOG_LIVE_FALLBACK", true),
		},
		Webhooks: WebhookConfig{
			EventTTL:          env.duration("STORE_WEBHOOK_EVENT_TTL", defaultWebhookEventTTL),
			CleanupInterval:   env.duration("STORE_WEBHOOK_CLEANUP_INTERVAL", defaultWebhookCleanup),
			CleanupBatchSize:  env.int("STORE_WEBHOOK_CLEANUP_BATCH", defaultWebhookCleanupBatch),
			FulfillmentTopic:  env.str("STORE_PUBSUB_FULFILLMENT_TOPIC", ""),
			AllowUnpaidEvents: env.bool("STORE_WEBHOOK_ALLOW_UNPAID", false),
		},
		RateLimits: RateLimitConfig{
			CheckoutPerMinute: env.int("STORE_RATELIMIT_CHECKOUT_PER_MIN", defaultCheckoutPerMinute),
		},
		Security: SecurityConfig{
			Environment: strings.ToLower(env.str("STORE_SECURITY_ENVIRONMENT", defaultEnvironment)),
			OIDC: OIDCConfig{
				JWKSURL:       env.str("STORE_SECURITY_OIDC_JWKS_URL", defaultOIDCJWKSURL),
				Audience:      env.str("STORE_SECURITY_OIDC_AUDIENCE", ""),
				Audiences:     env.keyValues("STORE_SECURITY_OIDC_AUDIENCES"),
				Issuers:       env.csv("STORE_SECURITY_OIDC_ISSUERS", defaultOIDCIssuer),
				AllowedEmails: env.csv("STORE_SECURITY_OIDC_ALLOWED_EMAILS", ""),
			},
		},
	}

	if cfg.Project.FirestoreProjectID == "" {
		cfg.Project.FirestoreProjectID = cfg.Project.ID
	}
	if cfg.Security.OIDC.Audience == "" {
		cfg.Security.OIDC.Audience = cfg.Security.OIDC.Audiences[cfg.Security.Environment]
	}

	resolver := options.secret
	if resolver == nil {
		resolver = SecretResolverFunc(func(_ context.Context, ref string) (string, error) {
			return "", errSecretResolverNotConfigured
		})
	}
	resolved := make(map[string]string)
	secretFields := []struct {
		name  string
		field *string
	}{
		{"PSP.StripeAPIKey", &cfg.PSP.StripeAPIKey},
		{"PSP.StripeWebhookSecret", &cfg.PSP.StripeWebhookSecret},
		{"Fulfillment.APIToken", &cfg.Fulfillment.APIToken},
	}
	for _, target := range secretFields {
		value, err := resolveSecret(ctx, *target.field, resolver)
		if err != nil {
			return Config{}, err
		}
		*target.field = value
		resolved[target.name] = strings.TrimSpace(value)
	}

	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}
	if missing := findMissingSecrets(options.requiredSecrets, resolved); missing != nil {
		return Config{}, missing
	}
	return cfg, nil
}

func resolveSecret(ctx context.Context, value string, resolver SecretResolver) (string, error) {
	if !IsSecretReference(value) {
		return value, nil
	}
	ref := NormalizeSecretReference(value)
	secret, err := resolver.ResolveSecret(ctx, ref)
	if err != nil {
		return "", &SecretError{Ref: ref, Err: err}
	}
	return secret, nil
}

func validateConfig(cfg Config) error {
	var invalid []string
	require := func(ok bool, field string) {
		if !ok {
			invalid = append(invalid, field)
		}
	}

	require(cfg.Server.Port != "", "Server.Port")
	require(cfg.Storage.CatalogBucket != "", "Storage.CatalogBucket")
	require(cfg.Storage.CatalogObject != "", "Storage.CatalogObject")
	require(cfg.Fulfillment.BaseURL != "", "Fulfillment.BaseURL")
	require(cfg.Fulfillment.ShopID != "", "Fulfillment.ShopID")
	require(cfg.Fulfillment.Timeout > 0, "Fulfillment.Timeout")
	require(len(cfg.Storefront.Currency) == 3, "Storefront.Currency")
	require(len(cfg.Storefront.AllowedCountries) > 0, "Storefront.AllowedCountries")
	require(cfg.Storefront.DefaultShippingRate >= 0, "Storefront.DefaultShippingRate")
	require(cfg.Storefront.MaxQuantityPerLine > 0, "Storefront.MaxQuantityPerLine")
	require(strings.HasPrefix(cfg.Storefront.FrontendBaseURL, "http"), "Storefront.FrontendBaseURL")
	require(cfg.Catalog.SyncInterval >= 0, "Catalog.SyncInterval")
	require(cfg.Catalog.SyncMaxAttempts > 0, "Catalog.SyncMaxAttempts")
	require(cfg.Catalog.SyncTimeout > 0, "Catalog.SyncTimeout")
	require(cfg.Catalog.PageLimit > 0 && cfg.Catalog.PageLimit <= 100, "Catalog.PageLimit")
	require(cfg.Webhooks.EventTTL > 0, "Webhooks.EventTTL")
	require(cfg.Webhooks.CleanupBatchSize > 0, "Webhooks.CleanupBatchSize")

	if len(invalid) > 0 {
		return &ValidationError{fields: invalid}
	}
	return nil
}

func findMissingSecrets(required []string, resolved map[string]string) *MissingSecretsError {
	seen := make(map[string]struct{}, len(required))
	var missing []string
	for _, name := range required {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		if resolved[name] == "" {
			missing = append(missing, name)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	return &MissingSecretsError{names: missing}
}

// IsSecretReference reports whether the value points at Secret Manager.
func IsSecretReference(value string) bool {
	trimmed := strings.TrimSpace(value)
	return strings.HasPrefix(trimmed, "secret://") || strings.HasPrefix(trimmed, "sm://")
}

// NormalizeSecretReference rewrites the sm:// shorthand to secret://.
func NormalizeSecretReference(value string) string {
	trimmed := strings.TrimSpace(value)
	if rest, ok := strings.CutPrefix(trimmed, "sm://"); ok {
		return "secret://" + rest
	}
	return trimmed
}

func redactSecretName(name string) string {
	sum := sha256.Sum256([]byte(name))
	return hex.EncodeToString(sum[:8])
}

func upper(values []string) []string {
	for i, value := range values {
		values[i] = strings.ToUpper(value)
	}
	return values
}
