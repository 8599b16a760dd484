package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/clawanddecay/storefront/internal/platform/httpx"
)

// ServiceIdentity is the verified caller of an internal route, typically the Cloud Scheduler
// service account.
type ServiceIdentity struct {
	Subject  string
	Email    string
	Issuer   string
	Audience string
}

type serviceIdentityContextKey struct{}

// WithServiceIdentity attaches the verified service identity to the request context.
func WithServiceIdentity(ctx context.Context, identity *ServiceIdentity) context.Context {
	if identity == nil {
		return ctx
	}
	return context.WithValue(ctx, serviceIdentityContextKey{}, identity)
}

// ServiceIdentityFromContext retrieves the identity stored by the middleware.
func ServiceIdentityFromContext(ctx context.Context) (*ServiceIdentity, bool) {
	identity, ok := ctx.Value(serviceIdentityContextKey{}).(*ServiceIdentity)
	return identity, ok && identity != nil
}

// OIDCValidator validates Google-signed OIDC and IAP tokens.
type OIDCValidator struct {
	cache         *JWKSCache
	logger        Logger
	now           func() time.Time
	verifications metric.Int64Counter
	latency       metric.Float64Histogram
}

// OIDCOption customises the validator.
type OIDCOption func(*OIDCValidator)

// WithOIDCLogger overrides the validator logger.
func WithOIDCLogger(logger Logger) OIDCOption {
	return func(v *OIDCValidator) {
		if logger != nil {
			v.logger = logger
		}
	}
}

// WithOIDCMeter records verification outcomes on meter instead of the global meter provider.
func WithOIDCMeter(meter metric.Meter) OIDCOption {
	return func(v *OIDCValidator) {
		if meter != nil {
			v.instrument(meter)
		}
	}
}

// WithOIDCClock injects a custom clock.
func WithOIDCClock(now func() time.Time) OIDCOption {
	return func(v *OIDCValidator) {
		if now != nil {
			v.now = now
		}
	}
}

// NewOIDCValidator constructs an OIDCValidator.
func NewOIDCValidator(cache *JWKSCache, opts ...OIDCOption) *OIDCValidator {
	v := &OIDCValidator{
		cache:  cache,
		logger: nopLogger{},
		now:    time.Now,
	}
	v.instrument(otel.Meter("github.com/clawanddecay/storefront/internal/platform/auth"))
	for _, opt := range opts {
		if opt != nil {
			opt(v)
		}
	}
	return v
}

func (v *OIDCValidator) instrument(meter metric.Meter) {
	if counter, err := meter.Int64Counter("auth.oidc.verifications",
		metric.WithDescription("OIDC token verifications by outcome")); err == nil {
		v.verifications = counter
	}
	if histogram, err := meter.Float64Histogram("auth.oidc.verification.duration",
		metric.WithUnit("ms"),
		metric.WithDescription("OIDC token verification latency")); err == nil {
		v.latency = histogram
	}
}

// OIDCPolicy names what a token must carry to pass.
type OIDCPolicy struct {
	Audience string
	Issuers  []string
	// Emails restricts the caller's email claim. Empty accepts any verified caller.
	Emails []string
}

// RequireOIDC enforces a valid Google-signed token on the request. The token is read from the
// Authorization bearer header, falling back to the IAP assertion header.
func (v *OIDCValidator) RequireOIDC(policy OIDCPolicy) func(http.Handler) http.Handler {
	audience := strings.TrimSpace(policy.Audience)
	issuers := toSet(policy.Issuers, false)
	emails := toSet(policy.Emails, true)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := v.now()
			ctx := r.Context()
			reject := func(status int, code, message, reason string) {
				v.record(ctx, reason, start)
				httpx.WriteError(ctx, w, httpx.NewError(code, message, status))
			}

			if audience == "" || v.cache == nil {
				reject(http.StatusServiceUnavailable, "verification_unavailable", "oidc verification is not configured", "not_configured")
				return
			}
			raw := bearerToken(r.Header.Get("Authorization"))
			if raw == "" {
				raw = strings.TrimSpace(r.Header.Get("X-Goog-Iap-Jwt-Assertion"))
			}
			if raw == "" {
				reject(http.StatusUnauthorized, "unauthenticated", "oidc token missing", "token_missing")
				return
			}

			claims := jwt.MapClaims{}
			parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}))
			if _, err := parser.ParseWithClaims(raw, claims, v.cache.Keyfunc(ctx)); err != nil {
				v.logger.Printf("auth: oidc verification failed: %v", err)
				if errors.Is(err, ErrJWKSFetchFailed) {
					reject(http.StatusServiceUnavailable, "verification_unavailable", "oidc keys unavailable", "jwks_unavailable")
					return
				}
				reject(http.StatusUnauthorized, "invalid_token", "oidc token verification failed", "token_invalid")
				return
			}

			issuer, _ := claims["iss"].(string)
			if _, ok := issuers[issuer]; len(issuers) > 0 && !ok {
				v.logger.Printf("auth: oidc issuer mismatch, got %q", issuer)
				reject(http.StatusUnauthorized, "invalid_token", "oidc issuer mismatch", "issuer_mismatch")
				return
			}
			if !claims.VerifyAudience(audience, true) {
				v.logger.Printf("auth: oidc audience mismatch, expected %q", audience)
				reject(http.StatusUnauthorized, "invalid_token", "oidc audience mismatch", "audience_mismatch")
				return
			}
			email, _ := claims["email"].(string)
			if _, ok := emails[strings.ToLower(email)]; len(emails) > 0 && !ok {
				v.logger.Printf("auth: oidc caller %q not allowed", email)
				reject(http.StatusForbidden, "forbidden", "caller is not allowed", "caller_forbidden")
				return
			}

			subject, _ := claims["sub"].(string)
			v.record(ctx, "ok", start)
			next.ServeHTTP(w, r.WithContext(WithServiceIdentity(ctx, &ServiceIdentity{
				Subject:  subject,
				Email:    email,
				Issuer:   issuer,
				Audience: audience,
			})))
		})
	}
}

func (v *OIDCValidator) record(ctx context.Context, reason string, start time.Time) {
	attrs := metric.WithAttributes(
		attribute.String("reason", reason),
		attribute.Bool("success", reason == "ok"),
	)
	if v.verifications != nil {
		v.verifications.Add(ctx, 1, attrs)
	}
	if v.latency != nil {
		v.latency.Record(ctx, float64(v.now().Sub(start).Microseconds())/1000, attrs)
	}
}

func bearerToken(header string) string {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

func toSet(values []string, lower bool) map[string]struct{} {
	out := make(map[string]struct{}, len(values))
	for _, value := range values {
		value = strings.TrimSpace(value)
		if lower {
			value = strings.ToLower(value)
		}
		if value != "" {
			out[value] = struct{}{}
		}
	}
	return out
}
