package auth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	jwt "github.com/golang-jwt/jwt/v4"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

type recordingCounter struct {
	noop.Int64Counter
	mu      sync.Mutex
	reasons []string
}

func (c *recordingCounter) Add(_ context.Context, _ int64, opts ...metric.AddOption) {
	attrs := metric.NewAddConfig(opts).Attributes()
	reason, _ := attrs.Value("reason")
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reasons = append(c.reasons, reason.AsString())
}

func (c *recordingCounter) last() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.reasons) == 0 {
		return ""
	}
	return c.reasons[len(c.reasons)-1]
}

type recordingMeter struct {
	noop.Meter
	counter *recordingCounter
}

func (m recordingMeter) Int64Counter(string, ...metric.Int64CounterOption) (metric.Int64Counter, error) {
	return m.counter, nil
}

type jwksFixture struct {
	key      *rsa.PrivateKey
	server   *httptest.Server
	mu       sync.Mutex
	requests int
	status   int
}

func newJWKSFixture(t *testing.T) *jwksFixture {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	f := &jwksFixture{key: key, status: http.StatusOK}
	jwk := jose.JSONWebKey{Key: &key.PublicKey, KeyID: "svc-key", Algorithm: jwt.SigningMethodRS256.Alg(), Use: "sig"}
	f.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.requests++
		status := f.status
		f.mu.Unlock()
		if status != http.StatusOK {
			w.WriteHeader(status)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "public, max-age=3600")
		_ = json.NewEncoder(w).Encode(jose.JSONWebKeySet{Keys: []jose.JSONWebKey{jwk}})
	}))
	t.Cleanup(f.server.Close)
	return f
}

func (f *jwksFixture) sign(t *testing.T, now time.Time, mutate func(jwt.MapClaims)) string {
	t.Helper()
	claims := jwt.MapClaims{
		"aud":   "https://storefront.clawanddecay.com",
		"iss":   "https://accounts.google.com",
		"sub":   "1122334455",
		"email": "scheduler@clawanddecay.iam.gserviceaccount.com",
		"exp":   float64(now.Add(time.Hour).Unix()),
		"iat":   float64(now.Unix()),
	}
	if mutate != nil {
		mutate(claims)
	}
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = "svc-key"
	signed, err := token.SignedString(f.key)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func fixedJWTTime(t *testing.T) time.Time {
	t.Helper()
	now := time.Unix(1_790_000_000, 0)
	original := jwt.TimeFunc
	jwt.TimeFunc = func() time.Time { return now }
	t.Cleanup(func() { jwt.TimeFunc = original })
	return now
}

func defaultPolicy() OIDCPolicy {
	return OIDCPolicy{
		Audience: "https://storefront.clawanddecay.com",
		Issuers:  []string{"https://accounts.google.com"},
		Emails:   []string{"Scheduler@clawanddecay.iam.gserviceaccount.com"},
	}
}

func TestJWKSCacheReusesKeysUntilMaxAge(t *testing.T) {
	f := newJWKSFixture(t)
	now := time.Unix(1_000_000, 0)
	cache := NewJWKSCache(f.server.URL, WithJWKSClock(func() time.Time { return now }))

	ctx := context.Background()
	got, err := cache.Key(ctx, "svc-key")
	if err != nil {
		t.Fatalf("cache.Key: %v", err)
	}
	if _, ok := got.(*rsa.PublicKey); !ok {
		t.Fatalf("expected *rsa.PublicKey, got %T", got)
	}
	if _, err := cache.Key(ctx, "svc-key"); err != nil {
		t.Fatalf("cache.Key second call: %v", err)
	}
	if _, err := cache.Key(ctx, "rotated"); err == nil {
		t.Fatal("expected unknown kid to fail")
	}

	now = now.Add(2 * time.Hour)
	if _, err := cache.Key(ctx, "svc-key"); err != nil {
		t.Fatalf("cache.Key after expiry: %v", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.requests != 2 {
		t.Fatalf("expected one fetch plus one after expiry, got %d", f.requests)
	}
}

func TestParseMaxAge(t *testing.T) {
	tests := map[string]time.Duration{
		"public, max-age=3600, must-revalidate": time.Hour,
		"MAX-AGE=60":                            time.Minute,
		"no-cache":                              0,
		"max-age=abc":                           0,
	}
	for header, want := range tests {
		if got := parseMaxAge(header); got != want {
			t.Fatalf("parseMaxAge(%q) = %s, want %s", header, got, want)
		}
	}
}

func TestRequireOIDC(t *testing.T) {
	tests := []struct {
		name       string
		mutate     func(jwt.MapClaims)
		header     string
		policy     func(*OIDCPolicy)
		jwksStatus int
		wantStatus int
		wantReason string
	}{
		{name: "valid bearer", header: "Authorization", wantStatus: http.StatusNoContent, wantReason: "ok"},
		{name: "valid iap assertion", header: "X-Goog-Iap-Jwt-Assertion", wantStatus: http.StatusNoContent, wantReason: "ok"},
		{name: "missing token", wantStatus: http.StatusUnauthorized, wantReason: "token_missing"},
		{
			name:       "audience mismatch",
			header:     "Authorization",
			mutate:     func(c jwt.MapClaims) { c["aud"] = []string{"https://other.example.com"} },
			wantStatus: http.StatusUnauthorized,
			wantReason: "audience_mismatch",
		},
		{
			name:       "issuer mismatch",
			header:     "Authorization",
			mutate:     func(c jwt.MapClaims) { c["iss"] = "https://evil.example.com" },
			wantStatus: http.StatusUnauthorized,
			wantReason: "issuer_mismatch",
		},
		{
			name:       "expired",
			header:     "Authorization",
			mutate:     func(c jwt.MapClaims) { c["exp"] = float64(1) },
			wantStatus: http.StatusUnauthorized,
			wantReason: "token_invalid",
		},
		{
			name:       "caller not allowed",
			header:     "Authorization",
			mutate:     func(c jwt.MapClaims) { c["email"] = "intruder@example.com" },
			wantStatus: http.StatusForbidden,
			wantReason: "caller_forbidden",
		},
		{
			name:       "jwks unavailable",
			header:     "Authorization",
			jwksStatus: http.StatusInternalServerError,
			wantStatus: http.StatusServiceUnavailable,
			wantReason: "jwks_unavailable",
		},
		{
			name:       "no audience configured",
			header:     "Authorization",
			policy:     func(p *OIDCPolicy) { p.Audience = "" },
			wantStatus: http.StatusServiceUnavailable,
			wantReason: "not_configured",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			now := fixedJWTTime(t)
			f := newJWKSFixture(t)
			if tt.jwksStatus != 0 {
				f.status = tt.jwksStatus
			}
			counter := &recordingCounter{}
			validator := NewOIDCValidator(
				NewJWKSCache(f.server.URL, WithJWKSClock(func() time.Time { return now })),
				WithOIDCMeter(recordingMeter{counter: counter}),
				WithOIDCClock(func() time.Time { return now }),
			)
			policy := defaultPolicy()
			if tt.policy != nil {
				tt.policy(&policy)
			}

			req := httptest.NewRequest(http.MethodPost, "/internal/catalog:sync", nil)
			token := f.sign(t, now, tt.mutate)
			switch tt.header {
			case "Authorization":
				req.Header.Set("Authorization", "Bearer "+token)
			case "":
			default:
				req.Header.Set(tt.header, token)
			}

			rr := httptest.NewRecorder()
			validator.RequireOIDC(policy)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				identity, ok := ServiceIdentityFromContext(r.Context())
				if !ok || identity.Email != "scheduler@clawanddecay.iam.gserviceaccount.com" {
					t.Fatalf("unexpected identity %+v", identity)
				}
				w.WriteHeader(http.StatusNoContent)
			})).ServeHTTP(rr, req)

			if rr.Code != tt.wantStatus {
				t.Fatalf("expected status %d, got %d: %s", tt.wantStatus, rr.Code, rr.Body.String())
			}
			if tt.wantStatus != http.StatusNoContent && !strings.Contains(rr.Body.String(), `"error"`) {
				t.Fatalf("expected error envelope, got %s", rr.Body.String())
			}
			if got := counter.last(); got != tt.wantReason {
				t.Fatalf("expected metric reason %q, got %q", tt.wantReason, got)
			}
		})
	}
}

func TestBearerToken(t *testing.T) {
	if got := bearerToken("bearer  abc.def "); got != "abc.def" {
		t.Fatalf("unexpected token %q", got)
	}
	if got := bearerToken("Basic dXNlcjpwYXNz"); got != "" {
		t.Fatalf("expected non-bearer scheme to be ignored, got %q", got)
	}
}
