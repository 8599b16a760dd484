package handlers

import (
	"net/http"
	"strconv"
	"strings"
)

const (
	defaultCORSMethods = "GET, POST, OPTIONS"
	defaultCORSHeaders = "Content-Type, Stripe-Signature, Idempotency-Key"
	corsMaxAge         = 600
)

// CORSPolicy describes the cross-origin access granted to the storefront frontend.
type CORSPolicy struct {
	// AllowedOrigin is "*" or a single origin such as https://clawanddecay.com.
	AllowedOrigin  string
	AllowedMethods string
	AllowedHeaders string
}

// Middleware sets the CORS headers and answers preflight requests with 204.
func (p CORSPolicy) Middleware() func(http.Handler) http.Handler {
	origin := strings.TrimSpace(p.AllowedOrigin)
	if origin == "" {
		origin = "*"
	}
	methods := strings.TrimSpace(p.AllowedMethods)
	if methods == "" {
		methods = defaultCORSMethods
	}
	headers := strings.TrimSpace(p.AllowedHeaders)
	if headers == "" {
		headers = defaultCORSHeaders
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h := w.Header()
			if origin == "*" {
				h.Set("Access-Control-Allow-Origin", "*")
			} else {
				h.Add("Vary", "Origin")
				if strings.EqualFold(r.Header.Get("Origin"), origin) {
					h.Set("Access-Control-Allow-Origin", origin)
				}
			}

			if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
				h.Set("Access-Control-Allow-Methods", methods)
				h.Set("Access-Control-Allow-Headers", headers)
				h.Set("Access-Control-Max-Age", strconv.Itoa(corsMaxAge))
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
