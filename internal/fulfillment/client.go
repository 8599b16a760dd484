// Package fulfillment is a client for the print-on-demand provider's REST API (Printify v1).
package fulfillment

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sony/gobreaker/v2"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/clawanddecay/storefront/internal/domain"
)

const (
	defaultBaseURL   = "https://api.printify.com/v1"
	defaultTimeout   = 20 * time.Second
	defaultUserAgent = "clawanddecay-storefront/1.0"
	maxPages         = 200
	maxErrorBody     = 4 << 10
	maxResponseBody  = 32 << 20
)

var (
	// ErrInvalidRequest reports a call rejected before reaching the provider.
	ErrInvalidRequest = errors.New("fulfillment: invalid request")
	// ErrNotFound is returned when the provider answers 404.
	ErrNotFound = errors.New("fulfillment: not found")
	// ErrMalformedResponse reports a 2xx response that could not be decoded.
	ErrMalformedResponse = errors.New("fulfillment: malformed response")
)

// APIError is a non-2xx answer from the provider. Body holds at most 4 KiB of the response.
type APIError struct {
	Method string
	Path   string
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("fulfillment: %s %s returned %d: %s", e.Method, e.Path, e.Status, e.Body)
}

// Retryable reports whether the same request may succeed later.
func (e *APIError) Retryable() bool {
	return e.Status >= http.StatusInternalServerError || e.Status == http.StatusTooManyRequests
}

// Is maps 404 answers onto ErrNotFound.
func (e *APIError) Is(target error) bool {
	return target == ErrNotFound && e.Status == http.StatusNotFound
}

// IsRetryable classifies err as transient (network failure, provider 5xx/429, open circuit) or
// permanent (validation, provider 4xx, undecodable success body).
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Retryable()
	}
	if errors.Is(err, ErrInvalidRequest) || errors.Is(err, ErrMalformedResponse) || errors.Is(err, context.Canceled) {
		return false
	}
	return true
}

// Config configures Client.
type Config struct {
	BaseURL   string
	ShopID    string
	APIToken  string
	UserAgent string
	Timeout   time.Duration
	// HTTPClient overrides the instrumented default client, mainly for tests.
	HTTPClient *http.Client
	// Breaker tunes the circuit breaker; zero values use gobreaker defaults with a 5 failure trip.
	Breaker gobreaker.Settings
}

// Client talks to one shop on the provider API. It is safe for concurrent use.
type Client struct {
	base      *url.URL
	shopID    string
	token     string
	userAgent string
	http      *http.Client
	breaker   *gobreaker.CircuitBreaker[response]
}

type response struct {
	status int
	body   []byte
}

// NewClient validates cfg and builds a Client.
func NewClient(cfg Config) (*Client, error) {
	rawBase := strings.TrimSpace(cfg.BaseURL)
	if rawBase == "" {
		rawBase = defaultBaseURL
	}
	base, err := url.Parse(strings.TrimRight(rawBase, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("fulfillment: invalid base url %q", rawBase)
	}
	shopID := strings.TrimSpace(cfg.ShopID)
	if shopID == "" {
		return nil, errors.New("fulfillment: shop id is required")
	}
	token := strings.TrimSpace(cfg.APIToken)
	if token == "" {
		return nil, errors.New("fulfillment: api token is required")
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		httpClient = &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}
	}
	userAgent := strings.TrimSpace(cfg.UserAgent)
	if userAgent == "" {
		userAgent = defaultUserAgent
	}

	settings := cfg.Breaker
	if settings.Name == "" {
		settings.Name = "fulfillment"
	}
	if settings.ReadyToTrip == nil {
		settings.ReadyToTrip = func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		}
	}
	settings.IsSuccessful = func(err error) bool {
		return err == nil || !IsRetryable(err)
	}

	return &Client{
		base:      base,
		shopID:    shopID,
		token:     token,
		userAgent: userAgent,
		http:      httpClient,
		breaker:   gobreaker.NewCircuitBreaker[response](settings),
	}, nil
}

// ShopID returns the shop the client is bound to.
func (c *Client) ShopID() string { return c.shopID }

// ListProducts fetches one page of the shop's products.
func (c *Client) ListProducts(ctx context.Context, page, limit int) (domain.Catalog, error) {
	if page < 1 {
		page = 1
	}
	query := url.Values{}
	query.Set("page", strconv.Itoa(page))
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}
	var out domain.Catalog
	if err := c.doJSON(ctx, http.MethodGet, c.shopPath("products.json"), query, nil, &out); err != nil {
		return domain.Catalog{}, err
	}
	if out.CurrentPage == 0 {
		out.CurrentPage = page
	}
	return out, nil
}

// ListAllProducts walks every page until last_page is reached.
func (c *Client) ListAllProducts(ctx context.Context, limit int) ([]domain.Product, error) {
	var products []domain.Product
	for page := 1; page <= maxPages; page++ {
		result, err := c.ListProducts(ctx, page, limit)
		if err != nil {
			return nil, fmt.Errorf("page %d: %w", page, err)
		}
		products = append(products, result.Data...)
		if result.LastPage <= page || len(result.Data) == 0 {
			return products, nil
		}
	}
	return nil, fmt.Errorf("%w: more than %d product pages", ErrMalformedResponse, maxPages)
}

// GetProduct fetches a single product.
func (c *Client) GetProduct(ctx context.Context, productID string) (domain.Product, error) {
	productID = strings.TrimSpace(productID)
	if productID == "" || strings.ContainsAny(productID, "/?#") {
		return domain.Product{}, fmt.Errorf("%w: product id %q", ErrInvalidRequest, productID)
	}
	var out domain.Product
	if err := c.doJSON(ctx, http.MethodGet, c.shopPath("products", productID+".json"), nil, nil, &out); err != nil {
		return domain.Product{}, err
	}
	return out, nil
}

// OrderReceipt is the provider's acknowledgement of a submitted order.
type OrderReceipt struct {
	ID string `json:"id"`
}

// SubmitOrder creates a fulfillment order.
func (c *Client) SubmitOrder(ctx context.Context, order domain.FulfillmentOrder) (OrderReceipt, error) {
	if strings.TrimSpace(order.ExternalID) == "" {
		return OrderReceipt{}, fmt.Errorf("%w: external id is required", ErrInvalidRequest)
	}
	if len(order.LineItems) == 0 {
		return OrderReceipt{}, fmt.Errorf("%w: order has no line items", ErrInvalidRequest)
	}
	for _, line := range order.LineItems {
		if line.ProductID == "" || line.VariantID <= 0 || line.Quantity <= 0 {
			return OrderReceipt{}, fmt.Errorf("%w: invalid line item %+v", ErrInvalidRequest, line)
		}
	}
	var receipt OrderReceipt
	if err := c.doJSON(ctx, http.MethodPost, c.shopPath("orders.json"), nil, order, &receipt); err != nil {
		return OrderReceipt{}, err
	}
	return receipt, nil
}

type shippingResponse struct {
	Profiles []struct {
		VariantIDs []int64 `json:"variant_ids"`
		FirstItem  struct {
			Cost int64 `json:"cost"`
		} `json:"first_item"`
		AdditionalItems struct {
			Cost int64 `json:"cost"`
		} `json:"additional_items"`
		Countries []string `json:"countries"`
	} `json:"profiles"`
}

// ShippingProfile looks up the provider's shipping rates for a blueprint/print provider pair and
// returns the most expensive profile serving country. Profiles for "REST_OF_THE_WORLD" are used
// when none names the country.
func (c *Client) ShippingProfile(ctx context.Context, blueprintID, printProviderID int64, country string) (domain.ShippingProfile, error) {
	if blueprintID <= 0 || printProviderID <= 0 {
		return domain.ShippingProfile{}, fmt.Errorf("%w: blueprint and print provider are required", ErrInvalidRequest)
	}
	path := fmt.Sprintf("/catalog/blueprints/%d/print_providers/%d/shipping.json", blueprintID, printProviderID)
	var out shippingResponse
	if err := c.doJSON(ctx, http.MethodGet, path, nil, nil, &out); err != nil {
		return domain.ShippingProfile{}, err
	}

	country = strings.ToUpper(strings.TrimSpace(country))
	var best *domain.ShippingProfile
	for _, wanted := range []string{country, "REST_OF_THE_WORLD"} {
		for _, profile := range out.Profiles {
			if !containsFold(profile.Countries, wanted) {
				continue
			}
			if best == nil || profile.FirstItem.Cost > best.FirstItem {
				best = &domain.ShippingProfile{
					FirstItem:      profile.FirstItem.Cost,
					AdditionalItem: profile.AdditionalItems.Cost,
				}
			}
		}
		if best != nil {
			return *best, nil
		}
	}
	return domain.ShippingProfile{}, fmt.Errorf("%w: no shipping profile for %s", ErrNotFound, country)
}

func (c *Client) shopPath(parts ...string) string {
	escaped := make([]string, 0, len(parts)+2)
	escaped = append(escaped, "shops", url.PathEscape(c.shopID))
	for _, part := range parts {
		escaped = append(escaped, url.PathEscape(part))
	}
	return "/" + strings.Join(escaped, "/")
}

func (c *Client) doJSON(ctx context.Context, method, path string, query url.Values, in, out any) error {
	var body []byte
	if in != nil {
		encoded, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("%w: encode body: %v", ErrInvalidRequest, err)
		}
		body = encoded
	}
	resp, err := c.do(ctx, method, path, query, body)
	if err != nil {
		return err
	}
	if out == nil || len(bytes.TrimSpace(resp.body)) == 0 {
		return nil
	}
	if err := json.Unmarshal(resp.body, out); err != nil {
		return fmt.Errorf("%w: %s %s: %v", ErrMalformedResponse, method, path, err)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body []byte) (response, error) {
	return c.breaker.Execute(func() (response, error) {
		target := *c.base
		target.Path = c.base.Path + path
		target.RawQuery = query.Encode()

		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, target.String(), reader)
		if err != nil {
			return response{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
		}
		req.Header.Set("Authorization", "Bearer "+c.token)
		req.Header.Set("Accept", "application/json")
		req.Header.Set("User-Agent", c.userAgent)
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		res, err := c.http.Do(req)
		if err != nil {
			return response{}, fmt.Errorf("fulfillment: %s %s: %w", method, path, err)
		}
		defer res.Body.Close()

		payload, err := io.ReadAll(io.LimitReader(res.Body, maxResponseBody))
		if err != nil {
			return response{}, fmt.Errorf("fulfillment: read %s %s: %w", method, path, err)
		}
		if res.StatusCode < 200 || res.StatusCode > 299 {
			snippet := payload
			if len(snippet) > maxErrorBody {
				snippet = snippet[:maxErrorBody]
			}
			return response{}, &APIError{Method: method, Path: path, Status: res.StatusCode, Body: string(snippet)}
		}
		return response{status: res.StatusCode, body: payload}, nil
	})
}

func containsFold(values []string, wanted string) bool {
	for _, value := range values {
		if strings.EqualFold(strings.TrimSpace(value), wanted) {
			return true
		}
	}
	return false
}
