package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/oklog/ulid/v2"

	"github.com/clawanddecay/storefront/internal/domain"
	"github.com/clawanddecay/storefront/internal/payments"
)

const (
	defaultCheckoutCurrency    = "usd"
	defaultMaxQuantityPerLine  = 25
	maxCheckoutLines           = 100
	metadataValueLimit         = 500
	maxItemMetadataChunks      = 40
	checkoutIdempotencyPrefix  = "checkout_"
	metadataKeyOrderRef        = "order_ref"
	metadataKeyItems           = "items"
	metadataKeyItemsCount      = "items_count"
	defaultShippingDisplayName = "Standard shipping"
	freeShippingDisplayName    = "Free shipping"
)

var (
	// ErrCheckoutInvalidInput indicates the caller supplied an invalid cart.
	ErrCheckoutInvalidInput = errors.New("checkout: invalid input")
	// ErrCheckoutVariantNotFound indicates a cart line references an unknown variant.
	ErrCheckoutVariantNotFound = errors.New("checkout: variant not found")
	// ErrCheckoutVariantUnavailable indicates a cart line references a disabled or unavailable variant.
	ErrCheckoutVariantUnavailable = errors.New("checkout: variant unavailable")
	// ErrCheckoutUnavailable indicates the cached catalog could not be read.
	ErrCheckoutUnavailable = errors.New("checkout: unavailable")
	// ErrCheckoutPaymentFailed indicates the payment session could not be created.
	ErrCheckoutPaymentFailed = errors.New("checkout: payment failed")
)

// CheckoutLineError identifies the cart line that failed validation.
type CheckoutLineError struct {
	ProductID string
	VariantID int64
	Reason    string
	Err       error
}

func (e *CheckoutLineError) Error() string {
	if e.ProductID != "" {
		return fmt.Sprintf("%v: product %s variant %d: %s", e.Err, e.ProductID, e.VariantID, e.Reason)
	}
	return fmt.Sprintf("%v: variant %d: %s", e.Err, e.VariantID, e.Reason)
}

func (e *CheckoutLineError) Unwrap() error { return e.Err }

// checkoutSessionCreator abstracts payments.Provider for easier testing.
type checkoutSessionCreator interface {
	CreateCheckoutSession(ctx context.Context, req payments.CheckoutSessionRequest) (payments.CheckoutSession, error)
}

// catalogReader is the part of CatalogService checkout prices against.
type catalogReader interface {
	CachedCatalog(ctx context.Context) (domain.Catalog, error)
}

// CheckoutServiceDeps wires the dependencies required by the checkout service.
type CheckoutServiceDeps struct {
	Catalog             catalogReader
	Payments            checkoutSessionCreator
	Currency            string
	SuccessURL          string
	CancelURL           string
	AllowedCountries    []string
	DefaultShippingRate int64
	MaxQuantityPerLine  int
	IDGenerator         func() string
	Logger              func(ctx context.Context, event string, fields map[string]any)
}

type checkoutService struct {
	catalog          catalogReader
	payments         checkoutSessionCreator
	currency         string
	successURL       string
	cancelURL        string
	allowedCountries []string
	defaultShipping  int64
	maxQuantity      int64
	newID            func() string
	logger           func(ctx context.Context, event string, fields map[string]any)
}

var _ CheckoutService = (*checkoutService)(nil)

// NewCheckoutService constructs a CheckoutService validating required dependencies.
func NewCheckoutService(deps CheckoutServiceDeps) (CheckoutService, error) {
	if deps.Catalog == nil {
		return nil, errors.New("checkout service: catalog is required")
	}
	if deps.Payments == nil {
		return nil, errors.New("checkout service: payment provider is required")
	}
	if strings.TrimSpace(deps.SuccessURL) == "" || strings.TrimSpace(deps.CancelURL) == "" {
		return nil, errors.New("checkout service: success and cancel urls are required")
	}
	if deps.DefaultShippingRate < 0 {
		return nil, errors.New("checkout service: default shipping rate must not be negative")
	}

	currency := strings.ToLower(strings.TrimSpace(deps.Currency))
	if currency == "" {
		currency = defaultCheckoutCurrency
	}
	maxQuantity := int64(deps.MaxQuantityPerLine)
	if maxQuantity <= 0 {
		maxQuantity = defaultMaxQuantityPerLine
	}
	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string { return ulid.Make().String() }
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &checkoutService{
		catalog:          deps.Catalog,
		payments:         deps.Payments,
		currency:         currency,
		successURL:       strings.TrimSpace(deps.SuccessURL),
		cancelURL:        strings.TrimSpace(deps.CancelURL),
		allowedCountries: append([]string(nil), deps.AllowedCountries...),
		defaultShipping:  deps.DefaultShippingRate,
		maxQuantity:      maxQuantity,
		newID:            idGen,
		logger:           logger,
	}, nil
}

// checkoutLine is a validated cart line priced from the cache.
type checkoutLine struct {
	product  domain.Product
	variant  domain.Variant
	quantity int64
}

// CreateCheckoutSession prices the cart from the cached catalog and opens a hosted payment session.
func (s *checkoutService) CreateCheckoutSession(ctx context.Context, cmd CreateCheckoutSessionCommand) (CheckoutSession, error) {
	if s == nil || s.catalog == nil || s.payments == nil {
		return CheckoutSession{}, ErrCheckoutUnavailable
	}
	if len(cmd.Items) == 0 {
		return CheckoutSession{}, fmt.Errorf("%w: cart is empty", ErrCheckoutInvalidInput)
	}
	for _, item := range cmd.Items {
		if item.VariantID <= 0 {
			return CheckoutSession{}, &CheckoutLineError{ProductID: item.ProductID, VariantID: item.VariantID, Reason: "variant id is required", Err: ErrCheckoutInvalidInput}
		}
		if item.Quantity <= 0 {
			return CheckoutSession{}, &CheckoutLineError{ProductID: item.ProductID, VariantID: item.VariantID, Reason: "quantity must be positive", Err: ErrCheckoutInvalidInput}
		}
		if item.Quantity > s.maxQuantity {
			return CheckoutSession{}, s.quantityLimitError(item.ProductID, item.VariantID, item.Quantity)
		}
	}

	catalog, err := s.catalog.CachedCatalog(ctx)
	if err != nil {
		s.logger(ctx, "checkout.catalog_unavailable", map[string]any{"error": err.Error()})
		return CheckoutSession{}, fmt.Errorf("%w: %v", ErrCheckoutUnavailable, err)
	}

	lines, err := s.resolveLines(catalog, cmd.Items)
	if err != nil {
		return CheckoutSession{}, err
	}

	orderRef := s.newID()
	metadata, err := itemMetadata(lines)
	if err != nil {
		return CheckoutSession{}, err
	}
	metadata[metadataKeyOrderRef] = orderRef

	items := make([]payments.CheckoutLineItem, 0, len(lines))
	var subtotal int64
	for _, line := range lines {
		items = append(items, payments.CheckoutLineItem{
			Name:     lineItemName(line.product, line.variant),
			SKU:      line.variant.SKU,
			Quantity: line.quantity,
			Amount:   line.variant.Price,
			Metadata: map[string]string{
				"variant_id": strconv.FormatInt(line.variant.ID, 10),
				"product_id": line.product.ID,
			},
		})
		subtotal += line.variant.Price * line.quantity
	}

	shipping := s.shippingCost(lines)
	option := &payments.ShippingOption{DisplayName: defaultShippingDisplayName, Amount: shipping}
	if shipping == 0 {
		option.DisplayName = freeShippingDisplayName
	}

	session, err := s.payments.CreateCheckoutSession(ctx, payments.CheckoutSessionRequest{
		Currency:         s.currency,
		SuccessURL:       s.successURL,
		CancelURL:        s.cancelURL,
		Metadata:         metadata,
		IdempotencyKey:   checkoutIdempotencyKey(orderRef),
		Items:            items,
		Shipping:         option,
		AllowedCountries: s.allowedCountries,
	})
	if err != nil {
		s.logger(ctx, "checkout.payment_session_failed", map[string]any{
			"orderRef":  orderRef,
			"lineCount": len(items),
			"retryable": payments.IsRetryable(err),
			"error":     err.Error(),
		})
		return CheckoutSession{}, fmt.Errorf("%w: %w", ErrCheckoutPaymentFailed, err)
	}

	s.logger(ctx, "checkout.session_created", map[string]any{
		"orderRef":  orderRef,
		"sessionId": session.ID,
		"lineCount": len(items),
		"subtotal":  subtotal,
		"shipping":  shipping,
	})

	if session.AmountSubtotal > 0 {
		subtotal = session.AmountSubtotal
	}
	return CheckoutSession{
		SessionID:      session.ID,
		URL:            session.RedirectURL,
		OrderRef:       orderRef,
		AmountSubtotal: subtotal,
		Shipping:       shipping,
		ExpiresAt:      session.ExpiresAt,
	}, nil
}

// resolveLines looks every cart line up in the catalog and merges lines naming the same variant.
// A line without a product id matches the first product, in catalog order, carrying the variant.
func (s *checkoutService) resolveLines(catalog domain.Catalog, items []domain.CartLine) ([]checkoutLine, error) {
	byID := make(map[string]int, len(catalog.Data))
	for i, product := range catalog.Data {
		byID[product.ID] = i
	}
	findAnywhere := func(variantID int64) (domain.Product, domain.Variant, bool) {
		for _, product := range catalog.Data {
			if variant, ok := product.Variant(variantID); ok {
				return product, variant, true
			}
		}
		return domain.Product{}, domain.Variant{}, false
	}

	type lineKey struct {
		productID string
		variantID int64
	}
	index := make(map[lineKey]int, len(items))
	lines := make([]checkoutLine, 0, len(items))
	for _, item := range items {
		productID := strings.TrimSpace(item.ProductID)

		var (
			product domain.Product
			variant domain.Variant
			found   bool
		)
		if productID != "" {
			if i, ok := byID[productID]; ok {
				product = catalog.Data[i]
				variant, found = product.Variant(item.VariantID)
			}
		} else {
			product, variant, found = findAnywhere(item.VariantID)
		}
		if !found {
			return nil, &CheckoutLineError{ProductID: productID, VariantID: item.VariantID, Reason: "variant not found", Err: ErrCheckoutVariantNotFound}
		}
		if !variant.Purchasable() {
			return nil, &CheckoutLineError{ProductID: product.ID, VariantID: variant.ID, Reason: "variant is not enabled or not available", Err: ErrCheckoutVariantUnavailable}
		}
		if variant.Price <= 0 {
			return nil, &CheckoutLineError{ProductID: product.ID, VariantID: variant.ID, Reason: "variant has no price", Err: ErrCheckoutVariantUnavailable}
		}

		key := lineKey{productID: product.ID, variantID: variant.ID}
		if i, ok := index[key]; ok {
			// Both operands are already capped at maxQuantity, so the sum cannot overflow.
			if merged := lines[i].quantity + item.Quantity; merged > s.maxQuantity {
				return nil, s.quantityLimitError(product.ID, variant.ID, merged)
			}
			lines[i].quantity += item.Quantity
		} else {
			index[key] = len(lines)
			lines = append(lines, checkoutLine{product: product, variant: variant, quantity: item.Quantity})
		}
	}

	if len(lines) > maxCheckoutLines {
		return nil, fmt.Errorf("%w: at most %d distinct items per checkout", ErrCheckoutInvalidInput, maxCheckoutLines)
	}
	return lines, nil
}

func (s *checkoutService) quantityLimitError(productID string, variantID, quantity int64) *CheckoutLineError {
	return &CheckoutLineError{
		ProductID: productID,
		VariantID: variantID,
		Reason:    fmt.Sprintf("quantity %d exceeds the limit of %d", quantity, s.maxQuantity),
		Err:       ErrCheckoutInvalidInput,
	}
}

// shippingCost charges the highest first-item rate once and the additional-item rate for every
// other unit. Products without a shipping profile use the default rate for both.
func (s *checkoutService) shippingCost(lines []checkoutLine) int64 {
	var (
		total        int64
		maxBase      int64
		maxBaseExtra int64
		priced       bool
	)
	for _, line := range lines {
		base, additional := s.defaultShipping, s.defaultShipping
		if profile := line.product.Shipping; profile != nil {
			base, additional = profile.FirstItem, profile.AdditionalItem
		}
		total += additional * line.quantity
		if !priced || base > maxBase {
			maxBase, maxBaseExtra, priced = base, additional, true
		}
	}
	if !priced {
		return 0
	}
	// one unit of the highest-base item pays its base instead of its additional rate
	return total - maxBaseExtra + maxBase
}

// itemMetadata encodes the purchased productId:variantId pairs. Lists longer than one metadata
// value are split across items_1..items_n with items_count.
func itemMetadata(lines []checkoutLine) (map[string]string, error) {
	pairs := make([]string, 0, len(lines))
	for _, line := range lines {
		pairs = append(pairs, line.product.ID+":"+strconv.FormatInt(line.variant.ID, 10))
	}
	joined := strings.Join(pairs, ",")
	if len(joined) <= metadataValueLimit {
		return map[string]string{metadataKeyItems: joined}, nil
	}

	var (
		chunks  []string
		current strings.Builder
	)
	for _, pair := range pairs {
		if len(pair) > metadataValueLimit {
			return nil, fmt.Errorf("%w: item reference %q is too long", ErrCheckoutInvalidInput, pair)
		}
		if current.Len() > 0 && current.Len()+1+len(pair) > metadataValueLimit {
			chunks = append(chunks, current.String())
			current.Reset()
		}
		if current.Len() > 0 {
			current.WriteByte(',')
		}
		current.WriteString(pair)
	}
	if current.Len() > 0 {
		chunks = append(chunks, current.String())
	}
	if len(chunks) > maxItemMetadataChunks {
		return nil, fmt.Errorf("%w: cart is too large", ErrCheckoutInvalidInput)
	}

	metadata := make(map[string]string, len(chunks)+1)
	for i, chunk := range chunks {
		metadata[metadataKeyItems+"_"+strconv.Itoa(i+1)] = chunk
	}
	metadata[metadataKeyItemsCount] = strconv.Itoa(len(chunks))
	return metadata, nil
}

// ItemRef is one productId:variantId pair recorded on a checkout session.
type ItemRef struct {
	ProductID string
	VariantID int64
}

// ParseItemMetadata decodes the pairs written by checkout. Order is preserved; duplicates are
// dropped.
func ParseItemMetadata(metadata map[string]string) ([]ItemRef, error) {
	var values []string
	if countValue, ok := metadata[metadataKeyItemsCount]; ok {
		count, err := strconv.Atoi(strings.TrimSpace(countValue))
		if err != nil || count <= 0 || count > maxItemMetadataChunks {
			return nil, fmt.Errorf("invalid %s %q", metadataKeyItemsCount, countValue)
		}
		for i := 1; i <= count; i++ {
			chunk, ok := metadata[metadataKeyItems+"_"+strconv.Itoa(i)]
			if !ok {
				return nil, fmt.Errorf("missing metadata chunk %s_%d", metadataKeyItems, i)
			}
			values = append(values, chunk)
		}
	} else if value, ok := metadata[metadataKeyItems]; ok {
		values = append(values, value)
	} else {
		return nil, errors.New("session has no item metadata")
	}

	seen := make(map[ItemRef]struct{})
	var refs []ItemRef
	for _, value := range values {
		for _, raw := range strings.Split(value, ",") {
			raw = strings.TrimSpace(raw)
			if raw == "" {
				continue
			}
			productID, variantRaw, ok := strings.Cut(raw, ":")
			if !ok {
				productID, variantRaw = "", raw
			}
			variantID, err := strconv.ParseInt(strings.TrimSpace(variantRaw), 10, 64)
			if err != nil || variantID <= 0 {
				return nil, fmt.Errorf("invalid item reference %q", raw)
			}
			ref := ItemRef{ProductID: strings.TrimSpace(productID), VariantID: variantID}
			if _, dup := seen[ref]; dup {
				continue
			}
			seen[ref] = struct{}{}
			refs = append(refs, ref)
		}
	}
	if len(refs) == 0 {
		return nil, errors.New("session item metadata is empty")
	}
	return refs, nil
}

func lineItemName(product domain.Product, variant domain.Variant) string {
	title := strings.TrimSpace(product.Title)
	variantTitle := strings.TrimSpace(variant.Title)
	switch {
	case title == "":
		return variantTitle
	case variantTitle == "":
		return title
	}
	return title + " - " + variantTitle
}

func checkoutIdempotencyKey(orderRef string) string {
	sum := sha256.Sum256([]byte(orderRef))
	return checkoutIdempotencyPrefix + hex.EncodeToString(sum[:16])
}
