// Package domain holds the storefront's shared data model: the cached product catalog, cart input
// and the fulfillment order submitted after payment.
package domain

import "encoding/json"

// Catalog is the cached product document. Its shape mirrors the provider's paginated product
// listing so storefront clients can read either the cache or the live listing.
type Catalog struct {
	CurrentPage int       `json:"current_page"`
	LastPage    int       `json:"last_page,omitempty"`
	Total       int       `json:"total,omitempty"`
	Data        []Product `json:"data"`
}

// Product is a fulfillment provider product as stored in the cache.
type Product struct {
	ID              string           `json:"id"`
	Title           string           `json:"title"`
	Description     string           `json:"description,omitempty"`
	Tags            []string         `json:"tags,omitempty"`
	Options         json.RawMessage  `json:"options,omitempty"`
	Variants        []Variant        `json:"variants"`
	Images          []Image          `json:"images"`
	Visible         bool             `json:"visible"`
	BlueprintID     int64            `json:"blueprint_id,omitempty"`
	PrintProviderID int64            `json:"print_provider_id,omitempty"`
	CreatedAt       string           `json:"created_at,omitempty"`
	UpdatedAt       string           `json:"updated_at,omitempty"`
	Shipping        *ShippingProfile `json:"shipping,omitempty"`
}

// Variant returns the variant with the given id.
func (p Product) Variant(id int64) (Variant, bool) {
	for _, v := range p.Variants {
		if v.ID == id {
			return v, true
		}
	}
	return Variant{}, false
}

// Variant is a purchasable option of a product. Price is in the smallest currency unit.
type Variant struct {
	ID          int64   `json:"id"`
	SKU         string  `json:"sku,omitempty"`
	Title       string  `json:"title"`
	Price       int64   `json:"price"`
	Cost        int64   `json:"cost,omitempty"`
	Grams       int64   `json:"grams,omitempty"`
	IsEnabled   *bool   `json:"is_enabled,omitempty"`
	IsDefault   bool    `json:"is_default,omitempty"`
	IsAvailable *bool   `json:"is_available,omitempty"`
	Options     []int64 `json:"options,omitempty"`
}

// Enabled treats a missing flag as enabled; only an explicit false disables a variant.
func (v Variant) Enabled() bool {
	return v.IsEnabled == nil || *v.IsEnabled
}

// Available treats a missing flag as available.
func (v Variant) Available() bool {
	return v.IsAvailable == nil || *v.IsAvailable
}

// Purchasable reports whether the variant may be placed in a checkout session.
func (v Variant) Purchasable() bool {
	return v.Enabled() && v.Available()
}

// Image is a product mockup. Src is rewritten to the storefront's own bucket when served.
type Image struct {
	Src        string  `json:"src"`
	VariantIDs []int64 `json:"variant_ids,omitempty"`
	Position   string  `json:"position,omitempty"`
	IsDefault  bool    `json:"is_default,omitempty"`
}

// ShippingProfile carries per-product shipping costs in the smallest currency unit:
// FirstItem for the first unit of an order and AdditionalItem for every further unit.
type ShippingProfile struct {
	FirstItem      int64 `json:"first_item"`
	AdditionalItem int64 `json:"additional_item"`
}

// Bool returns a pointer to b, for building variants in code.
func Bool(b bool) *bool { return &b }
