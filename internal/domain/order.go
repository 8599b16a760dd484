package domain

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// CartLine is one line of the shopper's cart. Only identifiers and quantity are trusted; price
// and title always come from the cached catalog.
type CartLine struct {
	ProductID string
	VariantID int64
	Quantity  int64
}

// VariantMapping resolves a storefront variant to the fulfillment provider product and variant.
type VariantMapping struct {
	ProductID        string  `json:"product_id"`
	VariantID        int64   `json:"variant_id,omitempty"`
	VariantOptionIDs []int64 `json:"variant_option_ids,omitempty"`
}

// ProviderVariantID is the variant id sent on the fulfillment order: the explicit variant_id when
// present, otherwise the first option id.
func (m VariantMapping) ProviderVariantID() (int64, bool) {
	if m.VariantID > 0 {
		return m.VariantID, true
	}
	if len(m.VariantOptionIDs) > 0 && m.VariantOptionIDs[0] > 0 {
		return m.VariantOptionIDs[0], true
	}
	return 0, false
}

// VariantMap is the mapping table keyed by storefront variant id.
type VariantMap map[int64]VariantMapping

// VariantMapError lists every invalid entry found while loading a mapping table.
type VariantMapError struct {
	Problems []string
}

func (e *VariantMapError) Error() string {
	return fmt.Sprintf("variant map: %d invalid entries: %s", len(e.Problems), strings.Join(e.Problems, "; "))
}

// ParseVariantMap validates raw entries keyed by decimal variant id.
func ParseVariantMap(raw map[string]VariantMapping) (VariantMap, error) {
	keys := make([]string, 0, len(raw))
	for key := range raw {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	out := make(VariantMap, len(raw))
	var problems []string
	for _, key := range keys {
		entry := raw[key]
		id, err := strconv.ParseInt(strings.TrimSpace(key), 10, 64)
		if err != nil || id <= 0 {
			problems = append(problems, fmt.Sprintf("%q: key is not a variant id", key))
			continue
		}
		entry.ProductID = strings.TrimSpace(entry.ProductID)
		if entry.ProductID == "" {
			problems = append(problems, fmt.Sprintf("%q: product_id is required", key))
			continue
		}
		if _, ok := entry.ProviderVariantID(); !ok {
			problems = append(problems, fmt.Sprintf("%q: variant_id or variant_option_ids is required", key))
			continue
		}
		out[id] = entry
	}
	if len(problems) > 0 {
		return nil, &VariantMapError{Problems: problems}
	}
	return out, nil
}

// FulfillmentOrder is the order body posted to the provider.
type FulfillmentOrder struct {
	ExternalID               string            `json:"external_id"`
	Label                    string            `json:"label"`
	LineItems                []FulfillmentLine `json:"line_items"`
	ShippingMethod           int               `json:"shipping_method"`
	SendShippingNotification bool              `json:"send_shipping_notification"`
	Address                  ShippingAddress   `json:"address_to"`
}

// FulfillmentLine is one provider product/variant with a quantity.
type FulfillmentLine struct {
	ProductID string `json:"product_id"`
	VariantID int64  `json:"variant_id"`
	Quantity  int64  `json:"quantity"`
}

// ShippingAddress is the recipient block of a fulfillment order.
type ShippingAddress struct {
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Email     string `json:"email,omitempty"`
	Phone     string `json:"phone,omitempty"`
	Country   string `json:"country"`
	Region    string `json:"region"`
	Address1  string `json:"address1"`
	Address2  string `json:"address2,omitempty"`
	City      string `json:"city"`
	Zip       string `json:"zip"`
}

// SplitName splits a full name at the first space. An empty name becomes "Customer".
func SplitName(full string) (first, last string) {
	fields := strings.Fields(full)
	if len(fields) == 0 {
		return "Customer", ""
	}
	return fields[0], strings.Join(fields[1:], " ")
}
