package services

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/clawanddecay/storefront/internal/domain"
)

// LoadVariantMap reads and validates the variant mapping file.
func LoadVariantMap(path string) (domain.VariantMap, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("variant map: path is required")
	}
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("variant map: open %s: %w", path, err)
	}
	defer file.Close()

	variants, err := DecodeVariantMap(file)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return variants, nil
}

// DecodeVariantMap decodes {"<variantId>": {"product_id": ..., "variant_id": ...}} and rejects
// unknown fields so typos in the hand-maintained file fail startup.
func DecodeVariantMap(r io.Reader) (domain.VariantMap, error) {
	decoder := json.NewDecoder(r)
	decoder.DisallowUnknownFields()
	var raw map[string]domain.VariantMapping
	if err := decoder.Decode(&raw); err != nil {
		return nil, fmt.Errorf("variant map: decode: %w", err)
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("variant map: no entries")
	}
	return domain.ParseVariantMap(raw)
}
