package services

import (
	"context"
	"strings"

	domain "github.com/stocksync/api/internal/domain"
)

const defaultListingStatus = "active"

// SKUResolverDeps configures listing resolution.
type SKUResolverDeps struct {
	// ListingStatus restricts marketplace searches; "any" disables the filter.
	ListingStatus string
}

// SKUResolver maps a SKU to the listings that carry it on one account.
type SKUResolver struct {
	status string
}

// NewSKUResolver constructs a resolver. Only active listings are considered by default.
func NewSKUResolver(deps SKUResolverDeps) *SKUResolver {
	status := strings.TrimSpace(deps.ListingStatus)
	switch strings.ToLower(status) {
	case "":
		status = defaultListingStatus
	case "any":
		status = ""
	}
	return &SKUResolver{status: status}
}

// FindListings returns the listing ids carrying sku on the marketplace account, in search order
// without duplicates. Zero matches is an empty slice, not an error.
func (r *SKUResolver) FindListings(ctx context.Context, client MarketplaceAPI, sku string) ([]string, error) {
	sku = strings.TrimSpace(sku)
	if sku == "" {
		return []string{}, nil
	}
	ids, err := client.SearchListingsBySKU(ctx, sku, domain.ListingFilter{Status: r.status})
	if err != nil {
		return nil, err
	}
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out, nil
}

// FindVariants returns the storefront variants whose SKU equals sku exactly. The remote search is
// prefix based, so near matches are dropped here.
func (r *SKUResolver) FindVariants(ctx context.Context, client StorefrontAPI, sku string) ([]domain.StorefrontVariant, error) {
	sku = strings.TrimSpace(sku)
	if sku == "" {
		return []domain.StorefrontVariant{}, nil
	}
	variants, err := client.SearchVariantsBySKU(ctx, sku)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]struct{}, len(variants))
	out := make([]domain.StorefrontVariant, 0, len(variants))
	for _, variant := range variants {
		if !domain.SameSKU(variant.SKU, sku) {
			continue
		}
		if _, ok := seen[variant.ID]; ok {
			continue
		}
		seen[variant.ID] = struct{}{}
		out = append(out, variant)
	}
	return out, nil
}
