package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/microcosm-cc/bluemonday"

	domain "github.com/stocksync/api/internal/domain"
)

var (
	// ErrCatalogInvalidInput signals the product payload was rejected before reaching the storefront.
	ErrCatalogInvalidInput = errors.New("catalog: invalid input")
	// ErrCatalogNoStorefront indicates the tenant has no linked storefront.
	ErrCatalogNoStorefront = errors.New("catalog: storefront not linked")
	// ErrCatalogUnavailable indicates the storefront or storage failed.
	ErrCatalogUnavailable = errors.New("catalog: unavailable")
)

// CatalogServiceDeps bundles the collaborators required to construct a catalog service.
type CatalogServiceDeps struct {
	Registry AccountLoader
	Logger   func(ctx context.Context, event string, fields map[string]any)
}

type catalogService struct {
	registry AccountLoader
	policy   *bluemonday.Policy
	logger   func(context.Context, string, map[string]any)
}

var _ CatalogService = (*catalogService)(nil)

// NewCatalogService constructs the storefront product service.
func NewCatalogService(deps CatalogServiceDeps) (CatalogService, error) {
	if deps.Registry == nil {
		return nil, errors.New("catalog service: account registry is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &catalogService{
		registry: deps.Registry,
		policy:   newDescriptionPolicy(),
		logger:   logger,
	}, nil
}

func newDescriptionPolicy() *bluemonday.Policy {
	policy := bluemonday.UGCPolicy()
	policy.AllowAttrs("class").OnElements("p", "span")
	policy.RequireNoFollowOnLinks(true)
	return policy
}

func (s *catalogService) CreateStorefrontProduct(ctx context.Context, cmd CreateProductCommand) (Product, error) {
	tenantID := strings.TrimSpace(cmd.TenantID)
	if tenantID == "" {
		return Product{}, fmt.Errorf("%w: tenant id is required", ErrCatalogInvalidInput)
	}
	input, err := s.normalize(cmd.Input)
	if err != nil {
		return Product{}, err
	}

	set, err := s.registry.Load(ctx, tenantID)
	if err != nil {
		return Product{}, fmt.Errorf("%w: %w", ErrCatalogUnavailable, err)
	}
	if set.Storefront == nil {
		return Product{}, ErrCatalogNoStorefront
	}

	product, err := set.Storefront.Client.CreateProduct(ctx, input)
	if err != nil {
		return Product{}, classifyCatalogError(err)
	}
	s.logger(ctx, "catalog.product_created", map[string]any{
		"tenantId":  tenantID,
		"accountId": set.Storefront.Account.ID,
		"productId": product.ID,
		"variants":  len(input.Variants),
	})
	return product, nil
}

func (s *catalogService) normalize(input domain.ProductInput) (domain.ProductInput, error) {
	out := domain.ProductInput{
		Title:           strings.TrimSpace(input.Title),
		DescriptionHTML: strings.TrimSpace(s.policy.Sanitize(input.DescriptionHTML)),
		Vendor:          strings.TrimSpace(input.Vendor),
		ProductType:     strings.TrimSpace(input.ProductType),
	}
	if out.Title == "" {
		return domain.ProductInput{}, fmt.Errorf("%w: title is required", ErrCatalogInvalidInput)
	}
	for _, tag := range input.Tags {
		if tag = strings.TrimSpace(tag); tag != "" {
			out.Tags = append(out.Tags, tag)
		}
	}
	seen := make(map[string]struct{}, len(input.Variants))
	for i, variant := range input.Variants {
		sku := domain.NormalizeSKU(variant.SKU)
		if sku == "" {
			return domain.ProductInput{}, fmt.Errorf("%w: variant %d: sku is required", ErrCatalogInvalidInput, i)
		}
		if _, dup := seen[sku]; dup {
			return domain.ProductInput{}, fmt.Errorf("%w: duplicate sku %q", ErrCatalogInvalidInput, sku)
		}
		seen[sku] = struct{}{}
		if variant.InventoryQuantity < 0 {
			return domain.ProductInput{}, fmt.Errorf("%w: variant %s: quantity must be zero or greater", ErrCatalogInvalidInput, sku)
		}
		out.Variants = append(out.Variants, domain.ProductVariantInput{
			SKU:               sku,
			Price:             strings.TrimSpace(variant.Price),
			InventoryQuantity: variant.InventoryQuantity,
		})
	}
	return out, nil
}

func classifyCatalogError(err error) error {
	if wrapped := classifyChannelError("create product", err); errors.Is(wrapped, ErrStoreInvalidInput) {
		return fmt.Errorf("%w: %w", ErrCatalogInvalidInput, err)
	}
	return fmt.Errorf("%w: %w", ErrCatalogUnavailable, err)
}
