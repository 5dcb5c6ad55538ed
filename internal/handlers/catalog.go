package handlers

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/stocksync/api/internal/domain"
	"github.com/stocksync/api/internal/platform/httpx"
	"github.com/stocksync/api/internal/services"
)

const maxProductRequestBody = 256 * 1024

// CatalogHandlers creates storefront products.
type CatalogHandlers struct {
	catalog services.CatalogService
}

// NewCatalogHandlers constructs the catalog handler set.
func NewCatalogHandlers(catalog services.CatalogService) *CatalogHandlers {
	return &CatalogHandlers{catalog: catalog}
}

// Routes registers POST /storefront/products.
func (h *CatalogHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/storefront/products", h.createProduct)
}

type productVariantRequest struct {
	SKU               string `json:"sku"`
	Price             string `json:"price"`
	InventoryQuantity int    `json:"inventoryQuantity"`
}

type createProductRequest struct {
	Title           string                  `json:"title"`
	DescriptionHTML string                  `json:"descriptionHtml"`
	Vendor          string                  `json:"vendor"`
	ProductType     string                  `json:"productType"`
	Tags            []string                `json:"tags"`
	Variants        []productVariantRequest `json:"variants"`
}

type productResponse struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

func (h *CatalogHandlers) createProduct(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.catalog == nil {
		serviceUnavailable(ctx, w, "catalog")
		return
	}
	tenantID, ok := requireTenant(w, r)
	if !ok {
		return
	}

	var req createProductRequest
	if herr := httpx.DecodeJSON(w, r, &req, maxProductRequestBody); herr != nil {
		httpx.WriteError(ctx, w, *herr)
		return
	}
	if strings.TrimSpace(req.Title) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "title is required", http.StatusBadRequest))
		return
	}

	input := domain.ProductInput{
		Title:           req.Title,
		DescriptionHTML: req.DescriptionHTML,
		Vendor:          req.Vendor,
		ProductType:     req.ProductType,
		Tags:            req.Tags,
	}
	for _, v := range req.Variants {
		input.Variants = append(input.Variants, domain.ProductVariantInput{
			SKU:               v.SKU,
			Price:             v.Price,
			InventoryQuantity: v.InventoryQuantity,
		})
	}

	product, err := h.catalog.CreateStorefrontProduct(ctx, services.CreateProductCommand{
		TenantID: tenantID,
		Input:    input,
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, productResponse{ID: product.ID, Title: product.Title})
}
