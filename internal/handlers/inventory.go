package handlers

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/stocksync/api/internal/platform/httpx"
	"github.com/stocksync/api/internal/services"
)

const maxInventoryRequestBody = 4 * 1024

// InventoryHandlers exposes manual stock changes.
type InventoryHandlers struct {
	inventory services.InventoryService
}

// NewInventoryHandlers constructs the inventory handler set.
func NewInventoryHandlers(inventory services.InventoryService) *InventoryHandlers {
	return &InventoryHandlers{inventory: inventory}
}

// Routes registers PUT /inventory.
func (h *InventoryHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Put("/inventory", h.setQuantity)
}

type setQuantityRequest struct {
	SKU      string `json:"sku"`
	Quantity *int   `json:"quantity"`
}

func (h *InventoryHandlers) setQuantity(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.inventory == nil {
		serviceUnavailable(ctx, w, "inventory")
		return
	}
	tenantID, ok := requireTenant(w, r)
	if !ok {
		return
	}

	var req setQuantityRequest
	if herr := httpx.DecodeJSON(w, r, &req, maxInventoryRequestBody); herr != nil {
		httpx.WriteError(ctx, w, *herr)
		return
	}
	if strings.TrimSpace(req.SKU) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "sku is required", http.StatusBadRequest))
		return
	}
	if req.Quantity == nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "quantity is required", http.StatusBadRequest))
		return
	}

	report, err := h.inventory.SetQuantity(ctx, services.SetQuantityCommand{
		TenantID: tenantID,
		SKU:      req.SKU,
		Quantity: *req.Quantity,
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, report)
}
