package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/stocksync/api/internal/platform/auth"
	"github.com/stocksync/api/internal/platform/httpx"
	"github.com/stocksync/api/internal/services"
)

type errorMapping struct {
	target  error
	code    string
	status  int
	message string
}

var serviceErrorMappings = []errorMapping{
	{services.ErrInventoryInvalidInput, "invalid_request", http.StatusBadRequest, ""},
	{services.ErrStoreInvalidInput, "invalid_request", http.StatusBadRequest, ""},
	{services.ErrCatalogInvalidInput, "invalid_request", http.StatusBadRequest, ""},
	{services.ErrStoreConflict, "store_conflict", http.StatusConflict, ""},
	{services.ErrStoreNotFound, "store_not_found", http.StatusNotFound, "store not found"},
	{services.ErrCatalogNoStorefront, "storefront_not_linked", http.StatusConflict, "no storefront linked"},
	{services.ErrInventoryUnavailable, "accounts_unavailable", http.StatusServiceUnavailable, "linked accounts unavailable"},
	{services.ErrStoreUnavailable, "store_unavailable", http.StatusBadGateway, "channel unavailable"},
	{services.ErrCatalogUnavailable, "catalog_unavailable", http.StatusBadGateway, "storefront unavailable"},
}

// writeServiceError maps service sentinels to HTTP errors. Validation messages are passed
// through; everything else gets a fixed message so remote payloads never leak.
func writeServiceError(ctx context.Context, w http.ResponseWriter, err error) {
	for _, m := range serviceErrorMappings {
		if errors.Is(err, m.target) {
			message := m.message
			if message == "" {
				message = err.Error()
			}
			httpx.WriteError(ctx, w, httpx.NewError(m.code, message, m.status))
			return
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		httpx.WriteError(ctx, w, httpx.NewError("timeout", "request timed out", http.StatusGatewayTimeout))
		return
	}
	httpx.WriteError(ctx, w, httpx.NewError("internal_error", "internal server error", http.StatusInternalServerError))
}

func requireTenant(w http.ResponseWriter, r *http.Request) (string, bool) {
	tenantID, ok := auth.TenantFromContext(r.Context())
	if !ok {
		httpx.WriteError(r.Context(), w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
		return "", false
	}
	return tenantID, true
}

func serviceUnavailable(ctx context.Context, w http.ResponseWriter, name string) {
	httpx.WriteError(ctx, w, httpx.NewError(name+"_unavailable", name+" service unavailable", http.StatusServiceUnavailable))
}
