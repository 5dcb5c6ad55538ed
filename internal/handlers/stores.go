package handlers

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/stocksync/api/internal/domain"
	"github.com/stocksync/api/internal/platform/httpx"
	"github.com/stocksync/api/internal/services"
)

const maxStoreRequestBody = 8 * 1024

// StoreHandlers manages linked channel accounts for the authenticated tenant.
type StoreHandlers struct {
	stores services.StoreService
}

// NewStoreHandlers constructs the store handler set.
func NewStoreHandlers(stores services.StoreService) *StoreHandlers {
	return &StoreHandlers{stores: stores}
}

// Routes registers the store and marketplace question endpoints.
func (h *StoreHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Get("/stores", h.listStores)
	r.Post("/stores/marketplace", h.linkMarketplace)
	r.Post("/stores/storefront", h.linkStorefront)
	r.Delete("/stores/{accountID}", h.unlink)
	r.Get("/marketplace/questions", h.listQuestions)
}

type storePayload struct {
	AccountID         string `json:"accountId"`
	Channel           string `json:"channel"`
	ExternalAccountID string `json:"externalAccountId"`
	Name              string `json:"name,omitempty"`
	Blocked           bool   `json:"blocked"`
	Status            string `json:"status"`
	WebhookKey        string `json:"webhookKey,omitempty"`
}

type storeListResponse struct {
	Stores []storePayload `json:"stores"`
}

type linkMarketplaceRequest struct {
	SellerID    string `json:"sellerId"`
	Code        string `json:"code"`
	RedirectURI string `json:"redirectUri"`
}

type linkStorefrontRequest struct {
	ShopDomain  string `json:"shopDomain"`
	AccessToken string `json:"accessToken"`
	LocationID  string `json:"locationId"`
}

type questionPayload struct {
	ID        string `json:"id"`
	ListingID string `json:"listingId"`
	Text      string `json:"text"`
	Status    string `json:"status"`
	CreatedAt string `json:"createdAt,omitempty"`
}

type accountQuestionsPayload struct {
	AccountID string            `json:"accountId"`
	SellerID  string            `json:"sellerId"`
	Questions []questionPayload `json:"questions"`
	Error     string            `json:"error,omitempty"`
}

type questionsResponse struct {
	Accounts []accountQuestionsPayload `json:"accounts"`
}

func (h *StoreHandlers) listStores(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.stores == nil {
		serviceUnavailable(ctx, w, "store")
		return
	}
	tenantID, ok := requireTenant(w, r)
	if !ok {
		return
	}

	summaries, err := h.stores.ListStores(ctx, tenantID)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	resp := storeListResponse{Stores: make([]storePayload, 0, len(summaries))}
	for _, summary := range summaries {
		resp.Stores = append(resp.Stores, buildStorePayload(summary))
	}
	httpx.WriteJSON(w, http.StatusOK, resp)
}

func (h *StoreHandlers) linkMarketplace(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.stores == nil {
		serviceUnavailable(ctx, w, "store")
		return
	}
	tenantID, ok := requireTenant(w, r)
	if !ok {
		return
	}

	var req linkMarketplaceRequest
	if herr := httpx.DecodeJSON(w, r, &req, maxStoreRequestBody); herr != nil {
		httpx.WriteError(ctx, w, *herr)
		return
	}
	if strings.TrimSpace(req.Code) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "code is required", http.StatusBadRequest))
		return
	}

	summary, err := h.stores.LinkMarketplace(ctx, services.LinkMarketplaceCommand{
		TenantID:    tenantID,
		SellerID:    strings.TrimSpace(req.SellerID),
		Code:        strings.TrimSpace(req.Code),
		RedirectURI: strings.TrimSpace(req.RedirectURI),
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, buildStorePayload(summary))
}

func (h *StoreHandlers) linkStorefront(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.stores == nil {
		serviceUnavailable(ctx, w, "store")
		return
	}
	tenantID, ok := requireTenant(w, r)
	if !ok {
		return
	}

	var req linkStorefrontRequest
	if herr := httpx.DecodeJSON(w, r, &req, maxStoreRequestBody); herr != nil {
		httpx.WriteError(ctx, w, *herr)
		return
	}
	if strings.TrimSpace(req.ShopDomain) == "" || strings.TrimSpace(req.AccessToken) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "shopDomain and accessToken are required", http.StatusBadRequest))
		return
	}

	summary, err := h.stores.LinkStorefront(ctx, services.LinkStorefrontCommand{
		TenantID:    tenantID,
		ShopDomain:  strings.TrimSpace(req.ShopDomain),
		AccessToken: strings.TrimSpace(req.AccessToken),
		LocationID:  strings.TrimSpace(req.LocationID),
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, buildStorePayload(summary))
}

func (h *StoreHandlers) unlink(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.stores == nil {
		serviceUnavailable(ctx, w, "store")
		return
	}
	tenantID, ok := requireTenant(w, r)
	if !ok {
		return
	}

	accountID := strings.TrimSpace(chi.URLParam(r, "accountID"))
	if accountID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "account id is required", http.StatusBadRequest))
		return
	}
	if err := h.stores.Unlink(ctx, tenantID, accountID); err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *StoreHandlers) listQuestions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.stores == nil {
		serviceUnavailable(ctx, w, "store")
		return
	}
	tenantID, ok := requireTenant(w, r)
	if !ok {
		return
	}

	groups, err := h.stores.ListQuestions(ctx, tenantID)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	resp := questionsResponse{Accounts: make([]accountQuestionsPayload, 0, len(groups))}
	for _, group := range groups {
		payload := accountQuestionsPayload{
			AccountID: group.AccountID,
			SellerID:  group.SellerID,
			Questions: make([]questionPayload, 0, len(group.Questions)),
			Error:     group.Error,
		}
		for _, q := range group.Questions {
			payload.Questions = append(payload.Questions, buildQuestionPayload(q))
		}
		resp.Accounts = append(resp.Accounts, payload)
	}
	httpx.WriteJSON(w, http.StatusOK, resp)
}

func buildStorePayload(summary domain.StoreSummary) storePayload {
	return storePayload{
		AccountID:         summary.AccountID,
		Channel:           string(summary.Channel),
		ExternalAccountID: summary.ExternalAccountID,
		Name:              summary.Name,
		Blocked:           summary.Blocked,
		Status:            string(summary.Status),
		WebhookKey:        summary.WebhookKey,
	}
}

func buildQuestionPayload(q domain.Question) questionPayload {
	return questionPayload{
		ID:        q.ID,
		ListingID: q.ListingID,
		Text:      q.Text,
		Status:    q.Status,
		CreatedAt: q.CreatedAt,
	}
}
