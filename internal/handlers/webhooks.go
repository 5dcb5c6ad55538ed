package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/stocksync/api/internal/domain"
	"github.com/stocksync/api/internal/platform/httpx"
	"github.com/stocksync/api/internal/services"
)

const maxWebhookBody = 256 * 1024

// NotificationPublisher hands marketplace notifications to the queue.
type NotificationPublisher interface {
	PublishNotification(ctx context.Context, notification domain.MarketplaceNotification) (string, error)
}

// WebhookHandlers receives channel webhooks.
type WebhookHandlers struct {
	publisher       NotificationPublisher
	reconciler      services.ReconciliationService
	storefrontGuard func(http.Handler) http.Handler
	limiter         *fixedWindowLimiter
	logger          func(ctx context.Context, event string, fields map[string]any)
}

// WebhookOption customises WebhookHandlers.
type WebhookOption func(*WebhookHandlers)

// WithNotificationPublisher sets the queue used by the marketplace notification webhook.
func WithNotificationPublisher(publisher NotificationPublisher) WebhookOption {
	return func(h *WebhookHandlers) {
		h.publisher = publisher
	}
}

// WithReconciliationService sets the controller that processes storefront orders.
func WithReconciliationService(svc services.ReconciliationService) WebhookOption {
	return func(h *WebhookHandlers) {
		h.reconciler = svc
	}
}

// WithStorefrontSignature guards the storefront order route, normally with
// auth.WebhookVerifier.RequireStorefrontSignature.
func WithStorefrontSignature(mw func(http.Handler) http.Handler) WebhookOption {
	return func(h *WebhookHandlers) {
		h.storefrontGuard = mw
	}
}

// WithWebhookRateLimit caps deliveries per client address within window. Zero disables it.
func WithWebhookRateLimit(limit int, window time.Duration) WebhookOption {
	return func(h *WebhookHandlers) {
		h.limiter = newFixedWindowLimiter(limit, window, nil)
	}
}

// WithWebhookLogger sets the event logger.
func WithWebhookLogger(logger func(ctx context.Context, event string, fields map[string]any)) WebhookOption {
	return func(h *WebhookHandlers) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// NewWebhookHandlers constructs the webhook handler set.
func NewWebhookHandlers(opts ...WebhookOption) *WebhookHandlers {
	h := &WebhookHandlers{
		logger: func(context.Context, string, map[string]any) {},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Routes registers the webhook endpoints relative to /webhooks.
func (h *WebhookHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	route := r
	if h.limiter != nil {
		route = r.With(h.limiter.middleware)
	}
	route.Post("/marketplace/notifications", h.marketplaceNotification)

	storefront := route
	if h.storefrontGuard != nil {
		storefront = route.With(h.storefrontGuard)
	}
	storefront.Post("/storefront/orders/{webhookKey}", h.storefrontOrder)
}

type webhookAck struct {
	Status    string `json:"status"`
	MessageID string `json:"messageId,omitempty"`
	RunID     string `json:"runId,omitempty"`
	State     string `json:"state,omitempty"`
}

// marketplaceNotification acknowledges every decodable notification. Only order topics reach the
// queue; a failed publish answers 503 so the marketplace redelivers.
func (h *WebhookHandlers) marketplaceNotification(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.publisher == nil {
		serviceUnavailable(ctx, w, "notification_queue")
		return
	}

	var notification domain.MarketplaceNotification
	if herr := decodeWebhookBody(w, r, &notification); herr != nil {
		httpx.WriteError(ctx, w, *herr)
		return
	}
	if !notification.IsOrderEvent() {
		h.logger(ctx, "webhooks.marketplace_ignored", map[string]any{
			"topic":    notification.Topic,
			"resource": notification.Resource,
		})
		httpx.WriteJSON(w, http.StatusOK, webhookAck{Status: "ignored"})
		return
	}
	notification.Channel = domain.ChannelMarketplace

	messageID, err := h.publisher.PublishNotification(ctx, notification)
	if err != nil {
		h.logger(ctx, "webhooks.marketplace_publish_failed", map[string]any{
			"resource": notification.Resource,
			"userId":   notification.UserID,
			"error":    err.Error(),
		})
		httpx.WriteError(ctx, w, httpx.NewError("queue_unavailable", "notification could not be queued", http.StatusServiceUnavailable))
		return
	}
	httpx.WriteJSON(w, http.StatusOK, webhookAck{Status: "queued", MessageID: messageID})
}

// storefrontOrder runs the order through reconciliation. Only retryable failures answer 5xx, which
// also releases the delivery claim so the storefront's retry is processed.
func (h *WebhookHandlers) storefrontOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.reconciler == nil {
		serviceUnavailable(ctx, w, "reconciliation")
		return
	}
	webhookKey := strings.TrimSpace(chi.URLParam(r, "webhookKey"))
	if webhookKey == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "webhook key is required", http.StatusBadRequest))
		return
	}

	var order domain.StorefrontOrder
	if herr := decodeWebhookBody(w, r, &order); herr != nil {
		httpx.WriteError(ctx, w, *herr)
		return
	}

	report, err := h.reconciler.HandleStorefrontOrder(ctx, webhookKey, order)
	if err != nil {
		if errors.Is(err, services.ErrReconciliationRetryable) {
			httpx.WriteError(ctx, w, httpx.NewError("retry_later", "order could not be processed", http.StatusInternalServerError))
			return
		}
		h.logger(ctx, "webhooks.storefront_order_dropped", map[string]any{
			"webhookKey": webhookKey,
			"orderId":    order.ID,
			"runId":      report.RunID,
			"error":      err.Error(),
		})
	}
	httpx.WriteJSON(w, http.StatusOK, webhookAck{
		Status: "processed",
		RunID:  report.RunID,
		State:  string(report.State),
	})
}

// decodeWebhookBody is lenient about unknown fields since channels add them without notice.
func decodeWebhookBody(w http.ResponseWriter, r *http.Request, dst any) *httpx.Error {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			e := httpx.NewError("payload_too_large", "request body too large", http.StatusRequestEntityTooLarge)
			return &e
		}
		e := httpx.NewError("invalid_request", "request body could not be read", http.StatusBadRequest)
		return &e
	}
	if len(body) == 0 {
		e := httpx.NewError("invalid_request", "request body is required", http.StatusBadRequest)
		return &e
	}
	if err := json.Unmarshal(body, dst); err != nil {
		e := httpx.NewError("invalid_request", "invalid JSON payload", http.StatusBadRequest)
		return &e
	}
	return nil
}
