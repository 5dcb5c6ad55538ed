package handlers

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/stocksync/api/internal/platform/httpx"
	"github.com/stocksync/api/internal/platform/jobs"
)

// DeliveryDispatcher processes one queue delivery. A non-nil error requests redelivery.
type DeliveryDispatcher interface {
	Dispatch(ctx context.Context, delivery jobs.Delivery) error
}

// PubSubPushHandlers receives Pub/Sub push deliveries on the internal surface.
type PubSubPushHandlers struct {
	dispatcher DeliveryDispatcher
}

// NewPubSubPushHandlers constructs the push handler set.
func NewPubSubPushHandlers(dispatcher DeliveryDispatcher) *PubSubPushHandlers {
	return &PubSubPushHandlers{dispatcher: dispatcher}
}

// Routes registers the push endpoints relative to /internal.
func (h *PubSubPushHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/pubsub/marketplace-notifications", h.marketplaceNotifications)
}

type pushMessage struct {
	Data        []byte            `json:"data"`
	MessageID   string            `json:"messageId"`
	Attributes  map[string]string `json:"attributes"`
	PublishTime string            `json:"publishTime"`
}

type pushEnvelope struct {
	Message         pushMessage `json:"message"`
	Subscription    string      `json:"subscription"`
	DeliveryAttempt int         `json:"deliveryAttempt"`
}

// marketplaceNotifications acks with 204 unless the dispatcher asks for redelivery. A malformed
// envelope is acked too; redelivering it would fail the same way.
func (h *PubSubPushHandlers) marketplaceNotifications(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.dispatcher == nil {
		serviceUnavailable(ctx, w, "dispatcher")
		return
	}

	var envelope pushEnvelope
	if herr := decodeWebhookBody(w, r, &envelope); herr != nil {
		if herr.Status == http.StatusRequestEntityTooLarge {
			httpx.WriteError(ctx, w, *herr)
			return
		}
		w.WriteHeader(http.StatusNoContent)
		return
	}

	err := h.dispatcher.Dispatch(ctx, jobs.Delivery{
		ID:         envelope.Message.MessageID,
		Attempt:    envelope.DeliveryAttempt,
		Data:       envelope.Message.Data,
		Attributes: envelope.Message.Attributes,
	})
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("retry_later", "delivery could not be processed", http.StatusInternalServerError))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
