package httpx

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/stocksync/api/internal/platform/requestctx"
)

const (
	maxCodeLen    = 80
	maxMessageLen = 512
	maxIDLen      = 80
)

// Error is the JSON error envelope shared by every endpoint. Details are merged into the top
// level of the body, so keys must not collide with the envelope fields.
type Error struct {
	Code    string
	Message string
	Status  int
	Details map[string]any
}

// NewError builds an Error. A zero status becomes 500.
func NewError(code, message string, status int) Error {
	if status == 0 {
		status = http.StatusInternalServerError
	}
	return Error{
		Code:    clean(code, maxCodeLen),
		Message: clean(message, maxMessageLen),
		Status:  status,
	}
}

func (e Error) Error() string {
	return e.Code + ": " + e.Message
}

// WithDetails returns a copy of e carrying extra body fields.
func (e Error) WithDetails(details map[string]any) Error {
	if len(details) == 0 {
		return e
	}
	merged := make(map[string]any, len(e.Details)+len(details))
	for k, v := range e.Details {
		merged[k] = v
	}
	for k, v := range details {
		merged[k] = v
	}
	e.Details = merged
	return e
}

type envelope struct {
	Error      string `json:"error"`
	Message    string `json:"message"`
	Status     int    `json:"status"`
	RequestID  string `json:"request_id,omitempty"`
	TraceID    string `json:"trace_id,omitempty"`
	DeliveryID string `json:"delivery_id,omitempty"`
}

// WriteError writes err with the request, trace and delivery ids found on ctx.
func WriteError(ctx context.Context, w http.ResponseWriter, err Error) {
	if err.Status == 0 {
		err.Status = http.StatusInternalServerError
	}
	body := envelope{
		Error:     err.Code,
		Message:   err.Message,
		Status:    err.Status,
		RequestID: clean(middleware.GetReqID(ctx), maxIDLen),
		TraceID:   clean(requestctx.TraceID(ctx), maxIDLen),
	}
	if delivery, ok := requestctx.Delivery(ctx); ok {
		body.DeliveryID = clean(delivery.ID, maxIDLen)
	}

	if len(err.Details) == 0 {
		WriteJSON(w, err.Status, body)
		return
	}
	raw, marshalErr := json.Marshal(body)
	if marshalErr != nil {
		WriteJSON(w, err.Status, body)
		return
	}
	merged := make(map[string]any, len(err.Details)+6)
	for k, v := range err.Details {
		merged[k] = v
	}
	_ = json.Unmarshal(raw, &merged)
	WriteJSON(w, err.Status, merged)
}

func clean(value string, limit int) string {
	value = strings.TrimSpace(strings.NewReplacer("\r", " ", "\n", " ").Replace(value))
	if len(value) > limit {
		value = value[:limit]
	}
	return value
}
