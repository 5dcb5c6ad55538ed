package httpx

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// DefaultMaxBodyBytes caps JSON request bodies.
const DefaultMaxBodyBytes = 64 << 10

// WriteJSON encodes payload with the given status.
func WriteJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}

// DecodeJSON strictly decodes a single JSON object from the request body into dst. The returned
// Error is ready to be written.
func DecodeJSON(w http.ResponseWriter, r *http.Request, dst any, limit int64) *Error {
	if limit <= 0 {
		limit = DefaultMaxBodyBytes
	}
	if ct := r.Header.Get("Content-Type"); ct != "" && !strings.HasPrefix(strings.ToLower(ct), "application/json") {
		e := NewError("unsupported_media_type", "content type must be application/json", http.StatusUnsupportedMediaType)
		return &e
	}

	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, limit))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		switch {
		case errors.As(err, &tooLarge):
			e := NewError("payload_too_large", "request body too large", http.StatusRequestEntityTooLarge)
			return &e
		case errors.Is(err, io.EOF):
			e := NewError("invalid_request", "request body is required", http.StatusBadRequest)
			return &e
		default:
			e := NewError("invalid_request", fmt.Sprintf("invalid JSON body: %v", err), http.StatusBadRequest)
			return &e
		}
	}
	if decoder.More() {
		e := NewError("invalid_request", "request body must contain a single JSON object", http.StatusBadRequest)
		return &e
	}
	return nil
}
