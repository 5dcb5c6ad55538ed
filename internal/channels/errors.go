// Package channels holds the pieces shared by the marketplace and storefront API clients.
package channels

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
)

// maxErrorBody bounds how much of an error response is retained.
const maxErrorBody = 64 * 1024

// ErrUnauthorized is wrapped by RemoteError values carrying a 401 status.
var ErrUnauthorized = errors.New("channels: unauthorized")

// RemoteError captures a non-2xx response from a channel API. Body is kept verbatim so callers
// can surface the remote payload without reinterpreting it.
type RemoteError struct {
	Op     string
	Status int
	Body   json.RawMessage
}

func (e *RemoteError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: remote status %d: %s", e.Op, e.Status, string(e.Body))
}

// Unwrap exposes ErrUnauthorized for 401 responses.
func (e *RemoteError) Unwrap() error {
	if e != nil && e.Status == http.StatusUnauthorized {
		return ErrUnauthorized
	}
	return nil
}

// NewRemoteError reads the response body into a RemoteError. Non-JSON bodies are encoded as a JSON string.
func NewRemoteError(op string, resp *http.Response) *RemoteError {
	remote := &RemoteError{Op: op}
	if resp == nil {
		remote.Body = json.RawMessage(`null`)
		return remote
	}
	remote.Status = resp.StatusCode
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	remote.Body = RawPayload(raw)
	return remote
}

// RawPayload returns raw as JSON, quoting it when it is not already valid JSON.
func RawPayload(raw []byte) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage(`null`)
	}
	if json.Valid(raw) {
		return json.RawMessage(append([]byte(nil), raw...))
	}
	quoted, _ := json.Marshal(string(raw))
	return quoted
}

// Payload extracts the remote body from err, or wraps the error text for transport failures.
func Payload(err error) json.RawMessage {
	if err == nil {
		return nil
	}
	var remote *RemoteError
	if errors.As(err, &remote) {
		return remote.Body
	}
	encoded, _ := json.Marshal(map[string]string{"error": err.Error()})
	return encoded
}

// IsUnauthorized reports whether err is a 401 from a channel.
func IsUnauthorized(err error) bool {
	return errors.Is(err, ErrUnauthorized)
}

// IsNotFound reports whether err is a 404 from a channel.
func IsNotFound(err error) bool {
	var remote *RemoteError
	return errors.As(err, &remote) && remote.Status == http.StatusNotFound
}
