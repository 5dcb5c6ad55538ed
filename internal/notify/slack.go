// Package notify delivers operational summaries to a chat channel.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Sink receives operational summaries. Implementations are best-effort.
type Sink interface {
	Send(ctx context.Context, text string) error
}

// Logger matches the service-level logging hook.
type Logger func(ctx context.Context, event string, fields map[string]any)

// SlackSink posts messages to a Slack incoming webhook.
type SlackSink struct {
	url    string
	client *http.Client
	logger Logger
}

// SlackOption customises the sink.
type SlackOption func(*SlackSink)

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(client *http.Client) SlackOption {
	return func(s *SlackSink) {
		if client != nil {
			s.client = client
		}
	}
}

// WithLogger sets the logger used to report delivery failures.
func WithLogger(logger Logger) SlackOption {
	return func(s *SlackSink) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewSlackSink returns a sink posting to webhookURL. An empty URL yields a sink that drops messages.
func NewSlackSink(webhookURL string, opts ...SlackOption) *SlackSink {
	sink := &SlackSink{
		url:    strings.TrimSpace(webhookURL),
		client: &http.Client{Timeout: 10 * time.Second},
		logger: func(context.Context, string, map[string]any) {},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(sink)
		}
	}
	return sink
}

// Send posts text. Failures are logged and returned, never panicking the caller.
func (s *SlackSink) Send(ctx context.Context, text string) error {
	if s == nil || s.url == "" {
		return nil
	}
	payload, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		return fmt.Errorf("notify: encode: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("notify: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		s.logger(ctx, "notify.slack.failed", map[string]any{"error": err.Error()})
		return fmt.Errorf("notify: send: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		s.logger(ctx, "notify.slack.rejected", map[string]any{"status": resp.StatusCode})
		return fmt.Errorf("notify: slack responded %d", resp.StatusCode)
	}
	return nil
}

// CodeBlock wraps a JSON-encodable payload in a fenced block for chat rendering.
func CodeBlock(payload any) string {
	encoded, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return fmt.Sprintf("%v", payload)
	}
	return "```json\n" + string(encoded) + "\n```"
}
