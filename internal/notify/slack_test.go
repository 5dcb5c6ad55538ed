package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestSlackSinkPostsText(t *testing.T) {
	t.Parallel()

	var got map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	sink := NewSlackSink(srv.URL, WithHTTPClient(srv.Client()))
	if err := sink.Send(context.Background(), "hello"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if got["text"] != "hello" {
		t.Fatalf("expected text hello, got %#v", got)
	}
}

func TestSlackSinkLogsRejection(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	var events []string
	sink := NewSlackSink(srv.URL, WithHTTPClient(srv.Client()), WithLogger(func(_ context.Context, event string, _ map[string]any) {
		events = append(events, event)
	}))
	if err := sink.Send(context.Background(), "hello"); err == nil {
		t.Fatalf("expected error for 403")
	}
	if len(events) != 1 || events[0] != "notify.slack.rejected" {
		t.Fatalf("unexpected events %v", events)
	}
}

func TestEmptyURLDropsMessages(t *testing.T) {
	t.Parallel()

	if err := NewSlackSink("").Send(context.Background(), "x"); err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
}

func TestCodeBlock(t *testing.T) {
	t.Parallel()

	block := CodeBlock(map[string]int{"a": 1})
	if !strings.HasPrefix(block, "```json\n") || !strings.HasSuffix(block, "\n```") {
		t.Fatalf("unexpected block %q", block)
	}
}
