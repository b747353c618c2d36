package premiumtext

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func newTestProvider(srv *httptest.Server) *Provider {
	return New("mock-api-key", "claude-3-5-sonnet", WithBaseURL(srv.URL))
}

func isMessagesPath(p string) bool {
	return p == "/messages" || p == "/v1/messages"
}

func respondMessageJSON(w http.ResponseWriter, id, model, text string, inTok, outTok int) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"id": id, "type": "message", "role": "assistant", "model": model,
		"content":       []map[string]any{{"type": "text", "text": text}},
		"stop_reason":   "end_turn",
		"stop_sequence": nil,
		"usage":         map[string]any{"input_tokens": inTok, "output_tokens": outTok},
	})
}

func respondErrorJSON(w http.ResponseWriter, status int, errType, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"type":  "error",
		"error": map[string]any{"type": errType, "message": msg},
	})
}

func TestProvider_Name(t *testing.T) {
	p := New("key", "model")
	if p.Name() != "claude" {
		t.Fatalf("expected 'claude', got %q", p.Name())
	}
}

func TestProvider_Call_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || !isMessagesPath(r.URL.Path) {
			t.Fatalf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("x-api-key"); got != "mock-api-key" {
			t.Fatalf("missing or wrong x-api-key header: %q", got)
		}

		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatalf("failed to decode request body: %v", err)
		}
		if body["model"] != "claude-3-5-sonnet" {
			t.Fatalf("expected model=claude-3-5-sonnet, got %#v", body["model"])
		}

		respondMessageJSON(w, "msg-123", "claude-3-5-sonnet", "Hello, world!", 10, 5)
	}))
	defer srv.Close()

	p := newTestProvider(srv)
	out, err := p.Call(context.Background(), "hi")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out != "Hello, world!" {
		t.Fatalf("expected 'Hello, world!', got %q", out)
	}
}

func TestProvider_Call_ConcatenatesMultipleTextBlocks(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id": "msg-456", "type": "message", "role": "assistant", "model": "claude-3-5-sonnet",
			"content": []map[string]any{
				{"type": "text", "text": "Hello, "},
				{"type": "text", "text": "world!"},
			},
			"stop_reason": "end_turn",
			"usage":       map[string]any{"input_tokens": 8, "output_tokens": 3},
		})
	}))
	defer srv.Close()

	p := newTestProvider(srv)
	out, err := p.Call(context.Background(), "hi")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out != "Hello, world!" {
		t.Fatalf("expected concatenated text, got %q", out)
	}
}

func TestProvider_Call_RateLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		respondErrorJSON(w, http.StatusTooManyRequests, "rate_limit_error", "Rate limit exceeded")
	}))
	defer srv.Close()

	p := newTestProvider(srv)
	_, err := p.Call(context.Background(), "hi")
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	pe, ok := err.(*ProviderError)
	if !ok {
		t.Fatalf("expected *ProviderError, got %T: %v", err, err)
	}
	if pe.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("expected status 429, got %d", pe.StatusCode)
	}
	if pe.HTTPStatus() != http.StatusTooManyRequests {
		t.Fatalf("HTTPStatus() should return 429, got %d", pe.HTTPStatus())
	}
}

func TestProvider_Call_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		respondErrorJSON(w, http.StatusServiceUnavailable, "overloaded_error", "Anthropic is temporarily overloaded")
	}))
	defer srv.Close()

	p := newTestProvider(srv)
	_, err := p.Call(context.Background(), "hi")
	pe, ok := err.(*ProviderError)
	if !ok {
		t.Fatalf("expected *ProviderError, got %T: %v", err, err)
	}
	if pe.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected status 503, got %d", pe.StatusCode)
	}
}

func TestProvider_ProviderError_ErrorString(t *testing.T) {
	e := &ProviderError{StatusCode: 429, Message: "Rate limit exceeded", Type: "anthropic_error"}
	s := e.Error()
	if s == "" {
		t.Fatal("Error() returned empty string")
	}
}
