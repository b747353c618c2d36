package media

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestProvider_Name(t *testing.T) {
	p := New("key", "http://localhost:19004", nil)
	if p.Name() != "kie" {
		t.Fatalf("expected 'kie', got %q", p.Name())
	}
}

func TestProvider_Call_UnwrapsOutputField(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		if r.URL.Path != "/v1/media/infer" {
			t.Errorf("expected path /v1/media/infer, got %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer mock-api-key" {
			t.Errorf("missing or wrong Authorization header: %s", r.Header.Get("Authorization"))
		}

		var body inferRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatalf("failed to decode request body: %v", err)
		}
		if body.MediaURL != "https://example.com/clip.mp4" {
			t.Errorf("expected media_url to roundtrip, got %q", body.MediaURL)
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":     "media-1",
			"output": map[string]any{"status": "completed", "url": "https://example.com/out.mp4"},
		})
	}))
	defer srv.Close()

	p := New("mock-api-key", srv.URL, nil)
	out, err := p.Call(context.Background(), "describe this", "https://example.com/clip.mp4", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	m, ok := out.(map[string]any)
	if !ok {
		t.Fatalf("expected map output, got %T: %#v", out, out)
	}
	if m["status"] != "completed" {
		t.Fatalf("expected unwrapped output field, got %#v", out)
	}
}

func TestProvider_Call_RawResponseWhenNoOutputField(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"status": "queued"})
	}))
	defer srv.Close()

	p := New("mock-api-key", srv.URL, nil)
	out, err := p.Call(context.Background(), "prompt", "https://example.com/x.jpg", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	m, ok := out.(map[string]any)
	if !ok {
		t.Fatalf("expected map output, got %T: %#v", out, out)
	}
	if m["status"] != "queued" {
		t.Fatalf("expected raw response passthrough, got %#v", out)
	}
}

func TestProvider_Call_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("upstream unavailable"))
	}))
	defer srv.Close()

	p := New("mock-api-key", srv.URL, nil)
	_, err := p.Call(context.Background(), "prompt", "https://example.com/x.jpg", nil)
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	pe, ok := err.(*ProviderError)
	if !ok {
		t.Fatalf("expected *ProviderError, got %T: %v", err, err)
	}
	if pe.StatusCode != http.StatusBadGateway {
		t.Errorf("expected status 502, got %d", pe.StatusCode)
	}
	if pe.HTTPStatus() != http.StatusBadGateway {
		t.Errorf("HTTPStatus() should return 502, got %d", pe.HTTPStatus())
	}
}
