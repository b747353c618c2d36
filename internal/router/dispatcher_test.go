package router

import (
	"context"
	"errors"
	"log/slog"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nulpointcorp/inference-router/internal/admission"
	"github.com/nulpointcorp/inference-router/internal/breaker"
	"github.com/nulpointcorp/inference-router/internal/store"
)

// fakeStore is a minimal store.Store used to drive the dispatcher under
// test without Redis, miniredis, or the MemoryStore.
type fakeStore struct {
	mu sync.Mutex

	cached map[string]store.Result
	locks  map[string]string

	premiumAllowed bool

	pingOK bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		cached:         make(map[string]store.Result),
		locks:          make(map[string]string),
		premiumAllowed: true,
		pingOK:         true,
	}
}

func (s *fakeStore) Ping(ctx context.Context) bool { return s.pingOK }

func (s *fakeStore) GetCached(ctx context.Context, signature string) (*store.Result, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.cached[signature]
	if !ok {
		return nil, false
	}
	return &r, true
}

func (s *fakeStore) SetCached(ctx context.Context, signature string, result store.Result) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cached[signature] = result
	return nil
}

func (s *fakeStore) TryAcquireDedupeLock(ctx context.Context, signature, ownerID string, lockTTL time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, taken := s.locks[signature]; taken {
		return false
	}
	s.locks[signature] = ownerID
	return true
}

func (s *fakeStore) GetDedupeLock(ctx context.Context, signature string) (*store.DedupeLock, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	owner, ok := s.locks[signature]
	if !ok {
		return nil, false
	}
	return &store.DedupeLock{Owner: owner, StartedMS: time.Now().UnixMilli()}, true
}

func (s *fakeStore) ReleaseDedupeLock(ctx context.Context, signature, ownerID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.locks[signature] == ownerID {
		delete(s.locks, signature)
	}
}

func (s *fakeStore) SetDedupeResult(ctx context.Context, signature string, result store.Result, ttl time.Duration) {
}

func (s *fakeStore) WaitForDedupeResult(ctx context.Context, signature string, timeout time.Duration) (*store.Result, bool) {
	return nil, false
}

func (s *fakeStore) RecordTotalRequest(ctx context.Context, requestID string) {}

func (s *fakeStore) TryReservePremiumRequest(ctx context.Context, requestID string) store.QuotaDecision {
	if !s.premiumAllowed {
		return store.QuotaDecision{Allowed: false}
	}
	return store.QuotaDecision{Allowed: true, ReservationMember: requestID}
}

func (s *fakeStore) ReleasePremiumReservation(ctx context.Context, member string) {}

func (s *fakeStore) Close() error { return nil }

// fakeTextProvider is a scriptable providers.TextProvider.
type fakeTextProvider struct {
	name   string
	output string
	err    error
	calls  int
}

func (p *fakeTextProvider) Name() string { return p.name }

func (p *fakeTextProvider) Call(ctx context.Context, prompt string) (string, error) {
	p.calls++
	if p.err != nil {
		return "", p.err
	}
	return p.output, nil
}

type statusCodedError struct {
	status int
}

func (e *statusCodedError) Error() string  { return "provider error" }
func (e *statusCodedError) HTTPStatus() int { return e.status }

// fakeMediaProvider is a scriptable providers.MediaProvider.
type fakeMediaProvider struct {
	name   string
	output any
	err    error
}

func (p *fakeMediaProvider) Name() string { return p.name }

func (p *fakeMediaProvider) Call(ctx context.Context, prompt, mediaURL string, metadata map[string]any) (any, error) {
	if p.err != nil {
		return nil, p.err
	}
	return p.output, nil
}

func testDispatcher(t *testing.T, st store.Store) *Dispatcher {
	t.Helper()
	return &Dispatcher{
		FastText:    &fakeTextProvider{name: "groq", output: "fast answer"},
		LocalText:   &fakeTextProvider{name: "ollama", output: "local answer"},
		PremiumText: &fakeTextProvider{name: "claude", output: "premium answer"},
		Media:       &fakeMediaProvider{name: "kie", output: map[string]any{"status": "ok"}},
		Store:       st,
		Breaker:     breaker.New(breaker.Config{Threshold429: 3, OpenDuration: time.Minute}),
		MemoryGate:  admission.NewMemoryGate(0),
		GlobalTimeout: 2 * time.Second,
		Log:           slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

func TestDispatch_CacheHit(t *testing.T) {
	st := newFakeStore()
	d := testDispatcher(t, st)

	first, err := d.Dispatch(context.Background(), InferRequest{Product: "noid", Prompt: "hello there"}, "req-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if first.Cached {
		t.Fatalf("first request should not be reported as cached")
	}

	second, err := d.Dispatch(context.Background(), InferRequest{Product: "noid", Prompt: "hello there"}, "req-2")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !second.Cached {
		t.Fatalf("second identical request should be served from cache")
	}
	if second.Provider != first.Provider {
		t.Fatalf("cached response provider mismatch: %q vs %q", second.Provider, first.Provider)
	}
}

func TestDispatch_FastTextPath(t *testing.T) {
	d := testDispatcher(t, newFakeStore())
	resp, err := d.Dispatch(context.Background(), InferRequest{Product: "noid", Prompt: "write a haiku"}, "req-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Provider != "groq" {
		t.Fatalf("expected groq, got %q", resp.Provider)
	}
	if resp.PremiumEscalated {
		t.Fatalf("did not expect premium escalation")
	}
}

func TestDispatch_MediaRoute_RequiresMediaURL(t *testing.T) {
	d := testDispatcher(t, newFakeStore())
	_, err := d.Dispatch(context.Background(), InferRequest{Product: "noid", Prompt: "transcribe this audio"}, "req-1")
	var mediaErr *ErrMediaURLRequired
	if !errors.As(err, &mediaErr) {
		t.Fatalf("expected *ErrMediaURLRequired, got %T: %v", err, err)
	}
}

func TestDispatch_MediaRoute_Success(t *testing.T) {
	d := testDispatcher(t, newFakeStore())
	resp, err := d.Dispatch(context.Background(), InferRequest{
		Product: "noid", Prompt: "transcribe this audio", MediaURL: "https://example.com/a.wav",
	}, "req-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Provider != "kie" {
		t.Fatalf("expected kie, got %q", resp.Provider)
	}
}

func TestDispatch_EscalationKeyword_TriesPremiumFirst(t *testing.T) {
	d := testDispatcher(t, newFakeStore())
	resp, err := d.Dispatch(context.Background(), InferRequest{
		Product: "noid", Prompt: "we have a legal compliance question",
	}, "req-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Provider != "claude" {
		t.Fatalf("expected claude, got %q", resp.Provider)
	}
	if !resp.PremiumEscalated {
		t.Fatalf("expected premium_escalated=true")
	}
}

func TestDispatch_BreakerOpen_ReturnsServiceUnavailable(t *testing.T) {
	st := newFakeStore()
	d := testDispatcher(t, st)
	d.Breaker.RecordRateLimited()
	d.Breaker.RecordRateLimited()
	d.Breaker.RecordRateLimited()

	_, err := d.Dispatch(context.Background(), InferRequest{Product: "noid", Prompt: "simple question"}, "req-1")
	var breakerErr *ErrBreakerOpen
	if !errors.As(err, &breakerErr) {
		t.Fatalf("expected *ErrBreakerOpen, got %T: %v", err, err)
	}
	if breakerErr.RetryAfterSeconds < 1 {
		t.Fatalf("expected RetryAfterSeconds >= 1, got %d", breakerErr.RetryAfterSeconds)
	}
}

func TestDispatch_FastTextFails_FallsBackToLocalText(t *testing.T) {
	st := newFakeStore()
	d := testDispatcher(t, st)
	d.FastText = &fakeTextProvider{name: "groq", err: &statusCodedError{status: 500}}

	resp, err := d.Dispatch(context.Background(), InferRequest{Product: "noid", Prompt: "simple question"}, "req-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Provider != "ollama" {
		t.Fatalf("expected fallback to ollama, got %q", resp.Provider)
	}
}

func TestDispatch_AllProvidersFail(t *testing.T) {
	st := newFakeStore()
	st.premiumAllowed = false
	d := testDispatcher(t, st)
	d.FastText = &fakeTextProvider{name: "groq", err: &statusCodedError{status: 500}}
	d.LocalText = &fakeTextProvider{name: "ollama", err: errors.New("connection refused")}

	_, err := d.Dispatch(context.Background(), InferRequest{Product: "noid", Prompt: "simple question"}, "req-1")
	var allFailed *ErrAllProvidersFailed
	if !errors.As(err, &allFailed) {
		t.Fatalf("expected *ErrAllProvidersFailed, got %T: %v", err, err)
	}
}

func TestDispatch_FastTextRateLimited_OpensBreakerAfterThreshold(t *testing.T) {
	st := newFakeStore()
	d := testDispatcher(t, st)
	d.FastText = &fakeTextProvider{name: "groq", err: &statusCodedError{status: 429}}

	// Each distinct prompt avoids the exact-match cache/dedupe path so every
	// call actually reaches the fast-text provider.
	prompts := []string{"question one", "question two", "question three"}
	var lastErr error
	for i, p := range prompts {
		_, lastErr = d.Dispatch(context.Background(), InferRequest{Product: "noid", Prompt: p}, "req-"+p)
		if i < 2 && lastErr != nil {
			// Falls through to local text before the breaker trips.
			t.Fatalf("unexpected error on attempt %d: %v", i, lastErr)
		}
	}

	var breakerErr *ErrBreakerOpen
	if !errors.As(lastErr, &breakerErr) {
		t.Fatalf("expected breaker to trip by the third consecutive 429, got %T: %v", lastErr, lastErr)
	}
}

func TestDispatch_MaxPromptChars_BoundaryAllowed(t *testing.T) {
	d := testDispatcher(t, newFakeStore())
	d.MaxPromptChars = 20
	prompt := strings.Repeat("a", 20)
	_, err := d.Dispatch(context.Background(), InferRequest{Product: "noid", Prompt: prompt}, "req-1")
	if err != nil {
		t.Fatalf("prompt exactly at MaxPromptChars should be accepted, got error: %v", err)
	}
}

func TestDispatch_MaxPromptChars_ExceededRejected(t *testing.T) {
	d := testDispatcher(t, newFakeStore())
	d.MaxPromptChars = 20
	prompt := strings.Repeat("a", 21)
	_, err := d.Dispatch(context.Background(), InferRequest{Product: "noid", Prompt: prompt}, "req-1")
	var tooLarge *ErrPromptTooLarge
	if !errors.As(err, &tooLarge) {
		t.Fatalf("expected *ErrPromptTooLarge, got %T: %v", err, err)
	}
}

func TestDispatch_TooLargePrompt_Rejected(t *testing.T) {
	d := testDispatcher(t, newFakeStore())
	huge := make([]byte, 10000)
	for i := range huge {
		huge[i] = 'a'
	}
	_, err := d.Dispatch(context.Background(), InferRequest{Product: "noid", Prompt: string(huge)}, "req-1")
	var tooLarge *admission.TooLargeError
	if !errors.As(err, &tooLarge) {
		t.Fatalf("expected *admission.TooLargeError, got %T: %v", err, err)
	}
}
