// Package localtext implements the local/sidecar text provider: a bespoke
// REST API (an Ollama-compatible /api/generate endpoint in production) with
// no official Go SDK, reached with a plain *http.Client. Concurrency to this
// provider is bounded by a weighted semaphore since it typically runs on
// constrained hardware next to the router.
package localtext

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/nulpointcorp/inference-router/internal/httptransport"
)

const providerName = "ollama"

type generateRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	Stream bool   `json:"stream"`
}

type generateResponse struct {
	Response string `json:"response"`
}

// Provider is the local-text provider client.
type Provider struct {
	baseURL string
	model   string
	client  *http.Client
	sem     *semaphore.Weighted
}

// New creates a new local-text Provider. maxConcurrency bounds in-flight
// calls to this provider within the process.
func New(baseURL, model string, maxConcurrency int, client *http.Client) *Provider {
	if maxConcurrency < 1 {
		maxConcurrency = 1
	}
	if client == nil {
		client = &http.Client{Timeout: 35 * time.Second, Transport: httptransport.New()}
	}
	return &Provider{
		baseURL: strings.TrimRight(baseURL, "/"),
		model:   model,
		client:  client,
		sem:     semaphore.NewWeighted(int64(maxConcurrency)),
	}
}

func (p *Provider) Name() string { return providerName }

func (p *Provider) Call(ctx context.Context, prompt string) (string, error) {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return "", fmt.Errorf("ollama: %w", err)
	}
	defer p.sem.Release(1)

	body, err := json.Marshal(generateRequest{Model: p.model, Prompt: prompt, Stream: false})
	if err != nil {
		return "", fmt.Errorf("ollama: marshal request: %w", err)
	}

	url := p.baseURL + "/api/generate"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("ollama: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("ollama: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", p.parseError(resp)
	}

	var gr generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&gr); err != nil {
		return "", fmt.Errorf("ollama: decode response: %w", err)
	}
	return gr.Response, nil
}

// ProviderError is a structured error returned by the local-text API.
type ProviderError struct {
	StatusCode int
	Message    string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("ollama: %s (status=%d)", e.Message, e.StatusCode)
}

// HTTPStatus implements providers.StatusCoder.
func (e *ProviderError) HTTPStatus() int { return e.StatusCode }

func (p *Provider) parseError(resp *http.Response) error {
	body, _ := io.ReadAll(resp.Body)
	msg := strings.TrimSpace(string(body))
	if msg == "" {
		msg = fmt.Sprintf("unexpected status %d", resp.StatusCode)
	}
	return &ProviderError{StatusCode: resp.StatusCode, Message: msg}
}
