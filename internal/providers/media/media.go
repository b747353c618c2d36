// Package media implements the media-inference provider: a bespoke REST API
// (a Kie-style /v1/media/infer endpoint in production) reached with a plain
// *http.Client, mirroring the no-SDK REST pattern used for the local-text
// provider.
package media

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/nulpointcorp/inference-router/internal/httptransport"
	"github.com/nulpointcorp/inference-router/internal/providers"
)

const providerName = "kie"

type inferRequest struct {
	Prompt   string         `json:"prompt"`
	MediaURL string         `json:"media_url"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Provider is the media-inference provider client.
type Provider struct {
	apiKey  string
	baseURL string
	client  *http.Client
}

// New creates a new media Provider.
func New(apiKey, baseURL string, client *http.Client) *Provider {
	if client == nil {
		client = &http.Client{Timeout: providers.ProviderTimeout, Transport: httptransport.New()}
	}
	return &Provider{
		apiKey:  apiKey,
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  client,
	}
}

func (p *Provider) Name() string { return providerName }

// Call posts prompt, mediaURL and metadata and returns the decoded JSON
// response body. When the response carries a top-level "output" field, that
// field's value is returned instead of the whole envelope — mirroring the
// original service, which unwraps "output" when present and falls back to
// the raw payload otherwise.
func (p *Provider) Call(ctx context.Context, prompt, mediaURL string, metadata map[string]any) (any, error) {
	body, err := json.Marshal(inferRequest{Prompt: prompt, MediaURL: mediaURL, Metadata: metadata})
	if err != nil {
		return nil, fmt.Errorf("kie: marshal request: %w", err)
	}

	url := p.baseURL + "/v1/media/infer"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("kie: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("kie: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, p.parseError(resp)
	}

	var decoded map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("kie: decode response: %w", err)
	}
	if output, ok := decoded["output"]; ok {
		return output, nil
	}
	return decoded, nil
}

// ProviderError is a structured error returned by the media API.
type ProviderError struct {
	StatusCode int
	Message    string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("kie: %s (status=%d)", e.Message, e.StatusCode)
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
