// Package fasttext implements the hosted fast-text provider: an
// OpenAI-compatible chat-completions API (Groq in production), used as the
// default text route for non-escalated requests.
package fasttext

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/nulpointcorp/inference-router/internal/httptransport"
	"github.com/nulpointcorp/inference-router/internal/providers"
	openaiSDK "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
)

const providerName = "groq"

// Provider is the fast-text provider client.
type Provider struct {
	model  string
	client openaiSDK.Client
}

// New creates a new fast-text Provider.
//
//   - apiKey  — sent as "Authorization: Bearer <key>".
//   - model   — the chat-completions model name.
//   - baseURL — API base URL, e.g. "https://api.groq.com/openai/v1".
//   - timeout — per-call HTTP client timeout.
func New(apiKey, model, baseURL string, timeout time.Duration) *Provider {
	if timeout <= 0 {
		timeout = providers.ProviderTimeout
	}
	opts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithHTTPClient(&http.Client{Timeout: timeout, Transport: httptransport.New()}),
	}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &Provider{
		model:  model,
		client: openaiSDK.NewClient(opts...),
	}
}

func (p *Provider) Name() string { return providerName }

func (p *Provider) Call(ctx context.Context, prompt string) (string, error) {
	params := openaiSDK.ChatCompletionNewParams{
		Model: p.model,
		Messages: []openaiSDK.ChatCompletionMessageParamUnion{
			openaiSDK.UserMessage(prompt),
		},
		Temperature: openaiSDK.Float(0.2),
	}

	resp, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return "", toProviderError(err)
	}

	if len(resp.Choices) == 0 {
		return "", nil
	}
	return resp.Choices[0].Message.Content, nil
}

// ProviderError is a structured error returned by the fast-text API.
type ProviderError struct {
	StatusCode int
	Message    string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("groq: %s (status=%d)", e.Message, e.StatusCode)
}

// HTTPStatus implements providers.StatusCoder.
func (e *ProviderError) HTTPStatus() int { return e.StatusCode }

func toProviderError(err error) error {
	var apierr *openaiSDK.Error
	if errors.As(err, &apierr) {
		return &ProviderError{
			StatusCode: apierr.StatusCode,
			Message:    apierr.Error(),
		}
	}
	return err
}
