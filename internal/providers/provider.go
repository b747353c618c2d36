// Package providers defines the capability contracts the dispatcher uses to
// call upstream models, independent of how each one is actually reached
// (official SDK, OpenAI-compatible REST, or a bespoke REST API).
package providers

import (
	"context"
	"time"
)

// ProviderTimeout is the default per-call HTTP client timeout applied to
// provider clients that don't have a more specific configured timeout.
const ProviderTimeout = 30 * time.Second

// TextProvider is a single-shot prompt-completion call. All four upstream
// roles implement it except the media provider, which additionally needs a
// media URL and free-form metadata.
type TextProvider interface {
	// Name identifies the provider in logs, metrics, and the response envelope.
	Name() string
	// Call sends prompt and returns the completion text.
	Call(ctx context.Context, prompt string) (string, error)
}

// MediaProvider performs media-inference calls (image/video/audio prompts
// paired with a media URL).
type MediaProvider interface {
	Name() string
	// Call sends prompt, mediaURL and metadata and returns an opaque output
	// value — the media API's response shape is provider-specific and is not
	// normalized beyond "valid JSON".
	Call(ctx context.Context, prompt, mediaURL string, metadata map[string]any) (any, error)
}

// StatusCoder is implemented by provider errors that carry an upstream HTTP
// status code, letting the dispatcher distinguish 429 (rate limited) from
// other failures without depending on any one provider's error type.
type StatusCoder interface {
	HTTPStatus() int
}
