// Package router implements the inference request pipeline: admission
// gates, the exact-match cache, single-flight coalescing, classification,
// the premium-provider rolling quota, and fixed-order provider fallback.
// It also exposes the HTTP surface (POST /infer, GET /health, GET /metrics)
// built on fasthttp, following the same server/middleware shape as the
// teacher gateway.
package router

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nulpointcorp/inference-router/internal/admission"
	"github.com/nulpointcorp/inference-router/internal/breaker"
	"github.com/nulpointcorp/inference-router/internal/classify"
	"github.com/nulpointcorp/inference-router/internal/logger"
	"github.com/nulpointcorp/inference-router/internal/metrics"
	"github.com/nulpointcorp/inference-router/internal/providers"
	"github.com/nulpointcorp/inference-router/internal/signature"
	"github.com/nulpointcorp/inference-router/internal/store"
)

// dedupeLockTTL and dedupeResultTTL bound how long a coalescing owner's
// lock and published result stay valid, independent of the per-request
// global timeout.
const (
	dedupeLockTTL   = 35 * time.Second
	dedupeResultTTL = 35 * time.Second
)

// InferRequest is the decoded POST /infer body.
type InferRequest struct {
	Product  string
	Prompt   string
	MediaURL string
	Metadata map[string]any
}

// InferResponse is returned to the caller on success.
type InferResponse struct {
	RequestID        string `json:"request_id"`
	Provider         string `json:"provider"`
	Route            string `json:"route"`
	Output           any    `json:"output"`
	Cached           bool   `json:"cached"`
	Deduped          bool   `json:"deduped"`
	PremiumEscalated bool   `json:"premium_escalated"`
}

// ErrMediaURLRequired is returned when the media route is selected but no
// media_url was supplied.
type ErrMediaURLRequired struct{}

func (e *ErrMediaURLRequired) Error() string { return "media_url is required for media route" }

// ErrBreakerOpen is returned for a text request when the fast-text breaker
// is open (or a 429 has just opened it) and no premium escalation served the
// request. The local-text and last-resort premium fallbacks are not tried.
type ErrBreakerOpen struct {
	RetryAfterSeconds int
}

func (e *ErrBreakerOpen) Error() string { return "fast-text cooldown active" }

// ErrAllProvidersFailed is returned when every provider in the fallback
// chain failed.
type ErrAllProvidersFailed struct{}

func (e *ErrAllProvidersFailed) Error() string { return "all providers failed for this request" }

// ErrPromptTooLarge is returned when the raw prompt length exceeds
// MaxPromptChars, before any per-product token ceiling is even considered.
type ErrPromptTooLarge struct {
	Length int
	Max    int
}

func (e *ErrPromptTooLarge) Error() string {
	return fmt.Sprintf("prompt length %d exceeds MAX_PROMPT_CHARS (%d)", e.Length, e.Max)
}

// Dispatcher holds every dependency the /infer pipeline needs.
type Dispatcher struct {
	FastText    providers.TextProvider // "groq"-equivalent
	LocalText   providers.TextProvider // "ollama"-equivalent
	PremiumText providers.TextProvider // "claude"-equivalent
	Media       providers.MediaProvider

	Store      store.Store
	Breaker    *breaker.Breaker
	MemoryGate *admission.MemoryGate

	GlobalTimeout   time.Duration
	FastTextTimeout time.Duration
	DedupeWindow    time.Duration
	CacheTTL        time.Duration
	PremiumCapRatio float64
	MaxPromptChars  int

	Metrics   *metrics.Registry
	ReqLogger *logger.Logger
	Log       *slog.Logger

	redisProbe *redisProbe
}

// StartHealthProbe begins background Redis health polling. Must be called
// once before the first GET /health and stopped with StopHealthProbe on
// shutdown.
func (d *Dispatcher) StartHealthProbe(ctx context.Context) {
	d.redisProbe = newRedisProbe(ctx, d.Store)
}

// StopHealthProbe stops the background Redis health poller. Safe to call
// even if StartHealthProbe was never invoked.
func (d *Dispatcher) StopHealthProbe() {
	if d.redisProbe != nil {
		d.redisProbe.Close()
	}
}

// Dispatch runs the full pipeline for one request and returns either a
// response or a typed error. Typed errors (*admission.RejectedError,
// *admission.TooLargeError, *ErrMediaURLRequired, *ErrBreakerOpen,
// *ErrAllProvidersFailed, or a provider error implementing
// providers.StatusCoder) are mapped to HTTP statuses by the caller.
func (d *Dispatcher) Dispatch(ctx context.Context, req InferRequest, requestID string) (*InferResponse, error) {
	if d.MaxPromptChars > 0 && len(req.Prompt) > d.MaxPromptChars {
		if d.Metrics != nil {
			d.Metrics.RecordAdmissionRejection("prompt_length")
		}
		return nil, &ErrPromptTooLarge{Length: len(req.Prompt), Max: d.MaxPromptChars}
	}

	if err := d.MemoryGate.Enforce(); err != nil {
		if d.Metrics != nil {
			d.Metrics.RecordAdmissionRejection("memory")
		}
		return nil, err
	}

	if err := admission.EnforceTokenCeiling(req.Product, req.Prompt); err != nil {
		if d.Metrics != nil {
			d.Metrics.RecordAdmissionRejection("token_ceiling")
		}
		return nil, err
	}

	d.Store.RecordTotalRequest(ctx, requestID)

	sig, err := signature.Build(signature.Payload{
		Product:  req.Product,
		Prompt:   req.Prompt,
		MediaURL: req.MediaURL,
		Metadata: req.Metadata,
	})
	if err != nil {
		return nil, fmt.Errorf("router: build signature: %w", err)
	}

	if cached, ok := d.Store.GetCached(ctx, sig); ok {
		if d.Metrics != nil {
			d.Metrics.CacheHit()
		}
		return d.toResponse(requestID, *cached, true, false), nil
	}
	if d.Metrics != nil {
		d.Metrics.CacheMiss()
	}

	classification := classify.Classify(classify.Request{
		Prompt:   req.Prompt,
		MediaURL: req.MediaURL,
		Metadata: req.Metadata,
	})
	if d.Metrics != nil {
		d.Metrics.RecordClassification(string(classification.Route), classification.EscalateToPremium)
	}

	lockAcquired := d.Store.TryAcquireDedupeLock(ctx, sig, requestID, dedupeLockTTL)

	if !lockAcquired {
		if lock, ok := d.Store.GetDedupeLock(ctx, sig); ok {
			age := time.Since(time.UnixMilli(lock.StartedMS))
			if age <= d.DedupeWindow {
				if result, ok := d.Store.WaitForDedupeResult(ctx, sig, d.GlobalTimeout); ok {
					if d.Metrics != nil {
						d.Metrics.RecordDedupeOutcome("waited")
					}
					return d.toResponse(requestID, *result, false, true), nil
				}
				if d.Metrics != nil {
					d.Metrics.RecordDedupeOutcome("wait_timeout")
				}
			}
		}
	}

	if lockAcquired {
		defer d.Store.ReleaseDedupeLock(ctx, sig, requestID)
		if d.Metrics != nil {
			d.Metrics.RecordDedupeOutcome("owner")
		}
		result, err := d.execute(ctx, req, classification, requestID)
		if err != nil {
			return nil, err
		}
		_ = d.Store.SetCached(ctx, sig, *result)
		d.Store.SetDedupeResult(ctx, sig, *result, dedupeResultTTL)
		return d.toResponse(requestID, *result, false, false), nil
	}

	result, err := d.execute(ctx, req, classification, requestID)
	if err != nil {
		return nil, err
	}
	_ = d.Store.SetCached(ctx, sig, *result)
	return d.toResponse(requestID, *result, false, false), nil
}

func (d *Dispatcher) toResponse(requestID string, result store.Result, cached, deduped bool) *InferResponse {
	return &InferResponse{
		RequestID:        requestID,
		Provider:         result.Provider,
		Route:            result.Route,
		Output:           result.Output,
		Cached:           cached,
		Deduped:          deduped,
		PremiumEscalated: result.PremiumEscalated,
	}
}

const voiceCalibrationPrefix = "Voice calibration for Synqra: concise, executive, no hype, action-first language. " +
	"Preserve factual certainty and avoid speculative claims.\n\n"

func (d *Dispatcher) execute(ctx context.Context, req InferRequest, classification classify.Classification, requestID string) (*store.Result, error) {
	prompt := strings.TrimSpace(req.Prompt)
	product := strings.ToLower(strings.TrimSpace(req.Product))

	if classification.Route == classify.RouteMedia {
		if req.MediaURL == "" {
			return nil, &ErrMediaURLRequired{}
		}
		output, err := d.callMedia(ctx, prompt, req.MediaURL, req.Metadata)
		if err != nil {
			return nil, err
		}
		return &store.Result{Provider: d.Media.Name(), Route: string(classify.RouteMedia), Output: output}, nil
	}

	if product == "synqra" {
		prompt = voiceCalibrationPrefix + prompt
	}

	if classification.EscalateToPremium {
		if result := d.tryPremium(ctx, prompt, requestID); result != nil {
			return result, nil
		}
	}

	if d.Breaker.IsOpen() {
		d.Log.WarnContext(ctx, "fast_text_circuit_open", slog.String("request_id", requestID))
		return nil, &ErrBreakerOpen{RetryAfterSeconds: d.Breaker.RetryAfterSeconds()}
	}

	if result := d.tryFastText(ctx, prompt, requestID); result != nil {
		if result.err == nil {
			return &store.Result{Provider: d.FastText.Name(), Route: string(classify.RouteText), Output: result.output}, nil
		}
		if result.statusCode == 429 {
			if d.Breaker.RecordRateLimited() {
				d.Log.WarnContext(ctx, "fast_text_rate_limited", slog.String("request_id", requestID))
				return nil, &ErrBreakerOpen{RetryAfterSeconds: d.Breaker.RetryAfterSeconds()}
			}
		} else {
			d.Breaker.RecordNon429()
		}
		d.Log.WarnContext(ctx, "fast_text_failed",
			slog.String("request_id", requestID), slog.String("error", result.err.Error()))
	}

	if output, err := d.callLocalText(ctx, prompt, requestID); err == nil {
		return &store.Result{Provider: d.LocalText.Name(), Route: string(classify.RouteText), Output: output}, nil
	} else {
		d.Log.WarnContext(ctx, "local_text_failed",
			slog.String("request_id", requestID), slog.String("error", err.Error()))
	}

	if result := d.tryPremium(ctx, prompt, requestID); result != nil {
		return result, nil
	}

	return nil, &ErrAllProvidersFailed{}
}

func (d *Dispatcher) callMedia(ctx context.Context, prompt, mediaURL string, metadata map[string]any) (any, error) {
	start := time.Now()
	output, err := d.Media.Call(ctx, prompt, mediaURL, metadata)
	if d.Metrics != nil {
		outcome := "success"
		if err != nil {
			outcome = "error"
		}
		d.Metrics.RecordProviderAttempt(d.Media.Name(), outcome, time.Since(start))
	}
	return output, err
}

func (d *Dispatcher) callLocalText(ctx context.Context, prompt, requestID string) (string, error) {
	start := time.Now()
	output, err := d.LocalText.Call(ctx, prompt)
	if d.Metrics != nil {
		outcome := "success"
		if err != nil {
			outcome = "error"
		}
		d.Metrics.RecordProviderAttempt(d.LocalText.Name(), outcome, time.Since(start))
	}
	return output, err
}

type fastTextAttempt struct {
	output     string
	err        error
	statusCode int
}

func (d *Dispatcher) tryFastText(ctx context.Context, prompt, requestID string) *fastTextAttempt {
	start := time.Now()
	output, err := d.FastText.Call(ctx, prompt)
	if err == nil {
		if d.Metrics != nil {
			d.Metrics.RecordProviderAttempt(d.FastText.Name(), "success", time.Since(start))
		}
		d.Breaker.RecordSuccess()
		return &fastTextAttempt{output: output}
	}

	status := 0
	outcome := "error"
	if sc, ok := err.(providers.StatusCoder); ok {
		status = sc.HTTPStatus()
		if status == 429 {
			outcome = "rate_limited"
		}
	}
	if d.Metrics != nil {
		d.Metrics.RecordProviderAttempt(d.FastText.Name(), outcome, time.Since(start))
	}
	return &fastTextAttempt{err: err, statusCode: status}
}

// tryPremium attempts the rolling-quota reservation and, if allowed, calls
// the premium provider. A nil return means the caller should continue its
// fallback chain (quota denied, or the call itself failed) — this mirrors
// the original service swallowing premium failures rather than surfacing
// them directly.
func (d *Dispatcher) tryPremium(ctx context.Context, prompt, requestID string) *store.Result {
	decision := d.Store.TryReservePremiumRequest(ctx, requestID)
	if d.Metrics != nil {
		d.Metrics.RecordQuotaDecision(decision.Allowed, decision.ProjectedRatio)
	}
	if !decision.Allowed {
		d.Log.InfoContext(ctx, "premium_quota_reached",
			slog.String("request_id", requestID),
			slog.Int64("total_count", decision.TotalCount),
			slog.Int64("premium_count", decision.PremiumCount),
		)
		return nil
	}

	start := time.Now()
	output, err := d.PremiumText.Call(ctx, prompt)
	if err != nil {
		if d.Metrics != nil {
			d.Metrics.RecordProviderAttempt(d.PremiumText.Name(), "error", time.Since(start))
		}
		d.Store.ReleasePremiumReservation(ctx, decision.ReservationMember)
		d.Log.WarnContext(ctx, "premium_text_failed",
			slog.String("request_id", requestID), slog.String("error", err.Error()))
		return nil
	}
	if d.Metrics != nil {
		d.Metrics.RecordProviderAttempt(d.PremiumText.Name(), "success", time.Since(start))
	}
	return &store.Result{Provider: d.PremiumText.Name(), Route: string(classify.RouteText), Output: output, PremiumEscalated: true}
}

// NewRequestID generates a request identifier when the caller didn't supply
// one via X-Request-ID.
func NewRequestID() string { return uuid.New().String() }
