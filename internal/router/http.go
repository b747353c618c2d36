package router

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	fasthttprouter "github.com/fasthttp/router"
	"github.com/google/uuid"
	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/inference-router/internal/admission"
	"github.com/nulpointcorp/inference-router/internal/logger"
	"github.com/nulpointcorp/inference-router/internal/metrics"
	"github.com/nulpointcorp/inference-router/pkg/apierr"
)

// Server wires a Dispatcher to the fasthttp HTTP surface.
type Server struct {
	Dispatcher  *Dispatcher
	Metrics     *metrics.Registry
	CORSOrigins []string
}

// inferRequestBody is the decoded POST /infer JSON body.
type inferRequestBody struct {
	Product  string         `json:"product"`
	Prompt   string         `json:"prompt"`
	MediaURL string         `json:"media_url"`
	Metadata map[string]any `json:"metadata"`
}

// Start starts the HTTP server on addr (e.g. ":8080").
func (s *Server) Start(addr string) error {
	r := fasthttprouter.New()

	r.POST("/infer", s.handleInfer)
	r.GET("/health", s.handleHealth)
	r.GET("/readiness", s.handleReadiness)
	if s.Metrics != nil {
		r.GET("/metrics", s.Metrics.Handler())
	}

	handler := applyMiddleware(r.Handler,
		recovery,
		requestID,
		completionLog,
		timing,
		corsHandler(s.CORSOrigins),
		securityHeaders,
	)

	if s.Metrics != nil {
		handler = s.instrument(handler)
	}

	srv := &fasthttp.Server{
		Handler:      handler,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 60 * time.Second,
	}
	return srv.ListenAndServe(addr)
}

// instrument wraps h with in-flight and end-to-end HTTP metrics. It wraps
// the whole middleware chain from the outside, so it observes the final
// status, including the 500 that recovery writes after a handler panic.
func (s *Server) instrument(h fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		s.Metrics.IncInFlight()
		defer s.Metrics.DecInFlight()

		start := time.Now()
		h(ctx)
		s.Metrics.ObserveHTTP(string(ctx.Path()), ctx.Response.StatusCode(), time.Since(start))
	}
}

func (s *Server) handleInfer(ctx *fasthttp.RequestCtx) {
	var body inferRequestBody
	if err := json.Unmarshal(ctx.PostBody(), &body); err != nil {
		apierr.Write(ctx, fasthttp.StatusBadRequest, "invalid JSON body", apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}
	if body.Prompt == "" && body.MediaURL == "" {
		apierr.Write(ctx, fasthttp.StatusUnprocessableEntity, "either prompt or media_url is required", apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}

	requestID, _ := ctx.UserValue("request_id").(string)
	if requestID == "" {
		requestID = NewRequestID()
	}

	timeout := s.Dispatcher.GlobalTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	resp, err := s.Dispatcher.Dispatch(callCtx, InferRequest{
		Product:  body.Product,
		Prompt:   body.Prompt,
		MediaURL: body.MediaURL,
		Metadata: body.Metadata,
	}, requestID)
	latency := time.Since(start)

	if err != nil {
		s.writeDispatchError(ctx, err)
		s.logRequest(requestID, "", "", latency, ctx.Response.StatusCode(), false, false, false)
		return
	}

	ctx.SetContentType("application/json")
	encoded, _ := json.Marshal(resp)
	ctx.SetBody(encoded)

	s.logRequest(requestID, resp.Provider, resp.Route, latency, fasthttp.StatusOK, resp.Cached, resp.Deduped, resp.PremiumEscalated)
}

func (s *Server) logRequest(requestID, provider, route string, latency time.Duration, status int, cached, deduped, premiumEscalated bool) {
	if s.Dispatcher.ReqLogger == nil {
		return
	}
	id, err := uuid.Parse(requestID)
	if err != nil {
		id = uuid.New()
	}
	s.Dispatcher.ReqLogger.Log(logger.RequestLog{
		ID:               id,
		Provider:         provider,
		Route:            route,
		LatencyMs:        clampUint16(latency.Milliseconds()),
		Status:           uint16(status),
		Cached:           cached,
		Deduped:          deduped,
		PremiumEscalated: premiumEscalated,
		CreatedAt:        time.Now(),
	})
}

func clampUint16(v int64) uint16 {
	if v < 0 {
		return 0
	}
	if v > 65535 {
		return 65535
	}
	return uint16(v)
}

func (s *Server) writeDispatchError(ctx *fasthttp.RequestCtx, err error) {
	switch e := err.(type) {
	case *admission.RejectedError:
		apierr.WriteAdmissionRejected(ctx, e.Error())
	case *admission.TooLargeError:
		apierr.WriteTooLarge(ctx, e.Error())
	case *ErrPromptTooLarge:
		apierr.WriteTooLarge(ctx, e.Error())
	case *ErrMediaURLRequired:
		apierr.Write(ctx, fasthttp.StatusUnprocessableEntity, e.Error(), apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
	case *ErrBreakerOpen:
		apierr.WriteServiceUnavailable(ctx, e.Error(), e.RetryAfterSeconds)
	case *ErrAllProvidersFailed:
		apierr.Write(ctx, fasthttp.StatusBadGateway, e.Error(), apierr.TypeProviderError, apierr.CodeProviderError)
	default:
		if errors.Is(err, context.DeadlineExceeded) {
			apierr.WriteTimeout(ctx)
			return
		}
		if sc, ok := err.(interface{ HTTPStatus() int }); ok {
			apierr.WriteProviderError(ctx, sc.HTTPStatus(), err.Error())
			return
		}
		slog.ErrorContext(ctx, "dispatch_error", slog.String("error", err.Error()))
		apierr.Write(ctx, fasthttp.StatusInternalServerError, "internal server error", apierr.TypeServerError, apierr.CodeInternalError)
	}
}

func (s *Server) handleHealth(ctx *fasthttp.RequestCtx) {
	report := s.Dispatcher.Health(ctx)
	ctx.SetContentType("application/json")
	encoded, _ := json.Marshal(report)
	ctx.SetBody(encoded)
}

func (s *Server) handleReadiness(ctx *fasthttp.RequestCtx) {
	if s.Dispatcher.Store.Ping(ctx) {
		writeJSON(ctx, map[string]string{"status": "ok"})
		return
	}
	ctx.SetStatusCode(fasthttp.StatusServiceUnavailable)
	writeJSON(ctx, map[string]string{"status": "unavailable"})
}

func writeJSON(ctx *fasthttp.RequestCtx, v any) {
	ctx.SetContentType("application/json")
	data, _ := json.Marshal(v)
	ctx.SetBody(data)
}
