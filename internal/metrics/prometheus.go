// Package metrics provides a Prometheus metrics registry for the inference
// router.
//
// All metrics are scoped to a private registry (not the global default) so
// they don't interfere with host-level metrics when embedded in other
// applications. The /metrics HTTP handler is exposed via Handler().
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
)

// Registry holds all exported metrics.
type Registry struct {
	reg *prometheus.Registry

	// router_inflight_requests
	inFlight prometheus.Gauge

	// router_http_requests_total{route,status}
	httpRequestsTotal *prometheus.CounterVec

	// router_http_request_duration_seconds{route}
	httpDuration *prometheus.HistogramVec

	// router_admission_rejections_total{reason}
	admissionRejections *prometheus.CounterVec

	// router_cache_operations_total{op,result}
	cacheOps *prometheus.CounterVec

	// router_dedupe_outcomes_total{outcome}
	dedupeOutcomes *prometheus.CounterVec

	// router_premium_quota_decisions_total{allowed}
	quotaDecisions *prometheus.CounterVec

	// router_premium_projected_ratio — last observed projected ratio
	quotaProjectedRatio prometheus.Gauge

	// router_provider_attempts_total{provider,outcome}
	providerAttempts *prometheus.CounterVec

	// router_provider_attempt_duration_seconds{provider,outcome}
	providerDuration *prometheus.HistogramVec

	// router_fast_text_breaker_state — 0=closed, 1=open
	breakerState prometheus.Gauge

	// router_classification_total{route,escalated}
	classifications *prometheus.CounterVec

	// router_build_info{version}
	buildInfo *prometheus.GaugeVec

	metricsHandler fasthttp.RequestHandler
}

func New() *Registry {
	reg := prometheus.NewRegistry()

	reg.MustRegister(prometheus.NewGoCollector())
	reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	r := &Registry{
		reg: reg,

		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "router_inflight_requests",
			Help: "Current number of in-flight HTTP requests handled by the router",
		}),

		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "router_http_requests_total",
				Help: "Total number of HTTP requests handled by the router",
			},
			[]string{"route", "status"},
		),

		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "router_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds, end-to-end",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30},
			},
			[]string{"route"},
		),

		admissionRejections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "router_admission_rejections_total",
				Help: "Requests rejected before any provider call",
			},
			[]string{"reason"}, // prompt_length | memory | token_ceiling
		),

		cacheOps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "router_cache_operations_total",
				Help: "Cache operations by type and result",
			},
			[]string{"op", "result"},
		),

		dedupeOutcomes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "router_dedupe_outcomes_total",
				Help: "Single-flight coalescing outcomes",
			},
			[]string{"outcome"}, // owner | waited | wait_timeout
		),

		quotaDecisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "router_premium_quota_decisions_total",
				Help: "Premium-provider rolling quota reservation decisions",
			},
			[]string{"allowed"},
		),

		quotaProjectedRatio: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "router_premium_projected_ratio",
			Help: "Last observed projected premium-share ratio",
		}),

		providerAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "router_provider_attempts_total",
				Help: "Total provider call attempts, including fallbacks",
			},
			[]string{"provider", "outcome"}, // outcome: success | rate_limited | error
		),

		providerDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "router_provider_attempt_duration_seconds",
				Help:    "Provider call duration in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30, 60},
			},
			[]string{"provider", "outcome"},
		),

		breakerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "router_fast_text_breaker_state",
			Help: "Fast-text provider circuit breaker state (0=closed,1=open)",
		}),

		classifications: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "router_classification_total",
				Help: "Classifier decisions by route and escalation",
			},
			[]string{"route", "escalated"},
		),

		buildInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "router_build_info",
				Help: "Build information",
			},
			[]string{"version"},
		),
	}

	reg.MustRegister(
		r.inFlight,
		r.httpRequestsTotal,
		r.httpDuration,
		r.admissionRejections,
		r.cacheOps,
		r.dedupeOutcomes,
		r.quotaDecisions,
		r.quotaProjectedRatio,
		r.providerAttempts,
		r.providerDuration,
		r.breakerState,
		r.classifications,
		r.buildInfo,
	)

	h := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	r.metricsHandler = fasthttpadaptor.NewFastHTTPHandler(h)

	return r
}

func (r *Registry) IncInFlight() { r.inFlight.Inc() }
func (r *Registry) DecInFlight() { r.inFlight.Dec() }

// ObserveHTTP records end-to-end HTTP metrics for one request.
func (r *Registry) ObserveHTTP(route string, statusCode int, dur time.Duration) {
	status := strconv.Itoa(statusCode)
	r.httpRequestsTotal.WithLabelValues(route, status).Inc()
	r.httpDuration.WithLabelValues(route).Observe(dur.Seconds())
}

// RecordAdmissionRejection records a pre-provider rejection by reason
// ("prompt_length", "memory" or "token_ceiling").
func (r *Registry) RecordAdmissionRejection(reason string) {
	r.admissionRejections.WithLabelValues(reason).Inc()
}

func (r *Registry) CacheHit()   { r.cacheOps.WithLabelValues("get", "hit").Inc() }
func (r *Registry) CacheMiss()  { r.cacheOps.WithLabelValues("get", "miss").Inc() }
func (r *Registry) CacheSetOK() { r.cacheOps.WithLabelValues("set", "ok").Inc() }

// RecordDedupeOutcome records one coalescing outcome: "owner" (this request
// executed and published the result), "waited" (joined another owner's
// in-flight result), or "wait_timeout" (waited but gave up). A lock
// acquisition that fails open on a store error is counted as "owner"; no
// separate outcome is recorded for it.
func (r *Registry) RecordDedupeOutcome(outcome string) {
	r.dedupeOutcomes.WithLabelValues(outcome).Inc()
}

// RecordQuotaDecision records a premium reservation decision and the
// projected ratio observed at decision time.
func (r *Registry) RecordQuotaDecision(allowed bool, projectedRatio float64) {
	r.quotaDecisions.WithLabelValues(strconv.FormatBool(allowed)).Inc()
	r.quotaProjectedRatio.Set(projectedRatio)
}

// RecordProviderAttempt records one provider call attempt and its
// duration.
func (r *Registry) RecordProviderAttempt(provider, outcome string, dur time.Duration) {
	r.providerAttempts.WithLabelValues(provider, outcome).Inc()
	r.providerDuration.WithLabelValues(provider, outcome).Observe(dur.Seconds())
}

// SetBreakerState reports whether the fast-text breaker is open.
func (r *Registry) SetBreakerState(open bool) {
	if open {
		r.breakerState.Set(1)
		return
	}
	r.breakerState.Set(0)
}

// RecordClassification records one classifier decision.
func (r *Registry) RecordClassification(route string, escalated bool) {
	r.classifications.WithLabelValues(route, strconv.FormatBool(escalated)).Inc()
}

func (r *Registry) SetBuildInfo(version string) {
	r.buildInfo.WithLabelValues(version).Set(1)
}

func (r *Registry) Handler() fasthttp.RequestHandler   { return r.metricsHandler }
func (r *Registry) PromRegistry() *prometheus.Registry { return r.reg }
