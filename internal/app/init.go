package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nulpointcorp/inference-router/internal/logger"
	"github.com/nulpointcorp/inference-router/internal/metrics"
	"github.com/nulpointcorp/inference-router/internal/providers/fasttext"
	"github.com/nulpointcorp/inference-router/internal/providers/localtext"
	"github.com/nulpointcorp/inference-router/internal/providers/media"
	"github.com/nulpointcorp/inference-router/internal/providers/premiumtext"
	"github.com/nulpointcorp/inference-router/internal/router"
)

// initInfra connects to the shared store: Redis when a URL is configured,
// an in-process fallback otherwise.
func (a *App) initInfra(ctx context.Context) error {
	a.log.Info("connecting to shared store", slog.String("redis_url", redactURL(a.cfg.Redis.URL)))

	st, err := connectOrFallbackStore(ctx, a.cfg, a.log)
	if err != nil {
		return fmt.Errorf("store: %w", err)
	}
	a.st = st
	return nil
}

// initProviders builds the four fixed provider clients.
func (a *App) initProviders(_ context.Context) error {
	a.fastText = fasttext.New(
		a.cfg.FastText.APIKey,
		a.cfg.FastText.Model,
		a.cfg.FastText.BaseURL,
		a.cfg.FastText.Timeout,
	)
	a.localText = localtext.New(
		a.cfg.LocalText.BaseURL,
		a.cfg.LocalText.Model,
		a.cfg.LocalText.MaxConcurrency,
		nil,
	)
	a.premiumText = premiumtext.New(
		a.cfg.PremiumText.APIKey,
		a.cfg.PremiumText.Model,
	)
	a.media = media.New(
		a.cfg.Media.APIKey,
		a.cfg.Media.BaseURL,
		nil,
	)

	a.log.Info("providers loaded",
		slog.String("fast_text", a.fastText.Name()),
		slog.String("local_text", a.localText.Name()),
		slog.String("premium_text", a.premiumText.Name()),
		slog.String("media", a.media.Name()),
	)
	return nil
}

// initServices creates the Prometheus metrics registry and the async
// request logger.
func (a *App) initServices(ctx context.Context) error {
	a.prom = metrics.New()
	a.prom.SetBuildInfo(a.version)

	reqLogger, err := logger.New(ctx, a.log)
	if err != nil {
		return fmt.Errorf("request logger: %w", err)
	}
	a.reqLogger = reqLogger

	return nil
}

// initRouter wires the dispatcher and HTTP server together.
func (a *App) initRouter(ctx context.Context) error {
	a.dispatcher = &router.Dispatcher{
		FastText:    a.fastText,
		LocalText:   a.localText,
		PremiumText: a.premiumText,
		Media:       a.media,

		Store:      a.st,
		Breaker:    newBreaker(a.cfg),
		MemoryGate: newMemoryGate(a.cfg),

		GlobalTimeout:   a.cfg.GlobalTimeout,
		FastTextTimeout: a.cfg.FastText.Timeout,
		DedupeWindow:    time.Duration(a.cfg.Dedupe.WindowMS) * time.Millisecond,
		CacheTTL:        a.cfg.CacheTTL,
		PremiumCapRatio: a.cfg.Quota.CapRatio,
		MaxPromptChars:  a.cfg.MaxPromptChars,

		Metrics:   a.prom,
		ReqLogger: a.reqLogger,
		Log:       a.log,
	}

	a.dispatcher.StartHealthProbe(ctx)

	a.srv = &router.Server{
		Dispatcher:  a.dispatcher,
		Metrics:     a.prom,
		CORSOrigins: a.cfg.CORSOrigins,
	}

	return nil
}

// redactURL replaces the userinfo portion of a URL with "***" for safe logging.
// e.g. "redis://:secret@localhost:6379" → "redis://***@localhost:6379"
func redactURL(raw string) string {
	for i, c := range raw {
		if c == '@' {
			for j := i - 1; j >= 0; j-- {
				if j+2 < len(raw) && raw[j:j+3] == "://" {
					return raw[:j+3] + "***" + raw[i:]
				}
			}
			return "***" + raw[i:]
		}
	}
	return raw
}
