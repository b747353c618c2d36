// Package app wires up all subsystems and owns the application lifecycle.
//
// Startup order:
//  1. initInfra     — the shared store (Redis, or an in-process fallback)
//  2. initProviders — the four fixed provider clients
//  3. initServices  — metrics registry, async request logger
//  4. initRouter    — dispatcher + HTTP server
package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nulpointcorp/inference-router/internal/admission"
	"github.com/nulpointcorp/inference-router/internal/breaker"
	"github.com/nulpointcorp/inference-router/internal/config"
	"github.com/nulpointcorp/inference-router/internal/httptransport"
	"github.com/nulpointcorp/inference-router/internal/logger"
	"github.com/nulpointcorp/inference-router/internal/metrics"
	"github.com/nulpointcorp/inference-router/internal/providers"
	"github.com/nulpointcorp/inference-router/internal/router"
	"github.com/nulpointcorp/inference-router/internal/store"
)

// dnsRefreshInterval bounds how long a stale DNS entry can linger in the
// shared provider-client resolver cache.
const dnsRefreshInterval = 5 * time.Minute

// App owns all long-lived resources and exposes Run / Close.
type App struct {
	version string
	cfg     *config.Config
	baseCtx context.Context
	log     *slog.Logger

	st store.Store

	fastText    providers.TextProvider
	localText   providers.TextProvider
	premiumText providers.TextProvider
	media       providers.MediaProvider

	reqLogger *logger.Logger
	prom      *metrics.Registry

	dispatcher *router.Dispatcher
	srv        *router.Server
}

// New initializes all subsystems and returns a ready-to-run App. All
// resources allocated here are released by Close.
func New(ctx context.Context, cfg *config.Config, log *slog.Logger, version string) (*App, error) {
	if ctx == nil {
		return nil, fmt.Errorf("app: context must not be nil")
	}

	a := &App{cfg: cfg, version: version, baseCtx: ctx, log: log}

	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"infra", a.initInfra},
		{"providers", a.initProviders},
		{"services", a.initServices},
		{"router", a.initRouter},
	}

	for _, s := range steps {
		if err := s.fn(ctx); err != nil {
			a.Close()
			return nil, fmt.Errorf("app: init %s: %w", s.name, err)
		}
	}

	return a, nil
}

// Run starts the HTTP server and blocks until ctx is cancelled or an error
// occurs. It closes the app gracefully when returning.
func (a *App) Run(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", a.cfg.Port)

	a.log.Info("starting inference router",
		slog.String("version", a.version),
		slog.String("addr", addr),
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		httptransport.Refresh(gctx, dnsRefreshInterval)
		return nil
	})

	g.Go(func() error {
		// Start blocks until the listener fails, so stop waiting on it once
		// ctx is cancelled; otherwise g.Wait would never return.
		errCh := make(chan error, 1)
		go func() { errCh <- a.srv.Start(addr) }()
		select {
		case err := <-errCh:
			return err
		case <-gctx.Done():
			return nil
		}
	})

	g.Go(func() error {
		<-gctx.Done()
		a.Close()
		return nil
	})

	return g.Wait()
}

// Close releases all resources in reverse-init order. Safe to call multiple
// times.
func (a *App) Close() {
	if a.dispatcher != nil {
		a.dispatcher.StopHealthProbe()
	}
	if a.reqLogger != nil {
		if err := a.reqLogger.Close(); err != nil {
			a.log.Error("logger close error", slog.String("error", err.Error()))
		}
		a.reqLogger = nil
	}
	if a.st != nil {
		if err := a.st.Close(); err != nil {
			a.log.Error("store close error", slog.String("error", err.Error()))
		}
		a.st = nil
	}
}

// connectOrFallbackStore builds a RedisStore when cfg.Redis.URL is set, and
// falls back to an in-process MemoryStore otherwise — trading
// cross-replica cache/dedupe sharing for zero external dependencies.
func connectOrFallbackStore(ctx context.Context, cfg *config.Config, log *slog.Logger) (store.Store, error) {
	rcfg := store.RedisConfig{
		Namespace:            cfg.Redis.Namespace,
		CacheTTL:             cfg.CacheTTL,
		PremiumCapRatio:      cfg.Quota.CapRatio,
		PremiumRollingWindow: cfg.Quota.RollingWindow,
	}

	if cfg.Redis.URL == "" {
		log.Warn("no redis url configured, falling back to in-process store (no cross-replica sharing)")
		return store.NewMemoryStore(ctx, rcfg), nil
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	s, err := store.NewRedisStoreFromURL(pingCtx, cfg.Redis.URL, rcfg)
	if err != nil {
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	return s, nil
}

// newBreaker builds the fast-text circuit breaker from config.
func newBreaker(cfg *config.Config) *breaker.Breaker {
	threshold := cfg.Breaker.Threshold429
	if threshold < 1 {
		threshold = 3
	}
	openSeconds := cfg.Breaker.OpenSeconds
	if openSeconds < 1 {
		openSeconds = 30
	}
	return breaker.New(breaker.Config{
		Threshold429: threshold,
		OpenDuration: time.Duration(openSeconds) * time.Second,
	})
}

// newMemoryGate builds the memory admission gate from config.
func newMemoryGate(cfg *config.Config) *admission.MemoryGate {
	minFreeMB := cfg.Admission.MinFreeRAMMB
	if minFreeMB <= 0 {
		minFreeMB = 500
	}
	return admission.NewMemoryGate(minFreeMB)
}
