package router

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nulpointcorp/inference-router/internal/breaker"
	"github.com/nulpointcorp/inference-router/internal/store"
)

const (
	redisProbeInterval = 30 * time.Second
	redisProbeTimeout  = 5 * time.Second
)

// redisProbe runs a background PING against the shared store and caches the
// result, so GET /health never pays a Redis round trip under load. Mirrors
// the teacher gateway's HealthChecker background-probe shape, narrowed to
// the one dependency this router actually needs to probe.
type redisProbe struct {
	st store.Store

	mu   sync.Mutex
	ok   atomic.Bool
	done chan struct{}
	wg   sync.WaitGroup
}

// newRedisProbe starts background probing immediately (synchronous first
// probe so health is never reported "unknown" right after startup) and
// returns a probe whose Close stops the background goroutine.
func newRedisProbe(ctx context.Context, st store.Store) *redisProbe {
	p := &redisProbe{st: st, done: make(chan struct{})}
	p.probe(ctx)

	p.wg.Add(1)
	go p.run(ctx)

	return p
}

func (p *redisProbe) run(ctx context.Context) {
	defer p.wg.Done()
	ticker := time.NewTicker(redisProbeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.probe(ctx)
		case <-p.done:
			return
		}
	}
}

func (p *redisProbe) probe(ctx context.Context) {
	pctx, cancel := context.WithTimeout(ctx, redisProbeTimeout)
	defer cancel()
	p.ok.Store(p.st.Ping(pctx))
}

// Healthy returns the last probed result.
func (p *redisProbe) Healthy() bool { return p.ok.Load() }

// Close stops the background probe goroutine. Safe to call once.
func (p *redisProbe) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	select {
	case <-p.done:
		return
	default:
		close(p.done)
	}
	p.wg.Wait()
}

// HealthReport is the live /health response shape.
type HealthReport struct {
	Status         string         `json:"status"`
	Redis          RedisHealth    `json:"redis"`
	Memory         any            `json:"memory"`
	CircuitBreaker breaker.Status `json:"circuit_breaker"`
	Timeouts       TimeoutsReport `json:"timeouts"`
	Policy         PolicyReport   `json:"policy"`
}

// RedisHealth reports shared-store connectivity.
type RedisHealth struct {
	OK bool `json:"ok"`
}

// TimeoutsReport surfaces the configured per-call and global timeouts.
type TimeoutsReport struct {
	FastTextSeconds float64 `json:"fast_text_seconds"`
	GlobalSeconds   float64 `json:"global_seconds"`
}

// PolicyReport surfaces the tuning knobs that shape routing decisions.
type PolicyReport struct {
	CacheTTLSeconds float64 `json:"cache_ttl_seconds"`
	DedupeWindowMS  int64   `json:"dedupe_window_ms"`
	PremiumCapRatio float64 `json:"premium_cap_ratio"`
}

// Health reports the last background-probed Redis status alongside live,
// cheap-to-compute reads of the memory gate and breaker. The Redis check
// itself never runs inline — see redisProbe.
func (d *Dispatcher) Health(ctx context.Context) HealthReport {
	redisOK := d.redisProbe.Healthy()

	status := "ok"
	if !redisOK {
		status = "degraded"
	}
	mem := d.MemoryGate.Snapshot()
	if !mem.Healthy {
		status = "degraded"
	}

	return HealthReport{
		Status:         status,
		Redis:          RedisHealth{OK: redisOK},
		Memory:         mem,
		CircuitBreaker: d.Breaker.Status(),
		Timeouts: TimeoutsReport{
			FastTextSeconds: d.FastTextTimeout.Seconds(),
			GlobalSeconds:   d.GlobalTimeout.Seconds(),
		},
		Policy: PolicyReport{
			CacheTTLSeconds: d.CacheTTL.Seconds(),
			DedupeWindowMS:  d.DedupeWindow.Milliseconds(),
			PremiumCapRatio: d.PremiumCapRatio,
		},
	}
}
