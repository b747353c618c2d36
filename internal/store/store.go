// Package store is the Redis-backed shared state layer: exact-match result
// cache, single-flight dedupe coalescing, and the premium-provider rolling
// quota. A degraded in-process MemoryStore stands in when no Redis URL is
// configured, trading cross-replica sharing for zero external dependencies.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultQueryTimeout = 500 * time.Millisecond

// Result is the cacheable, dedupe-able outcome of one inference request.
type Result struct {
	Provider         string `json:"provider"`
	Route            string `json:"route"`
	Output           any    `json:"output"`
	PremiumEscalated bool   `json:"premium_escalated"`
}

// DedupeLock describes an in-flight request another caller is coalescing
// onto.
type DedupeLock struct {
	Owner     string `json:"owner"`
	StartedMS int64  `json:"started_ms"`
}

// QuotaDecision is the outcome of a premium-provider reservation attempt.
type QuotaDecision struct {
	Allowed           bool
	TotalCount        int64
	PremiumCount      int64
	ProjectedRatio    float64
	ReservationMember string // empty unless Allowed
}

// Store is the shared-state contract the dispatcher depends on. Both
// RedisStore and MemoryStore implement it.
type Store interface {
	Ping(ctx context.Context) bool

	GetCached(ctx context.Context, signature string) (*Result, bool)
	SetCached(ctx context.Context, signature string, result Result) error

	TryAcquireDedupeLock(ctx context.Context, signature, ownerID string, lockTTL time.Duration) bool
	GetDedupeLock(ctx context.Context, signature string) (*DedupeLock, bool)
	ReleaseDedupeLock(ctx context.Context, signature, ownerID string)
	SetDedupeResult(ctx context.Context, signature string, result Result, ttl time.Duration)
	WaitForDedupeResult(ctx context.Context, signature string, timeout time.Duration) (*Result, bool)

	RecordTotalRequest(ctx context.Context, requestID string)
	TryReservePremiumRequest(ctx context.Context, requestID string) QuotaDecision
	ReleasePremiumReservation(ctx context.Context, member string)

	Close() error
}

// dedupePollInterval is how often WaitForDedupeResult polls while waiting
// for the coalescing owner to finish.
const dedupePollInterval = 25 * time.Millisecond

// --- Redis-backed implementation ---------------------------------------

// premiumReserveScript atomically trims both rolling windows, computes the
// projected premium-share ratio including this reservation, and — if the
// ratio stays within cap — adds the reservation to the premium set.
// KEYS[1] = total-requests zset key
// KEYS[2] = premium-requests zset key
// ARGV[1] = now (ms)
// ARGV[2] = window cutoff (ms)
// ARGV[3] = cap ratio
// ARGV[4] = reservation member
// Returns {allowed(0/1), total_count, premium_count, projected_ratio}.
var premiumReserveScript = redis.NewScript(`
local total_key = KEYS[1]
local premium_key = KEYS[2]
local now_ms = tonumber(ARGV[1])
local cutoff_ms = tonumber(ARGV[2])
local cap_ratio = tonumber(ARGV[3])
local member = ARGV[4]

redis.call('ZREMRANGEBYSCORE', total_key, 0, cutoff_ms)
redis.call('ZREMRANGEBYSCORE', premium_key, 0, cutoff_ms)

local total_count = redis.call('ZCARD', total_key)
local premium_count = redis.call('ZCARD', premium_key)
if total_count == 0 then
	return {0, total_count, premium_count, '0'}
end

local projected_ratio = (premium_count + 1) / total_count
if projected_ratio <= cap_ratio then
	redis.call('ZADD', premium_key, now_ms, member)
	return {1, total_count, premium_count, tostring(projected_ratio)}
end
return {0, total_count, premium_count, tostring(projected_ratio)}
`)

// dedupeUnlockScript releases a dedupe lock only if the caller still owns
// it, preventing a slow owner from deleting a lock a newer owner acquired
// after its own lock expired.
// KEYS[1] = lock key
// ARGV[1] = owner id
var dedupeUnlockScript = redis.NewScript(`
local raw = redis.call('GET', KEYS[1])
if not raw then
	return 0
end
local ok, payload = pcall(cjson.decode, raw)
if not ok then
	return 0
end
if payload['owner'] == ARGV[1] then
	return redis.call('DEL', KEYS[1])
end
return 0
`)

// RedisConfig configures a RedisStore.
type RedisConfig struct {
	Namespace            string
	CacheTTL             time.Duration
	PremiumCapRatio      float64
	PremiumRollingWindow time.Duration
}

// RedisStore is the production Store backend.
type RedisStore struct {
	client        *redis.Client
	ns            string
	cacheTTL      time.Duration
	capRatio      float64
	rollingWindow time.Duration
	queryTimeout  time.Duration
}

// NewRedisStoreFromURL parses redisURL, builds a client, verifies
// connectivity with a PING, and returns a RedisStore.
func NewRedisStoreFromURL(ctx context.Context, redisURL string, cfg RedisConfig) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("store: parse redis url: %w", err)
	}
	cli := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := cli.Ping(pingCtx).Err(); err != nil {
		_ = cli.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}

	return newRedisStore(cli, cfg), nil
}

// NewRedisStoreFromClient wraps an existing *redis.Client — used in tests
// against miniredis.
func NewRedisStoreFromClient(cli *redis.Client, cfg RedisConfig) *RedisStore {
	return newRedisStore(cli, cfg)
}

func newRedisStore(cli *redis.Client, cfg RedisConfig) *RedisStore {
	ns := cfg.Namespace
	if ns == "" {
		ns = "inference-router"
	}
	return &RedisStore{
		client:        cli,
		ns:            ns,
		cacheTTL:      cfg.CacheTTL,
		capRatio:      cfg.PremiumCapRatio,
		rollingWindow: cfg.PremiumRollingWindow,
		queryTimeout:  defaultQueryTimeout,
	}
}

func (s *RedisStore) cacheKey(signature string) string {
	return fmt.Sprintf("%s:cache:%s", s.ns, signature)
}

func (s *RedisStore) dedupeLockKey(signature string) string {
	return fmt.Sprintf("%s:dedupe:lock:%s", s.ns, signature)
}

func (s *RedisStore) dedupeResultKey(signature string) string {
	return fmt.Sprintf("%s:dedupe:result:%s", s.ns, signature)
}

func (s *RedisStore) totalRequestsKey() string {
	return fmt.Sprintf("%s:metrics:requests:total", s.ns)
}

func (s *RedisStore) premiumRequestsKey() string {
	return fmt.Sprintf("%s:metrics:requests:premium", s.ns)
}

// Ping reports whether Redis is reachable.
func (s *RedisStore) Ping(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	return s.client.Ping(ctx).Err() == nil
}

// GetCached returns the cached result for signature, if any. Any Redis
// error or decode failure is treated as a miss.
func (s *RedisStore) GetCached(ctx context.Context, signature string) (*Result, bool) {
	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	raw, err := s.client.Get(ctx, s.cacheKey(signature)).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			slog.WarnContext(ctx, "store_cache_get_error", slog.String("error", err.Error()))
		}
		return nil, false
	}
	var result Result
	if err := json.Unmarshal(raw, &result); err != nil {
		slog.WarnContext(ctx, "store_cache_decode_error", slog.String("error", err.Error()))
		return nil, false
	}
	return &result, true
}

// SetCached stores result under signature with the configured cache TTL.
// Redis errors are logged, never propagated — a failed cache write must not
// fail the request it's caching. Only a failure to marshal result is
// returned.
func (s *RedisStore) SetCached(ctx context.Context, signature string, result Result) error {
	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	encoded, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("store: marshal cached result: %w", err)
	}
	if err := s.client.Set(ctx, s.cacheKey(signature), encoded, s.cacheTTL).Err(); err != nil {
		slog.WarnContext(ctx, "store_cache_set_error", slog.String("error", err.Error()))
	}
	return nil
}

// TryAcquireDedupeLock attempts to become the single owner executing
// signature's request. On any Redis error it fails open (returns true) so
// a store outage degrades to "every request executes independently"
// rather than blocking all traffic.
func (s *RedisStore) TryAcquireDedupeLock(ctx context.Context, signature, ownerID string, lockTTL time.Duration) bool {
	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	payload, err := json.Marshal(DedupeLock{Owner: ownerID, StartedMS: time.Now().UnixMilli()})
	if err != nil {
		return true
	}
	ok, err := s.client.SetNX(ctx, s.dedupeLockKey(signature), payload, lockTTL).Result()
	if err != nil {
		slog.WarnContext(ctx, "store_dedupe_lock_error", slog.String("error", err.Error()))
		return true
	}
	return ok
}

// GetDedupeLock reads the current lock holder for signature, if any.
func (s *RedisStore) GetDedupeLock(ctx context.Context, signature string) (*DedupeLock, bool) {
	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	raw, err := s.client.Get(ctx, s.dedupeLockKey(signature)).Bytes()
	if err != nil {
		return nil, false
	}
	var lock DedupeLock
	if err := json.Unmarshal(raw, &lock); err != nil {
		return nil, false
	}
	return &lock, true
}

// ReleaseDedupeLock releases signature's lock only if ownerID still holds
// it. Errors are logged and swallowed — a stuck lock simply expires via its
// TTL.
func (s *RedisStore) ReleaseDedupeLock(ctx context.Context, signature, ownerID string) {
	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	if err := dedupeUnlockScript.Run(ctx, s.client, []string{s.dedupeLockKey(signature)}, ownerID).Err(); err != nil {
		slog.WarnContext(ctx, "store_dedupe_unlock_error", slog.String("error", err.Error()))
	}
}

// SetDedupeResult publishes the owner's result for waiters polling on
// signature.
func (s *RedisStore) SetDedupeResult(ctx context.Context, signature string, result Result, ttl time.Duration) {
	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	encoded, err := json.Marshal(result)
	if err != nil {
		return
	}
	if err := s.client.Set(ctx, s.dedupeResultKey(signature), encoded, ttl).Err(); err != nil {
		slog.WarnContext(ctx, "store_dedupe_result_set_error", slog.String("error", err.Error()))
	}
}

// WaitForDedupeResult polls the cache key and the dedupe-result key until
// one appears, timeout elapses, or ctx is done. A Redis error or an
// undecodable value on either key counts as "not published yet" and polling
// continues.
func (s *RedisStore) WaitForDedupeResult(ctx context.Context, signature string, timeout time.Duration) (*Result, bool) {
	deadline := time.Now().Add(timeout)
	cacheKey := s.cacheKey(signature)
	resultKey := s.dedupeResultKey(signature)

	ticker := time.NewTicker(dedupePollInterval)
	defer ticker.Stop()

	for time.Now().Before(deadline) {
		if result, ok := s.getJSON(ctx, cacheKey); ok {
			return result, true
		}
		if result, ok := s.getJSON(ctx, resultKey); ok {
			return result, true
		}
		select {
		case <-ctx.Done():
			return nil, false
		case <-ticker.C:
		}
	}
	return nil, false
}

func (s *RedisStore) getJSON(ctx context.Context, key string) (*Result, bool) {
	qctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	raw, err := s.client.Get(qctx, key).Bytes()
	if err != nil {
		return nil, false
	}
	var result Result
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, false
	}
	return &result, true
}

// RecordTotalRequest adds requestID to the rolling total-requests window,
// trimming entries outside the window as a side effect.
func (s *RedisStore) RecordTotalRequest(ctx context.Context, requestID string) {
	s.recordMetric(ctx, s.totalRequestsKey(), requestID)
}

func (s *RedisStore) recordMetric(ctx context.Context, key, requestID string) {
	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	now := time.Now()
	member := fmt.Sprintf("%d:%s", now.UnixMilli(), requestID)
	if err := s.client.ZAdd(ctx, key, redis.Z{Score: float64(now.UnixMilli()), Member: member}).Err(); err != nil {
		slog.WarnContext(ctx, "store_metric_record_error", slog.String("error", err.Error()))
		return
	}
	cutoff := now.Add(-s.rollingWindow).UnixMilli()
	s.client.ZRemRangeByScore(ctx, key, "0", fmt.Sprintf("%d", cutoff))
}

// TryReservePremiumRequest atomically checks whether adding one more
// premium-provider call keeps the rolling premium-share ratio within cap,
// and reserves a slot if so. A cold rolling window (zero total requests)
// denies by design — escalation must never be the very first counted
// request. Any Redis error denies the reservation (fail closed): a quota
// check that silently degrades to "always allow" would let an outage
// remove the cost ceiling entirely.
func (s *RedisStore) TryReservePremiumRequest(ctx context.Context, requestID string) QuotaDecision {
	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	now := time.Now()
	cutoff := now.Add(-s.rollingWindow)
	member := fmt.Sprintf("%d:%s", now.UnixMilli(), requestID)

	res, err := premiumReserveScript.Run(ctx, s.client,
		[]string{s.totalRequestsKey(), s.premiumRequestsKey()},
		now.UnixMilli(), cutoff.UnixMilli(), s.capRatio, member,
	).Slice()
	if err != nil {
		slog.WarnContext(ctx, "store_premium_reserve_error", slog.String("error", err.Error()))
		return QuotaDecision{}
	}
	if len(res) != 4 {
		return QuotaDecision{}
	}

	allowed := toInt64(res[0]) == 1
	decision := QuotaDecision{
		Allowed:      allowed,
		TotalCount:   toInt64(res[1]),
		PremiumCount: toInt64(res[2]),
	}
	if s, ok := res[3].(string); ok {
		fmt.Sscanf(s, "%g", &decision.ProjectedRatio)
	}
	if allowed {
		decision.ReservationMember = member
	}
	return decision
}

func toInt64(v any) int64 {
	switch t := v.(type) {
	case int64:
		return t
	case string:
		var n int64
		fmt.Sscanf(t, "%d", &n)
		return n
	default:
		return 0
	}
}

// ReleasePremiumReservation undoes a reservation made by
// TryReservePremiumRequest, used when the premium provider call itself
// fails after the slot was reserved.
func (s *RedisStore) ReleasePremiumReservation(ctx context.Context, member string) {
	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	if err := s.client.ZRem(ctx, s.premiumRequestsKey(), member).Err(); err != nil {
		slog.WarnContext(ctx, "store_premium_release_error", slog.String("error", err.Error()))
	}
}

// Close releases the underlying Redis connection pool.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
