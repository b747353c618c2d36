package store

import (
	"container/list"
	"context"
	"sync"
	"time"
)

// MemoryStore is a single-process Store implementation with no external
// dependencies, for local development and single-instance deployments. It
// satisfies the same Store contract as RedisStore, including the rolling
// premium quota window — cache, dedupe, and quota are simply not shared
// across replicas.
type MemoryStore struct {
	mu sync.Mutex

	cacheTTL      time.Duration
	capRatio      float64
	rollingWindow time.Duration

	cacheItems  map[string]cacheEntry
	dedupeLocks map[string]dedupeLockEntry
	dedupeRes   map[string]cacheEntry

	totalRequests   *list.List // of timestampedMember, oldest first
	premiumRequests *list.List

	done chan struct{}
}

type cacheEntry struct {
	result    Result
	expiresAt time.Time
}

type dedupeLockEntry struct {
	lock      DedupeLock
	expiresAt time.Time
}

type timestampedMember struct {
	at     time.Time
	member string
}

// NewMemoryStore creates a MemoryStore and starts a background cleanup
// loop that stops when ctx is cancelled or Close is called.
func NewMemoryStore(ctx context.Context, cfg RedisConfig) *MemoryStore {
	s := &MemoryStore{
		cacheTTL:        cfg.CacheTTL,
		capRatio:        cfg.PremiumCapRatio,
		rollingWindow:   cfg.PremiumRollingWindow,
		cacheItems:      make(map[string]cacheEntry),
		dedupeLocks:     make(map[string]dedupeLockEntry),
		dedupeRes:       make(map[string]cacheEntry),
		totalRequests:   list.New(),
		premiumRequests: list.New(),
		done:            make(chan struct{}),
	}
	go s.cleanupLoop(ctx)
	return s
}

// Ping always succeeds — there is no external dependency to fail.
func (s *MemoryStore) Ping(_ context.Context) bool { return true }

func (s *MemoryStore) GetCached(_ context.Context, signature string) (*Result, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.cacheItems[signature]
	if !ok || time.Now().After(entry.expiresAt) {
		return nil, false
	}
	result := entry.result
	return &result, true
}

func (s *MemoryStore) SetCached(_ context.Context, signature string, result Result) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cacheItems[signature] = cacheEntry{result: result, expiresAt: time.Now().Add(s.cacheTTL)}
	return nil
}

func (s *MemoryStore) TryAcquireDedupeLock(_ context.Context, signature, ownerID string, lockTTL time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.dedupeLocks[signature]; ok && time.Now().Before(existing.expiresAt) {
		return false
	}
	s.dedupeLocks[signature] = dedupeLockEntry{
		lock:      DedupeLock{Owner: ownerID, StartedMS: time.Now().UnixMilli()},
		expiresAt: time.Now().Add(lockTTL),
	}
	return true
}

func (s *MemoryStore) GetDedupeLock(_ context.Context, signature string) (*DedupeLock, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.dedupeLocks[signature]
	if !ok || time.Now().After(entry.expiresAt) {
		return nil, false
	}
	lock := entry.lock
	return &lock, true
}

func (s *MemoryStore) ReleaseDedupeLock(_ context.Context, signature, ownerID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.dedupeLocks[signature]; ok && existing.lock.Owner == ownerID {
		delete(s.dedupeLocks, signature)
	}
}

func (s *MemoryStore) SetDedupeResult(_ context.Context, signature string, result Result, ttl time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dedupeRes[signature] = cacheEntry{result: result, expiresAt: time.Now().Add(ttl)}
}

func (s *MemoryStore) WaitForDedupeResult(ctx context.Context, signature string, timeout time.Duration) (*Result, bool) {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(dedupePollInterval)
	defer ticker.Stop()

	for time.Now().Before(deadline) {
		if result, ok := s.GetCached(ctx, signature); ok {
			return result, true
		}
		s.mu.Lock()
		entry, ok := s.dedupeRes[signature]
		s.mu.Unlock()
		if ok && time.Now().Before(entry.expiresAt) {
			result := entry.result
			return &result, true
		}
		select {
		case <-ctx.Done():
			return nil, false
		case <-ticker.C:
		}
	}
	return nil, false
}

func (s *MemoryStore) RecordTotalRequest(_ context.Context, requestID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recordAndTrim(s.totalRequests, requestID)
}

func (s *MemoryStore) recordAndTrim(window *list.List, requestID string) {
	now := time.Now()
	window.PushBack(timestampedMember{at: now, member: requestID})
	cutoff := now.Add(-s.rollingWindow)
	for window.Len() > 0 {
		front := window.Front()
		if front.Value.(timestampedMember).at.Before(cutoff) {
			window.Remove(front)
			continue
		}
		break
	}
}

func (s *MemoryStore) trim(window *list.List) {
	cutoff := time.Now().Add(-s.rollingWindow)
	for window.Len() > 0 {
		front := window.Front()
		if front.Value.(timestampedMember).at.Before(cutoff) {
			window.Remove(front)
			continue
		}
		break
	}
}

// TryReservePremiumRequest mirrors RedisStore's atomic script under the
// MemoryStore's single mutex, which gives the same atomicity guarantee
// within one process.
func (s *MemoryStore) TryReservePremiumRequest(_ context.Context, requestID string) QuotaDecision {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.trim(s.totalRequests)
	s.trim(s.premiumRequests)

	totalCount := int64(s.totalRequests.Len())
	premiumCount := int64(s.premiumRequests.Len())
	if totalCount == 0 {
		return QuotaDecision{TotalCount: totalCount, PremiumCount: premiumCount}
	}

	projected := float64(premiumCount+1) / float64(totalCount)
	if projected > s.capRatio {
		return QuotaDecision{TotalCount: totalCount, PremiumCount: premiumCount, ProjectedRatio: projected}
	}

	member := requestID + ":" + time.Now().String()
	s.premiumRequests.PushBack(timestampedMember{at: time.Now(), member: member})
	return QuotaDecision{
		Allowed:           true,
		TotalCount:        totalCount,
		PremiumCount:      premiumCount,
		ProjectedRatio:    projected,
		ReservationMember: member,
	}
}

func (s *MemoryStore) ReleasePremiumReservation(_ context.Context, member string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for e := s.premiumRequests.Front(); e != nil; e = e.Next() {
		if e.Value.(timestampedMember).member == member {
			s.premiumRequests.Remove(e)
			return
		}
	}
}

// Close stops the background cleanup goroutine.
func (s *MemoryStore) Close() error {
	close(s.done)
	return nil
}

func (s *MemoryStore) cleanupLoop(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.evictExpired()
		case <-ctx.Done():
			return
		case <-s.done:
			return
		}
	}
}

func (s *MemoryStore) evictExpired() {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	for k, v := range s.cacheItems {
		if now.After(v.expiresAt) {
			delete(s.cacheItems, k)
		}
	}
	for k, v := range s.dedupeLocks {
		if now.After(v.expiresAt) {
			delete(s.dedupeLocks, k)
		}
	}
	for k, v := range s.dedupeRes {
		if now.After(v.expiresAt) {
			delete(s.dedupeRes, k)
		}
	}
	s.trim(s.totalRequests)
	s.trim(s.premiumRequests)
}
