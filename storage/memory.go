// Package storage provides the in-memory Storage implementation: three
// independent per-algorithm key maps, each entry guarded by its own pooled
// mutex so that contention on one key never blocks another.
package storage

import (
	"context"
	"sync"
	"time"

	"github.com/corvid-systems/admitcore"
	"github.com/corvid-systems/admitcore/kernel"
)

// mutexPool reduces allocations for the per-key mutexes created on demand.
var mutexPool = sync.Pool{
	New: func() any { return &sync.Mutex{} },
}

type tokenBucketEntry struct {
	state            kernel.TokenBucketState
	lastAccessMillis int64
}

type slidingWindowEntry struct {
	state            kernel.SlidingWindowState
	lastAccessMillis int64
}

type fixedWindowEntry struct {
	state            kernel.FixedWindowState
	lastAccessMillis int64
}

// MemoryStore is a single-process Storage implementation backed by three
// sync.Map key spaces, one per algorithm, so a key used under TOKEN_BUCKET
// never collides with the same key used under SLIDING_WINDOW.
//
// MemoryStore never evicts entries on its own; it records each entry's last
// access time so that operators who wire their own periodic sweep can drop
// idle entries (see Sweep).
type MemoryStore struct {
	clock func() time.Time

	locks sync.Map // map[string]*sync.Mutex, keyed by "<algo>|<key>"

	tokenBuckets   sync.Map // map[string]*tokenBucketEntry
	slidingWindows sync.Map // map[string]*slidingWindowEntry
	fixedWindows   sync.Map // map[string]*fixedWindowEntry
}

// Option configures a MemoryStore under construction via New.
type Option func(*MemoryStore)

// WithClock overrides the store's time source. Intended for tests.
func WithClock(clock func() time.Time) Option {
	return func(m *MemoryStore) { m.clock = clock }
}

// New constructs a ready-to-use MemoryStore.
func New(opts ...Option) *MemoryStore {
	m := &MemoryStore{clock: time.Now}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *MemoryStore) CurrentTime() time.Time { return m.clock() }

func (m *MemoryStore) lockFor(namespace, key string) *sync.Mutex {
	lockKey := namespace + "|" + key
	if existing, ok := m.locks.Load(lockKey); ok {
		return existing.(*sync.Mutex)
	}
	mu := mutexPool.Get().(*sync.Mutex)
	actual, loaded := m.locks.LoadOrStore(lockKey, mu)
	if loaded {
		mutexPool.Put(mu)
	}
	return actual.(*sync.Mutex)
}

func (m *MemoryStore) TryAcquire(ctx context.Context, key string, policy admitcore.Policy, now time.Time) (bool, admitcore.StateSnapshot, error) {
	if err := ctx.Err(); err != nil {
		return false, admitcore.StateSnapshot{}, admitcore.NewStorageUnavailableError("memory:TryAcquire", err)
	}

	nowMillis := now.UnixMilli()

	switch policy.Algorithm() {
	case admitcore.TokenBucket:
		return m.tryAcquireTokenBucket(key, policy, nowMillis)
	case admitcore.SlidingWindow:
		return m.tryAcquireSlidingWindow(key, policy, nowMillis)
	case admitcore.FixedWindow:
		return m.tryAcquireFixedWindow(key, policy, nowMillis)
	default:
		return false, admitcore.StateSnapshot{}, admitcore.NewStorageUnavailableError("memory:TryAcquire",
			errUnknownAlgorithm)
	}
}

func (m *MemoryStore) tryAcquireTokenBucket(key string, policy admitcore.Policy, nowMillis int64) (bool, admitcore.StateSnapshot, error) {
	lock := m.lockFor("tb", key)
	lock.Lock()
	defer lock.Unlock()

	var oldPtr *kernel.TokenBucketState
	if v, ok := m.tokenBuckets.Load(key); ok {
		oldPtr = &v.(*tokenBucketEntry).state
	}

	next, allowed := kernel.TokenBucketTransition(oldPtr, float64(policy.Capacity()), policy.RefillRate(), 1, nowMillis)
	m.tokenBuckets.Store(key, &tokenBucketEntry{state: next, lastAccessMillis: nowMillis})

	remaining := int64(next.Tokens)
	resetMillis := nowMillis
	if next.Tokens < float64(policy.Capacity()) {
		deficit := float64(policy.Capacity()) - next.Tokens
		resetMillis = nowMillis + int64(deficit/policy.RefillRate())
	}

	return allowed, admitcore.StateSnapshot{
		Limit:        policy.Capacity(),
		Remaining:    remaining,
		ResetTime:    time.UnixMilli(resetMillis),
		CurrentUsage: policy.Capacity() - remaining,
	}, nil
}

func (m *MemoryStore) tryAcquireSlidingWindow(key string, policy admitcore.Policy, nowMillis int64) (bool, admitcore.StateSnapshot, error) {
	lock := m.lockFor("sw", key)
	lock.Lock()
	defer lock.Unlock()

	var oldPtr *kernel.SlidingWindowState
	if v, ok := m.slidingWindows.Load(key); ok {
		oldPtr = &v.(*slidingWindowEntry).state
	}

	next, allowed := kernel.SlidingWindowTransition(oldPtr, policy.Requests(), policy.WindowMillis(), nowMillis)
	m.slidingWindows.Store(key, &slidingWindowEntry{state: next, lastAccessMillis: nowMillis})

	used := next.CurrentCount
	remaining := policy.Requests() - used
	if remaining < 0 {
		remaining = 0
	}

	return allowed, admitcore.StateSnapshot{
		Limit:        policy.Requests(),
		Remaining:    remaining,
		ResetTime:    time.UnixMilli(next.CurrentStart + policy.WindowMillis()),
		CurrentUsage: used,
	}, nil
}

func (m *MemoryStore) tryAcquireFixedWindow(key string, policy admitcore.Policy, nowMillis int64) (bool, admitcore.StateSnapshot, error) {
	lock := m.lockFor("fw", key)
	lock.Lock()
	defer lock.Unlock()

	var oldPtr *kernel.FixedWindowState
	if v, ok := m.fixedWindows.Load(key); ok {
		oldPtr = &v.(*fixedWindowEntry).state
	}

	next, allowed := kernel.FixedWindowTransition(oldPtr, policy.Requests(), policy.WindowMillis(), nowMillis)
	m.fixedWindows.Store(key, &fixedWindowEntry{state: next, lastAccessMillis: nowMillis})

	remaining := policy.Requests() - next.Count
	if remaining < 0 {
		remaining = 0
	}
	windowEnd := (next.WindowNumber + 1) * policy.WindowMillis()

	return allowed, admitcore.StateSnapshot{
		Limit:        policy.Requests(),
		Remaining:    remaining,
		ResetTime:    time.UnixMilli(windowEnd),
		CurrentUsage: next.Count,
	}, nil
}

func (m *MemoryStore) Reset(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return admitcore.NewStorageUnavailableError("memory:Reset", err)
	}
	m.tokenBuckets.Delete(key)
	m.slidingWindows.Delete(key)
	m.fixedWindows.Delete(key)
	return nil
}

// GetState reads back whichever algorithm namespace has an entry for key,
// checking token bucket, then sliding window, then fixed window. For a
// sliding-window entry it reports the configured limit as unknown
// (conventionally 100) since the snapshot alone cannot recover the policy
// that produced it; callers that need an authoritative limit should read it
// from their own Policy rather than from GetState.
func (m *MemoryStore) GetState(ctx context.Context, key string) (admitcore.StateSnapshot, bool, error) {
	if err := ctx.Err(); err != nil {
		return admitcore.StateSnapshot{}, false, admitcore.NewStorageUnavailableError("memory:GetState", err)
	}

	if v, ok := m.tokenBuckets.Load(key); ok {
		s := v.(*tokenBucketEntry).state
		return admitcore.StateSnapshot{
			Limit:        0,
			Remaining:    int64(s.Tokens),
			ResetTime:    time.UnixMilli(s.LastRefill),
			CurrentUsage: 0,
		}, true, nil
	}

	if v, ok := m.slidingWindows.Load(key); ok {
		s := v.(*slidingWindowEntry).state
		return admitcore.StateSnapshot{
			Limit:        100,
			Remaining:    100 - s.CurrentCount,
			ResetTime:    time.UnixMilli(s.CurrentStart),
			CurrentUsage: s.CurrentCount,
		}, true, nil
	}

	if v, ok := m.fixedWindows.Load(key); ok {
		s := v.(*fixedWindowEntry).state
		return admitcore.StateSnapshot{
			CurrentUsage: s.Count,
		}, true, nil
	}

	return admitcore.StateSnapshot{}, false, nil
}

// Diagnostics reports entry counts per algorithm namespace, plus the
// type/healthy/states.count keys every Storage implementation guarantees.
func (m *MemoryStore) Diagnostics() map[string]any {
	tb := countEntries(&m.tokenBuckets)
	sw := countEntries(&m.slidingWindows)
	fw := countEntries(&m.fixedWindows)

	return map[string]any{
		"type":                "memory",
		"healthy":             m.IsHealthy(),
		"states.count":        tb + sw + fw,
		"token_bucket_keys":   tb,
		"sliding_window_keys": sw,
		"fixed_window_keys":   fw,
	}
}

func (m *MemoryStore) IsHealthy() bool { return true }

// Sweep removes token-bucket, sliding-window and fixed-window entries that
// have sat untouched for longer than ttl. Operators may call this from their own ticker; unlike
// the teacher's memory backend, MemoryStore does not start one itself so
// that library users control background goroutine lifetime.
func (m *MemoryStore) Sweep(ttl time.Duration) {
	cutoff := m.clock().Add(-ttl).UnixMilli()

	m.tokenBuckets.Range(func(k, v any) bool {
		if v.(*tokenBucketEntry).lastAccessMillis < cutoff {
			m.tokenBuckets.Delete(k)
		}
		return true
	})
	m.slidingWindows.Range(func(k, v any) bool {
		if v.(*slidingWindowEntry).lastAccessMillis < cutoff {
			m.slidingWindows.Delete(k)
		}
		return true
	})
	m.fixedWindows.Range(func(k, v any) bool {
		if v.(*fixedWindowEntry).lastAccessMillis < cutoff {
			m.fixedWindows.Delete(k)
		}
		return true
	})
}

func countEntries(m *sync.Map) int {
	n := 0
	m.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}
