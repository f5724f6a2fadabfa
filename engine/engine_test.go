package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corvid-systems/admitcore"
	"github.com/corvid-systems/admitcore/throttle"
)

// mockStorage is a minimal admitcore.Storage test double whose behavior is
// scripted per test rather than implementing a real algorithm.
type mockStorage struct {
	now        time.Time
	allowed    bool
	snapshot   admitcore.StateSnapshot
	err        error
	lastKey    string
}

func (m *mockStorage) CurrentTime() time.Time { return m.now }

func (m *mockStorage) TryAcquire(_ context.Context, key string, _ admitcore.Policy, _ time.Time) (bool, admitcore.StateSnapshot, error) {
	m.lastKey = key
	return m.allowed, m.snapshot, m.err
}

func (m *mockStorage) Reset(context.Context, string) error { return nil }
func (m *mockStorage) GetState(context.Context, string) (admitcore.StateSnapshot, bool, error) {
	return admitcore.StateSnapshot{}, false, nil
}
func (m *mockStorage) Diagnostics() map[string]any { return nil }
func (m *mockStorage) IsHealthy() bool             { return m.err == nil }

type mockResolver struct {
	key string
	err error
}

func (m *mockResolver) ResolveKey(context.Context, admitcore.Context) (string, error) {
	return m.key, m.err
}

func mustPolicy(t *testing.T, opts ...admitcore.PolicyOption) admitcore.Policy {
	t.Helper()
	p, err := admitcore.NewPolicy("test-policy", opts...)
	require.NoError(t, err)
	return p
}

func TestEngine_AdmitsAndReportsRemaining(t *testing.T) {
	now := time.Unix(1000, 0)
	store := &mockStorage{
		now:     now,
		allowed: true,
		snapshot: admitcore.StateSnapshot{
			Limit: 10, Remaining: 7, ResetTime: now.Add(time.Minute),
		},
	}
	e := New(store, &mockResolver{key: "alice"})
	policy := mustPolicy(t, admitcore.WithRequests(10), admitcore.WithWindow(time.Minute))

	decision := e.TryAcquire(context.Background(), admitcore.NewContext(), policy)

	assert.True(t, decision.Allowed)
	assert.Equal(t, int64(7), decision.Remaining)
	assert.Equal(t, admitcore.ReasonAdmitted, decision.Reason)
	assert.Equal(t, "alice", store.lastKey)
}

func TestEngine_DeniesWithRetryAfter(t *testing.T) {
	now := time.Unix(1000, 0)
	store := &mockStorage{
		now:     now,
		allowed: false,
		snapshot: admitcore.StateSnapshot{
			Limit: 10, Remaining: 0, ResetTime: now.Add(5 * time.Second),
		},
	}
	e := New(store, &mockResolver{key: "alice"})
	policy := mustPolicy(t, admitcore.WithRequests(10), admitcore.WithWindow(time.Minute))

	decision := e.TryAcquire(context.Background(), admitcore.NewContext(), policy)

	assert.False(t, decision.Allowed)
	assert.Equal(t, int64(5), decision.RetryAfterSeconds)
	assert.Equal(t, admitcore.ReasonLimitExceeded, decision.Reason)
}

func TestEngine_KeyResolutionFailureFallsBackToAnonymousKey(t *testing.T) {
	store := &mockStorage{now: time.Now(), allowed: true}
	e := New(store, &mockResolver{err: errors.New("no header")})
	policy := mustPolicy(t, admitcore.WithRequests(10), admitcore.WithWindow(time.Minute))

	e.TryAcquire(context.Background(), admitcore.NewContext(), policy)

	assert.Equal(t, "global-anonymous", store.lastKey)
}

func TestEngine_NilResolverUsesAnonymousKey(t *testing.T) {
	store := &mockStorage{now: time.Now(), allowed: true}
	e := New(store, nil)
	policy := mustPolicy(t, admitcore.WithRequests(10), admitcore.WithWindow(time.Minute))

	e.TryAcquire(context.Background(), admitcore.NewContext(), policy)

	assert.Equal(t, "global-anonymous", store.lastKey)
}

func TestEngine_StorageErrorFailsOpenByDefault(t *testing.T) {
	store := &mockStorage{now: time.Now(), err: admitcore.NewStorageUnavailableError("test", errors.New("boom"))}
	e := New(store, &mockResolver{key: "alice"})
	policy := mustPolicy(t, admitcore.WithRequests(10), admitcore.WithWindow(time.Minute))

	decision := e.TryAcquire(context.Background(), admitcore.NewContext(), policy)

	assert.True(t, decision.Allowed)
	assert.Contains(t, decision.Reason, admitcore.ReasonStorageFallbackOpen)
	assert.Contains(t, decision.Reason, "boom", "insecure mode includes the full internal error detail")
}

func TestEngine_StorageErrorScrubsDetailWhenSecure(t *testing.T) {
	store := &mockStorage{now: time.Now(), err: admitcore.NewStorageUnavailableError("test", errors.New("boom"))}
	e := New(store, &mockResolver{key: "alice"}, WithSecureMessages(true))
	policy := mustPolicy(t, admitcore.WithRequests(10), admitcore.WithWindow(time.Minute))

	decision := e.TryAcquire(context.Background(), admitcore.NewContext(), policy)

	assert.True(t, decision.Allowed)
	assert.Contains(t, decision.Reason, admitcore.ReasonStorageFallbackOpen)
	assert.NotContains(t, decision.Reason, "boom", "secure mode must not leak internal error detail")
}

func TestEngine_StorageErrorFailsClosedWhenConfigured(t *testing.T) {
	store := &mockStorage{now: time.Now(), err: admitcore.NewStorageUnavailableError("test", errors.New("boom"))}
	e := New(store, &mockResolver{key: "alice"})
	policy := mustPolicy(t, admitcore.WithRequests(10), admitcore.WithWindow(time.Minute), admitcore.WithFailStrategy(admitcore.FailClosed))

	decision := e.TryAcquire(context.Background(), admitcore.NewContext(), policy)

	assert.False(t, decision.Allowed)
	assert.Contains(t, decision.Reason, admitcore.ReasonStorageFallbackClosed)
}

func TestEngine_AppliesConfiguredThrottleDelay(t *testing.T) {
	now := time.Unix(1000, 0)
	store := &mockStorage{
		now:     now,
		allowed: true,
		snapshot: admitcore.StateSnapshot{
			Limit: 100, Remaining: 10, ResetTime: now.Add(time.Minute), CurrentUsage: 90,
		},
	}
	policy := mustPolicy(t, admitcore.WithRequests(100), admitcore.WithWindow(time.Minute))
	e := New(store, &mockResolver{key: "alice"}, WithThrottle(policy.Name(), throttle.Config{
		SoftLimit: 50, HardLimit: 100, MaxDelayMs: 1000,
	}))

	decision := e.TryAcquire(context.Background(), admitcore.NewContext(), policy)

	assert.Equal(t, int64(800), decision.DelayMillis)
}
