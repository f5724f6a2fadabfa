package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corvid-systems/admitcore"
)

func mustPolicy(t *testing.T, opts ...admitcore.PolicyOption) admitcore.Policy {
	t.Helper()
	p, err := admitcore.NewPolicy("test", opts...)
	require.NoError(t, err)
	return p
}

func TestMemoryStore_Diagnostics_ReportsRequiredKeys(t *testing.T) {
	m := New()
	ctx := context.Background()
	policy := mustPolicy(t, admitcore.WithAlgorithm(admitcore.TokenBucket), admitcore.WithRequests(1), admitcore.WithWindow(time.Second))
	_, _, err := m.TryAcquire(ctx, "k1", policy, time.Unix(1000, 0))
	require.NoError(t, err)

	diag := m.Diagnostics()
	assert.Equal(t, "memory", diag["type"])
	assert.Equal(t, true, diag["healthy"])
	assert.Equal(t, 1, diag["states.count"])
}

func TestMemoryStore_TokenBucket_AdmitsUpToCapacity(t *testing.T) {
	m := New()
	policy := mustPolicy(t, admitcore.WithAlgorithm(admitcore.TokenBucket), admitcore.WithRequests(3), admitcore.WithWindow(time.Second))
	ctx := context.Background()
	now := time.Unix(1000, 0)

	for i := 0; i < 3; i++ {
		allowed, _, err := m.TryAcquire(ctx, "k1", policy, now)
		require.NoError(t, err)
		assert.True(t, allowed, "request %d should be admitted", i)
	}

	allowed, snap, err := m.TryAcquire(ctx, "k1", policy, now)
	require.NoError(t, err)
	assert.False(t, allowed)
	assert.Equal(t, int64(0), snap.Remaining)
}

func TestMemoryStore_IndependentKeysDoNotShareState(t *testing.T) {
	m := New()
	policy := mustPolicy(t, admitcore.WithAlgorithm(admitcore.TokenBucket), admitcore.WithRequests(1), admitcore.WithWindow(time.Second))
	ctx := context.Background()
	now := time.Unix(1000, 0)

	allowed1, _, err := m.TryAcquire(ctx, "alice", policy, now)
	require.NoError(t, err)
	assert.True(t, allowed1)

	allowed2, _, err := m.TryAcquire(ctx, "bob", policy, now)
	require.NoError(t, err)
	assert.True(t, allowed2, "distinct key should start with a fresh bucket")
}

func TestMemoryStore_IndependentAlgorithmNamespaces(t *testing.T) {
	m := New()
	ctx := context.Background()
	now := time.Unix(1000, 0)

	tbPolicy := mustPolicy(t, admitcore.WithAlgorithm(admitcore.TokenBucket), admitcore.WithRequests(1), admitcore.WithWindow(time.Second))
	swPolicy := mustPolicy(t, admitcore.WithAlgorithm(admitcore.SlidingWindow), admitcore.WithRequests(1), admitcore.WithWindow(time.Second))

	allowed1, _, err := m.TryAcquire(ctx, "shared-key", tbPolicy, now)
	require.NoError(t, err)
	assert.True(t, allowed1)

	allowed2, _, err := m.TryAcquire(ctx, "shared-key", swPolicy, now)
	require.NoError(t, err)
	assert.True(t, allowed2, "same key under a different algorithm must not collide")
}

func TestMemoryStore_Reset_ClearsAllNamespaces(t *testing.T) {
	m := New()
	ctx := context.Background()
	now := time.Unix(1000, 0)
	policy := mustPolicy(t, admitcore.WithAlgorithm(admitcore.TokenBucket), admitcore.WithRequests(1), admitcore.WithWindow(time.Second))

	_, _, err := m.TryAcquire(ctx, "k1", policy, now)
	require.NoError(t, err)

	require.NoError(t, m.Reset(ctx, "k1"))

	allowed, _, err := m.TryAcquire(ctx, "k1", policy, now)
	require.NoError(t, err)
	assert.True(t, allowed, "reset key should behave as fresh")
}

func TestMemoryStore_GetState_ReturnsFalseForMissingKey(t *testing.T) {
	m := New()
	_, ok, err := m.GetState(context.Background(), "missing")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryStore_Sweep_RemovesStaleEntries(t *testing.T) {
	current := time.Unix(1000, 0)
	m := New(WithClock(func() time.Time { return current }))
	ctx := context.Background()
	policy := mustPolicy(t, admitcore.WithAlgorithm(admitcore.TokenBucket), admitcore.WithRequests(1), admitcore.WithWindow(time.Second))

	_, _, err := m.TryAcquire(ctx, "stale", policy, current)
	require.NoError(t, err)

	current = current.Add(time.Hour)
	m.Sweep(time.Minute)

	diag := m.Diagnostics()
	assert.Equal(t, 0, diag["token_bucket_keys"])
}

func TestMemoryStore_RespectsContextCancellation(t *testing.T) {
	m := New()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	policy := mustPolicy(t, admitcore.WithRequests(1), admitcore.WithWindow(time.Second))

	_, _, err := m.TryAcquire(ctx, "k1", policy, time.Now())
	assert.Error(t, err)
	assert.ErrorIs(t, err, admitcore.ErrStorageUnavailable)
}
