package admitcore

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewPolicy_DefaultsToTokenBucket(t *testing.T) {
	p, err := NewPolicy("api", WithRequests(100), WithWindow(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, TokenBucket, p.Algorithm())
	assert.Equal(t, int64(100), p.Capacity())
	assert.InDelta(t, 100.0/60000.0, p.RefillRate(), 1e-9)
}

func TestNewPolicy_RejectsEmptyName(t *testing.T) {
	_, err := NewPolicy("", WithRequests(1), WithWindow(time.Second))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrPolicyInvalid)
}

func TestNewPolicy_RejectsMissingRequests(t *testing.T) {
	_, err := NewPolicy("api", WithWindow(time.Second))
	assert.ErrorIs(t, err, ErrPolicyInvalid)
}

func TestNewPolicy_SlidingWindowRejectsSubSecondWindow(t *testing.T) {
	_, err := NewPolicy("api", WithAlgorithm(SlidingWindow), WithRequests(10), WithWindow(500*time.Millisecond))
	assert.ErrorIs(t, err, ErrPolicyInvalid)
}

func TestNewPolicy_FixedWindowRejectsSubSecondWindow(t *testing.T) {
	_, err := NewPolicy("api", WithAlgorithm(FixedWindow), WithRequests(10), WithWindow(500*time.Millisecond))
	assert.ErrorIs(t, err, ErrPolicyInvalid)
}

func TestNewPolicy_CustomCapacityAndRefillRate(t *testing.T) {
	p, err := NewPolicy("api",
		WithRequests(100),
		WithWindow(time.Minute),
		WithCapacity(50),
		WithRefillRate(0.01),
	)
	require.NoError(t, err)
	assert.Equal(t, int64(50), p.Capacity())
	assert.InDelta(t, 0.01, p.RefillRate(), 1e-9)
}

func TestNewPolicy_TTLIsTwiceTheWindow(t *testing.T) {
	p, err := NewPolicy("api", WithRequests(10), WithWindow(30*time.Second))
	require.NoError(t, err)
	assert.Equal(t, time.Minute, p.TTL())
}

func TestNewPolicy_FailStrategyDefaultsToFailOpen(t *testing.T) {
	p, err := NewPolicy("api", WithRequests(10), WithWindow(time.Second))
	require.NoError(t, err)
	assert.Equal(t, FailOpen, p.FailStrategy())
}

func TestNewPolicy_RejectsNonPositiveCapacity(t *testing.T) {
	_, err := NewPolicy("api", WithRequests(10), WithWindow(time.Second), WithCapacity(-1))
	assert.ErrorIs(t, err, ErrPolicyInvalid)
}

func TestAlgorithm_String(t *testing.T) {
	assert.Equal(t, "TOKEN_BUCKET", TokenBucket.String())
	assert.Equal(t, "SLIDING_WINDOW", SlidingWindow.String())
	assert.Equal(t, "FIXED_WINDOW", FixedWindow.String())
}
