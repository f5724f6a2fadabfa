package tiered

import (
	"context"
	"fmt"
	"time"

	"github.com/corvid-systems/admitcore"
)

// Store wraps a primary and secondary admitcore.Storage behind a circuit
// breaker: while the breaker is CLOSED, calls go to the primary; once the
// rolling failure ratio trips it OPEN, calls are routed to the secondary
// until a jittered timeout admits a bounded number of HALF_OPEN probes back
// to the primary.
type Store struct {
	primary   admitcore.Storage
	secondary admitcore.Storage
	breaker   *breaker
	metrics   admitcore.MetricsSink
	name      string
}

// Option configures a Store under construction via New.
type Option func(*Store)

func WithMetrics(sink admitcore.MetricsSink) Option {
	return func(s *Store) { s.metrics = sink }
}

func WithName(name string) Option {
	return func(s *Store) { s.name = name }
}

// New builds a tiered Store. primary is preferred while healthy; secondary
// absorbs traffic whenever the breaker is not CLOSED.
func New(primary, secondary admitcore.Storage, cfg BreakerConfig, opts ...Option) *Store {
	s := &Store{primary: primary, secondary: secondary, name: "tiered"}
	for _, opt := range opts {
		opt(s)
	}
	s.breaker = newBreaker(cfg, s.onStateChange)
	return s
}

func (s *Store) onStateChange(_, to breakerState) {
	if s.metrics != nil {
		s.metrics.RecordBreakerStateChange(s.name, to.String())
	}
}

func (s *Store) CurrentTime() time.Time { return s.primary.CurrentTime() }

func (s *Store) TryAcquire(ctx context.Context, key string, policy admitcore.Policy, now time.Time) (bool, admitcore.StateSnapshot, error) {
	routeToPrimary, isProbe := s.breaker.admit()
	if !routeToPrimary {
		return s.fallback(ctx, key, policy, now)
	}
	if isProbe {
		defer s.breaker.releaseProbe()
	}

	allowed, snap, err := s.primary.TryAcquire(ctx, key, policy, now)
	if err != nil {
		s.breaker.recordFailure()
		return s.fallback(ctx, key, policy, now)
	}
	s.breaker.recordSuccess()
	return allowed, snap, nil
}

func (s *Store) fallback(ctx context.Context, key string, policy admitcore.Policy, now time.Time) (bool, admitcore.StateSnapshot, error) {
	allowed, snap, err := s.secondary.TryAcquire(ctx, key, policy, now)
	if err != nil {
		return false, admitcore.StateSnapshot{}, fmt.Errorf("tiered: primary unavailable and secondary failed: %w", err)
	}
	return allowed, snap, nil
}

func (s *Store) Reset(ctx context.Context, key string) error {
	errPrimary := s.primary.Reset(ctx, key)
	errSecondary := s.secondary.Reset(ctx, key)
	if errPrimary != nil {
		return errPrimary
	}
	return errSecondary
}

func (s *Store) GetState(ctx context.Context, key string) (admitcore.StateSnapshot, bool, error) {
	if s.breaker.currentState() == stateClosed {
		snap, ok, err := s.primary.GetState(ctx, key)
		if err == nil {
			return snap, ok, nil
		}
	}
	return s.secondary.GetState(ctx, key)
}

// Diagnostics reports states.count from whichever store currently takes
// traffic: the primary while the breaker is CLOSED, otherwise the secondary.
func (s *Store) Diagnostics() map[string]any {
	primary := s.primary.Diagnostics()
	secondary := s.secondary.Diagnostics()
	active := secondary
	if s.breaker.currentState() == stateClosed {
		active = primary
	}
	return map[string]any{
		"type":          "tiered",
		"healthy":       s.IsHealthy(),
		"states.count":  active["states.count"],
		"breaker_state": s.breaker.currentState().String(),
		"primary":       primary,
		"secondary":     secondary,
		"failure_ratio": s.breaker.failureRatio(),
	}
}

func (s *Store) IsHealthy() bool {
	return s.primary.IsHealthy() || s.secondary.IsHealthy()
}

// BreakerState reports the current breaker state as a string, for
// operators and tests that want to assert on it without importing the
// unexported breakerState type.
func (s *Store) BreakerState() string {
	return s.breaker.currentState().String()
}
