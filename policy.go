package admitcore

import (
	"fmt"
	"math"
	"time"
)

// Algorithm identifies which admission algorithm a Policy is evaluated under.
type Algorithm int

const (
	TokenBucket Algorithm = iota
	SlidingWindow
	FixedWindow
)

func (a Algorithm) String() string {
	switch a {
	case TokenBucket:
		return "TOKEN_BUCKET"
	case SlidingWindow:
		return "SLIDING_WINDOW"
	case FixedWindow:
		return "FIXED_WINDOW"
	default:
		return "UNKNOWN"
	}
}

// FailStrategy controls admission behavior when the storage backing a
// Policy becomes unavailable.
type FailStrategy int

const (
	FailOpen FailStrategy = iota
	FailClosed
)

func (s FailStrategy) String() string {
	if s == FailClosed {
		return "FAIL_CLOSED"
	}
	return "FAIL_OPEN"
}

// minSlidingOrFixedWindowMillis is the minimum window width accepted for
// SLIDING_WINDOW and FIXED_WINDOW policies.
const minSlidingOrFixedWindowMillis = 1000

// Policy is an immutable declaration of one admission rule: the algorithm,
// capacity, window, and failure behavior governing a named limiter.
//
// Policy values are built once via NewPolicy and passed by value; they carry
// no mutable state and are safe to share across goroutines and requests.
type Policy struct {
	name         string
	algorithm    Algorithm
	requests     int64
	windowMillis int64
	failStrategy FailStrategy
	capacity     int64
	refillRate   float64 // tokens per millisecond
	ttl          time.Duration
}

func (p Policy) Name() string { return p.name }
func (p Policy) Algorithm() Algorithm { return p.algorithm }
func (p Policy) Requests() int64 { return p.requests }
func (p Policy) WindowMillis() int64 { return p.windowMillis }
func (p Policy) FailStrategy() FailStrategy { return p.failStrategy }
func (p Policy) Capacity() int64 { return p.capacity }
func (p Policy) RefillRate() float64 { return p.refillRate }
func (p Policy) TTL() time.Duration { return p.ttl }

// PolicyOption configures a Policy under construction via NewPolicy.
type PolicyOption func(*Policy) error

// WithAlgorithm selects the admission algorithm. Defaults to TokenBucket.
func WithAlgorithm(a Algorithm) PolicyOption {
	return func(p *Policy) error {
		p.algorithm = a
		return nil
	}
}

// WithRequests sets the declared request quota for the window (or, for
// TOKEN_BUCKET, the default burst capacity when WithCapacity is not used).
func WithRequests(n int64) PolicyOption {
	return func(p *Policy) error {
		if n <= 0 {
			return fmt.Errorf("%w: requests must be positive, got %d", ErrPolicyInvalid, n)
		}
		p.requests = n
		return nil
	}
}

// WithWindow sets the policy window length.
func WithWindow(d time.Duration) PolicyOption {
	return func(p *Policy) error {
		if d <= 0 {
			return fmt.Errorf("%w: window must be positive, got %v", ErrPolicyInvalid, d)
		}
		p.windowMillis = d.Milliseconds()
		return nil
	}
}

// WithFailStrategy sets the behavior when storage is unavailable. Defaults
// to FailOpen.
func WithFailStrategy(s FailStrategy) PolicyOption {
	return func(p *Policy) error {
		p.failStrategy = s
		return nil
	}
}

// WithCapacity overrides the token-bucket capacity (defaults to Requests).
func WithCapacity(n int64) PolicyOption {
	return func(p *Policy) error {
		if n <= 0 {
			return fmt.Errorf("%w: capacity must be positive, got %d", ErrPolicyInvalid, n)
		}
		p.capacity = n
		return nil
	}
}

// WithRefillRate overrides the token-bucket refill rate, in tokens per
// millisecond (defaults to requests/windowMillis).
func WithRefillRate(tokensPerMs float64) PolicyOption {
	return func(p *Policy) error {
		if tokensPerMs <= 0 {
			return fmt.Errorf("%w: refill rate must be positive, got %f", ErrPolicyInvalid, tokensPerMs)
		}
		p.refillRate = tokensPerMs
		return nil
	}
}

// NewPolicy validates and constructs an immutable Policy. It is the only
// component allowed to fail loudly (PolicyInvalid) — every runtime error
// downstream of this call is converted to a Decision instead.
func NewPolicy(name string, opts ...PolicyOption) (Policy, error) {
	if name == "" {
		return Policy{}, fmt.Errorf("%w: name cannot be empty", ErrPolicyInvalid)
	}

	p := Policy{
		name:         name,
		algorithm:    TokenBucket,
		windowMillis: int64(time.Minute / time.Millisecond),
		failStrategy: FailOpen,
	}

	for _, opt := range opts {
		if err := opt(&p); err != nil {
			return Policy{}, err
		}
	}

	if p.requests <= 0 {
		return Policy{}, fmt.Errorf("%w: requests must be set via WithRequests", ErrPolicyInvalid)
	}
	if p.windowMillis <= 0 {
		return Policy{}, fmt.Errorf("%w: window must be positive", ErrPolicyInvalid)
	}

	switch p.algorithm {
	case SlidingWindow, FixedWindow:
		if p.windowMillis < minSlidingOrFixedWindowMillis {
			return Policy{}, fmt.Errorf("%w: window must be at least %dms for %s, got %dms",
				ErrPolicyInvalid, minSlidingOrFixedWindowMillis, p.algorithm, p.windowMillis)
		}
	case TokenBucket:
		if p.capacity == 0 {
			p.capacity = p.requests
		}
		if p.refillRate == 0 {
			p.refillRate = float64(p.requests) / float64(p.windowMillis)
		}
		if p.capacity <= 0 {
			return Policy{}, fmt.Errorf("%w: capacity must be positive", ErrPolicyInvalid)
		}
		if p.refillRate <= 0 {
			return Policy{}, fmt.Errorf("%w: refill rate must be positive", ErrPolicyInvalid)
		}
	default:
		return Policy{}, fmt.Errorf("%w: unknown algorithm %v", ErrPolicyInvalid, p.algorithm)
	}

	p.ttl = saturatingTTL(p.windowMillis)

	return p, nil
}

// saturatingTTL computes 2x the window (in seconds), saturating rather than
// overflowing for absurdly large windows.
func saturatingTTL(windowMillis int64) time.Duration {
	windowSeconds := windowMillis / 1000
	if windowSeconds <= 0 {
		windowSeconds = 1
	}
	const maxSeconds = math.MaxInt64 / int64(time.Second) / 2
	if windowSeconds > maxSeconds {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(2*windowSeconds) * time.Second
}
