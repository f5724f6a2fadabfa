// Package tiered implements a Storage that fronts a primary and a secondary
// Storage behind a circuit breaker, generalizing the teacher's atomic
// three-state composite backend with a rolling failure-ratio window,
// jittered half-open timeout, and a bounded number of concurrent probes.
package tiered

import (
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"
)

type breakerState int32

const (
	stateClosed breakerState = iota
	stateOpen
	stateHalfOpen
)

func (s breakerState) String() string {
	switch s {
	case stateOpen:
		return "OPEN"
	case stateHalfOpen:
		return "HALF_OPEN"
	default:
		return "CLOSED"
	}
}

// BreakerConfig configures the rolling failure-ratio circuit breaker.
type BreakerConfig struct {
	// FailureThreshold is the fraction of calls, in (0,1], within Window
	// that must fail before the breaker trips open.
	FailureThreshold float64
	// Window is how far back call outcomes are considered for the ratio.
	Window time.Duration
	// MinSamples is the minimum number of calls within Window before the
	// ratio is evaluated at all, avoiding tripping on a single early call.
	MinSamples int
	// BaseHalfOpenTimeout is how long the breaker stays open before
	// allowing a probe, before jitter is applied.
	BaseHalfOpenTimeout time.Duration
	// JitterFraction scales the randomization applied to the half-open
	// timeout, e.g. 0.2 means +/-20%.
	JitterFraction float64
	// MaxConcurrentProbes bounds how many half-open calls may be in
	// flight at once, preventing a thundering herd against a recovering
	// primary.
	MaxConcurrentProbes int32
}

func (c *BreakerConfig) setDefaults() {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 0.5
	}
	if c.Window <= 0 {
		c.Window = 30 * time.Second
	}
	if c.MinSamples <= 0 {
		c.MinSamples = 10
	}
	if c.BaseHalfOpenTimeout <= 0 {
		c.BaseHalfOpenTimeout = 15 * time.Second
	}
	if c.JitterFraction <= 0 {
		c.JitterFraction = 0.2
	}
	if c.MaxConcurrentProbes <= 0 {
		c.MaxConcurrentProbes = 1
	}
}

type callRecord struct {
	at      time.Time
	success bool
}

// breaker tracks a rolling window of call outcomes and transitions between
// CLOSED, OPEN, and HALF_OPEN. Outcome bookkeeping is serialized by mu;
// state and in-flight probe count use atomics so readers never block a
// writer mid-transition.
type breaker struct {
	cfg BreakerConfig

	state        int32 // atomic breakerState
	openedAtNano int64 // atomic unix nanos
	probesInUse  int32 // atomic

	mu      sync.Mutex
	history []callRecord

	onStateChange func(from, to breakerState)
}

func newBreaker(cfg BreakerConfig, onStateChange func(from, to breakerState)) *breaker {
	cfg.setDefaults()
	return &breaker{cfg: cfg, onStateChange: onStateChange}
}

func (b *breaker) currentState() breakerState {
	return breakerState(atomic.LoadInt32(&b.state))
}

// admit reports whether a call should be routed to the primary right now,
// and if so whether it counts as a half-open probe (which must later call
// releaseProbe). When state is OPEN and the jittered timeout has elapsed,
// admit transitions the breaker to HALF_OPEN as a side effect.
func (b *breaker) admit() (routeToPrimary bool, isProbe bool) {
	switch b.currentState() {
	case stateClosed:
		return true, false
	case stateOpen:
		openedAt := atomic.LoadInt64(&b.openedAtNano)
		timeout := b.jitteredTimeout()
		if time.Since(time.Unix(0, openedAt)) < timeout {
			return false, false
		}
		if !atomic.CompareAndSwapInt32(&b.state, int32(stateOpen), int32(stateHalfOpen)) {
			// Another goroutine already won the transition race.
			return b.admit()
		}
		b.notify(stateOpen, stateHalfOpen)
		fallthrough
	case stateHalfOpen:
		if atomic.AddInt32(&b.probesInUse, 1) <= b.cfg.MaxConcurrentProbes {
			return true, true
		}
		atomic.AddInt32(&b.probesInUse, -1)
		return false, false
	default:
		return false, false
	}
}

func (b *breaker) releaseProbe() {
	atomic.AddInt32(&b.probesInUse, -1)
}

// recordSuccess reports a successful primary call. During HALF_OPEN this
// closes the breaker; during CLOSED it simply extends the rolling history.
func (b *breaker) recordSuccess() {
	if b.currentState() == stateHalfOpen {
		b.close()
		return
	}
	b.record(true)
}

// recordFailure reports a failed primary call, possibly tripping the
// breaker open if the rolling failure ratio crosses FailureThreshold.
func (b *breaker) recordFailure() {
	if b.currentState() == stateHalfOpen {
		b.open()
		return
	}
	b.record(false)
	if b.failureRatio() >= b.cfg.FailureThreshold {
		b.open()
	}
}

func (b *breaker) record(success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := time.Now()
	b.history = append(b.history, callRecord{at: now, success: success})
	b.pruneLocked(now)
}

func (b *breaker) pruneLocked(now time.Time) {
	cutoff := now.Add(-b.cfg.Window)
	i := 0
	for i < len(b.history) && b.history[i].at.Before(cutoff) {
		i++
	}
	if i > 0 {
		b.history = append([]callRecord(nil), b.history[i:]...)
	}
}

func (b *breaker) failureRatio() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pruneLocked(time.Now())
	if len(b.history) < b.cfg.MinSamples {
		return 0
	}
	failures := 0
	for _, r := range b.history {
		if !r.success {
			failures++
		}
	}
	return float64(failures) / float64(len(b.history))
}

func (b *breaker) open() {
	prev := b.currentState()
	if prev == stateOpen {
		return
	}
	atomic.StoreInt64(&b.openedAtNano, time.Now().UnixNano())
	atomic.StoreInt32(&b.state, int32(stateOpen))
	b.notify(prev, stateOpen)
}

func (b *breaker) close() {
	prev := b.currentState()
	atomic.StoreInt32(&b.state, int32(stateClosed))
	b.mu.Lock()
	b.history = nil
	b.mu.Unlock()
	if prev != stateClosed {
		b.notify(prev, stateClosed)
	}
}

func (b *breaker) notify(from, to breakerState) {
	if b.onStateChange != nil {
		b.onStateChange(from, to)
	}
}

// jitteredTimeout returns BaseHalfOpenTimeout randomized by +/-JitterFraction,
// computed fresh on every call rather than fixed at Open() time so that
// concurrent callers racing the same open window don't all retry in lockstep.
func (b *breaker) jitteredTimeout() time.Duration {
	base := float64(b.cfg.BaseHalfOpenTimeout)
	jitter := base * b.cfg.JitterFraction * (2*rand.Float64() - 1)
	d := base + jitter
	if d < 0 {
		d = 0
	}
	return time.Duration(d)
}
