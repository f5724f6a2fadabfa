// Package engine implements the admission decision procedure: resolve a
// key, consult Storage, translate the result (or a storage failure) into a
// Decision, and emit metrics/audit observations along the way. It mirrors
// the teacher's top-level RateLimit orchestration type, generalized to the
// expanded Storage/KeyResolver/MetricsSink/AuditSink contracts.
package engine

import (
	"context"
	"time"

	"github.com/corvid-systems/admitcore"
	"github.com/corvid-systems/admitcore/errorsx"
	"github.com/corvid-systems/admitcore/throttle"
)

const anonymousKey = "global-anonymous"

// Engine evaluates admission Decisions for a single Storage, optionally
// resolving keys, emitting metrics, recording audit events, and applying
// adaptive throttle delays per policy.
type Engine struct {
	storage   admitcore.Storage
	resolver  admitcore.KeyResolver
	metrics   admitcore.MetricsSink
	audit     admitcore.AuditSink
	throttles map[string]throttle.Config
	secure    bool
}

// Option configures an Engine under construction via New.
type Option func(*Engine)

func WithMetrics(sink admitcore.MetricsSink) Option {
	return func(e *Engine) { e.metrics = sink }
}

func WithAudit(sink admitcore.AuditSink) Option {
	return func(e *Engine) { e.audit = sink }
}

// WithSecureMessages controls whether a storage failure's Decision.Reason
// carries the full internal error detail (secure=false, the default) or a
// generic public-safe message (secure=true), per the "secure storage
// exception" variant. Hosts that prefer reading the process environment
// instead of an explicit flag can pass errorsx.Secure().
func WithSecureMessages(secure bool) Option {
	return func(e *Engine) { e.secure = secure }
}

// WithThrottle attaches an adaptive delay calculator to a named policy; the
// engine consults it on every decision the storage answered (admitted or
// denied) and stamps DelayMillis.
func WithThrottle(policyName string, cfg throttle.Config) Option {
	return func(e *Engine) {
		if e.throttles == nil {
			e.throttles = make(map[string]throttle.Config)
		}
		e.throttles[policyName] = cfg
	}
}

// New builds an Engine over storage. resolver may be nil, in which case
// every request shares the anonymous key.
func New(store admitcore.Storage, resolver admitcore.KeyResolver, opts ...Option) *Engine {
	e := &Engine{storage: store, resolver: resolver}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// TryAcquire evaluates one request against policy and never returns an
// error: every failure mode (key resolution, storage unavailability) is
// folded into the returned Decision per policy.FailStrategy().
func (e *Engine) TryAcquire(ctx context.Context, rc admitcore.Context, policy admitcore.Policy) admitcore.Decision {
	start := time.Now()
	defer func() {
		if e.metrics != nil {
			e.metrics.RecordLatency(policy.Name(), time.Since(start))
		}
	}()

	key, keyErr := e.resolveKey(ctx, rc)
	if keyErr != nil {
		e.auditFailure(ctx, policy, keyErr.Error())
	}

	now := e.storage.CurrentTime()
	allowed, snap, err := e.storage.TryAcquire(ctx, key, policy, now)
	if err != nil {
		return e.handleStorageError(ctx, policy, now, err)
	}

	decision := admitcore.Decision{
		Allowed:           allowed,
		LimiterName:       policy.Name(),
		Limit:             snap.Limit,
		Remaining:         snap.Remaining,
		ResetTime:         snap.ResetTime,
		RetryAfterSeconds: retryAfterSeconds(now, snap.ResetTime, allowed),
		Reason:            reasonFor(allowed),
	}

	if cfg, ok := e.throttles[policy.Name()]; ok {
		decision.DelayMillis = throttle.Calculate(snap.CurrentUsage, cfg)
	}

	e.recordOutcome(policy, key, decision)
	return decision
}

func (e *Engine) resolveKey(ctx context.Context, rc admitcore.Context) (string, error) {
	if e.resolver == nil {
		return anonymousKey, nil
	}
	key, err := e.resolver.ResolveKey(ctx, rc)
	if err != nil || key == "" {
		return anonymousKey, &admitcore.KeyResolutionError{Cause: err}
	}
	return key, nil
}

func (e *Engine) handleStorageError(ctx context.Context, policy admitcore.Policy, now time.Time, err error) admitcore.Decision {
	if e.metrics != nil {
		e.metrics.RecordError(policy.Name(), err)
	}
	e.auditFailure(ctx, policy, err.Error())

	failOpen := policy.FailStrategy() == admitcore.FailOpen
	reason := admitcore.ReasonStorageFallbackClosed
	if failOpen {
		reason = admitcore.ReasonStorageFallbackOpen
	}
	if e.metrics != nil {
		e.metrics.RecordFallback(policy.Name(), reason)
	}

	detail := errorsx.StorageMessage(err, e.secure)
	return admitcore.Decision{
		Allowed:     failOpen,
		LimiterName: policy.Name(),
		Limit:       policy.Requests(),
		Remaining:   0,
		ResetTime:   now.Add(policy.TTL()),
		Reason:      reason + ": " + detail,
	}
}

func (e *Engine) recordOutcome(policy admitcore.Policy, key string, d admitcore.Decision) {
	if e.metrics != nil {
		if d.Allowed {
			e.metrics.RecordAllow(policy.Name())
		} else {
			e.metrics.RecordDeny(policy.Name())
		}
		e.metrics.RecordUsage(policy.Name(), d.Limit-d.Remaining, d.Limit)
	}
	if e.audit != nil {
		e.audit.EmitEnforcement(context.Background(), admitcore.EnforcementEvent{
			PolicyName: policy.Name(),
			MaskedKey:  admitcore.MaskKey(key),
			Allowed:    d.Allowed,
			Reason:     d.Reason,
			At:         time.Now(),
		})
	}
}

func (e *Engine) auditFailure(ctx context.Context, policy admitcore.Policy, detail string) {
	if e.audit == nil {
		return
	}
	e.audit.EmitSystemFailure(ctx, admitcore.SystemFailureEvent{
		PolicyName: policy.Name(),
		Detail:     detail,
		At:         time.Now(),
	})
}

func reasonFor(allowed bool) string {
	if allowed {
		return admitcore.ReasonAdmitted
	}
	return admitcore.ReasonLimitExceeded
}

func retryAfterSeconds(now, resetTime time.Time, allowed bool) int64 {
	if allowed {
		return 0
	}
	d := resetTime.Sub(now)
	if d <= 0 {
		return 0
	}
	secs := d / time.Second
	if d%time.Second != 0 {
		secs++
	}
	return int64(secs)
}
