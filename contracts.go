package admitcore

import (
	"context"
	"time"
)

// StateSnapshot is the result of a successful Storage.TryAcquire or
// Storage.GetState call: enough information for an engine to build a
// Decision without knowing which algorithm produced it.
type StateSnapshot struct {
	Limit        int64
	Remaining    int64
	ResetTime    time.Time
	CurrentUsage int64
}

// Storage is the contract every admission backend implements: an in-memory
// store, a tiered store wrapping two others behind a circuit breaker, or a
// remote store backed by Redis or PostgreSQL. Implementations hold all
// algorithm-specific state; callers above this interface never branch on
// Policy.Algorithm() themselves.
//
// Implementations must serialize concurrent TryAcquire calls against the
// same key (no lost updates) while never holding a single lock across all
// keys (no cross-key contention).
type Storage interface {
	// CurrentTime returns the storage's notion of "now", letting tests
	// inject a deterministic clock without mutating global state.
	CurrentTime() time.Time

	// TryAcquire evaluates one admission attempt for key under policy at
	// the given timestamp, atomically updating and returning the new
	// state. An error return means the operation could not be completed;
	// allowed is meaningless in that case.
	TryAcquire(ctx context.Context, key string, policy Policy, now time.Time) (allowed bool, snapshot StateSnapshot, err error)

	// Reset clears all algorithm state associated with key.
	Reset(ctx context.Context, key string) error

	// GetState returns the current snapshot for key without mutating it.
	// The second return is false if no state exists for key.
	GetState(ctx context.Context, key string) (StateSnapshot, bool, error)

	// Diagnostics returns human-readable debug information. Every
	// implementation includes the keys "type", "healthy" and "states.count";
	// any further keys and their shapes are implementation-specific.
	Diagnostics() map[string]any

	// IsHealthy reports whether the storage believes it can currently
	// serve requests. Remote implementations check with a network round
	// trip bounded by a short timeout.
	IsHealthy() bool
}

// KeyResolver derives the admission key for a request from a Context. An
// error return causes the engine to fall back to a shared anonymous key
// rather than aborting the request.
type KeyResolver interface {
	ResolveKey(ctx context.Context, rc Context) (string, error)
}

// MetricsSink receives point-in-time observations from an engine. All
// methods must be safe to call concurrently and must not block; a sink
// that cannot keep up should drop observations rather than stall callers.
type MetricsSink interface {
	RecordAllow(limiterName string)
	RecordDeny(limiterName string)
	RecordError(limiterName string, err error)
	RecordLatency(limiterName string, d time.Duration)
	RecordFallback(limiterName, reason string)
	RecordBreakerStateChange(limiterName, newState string)
	RecordUsage(limiterName string, current, limit int64)
}

// AuditSink receives durable, lower-frequency events intended for
// compliance or incident review rather than dashboards.
type AuditSink interface {
	EmitConfigChange(ctx context.Context, e ConfigChangeEvent)
	EmitEnforcement(ctx context.Context, e EnforcementEvent)
	EmitSystemFailure(ctx context.Context, e SystemFailureEvent)
}

type ConfigChangeEvent struct {
	PolicyName string
	Detail     string
	At         time.Time
}

type EnforcementEvent struct {
	PolicyName string
	MaskedKey  string
	Allowed    bool
	Reason     string
	At         time.Time
}

type SystemFailureEvent struct {
	PolicyName string
	Detail     string
	At         time.Time
}

// MaskKey redacts the middle of a key for audit logs, keeping enough of the
// prefix/suffix to correlate events without persisting the raw identifier.
func MaskKey(key string) string {
	const keep = 3
	if len(key) <= keep*2 {
		return "***"
	}
	return key[:keep] + "***" + key[len(key)-keep:]
}
