package admitcore

import "time"

// Decision is the outcome of evaluating one request against one Policy. It
// is returned by value; callers must treat every field as read-only since
// Go's copy semantics are the only enforcement of that contract.
type Decision struct {
	Allowed           bool
	LimiterName       string
	Limit             int64
	Remaining         int64
	ResetTime         time.Time
	RetryAfterSeconds int64
	DelayMillis       int64
	Reason            string
}

const (
	ReasonAdmitted              = "admitted"
	ReasonLimitExceeded         = "limit_exceeded"
	ReasonKeyResolutionFailed   = "key_resolution_failed"
	ReasonStorageFallbackOpen   = "storage_fallback_open"
	ReasonStorageFallbackClosed = "storage_fallback_closed"
	ReasonCircuitBreakerOpen    = "circuit_breaker_open"
	ReasonPolicyInvalid         = "policy_invalid"
)
