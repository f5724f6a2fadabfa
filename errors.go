package admitcore

import "errors"

// Sentinel errors form the taxonomy callers use with errors.Is to classify
// failures returned from engine and storage operations. Wrapper types below
// attach context while remaining comparable against these sentinels.
var (
	// ErrPolicyInvalid is returned by NewPolicy when construction arguments
	// violate an invariant. It never escapes from a running engine.
	ErrPolicyInvalid = errors.New("admitcore: policy invalid")

	// ErrStorageUnavailable indicates a storage backend could not complete
	// an operation due to a connectivity or backend-health problem.
	ErrStorageUnavailable = errors.New("admitcore: storage unavailable")

	// ErrStorageExceeded indicates a request asked for more units than a
	// policy's capacity could ever grant, independent of current load.
	ErrStorageExceeded = errors.New("admitcore: requested amount exceeds policy capacity")

	// ErrCircuitBreakerOpen indicates a tiered storage's breaker is open and
	// traffic is being routed to (or rejected by) the secondary path.
	ErrCircuitBreakerOpen = errors.New("admitcore: circuit breaker open")

	// ErrKeyResolution indicates a KeyResolver failed to produce a key.
	ErrKeyResolution = errors.New("admitcore: key resolution failed")
)

// KeyResolutionError wraps a failure from a KeyResolver, preserving the
// underlying cause for diagnostics while remaining comparable to
// ErrKeyResolution via errors.Is.
type KeyResolutionError struct {
	Cause error
}

func (e *KeyResolutionError) Error() string {
	if e.Cause == nil {
		return ErrKeyResolution.Error()
	}
	return ErrKeyResolution.Error() + ": " + e.Cause.Error()
}

func (e *KeyResolutionError) Unwrap() error { return e.Cause }

func (e *KeyResolutionError) Is(target error) bool {
	return target == ErrKeyResolution
}

// StorageError wraps a failure surfaced by a Storage implementation,
// distinguishing connectivity problems (Unavailable) from capacity
// violations (Exceeded) so engines can apply the correct FailStrategy.
type StorageError struct {
	Op       string
	Cause    error
	Exceeded bool
}

func (e *StorageError) Error() string {
	sentinel := ErrStorageUnavailable
	if e.Exceeded {
		sentinel = ErrStorageExceeded
	}
	if e.Op == "" {
		return sentinel.Error()
	}
	if e.Cause == nil {
		return sentinel.Error() + " (" + e.Op + ")"
	}
	return sentinel.Error() + " (" + e.Op + "): " + e.Cause.Error()
}

func (e *StorageError) Unwrap() error { return e.Cause }

func (e *StorageError) Is(target error) bool {
	if e.Exceeded {
		return target == ErrStorageExceeded
	}
	return target == ErrStorageUnavailable
}

// NewStorageUnavailableError builds a StorageError classified as a
// connectivity/health failure.
func NewStorageUnavailableError(op string, cause error) error {
	return &StorageError{Op: op, Cause: cause}
}

// NewStorageExceededError builds a StorageError classified as a capacity
// violation — the request could never be admitted regardless of load.
func NewStorageExceededError(op string, cause error) error {
	return &StorageError{Op: op, Cause: cause, Exceeded: true}
}
