// Package errorsx implements the "secure storage exception" message variant:
// internal diagnostic detail is shown in full unless the host has opted into
// production scrubbing, in which case only a generic public message is
// returned. The decision itself never changes — only the wording attached
// to it.
package errorsx

import "os"

const publicStorageMessage = "rate limiter unavailable"

// Secure reports whether production-safe message scrubbing is active,
// reading the process-wide ENVIRONMENT variable per the core's single
// recognized environment signal. Callers that prefer explicit configuration
// over process environment should not call this directly; pass a literal
// bool to SecureMessage instead.
func Secure() bool {
	return os.Getenv("ENVIRONMENT") == "production"
}

// SecureMessage returns publicMessage when secure is true, and err's own
// Error() text otherwise. err must be non-nil.
func SecureMessage(err error, publicMessage string, secure bool) string {
	if secure {
		return publicMessage
	}
	return err.Error()
}

// StorageMessage is SecureMessage specialized to the core's one scrubbed
// error category, storage unavailability.
func StorageMessage(err error, secure bool) string {
	return SecureMessage(err, publicStorageMessage, secure)
}
