package domain

import "errors"

// Error taxonomy. Callers wrap these with fmt.Errorf("...: %w", ErrX) and
// test them with errors.Is.
var (
	// ErrConfigParse marks a malformed policy or usage record. Skip it and continue.
	ErrConfigParse = errors.New("config parse error")

	// ErrPermissionDenied means the oracle or the block surface is unavailable.
	// Enforcement fails open and keeps polling for the grant.
	ErrPermissionDenied = errors.New("permission denied")

	// ErrTransientQuery means an OS query failed. Keep the last snapshot and retry.
	ErrTransientQuery = errors.New("transient query failure")

	// ErrInvariantViolation means the host package reached a block path.
	// Only the offending operation is aborted.
	ErrInvariantViolation = errors.New("invariant violation")
)

// ErrorKind returns a short label for metrics and logs.
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return "none"
	case errors.Is(err, ErrPermissionDenied):
		return "permission_denied"
	case errors.Is(err, ErrConfigParse):
		return "config_parse"
	case errors.Is(err, ErrInvariantViolation):
		return "invariant_violation"
	default:
		return "transient"
	}
}
