package types

import "errors"

// Error taxonomy for the proxy. Callers match with errors.Is; the concrete
// messages carry the wrapped cause.
var (
	// ErrUnavailable means both stores are down or the proxy is in the
	// UNAVAILABLE state. Surfaced to the caller; never retried internally.
	ErrUnavailable = errors.New("service unavailable")

	// ErrFencingLost means the proxy no longer holds the distributed write
	// lock. Writes are rejected until the state settles.
	ErrFencingLost = errors.New("fencing lock lost")

	// ErrNotFound is returned by unique lookups that match no row.
	ErrNotFound = errors.New("not found")

	// ErrValidation marks a bad caller argument (malformed where clause,
	// oversized batch, non-finite number).
	ErrValidation = errors.New("validation failed")

	// ErrPrimaryTransient marks a primary write failure in NORMAL mode. The
	// write is surfaced as failed; there is no fallback-only commit in NORMAL.
	ErrPrimaryTransient = errors.New("primary write failed")

	// ErrMirrorFailed marks a failed fallback mirror of a committed primary
	// write. Never surfaced on the caller path; recorded in pending writes.
	ErrMirrorFailed = errors.New("fallback mirror failed")

	// ErrSchemaDrift marks a write referencing a column the target store does
	// not have. Swallowed on the fallback (the column is skipped), surfaced on
	// the primary.
	ErrSchemaDrift = errors.New("schema drift")

	// ErrConflictPending means a manual-strategy conflict is waiting for an
	// operator decision.
	ErrConflictPending = errors.New("conflict pending manual resolution")
)
