package merge

import (
	"errors"
)

// Sentinel errors surfaced to callers. Concurrent-merge conflicts are
// retryable after backoff; the rest are not retried automatically.
var (
	// ErrConcurrentMerge means an identity is already locked by another
	// in-flight merge. The caller retries the whole attempt; nothing was
	// applied.
	ErrConcurrentMerge = errors.New("merge: identity locked by another in-flight merge")

	// ErrNotActive means one side of the pair was already merged away.
	// Scans treat it as a skip; the surviving identity will be re-paired.
	ErrNotActive = errors.New("merge: identity no longer active")

	// ErrMergeNotFound means the merge record reference does not resolve.
	ErrMergeNotFound = errors.New("merge: record not found")

	// ErrAlreadyUndone means the target merge record is already undone.
	ErrAlreadyUndone = errors.New("merge: record already undone")

	// ErrInvariant means a pre-commit consistency check failed (e.g. a
	// snapshot would not reconstruct the pre-merge state). It indicates a
	// bug, not a data condition; the transaction is aborted.
	ErrInvariant = errors.New("merge: invariant violation")
)

// IsRetryable reports whether the error is a transient merge conflict
// the caller may retry after backoff.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrentMerge)
}
